package embedding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lattice-kg/engine/internal/config"
)

const (
	RemoteModelVersion     = "remote"
	RemoteDefaultBaseURL   = "https://api.openai.com/v1"
	RemoteDefaultModel     = "text-embedding-3-small"
	RemoteDefaultDimension = 1536
	remoteHTTPTimeout      = 30 * time.Second
)

// remoteEmbedder calls an OpenAI-compatible /embeddings endpoint (also
// satisfied by local model servers and LiteLLM-style proxies).
type remoteEmbedder struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	modelName  string
	dimensions int
}

type remoteEmbedRequest struct {
	Input          interface{} `json:"input"`
	Model          string      `json:"model"`
	EncodingFormat string      `json:"encoding_format"`
}

type remoteEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func init() {
	RegisterModel(ModelMetadata{
		Name:        "Remote (OpenAI-compatible)",
		Version:     RemoteModelVersion,
		Dimensions:  RemoteDefaultDimension,
		Description: "OpenAI-compatible embedding via REST API (supports LiteLLM-style proxies)",
	}, func() (EmbeddingModel, error) {
		return NewRemoteEmbedder(config.Get())
	})
}

// NewRemoteEmbedder constructs a remoteEmbedder from configuration.
func NewRemoteEmbedder(cfg *config.Config) (EmbeddingModel, error) {
	if cfg.EmbeddingAPIKey == "" {
		return nil, fmt.Errorf("EMBEDDING_API_KEY is required for remote embedding backend")
	}

	baseURL := cfg.EmbeddingBaseURL
	if baseURL == "" {
		baseURL = RemoteDefaultBaseURL
	}
	modelName := cfg.EmbeddingModel
	if modelName == "" || modelName == "hash-v1" {
		modelName = RemoteDefaultModel
	}
	dimensions := cfg.EmbeddingDim
	if dimensions <= 0 {
		dimensions = RemoteDefaultDimension
	}

	return &remoteEmbedder{
		client:     &http.Client{Timeout: remoteHTTPTimeout},
		baseURL:    baseURL,
		apiKey:     cfg.EmbeddingAPIKey,
		modelName:  modelName,
		dimensions: dimensions,
	}, nil
}

func (m *remoteEmbedder) Name() string    { return "Remote (OpenAI-compatible)" }
func (m *remoteEmbedder) Version() string { return RemoteModelVersion }
func (m *remoteEmbedder) Dimensions() int { return m.dimensions }
func (m *remoteEmbedder) Close() error    { return nil }

func (m *remoteEmbedder) Embed(text string) ([]float32, error) {
	if text == "" {
		return make([]float32, m.dimensions), nil
	}
	results, err := m.embedRequest(text)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("embedding API returned no results for model %s", m.modelName)
	}
	return results[0], nil
}

func (m *remoteEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results, err := m.embedRequest(texts)
	if err != nil {
		return nil, err
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d results for %d inputs (model=%s)",
			len(results), len(texts), m.modelName)
	}
	return results, nil
}

func (m *remoteEmbedder) embedRequest(input interface{}) ([][]float32, error) {
	reqBody := remoteEmbedRequest{
		Input:          input,
		Model:          m.modelName,
		EncodingFormat: "float",
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send embedding request to %s: %w", m.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding API error (model=%s, status=%d): %s",
			m.modelName, resp.StatusCode, strings.TrimSpace(string(bodySnippet)))
	}

	var embedResp remoteEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode embedding response from %s: %w", m.baseURL, err)
	}

	sort.Slice(embedResp.Data, func(i, j int) bool {
		return embedResp.Data[i].Index < embedResp.Data[j].Index
	})

	results := make([][]float32, len(embedResp.Data))
	for i, d := range embedResp.Data {
		results[i] = d.Embedding
	}
	return results, nil
}
