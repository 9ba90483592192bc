package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/lattice-kg/engine/internal/authgate"
	"github.com/lattice-kg/engine/internal/config"
	"github.com/lattice-kg/engine/internal/embedding"
	"github.com/lattice-kg/engine/internal/observability"
	"github.com/lattice-kg/engine/internal/store"
)

func buildService(t *testing.T, fs *fakeStore) *Service {
	t.Helper()

	cfg := config.Default()
	cfg.AuthEnabled = false
	cfg.AutoEmbedOnCreate = false

	embedder, err := embedding.NewService(cfg)
	require.NoError(t, err)

	sink, err := observability.NewSink(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	return NewService(Deps{
		Store:    fs,
		Embedder: embedder,
		Gate:     authgate.NewGate(cfg, zerolog.Nop(), sink),
		Sink:     sink,
		Cfg:      cfg,
		Log:      zerolog.Nop(),
	})
}

func doJSON(t *testing.T, svc *Service, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestCreateAndGetNode(t *testing.T) {
	fs := newFakeStore()
	svc := buildService(t, fs)

	rec := doJSON(t, svc, http.MethodPost, "/nodes", createNodeRequest{
		Classes: []string{"doc"},
		Props:   store.Props{"title": "hello"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.Node
	decodeBody(t, rec, &created)
	assert.NotEmpty(t, created.ID)

	rec = doJSON(t, svc, http.MethodGet, "/nodes/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetNodeNotFound(t *testing.T) {
	fs := newFakeStore()
	svc := buildService(t, fs)

	rec := doJSON(t, svc, http.MethodGet, "/nodes/00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListNodes(t *testing.T) {
	fs := newFakeStore()
	svc := buildService(t, fs)

	doJSON(t, svc, http.MethodPost, "/nodes", createNodeRequest{Classes: []string{"doc"}})
	doJSON(t, svc, http.MethodPost, "/nodes", createNodeRequest{Classes: []string{"doc"}})

	rec := doJSON(t, svc, http.MethodGet, "/nodes", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.Count)
}

func TestDeleteNodeSoft(t *testing.T) {
	fs := newFakeStore()
	svc := buildService(t, fs)

	rec := doJSON(t, svc, http.MethodPost, "/nodes", createNodeRequest{Classes: []string{"doc"}})
	var created store.Node
	decodeBody(t, rec, &created)

	rec = doJSON(t, svc, http.MethodDelete, "/nodes/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateEdgeAndLineage(t *testing.T) {
	fs := newFakeStore()
	svc := buildService(t, fs)

	n1 := doJSON(t, svc, http.MethodPost, "/nodes", createNodeRequest{Classes: []string{"a"}})
	var src store.Node
	decodeBody(t, n1, &src)
	n2 := doJSON(t, svc, http.MethodPost, "/nodes", createNodeRequest{Classes: []string{"b"}})
	var dst store.Node
	decodeBody(t, n2, &dst)

	rec := doJSON(t, svc, http.MethodPost, "/edges", createEdgeRequest{
		SrcNode:       src.ID.String(),
		RelationLabel: "relates_to",
		DstNode:       dst.ID.String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, svc, http.MethodGet, "/lineage/"+src.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateEdgeInvalidID(t *testing.T) {
	fs := newFakeStore()
	svc := buildService(t, fs)

	rec := doJSON(t, svc, http.MethodPost, "/edges", createEdgeRequest{
		SrcNode:       "not-a-uuid",
		RelationLabel: "x",
		DstNode:       "also-not-a-uuid",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTriggerLifecycle(t *testing.T) {
	fs := newFakeStore()
	svc := buildService(t, fs)

	rec := doJSON(t, svc, http.MethodPost, "/triggers", createTriggerRequest{
		Name:        "urgent",
		ExampleText: "this is urgent please help",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, svc, http.MethodGet, "/triggers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &listed)
	assert.Equal(t, 1, listed.Count)

	rec = doJSON(t, svc, http.MethodDelete, "/triggers/urgent", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAskDisabledReturnsServiceUnavailable(t *testing.T) {
	fs := newFakeStore()
	svc := buildService(t, fs)

	rec := doJSON(t, svc, http.MethodPost, "/ask", askRequest{Question: "what is lattice?"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEmbedInfo(t *testing.T) {
	fs := newFakeStore()
	svc := buildService(t, fs)

	rec := doJSON(t, svc, http.MethodGet, "/_admin/embed_info", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, "hash", body["backend"])
}

func TestMetricsSummary(t *testing.T) {
	fs := newFakeStore()
	svc := buildService(t, fs)

	rec := doJSON(t, svc, http.MethodGet, "/_admin/metrics_summary", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
