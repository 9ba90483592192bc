// Package ask implements the retrieval-augmented answer orchestrator:
// hybrid search, threshold filtering, prompt composition, and citation
// assembly over the narrow llm.Client boundary.
package ask

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice-kg/engine/internal/config"
	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/observability"
	"github.com/lattice-kg/engine/internal/retrieval"
	"github.com/lattice-kg/engine/internal/store"
)

// Route is the orchestrator's routing decision, metadata attached to the
// answer but never used to change the candidate set or threshold logic.
type Route string

const (
	RouteFast     Route = "fast"
	RouteFallback Route = "fallback"
)

// Citation describes one retrieval candidate that backed the answer.
type Citation struct {
	SnippetIndex int      `json:"snippet_index"`
	NodeID       string   `json:"node_id"`
	Similarity   float64  `json:"similarity"`
	Classes      []string `json:"classes,omitempty"`
	Drift        float64  `json:"drift"`
	AgeSeconds   float64  `json:"age_seconds"`
}

// Answer is the final, non-streamed result of an Ask call.
type Answer struct {
	Text          string     `json:"text"`
	Citations     []Citation `json:"citations,omitempty"`
	Confidence    float64    `json:"confidence"`
	Route         Route      `json:"route"`
	LowConfidence bool       `json:"low_confidence"`
}

// StreamEvent is one element of an AskStream channel: either an incremental
// token or, on the last event, the full final Answer.
type StreamEvent struct {
	Token string  `json:"token,omitempty"`
	Done  bool    `json:"done"`
	Final *Answer `json:"final,omitempty"`
}

const lowConfidenceText = "I don't have enough grounded information to answer that confidently."

// Orchestrator composes hybrid search with an LLM completion to produce a
// cited answer.
type Orchestrator struct {
	retrieval *retrieval.Service
	llm       Client
	cfg       *config.Config
	log       zerolog.Logger
	sink      *observability.Sink
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(retrieval *retrieval.Service, llm Client, cfg *config.Config, log zerolog.Logger, sink *observability.Sink) *Orchestrator {
	return &Orchestrator{retrieval: retrieval, llm: llm, cfg: cfg, log: log, sink: sink}
}

// Ask runs the full retrieve -> filter -> complete -> cite flow.
func (o *Orchestrator) Ask(ctx context.Context, question string) (*Answer, error) {
	start := time.Now()

	candidates, route, err := o.retrieveCandidates(ctx, question)
	if err != nil {
		o.record(ctx, observability.ResultError, start)
		return nil, err
	}
	if len(candidates) == 0 {
		o.record(ctx, observability.ResultSkipped, start)
		return o.lowConfidenceAnswer(route), nil
	}

	prompt := composePrompt(question, candidates, o.cfg.AskMaxSnippets, o.cfg.AskSnippetLen)

	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.AskLLMTimeout)
	defer cancel()
	text, err := o.llm.Complete(llmCtx, prompt)
	if err != nil {
		o.record(ctx, observability.ResultError, start)
		return nil, classifyLLMError(err)
	}

	answer := buildAnswer(text, candidates, route, o.cfg.AskMaxSnippets)
	o.record(ctx, observability.ResultOK, start)
	return answer, nil
}

// AskStream runs the same flow but streams LLM tokens as they arrive,
// emitting a final event carrying the full citation block once the
// underlying stream closes. If ctx is cancelled while a token is being
// delivered, the channel is closed without a final event.
func (o *Orchestrator) AskStream(ctx context.Context, question string) (<-chan StreamEvent, error) {
	start := time.Now()

	candidates, route, err := o.retrieveCandidates(ctx, question)
	if err != nil {
		o.record(ctx, observability.ResultError, start)
		return nil, err
	}
	if len(candidates) == 0 {
		o.record(ctx, observability.ResultSkipped, start)
		answer := o.lowConfidenceAnswer(route)
		out := make(chan StreamEvent, 1)
		out <- StreamEvent{Done: true, Final: answer}
		close(out)
		return out, nil
	}

	prompt := composePrompt(question, candidates, o.cfg.AskMaxSnippets, o.cfg.AskSnippetLen)
	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.AskLLMTimeout)

	tokens, err := o.llm.Stream(llmCtx, prompt)
	if err != nil {
		cancel()
		o.record(ctx, observability.ResultError, start)
		return nil, classifyLLMError(err)
	}

	out := make(chan StreamEvent)
	go func() {
		defer cancel()
		defer close(out)
		var sb strings.Builder
		result := observability.ResultOK
		for tok := range tokens {
			if tok.Done {
				break
			}
			sb.WriteString(tok.Text)
			select {
			case out <- StreamEvent{Token: tok.Text}:
			case <-ctx.Done():
				result = observability.ResultError
				o.record(ctx, result, start)
				return
			}
		}
		answer := buildAnswer(sb.String(), candidates, route, o.cfg.AskMaxSnippets)
		out <- StreamEvent{Done: true, Final: answer}
		o.record(ctx, result, start)
	}()
	return out, nil
}

// retrieveCandidates runs hybrid search, applies the reranker per §4.3's
// skip rules, filters by ASK_SIM_THRESHOLD using the hybrid score, and
// derives the fast/fallback routing decision from the top hybrid score
// observed *before* filtering.
func (o *Orchestrator) retrieveCandidates(ctx context.Context, question string) ([]retrieval.Result, Route, error) {
	resp, err := o.retrieval.Search(ctx, question, o.cfg.AskMaxSnippets*2, retrieval.Options{
		Mode:        retrieval.ModeHybrid,
		UseReranker: o.cfg.AskUseReranker,
	})
	if err != nil {
		return nil, RouteFallback, err
	}

	route := RouteFallback
	if len(resp.Results) > 0 && resp.Results[0].Score >= o.cfg.AskRouterTopSim {
		route = RouteFast
	}

	var kept []retrieval.Result
	for _, r := range resp.Results {
		if r.Score >= o.cfg.AskSimThreshold {
			kept = append(kept, r)
		}
	}
	return kept, route, nil
}

func (o *Orchestrator) lowConfidenceAnswer(route Route) *Answer {
	return &Answer{Text: lowConfidenceText, Confidence: 0, Route: route, LowConfidence: true}
}

func (o *Orchestrator) record(ctx context.Context, result observability.Result, start time.Time) {
	if o.sink == nil {
		return
	}
	tenant, _ := store.TenantFrom(ctx)
	o.sink.RecordRequest(ctx, observability.Labels{Tenant: tenant, Mode: "ask", Result: result}, time.Since(start))
}

// composePrompt builds the LLM prompt from the top maxSnippets candidates,
// each truncated to snippetLen, with citation instructions requiring every
// factual claim to carry a [i] index referencing the snippet.
func composePrompt(question string, candidates []retrieval.Result, maxSnippets, snippetLen int) string {
	if maxSnippets > len(candidates) {
		maxSnippets = len(candidates)
	}
	var sb strings.Builder
	sb.WriteString("Answer the question using only the numbered snippets below. ")
	sb.WriteString("Every factual claim must cite its source with a bracketed index, e.g. [1]. ")
	sb.WriteString("If the snippets do not contain the answer, say so.\n\n")
	for i := 0; i < maxSnippets; i++ {
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, truncate(snippetText(candidates[i].Node), snippetLen)))
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

func snippetText(n *store.Node) string {
	var sb strings.Builder
	for _, c := range n.Classes {
		sb.WriteString(c)
		sb.WriteString(" ")
	}
	for k, v := range n.Props {
		fmt.Fprintf(&sb, "%s=%v ", k, v)
	}
	return strings.TrimSpace(sb.String())
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

func buildAnswer(text string, candidates []retrieval.Result, route Route, maxSnippets int) *Answer {
	if maxSnippets > len(candidates) {
		maxSnippets = len(candidates)
	}
	now := time.Now()
	citations := make([]Citation, 0, maxSnippets)
	for i := 0; i < maxSnippets; i++ {
		c := candidates[i]
		citations = append(citations, Citation{
			SnippetIndex: i + 1,
			NodeID:       c.Node.ID.String(),
			Similarity:   c.Score,
			Classes:      c.Node.Classes,
			Drift:        c.Node.LastDrift,
			AgeSeconds:   now.Sub(c.Node.LastRefreshed).Seconds(),
		})
	}
	return &Answer{
		Text:       strings.TrimSpace(text),
		Citations:  citations,
		Confidence: candidates[0].Score,
		Route:      route,
	}
}

func classifyLLMError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return kgerrors.New(kgerrors.KindLLMTimeout, "complete", err)
	}
	return kgerrors.New(kgerrors.KindLLMError, "complete", err)
}
