package connector

import "context"

// Document is what a provider-specific Fetcher returns for one job: the
// body to chunk/embed plus enough metadata to run the ETag/content-hash
// skip logic without re-fetching.
type Document struct {
	Body    string
	Classes []string
	Props   map[string]any
	ETag    string
}

// Fetcher retrieves one document from a provider. Provider integrations
// (Slack, Notion, Google Drive, ...) are external collaborators exactly
// like the embedding backend and the LLM client: lattice depends only on
// this narrow interface, never on a concrete provider SDK.
type Fetcher interface {
	Fetch(ctx context.Context, job Job) (Document, error)
}

// FetchError classifies a Fetcher failure so the worker pool can decide
// between retry-with-backoff and immediate DLQ, per §4.6's failure
// classes (auth/permanent, quota/transient, malformed/permanent+tag,
// network/transient).
type FetchError struct {
	Class   FailureClass
	Message string
	Cause   error
}

func (e *FetchError) Error() string { return e.Message }
func (e *FetchError) Unwrap() error { return e.Cause }

// FailureClass is the provider-failure taxonomy from §4.6.
type FailureClass string

const (
	FailureAuth       FailureClass = "auth"
	FailureQuota      FailureClass = "quota"
	FailureMalformed  FailureClass = "content_error"
	FailureNetwork    FailureClass = "network"
)

// Permanent reports whether a failure class should go straight to the DLQ
// rather than being retried with backoff.
func (c FailureClass) Permanent() bool {
	return c == FailureAuth || c == FailureMalformed
}
