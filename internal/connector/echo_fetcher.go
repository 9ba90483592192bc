package connector

import "context"

// EchoFetcher is a deterministic Fetcher test double: it returns whatever
// Document was registered for a job's ExternalID, or a FetchError if none
// was registered. It never calls out to a real provider, the same role
// EchoClient plays for the LLM client interface.
type EchoFetcher struct {
	Documents map[string]Document
	Errors    map[string]*FetchError
}

// NewEchoFetcher builds an empty EchoFetcher ready for Register calls.
func NewEchoFetcher() *EchoFetcher {
	return &EchoFetcher{Documents: map[string]Document{}, Errors: map[string]*FetchError{}}
}

// RegisterDocument makes Fetch return doc for the given external ID.
func (f *EchoFetcher) RegisterDocument(externalID string, doc Document) {
	f.Documents[externalID] = doc
}

// RegisterError makes Fetch return err for the given external ID.
func (f *EchoFetcher) RegisterError(externalID string, err *FetchError) {
	f.Errors[externalID] = err
}

func (f *EchoFetcher) Fetch(ctx context.Context, job Job) (Document, error) {
	if err, ok := f.Errors[job.ExternalID]; ok {
		return Document{}, err
	}
	doc, ok := f.Documents[job.ExternalID]
	if !ok {
		return Document{}, &FetchError{Class: FailureNetwork, Message: "echo fetcher: no document registered for " + job.ExternalID}
	}
	return doc, nil
}
