package ask

import (
	"context"
	"strings"
)

// Token is one incremental piece of a streamed completion.
type Token struct {
	Text string
	Done bool
}

// Client is the narrow boundary to the concrete LLM provider, an external
// collaborator this module never imports directly. Complete blocks for the
// full response; Stream yields tokens as the provider produces them.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string) (<-chan Token, error)
}

// EchoClient is a deterministic Client test double: it answers with a fixed
// response, or if none was registered, with the prompt itself split into
// words and replayed as a stream. It never calls out to a real provider,
// the same role EchoFetcher plays for the connector runtime.
type EchoClient struct {
	Response string
	Err      error
}

// NewEchoClient builds an EchoClient that returns response, or echoes the
// prompt when response is empty.
func NewEchoClient(response string) *EchoClient {
	return &EchoClient{Response: response}
}

func (c *EchoClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.Err != nil {
		return "", c.Err
	}
	if c.Response != "" {
		return c.Response, nil
	}
	return prompt, nil
}

func (c *EchoClient) Stream(ctx context.Context, prompt string) (<-chan Token, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	text := c.Response
	if text == "" {
		text = prompt
	}
	words := strings.Fields(text)

	ch := make(chan Token)
	go func() {
		defer close(ch)
		for _, w := range words {
			select {
			case <-ctx.Done():
				return
			case ch <- Token{Text: w + " "}:
			}
		}
		select {
		case <-ctx.Done():
		case ch <- Token{Done: true}:
		}
	}()
	return ch, nil
}
