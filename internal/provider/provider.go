package provider

import (
	"context"
	"fmt"
)

type Request struct {
	Model     string
	Prompt    string
	RequestID string
}

// Usage is what the provider reported about the call. Reported is false when
// the response carried no usage metadata at all; the counters are then zero.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Reported     bool
}

type Response struct {
	ID        string
	Content   string
	Usage     Usage
	Model     string
	Provider  string
	LatencyMs int64
}

type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Name() string
	SupportedModels() []string
}

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// NewUsage fills in the total when the provider left it out.
func NewUsage(in, out, total int) Usage {
	if total <= 0 {
		total = in + out
	}
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: total, Reported: true}
}
