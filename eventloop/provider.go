// Package eventloop drives a bounded number of reasoning cycles for a
// single user turn: calling the provider, parsing its stream, executing any
// requested tools, and optionally consulting an evaluator between cycles.
package eventloop

import (
	"context"
	"io"

	"github.com/agentkit-go/core/conversation"
	"github.com/agentkit-go/core/streaming"
)

// ModelParams carries the provider-facing knobs for a single request. Tags
// are dual-purpose so the same struct loads from YAML config or a JSON API
// payload.
type ModelParams struct {
	Model       string  `json:"model" yaml:"model"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// ToolDescriptor is the provider-facing projection of a registered tool.
type ToolDescriptor struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	InputSchema any    `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

// Request describes a single call to the provider.
type Request struct {
	Messages        []conversation.Message
	System          string
	ToolDescriptors []ToolDescriptor
	ModelParams     ModelParams
	CaptureRaw      bool
}

// TokenUsage reports token accounting for a completed cycle, when the
// provider supplies it.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// StreamSource is a finite, not-restartable lazy sequence of stream events.
// Next returns io.EOF once the sequence is exhausted (after MessageStop has
// already been delivered through a prior Next call).
type StreamSource interface {
	Next(ctx context.Context) (streaming.Event, error)
	// Usage returns token accounting once available (typically only valid
	// after the sequence is exhausted). Implementations that never supply
	// usage should return false.
	Usage() (TokenUsage, bool)
	Close() error
}

// ErrStreamExhausted is an alias of io.EOF for readability at call sites.
var ErrStreamExhausted = io.EOF

// LlmProvider is the external collaborator boundary: something that can
// stream a completion for a given request. The core never defines a wire
// format for any specific provider; it only consumes this interface.
type LlmProvider interface {
	Stream(ctx context.Context, req Request) (StreamSource, error)
}

// ErrorKind classifies a provider error for retry purposes.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindThrottled
	ErrorKindTransient
	ErrorKindTimeout
	ErrorKindServiceUnavailable
	ErrorKindNetwork
	ErrorKindAuth
	ErrorKindValidation
	ErrorKindResourceNotFound
)

// Retryable reports whether errors of this kind should be retried at all.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindThrottled, ErrorKindTransient, ErrorKindTimeout, ErrorKindServiceUnavailable, ErrorKindNetwork:
		return true
	default:
		return false
	}
}

// ProviderError wraps an LlmProvider error with a classification the loop
// uses to decide whether, and how, to retry.
type ProviderError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return "eventloop: provider error"
	}
	return e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err with the given classification. A nil err
// returns nil.
func NewProviderError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Kind: kind, Err: err}
}
