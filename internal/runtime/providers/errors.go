// Package providers implements the LLM adapters behind runtime.LLMProvider:
// Anthropic, OpenAI-compatible endpoints, and Ollama. Each adapter owns its
// protocol's streaming shape and reassembly buffers and emits normalized
// completion chunks.
package providers

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderError is the structured error every adapter surfaces. It carries
// the HTTP status and provider error code so the retry layer can classify
// transient failures without parsing message text.
type ProviderError struct {
	// Provider is the adapter name ("anthropic", "openai", "ollama").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, when one was observed.
	Status int

	// Code is the provider-specific error code (e.g. "rate_limit_error").
	Code string

	// Message is the human-readable provider message.
	Message string

	// RequestID is the provider request id, for support tickets.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

func (e *ProviderError) Error() string {
	parts := []string{e.Provider}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// HTTPStatus feeds the transient-failure classifier.
func (e *ProviderError) HTTPStatus() int { return e.Status }

// NewProviderError wraps a raw error with provider and model context.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// WithStatus records the HTTP status.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	return e
}

// WithCode records the provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	return e
}

// WithMessage replaces the message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// WithRequestID records the provider request id.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
