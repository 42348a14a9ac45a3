package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/pkg/models"
)

// Sentinel errors for runtime operations.
var (
	// ErrConversationBusy indicates a turn is already in flight for the
	// conversation. Concurrent submissions fail fast with this error
	// rather than queueing.
	ErrConversationBusy = errors.New("conversation busy: a turn is already in flight")

	// ErrMaxIterations indicates the cumulative iteration cap for a turn
	// was exceeded.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrToolNotFound indicates a requested tool is not in the turn's
	// effective toolset.
	ErrToolNotFound = errors.New("tool not found")

	// ErrAgentNotFound indicates a referenced agent id is not registered.
	ErrAgentNotFound = errors.New("agent not found")
)

// CodedError pairs an error with a stable wire code.
type CodedError struct {
	Code models.ErrorCode
	Err  error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("[%s] %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// Coded wraps err with a stable code.
func Coded(code models.ErrorCode, err error) *CodedError {
	return &CodedError{Code: code, Err: err}
}

// Codef wraps a formatted message with a stable code.
func Codef(code models.ErrorCode, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf maps an error to its stable wire code. Unclassified errors map to
// PROVIDER_ERROR only at the stream boundary; everywhere else the caller is
// expected to have attached a code, so the fallback here is deliberate and
// generic.
func CodeOf(err error) models.ErrorCode {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	if te, ok := retry.IsTimeout(err); ok {
		return models.ErrorCode(te.Code)
	}
	switch {
	case errors.Is(err, ErrConversationBusy):
		return models.CodeConversationBusy
	case errors.Is(err, ErrMaxIterations):
		return models.CodeMaxIterationsExceeded
	case errors.Is(err, ErrToolNotFound):
		return models.CodeToolNotFound
	case errors.Is(err, context.Canceled):
		return models.CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return models.CodeCancelled
	}
	return models.CodeProviderError
}
