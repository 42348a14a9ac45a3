package providers

import (
	"context"

	"github.com/haasonsaas/loom/internal/runtime"
)

// send delivers a chunk to the consumer, giving up when the context is done.
// A consumer that cancels the turn and abandons the channel must not park
// the pump goroutine (and its open response body) forever.
func send(ctx context.Context, out chan<- *runtime.CompletionChunk, chunk *runtime.CompletionChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
