// Package embedding turns text into vectors for semantic memory. Providers
// talk to a model server; Guard wraps any provider with the timeout, retry,
// rate limit, circuit breaker and memo cache the memory layer relies on.
package embedding

import (
	"context"
	"errors"
)

// ErrProviderUnavailable covers every way an embedding call can fail to
// produce a vector in time: network errors, timeouts, an open circuit,
// rate-limit waits that exceed the deadline. Callers degrade rather than fail.
var ErrProviderUnavailable = errors.New("embedding provider unavailable")

// Provider generates vector embeddings.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}
