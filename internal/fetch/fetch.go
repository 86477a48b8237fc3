// Package fetch defines the boundary to the external resource-fetching
// collaborator. The engine only depends on the Fetcher interface; the
// bundled HTTP implementation is one swappable backend.
package fetch

import (
	"context"

	"github.com/tvhoang/fetchd/internal/domain"
)

// ProgressFunc receives raw byte counts from the backend. total may be
// zero or negative while the backend does not yet know the full size.
// Implementations may call it at arbitrary frequency and, occasionally,
// out of order.
type ProgressFunc func(downloaded, total int64)

// Fetcher retrieves one remote resource. Implementations must honor ctx
// cancellation as a best-effort abort and should wrap permanent failures
// (the resource can never be fetched) with domain.Fatal so the retry
// policy can short-circuit.
type Fetcher interface {
	Fetch(ctx context.Context, locator string, params domain.Params, onProgress ProgressFunc) (*domain.Output, error)
}
