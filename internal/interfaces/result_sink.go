package interfaces

import "context"

// ResultSink persists one finalized task result. Persistence is
// best-effort: failures are logged by callers, never fatal to the pool.
type ResultSink interface {
	Persist(ctx context.Context, businessKey string, fields map[string]any) error
	Close() error
}
