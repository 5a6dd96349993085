package ports

import (
	"context"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// RecordStore is the append-only sink for lifecycle records. The engine never
// reads back from it for its own correctness.
type RecordStore interface {
	SaveCycleResult(ctx context.Context, result domain.TradeCycleResult) error
	SaveTransitions(ctx context.Context, transitions []domain.StateTransition) error
	SaveAudit(ctx context.Context, report domain.AuditReport) error

	// Close flushes and releases the underlying connection.
	Close() error
}
