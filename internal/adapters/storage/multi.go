package storage

import (
	"context"
	"errors"

	"github.com/alejandrodnm/arbengine/internal/domain"
	"github.com/alejandrodnm/arbengine/internal/ports"
)

// Multi fans every record out to several stores. A failing store does not stop
// the others; errors are joined.
type Multi []ports.RecordStore

func (m Multi) SaveCycleResult(ctx context.Context, r domain.TradeCycleResult) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SaveCycleResult(ctx, r))
	}
	return errors.Join(errs...)
}

func (m Multi) SaveTransitions(ctx context.Context, ts []domain.StateTransition) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SaveTransitions(ctx, ts))
	}
	return errors.Join(errs...)
}

func (m Multi) SaveAudit(ctx context.Context, a domain.AuditReport) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SaveAudit(ctx, a))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Nop discards every record. Used when storage.type is "none".
type Nop struct{}

func (Nop) SaveCycleResult(context.Context, domain.TradeCycleResult) error { return nil }
func (Nop) SaveTransitions(context.Context, []domain.StateTransition) error { return nil }
func (Nop) SaveAudit(context.Context, domain.AuditReport) error { return nil }
func (Nop) Close() error { return nil }
