package ports

import (
	"context"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// Notifier presents engine state to the operator.
type Notifier interface {
	NotifyOpportunities(ctx context.Context, opportunities []domain.Opportunity) error
	NotifyCapital(ctx context.Context, status domain.CapitalStatus) error
	NotifyAudit(ctx context.Context, report domain.AuditReport) error
	NotifyIdle(ctx context.Context, decision domain.IdleDecision) error
}
