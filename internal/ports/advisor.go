package ports

import (
	"context"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// Advisor recommends parameter changes from a trade summary. It is optional and
// fallible; callers bound it with a timeout and fall back to rule-based tuning.
type Advisor interface {
	Recommend(ctx context.Context, summary domain.TradeAnalysisSummary) (domain.ParameterNudge, error)
}
