package ports

import (
	"context"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// PriceFeed supplies live price observations for one venue.
type PriceFeed interface {
	// GetObservation returns the latest observation for symbol. The scanner checks
	// LastUpdated for freshness; implementations may also return domain.ErrStaleObservation.
	GetObservation(ctx context.Context, symbol string) (domain.PriceObservation, error)
}
