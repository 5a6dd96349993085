package ports

import (
	"context"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// OrderExecutor places, cancels and monitors orders on one exchange.
type OrderExecutor interface {
	// PlaceOrder submits a limit or market order sized in quote notional.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error)

	// GetOrderStatus returns fill state and average price of an order.
	GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderStatus, error)

	// CancelOrder cancels an open order. Cancelling a filled order is not an error.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetBookTicker returns the best bid/ask for symbol.
	GetBookTicker(ctx context.Context, symbol string) (domain.BookTicker, error)
}

// BalanceProvider returns the external truth of an account's quote balance.
type BalanceProvider interface {
	GetBalance(ctx context.Context) (float64, error)
}
