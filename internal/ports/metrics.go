package ports

import "github.com/alejandrodnm/arbengine/internal/domain"

// Metrics receives engine telemetry.
type Metrics interface {
	ObserveRejection(exchange string, category domain.RejectionCategory)
	ObserveOpportunity(exchange string)
	ObserveScanTick(exchange string, fetched, failed int)
	SetScannerStatus(status string)
	ObserveTransition(lane string, from, to domain.TradingState, forced bool)
	ObserveCycle(result domain.TradeCycleResult)
	SetCapital(status domain.CapitalStatus)
}
