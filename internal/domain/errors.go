package domain

import "errors"

// Sentinel errors shared by the engine components. Callers match them with errors.Is.
var (
	ErrIllegalTransition   = errors.New("illegal state transition")
	ErrOpportunityExpired  = errors.New("opportunity expired")
	ErrInsufficientCapital = errors.New("insufficient idle capital")
	ErrUnknownExchange     = errors.New("unknown exchange")
	ErrUnknownPosition     = errors.New("unknown position")
	ErrDuplicatePosition   = errors.New("position already tracked")
	ErrStaleObservation    = errors.New("stale price observation")
	ErrAdvisorUnavailable  = errors.New("advisor unavailable")
	ErrNoActivePosition    = errors.New("no active position")
)
