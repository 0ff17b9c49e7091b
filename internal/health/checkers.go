package health

import (
	"context"
	"errors"
)

// Pinger is the probe surface of the call store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker reports ready while the call store answers pings.
func StoreChecker(p Pinger) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			return p.Ping(ctx)
		},
	}
}

// DialReporter is the probe surface of the engine failover group.
type DialReporter interface {
	Healthy() bool
}

// EngineChecker reports ready while at least one engine gateway's breaker
// admits dials. An instance with every breaker open cannot accept new calls,
// but calls already in flight keep running; liveness is unaffected.
func EngineChecker(r DialReporter) Checker {
	return Checker{
		Name: "engine",
		Check: func(_ context.Context) error {
			if !r.Healthy() {
				return errors.New("all engine gateway breakers open")
			}
			return nil
		},
	}
}
