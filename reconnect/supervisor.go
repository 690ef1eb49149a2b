// Package reconnect implements the optional reconnect supervisor
// (§4.10): a ticker that periodically checks whether an assembly is
// still connected and reconnects it if not.
package reconnect

import (
	"context"
	"time"

	"github.com/xaya/charon/logs"
)

// defaultPeriod is the supervisor's default check interval.
const defaultPeriod = 5 * time.Second

// Assembly is the capability a Supervisor drives: either server.Server
// or client.Client satisfies it.
type Assembly interface {
	IsConnected() bool
	Connect(ctx context.Context) (bool, error)
	Disconnect()
}

// Supervisor periodically reconnects an Assembly if it finds it
// disconnected. It is optional; nothing else in the core depends on it.
type Supervisor struct {
	assembly Assembly
	period   time.Duration

	stop chan struct{}
	done chan struct{}
}

// New builds a Supervisor checking assembly every period (defaultPeriod
// if period is zero).
func New(assembly Assembly, period time.Duration) *Supervisor {
	if period <= 0 {
		period = defaultPeriod
	}
	return &Supervisor{
		assembly: assembly,
		period:   period,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the liveness-check loop in its own goroutine.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop requests the loop to exit and blocks until it has, then issues a
// final Disconnect (§4.10).
func (s *Supervisor) Stop() {
	close(s.stop)
	<-s.done
	s.assembly.Disconnect()
}

// Time spent in a single reconnect attempt is bounded by the same
// period used between checks, so a hung dial can't stall the next tick
// indefinitely.
func (s *Supervisor) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.assembly.IsConnected() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.period)
			ok, err := s.assembly.Connect(ctx)
			cancel()
			if err != nil {
				logs.Warn.Printf("reconnect: reconnect attempt failed: %v", err)
			} else if !ok {
				logs.Info.Printf("reconnect: reconnect attempt did not succeed, will retry")
			}
		}
	}
}
