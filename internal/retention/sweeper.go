// Package retention runs the periodic escalation-expiry sweep:
// expiring PENDING escalations older than 24h (§4.10). Stale
// conversation state is not reaped here; MemoryStore runs its own reap
// loop and the Redis store relies on key TTLs. It keeps the teacher's
// ticker-driven, context-cancellable background-loop shape.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tandemhq/tandem/gateway-plane/internal/escalation"
)

// DefaultSweepInterval matches §4.10's "every 5 min" expiry sweep cadence.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically expires overdue escalations.
type Sweeper struct {
	escalations *escalation.Queue
	interval    time.Duration
}

// NewSweeper creates a sweeper that runs on the given interval (the 5
// min default is used when interval <= 0).
func NewSweeper(q *escalation.Queue, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{escalations: q, interval: interval}
}

// Start runs the sweeper in the calling goroutine until ctx is
// canceled; callers that want it in the background should `go` this.
func (s *Sweeper) Start(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Escalation expiry sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Escalation expiry sweeper stopped")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Sweeper) runCycle(ctx context.Context) {
	expired, err := s.escalations.SweepExpired(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Escalation expiry sweep failed")
		return
	}
	if len(expired) > 0 {
		log.Info().Int("expired", len(expired)).Msg("Escalation expiry sweep complete")
	}
}
