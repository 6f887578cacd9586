package services

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Reaper sweeps expired presence records on a fixed interval, independent of
// any session's activity.
type Reaper struct {
	presence *PresenceTracker
	clock    clockwork.Clock
	interval time.Duration
}

func NewReaper(presence *PresenceTracker, clock clockwork.Clock, interval time.Duration) *Reaper {
	return &Reaper{
		presence: presence,
		clock:    clock,
		interval: interval,
	}
}

// Start runs until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Msg("presence reaper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("presence reaper stopping")
			return
		case <-ticker.Chan():
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	removed, err := r.presence.Reap(ctx)
	if err != nil {
		log.Error().Err(err).Msg("presence sweep failed")
		return
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Msg("cleaned up inactive participants")
	}
}
