package syncclient

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"planningpoker/models"
)

// Fetcher loads the full session document.
type Fetcher interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
}

type PollerOptions struct {
	SessionID            string
	Fetcher              Fetcher
	Clock                clockwork.Clock
	Logger               zerolog.Logger
	ConnectedInterval    time.Duration
	DisconnectedInterval time.Duration
	// Connected reports whether push signals are arriving; nil means never.
	Connected func() bool
	// OnUpdate receives every successfully fetched document.
	OnUpdate func(*models.Session)
}

// Poller refreshes the session on a fixed interval whatever the realtime
// channel is doing, so a lost signal only delays an update. Trigger forces
// an immediate refresh.
type Poller struct {
	opts    PollerOptions
	trigger chan struct{}
}

func NewPoller(opts PollerOptions) *Poller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ConnectedInterval == 0 {
		opts.ConnectedInterval = 10 * time.Second
	}
	if opts.DisconnectedInterval == 0 {
		opts.DisconnectedInterval = 3 * time.Second
	}
	return &Poller{opts: opts, trigger: make(chan struct{}, 1)}
}

// Trigger asks for a refresh without waiting for the next tick.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) interval() time.Duration {
	if p.opts.Connected != nil && p.opts.Connected() {
		return p.opts.ConnectedInterval
	}
	return p.opts.DisconnectedInterval
}

// Run fetches once immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.refresh(ctx)

	timer := p.opts.Clock.NewTimer(p.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		case <-p.trigger:
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
		}
		p.refresh(ctx)
		timer.Reset(p.interval())
	}
}

func (p *Poller) refresh(ctx context.Context) {
	sess, err := p.opts.Fetcher.GetSession(ctx, p.opts.SessionID)
	if err != nil {
		if ctx.Err() == nil {
			p.opts.Logger.Warn().Err(err).Str("session_id", p.opts.SessionID).Msg("session refresh failed")
		}
		return
	}
	if p.opts.OnUpdate != nil {
		p.opts.OnUpdate(sess)
	}
}
