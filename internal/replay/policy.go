package replay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orgstream/internal/checkpoint"
)

// DefaultFreshness is how old a checkpoint may be before it is ignored.
const DefaultFreshness = 24 * time.Hour

// Reader is the part of the checkpoint store the policy consults.
type Reader interface {
	Get(ctx context.Context, tenantID string) (checkpoint.Checkpoint, bool, error)
}

// Policy decides where a (re)subscription starts reading.
type Policy struct {
	store     Reader
	def       checkpoint.Position
	override  bool
	freshness time.Duration
	log       *zap.SugaredLogger
}

type Config struct {
	Default   checkpoint.Position
	Override  bool
	Freshness time.Duration
}

func NewPolicy(store Reader, cfg Config, log *zap.SugaredLogger) *Policy {
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	return &Policy{store: store, def: cfg.Default, override: cfg.Override, freshness: cfg.Freshness, log: log}
}

// Default is the position used whenever no usable checkpoint exists.
func (p *Policy) Default() checkpoint.Position { return p.def }

// ResolveStart returns the replay position for tenantID. With the override flag set the
// store is not consulted at all. Store failures fall back to the default.
func (p *Policy) ResolveStart(ctx context.Context, tenantID string, now time.Time) checkpoint.Position {
	if p.override {
		p.log.Infow("replay override set; using default", "tenant", tenantID, "position", p.def)
		return p.def
	}
	cp, ok, err := p.store.Get(ctx, tenantID)
	switch {
	case err != nil:
		p.log.Warnw("checkpoint lookup failed; using default", "tenant", tenantID, "err", err, "position", p.def)
		return p.def
	case !ok:
		p.log.Infow("no checkpoint; using default", "tenant", tenantID, "position", p.def)
		return p.def
	case !cp.LastEventTime.After(now.Add(-p.freshness)):
		p.log.Infow("checkpoint older than freshness window; using default",
			"tenant", tenantID, "last_event", cp.LastEventTime, "window", p.freshness, "position", p.def)
		return p.def
	case !cp.HasPosition:
		p.log.Infow("checkpoint has no replay id; using default", "tenant", tenantID, "position", p.def)
		return p.def
	}
	p.log.Infow("resuming from checkpoint", "tenant", tenantID, "position", cp.LastReplayPosition)
	return cp.LastReplayPosition
}
