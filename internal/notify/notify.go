package notify

import (
	"context"

	"go.uber.org/zap"

	"orgstream/internal/checkpoint"
)

// Notifier reports tenant activity back to the business org. Implementations log
// their own failures; nothing here is allowed to interrupt event processing.
type Notifier interface {
	// Activity reports a subscription attempt for a tenant (kind is the configured subscription type).
	Activity(ctx context.Context, tenantID, kind string, success bool)
	// EventCountIncreased reports that one more event of the tenant was forwarded.
	EventCountIncreased(ctx context.Context, tenantID string)
	// HandlingError reports an event the worker could not take.
	HandlingError(ctx context.Context, tenantID string, eventID checkpoint.Position, reason string)
}

// Log writes notifications to the process log only.
type Log struct{ log *zap.SugaredLogger }

func NewLog(log *zap.SugaredLogger) Log { return Log{log: log} }

func (l Log) Activity(_ context.Context, tenantID, kind string, success bool) {
	l.log.Infow("tenant activity", "tenant", tenantID, "type", kind, "success", success)
}

func (l Log) EventCountIncreased(_ context.Context, tenantID string) {
	l.log.Debugw("event count increased", "tenant", tenantID)
}

func (l Log) HandlingError(_ context.Context, tenantID string, eventID checkpoint.Position, reason string) {
	l.log.Warnw("event handling error", "tenant", tenantID, "event", eventID.String(), "reason", reason)
}

// Multi fans a notification out to every target in order.
type Multi []Notifier

func (m Multi) Activity(ctx context.Context, tenantID, kind string, success bool) {
	for _, n := range m {
		n.Activity(ctx, tenantID, kind, success)
	}
}

func (m Multi) EventCountIncreased(ctx context.Context, tenantID string) {
	for _, n := range m {
		n.EventCountIncreased(ctx, tenantID)
	}
}

func (m Multi) HandlingError(ctx context.Context, tenantID string, eventID checkpoint.Position, reason string) {
	for _, n := range m {
		n.HandlingError(ctx, tenantID, eventID, reason)
	}
}
