package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orgstream/internal/checkpoint"
	"orgstream/internal/metrics"
	"orgstream/pkg/problems"
)

type Checkpointer interface {
	Put(ctx context.Context, cp checkpoint.Checkpoint) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID string, eventID checkpoint.Position, recordIDs any, namespace string) error
}

type CountNotifier interface {
	EventCountIncreased(ctx context.Context, tenantID string)
}

// LifecycleHandler receives tenant activation changes from the control channel.
type LifecycleHandler interface {
	OnLifecycleEvent(ctx context.Context, tenantID, connInfo string, isActive bool)
}

// Router sends data-channel events to the checkpoint store and the worker, and
// control-channel events to the lifecycle handler.
type Router struct {
	ControlChannel string
	Store          Checkpointer
	Worker         Dispatcher
	Notifier       CountNotifier
	Control        LifecycleHandler
	Metrics        *metrics.Metrics
	Log            *zap.SugaredLogger
	Now            func() time.Time
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Handle is a stream.Handler.
func (r *Router) Handle(ctx context.Context, ev Event) {
	control := ev.Channel == r.ControlChannel
	kind := "data"
	if control {
		kind = "control"
	}
	f, err := decode(ev.Data, ev.Namespace)
	switch {
	case err != nil:
	case f.Data == nil && (!control || f.IsActive):
		// only a deactivation can go without connection info
		err = fmt.Errorf("payload has no %s", FieldName("Data__c", ev.Namespace))
	case !control && !ev.HasReplay:
		err = errors.New("event has no replayId")
	}
	if err != nil {
		r.Metrics.Event(kind, "dropped")
		r.Log.Warnw("event dropped", "channel", ev.Channel, "replay", ev.ReplayID.String(),
			"err", problems.New(problems.Data, ev.Source, "stream.decode", err))
		return
	}
	r.Log.Infow("event received", "channel", ev.Channel, "tenant", f.OrgID, "replay", ev.ReplayID.String())

	if control {
		var connInfo string
		if f.Data != nil {
			connInfo = dataString(f.Data)
		}
		r.Metrics.Event(kind, "handled")
		r.Control.OnLifecycleEvent(ctx, f.OrgID, connInfo, f.IsActive)
		return
	}

	cp := checkpoint.Checkpoint{TenantID: f.OrgID, LastReplayPosition: ev.ReplayID, HasPosition: true, LastEventTime: r.now()}
	if err := r.Store.Put(ctx, cp); err != nil {
		r.Metrics.StoreError("put")
		r.Log.Errorw("checkpoint not saved", "tenant", f.OrgID, "replay", ev.ReplayID.String(), "err", err)
	}
	// a failed dispatch is already logged and reported by the worker
	_ = r.Worker.Dispatch(ctx, f.OrgID, ev.ReplayID, f.Data, ev.Namespace)
	if r.Notifier != nil {
		r.Notifier.EventCountIncreased(ctx, f.OrgID)
	}
	r.Metrics.Event(kind, "handled")
}
