package control

import (
	"context"

	"go.uber.org/zap"

	"orgstream/pkg/tenants"
)

// Canceller drops a tenant's live subscription.
type Canceller interface {
	Cancel(tenantID string)
}

// Bootstrapper authenticates a tenant and installs its data subscription.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, info tenants.ConnectionInfo) error
}

// Handler applies tenant lifecycle events from the control channel.
type Handler struct {
	subs Canceller
	boot Bootstrapper
	log  *zap.SugaredLogger
}

func NewHandler(subs Canceller, boot Bootstrapper, log *zap.SugaredLogger) *Handler {
	return &Handler{subs: subs, boot: boot, log: log}
}

// OnLifecycleEvent cancels the tenant's current subscription and, when the tenant is
// active, bootstraps it again from connInfo. Bootstrap runs on the caller's goroutine so
// lifecycle events of the control channel are applied in the order they arrive.
func (h *Handler) OnLifecycleEvent(ctx context.Context, tenantID, connInfo string, isActive bool) {
	h.log.Infow("tenant lifecycle event", "tenant", tenantID, "active", isActive)
	h.subs.Cancel(tenantID)
	if !isActive {
		return
	}
	info, err := tenants.ParseConnectionInfo([]byte(connInfo), tenantID)
	if err != nil {
		h.log.Errorw("connection info rejected, tenant left unsubscribed", "tenant", tenantID, "err", err)
		return
	}
	if info.OrgID != tenantID {
		h.log.Warnw("connection info names another org", "tenant", tenantID, "orgId", info.OrgID)
		h.subs.Cancel(info.OrgID)
	}
	if err := h.boot.Bootstrap(ctx, info); err != nil {
		h.log.Errorw("tenant bootstrap failed", "tenant", info.OrgID, "err", err)
	}
}
