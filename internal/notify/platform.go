package notify

import (
	"context"

	"go.uber.org/zap"

	"orgstream/internal/checkpoint"
	"orgstream/internal/metrics"
)

// Platform event types published to the business org.
const (
	ActivityEvent      = "CustomerOrgActivity__e"
	EventCountEvent    = "EventCountIncreased__e"
	HandlingErrorEvent = "EventHandlingError__e"
)

// Publisher inserts one record of an sObject type; see platform.Publisher.
type Publisher interface {
	Publish(ctx context.Context, sobject string, fields map[string]any) error
}

// Platform turns notifications into business-org platform events.
type Platform struct {
	pub     Publisher
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewPlatform(pub Publisher, log *zap.SugaredLogger, m *metrics.Metrics) *Platform {
	return &Platform{pub: pub, log: log, metrics: m}
}

func (p *Platform) Activity(ctx context.Context, tenantID, kind string, success bool) {
	// Success__c is numeric on the event definition
	flag := 0
	if success {
		flag = 1
	}
	p.publish(ctx, ActivityEvent, tenantID, map[string]any{
		"OrgId__c":   tenantID,
		"Type__c":    kind,
		"Success__c": flag,
	})
}

func (p *Platform) EventCountIncreased(ctx context.Context, tenantID string) {
	p.publish(ctx, EventCountEvent, tenantID, map[string]any{"Org_Id__c": tenantID})
}

func (p *Platform) HandlingError(ctx context.Context, tenantID string, _ checkpoint.Position, _ string) {
	p.publish(ctx, HandlingErrorEvent, tenantID, map[string]any{"Org_Id__c": tenantID})
}

func (p *Platform) publish(ctx context.Context, sobject, tenantID string, fields map[string]any) {
	err := p.pub.Publish(ctx, sobject, fields)
	p.metrics.Notification(sobject, err == nil)
	if err != nil {
		p.log.Errorw("publish platform event failed", "sobject", sobject, "tenant", tenantID, "err", err)
		return
	}
	p.log.Debugw("platform event published", "sobject", sobject, "tenant", tenantID)
}
