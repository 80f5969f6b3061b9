package checkpoint

import (
	"context"
	"strconv"
	"time"

	"orgstream/pkg/tenants"
)

// Position is a replay id in a tenant's event stream. Real event positions are positive;
// the negative values are the event bus sentinels.
type Position int64

const (
	// NewEvents asks the bus for events published after the subscription starts.
	NewEvents Position = -1
	// AllRetained asks the bus for every event still in its retention window.
	AllRetained Position = -2
)

func (p Position) String() string { return strconv.FormatInt(int64(p), 10) }

// IsSentinel reports whether p is one of the bus sentinels rather than an event position.
func (p Position) IsSentinel() bool { return p == NewEvents || p == AllRetained }

// Checkpoint is the last consumed position of a tenant.
type Checkpoint struct {
	TenantID           string
	LastReplayPosition Position
	HasPosition        bool
	LastEventTime      time.Time
}

// DeliveryStatusSent marks an event the worker accepted.
const DeliveryStatusSent = "Sent"

// Delivery is the status record of one event handed to the worker.
type Delivery struct {
	TenantID  string
	EventID   Position
	Status    string
	RecordIDs any
	UpdatedAt time.Time
	Attempts  int64
}

// Key is the storage key of the delivery record: {tenantId}-{eventId}.
func (d Delivery) Key() string { return d.TenantID + "-" + d.EventID.String() }

// Store persists per-tenant checkpoints and connection metadata.
type Store interface {
	// Get returns the tenant checkpoint; ok is false when none exists yet.
	Get(ctx context.Context, tenantID string) (cp Checkpoint, ok bool, err error)
	// Put advances the checkpoint. A position lower than the stored one is ignored.
	Put(ctx context.Context, cp Checkpoint) error
	// Reset overwrites the position unconditionally.
	Reset(ctx context.Context, tenantID string, pos Position) error
	// SaveConnection records the connection metadata the tenant was subscribed with.
	SaveConnection(ctx context.Context, conn tenants.Connection) error
}

// DeliveryRecorder persists worker delivery status.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d Delivery) error
	GetDelivery(ctx context.Context, tenantID string, eventID Position) (Delivery, bool, error)
}
