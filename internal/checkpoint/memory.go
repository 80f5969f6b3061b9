package checkpoint

import (
	"context"
	"sync"
	"time"

	"orgstream/pkg/tenants"
)

// MemoryStore is a process-local Store and DeliveryRecorder for runs without Redis.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
	conns       map[string]tenants.Connection
	deliveries  map[string]Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: map[string]Checkpoint{},
		conns:       map[string]tenants.Connection{},
		deliveries:  map[string]Delivery{},
	}
}

func (m *MemoryStore) Get(ctx context.Context, tenantID string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[tenantID]
	return cp, ok, nil
}

func (m *MemoryStore) Put(ctx context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.checkpoints[cp.TenantID]
	if ok && cur.HasPosition && cur.LastReplayPosition > cp.LastReplayPosition {
		return nil
	}
	cp.HasPosition = true
	m.checkpoints[cp.TenantID] = cp
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context, tenantID string, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[tenantID] = Checkpoint{TenantID: tenantID, LastReplayPosition: pos, HasPosition: true, LastEventTime: time.Now()}
	return nil
}

func (m *MemoryStore) SaveConnection(ctx context.Context, conn tenants.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.TenantID] = conn
	return nil
}

// Connection returns the last saved connection for a tenant.
func (m *MemoryStore) Connection(tenantID string) (tenants.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[tenantID]
	return c, ok
}

func (m *MemoryStore) RecordDelivery(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.deliveries[d.Key()]
	d.Attempts = prev.Attempts + 1
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	m.deliveries[d.Key()] = d
	return nil
}

func (m *MemoryStore) GetDelivery(ctx context.Context, tenantID string, eventID Position) (Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[Delivery{TenantID: tenantID, EventID: eventID}.Key()]
	return d, ok, nil
}
