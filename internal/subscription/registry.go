package subscription

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds at most one Active subscription per tenant.
type Registry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	log  *zap.SugaredLogger
}

func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{subs: map[string]*Subscription{}, log: log}
}

// Set cancels the tenant's current subscription, installs s and starts it, in that order
// and under one lock, so two subscriptions of a tenant never run side by side.
func (r *Registry) Set(tenantID string, s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.subs[tenantID]; ok && old != s {
		old.Cancel()
		r.log.Infow("replaced subscription", "tenant", tenantID, "old", old.ID, "new", s.ID)
	}
	r.subs[tenantID] = s
	s.Start()
}

// Cancel stops and forgets the tenant's subscription. Unknown tenants are a no-op.
func (r *Registry) Cancel(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.subs[tenantID]; ok {
		old.Cancel()
		delete(r.subs, tenantID)
		r.log.Infow("cancelled subscription", "tenant", tenantID, "id", old.ID)
	}
}

// Swap replaces the tenant's subscription only while it is still old. next is started
// when installed; a nil next removes the tenant. It reports whether the swap happened.
func (r *Registry) Swap(tenantID string, old, next *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subs[tenantID]; !ok || cur != old {
		return false
	}
	old.Cancel()
	if next == nil {
		delete(r.subs, tenantID)
		r.log.Infow("dropped subscription", "tenant", tenantID, "id", old.ID)
		return true
	}
	r.subs[tenantID] = next
	next.Start()
	r.log.Infow("replaced subscription", "tenant", tenantID, "old", old.ID, "new", next.ID)
	return true
}

func (r *Registry) Get(tenantID string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[tenantID]
	return s, ok
}

// Info is a read-only view of a registered subscription.
type Info struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Channel  string `json:"channel"`
	State    string `json:"state"`
	Created  string `json:"created"`
}

// List returns the registered subscriptions ordered by tenant.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, Info{ID: s.ID, TenantID: s.TenantID, Channel: s.Channel, State: s.State().String(), Created: s.Created.UTC().Format("2006-01-02T15:04:05Z")})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// CancelAll cancels every subscription and waits for their goroutines until ctx expires.
func (r *Registry) CancelAll(ctx context.Context) error {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for id, s := range r.subs {
		s.Cancel()
		subs = append(subs, s)
		delete(r.subs, id)
	}
	r.mu.Unlock()
	for _, s := range subs {
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
