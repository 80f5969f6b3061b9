package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orgstream/internal/checkpoint"
	"orgstream/internal/cometd"
	"orgstream/internal/subscription"
	"orgstream/pkg/tenants"
)

const (
	dataChannel    = "/event/BatchEvent__e"
	controlChannel = "/event/UpdatedCustomerOrgInfo__e"
)

type dispatchCall struct {
	tenant    string
	eventID   checkpoint.Position
	recordIDs any
	namespace string
}

type fakeWorker struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (w *fakeWorker) Dispatch(_ context.Context, tenantID string, eventID checkpoint.Position, recordIDs any, namespace string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, dispatchCall{tenantID, eventID, recordIDs, namespace})
	return w.err
}

type lifecycleCall struct {
	tenant   string
	connInfo string
	active   bool
}

type fakeControl struct {
	mu    sync.Mutex
	calls []lifecycleCall
}

func (c *fakeControl) OnLifecycleEvent(_ context.Context, tenantID, connInfo string, isActive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, lifecycleCall{tenantID, connInfo, isActive})
}

type counter struct {
	mu  sync.Mutex
	got []string
}

func (c *counter) EventCountIncreased(_ context.Context, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, tenantID)
}

type failingStore struct{}

func (failingStore) Put(context.Context, checkpoint.Checkpoint) error { return errors.New("redis down") }

type fixture struct {
	store   *checkpoint.MemoryStore
	worker  *fakeWorker
	control *fakeControl
	counts  *counter
	router  *Router
	now     time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store:   checkpoint.NewMemoryStore(),
		worker:  &fakeWorker{},
		control: &fakeControl{},
		counts:  &counter{},
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.router = &Router{
		ControlChannel: controlChannel,
		Store:          f.store,
		Worker:         f.worker,
		Notifier:       f.counts,
		Control:        f.control,
		Log:            zap.NewNop().Sugar(),
		Now:            func() time.Time { return f.now },
	}
	return f
}

func message(replayID float64, payload map[string]any) any {
	return map[string]any{
		"event":   map[string]any{"replayId": replayID},
		"payload": payload,
	}
}

func TestDataEventAdvancesCheckpointAndDispatches(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.router.Handle(ctx, Event{
		Channel:   dataChannel,
		ReplayID:  42,
		HasReplay: true,
		Data:      message(42, map[string]any{"OrgId__c": "O1", "Data__c": []any{"R1", "R2"}}),
	})

	cp, ok, err := f.store.Get(ctx, "O1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, checkpoint.Position(42), cp.LastReplayPosition)
	require.Equal(t, f.now, cp.LastEventTime)

	require.Equal(t, []dispatchCall{{"O1", 42, []any{"R1", "R2"}, ""}}, f.worker.calls)
	require.Equal(t, []string{"O1"}, f.counts.got)
	require.Empty(t, f.control.calls)
}

func TestNamespacedFields(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.router.Handle(ctx, Event{
		Channel:   "/event/acme__BatchEvent__e",
		Namespace: "acme",
		ReplayID:  7,
		HasReplay: true,
		Data:      message(7, map[string]any{"acme__OrgId__c": "O9", "acme__Data__c": "R1"}),
	})
	require.Equal(t, []dispatchCall{{"O9", 7, "R1", "acme"}}, f.worker.calls)

	// un-namespaced fields are not read for a namespaced tenant
	f.router.Handle(ctx, Event{
		Channel:   "/event/acme__BatchEvent__e",
		Namespace: "acme",
		ReplayID:  8,
		HasReplay: true,
		Data:      message(8, map[string]any{"OrgId__c": "O9", "Data__c": "R2"}),
	})
	require.Len(t, f.worker.calls, 1)
	cp, _, _ := f.store.Get(ctx, "O9")
	require.Equal(t, checkpoint.Position(7), cp.LastReplayPosition)
}

func TestControlEventDeactivates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.router.Handle(ctx, Event{
		Channel:   controlChannel,
		ReplayID:  3,
		HasReplay: true,
		Data:      message(3, map[string]any{"OrgId__c": "O2", "Data__c": `{"orgId":"O2"}`, "IsActive__c": false}),
	})

	require.Equal(t, []lifecycleCall{{"O2", `{"orgId":"O2"}`, false}}, f.control.calls)
	_, ok, _ := f.store.Get(ctx, "O2")
	require.False(t, ok)
	require.Empty(t, f.worker.calls)
	require.Empty(t, f.counts.got)
}

func TestControlEventAcceptsObjectData(t *testing.T) {
	f := newFixture()
	f.router.Handle(context.Background(), Event{
		Channel: controlChannel,
		Data:    message(4, map[string]any{"OrgId__c": "O3", "Data__c": map[string]any{"orgId": "O3"}, "IsActive__c": "true"}),
	})
	require.Equal(t, []lifecycleCall{{"O3", `{"orgId":"O3"}`, true}}, f.control.calls)
}

func TestMissingFieldsAreDropped(t *testing.T) {
	cases := map[string]any{
		"no org id":   message(5, map[string]any{"Data__c": []any{"R1"}}),
		"no data":     message(5, map[string]any{"OrgId__c": "O1", "IsActive__c": true}),
		"no payload":  map[string]any{"event": map[string]any{"replayId": 5.0}},
		"not object":  "garbage",
		"org not str": message(5, map[string]any{"OrgId__c": 12.0, "Data__c": "x"}),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			require.NotPanics(t, func() {
				f.router.Handle(context.Background(), Event{Channel: dataChannel, ReplayID: 5, HasReplay: true, Data: data})
				f.router.Handle(context.Background(), Event{Channel: controlChannel, ReplayID: 5, HasReplay: true, Data: data})
			})
			_, ok, _ := f.store.Get(context.Background(), "O1")
			require.False(t, ok)
			require.Empty(t, f.worker.calls)
			require.Empty(t, f.control.calls)
		})
	}
}

func TestDeactivationNeedsNoConnectionInfo(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.router.Handle(ctx, Event{Channel: controlChannel, ReplayID: 6, HasReplay: true,
		Data: message(6, map[string]any{"OrgId__c": "O2", "IsActive__c": false})})
	require.Equal(t, []lifecycleCall{{"O2", "", false}}, f.control.calls)

	// an activation without connection info is dropped, and so is a data event
	f.router.Handle(ctx, Event{Channel: controlChannel, ReplayID: 7, HasReplay: true,
		Data: message(7, map[string]any{"OrgId__c": "O3", "IsActive__c": true})})
	f.router.Handle(ctx, Event{Channel: dataChannel, ReplayID: 8, HasReplay: true,
		Data: message(8, map[string]any{"OrgId__c": "O2"})})
	require.Len(t, f.control.calls, 1)
	require.Empty(t, f.worker.calls)
}

func TestDataEventWithoutReplayIDIsDropped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.router.Handle(ctx, Event{Channel: dataChannel,
		Data: map[string]any{"payload": map[string]any{"OrgId__c": "O1", "Data__c": []any{"R1"}}}})

	require.Empty(t, f.worker.calls)
	require.Empty(t, f.counts.got)
	_, ok, err := f.store.Get(ctx, "O1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreFailureStillDispatches(t *testing.T) {
	f := newFixture()
	f.router.Store = failingStore{}
	f.router.Handle(context.Background(), Event{
		Channel: dataChannel, ReplayID: 9, HasReplay: true,
		Data: message(9, map[string]any{"OrgId__c": "O1", "Data__c": "R1"}),
	})
	require.Len(t, f.worker.calls, 1)
}

func TestFieldName(t *testing.T) {
	require.Equal(t, "Data__c", FieldName("Data__c", ""))
	require.Equal(t, "ns__Data__c", FieldName("Data__c", "ns"))
}

// scriptedStreamer delivers its events once, then waits for cancellation.
type scriptedStreamer struct {
	mu      sync.Mutex
	replays []cometd.Replay
	events  []cometd.Event
}

func (s *scriptedStreamer) Stream(ctx context.Context, _ tenants.Connection, replay cometd.Replay, h cometd.Handler) error {
	s.mu.Lock()
	s.replays = append(s.replays, replay)
	evs := s.events
	s.mu.Unlock()
	for _, ev := range evs {
		h(ev)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestConnectorOpenDeliversToHandler(t *testing.T) {
	st := &scriptedStreamer{events: []cometd.Event{
		{Channel: dataChannel, ReplayID: 11, HasReplay: true, Data: "x"},
		{Channel: dataChannel, ReplayID: 12, HasReplay: true, Data: "y"},
	}}
	c := NewConnector(st, zap.NewNop().Sugar())
	got := make(chan Event, 4)
	c.OnEvent(func(_ context.Context, ev Event) { got <- ev })

	conn := tenants.Connection{TenantID: "O1", InstanceURL: "https://o1.example.com", NamespacePrefix: "ns", AccessToken: "tok"}
	sub := c.Open(context.Background(), conn, dataChannel, checkpoint.AllRetained)
	require.Equal(t, subscription.Active, sub.State())

	reg := subscription.NewRegistry(zap.NewNop().Sugar())
	reg.Set("O1", sub)

	for _, want := range []checkpoint.Position{11, 12} {
		select {
		case ev := <-got:
			require.Equal(t, want, ev.ReplayID)
			require.Equal(t, "O1", ev.Source)
			require.Equal(t, "ns", ev.Namespace)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	st.mu.Lock()
	require.Equal(t, []cometd.Replay{{Channel: dataChannel, From: -2}}, st.replays)
	st.mu.Unlock()

	reg.Cancel("O1")
	reg.Cancel("O1")
	require.NoError(t, sub.Wait(context.Background()))
	require.Equal(t, subscription.Cancelled, sub.State())
}

// gatedStreamer delivers one event only after its subscription has been cancelled.
type gatedStreamer struct{ release chan struct{} }

func (g gatedStreamer) Stream(ctx context.Context, _ tenants.Connection, _ cometd.Replay, h cometd.Handler) error {
	<-g.release
	h(cometd.Event{Channel: dataChannel, ReplayID: 1, HasReplay: true})
	return nil
}

func TestEventsAfterCancelAreDropped(t *testing.T) {
	g := gatedStreamer{release: make(chan struct{})}
	c := NewConnector(g, zap.NewNop().Sugar())
	var calls int
	c.OnEvent(func(context.Context, Event) { calls++ })

	sub := c.Open(context.Background(), tenants.Connection{TenantID: "O1"}, dataChannel, checkpoint.NewEvents)
	sub.Start()
	sub.Cancel()
	close(g.release)
	require.NoError(t, sub.Wait(context.Background()))
	require.Zero(t, calls)
}

func TestRejectedTokenEndsSubscriptionAndIsReported(t *testing.T) {
	var handshakes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handshakes.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewConnector(CometdStreamer{APIVersion: "42.0", NewBackOff: cometd.DefaultBackOff}, zap.NewNop().Sugar())
	type report struct {
		sub  *subscription.Subscription
		conn tenants.Connection
	}
	reports := make(chan report, 2)
	c.OnUnauthorized(func(sub *subscription.Subscription, conn tenants.Connection) {
		reports <- report{sub, conn}
	})

	conn := tenants.Connection{TenantID: "O1", InstanceURL: srv.URL, AccessToken: "expired"}
	sub := c.Open(context.Background(), conn, dataChannel, checkpoint.NewEvents)
	sub.Start()

	select {
	case got := <-reports:
		require.Same(t, sub, got.sub)
		require.Equal(t, "expired", got.conn.AccessToken)
	case <-time.After(2 * time.Second):
		t.Fatal("rejected token was not reported")
	}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription kept running")
	}
	require.Equal(t, int32(1), handshakes.Load())
	require.Empty(t, reports)
}

func TestCancelledSubscriptionIsNotReportedUnauthorized(t *testing.T) {
	g := gatedStreamer{release: make(chan struct{})}
	c := NewConnector(unauthorizedAfter{g}, zap.NewNop().Sugar())
	var reported atomic.Bool
	c.OnUnauthorized(func(*subscription.Subscription, tenants.Connection) { reported.Store(true) })

	sub := c.Open(context.Background(), tenants.Connection{TenantID: "O1"}, dataChannel, checkpoint.NewEvents)
	sub.Start()
	sub.Cancel()
	close(g.release)
	require.NoError(t, sub.Wait(context.Background()))
	require.False(t, reported.Load())
}

// unauthorizedAfter fails with a rejected token once the gate opens.
type unauthorizedAfter struct{ g gatedStreamer }

func (u unauthorizedAfter) Stream(ctx context.Context, _ tenants.Connection, _ cometd.Replay, _ cometd.Handler) error {
	<-u.g.release
	return cometd.ErrUnauthorized
}
