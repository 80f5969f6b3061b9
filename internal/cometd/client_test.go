package cometd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal Bayeux endpoint. Each /meta/connect pops the next scripted
// batch; with nothing queued it holds the poll briefly and answers successfully.
type fakeServer struct {
	t *testing.T

	mu             sync.Mutex
	handshakes     int
	failHandshakes int
	subscribes     []map[string]any
	batches        [][]Message
	auth           []string
	disconnected   bool
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var in []Message
	if !assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&in)) || len(in) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m := in[0]
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	var out []Message
	switch m.Channel {
	case metaHandshake:
		f.handshakes++
		if f.handshakes <= f.failHandshakes {
			out = []Message{{Channel: metaHandshake, Successful: false, Error: "403::overloaded"}}
			break
		}
		http.SetCookie(w, &http.Cookie{Name: "BAYEUX_BROWSER", Value: "b1"})
		out = []Message{{Channel: metaHandshake, Successful: true, ClientID: fmt.Sprintf("c%d", f.handshakes), Version: "1.0"}}
	case metaSubscribe:
		f.subscribes = append(f.subscribes, m.Ext)
		out = []Message{{Channel: metaSubscribe, Successful: true, Subscription: m.Subscription}}
	case metaConnect:
		if len(f.batches) > 0 {
			out = f.batches[0]
			f.batches = f.batches[1:]
			break
		}
		f.mu.Unlock()
		select {
		case <-r.Context().Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
		f.mu.Lock()
		out = []Message{{Channel: metaConnect, Successful: true}}
	case metaUnsubscribe, metaDisconnect:
		f.disconnected = true
		out = []Message{{Channel: m.Channel, Successful: true}}
	}
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (f *fakeServer) snapshot() (int, []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshakes, append([]map[string]any(nil), f.subscribes...)
}

func event(channel string, replayID int64, payload map[string]any) Message {
	data, _ := json.Marshal(map[string]any{
		"event":   map[string]any{"replayId": replayID},
		"payload": payload,
	})
	return Message{Channel: channel, Data: data}
}

func ok() Message { return Message{Channel: metaConnect, Successful: true} }

func fastBackOff() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

func collect(t *testing.T, srv *httptest.Server, replay Replay, want int) ([]Event, context.CancelFunc, <-chan error) {
	t.Helper()
	c := NewClient(Options{Endpoint: srv.URL, Token: "tok", NewBackOff: fastBackOff})
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Event, 16)
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx, replay, func(ev Event) { got <- ev }) }()
	var evs []Event
	for len(evs) < want {
		select {
		case ev := <-got:
			evs = append(evs, ev)
		case <-time.After(3 * time.Second):
			cancel()
			t.Fatalf("got %d of %d events", len(evs), want)
		}
	}
	return evs, cancel, errc
}

func TestRunDeliversEventsWithReplayExtension(t *testing.T) {
	fs := &fakeServer{t: t, batches: [][]Message{
		{event("/event/A", 5, map[string]any{"OrgId__c": "O1"}), event("/event/A", 6, nil), ok()},
	}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	evs, cancel, errc := collect(t, srv, Replay{Channel: "/event/A", From: -2}, 2)
	cancel()
	require.NoError(t, <-errc)

	require.Equal(t, int64(5), evs[0].ReplayID)
	require.True(t, evs[0].HasReplay)
	require.Equal(t, int64(6), evs[1].ReplayID)
	require.Equal(t, "O1", evs[0].Data.(map[string]any)["payload"].(map[string]any)["OrgId__c"])

	_, subs := fs.snapshot()
	require.Len(t, subs, 1)
	require.Equal(t, map[string]any{"replay": map[string]any{"/event/A": float64(-2)}}, subs[0])

	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, a := range fs.auth {
		require.Equal(t, "OAuth tok", a)
	}
	require.True(t, fs.disconnected)
}

func TestRehandshakeResubscribesFromLastDelivered(t *testing.T) {
	fs := &fakeServer{t: t, batches: [][]Message{
		{event("/event/A", 7, nil), ok()},
		{{Channel: metaConnect, Successful: false, Error: "403::Unknown client", Advice: &Advice{Reconnect: ReconnectHandshake}}},
		{event("/event/A", 8, nil), ok()},
	}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	evs, cancel, errc := collect(t, srv, Replay{Channel: "/event/A", From: -1}, 2)
	cancel()
	require.NoError(t, <-errc)
	require.Equal(t, int64(8), evs[1].ReplayID)

	hs, subs := fs.snapshot()
	require.Equal(t, 2, hs)
	require.Len(t, subs, 2)
	require.Equal(t, float64(-1), subs[0]["replay"].(map[string]any)["/event/A"])
	require.Equal(t, float64(7), subs[1]["replay"].(map[string]any)["/event/A"])
}

func TestEventsOnOtherChannelsAreIgnored(t *testing.T) {
	fs := &fakeServer{t: t, batches: [][]Message{
		{event("/event/B", 1, nil), event("/event/A", 2, nil), ok()},
	}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	evs, cancel, errc := collect(t, srv, Replay{Channel: "/event/A", From: -1}, 1)
	cancel()
	require.NoError(t, <-errc)
	require.Equal(t, "/event/A", evs[0].Channel)
	require.Equal(t, int64(2), evs[0].ReplayID)
}

func TestHandshakeFailureIsRetried(t *testing.T) {
	fs := &fakeServer{t: t, failHandshakes: 2, batches: [][]Message{
		{event("/event/A", 3, nil), ok()},
	}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	evs, cancel, errc := collect(t, srv, Replay{Channel: "/event/A", From: -1}, 1)
	cancel()
	require.NoError(t, <-errc)
	require.Equal(t, int64(3), evs[0].ReplayID)
	hs, subs := fs.snapshot()
	require.Equal(t, 3, hs)
	require.Len(t, subs, 1)
}

func TestRunReturnsAtOnceWhenUnauthorized(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	// the default backoff never gives up on its own
	c := NewClient(Options{Endpoint: srv.URL, Token: "stale", NewBackOff: DefaultBackOff})
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background(), Replay{Channel: "/event/A", From: -1}, func(Event) {}) }()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrUnauthorized)
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept retrying a rejected token")
	}
	require.Equal(t, int32(1), hits.Load())
}

func TestRunGivesUpWhenBackOffStops(t *testing.T) {
	fs := &fakeServer{t: t, failHandshakes: 100}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	c := NewClient(Options{Endpoint: srv.URL, Token: "tok", NewBackOff: func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	}})
	err := c.Run(context.Background(), Replay{Channel: "/event/A", From: -1}, func(Event) {})
	require.ErrorContains(t, err, "handshake")
	hs, _ := fs.snapshot()
	require.Equal(t, 3, hs)
}

func TestReplayAppliesOnlyToItsChannel(t *testing.T) {
	r := Replay{Channel: "/event/A", From: -2}

	other := Message{Channel: metaSubscribe, Subscription: "/event/B"}
	r.apply(&other)
	require.Nil(t, other.Ext)

	connect := Message{Channel: metaConnect}
	r.apply(&connect)
	require.Nil(t, connect.Ext)

	sub := Message{Channel: metaSubscribe, Subscription: "/event/A"}
	r.Advance(42).apply(&sub)
	require.Equal(t, map[string]int64{"/event/A": 42}, sub.Ext["replay"])
	require.Equal(t, int64(-2), r.From)
}

func TestEndpoint(t *testing.T) {
	require.Equal(t, "https://x.my.example.com/cometd/42.0/", Endpoint("https://x.my.example.com/", "42.0"))
}
