package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"orgstream/internal/checkpoint"
	"orgstream/internal/cometd"
	"orgstream/internal/subscription"
	"orgstream/pkg/problems"
	"orgstream/pkg/tenants"
)

// Event is one message delivered on a tenant subscription.
type Event struct {
	// Source is the tenant whose connection received the event; the payload names
	// the tenant the event is about.
	Source    string
	Namespace string
	Channel   string
	ReplayID  checkpoint.Position
	HasReplay bool
	Data      any
}

// Handler processes events of one subscription, in order, on its goroutine. ctx is the
// subscription's context.
type Handler func(ctx context.Context, ev Event)

// Streamer runs the transport of one subscription until ctx is done.
type Streamer interface {
	Stream(ctx context.Context, conn tenants.Connection, replay cometd.Replay, h cometd.Handler) error
}

// CometdStreamer opens a Bayeux long-polling client per subscription.
type CometdStreamer struct {
	APIVersion string
	HTTPClient *http.Client
	NewBackOff func() backoff.BackOff
	Log        *zap.SugaredLogger
}

func (s CometdStreamer) Stream(ctx context.Context, conn tenants.Connection, replay cometd.Replay, h cometd.Handler) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := cometd.NewClient(cometd.Options{
		Endpoint:   cometd.Endpoint(conn.InstanceURL, s.APIVersion),
		Token:      conn.AccessToken,
		HTTPClient: s.HTTPClient,
		Log:        log.With("tenant", conn.TenantID),
		NewBackOff: s.NewBackOff,
	})
	return c.Run(ctx, replay, h)
}

// UnauthorizedFunc is told when the event bus rejected the token of a subscription that
// was not cancelled. The subscription has stopped by then.
type UnauthorizedFunc func(sub *subscription.Subscription, conn tenants.Connection)

// Connector opens tenant subscriptions and feeds their events to the registered handler.
type Connector struct {
	streamer Streamer
	log      *zap.SugaredLogger

	mu           sync.RWMutex
	handler      Handler
	unauthorized UnauthorizedFunc
}

func NewConnector(streamer Streamer, log *zap.SugaredLogger) *Connector {
	return &Connector{streamer: streamer, log: log}
}

// OnEvent sets the handler for events of every subscription opened afterwards.
func (c *Connector) OnEvent(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnUnauthorized sets the callback for subscriptions opened afterwards whose token is
// rejected.
func (c *Connector) OnUnauthorized(f UnauthorizedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unauthorized = f
}

func (c *Connector) hooks() (Handler, UnauthorizedFunc) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler, c.unauthorized
}

// Open prepares a subscription of conn to channel starting at start. The subscription
// does not connect until it is started, normally by subscription.Registry.Set.
func (c *Connector) Open(ctx context.Context, conn tenants.Connection, channel string, start checkpoint.Position) *subscription.Subscription {
	h, unauthorized := c.hooks()
	log := c.log.With("tenant", conn.TenantID, "channel", channel)
	var sub *subscription.Subscription
	run := func(sctx context.Context) {
		log.Infow("subscription starting", "from", start.String())
		err := c.streamer.Stream(sctx, conn, cometd.Replay{Channel: channel, From: int64(start)}, func(ev cometd.Event) {
			if sctx.Err() != nil {
				// cancelled while a batch was in flight
				log.Debugw("dropping event of cancelled subscription", "replay", ev.ReplayID)
				return
			}
			if h == nil {
				return
			}
			h(sctx, Event{
				Source:    conn.TenantID,
				Namespace: conn.NamespacePrefix,
				Channel:   ev.Channel,
				ReplayID:  checkpoint.Position(ev.ReplayID),
				HasReplay: ev.HasReplay,
				Data:      ev.Data,
			})
		})
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			log.Infow("subscription stopped")
		case errors.Is(err, cometd.ErrUnauthorized):
			log.Errorw("subscription stopped", "err", problems.New(problems.Auth, conn.TenantID, "stream.subscribe", err))
			if sctx.Err() == nil && unauthorized != nil {
				unauthorized(sub, conn)
			}
		default:
			log.Errorw("subscription stopped", "err", err)
		}
	}
	sub = subscription.New(ctx, conn.TenantID, channel, run)
	return sub
}
