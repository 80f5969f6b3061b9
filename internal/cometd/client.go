package cometd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jmes "github.com/jmespath/go-jmespath"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var (
	// ErrRehandshake is returned by a session when the server advises a new handshake.
	ErrRehandshake = errors.New("cometd: server requested rehandshake")
	// ErrUnauthorized reports a 401/403 from the endpoint, usually an expired token.
	ErrUnauthorized = errors.New("cometd: unauthorized")
)

var replayIDExpr = jmes.MustCompile("event.replayId")

const (
	requestTimeout = 30 * time.Second
	defaultTimeout = 110 * time.Second
	closeTimeout   = 5 * time.Second
)

// Event is a message received on the subscribed channel. Data is the decoded JSON
// payload of the Bayeux message.
type Event struct {
	Channel   string
	ReplayID  int64
	HasReplay bool
	Data      any
}

type Handler func(Event)

type Options struct {
	// Endpoint is the full CometD URL, see Endpoint.
	Endpoint   string
	Token      string
	HTTPClient *http.Client
	Log        *zap.SugaredLogger
	NewBackOff func() backoff.BackOff
}

// Client is a Bayeux long-polling client bound to one channel. It is not safe for
// concurrent use; Run owns it.
type Client struct {
	endpoint   string
	token      string
	hc         *http.Client
	log        *zap.SugaredLogger
	newBackOff func() backoff.BackOff

	seq      uint64
	clientID string
	advice   Advice
	channel  string
}

// Endpoint builds <instanceURL>/cometd/<version>/.
func Endpoint(instanceURL, apiVersion string) string {
	return strings.TrimRight(instanceURL, "/") + "/cometd/" + apiVersion + "/"
}

func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if hc.Jar == nil {
		// the server pins the session with cookies set on handshake
		jar, _ := cookiejar.New(nil)
		cp := *hc
		cp.Jar = jar
		hc = &cp
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	nb := opts.NewBackOff
	if nb == nil {
		nb = DefaultBackOff
	}
	return &Client{
		endpoint:   opts.Endpoint,
		token:      opts.Token,
		hc:         hc,
		log:        log,
		newBackOff: nb,
		advice:     Advice{Reconnect: ReconnectRetry, Timeout: int(defaultTimeout / time.Millisecond)},
	}
}

// Run subscribes replay.Channel starting at replay.From and calls h for every event, in
// order, until ctx is done. Transport failures are retried with backoff. After a
// rehandshake the channel is resubscribed from the last delivered replay id. A 401/403
// ends Run at once with ErrUnauthorized.
func (c *Client) Run(ctx context.Context, replay Replay, h Handler) error {
	c.channel = replay.Channel
	b := c.newBackOff()
	for {
		connected, err := c.session(ctx, &replay, h)
		if ctx.Err() != nil {
			c.close()
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			// a rejected token stays rejected; the caller has to authenticate again
			return err
		}
		if connected {
			b.Reset()
			if errors.Is(err, ErrRehandshake) {
				c.log.Infow("cometd rehandshake", "channel", replay.Channel, "from", replay.From)
				continue
			}
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		c.log.Warnw("cometd session ended, retrying", "channel", replay.Channel, "err", err, "in", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs handshake, subscribe and the connect loop. connected reports whether
// at least one connect succeeded.
func (c *Client) session(ctx context.Context, replay *Replay, h Handler) (connected bool, err error) {
	if err := c.handshake(ctx); err != nil {
		return false, err
	}
	if err := c.subscribe(ctx, *replay); err != nil {
		return false, err
	}
	for {
		msgs, err := c.post(ctx, c.connectTimeout(), Message{Channel: metaConnect, ConnectionType: connectionType})
		if err != nil {
			return connected, err
		}
		var reply *Message
		for i := range msgs {
			m := &msgs[i]
			switch m.Channel {
			case metaConnect:
				reply = m
			case replay.Channel:
				if ctx.Err() != nil {
					return connected, ctx.Err()
				}
				ev, err := decodeEvent(*m)
				if err != nil {
					c.log.Warnw("cometd dropped undecodable event", "channel", m.Channel, "err", err)
					continue
				}
				h(ev)
				if ev.HasReplay {
					*replay = replay.Advance(ev.ReplayID)
				}
			}
		}
		if reply != nil {
			if reply.Advice != nil {
				c.mergeAdvice(*reply.Advice)
			}
			if !reply.Successful {
				if c.advice.Reconnect == ReconnectHandshake {
					return connected, ErrRehandshake
				}
				return connected, fmt.Errorf("cometd: connect: %s", reply.Error)
			}
			connected = true
		}
		if c.advice.Interval > 0 {
			t := time.NewTimer(time.Duration(c.advice.Interval) * time.Millisecond)
			select {
			case <-ctx.Done():
				t.Stop()
				return connected, ctx.Err()
			case <-t.C:
			}
		}
	}
}

func (c *Client) handshake(ctx context.Context) error {
	c.clientID = ""
	msgs, err := c.post(ctx, requestTimeout, Message{
		Channel:                  metaHandshake,
		Version:                  "1.0",
		MinimumVersion:           "1.0",
		SupportedConnectionTypes: []string{connectionType},
	})
	if err != nil {
		return err
	}
	m, ok := find(msgs, metaHandshake)
	if !ok {
		return errors.New("cometd: handshake: no reply")
	}
	if m.Advice != nil {
		c.mergeAdvice(*m.Advice)
	}
	if !m.Successful || m.ClientID == "" {
		return fmt.Errorf("cometd: handshake: %s", m.Error)
	}
	if m.Advice == nil || m.Advice.Reconnect == "" {
		c.advice.Reconnect = ReconnectRetry
	}
	c.clientID = m.ClientID
	return nil
}

func (c *Client) subscribe(ctx context.Context, replay Replay) error {
	msg := Message{Channel: metaSubscribe, Subscription: replay.Channel}
	replay.apply(&msg)
	msgs, err := c.post(ctx, requestTimeout, msg)
	if err != nil {
		return err
	}
	m, ok := find(msgs, metaSubscribe)
	if !ok {
		return errors.New("cometd: subscribe: no reply")
	}
	if !m.Successful {
		return fmt.Errorf("cometd: subscribe %s: %s", replay.Channel, m.Error)
	}
	c.log.Infow("cometd subscribed", "channel", replay.Channel, "from", replay.From)
	return nil
}

// close unsubscribes and disconnects on a fresh context; failures are only logged.
func (c *Client) close() {
	if c.clientID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if _, err := c.post(ctx, closeTimeout, Message{Channel: metaUnsubscribe, Subscription: c.channel}); err != nil {
		c.log.Debugw("cometd unsubscribe failed", "channel", c.channel, "err", err)
	}
	if _, err := c.post(ctx, closeTimeout, Message{Channel: metaDisconnect}); err != nil {
		c.log.Debugw("cometd disconnect failed", "channel", c.channel, "err", err)
	}
	c.clientID = ""
}

func (c *Client) post(ctx context.Context, timeout time.Duration, msgs ...Message) ([]Message, error) {
	for i := range msgs {
		c.seq++
		msgs[i].ID = strconv.FormatUint(c.seq, 10)
		if msgs[i].Channel != metaHandshake {
			msgs[i].ClientID = c.clientID
		}
	}
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "OAuth "+c.token)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cometd: %s: %w", msgs[0].Channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cometd: %s: status %d: %s", msgs[0].Channel, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out []Message
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("cometd: %s: decode: %w", msgs[0].Channel, err)
	}
	return out, nil
}

func (c *Client) mergeAdvice(a Advice) {
	if a.Reconnect != "" {
		c.advice.Reconnect = a.Reconnect
	}
	if a.Timeout > 0 {
		c.advice.Timeout = a.Timeout
	}
	c.advice.Interval = a.Interval
}

func (c *Client) connectTimeout() time.Duration {
	return time.Duration(c.advice.Timeout)*time.Millisecond + requestTimeout
}

func find(msgs []Message, channel string) (Message, bool) {
	for _, m := range msgs {
		if m.Channel == channel {
			return m, true
		}
	}
	return Message{}, false
}

func decodeEvent(m Message) (Event, error) {
	ev := Event{Channel: m.Channel}
	if len(m.Data) == 0 {
		return ev, errors.New("empty data")
	}
	if err := json.Unmarshal(m.Data, &ev.Data); err != nil {
		return ev, err
	}
	if v, err := replayIDExpr.Search(ev.Data); err == nil {
		if f, ok := v.(float64); ok {
			ev.ReplayID = int64(f)
			ev.HasReplay = true
		}
	}
	return ev, nil
}
