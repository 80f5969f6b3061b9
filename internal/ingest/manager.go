package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orgstream/internal/checkpoint"
	"orgstream/internal/metrics"
	"orgstream/internal/notify"
	"orgstream/internal/saml"
	"orgstream/internal/subscription"
	"orgstream/pkg/logger"
	"orgstream/pkg/problems"
	"orgstream/pkg/tenants"
)

type Signer interface {
	Sign(subject, issuer, audience, recipient string, now time.Time) (string, error)
}

type TokenExchanger interface {
	Exchange(ctx context.Context, tenantID, tokenURL, assertion string) (saml.Token, error)
}

type StartResolver interface {
	ResolveStart(ctx context.Context, tenantID string, now time.Time) checkpoint.Position
}

type Opener interface {
	Open(ctx context.Context, conn tenants.Connection, channel string, start checkpoint.Position) *subscription.Subscription
}

// CheckpointStore is the part of the checkpoint store the manager writes.
type CheckpointStore interface {
	SaveConnection(ctx context.Context, conn tenants.Connection) error
	Reset(ctx context.Context, tenantID string, pos checkpoint.Position) error
}

// BusinessSession is the business org login that owns the control channel.
type BusinessSession interface {
	Login(ctx context.Context) error
	Connection() tenants.Connection
}

type Config struct {
	// Namespace applies to tenants whose connection info has no namespace_prefix.
	Namespace        string
	DataChannel      string
	ControlChannel   string
	SubscriptionType string
	Concurrency      int
	ShutdownTimeout  time.Duration
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Directory tenants.Directory
	Signer    Signer
	Exchanger TokenExchanger
	Store     CheckpointStore
	Policy    StartResolver
	Connector Opener
	Registry  *subscription.Registry
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Log       *zap.SugaredLogger
	Now       func() time.Time
	// Business logs the control channel in again when its token is rejected. Optional.
	Business BusinessSession
	// NewBackOff paces business org logins. Defaults to exponential backoff.
	NewBackOff func() backoff.BackOff
}

// Manager bootstraps tenant subscriptions at startup and on control-channel activation.
type Manager struct {
	cfg Config
	Deps

	mu      sync.Mutex
	root    context.Context
	closing bool
	ctl     *subscription.Subscription
	infos   map[string]tenants.ConnectionInfo
	pending sync.WaitGroup
}

func NewManager(cfg Config, d Deps) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewLog(d.Log)
	}
	if d.NewBackOff == nil {
		d.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0)) }
	}
	return &Manager{cfg: cfg, Deps: d, root: context.Background(), infos: map[string]tenants.ConnectionInfo{}}
}

// DataChannel is the tenant data channel: /event/[<ns>__]<name>.
func DataChannel(name, namespace string) string {
	if namespace != "" {
		name = namespace + "__" + name
	}
	return "/event/" + name
}

func (m *Manager) rootContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// Run subscribes every active tenant of the directory, then the control channel of the
// business org (skipped when control has no token), and blocks until ctx is done. On
// return every subscription has been cancelled.
func (m *Manager) Run(ctx context.Context, control tenants.Connection) error {
	m.mu.Lock()
	m.root = ctx
	m.closing = false
	m.mu.Unlock()

	m.bootstrapAll(ctx)

	if control.AccessToken != "" && m.cfg.ControlChannel != "" {
		m.openControl(ctx, control, nil)
	} else {
		m.Log.Warnw("control channel disabled; tenant changes need a restart")
	}

	<-ctx.Done()
	m.Log.Infow("ingest shutting down", "subscriptions", m.Registry.Len())
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.pending.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()
	m.mu.Lock()
	ctl := m.ctl
	m.ctl = nil
	m.mu.Unlock()
	if ctl != nil {
		ctl.Cancel()
	}
	err := m.Registry.CancelAll(sctx)
	if ctl != nil {
		if werr := ctl.Wait(sctx); err == nil {
			err = werr
		}
	}
	m.Metrics.Subscriptions(0)
	return err
}

// openControl subscribes the control channel with conn while the current control
// subscription is still old, and replaces it.
func (m *Manager) openControl(ctx context.Context, conn tenants.Connection, old *subscription.Subscription) {
	start := m.Policy.ResolveStart(ctx, conn.TenantID, m.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctl != old || m.closing || ctx.Err() != nil {
		return
	}
	sub := m.Connector.Open(ctx, conn, m.cfg.ControlChannel, start)
	if old != nil {
		old.Cancel()
	}
	m.ctl = sub
	sub.Start()
	m.Log.Infow("control channel subscribed", "org", conn.TenantID, "channel", m.cfg.ControlChannel, "from", start.String())
}

func (m *Manager) bootstrapAll(ctx context.Context) {
	records, err := m.Directory.ListActive(ctx)
	if err != nil {
		m.Log.Errorw("tenant directory unavailable", "err", err)
		return
	}
	m.Log.Infow("tenant directory loaded", "tenants", len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			info, err := tenants.ParseConnectionInfo([]byte(rec.ConnectionInfo), rec.TenantID)
			if err != nil {
				m.Log.Errorw("tenant skipped", "tenant", rec.TenantID, "err", err)
				return nil
			}
			if err := m.Bootstrap(gctx, info); err != nil {
				m.Log.Errorw("tenant bootstrap failed", "tenant", info.OrgID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Bootstrap authenticates the tenant with a signed assertion, records the connection,
// resolves the replay start and installs the data subscription. An Auth failure is
// reported as unsuccessful activity and leaves the tenant unsubscribed.
func (m *Manager) Bootstrap(ctx context.Context, info tenants.ConnectionInfo) error {
	sub, err := m.connect(ctx, info)
	if err != nil {
		return err
	}
	m.Registry.Set(sub.TenantID, sub)
	m.subscribed(ctx, sub)
	return nil
}

// connect runs the authentication pipeline and returns the tenant's data subscription,
// not yet started.
func (m *Manager) connect(ctx context.Context, info tenants.ConnectionInfo) (*subscription.Subscription, error) {
	log := logger.ForTenant(m.Log, info.OrgID)
	now := m.Now()
	if info.NamespacePrefix == "" {
		info.NamespacePrefix = m.cfg.Namespace
	}

	assertion, err := m.Signer.Sign(info.Username, info.ClientID, info.InstanceURL, info.TokenURL(), now)
	if err != nil {
		return nil, m.authFailed(ctx, info.OrgID, problems.New(problems.Auth, info.OrgID, "ingest.sign", err))
	}
	tok, err := m.Exchanger.Exchange(ctx, info.OrgID, info.TokenURL(), assertion)
	if err != nil {
		return nil, m.authFailed(ctx, info.OrgID, err)
	}
	m.Metrics.Auth(true)

	conn := tenants.NewConnection(info, tok.AccessToken, tok.InstanceURL, now)
	if err := m.Store.SaveConnection(ctx, conn); err != nil {
		m.Metrics.StoreError("save_connection")
		log.Warnw("connection not saved", "err", err)
	}

	start := m.Policy.ResolveStart(ctx, info.OrgID, now)
	channel := DataChannel(m.cfg.DataChannel, info.NamespacePrefix)
	sub := m.Connector.Open(m.rootContext(), conn, channel, start)
	log.Infow("tenant authenticated", "channel", channel, "from", start.String(), "subscription", sub.ID)

	m.mu.Lock()
	m.infos[info.OrgID] = info
	m.mu.Unlock()
	return sub, nil
}

func (m *Manager) subscribed(ctx context.Context, sub *subscription.Subscription) {
	m.Metrics.Subscriptions(m.Registry.Len())
	logger.ForTenant(m.Log, sub.TenantID).Infow("tenant subscribed", "channel", sub.Channel, "subscription", sub.ID)
	m.Notifier.Activity(ctx, sub.TenantID, m.cfg.SubscriptionType, true)
}

func (m *Manager) authFailed(ctx context.Context, tenantID string, err error) error {
	m.Metrics.Auth(false)
	m.Notifier.Activity(ctx, tenantID, m.cfg.SubscriptionType, false)
	return err
}

// Cancel drops a tenant's subscription; it is the control handler's Canceller.
func (m *Manager) Cancel(tenantID string) {
	m.Registry.Cancel(tenantID)
	m.Metrics.Subscriptions(m.Registry.Len())
}

// Reauthenticate replaces a subscription whose token the event bus rejected. A tenant
// is bootstrapped again; if that fails it is reported inactive and dropped. The control
// channel logs the business org in again and resubscribes. The work runs on its own
// goroutine; Run waits for it on shutdown.
func (m *Manager) Reauthenticate(sub *subscription.Subscription, conn tenants.Connection) {
	m.mu.Lock()
	if m.closing || m.root.Err() != nil {
		m.mu.Unlock()
		return
	}
	control := sub == m.ctl
	m.pending.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.pending.Done()
		if control {
			m.relogin(sub)
			return
		}
		m.reconnect(sub, conn)
	}()
}

func (m *Manager) reconnect(old *subscription.Subscription, conn tenants.Connection) {
	if cur, ok := m.Registry.Get(old.TenantID); !ok || cur != old {
		return
	}
	ctx := m.rootContext()
	log := logger.ForTenant(m.Log, old.TenantID)
	m.mu.Lock()
	info, ok := m.infos[old.TenantID]
	m.mu.Unlock()
	if !ok {
		info = tenants.ConnectionInfo{
			OrgID:           conn.TenantID,
			InstanceURL:     conn.InstanceURL,
			ClientID:        conn.ClientID,
			Username:        conn.Username,
			NamespacePrefix: conn.NamespacePrefix,
		}
	}
	log.Warnw("tenant token rejected by the event bus; authenticating again", "subscription", old.ID)

	sub, err := m.connect(ctx, info)
	if err != nil {
		if m.Registry.Swap(old.TenantID, old, nil) {
			m.Metrics.Subscriptions(m.Registry.Len())
		}
		log.Errorw("tenant unsubscribed after failed re-authentication", "err", err)
		return
	}
	if !m.Registry.Swap(old.TenantID, old, sub) {
		// replaced or cancelled by a control event meanwhile
		sub.Cancel()
		return
	}
	m.subscribed(ctx, sub)
}

func (m *Manager) relogin(old *subscription.Subscription) {
	ctx := m.rootContext()
	if m.Business == nil {
		m.Log.Errorw("control channel token rejected and no business login configured; control channel stopped")
		return
	}
	m.Log.Warnw("control channel token rejected; logging in again")
	err := backoff.RetryNotify(func() error { return m.Business.Login(ctx) },
		backoff.WithContext(m.NewBackOff(), ctx),
		func(err error, wait time.Duration) {
			m.Log.Warnw("business org login failed, retrying", "err", err, "in", wait)
		})
	if err != nil {
		m.Log.Errorw("control channel stopped", "err", err)
		return
	}
	m.openControl(ctx, m.Business.Connection(), old)
}

// Rewind stops the tenant's subscription, resets its checkpoint to pos and, if it was
// subscribed, subscribes it again so the stream restarts from pos.
func (m *Manager) Rewind(ctx context.Context, tenantID string, pos checkpoint.Position) error {
	sub, live := m.Registry.Get(tenantID)
	if live && m.Registry.Swap(tenantID, sub, nil) {
		m.Metrics.Subscriptions(m.Registry.Len())
		if err := sub.Wait(ctx); err != nil {
			return err
		}
	}
	if err := m.Store.Reset(ctx, tenantID, pos); err != nil {
		m.Metrics.StoreError("reset")
		return problems.New(problems.Store, tenantID, "ingest.rewind", err)
	}
	if !live {
		return nil
	}
	m.mu.Lock()
	info, ok := m.infos[tenantID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.Bootstrap(ctx, info)
}
