// cmd/stream-service/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"orgstream/internal/checkpoint"
	"orgstream/internal/cometd"
	"orgstream/internal/control"
	"orgstream/internal/ingest"
	"orgstream/internal/metrics"
	"orgstream/internal/notify"
	"orgstream/internal/opsapi"
	"orgstream/internal/platform"
	"orgstream/internal/replay"
	"orgstream/internal/saml"
	"orgstream/internal/stream"
	"orgstream/internal/subscription"
	"orgstream/internal/worker"
	"orgstream/pkg/config"
	"orgstream/pkg/db"
	"orgstream/pkg/logger"
	"orgstream/pkg/middleware"
	"orgstream/pkg/tenants"
)

type store interface {
	checkpoint.Store
	checkpoint.DeliveryRecorder
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := middleware.InitTracing("orgstream", log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var cps store
	if rdb := db.MustRedis(cfg, log); rdb != nil {
		defer rdb.Close()
		cps = checkpoint.NewRedisStore(rdb, cfg.CheckpointKeyPrefix, log)
	} else {
		cps = checkpoint.NewMemoryStore()
	}

	notifiers := notify.Multi{notify.NewLog(log)}
	var dir tenants.Directory
	if pool := db.MustConnect(cfg, log); pool != nil {
		defer pool.Close()
		if err := tenants.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		if err := tenants.SeedFromEnv(ctx, pool, cfg.TenantSeedJSON); err != nil {
			log.Warnw("seed", "err", err)
		}
		dir = tenants.NewPostgresDirectory(pool, log)
		notifiers = append(notifiers, notify.NewPostgres(pool, log))
	}

	// the business org owns the tenant directory and the control channel
	var controlConn tenants.Connection
	var business ingest.BusinessSession
	if cfg.ClientID != "" && cfg.Username != "" {
		biz := platform.NewClient(platform.Credentials{
			OrgID:         cfg.OrgID,
			LoginURL:      cfg.LoginURL,
			ClientID:      cfg.ClientID,
			ClientSecret:  cfg.ClientSecret,
			Username:      cfg.Username,
			Password:      cfg.Password,
			SecurityToken: cfg.SecurityToken,
		}, cfg.APIVersion, cfg.AuthTimeout, log)
		if err := biz.Login(ctx); err != nil {
			log.Fatalw("business org login", "err", err)
		}
		controlConn = biz.Connection()
		business = biz
		if dir == nil {
			dir = platform.NewDirectory(biz)
		}
		notifiers = append(notifiers, notify.NewPlatform(platform.NewPublisher(biz), log, m))
	}
	if dir == nil {
		mem, err := tenants.NewMemoryDirectory(log, cfg.TenantSeedJSON, cfg.TenantSeedFile)
		if err != nil {
			log.Fatalw("tenant seed", "err", err)
		}
		dir = mem
	}

	var signer ingest.Signer
	if key, err := saml.LoadPrivateKey(cfg.EncodedKey); err != nil {
		log.Errorw("signing key unavailable; every tenant will fail authentication", "err", err)
		signer = saml.NewSigner(nil)
	} else {
		signer = saml.NewSigner(key)
	}

	policy := replay.NewPolicy(cps, replay.Config{
		Default:   checkpoint.Position(cfg.ReplayDefault),
		Override:  cfg.ReplayOverride,
		Freshness: cfg.ReplayFreshness,
	}, log)

	dispatcher := worker.New(cfg.WorkerURL, cfg.WorkerTimeout, cps, notifiers, log, worker.WithMetrics(m))
	subs := subscription.NewRegistry(log)
	connector := stream.NewConnector(stream.CometdStreamer{
		APIVersion: cfg.APIVersion,
		NewBackOff: cometd.DefaultBackOff,
		Log:        log,
	}, log)

	manager := ingest.NewManager(ingest.Config{
		Namespace:        cfg.Namespace,
		DataChannel:      cfg.DataChannel,
		ControlChannel:   cfg.ControlChannel,
		SubscriptionType: cfg.SubscriptionTy,
		Concurrency:      cfg.BootstrapConcurrency,
		ShutdownTimeout:  cfg.ShutdownTimeout,
	}, ingest.Deps{
		Directory: dir,
		Signer:    signer,
		Exchanger: saml.NewExchanger(cfg.AuthTimeout),
		Store:     cps,
		Policy:    policy,
		Connector: connector,
		Registry:  subs,
		Notifier:  notifiers,
		Metrics:   m,
		Log:       log,
		Business:  business,
	})
	connector.OnUnauthorized(manager.Reauthenticate)

	router := &stream.Router{
		ControlChannel: cfg.ControlChannel,
		Store:          cps,
		Worker:         dispatcher,
		Notifier:       notifiers,
		Control:        control.NewHandler(manager, manager, log),
		Metrics:        m,
		Log:            log,
	}
	connector.OnEvent(router.Handle)

	ops := &opsapi.Server{
		Subscriptions: subs,
		Checkpoints:   cps,
		Rewinder:      manager,
		Deliveries:    cps,
		Policy:        policy,
		Gatherer:      reg,
		Auth: middleware.AuthConfig{
			Env:      cfg.Env,
			Issuer:   cfg.OpsIssuer,
			JWKSURL:  cfg.OpsJWKSURL,
			Audience: cfg.OpsAudience,
			Skew:     30 * time.Second,
		},
		Log: log,
	}
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: ops.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("ops api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	if err := manager.Run(ctx, controlConn); err != nil {
		log.Warnw("subscriptions did not stop in time", "err", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(sctx)
	if err := shutdownTracing(sctx); err != nil {
		log.Warnw("tracing shutdown", "err", err)
	}
	log.Infow("stream-service stopped")
}
