// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string // ops API (health, metrics, subscriptions)

	// Redis & Postgres
	RedisURL            string
	DatabaseURL         string
	CheckpointKeyPrefix string

	// Business org (owner of the tenant directory and the control channel)
	OrgID          string
	LoginURL       string
	ClientID       string
	ClientSecret   string
	Username       string
	Password       string
	SecurityToken  string
	APIVersion     string
	SubscriptionTy string // Type__c value on activity notifications

	// Platform event channels and replay
	Namespace       string
	DataChannel     string
	ControlChannel  string
	ReplayDefault   int64
	ReplayOverride  bool
	ReplayFreshness time.Duration

	// Signing key for bearer assertions (PEM)
	EncodedKey  string
	AuthTimeout time.Duration

	// Downstream worker
	WorkerURL     string
	WorkerTimeout time.Duration

	// Tenant seed for runs without a directory database
	TenantSeedJSON string
	TenantSeedFile string

	BootstrapConcurrency int
	ShutdownTimeout      time.Duration

	// Ops API admin tokens
	OpsIssuer   string
	OpsJWKSURL  string
	OpsAudience string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                  env("ORGSTREAM_ENV", "dev"),
		HTTPAddr:             env("ORGSTREAM_HTTP_ADDR", ":3000"),
		RedisURL:             env("REDIS_URL", ""),
		DatabaseURL:          env("DATABASE_URL", ""),
		CheckpointKeyPrefix:  env("CHECKPOINT_KEY_PREFIX", ""),
		OrgID:                env("SF_ORG_ID", ""),
		LoginURL:             env("SF_LOGIN_URL", "https://login.salesforce.com"),
		ClientID:             env("SF_CLIENT_ID", ""),
		ClientSecret:         env("SF_CLIENT_SECRET", ""),
		Username:             env("SF_USER_NAME", ""),
		Password:             env("SF_USER_PASSWORD", ""),
		SecurityToken:        env("SF_SECURITY_TOKEN", ""),
		APIVersion:           env("SF_API_VERSION", "42.0"),
		SubscriptionTy:       env("PE_SUBSCRIPTION_TYPE", "Subscription"),
		Namespace:            env("PE_NAMESPACE", ""),
		DataChannel:          env("PE_DATA_CHANNEL", "BatchEvent__e"),
		ControlChannel:       env("PE_ORGINFO_CHANNEL", "/event/UpdatedCustomerOrgInfo__e"),
		ReplayDefault:        envInt64("PE_REPLAY_DEFAULT", -2),
		ReplayOverride:       envBool("PE_REPLAY_OVERRIDE", false),
		ReplayFreshness:      envDur("PE_REPLAY_FRESHNESS", 24*time.Hour),
		EncodedKey:           unescapeNewlines(env("ENCODED_KEY", "")),
		AuthTimeout:          envDur("AUTH_TIMEOUT", 15*time.Second),
		WorkerURL:            workerURL(env("WORKER_URL", "http://localhost:5000/")),
		WorkerTimeout:        envDur("WORKER_TIMEOUT", 15*time.Second),
		TenantSeedJSON:       env("TENANT_SEED_JSON", ""),
		TenantSeedFile:       env("TENANT_SEED_FILE", ""),
		BootstrapConcurrency: envInt("BOOTSTRAP_CONCURRENCY", 8),
		ShutdownTimeout:      envDur("SHUTDOWN_TIMEOUT", 10*time.Second),
		OpsIssuer:            env("OPS_JWT_ISSUER", ""),
		OpsJWKSURL:           env("OPS_JWKS_URL", ""),
		OpsAudience:          env("OPS_JWT_AUDIENCE", ""),
	}
	if cfg.RedisURL == "" {
		log.Println("[WARN] REDIS_URL not set; checkpoints are kept in memory and lost on restart")
	}
	if cfg.EncodedKey == "" {
		log.Println("[WARN] ENCODED_KEY not set; tenant authentication will fail")
	}
	return cfg
}

// workerURL appends the processEvent route to the configured worker base.
func workerURL(base string) string {
	if strings.HasSuffix(base, "processEvent") {
		return base
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "processEvent"
}

// unescapeNewlines turns literal "\n" sequences (common for PEM keys kept in env vars) into newlines.
func unescapeNewlines(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return i
	}
	return def
}
func envInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return def
		}
		return i
	}
	return def
}

// envDur accepts Go durations ("90s") or a bare number of seconds.
func envDur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	return def
}
