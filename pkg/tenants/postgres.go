// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgDirectory implements Directory backed by PostgreSQL.
type pgDirectory struct {
	dbPool *pgxpool.Pool      // Connection pool to PostgreSQL
	log    *zap.SugaredLogger // Logger for diagnostic output
}

// NewPostgresDirectory constructs a PostgreSQL-backed tenant directory.
func NewPostgresDirectory(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Directory {
	return &pgDirectory{dbPool: dbPool, log: log}
}

// EnsureSchema creates the directory and activity tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS customer_org_info (
  org_id text PRIMARY KEY,
  connection_info jsonb NOT NULL,
  is_active boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS org_activity (
  id BIGSERIAL PRIMARY KEY,
  org_id text NOT NULL,
  kind text NOT NULL,
  success boolean,
  event_id bigint,
  detail text,
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS org_activity_org_idx ON org_activity(org_id, created_at DESC);
`)
	return err
}

// SeedFromEnv upserts connection infos given as a JSON array (TENANT_SEED_JSON format):
//
//	[{"orgId":"...","instance_url":"...","clientId":"...","username":"...","namespace_prefix":"..."}]
func SeedFromEnv(ctx context.Context, dbPool *pgxpool.Pool, jsonSeed string) error {
	if jsonSeed == "" {
		return nil
	}
	var entries []ConnectionInfo
	if err := json.Unmarshal([]byte(jsonSeed), &entries); err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.OrgID == "" {
			continue
		}
		b, _ := json.Marshal(entry)
		if _, err := dbPool.Exec(ctx, `INSERT INTO customer_org_info(org_id, connection_info, is_active)
		  VALUES ($1,$2,true)
		  ON CONFLICT (org_id) DO UPDATE SET connection_info=EXCLUDED.connection_info, updated_at=NOW()`,
			entry.OrgID, b); err != nil {
			return fmt.Errorf("seed %s: %w", entry.OrgID, err)
		}
	}
	return nil
}

// ListActive returns active tenants ordered by org id.
func (p *pgDirectory) ListActive(ctx context.Context) ([]Record, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT org_id, connection_info::text FROM customer_org_info WHERE is_active = true ORDER BY org_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.TenantID, &r.ConnectionInfo); err != nil {
			p.log.Warnw("directory row skipped", "err", err)
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
