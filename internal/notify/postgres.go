package notify

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"orgstream/internal/checkpoint"
)

// Execer is the part of *pgxpool.Pool the audit trail needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres appends notifications to the org_activity audit table.
type Postgres struct {
	db  Execer
	log *zap.SugaredLogger
}

func NewPostgres(db Execer, log *zap.SugaredLogger) *Postgres {
	return &Postgres{db: db, log: log}
}

const insertActivity = `INSERT INTO org_activity(org_id, kind, success, event_id, detail) VALUES ($1,$2,$3,$4,$5)`

func (p *Postgres) Activity(ctx context.Context, tenantID, kind string, success bool) {
	p.insert(ctx, tenantID, "activity:"+kind, &success, nil, "")
}

func (p *Postgres) EventCountIncreased(ctx context.Context, tenantID string) {
	ok := true
	p.insert(ctx, tenantID, "event", &ok, nil, "")
}

func (p *Postgres) HandlingError(ctx context.Context, tenantID string, eventID checkpoint.Position, reason string) {
	ok := false
	id := int64(eventID)
	p.insert(ctx, tenantID, "handling_error", &ok, &id, reason)
}

func (p *Postgres) insert(ctx context.Context, tenantID, kind string, success *bool, eventID *int64, detail string) {
	if _, err := p.db.Exec(ctx, insertActivity, tenantID, kind, success, eventID, detail); err != nil {
		p.log.Warnw("org_activity insert failed", "tenant", tenantID, "kind", kind, "err", err)
	}
}
