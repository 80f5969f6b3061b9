package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orgstream/internal/checkpoint"
)

type published struct {
	sobject string
	fields  map[string]any
}

type fakePublisher struct {
	mu   sync.Mutex
	got  []published
	fail error
}

func (f *fakePublisher) Publish(_ context.Context, sobject string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, published{sobject, fields})
	return f.fail
}

func TestPlatformEvents(t *testing.T) {
	pub := &fakePublisher{}
	p := NewPlatform(pub, zap.NewNop().Sugar(), nil)
	ctx := context.Background()

	p.Activity(ctx, "O1", "Subscription", true)
	p.Activity(ctx, "O2", "Subscription", false)
	p.EventCountIncreased(ctx, "O1")
	p.HandlingError(ctx, "O1", 42, "status 500")

	require.Equal(t, []published{
		{ActivityEvent, map[string]any{"OrgId__c": "O1", "Type__c": "Subscription", "Success__c": 1}},
		{ActivityEvent, map[string]any{"OrgId__c": "O2", "Type__c": "Subscription", "Success__c": 0}},
		{EventCountEvent, map[string]any{"Org_Id__c": "O1"}},
		{HandlingErrorEvent, map[string]any{"Org_Id__c": "O1"}},
	}, pub.got)
}

func TestPlatformPublishFailureIsSwallowed(t *testing.T) {
	pub := &fakePublisher{fail: errors.New("boom")}
	p := NewPlatform(pub, zap.NewNop().Sugar(), nil)
	require.NotPanics(t, func() { p.EventCountIncreased(context.Background(), "O1") })
	require.Len(t, pub.got, 1)
}

type execCall struct {
	sql  string
	args []any
}

type fakeExec struct {
	calls []execCall
	err   error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql, args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestPostgresAudit(t *testing.T) {
	db := &fakeExec{}
	p := NewPostgres(db, zap.NewNop().Sugar())
	ctx := context.Background()

	p.Activity(ctx, "O1", "Subscription", false)
	p.HandlingError(ctx, "O1", checkpoint.Position(9), "status 502")

	require.Len(t, db.calls, 2)
	require.Equal(t, insertActivity, db.calls[0].sql)
	require.Equal(t, "O1", db.calls[0].args[0])
	require.Equal(t, "activity:Subscription", db.calls[0].args[1])
	require.False(t, *db.calls[0].args[2].(*bool))
	require.Nil(t, db.calls[0].args[3].(*int64))

	require.Equal(t, "handling_error", db.calls[1].args[1])
	require.Equal(t, int64(9), *db.calls[1].args[3].(*int64))
	require.Equal(t, "status 502", db.calls[1].args[4])

	db.err = errors.New("down")
	require.NotPanics(t, func() { p.EventCountIncreased(ctx, "O1") })
}

type countingNotifier struct{ activity, counts, errs int }

func (c *countingNotifier) Activity(context.Context, string, string, bool) { c.activity++ }
func (c *countingNotifier) EventCountIncreased(context.Context, string)    { c.counts++ }
func (c *countingNotifier) HandlingError(context.Context, string, checkpoint.Position, string) {
	c.errs++
}

func TestMultiFansOut(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{}
	m := Multi{a, b, NewLog(zap.NewNop().Sugar())}
	ctx := context.Background()
	m.Activity(ctx, "O1", "Subscription", true)
	m.EventCountIncreased(ctx, "O1")
	m.HandlingError(ctx, "O1", 1, "x")
	for _, c := range []*countingNotifier{a, b} {
		require.Equal(t, 1, c.activity)
		require.Equal(t, 1, c.counts)
		require.Equal(t, 1, c.errs)
	}
}
