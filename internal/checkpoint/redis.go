package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"orgstream/pkg/problems"
	"orgstream/pkg/tenants"
)

const (
	fieldConnString  = "conn_string"
	fieldAccessToken = "access_token"
	fieldReplayID    = "lastReplayId"
	fieldEventTime   = "lastEventTime"

	fieldStatus     = "status"
	fieldLastUpdate = "last_update"
	fieldRecordIDs  = "record_ids"
	fieldAttempts   = "attempt_count"
)

// advanceScript writes the position only when it does not move backwards.
// KEYS[1] tenant hash, ARGV[1] position, ARGV[2] event time (unix ms).
var advanceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'lastReplayId')
if cur then
  local n = tonumber(cur)
  if n and n > tonumber(ARGV[1]) then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'lastReplayId', ARGV[1], 'lastEventTime', ARGV[2])
return 1
`)

// RedisStore keeps checkpoints and delivery records in Redis hashes.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	log    *zap.SugaredLogger
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, log *zap.SugaredLogger) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Get(ctx context.Context, tenantID string) (Checkpoint, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(tenantID)).Result()
	if err != nil {
		return Checkpoint{}, false, problems.New(problems.Store, tenantID, "checkpoint.get", err)
	}
	if len(vals) == 0 {
		return Checkpoint{}, false, nil
	}
	cp := Checkpoint{TenantID: tenantID}
	if v, ok := vals[fieldReplayID]; ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cp.LastReplayPosition = Position(n)
			cp.HasPosition = true
		} else {
			s.log.Warnw("unparsable replay id in store", "tenant", tenantID, "value", v)
		}
	}
	if v, ok := vals[fieldEventTime]; ok && v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			cp.LastEventTime = time.UnixMilli(ms)
		}
	}
	return cp, true, nil
}

func (s *RedisStore) Put(ctx context.Context, cp Checkpoint) error {
	if cp.TenantID == "" {
		return problems.New(problems.Store, "", "checkpoint.put", errors.New("tenant id required"))
	}
	advanced, err := advanceScript.Run(ctx, s.rdb, []string{s.key(cp.TenantID)},
		int64(cp.LastReplayPosition), cp.LastEventTime.UnixMilli()).Int()
	if err != nil {
		return problems.New(problems.Store, cp.TenantID, "checkpoint.put", err)
	}
	if advanced == 0 {
		s.log.Debugw("checkpoint not advanced; stored position is newer", "tenant", cp.TenantID, "position", cp.LastReplayPosition)
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, tenantID string, pos Position) error {
	err := s.rdb.HSet(ctx, s.key(tenantID),
		fieldReplayID, int64(pos),
		fieldEventTime, time.Now().UnixMilli()).Err()
	if err != nil {
		return problems.New(problems.Store, tenantID, "checkpoint.reset", err)
	}
	return nil
}

func (s *RedisStore) SaveConnection(ctx context.Context, conn tenants.Connection) error {
	b, err := json.Marshal(conn)
	if err != nil {
		return problems.New(problems.Store, conn.TenantID, "checkpoint.save_connection", err)
	}
	if err := s.rdb.HSet(ctx, s.key(conn.TenantID), fieldConnString, string(b), fieldAccessToken, conn.AccessToken).Err(); err != nil {
		return problems.New(problems.Store, conn.TenantID, "checkpoint.save_connection", err)
	}
	return nil
}

func (s *RedisStore) RecordDelivery(ctx context.Context, d Delivery) error {
	ids, err := json.Marshal(d.RecordIDs)
	if err != nil {
		return problems.New(problems.Store, d.TenantID, "delivery.record", err)
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	key := s.key(d.Key())
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fieldStatus, d.Status, fieldLastUpdate, d.UpdatedAt.UnixMilli(), fieldRecordIDs, string(ids))
		p.HIncrBy(ctx, key, fieldAttempts, 1)
		return nil
	})
	if err != nil {
		return problems.New(problems.Store, d.TenantID, "delivery.record", err)
	}
	return nil
}

func (s *RedisStore) GetDelivery(ctx context.Context, tenantID string, eventID Position) (Delivery, bool, error) {
	d := Delivery{TenantID: tenantID, EventID: eventID}
	vals, err := s.rdb.HGetAll(ctx, s.key(d.Key())).Result()
	if err != nil {
		return Delivery{}, false, problems.New(problems.Store, tenantID, "delivery.get", err)
	}
	if len(vals) == 0 {
		return Delivery{}, false, nil
	}
	d.Status = vals[fieldStatus]
	if ms, err := strconv.ParseInt(vals[fieldLastUpdate], 10, 64); err == nil {
		d.UpdatedAt = time.UnixMilli(ms)
	}
	if n, err := strconv.ParseInt(vals[fieldAttempts], 10, 64); err == nil {
		d.Attempts = n
	}
	if raw := vals[fieldRecordIDs]; raw != "" {
		var ids any
		if json.Unmarshal([]byte(raw), &ids) == nil {
			d.RecordIDs = ids
		}
	}
	return d, true, nil
}
