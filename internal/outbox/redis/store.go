// Package redis implements the outbox store on Redis.
//
// Row state lives in one hash per idempotency key, a pending list feeds
// claims, and a per-run set tracks unacknowledged keys. Claiming pops from
// the pending list and flips row status inside a single Lua script, so the
// claim is atomic: Redis executes scripts serially and no two claimants can
// receive the same row.
package redis

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/outbox"
)

const (
	keySeq     = "outbox:seq"
	keyPending = "outbox:pending"
)

func keyRow(idempotencyKey string) string { return "outbox:row:" + idempotencyKey }
func keyUnacked(runID uuid.UUID) string   { return "outbox:unacked:" + runID.String() }

// Config for the store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is a Redis-backed outbox.Store.
type Store struct {
	client *goredis.Client
}

var _ outbox.Store = (*Store)(nil)

// New connects to Redis and pings the server.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[outbox] connected to redis at %s", cfg.Addr)
	return &Store{client: client}, nil
}

// enqueueScript creates the row only if the key is new, then queues it.
// KEYS[1]=row KEYS[2]=pending KEYS[3]=unacked KEYS[4]=seq
// ARGV: run_id, idempotency_key, payload, created_at
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local id = redis.call('INCR', KEYS[4])
redis.call('HSET', KEYS[1],
  'outbox_id', id,
  'run_id', ARGV[1],
  'idempotency_key', ARGV[2],
  'payload', ARGV[3],
  'status', 'PENDING',
  'claimed_by', '',
  'created_at', ARGV[4],
  'claimed_at', 0,
  'sent_at', 0)
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

// Enqueue inserts a Pending row; a duplicate idempotency key is a no-op.
func (s *Store) Enqueue(ctx context.Context, runID uuid.UUID, idempotencyKey string, payload []byte) (bool, error) {
	n, err := enqueueScript.Run(ctx, s.client,
		[]string{keyRow(idempotencyKey), keyPending, keyUnacked(runID), keySeq},
		runID.String(), idempotencyKey, payload, time.Now().Unix()).Int()
	if err != nil {
		return false, fmt.Errorf("outbox enqueue: %w", err)
	}
	return n == 1, nil
}

// claimScript pops up to ARGV[1] keys from pending and claims each.
// KEYS[1]=pending; ARGV: limit, owner_tag, claimed_at. Returns claimed keys.
var claimScript = goredis.NewScript(`
local claimed = {}
for i = 1, tonumber(ARGV[1]) do
  local key = redis.call('LPOP', KEYS[1])
  if not key then break end
  local row = 'outbox:row:' .. key
  if redis.call('HGET', row, 'status') == 'PENDING' then
    redis.call('HSET', row, 'status', 'CLAIMED', 'claimed_by', ARGV[2], 'claimed_at', ARGV[3])
    claimed[#claimed + 1] = key
  end
end
return claimed
`)

// ClaimBatch atomically claims up to limit Pending rows.
func (s *Store) ClaimBatch(ctx context.Context, limit int, ownerTag string) ([]outbox.Row, error) {
	keys, err := claimScript.Run(ctx, s.client, []string{keyPending},
		limit, ownerTag, time.Now().Unix()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("outbox claim: %w", err)
	}

	rows := make([]outbox.Row, 0, len(keys))
	for _, key := range keys {
		row, ok, err := s.FetchByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// transitionScript flips status only from an expected set.
// KEYS[1]=row; ARGV: new_status, expected...  Returns 1 on transition.
var transitionScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return 0 end
for i = 2, #ARGV do
  if cur == ARGV[i] then
    redis.call('HSET', KEYS[1], 'status', ARGV[1])
    return 1
  end
end
return 0
`)

// releaseScript flips Claimed → Pending, resets the owner, and requeues the
// key in one script, so a released row is never Pending without being on the
// pending list. KEYS[1]=row KEYS[2]=pending; ARGV[1]=idempotency_key.
var releaseScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'CLAIMED' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'PENDING', 'claimed_by', '', 'claimed_at', 0)
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// ReleaseClaim reverts Claimed → Pending and requeues the key.
func (s *Store) ReleaseClaim(ctx context.Context, idempotencyKey string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client,
		[]string{keyRow(idempotencyKey), keyPending}, idempotencyKey).Int()
	if err != nil {
		return false, fmt.Errorf("outbox release: %w", err)
	}
	return n == 1, nil
}

// MarkSent transitions Claimed → Sent.
func (s *Store) MarkSent(ctx context.Context, idempotencyKey string) (bool, error) {
	ok, err := s.transition(ctx, idempotencyKey, string(outbox.StatusSent), outbox.StatusClaimed)
	if err != nil || !ok {
		return ok, err
	}
	if err := s.client.HSetNX(ctx, keyRow(idempotencyKey), "sent_at", time.Now().Unix()).Err(); err != nil {
		return false, fmt.Errorf("outbox mark sent: %w", err)
	}
	return true, nil
}

// MarkAcked transitions any unacked row to Acked and drops it from the
// run's unacked set.
func (s *Store) MarkAcked(ctx context.Context, idempotencyKey string) (bool, error) {
	ok, err := s.transition(ctx, idempotencyKey, string(outbox.StatusAcked),
		outbox.StatusPending, outbox.StatusClaimed, outbox.StatusSent, outbox.StatusFailed, outbox.StatusAcked)
	if err != nil || !ok {
		return ok, err
	}
	runID, err := s.client.HGet(ctx, keyRow(idempotencyKey), "run_id").Result()
	if err != nil {
		return false, fmt.Errorf("outbox mark acked: %w", err)
	}
	if err := s.client.SRem(ctx, "outbox:unacked:"+runID, idempotencyKey).Err(); err != nil {
		return false, fmt.Errorf("outbox mark acked: %w", err)
	}
	return true, nil
}

// MarkFailed transitions Claimed → Failed.
func (s *Store) MarkFailed(ctx context.Context, idempotencyKey string) (bool, error) {
	return s.transition(ctx, idempotencyKey, string(outbox.StatusFailed), outbox.StatusClaimed)
}

func (s *Store) transition(ctx context.Context, idempotencyKey, next string, expected ...outbox.Status) (bool, error) {
	argv := make([]interface{}, 0, len(expected)+1)
	argv = append(argv, next)
	for _, st := range expected {
		argv = append(argv, string(st))
	}
	n, err := transitionScript.Run(ctx, s.client, []string{keyRow(idempotencyKey)}, argv...).Int()
	if err != nil {
		return false, fmt.Errorf("outbox transition: %w", err)
	}
	return n == 1, nil
}

// FetchByKey returns the row stored under an idempotency key.
func (s *Store) FetchByKey(ctx context.Context, idempotencyKey string) (outbox.Row, bool, error) {
	fields, err := s.client.HGetAll(ctx, keyRow(idempotencyKey)).Result()
	if err != nil {
		return outbox.Row{}, false, fmt.Errorf("outbox fetch: %w", err)
	}
	if len(fields) == 0 {
		return outbox.Row{}, false, nil
	}
	row, err := rowFromFields(fields)
	if err != nil {
		return outbox.Row{}, false, err
	}
	return row, true, nil
}

// ListUnackedForRun returns the run's unacknowledged rows, oldest first.
func (s *Store) ListUnackedForRun(ctx context.Context, runID uuid.UUID) ([]outbox.Row, error) {
	keys, err := s.client.SMembers(ctx, keyUnacked(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("outbox list unacked: %w", err)
	}

	rows := make([]outbox.Row, 0, len(keys))
	for _, key := range keys {
		row, ok, err := s.FetchByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok && !row.Status.Terminal() {
			rows = append(rows, row)
		}
	}
	// SMEMBERS order is unspecified; restore enqueue order.
	sort.Slice(rows, func(i, j int) bool { return rows[i].OutboxID < rows[j].OutboxID })
	return rows, nil
}

func rowFromFields(fields map[string]string) (outbox.Row, error) {
	outboxID, err := strconv.ParseInt(fields["outbox_id"], 10, 64)
	if err != nil {
		return outbox.Row{}, fmt.Errorf("outbox row: bad outbox_id: %w", err)
	}
	runID, err := uuid.Parse(fields["run_id"])
	if err != nil {
		return outbox.Row{}, fmt.Errorf("outbox row: bad run_id: %w", err)
	}
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	claimedAt, _ := strconv.ParseInt(fields["claimed_at"], 10, 64)
	sentAt, _ := strconv.ParseInt(fields["sent_at"], 10, 64)

	return outbox.Row{
		OutboxID:       outboxID,
		RunID:          runID,
		IdempotencyKey: fields["idempotency_key"],
		Payload:        []byte(fields["payload"]),
		Status:         outbox.Status(fields["status"]),
		ClaimedBy:      fields["claimed_by"],
		CreatedAt:      unixTime(createdAt),
		ClaimedAt:      unixTime(claimedAt),
		SentAt:         unixTime(sentAt),
	}, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// Client exposes the underlying client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// Close closes the connection.
func (s *Store) Close() error { return s.client.Close() }
