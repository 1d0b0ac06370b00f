package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

// enqueueScript stores the job blob and schedules it.
// KEYS[1] = job key, KEYS[2] = ready set
// ARGV[1] = id, ARGV[2] = blob, ARGV[3] = run-at ms
var enqueueScript = redis.NewScript(`
	if redis.call('SET', KEYS[1], ARGV[2], 'NX') == false then
		return 0
	end
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	return 1
`)

// claimScript moves the earliest ready job into the claimed set.
// KEYS[1] = ready set, KEYS[2] = claimed set, KEYS[3] = claims hash
// ARGV[1] = now ms, ARGV[2] = claim id, ARGV[3] = job key prefix
var claimScript = redis.NewScript(`
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #ids == 0 then
		return false
	end
	local id = ids[1]
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
	redis.call('HSET', KEYS[3], id, ARGV[2])
	local blob = redis.call('GET', ARGV[3] .. id)
	if blob == false then
		blob = ''
	end
	return {id, blob}
`)

// ackScript deletes a job whose claim is still held.
// KEYS[1] = claimed set, KEYS[2] = claims hash, KEYS[3] = job key
// ARGV[1] = id, ARGV[2] = claim id
var ackScript = redis.NewScript(`
	if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
		return 0
	end
	redis.call('HDEL', KEYS[2], ARGV[1])
	redis.call('ZREM', KEYS[1], ARGV[1])
	redis.call('DEL', KEYS[3])
	return 1
`)

// settleScript requeues or dead-letters a job whose claim is still held.
// KEYS[1] = claimed set, KEYS[2] = claims hash, KEYS[3] = job key,
// KEYS[4] = ready set, KEYS[5] = dead-letter list
// ARGV[1] = id, ARGV[2] = claim id, ARGV[3] = blob, ARGV[4] = run-at ms
// or 0 to dead-letter, ARGV[5] = dead letter
var settleScript = redis.NewScript(`
	if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
		return 0
	end
	redis.call('HDEL', KEYS[2], ARGV[1])
	redis.call('ZREM', KEYS[1], ARGV[1])
	if ARGV[4] == '0' then
		redis.call('DEL', KEYS[3])
		redis.call('RPUSH', KEYS[5], ARGV[5])
	else
		redis.call('SET', KEYS[3], ARGV[3])
		redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
	end
	return 1
`)

// quarantineScript dead-letters a job whose body cannot be decoded,
// whatever its claim.
// KEYS[1] = claimed set, KEYS[2] = claims hash, KEYS[3] = job key,
// KEYS[4] = dead-letter list
// ARGV[1] = id, ARGV[2] = dead letter
var quarantineScript = redis.NewScript(`
	redis.call('HDEL', KEYS[2], ARGV[1])
	redis.call('ZREM', KEYS[1], ARGV[1])
	redis.call('DEL', KEYS[3])
	redis.call('RPUSH', KEYS[4], ARGV[2])
	return 1
`)

// RedisStore shares the queue across replicas. Each tier has a ready
// sorted set scored by run-at time, a claimed sorted set scored by claim
// time and a dead-letter list; job bodies live in their own keys. The
// scripts assume a single Redis node or a client routing all queue keys
// to one slot.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
	clock  clock.PassiveClock

	mu     sync.Mutex
	closed bool
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...StoreOption) *RedisStore {
	o := newStoreOptions(opts)
	return &RedisStore{
		client: client,
		prefix: o.prefix,
		owned:  o.owned,
		clock:  o.clock,
	}
}

func (s *RedisStore) jobKey(id string) string {
	return s.prefix + "job:" + id
}

func (s *RedisStore) jobPrefix() string {
	return s.prefix + "job:"
}

func (s *RedisStore) readyKey(t Tier) string {
	return s.prefix + "ready:" + t.String()
}

func (s *RedisStore) claimedKey(t Tier) string {
	return s.prefix + "claimed:" + t.String()
}

func (s *RedisStore) deadKey(t Tier) string {
	return s.prefix + "dead:" + t.String()
}

func (s *RedisStore) claimsKey() string {
	return s.prefix + "claims"
}

func (s *RedisStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func msOf(t time.Time) int64 {
	return t.UnixMilli()
}

// Enqueue implements Store.
func (s *RedisStore) Enqueue(ctx context.Context, job *Job) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !job.Tier.Valid() {
		return fmt.Errorf("enqueue %s: invalid tier %d", job.ID, int(job.Tier))
	}
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	ok, err := enqueueScript.Run(ctx, s.client,
		[]string{s.jobKey(job.ID), s.readyKey(job.Tier)},
		job.ID, blob, msOf(job.NextRunAt),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	return nil
}

// Dequeue implements Store. A claimed job whose body is missing or cannot
// be decoded is dead-lettered and the next ready job is claimed instead.
func (s *RedisStore) Dequeue(ctx context.Context, tier Tier, now time.Time) (*Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	for {
		claimID := uuid.NewString()
		reply, err := claimScript.Run(ctx, s.client,
			[]string{s.readyKey(tier), s.claimedKey(tier), s.claimsKey()},
			msOf(now), claimID, s.jobPrefix(),
		).Slice()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim job from %s: %w", tier, err)
		}
		if len(reply) != 2 {
			return nil, fmt.Errorf("unexpected claim reply from %s: %v", tier, reply)
		}

		id, _ := reply[0].(string)
		blob, _ := reply[1].(string)
		job, err := decodeJob(id, []byte(blob))
		if err != nil {
			if qerr := s.quarantine(ctx, tier, id, blob); qerr != nil {
				return nil, qerr
			}
			continue
		}
		job.ClaimID = claimID
		job.ClaimedAt = time.UnixMilli(msOf(now))
		return job, nil
	}
}

func decodeJob(id string, blob []byte) (*Job, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("job %s has no body", id)
	}
	var job Job
	if err := json.Unmarshal(blob, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// quarantine moves an undecodable job of tier to its dead-letter list,
// keeping the raw body for inspection.
func (s *RedisStore) quarantine(ctx context.Context, tier Tier, id, body string) error {
	dead, err := json.Marshal(&DeadLetter{
		Job:      &Job{ID: id, Tier: tier},
		Reason:   ReasonUndecodable,
		FailedAt: s.clock.Now(),
		Body:     body,
	})
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", id, err)
	}
	err = quarantineScript.Run(ctx, s.client,
		[]string{s.claimedKey(tier), s.claimsKey(), s.jobKey(id), s.deadKey(tier)},
		id, dead,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to dead-letter undecodable job %s: %w", id, err)
	}
	GetMetrics().deadLettered.WithLabelValues(tier.String(), ReasonUndecodable).Inc()
	return nil
}

// Ack implements Store.
func (s *RedisStore) Ack(ctx context.Context, job *Job) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ok, err := ackScript.Run(ctx, s.client,
		[]string{s.claimedKey(job.Tier), s.claimsKey(), s.jobKey(job.ID)},
		job.ID, job.ClaimID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrStaleClaim, job.ID)
	}
	return nil
}

// Nack implements Store.
func (s *RedisStore) Nack(ctx context.Context, job *Job, reason string, retryAt time.Time) error {
	if retryAt.IsZero() {
		return s.settle(ctx, job, 0, reason)
	}
	return s.settle(ctx, withRunAt(job, retryAt), msOf(retryAt), reason)
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, job *Job, runAt time.Time) error {
	return s.settle(ctx, withRunAt(job, runAt), msOf(runAt), "")
}

func withRunAt(job *Job, runAt time.Time) *Job {
	c := job.Clone()
	c.NextRunAt = runAt
	return c
}

func (s *RedisStore) settle(ctx context.Context, job *Job, runAtMs int64, reason string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	stored := job.Clone()
	stored.ClaimID = ""
	stored.ClaimedAt = time.Time{}
	blob, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	var dead []byte
	if runAtMs == 0 {
		dead, err = json.Marshal(&DeadLetter{Job: stored, Reason: reason, FailedAt: s.clock.Now()})
		if err != nil {
			return fmt.Errorf("failed to encode dead letter %s: %w", job.ID, err)
		}
	}

	ok, err := settleScript.Run(ctx, s.client,
		[]string{
			s.claimedKey(job.Tier), s.claimsKey(), s.jobKey(job.ID),
			s.readyKey(job.Tier), s.deadKey(job.Tier),
		},
		job.ID, job.ClaimID, blob, strconv.FormatInt(runAtMs, 10), dead,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to settle job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrStaleClaim, job.ID)
	}
	return nil
}

// Stalled implements Store.
func (s *RedisStore) Stalled(ctx context.Context, tier Tier, claimedBefore time.Time) ([]*Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	members, err := s.client.ZRangeByScoreWithScores(ctx, s.claimedKey(tier), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(msOf(claimedBefore), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan claimed jobs of %s: %w", tier, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	blobs := make([]*redis.StringCmd, len(members))
	claims := make([]*redis.StringCmd, len(members))
	for i, m := range members {
		id, _ := m.Member.(string)
		blobs[i] = pipe.Get(ctx, s.jobKey(id))
		claims[i] = pipe.HGet(ctx, s.claimsKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load claimed jobs of %s: %w", tier, err)
	}

	out := make([]*Job, 0, len(members))
	for i, m := range members {
		id, _ := m.Member.(string)
		blob, _ := blobs[i].Bytes()
		claimID, claimErr := claims[i].Result()
		job, err := decodeJob(id, blob)
		if err != nil || claimErr != nil {
			if qerr := s.quarantine(ctx, tier, id, string(blob)); qerr != nil {
				return out, qerr
			}
			continue
		}
		job.ClaimID = claimID
		job.ClaimedAt = time.UnixMilli(int64(m.Score))
		out = append(out, job)
	}
	return out, nil
}

// DeadLetters implements Store.
func (s *RedisStore) DeadLetters(ctx context.Context, tier Tier, limit int) ([]*DeadLetter, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.LRange(ctx, s.deadKey(tier), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters of %s: %w", tier, err)
	}
	out := make([]*DeadLetter, 0, len(raw))
	for _, r := range raw {
		var d DeadLetter
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter of %s: %w", tier, err)
		}
		out = append(out, &d)
	}
	return out, nil
}

// Depth implements Store.
func (s *RedisStore) Depth(ctx context.Context, tier Tier) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n, err := s.client.ZCard(ctx, s.readyKey(tier)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", tier, err)
	}
	return int(n), nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.client.Close()
	}
	return nil
}
