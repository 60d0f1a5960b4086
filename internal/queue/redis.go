package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"healthq/internal/jobs"
	"healthq/internal/metrics"
)

// ErrQueueUnavailable wraps transport failures talking to the list store.
var ErrQueueUnavailable = errors.New("dispatch queue unavailable")

// RedisQueue is the shared dispatch queue: a single redis list that
// producers append to with RPUSH and workers drain with BLPOP.
type RedisQueue struct {
	client  *redis.Client
	key     string
	deadKey string
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// DeadLetter is the record kept for a message that was popped but could not
// be delivered. It is never re-queued automatically.
type DeadLetter struct {
	Reason   string    `json:"reason"`
	Error    string    `json:"error"`
	Body     string    `json:"body"`
	FailedAt time.Time `json:"failed_at"`
}

type QueueStats struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}

// Dial connects to the redis instance named by url, e.g. redis://host:6379/0.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrQueueUnavailable, err)
	}
	return rdb, nil
}

// NewRedisQueue uses key for envelopes and deadKey for dead letters; an
// empty deadKey disables dead lettering.
func NewRedisQueue(client *redis.Client, key, deadKey string, log zerolog.Logger, m *metrics.Metrics) *RedisQueue {
	return &RedisQueue{
		client:  client,
		key:     key,
		deadKey: deadKey,
		log:     log.With().Str("component", "queue").Logger(),
		metrics: m,
	}
}

func (q *RedisQueue) Client() *redis.Client { return q.client }

// Enqueue appends job to the tail of the queue. The returned error reports
// only the append; what happens to the job afterwards is not observed.
func (q *RedisQueue) Enqueue(ctx context.Context, job jobs.Job) error {
	body, err := jobs.Encode(job)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.key, body).Err(); err != nil {
		q.metrics.QueueErrors.WithLabelValues("enqueue").Inc()
		return fmt.Errorf("%w: rpush %s: %v", ErrQueueUnavailable, q.key, err)
	}
	if e, ok := job.Email(); ok {
		q.metrics.Enqueued.WithLabelValues(string(e.EmailType)).Inc()
	}
	return nil
}

// Dequeue pops the head of the queue, blocking up to timeout. It reports
// false with a nil error when the timeout elapses with nothing to pop.
// Redis rounds timeouts below one second up to one second.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		q.metrics.QueueErrors.WithLabelValues("dequeue").Inc()
		return nil, false, fmt.Errorf("%w: blpop %s: %v", ErrQueueUnavailable, q.key, err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("blpop %s: unexpected reply of %d elements", q.key, len(res))
	}
	return []byte(res[1]), true, nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, dl DeadLetter) error {
	if q.deadKey == "" {
		return nil
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	body, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.deadKey, body).Err(); err != nil {
		q.metrics.QueueErrors.WithLabelValues("dead_letter").Inc()
		return fmt.Errorf("%w: rpush %s: %v", ErrQueueUnavailable, q.deadKey, err)
	}
	q.metrics.DeadLetters.WithLabelValues(dl.Reason).Inc()
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (QueueStats, error) {
	var s QueueStats
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return s, fmt.Errorf("%w: llen %s: %v", ErrQueueUnavailable, q.key, err)
	}
	s.Pending = n
	if q.deadKey != "" {
		n, err = q.client.LLen(ctx, q.deadKey).Result()
		if err != nil {
			return s, fmt.Errorf("%w: llen %s: %v", ErrQueueUnavailable, q.deadKey, err)
		}
		s.DeadLetter = n
	}
	return s, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrQueueUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) Close() error { return q.client.Close() }
