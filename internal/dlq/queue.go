// Package dlq is the dead-letter queue for ingestion units that failed
// after their inline retry budget. Jobs are kept in insertion order.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/store"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("dlq job not found")

// ErrNoProcessor is returned by requeue when no Processor is attached.
var ErrNoProcessor = errors.New("dlq has no processor")

// ErrDeferred is wrapped by a Processor that declines to replay right now.
// A deferred replay does not count as an attempt.
var ErrDeferred = errors.New("dlq replay deferred")

// Processor re-executes the unit of work a job represents.
type Processor interface {
	Replay(ctx context.Context, job Job) error
}

// RequeueResult counts the outcome of RequeueAll. Total counts only
// eligible jobs.
type RequeueResult struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
	Total    int `json:"total"`
}

// Queue is the DeadLetterQueue.
type Queue struct {
	store     *store.Store
	policy    Policy
	processor Processor
	now       func() time.Time
}

// NewQueue creates a queue over s.
func NewQueue(s *store.Store, policy Policy) *Queue {
	return &Queue{store: s, policy: policy, now: time.Now}
}

// WithClock overrides the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// SetProcessor attaches the processor used by requeue.
func (q *Queue) SetProcessor(p Processor) { q.processor = p }

// Policy returns the retry policy.
func (q *Queue) Policy() Policy { return q.policy }

// Enqueue stores job under a new id and appends it to the index.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	job.ID = uuid.NewString()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
	}
	if job.Priority == "" {
		job.Priority = PriorityNormal
	}

	_, err := q.store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, store.DLQJobKey(job.ID), encodeJob(job))
		p.RPush(ctx, store.DLQIndexKey, job.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", job.Type, err)
	}

	log.Warn().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Str("reason", job.Reason).
		Str("priority", string(job.Priority)).
		Str("last_error", job.LastError).
		Msg("Job dead-lettered")
	return job.ID, nil
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	ctx, cancel := q.store.Context(ctx)
	defer cancel()

	raw, err := q.store.Client().HGetAll(ctx, store.DLQJobKey(id)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(raw) == 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return decodeJob(raw)
}

func (q *Queue) ids(ctx context.Context) ([]string, error) {
	ctx, cancel := q.store.Context(ctx)
	defer cancel()
	ids, err := q.store.Client().LRange(ctx, store.DLQIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq index: %w", err)
	}
	return ids, nil
}

// List returns jobs in insertion order, oldest first. An empty typeFilter
// matches every type; limit <= 0 means no limit.
func (q *Queue) List(ctx context.Context, typeFilter string, limit int) ([]Job, error) {
	ids, err := q.ids(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(ids))
	if len(ids) == 0 {
		return jobs, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = q.store.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, store.DLQJobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dlq jobs: %w", err)
	}

	for i, cmd := range cmds {
		raw := cmd.Val()
		if len(raw) == 0 {
			log.Warn().Str("job_id", ids[i]).Msg("DLQ index entry without job hash")
			continue
		}
		job, err := decodeJob(raw)
		if err != nil {
			log.Warn().Err(err).Str("job_id", ids[i]).Msg("Skipping undecodable DLQ job")
			continue
		}
		if typeFilter != "" && job.Type != typeFilter {
			continue
		}
		jobs = append(jobs, job)
		if limit > 0 && len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	ctx, cancel := q.store.Context(ctx)
	defer cancel()
	n, err := q.store.Client().LLen(ctx, store.DLQIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq depth: %w", err)
	}
	return n, nil
}

// ShouldRetry applies the queue policy at the current time.
func (q *Queue) ShouldRetry(job Job) bool {
	return q.policy.ShouldRetry(job, q.now())
}

// RequeueOne replays a job. The job is removed only when the replay
// succeeds; otherwise its attempt count and last error are updated and the
// replay error is returned. A deferred replay leaves the job untouched.
func (q *Queue) RequeueOne(ctx context.Context, id string) error {
	if q.processor == nil {
		return ErrNoProcessor
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	return q.requeue(ctx, job)
}

func (q *Queue) requeue(ctx context.Context, job Job) error {
	replayErr := q.processor.Replay(ctx, job)
	if replayErr == nil {
		if err := q.remove(ctx, job.ID); err != nil {
			return err
		}
		log.Info().Str("job_id", job.ID).Str("type", job.Type).Msg("DLQ job requeued")
		return nil
	}
	if errors.Is(replayErr, ErrDeferred) {
		log.Debug().Err(replayErr).Str("job_id", job.ID).Msg("DLQ replay deferred")
		return replayErr
	}

	_, err := q.store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		key := store.DLQJobKey(job.ID)
		p.HIncrBy(ctx, key, fAttemptCount, 1)
		p.HSet(ctx, key, fLastError, replayErr.Error(), fLastAttemptAt, q.now().UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("record attempt for %s: %w", job.ID, err)
	}
	log.Debug().Err(replayErr).Str("job_id", job.ID).Int("attempt", job.AttemptCount+1).Msg("DLQ replay failed")
	return fmt.Errorf("replay %s: %w", job.ID, replayErr)
}

func (q *Queue) remove(ctx context.Context, id string) error {
	_, err := q.store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, store.DLQIndexKey, 1, id)
		p.Del(ctx, store.DLQJobKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}

// RequeueAll replays every eligible job independently. Ineligible jobs are
// left untouched.
func (q *Queue) RequeueAll(ctx context.Context) (RequeueResult, error) {
	var res RequeueResult
	if q.processor == nil {
		return res, ErrNoProcessor
	}
	jobs, err := q.List(ctx, "", 0)
	if err != nil {
		return res, err
	}

	for _, job := range jobs {
		if !q.ShouldRetry(job) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Total++
		if err := q.requeue(ctx, job); err != nil {
			if errors.Is(err, ErrDeferred) {
				res.Deferred++
			} else {
				res.Failed++
			}
			continue
		}
		res.Requeued++
	}

	log.Info().Int("requeued", res.Requeued).Int("failed", res.Failed).Int("total", res.Total).Int("deferred", res.Deferred).Msg("DLQ requeue complete")
	return res, nil
}

// Purge removes every job and returns how many were removed.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	var removed int
	txf := func(tx *redis.Tx) error {
		ids, err := tx.LRange(ctx, store.DLQIndexKey, 0, -1).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, id := range ids {
				p.Del(ctx, store.DLQJobKey(id))
			}
			p.Del(ctx, store.DLQIndexKey)
			return nil
		})
		removed = len(ids)
		return err
	}

	ctx, cancel := q.store.Context(ctx)
	defer cancel()
	for attempt := 0; attempt < 3; attempt++ {
		err := q.store.Client().Watch(ctx, txf, store.DLQIndexKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("purge dlq: %w", err)
		}
		log.Warn().Int("removed", removed).Msg("DLQ purged")
		return removed, nil
	}
	return 0, fmt.Errorf("purge dlq: index kept changing")
}
