package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/core/ports"
)

const jobDataTTL = 48 * time.Hour

// JobQueue implements ports.JobQueue with one sorted set per priority,
// scored by due time in milliseconds. Job bodies are stored separately.
type JobQueue struct {
	c      *Client
	logger *slog.Logger
}

func NewJobQueue(c *Client, logger *slog.Logger) *JobQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobQueue{c: c, logger: logger.With("component", "redis_jobs")}
}

var _ ports.JobQueue = (*JobQueue)(nil)

// Key helpers
func (q *JobQueue) queueKey(p domain.JobPriority) string {
	return q.c.key("jobs:" + string(p))
}

func (q *JobQueue) jobKey(id string) string {
	return q.c.key("job:" + id)
}

func (q *JobQueue) DispatchNow(ctx context.Context, job domain.RefreshJob) error {
	return q.DispatchAt(ctx, job, time.Now())
}

func (q *JobQueue) DispatchAt(ctx context.Context, job domain.RefreshJob, at time.Time) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.Priority == "" {
		job.Priority = domain.PriorityNormal
	}
	job.DueAt = at

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.c.rdb.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, jobDataTTL)
	pipe.ZAdd(ctx, q.queueKey(job.Priority), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// PopDue claims due jobs, high priority first. ZREM decides the claim, so two
// workers never receive the same job.
func (q *JobQueue) PopDue(ctx context.Context, now time.Time, max int) ([]domain.RefreshJob, error) {
	var jobs []domain.RefreshJob
	for _, p := range []domain.JobPriority{domain.PriorityHigh, domain.PriorityNormal} {
		if len(jobs) >= max {
			break
		}
		popped, err := q.popFrom(ctx, p, now, max-len(jobs))
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, popped...)
	}
	return jobs, nil
}

func (q *JobQueue) popFrom(
	ctx context.Context,
	p domain.JobPriority,
	now time.Time,
	n int,
) ([]domain.RefreshJob, error) {
	key := q.queueKey(p)
	ids, err := q.c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(n),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	jobs := make([]domain.RefreshJob, 0, len(ids))
	for _, id := range ids {
		removed, err := q.c.rdb.ZRem(ctx, key, id).Result()
		if err != nil {
			return jobs, fmt.Errorf("zrem failed: %w", err)
		}
		if removed == 0 {
			continue // claimed by another worker
		}

		data, err := q.c.rdb.GetDel(ctx, q.jobKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			q.logger.Warn("Dropped job without body", "job", id, "priority", p)
			continue
		}
		if err != nil {
			// The body is still stored; put the id back so the job is retried.
			if zerr := q.c.rdb.ZAddNX(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); zerr != nil {
				q.logger.Error("Failed to requeue job", "job", id, "priority", p, "error", zerr)
			}
			return jobs, fmt.Errorf("failed to get job: %w", err)
		}

		var job domain.RefreshJob
		if err := json.Unmarshal(data, &job); err != nil {
			q.logger.Error("Dropped job with malformed body", "job", id, "priority", p, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Len returns the number of queued jobs across priorities.
func (q *JobQueue) Len(ctx context.Context) (int, error) {
	total := 0
	for _, p := range []domain.JobPriority{domain.PriorityHigh, domain.PriorityNormal} {
		n, err := q.c.rdb.ZCard(ctx, q.queueKey(p)).Result()
		if err != nil {
			return 0, fmt.Errorf("zcard failed: %w", err)
		}
		total += int(n)
	}
	return total, nil
}
