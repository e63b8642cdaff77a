package local

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/core/ports"
)

// JobQueue is an in-memory ports.JobQueue with one min-heap per priority.
type JobQueue struct {
	mu     sync.Mutex
	high   jobHeap
	normal jobHeap
	now    func() time.Time
}

func NewJobQueue() *JobQueue {
	return &JobQueue{now: time.Now}
}

var _ ports.JobQueue = (*JobQueue)(nil)

func (q *JobQueue) DispatchNow(ctx context.Context, job domain.RefreshJob) error {
	return q.DispatchAt(ctx, job, q.now())
}

func (q *JobQueue) DispatchAt(ctx context.Context, job domain.RefreshJob, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.DueAt = at
	if job.Priority == domain.PriorityHigh {
		heap.Push(&q.high, job)
	} else {
		job.Priority = domain.PriorityNormal
		heap.Push(&q.normal, job)
	}
	return nil
}

func (q *JobQueue) PopDue(ctx context.Context, now time.Time, max int) ([]domain.RefreshJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var jobs []domain.RefreshJob
	for _, h := range []*jobHeap{&q.high, &q.normal} {
		for len(jobs) < max && h.Len() > 0 && !(*h)[0].DueAt.After(now) {
			jobs = append(jobs, heap.Pop(h).(domain.RefreshJob))
		}
	}
	return jobs, nil
}

// Len returns the number of queued jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.high.Len() + q.normal.Len()
}

type jobHeap []domain.RefreshJob

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].DueAt.Before(h[j].DueAt) }
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(domain.RefreshJob))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
