package extract

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 4

// Pool dispatches extraction jobs to a fixed set of workers so the webhook
// handler can acknowledge deliveries without waiting on the AI provider.
type Pool struct {
	orchestrator *Orchestrator
	jobs         chan Job
	workers      int
	wg           sync.WaitGroup
}

// NewPool creates a pool with the given worker count.
func NewPool(orchestrator *Orchestrator, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		orchestrator: orchestrator,
		workers:      workers,
		jobs:         make(chan Job, workers*8),
	}
}

// Start launches the workers. They drain until the context is canceled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					p.orchestrator.Process(ctx, job)
				}
			}
		}()
	}
}

// Enqueue hands a job to the pool without blocking. A full queue drops the
// job; the platform will redeliver the message and the dedup window has not
// recorded it as processed yet.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		slog.Warn("Extraction queue full, dropping job",
			"user_id", job.UserID, "media_id", job.MediaID)
		return false
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}
