package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Evaluator is the slice of the engine a worker needs
type Evaluator interface {
	EvaluateForJob(ctx context.Context, tenantID string, opportunityID uuid.UUID, userID string) error
}

// Worker drains the evaluation queue
type Worker struct {
	id        string
	queue     *Queue
	evaluator Evaluator
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

func NewWorker(queue *Queue, evaluator Evaluator, logger *slog.Logger) *Worker {
	hostname, _ := os.Hostname()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:        fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		queue:     queue,
		evaluator: evaluator,
		logger:    logger,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.logger.Info("worker starting", "worker", w.id)

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	w.wg.Add(1)
	go w.cleanupLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped", "worker", w.id)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			_ = w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(w.ctx, w.id)
			if err != nil {
				if w.ctx.Err() != nil {
					return
				}
				w.logger.Error("dequeuing job failed", "worker", w.id, "error", err)
				time.Sleep(5 * time.Second)
				continue
			}
			if job == nil {
				time.Sleep(time.Second)
				continue
			}

			w.logger.Info("processing evaluation job",
				"worker", w.id, "job", job.ID, "tenant", job.TenantID,
				"opportunity", job.OpportunityID, "reason", job.Reason)

			if err := w.evaluator.EvaluateForJob(w.ctx, job.TenantID, job.OpportunityID, job.UserID); err != nil {
				w.logger.Warn("evaluation job failed",
					"worker", w.id, "job", job.ID, "error", err)
				_ = w.queue.Requeue(w.ctx, job, err.Error())
			} else {
				_ = w.queue.Complete(w.ctx, job, true)
			}
		}
	}
}

func (w *Worker) cleanupLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := w.queue.CleanupStaleJobs(w.ctx, 30*time.Minute)
			if err != nil {
				w.logger.Error("cleaning stale jobs failed", "worker", w.id, "error", err)
			} else if cleaned > 0 {
				w.logger.Info("requeued stale jobs", "worker", w.id, "count", cleaned)
			}
		}
	}
}
