package scheduler

import (
	"context"
	"log/slog"

	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/tasks"
)

const sweepBatchSize = 500

// OpportunityLister provides the open opportunities a sweep re-evaluates.
type OpportunityLister interface {
	ListTenants(ctx context.Context) ([]string, error)
	ListOpenOpportunities(ctx context.Context, tenantID string, limit int) ([]models.Entity, error)
}

// Enqueuer accepts evaluation jobs for background workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *tasks.Job) error
}

// Sweeper enqueues evaluation jobs for open opportunities so their scores
// stay current between user-triggered evaluations.
type Sweeper struct {
	lister OpportunityLister
	queue  Enqueuer
	logger *slog.Logger
}

func NewSweeper(lister OpportunityLister, queue Enqueuer, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{lister: lister, queue: queue, logger: logger}
}

// SweepTenant enqueues one evaluation job per open opportunity of a tenant
// and returns how many were enqueued. Individual enqueue failures are logged
// and skipped so one bad job does not stall the sweep.
func (s *Sweeper) SweepTenant(ctx context.Context, tenantID string) (int, error) {
	opps, err := s.lister.ListOpenOpportunities(ctx, tenantID, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, opp := range opps {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		job := &tasks.Job{
			TenantID:      tenantID,
			OpportunityID: opp.ID,
			Reason:        "scheduled_sweep",
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.logger.Warn("failed to enqueue sweep job",
				"tenant_id", tenantID,
				"opportunity_id", opp.ID,
				"error", err)
			continue
		}
		enqueued++
	}

	s.logger.Info("sweep complete", "tenant_id", tenantID, "enqueued", enqueued)
	return enqueued, nil
}

// SweepAll runs SweepTenant for every known tenant.
func (s *Sweeper) SweepAll(ctx context.Context) (int, error) {
	tenants, err := s.lister.ListTenants(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, tenant := range tenants {
		n, err := s.SweepTenant(ctx, tenant)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
