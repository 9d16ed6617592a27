package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/tasks"
)

type fakeLister struct {
	tenants map[string][]models.Entity
}

func (f *fakeLister) ListTenants(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(f.tenants))
	for t := range f.tenants {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeLister) ListOpenOpportunities(ctx context.Context, tenantID string, limit int) ([]models.Entity, error) {
	return f.tenants[tenantID], nil
}

type fakeQueue struct {
	jobs    []*tasks.Job
	failFor uuid.UUID
}

func (f *fakeQueue) Enqueue(ctx context.Context, job *tasks.Job) error {
	if job.OpportunityID == f.failFor {
		return errors.New("redis down")
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func TestSweepTenant(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	lister := &fakeLister{tenants: map[string][]models.Entity{
		"acme": {
			{ID: a, TenantID: "acme", EntityType: models.EntityTypeOpportunity},
			{ID: b, TenantID: "acme", EntityType: models.EntityTypeOpportunity},
		},
	}}
	queue := &fakeQueue{}

	n, err := NewSweeper(lister, queue, nil).SweepTenant(context.Background(), "acme")
	if err != nil {
		t.Fatalf("SweepTenant: %v", err)
	}
	if n != 2 {
		t.Fatalf("enqueued = %d, want 2", n)
	}
	if queue.jobs[0].Reason != "scheduled_sweep" {
		t.Errorf("reason = %s", queue.jobs[0].Reason)
	}
	if queue.jobs[0].TenantID != "acme" {
		t.Errorf("tenant = %s", queue.jobs[0].TenantID)
	}
}

func TestSweepTenantSkipsFailedEnqueue(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	lister := &fakeLister{tenants: map[string][]models.Entity{
		"acme": {{ID: a}, {ID: b}},
	}}
	queue := &fakeQueue{failFor: a}

	n, err := NewSweeper(lister, queue, nil).SweepTenant(context.Background(), "acme")
	if err != nil {
		t.Fatalf("SweepTenant: %v", err)
	}
	if n != 1 {
		t.Fatalf("enqueued = %d, want 1 after skipping the failed job", n)
	}
}

func TestSweepAll(t *testing.T) {
	lister := &fakeLister{tenants: map[string][]models.Entity{
		"acme":  {{ID: uuid.New()}},
		"globex": {{ID: uuid.New()}, {ID: uuid.New()}},
	}}
	queue := &fakeQueue{}

	n, err := NewSweeper(lister, queue, nil).SweepAll(context.Background())
	if err != nil {
		t.Fatalf("SweepAll: %v", err)
	}
	if n != 3 {
		t.Fatalf("enqueued = %d, want 3", n)
	}
}
