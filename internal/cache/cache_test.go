package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/models"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	oppID := uuid.New()
	eval := &models.RiskEvaluation{
		OpportunityID: oppID,
		TenantID:      "t1",
		GlobalScore:   0.42,
		EvaluatedAt:   time.Now(),
	}

	if got, err := c.Get(ctx, "t1", oppID); err != nil || got != nil {
		t.Fatalf("empty cache: got %v, %v", got, err)
	}

	if err := c.Set(ctx, eval, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := c.Get(ctx, "t1", oppID)
	if err != nil || got == nil {
		t.Fatalf("get after set: %v, %v", got, err)
	}
	if got.GlobalScore != 0.42 {
		t.Errorf("global score = %v, want 0.42", got.GlobalScore)
	}

	// Tenants do not share entries.
	if got, _ := c.Get(ctx, "t2", oppID); got != nil {
		t.Error("cross-tenant read must miss")
	}

	if err := c.Delete(ctx, "t1", oppID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := c.Get(ctx, "t1", oppID); got != nil {
		t.Error("get after delete must miss")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	eval := &models.RiskEvaluation{OpportunityID: uuid.New(), TenantID: "t1"}
	if err := c.Set(ctx, eval, time.Nanosecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(time.Millisecond)

	if got, _ := c.Get(ctx, "t1", eval.OpportunityID); got != nil {
		t.Error("expired entry must behave like a miss")
	}
}

func TestMemoryCacheReturnsCopy(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	eval := &models.RiskEvaluation{OpportunityID: uuid.New(), TenantID: "t1", GlobalScore: 0.5}
	_ = c.Set(ctx, eval, time.Minute)

	first, _ := c.Get(ctx, "t1", eval.OpportunityID)
	first.GlobalScore = 0.99

	second, _ := c.Get(ctx, "t1", eval.OpportunityID)
	if second.GlobalScore != 0.5 {
		t.Errorf("cached value mutated through a returned pointer: %v", second.GlobalScore)
	}
}
