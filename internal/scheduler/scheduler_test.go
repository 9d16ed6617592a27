package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestJobTenant(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want string
	}{
		{"field set", Job{TenantID: "acme"}, "acme"},
		{"config fallback", Job{Config: map[string]string{"tenant_id": "globex"}}, "globex"},
		{"field wins over config", Job{TenantID: "acme", Config: map[string]string{"tenant_id": "globex"}}, "acme"},
		{"neither", Job{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jobTenant(&tt.job); got != tt.want {
				t.Errorf("jobTenant = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDefaultHandlersScopeJobsToTenant(t *testing.T) {
	var swept, digested string
	h := &DefaultHandlers{
		ReevaluateTenantFunc: func(ctx context.Context, tenantID string) (int, error) {
			swept = tenantID
			return 3, nil
		},
		PruneFunc: func(ctx context.Context, olderThan time.Duration) (int64, error) {
			return 0, nil
		},
		DigestFunc: func(ctx context.Context, tenantID string) error {
			digested = tenantID
			return nil
		},
	}
	s := NewScheduler(nil, nil)
	h.Register(s)

	out, err := s.handlers[JobTypeReevaluateTenant](context.Background(), &Job{ID: "j1", TenantID: "acme"})
	if err != nil {
		t.Fatalf("reevaluate handler: %v", err)
	}
	if swept != "acme" || out != "enqueued 3 opportunities" {
		t.Errorf("swept tenant %q, output %q", swept, out)
	}

	if _, err := s.handlers[JobTypeDailyDigest](context.Background(), &Job{ID: "j2", TenantID: "globex"}); err != nil {
		t.Fatalf("digest handler: %v", err)
	}
	if digested != "globex" {
		t.Errorf("digest tenant = %q, want globex", digested)
	}

	// A job that names no tenant fails fast.
	if _, err := s.handlers[JobTypeReevaluateTenant](context.Background(), &Job{ID: "j3"}); err == nil {
		t.Error("expected error for a job with no tenant")
	}
}
