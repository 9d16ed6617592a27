package gather

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/graph"
	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/store"
)

type fakeStore struct {
	entities map[uuid.UUID]*models.Entity
}

func (f *fakeStore) GetEntity(_ context.Context, _ string, id uuid.UUID) (*models.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return e, nil
}

func (f *fakeStore) GetEntities(_ context.Context, _ string, ids []uuid.UUID) ([]models.Entity, error) {
	var out []models.Entity
	for _, id := range ids {
		if e, ok := f.entities[id]; ok {
			out = append(out, *e)
		}
	}
	return out, nil
}

type fakeGraph struct {
	ids []uuid.UUID
	err error
}

func (f *fakeGraph) RelatedIDs(_ context.Context, _ string, _ uuid.UUID, _ graph.Direction, _ []string) ([]uuid.UUID, error) {
	return f.ids, f.err
}

func opportunity(id uuid.UUID, attrs models.JSONB, age time.Duration) *models.Entity {
	return &models.Entity{
		ID:         id,
		TenantID:   "acme",
		EntityType: models.EntityTypeOpportunity,
		Name:       "Enterprise renewal",
		Attributes: attrs,
		UpdatedAt:  time.Now().Add(-age),
	}
}

func TestGatherResolvesRelatedEntities(t *testing.T) {
	oppID := uuid.New()
	contactID := uuid.New()
	st := &fakeStore{entities: map[uuid.UUID]*models.Entity{
		oppID: opportunity(oppID, models.JSONB{"value": 50000.0, "probability": 0.6, "industry": "saas"}, time.Hour),
		contactID: {
			ID: contactID, TenantID: "acme", EntityType: "contact",
			Name: "Dana", UpdatedAt: time.Now(),
		},
	}}
	g := New(st, &fakeGraph{ids: []uuid.UUID{contactID}}, nil)

	ec, err := g.Gather(context.Background(), "acme", oppID)
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(ec.Related) != 1 || ec.Related[0].ID != contactID {
		t.Fatalf("related = %+v, want the contact", ec.Related)
	}
	if !ec.RelatedTypes()["contact"] {
		t.Fatal("RelatedTypes missing contact")
	}
}

func TestGatherDegradesOnGraphFailure(t *testing.T) {
	oppID := uuid.New()
	st := &fakeStore{entities: map[uuid.UUID]*models.Entity{
		oppID: opportunity(oppID, models.JSONB{"value": 50000.0, "probability": 0.6, "industry": "saas"}, time.Hour),
	}}
	g := New(st, &fakeGraph{err: errors.New("bolt: connection refused")}, nil)

	ec, err := g.Gather(context.Background(), "acme", oppID)
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(ec.Related) != 0 {
		t.Fatalf("related = %+v, want empty on graph outage", ec.Related)
	}
}

func TestGatherRejectsNonOpportunity(t *testing.T) {
	id := uuid.New()
	st := &fakeStore{entities: map[uuid.UUID]*models.Entity{
		id: {ID: id, TenantID: "acme", EntityType: "contact", UpdatedAt: time.Now()},
	}}
	g := New(st, &fakeGraph{}, nil)

	_, err := g.Gather(context.Background(), "acme", id)
	if err == nil {
		t.Fatal("expected error for non-opportunity entity")
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound so callers map it to 404", err)
	}
}

func TestValidateDataQuality(t *testing.T) {
	g := New(&fakeStore{}, &fakeGraph{}, nil)
	contact := models.Entity{EntityType: "contact"}
	document := models.Entity{EntityType: "document"}

	tests := []struct {
		name             string
		attrs            models.JSONB
		related          []models.Entity
		age              time.Duration
		wantGate         models.QualityGate
		wantCompleteness float64
		wantMissing      int
	}{
		{
			name:             "complete and fresh",
			attrs:            models.JSONB{"value": 1.0, "probability": 0.5, "industry": "saas"},
			related:          []models.Entity{contact, document},
			age:              24 * time.Hour,
			wantGate:         models.GatePass,
			wantCompleteness: 1.0,
		},
		{
			name:             "missing fields warn",
			attrs:            models.JSONB{"value": 1.0},
			related:          []models.Entity{contact, document},
			age:              24 * time.Hour,
			wantGate:         models.GateWarn,
			wantCompleteness: 0.6,
			wantMissing:      2,
		},
		{
			name:             "severely incomplete data blocks",
			attrs:            models.JSONB{},
			related:          nil,
			age:              24 * time.Hour,
			wantGate:         models.GateBlock,
			wantCompleteness: 0,
			wantMissing:      3,
		},
		{
			name:             "stale data warns without lowering completeness",
			attrs:            models.JSONB{"value": 1.0, "probability": 0.5, "industry": "saas"},
			related:          []models.Entity{contact, document},
			age:              45 * 24 * time.Hour,
			wantGate:         models.GateWarn,
			wantCompleteness: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opp := opportunity(uuid.New(), tt.attrs, tt.age)
			report := g.ValidateDataQuality(opp, tt.related)
			if report.Gate != tt.wantGate {
				t.Errorf("gate = %s, want %s", report.Gate, tt.wantGate)
			}
			if diff := report.Completeness - tt.wantCompleteness; diff > 0.001 || diff < -0.001 {
				t.Errorf("completeness = %.3f, want %.3f", report.Completeness, tt.wantCompleteness)
			}
			if len(report.MissingFields) != tt.wantMissing {
				t.Errorf("missing fields = %v, want %d", report.MissingFields, tt.wantMissing)
			}
		})
	}
}
