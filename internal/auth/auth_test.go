package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type memUserStore struct {
	users  map[string]*User // keyed by email
	tokens map[string]time.Time
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		users:  make(map[string]*User),
		tokens: make(map[string]time.Time),
	}
}

func (m *memUserStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, errors.New("user not found")
}

func (m *memUserStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, ok := m.users[email]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

func (m *memUserStore) CreateUser(ctx context.Context, user *User) error {
	m.users[user.Email] = user
	return nil
}

func (m *memUserStore) UpdateUser(ctx context.Context, user *User) error { return nil }
func (m *memUserStore) DeleteUser(ctx context.Context, id string) error  { return nil }

func (m *memUserStore) ListUsers(ctx context.Context, tenantID string) ([]*User, error) {
	return nil, nil
}

func (m *memUserStore) StoreRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	m.tokens[token] = expiresAt
	return nil
}

func (m *memUserStore) ValidateRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	exp, ok := m.tokens[token]
	return ok && exp.After(time.Now()), nil
}

func (m *memUserStore) RevokeRefreshToken(ctx context.Context, userID, token string) error {
	delete(m.tokens, token)
	return nil
}

func (m *memUserStore) RevokeAllRefreshTokens(ctx context.Context, userID string) error {
	m.tokens = make(map[string]time.Time)
	return nil
}

func testService(t *testing.T) (*Service, *memUserStore) {
	t.Helper()
	store := newMemUserStore()
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	store.users["ana@acme.test"] = &User{
		ID:       "u1",
		TenantID: "acme",
		Email:    "ana@acme.test",
		Password: hash,
		Role:     RoleAnalyst,
	}
	return NewService(Config{JWTSecret: "test-secret"}, store), store
}

func TestLoginIssuesTenantScopedToken(t *testing.T) {
	svc, _ := testService(t)

	pair, err := svc.Login(context.Background(), "ana@acme.test", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("token type = %s", pair.TokenType)
	}

	claims, err := svc.ValidateToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.TenantID != "acme" {
		t.Errorf("tenant = %s, want acme", claims.TenantID)
	}
	if claims.Role != RoleAnalyst {
		t.Errorf("role = %s", claims.Role)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	svc, _ := testService(t)

	if _, err := svc.Login(context.Background(), "ana@acme.test", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(context.Background(), "nobody@acme.test", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, store := testService(t)

	pair, err := svc.Login(context.Background(), "ana@acme.test", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := svc.RefreshTokens(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
	if next.AccessToken == "" {
		t.Fatal("expected a new access token")
	}
	if _, ok := store.tokens[pair.RefreshToken]; ok {
		t.Error("old refresh token should be revoked")
	}
	if _, err := svc.RefreshTokens(context.Background(), pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("reusing revoked token: err = %v, want ErrInvalidToken", err)
	}
}

func TestMiddlewarePutsClaimsInContext(t *testing.T) {
	svc, _ := testService(t)
	pair, err := svc.Login(context.Background(), "ana@acme.test", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	var gotTenant string
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, _ = TenantFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotTenant != "acme" {
		t.Errorf("tenant from context = %s", gotTenant)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header status = %d, want 401", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	svc, _ := testService(t)
	pair, err := svc.Login(context.Background(), "ana@acme.test", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	admin := svc.Middleware(RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	analyst := svc.Middleware(RequireRole(RoleAdmin, RoleAnalyst)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("analyst hitting admin route: status = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	analyst.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("analyst route status = %d, want 200", rec.Code)
	}
}
