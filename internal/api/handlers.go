package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dealscope/riskengine/internal/auth"
	"github.com/dealscope/riskengine/internal/engine"
	"github.com/dealscope/riskengine/internal/models"
	"github.com/dealscope/riskengine/internal/reports"
	"github.com/dealscope/riskengine/internal/scheduler"
)

// requestIdentity pulls tenant and user from the JWT claims. Every
// tenant-scoped handler goes through here; there is no other way to name a
// tenant.
func requestIdentity(r *http.Request) (tenantID, userID string, ok bool) {
	claims, found := auth.GetUserFromContext(r.Context())
	if !found || claims.TenantID == "" {
		return "", "", false
	}
	return claims.TenantID, claims.UserID, true
}

func opportunityID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "opportunityID"))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "Email and password are required")
		return
	}

	pair, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
		return
	}

	respondJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	pair, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Refresh token is invalid or expired")
		return
	}

	respondJSON(w, http.StatusOK, pair)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	var req refreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.RefreshToken != "" {
		_ = s.authService.Logout(r.Context(), claims.UserID, req.RefreshToken)
	} else {
		_ = s.authService.LogoutAll(r.Context(), claims.UserID)
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	user, err := s.userStore.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, http.StatusNotFound, "user_not_found", "User no longer exists")
		return
	}

	respondJSON(w, http.StatusOK, user)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	users, err := s.userStore.ListUsers(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list users")
		return
	}

	respondJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	Password string    `json:"password"`
	Role     auth.Role `json:"role"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "Email and password are required")
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleViewer
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to create user")
		return
	}

	user := &auth.User{
		TenantID: tenantID,
		Email:    req.Email,
		Name:     req.Name,
		Password: hash,
		Role:     req.Role,
	}
	if err := s.userStore.CreateUser(r.Context(), user); err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to create user")
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

type evaluateRequest struct {
	ForceRefresh      bool  `json:"force_refresh"`
	IncludeHistorical *bool `json:"include_historical"`
	IncludeAI         *bool `json:"include_ai"`
	IncludeSemantic   *bool `json:"include_semantic"`
}

func (r evaluateRequest) toOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.ForceRefresh = r.ForceRefresh
	if r.IncludeHistorical != nil {
		opts.IncludeHistorical = *r.IncludeHistorical
	}
	if r.IncludeAI != nil {
		opts.IncludeAI = *r.IncludeAI
	}
	if r.IncludeSemantic != nil {
		opts.IncludeSemantic = *r.IncludeSemantic
	}
	return opts
}

func (s *Server) evaluateRisk(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := requestIdentity(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	oppID, err := opportunityID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Opportunity id must be a UUID")
		return
	}

	var req evaluateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
			return
		}
	}

	eval, err := s.evaluator.Evaluate(r.Context(), tenantID, oppID, userID, req.toOptions())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, eval)
}

func (s *Server) getRisk(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	oppID, err := opportunityID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Opportunity id must be a UUID")
		return
	}

	eval, err := s.evaluator.GetCurrent(r.Context(), tenantID, oppID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, eval)
}

func (s *Server) getRiskEvolution(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	oppID, err := opportunityID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Opportunity id must be a UUID")
		return
	}

	from, err := parseTimeParam(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "from must be RFC3339 or YYYY-MM-DD")
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "to must be RFC3339 or YYYY-MM-DD")
		return
	}

	points, err := s.evaluator.GetEvolution(r.Context(), tenantID, oppID, from, to)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"opportunity_id": oppID,
		"trend":          points,
	})
}

func (s *Server) getRiskHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	oppID, err := opportunityID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Opportunity id must be a UUID")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	// The current evaluation may legitimately not exist yet; history is
	// still worth returning.
	current, err := s.evaluator.GetCurrent(r.Context(), tenantID, oppID)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		s.respondEngineError(w, err)
		return
	}

	entries, err := s.evaluator.GetHistory(r.Context(), tenantID, oppID, limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"current":    current,
		"historical": entries,
	})
}

func (s *Server) getRiskReport(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	oppID, err := opportunityID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Opportunity id must be a UUID")
		return
	}

	format := reports.ReportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = reports.FormatPDF
	}

	eval, err := s.evaluator.GetCurrent(r.Context(), tenantID, oppID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	opp, err := s.entities.GetEntity(r.Context(), tenantID, oppID)
	if err != nil {
		opp = nil
	}

	trend, err := s.evaluator.GetEvolution(r.Context(), tenantID, oppID, nil, nil)
	if err != nil {
		trend = nil
	}

	report, err := s.reports.Evaluation(&reports.EvaluationInput{
		Opportunity: opp,
		Evaluation:  eval,
		Trend:       trend,
	}, format)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Data)
}

type outcomeRequest struct {
	Outcome models.Outcome `json:"outcome"`
}

func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	oppID, err := opportunityID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Opportunity id must be a UUID")
		return
	}

	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Outcome != models.OutcomeWon && req.Outcome != models.OutcomeLost {
		respondError(w, http.StatusBadRequest, "invalid_request", "outcome must be won or lost")
		return
	}

	if err := s.evaluator.OnOutcome(r.Context(), tenantID, oppID, req.Outcome); err != nil {
		s.respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "recorded",
		"outcome": string(req.Outcome),
	})
}

func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := requestIdentity(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	industry := r.URL.Query().Get("industry")
	defs, err := s.catalog.GetCatalog(r.Context(), tenantID, industry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to load risk catalog")
		return
	}

	respondJSON(w, http.StatusOK, defs)
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "queue_unavailable", "Job queue is not configured")
		return
	}

	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to read queue stats")
		return
	}

	workers, err := s.queue.ActiveWorkers(r.Context(), 30*time.Second)
	if err == nil {
		stats["workers"] = int64(len(workers))
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.schedStore.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list jobs")
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var job scheduler.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if job.Name == "" || job.Schedule == "" || job.JobType == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name, schedule and job_type are required")
		return
	}

	if err := s.scheduler.AddJob(r.Context(), &job); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.schedStore.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	var job scheduler.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	job.ID = chi.URLParam(r, "jobID")

	if err := s.scheduler.UpdateJob(r.Context(), &job); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.DeleteJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to delete job")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.RunJobNow(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.schedStore.GetJobExecutions(r.Context(), chi.URLParam(r, "jobID"), 20)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list executions")
		return
	}
	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "Opportunity not found")
	case errors.Is(err, engine.ErrQualityGateBlocked):
		respondError(w, http.StatusUnprocessableEntity, "quality_gate_blocked", err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Evaluation failed")
	}
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
