package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a recurring task driven by a cron expression.
type Job struct {
	ID          string            `json:"id" db:"id"`
	Name        string            `json:"name" db:"name"`
	Description string            `json:"description" db:"description"`
	Schedule    string            `json:"schedule" db:"schedule"` // Cron expression
	JobType     JobType           `json:"job_type" db:"job_type"`
	Config      map[string]string `json:"config" db:"config"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	LastRun     *time.Time        `json:"last_run,omitempty" db:"last_run"`
	NextRun     *time.Time        `json:"next_run,omitempty" db:"next_run"`
	TenantID    string            `json:"tenant_id,omitempty" db:"tenant_id"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// JobType selects which registered handler runs the job
type JobType string

const (
	// JobTypeReevaluateTenant re-scores every open opportunity for one tenant.
	JobTypeReevaluateTenant JobType = "reevaluate_tenant"
	// JobTypeReevaluateAll re-scores open opportunities across all tenants.
	JobTypeReevaluateAll JobType = "reevaluate_all"
	// JobTypePruneSnapshots deletes evaluation snapshots past retention.
	JobTypePruneSnapshots JobType = "prune_snapshots"
	// JobTypeDailyDigest sends the per-tenant risk digest notification.
	JobTypeDailyDigest JobType = "daily_digest"
)

// JobExecution tracks one run of a job.
type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobID     string          `json:"job_id" db:"job_id"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

// ExecutionStatus is the lifecycle state of one run
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// JobHandler executes a job. The returned output string is stored with the
// execution record.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// Store defines the interface for job persistence
type Store interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error)
}

// Scheduler manages recurring evaluation and maintenance jobs.
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	handlers map[JobType]JobHandler
	entries  map[string]cron.EntryID
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewScheduler creates a scheduler over the given job store
func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		store:    store,
		handlers: make(map[JobType]JobHandler),
		entries:  make(map[string]cron.EntryID),
		logger:   logger,
	}
}

// RegisterHandler registers the handler for a job type
func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// Start loads persisted jobs and begins running the enabled ones.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	for _, job := range jobs {
		if job.Enabled {
			if err := s.scheduleJob(job); err != nil {
				s.logger.Error("failed to schedule job",
					"job_id", job.ID,
					"job_name", job.Name,
					"error", err)
			}
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs_count", len(jobs))

	return nil
}

// Stop halts scheduling; the returned context is done when in-flight jobs
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// AddJob persists a job and schedules it if enabled
func (s *Scheduler) AddJob(ctx context.Context, job *Job) error {
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}

	if job.Enabled {
		return s.scheduleJob(job)
	}

	return nil
}

// UpdateJob persists changes and reschedules the job
func (s *Scheduler) UpdateJob(ctx context.Context, job *Job) error {
	s.unscheduleJob(job.ID)

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	if job.Enabled {
		return s.scheduleJob(job)
	}

	return nil
}

// DeleteJob unschedules and removes a job
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.unscheduleJob(id)
	return s.store.DeleteJob(ctx, id)
}

// EnableJob turns a job on and schedules it
func (s *Scheduler) EnableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = true
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	return s.scheduleJob(job)
}

// DisableJob turns a job off and unschedules it
func (s *Scheduler) DisableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = false
	s.unscheduleJob(id)

	return s.store.UpdateJob(ctx, job)
}

// RunJobNow executes a job out of schedule.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	go s.executeJob(job)
	return nil
}

// GetNextRuns returns the next N run times for a scheduled job.
func (s *Scheduler) GetNextRuns(id string, count int) []time.Time {
	s.mu.RLock()
	entryID, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}

	runs := make([]time.Time, 0, count)
	next := entry.Next
	for i := 0; i < count; i++ {
		runs = append(runs, next)
		next = entry.Schedule.Next(next)
	}

	return runs
}

// scheduleJob adds a job to the cron runner
func (s *Scheduler) scheduleJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[job.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, job.ID)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.entries[job.ID] = entryID

	entry := s.cron.Entry(entryID)
	nextRun := entry.Next
	job.NextRun = &nextRun

	s.logger.Info("scheduled job",
		"job_id", job.ID,
		"job_name", job.Name,
		"schedule", job.Schedule,
		"next_run", nextRun)

	return nil
}

// unscheduleJob removes a job from the cron runner
func (s *Scheduler) unscheduleJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// executeJob runs a job once, recording the execution outcome
func (s *Scheduler) executeJob(job *Job) {
	ctx := context.Background()
	startTime := time.Now()

	exec := &JobExecution{
		ID:        fmt.Sprintf("exec-%d", startTime.UnixNano()),
		JobID:     job.ID,
		Status:    StatusRunning,
		StartedAt: startTime,
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to create execution record", "error", err)
	}

	s.logger.Info("executing job",
		"job_id", job.ID,
		"job_name", job.Name,
		"execution_id", exec.ID)

	s.mu.RLock()
	handler, ok := s.handlers[job.JobType]
	s.mu.RUnlock()

	if !ok {
		exec.Status = StatusFailed
		exec.Error = fmt.Sprintf("no handler registered for job type: %s", job.JobType)
		endTime := time.Now()
		exec.EndedAt = &endTime
		_ = s.store.UpdateExecution(ctx, exec)
		return
	}

	output, err := handler(ctx, job)
	endTime := time.Now()
	exec.EndedAt = &endTime
	exec.Output = output

	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		s.logger.Error("job execution failed",
			"job_id", job.ID,
			"job_name", job.Name,
			"error", err,
			"duration", endTime.Sub(startTime))
	} else {
		exec.Status = StatusCompleted
		s.logger.Info("job execution completed",
			"job_id", job.ID,
			"job_name", job.Name,
			"duration", endTime.Sub(startTime))
	}

	_ = s.store.UpdateExecution(ctx, exec)
	_ = s.store.UpdateLastRun(ctx, job.ID, startTime)
}

// DefaultHandlers wires the standard evaluation and maintenance handlers.
type DefaultHandlers struct {
	ReevaluateTenantFunc func(ctx context.Context, tenantID string) (int, error)
	ReevaluateAllFunc    func(ctx context.Context) (int, error)
	PruneFunc            func(ctx context.Context, olderThan time.Duration) (int64, error)
	DigestFunc           func(ctx context.Context, tenantID string) error
}

// jobTenant resolves the tenant a job acts on, preferring the job field
// over the config key.
func jobTenant(job *Job) string {
	if job.TenantID != "" {
		return job.TenantID
	}
	return job.Config["tenant_id"]
}

// Register registers the default handlers with the scheduler.
func (h *DefaultHandlers) Register(s *Scheduler) {
	if h.ReevaluateTenantFunc != nil {
		s.RegisterHandler(JobTypeReevaluateTenant, func(ctx context.Context, job *Job) (string, error) {
			tenantID := jobTenant(job)
			if tenantID == "" {
				return "", fmt.Errorf("job %s has no tenant", job.ID)
			}
			n, err := h.ReevaluateTenantFunc(ctx, tenantID)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("enqueued %d opportunities", n), nil
		})
	}

	if h.ReevaluateAllFunc != nil {
		s.RegisterHandler(JobTypeReevaluateAll, func(ctx context.Context, job *Job) (string, error) {
			n, err := h.ReevaluateAllFunc(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("enqueued %d opportunities", n), nil
		})
	}

	if h.PruneFunc != nil {
		s.RegisterHandler(JobTypePruneSnapshots, func(ctx context.Context, job *Job) (string, error) {
			days := 90
			if d, ok := job.Config["retention_days"]; ok {
				if parsed, err := strconv.Atoi(d); err == nil && parsed > 0 {
					days = parsed
				}
			}
			pruned, err := h.PruneFunc(ctx, time.Duration(days)*24*time.Hour)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("pruned %d snapshots", pruned), nil
		})
	}

	if h.DigestFunc != nil {
		s.RegisterHandler(JobTypeDailyDigest, func(ctx context.Context, job *Job) (string, error) {
			tenantID := jobTenant(job)
			if tenantID == "" {
				return "", fmt.Errorf("job %s has no tenant", job.ID)
			}
			if err := h.DigestFunc(ctx, tenantID); err != nil {
				return "", err
			}
			return "digest sent", nil
		})
	}
}
