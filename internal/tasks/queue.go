// Package tasks runs evaluation work off the request path: a redis-backed
// job queue for bulk re-evaluation and a detached runner for
// fire-and-forget side effects.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	EvalJobsQueue      = "riskengine:jobs:eval"
	EvalJobsProcessing = "riskengine:jobs:processing"
	EvalJobsCompleted  = "riskengine:jobs:completed"
	EvalJobsFailed     = "riskengine:jobs:failed"
	WorkerHeartbeatKey = "riskengine:workers:heartbeat"
	JobProgressPrefix  = "riskengine:job:progress:"

	maxJobAttempts = 3
)

// JobStatus tracks an evaluation job through its lifecycle
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job asks a worker to evaluate one opportunity
type Job struct {
	ID            uuid.UUID `json:"id"`
	TenantID      string    `json:"tenant_id"`
	OpportunityID uuid.UUID `json:"opportunity_id"`
	UserID        string    `json:"user_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Priority      int       `json:"priority"`
	CreatedAt     time.Time `json:"created_at"`
	Attempts      int       `json:"attempts"`
}

// JobProgress is the live status record for one job
type JobProgress struct {
	JobID       uuid.UUID  `json:"job_id"`
	Status      JobStatus  `json:"status"`
	Errors      []string   `json:"errors,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
}

// Queue is a priority queue of evaluation jobs over redis
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) (*Queue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Queue{client: client}, nil
}

func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	score := float64(time.Now().Unix()) - float64(job.Priority*1000)

	if err := q.client.ZAdd(ctx, EvalJobsQueue, redis.Z{
		Score:  score,
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}

	return q.UpdateProgress(ctx, &JobProgress{JobID: job.ID, Status: JobPending})
}

func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	results, err := q.client.ZPopMin(ctx, EvalJobsQueue, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(results[0].Member.(string)), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}

	data, _ := json.Marshal(job)
	if err := q.client.SAdd(ctx, EvalJobsProcessing, string(data)).Err(); err != nil {
		q.client.ZAdd(ctx, EvalJobsQueue, redis.Z{
			Score:  results[0].Score,
			Member: results[0].Member,
		})
		return nil, fmt.Errorf("marking job as processing: %w", err)
	}

	now := time.Now()
	_ = q.UpdateProgress(ctx, &JobProgress{
		JobID:     job.ID,
		Status:    JobRunning,
		StartedAt: &now,
		WorkerID:  workerID,
	})

	return &job, nil
}

func (q *Queue) Complete(ctx context.Context, job *Job, success bool) error {
	data, _ := json.Marshal(job)
	q.client.SRem(ctx, EvalJobsProcessing, string(data))

	targetSet := EvalJobsCompleted
	status := JobCompleted
	if !success {
		targetSet = EvalJobsFailed
		status = JobFailed
	}
	if err := q.client.SAdd(ctx, targetSet, string(data)).Err(); err != nil {
		return fmt.Errorf("marking job complete: %w", err)
	}

	now := time.Now()
	progress, _ := q.GetProgress(ctx, job.ID)
	if progress == nil {
		progress = &JobProgress{JobID: job.ID}
	}
	progress.Status = status
	progress.CompletedAt = &now
	return q.UpdateProgress(ctx, progress)
}

func (q *Queue) Requeue(ctx context.Context, job *Job, errorMsg string) error {
	data, _ := json.Marshal(job)
	q.client.SRem(ctx, EvalJobsProcessing, string(data))

	job.Attempts++
	if job.Attempts >= maxJobAttempts {
		return q.Complete(ctx, job, false)
	}

	newData, _ := json.Marshal(job)
	backoff := time.Duration(job.Attempts*30) * time.Second

	if err := q.client.ZAdd(ctx, EvalJobsQueue, redis.Z{
		Score:  float64(time.Now().Add(backoff).Unix()),
		Member: string(newData),
	}).Err(); err != nil {
		return fmt.Errorf("requeuing job: %w", err)
	}

	progress, _ := q.GetProgress(ctx, job.ID)
	if progress == nil {
		progress = &JobProgress{JobID: job.ID}
	}
	progress.Status = JobPending
	progress.Errors = append(progress.Errors, errorMsg)
	return q.UpdateProgress(ctx, progress)
}

func (q *Queue) UpdateProgress(ctx context.Context, progress *JobProgress) error {
	progress.UpdatedAt = time.Now()
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}
	key := JobProgressPrefix + progress.JobID.String()
	if err := q.client.Set(ctx, key, string(data), 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return nil
}

func (q *Queue) GetProgress(ctx context.Context, jobID uuid.UUID) (*JobProgress, error) {
	data, err := q.client.Get(ctx, JobProgressPrefix+jobID.String()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}

	var progress JobProgress
	if err := json.Unmarshal([]byte(data), &progress); err != nil {
		return nil, fmt.Errorf("unmarshaling progress: %w", err)
	}
	return &progress, nil
}

func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	pending, _ := q.client.ZCard(ctx, EvalJobsQueue).Result()
	processing, _ := q.client.SCard(ctx, EvalJobsProcessing).Result()
	completed, _ := q.client.SCard(ctx, EvalJobsCompleted).Result()
	failed, _ := q.client.SCard(ctx, EvalJobsFailed).Result()

	stats["pending"] = pending
	stats["processing"] = processing
	stats["completed"] = completed
	stats["failed"] = failed
	return stats, nil
}

func (q *Queue) WorkerHeartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, WorkerHeartbeatKey, workerID, time.Now().Unix()).Err()
}

func (q *Queue) ActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := q.client.HGetAll(ctx, WorkerHeartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}

	var active []string
	cutoff := time.Now().Add(-timeout).Unix()
	for workerID, lastSeen := range workers {
		var ts int64
		_, _ = fmt.Sscanf(lastSeen, "%d", &ts)
		if ts > cutoff {
			active = append(active, workerID)
		}
	}
	return active, nil
}

// CleanupStaleJobs requeues processing jobs whose progress stopped updating
func (q *Queue) CleanupStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	jobs, err := q.client.SMembers(ctx, EvalJobsProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("getting processing jobs: %w", err)
	}

	cleaned := 0
	for _, jobData := range jobs {
		var job Job
		if err := json.Unmarshal([]byte(jobData), &job); err != nil {
			continue
		}

		progress, err := q.GetProgress(ctx, job.ID)
		if err != nil || progress == nil {
			continue
		}

		if time.Since(progress.UpdatedAt) > timeout {
			q.client.SRem(ctx, EvalJobsProcessing, jobData)

			job.Attempts++
			if job.Attempts < maxJobAttempts {
				newData, _ := json.Marshal(job)
				q.client.ZAdd(ctx, EvalJobsQueue, redis.Z{
					Score:  float64(time.Now().Unix()),
					Member: string(newData),
				})
			} else {
				q.client.SAdd(ctx, EvalJobsFailed, jobData)
			}
			cleaned++
		}
	}
	return cleaned, nil
}
