package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/datagrid/internal/cache"
	"github.com/ignite/datagrid/internal/ingest"
	"github.com/ignite/datagrid/internal/pkg/distlock"
	"github.com/ignite/datagrid/internal/pkg/logger"
)

// QueueKey is the Redis list carrying pending ingestion jobs.
const QueueKey = "datagrid:jobs:ingest"

// Job state values as exposed through the job state cache.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateRetrying  = "retrying"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

const (
	jobStateTTL = 24 * time.Hour

	// ingestLockTTL bounds how long a crashed worker can block an
	// upload before its lock expires.
	ingestLockTTL = 30 * time.Minute
)

// IngestJob is one queued ingestion request.
type IngestJob struct {
	JobID    string    `json:"job_id"`
	UploadID uuid.UUID `json:"upload_id"`
}

// JobState is the runner's published view of a job, written to the
// cache after every attempt and progress window.
type JobState struct {
	JobID     string               `json:"job_id"`
	UploadID  uuid.UUID            `json:"upload_id"`
	Status    string               `json:"status"`
	Attempt   int                  `json:"attempt"`
	Progress  ingest.ProgressState `json:"progress"`
	Error     string               `json:"error,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Queue is a Redis-backed FIFO of ingestion jobs. Producers push from
// the API process, the worker process pops.
type Queue struct {
	client *redis.Client
	key    string
}

// NewQueue creates a queue on the standard key.
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client, key: QueueKey}
}

// Enqueue pushes a job for the worker. A fresh job id is assigned when
// the caller left it empty.
func (q *Queue) Enqueue(ctx context.Context, job IngestJob) (string, error) {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}
	return job.JobID, nil
}

// Dequeue blocks up to timeout for the next job. A nil job with nil
// error means the wait timed out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*IngestJob, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	// BRPOP returns [key, value].
	var job IngestJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return &job, nil
}

// Processor is the ingestion collaborator the runner drives.
type Processor interface {
	Process(ctx context.Context, uploadID uuid.UUID, jobID string, report ingest.ProgressFunc) error
}

// RunnerConfig tunes the retry policy. Zero values fall back to three
// attempts with a ten second pause between them.
type RunnerConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Runner consumes the queue and drives each job through the processor,
// retrying failed attempts with a fixed backoff. Job state is published
// to the cache so the API can answer progress polls.
type Runner struct {
	queue       *Queue
	proc        Processor
	cache       *cache.Gateway
	maxAttempts int
	backoff     time.Duration
}

// NewRunner creates a job runner.
func NewRunner(q *Queue, proc Processor, cg *cache.Gateway, cfg RunnerConfig) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Second
	}
	return &Runner{
		queue:       q,
		proc:        proc,
		cache:       cg,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
	}
}

// Run consumes jobs until ctx is canceled.
func (r *Runner) Run(ctx context.Context) {
	logger.Info("job runner started", "queue", QueueKey, "max_attempts", r.maxAttempts)

	for {
		select {
		case <-ctx.Done():
			logger.Info("job runner stopping")
			return
		default:
		}

		job, err := r.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		r.Handle(ctx, job)
	}
}

// Handle runs one job through the full retry policy. A per-upload lock
// keeps two workers from ingesting the same upload concurrently.
func (r *Runner) Handle(ctx context.Context, job *IngestJob) {
	lock := distlock.New(r.queue.client, "ingest:"+job.UploadID.String(), ingestLockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		logger.Error("ingest lock acquire failed", "job_id", job.JobID, "error", err.Error())
		return
	}
	if !ok {
		logger.Warn("upload already being ingested, skipping",
			"job_id", job.JobID, "upload_id", job.UploadID.String())
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			logger.Warn("ingest lock release failed", "job_id", job.JobID, "error", err.Error())
		}
	}()

	state := JobState{JobID: job.JobID, UploadID: job.UploadID}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		state.Attempt = attempt
		state.Status = StateRunning
		r.publish(ctx, &state)

		logger.Info("processing ingestion job",
			"job_id", job.JobID, "upload_id", job.UploadID.String(), "attempt", attempt)

		lastErr = r.proc.Process(ctx, job.UploadID, job.JobID, func(p ingest.ProgressState) {
			state.Progress = p
			r.publish(ctx, &state)
		})
		if lastErr == nil {
			state.Status = StateSucceeded
			state.Error = ""
			r.publish(ctx, &state)
			return
		}

		logger.Error("ingestion attempt failed",
			"job_id", job.JobID, "attempt", attempt, "error", lastErr.Error())

		state.Status = StateRetrying
		state.Error = lastErr.Error()
		r.publish(ctx, &state)

		if attempt < r.maxAttempts {
			select {
			case <-time.After(r.backoff):
			case <-ctx.Done():
				return
			}
		}
	}

	state.Status = StateFailed
	state.Error = lastErr.Error()
	r.publish(ctx, &state)

	logger.Error("ingestion job exhausted retries",
		"job_id", job.JobID, "upload_id", job.UploadID.String(), "attempts", r.maxAttempts)
}

// PublishQueued records a freshly enqueued job's state, for callers
// that want progress polls to resolve before the worker picks it up.
func PublishQueued(ctx context.Context, cg *cache.Gateway, job IngestJob) {
	cg.Set(ctx, cache.PrefixJobState+job.JobID, JobState{
		JobID:     job.JobID,
		UploadID:  job.UploadID,
		Status:    StateQueued,
		UpdatedAt: time.Now().UTC(),
	}, jobStateTTL)
}

func (r *Runner) publish(ctx context.Context, state *JobState) {
	state.UpdatedAt = time.Now().UTC()
	r.cache.Set(ctx, cache.PrefixJobState+state.JobID, state, jobStateTTL)
}
