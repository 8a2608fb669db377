// Package storage persists job state for the plan workflow in NATS KV.
// The job record is the poll endpoint's source of truth; queue messages
// only carry job ids.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// BucketJobs is the KV bucket holding job records.
const BucketJobs = "NAVPACK_JOBS"

// JobState is the lifecycle state of one job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateRetrying  JobState = "retrying"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// JobKind distinguishes the payload shape carried by a job.
type JobKind string

const (
	// JobKindPlan is a full navigation pack plan.
	JobKindPlan JobKind = "plan"

	// JobKindNarration is the narration sub-job delegated to the
	// GPU-backed queue.
	JobKindNarration JobKind = "narration"
)

// Job is the durable record of one queued unit of work.
type Job struct {
	ID    string   `json:"id"`
	Kind  JobKind  `json:"kind"`
	Queue string   `json:"queue"`
	State JobState `json:"state"`

	// PackID is minted on first entry to running and survives retries,
	// so replays address the same output directory.
	PackID string `json:"pack_id,omitempty"`

	// ChildJobID links a plan job to its delegated narration job.
	ChildJobID string `json:"child_job_id,omitempty"`

	Payload json.RawMessage `json:"payload"`
	Result  json.RawMessage `json:"result,omitempty"`

	Attempts     int    `json:"attempts"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobStore provides job persistence backed by NATS KV.
type JobStore struct {
	kv jetstream.KeyValue
}

// NewJobStore creates the store, creating the KV bucket if needed.
func NewJobStore(ctx context.Context, js jetstream.JetStream) (*JobStore, error) {
	kv, err := getOrCreateJobBucket(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("create jobs bucket: %w", err)
	}
	return &JobStore{kv: kv}, nil
}

func getOrCreateJobBucket(ctx context.Context, js jetstream.JetStream) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, BucketJobs)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketJobs,
		Description: "Navigation pack job records",
		History:     5,
	})
}

// Create persists a new pending job and returns its id.
func (s *JobStore) Create(ctx context.Context, kind JobKind, queue string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Queue:     queue,
		State:     JobStatePending,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.kv.Create(ctx, job.ID, data); err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}
	return job, nil
}

// Get retrieves a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// Update persists the job record.
func (s *JobStore) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.kv.Put(ctx, job.ID, data); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// MarkRunning transitions the job to running, recording the attempt number
// and minting the pack id on the first attempt. The pack id never changes
// afterwards, so retries write into the same output directory.
func (s *JobStore) MarkRunning(ctx context.Context, id string, attempt int) (*Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.State = JobStateRunning
	job.Attempts = attempt
	job.ErrorKind = ""
	job.ErrorMessage = ""
	if job.PackID == "" {
		job.PackID = uuid.New().String()
	}
	if job.StartedAt == nil {
		now := time.Now().UTC()
		job.StartedAt = &now
	}
	if err := s.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// MarkRetrying records a transient failure awaiting redelivery.
func (s *JobStore) MarkRetrying(ctx context.Context, id, errKind, errMsg string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	job.State = JobStateRetrying
	job.ErrorKind = errKind
	job.ErrorMessage = errMsg
	return s.Update(ctx, job)
}

// MarkSucceeded stores the result and closes the job.
func (s *JobStore) MarkSucceeded(ctx context.Context, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.State = JobStateSucceeded
	job.Result = raw
	job.ErrorKind = ""
	job.ErrorMessage = ""
	job.CompletedAt = &now
	return s.Update(ctx, job)
}

// MarkFailed closes the job with a terminal error.
func (s *JobStore) MarkFailed(ctx context.Context, id, errKind, errMsg string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.State = JobStateFailed
	job.ErrorKind = errKind
	job.ErrorMessage = errMsg
	job.CompletedAt = &now
	return s.Update(ctx, job)
}

// WaitTerminal blocks until the job reaches a terminal state or the context
// expires, using a KV watch so no polling interval is involved.
func (s *JobStore) WaitTerminal(ctx context.Context, id string) (*Job, error) {
	watcher, err := s.kv.Watch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("watch job: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry := <-watcher.Updates():
			if entry == nil {
				continue // end of initial replay
			}
			var job Job
			if err := json.Unmarshal(entry.Value(), &job); err != nil {
				return nil, fmt.Errorf("unmarshal watched job: %w", err)
			}
			if job.State.Terminal() {
				return &job, nil
			}
		}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}
