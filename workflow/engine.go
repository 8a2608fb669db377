package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tourkit/navpack/metrics"
	"github.com/tourkit/navpack/storage"
)

// Queue names. Plan jobs run on the nav queue; narration sub-jobs are
// routed to the llm queue so a GPU-backed worker pool can own them.
const (
	QueueNav = "nav"
	QueueLLM = "llm"
)

const (
	streamPrefix  = "NAVPACK_"
	subjectPrefix = "navpack.jobs."

	// retryBackoffBase is the redelivery delay for the first retry;
	// each further retry doubles it up to retryBackoffMax.
	retryBackoffBase = 5 * time.Second
	retryBackoffMax  = 5 * time.Minute
)

func streamName(queue string) string {
	return streamPrefix + queue
}

func subjectName(queue string) string {
	return subjectPrefix + queue
}

// Handler executes one job and returns its result, or a *StageError.
type Handler interface {
	Handle(ctx context.Context, job *storage.Job) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *storage.Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *storage.Job) (any, error) {
	return f(ctx, job)
}

// Engine owns the job queues: stream provisioning, enqueueing, and the
// worker consume loop with retry bookkeeping.
type Engine struct {
	js     jetstream.JetStream
	jobs   *storage.JobStore
	logger *slog.Logger
	m      *metrics.Metrics
}

// NewEngine creates a workflow engine over the given JetStream context.
func NewEngine(js jetstream.JetStream, jobs *storage.JobStore, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{js: js, jobs: jobs, logger: logger, m: m}
}

// Jobs exposes the underlying job store.
func (e *Engine) Jobs() *storage.JobStore {
	return e.jobs
}

// EnsureStreams creates the work-queue streams if they do not exist.
// Work-queue retention means a message is gone once a worker acks it.
func (e *Engine) EnsureStreams(ctx context.Context) error {
	for _, queue := range []string{QueueNav, QueueLLM} {
		_, err := e.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName(queue),
			Subjects:  []string{subjectName(queue)},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("ensure stream %s: %w", streamName(queue), err)
		}
	}
	return nil
}

// Enqueue creates a pending job record and publishes its id to the queue.
// The message id equals the job id, so JetStream dedups double submits.
func (e *Engine) Enqueue(ctx context.Context, kind storage.JobKind, queue string, payload any) (*storage.Job, error) {
	job, err := e.jobs.Create(ctx, kind, queue, payload)
	if err != nil {
		return nil, err
	}
	_, err = e.js.Publish(ctx, subjectName(queue), []byte(job.ID),
		jetstream.WithMsgID(job.ID))
	if err != nil {
		return nil, fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	e.m.JobsEnqueued.WithLabelValues(queue).Inc()
	e.logger.Info("job enqueued", "job_id", job.ID, "queue", queue, "kind", kind)
	return job, nil
}

// RunWorker consumes the queue until the context is cancelled, running up
// to concurrency jobs at once. Blocks until all in-flight jobs finish.
func (e *Engine) RunWorker(ctx context.Context, queue string, handler Handler, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	consumer, err := e.js.CreateOrUpdateConsumer(ctx, streamName(queue), jetstream.ConsumerConfig{
		Durable:       queue + "-workers",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Minute,
		MaxDeliver:    -1, // bounded per error kind, not by the consumer
		FilterSubject: subjectName(queue),
	})
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", queue, err)
	}

	e.logger.Info("worker started", "queue", queue, "concurrency", concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.consumeLoop(ctx, queue, consumer, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (e *Engine) consumeLoop(ctx context.Context, queue string, consumer jetstream.Consumer, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for msg := range msgs.Messages() {
			select {
			case <-ctx.Done():
				_ = msg.Nak()
				for remaining := range msgs.Messages() {
					_ = remaining.Nak()
				}
				return
			default:
				e.handleMessage(ctx, queue, msg, handler)
			}
		}
	}
}

// handleMessage runs one delivery of one job: mark running, execute,
// then ack or schedule redelivery based on the error kind.
func (e *Engine) handleMessage(ctx context.Context, queue string, msg jetstream.Msg, handler Handler) {
	jobID := string(msg.Data())

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	job, err := e.jobs.MarkRunning(ctx, jobID, attempt)
	if err != nil {
		// A missing record means the job cannot ever run; drop the message.
		e.logger.Error("job record unavailable, dropping", "job_id", jobID, "error", err)
		_ = msg.Ack()
		return
	}

	e.logger.Info("job started", "job_id", jobID, "queue", queue, "attempt", attempt)
	started := time.Now()

	result, err := handler.Handle(ctx, job)
	if err == nil {
		if err := e.jobs.MarkSucceeded(ctx, jobID, result); err != nil {
			e.logger.Error("failed to record job success", "job_id", jobID, "error", err)
			_ = msg.Nak()
			return
		}
		e.m.JobsCompleted.WithLabelValues(queue, "succeeded").Inc()
		e.m.JobDuration.WithLabelValues(queue).Observe(time.Since(started).Seconds())
		e.logger.Info("job succeeded", "job_id", jobID, "queue", queue,
			"duration", time.Since(started))
		_ = msg.Ack()
		return
	}

	kind := ClassifyError(err)
	if Retryable(kind, attempt) {
		delay := retryBackoff(attempt)
		if markErr := e.jobs.MarkRetrying(ctx, jobID, string(kind), err.Error()); markErr != nil {
			e.logger.Error("failed to record retry", "job_id", jobID, "error", markErr)
		}
		e.m.JobsRetried.WithLabelValues(queue, string(kind)).Inc()
		e.logger.Warn("job failed, scheduling retry",
			"job_id", jobID, "queue", queue, "kind", kind,
			"attempt", attempt, "delay", delay, "error", err)
		_ = msg.NakWithDelay(delay)
		return
	}

	if markErr := e.jobs.MarkFailed(ctx, jobID, string(kind), err.Error()); markErr != nil {
		e.logger.Error("failed to record job failure", "job_id", jobID, "error", markErr)
	}
	e.m.JobsCompleted.WithLabelValues(queue, "failed").Inc()
	e.logger.Error("job failed terminally",
		"job_id", jobID, "queue", queue, "kind", kind,
		"attempt", attempt, "error", err)
	_ = msg.Ack()
}

// retryBackoff doubles per attempt: 5s, 10s, 20s, capped at 5m.
func retryBackoff(attempt int) time.Duration {
	d := retryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryBackoffMax {
			return retryBackoffMax
		}
	}
	return d
}
