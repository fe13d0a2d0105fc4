// Package worker consumes execution jobs from the queue and drives them with
// the orchestrator.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/runflow/pkg/metrics"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/orchestrator"
	"github.com/dukex/runflow/pkg/otelhelper"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/queue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultConcurrency = 4

	claimBackoff  = time.Second
	settleTimeout = 5 * time.Second
)

var ErrAlreadyStarted = errors.New("worker pool already started")

// Runner drives one execution. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, executionID string) (*models.Execution, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, executionID string) (*models.Execution, error)

func (f RunnerFunc) Run(ctx context.Context, executionID string) (*models.Execution, error) {
	return f(ctx, executionID)
}

// recoverer is implemented by queues that can requeue jobs orphaned by
// crashed consumers.
type recoverer interface {
	Recover(ctx context.Context) (int, error)
}

type Config struct {
	ID          string
	Concurrency int
}

// Status is a point-in-time view of the pool.
type Status struct {
	ID          string     `json:"id"`
	Running     bool       `json:"running"`
	Concurrency int        `json:"concurrency"`
	Active      int64      `json:"active"`
	Processed   int64      `json:"processed"`
	Failed      int64      `json:"failed"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

type Pool struct {
	cfg     Config
	queue   queue.Queue
	runner  Runner
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *slog.Logger

	mu          sync.Mutex
	running     bool
	startedAt   *time.Time
	stopClaims  context.CancelFunc
	stopRunning context.CancelFunc
	wg          sync.WaitGroup

	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

func NewPool(q queue.Queue, runner Runner, cfg Config, collector *metrics.Collector, logger *slog.Logger) *Pool {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		cfg:     cfg,
		queue:   q,
		runner:  runner,
		metrics: collector,
		tracer:  otelhelper.NoopTracer(),
		logger:  logger.With("module", "worker", "worker_id", cfg.ID),
	}
}

// WithTracer sets the tracer used for job spans.
func (p *Pool) WithTracer(tracer trace.Tracer) *Pool {
	p.tracer = tracer

	return p
}

// Start recovers orphaned jobs when the queue supports it and launches the
// consumers. It returns immediately; consumers run until Stop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyStarted
	}

	if r, ok := p.queue.(recoverer); ok {
		if _, err := r.Recover(ctx); err != nil {
			p.logger.WarnContext(ctx, "failed to recover orphaned jobs", "error", err)
		}
	}

	claimCtx, stopClaims := context.WithCancel(context.WithoutCancel(ctx))
	runCtx, stopRunning := context.WithCancel(context.WithoutCancel(ctx))

	now := time.Now().UTC()
	p.running = true
	p.startedAt = &now
	p.stopClaims = stopClaims
	p.stopRunning = stopRunning

	for i := range p.cfg.Concurrency {
		p.wg.Add(1)

		go p.consume(claimCtx, runCtx, i)
	}

	p.logger.InfoContext(ctx, "worker pool started", "concurrency", p.cfg.Concurrency)

	return nil
}

// Stop stops claiming and waits for in-flight executions. When ctx expires
// first, in-flight executions are interrupted and their jobs returned to the
// queue.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()

		return nil
	}

	p.running = false
	stopClaims, stopRunning := p.stopClaims, p.stopRunning
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "stopping worker pool", "active", p.active.Load())

	stopClaims()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		stopRunning()

		p.logger.InfoContext(ctx, "worker pool stopped")

		return nil
	case <-ctx.Done():
		stopRunning()
		<-done

		p.logger.WarnContext(ctx, "worker pool stopped before in-flight executions finished")

		return ctx.Err()
	}
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Status{
		ID:          p.cfg.ID,
		Running:     p.running,
		Concurrency: p.cfg.Concurrency,
		Active:      p.active.Load(),
		Processed:   p.processed.Load(),
		Failed:      p.failed.Load(),
		StartedAt:   p.startedAt,
	}
}

func (p *Pool) consume(claimCtx, runCtx context.Context, slot int) {
	defer p.wg.Done()

	logger := p.logger.With("slot", slot)

	for {
		delivery, err := p.queue.Claim(claimCtx)

		switch {
		case err == nil:
			p.handle(runCtx, logger, delivery)
		case claimCtx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return
		default:
			logger.ErrorContext(claimCtx, "failed to claim job", "error", err)

			select {
			case <-claimCtx.Done():
				return
			case <-time.After(claimBackoff):
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, logger *slog.Logger, d *queue.Delivery) {
	job := d.Job
	logger = logger.With("job_id", job.ID, "execution_id", job.ExecutionID, "kind", job.Kind, "attempt", job.Attempt)

	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "worker.job",
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.ExecutionIDKey, job.ExecutionID),
		attribute.String(otelhelper.WorkerIDKey, p.cfg.ID),
	)
	defer span.End()

	p.active.Add(1)
	p.metrics.JobStarted()

	defer p.active.Add(-1)

	logger.InfoContext(ctx, "processing job")

	execution, err := p.runner.Run(ctx, job.ExecutionID)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var settleErr error

	switch {
	case err == nil:
		p.processed.Add(1)
		p.metrics.JobFinished("done")

		logger.InfoContext(ctx, "job processed", "status", execution.Status)

		settleErr = d.Ack(settleCtx)
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		p.processed.Add(1)
		p.metrics.JobFinished("duplicate")

		logger.InfoContext(ctx, "execution already running in this process")

		settleErr = d.Ack(settleCtx)
	case errors.Is(err, persistence.ErrExecutionNotFound):
		p.failed.Add(1)
		p.metrics.JobFinished("dropped")

		logger.ErrorContext(ctx, "dropping job for unknown execution", "error", err)

		settleErr = d.Ack(settleCtx)
	default:
		p.failed.Add(1)
		p.metrics.JobFinished("failed")
		otelhelper.SetError(span, err)

		logger.ErrorContext(ctx, "job failed", "error", err)

		settleErr = d.Nack(settleCtx, err)
	}

	if settleErr != nil {
		logger.ErrorContext(ctx, "failed to settle job", "error", settleErr)
	}
}
