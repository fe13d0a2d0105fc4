package engine

import (
	"context"

	"github.com/dukex/runflow/pkg/queue"
	"github.com/dukex/runflow/pkg/resilience"
	"github.com/dukex/runflow/pkg/worker"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

type ComponentHealth struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Health is the status snapshot served on /health.
type Health struct {
	Status           string                     `json:"status"`
	Mode             Mode                       `json:"mode"`
	Degraded         bool                       `json:"degraded"`
	DegradedReason   string                     `json:"degraded_reason,omitempty"`
	Queue            ComponentHealth            `json:"queue"`
	QueueDepth       *int64                     `json:"queue_depth,omitempty"`
	Persistence      ComponentHealth            `json:"persistence"`
	Worker           *worker.Status             `json:"worker,omitempty"`
	Breakers         []resilience.BreakerStatus `json:"breakers"`
	ActiveExecutions []string                   `json:"active_executions"`
	SyncFallbacks    int64                      `json:"sync_fallbacks"`
}

// backlog is implemented by queues that can count their pending jobs.
type backlog interface {
	Depth(ctx context.Context) (int64, error)
}

func (e *Engine) Health(ctx context.Context) Health {
	h := Health{
		Status:           StatusOK,
		Mode:             e.cfg.Mode,
		Degraded:         e.queue == nil,
		DegradedReason:   e.degradedReason,
		Breakers:         []resilience.BreakerStatus{},
		ActiveExecutions: e.orchestrator.Active(),
		SyncFallbacks:    e.syncFallbacks.Load(),
	}

	if e.queue != nil {
		h.Queue = probe(e.queue.Ping(ctx))
		h.QueueDepth = queueDepth(ctx, e.queue)
	} else {
		h.Queue = ComponentHealth{Error: e.degradedReason}
	}

	h.Persistence = probe(e.persistence.HealthCheck(ctx))

	if e.pool != nil {
		status := e.pool.Status()
		h.Worker = &status
	}

	if e.breakers != nil {
		h.Breakers = e.breakers.Snapshot()
	}

	if h.Degraded || !h.Queue.Connected || !h.Persistence.Connected {
		h.Status = StatusDegraded
	}

	return h
}

// queueDepth is nil when the queue cannot count its backlog or the count
// fails.
func queueDepth(ctx context.Context, q queue.Queue) *int64 {
	b, ok := q.(backlog)
	if !ok {
		return nil
	}

	depth, _ := resilience.ExecuteWithDefault(ctx, func(ctx context.Context) (*int64, error) {
		n, err := b.Depth(ctx)
		if err != nil {
			return nil, err
		}

		return &n, nil
	}, nil, nil)

	return depth
}

func probe(err error) ComponentHealth {
	if err != nil {
		return ComponentHealth{Error: err.Error()}
	}

	return ComponentHealth{Connected: true}
}
