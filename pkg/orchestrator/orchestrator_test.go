package orchestrator_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/flowstate"
	"github.com/dukex/runflow/pkg/graph"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/nodeexec"
	"github.com/dukex/runflow/pkg/orchestrator"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/persistence/memory"
	"github.com/dukex/runflow/pkg/resilience"
	"github.com/dukex/runflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	orch      *orchestrator.Orchestrator
	store     *memory.Persistence
	registry  *nodeexec.Registry
	recorder  *events.Recorder
	flowState *flowstate.MemoryStore
	failures  atomic.Int32
}

func newHarness(t *testing.T, modify ...func(*orchestrator.Config, *orchestrator.Deps)) *harness {
	t.Helper()

	h := &harness{
		store:     memory.NewPersistence(),
		registry:  nodeexec.NewRegistry(),
		recorder:  &events.Recorder{},
		flowState: flowstate.NewMemoryStore(),
	}

	cfg := orchestrator.Config{ControlPollInterval: 10 * time.Millisecond}
	deps := orchestrator.Deps{
		Persistence: h.store,
		Executor:    h.registry,
		Observer:    h.recorder,
		FlowState:   h.flowState,
		Notifier: orchestrator.ErrorNotifierFunc(func(context.Context, *models.Execution) {
			h.failures.Add(1)
		}),
	}

	for _, m := range modify {
		m(&cfg, &deps)
	}

	orch, err := orchestrator.New(cfg, deps)
	require.NoError(t, err)

	h.orch = orch

	return h
}

func (h *harness) run(t *testing.T, g *models.WorkflowGraph, triggerData map[string]any) *models.Execution {
	t.Helper()

	ctx := context.Background()

	execution, err := h.orch.Prepare(ctx, orchestrator.PrepareInput{Graph: g, TriggerData: triggerData})
	require.NoError(t, err)

	result, err := h.orch.Run(ctx, execution.ID)
	require.NoError(t, err)

	return result
}

func (h *harness) nodes(t *testing.T, executionID string) map[string]*models.NodeExecution {
	t.Helper()

	rows, err := h.store.NodeExecutions().ByExecution(context.Background(), executionID)
	require.NoError(t, err)

	out := make(map[string]*models.NodeExecution, len(rows))
	for _, row := range rows {
		out[row.NodeID] = row
	}

	return out
}

func (h *harness) register(nodeType string, fn nodeexec.ExecutorFunc) {
	h.registry.Register(nodeType, fn)
}

func startedOrder(r *events.Recorder) []string {
	var ids []string
	for _, e := range r.OfType(events.NodeStarted) {
		ids = append(ids, e.NodeID)
	}

	return ids
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{})
	require.Error(t, err)

	_, err = orchestrator.New(orchestrator.Config{}, orchestrator.Deps{Persistence: memory.NewPersistence()})
	require.Error(t, err)
}

func TestPrepare(t *testing.T) {
	t.Run("snapshots the graph", func(t *testing.T) {
		h := newHarness(t)
		g := testutil.LinearGraph("a", "b")

		execution, err := h.orch.Prepare(context.Background(), orchestrator.PrepareInput{
			Graph:       g,
			TriggerData: map[string]any{"x": 1},
		})
		require.NoError(t, err)

		assert.Equal(t, models.ExecutionStatusQueued, execution.Status)
		assert.Equal(t, models.ExecutionModeFull, execution.Mode)
		assert.Equal(t, g.ID, execution.WorkflowID)

		g.Nodes[0].Type = "changed"

		stored, err := h.store.Executions().ByID(context.Background(), execution.ID)
		require.NoError(t, err)
		assert.Equal(t, "noop", stored.Graph.Nodes[0].Type)
	})

	t.Run("rejects cycles", func(t *testing.T) {
		h := newHarness(t)
		g := testutil.LinearGraph("a", "b", "c")
		g.Connections = append(g.Connections, testutil.Connect("c", "a"))

		_, err := h.orch.Prepare(context.Background(), orchestrator.PrepareInput{Graph: g})
		require.Error(t, err)
		assert.ErrorIs(t, err, graph.ErrCycle)
	})
}

func TestRun_LinearGraphRunsInDependencyOrder(t *testing.T) {
	h := newHarness(t)

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("a"), testutil.WithType("set"),
			testutil.WithParameters(map[string]any{"values": map[string]any{"from_a": 1}})),
		testutil.CreateTestNode(testutil.WithID("b"), testutil.WithType("set"),
			testutil.WithParameters(map[string]any{"values": map[string]any{"from_b": 2}})),
		testutil.CreateTestNode(testutil.WithID("c")),
	}, testutil.Connect("a", "b"), testutil.Connect("b", "c"))

	execution := h.run(t, g, map[string]any{"seed": "x"})

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, 100, execution.Progress)
	assert.Equal(t, []string{"a", "b", "c"}, execution.FlowExecutionPath)
	assert.Equal(t, []string{"a", "b", "c"}, startedOrder(h.recorder))
	assert.NotNil(t, execution.StartedAt)
	assert.NotNil(t, execution.FinishedAt)

	nodes := h.nodes(t, execution.ID)
	assert.Equal(t, map[string]any{"seed": "x", "from_a": 1, "from_b": 2}, nodes["c"].OutputData)
	assert.Equal(t, []string{"b"}, nodes["c"].Dependencies)
	assert.Equal(t, 2, nodes["c"].ExecutionOrder)

	for _, n := range nodes {
		assert.Equal(t, models.NodeStatusSuccess, n.Status, n.NodeID)
		assert.Equal(t, 1, n.Attempts)
	}

	require.Len(t, h.recorder.OfType(events.ExecutionStarted), 1)
	require.Len(t, h.recorder.OfType(events.ExecutionCompleted), 1)
	assert.Equal(t, int32(0), h.failures.Load())

	states, err := h.flowState.List(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Len(t, states, 3)
}

func TestRun_FanInReceivesEveryUpstream(t *testing.T) {
	h := newHarness(t)

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("left"), testutil.WithType("set"),
			testutil.WithParameters(map[string]any{"values": map[string]any{"side": "left", "l": true}})),
		testutil.CreateTestNode(testutil.WithID("right"), testutil.WithType("set"),
			testutil.WithParameters(map[string]any{"values": map[string]any{"side": "right", "r": true}})),
		testutil.CreateTestNode(testutil.WithID("join")),
	}, testutil.Connect("left", "join"), testutil.Connect("right", "join"))

	execution := h.run(t, g, nil)
	require.Equal(t, models.ExecutionStatusSuccess, execution.Status)

	join := h.nodes(t, execution.ID)["join"]
	assert.Equal(t, "right", join.InputData["side"], "later rank wins on key collisions")
	assert.Equal(t, true, join.InputData["l"])
	assert.Equal(t, true, join.InputData["r"])
	assert.ElementsMatch(t, []string{"left", "right"}, join.Dependencies)
}

func TestRun_ProgressIsMonotonicAndEveryNodeSettlesOnce(t *testing.T) {
	var (
		mu       sync.Mutex
		progress []int
	)

	h := newHarness(t, func(_ *orchestrator.Config, d *orchestrator.Deps) {
		store := d.Persistence
		d.Observer = events.NewDispatcher(d.Observer, events.ObserverFunc(func(ctx context.Context, e events.Event) {
			if e.Type != events.NodeCompleted && e.Type != events.NodeFailed {
				return
			}

			stored, err := store.Executions().ByID(ctx, e.ExecutionID)
			if err == nil {
				mu.Lock()
				progress = append(progress, stored.Progress)
				mu.Unlock()
			}
		}))
	})

	nodes := []*models.Node{testutil.CreateTestNode(testutil.WithID("root"))}
	connections := []*models.Connection{}

	for _, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		nodes = append(nodes, testutil.CreateTestNode(testutil.WithID(id)))
		connections = append(connections, testutil.Connect("root", id))
	}

	execution := h.run(t, testutil.CreateTestGraph(nodes, connections...), nil)
	require.Equal(t, models.ExecutionStatusSuccess, execution.Status)

	mu.Lock()
	defer mu.Unlock()

	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}

	settled := map[string]int{}
	for _, e := range h.recorder.Events() {
		if e.Type == events.NodeCompleted || e.Type == events.NodeFailed {
			settled[e.NodeID]++
		}
	}

	assert.Len(t, settled, 6)

	for id, count := range settled {
		assert.Equal(t, 1, count, id)
	}
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	var (
		current atomic.Int32
		peak    atomic.Int32
	)

	h := newHarness(t, func(c *orchestrator.Config, _ *orchestrator.Deps) { c.Concurrency = 2 })
	h.register("slow", func(_ context.Context, req nodeexec.Request) (*nodeexec.Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(20 * time.Millisecond)
		current.Add(-1)

		return &nodeexec.Result{Data: req.Input}, nil
	})

	var nodes []*models.Node
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		nodes = append(nodes, testutil.CreateTestNode(testutil.WithID(id), testutil.WithType("slow")))
	}

	execution := h.run(t, testutil.CreateTestGraph(nodes), nil)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestRun_ConditionalBranchSkipsUntakenPath(t *testing.T) {
	h := newHarness(t)

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("check"), testutil.WithType("if"),
			testutil.WithParameters(map[string]any{"field": "approved"})),
		testutil.CreateTestNode(testutil.WithID("yes")),
		testutil.CreateTestNode(testutil.WithID("no")),
		testutil.CreateTestNode(testutil.WithID("after_no")),
		testutil.CreateTestNode(testutil.WithID("join")),
	},
		testutil.ConnectOutput("check", nodeexec.OutputTrue, "yes"),
		testutil.ConnectOutput("check", nodeexec.OutputFalse, "no"),
		testutil.Connect("no", "after_no"),
		testutil.Connect("yes", "join"),
		testutil.Connect("after_no", "join"),
	)

	execution := h.run(t, g, map[string]any{"approved": true})
	require.Equal(t, models.ExecutionStatusSuccess, execution.Status)

	nodes := h.nodes(t, execution.ID)
	assert.Equal(t, models.NodeStatusSuccess, nodes["yes"].Status)
	assert.Equal(t, models.NodeStatusSkipped, nodes["no"].Status)
	assert.Equal(t, models.NodeStatusSkipped, nodes["after_no"].Status)
	assert.Equal(t, models.NodeStatusSuccess, nodes["join"].Status)
	assert.Equal(t, 100, execution.Progress)
	assert.NotContains(t, execution.FlowExecutionPath, "no")
}

func TestRun_ErrorRouteHandlesFailure(t *testing.T) {
	h := newHarness(t)

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("call"), testutil.WithType("fail"),
			testutil.WithParameters(map[string]any{"message": "upstream rejected", "status_code": 400})),
		testutil.CreateTestNode(testutil.WithID("next")),
		testutil.CreateTestNode(testutil.WithID("handler")),
	},
		testutil.Connect("call", "next"),
		testutil.ConnectOutput("call", models.OutputError, "handler"),
	)

	execution := h.run(t, g, nil)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Nil(t, execution.Error)

	nodes := h.nodes(t, execution.ID)
	assert.Equal(t, models.NodeStatusError, nodes["call"].Status)
	assert.Equal(t, string(resilience.TypeClient), nodes["call"].Error.Type)
	assert.Equal(t, models.NodeStatusSkipped, nodes["next"].Status)
	assert.Equal(t, models.NodeStatusSuccess, nodes["handler"].Status)
	assert.Contains(t, nodes["handler"].InputData, "error")
	assert.Equal(t, int32(0), h.failures.Load())
	assert.Len(t, h.recorder.OfType(events.NodeFailed), 1)
}

func TestRun_FanInSkipsAfterFailedDependency(t *testing.T) {
	h := newHarness(t)

	var joined atomic.Int32
	h.register("join", func(context.Context, nodeexec.Request) (*nodeexec.Result, error) {
		joined.Add(1)

		return &nodeexec.Result{}, nil
	})

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("a"), testutil.WithType("fail"),
			testutil.WithParameters(map[string]any{"message": "a broke", "status_code": 400})),
		testutil.CreateTestNode(testutil.WithID("b")),
		testutil.CreateTestNode(testutil.WithID("c"), testutil.WithType("join")),
		testutil.CreateTestNode(testutil.WithID("e")),
	},
		testutil.Connect("a", "c"),
		testutil.Connect("b", "c"),
		testutil.ConnectOutput("a", models.OutputError, "e"),
	)

	execution := h.run(t, g, nil)

	nodes := h.nodes(t, execution.ID)
	assert.Equal(t, models.NodeStatusError, nodes["a"].Status)
	assert.Equal(t, models.NodeStatusSuccess, nodes["b"].Status)
	assert.Equal(t, models.NodeStatusSkipped, nodes["c"].Status)
	assert.Equal(t, models.NodeStatusSuccess, nodes["e"].Status)
	assert.Equal(t, int32(0), joined.Load(), "c must not run after a failed")
}

func TestRun_ErrorAndMainRouteToSameNode(t *testing.T) {
	h := newHarness(t)

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("a"), testutil.WithType("fail"),
			testutil.WithParameters(map[string]any{"message": "a broke", "status_code": 400})),
		testutil.CreateTestNode(testutil.WithID("after")),
	},
		testutil.Connect("a", "after"),
		testutil.ConnectOutput("a", models.OutputError, "after"),
	)

	execution := h.run(t, g, nil)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, models.NodeStatusSuccess, h.nodes(t, execution.ID)["after"].Status)
}

func TestRun_UnhandledFailureFailsExecution(t *testing.T) {
	h := newHarness(t)

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("a")),
		testutil.CreateTestNode(testutil.WithID("boom"), testutil.WithType("fail"), testutil.WithName("Boom"),
			testutil.WithParameters(map[string]any{"message": "exploded"})),
		testutil.CreateTestNode(testutil.WithID("c")),
	}, testutil.Connect("a", "boom"), testutil.Connect("boom", "c"))

	execution := h.run(t, g, nil)

	assert.Equal(t, models.ExecutionStatusError, execution.Status)
	require.NotNil(t, execution.Error)
	assert.Equal(t, "boom", execution.Error.FailedNodeID)
	assert.Equal(t, "Boom", execution.Error.FailedNodeName)
	assert.Equal(t, "fail", execution.Error.FailedNodeType)
	assert.Contains(t, execution.Error.Message, "exploded")
	assert.NotEmpty(t, execution.Error.Stack)

	nodes := h.nodes(t, execution.ID)
	assert.Equal(t, models.NodeStatusSuccess, nodes["a"].Status)
	assert.Equal(t, models.NodeStatusError, nodes["boom"].Status)
	assert.Equal(t, models.NodeStatusSkipped, nodes["c"].Status)

	assert.Equal(t, int32(1), h.failures.Load())
	assert.Len(t, h.recorder.OfType(events.ExecutionFailed), 1)

	again, err := h.orch.Run(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, again.Status)
	assert.Equal(t, int32(1), h.failures.Load(), "notifier fires once per execution")
}

func TestRun_RetriesUntilExhaustedThenRoutesError(t *testing.T) {
	var calls atomic.Int32

	h := newHarness(t)
	h.register("flaky", func(context.Context, nodeexec.Request) (*nodeexec.Result, error) {
		calls.Add(1)

		return nil, &nodeexec.HTTPError{Status: 503, Message: "unavailable"}
	})

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("call"), testutil.WithType("flaky"), testutil.WithRetry(2, 1)),
		testutil.CreateTestNode(testutil.WithID("handler")),
	}, testutil.ConnectOutput("call", models.OutputError, "handler"))

	execution := h.run(t, g, nil)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, int32(3), calls.Load())

	nodes := h.nodes(t, execution.ID)
	assert.Equal(t, 3, nodes["call"].Attempts)
	assert.Equal(t, string(resilience.TypeServiceUnavailable), nodes["call"].Error.Type)
	assert.True(t, nodes["call"].Error.Retryable)
	assert.Equal(t, models.NodeStatusSuccess, nodes["handler"].Status)

	retries := 0
	for _, e := range h.recorder.OfType(events.ExecutionLog) {
		if e.NodeID == "call" {
			retries++
		}
	}

	assert.Equal(t, 2, retries)
}

func TestRun_RetryRecovers(t *testing.T) {
	var calls atomic.Int32

	h := newHarness(t)
	h.register("flaky", func(_ context.Context, req nodeexec.Request) (*nodeexec.Result, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}

		return &nodeexec.Result{Data: map[string]any{"ok": true}}, nil
	})

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("call"), testutil.WithType("flaky")),
	})
	g.Settings.Retry = &models.RetryPolicy{MaxRetries: 3, BaseDelayMs: 1}

	execution := h.run(t, g, nil)

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, 3, h.nodes(t, execution.ID)["call"].Attempts)
}

func TestRun_NonRetryableErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32

	h := newHarness(t)
	h.register("bad", func(context.Context, nodeexec.Request) (*nodeexec.Result, error) {
		calls.Add(1)

		return nil, &nodeexec.HTTPError{Status: 401, Message: "unauthorized"}
	})

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("call"), testutil.WithType("bad"), testutil.WithRetry(5, 1)),
	})

	execution := h.run(t, g, nil)

	assert.Equal(t, models.ExecutionStatusError, execution.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, string(resilience.TypeAuthentication), execution.Error.Type)
}

func TestRun_CircuitBreakerFailsFast(t *testing.T) {
	var calls atomic.Int32

	h := newHarness(t, func(_ *orchestrator.Config, d *orchestrator.Deps) {
		d.Breakers = resilience.NewBreakerRegistry(resilience.CircuitBreakerConfig{
			FailureThreshold: 1,
			ResetTimeout:     time.Hour,
		})
	})
	h.register("remote", func(context.Context, nodeexec.Request) (*nodeexec.Result, error) {
		calls.Add(1)

		return nil, &nodeexec.HTTPError{Status: 500, Message: "down"}
	})

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("call"), testutil.WithType("remote"),
			testutil.WithExternalService("cred-1"), testutil.WithRetry(3, 1)),
	})

	first := h.run(t, g, nil)
	assert.Equal(t, models.ExecutionStatusError, first.Status)
	assert.Equal(t, int32(1), calls.Load(), "open breaker stops the retries")

	second := h.run(t, g, nil)
	assert.Equal(t, models.ExecutionStatusError, second.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, string(resilience.TypeCircuitBreakerOpen), second.Error.Type)
}

func TestRun_ExternalNodeTypesUseBreakerByDefault(t *testing.T) {
	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	h := newHarness(t, func(_ *orchestrator.Config, d *orchestrator.Deps) {
		d.Breakers = resilience.NewBreakerRegistry(resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     time.Hour,
		})
	})

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("fetch"), testutil.WithType(nodeexec.TypeHTTPRequest),
			testutil.WithParameters(map[string]any{"url": server.URL}), testutil.WithRetry(0, 1)),
	})

	var last *models.Execution
	for range 8 {
		last = h.run(t, g, nil)
		assert.Equal(t, models.ExecutionStatusError, last.Status)
	}

	assert.Equal(t, int32(5), hits.Load(), "open breaker stops further calls")
	require.NotNil(t, last.Error)
	assert.Equal(t, string(resilience.TypeCircuitBreakerOpen), last.Error.Type)
}

func TestRun_NodeTimeout(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	h := newHarness(t)
	h.register("stuck", func(context.Context, nodeexec.Request) (*nodeexec.Result, error) {
		<-block

		return &nodeexec.Result{}, nil
	})

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("call"), testutil.WithType("stuck"), testutil.WithTimeout(20)),
	})

	execution := h.run(t, g, nil)

	assert.Equal(t, models.ExecutionStatusError, execution.Status)

	call := h.nodes(t, execution.ID)["call"]
	assert.Equal(t, models.NodeStatusError, call.Status)
	assert.Equal(t, string(resilience.TypeTimeout), call.Error.Type)
	assert.True(t, call.Error.Retryable)
}

func TestRun_ExecutionTimeout(t *testing.T) {
	h := newHarness(t)

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("a")),
		testutil.CreateTestNode(testutil.WithID("slow"), testutil.WithType("wait"),
			testutil.WithParameters(map[string]any{"duration_ms": 5000})),
		testutil.CreateTestNode(testutil.WithID("c")),
	}, testutil.Connect("a", "slow"), testutil.Connect("slow", "c"))
	g.Settings.TimeoutMs = 50

	started := time.Now()
	execution := h.run(t, g, nil)

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, models.ExecutionStatusTimeout, execution.Status)
	require.NotNil(t, execution.Error)
	assert.Equal(t, string(resilience.TypeTimeout), execution.Error.Type)

	nodes := h.nodes(t, execution.ID)
	assert.Equal(t, models.NodeStatusSuccess, nodes["a"].Status)
	assert.Equal(t, models.NodeStatusCancelled, nodes["slow"].Status)
	assert.Equal(t, models.NodeStatusCancelled, nodes["c"].Status)
	assert.Equal(t, int32(1), h.failures.Load())
}

func TestRun_DisabledNodePassesInputThrough(t *testing.T) {
	h := newHarness(t)

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("off"), testutil.WithType("fail"), testutil.WithDisabled()),
		testutil.CreateTestNode(testutil.WithID("next")),
	}, testutil.Connect("off", "next"))

	execution := h.run(t, g, map[string]any{"v": 1})

	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, map[string]any{"v": 1}, h.nodes(t, execution.ID)["next"].OutputData)
}

func TestRun_RedactsSecretsInErrors(t *testing.T) {
	h := newHarness(t)

	g := testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("leak"), testutil.WithType("fail"),
			testutil.WithParameters(map[string]any{"message": "login failed with password=hunter2"})),
	})

	execution := h.run(t, g, nil)

	require.NotNil(t, execution.Error)
	assert.NotContains(t, execution.Error.Message, "hunter2")
	assert.NotContains(t, execution.Error.Stack, "hunter2")
	assert.NotContains(t, h.nodes(t, execution.ID)["leak"].Error.Message, "hunter2")

	for _, e := range h.recorder.OfType(events.NodeFailed) {
		nodeErr, ok := e.Data["error"].(*models.NodeError)
		require.True(t, ok)
		assert.NotContains(t, nodeErr.Message, "hunter2")
	}
}

// gate blocks a node type until released and reports when it started.
type gate struct {
	started chan string
	release chan struct{}
	calls   sync.Map
}

func newGate() *gate {
	return &gate{started: make(chan string, 10), release: make(chan struct{})}
}

func (g *gate) executor(_ context.Context, req nodeexec.Request) (*nodeexec.Result, error) {
	count, _ := g.calls.LoadOrStore(req.NodeID, new(atomic.Int32))
	count.(*atomic.Int32).Add(1)

	g.started <- req.NodeID
	<-g.release

	return &nodeexec.Result{Data: req.Input}, nil
}

func (g *gate) count(nodeID string) int32 {
	v, ok := g.calls.Load(nodeID)
	if !ok {
		return 0
	}

	return v.(*atomic.Int32).Load()
}

type runResult struct {
	execution *models.Execution
	err       error
}

func runAsync(ctx context.Context, orch *orchestrator.Orchestrator, id string) <-chan runResult {
	out := make(chan runResult, 1)

	go func() {
		execution, err := orch.Run(ctx, id)
		out <- runResult{execution, err}
	}()

	return out
}

func waitStarted(t *testing.T, g *gate, nodeID string) {
	t.Helper()

	select {
	case id := <-g.started:
		require.Equal(t, nodeID, id)
	case <-time.After(5 * time.Second):
		t.Fatalf("node %s never started", nodeID)
	}
}

func waitResult(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()

	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")

		return runResult{}
	}
}

func gatedGraph() *models.WorkflowGraph {
	return testutil.CreateTestGraph([]*models.Node{
		testutil.CreateTestNode(testutil.WithID("a"), testutil.WithType("gated")),
		testutil.CreateTestNode(testutil.WithID("b"), testutil.WithType("gated")),
		testutil.CreateTestNode(testutil.WithID("c"), testutil.WithType("gated")),
	}, testutil.Connect("a", "b"), testutil.Connect("b", "c"))
}

func TestCancel_LetsRunningNodeFinishAndCancelsTheRest(t *testing.T) {
	ctx := context.Background()
	g := newGate()

	h := newHarness(t)
	h.register("gated", g.executor)

	execution, err := h.orch.Prepare(ctx, orchestrator.PrepareInput{Graph: gatedGraph()})
	require.NoError(t, err)

	done := runAsync(ctx, h.orch, execution.ID)

	waitStarted(t, g, "a")
	g.release <- struct{}{}
	waitStarted(t, g, "b")

	_, err = h.orch.Cancel(ctx, execution.ID)
	require.NoError(t, err)

	close(g.release)

	res := waitResult(t, done)
	require.NoError(t, res.err)

	assert.Equal(t, models.ExecutionStatusCancelled, res.execution.Status)
	assert.NotNil(t, res.execution.CancelledAt)

	nodes := h.nodes(t, execution.ID)
	assert.Equal(t, models.NodeStatusSuccess, nodes["a"].Status)
	assert.Equal(t, models.NodeStatusSuccess, nodes["b"].Status)
	assert.Equal(t, models.NodeStatusCancelled, nodes["c"].Status)
	assert.Equal(t, int32(0), g.count("c"))

	assert.Len(t, h.recorder.OfType(events.ExecutionCancelled), 1)
	assert.Equal(t, int32(0), h.failures.Load())

	_, err = h.orch.Cancel(ctx, execution.ID)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidTransition)
}

func TestCancel_QueuedExecutionIsCancelledImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	execution, err := h.orch.Prepare(ctx, orchestrator.PrepareInput{Graph: testutil.LinearGraph("a", "b")})
	require.NoError(t, err)

	cancelled, err := h.orch.Cancel(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	result, err := h.orch.Run(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, result.Status)
	assert.Empty(t, h.recorder.OfType(events.NodeStarted))
}

// hookedStore runs onRead once, on the first execution lookup after it is
// armed.
type hookedStore struct {
	*memory.Persistence
	armed  atomic.Bool
	onRead func()
}

func (s *hookedStore) Executions() persistence.ExecutionRepository {
	return &hookedExecutions{ExecutionRepository: s.Persistence.Executions(), store: s}
}

type hookedExecutions struct {
	persistence.ExecutionRepository
	store *hookedStore
}

func (e *hookedExecutions) ByID(ctx context.Context, id string) (*models.Execution, error) {
	execution, err := e.ExecutionRepository.ByID(ctx, id)
	if e.store.armed.CompareAndSwap(true, false) {
		e.store.onRead()
	}

	return execution, err
}

func TestRun_CancelBeforeRunTakesTheSlotStaysCancelled(t *testing.T) {
	ctx := context.Background()
	store := &hookedStore{Persistence: memory.NewPersistence()}

	h := newHarness(t, func(_ *orchestrator.Config, d *orchestrator.Deps) {
		d.Persistence = store
	})
	h.store = store.Persistence

	execution, err := h.orch.Prepare(ctx, orchestrator.PrepareInput{Graph: testutil.LinearGraph("a", "b")})
	require.NoError(t, err)

	store.onRead = func() {
		cancelled, err := h.orch.Cancel(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)
	}
	store.armed.Store(true)

	result, err := h.orch.Run(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, result.Status)

	assert.Empty(t, h.recorder.OfType(events.ExecutionStarted))
	assert.Empty(t, h.recorder.OfType(events.NodeStarted))
	assert.Len(t, h.recorder.OfType(events.ExecutionCancelled), 1)

	stored, err := h.store.Executions().ByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
}

func TestRun_ObservesCancelRequestedByAnotherProcess(t *testing.T) {
	ctx := context.Background()
	g := newGate()

	h := newHarness(t)
	h.register("gated", g.executor)

	execution, err := h.orch.Prepare(ctx, orchestrator.PrepareInput{Graph: gatedGraph()})
	require.NoError(t, err)

	done := runAsync(ctx, h.orch, execution.ID)

	waitStarted(t, g, "a")
	require.NoError(t, h.store.Executions().RequestCancel(ctx, execution.ID))
	close(g.release)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, models.ExecutionStatusCancelled, res.execution.Status)
	assert.Equal(t, int32(0), g.count("b"))
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	g := newGate()

	h := newHarness(t)
	h.register("gated", g.executor)

	execution, err := h.orch.Prepare(ctx, orchestrator.PrepareInput{Graph: gatedGraph()})
	require.NoError(t, err)

	done := runAsync(ctx, h.orch, execution.ID)

	waitStarted(t, g, "a")

	_, err = h.orch.Pause(ctx, execution.ID)
	require.NoError(t, err)

	g.release <- struct{}{}

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, models.ExecutionStatusPaused, res.execution.Status)
	assert.NotNil(t, res.execution.PausedAt)

	nodes := h.nodes(t, execution.ID)
	assert.Equal(t, models.NodeStatusSuccess, nodes["a"].Status)
	assert.Equal(t, models.NodeStatusPaused, nodes["b"].Status)
	assert.Equal(t, models.NodeStatusPaused, nodes["c"].Status)

	still, err := h.orch.Run(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, still.Status, "paused executions stay paused until resumed")

	resumed, err := h.orch.Resume(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusQueued, resumed.Status)
	assert.NotNil(t, resumed.ResumedAt)

	close(g.release)

	final, err := h.orch.Run(ctx, execution.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, final.Status)
	assert.Equal(t, int32(1), g.count("a"), "succeeded nodes are not run again")
	assert.Equal(t, int32(1), g.count("b"))
	assert.Equal(t, int32(1), g.count("c"))
	assert.Len(t, h.recorder.OfType(events.ExecutionStarted), 1)

	_, err = h.orch.Resume(ctx, execution.ID)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidTransition)
}

func TestPause_RejectsTerminalExecutions(t *testing.T) {
	h := newHarness(t)
	execution := h.run(t, testutil.LinearGraph("a"), nil)

	_, err := h.orch.Pause(context.Background(), execution.ID)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidTransition)
}

func TestRun_InterruptedRunResumesWithoutRerunningSucceededNodes(t *testing.T) {
	g := newGate()

	h := newHarness(t)
	h.register("gated", g.executor)

	execution, err := h.orch.Prepare(context.Background(), orchestrator.PrepareInput{Graph: gatedGraph()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, h.orch, execution.ID)

	waitStarted(t, g, "a")
	g.release <- struct{}{}
	waitStarted(t, g, "b")

	cancel()

	res := waitResult(t, done)
	require.ErrorIs(t, res.err, context.Canceled)

	stored, err := h.store.Executions().ByID(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
	assert.Equal(t, models.NodeStatusRunning, h.nodes(t, execution.ID)["b"].Status)

	close(g.release)

	final, err := h.orch.Run(context.Background(), execution.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusSuccess, final.Status)
	assert.Equal(t, int32(1), g.count("a"))
	assert.Equal(t, int32(2), g.count("b"))
	assert.Equal(t, int32(1), g.count("c"))
}

func TestRun_RejectsConcurrentRunOfSameExecution(t *testing.T) {
	ctx := context.Background()
	g := newGate()

	h := newHarness(t)
	h.register("gated", g.executor)

	execution, err := h.orch.Prepare(ctx, orchestrator.PrepareInput{Graph: gatedGraph()})
	require.NoError(t, err)

	done := runAsync(ctx, h.orch, execution.ID)
	waitStarted(t, g, "a")

	assert.Contains(t, h.orch.Active(), execution.ID)

	_, err = h.orch.Run(ctx, execution.ID)
	require.ErrorIs(t, err, orchestrator.ErrAlreadyRunning)

	close(g.release)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Empty(t, h.orch.Active())
}

func TestRunNode(t *testing.T) {
	h := newHarness(t)

	execution, err := h.orch.RunNode(context.Background(), orchestrator.RunNodeInput{
		WorkflowID: "wf-debug",
		Node: testutil.CreateTestNode(testutil.WithID("only"), testutil.WithType("set"),
			testutil.WithParameters(map[string]any{"values": map[string]any{"added": true}})),
		Input: map[string]any{"given": 1},
	})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionModeSingleNode, execution.Mode)
	assert.Equal(t, "wf-debug", execution.WorkflowID)
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, map[string]any{"given": 1, "added": true}, h.nodes(t, execution.ID)["only"].OutputData)
}
