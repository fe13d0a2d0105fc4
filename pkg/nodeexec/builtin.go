package nodeexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/resilience"
)

// Builtin node types.
const (
	TypeNoop        = "noop"
	TypeSet         = "set"
	TypeIf          = "if"
	TypeFail        = "fail"
	TypeWait        = "wait"
	TypeHTTPRequest = "http-request"
)

// Outputs of the if node.
const (
	OutputTrue  = "true"
	OutputFalse = "false"
)

// noop forwards its input.
func noop(_ context.Context, req Request) (*Result, error) {
	return &Result{Data: models.CopyMap(req.Input)}, nil
}

// set emits the input with the "values" parameter merged on top.
func set(_ context.Context, req Request) (*Result, error) {
	out := models.CopyMap(req.Input)
	if out == nil {
		out = make(map[string]any)
	}

	values, _ := req.Parameters["values"].(map[string]any)
	for k, v := range values {
		out[k] = v
	}

	return &Result{Data: out}, nil
}

// ifNode routes to the "true" or "false" output depending on whether the
// input field named by the "field" parameter equals the "equals" parameter,
// or is truthy when "equals" is absent.
func ifNode(_ context.Context, req Request) (*Result, error) {
	field, ok := req.Parameters["field"].(string)
	if !ok || field == "" {
		return nil, &resilience.Error{
			Type:     resilience.TypeClient,
			Category: resilience.CategoryConfiguration,
			Message:  "if node requires a 'field' parameter",
		}
	}

	value := lookup(req.Input, field)

	var matched bool

	if expected, ok := req.Parameters["equals"]; ok {
		matched = fmt.Sprint(value) == fmt.Sprint(expected)
	} else {
		matched = truthy(value)
	}

	output := OutputFalse
	if matched {
		output = OutputTrue
	}

	return &Result{
		Data:          map[string]any{"condition_result": matched, "evaluated_value": value},
		ActiveOutputs: []string{output},
	}, nil
}

// fail always fails with the message and optional status_code parameters.
// It exists to exercise error routes and retry policies.
func fail(_ context.Context, req Request) (*Result, error) {
	msg, _ := req.Parameters["message"].(string)
	if msg == "" {
		msg = "node failed"
	}

	if status, ok := number(req.Parameters["status_code"]); ok {
		return nil, &HTTPError{Status: int(status), Message: msg}
	}

	return nil, errors.New(msg)
}

// wait sleeps for the duration_ms parameter, honouring cancellation.
func wait(ctx context.Context, req Request) (*Result, error) {
	ms, _ := number(req.Parameters["duration_ms"])

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return &Result{Data: models.CopyMap(req.Input)}, nil
	}
}

func lookup(m map[string]any, path string) any {
	var current any = m

	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}

		current = obj[part]
	}

	return current
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
