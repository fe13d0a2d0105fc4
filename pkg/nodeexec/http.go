package nodeexec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/runflow/pkg/resilience"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPError is a response with a status of 400 or above.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// StatusCode lets the classifier treat the error as an HTTP failure.
func (e *HTTPError) StatusCode() int {
	return e.Status
}

// HTTPExecutor implements the http-request node type. Parameters: url
// (required), method, headers, body (string or JSON value), timeout seconds.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor uses client, or a default client when nil.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	url, ok := req.Parameters["url"].(string)
	if !ok || url == "" {
		return nil, &resilience.Error{
			Type:     resilience.TypeClient,
			Category: resilience.CategoryConfiguration,
			Message:  "http-request node requires a 'url' parameter",
		}
	}

	method := http.MethodGet
	if m, ok := req.Parameters["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	timeout := defaultHTTPTimeout
	if seconds, ok := number(req.Parameters["timeout"]); ok && seconds > 0 {
		timeout = time.Duration(seconds * float64(time.Second))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := requestBody(req.Parameters["body"])
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &resilience.Error{
			Type:     resilience.TypeClient,
			Category: resilience.CategoryConfiguration,
			Message:  fmt.Sprintf("failed to create request: %v", err),
			Cause:    err,
		}
	}

	if headers, ok := req.Parameters["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	if body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Status: resp.StatusCode, Message: string(respBody)}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	out := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        string(respBody),
	}

	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err == nil {
		out["json"] = decoded
	}

	return &Result{Data: out}, nil
}

func requestBody(v any) (string, error) {
	switch b := v.(type) {
	case nil:
		return "", nil
	case string:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return "", fmt.Errorf("failed to encode request body: %w", err)
		}

		return string(data), nil
	}
}
