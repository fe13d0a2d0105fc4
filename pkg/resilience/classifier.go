package resilience

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// Failure is one of the failure shapes the classifier understands:
// NetworkFailure, HTTPFailure, TimeoutFailure or GenericFailure.
type Failure interface {
	failure()
	message() string
}

// NetworkFailure is a transport level failure identified by a code such as
// ENOTFOUND or ECONNREFUSED.
type NetworkFailure struct {
	Code    string
	Message string
}

// HTTPFailure is a response with a non-success status.
type HTTPFailure struct {
	StatusCode int
	Message    string
}

// TimeoutFailure is any deadline or timeout signal.
type TimeoutFailure struct {
	Message string
}

// GenericFailure carries only a message, classified by text heuristics.
type GenericFailure struct {
	Message string
}

func (NetworkFailure) failure() {}
func (HTTPFailure) failure()    {}
func (TimeoutFailure) failure() {}
func (GenericFailure) failure() {}

func (f NetworkFailure) message() string {
	if f.Message != "" {
		return f.Message
	}

	return f.Code
}

func (f HTTPFailure) message() string {
	if f.Message != "" {
		return f.Message
	}

	return "unexpected status code"
}

func (f TimeoutFailure) message() string {
	if f.Message != "" {
		return f.Message
	}

	return "operation timed out"
}

func (f GenericFailure) message() string { return f.Message }

// Classification is the outcome of classifying a failure.
type Classification struct {
	Type      ErrorType
	Category  Category
	Retryable bool
}

var networkCodes = map[string]struct{}{
	"ENOTFOUND":    {},
	"ECONNREFUSED": {},
	"ECONNRESET":   {},
	"ECONNABORTED": {},
	"EHOSTUNREACH": {},
	"ENETUNREACH":  {},
	"EAI_AGAIN":    {},
	"EPIPE":        {},
}

var (
	timeoutHints  = []string{"timeout", "timed out", "deadline exceeded"}
	resourceHints = []string{"out of memory", "cannot allocate memory", "too many open files", "quota", "no space left", "heap"}
	networkHints  = []string{"connection refused", "connection reset", "no such host", "network is unreachable", "broken pipe"}
)

// Classify maps a failure to its type, category and retryability. Rules are
// applied in priority order: network codes, timeout signals, then HTTP status
// classes, then resource exhaustion hints; anything else is unknown.
func Classify(f Failure) Classification {
	switch v := f.(type) {
	case NetworkFailure:
		if _, ok := networkCodes[strings.ToUpper(v.Code)]; ok {
			return Classification{TypeNetwork, CategoryTransient, true}
		}

		if strings.EqualFold(v.Code, "ETIMEDOUT") || strings.EqualFold(v.Code, "ESOCKETTIMEDOUT") {
			return Classification{TypeTimeout, CategoryTimeout, true}
		}

		return classifyText(v.message())
	case TimeoutFailure:
		return Classification{TypeTimeout, CategoryTimeout, true}
	case HTTPFailure:
		return classifyStatus(v.StatusCode, v.message())
	case GenericFailure:
		return classifyText(v.Message)
	default:
		return Classification{TypeUnknown, CategoryPermanent, false}
	}
}

func classifyStatus(status int, msg string) Classification {
	switch {
	case status == 401 || status == 403:
		return Classification{TypeAuthentication, CategoryConfiguration, false}
	case status == 429:
		return Classification{TypeRateLimit, CategoryTransient, true}
	case status == 408 || status == 504:
		return Classification{TypeTimeout, CategoryTimeout, true}
	case status >= 500 && status <= 599:
		return Classification{TypeServiceUnavailable, CategoryTransient, true}
	case status >= 400 && status <= 499:
		return Classification{TypeClient, CategoryConfiguration, false}
	default:
		return classifyText(msg)
	}
}

func classifyText(msg string) Classification {
	lower := strings.ToLower(msg)

	switch {
	case containsAny(lower, networkHints):
		return Classification{TypeNetwork, CategoryTransient, true}
	case containsAny(lower, timeoutHints):
		return Classification{TypeTimeout, CategoryTimeout, true}
	case containsAny(lower, resourceHints):
		return Classification{TypeResourceExhaustion, CategoryResource, false}
	default:
		return Classification{TypeUnknown, CategoryPermanent, false}
	}
}

func containsAny(s string, hints []string) bool {
	for _, hint := range hints {
		if strings.Contains(s, hint) {
			return true
		}
	}

	return false
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// FailureOf converts a Go error into the failure shape that best describes it.
func FailureOf(err error) Failure {
	msg := err.Error()

	var statusErr StatusCoder
	if errors.As(err, &statusErr) {
		return HTTPFailure{StatusCode: statusErr.StatusCode(), Message: msg}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return TimeoutFailure{Message: msg}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return TimeoutFailure{Message: msg}
		}

		if dnsErr.IsTemporary {
			return NetworkFailure{Code: "EAI_AGAIN", Message: msg}
		}

		return NetworkFailure{Code: "ENOTFOUND", Message: msg}
	}

	if code := errnoCode(err); code != "" {
		return NetworkFailure{Code: code, Message: msg}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimeoutFailure{Message: msg}
	}

	return GenericFailure{Message: msg}
}

func errnoCode(err error) string {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET"
	case errors.Is(err, syscall.ECONNABORTED):
		return "ECONNABORTED"
	case errors.Is(err, syscall.EHOSTUNREACH):
		return "EHOSTUNREACH"
	case errors.Is(err, syscall.ENETUNREACH):
		return "ENETUNREACH"
	case errors.Is(err, syscall.EPIPE):
		return "EPIPE"
	case errors.Is(err, syscall.ETIMEDOUT):
		return "ETIMEDOUT"
	default:
		return ""
	}
}

// ClassifyError classifies err into an *Error. An error that already is (or
// wraps) an *Error is returned as that *Error.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	failure := FailureOf(err)
	c := Classify(failure)

	out := &Error{
		Type:      c.Type,
		Category:  c.Category,
		Retryable: c.Retryable,
		Message:   err.Error(),
		Cause:     err,
	}

	switch f := failure.(type) {
	case HTTPFailure:
		out.Context = map[string]any{"status_code": f.StatusCode}
	case NetworkFailure:
		out.Context = map[string]any{"code": f.Code}
	}

	return out
}
