package resilience

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

type indexedError struct {
	index int
	err   *Error
}

// Aggregator collects indexed errors from a batch and folds them into a
// single batch_error. It is safe for concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	errors []indexedError
}

// Add records err for the batch item at index. Nil errors are ignored.
func (a *Aggregator) Add(index int, err error) {
	if err == nil {
		return
	}

	a.mu.Lock()
	a.errors = append(a.errors, indexedError{index: index, err: ClassifyError(err)})
	a.mu.Unlock()
}

// Len returns the number of recorded errors.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.errors)
}

// Err returns nil when nothing was recorded. Otherwise the category is the
// one shared by every error, or permanent when they differ, and the result
// is retryable when any constituent is.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	collected := make([]indexedError, len(a.errors))
	copy(collected, a.errors)
	a.mu.Unlock()

	if len(collected) == 0 {
		return nil
	}

	sort.SliceStable(collected, func(i, j int) bool { return collected[i].index < collected[j].index })

	category := collected[0].err.Category
	retryable := false
	details := make([]map[string]any, 0, len(collected))
	causes := make([]error, 0, len(collected))

	for _, item := range collected {
		if item.err.Category != category {
			category = CategoryPermanent
		}

		if item.err.Retryable {
			retryable = true
		}

		details = append(details, map[string]any{
			"index":   item.index,
			"type":    string(item.err.Type),
			"message": item.err.Message,
		})
		causes = append(causes, item.err)
	}

	return &Error{
		Type:      TypeBatch,
		Category:  category,
		Retryable: retryable,
		Message:   fmt.Sprintf("%d operations failed", len(collected)),
		Context:   map[string]any{"errors": details},
		Cause:     errors.Join(causes...),
	}
}
