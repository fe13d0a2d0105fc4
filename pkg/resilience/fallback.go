package resilience

import "context"

// ExecuteWithFallback runs primary and, when it fails with an error matched
// by shouldFallback, runs fallback instead. Unmatched errors are returned
// unchanged. A nil predicate matches every error.
func ExecuteWithFallback[T any](
	ctx context.Context,
	primary func(ctx context.Context) (T, error),
	fallback func(ctx context.Context, cause error) (T, error),
	shouldFallback func(error) bool,
) (T, error) {
	result, err := primary(ctx)
	if err == nil {
		return result, nil
	}

	if shouldFallback != nil && !shouldFallback(err) {
		return result, err
	}

	return fallback(ctx, err)
}

// ExecuteWithDefault is ExecuteWithFallback with a static substitute value.
func ExecuteWithDefault[T any](
	ctx context.Context,
	primary func(ctx context.Context) (T, error),
	defaultValue T,
	shouldFallback func(error) bool,
) (T, error) {
	return ExecuteWithFallback(ctx, primary, func(context.Context, error) (T, error) {
		return defaultValue, nil
	}, shouldFallback)
}
