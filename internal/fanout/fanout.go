// Package fanout runs a fetch for many keys under a concurrency cap and
// collects per-key successes and failures.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market-cache/internal/common/errors"

	"golang.org/x/sync/semaphore"
)

// FetchFunc fetches the value for one key
type FetchFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// ErrorInfo describes why a key failed
type ErrorInfo struct {
	Err       error         `json:"-"`
	Message   string        `json:"error"`
	Cancelled bool          `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
}

// Result holds the outcome of every requested key. A key appears in exactly
// one of the two maps.
type Result[K comparable, V any] struct {
	Succeeded map[K]V
	Failed    map[K]ErrorInfo
}

// AllFailed reports whether keys were requested and none succeeded
func (r Result[K, V]) AllFailed() bool {
	return len(r.Succeeded) == 0 && len(r.Failed) > 0
}

// Run calls fetch once for every distinct key with at most limit calls in
// flight. A new key starts as soon as a slot frees. Failures never abort the
// run; they are recorded in Failed.
//
// Once ctx is done no further keys are started. Keys that were never started,
// and keys whose fetch returns after cancellation, are recorded as cancelled.
// A limit below 1 is treated as 1.
func Run[K comparable, V any](ctx context.Context, keys []K, limit int, fetch FetchFunc[K, V]) Result[K, V] {
	unique := dedupe(keys)
	result := Result[K, V]{
		Succeeded: make(map[K]V, len(unique)),
		Failed:    make(map[K]ErrorInfo),
	}
	if len(unique) == 0 {
		return result
	}

	if limit < 1 {
		limit = 1
	}
	if limit > len(unique) {
		limit = len(unique)
	}

	sem := semaphore.NewWeighted(int64(limit))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	record := func(key K, value V, err error, elapsed time.Duration) {
		mu.Lock()
		defer mu.Unlock()

		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err == nil {
			result.Succeeded[key] = value
			return
		}

		info := classify(key, err, ctx.Err() != nil)
		info.Duration = elapsed
		result.Failed[key] = info
	}

	for i, key := range unique {
		if err := acquire(ctx, sem); err != nil {
			mu.Lock()
			for _, skipped := range unique[i:] {
				result.Failed[skipped] = classify(skipped, err, true)
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(key K) {
			defer wg.Done()
			defer sem.Release(1)

			var zero V
			if err := ctx.Err(); err != nil {
				record(key, zero, err, 0)
				return
			}

			start := time.Now()
			value, err := call(ctx, key, fetch)
			record(key, value, err, time.Since(start))
		}(key)
	}

	wg.Wait()
	return result
}

func acquire(ctx context.Context, sem *semaphore.Weighted) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sem.Acquire(ctx, 1)
}

// call runs fetch, turning a panic into an error for that key
func call[K comparable, V any](ctx context.Context, key K, fetch FetchFunc[K, V]) (value V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(fmt.Sprintf("fetch %v panicked", key), fmt.Errorf("%v", r))
		}
	}()
	return fetch(ctx, key)
}

func classify[K comparable](key K, err error, cancelled bool) ErrorInfo {
	name := fmt.Sprint(key)

	var wrapped error
	switch {
	case cancelled:
		if errors.GetType(err) == errors.ErrTypeCancelled {
			wrapped = err
		} else {
			wrapped = errors.CancelledError(name, err)
		}
	case errors.GetType(err) == errors.ErrTypeProvider:
		wrapped = err
	default:
		wrapped = errors.ProviderError(name, err)
	}

	return ErrorInfo{
		Err:       wrapped,
		Message:   wrapped.Error(),
		Cancelled: cancelled,
	}
}

func dedupe[K comparable](keys []K) []K {
	seen := make(map[K]struct{}, len(keys))
	unique := make([]K, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	return unique
}
