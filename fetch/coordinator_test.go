package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cidcache/cidcache/index"
)

func TestDo_SingleCall(t *testing.T) {
	c := NewCoordinator()

	expected := &Result{Record: &index.Record{Ref: "bafyhello", ByteSize: 5}}

	result, shared, err := c.Do(context.Background(), "key1", func(ctx context.Context) (*Result, error) {
		return expected, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, expected.Record.Ref, result.Record.Ref)
	require.Equal(t, expected.Record.ByteSize, result.Record.ByteSize)
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	c := NewCoordinator()

	var callCount atomic.Int32
	expected := &Result{Record: &index.Record{Ref: "bafydata", ByteSize: 4}}

	var wg sync.WaitGroup
	results := make([]*Result, 10)
	errs := make([]error, 10)

	// Start the fetch function but make it slow enough for all goroutines to pile up
	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = c.Do(context.Background(), "shared-key", func(ctx context.Context) (*Result, error) {
				callCount.Add(1)
				time.Sleep(50 * time.Millisecond)
				return expected, nil
			})
		}(i)
	}

	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "fetch func should be called exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, expected.Record.Ref, results[i].Record.Ref)
	}
}

func TestDo_CallerTimeout(t *testing.T) {
	c := NewCoordinator()

	var fetchCompleted atomic.Bool
	expected := &Result{Record: &index.Record{Ref: "bafyslow", ByteSize: 4}}

	// First caller with short timeout
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	// Start a slow fetch
	var slowWg sync.WaitGroup
	slowWg.Add(1)
	go func() {
		defer slowWg.Done()
		_, _, _ = c.Do(shortCtx, "timeout-key", func(ctx context.Context) (*Result, error) {
			time.Sleep(200 * time.Millisecond)
			fetchCompleted.Store(true)
			return expected, nil
		})
	}()

	// Wait for first caller to start the fetch
	time.Sleep(5 * time.Millisecond)

	// Second caller with long timeout should get the result
	longCtx, longCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer longCancel()

	result, shared, err := c.Do(longCtx, "timeout-key", func(ctx context.Context) (*Result, error) {
		t.Fatal("should not be called - fetch already in flight")
		return nil, nil
	})

	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, expected.Record.Ref, result.Record.Ref)
	require.True(t, fetchCompleted.Load())

	slowWg.Wait()
}

func TestDo_FetchError(t *testing.T) {
	c := NewCoordinator()

	expectedErr := errors.New("upstream unavailable")

	var wg sync.WaitGroup
	errs := make([]error, 5)

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = c.Do(context.Background(), "error-key", func(ctx context.Context) (*Result, error) {
				time.Sleep(20 * time.Millisecond)
				return nil, expectedErr
			})
		}(i)
	}

	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_ErrorForgetsKeyForRetry(t *testing.T) {
	c := NewCoordinator()

	var callCount atomic.Int32
	expectedErr := errors.New("transient error")

	// First call fails; the key is forgotten automatically.
	_, _, err := c.Do(context.Background(), "retry-key", func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return nil, expectedErr
	})
	require.ErrorIs(t, err, expectedErr)
	require.Equal(t, int32(1), callCount.Load())

	// Second call retries instead of inheriting the cached error.
	expected := &Result{Record: &index.Record{Ref: "bafyretry", ByteSize: 13}}
	result, shared, err := c.Do(context.Background(), "retry-key", func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return expected, nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, int32(2), callCount.Load())
	require.Equal(t, expected.Record.Ref, result.Record.Ref)
}

func TestDo_DifferentKeys(t *testing.T) {
	c := NewCoordinator()

	var callCount atomic.Int32
	errs := make([]error, 5)
	var wg sync.WaitGroup

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := "key-" + string(rune('a'+idx))
			_, _, errs[idx] = c.Do(context.Background(), key, func(ctx context.Context) (*Result, error) {
				callCount.Add(1)
				return &Result{Record: &index.Record{Ref: key, ByteSize: 1}}, nil
			})
		}(i)
	}

	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
	}
	require.Equal(t, int32(5), callCount.Load(), "each key should trigger its own fetch")
}

func TestDo_Timeout(t *testing.T) {
	c := NewCoordinator(WithTimeout(20 * time.Millisecond))

	_, _, err := c.Do(context.Background(), "slow-key", func(ctx context.Context) (*Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &Result{}, nil
		}
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInFlightTracking(t *testing.T) {
	c := NewCoordinator()

	require.False(t, c.InFlight("tracked-key"))
	require.Zero(t, c.InFlightCount())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _, _ = c.Do(context.Background(), "tracked-key", func(ctx context.Context) (*Result, error) {
			close(started)
			<-release
			return &Result{Record: &index.Record{Ref: "tracked-key"}}, nil
		})
	}()

	<-started
	require.True(t, c.InFlight("tracked-key"))
	require.Equal(t, 1, c.InFlightCount())

	close(release)
	<-done
	require.False(t, c.InFlight("tracked-key"))
	require.Zero(t, c.InFlightCount())
}
