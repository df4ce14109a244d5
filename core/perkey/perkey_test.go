package perkey

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_SerialPerKey(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = s.Do("agg-1", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// give each submission a head start so submission order is stable
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	require.Len(t, order, 10)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestScheduler_ParallelAcrossKeys(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		wg       sync.WaitGroup
	)

	for _, key := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		key := key
		go func() {
			defer wg.Done()
			_ = s.Do(key, func() error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	require.Greater(t, peak.Load(), int32(1))
}

func TestScheduler_Closed(t *testing.T) {
	s := New[string]()
	s.Close()

	err := s.Do("k", func() error { return nil })
	require.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestScheduler_ContextCancelled(t *testing.T) {
	s := New[string]()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.DoContext(ctx, "k", func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
