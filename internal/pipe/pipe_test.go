package pipe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidCapacity(t *testing.T) {
	_, err := New[int](0)
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = New[int](-3)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestSendRecvOrder(t *testing.T) {
	q := Must[int](4)

	for i := range 4 {
		require.True(t, q.TrySend(i))
	}
	require.Equal(t, 4, q.Len())

	for i := range 4 {
		var got int
		require.True(t, q.Recv(&got))
		require.Equal(t, i, got)
	}
	require.Equal(t, 0, q.Len())
}

func TestTrySendFull(t *testing.T) {
	q := Must[int](2)
	require.True(t, q.TrySend(1))
	require.True(t, q.TrySend(2))
	require.False(t, q.TrySend(3))
}

func TestSendEvictOldest(t *testing.T) {
	q := Must[int](2)
	require.True(t, q.TrySend(1))
	require.True(t, q.TrySend(2))

	evicted, didEvict, ok := q.SendEvictOldest(3)
	require.True(t, ok)
	require.True(t, didEvict)
	require.Equal(t, 1, evicted)

	var got int
	require.True(t, q.Recv(&got))
	require.Equal(t, 2, got)
	require.True(t, q.Recv(&got))
	require.Equal(t, 3, got)
}

func TestEvictMin(t *testing.T) {
	q := Must[int](4)
	for _, v := range []int{5, 2, 7, 4} {
		require.True(t, q.TrySend(v))
	}

	victim, ok := q.EvictMin(func(a, b int) bool { return a < b })
	require.True(t, ok)
	require.Equal(t, 2, victim)

	var got []int
	for range 3 {
		var v int
		require.True(t, q.Recv(&v))
		got = append(got, v)
	}
	require.Equal(t, []int{5, 7, 4}, got)
}

func TestRecvTimeout(t *testing.T) {
	q := Must[int](1)

	start := time.Now()
	var got int
	require.False(t, q.RecvTimeout(&got, 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.True(t, q.TrySend(42))
	require.True(t, q.RecvTimeout(&got, time.Second))
	require.Equal(t, 42, got)
}

func TestRecvTimeoutWakesOnSend(t *testing.T) {
	q := Must[int](1)

	done := make(chan int, 1)
	go func() {
		var got int
		if q.RecvTimeout(&got, 5*time.Second) {
			done <- got
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.True(t, q.TrySend(7))

	select {
	case got := <-done:
		require.Equal(t, 7, got)
	case <-time.After(time.Second):
		t.Fatal("consumer did not wake on send")
	}
}

func TestCloseUnblocksAndDrains(t *testing.T) {
	q := Must[int](2)
	require.True(t, q.TrySend(1))

	require.NoError(t, q.Close())

	require.False(t, q.TrySend(2))
	require.False(t, q.Send(2))

	var got int
	require.True(t, q.Recv(&got))
	require.Equal(t, 1, got)
	require.False(t, q.Recv(&got))
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const messageCount = 1000

	q := Must[int](16)

	var count atomic.Uint64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range messageCount {
			q.Send(i)
		}
		q.Close()
	}()

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				var v int
				if !q.Recv(&v) {
					return
				}
				count.Add(1)
			}
		}()
	}

	wg.Wait()
	require.Equal(t, uint64(messageCount), count.Load())
}

func BenchmarkQueue(b *testing.B) {
	b.Run("single_producer_single_consumer", func(b *testing.B) {
		for b.Loop() {
			q := Must[int](128)

			var count atomic.Uint64
			var wg sync.WaitGroup

			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 1000 {
					q.Send(i)
				}
				q.Close()
			}()

			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					var v int
					if !q.Recv(&v) {
						return
					}
					count.Add(1)
				}
			}()

			wg.Wait()

			require.Equal(b, uint64(1000), count.Load())
		}
	})
}
