package relais

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAsyncResult_CompletesOnce(t *testing.T) {
	res := NewAsyncResult[int]()
	require.False(t, res.IsDone())
	_, _, ok := res.Result()
	require.False(t, ok)

	require.True(t, res.Succeed(42))
	require.False(t, res.Succeed(7))
	require.False(t, res.Fail(errors.New("late")))
	require.True(t, res.IsDone())

	val, err := res.AwaitTimeout(time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, val)
}

func TestAsyncResult_FailWithoutCause(t *testing.T) {
	res := NewAsyncResult[struct{}]()
	require.True(t, res.Fail(nil))
	_, err := res.Await(context.Background())
	require.Error(t, err)
}

func TestAsyncResult_Timeout(t *testing.T) {
	res := NewAsyncResult[string]()
	_, err := res.AwaitTimeout(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = res.Await(ctx)
	require.ErrorIs(t, err, ErrTimeout)

	// a timed-out wait does not complete the result.
	require.False(t, res.IsDone())
	require.True(t, res.Succeed("late"))
}

func TestAsyncResult_Interrupted(t *testing.T) {
	res := NewAsyncResult[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := res.Await(ctx)
	require.ErrorIs(t, err, ErrInterrupted)
	require.True(t, IsConnectionError(err))
}

func TestAsyncResult_Callbacks(t *testing.T) {
	res := NewAsyncResult[int]()
	var got []int
	var lk sync.Mutex
	record := func(v int, err error) {
		require.NoError(t, err)
		lk.Lock()
		got = append(got, v)
		lk.Unlock()
	}
	res.OnComplete(record)
	res.OnComplete(record)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := res.AwaitTimeout(time.Second)
			require.NoError(t, err)
			require.Equal(t, 3, val)
		}()
	}
	res.Succeed(3)
	wg.Wait()

	// registered after completion, runs right away.
	res.OnComplete(record)
	require.Equal(t, []int{3, 3, 3}, got)
}

func TestChain(t *testing.T) {
	from := NewAsyncResult[int]()
	to := NewAsyncResult[string]()
	Chain(from, to, func(v int) string { return string(rune('a' + v)) })
	from.Succeed(2)
	val, err := to.AwaitTimeout(time.Second)
	require.NoError(t, err)
	require.Equal(t, "c", val)

	from = NewAsyncResult[int]()
	to = NewAsyncResult[string]()
	Chain(from, to, func(int) string { return "" })
	from.Fail(ErrConnectionLost)
	_, err = to.AwaitTimeout(time.Second)
	require.ErrorIs(t, err, ErrConnectionLost)
}
