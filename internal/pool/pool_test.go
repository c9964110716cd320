package pool

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnorderedProcessesEveryItem(t *testing.T) {
	in := make(chan int)
	out := make(chan int, 8)

	go func() {
		defer close(in)
		for i := 1; i <= 100; i++ {
			in <- i
		}
	}()

	var got []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range out {
			got = append(got, v)
		}
	}()

	err := Unordered(context.Background(), 4, in, out, func(_ context.Context, v int) (int, error) {
		return v * 2, nil
	})
	require.NoError(t, err)
	<-done

	sort.Ints(got)
	require.Len(t, got, 100)
	assert.Equal(t, 2, got[0])
	assert.Equal(t, 200, got[99])
}

func TestUnorderedStopsOnError(t *testing.T) {
	in := make(chan int, 10)
	for i := 0; i < 10; i++ {
		in <- i
	}
	close(in)
	out := make(chan int, 10)

	boom := errors.New("commit failed")
	err := Unordered(context.Background(), 2, in, out, func(_ context.Context, v int) (int, error) {
		if v == 3 {
			return 0, boom
		}
		return v, nil
	})
	assert.ErrorIs(t, err, boom)

	for range out {
	}
}

func TestUnorderedBoundsConcurrency(t *testing.T) {
	in := make(chan int, 50)
	for i := 0; i < 50; i++ {
		in <- i
	}
	close(in)
	out := make(chan int, 50)

	var running, peak atomic.Int32
	err := Unordered(context.Background(), 3, in, out, func(_ context.Context, v int) (int, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		return v, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestOrderedPreservesInputOrder(t *testing.T) {
	input := slices.Values([]int{5, 1, 4, 2, 3, 0})

	var got []int
	for v := range Ordered(context.Background(), 4, input, func(_ context.Context, v int) int {
		time.Sleep(time.Duration(v) * time.Millisecond)
		return v * 10
	}) {
		got = append(got, v)
	}
	assert.Equal(t, []int{50, 10, 40, 20, 30, 0}, got)
}

func TestOrderedEarlyStop(t *testing.T) {
	items := make([]int, 1000)
	for i := range items {
		items[i] = i
	}

	var calls atomic.Int32
	var got []int
	for v := range Ordered(context.Background(), 2, slices.Values(items), func(_ context.Context, v int) int {
		calls.Add(1)
		return v
	}) {
		got = append(got, v)
		if len(got) == 3 {
			break
		}
	}
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Less(t, int(calls.Load()), len(items))
}

func TestOrderedCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count := 0
	for range Ordered(ctx, 2, slices.Values([]int{1, 2, 3}), func(_ context.Context, v int) int { return v }) {
		count++
	}
	assert.LessOrEqual(t, count, 3)
}
