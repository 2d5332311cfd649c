package pull

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestIterator_PushThenPull(t *testing.T) {
	it := New[string](4)
	defer it.Close()

	require.NoError(t, it.Push(context.Background(), "a"))
	require.NoError(t, it.Push(context.Background(), "b"))
	assert.Equal(t, 2, it.Len())

	v, ok, err := it.Pull(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok, err = it.Pull(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, 0, it.Len())
}

func TestIterator_PendingPullReceivesPush(t *testing.T) {
	it := New[int](4)
	defer it.Close()

	result := make(chan int, 1)
	go func() {
		v, ok, err := it.Pull(context.Background())
		if err == nil && ok {
			result <- v
		}
		close(result)
	}()

	require.Eventually(t, it.Waiting, time.Second, time.Millisecond)
	require.NoError(t, it.Push(context.Background(), 42))

	select {
	case v := <-result:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pull to resolve")
	}
	assert.Equal(t, 0, it.Len(), "a value handed to a waiting pull is never buffered")
	assert.False(t, it.Waiting())
}

func TestIterator_PreservesOrderAcrossHandOffAndBuffer(t *testing.T) {
	it := New[int](1024)
	defer it.Close()

	const total = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			assert.NoError(t, it.Push(context.Background(), i))
			if i%7 == 0 {
				time.Sleep(50 * time.Microsecond)
			}
		}
	}()

	for i := 0; i < total; i++ {
		v, ok, err := it.Pull(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	wg.Wait()
}

func TestIterator_CloseReleasesPendingPull(t *testing.T) {
	it := New[string](4)

	done := make(chan bool, 1)
	go func() {
		_, ok, err := it.Pull(context.Background())
		assert.NoError(t, err)
		done <- ok
	}()

	require.Eventually(t, it.Waiting, time.Second, time.Millisecond)
	it.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("close did not release the pending pull")
	}
}

func TestIterator_CloseDiscardsBuffer(t *testing.T) {
	it := New[string](4)
	require.NoError(t, it.Push(context.Background(), "a"))
	it.Close()

	_, ok, err := it.Pull(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, it.Len())
}

func TestIterator_CloseIsIdempotent(t *testing.T) {
	it := New[string](4)
	it.Close()
	assert.NotPanics(t, it.Close)
	assert.True(t, it.Closed())

	select {
	case <-it.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestIterator_PushAfterClose(t *testing.T) {
	it := New[string](4)
	it.Close()
	assert.ErrorIs(t, it.Push(context.Background(), "a"), ErrClosed)
}

func TestIterator_PushWaitsForRoom(t *testing.T) {
	it := New[int](2)
	defer it.Close()
	ctx := context.Background()

	require.NoError(t, it.Push(ctx, 1))
	require.NoError(t, it.Push(ctx, 2))

	pushed := make(chan error, 1)
	go func() { pushed <- it.Push(ctx, 3) }()

	select {
	case err := <-pushed:
		t.Fatalf("push into a full buffer returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	for want := 1; want <= 3; want++ {
		v, ok, err := it.Pull(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, v)
		if want == 1 {
			select {
			case err := <-pushed:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("push did not resume after a pull made room")
			}
		}
	}
}

func TestIterator_CloseReleasesBlockedPush(t *testing.T) {
	it := New[int](1)
	require.NoError(t, it.Push(context.Background(), 1))

	pushed := make(chan error, 1)
	go func() { pushed <- it.Push(context.Background(), 2) }()
	time.Sleep(20 * time.Millisecond)
	it.Close()

	select {
	case err := <-pushed:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not release the blocked push")
	}
}

func TestIterator_PushContextCancel(t *testing.T) {
	it := New[int](1)
	defer it.Close()
	require.NoError(t, it.Push(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, it.Push(ctx, 2), context.DeadlineExceeded)
	assert.Equal(t, 1, it.Len())
}

func TestIterator_BlockedProducersLoseNothing(t *testing.T) {
	it := New[int](2)
	defer it.Close()

	const producers, each = 4, 50
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				assert.NoError(t, it.Push(context.Background(), p*each+i))
			}
		}(p)
	}

	seen := make(map[int]bool, producers*each)
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for len(seen) < producers*each {
		v, ok, err := it.Pull(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		seen[v] = true
		p := v / each
		assert.Greater(t, v%each, last[p], "order per producer")
		last[p] = v % each
	}
	wg.Wait()
}

func TestIterator_BufferReuseKeepsOrder(t *testing.T) {
	it := New[int](3)
	defer it.Close()

	next := 0
	expect := func() {
		v, ok, err := it.Pull(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, next, v)
		next++
	}
	for round := 0; round < 20; round++ {
		require.NoError(t, it.Push(context.Background(), round*3))
		require.NoError(t, it.Push(context.Background(), round*3+1))
		expect()
		require.NoError(t, it.Push(context.Background(), round*3+2))
		expect()
		expect()
	}
	assert.Equal(t, 60, next)
	assert.Equal(t, 0, it.Len())
}

func TestIterator_ConcurrentPull(t *testing.T) {
	it := New[string](4)
	defer it.Close()

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, ok, err := it.Pull(context.Background())
		assert.NoError(t, err)
		assert.False(t, ok)
	}()
	require.Eventually(t, it.Waiting, time.Second, time.Millisecond)

	_, ok, err := it.Pull(context.Background())
	assert.ErrorIs(t, err, ErrConcurrentPull)
	assert.False(t, ok)

	it.Close()
	<-first
}

func TestIterator_PullContextCancel(t *testing.T) {
	it := New[string](4)
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok, err := it.Pull(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ok)
	assert.False(t, it.Waiting(), "a cancelled pull gives up its slot")

	// the iterator is still usable afterwards
	require.NoError(t, it.Push(context.Background(), "after"))
	v, ok, err := it.Pull(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "after", v)
}

func TestIterator_DefaultCapacity(t *testing.T) {
	it := New[int](0)
	defer it.Close()

	for i := 0; i < DefaultCapacity; i++ {
		require.NoError(t, it.Push(context.Background(), i))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, it.Push(ctx, DefaultCapacity), context.DeadlineExceeded)
}
