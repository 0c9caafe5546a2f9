package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSatisfies(t *testing.T) {
	assert.True(t, Satisfies([]string{"docker", "x86_64", "gpu"}, []string{"x86_64", "docker"}))
	assert.True(t, Satisfies([]string{"docker"}, []string{"docker"}))
	assert.False(t, Satisfies([]string{"docker"}, []string{"docker", "gpu"}))
	assert.False(t, Satisfies(nil, []string{"docker"}))
	assert.False(t, Satisfies([]string{"docker"}, nil), "a job without tags matches nothing")
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"docker", "x86_64"}, NormalizeTags([]string{" x86_64", "docker", "", "docker"}))
}

func TestTryAcquireWouldBlock(t *testing.T) {
	w := newWorld()
	pool, err := NewPool(w.worker("w1", "docker"))
	require.NoError(t, err)

	got, err := pool.TryAcquire([]string{"gpu"})
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrWouldBlock)

	got, err = pool.TryAcquire([]string{"docker"})
	require.NoError(t, err)
	assert.Equal(t, "w1", got.ID)

	_, err = pool.TryAcquire([]string{"docker"})
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, 0, pool.Waiting(), "TryAcquire never queues")
}

func TestAcquireWaitsForRelease(t *testing.T) {
	w := newWorld()
	pool, err := NewPool(w.worker("w1", "docker"))
	require.NoError(t, err)

	first := pool.Acquire([]string{"docker"})
	held := <-first.C()

	second := pool.Acquire([]string{"docker"})
	select {
	case <-second.C():
		t.Fatal("worker handed out twice")
	default:
	}
	assert.Equal(t, 1, pool.Waiting())

	pool.Release(held)
	select {
	case got := <-second.C():
		assert.Equal(t, "w1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("waiter was not served")
	}
}

func TestAcquireServesWaitersInOrder(t *testing.T) {
	w := newWorld()
	pool, err := NewPool(w.worker("w1", "docker"))
	require.NoError(t, err)

	held := <-pool.Acquire([]string{"docker"}).C()
	a := pool.Acquire([]string{"docker"})
	b := pool.Acquire([]string{"docker"})

	pool.Release(held)
	got := <-a.C()
	select {
	case <-b.C():
		t.Fatal("second waiter served before the first released")
	default:
	}
	pool.Release(got)
	assert.Equal(t, "w1", (<-b.C()).ID)
}

func TestAcquireSkipsWaitersThatDoNotMatch(t *testing.T) {
	w := newWorld()
	pool, err := NewPool(w.worker("w1", "docker"))
	require.NoError(t, err)

	held := <-pool.Acquire([]string{"docker"}).C()
	gpu := pool.Acquire([]string{"gpu"})
	docker := pool.Acquire([]string{"docker"})

	pool.Release(held)
	assert.Equal(t, "w1", (<-docker.C()).ID)
	assert.Equal(t, 1, pool.Waiting())
	gpu.Cancel()
	assert.Equal(t, 0, pool.Waiting())
}

func TestAcquireIsLeastRecentlyUsed(t *testing.T) {
	w := newWorld()
	pool, err := NewPool(w.worker("w1", "docker"), w.worker("w2", "docker"), w.worker("w3", "docker"))
	require.NoError(t, err)

	var order []string
	for i := 0; i < 6; i++ {
		got, err := pool.TryAcquire([]string{"docker"})
		require.NoError(t, err)
		order = append(order, got.ID)
		pool.Release(got)
	}
	assert.Equal(t, []string{"w1", "w2", "w3", "w1", "w2", "w3"}, order)
}

func TestAcquireOnlyMatchingWorkers(t *testing.T) {
	w := newWorld()
	pool, err := NewPool(
		w.worker("arm", "arm64", "docker"),
		w.worker("x86", "x86_64", "docker"),
		w.worker("gpu", "x86_64", "docker", "gpu"),
	)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		got, err := pool.TryAcquire([]string{"x86_64", "docker"})
		require.NoError(t, err)
		assert.True(t, Satisfies(got.Tags, []string{"x86_64", "docker"}))
		assert.NotEqual(t, "arm", got.ID)
		pool.Release(got)
	}
}

func TestMarkOfflineAndReadmit(t *testing.T) {
	w := newWorld()
	pool, err := NewPool(w.worker("w1", "docker"))
	require.NoError(t, err)

	held := <-pool.Acquire([]string{"docker"}).C()
	pool.MarkOffline("w1")
	pool.MarkOffline("w1")
	pool.Release(held)

	assert.Equal(t, WorkerOffline, pool.Workers()[0].State)
	_, err = pool.TryAcquire([]string{"docker"})
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.True(t, pool.CanEverMatch([]string{"docker"}))

	waiting := pool.Acquire([]string{"docker"})
	require.NoError(t, pool.Readmit("w1"))
	assert.Equal(t, "w1", (<-waiting.C()).ID)
	assert.Equal(t, WorkerBusy, pool.Workers()[0].State)

	assert.Error(t, pool.Readmit("nope"))
}

func TestReadmitWhileLeasedDoesNotDoubleAssign(t *testing.T) {
	w := newWorld()
	pool, err := NewPool(w.worker("w1", "docker"))
	require.NoError(t, err)

	held, err := pool.TryAcquire([]string{"docker"})
	require.NoError(t, err)
	pool.MarkOffline("w1")
	require.NoError(t, pool.Readmit("w1"))

	assert.Equal(t, WorkerBusy, pool.Workers()[0].State, "the first lease is still out")
	_, err = pool.TryAcquire([]string{"docker"})
	assert.ErrorIs(t, err, ErrWouldBlock)

	pool.Release(held)
	assert.Equal(t, WorkerIdle, pool.Workers()[0].State)
	second, err := pool.TryAcquire([]string{"docker"})
	require.NoError(t, err)
	assert.Equal(t, "w1", second.ID)
}

func TestTicketCancelReturnsDeliveredWorker(t *testing.T) {
	w := newWorld()
	pool, err := NewPool(w.worker("w1", "docker"))
	require.NoError(t, err)

	ticket := pool.Acquire([]string{"docker"})
	ticket.Cancel()
	assert.Equal(t, WorkerIdle, pool.Workers()[0].State)

	got, err := pool.TryAcquire([]string{"docker"})
	require.NoError(t, err)
	assert.Equal(t, "w1", got.ID)
}

func TestPoolRejectsDuplicateWorkers(t *testing.T) {
	w := newWorld()
	_, err := NewPool(w.worker("w1", "docker"), w.worker("w1", "gpu"))
	assert.Error(t, err)
}
