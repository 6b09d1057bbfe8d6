package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// choleskyDAG submits the left-looking dependency pattern of an n x n lower
// block triangle and records the order tasks start in.
func choleskyDAG(t *testing.T, p *Pool, n int) (*sync.Mutex, map[TaskID]bool, *[]TaskID) {
	var mu sync.Mutex
	done := make(map[TaskID]bool)
	var order []TaskID

	for i := 0; i < n; i++ {
		for k := 0; k <= i; k++ {
			id := TaskID{i, k}
			var deps []TaskID
			for j := 0; j < k; j++ {
				deps = append(deps, TaskID{i, j}, TaskID{k, j})
			}
			if i > k {
				deps = append(deps, TaskID{k, k})
			}
			require.NoError(t, p.Submit(Task{
				ID:   id,
				Deps: deps,
				Run: func(ctx context.Context) error {
					mu.Lock()
					for _, d := range deps {
						if !done[d] {
							mu.Unlock()
							return errors.New("dependency not finished")
						}
					}
					order = append(order, id)
					mu.Unlock()

					time.Sleep(time.Millisecond)

					mu.Lock()
					done[id] = true
					mu.Unlock()
					return nil
				},
			}))
		}
	}
	return &mu, done, &order
}

func TestDependenciesRunFirst(t *testing.T) {
	for _, workers := range []int{1, 3, 8} {
		p := NewPool(workers, WithName("test"))
		_, done, order := choleskyDAG(t, p, 6)
		require.NoError(t, p.Drain(context.Background()))
		require.Len(t, done, 21)
		require.Len(t, *order, 21)
		require.Equal(t, TaskID{0, 0}, (*order)[0])
		require.Equal(t, Stats{Submitted: 21, Completed: 21}, p.Stats())
	}
}

func TestSubmitFromRunningTask(t *testing.T) {
	p := NewPool(2)
	var ran atomic.Int32
	require.NoError(t, p.Submit(Task{
		ID: TaskID{0, 0},
		Run: func(ctx context.Context) error {
			ran.Add(1)
			return p.Submit(Task{
				ID:   TaskID{1, 0},
				Deps: []TaskID{{0, 0}},
				Run: func(ctx context.Context) error {
					ran.Add(1)
					return nil
				},
			})
		},
	}))
	require.NoError(t, p.Drain(context.Background()))
	require.EqualValues(t, 2, ran.Load())
}

func TestDependencySubmittedLater(t *testing.T) {
	p := NewPool(2)
	var order []TaskID
	var mu sync.Mutex
	record := func(id TaskID) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}
	require.NoError(t, p.Submit(Task{ID: TaskID{1, 1}, Deps: []TaskID{{1, 0}}, Run: record(TaskID{1, 1})}))
	require.NoError(t, p.Submit(Task{ID: TaskID{1, 0}, Run: record(TaskID{1, 0})}))
	require.NoError(t, p.Drain(context.Background()))
	require.Equal(t, []TaskID{{1, 0}, {1, 1}}, order)
}

func TestFailureDropsQueuedTasks(t *testing.T) {
	boom := errors.New("boom")
	p := NewPool(1)
	var ranOther atomic.Bool

	require.NoError(t, p.Submit(Task{ID: TaskID{0, 0}, Run: func(context.Context) error { return boom }}))
	require.NoError(t, p.Submit(Task{ID: TaskID{1, 0}, Deps: []TaskID{{0, 0}}, Run: func(context.Context) error {
		ranOther.Store(true)
		return nil
	}}))
	require.NoError(t, p.Submit(Task{ID: TaskID{2, 2}, Run: func(context.Context) error {
		ranOther.Store(true)
		return nil
	}}))

	err := p.Drain(context.Background())
	require.ErrorIs(t, err, boom)
	require.False(t, ranOther.Load())
	require.Equal(t, Stats{Submitted: 3, Failed: 1, Dropped: 2}, p.Stats())

	require.ErrorIs(t, p.Submit(Task{ID: TaskID{3, 3}, Run: func(context.Context) error { return nil }}), boom)
}

func TestRunningTasksFinishAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	p := NewPool(2)
	var finished atomic.Bool
	started := make(chan struct{})

	require.NoError(t, p.Submit(Task{ID: TaskID{0, 0}, Run: func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}}))
	require.NoError(t, p.Submit(Task{ID: TaskID{1, 1}, Run: func(context.Context) error {
		<-started
		return boom
	}}))

	require.ErrorIs(t, p.Drain(context.Background()), boom)
	require.True(t, finished.Load())
	require.Equal(t, 1, p.Stats().Completed)
}

func TestDeadline(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.Submit(Task{ID: TaskID{0, 0}, Run: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		return nil
	}}))
	require.NoError(t, p.Submit(Task{ID: TaskID{1, 0}, Deps: []TaskID{{0, 0}}, Run: func(context.Context) error { return nil }}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Drain(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 1, p.Stats().Dropped)
}

func TestMissingDependency(t *testing.T) {
	p := NewPool(2)
	require.NoError(t, p.Submit(Task{ID: TaskID{0, 0}, Run: func(context.Context) error { return nil }}))
	require.NoError(t, p.Submit(Task{ID: TaskID{1, 1}, Deps: []TaskID{{1, 0}}, Run: func(context.Context) error { return nil }}))
	require.ErrorIs(t, p.Drain(context.Background()), ErrDependencyMissing)
	require.Equal(t, 1, p.Stats().Completed)
}

func TestSatisfiedDependency(t *testing.T) {
	present := map[TaskID]bool{{1, 0}: true}
	p := NewPool(2, WithSatisfied(func(id TaskID) bool { return present[id] }))
	var ran atomic.Bool
	require.NoError(t, p.Submit(Task{ID: TaskID{1, 1}, Deps: []TaskID{{1, 0}}, Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}))
	require.NoError(t, p.Drain(context.Background()))
	require.True(t, ran.Load())
}

func TestDuplicateAndPanic(t *testing.T) {
	p := NewPool(1)
	task := Task{ID: TaskID{0, 0}, Run: func(context.Context) error { panic("bad block") }}
	require.NoError(t, p.Submit(task))
	require.ErrorIs(t, p.Submit(task), ErrDuplicateTask)

	err := p.Drain(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad block")
}
