package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmitRunsTasks(t *testing.T) {
	p := New("test", 2, 8, 0, zap.NewNop())
	var n atomic.Int64
	for i := 0; i < 5; i++ {
		_, err := p.Submit("inc", func() error {
			n.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	p.Shutdown(true)

	assert.Equal(t, int64(5), n.Load())
	s := p.Snapshot()
	assert.Equal(t, uint64(5), s.Submitted)
	assert.Equal(t, uint64(5), s.Completed)
	assert.Zero(t, s.Failed)
	assert.Equal(t, "test", s.Name)
	assert.Equal(t, 2, s.Workers)
}

func TestFailedAndPanickingTasksAreCounted(t *testing.T) {
	p := New("test", 1, 4, 0, zap.NewNop())
	boom := errors.New("boom")

	var mu sync.Mutex
	var seen []error
	p.SetCallbacks(Callbacks{
		OnError: func(_ *Task, err error) {
			mu.Lock()
			seen = append(seen, err)
			mu.Unlock()
		},
	})

	_, err := p.Submit("fail", func() error { return boom })
	require.NoError(t, err)
	_, err = p.Submit("panic", func() error { panic("oops") })
	require.NoError(t, err)
	p.Shutdown(true)

	s := p.Snapshot()
	assert.Equal(t, uint64(2), s.Failed)
	assert.Zero(t, s.Completed)

	require.Len(t, seen, 2)
	assert.ErrorIs(t, seen[0], boom)
	assert.Contains(t, seen[1].Error(), "panic")
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	p := New("test", 1, 4, 0, zap.NewNop())
	p.Shutdown(true)
	_, err := p.Submit("late", func() error { return nil })
	assert.Error(t, err)
}

func TestShutdownWaitDrainsQueue(t *testing.T) {
	p := New("test", 1, 16, 0, zap.NewNop())
	var n atomic.Int64
	release := make(chan struct{})
	_, err := p.Submit("gate", func() error {
		<-release
		return nil
	})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := p.Submit("inc", func() error {
			n.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	close(release)
	p.Shutdown(true)
	assert.Equal(t, int64(6), n.Load())
}

func TestConcurrentSubmitDuringShutdown(t *testing.T) {
	for i := 0; i < 50; i++ {
		p := New("test", 2, 4, 0, zap.NewNop())
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					if _, err := p.Submit("w", func() error { return nil }); err != nil {
						return
					}
				}
			}()
		}
		p.Shutdown(true)
		wg.Wait()
	}
}

func TestSlowTaskCounter(t *testing.T) {
	p := New("test", 1, 4, time.Millisecond, zap.NewNop())
	_, err := p.Submit("slow", func() error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	p.Shutdown(true)

	s := p.Snapshot()
	assert.Equal(t, uint64(1), s.SlowTasks)
	assert.Greater(t, s.AvgDuration, time.Duration(0))
}

func TestTaskHandleTelemetry(t *testing.T) {
	p := New("test", 1, 4, 0, zap.NewNop())
	task, err := p.Submit("work", func() error { return nil })
	require.NoError(t, err)
	p.Shutdown(true)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "work", task.Name)
	assert.False(t, task.Finished.IsZero())
	assert.NoError(t, task.Err)
}
