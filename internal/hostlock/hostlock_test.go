package hostlock_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/exttool/internal/hostlock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFor(t *testing.T) {
	t.Parallel()
	locks := hostlock.New()

	var wg sync.WaitGroup
	got := make([]*sync.Mutex, 32)
	for i := range got {
		wg.Go(func() {
			got[i] = locks.For("worker1")
		})
	}
	wg.Wait()
	for _, mx := range got {
		require.Same(t, got[0], mx)
	}
	require.NotSame(t, got[0], locks.For("worker2"))
}

func TestDo(t *testing.T) {
	t.Parallel()

	t.Run("same host is serialized", func(t *testing.T) {
		t.Parallel()
		var locks hostlock.Locks
		var active, peak atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Go(func() {
				err := locks.Do("worker1", func() error {
					n := active.Add(1)
					if n > peak.Load() {
						peak.Store(n)
					}
					time.Sleep(time.Millisecond)
					active.Add(-1)
					return nil
				})
				require.NoError(t, err)
			})
		}
		wg.Wait()
		require.Equal(t, int32(1), peak.Load())
	})

	t.Run("different hosts do not block", func(t *testing.T) {
		t.Parallel()
		var locks hostlock.Locks
		entered := make(chan struct{})
		release := make(chan struct{})
		var wg sync.WaitGroup
		wg.Go(func() {
			_ = locks.Do("worker1", func() error {
				close(entered)
				<-release
				return nil
			})
		})
		<-entered
		done := make(chan struct{})
		wg.Go(func() {
			_ = locks.Do("worker2", func() error { return nil })
			close(done)
		})
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker2 blocked on the lock of worker1")
		}
		close(release)
		wg.Wait()
	})
}
