package synckit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
)

func TestInterlockCRUDFailsDuringSync(t *testing.T) {
	l := newInterlock()
	require.NoError(t, l.acquireSync("sync"))
	assert.True(t, l.busy())

	err := l.acquireCRUD("create")
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindLocked))

	l.releaseSync()
	assert.False(t, l.busy())
	require.NoError(t, l.acquireCRUD("create"))
	l.releaseCRUD()
}

func TestInterlockSecondSyncFailsFast(t *testing.T) {
	l := newInterlock()
	require.NoError(t, l.acquireSync("sync"))
	err := l.acquireSync("sync")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindLocked))
	l.releaseSync()
}

func TestInterlockSyncWaitsForCRUD(t *testing.T) {
	l := newInterlock()
	require.NoError(t, l.acquireCRUD("update"))

	acquired := make(chan struct{})
	go func() {
		if err := l.acquireSync("sync"); err == nil {
			close(acquired)
		}
	}()

	// The pending sync already refuses new CRUD callers.
	require.Eventually(t, l.busy, time.Second, time.Millisecond)
	assert.True(t, syncErrors.IsKind(l.acquireCRUD("get"), syncErrors.KindLocked))

	select {
	case <-acquired:
		t.Fatal("sync acquired while CRUD was running")
	case <-time.After(20 * time.Millisecond):
	}

	l.releaseCRUD()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("sync did not acquire after CRUD released")
	}
	l.releaseSync()
}

func TestInterlockCRUDSerializes(t *testing.T) {
	l := newInterlock()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.acquireCRUD("put"))
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			l.releaseCRUD()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
}
