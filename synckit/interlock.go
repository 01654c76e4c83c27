package synckit

import (
	"sync"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
)

// interlock admits either one sync pass or one local CRUD operation at a time.
//
// A CRUD caller fails fast while a sync pass holds or has claimed the lock and
// otherwise waits for earlier CRUD callers. A sync caller fails fast when
// another sync pass is active, claims the lock at once so that new CRUD calls
// are refused, then waits for the running CRUD call to finish.
type interlock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	syncing bool
	crud    bool
}

func newInterlock() *interlock {
	l := &interlock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *interlock) acquireCRUD(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.syncing {
			return syncErrors.NewLockedError(syncErrors.Operation(op), component)
		}
		if !l.crud {
			l.crud = true
			return nil
		}
		l.cond.Wait()
	}
}

func (l *interlock) releaseCRUD() {
	l.mu.Lock()
	l.crud = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (l *interlock) acquireSync(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.syncing {
		return syncErrors.NewLockedError(syncErrors.Operation(op), component)
	}
	l.syncing = true
	for l.crud {
		l.cond.Wait()
	}
	return nil
}

func (l *interlock) releaseSync() {
	l.mu.Lock()
	l.syncing = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

// busy reports whether a sync pass holds the lock.
func (l *interlock) busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncing
}
