package synckit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

// EventType names a service notification.
type EventType string

const (
	EventSyncStarted   EventType = "SYNC_STARTED"
	EventSyncCompleted EventType = "SYNC_COMPLETED"
	EventConflict      EventType = "CONFLICT"
	EventIDConflict    EventType = "ID_CONFLICTED"
	EventPushError     EventType = "PUSH_ERROR"
	EventPullError     EventType = "PULL_ERROR"
	EventResolved      EventType = "RESOLVED"
)

// Event is delivered to subscribers. Fields not relevant to Type are zero.
type Event struct {
	Type     EventType
	Bucket   string
	ObjectID string
	// NewObjectID is the re-minted local ID of an ID_CONFLICTED event.
	NewObjectID string
	Local       *types.ObjectRecord
	Server      *types.ObjectRecord
	// ServerDeleted is set on a CONFLICT whose server side is a deletion.
	ServerDeleted bool
	Reason        types.ReasonCode
	Err           error
	Result        *SyncResult
	Time          time.Time
}

// SyncStatus summarizes a finished pass.
type SyncStatus string

const (
	StatusOK         SyncStatus = "OK"
	StatusConflict   SyncStatus = "CONFLICT"
	// StatusPushErrors means the pass completed but the server rejected
	// some pushed records. They stay dirty for the next pass.
	StatusPushErrors SyncStatus = "PUSH_ERRORS"
	StatusFailed     SyncStatus = "FAILED"
)

// SyncResult contains the outcome of one bucket pass.
type SyncResult struct {
	Bucket string
	Status SyncStatus

	// Pulled counts server records merged into the local store.
	Pulled int
	// Pushed counts local records acknowledged by the server.
	Pushed int
	// Synced lists the IDs the pull changed locally.
	Synced []string

	Conflicts   int
	IDConflicts int
	// PushErrors counts records the server rejected during push.
	PushErrors  int
	Errors      []error

	StartTime time.Time
	Duration  time.Duration
}

// Err returns the first error of the pass.
func (r *SyncResult) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// notifier buffers the conflict and error notifications of one pass so
// listeners see them once all pages are merged.
type notifier struct {
	mu      sync.Mutex
	pending []Event
}

func (n *notifier) add(e Event) {
	n.mu.Lock()
	n.pending = append(n.pending, e)
	n.mu.Unlock()
}

func (n *notifier) drain() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.pending
	n.pending = nil
	return out
}

// dispatch delivers e to every handler in subscription order. A panicking
// handler is logged and skipped.
func dispatch(logger *slog.Logger, handlers []func(Event), e Event) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Subscriber panic recovered",
						"panic", r,
						"event", string(e.Type),
						"bucket", e.Bucket)
				}
			}()
			h(e)
		}()
	}
}
