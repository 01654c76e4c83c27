package synckit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/document"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

func TestAutoSyncSchedule(t *testing.T) {
	h := newHarness(t)

	err := h.svc.StartAutoSync("every now and then")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	require.NoError(t, h.svc.StartAutoSync("@every 1h"))
	assert.Error(t, h.svc.StartAutoSync("@every 1h"), "already running")
	require.NoError(t, h.svc.StopAutoSync())
	assert.Error(t, h.svc.StopAutoSync(), "not running")

	require.NoError(t, h.svc.StartAutoSync("*/5 * * * *"))
	require.NoError(t, h.svc.Close(), "close stops the schedule")
}

func TestAutoSyncTick(t *testing.T) {
	h := newHarness(t)
	h.register("notes", types.PolicyServer)
	_, err := h.svc.Create(h.ctx, "notes", document.MustParseObject(`{"_id":"n1"}`))
	require.NoError(t, err)

	require.NoError(t, h.svc.lock.acquireSync("test"))
	h.svc.autoSyncTick()
	assert.Empty(t, h.server.Batches(), "a tick during a pass is skipped")
	h.svc.lock.releaseSync()

	h.svc.autoSyncTick()
	assert.Equal(t, types.StateSync, h.local("notes", "n1").State)
	assert.Len(t, h.events.ofType(EventSyncCompleted), 1)
}
