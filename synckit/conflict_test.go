package synckit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/document"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

func record(id, etag string, state types.SyncState, fields string) *types.ObjectRecord {
	doc := document.MustParseObject(fields)
	doc = document.NewObject().Set(document.FieldID, document.String(id)).Merge(doc)
	if etag != "" {
		doc.Set(document.FieldETag, document.String(etag))
	}
	return &types.ObjectRecord{Bucket: "b", ObjectID: id, Document: doc, ETag: etag, State: state}
}

func incoming(id, etag string, deleted bool) Incoming {
	doc := document.MustParseObject(`{"v":"server"}`)
	doc = document.NewObject().Set(document.FieldID, document.String(id)).Merge(doc)
	doc.Set(document.FieldETag, document.String(etag))
	doc.Set(document.FieldUpdatedAt, document.String("2024-01-01T00:00:00.000Z"))
	if deleted {
		doc.Set(document.FieldDeleted, document.Bool(true))
	}
	return Incoming{Record: types.FromServer("b", doc), ETag: etag, Deleted: deleted}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name  string
		local *types.ObjectRecord
		in    Incoming
		want  Detection
	}{
		{"absent local takes server", nil, incoming("x", "E1", false), DetectApply},
		{"absent local ignores deletion", nil, incoming("x", "E1", true), DetectNone},
		{"synced same etag", record("x", "E1", types.StateSync, `{}`), incoming("x", "E1", false), DetectNone},
		{"synced new etag", record("x", "E1", types.StateSync, `{}`), incoming("x", "E2", false), DetectApply},
		{"synced and deleted on server", record("x", "E1", types.StateSync, `{}`), incoming("x", "E2", true), DetectApply},
		{"dirty same etag", record("x", "E1", types.StateDirty, `{}`), incoming("x", "E1", false), DetectNone},
		{"dirty new etag", record("x", "E1", types.StateDirty, `{}`), incoming("x", "E2", false), DetectConflict},
		{"dirty full deleted on server", record("x", "E1", types.StateDirtyFull, `{}`), incoming("x", "E2", true), DetectConflict},
		{"local delete and server delete", record("x", "E1", types.StateDelete, `{}`), incoming("x", "E2", true), DetectApply},
		{"local delete and server update", record("x", "E1", types.StateDelete, `{}`), incoming("x", "E2", false), DetectConflict},
		{"conflicted sees newer server", record("x", "E1", types.StateConflicted, `{}`), incoming("x", "E3", false), DetectConflict},
		{"never synced collides", record("x", "", types.StateDirty, `{}`), incoming("x", "E1", false), DetectIDCollision},
		{"never synced and server deletion", record("x", "", types.StateDirty, `{}`), incoming("x", "E1", true), DetectNone},
		{"interrupted push", record("x", "E1", types.StateSyncing, `{}`), incoming("x", "E2", false), DetectConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.local, tt.in), "got %s", Detect(tt.local, tt.in))
		})
	}
}

func TestResolveOutcomeServer(t *testing.T) {
	local := record("x", "E1", types.StateDirty, `{"v":"local"}`)

	out := Resolve(types.PolicyServer, local, incoming("x", "E2", false))
	accept, ok := out.(AcceptServer)
	require.True(t, ok, "%T", out)
	assert.Equal(t, types.StateSync, accept.Record.State)
	assert.Equal(t, "E2", accept.Record.ETag)
	assert.Equal(t, "server", accept.Record.Document.GetString("v"))

	out = Resolve(types.PolicyServer, local, incoming("x", "E2", true))
	assert.Equal(t, RemoveLocal{Bucket: "b", ObjectID: "x"}, out)
}

func TestResolveOutcomeClient(t *testing.T) {
	local := record("x", "E1", types.StateDirtyFull, `{"v":"local"}`)

	out := Resolve(types.PolicyClient, local, incoming("x", "E2", false))
	keep, ok := out.(KeepLocal)
	require.True(t, ok, "%T", out)
	assert.Equal(t, "E2", keep.Record.ETag)
	assert.Equal(t, "E2", keep.Record.Document.GetString(document.FieldETag))
	assert.Equal(t, "local", keep.Record.Document.GetString("v"))
	assert.Equal(t, types.StateDirtyFull, keep.Record.State)
	assert.Equal(t, "E1", local.ETag, "the input record is not modified")

	conflicted := record("x", "E1", types.StateConflictedDelete, `{}`)
	keep = Resolve(types.PolicyClient, conflicted, incoming("x", "E3", false)).(KeepLocal)
	assert.Equal(t, types.StateDelete, keep.Record.State)

	out = Resolve(types.PolicyClient, local, incoming("x", "E2", true))
	assert.Equal(t, RemoveLocal{Bucket: "b", ObjectID: "x"}, out)
}

func TestResolveOutcomeManual(t *testing.T) {
	tests := []struct {
		state types.SyncState
		want  types.SyncState
	}{
		{types.StateDirty, types.StateConflicted},
		{types.StateDirtyFull, types.StateConflictedFull},
		{types.StateDelete, types.StateConflictedDelete},
		{types.StateSyncing, types.StateConflictedFull},
		{types.StateConflicted, types.StateConflicted},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			local := record("x", "E1", tt.state, `{"v":"local"}`)
			mark, ok := Resolve(types.PolicyManual, local, incoming("x", "E2", false)).(MarkConflicted)
			require.True(t, ok)
			assert.Equal(t, tt.want, mark.Record.State)
			assert.Equal(t, "E1", mark.Record.ETag)
			require.NotNil(t, mark.Snapshot.Server)
			assert.Equal(t, "E2", mark.Snapshot.Server.ETag)
			assert.False(t, mark.Snapshot.ServerDeleted)
		})
	}

	mark := Resolve(types.PolicyManual, record("x", "E1", types.StateDirty, `{}`), Incoming{Deleted: true}).(MarkConflicted)
	assert.True(t, mark.Snapshot.ServerDeleted)
	assert.Nil(t, mark.Snapshot.Server)
}

func TestConflictIncoming(t *testing.T) {
	in := incoming("x", "E2", false)
	c := Conflict{
		Local:    record("x", "E1", types.StateConflicted, `{}`),
		Snapshot: &types.ConflictSnapshot{Bucket: "b", ObjectID: "x", Server: in.Record},
	}
	got := c.Incoming()
	assert.Equal(t, "E2", got.ETag)
	assert.False(t, got.Deleted)
	assert.Same(t, in.Record, got.Record)
}
