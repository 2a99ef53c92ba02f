package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "audit.db"), "session-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndQueryEvents(t *testing.T) {
	store := openTestStore(t)

	store.RecordEvent("inst-1", "agent-7", "starting", "port=9222")
	store.RecordEvent("inst-1", "agent-7", "ready", "Chrome/126")
	store.RecordEvent("inst-2", "agent-9", "starting", "port=9223")

	events, err := store.EventsForInstance("inst-1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "starting", events[0].Event)
	assert.Equal(t, "ready", events[1].Event)
	assert.Equal(t, "agent-7", events[0].OwnerID)
	assert.Equal(t, "session-1", events[0].SessionID)
	assert.Equal(t, "port=9222", events[0].Detail)
	assert.False(t, events[0].CreatedAt.IsZero())
}

func TestEventsForUnknownInstance(t *testing.T) {
	store := openTestStore(t)

	events, err := store.EventsForInstance("nope")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecentEventsNewestFirst(t *testing.T) {
	store := openTestStore(t)

	store.RecordEvent("inst-1", "", "starting", "")
	store.RecordEvent("inst-1", "", "ready", "")
	store.RecordEvent("inst-1", "", "closing", "")
	store.RecordEvent("inst-1", "", "closed", "term")

	events, err := store.RecentEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "closed", events[0].Event)
	assert.Equal(t, "closing", events[1].Event)
}

func TestReopenPreservesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	store, err := Open(path, "session-1")
	require.NoError(t, err)
	store.RecordEvent("inst-1", "", "starting", "")
	require.NoError(t, store.Close())

	// A later run with a new session id sees earlier events.
	store2, err := Open(path, "session-2")
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()

	store2.RecordEvent("inst-2", "", "starting", "")

	events, err := store2.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "session-2", events[0].SessionID)
	assert.Equal(t, "session-1", events[1].SessionID)
}
