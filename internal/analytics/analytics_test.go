package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndRecent(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().Add(-time.Minute)
	store.Record(Event{Type: EventProfileCreated, ProfileID: "p1", Time: base})
	store.Record(Event{Type: EventFolderLocked, ProfileID: "p1", Detail: "/home/alice/docs", Time: base.Add(time.Second)})
	store.Record(Event{Type: EventAuthFailure, ProfileID: "p1", Time: base.Add(2 * time.Second)})

	events, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first
	assert.Equal(t, EventAuthFailure, events[0].Type)
	assert.Equal(t, EventFolderLocked, events[1].Type)
	assert.Equal(t, EventProfileCreated, events[2].Type)
	assert.Equal(t, "/home/alice/docs", events[1].Detail)
}

func TestRecent_Limit(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 10; i++ {
		store.Record(Event{Type: EventRelockSweep, Time: base.Add(time.Duration(i) * time.Second)})
	}

	events, err := store.Recent(4)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestRecent_Empty(t *testing.T) {
	store := openTestStore(t)

	events, err := store.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCountByType(t *testing.T) {
	store := openTestStore(t)

	store.Record(Event{Type: EventFolderLocked, ProfileID: "p1"})
	store.Record(Event{Type: EventFolderLocked, ProfileID: "p2"})
	store.Record(Event{Type: EventAuthFailure, ProfileID: "p1"})

	counts, err := store.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[EventFolderLocked])
	assert.Equal(t, 1, counts[EventAuthFailure])
	assert.Equal(t, 0, counts[EventProfileDeleted])
}

func TestRecord_DefaultsTimestamp(t *testing.T) {
	store := openTestStore(t)

	store.Record(Event{Type: EventProfileDeleted, ProfileID: "p1"})

	events, err := store.Recent(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Time.IsZero())
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.Record(Event{Type: EventFolderLocked})
	assert.NoError(t, r.Close())
}
