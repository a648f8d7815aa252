// Package analytics records security-relevant vault events in an embedded
// BadgerDB store.
//
// Events are append-only and queried newest-first. Recording is
// best-effort: a failed write is logged and dropped, it never fails the
// vault operation that produced it. Event payloads carry profile ids and
// folder paths, never passwords or key material.
package analytics

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"github.com/phantomvault/phantomd/internal/logger"
)

// EventType classifies a recorded event.
type EventType string

const (
	EventProfileCreated    EventType = "profile_created"
	EventProfileDeleted    EventType = "profile_deleted"
	EventFolderLocked      EventType = "folder_locked"
	EventFolderUnlockedTmp EventType = "folder_unlocked_temporary"
	EventFolderUnlockedPrm EventType = "folder_unlocked_permanent"
	EventRelockSweep       EventType = "relock_sweep"
	EventAuthFailure       EventType = "auth_failure"
	EventIntegrityFailure  EventType = "integrity_failure"
)

// Event is a single recorded occurrence.
type Event struct {
	Type      EventType `json:"type"`
	ProfileID string    `json:"profile_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// Recorder receives events. Implementations must be safe for concurrent
// use and must never block vault operations on storage latency.
type Recorder interface {
	Record(event Event)
	Close() error
}

// Nop is a Recorder that discards everything. Used when analytics is
// disabled in configuration.
type Nop struct{}

func (Nop) Record(Event) {}

func (Nop) Close() error { return nil }

// Store is a BadgerDB-backed Recorder.
//
// Keys are "ev:" followed by a big-endian nanosecond timestamp and a
// random suffix, so Badger's key order is chronological order. Retention
// is enforced through Badger entry TTLs.
type Store struct {
	db        *badger.DB
	retention time.Duration
}

// keyPrefix namespaces event entries so future data types can share the DB.
var keyPrefix = []byte("ev:")

// Open opens (or creates) the event store at path.
//
// Parameters:
//   - path: BadgerDB directory
//   - retentionDays: Entries older than this are expired (0 keeps forever)
func Open(path string, retentionDays int) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts = opts.WithLoggingLevel(badger.WARNING)
	// Events are tiny JSON blobs, compression costs more than it saves
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store at %s: %w", path, err)
	}

	return &Store{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}, nil
}

// Record stores an event. Failures are logged and swallowed.
func (s *Store) Record(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	value, err := json.Marshal(event)
	if err != nil {
		logger.Warn("analytics: failed to encode %s event: %v", event.Type, err)
		return
	}

	key := eventKey(event.Time)
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, value)
		if s.retention > 0 {
			entry = entry.WithTTL(s.retention)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		logger.Warn("analytics: failed to record %s event: %v", event.Type, err)
	}
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var events []Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek point past every event key
		seek := append(append([]byte{}, keyPrefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)

		for it.Seek(seek); it.ValidForPrefix(keyPrefix) && len(events) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ev Event
				if err := json.Unmarshal(val, &ev); err != nil {
					// Skip undecodable entries rather than failing the query
					logger.Warn("analytics: skipping corrupt event entry: %v", err)
					return nil
				}
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// CountByType aggregates stored events per type.
func (s *Store) CountByType() (map[EventType]int, error) {
	counts := make(map[EventType]int)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ev Event
				if err := json.Unmarshal(val, &ev); err != nil {
					return nil
				}
				counts[ev.Type]++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	return counts, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// eventKey builds a chronologically ordered key. The random suffix keeps
// two events in the same nanosecond from colliding.
func eventKey(t time.Time) []byte {
	key := make([]byte, 0, len(keyPrefix)+8+16)
	key = append(key, keyPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(t.UnixNano()))
	id := uuid.New()
	key = append(key, id[:]...)
	return key
}
