// Package persist implements the per-torrent PersistedStateStore
// (spec.md §6): the opaque-to-this-spec but required fields — magnet
// URI or torrent-file payload, info-dict buffer, addedAt, completedAt,
// userState, queuePosition, lifetime totals, and the set of completed
// piece indices.
//
// Grounded on DannyZB-torrent's bolt-backed piece storage (its
// storage/bolt-piece_test.go exercises storage.NewBoltDB as a
// KV-backed completion store for a torrent library; the backing
// implementation itself wasn't part of this retrieval, but its
// presence confirms bbolt as the ecosystem's real choice for embedded
// per-torrent state in anacrolix/torrent-family clients). The teacher
// itself has no persistence layer at all (session state lives only in
// memory), so the bucket layout below is built directly from spec.md
// §6's field list rather than adapted from teacher code.
package persist

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// UserState is a torrent's queueing/run state.
type UserState string

const (
	UserStateActive  UserState = "active"
	UserStateStopped UserState = "stopped"
	UserStateQueued  UserState = "queued"
)

// State is the full persisted record for one torrent.
type State struct {
	InfoHash        [20]byte
	MagnetURI       string // empty if added from a .torrent payload
	TorrentPayload  []byte // empty if added from a magnet URI
	InfoDict        []byte // buffered info dictionary once fetched/verified
	AddedAt         time.Time
	CompletedAt     time.Time // zero if not yet complete
	UserState       UserState
	QueuePosition   int
	TotalDownloaded int64
	TotalUploaded   int64
	CompletedPieces []int
}

var bucketName = []byte("torrents")

// Store is a bbolt-backed PersistedStateStore keyed by the raw 20-byte
// info hash.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database at path with the
// torrents bucket ready.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persist: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save writes (or overwrites) st's record.
func (s *Store) Save(st State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("persist: marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(st.InfoHash[:], b)
	})
}

// Load reads the record for infoHash. ok is false if no record exists.
func (s *Store) Load(infoHash [20]byte) (st State, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(infoHash[:])
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &st)
	})
	if err != nil {
		return State{}, false, fmt.Errorf("persist: load: %w", err)
	}
	return st, ok, nil
}

// Delete removes infoHash's record (e.g. torrent removed by the user).
func (s *Store) Delete(infoHash [20]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(infoHash[:])
	})
}

// All returns every persisted torrent, used to restore a session on
// startup.
func (s *Store) All() ([]State, error) {
	var out []State
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var st State
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			out = append(out, st)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist: list: %w", err)
	}
	return out, nil
}
