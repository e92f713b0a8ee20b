package binding

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// maxSessions bounds the persisted session map; beyond it the oldest
// insertion is evicted first.
const maxSessions = 10000

var bucketSessions = []byte("sessions")

type sessionEntry struct {
	SessionID  string    `json:"sessionId"`
	BindingID  string    `json:"bindingId"`
	Seq        uint64    `json:"seq"`
	InsertedAt time.Time `json:"insertedAt"`
}

// SessionMap is the persisted (bindingId, context) -> sessionId map,
// backed by a bbolt database so session reuse survives restarts.
type SessionMap struct {
	db  *bolt.DB
	cap int
}

// OpenSessionMap opens (or creates) the session database at path.
func OpenSessionMap(path string) (*SessionMap, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session bucket: %w", err)
	}
	return &SessionMap{db: db, cap: maxSessions}, nil
}

// Close closes the database.
func (m *SessionMap) Close() error {
	return m.db.Close()
}

// Get returns the cached session id for a key.
func (m *SessionMap) Get(key string) (string, bool) {
	var id string
	_ = m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(key))
		if data == nil {
			return nil
		}
		var entry sessionEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil
		}
		id = entry.SessionID
		return nil
	})
	return id, id != ""
}

// Put stores a session id under key, evicting the oldest insertion when
// the map exceeds its cap.
func (m *SessionMap) Put(key, sessionID, bindingID string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry := sessionEntry{
			SessionID:  sessionID,
			BindingID:  bindingID,
			Seq:        seq,
			InsertedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), data); err != nil {
			return err
		}

		// Evict oldest insertions until back under the cap.
		for count(b) > m.cap {
			oldestKey, found := oldest(b)
			if !found {
				break
			}
			if err := b.Delete(oldestKey); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len returns the number of cached sessions.
func (m *SessionMap) Len() int {
	n := 0
	_ = m.db.View(func(tx *bolt.Tx) error {
		n = count(tx.Bucket(bucketSessions))
		return nil
	})
	return n
}

func count(b *bolt.Bucket) int {
	n := 0
	_ = b.ForEach(func(k, v []byte) error {
		n++
		return nil
	})
	return n
}

// RemoveOrphans deletes entries whose binding id is not in active,
// returning the number removed.
func (m *SessionMap) RemoveOrphans(active map[string]bool) (int, error) {
	removed := 0
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var entry sessionEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if !active[entry.BindingID] {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func oldest(b *bolt.Bucket) ([]byte, bool) {
	var key []byte
	var minSeq uint64
	found := false
	_ = b.ForEach(func(k, v []byte) error {
		var entry sessionEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			// Unparseable entries evict first.
			key = append([]byte(nil), k...)
			minSeq = 0
			found = true
			return nil
		}
		if !found || entry.Seq < minSeq {
			key = append([]byte(nil), k...)
			minSeq = entry.Seq
			found = true
		}
		return nil
	})
	return key, found
}
