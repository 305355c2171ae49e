package matrix

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"maunium.net/go/mautrix/id"
)

var snapshotKey = []byte("snapshot")

// Snapshot is the persisted room list and sync cursor of one account.
type Snapshot struct {
	Rooms    []*Room     `json:"rooms"`
	Since    string      `json:"since"`
	Username string      `json:"username"`
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

// Cache persists snapshots. Load returns nil without error when nothing
// was stored for username.
type Cache interface {
	Store(s *Snapshot) error
	Load(username string) (*Snapshot, error)
}

// BoltCache stores one snapshot per username bucket.
type BoltCache struct {
	db *bolt.DB
}

func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache %s: %w", path, err)
	}

	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}

func (c *BoltCache) Store(s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(s.Username))
		if err != nil {
			return err
		}

		return b.Put(snapshotKey, data)
	})
}

func (c *BoltCache) Load(username string) (*Snapshot, error) {
	var s *Snapshot

	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(username))
		if b == nil {
			return nil
		}

		v := b.Get(snapshotKey)
		if v == nil {
			return nil
		}

		s = &Snapshot{}

		return json.Unmarshal(v, s)
	})
	if err != nil {
		return nil, fmt.Errorf("loading snapshot of %s: %w", username, err)
	}

	return s, nil
}
