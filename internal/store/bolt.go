package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabtext/diffsync/internal/diffsync"
)

var entitiesBucket = []byte("entities")

// Bolt stores entities in an embedded bbolt file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens the bbolt file at path, creating it if needed.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entitiesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func boltKey(ek diffsync.EntityKey) []byte {
	return []byte(ek.Type + "\x00" + ek.ID)
}

func (b *Bolt) Load(_ context.Context, ek diffsync.EntityKey) (string, error) {
	var body string
	err := b.db.View(func(tx *bolt.Tx) error {
		// The slice is only valid inside the transaction.
		body = string(tx.Bucket(entitiesBucket).Get(boltKey(ek)))
		return nil
	})
	return body, err
}

func (b *Bolt) Save(_ context.Context, ek diffsync.EntityKey, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entitiesBucket).Put(boltKey(ek), []byte(value))
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
