package main

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"collabtext/diffsync/internal/diffsync"
)

var (
	agentBucket  = []byte("agent")
	syncedBucket = []byte("synced")
	clientIDKey  = []byte("clientId")
)

// state remembers the agent's client id and, per entity, the text last
// known to match the server. The synced text lets local edits made while
// disconnected be told apart from remote ones.
type state struct {
	db *bolt.DB
}

func openState(path string) (*state, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{agentBucket, syncedBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &state{db: db}, nil
}

func (s *state) Close() error {
	return s.db.Close()
}

// clientID returns the stored client id, storing newID first if there is
// none.
func (s *state) clientID(newID func() string) (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentBucket)
		if v := b.Get(clientIDKey); v != nil {
			id = string(v)
			return nil
		}
		id = newID()
		return b.Put(clientIDKey, []byte(id))
	})
	return id, err
}

func entityKey(ek diffsync.EntityKey) []byte {
	return []byte(ek.Type + "\x00" + ek.ID)
}

// synced returns the last synchronized text of ek and whether there is one.
func (s *state) synced(ek diffsync.EntityKey) (string, bool, error) {
	var (
		text string
		ok   bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(syncedBucket).Get(entityKey(ek)); v != nil {
			text, ok = string(v), true
		}
		return nil
	})
	return text, ok, err
}

func (s *state) setSynced(ek diffsync.EntityKey, text string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncedBucket).Put(entityKey(ek), []byte(text))
	})
}
