package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB persists threads and settings in a single BoltDB file. Threads are stored as JSON documents keyed
// by id; settings and the active thread id live in a separate key-value bucket.
type BoltDB struct {
	db *bolt.DB
}

var (
	threadsBucket  = []byte("threads")
	settingsBucket = []byte("settings")
)

const activeThreadKey = "active-thread"

// NewBoltDB opens the database at path and creates the required buckets. The file is created with 0600
// permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{threadsBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}
	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Threads returns every stored thread.
func (b BoltDB) Threads(context.Context) ([]models.Thread, error) {
	var threads []models.Thread
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(threadsBucket).ForEach(func(_, v []byte) error {
			var thread models.Thread
			if err := json.Unmarshal(v, &thread); err != nil {
				return fmt.Errorf("failed to unmarshal thread: %w", err)
			}
			threads = append(threads, thread)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return threads, nil
}

// SaveThread stores the thread, replacing any previous version.
func (b BoltDB) SaveThread(_ context.Context, thread models.Thread) error {
	v, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(threadsBucket).Put([]byte(thread.ID), v)
	})
}

// DeleteThread removes the thread. Deleting a missing thread is not an error.
func (b BoltDB) DeleteThread(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(threadsBucket).Delete([]byte(id))
	})
}

// ActiveThreadID returns the id of the thread that was active last, or an empty string.
func (b BoltDB) ActiveThreadID(ctx context.Context) (string, error) {
	var id string
	if _, err := b.LoadSetting(ctx, activeThreadKey, &id); err != nil {
		return "", err
	}
	return id, nil
}

// SetActiveThreadID records the active thread.
func (b BoltDB) SetActiveThreadID(ctx context.Context, id string) error {
	return b.SaveSetting(ctx, activeThreadKey, id)
}

// LoadSetting decodes the setting stored under key into v. It reports false when the key was never stored.
func (b BoltDB) LoadSetting(_ context.Context, key string, v any) (bool, error) {
	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(settingsBucket).Get([]byte(key)); data != nil {
			raw = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal setting %s: %w", key, err)
	}
	return true, nil
}

// SaveSetting stores v under key as JSON.
func (b BoltDB) SaveSetting(_ context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), raw)
	})
}
