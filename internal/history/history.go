// Package history caches the transcript list and the last active transcript in
// a local BoltDB file so the client can show history before the backend answers.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lukasbauer/insightchat/internal/backend"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTranscripts = []byte("transcripts")
	bucketMeta        = []byte("meta")
	keyLastActive     = []byte("last_active")
)

// Store is the history cache. A nil *Store is valid and stores nothing.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the cache file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTranscripts); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the cache file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveTranscripts replaces the cached list with list.
func (s *Store) SaveTranscripts(list []backend.Transcript) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		// Recreate bucket to reflect the given snapshot exactly.
		if err := tx.DeleteBucket(bucketTranscripts); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketTranscripts)
		if err != nil {
			return err
		}
		for _, t := range list {
			if t.ID == "" {
				continue
			}
			enc, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(t.ID), enc); err != nil {
				return err
			}
		}
		return nil
	})
}

// Upsert stores or updates one transcript entry.
func (s *Store) Upsert(t backend.Transcript) error {
	if s == nil || t.ID == "" {
		return nil
	}
	enc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTranscripts).Put([]byte(t.ID), enc)
	})
}

// Forget removes a transcript, and clears the last active marker if it
// pointed at it.
func (s *Store) Forget(id string) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTranscripts).Delete([]byte(id)); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if string(meta.Get(keyLastActive)) == id {
			return meta.Delete(keyLastActive)
		}
		return nil
	})
}

// Transcripts returns the cached list, most recently updated first.
func (s *Store) Transcripts() ([]backend.Transcript, error) {
	if s == nil {
		return nil, nil
	}
	var out []backend.Transcript
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTranscripts).ForEach(func(k, v []byte) error {
			var t backend.Transcript
			if err := json.Unmarshal(v, &t); err != nil {
				// Skip malformed entries instead of failing the whole load
				return nil
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].UpdatedAt, out[j].UpdatedAt
		switch {
		case ti != nil && tj != nil && !ti.Equal(*tj):
			return ti.After(*tj)
		case ti != nil && tj == nil:
			return true
		case ti == nil && tj != nil:
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetLastActive records the active transcript. Empty clears it.
func (s *Store) SetLastActive(id string) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if id == "" {
			return meta.Delete(keyLastActive)
		}
		return meta.Put(keyLastActive, []byte(id))
	})
}

// LastActive returns the last active transcript id, or "".
func (s *Store) LastActive() (string, error) {
	if s == nil {
		return "", nil
	}
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		id = string(tx.Bucket(bucketMeta).Get(keyLastActive))
		return nil
	})
	return id, err
}
