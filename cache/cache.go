// Package cache persists expensive derived artifacts (book analyses,
// knowledge graphs) on disk. It knows nothing about what it stores: callers
// hand it opaque JSON-marshalable payloads keyed by content-addressed keys.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Key derives a stable content-addressed key for one artifact. A changed
// content hash yields a new key, so recomputed artifacts never overwrite the
// records concurrent readers may still be holding.
func Key(bookID, kind, contentHash string) string {
	sum := sha256.Sum256([]byte(bookID + "\x00" + kind + "\x00" + contentHash))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	Key         string          `json:"key"`
	ContentHash string          `json:"content_hash"`
	CreatedAt   time.Time       `json:"created_at"`
	TTLSeconds  int64           `json:"ttl_seconds"`
	Payload     json.RawMessage `json:"payload"`
}

// Store is a TTL-based disk cache. Reads never fail: a missing, corrupt,
// stale, or hash-mismatched entry is a miss, and every caller has a recompute
// fallback. Writes publish atomically via write-to-temp then rename, so a
// concurrent reader sees either the old entry or the new one, never a torn
// write.
type Store struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

func New(dir string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{dir: dir, ttl: ttl, now: time.Now}, nil
}

// TTL reports the store's default entry lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Get returns the payload for key if the entry is fresh and its stored
// content hash matches contentHash. Any other outcome is a miss.
func (s *Store) Get(key, contentHash string) (json.RawMessage, bool) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false
	}

	if e.ContentHash != contentHash {
		return nil, false
	}

	age := s.now().Sub(e.CreatedAt)
	if age < 0 || age >= time.Duration(e.TTLSeconds)*time.Second {
		return nil, false
	}

	return e.Payload, true
}

// Put stores payload under key with the store's default TTL.
func (s *Store) Put(key, contentHash string, payload any) error {
	return s.PutTTL(key, contentHash, payload, s.ttl)
}

// PutTTL stores payload under key with an explicit TTL. Writes for the same
// key are idempotent; the last writer wins.
func (s *Store) PutTTL(key, contentHash string, payload any, ttl time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cache payload: %w", err)
	}

	e := entry{
		Key:         key,
		ContentHash: contentHash,
		CreatedAt:   s.now(),
		TTLSeconds:  int64(ttl / time.Second),
		Payload:     raw,
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp cache file: %w", err)
	}

	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish cache entry: %w", err)
	}

	return nil
}

// Invalidate removes the entry for key. Removing a missing entry is not an
// error.
func (s *Store) Invalidate(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}
