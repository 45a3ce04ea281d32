// Package realenv is the production Environment backend: a bbolt-backed
// cluster KV and lock-lifetime store, an AF_UNIX watchdog client against
// /run/watchdog-mux.sock, and os/exec-based fence device dispatch.
package realenv

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocs  = []byte("docs")
	bucketLines = []byte("lines")
	bucketLocks = []byte("locks")
)

// KVStore implements env.KVStore on top of a bbolt database, repurposing
// the teacher's storage engine from "cluster object store" to "linearisable
// document + line-log store" (§10.3).
type KVStore struct {
	db *bolt.DB
}

// OpenKVStore opens (creating if absent) the bbolt file at path.
func OpenKVStore(path string) (*KVStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("realenv: open kv store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocs, bucketLines, bucketLocks} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &KVStore{db: db}, nil
}

func (s *KVStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bbolt handle so a LockManager can share the
// same database file instead of opening a second one.
func (s *KVStore) DB() *bolt.DB {
	return s.db
}

func (s *KVStore) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocs).Get([]byte(path))
		if v == nil {
			return fmt.Errorf("%s: %w", path, env.ErrNotExist)
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

func (s *KVStore) Write(ctx context.Context, path string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocs).Put([]byte(path), data)
	})
}

func (s *KVStore) AppendLine(ctx context.Context, path string, line string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLines)
		existing := b.Get([]byte(path))
		var next string
		if len(existing) == 0 {
			next = line
		} else {
			next = string(existing) + "\n" + line
		}
		return b.Put([]byte(path), []byte(next))
	})
}

func (s *KVStore) ReadLines(ctx context.Context, path string) ([]string, error) {
	var lines []string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLines).Get([]byte(path))
		if len(v) == 0 {
			return nil
		}
		lines = strings.Split(string(v), "\n")
		return nil
	})
	return lines, err
}

func (s *KVStore) TruncateLines(ctx context.Context, path string, lines []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLines).Put([]byte(path), []byte(strings.Join(lines, "\n")))
	})
}

// lockRecord is the on-disk representation of one lock's lease, stored
// JSON-encoded under bucketLocks. utime (last-touch time) is the server
// side of the lease: Refresh fails once it has not been extended past the
// lifetime, matching the cluster filesystem's cfs_lock semantics (§4.1).
type lockRecord struct {
	Holder   string    `json:"holder"`
	ExpireAt time.Time `json:"expire_at"`
	Gen      uint64    `json:"gen"`
}

// LockManager implements env.LockManager, tracking lease expiry in the
// same bbolt database as the KV documents.
type LockManager struct {
	db *bolt.DB
	mu sync.Mutex
}

func NewLockManager(db *bolt.DB) *LockManager {
	return &LockManager{db: db}
}
