package realenv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	bolt "go.etcd.io/bbolt"
)

func (l *LockManager) Acquire(ctx context.Context, lock string, lifetime time.Duration) (env.LockHandle, error) {
	return l.acquireOrSteal(ctx, lock, lifetime, false)
}

func (l *LockManager) Steal(ctx context.Context, lock string, lifetime time.Duration) (env.LockHandle, error) {
	return l.acquireOrSteal(ctx, lock, lifetime, true)
}

// acquireOrSteal is identical in both cases: grant the lease only if it is
// unheld or already expired. "Steal" differs only in intent at the call
// site (proving a node is dead), not in mechanism (§3 invariant 5).
func (l *LockManager) acquireOrSteal(ctx context.Context, lock string, lifetime time.Duration, steal bool) (env.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var rec lockRecord
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		now := time.Now()

		if raw := b.Get([]byte(lock)); raw != nil {
			var existing lockRecord
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode lock %s: %w", lock, err)
			}
			if existing.ExpireAt.After(now) {
				return env.ErrLockHeld
			}
			rec = lockRecord{Holder: lock, ExpireAt: now.Add(lifetime), Gen: existing.Gen + 1}
		} else {
			rec = lockRecord{Holder: lock, ExpireAt: now.Add(lifetime), Gen: 1}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode lock %s: %w", lock, err)
		}
		return b.Put([]byte(lock), data)
	})
	if err != nil {
		return nil, err
	}

	return &lockHandle{mgr: l, name: lock, gen: rec.Gen, lifetime: lifetime}, nil
}

func (l *LockManager) refresh(name string, gen uint64, lifetime time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		raw := b.Get([]byte(name))
		if raw == nil {
			return env.ErrLockLost
		}
		var rec lockRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode lock %s: %w", name, err)
		}
		if rec.Gen != gen || !rec.ExpireAt.After(time.Now()) {
			return env.ErrLockLost
		}
		rec.ExpireAt = time.Now().Add(lifetime)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode lock %s: %w", name, err)
		}
		return b.Put([]byte(name), data)
	})
}

func (l *LockManager) release(name string, gen uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		raw := b.Get([]byte(name))
		if raw == nil {
			return nil
		}
		var rec lockRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil
		}
		if rec.Gen == gen {
			return b.Delete([]byte(name))
		}
		return nil
	})
}

type lockHandle struct {
	mgr      *LockManager
	name     string
	gen      uint64
	lifetime time.Duration
}

func (h *lockHandle) Refresh(ctx context.Context) error {
	return h.mgr.refresh(h.name, h.gen, h.lifetime)
}

func (h *lockHandle) Release(ctx context.Context) error {
	return h.mgr.release(h.name, h.gen)
}

func (h *lockHandle) Name() string { return h.name }
