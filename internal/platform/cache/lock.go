package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lock is a held advisory lock. Release is safe to call more than once.
type Lock struct {
	key     string
	token   []byte
	backend Backend
}

// Key returns the locked key
func (l *Lock) Key() string {
	return l.key
}

// Release drops the lock if this holder still owns it. A lock that already
// expired and was taken by someone else is left alone.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if _, err := l.backend.CompareAndDelete(ctx, l.key, l.token); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Locker hands out short-lived advisory locks stored in a Backend. On Redis
// this is SET NX with a random token; on MemoryCache it is process local.
type Locker struct {
	backend Backend
	prefix  string
}

// NewLocker creates a locker whose keys are namespaced with prefix
func NewLocker(backend Backend, prefix string) *Locker {
	return &Locker{backend: backend, prefix: prefix}
}

// TryLock acquires name for ttl without waiting. It returns ErrLockHeld when
// another holder owns it.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := l.prefix + name
	token := []byte(uuid.NewString())

	ok, err := l.backend.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{key: key, token: token, backend: l.backend}, nil
}

// Held reports whether name is currently locked by anyone.
func (l *Locker) Held(ctx context.Context, name string) (bool, error) {
	_, err := l.backend.Get(ctx, l.prefix+name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}
