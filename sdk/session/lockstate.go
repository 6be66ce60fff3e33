package session

import (
	"context"
	"fmt"
	"sync"
)

// WipeSignal is returned by LockState.Arm and tells the caller whether sensitive
// in-memory state must be wiped.
type WipeSignal struct {
	// Previous is the lock status before arming.
	Previous LockStatus
}

// Required reports whether arming actually locked the gate. Re-arming a
// locked gate has nothing left to wipe.
func (w WipeSignal) Required() bool {
	return w.Previous != LockLocked
}

// LockState tracks the local lock gate.
type LockState struct {
	mu      sync.RWMutex
	current Lock
	fetcher LockFetcher
}

// NewLockState creates an unset lock gate that queries fetcher when no hint is known.
func NewLockState(fetcher LockFetcher) *LockState {
	return &LockState{current: Lock{Status: LockUnset}, fetcher: fetcher}
}

// Current returns a snapshot of the lock gate.
func (l *LockState) Current() Lock {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Resolve returns hint when supplied, otherwise fetches the remote lock status.
// The resolved value becomes the current state.
func (l *LockState) Resolve(ctx context.Context, hint *Lock) (Lock, error) {
	if hint != nil {
		resolved := normalizeLock(*hint)
		l.set(resolved)
		return resolved, nil
	}
	if l.fetcher == nil {
		return Lock{}, fmt.Errorf("session lock: no lock fetcher configured")
	}
	fetched, err := l.fetcher.LockStatus(ctx)
	if err != nil {
		return Lock{}, fmt.Errorf("session lock: fetch status: %w", err)
	}
	resolved := normalizeLock(fetched)
	l.set(resolved)
	return resolved, nil
}

// Arm sets the gate to Locked.
func (l *LockState) Arm() WipeSignal {
	l.mu.Lock()
	defer l.mu.Unlock()
	previous := l.current.Status
	l.current.Status = LockLocked
	return WipeSignal{Previous: previous}
}

// Disarm sets the gate to Registered, keeping the known TTL.
func (l *LockState) Disarm() {
	l.mu.Lock()
	l.current.Status = LockRegistered
	l.mu.Unlock()
}

// Reset forgets the gate state, used on logout.
func (l *LockState) Reset() {
	l.set(Lock{Status: LockUnset})
}

func (l *LockState) set(lock Lock) {
	l.mu.Lock()
	l.current = lock
	l.mu.Unlock()
}

func normalizeLock(lock Lock) Lock {
	switch lock.Status {
	case LockRegistered, LockLocked:
	default:
		lock.Status = LockUnset
	}
	if lock.TTL < 0 {
		lock.TTL = 0
	}
	return lock
}
