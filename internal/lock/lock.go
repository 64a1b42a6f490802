// Package lock provides per-key mutual exclusion between pollers and processes.
package lock

import (
	"context"
	"strings"
	"sync"
)

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

// Locker acquires named locks without blocking
type Locker interface {
	// TryLock returns ok=false when another holder owns key
	TryLock(ctx context.Context, key string) (Unlock, bool, error)
}

// WalletKey is the lock key guarding a wallet's positions
func WalletKey(wallet string) string {
	return "wallet:" + strings.ToLower(wallet)
}

// Memory is an in-process Locker
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory creates a new in-process Locker
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// TryLock implements Locker
func (m *Memory) TryLock(_ context.Context, key string) (Unlock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, false, nil
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true, nil
}
