package platform

import "sync"

// Mutex is the exclusive lock handed out to the rest of the library.
// Acquire blocks until the lock is obtained; there is no timeout and the
// wait cannot be interrupted.
type Mutex struct {
	mu        sync.Mutex
	destroyed bool
}

// NewMutex creates an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{}
}

// Acquire blocks until the calling goroutine holds the lock.
func (m *Mutex) Acquire() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		panic("platform: acquire of destroyed mutex")
	}
}

// Release unlocks the mutex.
func (m *Mutex) Release() {
	m.mu.Unlock()
}

// Destroy marks the mutex unusable. It must not be held.
func (m *Mutex) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.mu.Unlock()
}
