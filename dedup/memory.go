package dedup

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	generation uint64
	timer      *time.Timer
}

// Memory keeps fingerprints in process and drops each one when its ttl fires.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	generation uint64
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) Seen(_ context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[fingerprint]

	return ok, nil
}

// Remember inserts fingerprint, restarting its ttl if it is already present.
func (m *Memory) Remember(_ context.Context, fingerprint string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.store(fingerprint, ttl)

	return nil
}

func (m *Memory) CheckAndRemember(_ context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[fingerprint]; ok {
		return true, nil
	}

	m.store(fingerprint, ttl)

	return false, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for fingerprint, entry := range m.entries {
		entry.timer.Stop()
		delete(m.entries, fingerprint)
	}

	return nil
}

// store must be called with mu held.
func (m *Memory) store(fingerprint string, ttl time.Duration) {
	if previous, ok := m.entries[fingerprint]; ok {
		previous.timer.Stop()
	}

	m.generation++
	generation := m.generation

	m.entries[fingerprint] = memoryEntry{
		generation: generation,
		timer: time.AfterFunc(ttl, func() {
			m.expire(fingerprint, generation)
		}),
	}
}

// expire ignores timers that were superseded by a later Remember.
func (m *Memory) expire(fingerprint string, generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[fingerprint]; ok && entry.generation == generation {
		delete(m.entries, fingerprint)
	}
}
