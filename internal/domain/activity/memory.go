package activity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog is an in-process Log. Entries do not survive a restart.
type MemoryLog struct {
	mu      sync.Mutex
	limit   int
	entries map[string][]*Entry
	now     func() time.Time
}

func NewMemoryLog(limit int) *MemoryLog {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryLog{limit: limit, entries: make(map[string][]*Entry), now: time.Now}
}

func (m *MemoryLog) Append(_ context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	cp := *e

	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([]*Entry{&cp}, m.entries[e.User]...)
	if len(list) > m.limit {
		list = list[:m.limit]
	}
	m.entries[e.User] = list
	return nil
}

func (m *MemoryLog) Recent(_ context.Context, user string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0, len(m.entries[user]))
	for _, e := range m.entries[user] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryLog) Clear(_ context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, user)
	return nil
}
