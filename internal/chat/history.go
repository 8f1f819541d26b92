package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a transcript entry.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleBot    Role = "bot"
)

// Entry is a single transcript turn. Timestamp is for display only.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func newEntry(role Role, content string, now time.Time) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
}

// history is the session-owned transcript. The system entry sits at index 0 and
// is never removed; only user entries can be rolled back.
type history struct {
	mu      sync.Mutex
	entries []Entry
}

func (h *history) init(system Entry) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) > 0 {
		return false
	}
	h.entries = append(h.entries, system)
	return true
}

func (h *history) initialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries) > 0
}

func (h *history) add(e Entry) {
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.mu.Unlock()
}

// rollback removes the user entry with the given id. Entries are matched by id
// rather than popped from the tail because overlapping exchanges may have
// appended after it.
func (h *history) rollback(id string) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i > 0; i-- {
		if h.entries[i].ID == id && h.entries[i].Role == RoleUser {
			e := h.entries[i]
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return e, true
		}
	}
	return Entry{}, false
}

func (h *history) snapshot() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *history) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
