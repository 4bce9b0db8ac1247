// Package locktable tracks database-style file locks (none, shared, reserved,
// pending, exclusive) between handles that live in the same process.
//
// Every open file handle obtains a *Handle keyed by the file's canonical name.
// Handles that share a key contend for the same lock state. The table does not
// coordinate with other processes.
package locktable

import (
	"errors"
	"sync"
)

// Level is a lock level. Higher levels imply all lower ones.
type Level int

const (
	None Level = iota
	Shared
	Reserved
	Pending
	Exclusive
)

var (
	// ErrBusy is returned when a lock cannot be granted without waiting.
	ErrBusy = errors.New("database is locked")
	// ErrClosed is returned by Lock on a handle that was already closed.
	ErrClosed = errors.New("lock handle closed")
	// ErrOrder is returned when a lock above shared is requested by a handle
	// that does not hold shared yet, or an unlock targets a level above shared.
	ErrOrder = errors.New("lock requested out of order")
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Shared:
		return "shared"
	case Reserved:
		return "reserved"
	case Pending:
		return "pending"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

type entry struct {
	shared int // handles holding at least Shared
	writer *Handle
	open   int
}

// Table is a set of lock entries. The zero value is ready to use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

// Handle is one participant's view of a key's lock state.
type Handle struct {
	t      *Table
	key    string
	level  Level
	closed bool
}

// Open registers a new participant for key.
func (t *Table) Open(key string) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries == nil {
		t.entries = make(map[string]*entry)
	}
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.open++
	return &Handle{t: t, key: key}
}

// Len reports how many keys currently have open participants.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Key returns the key the handle was opened with.
func (h *Handle) Key() string {
	return h.key
}

// Level returns the level currently held by h.
func (h *Handle) Level() Level {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.level
}

// Lock raises h to at least want. Requests at or below the current level
// succeed without change. An exclusive request that has to wait for readers
// leaves h at Pending and returns ErrBusy, so new readers are kept out while
// the caller retries.
func (h *Handle) Lock(want Level) error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.level >= want {
		return nil
	}
	e := h.t.entries[h.key]

	if want == Shared {
		if e.writer != nil && e.writer != h && e.writer.level >= Pending {
			return ErrBusy
		}
		e.shared++
		h.level = Shared
		return nil
	}

	if h.level < Shared {
		return ErrOrder
	}
	if e.writer != nil && e.writer != h {
		return ErrBusy
	}
	e.writer = h

	if want == Reserved {
		h.level = Reserved
		return nil
	}

	if e.shared > 1 {
		h.level = Pending
		if want == Exclusive {
			return ErrBusy
		}
		return nil
	}
	h.level = want
	return nil
}

// Unlock lowers h to want, which must be None or Shared.
func (h *Handle) Unlock(want Level) error {
	if want > Shared {
		return ErrOrder
	}

	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	h.unlockLocked(want)
	return nil
}

func (h *Handle) unlockLocked(want Level) {
	if h.closed || h.level <= want {
		return
	}
	e := h.t.entries[h.key]
	if h.level > Shared {
		if e.writer == h {
			e.writer = nil
		}
		h.level = Shared
	}
	if want == None && h.level == Shared {
		e.shared--
		h.level = None
	}
}

// Reserved reports whether any participant on the key holds Reserved or above.
func (h *Handle) Reserved() bool {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if h.closed {
		return false
	}
	return h.t.entries[h.key].writer != nil
}

// Break forcibly drops the writer lock on the key, whoever holds it. The
// former writer is demoted to Shared.
func (h *Handle) Break() {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	if h.closed {
		return
	}
	e := h.t.entries[h.key]
	if e.writer != nil {
		e.writer.level = Shared
		e.writer = nil
	}
}

// Close releases every lock held by h and removes the key once no
// participants remain. Closing twice is harmless.
func (h *Handle) Close() {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	if h.closed {
		return
	}
	h.unlockLocked(None)
	h.closed = true
	e := h.t.entries[h.key]
	e.open--
	if e.open == 0 {
		delete(h.t.entries, h.key)
	}
}
