// Package errbuf holds the bounded, admin-visible buffer of internal
// server errors. It is one of the two process-wide mutable singletons
// (the other is the environment registry); both are constructed in main
// and passed down explicitly.
package errbuf

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the buffer; the oldest entries are evicted.
const DefaultCapacity = 50

// Entry is one captured internal error. Description is safe to show to
// admins only; non-admin responses never carry it.
type Entry struct {
	Time        time.Time `json:"time"`
	Description string    `json:"description"`
	Stack       string    `json:"stack,omitempty"`
}

// Buffer is a fixed-capacity ring of recent internal errors.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
}

// New returns a buffer with DefaultCapacity.
func New() *Buffer {
	return &Buffer{cap: DefaultCapacity}
}

// Add records an error, evicting the oldest entry when full.
func (b *Buffer) Add(description, stack string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{
		Time:        time.Now().UTC(),
		Description: description,
		Stack:       stack,
	})
	if len(b.entries) > b.cap {
		b.entries = b.entries[len(b.entries)-b.cap:]
	}
}

// Entries returns a copy of the buffered errors, newest first.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		out[len(b.entries)-1-i] = e
	}
	return out
}

// Len returns the number of buffered errors.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
