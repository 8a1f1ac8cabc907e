// Package buffer provides fixed-capacity, insertion-ordered lists for
// recent-activity views. The newest entry is at index 0 and overflow is
// evicted from the tail. Buffers are not safe for concurrent use; the
// owning store serializes access.
package buffer

// Keyed is a bounded list in which no two entries share a key.
type Keyed[T any] struct {
	capacity  int
	key       func(T) string
	evictable func(T) bool
	items     []T
}

// NewKeyed creates a keyed buffer holding at most capacity entries.
// A capacity below 1 is treated as 1.
func NewKeyed[T any](capacity int, key func(T) string) *Keyed[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Keyed[T]{capacity: capacity, key: key}
}

// WithEvictable restricts eviction to entries for which fn returns true.
// When no tail entry is evictable the buffer may exceed its capacity.
func (b *Keyed[T]) WithEvictable(fn func(T) bool) *Keyed[T] {
	b.evictable = fn
	return b
}

// Cap returns the configured capacity.
func (b *Keyed[T]) Cap() int { return b.capacity }

// Len returns the number of entries.
func (b *Keyed[T]) Len() int { return len(b.items) }

// Index returns the position of key k, or -1.
func (b *Keyed[T]) Index(k string) int {
	for i, v := range b.items {
		if b.key(v) == k {
			return i
		}
	}
	return -1
}

// Get returns the entry stored under k.
func (b *Keyed[T]) Get(k string) (T, bool) {
	if i := b.Index(k); i >= 0 {
		return b.items[i], true
	}
	var zero T
	return zero, false
}

// Upsert inserts v at the front when its key is unseen, or replaces the
// existing entry in place. It reports whether v was newly inserted.
func (b *Keyed[T]) Upsert(v T) bool {
	if i := b.Index(b.key(v)); i >= 0 {
		b.items[i] = v
		return false
	}
	b.items = append(b.items, v)
	copy(b.items[1:], b.items[:len(b.items)-1])
	b.items[0] = v
	b.trim()
	return true
}

// Replace overwrites the entry with v's key in place. It reports false,
// leaving the buffer untouched, when the key is absent.
func (b *Keyed[T]) Replace(v T) bool {
	i := b.Index(b.key(v))
	if i < 0 {
		return false
	}
	b.items[i] = v
	return true
}

// InsertBefore places an unseen v ahead of the first entry for which
// before returns true, or at the tail when there is none. Entries whose
// key is already present are left alone and false is returned.
func (b *Keyed[T]) InsertBefore(v T, before func(existing T) bool) bool {
	if b.Index(b.key(v)) >= 0 {
		return false
	}
	pos := len(b.items)
	for i, e := range b.items {
		if before(e) {
			pos = i
			break
		}
	}
	b.items = append(b.items, v)
	copy(b.items[pos+1:], b.items[pos:len(b.items)-1])
	b.items[pos] = v
	b.trim()
	return true
}

// Items returns a copy of the entries, newest first.
func (b *Keyed[T]) Items() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

func (b *Keyed[T]) trim() {
	for len(b.items) > b.capacity {
		victim := -1
		for i := len(b.items) - 1; i >= 0; i-- {
			if b.evictable == nil || b.evictable(b.items[i]) {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		b.items = append(b.items[:victim], b.items[victim+1:]...)
	}
}

// Log is a bounded list without identity; every Add is a new entry.
type Log[T any] struct {
	capacity int
	items    []T
}

// NewLog creates a log holding at most capacity entries.
func NewLog[T any](capacity int) *Log[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Log[T]{capacity: capacity}
}

// Add prepends v, evicting the oldest entry when full.
func (l *Log[T]) Add(v T) {
	if len(l.items) < l.capacity {
		l.items = append(l.items, v)
	}
	copy(l.items[1:], l.items[:len(l.items)-1])
	l.items[0] = v
}

// Len returns the number of entries.
func (l *Log[T]) Len() int { return len(l.items) }

// Cap returns the configured capacity.
func (l *Log[T]) Cap() int { return l.capacity }

// Items returns a copy of the entries, newest first.
func (l *Log[T]) Items() []T {
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}
