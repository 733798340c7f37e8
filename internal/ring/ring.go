// Package ring provides a fixed-capacity circular buffer. Every bounded
// history collection in the store (completed traces, standalone events,
// invalidations) is built on it.
package ring

// Buffer is a fixed-capacity FIFO collection. Once full, Push silently
// evicts the oldest element. The zero value has capacity zero; use New.
type Buffer[T any] struct {
	items []T
	start int
	count int
}

// New creates a buffer that holds at most capacity elements.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends item. When the buffer is full the logically-oldest slot
// is overwritten and the start offset advances. A zero-capacity buffer
// drops everything.
func (b *Buffer[T]) Push(item T) {
	if len(b.items) == 0 {
		return
	}
	if b.count < len(b.items) {
		b.items[(b.start+b.count)%len(b.items)] = item
		b.count++
		return
	}
	b.items[b.start] = item
	b.start = (b.start + 1) % len(b.items)
}

// Items returns the contents oldest to newest as a fresh slice that
// never aliases internal storage.
func (b *Buffer[T]) Items() []T {
	out := make([]T, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.items[(b.start+i)%len(b.items)])
	}
	return out
}

// Clear resets the buffer to empty. Capacity is unchanged.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.start = 0
	b.count = 0
}

// Resize changes the capacity to n, retaining only the most recent
// min(Len, n) elements. Survivors keep their order. n may be smaller,
// larger, or zero; a zero-capacity buffer stays empty until resized up.
func (b *Buffer[T]) Resize(n int) {
	if n < 0 {
		n = 0
	}
	kept := b.Items()
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	b.items = make([]T, n)
	b.start = 0
	b.count = 0
	for _, item := range kept {
		b.Push(item)
	}
}

// Len returns the current element count, always <= Cap.
func (b *Buffer[T]) Len() int { return b.count }

// Cap returns the current capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }
