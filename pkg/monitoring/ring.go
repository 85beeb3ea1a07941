package monitoring

// RingBuffer is a fixed-capacity FIFO that overwrites its oldest entry
// when full. It is not safe for concurrent use.
type RingBuffer[T any] struct {
	items []T
	head  int
	size  int
}

// NewRingBuffer returns an empty buffer; capacity below 1 is treated as 1
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry on overflow
func (r *RingBuffer[T]) Push(v T) {
	idx := (r.head + r.size) % len(r.items)
	r.items[idx] = v
	if r.size < len(r.items) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.items)
}

func (r *RingBuffer[T]) Len() int { return r.size }

func (r *RingBuffer[T]) Cap() int { return len(r.items) }

// Items returns a copy of the contents, oldest first
func (r *RingBuffer[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Last returns the newest n entries, oldest first
func (r *RingBuffer[T]) Last(n int) []T {
	if n > r.size {
		n = r.size
	}
	out := make([]T, n)
	start := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.head+start+i)%len(r.items)]
	}
	return out
}

// Newest returns the most recent entry
func (r *RingBuffer[T]) Newest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.head+r.size-1)%len(r.items)], true
}

// Resize changes capacity, keeping the newest entries
func (r *RingBuffer[T]) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity == len(r.items) {
		return
	}
	keep := r.Last(capacity)
	r.items = make([]T, capacity)
	copy(r.items, keep)
	r.head = 0
	r.size = len(keep)
}
