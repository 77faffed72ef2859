package bus

// ring is a bounded FIFO buffer. Pushing beyond capacity evicts the oldest
// entry. Not goroutine-safe; callers synchronize.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	if r.size == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.size++
	}
}

func (r *ring[T]) len() int { return r.size }

// items returns the buffered entries, oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
