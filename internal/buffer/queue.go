package buffer

const defaultQueueCapacity = 16

// Queue is an unbounded FIFO backed by a growable ring. It is not safe for
// concurrent use; callers guard it with their own lock.
type Queue[T any] struct {
	entries []T
	start   int
	count   int
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Queue[T]{
		entries: make([]T, capacity),
	}
}

func (q *Queue[T]) Push(entry T) {
	if q == nil {
		return
	}
	if len(q.entries) == 0 {
		q.entries = make([]T, defaultQueueCapacity)
	}
	if q.count == len(q.entries) {
		q.grow()
	}
	index := (q.start + q.count) % len(q.entries)
	q.entries[index] = entry
	q.count++
}

func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q == nil || q.count == 0 {
		return zero, false
	}
	entry := q.entries[q.start]
	q.entries[q.start] = zero
	q.start = (q.start + 1) % len(q.entries)
	q.count--
	if q.count == 0 {
		q.start = 0
	}
	return entry, true
}

func (q *Queue[T]) Len() int {
	if q == nil {
		return 0
	}
	return q.count
}

func (q *Queue[T]) grow() {
	next := make([]T, len(q.entries)*2)
	for i := 0; i < q.count; i++ {
		next[i] = q.entries[(q.start+i)%len(q.entries)]
	}
	q.entries = next
	q.start = 0
}
