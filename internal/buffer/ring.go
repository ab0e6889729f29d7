package buffer

// Ring keeps the newest Cap entries; adding to a full ring overwrites the
// oldest. It is not safe for concurrent use.
type Ring[T any] struct {
	entries []T
	next    int
	full    bool
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{entries: make([]T, size)}
}

func (r *Ring[T]) Add(entry T) {
	if r == nil {
		return
	}
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	if r.full {
		return len(r.entries)
	}
	return r.next
}

func (r *Ring[T]) Cap() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// List returns every entry, oldest first.
func (r *Ring[T]) List() []T {
	return r.Tail(r.Len())
}

// Tail returns the newest n entries, oldest first.
func (r *Ring[T]) Tail(n int) []T {
	size := r.Len()
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := r.next - n
	if start < 0 {
		start += len(r.entries)
	}
	for i := range out {
		out[i] = r.entries[(start+i)%len(r.entries)]
	}
	return out
}

// Scan visits entries newest first until visit returns false.
func (r *Ring[T]) Scan(visit func(T) bool) {
	size := r.Len()
	for i := 1; i <= size; i++ {
		index := r.next - i
		if index < 0 {
			index += len(r.entries)
		}
		if !visit(r.entries[index]) {
			return
		}
	}
}
