package queue

// Queue is a generic FIFO queue. It is not safe for concurrent use; owners
// guard it with their own lock.
type Queue[T any] struct {
	items []T
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Enqueue adds an element to the end of the queue.
func (q *Queue[T]) Enqueue(item T) {
	q.items = append(q.items, item)
}

// Dequeue removes and returns the front element of the queue.
// The boolean is false if the queue was empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// Peek returns the front element without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Drain removes and returns every element in FIFO order.
func (q *Queue[T]) Drain() []T {
	items := q.items
	q.items = nil
	return items
}

// Clear discards every element.
func (q *Queue[T]) Clear() {
	q.items = nil
}

// Len reports how many elements are queued.
func (q *Queue[T]) Len() int {
	return len(q.items)
}
