package recording

import (
	"sync"

	"clipstream/internal/media"
)

type videoItem struct {
	data        []byte
	width       int
	height      int
	format      media.PixelFormat
	timestampUs int64
	// session is the recording the item was submitted to, 0 for none
	session uint32
}

type audioItem struct {
	samples     []float32
	sampleRate  int
	channels    int
	timestampUs int64
	session     uint32
}

// queue is a bounded FIFO with its own lock. push never blocks beyond the
// lock and fails once capacity items are waiting.
type queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
}

func newQueue[T any](capacity int) *queue[T] {
	return &queue[T]{capacity: capacity}
}

func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, v)
	return true
}

// popAll takes every waiting item in arrival order.
func (q *queue[T]) popAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
