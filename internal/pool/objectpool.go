// Package pool recycles objects owned by a single event loop.
package pool

// ObjectPool keeps released objects for reuse. Unlike sync.Pool, it never drops objects on
// its own and isn't thread-safe: every event loop owns a separate instance.
type ObjectPool[T any] struct {
	queue []T
	new   func() T
	reset func(T)
}

// NewObjectPool returns a pool keeping at most queueSize idle objects. New objects are made
// by newFn, released ones are passed through resetFn first (if not nil).
func NewObjectPool[T any](queueSize int, newFn func() T, resetFn func(T)) *ObjectPool[T] {
	return &ObjectPool[T]{
		queue: make([]T, 0, queueSize),
		new:   newFn,
		reset: resetFn,
	}
}

// Acquire returns an idle object or makes a new one.
func (o *ObjectPool[T]) Acquire() T {
	if len(o.queue) == 0 {
		return o.new()
	}

	obj := o.queue[len(o.queue)-1]
	o.queue = o.queue[:len(o.queue)-1]
	return obj
}

// Release puts the object back. If the pool is full, the object is left to GC.
func (o *ObjectPool[T]) Release(obj T) {
	if len(o.queue) == cap(o.queue) {
		return
	}

	if o.reset != nil {
		o.reset(obj)
	}

	o.queue = append(o.queue, obj)
}

// Idle returns the number of objects ready for reuse.
func (o *ObjectPool[T]) Idle() int {
	return len(o.queue)
}
