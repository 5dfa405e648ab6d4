// Package state provides a latest-value broadcast primitive: one producer
// publishes values, any number of subscribers read them with their own cursor.
//
// Every subscription starts at the value current when it subscribed and then
// sees later values in publish order. Values the observable classifies as lossy
// are coalesced newest-wins when a subscriber falls behind; all other values
// are queued and never merged. A subscriber that falls more than its backlog
// behind loses its oldest queued values, except those marked with WithRetained.
package state

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
)

// ErrClosed is returned by Subscription.Next after the subscription or its
// observable has been closed and every queued value was drained.
var ErrClosed = errors.New("state: subscription closed")

// DefaultBacklog bounds the number of queued values per subscriber. Retained
// values are not counted against it.
const DefaultBacklog = 256

// Option configures an Observable.
type Option[T any] func(*Observable[T])

// WithLossy marks values for which fn returns true as coalescible. When the
// newest queued value of a subscriber is lossy, a newer value replaces it.
func WithLossy[T any](fn func(T) bool) Option[T] {
	return func(o *Observable[T]) { o.lossy = fn }
}

// WithRetained marks values for which fn returns true as exempt from backlog
// eviction. They are delivered even to a subscriber far behind.
func WithRetained[T any](fn func(T) bool) Option[T] {
	return func(o *Observable[T]) { o.retained = fn }
}

// WithBacklog overrides DefaultBacklog. Non-positive values are ignored.
func WithBacklog[T any](n int) Option[T] {
	return func(o *Observable[T]) {
		if n > 0 {
			o.backlog = n
		}
	}
}

// Observable holds the current value and fans updates out to subscribers.
type Observable[T any] struct {
	mu       sync.Mutex
	cur      T
	subs     map[*Subscription[T]]struct{}
	closed   bool
	lossy    func(T) bool
	retained func(T) bool
	backlog  int
}

// New returns an Observable whose current value is initial. Without WithLossy
// every value is lossy, which gives plain latest-value semantics.
func New[T any](initial T, opts ...Option[T]) *Observable[T] {
	o := &Observable[T]{
		cur:     initial,
		subs:    make(map[*Subscription[T]]struct{}),
		backlog: DefaultBacklog,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.lossy == nil {
		o.lossy = func(T) bool { return true }
	}
	if o.retained == nil {
		o.retained = func(T) bool { return false }
	}
	return o
}

// Current returns the latest published value. It never blocks on subscribers.
func (o *Observable[T]) Current() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cur
}

// Publish makes v the current value and enqueues it for every subscriber.
// Publishing after Close is a no-op.
func (o *Observable[T]) Publish(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.cur = v
	e := o.entryFor(v)
	for s := range o.subs {
		s.push(e, o.backlog)
	}
}

// Subscribe registers a new subscriber whose first value is the current one.
// Subscribing to a closed observable yields a subscription that only returns
// the final value and then ErrClosed.
func (o *Observable[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		owner:  o,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s.push(o.entryFor(o.cur), o.backlog)
	if o.closed {
		s.finish()
		return s
	}
	o.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of live subscriptions.
func (o *Observable[T]) Subscribers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// Close ends every subscription after it drains its queue. Idempotent.
func (o *Observable[T]) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for s := range o.subs {
		s.finish()
		delete(o.subs, s)
	}
}

func (o *Observable[T]) entryFor(v T) entry[T] {
	return entry[T]{v: v, lossy: o.lossy(v), retained: o.retained(v)}
}

func (o *Observable[T]) remove(s *Subscription[T]) {
	o.mu.Lock()
	delete(o.subs, s)
	o.mu.Unlock()
}

type entry[T any] struct {
	v        T
	lossy    bool
	retained bool
}

// Subscription is one subscriber's cursor over an Observable.
type Subscription[T any] struct {
	owner *Observable[T]

	mu      sync.Mutex
	queue   []entry[T]
	dropped uint64
	ended   bool

	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func (s *Subscription[T]) push(e entry[T], backlog int) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if n := len(s.queue); n > 0 && s.queue[n-1].lossy {
		s.queue[n-1] = e
		s.dropped++
	} else {
		s.queue = append(s.queue, e)
		s.evictLocked(backlog)
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// evictLocked drops the oldest non-retained value while the queue holds more
// than backlog of them.
func (s *Subscription[T]) evictLocked(backlog int) {
	n := 0
	for _, e := range s.queue {
		if !e.retained {
			n++
		}
	}
	if n <= backlog {
		return
	}
	for i, e := range s.queue {
		if !e.retained {
			s.queue = slices.Delete(s.queue, i, i+1)
			s.dropped++
			return
		}
	}
}

// finish stops accepting values; queued values remain readable.
func (s *Subscription[T]) finish() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Subscription[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		var zero T
		return zero, false
	}
	e := s.queue[0]
	s.queue[0] = entry[T]{}
	s.queue = s.queue[1:]
	return e.v, true
}

// Next blocks until a value is available, ctx is done, or the subscription
// ends. Values queued before the end are still delivered.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	for {
		if v, ok := s.pop(); ok {
			return v, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if v, ok := s.pop(); ok {
				return v, nil
			}
			var zero T
			return zero, ErrClosed
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// All returns a lazy sequence of values that stops when ctx is done, the
// subscription ends, or the consumer breaks out of the loop.
func (s *Subscription[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Dropped reports how many values were coalesced or evicted for this subscriber.
func (s *Subscription[T]) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. Pending values are discarded. Idempotent.
func (s *Subscription[T]) Close() {
	s.owner.remove(s)
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.finish()
}
