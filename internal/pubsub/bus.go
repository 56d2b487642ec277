// Package pubsub provides a keyed fan-out bus. Each subscriber owns a bounded
// buffer drained by its own goroutine, so publishers never block on a slow
// observer.
package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/timmy/sitexport/internal/logger"
)

// Listener receives values for one key. Returned errors and panics are logged
// and swallowed; they never affect other listeners or the publisher.
type Listener[V any] func(V) error

// Options configure a Bus.
type Options struct {
	// Name tags log lines, e.g. "job-logs".
	Name string
	// Buffer is the per-subscriber queue size. Values published while the
	// queue is full are dropped for that subscriber only.
	Buffer int
	// RetainLast replays the most recently published value to new subscribers.
	RetainLast bool
	Logger     *logger.Logger
}

// Bus is a generic per-key publish/subscribe hub.
type Bus[V any] struct {
	mu      sync.Mutex
	topics  map[string]*topic[V]
	nextID  uint64
	buffer  int
	retain  bool
	dropped atomic.Int64
	log     *logger.Logger
}

type topic[V any] struct {
	subs    map[uint64]*Subscription[V]
	last    V
	hasLast bool
	closed  bool
}

// New creates a Bus.
func New[V any](opts Options) *Bus[V] {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetDefault()
	}
	if opts.Name != "" {
		log = log.WithComponent(opts.Name)
	}
	return &Bus[V]{
		topics: make(map[string]*topic[V]),
		buffer: opts.Buffer,
		retain: opts.RetainLast,
		log:    log,
	}
}

// Subscription is a live registration on one key.
type Subscription[V any] struct {
	bus      *Bus[V]
	key      string
	id       uint64
	ch       chan V
	stop     chan struct{}
	closing  chan struct{}
	done     chan struct{}
	final    V
	once     sync.Once
	dropped  atomic.Int64
	listener Listener[V]
}

// Subscribe registers listener on key. With RetainLast the last published
// value is delivered first.
func (b *Bus[V]) Subscribe(ctx context.Context, key string, listener Listener[V]) *Subscription[V] {
	return b.subscribe(ctx, key, nil, true, listener)
}

// SubscribeFrom registers listener on key and delivers history before any
// live value. Callers must hold whatever lock serializes their own Publish
// calls for key, so that history and live values neither overlap nor gap.
func (b *Bus[V]) SubscribeFrom(ctx context.Context, key string, history []V, listener Listener[V]) *Subscription[V] {
	return b.subscribe(ctx, key, history, false, listener)
}

func (b *Bus[V]) subscribe(ctx context.Context, key string, history []V, replayLast bool, listener Listener[V]) *Subscription[V] {
	if ctx == nil {
		ctx = context.Background()
	}

	s := &Subscription[V]{
		bus:      b,
		key:      key,
		ch:       make(chan V, b.buffer),
		stop:     make(chan struct{}),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		listener: listener,
	}

	b.mu.Lock()
	t := b.topicLocked(key)
	replay := append([]V(nil), history...)
	if b.retain && replayLast && t.hasLast && !t.closed {
		replay = append(replay, t.last)
	}
	if t.closed {
		// Late subscriber: replay, then the final value, then done.
		if t.hasLast {
			s.final = t.last
		}
		close(s.closing)
		s.once.Do(func() { close(s.stop) })
		b.mu.Unlock()
		go s.runClosed(replay, t.hasLast)
		return s
	}
	b.nextID++
	s.id = b.nextID
	t.subs[s.id] = s
	b.mu.Unlock()

	go s.run(ctx, replay)
	return s
}

func (b *Bus[V]) topicLocked(key string) *topic[V] {
	t, ok := b.topics[key]
	if !ok {
		t = &topic[V]{subs: make(map[uint64]*Subscription[V])}
		b.topics[key] = t
	}
	return t
}

// Publish fans value out to every subscriber of key without blocking.
// Publishing to a closed key is a no-op.
func (b *Bus[V]) Publish(key string, value V) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(key)
	if t.closed {
		return
	}
	if b.retain {
		t.last = value
		t.hasLast = true
	}
	for _, s := range t.subs {
		select {
		case s.ch <- value:
		default:
			n := s.dropped.Add(1)
			b.dropped.Add(1)
			if n == 1 {
				b.log.WithField("key", key).Warn("subscriber buffer full, dropping values")
			}
		}
	}
}

// CloseKey delivers final to every subscriber after their queued values and
// ends the subscriptions. Later subscribers receive their replay followed by
// final. Further publishes to key are ignored until Forget.
func (b *Bus[V]) CloseKey(key string, final V) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(key)
	if t.closed {
		return
	}
	t.closed = true
	t.last = final
	t.hasLast = true
	for id, s := range t.subs {
		s.final = final
		close(s.closing)
		delete(t.subs, id)
	}
}

// Forget drops all state for key. Live subscribers are stopped.
func (b *Bus[V]) Forget(key string) {
	b.mu.Lock()
	t, ok := b.topics[key]
	if ok {
		delete(b.topics, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, s := range t.subs {
		s.Unsubscribe()
	}
}

// Shutdown stops every subscription on every key.
func (b *Bus[V]) Shutdown() {
	b.mu.Lock()
	var subs []*Subscription[V]
	for _, t := range b.topics {
		for _, s := range t.subs {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Subscribers returns the number of live subscribers on key.
func (b *Bus[V]) Subscribers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[key]; ok {
		return len(t.subs)
	}
	return 0
}

// Dropped returns how many values were discarded for full subscriber buffers.
func (b *Bus[V]) Dropped() int64 {
	return b.dropped.Load()
}

// Unsubscribe stops delivery. It is idempotent, safe to call from inside the
// listener and never waits for the delivery goroutine.
func (s *Subscription[V]) Unsubscribe() {
	s.once.Do(func() {
		close(s.stop)
		s.bus.mu.Lock()
		if t, ok := s.bus.topics[s.key]; ok {
			delete(t.subs, s.id)
		}
		s.bus.mu.Unlock()
	})
}

// Done is closed once the subscription has delivered its last value.
func (s *Subscription[V]) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many values this subscriber missed.
func (s *Subscription[V]) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription[V]) run(ctx context.Context, replay []V) {
	defer close(s.done)

	for _, v := range replay {
		if s.stopped() {
			return
		}
		s.deliver(v)
	}

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			s.Unsubscribe()
			return
		case v := <-s.ch:
			s.deliver(v)
		case <-s.closing:
			for {
				select {
				case <-s.stop:
					return
				case v := <-s.ch:
					s.deliver(v)
				default:
					s.deliver(s.final)
					s.Unsubscribe()
					return
				}
			}
		}
	}
}

func (s *Subscription[V]) runClosed(replay []V, hasFinal bool) {
	defer close(s.done)
	for _, v := range replay {
		s.deliver(v)
	}
	if hasFinal {
		s.deliver(s.final)
	}
}

func (s *Subscription[V]) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Subscription[V]) deliver(v V) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.log.WithField("key", s.key).
				WithError(fmt.Errorf("panic: %v", r)).
				Error("listener panicked")
		}
	}()
	if err := s.listener(v); err != nil {
		s.bus.log.WithField("key", s.key).WithError(err).Warn("listener returned error")
	}
}
