// Package bus distributes state-change events to any number of
// subscribers (gateway sessions, the console tap). Publish never
// blocks: each subscriber owns an unbounded FIFO queue drained by its
// own pump goroutine, so one stalled window cannot hold up the sync
// loop or the other windows.
package bus

import "sync"

// Subscriber receives events in publish order on Events().
type Subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	out    chan Event
	done   chan struct{}
}

func newSubscriber() *Subscriber {
	s := &Subscriber{out: make(chan Event), done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// Events returns the channel the pump delivers on. It is closed after
// Unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.out
}

func (s *Subscriber) enqueue(evt Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, evt)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		// done unblocks the send when the subscriber goes away while
		// nobody is reading, so the pump can exit and close out.
		select {
		case s.out <- evt:
		case <-s.done:
			close(s.out)
			return
		}
	}
}

// Bus fans events out to its subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber receiving every event published
// from now on.
func (b *Bus) Subscribe() *Subscriber {
	sub := newSubscriber()
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches the subscriber and closes its channel. Events
// still queued are dropped. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// Publish delivers evt to every current subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for sub := range b.subs {
		sub.enqueue(evt)
	}
	b.mu.RUnlock()
}

// SubscriberCount reports the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
