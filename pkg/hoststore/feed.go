package hoststore

import "sync"

// Subscription receives changes from a Feed.
//
// Changes arrive on C while its buffer has room. Once a change does not fit,
// the subscription switches to overflow mode: that change and every later
// one are held back, coalesced per key so the newest change of a key wins,
// and Overflow is signalled. The receiver then drains C and calls Pending.
// Everything still in C is older than everything Pending returns.
type Subscription struct {
	C        <-chan Change
	Overflow <-chan struct{}

	ch       chan Change
	overflow chan struct{}

	mu          sync.Mutex
	overflowing bool
	index       map[string]int
	pending     []Change
}

func newSubscription(bufSize int) *Subscription {
	ch := make(chan Change, bufSize)
	overflow := make(chan struct{}, 1)

	return &Subscription{C: ch, Overflow: overflow, ch: ch, overflow: overflow}
}

// offer delivers c on C, or holds it back once the buffer is full. It
// reports whether c went straight to C.
func (s *Subscription) offer(c Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.overflowing {
		select {
		case s.ch <- c:
			return true
		default:
		}

		s.overflowing = true
		s.index = make(map[string]int)
		select {
		case s.overflow <- struct{}{}:
		default:
		}
	}

	if i, ok := s.index[c.Key]; ok {
		c.OldValue = s.pending[i].OldValue
		s.pending[i] = c
		return false
	}
	s.index[c.Key] = len(s.pending)
	s.pending = append(s.pending, c)

	return false
}

// Pending returns the changes held back since the last overflow, one per
// key in first-seen order, and resumes delivery on C. Call it only after
// draining C.
func (s *Subscription) Pending() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.pending
	s.pending = nil
	s.index = nil
	s.overflowing = false

	return out
}

// Feed fans out changes to all active subscribers. It is safe for concurrent
// use.
type Feed struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewFeed creates a Feed ready for use.
func NewFeed() *Feed {
	return &Feed{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe creates a subscription with the given channel buffer size. The
// caller reads from sub.C and eventually calls Unsubscribe. Subscribing to a
// closed feed returns a subscription whose channel is already closed.
func (f *Feed) Subscribe(bufSize int) *Subscription {
	sub := newSubscription(bufSize)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		close(sub.ch)
		return sub
	}

	f.subs[sub] = struct{}{}

	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (f *Feed) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.ch)
	}
}

// Publish sends a change to all subscribers without blocking. It returns the
// number of subscribers whose buffer was full; they get the change through
// Pending instead.
func (f *Feed) Publish(c Change) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	held := 0
	for sub := range f.subs {
		if !sub.offer(c) {
			held++
		}
	}

	return held
}

// Close closes every subscription. Later subscriptions start closed.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true

	for sub := range f.subs {
		delete(f.subs, sub)
		close(sub.ch)
	}
}
