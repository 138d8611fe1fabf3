// Package broadcast implements the multicast, lossy-for-late-subscribers
// stream used for both the domain-event stream and the recoverable-error
// stream (spec §9 re-architecture note): a bounded channel per subscriber,
// with slow subscribers dropped rather than blocking the core.
package broadcast

import "sync"

// Stream is a fan-out, non-replaying broadcaster of values of type T. The
// zero value is not usable; construct with New.
type Stream[T any] struct {
	mu      sync.Mutex
	subs    map[int]chan T
	nextID  int
	bufSize int
	closed  bool
	onDrop  func(v T)
}

// New returns a Stream whose subscriber channels are buffered to bufSize.
// onDrop, if non-nil, is invoked (synchronously, under no lock) whenever a
// publish is dropped because a subscriber's buffer is full; hosts typically
// wire this to a warning log line.
func New[T any](bufSize int, onDrop func(v T)) *Stream[T] {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Stream[T]{
		subs:    make(map[int]chan T),
		bufSize: bufSize,
		onDrop:  onDrop,
	}
}

// Subscribe registers a new subscriber and returns its channel and a cancel
// function. Late subscribers never see values published before they
// subscribed. Calling cancel closes the channel and deregisters it; it is
// safe to call more than once.
func (s *Stream[T]) Subscribe() (ch <-chan T, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	c := make(chan T, s.bufSize)
	if s.closed {
		close(c)
		return c, func() {}
	}
	s.subs[id] = c

	var once sync.Once
	cancelFn := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if ch, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
	return c, cancelFn
}

// Publish delivers v to every current subscriber. A subscriber whose buffer
// is full does not block the publisher; the value is dropped for that
// subscriber and onDrop is invoked.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	dropped := 0
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}
	s.mu.Unlock()
	if s.onDrop != nil {
		for i := 0; i < dropped; i++ {
			s.onDrop(v)
		}
	}
}

// Close terminates the stream: every subscriber channel is closed and
// further Subscribe calls receive an already-closed channel.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
