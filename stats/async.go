package stats

import (
	"sync"
	"sync/atomic"

	"github.com/dhcgn/imap-export/model"
)

// AsyncSink forwards to a wrapped Sink from its own goroutine so callers
// never block. Progress updates are coalesced to the latest value; item
// results are queued and dropped when the queue is full.
type AsyncSink struct {
	next Sink

	results chan model.Outcome
	wake    chan struct{}

	mu      sync.Mutex
	pending *Progress

	dropped atomic.Int64
	closed  atomic.Bool

	done chan struct{}
	once sync.Once
}

// NewAsyncSink starts the forwarding goroutine. buffer bounds the queue of
// undelivered item results.
func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 64
	}
	s := &AsyncSink{
		next:    next,
		results: make(chan model.Outcome, buffer),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) OnProgress(p Progress) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.pending = &p
	s.mu.Unlock()
	s.signal()
}

func (s *AsyncSink) OnItemResult(o model.Outcome) {
	if s.closed.Load() {
		return
	}
	select {
	case s.results <- o:
		s.signal()
	default:
		s.dropped.Add(1)
	}
}

// Dropped is the number of item results discarded because the wrapped sink
// fell behind.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close delivers whatever is still queued and stops the goroutine.
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.signal()
		<-s.done
	})
}

func (s *AsyncSink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for range s.wake {
		s.drain()
		if s.closed.Load() {
			s.drain()
			return
		}
	}
}

func (s *AsyncSink) drain() {
	for {
		select {
		case o := <-s.results:
			s.next.OnItemResult(o)
			continue
		default:
		}
		break
	}

	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if p != nil {
		s.next.OnProgress(*p)
	}
}
