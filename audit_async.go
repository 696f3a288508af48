package clinicauth

import (
	"context"
	"sync"
	"sync/atomic"
)

// AsyncSink forwards events to another sink from a single background
// goroutine, so a slow sink never stalls a login flow.
//
// With dropIfFull set, Emit never blocks and counts events it could not
// buffer; otherwise Emit waits for buffer space or ctx.
type AsyncSink struct {
	sink       AuditSink
	dropIfFull bool
	ch         chan AuditEvent
	done       chan struct{}
	wg         sync.WaitGroup
	dropped    atomic.Uint64
	closed     atomic.Bool
	closeOnce  sync.Once
}

func NewAsyncSink(sink AuditSink, buffer int, dropIfFull bool) *AsyncSink {
	if buffer <= 0 {
		buffer = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	s := &AsyncSink{
		sink:       sink,
		dropIfFull: dropIfFull,
		ch:         make(chan AuditEvent, buffer),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for {
		select {
		case event := <-s.ch:
			s.sink.Emit(context.Background(), event)
		case <-s.done:
			for {
				select {
				case event := <-s.ch:
					s.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if s.dropIfFull {
		select {
		case s.ch <- event:
		case <-s.done:
		default:
			s.dropped.Add(1)
		}
		return
	}

	select {
	case s.ch <- event:
	case <-ctx.Done():
	case <-s.done:
	}
}

// Close stops accepting events and flushes what is buffered.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.wg.Wait()
	})
}

// Dropped reports events discarded because the buffer was full.
func (s *AsyncSink) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}
