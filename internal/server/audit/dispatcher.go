package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/tokenkeeper/internal/logging"
)

// sinkTimeout bounds one delivery so a stuck sink cannot stall the queue forever.
const sinkTimeout = 5 * time.Second

// Dispatcher hands events to a Sink on a background goroutine through a
// bounded queue. When the queue is full new events are dropped and counted.
type Dispatcher struct {
	sink Sink
	log  logging.Logger

	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewDispatcher(sink Sink, bufferSize int, log logging.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}

	d := &Dispatcher{
		sink: sink,
		log:  log.With("module", "audit"),
		ch:   make(chan Event, bufferSize),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case e := <-d.ch:
			d.deliver(e)
		case <-d.done:
			for {
				select {
				case e := <-d.ch:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := d.sink.Write(ctx, e); err != nil {
		d.log.Error(ctx, "audit sink failed", "event_id", e.ID, "kind", string(e.Kind), "error", err)
	}
}

// Emit enqueues e. It never blocks.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	if d == nil || d.closed.Load() {
		return
	}

	select {
	case d.ch <- e:
	case <-d.done:
	default:
		n := d.dropped.Add(1)
		d.log.Warn(ctx, "audit queue full, event dropped", "kind", string(e.Kind), "dropped_total", n)
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
