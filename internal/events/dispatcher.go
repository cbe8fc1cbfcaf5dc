package events

import (
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Handler consumes events. Handlers always run on the dispatcher's delivery
// goroutine, one event at a time, in publication order.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Dispatcher queues events from any goroutine and delivers them to
// subscribers on a single dedicated goroutine.
type Dispatcher struct {
	logger zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	subs      []subscription
	nextSubID uint64
	published uint64
	delivered uint64
	closed    bool

	wake chan struct{}
	done chan struct{}
}

// NewDispatcher creates a dispatcher and starts its delivery goroutine.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	go d.run()
	return d
}

// Publish enqueues an event without blocking. It returns false once the
// dispatcher is closed.
func (d *Dispatcher) Publish(e Event) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, e)
	d.published++
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Subscribe registers a handler and returns a function that removes it.
func (d *Dispatcher) Subscribe(h Handler) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subs = append(d.subs, subscription{id: id, handler: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, sub := range d.subs {
				if sub.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// SubscribeChan delivers events into a buffered channel. Events are dropped
// for this subscriber while its channel is full. The channel is closed by
// the returned unsubscribe function.
func (d *Dispatcher) SubscribeChan(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	var mu sync.Mutex
	open := true
	unsubscribe := d.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if !open {
			return
		}
		select {
		case ch <- e:
		default:
			d.logger.Warn().
				Str("event_id", e.ID).
				Str("source_id", e.SourceID).
				Msg("event subscriber channel full, dropping event")
		}
	})

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if open {
			open = false
			close(ch)
		}
	}
}

// Sync blocks until every event published before the call was delivered,
// or the dispatcher has stopped.
func (d *Dispatcher) Sync() {
	d.mu.Lock()
	defer d.mu.Unlock()

	target := d.published
	for d.delivered < target && !d.stopped() {
		d.cond.Wait()
	}
}

func (d *Dispatcher) stopped() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Close stops accepting events, delivers what is queued and waits for the
// delivery goroutine to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *Dispatcher) run() {
	defer func() {
		d.mu.Lock()
		close(d.done)
		d.cond.Broadcast()
		d.mu.Unlock()
	}()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 {
			if d.closed {
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.wake
			d.mu.Lock()
		}

		batch := d.queue
		d.queue = nil
		handlers := make([]Handler, 0, len(d.subs))
		for _, sub := range d.subs {
			handlers = append(handlers, sub.handler)
		}
		d.mu.Unlock()

		for _, e := range batch {
			for _, h := range handlers {
				d.deliver(h, e)
			}
			d.mu.Lock()
			d.delivered++
			d.cond.Broadcast()
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Str("event_id", e.ID).
				Str("source_id", e.SourceID).
				Str("stack", string(debug.Stack())).
				Msg("event handler panicked")
		}
	}()
	h(e)
}
