package stream

import "sync"

// outbox serialises events onto one channel without ever blocking the producer.
// When more than maxTicks ticks are pending the oldest tick is dropped; state and
// error events are always kept.
type outbox struct {
	mu       sync.Mutex
	queue    []Event
	ticks    int
	maxTicks int
	dropped  uint64
	closed   bool

	notify chan struct{}
	done   chan struct{}
	out    chan Event
}

func newOutbox(buffer, maxTicks int) *outbox {
	if maxTicks <= 0 {
		maxTicks = 4096
	}
	o := &outbox{
		maxTicks: maxTicks,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		out:      make(chan Event, buffer),
	}
	go o.pump()
	return o
}

func (o *outbox) push(e Event) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if e.Kind == EventTick {
		if o.ticks >= o.maxTicks {
			o.dropOldestTickLocked()
		}
		o.ticks++
	}
	o.queue = append(o.queue, e)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) dropOldestTickLocked() {
	for i, q := range o.queue {
		if q.Kind == EventTick {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.ticks--
			o.dropped++
			return
		}
	}
}

func (o *outbox) pump() {
	defer close(o.out)
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-o.notify:
			case <-o.done:
				return
			}
			continue
		}
		e := o.queue[0]
		o.queue[0] = Event{}
		o.queue = o.queue[1:]
		if e.Kind == EventTick {
			o.ticks--
		}
		o.mu.Unlock()

		select {
		case o.out <- e:
		case <-o.done:
			return
		}
	}
}

// Dropped returns how many ticks were discarded because the consumer lagged.
func (o *outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// close stops delivery; pending events are discarded and the channel is closed.
func (o *outbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	close(o.done)
}
