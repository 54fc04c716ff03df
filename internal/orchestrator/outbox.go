package orchestrator

import (
	"sync"
	"time"
)

// drainGrace bounds how long a closed outbox keeps trying to deliver
// decisions nobody is reading.
const drainGrace = time.Second

// outbox is the bounded output stream of a session. Pushing never blocks:
// when limit decisions are waiting, the oldest non-critical one is dropped.
// Critical decisions are never dropped, so the buffer can grow past limit
// when it holds nothing else.
type outbox struct {
	mu      sync.Mutex
	buf     []Decision
	limit   int
	closed  bool
	notify  chan struct{}
	closing chan struct{}
	onDrop  func(Decision)

	out  chan Decision
	done chan struct{}
}

// newOutbox returns an outbox holding up to limit decisions. onDrop is
// called, outside any lock, for every decision discarded by the drop
// policy. Delivery begins with [outbox.start].
func newOutbox(limit int, onDrop func(Decision)) *outbox {
	if limit <= 0 {
		limit = 1
	}
	return &outbox{
		limit:   limit,
		notify:  make(chan struct{}, 1),
		closing: make(chan struct{}),
		onDrop:  onDrop,
		out:     make(chan Decision),
		done:    make(chan struct{}),
	}
}

// start launches the delivery goroutine.
func (o *outbox) start() { go o.run() }

// C returns the delivery channel. It is closed after [outbox.close] once
// the remaining decisions were delivered or abandoned.
func (o *outbox) C() <-chan Decision { return o.out }

func (o *outbox) push(d Decision) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	var (
		victim  Decision
		dropped bool
	)
	keep := true
	if len(o.buf) >= o.limit {
		victim, dropped = o.evictLocked()
		if !dropped && !d.Critical() {
			// Everything buffered is critical, so the newcomer is the
			// oldest non-critical decision.
			victim, dropped, keep = d, true, false
		}
	}
	if keep {
		o.buf = append(o.buf, d)
	}
	o.mu.Unlock()

	if dropped && o.onDrop != nil {
		o.onDrop(victim)
	}
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// evictLocked removes the oldest non-critical buffered decision.
func (o *outbox) evictLocked() (Decision, bool) {
	for i, d := range o.buf {
		if d.Critical() {
			continue
		}
		o.buf = append(o.buf[:i], o.buf[i+1:]...)
		return d, true
	}
	return Decision{}, false
}

// pending returns the number of undelivered decisions.
func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf)
}

func (o *outbox) pop() (Decision, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buf) == 0 {
		return Decision{}, false
	}
	d := o.buf[0]
	o.buf[0] = Decision{}
	o.buf = o.buf[1:]
	if len(o.buf) == 0 {
		o.buf = nil
	}
	return d, true
}

// close stops accepting decisions and waits until the delivery goroutine
// has finished.
func (o *outbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.done
		return
	}
	o.closed = true
	o.mu.Unlock()
	close(o.closing)
	<-o.done
}

func (o *outbox) run() {
	defer close(o.done)
	defer close(o.out)

	for {
		d, ok := o.pop()
		if !ok {
			select {
			case <-o.notify:
				continue
			case <-o.closing:
				o.drain()
				return
			}
		}
		select {
		case o.out <- d:
		case <-o.closing:
			o.drainFrom(d)
			return
		}
	}
}

func (o *outbox) drain() {
	d, ok := o.pop()
	if !ok {
		return
	}
	o.drainFrom(d)
}

// drainFrom delivers d and everything still buffered, giving up after
// drainGrace.
func (o *outbox) drainFrom(d Decision) {
	timer := time.NewTimer(drainGrace)
	defer timer.Stop()
	for {
		select {
		case o.out <- d:
		case <-timer.C:
			return
		}
		var ok bool
		if d, ok = o.pop(); !ok {
			return
		}
	}
}
