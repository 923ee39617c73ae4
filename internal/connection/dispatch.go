package connection

import (
	"encoding/json"
	"sync"
)

type inbound struct {
	event    string
	envelope json.RawMessage
}

// dispatcher hands event frames to listeners on its own goroutine, in
// arrival order. The reader only enqueues, so acks keep flowing while a
// listener blocks and a listener may call Call or Disconnect.
type dispatcher struct {
	mu     sync.Mutex
	queue  []inbound
	closed bool
	wake   chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{wake: make(chan struct{}, 1)}
}

func (d *dispatcher) push(ev inbound) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()
	d.signal()
}

// close lets run return once the queued events are delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(deliver func(inbound)) {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, ev := range batch {
			deliver(ev)
		}
		if len(batch) == 0 {
			if closed {
				return
			}
			<-d.wake
		}
	}
}
