package connection

import (
	"sync"

	"go.uber.org/zap"

	"github.com/leonletto/livewire/internal/logging"
)

// observers is a list of callbacks for one lifecycle event. Each callback
// runs independently: a panic in one is logged and does not reach its
// siblings or the emitter.
type observers[E any] struct {
	name string

	mu     sync.RWMutex
	nextID int
	fns    []observer[E]
}

type observer[E any] struct {
	id int
	fn func(E)
}

// add registers fn and returns a func that removes it.
func (o *observers[E]) add(fn func(E)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	o.fns = append(o.fns, observer[E]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, ob := range o.fns {
				if ob.id == id {
					o.fns = append(o.fns[:i:i], o.fns[i+1:]...)
					return
				}
			}
		})
	}
}

// emit calls every registered observer with ev. Must not be called with
// the manager lock held.
func (o *observers[E]) emit(logger *zap.Logger, ev E) {
	o.mu.RLock()
	fns := make([]observer[E], len(o.fns))
	copy(fns, o.fns)
	o.mu.RUnlock()

	for _, ob := range fns {
		o.call(logger, ob.fn, ev)
	}
}

func (o *observers[E]) call(logger *zap.Logger, fn func(E), ev E) {
	defer logging.Recover(logger, o.name)
	fn(ev)
}
