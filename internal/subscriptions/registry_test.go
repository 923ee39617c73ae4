package subscriptions

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/leonletto/livewire/internal/protocol"
)

type fakeTransport struct {
	mu        sync.Mutex
	listeners map[string]func(json.RawMessage)
	listens   int
	unlistens int
	errs      []error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{listeners: make(map[string]func(json.RawMessage))}
}

func (f *fakeTransport) Listen(event string, fn func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listens++
	f.listeners[event] = fn
}

func (f *fakeTransport) Unlisten(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlistens++
	delete(f.listeners, event)
}

func (f *fakeTransport) ReportError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeTransport) deliver(t *testing.T, event, raw string) {
	t.Helper()
	f.mu.Lock()
	fn := f.listeners[event]
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("no listener for %q", event)
	}
	fn(json.RawMessage(raw))
}

func (f *fakeTransport) installed(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.listeners[event]
	return ok
}

const validEnvelope = `{"handlerId":"h1","eventId":"evt_1","correlationId":"c1","ts":"2026-01-02T03:04:05Z","data":{"n":1}}`

func TestRegistry_ReferenceCountsListener(t *testing.T) {
	tr := newFakeTransport()
	r := NewRegistry(tr, nil)

	off1 := r.On("chat", func(*protocol.Delivery) {})
	off2 := r.On("chat", func(*protocol.Delivery) {})

	if tr.listens != 1 {
		t.Errorf("Listen calls = %d, want 1", tr.listens)
	}
	if got := r.Count("chat"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}

	off1()
	off1()
	if !tr.installed("chat") {
		t.Fatal("listener removed while a handler remains")
	}
	if got := r.Count("chat"); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}

	off2()
	if tr.installed("chat") {
		t.Error("listener still installed after last unsubscribe")
	}
	if tr.unlistens != 1 {
		t.Errorf("Unlisten calls = %d, want 1", tr.unlistens)
	}

	// Resubscribing installs a fresh listener.
	r.On("chat", func(*protocol.Delivery) {})
	if tr.listens != 2 {
		t.Errorf("Listen calls = %d, want 2", tr.listens)
	}
}

func TestRegistry_FanOutInOrder(t *testing.T) {
	tr := newFakeTransport()
	r := NewRegistry(tr, nil)

	var order []string
	r.On("chat", func(d *protocol.Delivery) { order = append(order, "a:"+d.EventID()) })
	r.On("chat", func(*protocol.Delivery) { panic("handler failure") })
	r.On("chat", func(d *protocol.Delivery) { order = append(order, "c:"+d.HandlerID()) })

	tr.deliver(t, "chat", validEnvelope)

	want := []string{"a:evt_1", "c:h1"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("handler order = %v, want %v", order, want)
	}
}

func TestRegistry_InvalidEnvelopeReported(t *testing.T) {
	tr := newFakeTransport()
	r := NewRegistry(tr, nil)

	called := false
	r.On("chat", func(*protocol.Delivery) { called = true })
	tr.deliver(t, "chat", `{"handlerId":"h1","ts":"2026-01-02T03:04:05Z"}`)

	if called {
		t.Error("handler received an invalid envelope")
	}
	if len(tr.errs) != 1 {
		t.Fatalf("reported errors = %d, want 1", len(tr.errs))
	}
	if !errors.Is(tr.errs[0], protocol.ErrInvalidEnvelope) {
		t.Errorf("reported error = %v, want ErrInvalidEnvelope", tr.errs[0])
	}
}

func TestRegistry_OffClearsAll(t *testing.T) {
	tr := newFakeTransport()
	r := NewRegistry(tr, nil)

	off := r.On("chat", func(*protocol.Delivery) {})
	r.On("chat", func(*protocol.Delivery) {})
	r.Off("chat")

	if tr.installed("chat") || r.Count("chat") != 0 {
		t.Error("Off left handlers or the listener behind")
	}

	// A stale unsubscribe is harmless.
	off()
	if tr.unlistens != 1 {
		t.Errorf("Unlisten calls = %d, want 1", tr.unlistens)
	}

	r.Off("never-subscribed")
	if tr.unlistens != 1 {
		t.Errorf("Off on an unknown event called Unlisten")
	}
}

func TestRegistry_HandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	tr := newFakeTransport()
	r := NewRegistry(tr, nil)

	calls := 0
	var off func()
	off = r.On("once", func(*protocol.Delivery) {
		calls++
		off()
	})

	tr.deliver(t, "once", validEnvelope)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if tr.installed("once") {
		t.Error("listener still installed after the only handler unsubscribed")
	}
}
