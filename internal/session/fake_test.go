package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/events"
)

type fakeTransport struct {
	mu        sync.Mutex
	l         Listener
	connected bool
	loggedIn  bool
	connects  int
	closed    bool
	purged    bool

	connectErr error
	// onConnect runs after Connect succeeds, in the caller's goroutine.
	onConnect func(ft *fakeTransport)
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	if err == nil {
		f.connected = true
	}
	hook := f.onConnect
	f.mu.Unlock()
	if err == nil && hook != nil {
		hook(f)
	}
	return err
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.connected, f.closed = false, true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Purge(context.Context) error {
	f.mu.Lock()
	f.connected, f.loggedIn, f.purged, f.closed = false, false, true, true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeTransport) IsOnNetwork(context.Context, string) (bool, error) { return true, nil }
func (f *fakeTransport) SetTyping(context.Context, string, bool) error     { return nil }

func (f *fakeTransport) Send(context.Context, string, domain.Content) (Dispatch, error) {
	return Dispatch{MessageID: "m", Timestamp: time.Now()}, nil
}

// pair simulates a completed handshake.
func (f *fakeTransport) pair(phone string) {
	f.mu.Lock()
	f.loggedIn = true
	f.connected = true
	f.mu.Unlock()
	f.l.Ready(Identity{Phone: phone})
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

type fakeFactory struct {
	calls atomic.Int32
	err   error
	delay time.Duration
	setup func(ft *fakeTransport)

	mu   sync.Mutex
	made []*fakeTransport
}

func (f *fakeFactory) New(_ context.Context, _ string, l Listener) (Transport, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	ft := &fakeTransport{l: l}
	if f.setup != nil {
		f.setup(ft)
	}
	f.mu.Lock()
	f.made = append(f.made, ft)
	f.mu.Unlock()
	return ft, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

type memAccounts struct {
	mu   sync.Mutex
	byID map[string]AccountStatus
}

func newMemAccounts() *memAccounts { return &memAccounts{byID: map[string]AccountStatus{}} }

func (m *memAccounts) SaveAccountStatus(_ context.Context, st AccountStatus) error {
	m.mu.Lock()
	m.byID[st.AccountID] = st
	m.mu.Unlock()
	return nil
}

func (m *memAccounts) ListAccounts(_ context.Context, state State) ([]AccountStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AccountStatus
	for _, a := range m.byID {
		if a.State == state {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAccounts) get(id string) AccountStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

type eventLog struct {
	mu  sync.Mutex
	got []events.Event
}

func (e *eventLog) Publish(_ context.Context, ev events.Event) {
	e.mu.Lock()
	e.got = append(e.got, ev)
	e.mu.Unlock()
}

func (e *eventLog) names() []events.Name {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Name, 0, len(e.got))
	for _, ev := range e.got {
		out = append(out, ev.Name)
	}
	return out
}

var errBoom = errors.New("boom")
