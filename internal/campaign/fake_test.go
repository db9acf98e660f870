package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/dispatcher/internal/antiban"
	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/events"
	"github.com/whatsapp-automation/dispatcher/internal/sender"
	"github.com/whatsapp-automation/dispatcher/internal/session"
)

var errSaveFailed = errors.New("disk full")

// fakeStore follows the Store contract closely enough for the dispatcher:
// it merges acknowledgment progress on save and keeps the cancel flag apart.
type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]*Campaign
	cancelled map[string]bool
	usage     map[string]int64
	saves     int
	// saves numbered failFrom..failFrom+failCount-1 fail
	failFrom, failCount int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: map[string]*Campaign{},
		cancelled: map[string]bool{},
		usage:     map[string]int64{},
	}
}

func (f *fakeStore) put(c *Campaign) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.Recount()
	f.campaigns[c.ID] = c.Clone()
}

func (f *fakeStore) get(t *testing.T, id string) *Campaign {
	t.Helper()
	c, err := f.LoadCampaign(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fakeStore) LoadCampaign(_ context.Context, id string) (*Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := c.Clone()
	out.CancelRequested = f.cancelled[id]
	return out, nil
}

func (f *fakeStore) SaveCampaign(_ context.Context, c *Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.failCount > 0 && f.saves >= f.failFrom && f.saves < f.failFrom+f.failCount {
		return errSaveFailed
	}
	cp := c.Clone()
	if prev, ok := f.campaigns[c.ID]; ok {
		for i := range cp.Messages {
			if i < len(prev.Messages) {
				MergeAcks(prev.Messages[i], &cp.Messages[i])
			}
		}
	}
	cp.CancelRequested = false
	cp.Recount()
	f.campaigns[c.ID] = cp
	return nil
}

func (f *fakeStore) ListCampaignIDs(_ context.Context, st Status) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, c := range f.campaigns {
		if c.Status == st {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) RequestCancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.campaigns[id]; !ok {
		return ErrNotFound
	}
	f.cancelled[id] = true
	return nil
}

func (f *fakeStore) CancelRequested(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[id], nil
}

func (f *fakeStore) ApplyAck(_ context.Context, accountID, providerID string, st domain.AckStatus, at time.Time) (AckUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.campaigns {
		if c.AccountID != accountID {
			continue
		}
		if m, ok := c.MessageByProviderID(providerID); ok {
			changed := AdvanceAck(m, st, at)
			c.Recount()
			return AckUpdate{CampaignID: c.ID, UserID: c.UserID, Message: *m, Changed: changed}, nil
		}
	}
	return AckUpdate{}, ErrNotFound
}

func (f *fakeStore) IncrementUsage(_ context.Context, userID, counter string, delta int64) error {
	f.mu.Lock()
	f.usage[userID+"/"+counter] += delta
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) usageOf(userID, counter string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[userID+"/"+counter]
}

// liveTransport is always logged in and reaches ready on Connect.
type liveTransport struct {
	mu        sync.Mutex
	l         session.Listener
	connected bool
}

func (t *liveTransport) Connect(context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.l.Ready(session.Identity{Phone: "15550001111"})
	return nil
}
func (t *liveTransport) Disconnect()                 { t.drop() }
func (t *liveTransport) Close() error                { t.drop(); return nil }
func (t *liveTransport) Purge(context.Context) error { t.drop(); return nil }
func (t *liveTransport) IsLoggedIn() bool            { return true }
func (t *liveTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
func (t *liveTransport) drop() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}
func (t *liveTransport) IsOnNetwork(context.Context, string) (bool, error) { return true, nil }
func (t *liveTransport) SetTyping(context.Context, string, bool) error     { return nil }
func (t *liveTransport) Send(context.Context, string, domain.Content) (session.Dispatch, error) {
	return session.Dispatch{}, errors.New("campaign tests send through scriptSender")
}

type fakeSessions struct {
	*session.Registry
	awaitErr error
}

func (f *fakeSessions) AwaitReady(ctx context.Context, accountID, userID string) (*session.Session, error) {
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	return f.Registry.AwaitReady(ctx, accountID, userID)
}

// scriptSender succeeds unless fn says otherwise. n counts calls from 1.
type scriptSender struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, n int, recipient string) *sender.Result
}

func (s *scriptSender) Send(ctx context.Context, _ string, recipient string, _ domain.Content, _ sender.Pacing) sender.Result {
	s.mu.Lock()
	s.calls = append(s.calls, recipient)
	n, fn := len(s.calls), s.fn
	s.mu.Unlock()
	if fn != nil {
		if r := fn(ctx, n, recipient); r != nil {
			return *r
		}
	}
	return sender.Result{
		Success:           true,
		Recipient:         recipient,
		ProviderMessageID: "wamid-" + recipient,
		Timestamp:         time.Unix(1700000000, 0),
	}
}

func (s *scriptSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptSender) script(fn func(ctx context.Context, n int, recipient string) *sender.Result) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) count(name events.Name) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (r *recorder) last(name events.Name) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.evs) - 1; i >= 0; i-- {
		if r.evs[i].Name == name {
			return r.evs[i], true
		}
	}
	return events.Event{}, false
}

type fixture struct {
	store     *fakeStore
	sessions  *fakeSessions
	transport *liveTransport
	sender    *scriptSender
	events    *recorder
	d         *Dispatcher
	sup       *Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newFakeStore(),
		transport: &liveTransport{},
		sender:    &scriptSender{},
		events:    &recorder{},
	}
	reg := session.NewRegistry(session.FactoryFunc(func(_ context.Context, _ string, l session.Listener) (session.Transport, error) {
		f.transport.l = l
		return f.transport, nil
	}), nil, nil, zerolog.Nop(), session.Options{HandshakeTimeout: time.Second, ReconnectMaxTries: 1})
	t.Cleanup(reg.Close)
	f.sessions = &fakeSessions{Registry: reg}

	policy := antiban.NewPolicy(antiban.Config{}, rand.NewPCG(1, 2))
	f.d = NewDispatcher(f.store, f.sessions, f.sender, policy, f.events, sender.DefaultClassifier(),
		Defaults{Settings: Settings{BatchSize: 5}, MaxFlushFailures: 1}, zerolog.Nop())
	f.d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	f.sup = NewSupervisor(f.d, f.store, zerolog.Nop())
	t.Cleanup(func() { _ = f.sup.Shutdown(context.Background()) })
	return f
}

func recipient(i int) string { return fmt.Sprintf("1555000%04d", i) }

func newCampaign(id string, n int) *Campaign {
	c := &Campaign{ID: id, UserID: "u1", AccountID: "acc1", Status: StatusPending, Settings: Settings{BatchSize: 5}}
	for i := 1; i <= n; i++ {
		c.Messages = append(c.Messages, Message{
			Position:  i,
			Recipient: recipient(i),
			Content:   domain.Content{Kind: domain.KindText, Text: "hello"},
			Status:    MessagePending,
		})
	}
	return c
}

func waitDone(t *testing.T, sup *Supervisor, id string) {
	t.Helper()
	done := sup.Done(id)
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("campaign %s did not finish", id)
	}
}
