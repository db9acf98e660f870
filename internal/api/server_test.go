package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/dispatcher/internal/campaign"
	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/events"
	"github.com/whatsapp-automation/dispatcher/internal/sender"
	"github.com/whatsapp-automation/dispatcher/internal/session"
)

type testTransport struct {
	mu        sync.Mutex
	l         session.Listener
	challenge string
	connected bool
}

func (t *testTransport) Connect(context.Context) error {
	t.mu.Lock()
	t.connected = true
	code := t.challenge
	t.mu.Unlock()
	if code != "" {
		t.l.Challenge(code)
		return nil
	}
	t.l.Ready(session.Identity{Phone: "15550009999", DisplayName: "Shop"})
	return nil
}
func (t *testTransport) Disconnect()                 { t.set(false) }
func (t *testTransport) Close() error                { t.set(false); return nil }
func (t *testTransport) Purge(context.Context) error { t.set(false); return nil }
func (t *testTransport) IsLoggedIn() bool            { return true }
func (t *testTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
func (t *testTransport) set(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}
func (t *testTransport) IsOnNetwork(context.Context, string) (bool, error) { return true, nil }
func (t *testTransport) SetTyping(context.Context, string, bool) error     { return nil }
func (t *testTransport) Send(context.Context, string, domain.Content) (session.Dispatch, error) {
	return session.Dispatch{}, nil
}

type fakeRunner struct {
	err     error
	reset   int
	running int
	calls   []string
}

func (f *fakeRunner) Submit(_ context.Context, id string) error {
	f.calls = append(f.calls, "run:"+id)
	return f.err
}
func (f *fakeRunner) Cancel(_ context.Context, id string) error {
	f.calls = append(f.calls, "cancel:"+id)
	return f.err
}
func (f *fakeRunner) RetryFailed(_ context.Context, id string) (int, error) {
	f.calls = append(f.calls, "retry:"+id)
	return f.reset, f.err
}
func (f *fakeRunner) Running() int { return f.running }

type fakeCampaigns map[string]*campaign.Campaign

func (f fakeCampaigns) LoadCampaign(_ context.Context, id string) (*campaign.Campaign, error) {
	if c, ok := f[id]; ok {
		return c, nil
	}
	return nil, campaign.ErrNotFound
}

type fakeSnapshots map[string]*campaign.Campaign

func (f fakeSnapshots) Snapshot(id string) (*campaign.Campaign, bool) {
	c, ok := f[id]
	return c, ok
}

type fakeSender struct {
	res  sender.Result
	last string
}

func (f *fakeSender) Send(_ context.Context, _ string, recipient string, _ domain.Content, _ sender.Pacing) sender.Result {
	f.last = recipient
	return f.res
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

type harness struct {
	transport *testTransport
	registry  *session.Registry
	runner    *fakeRunner
	sender    *fakeSender
	hub       *events.Hub
	server    *Server
	handler   http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport: &testTransport{},
		runner:    &fakeRunner{},
		sender:    &fakeSender{},
		hub:       events.NewHub(8, zerolog.Nop()),
	}
	h.registry = session.NewRegistry(session.FactoryFunc(func(_ context.Context, _ string, l session.Listener) (session.Transport, error) {
		h.transport.l = l
		return h.transport, nil
	}), nil, nil, zerolog.Nop(), session.Options{})
	t.Cleanup(h.registry.Close)

	h.server = NewServer(Deps{
		WorkerID:     "w-test",
		Sessions:     h.registry,
		Runner:       h.runner,
		Campaigns:    fakeCampaigns{"c1": {ID: "c1", Status: campaign.StatusCompleted, Total: 2, Sent: 2}},
		Snapshots:    fakeSnapshots{"live": {ID: "live", Status: campaign.StatusRunning}},
		Sender:       h.sender,
		Events:       h.hub,
		Gatherer:     prometheus.NewRegistry(),
		SSEHeartbeat: time.Hour,
	}, zerolog.Nop())
	h.handler = h.server.Routes()
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"worker_id":"w-test"`)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	h.server.Store = pingFunc(func(context.Context) error { return errors.New("pool closed") })
	rec = h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "pool closed")
}

func TestConnectValidatesAndReturnsSession(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/accounts/acc1/connect", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "user_id")

	rec = h.do(http.MethodPost, "/accounts/acc1/connect", `{"user_id":"u1","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/accounts/acc1/connect", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"ready"`)
	assert.Contains(t, rec.Body.String(), `"phone":"15550009999"`)

	rec = h.do(http.MethodGet, "/accounts/acc1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodGet, "/accounts/none", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/accounts/acc1/disconnect", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodPost, "/accounts/acc1/disconnect", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChallengeJSONAndPNG(t *testing.T) {
	h := newHarness(t)
	h.transport.challenge = "2@abcdef,xyz"

	rec := h.do(http.MethodGet, "/accounts/acc1/challenge", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/accounts/acc1/connect", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"awaiting_authentication"`)

	rec = h.do(http.MethodGet, "/accounts/acc1/challenge", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "2@abcdef,xyz")

	rec = h.do(http.MethodGet, "/accounts/acc1/challenge.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))
}

func TestSendMapsFailureCodes(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/accounts/acc1/send", `{"recipient":"","content":{"kind":"text","text":"hi"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodPost, "/accounts/acc1/send", `{"recipient":"15551234567","content":{"kind":"image"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "media reference required")

	h.sender.res = sender.Result{Err: &sender.Error{Code: sender.CodeInvalidRecipient, Detail: "too short"}}
	rec = h.do(http.MethodPost, "/accounts/acc1/send", `{"recipient":"1234567","content":{"kind":"text","text":"hi"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"INVALID_RECIPIENT"`)

	h.sender.res = sender.Result{Err: sender.ErrSessionNotFound}
	rec = h.do(http.MethodPost, "/accounts/acc1/send", `{"recipient":"15551234567","content":{"kind":"text","text":"hi"}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.sender.res = sender.Result{Success: true, Recipient: "15551234567", ProviderMessageID: "3EB0X", Timestamp: time.Unix(1700000000, 0)}
	rec = h.do(http.MethodPost, "/accounts/acc1/send", `{"recipient":"+1 555 123 4567","content":{"kind":"text","text":"hi"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message_id":"3EB0X"`)
	assert.Equal(t, "+1 555 123 4567", h.sender.last)
}

func TestCampaignRoutes(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/campaigns/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = h.do(http.MethodGet, "/campaigns/live", "")
	assert.Contains(t, rec.Body.String(), `"status":"running"`)

	rec = h.do(http.MethodGet, "/campaigns/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/campaigns/c1/run", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	h.runner.reset = 3
	rec = h.do(http.MethodPost, "/campaigns/c1/retry-failed", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reset":3`)

	h.runner.err = fmt.Errorf("%w: acc1 is running c0", campaign.ErrAccountBusy)
	rec = h.do(http.MethodPost, "/campaigns/c1/run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "ACCOUNT_BUSY")

	h.runner.err = campaign.ErrTerminal
	rec = h.do(http.MethodPost, "/campaigns/c1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, []string{"run:c1", "retry:c1", "run:c1", "cancel:c1"}, h.runner.calls)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/users/u1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.hub.Subscribers("u1") == 1 }, 2*time.Second, 10*time.Millisecond)
	h.hub.Publish(ctx, events.New("u1", events.CampaignProgress, events.CampaignPayload{CampaignID: "c1", Sent: 1}))

	sc := bufio.NewScanner(resp.Body)
	var got []string
	for sc.Scan() {
		line := sc.Text()
		got = append(got, line)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	assert.Contains(t, got, "event: campaign-progress")
	assert.Contains(t, got[len(got)-1], `"campaign_id":"c1"`)
}
