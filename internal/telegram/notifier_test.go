package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/dispatcher/internal/events"
)

func newServer(t *testing.T) (*httptest.Server, chan map[string]string) {
	t.Helper()
	got := make(chan map[string]string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestCampaignCompletedAlert(t *testing.T) {
	srv, got := newServer(t)
	n := NewNotifier("TOKEN", "42", "worker-1", zerolog.Nop()).WithAPIURL(srv.URL)

	start := time.Now().Add(-12 * time.Minute)
	end := time.Now()
	n.Publish(context.Background(), events.New("u1", events.CampaignCompleted, events.CampaignPayload{
		CampaignID: "c1", Status: "partial", Total: 1200, Sent: 1199, Failed: 1,
		StartedAt: &start, CompletedAt: &end,
	}))

	select {
	case body := <-got:
		assert.Equal(t, "42", body["chat_id"])
		assert.Equal(t, "HTML", body["parse_mode"])
		assert.Contains(t, body["text"], "CAMPAIGN partial")
		assert.Contains(t, body["text"], "1,199 / 1,200")
		assert.Contains(t, body["text"], "12 minutes")
	case <-time.After(2 * time.Second):
		t.Fatal("no alert sent")
	}
}

func TestSessionAlertsOnlyForOperatorEvents(t *testing.T) {
	srv, got := newServer(t)
	n := NewNotifier("TOKEN", "42", "worker-1", zerolog.Nop()).WithAPIURL(srv.URL)

	n.Publish(context.Background(), events.New("u1", events.SessionReady, events.SessionPayload{AccountID: "a1"}))
	n.Publish(context.Background(), events.New("u1", events.CampaignProgress, events.CampaignPayload{CampaignID: "c1"}))
	n.Publish(context.Background(), events.New("u1", events.SessionDisconnected, events.SessionPayload{
		AccountID: "a1", Phone: "15550001111", Reason: "connection lost",
	}))

	select {
	case body := <-got:
		assert.Contains(t, body["text"], "DISCONNECTED")
		assert.Contains(t, body["text"], "connection lost")
		assert.Contains(t, body["text"], "worker-1")
	case <-time.After(2 * time.Second):
		t.Fatal("no alert sent")
	}
	select {
	case body := <-got:
		t.Fatalf("unexpected extra alert: %v", body)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendAlertStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := NewNotifier("bad", "1", "w", zerolog.Nop()).WithAPIURL(srv.URL)
	err := n.SendAlert(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
