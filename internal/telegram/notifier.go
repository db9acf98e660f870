package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/dispatcher/internal/events"
	"github.com/whatsapp-automation/dispatcher/internal/observability"
)

const DefaultAPIURL = "https://api.telegram.org"

// Notifier relays operator-relevant events to a Telegram chat. It is an
// events.Publisher; every alert is sent from its own goroutine.
type Notifier struct {
	token    string
	chatID   string
	workerID string
	apiURL   string
	client   *http.Client
	log      zerolog.Logger
}

func NewNotifier(token, chatID, workerID string, log zerolog.Logger) *Notifier {
	return &Notifier{
		token:    token,
		chatID:   chatID,
		workerID: workerID,
		apiURL:   DefaultAPIURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

// WithAPIURL points the notifier at another Bot API host.
func (n *Notifier) WithAPIURL(u string) *Notifier {
	n.apiURL = u
	return n
}

// SendAlert posts one HTML-formatted message.
func (n *Notifier) SendAlert(ctx context.Context, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiURL, n.token)

	payload, err := json.Marshal(map[string]string{
		"chat_id":    n.chatID,
		"text":       message,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) Publish(_ context.Context, ev events.Event) {
	msg, ok := n.format(ev)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := n.SendAlert(ctx, msg); err != nil {
			observability.Events.WithLabelValues("telegram", "error").Inc()
			n.log.Warn().Err(err).Str("event", string(ev.Name)).Msg("telegram alert failed")
			return
		}
		observability.Events.WithLabelValues("telegram", "ok").Inc()
	}()
}

func (n *Notifier) format(ev events.Event) (string, bool) {
	stamp := ev.At.Format("2006-01-02 15:04:05")

	switch p := ev.Payload.(type) {
	case events.SessionPayload:
		switch ev.Name {
		case events.SessionDisconnected:
			return fmt.Sprintf(`⚠️ <b>DISCONNECTED</b>

📱 Account: %s %s
🖥️ Worker: %s
📝 Reason: %s
⏰ Time: %s`, p.AccountID, p.Phone, n.workerID, orDash(p.Reason), stamp), true
		case events.SessionFailed:
			return fmt.Sprintf(`🚨 <b>SESSION FAILED</b>

📱 Account: %s %s
🖥️ Worker: %s
❌ Error: %s
⏰ Time: %s`, p.AccountID, p.Phone, n.workerID, orDash(p.Reason), stamp), true
		}
	case events.CampaignPayload:
		if ev.Name != events.CampaignCompleted {
			return "", false
		}
		took := "-"
		if p.StartedAt != nil && p.CompletedAt != nil {
			took = humanize.RelTime(*p.StartedAt, *p.CompletedAt, "", "")
		}
		msg := fmt.Sprintf(`✅ <b>CAMPAIGN %s</b>

🆔 Campaign: %s
📤 Sent: %s / %s
❌ Failed: %s
⏱️ Duration: %s
⏰ Time: %s`, p.Status, p.CampaignID,
			humanize.Comma(int64(p.Sent)), humanize.Comma(int64(p.Total)),
			humanize.Comma(int64(p.Failed)), took, stamp)
		if p.Reason != "" {
			msg += "\n📝 Reason: " + p.Reason
		}
		return msg, true
	}
	return "", false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
