package events

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Name identifies a user-scoped notification.
type Name string

const (
	ChallengeIssued     Name = "challenge-issued"
	SessionReady        Name = "session-ready"
	SessionDisconnected Name = "session-disconnected"
	SessionFailed       Name = "session-failed"
	CampaignProgress    Name = "campaign-progress"
	MessageStatusUpdate Name = "message-status-update"
	CampaignCompleted   Name = "campaign-completed"
)

// Event is what subscribers receive.
type Event struct {
	ID      string    `json:"id"`
	Name    Name      `json:"name"`
	UserID  string    `json:"user_id"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// New stamps an event with a sortable id.
func New(userID string, name Name, payload any) Event {
	now := time.Now().UTC()
	return Event{
		ID:      ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Name:    name,
		UserID:  userID,
		At:      now,
		Payload: payload,
	}
}

// Publisher delivers events best-effort. Implementations must not block
// the caller on slow or missing subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Fanout publishes to every sink in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// Discard drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// SessionPayload accompanies session lifecycle events.
type SessionPayload struct {
	AccountID   string `json:"account_id"`
	State       string `json:"state"`
	Phone       string `json:"phone,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Challenge   string `json:"challenge,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// MessagePayload describes one campaign message after an update.
type MessagePayload struct {
	Position          int        `json:"position"`
	Recipient         string     `json:"recipient"`
	Status            string     `json:"status"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	FailureCode       string     `json:"failure_code,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
}

// CampaignPayload carries campaign totals, optionally with the message
// that triggered the event.
type CampaignPayload struct {
	CampaignID  string          `json:"campaign_id"`
	AccountID   string          `json:"account_id"`
	Status      string          `json:"status"`
	Total       int             `json:"total"`
	Sent        int             `json:"sent"`
	Failed      int             `json:"failed"`
	Delivered   int             `json:"delivered"`
	Read        int             `json:"read"`
	Reason      string          `json:"reason,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Message     *MessagePayload `json:"message,omitempty"`
}
