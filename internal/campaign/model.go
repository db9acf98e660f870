package campaign

import (
	"errors"
	"time"

	"github.com/whatsapp-automation/dispatcher/internal/domain"
)

var (
	ErrNotFound    = errors.New("campaign not found")
	ErrAccountBusy = errors.New("account already has a running campaign")
	ErrTerminal    = errors.New("campaign is in a terminal state")
	// ErrCancelled is the cancellation cause of a user-cancelled run.
	ErrCancelled = errors.New("cancelled by user")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var statusTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	// running -> running covers resuming a run orphaned by a crash
	StatusRunning: {StatusRunning, StatusCompleted, StatusPartial, StatusFailed, StatusCancelled},
	StatusPartial: {StatusRunning},
	StatusFailed:  {StatusRunning},
}

func (s Status) CanTransition(next Status) bool {
	for _, n := range statusTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Terminal reports whether a run has ended. Partial and failed campaigns
// may still be re-run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageFailed    MessageStatus = "failed"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// ackRank places a message on the sent -> delivered -> read ladder. Pending
// and failed messages are off the ladder.
func (s MessageStatus) ackRank() int {
	switch s {
	case MessageSent:
		return domain.AckSent.Rank()
	case MessageDelivered:
		return domain.AckDelivered.Rank()
	case MessageRead:
		return domain.AckRead.Rank()
	}
	return 0
}

// Dispatched reports whether the provider accepted the message.
func (s MessageStatus) Dispatched() bool { return s.ackRank() > 0 }

type Message struct {
	Position          int            `json:"position"`
	Recipient         string         `json:"recipient"`
	Content           domain.Content `json:"content"`
	Status            MessageStatus  `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	FailureCode       string         `json:"failure_code,omitempty"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	ReadAt            *time.Time     `json:"read_at,omitempty"`
}

type Settings struct {
	BatchSize     int           `json:"batch_size"`
	MessageDelay  time.Duration `json:"message_delay"`
	MessageJitter time.Duration `json:"message_jitter"`
	BatchCooldown time.Duration `json:"batch_cooldown"`
	VaryContent   bool          `json:"vary_content"`
	HumanTyping   bool          `json:"human_typing"`
}

type Campaign struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	AccountID       string     `json:"account_id"`
	Status          Status     `json:"status"`
	Settings        Settings   `json:"settings"`
	Messages        []Message  `json:"messages"`
	Total           int        `json:"total"`
	Sent            int        `json:"sent"`
	Failed          int        `json:"failed"`
	Delivered       int        `json:"delivered"`
	Read            int        `json:"read"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Recount derives the counters from message states. Sent includes
// messages that have since been delivered or read.
func (c *Campaign) Recount() {
	c.Total = len(c.Messages)
	c.Sent, c.Failed, c.Delivered, c.Read = 0, 0, 0, 0
	for _, m := range c.Messages {
		switch m.Status {
		case MessageFailed:
			c.Failed++
		case MessageSent:
			c.Sent++
		case MessageDelivered:
			c.Sent++
			c.Delivered++
		case MessageRead:
			c.Sent++
			c.Delivered++
			c.Read++
		}
	}
}

// PendingIndexes returns the slice indexes of pending messages in
// position order.
func (c *Campaign) PendingIndexes() []int {
	var out []int
	for i, m := range c.Messages {
		if m.Status == MessagePending {
			out = append(out, i)
		}
	}
	return out
}

// MessageByProviderID finds a dispatched message.
func (c *Campaign) MessageByProviderID(id string) (*Message, bool) {
	if id == "" {
		return nil, false
	}
	for i := range c.Messages {
		if c.Messages[i].ProviderMessageID == id {
			return &c.Messages[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *Campaign) Clone() *Campaign {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.SentAt = cloneTime(m.SentAt)
		m.DeliveredAt = cloneTime(m.DeliveredAt)
		m.ReadAt = cloneTime(m.ReadAt)
		out.Messages[i] = m
	}
	out.StartedAt = cloneTime(c.StartedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AdvanceAck moves a dispatched message forward along sent -> delivered
// -> read. Stale or backward acknowledgments are ignored and existing
// timestamps are never overwritten. It reports whether m changed.
func AdvanceAck(m *Message, st domain.AckStatus, at time.Time) bool {
	cur := m.Status.ackRank()
	if cur == 0 || st.Rank() <= cur {
		return false
	}
	switch st {
	case domain.AckDelivered:
		m.Status = MessageDelivered
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
	case domain.AckRead:
		m.Status = MessageRead
		if m.ReadAt == nil {
			m.ReadAt = &at
		}
	default:
		return false
	}
	return true
}

// MergeAcks keeps whichever acknowledgment progress is further along when
// a stale copy of a message is written over a stored one.
func MergeAcks(stored Message, incoming *Message) {
	if !incoming.Status.Dispatched() || stored.ProviderMessageID != incoming.ProviderMessageID {
		return
	}
	if stored.Status.ackRank() > incoming.Status.ackRank() {
		incoming.Status = stored.Status
	}
	if incoming.DeliveredAt == nil {
		incoming.DeliveredAt = stored.DeliveredAt
	}
	if incoming.ReadAt == nil {
		incoming.ReadAt = stored.ReadAt
	}
}
