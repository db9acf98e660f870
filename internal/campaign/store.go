package campaign

import (
	"context"
	"time"

	"github.com/whatsapp-automation/dispatcher/internal/domain"
)

// Usage counter names.
const (
	UsageMessagesSent   = "messages_sent"
	UsageMessagesFailed = "messages_failed"
)

// AckUpdate is a message after an acknowledgment was applied to it.
type AckUpdate struct {
	CampaignID string
	UserID     string
	Message    Message
	Changed    bool
}

// Store is the durable home of campaigns and their messages.
//
// SaveCampaign must not regress acknowledgment progress already stored for
// a message (see MergeAcks) and must leave the cancel flag alone; only
// RequestCancel sets it.
type Store interface {
	LoadCampaign(ctx context.Context, id string) (*Campaign, error)
	SaveCampaign(ctx context.Context, c *Campaign) error
	ListCampaignIDs(ctx context.Context, status Status) ([]string, error)

	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)

	// ApplyAck advances the message the provider knows as providerID on
	// accountID. It returns ErrNotFound when no such message is stored.
	ApplyAck(ctx context.Context, accountID, providerID string, st domain.AckStatus, at time.Time) (AckUpdate, error)

	IncrementUsage(ctx context.Context, userID, counter string, delta int64) error
}
