package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/events"
	"github.com/whatsapp-automation/dispatcher/internal/observability"
)

// AckProcessor applies provider delivery receipts to stored messages and
// to any run still holding them in memory.
type AckProcessor struct {
	store  Store
	runs   *Dispatcher
	events events.Publisher
	log    zerolog.Logger
	now    func() time.Time
}

func NewAckProcessor(store Store, runs *Dispatcher, pub events.Publisher, log zerolog.Logger) *AckProcessor {
	if pub == nil {
		pub = events.Discard
	}
	return &AckProcessor{store: store, runs: runs, events: pub, log: log, now: time.Now}
}

// HandleReceipt has the session.ReceiptHandler signature.
func (a *AckProcessor) HandleReceipt(ctx context.Context, rc domain.Receipt) {
	at := rc.At
	if at.IsZero() {
		at = a.now()
	}
	for _, id := range rc.MessageIDs {
		a.apply(ctx, rc.AccountID, id, rc.Status, at)
	}
}

func (a *AckProcessor) apply(ctx context.Context, accountID, providerID string, st domain.AckStatus, at time.Time) {
	var (
		mirrored AckUpdate
		tracked  bool
	)
	if a.runs != nil {
		mirrored, tracked = a.runs.mirrorAck(accountID, providerID, st, at)
	}

	stored, err := a.store.ApplyAck(ctx, accountID, providerID, st, at)
	switch {
	case errors.Is(err, ErrNotFound):
		// the run may not have flushed this message yet
		if !tracked {
			observability.Acks.WithLabelValues(string(st), "unknown").Inc()
			return
		}
	case err != nil:
		observability.Acks.WithLabelValues(string(st), "error").Inc()
		a.log.Error().Err(err).Str("account", accountID).Str("message", providerID).Msg("failed to apply acknowledgment")
		if !tracked {
			return
		}
	}

	up := stored
	if tracked && (mirrored.Changed || !stored.Changed) {
		up = mirrored
	}
	if !mirrored.Changed && !stored.Changed {
		observability.Acks.WithLabelValues(string(st), "stale").Inc()
		return
	}
	observability.Acks.WithLabelValues(string(st), "applied").Inc()

	a.events.Publish(ctx, events.New(up.UserID, events.MessageStatusUpdate, events.CampaignPayload{
		CampaignID: up.CampaignID,
		AccountID:  accountID,
		Message:    messagePayload(up.Message),
	}))
}
