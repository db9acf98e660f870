package campaign

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/events"
	"github.com/whatsapp-automation/dispatcher/internal/sender"
	"github.com/whatsapp-automation/dispatcher/internal/session"
)

func TestRunCompletesAllBatches(t *testing.T) {
	f := newFixture(t)
	f.store.put(newCampaign("c1", 12))

	c, err := f.d.Run(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, 12, c.Sent)
	assert.Len(t, f.sender.sent(), 12)

	stored := f.store.get(t, "c1")
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, 12, stored.Sent)
	assert.NotNil(t, stored.CompletedAt)
	for _, m := range stored.Messages {
		assert.Equal(t, MessageSent, m.Status)
		assert.Equal(t, "wamid-"+m.Recipient, m.ProviderMessageID)
	}

	assert.EqualValues(t, 12, f.store.usageOf("u1", UsageMessagesSent))
	assert.Equal(t, 12, f.events.count(events.CampaignProgress))
	assert.Equal(t, 1, f.events.count(events.CampaignCompleted))
	// running mark, three batches, final state
	assert.Equal(t, 5, f.store.saves)
}

func TestRunFailsWithoutReadySession(t *testing.T) {
	f := newFixture(t)
	f.sessions.awaitErr = fmt.Errorf("%w: disconnected", session.ErrNotReady)
	f.store.put(newCampaign("c1", 3))

	c, err := f.d.Run(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Contains(t, c.FailureReason, "session not ready")
	assert.Empty(t, f.sender.sent())
	assert.Len(t, f.store.get(t, "c1").PendingIndexes(), 3)
}

func TestRunRecordsPerMessageFailure(t *testing.T) {
	f := newFixture(t)
	f.store.put(newCampaign("c1", 12))
	f.sender.script(func(_ context.Context, _ int, to string) *sender.Result {
		if to == recipient(7) {
			return &sender.Result{Err: &sender.Error{Code: sender.CodeInvalidRecipient, Detail: "too short"}}
		}
		return nil
	})

	c, err := f.d.Run(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, c.Status)
	assert.Equal(t, 11, c.Sent)
	assert.Equal(t, 1, c.Failed)

	m := f.store.get(t, "c1").Messages[6]
	assert.Equal(t, MessageFailed, m.Status)
	assert.Equal(t, string(sender.CodeInvalidRecipient), m.FailureCode)
	assert.EqualValues(t, 1, f.store.usageOf("u1", UsageMessagesFailed))
}

func TestRerunOfPartialSendsNothingNew(t *testing.T) {
	f := newFixture(t)
	f.store.put(newCampaign("c1", 4))
	f.sender.script(func(_ context.Context, n int, _ string) *sender.Result {
		if n == 2 {
			return &sender.Result{Err: &sender.Error{Code: sender.CodeRecipientNotAddressable}}
		}
		return nil
	})
	_, err := f.d.Run(context.Background(), "c1")
	require.NoError(t, err)

	c, err := f.d.Run(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, c.Status)
	assert.Len(t, f.sender.sent(), 4)
	assert.EqualValues(t, 3, f.store.usageOf("u1", UsageMessagesSent))
}

func TestSessionLevelErrorKeepsMessagePending(t *testing.T) {
	f := newFixture(t)
	f.store.put(newCampaign("c1", 5))
	f.sender.script(func(_ context.Context, n int, _ string) *sender.Result {
		if n == 2 {
			return &sender.Result{Err: sender.ErrSessionNotReady}
		}
		return nil
	})

	c, err := f.d.Run(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, 1, c.Sent)
	assert.Zero(t, c.Failed)
	assert.Equal(t, MessagePending, f.store.get(t, "c1").Messages[1].Status)
}

func TestRunStopsWhenTransportDrops(t *testing.T) {
	f := newFixture(t)
	f.store.put(newCampaign("c1", 12))
	f.sender.script(func(_ context.Context, n int, _ string) *sender.Result {
		if n == 4 {
			f.transport.drop()
		}
		return nil
	})

	c, err := f.d.Run(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, 4, c.Sent)
	assert.Len(t, f.store.get(t, "c1").PendingIndexes(), 8)
}

func TestRunFailsAfterRepeatedFlushFailures(t *testing.T) {
	f := newFixture(t)
	f.store.put(newCampaign("c1", 12))
	f.store.failFrom, f.store.failCount = 2, 2

	c, err := f.d.Run(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Contains(t, c.FailureReason, "persistence failed")
	assert.Len(t, f.sender.sent(), 10)

	stored := f.store.get(t, "c1")
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 10, stored.Sent)
}

func TestRunRejectsTerminalCampaign(t *testing.T) {
	f := newFixture(t)
	c := newCampaign("c1", 1)
	c.Status = StatusCompleted
	f.store.put(c)

	_, err := f.d.Run(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrTerminal)

	_, err = f.d.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcksNeverRegress(t *testing.T) {
	f := newFixture(t)
	f.store.put(newCampaign("c1", 2))
	_, err := f.d.Run(context.Background(), "c1")
	require.NoError(t, err)

	acks := NewAckProcessor(f.store, f.d, f.events, zerolog.Nop())
	id := "wamid-" + recipient(1)
	t1 := time.Unix(1700000100, 0)
	t2 := t1.Add(time.Minute)

	ctx := context.Background()
	acks.HandleReceipt(ctx, domain.Receipt{AccountID: "acc1", MessageIDs: []string{id}, Status: domain.AckDelivered, At: t1})
	acks.HandleReceipt(ctx, domain.Receipt{AccountID: "acc1", MessageIDs: []string{id}, Status: domain.AckRead, At: t2})
	acks.HandleReceipt(ctx, domain.Receipt{AccountID: "acc1", MessageIDs: []string{id}, Status: domain.AckDelivered, At: t2.Add(time.Minute)})
	acks.HandleReceipt(ctx, domain.Receipt{AccountID: "other", MessageIDs: []string{id}, Status: domain.AckRead, At: t2})

	c := f.store.get(t, "c1")
	m := c.Messages[0]
	assert.Equal(t, MessageRead, m.Status)
	require.NotNil(t, m.DeliveredAt)
	assert.True(t, m.DeliveredAt.Equal(t1))
	require.NotNil(t, m.ReadAt)
	assert.True(t, m.ReadAt.Equal(t2))
	assert.Equal(t, 2, c.Sent)
	assert.Equal(t, 1, c.Delivered)
	assert.Equal(t, 1, c.Read)
	assert.Equal(t, 2, f.events.count(events.MessageStatusUpdate))
}

func TestAckDuringRunSurvivesLaterFlush(t *testing.T) {
	f := newFixture(t)
	f.store.put(newCampaign("c1", 4))
	acks := NewAckProcessor(f.store, f.d, f.events, zerolog.Nop())
	at := time.Unix(1700000200, 0)
	f.sender.script(func(ctx context.Context, n int, _ string) *sender.Result {
		if n == 3 {
			acks.HandleReceipt(ctx, domain.Receipt{
				AccountID: "acc1", MessageIDs: []string{"wamid-" + recipient(1)}, Status: domain.AckRead, At: at,
			})
		}
		return nil
	})

	_, err := f.d.Run(context.Background(), "c1")
	require.NoError(t, err)

	m := f.store.get(t, "c1").Messages[0]
	assert.Equal(t, MessageRead, m.Status)
	require.NotNil(t, m.ReadAt)
	assert.True(t, m.ReadAt.Equal(at))

	ev, ok := f.events.last(events.MessageStatusUpdate)
	require.True(t, ok)
	p := ev.Payload.(events.CampaignPayload)
	assert.Equal(t, "c1", p.CampaignID)
	assert.Equal(t, string(MessageRead), p.Message.Status)
}

func TestPartitionKeepsOrder(t *testing.T) {
	got := partition([]int{0, 1, 2, 3, 4, 5, 6}, 3)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6}}, got)
	assert.Empty(t, partition(nil, 3))
}
