package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/whatsapp-automation/dispatcher/internal/domain"
)

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusRunning))
	assert.True(t, StatusPending.CanTransition(StatusCancelled))
	assert.True(t, StatusRunning.CanTransition(StatusRunning))
	assert.True(t, StatusPartial.CanTransition(StatusRunning))
	assert.False(t, StatusCompleted.CanTransition(StatusRunning))
	assert.False(t, StatusCancelled.CanTransition(StatusRunning))
	assert.False(t, StatusPartial.CanTransition(StatusCancelled))

	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusPartial.Terminal())
}

func TestAdvanceAck(t *testing.T) {
	t1 := time.Unix(100, 0)
	t2 := time.Unix(200, 0)

	pending := Message{Status: MessagePending}
	assert.False(t, AdvanceAck(&pending, domain.AckDelivered, t1))
	assert.Equal(t, MessagePending, pending.Status)

	m := Message{Status: MessageSent}
	assert.False(t, AdvanceAck(&m, domain.AckSent, t1))
	assert.True(t, AdvanceAck(&m, domain.AckDelivered, t1))
	assert.True(t, AdvanceAck(&m, domain.AckRead, t2))
	assert.False(t, AdvanceAck(&m, domain.AckDelivered, t2))
	assert.Equal(t, MessageRead, m.Status)
	assert.True(t, m.DeliveredAt.Equal(t1))
	assert.True(t, m.ReadAt.Equal(t2))

	// read straight from sent leaves delivered unstamped
	skip := Message{Status: MessageSent}
	assert.True(t, AdvanceAck(&skip, domain.AckRead, t2))
	assert.Nil(t, skip.DeliveredAt)
}

func TestMergeAcks(t *testing.T) {
	at := time.Unix(300, 0)
	stored := Message{Status: MessageRead, ProviderMessageID: "x", ReadAt: &at}

	stale := Message{Status: MessageSent, ProviderMessageID: "x"}
	MergeAcks(stored, &stale)
	assert.Equal(t, MessageRead, stale.Status)
	assert.Equal(t, &at, stale.ReadAt)

	other := Message{Status: MessageSent, ProviderMessageID: "y"}
	MergeAcks(stored, &other)
	assert.Equal(t, MessageSent, other.Status)

	reset := Message{Status: MessagePending}
	MergeAcks(stored, &reset)
	assert.Equal(t, MessagePending, reset.Status)
}

func TestRecountAndClone(t *testing.T) {
	c := &Campaign{Messages: []Message{
		{Status: MessagePending},
		{Status: MessageSent},
		{Status: MessageDelivered},
		{Status: MessageRead},
		{Status: MessageFailed},
	}}
	c.Recount()
	assert.Equal(t, 5, c.Total)
	assert.Equal(t, 3, c.Sent)
	assert.Equal(t, 2, c.Delivered)
	assert.Equal(t, 1, c.Read)
	assert.Equal(t, 1, c.Failed)
	assert.Equal(t, []int{0}, c.PendingIndexes())

	at := time.Unix(1, 0)
	c.Messages[1].SentAt = &at
	cp := c.Clone()
	cp.Messages[1].Status = MessageFailed
	*cp.Messages[1].SentAt = time.Unix(2, 0)
	assert.Equal(t, MessageSent, c.Messages[1].Status)
	assert.True(t, c.Messages[1].SentAt.Equal(at))
}
