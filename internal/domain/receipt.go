package domain

import "time"

// AckStatus is a provider-reported delivery state.
type AckStatus string

const (
	AckSent      AckStatus = "sent"
	AckDelivered AckStatus = "delivered"
	AckRead      AckStatus = "read"
)

// Rank orders acknowledgment states so updates can only move forward.
func (s AckStatus) Rank() int {
	switch s {
	case AckSent:
		return 1
	case AckDelivered:
		return 2
	case AckRead:
		return 3
	}
	return 0
}

// Receipt is a provider-pushed acknowledgment for one or more previously
// sent messages of an account.
type Receipt struct {
	AccountID  string
	MessageIDs []string
	Status     AckStatus
	At         time.Time
}
