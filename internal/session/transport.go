package session

import (
	"context"
	"time"

	"github.com/whatsapp-automation/dispatcher/internal/domain"
)

// Identity is the remote account a transport authenticated as.
type Identity struct {
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name,omitempty"`
}

// Dispatch is the provider's answer to a successful send.
type Dispatch struct {
	MessageID string
	Timestamp time.Time
}

// Transport is one account's connection to the messaging network. A
// Session owns exactly one.
type Transport interface {
	// Connect starts the handshake. Progress is reported via the Listener
	// the transport was built with.
	Connect(ctx context.Context) error
	// Disconnect drops the network connection but keeps local state so
	// Connect may be called again.
	Disconnect()
	// Close disconnects and releases local resources.
	Close() error
	// Purge closes the transport and deletes its local credentials.
	Purge(ctx context.Context) error

	IsConnected() bool
	IsLoggedIn() bool

	// IsOnNetwork probes whether the normalized phone number has an account.
	IsOnNetwork(ctx context.Context, phone string) (bool, error)
	SetTyping(ctx context.Context, phone string, typing bool) error
	Send(ctx context.Context, phone string, content domain.Content) (Dispatch, error)
}

// Listener receives asynchronous transport notifications.
type Listener interface {
	Challenge(code string)
	Ready(id Identity)
	Disconnected(reason string)
	LoggedOut(reason string)
	Failed(err error)
	Receipt(r domain.Receipt)
}

// Factory builds a transport for an account. It must not start any
// network activity; that happens in Connect.
type Factory interface {
	New(ctx context.Context, accountID string, l Listener) (Transport, error)
}

type FactoryFunc func(ctx context.Context, accountID string, l Listener) (Transport, error)

func (f FactoryFunc) New(ctx context.Context, accountID string, l Listener) (Transport, error) {
	return f(ctx, accountID, l)
}
