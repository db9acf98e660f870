package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/dispatcher/internal/config"
	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/fingerprint"
	"github.com/whatsapp-automation/dispatcher/internal/session"
)

// ErrChallengeExpired is reported when nobody completes pairing in time.
var ErrChallengeExpired = errors.New("authentication challenge expired")

type Options struct {
	SessionsDir   string
	DeviceSeed    string
	Country       string
	MediaMaxBytes int64
	MediaTimeout  time.Duration
}

// Factory builds whatsmeow-backed transports, one SQLite credential file
// per account.
type Factory struct {
	opts    Options
	proxies *config.ProxyPool
	media   *mediaLoader
	log     zerolog.Logger
}

func NewFactory(opts Options, proxies *config.ProxyPool, log zerolog.Logger) *Factory {
	if opts.SessionsDir == "" {
		opts.SessionsDir = "./sessions"
	}
	return &Factory{
		opts:    opts,
		proxies: proxies,
		media:   newMediaLoader(opts.MediaMaxBytes, opts.MediaTimeout),
		log:     log,
	}
}

// New opens the account's credential store and prepares a client. No
// network activity happens until Connect.
func (f *Factory) New(ctx context.Context, accountID string, l session.Listener) (session.Transport, error) {
	log := f.log.With().Str("account", accountID).Logger()

	st, err := newAuthStore(f.opts.SessionsDir, accountID)
	if err != nil {
		return nil, err
	}
	device, err := st.open(ctx, waLog.Zerolog(log.With().Str("module", "db").Logger()))
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(log.With().Str("module", "client").Logger()))
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	if f.proxies != nil {
		if ep, ok := f.proxies.Assign(accountID); ok {
			if err := client.SetProxyAddress(ep.URL()); err != nil {
				_ = st.close()
				return nil, fmt.Errorf("set proxy: %w", err)
			}
			log.Info().Str("proxy", ep.String()).Msg("using proxy")
		}
	}

	t := &Transport{
		accountID: accountID,
		client:    client,
		store:     st,
		listener:  l,
		media:     f.media,
		proxies:   f.proxies,
		device:    fingerprint.ForAccount(f.opts.DeviceSeed, accountID, f.opts.Country),
		log:       log,
	}
	t.handlerID = client.AddEventHandler(t.handle)
	return t, nil
}

// Transport adapts a whatsmeow client to session.Transport.
type Transport struct {
	accountID string
	client    *whatsmeow.Client
	store     *authStore
	listener  session.Listener
	media     *mediaLoader
	proxies   *config.ProxyPool
	device    fingerprint.Device
	log       zerolog.Logger
	handlerID uint32

	mu       sync.Mutex
	closing  bool
	qrCancel context.CancelFunc
}

// devicePropsMu guards the process-wide whatsmeow device properties.
var devicePropsMu sync.Mutex

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.closing = false
	t.mu.Unlock()

	if t.client.Store.ID != nil {
		if err := t.client.Connect(); err != nil {
			t.blockProxyOn(err)
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}

	devicePropsMu.Lock()
	platform := waCompanionReg.DeviceProps_CHROME
	osName := t.device.OS
	store.DeviceProps.PlatformType = &platform
	store.DeviceProps.Os = &osName
	devicePropsMu.Unlock()

	qrCtx, cancel := context.WithCancel(context.Background())
	qrChan, err := t.client.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		if errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return t.client.Connect()
		}
		return fmt.Errorf("get qr channel: %w", err)
	}
	t.mu.Lock()
	t.qrCancel = cancel
	t.mu.Unlock()
	go t.watchQR(qrChan)

	if err := t.client.Connect(); err != nil {
		cancel()
		t.blockProxyOn(err)
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (t *Transport) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for evt := range ch {
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			t.log.Info().Dur("valid_for", evt.Timeout).Msg("challenge issued")
			t.listener.Challenge(evt.Code)
		case whatsmeow.QRChannelSuccess.Event:
			t.log.Info().Msg("pairing succeeded")
		case whatsmeow.QRChannelTimeout.Event:
			if !t.isClosing() {
				t.listener.Failed(ErrChallengeExpired)
			}
		default:
			if evt.Error != nil && !t.isClosing() {
				t.listener.Failed(fmt.Errorf("pairing: %w", evt.Error))
			} else if evt.Event != "" && !t.isClosing() {
				t.listener.Failed(fmt.Errorf("pairing: %s", evt.Event))
			}
		}
	}
}

func (t *Transport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

func (t *Transport) handle(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		id := session.Identity{DisplayName: t.client.Store.PushName}
		if t.client.Store.ID != nil {
			id.Phone = t.client.Store.ID.User
		}
		t.listener.Ready(id)

	case *events.PairSuccess:
		t.log.Info().Str("jid", v.ID.String()).Str("platform", v.Platform).Msg("paired")

	case *events.Disconnected:
		if !t.isClosing() {
			t.listener.Disconnected("connection lost")
		}

	case *events.LoggedOut:
		t.listener.LoggedOut(v.Reason.String())

	case *events.StreamReplaced:
		t.listener.Failed(errors.New("stream replaced by another client"))

	case *events.TemporaryBan:
		t.listener.Failed(fmt.Errorf("temporary ban %s, expires in %s", v.Code.String(), v.Expire))

	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			t.listener.LoggedOut(v.Reason.String())
			return
		}
		t.listener.Failed(fmt.Errorf("connect failure: %s %s", v.Reason.String(), v.Message))

	case *events.Receipt:
		status, ok := receiptStatus(v.Type)
		if !ok || len(v.MessageIDs) == 0 {
			return
		}
		ids := make([]string, len(v.MessageIDs))
		for i, id := range v.MessageIDs {
			ids[i] = string(id)
		}
		t.listener.Receipt(domain.Receipt{MessageIDs: ids, Status: status, At: v.Timestamp})
	}
}

func receiptStatus(rt types.ReceiptType) (domain.AckStatus, bool) {
	switch rt {
	case types.ReceiptTypeDelivered:
		return domain.AckDelivered, true
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return domain.AckRead, true
	}
	return "", false
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closing = true
	if t.qrCancel != nil {
		t.qrCancel()
		t.qrCancel = nil
	}
	t.mu.Unlock()
	t.client.Disconnect()
}

func (t *Transport) Close() error {
	t.Disconnect()
	t.client.RemoveEventHandler(t.handlerID)
	if t.proxies != nil {
		t.proxies.Release(t.accountID)
	}
	return t.store.close()
}

// Purge logs the device out when possible and deletes the credential file.
func (t *Transport) Purge(ctx context.Context) error {
	if t.client.Store.ID != nil && t.client.IsConnected() {
		if err := t.client.Logout(ctx); err != nil {
			t.log.Warn().Err(err).Msg("logout before purge failed")
		}
	}
	_ = t.Close()
	return t.store.remove()
}

func (t *Transport) IsConnected() bool { return t.client.IsConnected() }
func (t *Transport) IsLoggedIn() bool  { return t.client.IsLoggedIn() }

func (t *Transport) IsOnNetwork(ctx context.Context, phone string) (bool, error) {
	res, err := t.client.IsOnWhatsApp(ctx, []string{"+" + phone})
	if err != nil {
		return false, err
	}
	for _, r := range res {
		if r.IsIn {
			return true, nil
		}
	}
	return false, nil
}

func (t *Transport) SetTyping(ctx context.Context, phone string, typing bool) error {
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return t.client.SendChatPresence(ctx, types.NewJID(phone, types.DefaultUserServer), state, types.ChatPresenceMediaText)
}

func (t *Transport) Send(ctx context.Context, phone string, c domain.Content) (session.Dispatch, error) {
	jid := types.NewJID(phone, types.DefaultUserServer)

	var msg *waE2E.Message
	if c.Kind == domain.KindText {
		msg = &waE2E.Message{Conversation: proto.String(c.Text)}
	} else {
		a, err := t.media.load(ctx, c)
		if err != nil {
			return session.Dispatch{}, err
		}
		up, err := t.client.Upload(ctx, a.data, mediaType(c.Kind))
		if err != nil {
			t.blockProxyOn(err)
			return session.Dispatch{}, fmt.Errorf("upload media: %w", err)
		}
		msg = buildMediaMessage(c, a, up)
	}

	resp, err := t.client.SendMessage(ctx, jid, msg)
	if err != nil {
		t.blockProxyOn(err)
		return session.Dispatch{}, err
	}
	return session.Dispatch{MessageID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (t *Transport) blockProxyOn(err error) {
	if t.proxies != nil && config.IsProxyError(err) {
		t.log.Warn().Err(err).Msg("proxy error, retiring proxy for this account")
		t.proxies.MarkBlocked(t.accountID)
	}
}
