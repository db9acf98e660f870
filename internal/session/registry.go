package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/events"
	"github.com/whatsapp-automation/dispatcher/internal/observability"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrNotReady = errors.New("session not ready")
	// ErrHandshakeTimeout is a flavour of ErrNotReady.
	ErrHandshakeTimeout = fmt.Errorf("%w: handshake timed out", ErrNotReady)

	errSuperseded = errors.New("session superseded")
)

// AccountStatus is the durable view of an account's session.
type AccountStatus struct {
	AccountID   string    `json:"account_id"`
	UserID      string    `json:"user_id"`
	State       State     `json:"state"`
	Phone       string    `json:"phone,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AccountStore persists account status records.
type AccountStore interface {
	SaveAccountStatus(ctx context.Context, st AccountStatus) error
	ListAccounts(ctx context.Context, state State) ([]AccountStatus, error)
}

// ReceiptHandler consumes delivery acknowledgments coming off transports.
type ReceiptHandler func(ctx context.Context, r domain.Receipt)

type Options struct {
	HandshakeTimeout  time.Duration
	ReconnectMaxTries uint
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	PersistTimeout    time.Duration
}

func (o *Options) defaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 60 * time.Second
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 5 * time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 2 * time.Minute
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
}

// Registry is the single owner of all sessions in the process.
type Registry struct {
	factory  Factory
	accounts AccountStore
	events   events.Publisher
	log      zerolog.Logger
	opts     Options
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	receipts ReceiptHandler
	flight   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(f Factory, accounts AccountStore, pub events.Publisher, log zerolog.Logger, opts Options) *Registry {
	opts.defaults()
	if pub == nil {
		pub = events.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory:  f,
		accounts: accounts,
		events:   pub,
		log:      log,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnReceipt installs the acknowledgment handler.
func (r *Registry) OnReceipt(h ReceiptHandler) {
	r.mu.Lock()
	r.receipts = h
	r.mu.Unlock()
}

// Get never blocks on construction.
func (r *Registry) Get(accountID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[accountID]
	return s, ok
}

func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	return out
}

// GetOrCreate returns the account's usable session or builds a new one.
// Concurrent callers for the same account share a single construction, and
// the session is published only after its transport exists.
func (r *Registry) GetOrCreate(ctx context.Context, accountID, userID string) (*Session, error) {
	if s, ok := r.Get(accountID); ok && s.State().Usable() {
		return s, nil
	}
	v, err, _ := r.flight.Do(accountID, func() (any, error) {
		if s, ok := r.Get(accountID); ok && s.State().Usable() {
			return s, nil
		}
		return r.create(ctx, accountID, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) create(ctx context.Context, accountID, userID string) (*Session, error) {
	r.mu.Lock()
	prev := r.sessions[accountID]
	delete(r.sessions, accountID)
	r.mu.Unlock()
	if prev != nil {
		r.forget(prev)
		if tr := prev.Transport(); tr != nil {
			if err := tr.Close(); err != nil {
				r.log.Warn().Err(err).Str("account", accountID).Msg("closing previous transport")
			}
		}
	}

	s := newSession(accountID, userID, r.now())
	tr, err := r.factory.New(ctx, accountID, &listener{r: r, s: s})
	if err != nil {
		r.transition(s, StateFailed, err.Error(), nil)
		r.forget(s)
		return nil, fmt.Errorf("create transport for %s: %w", accountID, err)
	}
	s.setTransport(tr)

	r.mu.Lock()
	r.sessions[accountID] = s
	r.mu.Unlock()

	r.transition(s, StateConnecting, "", nil)
	if err := tr.Connect(ctx); err != nil {
		r.transition(s, StateFailed, err.Error(), nil)
		r.remove(s)
		_ = tr.Close()
		return nil, fmt.Errorf("connect %s: %w", accountID, err)
	}
	return s, nil
}

// Connect is the user-facing connect request. An already ready session is
// returned as is.
func (r *Registry) Connect(ctx context.Context, accountID, userID string) (Info, error) {
	s, err := r.GetOrCreate(ctx, accountID, userID)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

// AwaitReady resolves a ready session for a campaign run. A session that
// is already disconnected or failed is not revived here; an absent one is
// created and waited on for at most the handshake timeout.
func (r *Registry) AwaitReady(ctx context.Context, accountID, userID string) (*Session, error) {
	if s, ok := r.Get(accountID); ok && !s.State().Usable() {
		info := s.Info()
		reason := string(info.State)
		if info.LastError != "" {
			reason += ": " + info.LastError
		}
		return nil, fmt.Errorf("%w: %s", ErrNotReady, reason)
	}

	s, err := r.GetOrCreate(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, r.opts.HandshakeTimeout)
	defer cancel()
	if err := s.WaitReady(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrHandshakeTimeout, r.opts.HandshakeTimeout)
		}
		return nil, err
	}
	return r.Live(accountID)
}

// Live returns the session only if it is ready and its transport still
// reports a logged-in connection. A stale ready session is moved to
// disconnected on the spot.
func (r *Registry) Live(accountID string) (*Session, error) {
	s, ok := r.Get(accountID)
	if !ok {
		return nil, ErrNotFound
	}
	if st := s.State(); st != StateReady {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, st)
	}
	tr := s.Transport()
	if !tr.IsConnected() || !tr.IsLoggedIn() {
		if r.transition(s, StateDisconnected, "transport lost", nil) {
			r.scheduleReconnect(s)
		}
		return nil, fmt.Errorf("%w: transport lost", ErrNotReady)
	}
	s.touch(r.now())
	return s, nil
}

func (r *Registry) IsReady(accountID string) bool {
	_, err := r.Live(accountID)
	return err == nil
}

// Challenge returns the current authentication challenge for an account.
func (r *Registry) Challenge(accountID string) (string, time.Time, bool) {
	s, ok := r.Get(accountID)
	if !ok {
		return "", time.Time{}, false
	}
	return s.Challenge()
}

// Disconnect tears the session down, removes it and deletes its local
// credentials. Purge failures are logged, not returned.
func (r *Registry) Disconnect(ctx context.Context, accountID string) error {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	delete(r.sessions, accountID)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	tr := s.Transport()
	tr.Disconnect()
	r.transition(s, StateDisconnected, "disconnected by user", nil)
	r.forget(s)

	if err := tr.Purge(ctx); err != nil {
		r.log.Warn().Err(err).Str("account", accountID).Msg("failed to purge session credentials")
	}
	return nil
}

// Restore reopens every account persisted as ready. It returns how many
// sessions were started.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.accounts == nil {
		return 0, nil
	}
	accounts, err := r.accounts.ListAccounts(ctx, StateReady)
	if err != nil {
		return 0, fmt.Errorf("list ready accounts: %w", err)
	}
	started := 0
	for _, a := range accounts {
		if _, err := r.GetOrCreate(ctx, a.AccountID, a.UserID); err != nil {
			r.log.Warn().Err(err).Str("account", a.AccountID).Msg("restore failed")
			continue
		}
		started++
	}
	return started, nil
}

// Close stops reconnect loops and closes every transport. Credentials and
// persisted status are left alone so Restore can pick them up again.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		r.forget(s)
		if tr := s.Transport(); tr != nil {
			if err := tr.Close(); err != nil {
				r.log.Warn().Err(err).Str("account", s.accountID).Msg("closing transport")
			}
		}
	}
}

func (r *Registry) isCurrent(s *Session) bool {
	cur, ok := r.Get(s.accountID)
	return ok && cur == s
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	removed := false
	if r.sessions[s.accountID] == s {
		delete(r.sessions, s.accountID)
		removed = true
	}
	r.mu.Unlock()
	if removed {
		r.forget(s)
	}
}

// forget takes a session out of the per-state gauge.
func (r *Registry) forget(s *Session) {
	if st := s.State(); st != StateAbsent {
		observability.SessionsByState.WithLabelValues(string(st)).Dec()
	}
}

// transition moves s to next, then persists and announces the change.
func (r *Registry) transition(s *Session, next State, reason string, mutate func(*Session)) bool {
	prev, ok := s.setState(next, r.now(), func(s *Session) {
		if next == StateReady {
			s.lastError = ""
			s.challenge = ""
		} else if reason != "" {
			s.lastError = reason
		}
		if mutate != nil {
			mutate(s)
		}
	})
	if !ok {
		r.log.Debug().Str("account", s.accountID).Str("from", string(prev)).Str("to", string(next)).Msg("transition ignored")
		return false
	}

	observability.SessionTransitions.WithLabelValues(string(next)).Inc()
	if prev != StateAbsent {
		observability.SessionsByState.WithLabelValues(string(prev)).Dec()
	}
	observability.SessionsByState.WithLabelValues(string(next)).Inc()

	ev := r.log.Info()
	if next == StateFailed || next == StateDisconnected {
		ev = r.log.Warn()
	}
	ev.Str("account", s.accountID).Str("from", string(prev)).Str("to", string(next)).Str("reason", reason).Msg("session state changed")

	info := s.Info()
	r.persist(info)
	r.notify(info, next, reason)
	return true
}

func (r *Registry) persist(info Info) {
	if r.accounts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PersistTimeout)
	defer cancel()
	err := r.accounts.SaveAccountStatus(ctx, AccountStatus{
		AccountID:   info.AccountID,
		UserID:      info.UserID,
		State:       info.State,
		Phone:       info.Phone,
		DisplayName: info.DisplayName,
		LastError:   info.LastError,
		UpdatedAt:   r.now(),
	})
	if err != nil {
		r.log.Error().Err(err).Str("account", info.AccountID).Msg("failed to persist session status")
	}
}

func (r *Registry) notify(info Info, st State, reason string) {
	var name events.Name
	switch st {
	case StateAwaitingAuth:
		name = events.ChallengeIssued
	case StateReady:
		name = events.SessionReady
	case StateDisconnected:
		name = events.SessionDisconnected
	case StateFailed:
		name = events.SessionFailed
	default:
		return
	}
	r.events.Publish(context.Background(), events.New(info.UserID, name, events.SessionPayload{
		AccountID:   info.AccountID,
		State:       string(st),
		Phone:       info.Phone,
		DisplayName: info.DisplayName,
		Challenge:   info.Challenge,
		Reason:      reason,
	}))
}

func (r *Registry) fail(s *Session, reason string) {
	r.transition(s, StateFailed, reason, nil)
	r.remove(s)
	if tr := s.Transport(); tr != nil {
		if err := tr.Close(); err != nil {
			r.log.Warn().Err(err).Str("account", s.accountID).Msg("closing failed transport")
		}
	}
}

func (r *Registry) scheduleReconnect(s *Session) {
	if r.opts.ReconnectMaxTries == 0 || r.ctx.Err() != nil {
		return
	}
	r.wg.Add(1)
	go r.reconnect(s)
}

// reconnect retries Connect with exponential backoff while s is still
// the account's current, disconnected session.
func (r *Registry) reconnect(s *Session) {
	defer r.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.ReconnectInitial
	b.MaxInterval = r.opts.ReconnectMax

	attempt := 0
	_, err := backoff.Retry(r.ctx, func() (struct{}, error) {
		attempt++
		if !r.isCurrent(s) || s.State() != StateDisconnected {
			return struct{}{}, backoff.Permanent(errSuperseded)
		}
		r.log.Info().Str("account", s.accountID).Int("attempt", attempt).Msg("reconnecting")
		if !r.transition(s, StateConnecting, "", nil) {
			return struct{}{}, backoff.Permanent(errSuperseded)
		}
		if err := s.Transport().Connect(r.ctx); err != nil {
			r.transition(s, StateDisconnected, err.Error(), nil)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.opts.ReconnectMaxTries))

	switch {
	case err == nil, errors.Is(err, errSuperseded), r.ctx.Err() != nil:
		return
	}
	if r.isCurrent(s) {
		r.fail(s, fmt.Sprintf("reconnect gave up after %d attempts: %v", attempt, err))
	}
}

// listener binds transport callbacks to one session.
type listener struct {
	r *Registry
	s *Session
}

func (l *listener) Challenge(code string) {
	if !l.r.isCurrent(l.s) {
		return
	}
	now := l.r.now()
	l.r.transition(l.s, StateAwaitingAuth, "", func(s *Session) {
		s.challenge = code
		s.challengeAt = now
	})
}

func (l *listener) Ready(id Identity) {
	if !l.r.isCurrent(l.s) || l.s.State() == StateFailed {
		// the handshake finished after the session was given up on
		l.r.log.Warn().Str("account", l.s.accountID).Msg("late handshake on discarded session, closing transport")
		if tr := l.s.Transport(); tr != nil {
			_ = tr.Close()
		}
		return
	}
	l.r.transition(l.s, StateReady, "", func(s *Session) {
		s.identity = id
	})
}

func (l *listener) Disconnected(reason string) {
	if !l.r.isCurrent(l.s) {
		return
	}
	wasReady := l.s.State() == StateReady
	if l.r.transition(l.s, StateDisconnected, reason, nil) && wasReady {
		l.r.scheduleReconnect(l.s)
	}
}

func (l *listener) LoggedOut(reason string) {
	if !l.r.isCurrent(l.s) {
		return
	}
	l.r.transition(l.s, StateFailed, "logged out: "+reason, nil)
	l.r.remove(l.s)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.s.Transport().Purge(ctx); err != nil {
			l.r.log.Warn().Err(err).Str("account", l.s.accountID).Msg("failed to purge logged out session")
		}
	}()
}

func (l *listener) Failed(err error) {
	if !l.r.isCurrent(l.s) {
		return
	}
	l.r.fail(l.s, err.Error())
}

func (l *listener) Receipt(rc domain.Receipt) {
	l.r.mu.RLock()
	h := l.r.receipts
	l.r.mu.RUnlock()
	if h == nil {
		return
	}
	rc.AccountID = l.s.accountID
	h(l.r.ctx, rc)
}
