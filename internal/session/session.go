package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Session is the live handle for one account. Only the Registry mutates it.
type Session struct {
	accountID string
	userID    string
	createdAt time.Time

	mu           sync.RWMutex
	transport    Transport
	state        State
	identity     Identity
	challenge    string
	challengeAt  time.Time
	lastActivity time.Time
	lastError    string
	changed      chan struct{}
	lost         chan struct{}
}

// Info is a point-in-time copy of a session for callers outside the
// registry.
type Info struct {
	AccountID         string     `json:"account_id"`
	UserID            string     `json:"user_id"`
	State             State      `json:"state"`
	Phone             string     `json:"phone,omitempty"`
	DisplayName       string     `json:"display_name,omitempty"`
	Challenge         string     `json:"challenge,omitempty"`
	ChallengeIssuedAt *time.Time `json:"challenge_issued_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivity      time.Time  `json:"last_activity"`
	LastError         string     `json:"last_error,omitempty"`
}

func newSession(accountID, userID string, now time.Time) *Session {
	return &Session{
		accountID:    accountID,
		userID:       userID,
		createdAt:    now,
		state:        StateAbsent,
		lastActivity: now,
		changed:      make(chan struct{}),
		lost:         closedCh,
	}
}

func (s *Session) AccountID() string { return s.accountID }
func (s *Session) UserID() string    { return s.userID }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) Transport() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// Challenge returns the pending authentication challenge, if any.
func (s *Session) Challenge() (string, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAwaitingAuth || s.challenge == "" {
		return "", time.Time{}, false
	}
	return s.challenge, s.challengeAt, true
}

// Lost is closed as soon as the session stops being ready. Called while
// not ready it returns an already closed channel.
func (s *Session) Lost() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lost
}

// WaitReady blocks until the session is ready, reaches a dead state, or
// ctx ends.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.RLock()
		st, ch, reason := s.state, s.changed, s.lastError
		s.mu.RUnlock()

		switch st {
		case StateReady:
			return nil
		case StateFailed, StateDisconnected:
			if reason == "" {
				reason = string(st)
			}
			return fmt.Errorf("%w: %s", ErrNotReady, reason)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		AccountID:    s.accountID,
		UserID:       s.userID,
		State:        s.state,
		Phone:        s.identity.Phone,
		DisplayName:  s.identity.DisplayName,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		LastError:    s.lastError,
	}
	if s.state == StateAwaitingAuth && s.challenge != "" {
		at := s.challengeAt
		info.Challenge = s.challenge
		info.ChallengeIssuedAt = &at
	}
	return info
}

func (s *Session) setTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// setState applies a transition if the state machine allows it. mutate
// runs under the lock before waiters are woken.
func (s *Session) setState(next State, now time.Time, mutate func(*Session)) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if !prev.CanTransition(next) {
		return prev, false
	}
	if mutate != nil {
		mutate(s)
	}
	s.state = next
	s.lastActivity = now

	if prev == StateReady && next != StateReady {
		close(s.lost)
		s.lost = closedCh
	}
	if next == StateReady && prev != StateReady {
		s.lost = make(chan struct{})
	}
	close(s.changed)
	s.changed = make(chan struct{})
	return prev, true
}
