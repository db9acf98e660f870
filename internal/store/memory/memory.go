// Package memory keeps campaigns, account status and usage counters in
// process memory. It backs the worker when no database is configured.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/whatsapp-automation/dispatcher/internal/campaign"
	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/session"
)

var ErrExists = errors.New("campaign already exists")

type Store struct {
	mu        sync.Mutex
	campaigns map[string]*campaign.Campaign
	cancelled map[string]bool
	accounts  map[string]session.AccountStatus
	usage     map[string]int64
	saves     int
	failSaves int
	now       func() time.Time
}

func New() *Store {
	return &Store{
		campaigns: make(map[string]*campaign.Campaign),
		cancelled: make(map[string]bool),
		accounts:  make(map[string]session.AccountStatus),
		usage:     make(map[string]int64),
		now:       time.Now,
	}
}

// CreateCampaign stores a new campaign with every message pending.
func (s *Store) CreateCampaign(_ context.Context, c *campaign.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, c.ID)
	}
	cp := c.Clone()
	if cp.Status == "" {
		cp.Status = campaign.StatusPending
	}
	for i := range cp.Messages {
		if cp.Messages[i].Status == "" {
			cp.Messages[i].Status = campaign.MessagePending
		}
	}
	cp.Recount()
	cp.UpdatedAt = s.now()
	s.campaigns[cp.ID] = cp
	return nil
}

func (s *Store) LoadCampaign(_ context.Context, id string) (*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	out := c.Clone()
	out.CancelRequested = s.cancelled[id]
	return out, nil
}

func (s *Store) SaveCampaign(_ context.Context, c *campaign.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("memory store: injected save failure")
	}

	cp := c.Clone()
	if prev, ok := s.campaigns[c.ID]; ok {
		byPos := make(map[int]campaign.Message, len(prev.Messages))
		for _, m := range prev.Messages {
			byPos[m.Position] = m
		}
		for i := range cp.Messages {
			if stored, ok := byPos[cp.Messages[i].Position]; ok {
				campaign.MergeAcks(stored, &cp.Messages[i])
			}
		}
	}
	cp.CancelRequested = false
	cp.Recount()
	s.campaigns[cp.ID] = cp
	return nil
}

func (s *Store) ListCampaignIDs(_ context.Context, status campaign.Status) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, c := range s.campaigns {
		if c.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	s.cancelled[id] = true
	return nil
}

func (s *Store) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[id], nil
}

func (s *Store) ApplyAck(_ context.Context, accountID, providerID string, st domain.AckStatus, at time.Time) (campaign.AckUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.campaigns {
		if c.AccountID != accountID {
			continue
		}
		m, ok := c.MessageByProviderID(providerID)
		if !ok {
			continue
		}
		changed := campaign.AdvanceAck(m, st, at)
		if changed {
			c.Recount()
			c.UpdatedAt = s.now()
		}
		return campaign.AckUpdate{CampaignID: c.ID, UserID: c.UserID, Message: *m, Changed: changed}, nil
	}
	return campaign.AckUpdate{}, campaign.ErrNotFound
}

func (s *Store) IncrementUsage(_ context.Context, userID, counter string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[userID+"/"+counter] += delta
	return nil
}

func (s *Store) SaveAccountStatus(_ context.Context, st session.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[st.AccountID] = st
	return nil
}

func (s *Store) ListAccounts(_ context.Context, state session.State) ([]session.AccountStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []session.AccountStatus
	for _, a := range s.accounts {
		if state == "" || a.State == state {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

// Usage reads a counter.
func (s *Store) Usage(userID, counter string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[userID+"/"+counter]
}

// Saves counts SaveCampaign calls, failed ones included.
func (s *Store) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// FailNextSaves makes the next n SaveCampaign calls fail.
func (s *Store) FailNextSaves(n int) {
	s.mu.Lock()
	s.failSaves = n
	s.mu.Unlock()
}
