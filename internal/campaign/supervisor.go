package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var errShutdown = errors.New("worker shutting down")

type job struct {
	campaignID string
	accountID  string
	cancel     context.CancelCauseFunc
	done       chan struct{}
}

// Supervisor owns the goroutines running campaigns. At most one campaign
// runs per account.
type Supervisor struct {
	d     *Dispatcher
	store Store
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	byAccount  map[string]*job
	byCampaign map[string]*job
}

func NewSupervisor(d *Dispatcher, store Store, log zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Supervisor{
		d:          d,
		store:      store,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		byAccount:  make(map[string]*job),
		byCampaign: make(map[string]*job),
	}
}

// Submit starts campaign id in the background. It fails with
// ErrAccountBusy when the campaign's account is already running one.
func (s *Supervisor) Submit(ctx context.Context, id string) error {
	c, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		return err
	}
	if !c.Status.CanTransition(StatusRunning) {
		return fmt.Errorf("%w: %s", ErrTerminal, c.Status)
	}
	if s.ctx.Err() != nil {
		return errShutdown
	}

	s.mu.Lock()
	if busy, ok := s.byAccount[c.AccountID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is running %s", ErrAccountBusy, c.AccountID, busy.campaignID)
	}
	runCtx, cancel := context.WithCancelCause(s.ctx)
	j := &job{campaignID: c.ID, accountID: c.AccountID, cancel: cancel, done: make(chan struct{})}
	s.byAccount[c.AccountID] = j
	s.byCampaign[c.ID] = j
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(runCtx, j)
	return nil
}

func (s *Supervisor) run(ctx context.Context, j *job) {
	log := s.log.With().Str("campaign", j.campaignID).Str("account", j.accountID).Logger()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("campaign run panicked")
			s.failAfterPanic(j, rec)
		}
		j.cancel(nil)
		s.mu.Lock()
		delete(s.byAccount, j.accountID)
		delete(s.byCampaign, j.campaignID)
		s.mu.Unlock()
		close(j.done)
		s.wg.Done()
	}()

	c, err := s.d.Run(ctx, j.campaignID)
	switch {
	case err != nil && !errors.Is(err, errShutdown):
		log.Error().Err(err).Msg("campaign run error")
	case c != nil:
		log.Info().Str("status", string(c.Status)).Msg("campaign run returned")
	}
}

func (s *Supervisor) failAfterPanic(j *job, rec any) {
	ctx := context.WithoutCancel(s.ctx)
	c, err := s.store.LoadCampaign(ctx, j.campaignID)
	if err != nil || c.Status.Terminal() {
		return
	}
	c.Status = StatusFailed
	c.FailureReason = fmt.Sprintf("internal error: %v", rec)
	if err := s.store.SaveCampaign(ctx, c); err != nil {
		s.log.Error().Err(err).Str("campaign", j.campaignID).Msg("failed to mark panicked run failed")
	}
}

// Cancel stops a running campaign or cancels one that has not started.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	j, running := s.byCampaign[id]
	s.mu.Unlock()
	if running {
		if err := s.store.RequestCancel(ctx, id); err != nil {
			return err
		}
		j.cancel(ErrCancelled)
		return nil
	}

	c, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		return err
	}
	// pending, or running with no live run in this process
	if !c.Status.CanTransition(StatusCancelled) {
		return fmt.Errorf("%w: %s", ErrTerminal, c.Status)
	}
	if err := s.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	c.Status = StatusCancelled
	c.FailureReason = ErrCancelled.Error()
	now := s.d.now()
	c.CompletedAt = &now
	return s.store.SaveCampaign(ctx, c)
}

// RetryFailed resets the failed messages of a partial or failed campaign
// to pending and runs it again.
func (s *Supervisor) RetryFailed(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	_, running := s.byCampaign[id]
	s.mu.Unlock()
	if running {
		return 0, fmt.Errorf("%w: campaign %s is running", ErrAccountBusy, id)
	}

	c, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Status != StatusPartial && c.Status != StatusFailed {
		return 0, fmt.Errorf("%w: %s", ErrTerminal, c.Status)
	}

	reset := 0
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.Status != MessageFailed {
			continue
		}
		m.Status = MessagePending
		m.FailureCode, m.FailureReason = "", ""
		reset++
	}
	c.Recount()
	if err := s.store.SaveCampaign(ctx, c); err != nil {
		return 0, err
	}
	return reset, s.Submit(ctx, id)
}

// Resume restarts campaigns left running by a previous process.
func (s *Supervisor) Resume(ctx context.Context) (int, error) {
	ids, err := s.store.ListCampaignIDs(ctx, StatusRunning)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, id := range ids {
		if err := s.Submit(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("campaign", id).Msg("resume failed")
			continue
		}
		started++
	}
	return started, nil
}

// Done returns a channel closed when the campaign's current run ends, or
// nil if it is not running.
func (s *Supervisor) Done(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.byCampaign[id]; ok {
		return j.done
	}
	return nil
}

func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byCampaign)
}

// Shutdown interrupts every run, leaving them resumable, and waits for
// them to save progress or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel(errShutdown)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
