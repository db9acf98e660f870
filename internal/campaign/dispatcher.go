package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/whatsapp-automation/dispatcher/internal/antiban"
	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/events"
	"github.com/whatsapp-automation/dispatcher/internal/observability"
	"github.com/whatsapp-automation/dispatcher/internal/sender"
	"github.com/whatsapp-automation/dispatcher/internal/session"
	"github.com/whatsapp-automation/dispatcher/internal/telemetry"
)

var errSessionLost = errors.New("session lost")

// Sessions is the part of the session registry a run needs.
type Sessions interface {
	AwaitReady(ctx context.Context, accountID, userID string) (*session.Session, error)
	Live(accountID string) (*session.Session, error)
}

// MessageSender dispatches a single message.
type MessageSender interface {
	Send(ctx context.Context, accountID, recipient string, content domain.Content, p sender.Pacing) sender.Result
}

// Defaults fill settings a campaign leaves at zero, plus worker-wide knobs.
type Defaults struct {
	Settings
	MinDelay         time.Duration
	MaxDelay         time.Duration
	MaxFlushFailures int
}

type run struct {
	mu sync.Mutex
	c  *Campaign
}

// Dispatcher drains one campaign's pending messages in paced batches.
type Dispatcher struct {
	store      Store
	sessions   Sessions
	sender     MessageSender
	policy     *antiban.Policy
	events     events.Publisher
	classifier sender.Classifier
	defaults   Defaults
	log        zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	tracked map[string]*run
}

func NewDispatcher(store Store, sessions Sessions, s MessageSender, policy *antiban.Policy,
	pub events.Publisher, classifier sender.Classifier, defaults Defaults, log zerolog.Logger) *Dispatcher {
	if pub == nil {
		pub = events.Discard
	}
	if defaults.BatchSize <= 0 {
		defaults.BatchSize = 10
	}
	if defaults.MaxFlushFailures <= 0 {
		defaults.MaxFlushFailures = 3
	}
	return &Dispatcher{
		store:      store,
		sessions:   sessions,
		sender:     s,
		policy:     policy,
		events:     pub,
		classifier: classifier,
		defaults:   defaults,
		log:        log,
		now:        time.Now,
		sleep:      sleepCtx,
		tracked:    make(map[string]*run),
	}
}

// Run executes campaign id until every pending message is handled or the
// run is stopped. A failed or cancelled outcome is reported through the
// campaign status, not the returned error; the error is reserved for runs
// that could not be started or whose final state could not be saved.
func (d *Dispatcher) Run(ctx context.Context, id string) (*Campaign, error) {
	c, err := d.store.LoadCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransition(StatusRunning) {
		return c, fmt.Errorf("%w: %s", ErrTerminal, c.Status)
	}

	ctx, span := telemetry.Tracer("campaign").Start(ctx, "campaign.Run")
	span.SetAttributes(attribute.String("campaign", c.ID), attribute.String("account", c.AccountID))
	defer span.End()

	runID := uuid.NewString()
	span.SetAttributes(attribute.String("run", runID))
	log := d.log.With().Str("campaign", c.ID).Str("account", c.AccountID).Str("user", c.UserID).Str("run", runID).Logger()
	r := d.track(c)
	defer d.untrack(c.ID)

	settings := d.effective(c.Settings)
	before := counts(c)

	now := d.now()
	r.mu.Lock()
	c.Status = StatusRunning
	c.StartedAt = &now
	c.CompletedAt = nil
	c.FailureReason = ""
	r.mu.Unlock()
	if err := d.save(ctx, r); err != nil {
		return r.snapshot(), fmt.Errorf("mark running: %w", err)
	}

	defer func() {
		after := counts(r.snapshot())
		d.addUsage(context.WithoutCancel(ctx), c.UserID, after.sent-before.sent, after.failed-before.failed, log)
	}()

	if cancelled, _ := d.store.CancelRequested(ctx, c.ID); cancelled {
		return d.finish(ctx, r, StatusCancelled, ErrCancelled.Error(), log)
	}

	sess, err := d.sessions.AwaitReady(ctx, c.AccountID, c.UserID)
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(context.Cause(ctx), ErrCancelled) {
				return d.finish(ctx, r, StatusCancelled, ErrCancelled.Error(), log)
			}
			return d.interrupted(ctx, r, context.Cause(ctx), log)
		}
		return d.finish(ctx, r, StatusFailed, "session not ready: "+err.Error(), log)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-sess.Lost():
			cancel(errSessionLost)
		case <-runCtx.Done():
		}
	}()

	pending := c.PendingIndexes()
	batches := partition(pending, settings.BatchSize)
	pacing := sender.Pacing{HumanTyping: settings.HumanTyping, MinDelay: d.defaults.MinDelay, MaxDelay: d.defaults.MaxDelay}
	log.Info().Int("pending", len(pending)).Int("batches", len(batches)).Msg("campaign run started")

	flushFailures := 0
	for bi, batch := range batches {
		for mi, idx := range batch {
			if stop, reason := d.checkpoint(runCtx, c); stop != "" {
				if stop == StatusRunning {
					return d.interrupted(ctx, r, context.Cause(runCtx), log)
				}
				return d.finish(ctx, r, stop, reason, log)
			}

			r.mu.Lock()
			msg := c.Messages[idx]
			r.mu.Unlock()

			content := msg.Content
			if settings.VaryContent && content.Body() != "" {
				content = content.WithBody(d.policy.Vary(content.Body()))
			}

			res := d.sender.Send(runCtx, c.AccountID, msg.Recipient, content, pacing)
			switch {
			case res.Success:
				at := res.Timestamp
				r.mu.Lock()
				m := &c.Messages[idx]
				m.Status = MessageSent
				m.ProviderMessageID = res.ProviderMessageID
				m.SentAt = &at
				m.FailureCode, m.FailureReason = "", ""
				c.Recount()
				r.mu.Unlock()

			case runCtx.Err() != nil:
				if errors.Is(context.Cause(runCtx), errSessionLost) {
					return d.finish(ctx, r, StatusFailed, errSessionLost.Error(), log)
				}
				if errors.Is(context.Cause(runCtx), ErrCancelled) {
					return d.finish(ctx, r, StatusCancelled, ErrCancelled.Error(), log)
				}
				return d.interrupted(ctx, r, context.Cause(runCtx), log)

			case d.classifier.IsSessionLevel(res.Err):
				// the message was never attempted on a working session; keep it pending
				return d.finish(ctx, r, StatusFailed, "session lost: "+res.Err.Error(), log)

			default:
				code := res.Code()
				if code == "" {
					code = sender.CodeProviderError
				}
				r.mu.Lock()
				m := &c.Messages[idx]
				m.Status = MessageFailed
				m.FailureCode = string(code)
				m.FailureReason = res.Err.Error()
				c.Recount()
				r.mu.Unlock()
				log.Warn().Int("position", msg.Position).Str("code", string(code)).Err(res.Err).Msg("message failed")
			}

			d.progress(ctx, r, idx)

			if mi < len(batch)-1 {
				// an interrupted wait is picked up by the next checkpoint
				_ = d.sleep(runCtx, d.policy.MessageDelay(settings.MessageDelay, settings.MessageJitter))
			}
		}

		if err := d.save(ctx, r); err != nil {
			flushFailures++
			log.Error().Err(err).Int("consecutive", flushFailures).Msg("failed to persist batch progress")
			if flushFailures > d.defaults.MaxFlushFailures {
				return d.finish(ctx, r, StatusFailed, "persistence failed: "+err.Error(), log)
			}
		} else {
			flushFailures = 0
		}

		if bi < len(batches)-1 {
			_ = d.sleep(runCtx, d.policy.BatchCooldown(settings.BatchCooldown))
		}
	}

	// cancellation or loss during the final wait still counts
	if runCtx.Err() != nil {
		if stop, reason := d.checkpoint(runCtx, c); stop != "" && stop != StatusRunning {
			return d.finish(ctx, r, stop, reason, log)
		}
	}

	final := StatusCompleted
	r.mu.Lock()
	if c.Failed > 0 {
		final = StatusPartial
	}
	r.mu.Unlock()
	return d.finish(ctx, r, final, "", log)
}

// checkpoint decides whether the run may send its next message. It
// returns the status to stop with, StatusRunning for a shutdown that
// should leave the campaign resumable, or "" to go on.
func (d *Dispatcher) checkpoint(runCtx context.Context, c *Campaign) (Status, string) {
	if runCtx.Err() != nil {
		cause := context.Cause(runCtx)
		switch {
		case errors.Is(cause, ErrCancelled):
			return StatusCancelled, ErrCancelled.Error()
		case errors.Is(cause, errSessionLost):
			return StatusFailed, errSessionLost.Error()
		default:
			return StatusRunning, ""
		}
	}
	cancelled, err := d.store.CancelRequested(runCtx, c.ID)
	if err != nil {
		d.log.Warn().Err(err).Str("campaign", c.ID).Msg("cancel flag unavailable")
	} else if cancelled {
		return StatusCancelled, ErrCancelled.Error()
	}
	if _, err := d.sessions.Live(c.AccountID); err != nil {
		return StatusFailed, "session lost: " + err.Error()
	}
	return "", ""
}

// finish moves the run to a terminal status, saves it and announces it.
func (d *Dispatcher) finish(ctx context.Context, r *run, st Status, reason string, log zerolog.Logger) (*Campaign, error) {
	now := d.now()
	r.mu.Lock()
	c := r.c
	c.Status = st
	c.FailureReason = reason
	c.CompletedAt = &now
	c.Recount()
	r.mu.Unlock()

	observability.CampaignRuns.WithLabelValues(string(st)).Inc()
	ev := log.Info()
	if st == StatusFailed {
		ev = log.Warn()
	}
	ev.Str("status", string(st)).Str("reason", reason).Int("sent", c.Sent).Int("failed", c.Failed).Msg("campaign run finished")

	err := d.saveWithRetry(context.WithoutCancel(ctx), r)
	snap := r.snapshot()
	d.events.Publish(context.WithoutCancel(ctx), events.New(snap.UserID, events.CampaignCompleted, payload(snap, nil)))
	if err != nil {
		return snap, fmt.Errorf("save final state: %w", err)
	}
	return snap, nil
}

// interrupted saves progress but leaves the campaign running so Resume
// picks it up again.
func (d *Dispatcher) interrupted(ctx context.Context, r *run, cause error, log zerolog.Logger) (*Campaign, error) {
	log.Warn().AnErr("cause", cause).Msg("campaign run interrupted, left resumable")
	err := d.saveWithRetry(context.WithoutCancel(ctx), r)
	if err != nil {
		return r.snapshot(), fmt.Errorf("save interrupted run: %w", err)
	}
	return r.snapshot(), cause
}

func (d *Dispatcher) save(ctx context.Context, r *run) error {
	snap := r.snapshotTouched(d.now())
	return d.store.SaveCampaign(ctx, snap)
}

func (d *Dispatcher) saveWithRetry(ctx context.Context, r *run) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.save(ctx, r)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	return err
}

func (d *Dispatcher) progress(ctx context.Context, r *run, idx int) {
	snap := r.snapshot()
	m := snap.Messages[idx]
	d.events.Publish(ctx, events.New(snap.UserID, events.CampaignProgress, payload(snap, &m)))
}

func (d *Dispatcher) addUsage(ctx context.Context, userID string, sent, failed int, log zerolog.Logger) {
	for counter, delta := range map[string]int{UsageMessagesSent: sent, UsageMessagesFailed: failed} {
		if delta <= 0 {
			continue
		}
		if err := d.store.IncrementUsage(ctx, userID, counter, int64(delta)); err != nil {
			log.Error().Err(err).Str("counter", counter).Msg("failed to increment usage")
		}
	}
}

func (d *Dispatcher) effective(s Settings) Settings {
	if s.BatchSize <= 0 {
		s.BatchSize = d.defaults.BatchSize
	}
	if s.MessageDelay <= 0 {
		s.MessageDelay = d.defaults.MessageDelay
	}
	if s.MessageJitter <= 0 {
		s.MessageJitter = d.defaults.MessageJitter
	}
	return s
}

func (d *Dispatcher) track(c *Campaign) *run {
	r := &run{c: c}
	d.mu.Lock()
	d.tracked[c.ID] = r
	d.mu.Unlock()
	return r
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	delete(d.tracked, id)
	d.mu.Unlock()
}

// Snapshot returns the in-memory state of a running campaign.
func (d *Dispatcher) Snapshot(id string) (*Campaign, bool) {
	d.mu.Lock()
	r, ok := d.tracked[id]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.snapshot(), true
}

// mirrorAck applies an acknowledgment to a tracked run of accountID.
func (d *Dispatcher) mirrorAck(accountID, providerID string, st domain.AckStatus, at time.Time) (AckUpdate, bool) {
	d.mu.Lock()
	var runs []*run
	for _, r := range d.tracked {
		runs = append(runs, r)
	}
	d.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		if r.c.AccountID != accountID {
			r.mu.Unlock()
			continue
		}
		m, ok := r.c.MessageByProviderID(providerID)
		if !ok {
			r.mu.Unlock()
			continue
		}
		changed := AdvanceAck(m, st, at)
		if changed {
			r.c.Recount()
		}
		up := AckUpdate{CampaignID: r.c.ID, UserID: r.c.UserID, Message: *m, Changed: changed}
		r.mu.Unlock()
		return up, true
	}
	return AckUpdate{}, false
}

func (r *run) snapshot() *Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c.Clone()
}

func (r *run) snapshotTouched(now time.Time) *Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c.UpdatedAt = now
	return r.c.Clone()
}

type tally struct{ sent, failed int }

func counts(c *Campaign) tally {
	var t tally
	for _, m := range c.Messages {
		switch {
		case m.Status == MessageFailed:
			t.failed++
		case m.Status.Dispatched():
			t.sent++
		}
	}
	return t
}

func partition(idx []int, size int) [][]int {
	var out [][]int
	for len(idx) > 0 {
		n := min(size, len(idx))
		out = append(out, idx[:n])
		idx = idx[n:]
	}
	return out
}

func payload(c *Campaign, m *Message) events.CampaignPayload {
	p := events.CampaignPayload{
		CampaignID:  c.ID,
		AccountID:   c.AccountID,
		Status:      string(c.Status),
		Total:       c.Total,
		Sent:        c.Sent,
		Failed:      c.Failed,
		Delivered:   c.Delivered,
		Read:        c.Read,
		Reason:      c.FailureReason,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
	if m != nil {
		p.Message = messagePayload(*m)
	}
	return p
}

func messagePayload(m Message) *events.MessagePayload {
	return &events.MessagePayload{
		Position:          m.Position,
		Recipient:         m.Recipient,
		Status:            string(m.Status),
		ProviderMessageID: m.ProviderMessageID,
		FailureCode:       m.FailureCode,
		FailureReason:     m.FailureReason,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
