package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/whatsapp-automation/dispatcher/internal/antiban"
	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/observability"
	"github.com/whatsapp-automation/dispatcher/internal/session"
	"github.com/whatsapp-automation/dispatcher/internal/telemetry"
)

// Sessions resolves a live, ready session for an account.
type Sessions interface {
	Live(accountID string) (*session.Session, error)
}

// Pacing shapes the human-like delays before a single send.
type Pacing struct {
	HumanTyping bool
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// Result is the outcome of one Send. Err is nil on success and a *Error
// for classified failures; a cancelled context is returned unwrapped.
type Result struct {
	Success           bool
	Recipient         string
	ProviderMessageID string
	Timestamp         time.Time
	Err               error
}

func (r Result) Code() Code { return CodeOf(r.Err) }

type Options struct {
	Recipients       RecipientPolicy
	RatePerMinute    float64
	Burst            int
	BreakerFailures  uint32
	BreakerOpenFor   time.Duration
	SkipNetworkProbe bool
}

type accountGuard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Sender delivers one message through an account's ready session.
type Sender struct {
	sessions Sessions
	policy   *antiban.Policy
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	guards map[string]*accountGuard
}

func New(sessions Sessions, policy *antiban.Policy, opts Options, log zerolog.Logger) *Sender {
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenFor <= 0 {
		opts.BreakerOpenFor = time.Minute
	}
	return &Sender{
		sessions: sessions,
		policy:   policy,
		opts:     opts,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
		guards:   make(map[string]*accountGuard),
	}
}

// Send validates, paces and dispatches one message. Pure validation runs
// before any delay so bad input fails immediately.
func (s *Sender) Send(ctx context.Context, accountID, recipient string, content domain.Content, p Pacing) Result {
	ctx, span := telemetry.Tracer("sender").Start(ctx, "sender.Send")
	span.SetAttributes(attribute.String("account", accountID), attribute.String("kind", string(content.Kind)))
	defer span.End()

	res := s.send(ctx, accountID, recipient, content, p)

	result := "ok"
	if !res.Success {
		result = "error"
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	observability.Sends.WithLabelValues(result, string(res.Code())).Inc()
	return res
}

func (s *Sender) send(ctx context.Context, accountID, recipient string, content domain.Content, p Pacing) Result {
	sess, err := s.live(accountID)
	if err != nil {
		return Result{Err: err}
	}

	if err := content.Validate(); err != nil {
		return Result{Err: contentError(err)}
	}
	to, err := s.opts.Recipients.Normalize(recipient)
	if err != nil {
		return Result{Err: err}
	}
	res := Result{Recipient: to}
	tr := sess.Transport()

	if p.HumanTyping {
		if err := tr.SetTyping(ctx, to, true); err != nil {
			s.log.Debug().Err(err).Str("account", accountID).Msg("typing indicator failed")
		}
		err := s.sleep(ctx, s.policy.TypingDelay(content.Body()))
		_ = tr.SetTyping(context.WithoutCancel(ctx), to, false)
		if err != nil {
			res.Err = err
			return res
		}
	}
	if err := s.sleep(ctx, s.policy.RandomDelay(p.MinDelay, p.MaxDelay)); err != nil {
		res.Err = err
		return res
	}

	// the session may have dropped while we were waiting
	sess, err = s.live(accountID)
	if err != nil {
		res.Err = err
		return res
	}
	tr = sess.Transport()

	g := s.guard(accountID)
	if err := g.limiter.Wait(ctx); err != nil {
		res.Err = err
		return res
	}

	if !s.opts.SkipNetworkProbe {
		ok, err := tr.IsOnNetwork(ctx, to)
		if err != nil {
			res.Err = newError(CodeProviderError, fmt.Errorf("probe recipient: %w", err))
			return res
		}
		if !ok {
			res.Err = &Error{Code: CodeRecipientNotAddressable, Detail: to + " has no account"}
			return res
		}
	}

	start := s.now()
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return tr.Send(ctx, to, content)
	})
	observability.SendLatency.Observe(s.now().Sub(start).Seconds())
	if err != nil {
		if errors.Is(err, domain.ErrMissingMedia) {
			res.Err = newError(CodeMissingMedia, err)
		} else {
			res.Err = newError(CodeProviderError, err)
		}
		return res
	}

	d := out.(session.Dispatch)
	res.Success = true
	res.ProviderMessageID = d.MessageID
	res.Timestamp = d.Timestamp
	if res.Timestamp.IsZero() {
		res.Timestamp = s.now()
	}
	return res
}

func (s *Sender) live(accountID string) (*session.Session, error) {
	sess, err := s.sessions.Live(accountID)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, session.ErrNotFound):
		return nil, newError(CodeSessionNotFound, err)
	default:
		return nil, newError(CodeSessionNotReady, err)
	}
}

func (s *Sender) guard(accountID string) *accountGuard {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.guards[accountID]; ok {
		return g
	}
	g := &accountGuard{
		limiter: rate.NewLimiter(rate.Limit(s.opts.RatePerMinute/60), s.opts.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "send:" + accountID,
			Timeout: s.opts.BreakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= s.opts.BreakerFailures
			},
			// bad attachments say nothing about provider health
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, domain.ErrMissingMedia)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
	}
	s.guards[accountID] = g
	return g
}

func contentError(err error) *Error {
	switch {
	case errors.Is(err, domain.ErrMissingMedia):
		return newError(CodeMissingMedia, err)
	default:
		return newError(CodeUnsupportedContentKind, err)
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
