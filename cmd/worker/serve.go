package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/dispatcher/internal/antiban"
	"github.com/whatsapp-automation/dispatcher/internal/api"
	"github.com/whatsapp-automation/dispatcher/internal/campaign"
	"github.com/whatsapp-automation/dispatcher/internal/config"
	"github.com/whatsapp-automation/dispatcher/internal/db"
	"github.com/whatsapp-automation/dispatcher/internal/events"
	"github.com/whatsapp-automation/dispatcher/internal/logging"
	"github.com/whatsapp-automation/dispatcher/internal/observability"
	sqsqueue "github.com/whatsapp-automation/dispatcher/internal/queue/sqs"
	"github.com/whatsapp-automation/dispatcher/internal/sender"
	"github.com/whatsapp-automation/dispatcher/internal/session"
	"github.com/whatsapp-automation/dispatcher/internal/store/memory"
	"github.com/whatsapp-automation/dispatcher/internal/store/pg"
	"github.com/whatsapp-automation/dispatcher/internal/telegram"
	"github.com/whatsapp-automation/dispatcher/internal/telemetry"
	"github.com/whatsapp-automation/dispatcher/internal/whatsapp"
)

type store interface {
	campaign.Store
	session.AccountStore
	Ping(ctx context.Context) error
}

// openStore picks Postgres when configured and memory otherwise. The
// returned func releases the pool.
func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store, func(), error) {
	if !cfg.Psql.Enabled() {
		log.Warn().Msg("PSQL_ADDRESS not set, campaigns and accounts live in memory only")
		return memory.New(), func() {}, nil
	}
	if cfg.Psql.RunMigrations {
		if err := db.Migrate(cfg.Psql.Addr.String()); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	pool, err := db.NewPostgresPool(ctx, cfg.Psql)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	return pg.New(pool), pool.Close, nil
}

func serve(parent context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log, cfg.WorkerID)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Otel.Endpoint, cfg.Otel.ServiceName)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	observability.Register(prometheus.DefaultRegisterer)

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// event sinks
	hub := events.NewHub(64, logging.Component(log, "hub"))
	fanout := events.Fanout{hub}
	var broker *events.AMQPPublisher
	if cfg.AMQP.URL != "" {
		broker = events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Buffer, logging.Component(log, "amqp"))
		if err := broker.Connect(ctx); err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		go broker.Run(ctx)
		fanout = append(fanout, broker)
	}
	if cfg.Telegram.Enabled() {
		fanout = append(fanout, telegram.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.WorkerID, logging.Component(log, "telegram")))
	}

	proxies := config.NewProxyPool(cfg.Proxy)
	factory := whatsapp.NewFactory(whatsapp.Options{
		SessionsDir:   cfg.Session.Dir,
		DeviceSeed:    cfg.DeviceSeed,
		Country:       cfg.Proxy.Country,
		MediaMaxBytes: cfg.Session.MediaMaxBytes,
		MediaTimeout:  cfg.Session.MediaTimeout,
	}, proxies, logging.Component(log, "whatsapp"))

	registry := session.NewRegistry(factory, st, fanout, logging.Component(log, "registry"), session.Options{
		HandshakeTimeout:  cfg.Session.HandshakeTimeout,
		ReconnectMaxTries: cfg.Session.ReconnectMaxTries,
		ReconnectInitial:  cfg.Session.ReconnectInitial,
		ReconnectMax:      cfg.Session.ReconnectMax,
	})

	policy := antiban.NewPolicy(antiban.DefaultConfig(), nil)
	snd := sender.New(registry, policy, sender.Options{
		Recipients: sender.RecipientPolicy{
			DefaultCountryCode: cfg.Recipient.DefaultCountryCode,
			LocalLength:        cfg.Recipient.LocalLength,
			MinLength:          cfg.Recipient.MinLength,
		},
		RatePerMinute:    cfg.Sender.RatePerMinute,
		Burst:            cfg.Sender.Burst,
		BreakerFailures:  cfg.Sender.BreakerFailures,
		BreakerOpenFor:   cfg.Sender.BreakerOpenFor,
		SkipNetworkProbe: cfg.Sender.SkipNetworkProbe,
	}, logging.Component(log, "sender"))

	classifier := sender.DefaultClassifier()
	classifier.ProviderPatterns = cfg.Sender.SessionErrorTokens
	classifier.AbortOnBreakerOpen = cfg.Sender.AbortOnBreakerOpen

	pacing := sender.Pacing{HumanTyping: cfg.Pacing.HumanTyping, MinDelay: cfg.Pacing.MinDelay, MaxDelay: cfg.Pacing.MaxDelay}
	dispatcher := campaign.NewDispatcher(st, registry, snd, policy, fanout, classifier, campaign.Defaults{
		Settings: campaign.Settings{
			BatchSize:     cfg.Pacing.BatchSize,
			MessageDelay:  cfg.Pacing.MessageDelay,
			MessageJitter: cfg.Pacing.MessageJitter,
			BatchCooldown: cfg.Pacing.BatchCooldown,
			VaryContent:   cfg.Pacing.VaryContent,
			HumanTyping:   cfg.Pacing.HumanTyping,
		},
		MinDelay:         cfg.Pacing.MinDelay,
		MaxDelay:         cfg.Pacing.MaxDelay,
		MaxFlushFailures: cfg.Pacing.MaxFlushFailures,
	}, logging.Component(log, "dispatcher"))
	acks := campaign.NewAckProcessor(st, dispatcher, fanout, logging.Component(log, "acks"))
	registry.OnReceipt(acks.HandleReceipt)
	supervisor := campaign.NewSupervisor(dispatcher, st, logging.Component(log, "supervisor"))

	server := api.NewServer(api.Deps{
		WorkerID:  cfg.WorkerID,
		Sessions:  registry,
		Runner:    supervisor,
		Campaigns: st,
		Snapshots: dispatcher,
		Sender:    snd,
		Events:    hub,
		Store:     st,
		Gatherer:  prometheus.DefaultGatherer,
		Pacing:    pacing,
	}, logging.Component(log, "api"))

	// WriteTimeout stays unset so event streams are not cut off.
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Str("addr", cfg.HTTP.Addr).
		Str("country", cfg.Proxy.Country).
		Int("proxies", proxies.Count()).
		Bool("postgres", cfg.Psql.Enabled()).
		Bool("amqp", broker != nil).
		Bool("telegram", cfg.Telegram.Enabled()).
		Bool("sqs", cfg.SQS.QueueURL != "").
		Msg("worker starting")

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	go registry.Watch(ctx, cfg.Session.HealthInterval)
	go func() {
		n, err := registry.Restore(ctx)
		if err != nil {
			log.Error().Err(err).Msg("session restore failed")
		} else {
			log.Info().Int("sessions", n).Msg("sessions restored")
		}
		n, err = supervisor.Resume(ctx)
		if err != nil {
			log.Error().Err(err).Msg("campaign resume failed")
			return
		}
		log.Info().Int("campaigns", n).Msg("campaigns resumed")
	}()

	if cfg.SQS.QueueURL != "" {
		client, err := sqsqueue.NewClient(ctx, cfg.SQS)
		if err != nil {
			return fmt.Errorf("sqs: %w", err)
		}
		consumer := &sqsqueue.Consumer{
			SQS:               client,
			QueueURL:          cfg.SQS.QueueURL,
			Log:               logging.Component(log, "sqs"),
			WaitTimeSeconds:   int32(cfg.SQS.WaitTime / time.Second),
			MaxMessages:       cfg.SQS.MaxMessages,
			VisibilityTimeout: int32(cfg.SQS.VisibilityTO / time.Second),
		}
		go func() {
			if err := consumer.Poll(ctx, sqsqueue.SubmitHandler(supervisor, log)); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("sqs: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err = <-errCh:
		log.Error().Err(err).Msg("worker component failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("campaign runs did not stop in time")
	}
	registry.Close()
	if broker != nil {
		broker.Drain(5 * time.Second)
		_ = broker.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
	log.Info().Msg("worker stopped")
	return err
}

func migrateOnly(envFile string, out io.Writer) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if !cfg.Psql.Enabled() {
		return errors.New("PSQL_ADDRESS is required for migrate")
	}
	if err := db.Migrate(cfg.Psql.Addr.String()); err != nil {
		return err
	}
	fmt.Fprintln(out, "migrations applied")
	return nil
}

func enqueue(ctx context.Context, envFile, requestedBy string, ids []string, out io.Writer) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if cfg.SQS.QueueURL == "" {
		return errors.New("SQS_QUEUE_URL is required for enqueue")
	}
	client, err := sqsqueue.NewClient(ctx, cfg.SQS)
	if err != nil {
		return err
	}
	p := &sqsqueue.Producer{SQS: client, QueueURL: cfg.SQS.QueueURL}
	for _, id := range ids {
		reqID, err := p.Enqueue(ctx, id, requestedBy)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
		fmt.Fprintf(out, "%s\t%s\n", id, reqID)
	}
	return nil
}
