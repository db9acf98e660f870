package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config aggregates every configuration group of the worker. Nested groups
// are read with their envPrefix.
type Config struct {
	WorkerID   string `env:"WORKER_ID" envDefault:"worker-1"`
	DeviceSeed string `env:"DEVICE_SEED"`

	HTTP      HTTP      `envPrefix:"HTTP_"`
	Log       Log       `envPrefix:"LOG_"`
	Psql      Postgres  `envPrefix:"PSQL_"`
	Session   Session   `envPrefix:"SESSION_"`
	Pacing    Pacing    `envPrefix:"PACING_"`
	Recipient Recipient `envPrefix:"RECIPIENT_"`
	Sender    Sender    `envPrefix:"SENDER_"`
	Proxy     Proxy     `envPrefix:"PROXY_"`
	Telegram  Telegram  `envPrefix:"TELEGRAM_"`
	AMQP      AMQP      `envPrefix:"AMQP_"`
	SQS       SQS       `envPrefix:"SQS_"`
	Otel      Otel      `envPrefix:"OTEL_"`
}

type HTTP struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type Log struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// ZerologLevel converts Level, falling back to info.
func (l Log) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Postgres is optional. An empty Addr selects the in-memory store.
type Postgres struct {
	Addr          *url.URL `env:"ADDRESS"`
	RunMigrations bool     `env:"RUN_MIGRATIONS" envDefault:"false"`
	MaxConns      int32    `env:"MAX_CONNS" envDefault:"10"`
}

func (p Postgres) Enabled() bool { return p.Addr != nil && p.Addr.String() != "" }

type Session struct {
	Dir               string        `env:"DIR" envDefault:"./sessions"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"60s"`
	HealthInterval    time.Duration `env:"HEALTH_INTERVAL" envDefault:"30s"`
	ReconnectMaxTries uint          `env:"RECONNECT_MAX_TRIES" envDefault:"5"`
	ReconnectInitial  time.Duration `env:"RECONNECT_INITIAL" envDefault:"5s"`
	ReconnectMax      time.Duration `env:"RECONNECT_MAX" envDefault:"2m"`
	MediaMaxBytes     int64         `env:"MEDIA_MAX_BYTES" envDefault:"16777216"`
	MediaTimeout      time.Duration `env:"MEDIA_TIMEOUT" envDefault:"30s"`
}

// Pacing holds the defaults applied to campaigns that do not carry their
// own settings.
type Pacing struct {
	BatchSize        int           `env:"BATCH_SIZE" envDefault:"10"`
	MessageDelay     time.Duration `env:"MESSAGE_DELAY" envDefault:"3s"`
	MessageJitter    time.Duration `env:"MESSAGE_JITTER" envDefault:"1s"`
	BatchCooldown    time.Duration `env:"BATCH_COOLDOWN" envDefault:"30s"`
	MinDelay         time.Duration `env:"MIN_DELAY" envDefault:"1s"`
	MaxDelay         time.Duration `env:"MAX_DELAY" envDefault:"3s"`
	HumanTyping      bool          `env:"HUMAN_TYPING" envDefault:"true"`
	VaryContent      bool          `env:"VARY_CONTENT" envDefault:"false"`
	MaxFlushFailures int           `env:"MAX_FLUSH_FAILURES" envDefault:"3"`
}

type Recipient struct {
	DefaultCountryCode string `env:"DEFAULT_COUNTRY_CODE"`
	LocalLength        int    `env:"LOCAL_LENGTH" envDefault:"10"`
	MinLength          int    `env:"MIN_LENGTH" envDefault:"10"`
}

// Sender tunes per-account rate limiting and the provider circuit breaker.
type Sender struct {
	RatePerMinute      float64       `env:"RATE_PER_MINUTE" envDefault:"20"`
	Burst              int           `env:"BURST" envDefault:"1"`
	BreakerFailures    uint32        `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerOpenFor     time.Duration `env:"BREAKER_OPEN_FOR" envDefault:"1m"`
	SessionErrorTokens []string      `env:"SESSION_ERROR_PATTERNS" envSeparator:"," envDefault:"not logged in,websocket not connected,stream replaced"`
	AbortOnBreakerOpen bool          `env:"ABORT_ON_BREAKER_OPEN" envDefault:"true"`
	SkipNetworkProbe   bool          `env:"SKIP_NETWORK_PROBE" envDefault:"false"`
}

type Proxy struct {
	Country string `env:"COUNTRY" envDefault:"US"`
	List    string `env:"LIST"`
	Type    string `env:"TYPE" envDefault:"socks5"`
	Host    string `env:"HOST"`
	Port    string `env:"PORT"`
	User    string `env:"USER"`
	Pass    string `env:"PASS"`
}

type Telegram struct {
	BotToken string `env:"BOT_TOKEN"`
	ChatID   string `env:"CHAT_ID"`
}

func (t Telegram) Enabled() bool { return t.BotToken != "" && t.ChatID != "" }

type AMQP struct {
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"wa.events"`
	Buffer   int    `env:"BUFFER" envDefault:"1024"`
}

type SQS struct {
	QueueURL     string        `env:"QUEUE_URL"`
	Region       string        `env:"REGION" envDefault:"us-east-1"`
	Endpoint     string        `env:"ENDPOINT"`
	WaitTime     time.Duration `env:"WAIT_TIME" envDefault:"20s"`
	MaxMessages  int32         `env:"MAX_MESSAGES" envDefault:"5"`
	VisibilityTO time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"60s"`
}

type Otel struct {
	Endpoint    string `env:"EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"wa-dispatcher"`
}

// Load reads an optional .env file and then the process environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Pacing.BatchSize <= 0 {
		return fmt.Errorf("PACING_BATCH_SIZE must be positive, got %d", c.Pacing.BatchSize)
	}
	if c.Pacing.MaxDelay < c.Pacing.MinDelay {
		return fmt.Errorf("PACING_MAX_DELAY (%s) is below PACING_MIN_DELAY (%s)", c.Pacing.MaxDelay, c.Pacing.MinDelay)
	}
	if c.Sender.RatePerMinute <= 0 {
		return errors.New("SENDER_RATE_PER_MINUTE must be positive")
	}
	return nil
}
