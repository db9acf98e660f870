package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/dispatcher/internal/campaign"
	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/events"
	"github.com/whatsapp-automation/dispatcher/internal/sender"
	"github.com/whatsapp-automation/dispatcher/internal/session"
)

// Sessions is the registry surface the API exposes.
type Sessions interface {
	Connect(ctx context.Context, accountID, userID string) (session.Info, error)
	Disconnect(ctx context.Context, accountID string) error
	Get(accountID string) (*session.Session, bool)
	Challenge(accountID string) (string, time.Time, bool)
	List() []session.Info
}

// Runner controls campaign runs.
type Runner interface {
	Submit(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	RetryFailed(ctx context.Context, id string) (int, error)
	Running() int
}

type Campaigns interface {
	LoadCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
}

// Snapshots returns the live copy of a running campaign.
type Snapshots interface {
	Snapshot(id string) (*campaign.Campaign, bool)
}

type MessageSender interface {
	Send(ctx context.Context, accountID, recipient string, content domain.Content, p sender.Pacing) sender.Result
}

type Subscriber interface {
	Subscribe(userID string) (<-chan events.Event, func())
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the server. Store and Gatherer are optional.
type Deps struct {
	WorkerID  string
	Sessions  Sessions
	Runner    Runner
	Campaigns Campaigns
	Snapshots Snapshots
	Sender    MessageSender
	Events    Subscriber
	Store     Pinger
	Gatherer  prometheus.Gatherer
	Pacing    sender.Pacing

	SendTimeout    time.Duration
	ConnectTimeout time.Duration
	SSEHeartbeat   time.Duration
}

type Server struct {
	Deps
	log zerolog.Logger
}

func NewServer(d Deps, log zerolog.Logger) *Server {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.SendTimeout <= 0 {
		d.SendTimeout = 60 * time.Second
	}
	if d.ConnectTimeout <= 0 {
		d.ConnectTimeout = 30 * time.Second
	}
	if d.SSEHeartbeat <= 0 {
		d.SSEHeartbeat = 15 * time.Second
	}
	return &Server{Deps: d, log: log}
}

// Routes builds the router with request id, logging and metrics
// middleware.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.observe)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/accounts", s.handleAccounts).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{account}", s.handleAccount).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{account}/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{account}/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{account}/challenge", s.handleChallenge).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{account}/challenge.png", s.handleChallengePNG).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{account}/send", s.handleSend).Methods(http.MethodPost)

	r.HandleFunc("/campaigns/{campaign}", s.handleCampaign).Methods(http.MethodGet)
	r.HandleFunc("/campaigns/{campaign}/run", s.handleRun).Methods(http.MethodPost)
	r.HandleFunc("/campaigns/{campaign}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/campaigns/{campaign}/retry-failed", s.handleRetryFailed).Methods(http.MethodPost)

	r.HandleFunc("/users/{user}/events", s.handleEvents).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error   bool   `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: true, Code: code, Message: message})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, campaign.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, campaign.ErrAccountBusy):
		return http.StatusConflict, "ACCOUNT_BUSY"
	case errors.Is(err, campaign.ErrTerminal):
		return http.StatusConflict, "TERMINAL_STATE"
	case errors.Is(err, session.ErrNotReady):
		return http.StatusConflict, string(sender.CodeSessionNotReady)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, err.Error())
}
