package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gorilla/mux"

	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/sender"
	"github.com/whatsapp-automation/dispatcher/internal/session"
	"github.com/whatsapp-automation/dispatcher/internal/whatsapp"
)

var (
	idPattern        = regexp.MustCompile(`^[A-Za-z0-9._:@+-]{1,128}$`)
	recipientPattern = regexp.MustCompile(`^\+?[0-9 ()\-]{6,24}$`)
)

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	byState := map[session.State]int{}
	for _, info := range s.Sessions.List() {
		byState[info.State]++
	}

	status, store := http.StatusOK, "ok"
	if s.Store != nil {
		if err := s.Store.Ping(r.Context()); err != nil {
			status, store = http.StatusServiceUnavailable, err.Error()
		}
	}
	writeJSON(w, status, map[string]any{
		"healthy":   status == http.StatusOK,
		"worker_id": s.WorkerID,
		"sessions":  byState,
		"running":   s.Runner.Running(),
		"store":     store,
	})
}

// GET /accounts
func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": s.Sessions.List()})
}

// GET /accounts/{account}
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Sessions.Get(mux.Vars(r)["account"])
	if !ok {
		s.fail(w, r, session.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

type ConnectRequest struct {
	UserID string `json:"user_id"`
}

func (c ConnectRequest) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.UserID, validation.Required, validation.Match(idPattern)),
	)
}

// POST /accounts/{account}/connect
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	var req ConnectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON: "+err.Error())
		return
	}
	if err := validation.Validate(account, validation.Match(idPattern)); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "account: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.ConnectTimeout)
	defer cancel()
	info, err := s.Sessions.Connect(ctx, account, req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if info.State == session.StateReady {
		status = http.StatusOK
	}
	writeJSON(w, status, info)
}

// POST /accounts/{account}/disconnect
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if err := s.Sessions.Disconnect(r.Context(), account); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": account, "state": session.StateDisconnected})
}

// GET /accounts/{account}/challenge
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	code, at, ok := s.Sessions.Challenge(account)
	if !ok {
		writeError(w, http.StatusNotFound, "NO_CHALLENGE", "no pending challenge for "+account)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": account, "challenge": code, "issued_at": at})
}

// GET /accounts/{account}/challenge.png
func (s *Server) handleChallengePNG(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	code, _, ok := s.Sessions.Challenge(account)
	if !ok {
		writeError(w, http.StatusNotFound, "NO_CHALLENGE", "no pending challenge for "+account)
		return
	}
	png, err := whatsapp.QRPNG(code, 256)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

type SendRequest struct {
	Recipient   string         `json:"recipient"`
	Content     domain.Content `json:"content"`
	HumanTyping *bool          `json:"human_typing,omitempty"`
}

// Validate also runs domain.Content's own checks on the content field.
func (q SendRequest) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.Recipient, validation.Required, validation.Match(recipientPattern)),
		validation.Field(&q.Content),
	)
}

// sendStatus maps a send failure code onto an HTTP status.
func sendStatus(code sender.Code) int {
	switch code {
	case sender.CodeSessionNotFound:
		return http.StatusNotFound
	case sender.CodeSessionNotReady:
		return http.StatusConflict
	case sender.CodeProviderError:
		return http.StatusBadGateway
	}
	return http.StatusUnprocessableEntity
}

// POST /accounts/{account}/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	var req SendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	pacing := s.Pacing
	if req.HumanTyping != nil {
		pacing.HumanTyping = *req.HumanTyping
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.SendTimeout)
	defer cancel()
	res := s.Sender.Send(ctx, account, req.Recipient, req.Content, pacing)
	if !res.Success {
		code := res.Code()
		if code == "" {
			code = sender.CodeProviderError
		}
		writeError(w, sendStatus(code), string(code), res.Err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"recipient":  res.Recipient,
		"message_id": res.ProviderMessageID,
		"timestamp":  res.Timestamp,
	})
}

// GET /campaigns/{campaign}
func (s *Server) handleCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["campaign"]
	if s.Snapshots != nil {
		if c, ok := s.Snapshots.Snapshot(id); ok {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}
	c, err := s.Campaigns.LoadCampaign(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// POST /campaigns/{campaign}/run
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["campaign"]
	if err := s.Runner.Submit(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "status": "accepted"})
}

// POST /campaigns/{campaign}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["campaign"]
	if err := s.Runner.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "status": "cancel_requested"})
}

// POST /campaigns/{campaign}/retry-failed
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["campaign"]
	n, err := s.Runner.RetryFailed(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "reset": n})
}
