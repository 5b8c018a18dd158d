package agent

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

const maxEventBodyBytes = 1 << 20

// Envelope is the wire form of one event received from the dispatcher.
type Envelope struct {
	EventID        string          `json:"event_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
}

// Response is the reply to POST /v1/events.
type Response struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	Message   string `json:"message"`
}

// Handler returns the agent's HTTP surface.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", a.requireToken(a.handleEvent))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (a *Agent) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("x-agent-token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.Token)) != 1 {
			writeResponse(w, http.StatusUnauthorized, Response{Message: "invalid agent token"})
			return
		}
		next(w, r)
	}
}

func (a *Agent) handleEvent(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeResponse(w, http.StatusBadRequest, Response{Message: "decode envelope: " + err.Error()})
		return
	}
	if env.EventID == "" || env.EventType == "" {
		writeResponse(w, http.StatusBadRequest, Response{Message: "event_id and event_type are required"})
		return
	}

	ctx := r.Context()
	if prior, seen, err := a.ledger.Lookup(ctx, env.EventID); err != nil {
		a.logger.Error("ledger lookup failed", "event", env.EventID, "error", err)
		writeResponse(w, http.StatusInternalServerError, Response{Message: "ledger unavailable"})
		return
	} else if seen {
		writeResponse(w, http.StatusOK, Response{Accepted: true, Duplicate: true, Message: prior.Result})
		return
	}

	message, err := a.handle(ctx, env.EventType, env.Payload)
	if err != nil {
		status := http.StatusInternalServerError
		var he *handlerError
		if errors.As(err, &he) {
			status = http.StatusBadRequest
		}
		a.logger.Warn("event rejected",
			"event", env.EventID, "type", env.EventType, "status", status, "error", err)
		writeResponse(w, status, Response{Message: err.Error()})
		return
	}

	// The handler's writes and this ledger entry are not atomic: a crash
	// between them replays the event on the next delivery. Handlers must
	// stay idempotent and op_ts-guarded so a replay converges to the same
	// state.
	if err := a.ledger.Record(ctx, ProcessedEvent{
		EventID:        env.EventID,
		IdempotencyKey: env.IdempotencyKey,
		EventType:      env.EventType,
		Result:         message,
		ProcessedAtNs:  time.Now().UnixNano(),
	}); err != nil {
		a.logger.Error("ledger record failed", "event", env.EventID, "error", err)
		writeResponse(w, http.StatusInternalServerError, Response{Message: "ledger unavailable"})
		return
	}

	a.logger.Info("event applied", "event", env.EventID, "type", env.EventType, "result", message)
	writeResponse(w, http.StatusOK, Response{Accepted: true, Message: message})
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
