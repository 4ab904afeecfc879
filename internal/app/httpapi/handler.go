// Package httpapi exposes the reward layer over REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	app "github.com/FitChain-Labs/reward_layer/internal/app"
	"github.com/FitChain-Labs/reward_layer/internal/app/domain/session"
	"github.com/FitChain-Labs/reward_layer/internal/app/services/daemonpool"
	"github.com/FitChain-Labs/reward_layer/internal/app/services/mining"
	"github.com/FitChain-Labs/reward_layer/internal/app/services/sessions"
	"github.com/FitChain-Labs/reward_layer/internal/app/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/sessions", h.startSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", h.getSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/steps", h.recordSteps).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/end", h.endSession).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/balance", h.balance).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/transactions", h.transactions).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/daemon", h.daemonStatus).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/daemon", h.allocateDaemon).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/daemon", h.releaseDaemon).Methods(http.MethodDelete)
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) startSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := h.app.Sessions.Start(r.Context(), payload.UserID)
	if err != nil {
		var conflict *sessions.ConflictError
		if errors.As(err, &conflict) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":      conflict.Error(),
				"session_id": conflict.SessionID,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"start_time": sess.StartTime,
	})
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.app.Sessions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handler) recordSteps(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Batch []session.MotionSample `json:"batch"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := h.app.Sessions.RecordSteps(r.Context(), mux.Vars(r)["id"], payload.Batch)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  sess.ID,
		"total_steps": sess.TotalSteps,
		"samples":     len(sess.Samples),
	})
}

func (h *handler) endSession(w http.ResponseWriter, r *http.Request) {
	summary, err := h.app.Sessions.End(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	agg, err := h.app.Ledger.Balance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (h *handler) transactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.app.Ledger.Transactions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *handler) daemonStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Pool.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) allocateDaemon(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Pool.Allocate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) releaseDaemon(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Pool.Release(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	var execErr *mining.ExecutionError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, daemonpool.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.As(err, &execErr):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
