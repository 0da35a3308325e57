package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/p2ppsr/babbage-escrow/client"
	"github.com/p2ppsr/babbage-escrow/native/escrow"
	"github.com/p2ppsr/babbage-escrow/services/overlay/ledger"
)

// HistoryEntry is one snapshot in a contract's history.
type HistoryEntry struct {
	client.Entry
	Spent      bool      `json:"spent"`
	Producer   string    `json:"producer,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Meta)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, client.CodeBadRequest, err)
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, client.APIError{Code: client.CodeBadRequest, Message: "record too large"})
		return
	}
	rec, err := escrow.DecodeRecord(body)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, client.CodeBadRequest, err)
		return
	}
	ack, err := s.admitter.Submit(r.Context(), rec)
	if err != nil {
		s.writeAdmissionError(w, r, err)
		return
	}
	ack.RequestID = requestIDFrom(r.Context())
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	filter, err := client.ParseFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, client.CodeBadRequest, err)
		return
	}
	entries, err := s.lookup.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, client.CodeInternal, err)
		return
	}
	if entries == nil {
		entries = []client.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	id, err := escrow.ParseContractID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, client.CodeBadRequest, err)
		return
	}
	entry, err := s.admitter.Contract(id)
	if err != nil {
		s.writeAdmissionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := escrow.ParseContractID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, client.CodeBadRequest, err)
		return
	}
	snaps, err := s.admitter.History(id)
	if err != nil {
		s.writeAdmissionError(w, r, err)
		return
	}
	out := make([]HistoryEntry, 0, len(snaps))
	for _, snap := range snaps {
		entry := HistoryEntry{
			Entry:      client.Entry{Ref: snap.Ref, State: snap.State, Value: snap.Value, Bounty: snap.Bounty},
			Spent:      snap.Spent,
			RecordedAt: snap.RecordedAt,
		}
		if snap.Producer.Valid() {
			entry.Producer = snap.Producer.String()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResolvedDisputes(w http.ResponseWriter, r *http.Request) {
	filter, err := client.ParseFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, client.CodeBadRequest, err)
		return
	}
	rulings, err := s.admitter.ResolvedDisputes(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, client.CodeInternal, err)
		return
	}
	if rulings == nil {
		rulings = []client.Resolution{}
	}
	writeJSON(w, http.StatusOK, rulings)
}

// writeAdmissionError maps state machine and ledger failures onto HTTP.
func (s *Server) writeAdmissionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, escrow.ErrEncodingMismatch):
		s.writeError(w, r, http.StatusBadRequest, client.CodeEncodingMismatch, err)
	case errors.Is(err, escrow.ErrTokenAlreadySpent):
		s.writeError(w, r, http.StatusConflict, client.CodeTokenAlreadySpent, err)
	case errors.Is(err, escrow.ErrStaleState):
		s.writeError(w, r, http.StatusConflict, client.CodeStaleState, err)
	case errors.Is(err, ledger.ErrContractExists):
		s.writeError(w, r, http.StatusConflict, client.CodeContractExists, err)
	case errors.Is(err, escrow.ErrInvalidTransition):
		s.writeError(w, r, http.StatusUnprocessableEntity, client.CodeInvalidTransition, err)
	case errors.Is(err, ledger.ErrUnknownContract):
		s.writeError(w, r, http.StatusNotFound, client.CodeNotFound, err)
	default:
		s.writeError(w, r, http.StatusInternalServerError, client.CodeInternal, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	payload := client.APIError{Code: code, Message: err.Error()}
	if guard, ok := escrow.FailedGuard(err); ok {
		payload.Guard = guard
	}
	level := slog.LevelWarn
	switch {
	case code == client.CodeEncodingMismatch:
		level = slog.LevelError
	case status >= http.StatusInternalServerError:
		level = slog.LevelError
	case status == http.StatusNotFound:
		level = slog.LevelDebug
	}
	s.logger.Log(r.Context(), level, "request failed",
		"request_id", requestIDFrom(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"code", code,
		"guard", payload.Guard,
		"error", err)
	writeJSON(w, status, payload)
}
