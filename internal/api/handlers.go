package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/spendcoach/internal/core"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.hub != nil {
		resp["websocket_clients"] = s.hub.ClientCount()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Policy())
}

// handleIngestTransaction stores a transaction and evaluates it.
// POST /api/v1/users/{userID}/transactions
func (s *Server) handleIngestTransaction(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var tx core.Transaction
	if err := decodeJSON(r, &tx); err != nil {
		s.respondErr(w, err)
		return
	}
	if tx.UserID == "" {
		tx.UserID = userID
	}
	if tx.UserID != userID {
		s.respondError(w, http.StatusBadRequest, "transaction user_id does not match path")
		return
	}

	if err := s.transactions.AppendTransaction(r.Context(), tx); err != nil {
		s.respondErr(w, err)
		return
	}
	res, err := s.engine.ProcessTransaction(r.Context(), tx)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Profile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Reset(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetIntervention(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Intervention(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "interventionID"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

// handleRecordResponse records engaged, dismissed or ignored.
// POST /api/v1/users/{userID}/interventions/{interventionID}/response
func (s *Server) handleRecordResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Response string `json:"response"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	resp, err := core.ParseResponse(req.Response)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	res, err := s.engine.RecordResponse(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "interventionID"), resp)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetWins(w http.ResponseWriter, r *http.Request) {
	wins, err := s.engine.Wins(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if wins == nil {
		wins = []core.Win{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"wins":  wins,
		"count": len(wins),
	})
}

func (s *Server) handleCelebrateWin(w http.ResponseWriter, r *http.Request) {
	s.acknowledgeWin(w, r, false)
}

func (s *Server) handleDismissWin(w http.ResponseWriter, r *http.Request) {
	s.acknowledgeWin(w, r, true)
}

func (s *Server) acknowledgeWin(w http.ResponseWriter, r *http.Request, dismiss bool) {
	userID, winID := chi.URLParam(r, "userID"), chi.URLParam(r, "winID")

	celebrate := s.engine.CelebrateWin
	if dismiss {
		celebrate = s.engine.DismissWin
	}
	p, changed, err := celebrate(r.Context(), userID, winID)
	if err != nil {
		s.respondErr(w, fmt.Errorf("win %s: %w", winID, err))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"win_id":  winID,
		"changed": changed,
		"profile": p,
	})
}
