package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/SoftCheck-app/agents/pkg/httpx"
	"github.com/SoftCheck-app/agents/pkg/substrate"
)

type interceptResponse struct {
	Verdict string `json:"verdict"`
	Outcome string `json:"outcome"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "ok",
		"service":             "installguard",
		"authority_connected": s.Arbiter.Connected(),
	})
}

// intercept parks the caller until the operation is resolved. A caller that
// goes away early sees TIMEOUT; the request itself is still resolved by the
// arbiter.
func (s *Server) intercept(w http.ResponseWriter, r *http.Request) {
	var op substrate.Operation
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &op); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		httpx.Error(w, http.StatusBadRequest, "invalid operation: "+err.Error())
		return
	}
	if strings.TrimSpace(op.Path) == "" {
		httpx.Error(w, http.StatusBadRequest, "path required")
		return
	}
	parked := substrate.NewParked()
	verdict := s.Arbiter.Intercept(r.Context(), op, parked)
	outcome := parked.Wait(r.Context())
	httpx.WriteJSON(w, http.StatusOK, interceptResponse{Verdict: verdict.String(), Outcome: outcome.String()})
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	items := s.Arbiter.Pending()
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items":               items,
		"count":               len(items),
		"authority_connected": s.Arbiter.Connected(),
	})
}

func (s *Server) getPending(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "request_id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid request id")
		return
	}
	// resolved and never-issued ids both report UNKNOWN
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"request_id": id, "state": s.Arbiter.State(id)})
}
