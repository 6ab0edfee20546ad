package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/watchmesh/backend/internal/core"
)

const walletLedgerTail = 20

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var t core.Target
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, core.E(core.Invalid, "api.CreateTarget", err))
		return
	}
	if t.OwnerID == "" {
		t.OwnerID = r.Header.Get("X-Owner-ID")
	}

	created, err := s.targets.Create(r.Context(), &t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	list, err := s.targets.List(r.Context(), r.Header.Get("X-Owner-ID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.targets.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	actorID, role, err := s.actor(r)
	if err != nil {
		writeError(w, core.E(core.Unauthorized, "api.UpdateTarget", err))
		return
	}

	var t core.Target
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, core.E(core.Invalid, "api.UpdateTarget", err))
		return
	}
	t.ID = mux.Vars(r)["id"]

	updated, err := s.targets.Update(r.Context(), &t, actorID, role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeactivateTarget(w http.ResponseWriter, r *http.Request) {
	actorID, role, err := s.actor(r)
	if err != nil {
		writeError(w, core.E(core.Unauthorized, "api.DeactivateTarget", err))
		return
	}
	if err := s.targets.Deactivate(r.Context(), mux.Vars(r)["id"], actorID, role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	actorID, role, err := s.actor(r)
	if err != nil {
		writeError(w, core.E(core.Unauthorized, "api.DeleteTarget", err))
		return
	}
	if err := s.targets.Delete(r.Context(), mux.Vars(r)["id"], actorID, role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleManualProbe(w http.ResponseWriter, r *http.Request) {
	actorID, role, err := s.actor(r)
	if err != nil {
		writeError(w, core.E(core.Unauthorized, "api.ManualProbe", err))
		return
	}
	check, err := s.gateway.ManualProbe(r.Context(), mux.Vars(r)["id"], actorID, role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleTargetStats(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, core.Ef(core.Invalid, "api.TargetStats", "days must be a positive integer, got %q", raw))
			return
		}
		days = n
	}

	st, err := s.stats.GetTargetStats(r.Context(), mux.Vars(r)["id"], days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	incidents, err := s.stats.ListIncidents(r.Context(), r.URL.Query().Get("target_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.stats.GetIncident(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	proberID := r.Header.Get("X-Prober-ID")
	if proberID == "" {
		writeError(w, core.E(core.Invalid, "api.ListAvailable", errors.New("X-Prober-ID header is required")))
		return
	}
	available, err := s.gateway.ListAvailableTargets(r.Context(), proberID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, available)
}

type submitRequest struct {
	TargetID     string                `json:"target_id"`
	Location     string                `json:"location"`
	LocationInfo *core.LocationDetails `json:"location_info,omitempty"`
}

func (s *Server) handleSubmitProbe(w http.ResponseWriter, r *http.Request) {
	proberID := r.Header.Get("X-Prober-ID")

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.E(core.Invalid, "api.SubmitProbe", err))
		return
	}

	check, err := s.gateway.SubmitProbe(r.Context(), proberID, req.TargetID, req.Location, req.LocationInfo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, check)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	proberID := mux.Vars(r)["proberId"]

	wallet, err := s.wallets.GetWallet(r.Context(), proberID)
	if err != nil {
		writeError(w, err)
		return
	}
	ledger, err := s.wallets.ListLedger(r.Context(), proberID, walletLedgerTail)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallet": wallet,
		"ledger": ledger,
	})
}

type issueKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	const op = "api.IssueKey"
	actorID, role, err := s.actor(r)
	if err != nil {
		writeError(w, core.E(core.Unauthorized, op, err))
		return
	}
	if role != core.RoleAdmin {
		writeError(w, core.Ef(core.Unauthorized, op, "actor %s may not issue keys", actorID))
		return
	}

	var req issueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.E(core.Invalid, op, err))
		return
	}
	if req.ActorID == "" {
		writeError(w, core.E(core.Invalid, op, errors.New("actor_id required")))
		return
	}
	switch core.ActorRole(req.Role) {
	case core.RoleOwner, core.RoleProber, core.RoleAdmin:
	default:
		writeError(w, core.Ef(core.Invalid, op, "unknown role %q", req.Role))
		return
	}

	key, err := s.keys.Issue(req.ActorID, core.ActorRole(req.Role))
	if err != nil {
		writeError(w, core.E(core.Internal, op, err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"api_key":  key,
		"actor_id": req.ActorID,
		"role":     req.Role,
	})
}

func (s *Server) handleRevokeKeys(w http.ResponseWriter, r *http.Request) {
	const op = "api.RevokeKeys"
	actorID, role, err := s.actor(r)
	if err != nil {
		writeError(w, core.E(core.Unauthorized, op, err))
		return
	}
	if role != core.RoleAdmin {
		writeError(w, core.Ef(core.Unauthorized, op, "actor %s may not revoke keys", actorID))
		return
	}

	s.keys.Revoke(mux.Vars(r)["actorId"])
	w.WriteHeader(http.StatusNoContent)
}
