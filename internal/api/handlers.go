package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/molt/internal/auth"
	"github.com/mattjoyce/molt/internal/fault"
	"github.com/mattjoyce/molt/internal/ident"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	calls, err := s.engine.CallCount(r.Context(), s.dispatcher.Name)
	if err != nil {
		s.logger.Error("failed to count calls", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count calls")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		Dispatcher:    s.dispatcher.Name,
		Calls:         calls,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleCall handles POST /call: run one payload against the dispatcher as
// the token's identity.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "no principal")
		return
	}

	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "payload must be hex")
		return
	}

	res, err := s.engine.Call(r.Context(), s.dispatcher, principal.Identity, payload, req.Value)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	respondJSON(w, http.StatusOK, CallResponse{
		CallID: res.CallID,
		Path:   res.Path,
		Output: hex.EncodeToString(res.Output),
	})
}

// handleGetCall handles GET /call/{callID}.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.LookupCall(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "call not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleRecentCalls handles GET /calls?limit=N.
func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := s.engine.RecentCalls(r.Context(), s.dispatcher.Name, limit)
	if err != nil {
		s.logger.Error("failed to list calls", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	moduleRef, authority, err := s.engine.Snapshot(r.Context(), s.dispatcher)
	if err != nil {
		s.logger.Error("failed to read dispatcher slots", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read dispatcher state")
		return
	}

	resp := StatusResponse{
		Service:       s.config.Service,
		Dispatcher:    s.dispatcher.Name,
		ModuleRef:     moduleRef.String(),
		Authority:     authority.String(),
		Governor:      s.dispatcher.GovernorID,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if reg, ok := s.modules.Get(moduleRef); ok {
		resp.Module = reg.Label()
	}
	if g, err := s.gov.Load(r.Context(), s.dispatcher.GovernorID); err == nil {
		resp.Owner = g.Owner.String()
	}
	if calls, err := s.engine.CallCount(r.Context(), s.dispatcher.Name); err == nil {
		resp.Calls = calls
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleModules handles GET /modules.
func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	all := s.modules.All()
	resp := ModuleListResponse{Modules: make([]ModuleSummary, 0, len(all))}
	for _, reg := range all {
		summary := ModuleSummary{
			Name:       reg.Name,
			Version:    reg.Version,
			Label:      reg.Label(),
			Ref:        reg.Ref.String(),
			Supersedes: reg.Supersedes,
			Fields:     make([]string, 0, len(reg.Fields)),
			Selectors:  make([]string, 0, len(reg.Handlers)),
		}
		for _, f := range reg.Fields {
			summary.Fields = append(summary.Fields, f.Name)
		}
		for sel := range reg.Handlers {
			summary.Selectors = append(summary.Selectors, sel.String())
		}
		sort.Strings(summary.Selectors)
		resp.Modules = append(resp.Modules, summary)
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleUpgrade handles POST /governor/upgrade: submit an owner-gated
// upgrade as the token's identity.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "no principal")
		return
	}

	var req UpgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	target, ok := s.modules.FindLabel(req.Module)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown module label")
		return
	}
	init, err := hex.DecodeString(req.Init)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "init must be hex")
		return
	}

	res, err := s.gov.UpgradeAndCall(r.Context(), s.dispatcher, principal.Identity, target.Ref, init, req.Value)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	s.logger.Info("upgrade accepted", "module", req.Module, "call_id", res.CallID)
	respondJSON(w, http.StatusOK, CallResponse{CallID: res.CallID, Path: res.Path})
}

// handleTransfer handles POST /governor/transfer.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "no principal")
		return
	}

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	newOwner, err := ident.Parse(req.NewOwner)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "new_owner must be a 64-character hex identity")
		return
	}

	if err := s.gov.TransferOwnership(r.Context(), s.dispatcher.GovernorID, principal.Identity, newOwner); err != nil {
		s.writeFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeFault maps an engine fault onto its HTTP status. Delegated failures
// carry the module's payload hex-encoded so clients get the exact bytes.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	fe, ok := fault.As(err)
	if !ok {
		s.logger.Error("call failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, fe.HTTPStatus(), ErrorResponse{
		Error:   fe.Message,
		Kind:    string(fe.Kind),
		Code:    string(fe.Code),
		Payload: hex.EncodeToString(fe.Payload),
	})
}
