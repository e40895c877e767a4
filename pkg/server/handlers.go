package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/leadhive/leadhive/pkg/auth"
	"github.com/leadhive/leadhive/pkg/events"
	"github.com/leadhive/leadhive/pkg/statestore"
	"github.com/leadhive/leadhive/pkg/types"
)

// slotSummary is the list-view projection of a slot.
type slotSummary struct {
	SlotID        string           `json:"slot_id"`
	NodeID        string           `json:"node_id"`
	Status        types.SlotStatus `json:"status"`
	Mode          types.SlotMode   `json:"mode"`
	Worker        string           `json:"worker"`
	DisplayName   string           `json:"display_name,omitempty"`
	LastHeartbeat *time.Time       `json:"last_heartbeat,omitempty"`
	StopReason    types.StopReason `json:"stop_reason,omitempty"`
	Metrics       types.Metrics    `json:"metrics"`
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ids, err := s.store.ListSlots()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	nodeID := s.registry.LocalNode().NodeID
	summaries := make([]slotSummary, 0, len(ids))
	for _, id := range ids {
		if !claims.CanAccessSlot(id) {
			continue
		}
		state, err := s.store.EnsureDefaults(id)
		if err != nil {
			continue
		}
		cfg, _ := s.store.LoadConfig(id)
		summary := slotSummary{
			SlotID:        id,
			NodeID:        nodeID,
			Status:        state.Status,
			Mode:          state.Mode,
			Worker:        state.Worker,
			LastHeartbeat: state.LastHeartbeat,
			StopReason:    state.StopReason,
			Metrics:       state.Metrics,
		}
		if cfg != nil {
			summary.DisplayName = cfg.DisplayName
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": summaries})
}

func (s *Server) handleCreateSlot(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	var req struct {
		SlotID string         `json:"slot_id"`
		Mode   types.SlotMode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := statestore.ValidateSlotID(req.SlotID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.store.SlotExists(req.SlotID) {
		writeError(w, http.StatusConflict, "slot already exists")
		return
	}
	if err := s.store.CreateSlot(req.SlotID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Mode != "" {
		s.store.UpdateState(req.SlotID, func(st *types.SlotState) {
			st.Mode = req.Mode
		})
	}
	state, _ := s.store.ReadState(req.SlotID)
	s.logger.Info().Str("slot_id", req.SlotID).Msg("Slot created")
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleGetSlot(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	state, err := s.store.EnsureDefaults(slotID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	cfg, _ := s.store.LoadConfig(slotID)
	counts, _ := s.ledger.CountByStatus(slotID)
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       state,
		"config":      cfg,
		"lead_counts": counts,
	})
}

func (s *Server) handleDeleteSlot(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	state, err := s.store.ReadState(slotID)
	if err == nil && state.Status.HasPID() && state.PID > 0 {
		writeError(w, http.StatusConflict, "slot has a live worker, stop it first")
		return
	}
	if err := s.store.DeleteSlot(slotID); err != nil {
		writeStoreError(w, err)
		return
	}
	if r.URL.Query().Get("purge_leads") == "true" {
		if err := s.ledger.DeleteSlot(slotID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.logger.Info().Str("slot_id", slotID).Msg("Slot deleted")
	writeJSON(w, http.StatusOK, map[string]string{"deleted": slotID})
}

// commandHandler writes an operator command into the state document;
// the supervisor and worker pick it up from there.
func (s *Server) commandHandler(cmd types.Command) slotHandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
		if !s.store.SlotExists(slotID) {
			writeError(w, http.StatusNotFound, "slot not found")
			return
		}
		state, err := s.store.UpdateState(slotID, func(st *types.SlotState) {
			st.Command = cmd
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		s.broker.Publish(events.Event{Type: events.SlotCommand, SlotID: slotID, Detail: string(cmd)})
		s.logger.Info().Str("slot_id", slotID).Str("command", string(cmd)).Msg("Command accepted")
		writeJSON(w, http.StatusAccepted, state)
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	if !s.store.SlotExists(slotID) {
		writeError(w, http.StatusNotFound, "slot not found")
		return
	}
	cfg, err := s.store.LoadConfig(slotID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	if !s.store.SlotExists(slotID) {
		writeError(w, http.StatusNotFound, "slot not found")
		return
	}
	var cfg types.SlotConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config body")
		return
	}
	if err := s.store.SaveConfig(slotID, &cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Info().Str("slot_id", slotID).Msg("Slot config updated")
	writeJSON(w, http.StatusOK, cfg)
}

// handleDryRun toggles dry-run without touching the rest of the
// config; the worker picks it up on its next hot reload.
func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	if !s.store.SlotExists(slotID) {
		writeError(w, http.StatusNotFound, "slot not found")
		return
	}
	var on bool
	switch r.PathValue("state") {
	case "on":
		on = true
	case "off":
		on = false
	default:
		writeError(w, http.StatusBadRequest, "state must be on or off")
		return
	}
	cfg, err := s.store.LoadConfig(slotID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	cfg.DryRun = on
	if err := s.store.SaveConfig(slotID, cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Info().Str("slot_id", slotID).Bool("dry_run", on).Msg("Dry run toggled")
	writeJSON(w, http.StatusOK, map[string]any{"dry_run": on})
}

func (s *Server) handleLeads(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	leads, err := s.ledger.LeadsForSlot(slotID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := leads[:0]
		for _, lead := range leads {
			if string(lead.Status) == status {
				filtered = append(filtered, lead)
			}
		}
		leads = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": leads, "count": len(leads)})
}

var csvHeader = []string{
	"lead_key", "lead_id", "status", "title", "country", "city",
	"mobile", "email", "age_seconds", "fetched_at", "clicked_at",
	"verified_at", "rejected_reason",
}

func (s *Server) handleLeadsCSV(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10000
	}
	leads, err := s.ledger.LeadsForSlot(slotID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-leads.csv"`, slotID))
	cw := csv.NewWriter(w)
	cw.Write(csvHeader)
	for _, lead := range leads {
		cw.Write([]string{
			lead.Key,
			lead.LeadID,
			string(lead.Status),
			lead.Title,
			lead.Country,
			lead.City,
			lead.Mobile,
			lead.Email,
			intPtrString(lead.AgeSeconds),
			timePtrString(lead.FetchedAt),
			timePtrString(lead.ClickedAt),
			timePtrString(lead.VerifiedAt),
			string(lead.RejectReason),
		})
	}
	cw.Flush()
}

func intPtrString(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func timePtrString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// handleUploadSession accepts a browser cookie export and installs it
// as the slot's session blob.
func (s *Server) handleUploadSession(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	if !s.store.SlotExists(slotID) {
		writeError(w, http.StatusNotFound, "slot not found")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var cookies []types.Cookie
	if err := json.Unmarshal(body, &cookies); err != nil {
		var wrapped struct {
			Cookies []types.Cookie `json:"cookies"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil || len(wrapped.Cookies) == 0 {
			writeError(w, http.StatusBadRequest, "body must be a cookie array")
			return
		}
		cookies = wrapped.Cookies
	}
	if err := s.store.WriteCookies(slotID, cookies); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// A fresh session clears NEEDS_LOGIN.
	s.store.UpdateState(slotID, func(st *types.SlotState) {
		if st.Status == types.SlotNeedsLogin {
			st.Status = types.SlotStopped
			st.StopReason = ""
			st.StopDetail = ""
		}
	})
	s.logger.Info().Str("slot_id", slotID).Int("cookies", len(cookies)).Msg("Session blob uploaded")
	writeJSON(w, http.StatusOK, map[string]any{"cookies": len(cookies)})
}

// handleWorkerLog tails the worker log.
func (s *Server) handleWorkerLog(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	if !s.store.SlotExists(slotID) {
		writeError(w, http.StatusNotFound, "slot not found")
		return
	}
	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	if lines <= 0 {
		lines = 200
	}
	data, err := os.ReadFile(s.store.WorkerLogPath(slotID))
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]any{"lines": []string{}})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": all})
}

func (s *Server) handleOpenLogin(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	if s.logins == nil {
		writeError(w, http.StatusNotImplemented, "remote login is not enabled on this node")
		return
	}
	var req struct {
		SlotID string `json:"slot_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SlotID == "" {
		writeError(w, http.StatusBadRequest, "slot_id is required")
		return
	}
	if !s.store.SlotExists(req.SlotID) {
		writeError(w, http.StatusNotFound, "slot not found")
		return
	}
	sess, err := s.logins.Open(req.SlotID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListLogins(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	if s.logins == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.logins.List()})
}

func (s *Server) handleCloseLogin(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	if s.logins == nil {
		writeError(w, http.StatusNotImplemented, "remote login is not enabled on this node")
		return
	}
	id := r.PathValue("id")
	if _, ok := s.logins.Get(id); !ok {
		writeError(w, http.StatusNotFound, "login session not found")
		return
	}
	s.logins.Close(id)
	writeJSON(w, http.StatusOK, map[string]string{"closed": id})
}

func (s *Server) handleLoginWS(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	if s.logins == nil {
		writeError(w, http.StatusNotImplemented, "remote login is not enabled on this node")
		return
	}
	sess, ok := s.logins.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "login session not found")
		return
	}
	s.logins.ServeWS(w, r, sess)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, statestore.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot not found")
	case errors.Is(err, statestore.ErrInvalidSlotID):
		writeError(w, http.StatusBadRequest, "invalid slot id")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
