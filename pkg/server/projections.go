package server

import (
	"encoding/json"
	"net/http"

	"github.com/leadhive/leadhive/pkg/auth"
	"github.com/leadhive/leadhive/pkg/types"
)

// Per-field config projections: narrow GET/POST views over a single
// slice of the config, so UI toggles never round-trip the whole
// document.

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	state, err := s.store.EnsureDefaults(slotID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slot_id":        state.SlotID,
		"status":         state.Status,
		"mode":           state.Mode,
		"pid":            state.PID,
		"last_heartbeat": state.LastHeartbeat,
		"stop_reason":    state.StopReason,
		"stop_detail":    state.StopDetail,
	})
}

func (s *Server) handleGetSlotMetrics(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	state, err := s.store.EnsureDefaults(slotID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state.Metrics)
}

// mutateConfig loads, mutates and saves the slot config, writing the
// error response itself on failure.
func (s *Server) mutateConfig(w http.ResponseWriter, slotID string, mutate func(*types.SlotConfig)) *types.SlotConfig {
	if !s.store.SlotExists(slotID) {
		writeError(w, http.StatusNotFound, "slot not found")
		return nil
	}
	cfg, err := s.store.LoadConfig(slotID)
	if err != nil {
		writeStoreError(w, err)
		return nil
	}
	mutate(cfg)
	if err := s.store.SaveConfig(slotID, cfg); err != nil {
		writeStoreError(w, err)
		return nil
	}
	return cfg
}

func (s *Server) loadConfig(w http.ResponseWriter, slotID string) *types.SlotConfig {
	if !s.store.SlotExists(slotID) {
		writeError(w, http.StatusNotFound, "slot not found")
		return nil
	}
	cfg, err := s.store.LoadConfig(slotID)
	if err != nil {
		writeStoreError(w, err)
		return nil
	}
	return cfg
}

func (s *Server) handleGetQuality(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	cfg := s.loadConfig(w, slotID)
	if cfg == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quality_level": cfg.QualityLevel})
}

func (s *Server) handleSetQuality(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	var req struct {
		QualityLevel int `json:"quality_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.QualityLevel < 0 || req.QualityLevel > 100 {
		writeError(w, http.StatusBadRequest, "quality_level must be 0-100")
		return
	}
	cfg := s.mutateConfig(w, slotID, func(c *types.SlotConfig) {
		c.QualityLevel = req.QualityLevel
	})
	if cfg == nil {
		return
	}
	s.logger.Info().Str("slot_id", slotID).Int("quality_level", req.QualityLevel).Msg("Quality level updated")
	writeJSON(w, http.StatusOK, map[string]any{"quality_level": cfg.QualityLevel})
}

// clientLimits is the client-facing budget slice of the config. POST
// bodies carry pointers so omitted fields stay untouched.
type clientLimits struct {
	ClientRegions   []string              `json:"client_regions,omitempty"`
	MinMemberMonths *int                  `json:"min_member_months,omitempty"`
	MaxClicksPerRun *int                  `json:"max_clicks_per_run,omitempty"`
	MaxRunMinutes   *int                  `json:"max_run_minutes,omitempty"`
	ClientSchedule  *types.ClientSchedule `json:"client_schedule,omitempty"`
}

func (s *Server) handleGetClientLimits(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	cfg := s.loadConfig(w, slotID)
	if cfg == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_regions":     cfg.ClientRegions,
		"min_member_months":  cfg.MinMemberMonths,
		"max_clicks_per_run": cfg.MaxClicksPerRun,
		"max_run_minutes":    cfg.MaxRunMinutes,
		"client_schedule":    cfg.ClientSchedule,
	})
}

func (s *Server) handleSetClientLimits(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	var req clientLimits
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg := s.mutateConfig(w, slotID, func(c *types.SlotConfig) {
		if req.ClientRegions != nil {
			c.ClientRegions = req.ClientRegions
		}
		if req.MinMemberMonths != nil {
			c.MinMemberMonths = *req.MinMemberMonths
		}
		if req.MaxClicksPerRun != nil {
			c.MaxClicksPerRun = *req.MaxClicksPerRun
		}
		if req.MaxRunMinutes != nil {
			c.MaxRunMinutes = *req.MaxRunMinutes
		}
		if req.ClientSchedule != nil {
			c.ClientSchedule = req.ClientSchedule
		}
	})
	if cfg == nil {
		return
	}
	s.logger.Info().Str("slot_id", slotID).Msg("Client limits updated")
	writeJSON(w, http.StatusOK, map[string]any{
		"client_regions":     cfg.ClientRegions,
		"min_member_months":  cfg.MinMemberMonths,
		"max_clicks_per_run": cfg.MaxClicksPerRun,
		"max_run_minutes":    cfg.MaxRunMinutes,
		"client_schedule":    cfg.ClientSchedule,
	})
}

func (s *Server) handleGetLoginMode(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	cfg := s.loadConfig(w, slotID)
	if cfg == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"login_mode": cfg.LoginMode})
}

func (s *Server) handleSetLoginMode(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	var req struct {
		LoginMode bool `json:"login_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg := s.mutateConfig(w, slotID, func(c *types.SlotConfig) {
		c.LoginMode = req.LoginMode
	})
	if cfg == nil {
		return
	}
	s.logger.Info().Str("slot_id", slotID).Bool("login_mode", req.LoginMode).Msg("Login mode updated")
	writeJSON(w, http.StatusOK, map[string]any{"login_mode": cfg.LoginMode})
}

func (s *Server) handleGetHeadless(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	cfg := s.loadConfig(w, slotID)
	if cfg == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"headless": cfg.Headless})
}

func (s *Server) handleSetHeadless(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	var req struct {
		Headless bool `json:"headless"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg := s.mutateConfig(w, slotID, func(c *types.SlotConfig) {
		c.Headless = &req.Headless
	})
	if cfg == nil {
		return
	}
	s.logger.Info().Str("slot_id", slotID).Bool("headless", req.Headless).Msg("Headless toggled")
	writeJSON(w, http.StatusOK, map[string]any{"headless": cfg.Headless})
}

func (s *Server) handleSetDisplayName(w http.ResponseWriter, r *http.Request, _ *auth.Claims, slotID string) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg := s.mutateConfig(w, slotID, func(c *types.SlotConfig) {
		c.DisplayName = req.DisplayName
	})
	if cfg == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"display_name": cfg.DisplayName})
}
