// Package worker implements the slot worker: a single process that owns
// one slot, heartbeats into the state document, hot-reloads its config
// and runs the scraping pipeline until told to stop.
package worker

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadhive/leadhive/pkg/browser"
	"github.com/leadhive/leadhive/pkg/events"
	"github.com/leadhive/leadhive/pkg/log"
	"github.com/leadhive/leadhive/pkg/metrics"
	"github.com/leadhive/leadhive/pkg/session"
	"github.com/leadhive/leadhive/pkg/statestore"
	"github.com/leadhive/leadhive/pkg/types"
)

const (
	heartbeatInterval = 2 * time.Second
	pauseIdleInterval = 1 * time.Second
)

// errStopRequested unwinds the run loop after a stop reason has been
// recorded.
var errStopRequested = errors.New("stop requested")

// LeadStore is the lead persistence surface the worker writes through.
// Production workers use the slot's append-only journal; the BoltDB
// ledger satisfies the same interface.
type LeadStore interface {
	AppendLeads(slotID string, leads []*types.Lead) error
	ExistingLeadKeys(slotID string, limit int) (map[string]bool, error)
	MarkVerified(slotID string, ids []string) (int, error)
	LeadsForSlot(slotID string, limit int) ([]*types.Lead, error)
}

// Worker runs one slot's pipeline.
type Worker struct {
	slotID string
	store  *statestore.Store
	ledger LeadStore
	driver browser.Driver
	sess   *session.Manager
	broker *events.Broker
	logger zerolog.Logger

	cfg *types.SlotConfig
}

// New assembles a worker. broker may be nil.
func New(slotID string, store *statestore.Store, led LeadStore, drv browser.Driver, sess *session.Manager, broker *events.Broker) *Worker {
	if drv == nil {
		drv = browser.Unavailable{}
	}
	return &Worker{
		slotID: slotID,
		store:  store,
		ledger: led,
		driver: drv,
		sess:   sess,
		broker: broker,
		logger: log.WithSlotID(slotID),
	}
}

// Run executes the worker until ctx is cancelled, a STOP command
// arrives, or a budget trips. The exit path always leaves the state
// document at STOPPED with pid cleared.
func (w *Worker) Run(ctx context.Context) error {
	pid := os.Getpid()
	now := time.Now().UTC()

	state, err := w.store.UpdateState(w.slotID, func(s *types.SlotState) {
		s.Status = types.SlotRunning
		s.PID = pid
		s.StartedAt = &now
		s.LastHeartbeat = &now
		s.StopReason = ""
		s.StopDetail = ""
		if s.RunStartedAt == nil {
			s.RunStartedAt = &now
			s.RunLeadsStart = s.Metrics.LeadsParsed
			s.RunClickedStart = s.Metrics.ClickedTotal
		}
		if s.Command == types.CommandStart {
			s.Command = ""
			s.LastCommand = string(types.CommandStart)
		}
	})
	if err != nil {
		return err
	}
	w.publishStatus(types.SlotRunning, "")
	metrics.SlotUp.WithLabelValues(w.slotID).Set(1)
	defer metrics.SlotUp.WithLabelValues(w.slotID).Set(0)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go w.heartbeatLoop(hbCtx)

	w.cfg, err = w.store.LoadConfig(w.slotID)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to load slot config")
		w.cfg = &types.SlotConfig{}
	}

	defer w.markStopped()

	if w.cfg.LoginMode {
		return w.runLoginMode(ctx)
	}

	if !w.sess.HasSession() {
		w.markNeedsLogin("no session blob present")
		return nil
	}

	pipe := newPipeline(w)
	_ = state

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		state, err := w.store.ReadState(w.slotID)
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to read state document")
			time.Sleep(pauseIdleInterval)
			continue
		}

		switch state.Command {
		case types.CommandStop:
			w.ackCommand(types.CommandStop, types.SlotStopping)
			return nil
		case types.CommandPause:
			// A paused slot keeps no process. Ack and exit; the
			// supervisor will spawn a fresh worker on START.
			w.ackCommand(types.CommandPause, types.SlotPaused)
			return nil
		}

		// Config hot reload happens once per cycle.
		if cfg, err := w.store.LoadConfig(w.slotID); err == nil {
			w.cfg = cfg
		}

		if !InSchedule(w.cfg.ClientSchedule, time.Now()) {
			w.requestStop(types.StopOutsideSchedule, "schedule window closed")
			return nil
		}
		if reason, detail := w.budgetTripped(state); reason != "" {
			w.requestStop(reason, detail)
			return nil
		}

		if err := pipe.runCycle(ctx, state); err != nil {
			if errors.Is(err, errStopRequested) {
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			w.recordError(err)
		}

		if !w.sleep(ctx, w.cooldown(state)) {
			return ctx.Err()
		}
	}
}

// budgetTripped checks the run budgets against the run baselines.
func (w *Worker) budgetTripped(state *types.SlotState) (types.StopReason, string) {
	if w.cfg.MaxRunMinutes > 0 && state.RunStartedAt != nil {
		if time.Since(*state.RunStartedAt) >= time.Duration(w.cfg.MaxRunMinutes)*time.Minute {
			return types.StopMaxRuntime, "max_run_minutes reached"
		}
	}
	if w.cfg.MaxClicksPerRun > 0 {
		parsed := state.Metrics.LeadsParsed - state.RunLeadsStart
		if parsed >= int64(w.cfg.MaxClicksPerRun) {
			return types.StopLeadTarget, "max_clicks_per_run reached"
		}
	}
	return "", ""
}

// cooldown picks the inter-cycle sleep: a configured fixed cooldown,
// then the recent-page refresh interval, then the adaptive backoff
// keyed on the error rate.
func (w *Worker) cooldown(state *types.SlotState) time.Duration {
	if w.cfg.CooldownSeconds != nil && *w.cfg.CooldownSeconds >= 0 {
		return time.Duration(*w.cfg.CooldownSeconds) * time.Second
	}
	if w.cfg.RecentRefreshSeconds > 0 {
		return time.Duration(w.cfg.RecentRefreshSeconds) * time.Second
	}
	rate := state.Metrics.ErrorRate
	switch {
	case rate < 0.05:
		return 2 * time.Second
	case rate < 0.15:
		return 5 * time.Second
	case rate < 0.30:
		return 10 * time.Second
	default:
		return 20 * time.Second
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// heartbeatLoop stamps last_heartbeat every 2s for as long as the
// worker lives, refreshing the throughput gauge from the run baseline
// on each stamp.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.stampHeartbeat(time.Now().UTC())
		}
	}
}

func (w *Worker) stampHeartbeat(now time.Time) {
	_, err := w.store.UpdateState(w.slotID, func(s *types.SlotState) {
		s.LastHeartbeat = &now
		if s.RunStartedAt != nil {
			if mins := now.Sub(*s.RunStartedAt).Minutes(); mins > 0 {
				s.Metrics.Throughput = float64(s.Metrics.LeadsParsed-s.RunLeadsStart) / mins
			}
		}
	})
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to write heartbeat")
		return
	}
	metrics.HeartbeatAge.WithLabelValues(w.slotID).Set(0)
	if w.broker != nil {
		w.broker.Publish(events.Event{Type: events.SlotHeartbeat, SlotID: w.slotID})
	}
}

// ackCommand clears the command field and applies the resulting status.
func (w *Worker) ackCommand(cmd types.Command, status types.SlotStatus) {
	w.store.UpdateState(w.slotID, func(s *types.SlotState) {
		if s.Command == cmd {
			s.Command = ""
		}
		s.LastCommand = string(cmd)
		s.Status = status
	})
	w.publishStatus(status, "command "+string(cmd))
	w.logger.Info().Str("command", string(cmd)).Str("status", string(status)).Msg("Command acknowledged")
}

// requestStop records why the worker is exiting; the deferred
// markStopped finishes the transition.
func (w *Worker) requestStop(reason types.StopReason, detail string) {
	w.store.UpdateState(w.slotID, func(s *types.SlotState) {
		s.Status = types.SlotStopping
		s.StopReason = reason
		s.StopDetail = detail
	})
	w.publishStatus(types.SlotStopping, string(reason))
	w.logger.Info().Str("reason", string(reason)).Str("detail", detail).Msg("Worker stopping")
}

// markStopped finalizes the state document on exit. Terminal statuses
// set on the way out (NEEDS_LOGIN, ERROR, PAUSED) survive; everything
// else lands on STOPPED.
func (w *Worker) markStopped() {
	now := time.Now().UTC()
	final := types.SlotStopped
	w.store.UpdateState(w.slotID, func(s *types.SlotState) {
		switch s.Status {
		case types.SlotNeedsLogin, types.SlotError, types.SlotPaused:
			final = s.Status
		default:
			s.Status = types.SlotStopped
		}
		s.PID = 0
		s.StoppedAt = &now
		s.LastHeartbeat = nil
		s.RunStartedAt = nil
	})
	w.publishStatus(final, "")
}

// markNeedsLogin flags the slot for operator attention and unwinds the
// run loop.
func (w *Worker) markNeedsLogin(detail string) error {
	w.store.UpdateState(w.slotID, func(s *types.SlotState) {
		s.Status = types.SlotNeedsLogin
		s.StopReason = types.StopNoSession
		s.StopDetail = detail
	})
	w.publishStatus(types.SlotNeedsLogin, detail)
	w.logger.Warn().Str("detail", detail).Msg("Session invalid, slot needs login")
	return errStopRequested
}

func (w *Worker) recordError(err error) {
	w.logger.Error().Err(err).Msg("Cycle failed")
	metrics.WorkerErrors.WithLabelValues(w.slotID).Inc()
	w.store.UpdateState(w.slotID, func(s *types.SlotState) {
		s.Metrics.Errors++
		s.Metrics.LastError = err.Error()
		s.Metrics.RecomputeErrorRate()
	})
	if w.broker != nil {
		w.broker.Publish(events.Event{Type: events.WorkerError, SlotID: w.slotID, Detail: err.Error()})
	}
}

func (w *Worker) publishStatus(status types.SlotStatus, detail string) {
	if w.broker != nil {
		w.broker.Publish(events.Event{Type: events.SlotStatusChanged, SlotID: w.slotID, Status: status, Detail: detail})
	}
}

// runLoginMode drives a visible browser to the portal and exports the
// session once login cookies appear. It exits when the session is
// captured, a STOP arrives, or ctx ends.
func (w *Worker) runLoginMode(ctx context.Context) error {
	w.logger.Info().Msg("Login mode: waiting for operator to complete portal login")
	if _, err := w.driver.RenderPage(ctx, "https://seller.indiamart.com/", browser.DefaultTimeout); err != nil {
		if errors.Is(err, browser.ErrUnavailable) {
			w.requestStop(types.StopNoSession, "login mode requires a browser")
			return nil
		}
		w.recordError(err)
	}

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		state, err := w.store.ReadState(w.slotID)
		if err == nil && state.Command == types.CommandStop {
			w.ackCommand(types.CommandStop, types.SlotStopping)
			return nil
		}

		cookies, err := w.driver.ExportCookies(ctx)
		if err != nil {
			continue
		}
		filtered := session.FilterForExport(cookies)
		if !hasLoginCookie(filtered) {
			continue
		}
		if err := w.store.WriteCookies(w.slotID, filtered); err != nil {
			w.recordError(err)
			continue
		}
		w.logger.Info().Int("cookies", len(filtered)).Msg("Session captured, exiting login mode")
		return nil
	}
}

func hasLoginCookie(cookies []types.Cookie) bool {
	for _, c := range cookies {
		if c.Name == "ImeshVisitor" || c.Name == "im_iss" {
			return true
		}
	}
	return false
}
