// Package supervisor reconciles declared slot state (commands and mode
// in the state documents) with observed reality (live worker
// processes). It is the only component that spawns or kills workers;
// the decision order on every sweep is command first, then liveness,
// then heartbeat enforcement.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadhive/leadhive/pkg/config"
	"github.com/leadhive/leadhive/pkg/events"
	"github.com/leadhive/leadhive/pkg/log"
	"github.com/leadhive/leadhive/pkg/metrics"
	"github.com/leadhive/leadhive/pkg/statestore"
	"github.com/leadhive/leadhive/pkg/types"
)

const killGrace = 3 * time.Second

// Supervisor owns the per-node reconcile loop.
type Supervisor struct {
	store  *statestore.Store
	procs  ProcessController
	broker *events.Broker
	logger zerolog.Logger

	checkInterval    time.Duration
	heartbeatTimeout time.Duration
	startupGrace     time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a supervisor from config. broker may be nil.
func New(store *statestore.Store, procs ProcessController, cfg *config.Config, broker *events.Broker) *Supervisor {
	return &Supervisor{
		store:            store,
		procs:            procs,
		broker:           broker,
		logger:           log.WithComponent("supervisor"),
		checkInterval:    cfg.CheckInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		startupGrace:     cfg.StartupGrace,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Run sweeps until ctx ends or Stop is called. The first sweep runs
// immediately so a restart recovers orphaned state without waiting a
// tick.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("check_interval", s.checkInterval).
		Dur("heartbeat_timeout", s.heartbeatTimeout).
		Msg("Supervisor started")
	defer close(s.doneCh)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.Sweep()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Stop ends the loop and waits for the in-flight sweep.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Sweep reconciles every slot once.
func (s *Supervisor) Sweep() {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	slots, err := s.store.ListSlots()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list slots")
		return
	}
	for _, slotID := range slots {
		if err := s.reconcileSlot(slotID); err != nil {
			s.logger.Error().Err(err).Str("slot_id", slotID).Msg("Reconcile failed")
		}
	}
}

func (s *Supervisor) reconcileSlot(slotID string) error {
	state, err := s.store.EnsureDefaults(slotID)
	if err != nil {
		return err
	}

	// Commands first: an operator instruction beats whatever the
	// process table says.
	switch state.Command {
	case types.CommandStart:
		return s.handleStart(slotID, state)
	case types.CommandStop:
		return s.handleStop(slotID, state)
	case types.CommandRestart:
		return s.handleRestart(slotID, state)
	case types.CommandPause:
		return s.handlePause(slotID, state)
	}

	return s.enforceObserved(slotID, state)
}

// handleStart spawns a worker unless one is already live. Observer
// slots never get a worker; the command is consumed with a refusal.
func (s *Supervisor) handleStart(slotID string, state *types.SlotState) error {
	if state.Mode == types.ModeObserver {
		return s.refuseObserver(slotID, types.CommandStart)
	}
	if state.Status.HasPID() && s.procs.Alive(state.PID) {
		// Already running; just consume the command.
		_, err := s.store.UpdateState(slotID, func(st *types.SlotState) {
			st.Command = ""
			st.LastCommand = string(types.CommandStart)
		})
		return err
	}
	return s.spawnWorker(slotID, types.CommandStart)
}

// handleRestart kills any live worker and spawns a fresh one. Unlike
// STOP this does not wait for the worker to wind down on its own.
func (s *Supervisor) handleRestart(slotID string, state *types.SlotState) error {
	if state.Mode == types.ModeObserver {
		return s.refuseObserver(slotID, types.CommandRestart)
	}
	if s.procs.Alive(state.PID) {
		s.logger.Info().Str("slot_id", slotID).Int("pid", state.PID).Msg("Restarting worker")
		terminateWithGrace(s.procs, state.PID, killGrace)
		metrics.WorkersKilled.WithLabelValues("restart").Inc()
	}
	return s.spawnWorker(slotID, types.CommandRestart)
}

func (s *Supervisor) refuseObserver(slotID string, cmd types.Command) error {
	s.logger.Warn().Str("slot_id", slotID).Str("command", string(cmd)).Msg("Refusing command for observer slot")
	_, err := s.store.UpdateState(slotID, func(st *types.SlotState) {
		st.Command = ""
		st.LastCommand = string(cmd)
		st.StopDetail = "slot is in observer mode"
	})
	return err
}

func (s *Supervisor) spawnWorker(slotID string, cmd types.Command) error {
	pid, err := s.procs.Spawn(slotID)
	now := time.Now().UTC()
	if err != nil {
		s.logger.Error().Err(err).Str("slot_id", slotID).Msg("Failed to spawn worker")
		_, uerr := s.store.UpdateState(slotID, func(st *types.SlotState) {
			st.Command = ""
			st.LastCommand = string(cmd)
			st.Status = types.SlotError
			st.StopReason = types.StopSpawnFailed
			st.StopDetail = err.Error()
		})
		s.publish(slotID, types.SlotError, string(types.StopSpawnFailed))
		return uerr
	}

	s.logger.Info().Str("slot_id", slotID).Int("pid", pid).Msg("Worker spawned")
	_, err = s.store.UpdateState(slotID, func(st *types.SlotState) {
		st.Command = ""
		st.LastCommand = string(cmd)
		st.Status = types.SlotStarting
		st.PID = pid
		st.StartedAt = &now
		// Seed the heartbeat so a stale timestamp from the previous run
		// cannot trip the timeout before the fresh worker's first stamp.
		st.LastHeartbeat = &now
		st.StopReason = ""
		st.StopDetail = ""
		st.RunStartedAt = nil
	})
	s.publish(slotID, types.SlotStarting, "")
	return err
}

// handleStop lets a live worker wind itself down, escalating only when
// the process outlives the heartbeat timeout; with no live process it
// finalizes the document directly.
func (s *Supervisor) handleStop(slotID string, state *types.SlotState) error {
	if s.procs.Alive(state.PID) {
		if state.LastHeartbeat != nil && time.Since(*state.LastHeartbeat) <= s.heartbeatTimeout {
			// The worker is responsive; it will see the command.
			return nil
		}
		s.logger.Warn().Str("slot_id", slotID).Int("pid", state.PID).Msg("Stopping unresponsive worker")
		terminateWithGrace(s.procs, state.PID, killGrace)
		metrics.WorkersKilled.WithLabelValues("stop_unresponsive").Inc()
	}

	now := time.Now().UTC()
	_, err := s.store.UpdateState(slotID, func(st *types.SlotState) {
		st.Command = ""
		st.LastCommand = string(types.CommandStop)
		st.Status = types.SlotStopped
		st.PID = 0
		st.StoppedAt = &now
		st.LastHeartbeat = nil
		st.RunStartedAt = nil
	})
	s.publish(slotID, types.SlotStopped, "")
	return err
}

// handlePause parks the slot. Any live worker is killed outright; a
// paused slot never keeps a pid or heartbeat.
func (s *Supervisor) handlePause(slotID string, state *types.SlotState) error {
	if s.procs.Alive(state.PID) {
		s.logger.Info().Str("slot_id", slotID).Int("pid", state.PID).Msg("Pausing worker")
		terminateWithGrace(s.procs, state.PID, killGrace)
		metrics.WorkersKilled.WithLabelValues("pause").Inc()
	}

	now := time.Now().UTC()
	_, err := s.store.UpdateState(slotID, func(st *types.SlotState) {
		st.Command = ""
		st.LastCommand = string(types.CommandPause)
		st.Status = types.SlotPaused
		st.PID = 0
		st.StoppedAt = &now
		st.LastHeartbeat = nil
		st.RunStartedAt = nil
	})
	metrics.SlotUp.WithLabelValues(slotID).Set(0)
	s.publish(slotID, types.SlotPaused, "")
	return err
}

// enforceObserved applies liveness and heartbeat policy to slots with
// no pending command.
func (s *Supervisor) enforceObserved(slotID string, state *types.SlotState) error {
	if !state.Status.HasPID() {
		metrics.SlotUp.WithLabelValues(slotID).Set(0)
		if state.PID != 0 || state.LastHeartbeat != nil {
			// A stopped slot must not keep a pid or heartbeat around.
			// Kill any stray process still attached to it.
			if s.procs.Alive(state.PID) {
				s.logger.Warn().Str("slot_id", slotID).Int("pid", state.PID).Msg("Killing stray worker on inactive slot")
				terminateWithGrace(s.procs, state.PID, killGrace)
				metrics.WorkersKilled.WithLabelValues("stray").Inc()
			}
			_, err := s.store.UpdateState(slotID, func(st *types.SlotState) {
				st.PID = 0
				st.LastHeartbeat = nil
			})
			return err
		}
		return nil
	}

	if !s.procs.Alive(state.PID) {
		s.logger.Warn().Str("slot_id", slotID).Int("pid", state.PID).Msg("Worker process is gone")
		return s.markDead(slotID, types.StopDeadPID, "worker process not found")
	}
	metrics.SlotUp.WithLabelValues(slotID).Set(1)

	now := time.Now()
	if state.LastHeartbeat == nil {
		// Never heartbeated: only the startup grace protects it.
		started := state.StartedAt
		if started == nil || now.Sub(*started) > s.startupGrace {
			s.killAndMark(slotID, state.PID, types.StopNoHeartbeat, "no heartbeat within startup grace")
		}
		return nil
	}

	age := now.Sub(*state.LastHeartbeat)
	metrics.HeartbeatAge.WithLabelValues(slotID).Set(age.Seconds())

	timeout := s.heartbeatTimeout
	if state.Status == types.SlotStarting {
		if grace := s.startupGrace; grace > timeout {
			timeout = grace
		}
	}
	if age > timeout {
		s.killAndMark(slotID, state.PID, types.StopHeartbeatTimeout, "heartbeat timed out")
	}
	return nil
}

func (s *Supervisor) killAndMark(slotID string, pid int, reason types.StopReason, detail string) {
	s.logger.Warn().
		Str("slot_id", slotID).
		Int("pid", pid).
		Str("reason", string(reason)).
		Msg("Killing worker")
	terminateWithGrace(s.procs, pid, killGrace)
	metrics.WorkersKilled.WithLabelValues(string(reason)).Inc()
	s.markDead(slotID, reason, detail)
}

func (s *Supervisor) markDead(slotID string, reason types.StopReason, detail string) error {
	now := time.Now().UTC()
	_, err := s.store.UpdateState(slotID, func(st *types.SlotState) {
		st.Status = types.SlotDead
		st.PID = 0
		st.StoppedAt = &now
		st.LastHeartbeat = nil
		st.StopReason = reason
		st.StopDetail = detail
		st.RunStartedAt = nil
	})
	metrics.SlotUp.WithLabelValues(slotID).Set(0)
	s.publish(slotID, types.SlotDead, string(reason))
	return err
}

func (s *Supervisor) publish(slotID string, status types.SlotStatus, detail string) {
	if s.broker != nil {
		s.broker.Publish(events.Event{Type: events.SlotStatusChanged, SlotID: slotID, Status: status, Detail: detail})
	}
}
