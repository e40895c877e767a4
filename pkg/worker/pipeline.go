package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/leadhive/leadhive/pkg/events"
	"github.com/leadhive/leadhive/pkg/metrics"
	"github.com/leadhive/leadhive/pkg/portal"
	"github.com/leadhive/leadhive/pkg/session"
	"github.com/leadhive/leadhive/pkg/types"
)

// pipeline runs one scrape cycle: fetch, parse, filter, click, verify,
// write. Phase transitions are published into the state document so the
// UI can show live progress.
type pipeline struct {
	w *Worker

	// lastVerify tracks the periodic-verify cadence.
	lastVerify time.Time
}

func newPipeline(w *Worker) *pipeline {
	// Seed lastVerify so the periodic sweep waits a full interval
	// instead of firing on the first cycle.
	return &pipeline{w: w, lastVerify: time.Now()}
}

// setPhase records the phase transition, closing out the previous
// phase's duration.
func (p *pipeline) setPhase(phase types.Phase, action string) {
	now := time.Now().UTC()
	p.w.store.UpdateState(p.w.slotID, func(s *types.SlotState) {
		if s.Metrics.PhaseStartedAt != nil {
			s.Metrics.PhaseDurationSec = now.Sub(*s.Metrics.PhaseStartedAt).Seconds()
		}
		s.Metrics.Phase = phase
		s.Metrics.PhaseStartedAt = &now
		if action != "" {
			s.Metrics.LastAction = action
		}
	})
}

func (p *pipeline) runCycle(ctx context.Context, state *types.SlotState) error {
	cfg := p.w.cfg

	p.setPhase(types.PhaseFetchRecent, "fetching recent leads")
	leads, err := p.fetchRecent(ctx, cfg)
	if err != nil {
		return err
	}

	p.setPhase(types.PhaseParseRecent, fmt.Sprintf("parsed %d leads", len(leads)))
	p.w.store.UpdateState(p.w.slotID, func(s *types.SlotState) {
		s.Metrics.PagesFetched++
		s.Metrics.RecomputeErrorRate()
	})
	if len(leads) == 0 {
		p.setPhase(types.PhaseCooldown, "no leads on page")
		return nil
	}

	if cfg.TopCardOnly {
		leads = topCards(leads, cfg.TopCardCount)
	}

	existing, err := p.w.ledger.ExistingLeadKeys(p.w.slotID, 0)
	if err != nil {
		return fmt.Errorf("failed to load dedup window: %w", err)
	}
	res := applyFilters(leads, cfg, existing, time.Now())

	// leads_parsed counts unique survivors, not raw cards: duplicates
	// and filtered-out leads never feed the run budget.
	if len(res.Accepted) > 0 {
		p.w.store.UpdateState(p.w.slotID, func(s *types.SlotState) {
			s.Metrics.LeadsParsed += int64(len(res.Accepted))
		})
	}

	if len(res.Rejected) > 0 {
		if err := p.w.ledger.AppendLeads(p.w.slotID, res.Rejected); err != nil {
			return err
		}
		for _, lead := range res.Rejected {
			metrics.LeadsRejected.WithLabelValues(p.w.slotID, string(lead.RejectReason)).Inc()
			p.publishLead(events.LeadRejected, lead)
		}
		p.w.store.UpdateState(p.w.slotID, func(s *types.SlotState) {
			s.Metrics.RejectedTotal += int64(len(res.Rejected))
		})
	}

	if len(res.Accepted) > 0 {
		p.setPhase(types.PhaseWriteLeads, fmt.Sprintf("capturing %d leads", len(res.Accepted)))
		if err := p.w.ledger.AppendLeads(p.w.slotID, res.Accepted); err != nil {
			return err
		}
		for _, lead := range res.Accepted {
			metrics.LeadsCaptured.WithLabelValues(p.w.slotID).Inc()
			p.publishLead(events.LeadCaptured, lead)
		}
	}

	clicked := 0
	if state.Mode == types.ModeActive && len(res.Accepted) > 0 {
		p.setPhase(types.PhaseClickLeads, "clicking leads")
		clicked, err = p.clickLeads(ctx, cfg, res.Accepted)
		if err != nil {
			return err
		}
	}

	if clicked > 0 || p.periodicVerifyDue(cfg, state) {
		if clicked > 0 && cfg.VerifyAfterClickSecs > 0 {
			if !p.w.sleep(ctx, time.Duration(cfg.VerifyAfterClickSecs)*time.Second) {
				return ctx.Err()
			}
		}
		if err := p.verify(ctx, cfg); err != nil {
			return err
		}
		p.lastVerify = time.Now()
	}

	p.setPhase(types.PhaseCooldown, "")
	return nil
}

// periodicVerifyDue gates the click-less verification sweep to once
// every 5 minutes, and only after this run has clicked something worth
// re-checking.
func (p *pipeline) periodicVerifyDue(cfg *types.SlotConfig, state *types.SlotState) bool {
	if !cfg.PeriodicVerify {
		return false
	}
	if state.Metrics.ClickedTotal <= state.RunClickedStart {
		return false
	}
	return time.Since(p.lastVerify) >= 5*time.Minute
}

func topCards(leads []*types.Lead, count int) []*types.Lead {
	if count < 1 {
		count = 3
	}
	var out []*types.Lead
	for _, lead := range leads {
		if lead.TopCardRank > 0 && lead.TopCardRank <= count {
			lead.TopCard = true
			out = append(out, lead)
		}
	}
	return out
}

// fetchRecent tries the JSON endpoint first when preferred, falling
// back to a rendered page. Either path checks for a dead session.
func (p *pipeline) fetchRecent(ctx context.Context, cfg *types.SlotConfig) ([]*types.Lead, error) {
	maxNew := cfg.MaxNewPerCycle
	if maxNew < 1 {
		maxNew = 10
	}

	if cfg.APIPreferred() {
		leads, err := p.fetchRecentAPI(ctx, cfg, maxNew)
		if err == nil {
			metrics.PagesFetched.WithLabelValues(p.w.slotID, "api").Inc()
			return leads, nil
		}
		if errors.Is(err, errStopRequested) {
			return nil, err
		}
		p.w.logger.Debug().Err(err).Msg("Recent API fetch failed, falling back to browser")
	}

	if !cfg.BrowserEnabled() {
		return nil, fmt.Errorf("recent fetch failed and browser is disabled")
	}
	leads, err := p.fetchRecentBrowser(ctx, cfg, maxNew)
	if err != nil {
		return nil, err
	}
	metrics.PagesFetched.WithLabelValues(p.w.slotID, "browser").Inc()
	return leads, nil
}

func (p *pipeline) fetchRecentAPI(ctx context.Context, cfg *types.SlotConfig, maxNew int) ([]*types.Lead, error) {
	url := cfg.RecentAPIURL
	if url == "" {
		url = portal.DefaultRecentAPIURL
	}
	req, err := session.NewRequest("GET", url)
	if err != nil {
		return nil, err
	}
	resp, err := p.w.sess.Client().Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("recent API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if session.LoggedOut(resp.StatusCode, resp.Request.URL.String(), string(body)) {
		return nil, p.w.markNeedsLogin("recent API returned a logged-out response")
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("recent API returned status %d", resp.StatusCode)
	}
	if cfg.DebugSnapshot {
		p.w.store.WriteSnapshot(p.w.slotID, "debug_recent_api.json", body)
	}
	return portal.ParsePayload(body, maxNew)
}

func (p *pipeline) fetchRecentBrowser(ctx context.Context, cfg *types.SlotConfig, maxNew int) ([]*types.Lead, error) {
	url := cfg.RecentURL
	if url == "" {
		url = portal.DefaultRecentURL
	}
	wait := time.Duration(cfg.RecentWaitMS) * time.Millisecond
	if wait <= 0 {
		wait = time.Duration(cfg.RenderWaitMS) * time.Millisecond
	}
	page, err := p.w.driver.RenderPage(ctx, url, wait)
	if err != nil {
		return nil, fmt.Errorf("failed to render recent page: %w", err)
	}
	if session.LoggedOut(200, page.Final, page.HTML) {
		return nil, p.w.markNeedsLogin("recent page redirected to login")
	}
	if cfg.DebugSnapshot {
		p.w.store.WriteSnapshot(p.w.slotID, "debug_recent.html", []byte(page.HTML))
	}
	return portal.ParseRecentHTML(page.HTML, cfg.TopCardCount, maxNew)
}

func (p *pipeline) publishLead(typ events.EventType, lead *types.Lead) {
	if p.w.broker != nil {
		p.w.broker.Publish(events.Event{Type: typ, SlotID: p.w.slotID, LeadKey: lead.Key, Detail: lead.Title})
	}
}
