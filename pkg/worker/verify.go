package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/leadhive/leadhive/pkg/browser"
	"github.com/leadhive/leadhive/pkg/events"
	"github.com/leadhive/leadhive/pkg/metrics"
	"github.com/leadhive/leadhive/pkg/portal"
	"github.com/leadhive/leadhive/pkg/session"
	"github.com/leadhive/leadhive/pkg/types"
)

// verify fetches the purchased-leads page and reconciles it against
// recently clicked leads.
func (p *pipeline) verify(ctx context.Context, cfg *types.SlotConfig) error {
	p.setPhase(types.PhaseFetchVerified, "fetching purchased leads")

	html, err := p.fetchVerified(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.DebugSnapshot {
		p.w.store.WriteSnapshot(p.w.slotID, "debug_verified.html", []byte(html))
	}

	p.setPhase(types.PhaseParseVerified, "")
	entries, err := portal.ParseVerifiedHTML(html)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	// Candidates are the slot's recent clicked (and captured, for the
	// detail-URL path) leads.
	candidates, err := p.w.ledger.LeadsForSlot(p.w.slotID, 500)
	if err != nil {
		return err
	}
	var unverified []*types.Lead
	for _, lead := range candidates {
		if lead.Status == types.LeadClicked || lead.Status == types.LeadCaptured {
			unverified = append(unverified, lead)
		}
	}

	matched := portal.MatchVerified(unverified, entries)
	if len(matched) == 0 {
		return nil
	}
	portal.StampVerified(matched, time.Now())

	keys := make([]string, 0, len(matched))
	for _, lead := range matched {
		keys = append(keys, lead.Key)
	}
	count, err := p.w.ledger.MarkVerified(p.w.slotID, keys)
	if err != nil {
		return fmt.Errorf("failed to mark verified leads: %w", err)
	}
	if count > 0 {
		p.w.store.UpdateState(p.w.slotID, func(s *types.SlotState) {
			s.Metrics.VerifiedTotal += int64(count)
		})
		metrics.LeadsVerified.WithLabelValues(p.w.slotID).Add(float64(count))
		for _, lead := range matched {
			p.publishLead(events.LeadVerified, lead)
		}
		p.w.logger.Info().Int("verified", count).Msg("Leads verified against purchased page")
	}
	return nil
}

func (p *pipeline) fetchVerified(ctx context.Context, cfg *types.SlotConfig) (string, error) {
	url := cfg.VerifiedURL
	if url == "" {
		url = portal.DefaultVerifiedURL
	}

	if cfg.BrowserEnabled() {
		wait := time.Duration(cfg.VerifyRenderWaitMS) * time.Millisecond
		page, err := p.w.driver.RenderPage(ctx, url, wait)
		if err == nil {
			if session.LoggedOut(200, page.Final, page.HTML) {
				return "", p.w.markNeedsLogin("verified page redirected to login")
			}
			return page.HTML, nil
		}
		if !errors.Is(err, browser.ErrUnavailable) {
			return "", fmt.Errorf("failed to render verified page: %w", err)
		}
	}

	req, err := session.NewRequest("GET", url)
	if err != nil {
		return "", err
	}
	resp, err := p.w.sess.Client().Do(req.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("verified page request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if session.LoggedOut(resp.StatusCode, resp.Request.URL.String(), string(body)) {
		return "", p.w.markNeedsLogin("verified page returned a logged-out response")
	}
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("verified page returned status %d", resp.StatusCode)
	}
	return string(body), nil
}
