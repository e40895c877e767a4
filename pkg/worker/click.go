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
	"github.com/leadhive/leadhive/pkg/session"
	"github.com/leadhive/leadhive/pkg/types"
)

const (
	clickMaxRetries = 2
)

// clickBackoff returns the delay before retry attempt n (1-based),
// capped at 6 seconds.
func clickBackoff(attempt int) time.Duration {
	d := time.Duration(2*attempt) * time.Second
	if d > 6*time.Second {
		d = 6 * time.Second
	}
	return d
}

// clickLeads attempts to purchase accepted leads up to the per-cycle
// budget. Returns the number of successful clicks.
func (p *pipeline) clickLeads(ctx context.Context, cfg *types.SlotConfig, leads []*types.Lead) (int, error) {
	budget := cfg.ClickBudget()
	if budget < 1 {
		budget = 1
	}

	clicked := 0
	for _, lead := range leads {
		if clicked >= budget {
			break
		}
		if err := ctx.Err(); err != nil {
			return clicked, err
		}

		if cfg.DryRun {
			p.markClicked(lead, "dry_run")
			clicked++
			continue
		}

		var lastErr error
		for attempt := 0; attempt <= clickMaxRetries; attempt++ {
			if attempt > 0 {
				if !p.w.sleep(ctx, clickBackoff(attempt)) {
					return clicked, ctx.Err()
				}
			}
			strategy, err := p.clickOnce(ctx, cfg, lead)
			if err == nil {
				p.markClicked(lead, strategy)
				clicked++
				lastErr = nil
				break
			}
			if errors.Is(err, errStopRequested) {
				return clicked, err
			}
			lastErr = err
		}
		if lastErr != nil {
			p.w.logger.Warn().Err(lastErr).Str("lead_key", lead.Key).Msg("Click failed after retries")
			p.w.store.UpdateState(p.w.slotID, func(s *types.SlotState) {
				s.Metrics.Errors++
				s.Metrics.LastError = lastErr.Error()
				s.Metrics.RecomputeErrorRate()
			})
		}
	}

	if clicked > 0 {
		p.w.store.UpdateState(p.w.slotID, func(s *types.SlotState) {
			s.Metrics.ClickedTotal += int64(clicked)
		})
	}
	return clicked, nil
}

// clickOnce runs the strategy ladder for one lead: navigate to the buy
// URL, click the buy control by selector, then a scripted click. With
// no browser available it falls back to an HTTP GET of the buy URL.
func (p *pipeline) clickOnce(ctx context.Context, cfg *types.SlotConfig, lead *types.Lead) (string, error) {
	if !cfg.BrowserEnabled() {
		return "http", p.clickHTTP(ctx, lead)
	}

	target := lead.BuyURL
	if target == "" && cfg.AllowDetailClick {
		target = lead.DetailURL
	}

	if target != "" {
		page, err := p.w.driver.RenderPage(ctx, target, browser.DefaultTimeout)
		if err == nil {
			if session.LoggedOut(200, page.Final, page.HTML) {
				return "", p.w.markNeedsLogin("buy page redirected to login")
			}
			return "navigate", nil
		}
		if errors.Is(err, browser.ErrUnavailable) {
			return "http", p.clickHTTP(ctx, lead)
		}
	}

	if lead.LeadID != "" {
		selectors := []string{
			fmt.Sprintf("a[data-ofrid='%s']", lead.LeadID),
			fmt.Sprintf("div[id*='%s'] a[class*='buy']", lead.LeadID),
			fmt.Sprintf("button[data-blid='%s']", lead.LeadID),
		}
		for _, sel := range selectors {
			if err := p.w.driver.ClickBySelector(ctx, sel); err == nil {
				return "selector", nil
			}
		}

		script := fmt.Sprintf(
			`(function(){var el=document.querySelector("[data-ofrid='%[1]s'],[data-blid='%[1]s']");if(el){el.click();return true}return false})()`,
			lead.LeadID)
		if out, err := p.w.driver.EvaluateScript(ctx, script); err == nil && out == "true" {
			return "script", nil
		}
	}

	return "", fmt.Errorf("no click strategy succeeded for %s", lead.Key)
}

// clickHTTP fires the buy URL through the session client.
func (p *pipeline) clickHTTP(ctx context.Context, lead *types.Lead) error {
	target := lead.BuyURL
	if target == "" {
		target = lead.DetailURL
	}
	if target == "" {
		return fmt.Errorf("lead %s has no clickable URL", lead.Key)
	}
	req, err := session.NewRequest("GET", target)
	if err != nil {
		return err
	}
	resp, err := p.w.sess.Client().Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("buy request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if session.LoggedOut(resp.StatusCode, resp.Request.URL.String(), string(body)) {
		return p.w.markNeedsLogin("buy request returned a logged-out response")
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("buy request returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *pipeline) markClicked(lead *types.Lead, strategy string) {
	now := time.Now().UTC()
	lead.Status = types.LeadClicked
	lead.ClickedAt = &now
	p.w.ledger.AppendLeads(p.w.slotID, []*types.Lead{lead})
	metrics.LeadsClicked.WithLabelValues(p.w.slotID).Inc()
	p.w.logger.Info().Str("lead_key", lead.Key).Str("strategy", strategy).Msg("Lead clicked")
	p.publishLead(events.LeadClicked, lead)
}
