package worker

import (
	"strings"
	"time"

	"github.com/leadhive/leadhive/pkg/portal"
	"github.com/leadhive/leadhive/pkg/types"
)

// FilterResult is the outcome of running the filter chain over a batch
// of parsed leads.
type FilterResult struct {
	Accepted  []*types.Lead
	Rejected  []*types.Lead
	Duplicate int
}

// applyFilters runs the ordered filter chain. Duplicates are silently
// counted; every other rejection stamps the first failing reason on
// the lead. Order is fixed: dedup, exclude terms, age, contact
// requirements, country, member tenure, search terms. Search terms
// come last so a more specific reason wins over a plain keyword miss.
func applyFilters(leads []*types.Lead, cfg *types.SlotConfig, existing map[string]bool, now time.Time) FilterResult {
	var res FilterResult
	for _, lead := range leads {
		if existing[lead.Key] {
			res.Duplicate++
			continue
		}
		if reason := rejectReason(lead, cfg, now); reason != "" {
			lead.Status = types.LeadRejected
			lead.RejectReason = reason
			res.Rejected = append(res.Rejected, lead)
			continue
		}
		res.Accepted = append(res.Accepted, lead)
	}
	return res
}

func rejectReason(lead *types.Lead, cfg *types.SlotConfig, now time.Time) types.RejectReason {
	title := portal.NormalizeTitle(lead.Title)

	for _, term := range cfg.ExcludeTerms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t != "" && strings.Contains(title, t) {
			return types.RejectKeywordExcluded
		}
	}

	if lead.AgeSeconds == nil {
		if !cfg.AllowUnknownAge {
			return types.RejectAgeUnknown
		}
	} else {
		age := *lead.AgeSeconds
		if cfg.ZeroSecondOnly && age != 0 {
			return types.RejectAgeTooOld
		}
		if age > cfg.EffectiveMaxAge() {
			return types.RejectAgeTooOld
		}
	}

	if cfg.RequireMobileAvailable && !lead.MobileAvailable {
		return types.RejectMobileMissing
	}
	if cfg.RequireMobileVerified && !lead.MobileVerified {
		return types.RejectMobileUnverified
	}
	if cfg.RequireEmailAvailable && !lead.EmailAvailable {
		return types.RejectEmailMissing
	}
	if cfg.RequireEmailVerified && !lead.EmailVerified {
		return types.RejectEmailUnverified
	}
	if cfg.RequireWhatsappAvailable && !lead.WhatsappAvailable {
		return types.RejectWhatsappMissing
	}

	// The allow-list is the union of the slot's countries and the
	// client's regions.
	allowed := append(append([]string{}, cfg.Country...), cfg.ClientRegions...)
	if len(allowed) > 0 && !portal.CountryAllowed(lead.Country, lead.CountryCode, allowed) {
		return types.RejectCountryNotAllowed
	}

	if cfg.MinMemberMonths > 0 {
		months := lead.MemberMonths(now)
		if months < 0 {
			return types.RejectMemberUnknown
		}
		if months < cfg.MinMemberMonths {
			return types.RejectMemberTooNew
		}
	}

	if len(cfg.SearchTerms) > 0 {
		matched := false
		for _, term := range cfg.SearchTerms {
			t := strings.ToLower(strings.TrimSpace(term))
			if t != "" && strings.Contains(title, t) {
				matched = true
				break
			}
		}
		if !matched {
			return types.RejectKeywordMiss
		}
	}

	return ""
}
