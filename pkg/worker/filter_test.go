package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadhive/leadhive/pkg/types"
)

func intPtr(v int) *int { return &v }

func freshLead(key, title string) *types.Lead {
	return &types.Lead{
		Key:        key,
		Title:      title,
		Status:     types.LeadCaptured,
		AgeSeconds: intPtr(10),
	}
}

// TestApplyFiltersDedup tests silent duplicate skipping
func TestApplyFiltersDedup(t *testing.T) {
	leads := []*types.Lead{freshLead("a", "Brass Valves"), freshLead("b", "Steel Rods")}
	res := applyFilters(leads, &types.SlotConfig{}, map[string]bool{"a": true}, time.Now())

	assert.Equal(t, 1, res.Duplicate)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, "b", res.Accepted[0].Key)
	assert.Empty(t, res.Rejected)
}

// TestRejectReasonOrder tests that the first failing filter wins
func TestRejectReasonOrder(t *testing.T) {
	now := time.Now()
	old := now.Add(-10 * 24 * 30 * time.Hour)

	tests := []struct {
		name string
		lead *types.Lead
		cfg  *types.SlotConfig
		want types.RejectReason
	}{
		{
			name: "exclude term beats search term",
			lead: freshLead("a", "Used Brass Valves"),
			cfg: &types.SlotConfig{
				SearchTerms:  []string{"valves"},
				ExcludeTerms: []string{"used"},
			},
			want: types.RejectKeywordExcluded,
		},
		{
			name: "search term miss",
			lead: freshLead("a", "Steel Rods"),
			cfg:  &types.SlotConfig{SearchTerms: []string{"valves"}},
			want: types.RejectKeywordMiss,
		},
		{
			name: "unknown age beats search term miss",
			lead: &types.Lead{Key: "a", Title: "Steel Rods"},
			cfg:  &types.SlotConfig{SearchTerms: []string{"valves"}},
			want: types.RejectAgeUnknown,
		},
		{
			name: "country beats search term miss",
			lead: &types.Lead{Key: "a", Title: "Steel Rods", AgeSeconds: intPtr(1), Country: "Germany"},
			cfg:  &types.SlotConfig{SearchTerms: []string{"valves"}, Country: []string{"india"}},
			want: types.RejectCountryNotAllowed,
		},
		{
			name: "unknown age rejected by default",
			lead: &types.Lead{Key: "a", Title: "Brass"},
			cfg:  &types.SlotConfig{},
			want: types.RejectAgeUnknown,
		},
		{
			name: "zero second only",
			lead: &types.Lead{Key: "a", Title: "Brass", AgeSeconds: intPtr(1)},
			cfg:  &types.SlotConfig{ZeroSecondOnly: true},
			want: types.RejectAgeTooOld,
		},
		{
			name: "default cap is 24h",
			lead: &types.Lead{Key: "a", Title: "Brass", AgeSeconds: intPtr(86401)},
			cfg:  &types.SlotConfig{},
			want: types.RejectAgeTooOld,
		},
		{
			name: "mobile required",
			lead: freshLead("a", "Brass"),
			cfg:  &types.SlotConfig{RequireMobileAvailable: true},
			want: types.RejectMobileMissing,
		},
		{
			name: "mobile verification required",
			lead: &types.Lead{Key: "a", Title: "Brass", AgeSeconds: intPtr(1), MobileAvailable: true},
			cfg:  &types.SlotConfig{RequireMobileVerified: true},
			want: types.RejectMobileUnverified,
		},
		{
			name: "whatsapp required",
			lead: freshLead("a", "Brass"),
			cfg:  &types.SlotConfig{RequireWhatsappAvailable: true},
			want: types.RejectWhatsappMissing,
		},
		{
			name: "country not allowed",
			lead: &types.Lead{Key: "a", Title: "Brass", AgeSeconds: intPtr(1), Country: "Germany"},
			cfg:  &types.SlotConfig{Country: []string{"india"}},
			want: types.RejectCountryNotAllowed,
		},
		{
			name: "member tenure unknown",
			lead: freshLead("a", "Brass"),
			cfg:  &types.SlotConfig{MinMemberMonths: 6},
			want: types.RejectMemberUnknown,
		},
		{
			name: "member too new",
			lead: &types.Lead{Key: "a", Title: "Brass", AgeSeconds: intPtr(1),
				MemberSince: timePtr(now.Add(-30 * 24 * time.Hour))},
			cfg:  &types.SlotConfig{MinMemberMonths: 6},
			want: types.RejectMemberTooNew,
		},
		{
			name: "old member passes tenure",
			lead: &types.Lead{Key: "a", Title: "Brass", AgeSeconds: intPtr(1), MemberSince: &old},
			cfg:  &types.SlotConfig{MinMemberMonths: 6},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rejectReason(tt.lead, tt.cfg, now))
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// TestAgeBoundaries tests max_lead_age_seconds edge behavior
func TestAgeBoundaries(t *testing.T) {
	now := time.Now()

	cfg := &types.SlotConfig{MaxLeadAgeSeconds: 300}
	assert.Equal(t, types.RejectReason(""),
		rejectReason(&types.Lead{Key: "a", Title: "t", AgeSeconds: intPtr(300)}, cfg, now))
	assert.Equal(t, types.RejectAgeTooOld,
		rejectReason(&types.Lead{Key: "a", Title: "t", AgeSeconds: intPtr(301)}, cfg, now))

	// allow_unknown_age admits leads with no parsed age.
	cfg = &types.SlotConfig{AllowUnknownAge: true}
	assert.Equal(t, types.RejectReason(""),
		rejectReason(&types.Lead{Key: "a", Title: "t"}, cfg, now))

	// zero_second_only still accepts a genuine zero.
	cfg = &types.SlotConfig{ZeroSecondOnly: true}
	assert.Equal(t, types.RejectReason(""),
		rejectReason(&types.Lead{Key: "a", Title: "t", AgeSeconds: intPtr(0)}, cfg, now))
}

// TestCountryUnion tests that country and client_regions combine into
// one allow-list
func TestCountryUnion(t *testing.T) {
	now := time.Now()
	cfg := &types.SlotConfig{ClientRegions: []string{"india"}}

	assert.Equal(t, types.RejectReason(""),
		rejectReason(&types.Lead{Key: "a", Title: "t", AgeSeconds: intPtr(1), Country: "India"}, cfg, now))
	assert.Equal(t, types.RejectCountryNotAllowed,
		rejectReason(&types.Lead{Key: "a", Title: "t", AgeSeconds: intPtr(1), Country: "Brazil"}, cfg, now))

	// Both lists admit: a lead matching either side passes.
	cfg = &types.SlotConfig{Country: []string{"brazil"}, ClientRegions: []string{"india"}}
	assert.Equal(t, types.RejectReason(""),
		rejectReason(&types.Lead{Key: "a", Title: "t", AgeSeconds: intPtr(1), Country: "Brazil"}, cfg, now))
	assert.Equal(t, types.RejectReason(""),
		rejectReason(&types.Lead{Key: "a", Title: "t", AgeSeconds: intPtr(1), Country: "India"}, cfg, now))
	assert.Equal(t, types.RejectCountryNotAllowed,
		rejectReason(&types.Lead{Key: "a", Title: "t", AgeSeconds: intPtr(1), Country: "Germany"}, cfg, now))
}

// TestConfigHelpers tests budget and age helpers
func TestConfigHelpers(t *testing.T) {
	cfg := &types.SlotConfig{}
	assert.Equal(t, 86400, cfg.EffectiveMaxAge())
	assert.Equal(t, 0, cfg.ClickBudget())
	assert.True(t, cfg.BrowserEnabled())
	assert.True(t, cfg.APIPreferred())

	cfg = &types.SlotConfig{
		MaxLeadAgeSeconds:        60,
		MaxClicksPerCycle:        5,
		MaxVerifiedLeadsPerCycle: 2,
	}
	assert.Equal(t, 60, cfg.EffectiveMaxAge())
	assert.Equal(t, 2, cfg.ClickBudget())

	cfg = &types.SlotConfig{MaxClicksPerCycle: 5}
	assert.Equal(t, 5, cfg.ClickBudget())

	// max_age_hours backs the cap when the seconds field is unset.
	cfg = &types.SlotConfig{MaxAgeHours: 2}
	assert.Equal(t, 7200, cfg.EffectiveMaxAge())
	cfg = &types.SlotConfig{MaxAgeHours: 2, MaxLeadAgeSeconds: 60}
	assert.Equal(t, 60, cfg.EffectiveMaxAge())
}
