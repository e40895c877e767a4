package portal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadhive/leadhive/pkg/types"
)

const recentPage = `
<html><body>
  <div class="bl_grid">
    <input name="ofrid" value="1001">
    <h2>Copper Wire Scrap</h2>
    <span class="bl_time">2 mins</span>
    <input name="country" value="India">
    <a href="/bltxn/default/bl/1001/">view</a>
    <span>Verified Mobile</span>
  </div>
  <div class="bl_grid">
    <h2>Steel Rods 12mm</h2>
    <span class="bl_time">just now</span>
    <span class="bl_country">United Kingdom</span>
    <a href="?blid=1002">view</a>
  </div>
  <div class="bl_grid">
    <h2>Aluminium Sheets</h2>
    <span class="bl_time">4 hrs</span>
  </div>
</body></html>`

// TestParseRecentHTML tests card extraction from the rendered page
func TestParseRecentHTML(t *testing.T) {
	leads, err := ParseRecentHTML(recentPage, 2, 10)
	require.NoError(t, err)
	require.Len(t, leads, 3)

	first := leads[0]
	assert.Equal(t, "1001", first.LeadID)
	assert.Equal(t, "id:1001", first.Key)
	assert.Equal(t, "Copper Wire Scrap", first.Title)
	assert.Equal(t, "India", first.Country)
	require.NotNil(t, first.AgeSeconds)
	assert.Equal(t, 120, *first.AgeSeconds)
	assert.True(t, first.TopCard)
	assert.Equal(t, 1, first.TopCardRank)
	assert.True(t, first.MobileVerified)

	second := leads[1]
	assert.Equal(t, "1002", second.LeadID)
	assert.Equal(t, "United Kingdom", second.Country)
	assert.True(t, second.TopCard)

	third := leads[2]
	assert.False(t, third.TopCard)
	assert.Equal(t, 3, third.TopCardRank)
}

// TestParseRecentHTMLLimits tests the max-new cap and empty documents
func TestParseRecentHTMLLimits(t *testing.T) {
	leads, err := ParseRecentHTML(recentPage, 3, 1)
	require.NoError(t, err)
	assert.Len(t, leads, 1)

	leads, err = ParseRecentHTML("<html><body><p>nothing here</p></body></html>", 3, 10)
	require.NoError(t, err)
	assert.Empty(t, leads)
}

const verifiedPage = `
<html><body>
  <div class="mypurchased_row">
    <a href="?blid=1001">Copper Wire Scrap</a>
    <span>+91 98765 43210</span>
  </div>
  <div class="mypurchased_row">
    <h3>Steel Rods 12mm</h3>
    <span>buyer@example.com</span>
  </div>
</body></html>`

// TestParseVerifiedHTML tests purchased-row extraction
func TestParseVerifiedHTML(t *testing.T) {
	entries, err := ParseVerifiedHTML(verifiedPage)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "1001", entries[0].LeadID)
	assert.NotEmpty(t, entries[0].Mobile)
	assert.Equal(t, "buyer@example.com", entries[1].Email)
	assert.Equal(t, "Steel Rods 12mm", entries[1].Title)
}

// TestMatchVerified tests the match priority ladder
func TestMatchVerified(t *testing.T) {
	leads := []*types.Lead{
		{Key: "id:1", LeadID: "1", Title: "Alpha", Mobile: "+91 9876543210"},
		{Key: "id:2", LeadID: "2", Title: "Beta", DetailURL: "https://x/?blid=222"},
		{Key: "hash:aa", Title: "Gamma Product", Email: "g@example.com"},
		{Key: "hash:bb", Title: "Delta Item"},
	}

	entries := []VerifiedEntry{
		{LeadID: "1"},                        // direct id
		{LeadID: "222"},                      // via detail URL
		{Email: "G@example.com "},            // email, case folded
		{Title: "delta  ITEM"},               // normalized title
		{LeadID: "999", Title: "no such"},    // no match
	}

	matched := MatchVerified(leads, entries)
	require.Len(t, matched, 4)
	keys := make(map[string]bool)
	for _, lead := range matched {
		keys[lead.Key] = true
	}
	assert.True(t, keys["id:1"])
	assert.True(t, keys["id:2"])
	assert.True(t, keys["hash:aa"])
	assert.True(t, keys["hash:bb"])
}

// TestMatchVerifiedTitleSubstring tests that long titles match on
// containment, short titles only exactly
func TestMatchVerifiedTitleSubstring(t *testing.T) {
	leads := []*types.Lead{
		{Key: "a", Title: "Copper Wire Scrap 99.9% Purity"},
		{Key: "b", Title: "Rod"},
	}

	// The verified page often renders a truncated form of the title.
	matched := MatchVerified(leads, []VerifiedEntry{{Title: "Copper Wire Scrap"}})
	require.Len(t, matched, 1)
	assert.Equal(t, "a", matched[0].Key)

	// Short titles are too ambiguous for containment.
	matched = MatchVerified(leads, []VerifiedEntry{{Title: "Rod Iron Gates"}})
	assert.Empty(t, matched)
	matched = MatchVerified(leads, []VerifiedEntry{{Title: "Rod"}})
	require.Len(t, matched, 1)
	assert.Equal(t, "b", matched[0].Key)
}

// TestMatchVerifiedPhonePriority tests phone matching on last 10 digits
func TestMatchVerifiedPhonePriority(t *testing.T) {
	leads := []*types.Lead{
		{Key: "a", Title: "One", Mobile: "09876543210"},
	}
	matched := MatchVerified(leads, []VerifiedEntry{{Mobile: "+91-98765-43210"}})
	require.Len(t, matched, 1)
	assert.Equal(t, "a", matched[0].Key)

	// Each lead matches at most once.
	matched = MatchVerified(leads, []VerifiedEntry{
		{Mobile: "+91-98765-43210"},
		{Title: "One"},
	})
	assert.Len(t, matched, 1)
}
