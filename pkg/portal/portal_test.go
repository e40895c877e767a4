package portal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadhive/leadhive/pkg/types"
)

// TestParseAgeSeconds tests age label parsing
func TestParseAgeSeconds(t *testing.T) {
	tests := []struct {
		label string
		want  int
	}{
		{"just now", 0},
		{"0 secs", 0},
		{"5 secs", 5},
		{"1 sec", 1},
		{"3 mins", 180},
		{"1 minute", 60},
		{"2 hrs", 7200},
		{"1 hour", 3600},
		{"2 days", 172800},
		{"  10 Mins ago ", 600},
		{"", -1},
		{"yesterday", -1},
		{"soon", -1},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAgeSeconds(tt.label))
		})
	}
}

// TestExtractIDFromURL tests the id pattern battery
func TestExtractIDFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://seller.indiamart.com/bltxn/?blid=12345", "12345"},
		{"https://seller.indiamart.com/x?rfq_id=987", "987"},
		{"/bltxn/default/bl/555/", "555"},
		{"https://x.com/lead/777?x=1", "777"},
		{"https://x.com/?enquiryid=31337", "31337"},
		{"https://x.com/nothing", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractIDFromURL(tt.url), tt.url)
	}
}

// TestExtractIDs tests dedup and ordering of markup id extraction
func TestExtractIDs(t *testing.T) {
	html := `<a href="?blid=100">x</a><div data-blid="200"></div><a href="?blid=100">y</a>`
	assert.Equal(t, []string{"100", "200"}, ExtractIDs(html))
}

// TestNormalizeURL tests doubled-domain repair and relative resolution
func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"https://seller.indiamart.com//seller.indiamart.com/bltxn/?x=1",
			"https://seller.indiamart.com/bltxn/?x=1",
		},
		{"//seller.indiamart.com/a", "https://seller.indiamart.com/a"},
		{"/bltxn/abc", "https://seller.indiamart.com/bltxn/abc"},
		{"https://other.example/x", "https://other.example/x"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeURL(tt.in), tt.in)
	}
}

// TestLeadKey tests identity assignment
func TestLeadKey(t *testing.T) {
	withID := &types.Lead{LeadID: "42", Title: "Brass Valves"}
	assert.Equal(t, "id:42", LeadKey(withID))
	assert.False(t, withID.LeadIDSynthetic)

	anon := &types.Lead{Title: "Brass Valves", Country: "India"}
	key := LeadKey(anon)
	require.True(t, len(key) == len("hash:")+16)
	assert.Contains(t, key, "hash:")
	assert.True(t, anon.LeadIDSynthetic)

	// Same identity fields, same key.
	again := &types.Lead{Title: "brass  VALVES", Country: "india"}
	assert.Equal(t, key, LeadKey(again))

	// A different title changes the key.
	other := &types.Lead{Title: "Steel Pipes", Country: "India"}
	assert.NotEqual(t, key, LeadKey(other))
}

// TestCountryAllowed tests the short-token and substring matching rules
func TestCountryAllowed(t *testing.T) {
	tests := []struct {
		name    string
		country string
		code    string
		allowed []string
		want    bool
	}{
		{"empty allow-list passes", "Anywhere", "", nil, true},
		{"code exact match", "United States", "US", []string{"us"}, true},
		{"short token whole-word only", "Australia", "", []string{"usa"}, false},
		{"short token matches token", "USA (California)", "", []string{"usa"}, true},
		{"short token no substring", "Rusambia", "", []string{"usa"}, false},
		{"long entry substring match", "United Arab Emirates", "", []string{"emirates"}, true},
		{"long entry miss", "India", "", []string{"germany"}, false},
		{"case folding", "INDIA", "", []string{"India"}, true},
		{"uk token", "London, UK", "", []string{"uk"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CountryAllowed(tt.country, tt.code, tt.allowed))
		})
	}
}

// TestPhonesMatch tests last-10-digit comparison
func TestPhonesMatch(t *testing.T) {
	assert.True(t, PhonesMatch("+91 98765 43210", "09876543210"))
	assert.True(t, PhonesMatch("9876543210", "+91-9876543210"))
	assert.False(t, PhonesMatch("9876543210", "9876543211"))
	assert.False(t, PhonesMatch("12345", "12345"))
}

// TestTruncate tests that byte-capped cuts land on rune boundaries
func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))

	// "é" is two bytes; a cut inside it backs up to the boundary.
	s := "abécd"
	assert.Equal(t, "ab", truncate(s, 3))
	assert.Equal(t, "abé", truncate(s, 4))
	assert.Equal(t, "ताँ", truncate("ताँबा", 9))
}

// TestParsePayload tests first-fold JSON extraction
func TestParsePayload(t *testing.T) {
	payload := []byte(`{
		"DisplayList": [
			{
				"ETO_OFR_ID": "9001",
				"ETO_OFR_TITLE": "Industrial Brass Valves",
				"S_COUNTRY": "India",
				"ISO": "IN",
				"BLDATETIME": "3 mins",
				"MOBILE_VERIFIED": "Y",
				"EMAIL_AVAILABLE": 1,
				"bl_detail_url": "/bltxn/default/bl/9001/"
			},
			{
				"ETO_OFR_TITLE": "No ID Lead",
				"S_COUNTRY": "USA",
				"BLDATETIME": "just now"
			},
			{"ETO_OFR_ID": "9003", "ETO_OFR_TITLE": "Over Budget"}
		]
	}`)

	leads, err := ParsePayload(payload, 2)
	require.NoError(t, err)
	require.Len(t, leads, 2)

	first := leads[0]
	assert.Equal(t, "id:9001", first.Key)
	assert.Equal(t, "Industrial Brass Valves", first.Title)
	assert.Equal(t, "India", first.Country)
	assert.Equal(t, "IN", first.CountryCode)
	require.NotNil(t, first.AgeSeconds)
	assert.Equal(t, 180, *first.AgeSeconds)
	assert.True(t, first.MobileVerified)
	assert.True(t, first.EmailAvailable)
	assert.Equal(t, 1, first.TopCardRank)
	assert.Contains(t, first.DetailURL, "/bl/9001/")

	second := leads[1]
	assert.True(t, second.LeadIDSynthetic)
	assert.Contains(t, second.Key, "hash:")
	require.NotNil(t, second.AgeSeconds)
	assert.Equal(t, 0, *second.AgeSeconds)
}

// TestParsePayloadMalformed tests error and empty handling
func TestParsePayloadMalformed(t *testing.T) {
	_, err := ParsePayload([]byte("not json"), 10)
	assert.Error(t, err)

	leads, err := ParsePayload([]byte(`{"other": true}`), 10)
	assert.NoError(t, err)
	assert.Empty(t, leads)

	// Envelope variant.
	leads, err = ParsePayload([]byte(`{"data":{"displayList":[{"ETO_OFR_ID":"1","ETO_OFR_TITLE":"t"}]}}`), 10)
	assert.NoError(t, err)
	assert.Len(t, leads, 1)
}
