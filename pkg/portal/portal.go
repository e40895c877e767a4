// Package portal understands the seller portal's two lead surfaces: the
// JSON first-fold endpoint and the rendered recent-leads DOM. It also
// owns lead identity (portal id or synthesized content hash), age-label
// parsing and the country matching rules shared by filtering and
// clicking.
package portal

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/leadhive/leadhive/pkg/types"
)

// Default portal endpoints; overridable per slot.
const (
	DefaultRecentURL    = "https://seller.indiamart.com/bltxn/?pref=recent"
	DefaultRecentAPIURL = "https://seller.indiamart.com/bltxn/default/BringFirstFoldOfBLOnRelevant/"
	DefaultVerifiedURL  = "https://seller.indiamart.com/blproduct/mypurchasedbl?disp=D"
)

// idPatterns matches the portal's many ways of carrying a lead id in a
// URL or markup.
var idPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)blid=([0-9]+)`),
	regexp.MustCompile(`(?i)bl_id=([0-9]+)`),
	regexp.MustCompile(`(?i)rfq_id=([0-9]+)`),
	regexp.MustCompile(`(?i)leadid=([0-9]+)`),
	regexp.MustCompile(`(?i)lead_id=([0-9]+)`),
	regexp.MustCompile(`(?i)enqid=([0-9]+)`),
	regexp.MustCompile(`(?i)enquiryid=([0-9]+)`),
	regexp.MustCompile(`(?i)inquiryid=([0-9]+)`),
	regexp.MustCompile(`(?i)/bl/([0-9]+)`),
	regexp.MustCompile(`(?i)/lead/([0-9]+)`),
}

var dataIDPattern = regexp.MustCompile(`(?i)data-[a-z0-9_-]*(?:bl|lead|rfq|enq)[a-z0-9_-]*=["']([0-9]+)["']`)

var (
	phonePattern = regexp.MustCompile(`\+(\d[\d\-\s]{7,15}\d)`)
	emailPattern = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)
	agePattern   = regexp.MustCompile(`(?i)(\d+)\s*(sec|s|second|seconds|min|mins|minute|minutes|hr|hrs|hour|hours|day|days)`)
	nonWord      = regexp.MustCompile(`\W+`)
	digitsOnly   = regexp.MustCompile(`\D`)
)

// ExtractIDFromURL pulls a lead id out of a portal URL, or "".
func ExtractIDFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	for _, p := range idPatterns {
		if m := p.FindStringSubmatch(raw); m != nil {
			return m[1]
		}
	}
	return ""
}

// ExtractIDs collects every distinct lead id referenced in a blob of
// markup, in first-seen order.
func ExtractIDs(html string) []string {
	if html == "" {
		return nil
	}
	seen := make(map[string]bool)
	var found []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			found = append(found, id)
		}
	}
	for _, p := range idPatterns {
		for _, m := range p.FindAllStringSubmatch(html, -1) {
			add(m[1])
		}
	}
	for _, m := range dataIDPattern.FindAllStringSubmatch(html, -1) {
		add(m[1])
	}
	return found
}

// NormalizeURL repairs the portal's doubled-domain links and resolves
// protocol-relative and relative paths against the recent-leads page.
func NormalizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	raw = regexp.MustCompile(`^(https?:)?//seller\.indiamart\.com//`).ReplaceAllString(raw, "https://seller.indiamart.com/")
	raw = regexp.MustCompile(`(https?://seller\.indiamart\.com)/+seller\.indiamart\.com/`).ReplaceAllString(raw, "$1/")
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	if strings.HasPrefix(raw, "http") {
		return raw
	}
	base, err := url.Parse(DefaultRecentURL)
	if err != nil {
		return raw
	}
	rel, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(rel).String()
}

// ParseAgeSeconds converts an age label ("just now", "3 mins", "2 hrs")
// to seconds. Returns -1 when the label is unparseable.
func ParseAgeSeconds(label string) int {
	text := strings.ToLower(strings.TrimSpace(label))
	if text == "" {
		return -1
	}
	if strings.Contains(text, "just now") || text == "0 sec" || text == "0 secs" {
		return 0
	}
	m := agePattern.FindStringSubmatch(text)
	if m == nil {
		return -1
	}
	amount, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	unit := m[2]
	switch {
	case strings.HasPrefix(unit, "min"):
		return amount * 60
	case strings.HasPrefix(unit, "s"):
		return amount
	case strings.HasPrefix(unit, "h"):
		return amount * 3600
	case strings.HasPrefix(unit, "d"):
		return amount * 86400
	}
	return -1
}

// LeadKey assigns the stable identity used for dedup: the portal id
// when present, else a content hash over the normalized identity
// fields. Hash keys are flagged synthetic on the lead.
func LeadKey(lead *types.Lead) string {
	if id := strings.TrimSpace(lead.LeadID); id != "" {
		return "id:" + id
	}
	lead.LeadIDSynthetic = true
	age := -1
	if lead.AgeSeconds != nil {
		age = *lead.AgeSeconds
	}
	buyerDetails, _ := lead.RawData["buyer_details_text"].(string)
	orderDetails, _ := lead.RawData["order_details_text"].(string)
	identity := struct {
		Title        string `json:"title"`
		Country      string `json:"country"`
		AgeSeconds   int    `json:"age_seconds"`
		DetailURL    string `json:"detail_url"`
		BuyerDetails string `json:"buyer_details"`
		OrderDetails string `json:"order_details"`
	}{
		Title:        NormalizeTitle(lead.Title),
		Country:      strings.ToLower(strings.TrimSpace(lead.Country)),
		AgeSeconds:   age,
		DetailURL:    strings.Split(lead.DetailURL, "?")[0],
		BuyerDetails: buyerDetails,
		OrderDetails: orderDetails,
	}
	data, err := json.Marshal(identity)
	if err != nil {
		data = []byte(lead.Title + lead.DetailURL)
	}
	sum := sha1.Sum(data)
	return "hash:" + hex.EncodeToString(sum[:])[:16]
}

// NormalizeTitle lowercases and collapses whitespace for title
// comparison.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// NormalizePhone strips everything but digits.
func NormalizePhone(phone string) string {
	return digitsOnly.ReplaceAllString(phone, "")
}

// PhonesMatch compares the last 10 digits of two phone numbers.
func PhonesMatch(a, b string) bool {
	ca, cb := NormalizePhone(a), NormalizePhone(b)
	if len(ca) < 10 || len(cb) < 10 {
		return false
	}
	return ca[len(ca)-10:] == cb[len(cb)-10:]
}

// CountryAllowed applies the matching rules against an allow-list:
// exact country_code match always passes; short tokens (<=3 chars)
// require a whole-token match after splitting on non-word characters;
// longer tokens may substring-match.
func CountryAllowed(country, countryCode string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	countryLower := strings.ToLower(strings.TrimSpace(country))
	codeLower := strings.ToLower(strings.TrimSpace(countryCode))
	tokens := make(map[string]bool)
	for _, tok := range nonWord.Split(countryLower, -1) {
		if tok != "" {
			tokens[tok] = true
		}
	}
	for _, entry := range allowed {
		want := strings.ToLower(strings.TrimSpace(entry))
		if want == "" {
			continue
		}
		if codeLower != "" && want == codeLower {
			return true
		}
		if len(want) <= 3 {
			if tokens[want] {
				return true
			}
			continue
		}
		if tokens[want] || strings.Contains(countryLower, want) {
			return true
		}
	}
	return false
}

// payloadString digs the first non-empty string from a JSON item under
// any of the given keys.
func payloadString(item map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := item[key]; ok {
			switch t := v.(type) {
			case string:
				if s := strings.TrimSpace(t); s != "" {
					return s
				}
			case float64:
				return strconv.FormatFloat(t, 'f', -1, 64)
			}
		}
	}
	return ""
}

func payloadFlag(item map[string]any, keys ...string) bool {
	for _, key := range keys {
		switch t := item[key].(type) {
		case bool:
			if t {
				return true
			}
		case string:
			s := strings.ToLower(strings.TrimSpace(t))
			if s == "1" || s == "y" || s == "yes" || s == "true" {
				return true
			}
		case float64:
			if t != 0 {
				return true
			}
		}
	}
	return false
}

// ParsePayload extracts leads from the first-fold JSON endpoint. Only
// identity and descriptive fields are populated; filtering happens in
// the worker.
func ParsePayload(payload []byte, maxNew int) ([]*types.Lead, error) {
	if maxNew < 1 {
		maxNew = 1
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse recent payload: %w", err)
	}

	items := payloadItems(doc)
	if items == nil {
		return nil, nil
	}

	var leads []*types.Lead
	for rank, raw := range items {
		if len(leads) >= maxNew {
			break
		}
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		lead := &types.Lead{
			Status:      types.LeadCaptured,
			LeadID:      payloadString(item, "ETO_OFR_ID", "BL_ID", "bl_id", "lead_id", "id"),
			Title:       truncate(payloadString(item, "ETO_OFR_TITLE", "ETO_OFR_NAME", "PRODUCT_NAME", "SUBJECT", "ENQ_SUBJECT"), 140),
			Country:     payloadString(item, "S_COUNTRY", "GLUSR_USR_COUNTRYNAME", "SENDER_COUNTRY"),
			CountryCode: payloadString(item, "ISO", "COUNTRY_ISO"),
			City:        payloadString(item, "GLUSR_USR_CITY", "CITY"),
			State:       payloadString(item, "GLUSR_USR_STATE", "STATE"),
			AgeLabel:    payloadString(item, "BLDATETIME", "BLDateTime", "BL_DATE_TIME"),
			TopCardRank: rank + 1,
		}
		if age := ParseAgeSeconds(lead.AgeLabel); age >= 0 {
			lead.AgeSeconds = &age
		}

		lead.MobileAvailable = payloadFlag(item, "MOBILE_AVAILABLE", "IS_MOBILE", "MOB_AVL")
		lead.MobileVerified = payloadFlag(item, "MOBILE_VERIFIED", "MOB_VERIFIED")
		lead.EmailAvailable = payloadFlag(item, "EMAIL_AVAILABLE", "IS_EMAIL", "EMAIL_AVL")
		lead.EmailVerified = payloadFlag(item, "EMAIL_VERIFIED")
		lead.WhatsappAvailable = payloadFlag(item, "WHATSAPP_AVAILABLE", "IS_WHATSAPP")
		lead.Mobile = payloadString(item, "MOBILE", "GLUSR_USR_PH_MOBILE", "SENDER_MOBILE")
		lead.Email = payloadString(item, "EMAIL", "GLUSR_USR_EMAIL", "SENDER_EMAIL")

		if since := payloadString(item, "MEMBER_SINCE", "GLUSR_USR_MEMBER_SINCE"); since != "" {
			if t, err := time.Parse("2006-01-02", since); err == nil {
				lead.MemberSince = &t
			}
		}

		buyURL, detailURL := extractItemURLs(item)
		lead.BuyURL = buyURL
		lead.DetailURL = detailURL
		if lead.BuyURL == "" && lead.DetailURL == "" && lead.LeadID != "" {
			lead.DetailURL = fmt.Sprintf("https://seller.indiamart.com/bltxn/default/bl/%s/", lead.LeadID)
			lead.BuyURL = lead.DetailURL
		}

		lead.RawData = item
		lead.Key = LeadKey(lead)
		leads = append(leads, lead)
	}
	return leads, nil
}

// payloadItems locates the display list, tolerating the endpoint's
// casing drift and the occasional data envelope.
func payloadItems(doc map[string]any) []any {
	for _, key := range []string{"DisplayList", "displayList"} {
		if items, ok := doc[key].([]any); ok {
			return items
		}
	}
	if data, ok := doc["data"].(map[string]any); ok {
		for _, key := range []string{"DisplayList", "displayList"} {
			if items, ok := data[key].([]any); ok {
				return items
			}
		}
	}
	return nil
}

// extractItemURLs scans an item's string values for buy/detail links
// keyed by the field name.
func extractItemURLs(item map[string]any) (buyURL, detailURL string) {
	for key, value := range item {
		s, ok := value.(string)
		if !ok {
			continue
		}
		val := strings.TrimSpace(s)
		if val == "" || !(strings.HasPrefix(val, "/") || strings.HasPrefix(val, "http")) {
			continue
		}
		token := strings.ToLower(key)
		switch {
		case strings.Contains(token, "buy") || strings.Contains(token, "purchase"):
			buyURL = NormalizeURL(val)
		case strings.Contains(token, "detail") || strings.Contains(token, "view") ||
			strings.Contains(token, "lead") || strings.Contains(token, "bl"):
			detailURL = NormalizeURL(val)
		}
	}
	return buyURL, detailURL
}

// truncate cuts s to at most n bytes without splitting a UTF-8
// sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
