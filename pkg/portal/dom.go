package portal

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/leadhive/leadhive/pkg/types"
)

// cardSelectors, in preference order, locate lead cards on the rendered
// recent-leads page. The portal renames its grid classes periodically.
var cardSelectors = []string{
	"div.bl_grid",
	"div[class*='bl_card']",
	"div[class*='lead-card']",
	"div[id^='listview']",
	"div[class*='listing']",
}

// ParseRecentHTML extracts leads from the rendered recent-leads page.
// The first topCardCount cards are flagged top_card. At most maxNew
// leads are returned.
func ParseRecentHTML(html string, topCardCount, maxNew int) ([]*types.Lead, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse recent page: %w", err)
	}
	if topCardCount < 1 {
		topCardCount = 3
	}
	if maxNew < 1 {
		maxNew = 1
	}

	var cards *goquery.Selection
	for _, sel := range cardSelectors {
		found := doc.Find(sel)
		if found.Length() > 0 {
			cards = found
			break
		}
	}
	if cards == nil {
		return nil, nil
	}

	var leads []*types.Lead
	cards.EachWithBreak(func(i int, card *goquery.Selection) bool {
		if len(leads) >= maxNew {
			return false
		}
		lead := parseCard(card)
		if lead == nil {
			return true
		}
		lead.TopCardRank = i + 1
		lead.TopCard = i < topCardCount
		lead.Key = LeadKey(lead)
		leads = append(leads, lead)
		return true
	})
	return leads, nil
}

func parseCard(card *goquery.Selection) *types.Lead {
	lead := &types.Lead{Status: types.LeadCaptured}

	// Hidden offer-id inputs are the most reliable id source.
	for _, name := range []string{"ofrid", "ofr_id", "blid", "bl_id"} {
		if val, ok := card.Find(fmt.Sprintf("input[name='%s']", name)).Attr("value"); ok && val != "" {
			lead.LeadID = strings.TrimSpace(val)
			break
		}
	}
	if lead.LeadID == "" {
		if html, err := card.Html(); err == nil {
			if ids := ExtractIDs(html); len(ids) > 0 {
				lead.LeadID = ids[0]
			}
		}
	}

	for _, sel := range []string{"h2", ".bl_title", "[class*='title']", "a[href*='bl']"} {
		if text := strings.TrimSpace(card.Find(sel).First().Text()); text != "" {
			lead.Title = truncate(strings.Join(strings.Fields(text), " "), 140)
			break
		}
	}
	if lead.Title == "" {
		return nil
	}

	if href, ok := card.Find("a[href]").First().Attr("href"); ok {
		lead.DetailURL = NormalizeURL(href)
	}

	for _, sel := range []string{"[class*='time']", "[class*='age']", "[class*='date']"} {
		if text := strings.TrimSpace(card.Find(sel).First().Text()); text != "" {
			if age := ParseAgeSeconds(text); age >= 0 {
				lead.AgeLabel = text
				lead.AgeSeconds = &age
				break
			}
		}
	}
	if lead.AgeSeconds == nil {
		// Fall back to scanning the card text for an age token.
		if age := ParseAgeSeconds(card.Text()); age >= 0 {
			lead.AgeSeconds = &age
		}
	}

	if val, ok := card.Find("input[name='country']").Attr("value"); ok {
		lead.Country = strings.TrimSpace(val)
	}
	if lead.Country == "" {
		for _, sel := range []string{"[class*='country']", "[class*='location']"} {
			if text := strings.TrimSpace(card.Find(sel).First().Text()); text != "" {
				lead.Country = text
				break
			}
		}
	}

	cardText := strings.ToLower(card.Text())
	lead.MobileAvailable = strings.Contains(cardText, "mobile")
	lead.MobileVerified = strings.Contains(cardText, "verified mobile") || strings.Contains(cardText, "mobile verified")
	lead.EmailAvailable = strings.Contains(cardText, "email")
	lead.EmailVerified = strings.Contains(cardText, "verified email") || strings.Contains(cardText, "email verified")
	lead.WhatsappAvailable = strings.Contains(cardText, "whatsapp")

	if html, err := card.Html(); err == nil {
		lead.RawData = map[string]any{"card_html_len": len(html)}
	}
	return lead
}

// VerifiedEntry is one row of the purchased-leads page.
type VerifiedEntry struct {
	LeadID string
	Title  string
	Mobile string
	Email  string
}

// ParseVerifiedHTML extracts purchased-lead entries used to confirm
// clicks. Rows without any usable identity are dropped.
func ParseVerifiedHTML(html string) ([]VerifiedEntry, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse verified page: %w", err)
	}

	var entries []VerifiedEntry
	seen := make(map[string]bool)

	rows := doc.Find("div[class*='purchased'], div[class*='mypurchase'], tr[class*='lead'], div[class*='bl_']")
	rows.Each(func(_ int, row *goquery.Selection) {
		entry := VerifiedEntry{}
		if rowHTML, err := row.Html(); err == nil {
			if ids := ExtractIDs(rowHTML); len(ids) > 0 {
				entry.LeadID = ids[0]
			}
		}
		text := row.Text()
		if m := phonePattern.FindString(text); m != "" {
			entry.Mobile = m
		}
		if m := emailPattern.FindString(text); m != "" {
			entry.Email = m
		}
		for _, sel := range []string{"h2", "h3", "[class*='title']", "a"} {
			if t := strings.TrimSpace(row.Find(sel).First().Text()); t != "" {
				entry.Title = truncate(strings.Join(strings.Fields(t), " "), 140)
				break
			}
		}
		if entry.LeadID == "" && entry.Mobile == "" && entry.Email == "" && entry.Title == "" {
			return
		}
		dedupKey := entry.LeadID + "|" + entry.Mobile + "|" + entry.Title
		if seen[dedupKey] {
			return
		}
		seen[dedupKey] = true
		entries = append(entries, entry)
	})

	if len(entries) == 0 {
		// The page sometimes renders purchased leads without the row
		// wrappers; fall back to a whole-document id sweep.
		for _, id := range ExtractIDs(html) {
			entries = append(entries, VerifiedEntry{LeadID: id})
		}
	}
	return entries, nil
}

// MatchVerified resolves which captured leads a set of verified entries
// confirm, in priority order: portal id, detail URL id, phone last-10,
// email, normalized title. Each lead matches at most once.
func MatchVerified(leads []*types.Lead, entries []VerifiedEntry) []*types.Lead {
	matched := make(map[string]bool)
	var out []*types.Lead
	claim := func(lead *types.Lead) {
		if !matched[lead.Key] {
			matched[lead.Key] = true
			out = append(out, lead)
		}
	}

	for _, entry := range entries {
		var hit *types.Lead
		for _, lead := range leads {
			if matched[lead.Key] {
				continue
			}
			if entry.LeadID != "" && lead.LeadID == entry.LeadID {
				hit = lead
				break
			}
		}
		if hit == nil && entry.LeadID != "" {
			for _, lead := range leads {
				if matched[lead.Key] {
					continue
				}
				if ExtractIDFromURL(lead.DetailURL) == entry.LeadID || ExtractIDFromURL(lead.BuyURL) == entry.LeadID {
					hit = lead
					break
				}
			}
		}
		if hit == nil && entry.Mobile != "" {
			for _, lead := range leads {
				if matched[lead.Key] {
					continue
				}
				if lead.Mobile != "" && PhonesMatch(lead.Mobile, entry.Mobile) {
					hit = lead
					break
				}
			}
		}
		if hit == nil && entry.Email != "" {
			want := strings.ToLower(strings.TrimSpace(entry.Email))
			for _, lead := range leads {
				if matched[lead.Key] {
					continue
				}
				if lead.Email != "" && strings.ToLower(strings.TrimSpace(lead.Email)) == want {
					hit = lead
					break
				}
			}
		}
		if hit == nil && entry.Title != "" {
			want := NormalizeTitle(entry.Title)
			for _, lead := range leads {
				if matched[lead.Key] {
					continue
				}
				if titlesMatch(NormalizeTitle(lead.Title), want) {
					hit = lead
					break
				}
			}
		}
		if hit != nil {
			claim(hit)
		}
	}
	return out
}

// titlesMatch compares normalized titles: exact always matches, and
// either side containing the other counts when both are long enough to
// rule out trivial overlaps.
func titlesMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if len(a) < 8 || len(b) < 8 {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// StampVerified marks the given leads verified at now.
func StampVerified(leads []*types.Lead, now time.Time) {
	t := now.UTC()
	for _, lead := range leads {
		lead.Status = types.LeadVerified
		lead.VerifiedAt = &t
	}
}
