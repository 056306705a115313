// Package matching links meetings to prospects using title and
// email-domain signals.
package matching

import (
	"net/url"
	"sort"
	"strings"
	"unicode"

	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

// Scoring constants.
const (
	TitleSubstringScore  = 0.9
	TitleOverlapWeight   = 0.6
	TitleOverlapMinRatio = 0.5
	EmailDomainScore     = 0.7

	// MinScore is the floor below which a candidate is discarded.
	MinScore = 0.3
	// AutoLinkThreshold is the confidence at which the best candidate is
	// linked without user involvement.
	AutoLinkThreshold = 0.8
)

// Combiner folds the title and email scores into one confidence.
type Combiner func(title, email float64) float64

// CombineMax takes the stronger of the two signals.
func CombineMax(title, email float64) float64 {
	if title > email {
		return title
	}
	return email
}

// Candidate is one scored prospect for a meeting.
type Candidate struct {
	Prospect   models.Prospect `json:"prospect"`
	Confidence float64         `json:"confidence"`
	TitleScore float64         `json:"title_score"`
	EmailScore float64         `json:"email_score"`
}

var legalSuffixes = map[string]struct{}{
	"inc": {}, "incorporated": {}, "llc": {}, "ltd": {}, "limited": {},
	"bv": {}, "nv": {}, "gmbh": {}, "ag": {}, "sa": {}, "sarl": {}, "srl": {},
	"plc": {}, "corp": {}, "corporation": {}, "pty": {}, "oy": {}, "ab": {},
	"spa": {}, "kk": {},
}

// Free-mail domains, optionally ignored as contact-email domains.
var freeMailDomains = map[string]struct{}{
	"gmail.com": {}, "googlemail.com": {}, "outlook.com": {}, "hotmail.com": {},
	"live.com": {}, "yahoo.com": {}, "icloud.com": {}, "me.com": {},
	"aol.com": {}, "proton.me": {}, "protonmail.com": {},
}

// normalizeName lower-cases s, drops punctuation and legal-entity suffixes.
// Dots and apostrophes are removed in place so "B.V." becomes "bv".
func normalizeName(s string) []string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '.' || r == '\'' || r == '’':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	words := strings.Fields(b.String())
	out := words[:0]
	for _, w := range words {
		if _, ok := legalSuffixes[w]; ok {
			continue
		}
		out = append(out, w)
	}
	return out
}

// TitleScore scores how strongly title names company.
func TitleScore(title, company string) float64 {
	companyWords := normalizeName(company)
	if len(companyWords) == 0 {
		return 0
	}
	titleWords := normalizeName(title)
	if len(titleWords) == 0 {
		return 0
	}

	if strings.Contains(strings.Join(titleWords, " "), strings.Join(companyWords, " ")) {
		return TitleSubstringScore
	}

	titleSet := make(map[string]struct{}, len(titleWords))
	for _, w := range titleWords {
		titleSet[w] = struct{}{}
	}
	companySet := make(map[string]struct{}, len(companyWords))
	for _, w := range companyWords {
		companySet[w] = struct{}{}
	}
	overlap := 0
	for w := range companySet {
		if _, ok := titleSet[w]; ok {
			overlap++
		}
	}
	ratio := float64(overlap) / float64(len(companySet))
	if ratio >= TitleOverlapMinRatio {
		return TitleOverlapWeight * ratio
	}
	return 0
}

// EmailScore scores whether any attendee shares a domain with the prospect's
// website or contact email.
func EmailScore(attendeeEmails []string, p models.Prospect) float64 {
	return emailScore(attendeeEmails, prospectDomains(p, false))
}

func emailScore(attendeeEmails []string, domains map[string]struct{}) float64 {
	if len(domains) == 0 {
		return 0
	}
	for _, email := range attendeeEmails {
		if _, ok := domains[emailDomain(email)]; ok {
			return EmailDomainScore
		}
	}
	return 0
}

func prospectDomains(p models.Prospect, excludeFreeMail bool) map[string]struct{} {
	domains := make(map[string]struct{}, 2)
	if d := websiteDomain(p.Website); d != "" {
		domains[d] = struct{}{}
	}
	if d := emailDomain(p.ContactEmail); d != "" {
		if _, free := freeMailDomains[d]; !free || !excludeFreeMail {
			domains[d] = struct{}{}
		}
	}
	return domains
}

func websiteDomain(website string) string {
	website = strings.TrimSpace(strings.ToLower(website))
	if website == "" {
		return ""
	}
	if !strings.Contains(website, "://") {
		website = "http://" + website
	}
	u, err := url.Parse(website)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(email[at+1:])), "www.")
}

// Rank scores every prospect against the meeting and returns the candidates
// at or above MinScore, best first. Equal confidences keep prospect order.
func Rank(meeting *models.Meeting, prospects []models.Prospect, combine Combiner) []Candidate {
	return rank(meeting, prospects, combine, false)
}

func rank(meeting *models.Meeting, prospects []models.Prospect, combine Combiner, excludeFreeMail bool) []Candidate {
	if combine == nil {
		combine = CombineMax
	}
	emails := meeting.ExternalAttendeeEmails()

	candidates := make([]Candidate, 0)
	for _, p := range prospects {
		title := TitleScore(meeting.Title, p.CompanyName)
		email := emailScore(emails, prospectDomains(p, excludeFreeMail))
		confidence := combine(title, email)
		if confidence < MinScore {
			continue
		}
		candidates = append(candidates, Candidate{
			Prospect:   p,
			Confidence: confidence,
			TitleScore: title,
			EmailScore: email,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates
}
