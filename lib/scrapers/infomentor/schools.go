package infomentor

import (
	"context"
	"strings"

	"pupilwatch-backend/lib/htmlutil"

	"github.com/antzucaro/matchr"
)

// SchoolChoiceStore persists which institution link worked for an
// account so later logins skip the heuristics entirely.
type SchoolChoiceStore interface {
	LoadSchoolChoice(ctx context.Context, username string) (string, error)
	SaveSchoolChoice(ctx context.Context, username string, url string) error
}

// the minimum heuristic score a candidate needs before we commit to
// clicking it. accounts whose flow needs no explicit selection land
// below this and proceed unselected.
const schoolScoreBaseline = 3

var schoolBrandKeywords = []string{"infomentor", "im1"}

var goodUrlFragments = []string{"oauth", "skola", "kommun", "grundskola"}

// generic identity-provider hosts show up on mixed selection pages and
// are never the institution itself
var badUrlFragments = []string{
	"idp.",
	"adfs",
	"sts.",
	"microsoftonline",
	"bankid",
	"siths",
	"skolfederation",
}

// pickSchool chooses among institution candidates. A persisted prior
// choice matching a candidate exactly wins outright; otherwise
// candidates are scored and ties keep the first-seen candidate.
func pickSchool(candidates []htmlutil.Anchor, username string, persisted string) (htmlutil.Anchor, bool) {
	if persisted != "" {
		for _, candidate := range candidates {
			if candidate.Href == persisted {
				return candidate, true
			}
		}
	}

	var best htmlutil.Anchor
	bestScore := 0
	for _, candidate := range candidates {
		score := scoreSchool(candidate, username)
		if score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	if bestScore < schoolScoreBaseline {
		return htmlutil.Anchor{}, false
	}
	return best, true
}

func scoreSchool(candidate htmlutil.Anchor, username string) int {
	name := strings.ToLower(candidate.Name)
	href := strings.ToLower(candidate.Href)
	score := 0

	for _, token := range usernameTokens(username) {
		if strings.Contains(name, token) || strings.Contains(href, token) {
			score += 5
			continue
		}
		if matchr.JaroWinkler(token, name, false) > 0.84 {
			score += 4
		}
	}
	for _, keyword := range schoolBrandKeywords {
		if strings.Contains(name, keyword) || strings.Contains(href, keyword) {
			score += 2
		}
	}
	for _, fragment := range goodUrlFragments {
		if strings.Contains(href, fragment) {
			score++
		}
	}
	for _, fragment := range badUrlFragments {
		if strings.Contains(href, fragment) {
			score -= 3
		}
	}
	return score
}

// usernameTokens turns "anna.svensson@bjorkskolan.se" into the lookup
// tokens used for institution affinity: domain labels first, then
// local-part words.
func usernameTokens(username string) []string {
	username = strings.ToLower(username)
	local := username
	domain := ""
	if at := strings.Index(username, "@"); at >= 0 {
		local = username[:at]
		domain = username[at+1:]
	}

	var tokens []string
	for _, label := range strings.Split(domain, ".") {
		if len(label) > 3 {
			tokens = append(tokens, label)
		}
	}
	for _, word := range strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	}) {
		if len(word) > 3 {
			tokens = append(tokens, word)
		}
	}
	return tokens
}
