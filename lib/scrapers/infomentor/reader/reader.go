// Package reader classifies raw portal pages and extracts the tokens,
// forms and records the login machinery acts on. The portal publishes
// no contract for any of this, everything here is best-effort pattern
// matching over pages meant for humans, so every result is tagged
// rather than trusted.
package reader

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"pupilwatch-backend/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

type TokenState int

const (
	TokenNotFound TokenState = iota
	TokenFound
	TokenAmbiguous
)

type TokenResult struct {
	State TokenState
	Token string
}

var oauthTokenInputRegex = regexp.MustCompile(`name="oauth_token"[^>]*value="([^"]+)"`)
var oauthTokenScriptRegex = regexp.MustCompile(`oauth_token["']?\s*[:=]\s*["']([^"']+)["']`)

// OAuthToken hunts for a relay token either in a hidden form input or
// inline script. Two distinct values on one page make the page
// ambiguous instead of trusting either one.
func OAuthToken(body []byte) TokenResult {
	seen := map[string]bool{}
	var tokens []string
	for _, re := range []*regexp.Regexp{oauthTokenInputRegex, oauthTokenScriptRegex} {
		for _, groups := range re.FindAllSubmatch(body, -1) {
			token := string(groups[1])
			if token == "" || seen[token] {
				continue
			}
			seen[token] = true
			tokens = append(tokens, token)
		}
	}
	switch len(tokens) {
	case 0:
		return TokenResult{State: TokenNotFound}
	case 1:
		return TokenResult{State: TokenFound, Token: tokens[0]}
	default:
		return TokenResult{State: TokenAmbiguous}
	}
}

type PageKind int

const (
	KindUnknown PageKind = iota
	KindRelayForm
	KindSchoolSelection
	KindAuthMethodSelection
	KindCredentialForm
	KindAuthenticatedHub
)

func (k PageKind) String() string {
	switch k {
	case KindRelayForm:
		return "relay_form"
	case KindSchoolSelection:
		return "school_selection"
	case KindAuthMethodSelection:
		return "auth_method_selection"
	case KindCredentialForm:
		return "credential_form"
	case KindAuthenticatedHub:
		return "authenticated_hub"
	}
	return "unknown"
}

// Classify decides what stage of the handshake a response body
// represents. Order matters: a relay form may sit on a page that also
// mentions schools, and a rejected login re-presents the credential
// form, which the negotiator resolves from its own state.
func Classify(doc *goquery.Document) PageKind {
	if _, ok := RelayForm(doc); ok {
		return KindRelayForm
	}
	if IsSchoolSelection(doc) {
		return KindSchoolSelection
	}
	if IsAuthMethodSelection(doc) {
		return KindAuthMethodSelection
	}
	if _, ok := FindCredentialForm(doc); ok {
		return KindCredentialForm
	}
	if LoginSucceeded([]byte(docText(doc))) {
		return KindAuthenticatedHub
	}
	return KindUnknown
}

func docText(doc *goquery.Document) string {
	var out strings.Builder
	out.WriteString(doc.Text())
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		out.WriteString(sel.Text())
	})
	return out.String()
}

// RelayForm finds an auto-submitting form carrying a relay token. The
// auto-submit script is the discriminator, credential forms on some
// tenants also carry hidden oauth fields.
func RelayForm(doc *goquery.Document) (htmlutil.Form, bool) {
	if !hasAutoSubmit(doc) {
		return htmlutil.Form{}, false
	}
	for _, form := range htmlutil.GetForms(doc) {
		if form.HasField("oauth_token") {
			return form, true
		}
	}
	return htmlutil.Form{}, false
}

func hasAutoSubmit(doc *goquery.Document) bool {
	if onload, ok := doc.Find("body").Attr("onload"); ok &&
		strings.Contains(onload, ".submit()") {
		return true
	}
	autoSubmit := false
	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if strings.Contains(sel.Text(), ".submit()") {
			autoSubmit = true
			return false
		}
		return true
	})
	return autoSubmit
}

type CredentialForm struct {
	Action    string
	Method    string
	UserField string
	PassField string
	// server-provided fields (viewstate, verification tokens) that must
	// be echoed back verbatim
	Fields map[string]string
}

func FindCredentialForm(doc *goquery.Document) (CredentialForm, bool) {
	var form CredentialForm
	found := false
	doc.Find("form").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		pass := sel.Find(`input[type="password"]`).First()
		if pass.Length() == 0 {
			return true
		}
		passName := pass.AttrOr("name", "")
		user := sel.Find(`input[type="text"], input[type="email"]`).First()
		userName := user.AttrOr("name", "")
		if passName == "" || userName == "" {
			return true
		}

		form = CredentialForm{
			Action:    sel.AttrOr("action", ""),
			Method:    strings.ToUpper(sel.AttrOr("method", "POST")),
			UserField: userName,
			PassField: passName,
			Fields:    map[string]string{},
		}
		sel.Find("input").Each(func(_ int, input *goquery.Selection) {
			name := input.AttrOr("name", "")
			if name == "" || name == userName || name == passName {
				return
			}
			form.Fields[name] = input.AttrOr("value", "")
		})
		found = true
		return false
	})
	return form, found
}

var schoolSelectionMarkers = []string{
	"välj skola",
	"välj kommun",
	"välj organisation",
	"choose school",
	"select school",
}

func IsSchoolSelection(doc *goquery.Document) bool {
	return containsAnyMarker(doc.Text(), schoolSelectionMarkers)
}

var authMethodMarkers = []string{
	"hur vill du logga in",
	"välj inloggningssätt",
	"choose how to log in",
	"login method",
}

func IsAuthMethodSelection(doc *goquery.Document) bool {
	return containsAnyMarker(doc.Text(), authMethodMarkers)
}

func containsAnyMarker(text string, markers []string) bool {
	text = strings.ToLower(text)
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// CandidateLinks returns a selection page's clickable options in
// document order, used for both institution lists and auth-method
// pages.
func CandidateLinks(ctx context.Context, doc *goquery.Document) []htmlutil.Anchor {
	var out []htmlutil.Anchor
	for _, anchor := range htmlutil.GetAnchors(ctx, doc.Find("a")) {
		if anchor.Href == "" || anchor.Href == "#" ||
			strings.HasPrefix(anchor.Href, "javascript:") {
			continue
		}
		out = append(out, anchor)
	}
	return out
}

var passwordMethodMarkers = []string{
	"lösenord",
	"användarnamn",
	"password",
	"username",
}

// PasswordMethod picks the password-based option from an auth-method
// page's links.
func PasswordMethod(anchors []htmlutil.Anchor) (htmlutil.Anchor, bool) {
	for _, anchor := range anchors {
		name := strings.ToLower(anchor.Name)
		for _, marker := range passwordMethodMarkers {
			if strings.Contains(name, marker) {
				return anchor, true
			}
		}
	}
	return htmlutil.Anchor{}, false
}

var authenticatedMarkers = []string{
	"pupilswitcher",
	"imhome.home.homedata",
	"logga ut",
	"logout",
}

func LoginSucceeded(body []byte) bool {
	return containsAnyMarker(string(body), authenticatedMarkers)
}

var rejectionMarkers = []string{
	"felaktigt användarnamn",
	"fel användarnamn eller lösenord",
	"inloggningen misslyckades",
	"incorrect username",
	"invalid username or password",
	"login failed",
}

func LoginRejected(body []byte) bool {
	return containsAnyMarker(string(body), rejectionMarkers)
}

var expiryMarkers = []string{
	"authorization has been denied for this request",
	"din session har gått ut",
	"session has expired",
	"logga in igen för att fortsätta",
}

// SessionExpired recognizes the portal's ways of saying "log in again"
// inside an otherwise successful transport status. A human-facing page
// where structured data was expected counts as the same signal.
func SessionExpired(body []byte, contentType string, wantsJson bool) bool {
	if containsAnyMarker(string(body), expiryMarkers) {
		return true
	}
	if wantsJson && strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	return false
}

// IsAuthenticatedProbe interprets the hub's isauthenticated endpoint.
func IsAuthenticatedProbe(body []byte) bool {
	var payload struct {
		IsAuthenticated bool `json:"isAuthenticated"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.IsAuthenticated {
		return true
	}
	// some tenants answer with a bare boolean
	var bare bool
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare
	}
	return false
}

// PupilRecord is one raw entry from the hub's embedded home payload,
// before any pupil/guardian filtering.
type PupilRecord struct {
	Id        string
	Name      string
	SwitchUrl string
	Roles     []string
}

var homeDataRegex = regexp.MustCompile(`(?s)IMHome\.home\.homeData\s*=\s*(\{.*?\})\s*;`)

// Pupils extracts the raw pupil records embedded in the hub start page.
// The second return is false when no payload could be located at all,
// which callers treat the same as an empty list.
func Pupils(body []byte) ([]PupilRecord, bool) {
	groups := homeDataRegex.FindSubmatch(body)
	if groups == nil {
		return nil, false
	}

	var payload struct {
		Pupils []json.RawMessage `json:"pupils"`
	}
	err := json.Unmarshal(groups[1], &payload)
	if err != nil {
		return nil, false
	}

	var records []PupilRecord
	for _, raw := range payload.Pupils {
		rec, ok := decodePupilRecord(raw)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return records, true
}

func decodePupilRecord(raw json.RawMessage) (PupilRecord, bool) {
	var fields map[string]json.RawMessage
	err := json.Unmarshal(raw, &fields)
	if err != nil {
		return PupilRecord{}, false
	}

	rec := PupilRecord{
		Id:        stringField(fields, "id", "pupilId", "hybridMappingId"),
		Name:      stringField(fields, "name", "title", "displayName"),
		SwitchUrl: stringField(fields, "switchPupilUrl", "switchUrl"),
	}
	rec.Roles = roleMarkers(fields)

	if rec.Id == "" {
		rec.Id = TrailingSegment(rec.SwitchUrl)
	}
	if rec.Id == "" {
		return rec, false
	}
	return rec, true
}

func roleMarkers(fields map[string]json.RawMessage) []string {
	var roles []string

	var list []string
	if raw, ok := fields["roles"]; ok {
		if err := json.Unmarshal(raw, &list); err == nil {
			roles = append(roles, list...)
		}
	}
	if t := stringField(fields, "type", "accountType"); t != "" {
		roles = append(roles, t)
	}
	for _, flag := range []struct{ key, role string }{
		{"isGuardian", "guardian"},
		{"isStaff", "staff"},
	} {
		var set bool
		if raw, ok := fields[flag.key]; ok {
			if err := json.Unmarshal(raw, &set); err == nil && set {
				roles = append(roles, flag.role)
			}
		}
	}
	return roles
}

func stringField(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil && n.String() != "" {
			return n.String()
		}
	}
	return ""
}

// TrailingSegment returns the last non-empty path segment of a url,
// which is where the hub keeps switch ids.
func TrailingSegment(rawUrl string) string {
	trimmed := strings.TrimRight(rawUrl, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return ""
	}
	segment := trimmed[idx+1:]
	if _, err := strconv.Atoi(segment); err == nil {
		return segment
	}
	// non-numeric ids exist on some tenants, accept anything without
	// a query string
	if strings.ContainsAny(segment, "?&=") {
		return ""
	}
	return segment
}
