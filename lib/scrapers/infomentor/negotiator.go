package infomentor

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"time"

	"pupilwatch-backend/lib/htmlutil"
	"pupilwatch-backend/lib/scrapers/infomentor/reader"
	"pupilwatch-backend/lib/timezone"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// the hub's oauth entry hands out the first relay token, the legacy
// domain consumes it, and the hub's finish endpoint consumes the second
// one issued after credentials
const oauthEntryPath = "/authentication/authentication/login?apitype=im1&forceOAuth=true"
const oauthFinishPath = "/authentication/authentication/login?apitype=im1"
const isAuthenticatedPath = "/authentication/authentication/isauthenticated/"
const legacyMentorPath = "/swedish/production/mentor/"

// bound on re-entering the relay-form, school-selection and auth-method
// stages within one handshake
const maxNegotiationHops = 3

type negotiationState int

const (
	stateStart negotiationState = iota
	stateTokenAcquired
	stateDirectLoginFallback
	stateAutoRelayForm
	stateSchoolSelection
	stateAuthMethodSelection
	stateCredentialForm
	stateSecondTokenPending
	stateUnclear
	stateAuthenticated
	stateRejected
)

func (s negotiationState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateTokenAcquired:
		return "token_acquired"
	case stateDirectLoginFallback:
		return "direct_login_fallback"
	case stateAutoRelayForm:
		return "auto_relay_form"
	case stateSchoolSelection:
		return "school_selection"
	case stateAuthMethodSelection:
		return "auth_method_selection"
	case stateCredentialForm:
		return "credential_form"
	case stateSecondTokenPending:
		return "second_token_pending"
	case stateUnclear:
		return "unclear"
	case stateAuthenticated:
		return "authenticated"
	case stateRejected:
		return "rejected"
	}
	return "invalid"
}

// SessionBackup persists cookie snapshots after successful logins so a
// later process can try to revive the session instead of logging in
// from scratch.
type SessionBackup interface {
	SaveSession(ctx context.Context, username string, cookies []Cookie, at time.Time) error
	LoadSession(ctx context.Context, username string) ([]Cookie, time.Time, error)
}

type NegotiatorOptions struct {
	Client *Client
	// optional, nil disables cookie backup
	Backup SessionBackup
	// optional, nil disables school-choice persistence
	Schools SchoolChoiceStore
}

// Negotiator owns the login handshake and the resulting session.
// Credentials live only in this struct's memory for the lifetime of
// the instance.
type Negotiator struct {
	client  *Client
	backup  SessionBackup
	schools SchoolChoiceStore

	username string
	password string
	session  Session
}

func NewNegotiator(opts NegotiatorOptions) *Negotiator {
	return &Negotiator{
		client:  opts.Client,
		backup:  opts.Backup,
		schools: opts.Schools,
	}
}

func (n *Negotiator) Session() Session {
	return n.session
}

func (n *Negotiator) IsLikelyExpired() bool {
	return n.session.IsLikelyExpired(timezone.Now())
}

// Login performs a fresh handshake, replacing any prior session. It is
// re-entrant: calling it after a success negotiates again from scratch.
func (n *Negotiator) Login(ctx context.Context, username, password string) (Session, error) {
	n.username = username
	n.password = password
	return n.negotiate(ctx)
}

// Reauthenticate repeats the whole handshake with the credentials from
// the last Login. There is no partial repair of a half-dead session.
func (n *Negotiator) Reauthenticate(ctx context.Context) (Session, error) {
	if n.username == "" {
		return Session{}, &AuthError{Reason: "no stored credentials"}
	}
	return n.negotiate(ctx)
}

// RestoreSession revives a backed-up cookie session if the portal still
// accepts it, sidestepping a full handshake. Credentials are stored
// either way so a later expiry can trigger a real re-login.
func (n *Negotiator) RestoreSession(ctx context.Context, username, password string) bool {
	n.username = username
	n.password = password
	if n.backup == nil {
		return false
	}

	cookies, savedAt, err := n.backup.LoadSession(ctx, username)
	if err != nil || len(cookies) == 0 {
		return false
	}
	if timezone.Now().Sub(savedAt) > SessionMaxAge {
		return false
	}

	if err := n.client.ResetJar(); err != nil {
		return false
	}
	n.client.RestoreCookies(cookies)

	ok, err := n.probeAuthenticated(ctx)
	if err != nil || !ok {
		return false
	}

	n.session = Session{
		Authenticated:       true,
		LastAuthenticatedAt: savedAt,
		Cookies:             cookies,
	}
	slog.InfoContext(ctx, "restored backed-up session", "username", username, "age", timezone.Now().Sub(savedAt))
	return true
}

type page struct {
	res  *resty.Response
	doc  *goquery.Document
	body []byte
}

func newPage(res *resty.Response) page {
	body := res.Body()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		doc = nil
	}
	return page{res: res, doc: doc, body: body}
}

func (n *Negotiator) negotiate(ctx context.Context) (Session, error) {
	ctx, span := tracer.Start(ctx, "Negotiate")
	defer span.End()

	n.session = Session{}
	err := n.client.ResetJar()
	if err != nil {
		return Session{}, err
	}

	pg, err := n.getPage(ctx, n.client.hubUrl(oauthEntryPath))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initial request failed")
		return Session{}, err
	}

	state := stateStart
	relayHops := 0
	schoolHops := 0
	methodHops := 0
	credentialsSent := false
	relayToken := ""

	for {
		switch state {
		case stateStart:
			token := reader.OAuthToken(pg.body)
			switch token.State {
			case reader.TokenFound:
				relayToken = token.Token
				state = transition(ctx, span, state, stateTokenAcquired)
			case reader.TokenAmbiguous:
				slog.WarnContext(ctx, "ambiguous relay token on entry page, using direct login")
				state = transition(ctx, span, state, stateDirectLoginFallback)
			default:
				state = transition(ctx, span, state, stateDirectLoginFallback)
			}

		case stateTokenAcquired:
			pg, err = n.postFormPage(ctx, n.client.legacyUrl(legacyMentorPath), url.Values{
				"oauth_token": {relayToken},
			})
			if err != nil {
				return Session{}, err
			}
			state = transition(ctx, span, state, n.nextState(pg, credentialsSent))

		case stateDirectLoginFallback:
			pg, err = n.getPage(ctx, n.client.legacyUrl(legacyMentorPath))
			if err != nil {
				return Session{}, err
			}
			next := n.nextState(pg, credentialsSent)
			switch next {
			case stateCredentialForm, stateSchoolSelection, stateAuthMethodSelection:
				state = transition(ctx, span, state, next)
			default:
				return Session{}, &AuthError{Reason: "no login form found"}
			}

		case stateAutoRelayForm:
			relayHops++
			if relayHops > maxNegotiationHops {
				return Session{}, &AuthError{Reason: "negotiation loop detected"}
			}
			form, ok := reader.RelayForm(pg.doc)
			if !ok {
				return Session{}, &APIError{Endpoint: "relay form", Reason: "relay form vanished between classification and submit"}
			}
			pg, err = n.submitForm(ctx, pg, form)
			if err != nil {
				return Session{}, err
			}
			state = transition(ctx, span, state, n.nextState(pg, credentialsSent))

		case stateSchoolSelection:
			schoolHops++
			if schoolHops > maxNegotiationHops {
				return Session{}, &AuthError{Reason: "negotiation loop detected"}
			}
			candidates := reader.CandidateLinks(ctx, pg.doc)
			choice, ok := pickSchool(candidates, n.username, n.loadSchoolChoice(ctx))
			if !ok {
				slog.InfoContext(ctx, "no school candidate cleared the baseline, proceeding without selection",
					"candidates", len(candidates))
				if _, hasForm := reader.FindCredentialForm(pg.doc); hasForm {
					state = transition(ctx, span, state, stateCredentialForm)
					break
				}
				state = transition(ctx, span, state, stateUnclear)
				break
			}
			slog.DebugContext(ctx, "selected school", "name", choice.Name, "url", choice.Href)
			pg, err = n.getPage(ctx, n.resolve(pg, choice.Href))
			if err != nil {
				return Session{}, err
			}
			n.saveSchoolChoice(ctx, choice.Href)
			state = transition(ctx, span, state, n.nextState(pg, credentialsSent))

		case stateAuthMethodSelection:
			methodHops++
			if methodHops > maxNegotiationHops {
				return Session{}, &AuthError{Reason: "negotiation loop detected"}
			}
			link, ok := reader.PasswordMethod(reader.CandidateLinks(ctx, pg.doc))
			if !ok {
				return Session{}, &AuthError{Reason: "no password login method offered"}
			}
			pg, err = n.getPage(ctx, n.resolve(pg, link.Href))
			if err != nil {
				return Session{}, err
			}
			state = transition(ctx, span, state, n.nextState(pg, credentialsSent))

		case stateCredentialForm:
			form, ok := reader.FindCredentialForm(pg.doc)
			if !ok {
				return Session{}, &APIError{Endpoint: "credential form", Reason: "credential form vanished between classification and submit"}
			}
			values := url.Values{}
			for name, value := range form.Fields {
				values.Set(name, value)
			}
			values.Set(form.UserField, n.username)
			values.Set(form.PassField, n.password)
			pg, err = n.postFormPage(ctx, n.resolve(pg, form.Action), values)
			if err != nil {
				return Session{}, err
			}
			credentialsSent = true
			state = transition(ctx, span, state, n.nextState(pg, credentialsSent))

		case stateSecondTokenPending:
			token := reader.OAuthToken(pg.body)
			if token.State != reader.TokenFound {
				state = transition(ctx, span, state, stateUnclear)
				break
			}
			pg, err = n.postFormPage(ctx, n.client.hubUrl(oauthFinishPath), url.Values{
				"oauth_token": {token.Token},
			})
			if err != nil {
				return Session{}, err
			}
			switch {
			case reader.LoginSucceeded(pg.body):
				state = transition(ctx, span, state, stateAuthenticated)
			case reader.LoginRejected(pg.body):
				state = transition(ctx, span, state, stateRejected)
			default:
				state = transition(ctx, span, state, stateUnclear)
			}

		case stateUnclear:
			ok, err := n.probeAuthenticated(ctx)
			if err != nil {
				return Session{}, err
			}
			if ok {
				state = transition(ctx, span, state, stateAuthenticated)
			} else {
				state = transition(ctx, span, state, stateRejected)
			}

		case stateAuthenticated:
			return n.finishLogin(ctx), nil

		case stateRejected:
			span.SetStatus(codes.Error, "login rejected")
			return Session{}, &AuthError{Reason: "invalid credentials"}
		}
	}
}

// nextState classifies the latest response into the stage it
// represents. credentialsSent turns a re-presented credential form
// into a rejection.
func (n *Negotiator) nextState(pg page, credentialsSent bool) negotiationState {
	if pg.doc == nil {
		return stateUnclear
	}
	if credentialsSent && reader.LoginRejected(pg.body) {
		return stateRejected
	}

	switch reader.Classify(pg.doc) {
	case reader.KindRelayForm:
		return stateAutoRelayForm
	case reader.KindSchoolSelection:
		return stateSchoolSelection
	case reader.KindAuthMethodSelection:
		return stateAuthMethodSelection
	case reader.KindCredentialForm:
		if credentialsSent {
			return stateRejected
		}
		return stateCredentialForm
	case reader.KindAuthenticatedHub:
		return stateAuthenticated
	}

	if token := reader.OAuthToken(pg.body); token.State == reader.TokenFound {
		return stateSecondTokenPending
	}
	return stateUnclear
}

func transition(ctx context.Context, span trace.Span, from, to negotiationState) negotiationState {
	slog.DebugContext(ctx, "negotiation transition", "from", from.String(), "to", to.String())
	span.AddEvent("transition", trace.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
	return to
}

func (n *Negotiator) finishLogin(ctx context.Context) Session {
	now := timezone.Now()
	n.session = Session{
		Authenticated:       true,
		LastAuthenticatedAt: now,
		Cookies:             n.client.CookieSnapshot(),
	}
	if !n.session.hasEssentialCookie() {
		slog.WarnContext(ctx, "login succeeded but no essential cookie was issued, session will lazily expire")
	}
	slog.InfoContext(ctx, "login negotiated", "username", n.username, "cookies", len(n.session.Cookies))

	if n.backup != nil {
		err := n.backup.SaveSession(ctx, n.username, n.session.Cookies, now)
		if err != nil {
			slog.WarnContext(ctx, "failed to back up session cookies", "err", err)
		}
	}
	return n.session
}

func (n *Negotiator) probeAuthenticated(ctx context.Context) (bool, error) {
	res, err := n.client.Http.R().
		SetContext(ctx).
		SetHeader("accept", "application/json, text/plain, */*").
		Get(n.client.hubUrl(isAuthenticatedPath))
	if err != nil {
		return false, &ConnectionError{Op: "authentication probe", Err: err}
	}
	return reader.IsAuthenticatedProbe(res.Body()), nil
}

func (n *Negotiator) loadSchoolChoice(ctx context.Context) string {
	if n.schools == nil {
		return ""
	}
	choice, err := n.schools.LoadSchoolChoice(ctx, n.username)
	if err != nil {
		slog.WarnContext(ctx, "failed to load persisted school choice", "err", err)
		return ""
	}
	return choice
}

func (n *Negotiator) saveSchoolChoice(ctx context.Context, choice string) {
	if n.schools == nil {
		return
	}
	err := n.schools.SaveSchoolChoice(ctx, n.username, choice)
	if err != nil {
		slog.WarnContext(ctx, "failed to persist school choice", "err", err)
	}
}

func (n *Negotiator) getPage(ctx context.Context, fullUrl string) (page, error) {
	res, err := n.client.Http.R().SetContext(ctx).Get(fullUrl)
	if err != nil {
		return page{}, &ConnectionError{Op: "GET " + fullUrl, Err: err}
	}
	return newPage(res), nil
}

func (n *Negotiator) postFormPage(ctx context.Context, fullUrl string, values url.Values) (page, error) {
	res, err := n.client.Http.R().
		SetContext(ctx).
		SetFormDataFromValues(values).
		Post(fullUrl)
	if err != nil {
		return page{}, &ConnectionError{Op: "POST " + fullUrl, Err: err}
	}
	return newPage(res), nil
}

func (n *Negotiator) submitForm(ctx context.Context, pg page, form htmlutil.Form) (page, error) {
	values := url.Values{}
	for name, value := range form.Fields {
		values.Set(name, value)
	}
	action := n.resolve(pg, form.Action)
	if form.Method == "GET" {
		res, err := n.client.Http.R().
			SetContext(ctx).
			SetQueryParamsFromValues(values).
			Get(action)
		if err != nil {
			return page{}, &ConnectionError{Op: "GET " + action, Err: err}
		}
		return newPage(res), nil
	}
	return n.postFormPage(ctx, action, values)
}

// resolve turns an href from a page into an absolute url against the
// page's final (post-redirect) location.
func (n *Negotiator) resolve(pg page, href string) string {
	if pg.res == nil || pg.res.RawResponse == nil || pg.res.RawResponse.Request == nil {
		return href
	}
	base := pg.res.RawResponse.Request.URL
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
