package infomentor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pupilwatch-backend/lib/telemetry"
)

func setupTest(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:infomentor")
	t.Cleanup(cleanup)
}

// fakePortal emulates the hub + legacy domains on one server. Toggles
// reshape the handshake per test, counters record what the client did.
type fakePortal struct {
	mu sync.Mutex

	password string

	noEntryToken     bool
	schoolSelection  bool
	autoRelay        bool
	relayLoop        bool
	breakHubSwitch   bool
	breakLegacySwitch bool
	emptyPupilPages  int
	// news responses that answer with a denial marker, -1 means always
	newsExpiries int

	sessionCounter   int
	sessions         map[string]bool
	loginCount       int
	newsHits         int
	relayHopHits     int
	schoolVisits     []string
	switchHits       []string
	legacySwitchHits []string
}

const entryTokenPage = `<html><body>
<input type="hidden" name="oauth_token" value="tok-entry" />
</body></html>`

const maintenancePage = `<html><body>Underhåll pågår</body></html>`

const credentialFormPage = `<html><body>
<form action="/swedish/production/mentor/login" method="post">
	<input type="hidden" name="__RequestVerificationToken" value="vrf-99" />
	<input type="text" name="txtUsername" />
	<input type="password" name="txtPassword" />
</form>
</body></html>`

const rejectedFormPage = `<html><body>
<p>Felaktigt användarnamn eller lösenord.</p>
<form action="/swedish/production/mentor/login" method="post">
	<input type="hidden" name="__RequestVerificationToken" value="vrf-99" />
	<input type="text" name="txtUsername" />
	<input type="password" name="txtPassword" />
</form>
</body></html>`

const secondTokenPage = `<html><body>
<p>Inloggning lyckades, fortsätter...</p>
<input type="hidden" name="oauth_token" value="tok-second" />
</body></html>`

const autoRelayPage = `<html><body onload="document.forms[0].submit()">
<form action="/relay/hop" method="post">
	<input type="hidden" name="oauth_token" value="tok-entry" />
</form>
</body></html>`

const schoolSelectionPage = `<html><body>
<h1>Välj skola</h1>
<ul>
	<li><a href="/oauth/school/bjork">Björkskolan</a></li>
	<li><a href="/oauth/school/ekbacken">Ekbacken</a></li>
</ul>
</body></html>`

const loginRedirectPage = `<html><body>
<p>Din session har gått ut, logga in igen för att fortsätta.</p>
</body></html>`

const finishSuccessPage = `<html><body>
<a href="/Account/LogOff">Logga ut</a>
</body></html>`

const homePageWithPupils = `<html><body>
<a href="/Account/LogOff">Logga ut</a>
<script>
IMHome.home.homeData = {"account":{"name":"Guardian Svensson"},"pupils":[
	{"id":101,"name":"Anna Svensson","switchPupilUrl":"/Account/PupilSwitcher/SwitchPupil/501"},
	{"name":"Bo Svensson","switchPupilUrl":"/Account/PupilSwitcher/SwitchPupil/502"},
	{"id":"103","name":"Guardian Svensson","isGuardian":true}
]};
</script>
</body></html>`

const homePageEmpty = `<html><body>
<a href="/Account/LogOff">Logga ut</a>
<script>
IMHome.home.homeData = {"account":{"name":"Guardian Svensson"},"pupils":[]};
</script>
</body></html>`

func newFakePortal(t *testing.T) (*fakePortal, *Client, *Negotiator, *Fetcher) {
	t.Helper()
	setupTest(t)

	p := &fakePortal{
		password: "hemligt",
		sessions: map[string]bool{},
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/authentication/authentication/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			p.mu.Lock()
			noToken := p.noEntryToken
			p.mu.Unlock()
			if noToken {
				serveHtml(w, maintenancePage)
				return
			}
			serveHtml(w, entryTokenPage)
			return
		}

		// the finish endpoint consumes the second relay token
		if r.FormValue("oauth_token") != "tok-second" {
			serveHtml(w, maintenancePage)
			return
		}
		p.mu.Lock()
		p.sessionCounter++
		p.loginCount++
		session := fmt.Sprintf("sess-%d", p.sessionCounter)
		p.sessions[session] = true
		p.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: ".ASPXAUTH", Value: session, Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "ASP.NET_SessionId", Value: "id-" + session, Path: "/"})
		serveHtml(w, finishSuccessPage)
	})

	mux.HandleFunc("/authentication/authentication/isauthenticated/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		fmt.Fprintf(w, `{"isAuthenticated":%t}`, p.validSession(r))
	})

	mux.HandleFunc("/swedish/production/mentor/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/swedish/production/mentor/" {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodGet {
			serveHtml(w, credentialFormPage)
			return
		}
		if r.FormValue("oauth_token") != "tok-entry" {
			serveHtml(w, maintenancePage)
			return
		}
		p.mu.Lock()
		autoRelay, school := p.autoRelay || p.relayLoop, p.schoolSelection
		p.mu.Unlock()
		switch {
		case autoRelay:
			serveHtml(w, autoRelayPage)
		case school:
			serveHtml(w, schoolSelectionPage)
		default:
			serveHtml(w, credentialFormPage)
		}
	})

	mux.HandleFunc("/relay/hop", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.relayHopHits++
		loop := p.relayLoop
		p.mu.Unlock()
		if loop {
			serveHtml(w, autoRelayPage)
			return
		}
		serveHtml(w, credentialFormPage)
	})

	mux.HandleFunc("/oauth/school/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.schoolVisits = append(p.schoolVisits, r.URL.Path)
		p.mu.Unlock()
		serveHtml(w, credentialFormPage)
	})

	mux.HandleFunc("/swedish/production/mentor/login", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("__RequestVerificationToken") != "vrf-99" {
			serveHtml(w, maintenancePage)
			return
		}
		if r.FormValue("txtPassword") != p.password {
			serveHtml(w, rejectedFormPage)
			return
		}
		serveHtml(w, secondTokenPage)
	})

	mux.HandleFunc("/Account/PupilSwitcher/SwitchPupil/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		broken := p.breakHubSwitch
		if !broken {
			p.switchHits = append(p.switchHits, r.URL.Path[len("/Account/PupilSwitcher/SwitchPupil/"):])
		}
		p.mu.Unlock()
		if broken {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/swedish/production/mentor/SwitchPupilAjax.aspx", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		broken := p.breakLegacySwitch
		if !broken {
			p.legacySwitchHits = append(p.legacySwitchHits, r.URL.Query().Get("pupilId"))
		}
		p.mu.Unlock()
		if broken {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/communication/news/getnewslist", func(w http.ResponseWriter, r *http.Request) {
		if !p.validSession(r) {
			serveHtml(w, loginRedirectPage)
			return
		}
		p.mu.Lock()
		p.newsHits++
		expired := p.newsExpiries != 0
		if p.newsExpiries > 0 {
			p.newsExpiries--
		}
		p.mu.Unlock()
		w.Header().Set("content-type", "application/json")
		if expired {
			fmt.Fprint(w, `{"Message":"Authorization has been denied for this request."}`)
			return
		}
		fmt.Fprint(w, `{"items":[{"id":1,"title":"Utflykt på fredag","content":"Ta med matsäck"}]}`)
	})

	mux.HandleFunc("/timeline/timeline/gettimelineentries", func(w http.ResponseWriter, r *http.Request) {
		serveJsonIfAuthed(w, r, p, `{"items":[{"id":"t1","title":"Ny bild i galleriet","date":"/Date(1724572800000)/"}]}`)
	})

	mux.HandleFunc("/timetable/timetable/gettimetablelist", func(w http.ResponseWriter, r *http.Request) {
		serveJsonIfAuthed(w, r, p, `{"items":[{"title":"Matematik","room":"B12","start":"2026-08-24T08:15:00","end":"2026-08-24T09:00:00"}]}`)
	})

	mux.HandleFunc("/timeregistration/timeregistration/gettimeregistrations/", func(w http.ResponseWriter, r *http.Request) {
		serveJsonIfAuthed(w, r, p, `{"days":[{"date":"2026-08-24","start":"08:00","end":"15:30"}]}`)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !p.validSession(r) {
			serveHtml(w, loginRedirectPage)
			return
		}
		p.mu.Lock()
		empty := p.emptyPupilPages > 0
		if empty {
			p.emptyPupilPages--
		}
		p.mu.Unlock()
		if empty {
			serveHtml(w, homePageEmpty)
			return
		}
		serveHtml(w, homePageWithPupils)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientOptions{
		HubBaseUrl:    server.URL,
		LegacyBaseUrl: server.URL,
	})
	if err != nil {
		t.Fatal(err)
	}

	negotiator := NewNegotiator(NegotiatorOptions{Client: client})
	fetcher := NewFetcher(client, negotiator)
	fetcher.SetThrottle(0)
	return p, client, negotiator, fetcher
}

func (p *fakePortal) validSession(r *http.Request) bool {
	cookie, err := r.Cookie(".ASPXAUTH")
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[cookie.Value]
}

func (p *fakePortal) invalidateSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for session := range p.sessions {
		p.sessions[session] = false
	}
}

func serveHtml(w http.ResponseWriter, body string) {
	w.Header().Set("content-type", "text/html; charset=utf-8")
	fmt.Fprint(w, body)
}

func serveJsonIfAuthed(w http.ResponseWriter, r *http.Request, p *fakePortal, body string) {
	if !p.validSession(r) {
		serveHtml(w, loginRedirectPage)
		return
	}
	w.Header().Set("content-type", "application/json")
	fmt.Fprint(w, body)
}

type memBackup struct {
	mu      sync.Mutex
	cookies []Cookie
	at      time.Time
	saves   int
}

func (b *memBackup) SaveSession(ctx context.Context, username string, cookies []Cookie, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cookies = cookies
	b.at = at
	b.saves++
	return nil
}

func (b *memBackup) LoadSession(ctx context.Context, username string) ([]Cookie, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cookies, b.at, nil
}

type memSchoolStore struct {
	mu     sync.Mutex
	choice string
	saves  []string
}

func (s *memSchoolStore) LoadSchoolChoice(ctx context.Context, username string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.choice, nil
}

func (s *memSchoolStore) SaveSchoolChoice(ctx context.Context, username string, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.choice = url
	s.saves = append(s.saves, url)
	return nil
}
