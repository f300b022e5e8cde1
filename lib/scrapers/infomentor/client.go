package infomentor

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"pupilwatch-backend/lib/restyutil"
	"pupilwatch-backend/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"
)

const defaultHubBaseUrl = "https://hub.infomentor.se"
const defaultLegacyBaseUrl = "https://infomentor.se"

const requestTimeout = time.Second * 20

type ClientOptions struct {
	// overrides for testing; production leaves both empty
	HubBaseUrl    string
	LegacyBaseUrl string
}

// Client is the low-level portal transport shared by the negotiator and
// the fetcher. The login handshake hops between the hub domain and the
// legacy domain, so the cookie jar has to span both.
type Client struct {
	Hub    *url.URL
	Legacy *url.URL
	Http   *resty.Client
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.HubBaseUrl == "" {
		opts.HubBaseUrl = defaultHubBaseUrl
	}
	if opts.LegacyBaseUrl == "" {
		opts.LegacyBaseUrl = defaultLegacyBaseUrl
	}

	hub, err := url.Parse(opts.HubBaseUrl)
	if err != nil {
		return nil, err
	}
	legacy, err := url.Parse(opts.LegacyBaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	jar, err := newJar()
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	client.SetTimeout(requestTimeout)

	if restyInstrumentOutput != nil {
		restyutil.InstrumentClient(client, tracer, restyInstrumentOutput)
	} else {
		telemetry.InstrumentResty(client, "scrapers/infomentor/http")
	}

	c := &Client{
		Hub:    hub,
		Legacy: legacy,
		Http:   client,
	}
	return c, nil
}

func newJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
	})
}

// ResetJar drops every cookie, giving the next handshake a clean slate.
func (c *Client) ResetJar() error {
	jar, err := newJar()
	if err != nil {
		return err
	}
	c.Http.SetCookieJar(jar)
	return nil
}

// path carries its own leading slash and may include a query string
func (c *Client) hubUrl(path string) string {
	return strings.TrimSuffix(c.Hub.String(), "/") + path
}

func (c *Client) legacyUrl(path string) string {
	return strings.TrimSuffix(c.Legacy.String(), "/") + path
}

// CookieSnapshot captures the jar's cookies for both portal domains in
// a persistable form.
func (c *Client) CookieSnapshot() []Cookie {
	var out []Cookie
	for _, base := range []*url.URL{c.Hub, c.Legacy} {
		for _, cookie := range c.Http.GetClient().Jar.Cookies(base) {
			out = append(out, Cookie{
				Name:   cookie.Name,
				Value:  cookie.Value,
				Domain: base.Hostname(),
			})
		}
	}
	return out
}

// RestoreCookies injects previously backed-up cookies into the jar.
func (c *Client) RestoreCookies(cookies []Cookie) {
	byDomain := map[string][]*http.Cookie{}
	for _, cookie := range cookies {
		byDomain[cookie.Domain] = append(byDomain[cookie.Domain], &http.Cookie{
			Name:  cookie.Name,
			Value: cookie.Value,
		})
	}
	jar := c.Http.GetClient().Jar
	for _, base := range []*url.URL{c.Hub, c.Legacy} {
		if stored := byDomain[base.Hostname()]; len(stored) > 0 {
			jar.SetCookies(base, stored)
		}
	}
}
