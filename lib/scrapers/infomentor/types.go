package infomentor

import (
	"strings"
	"time"
)

// SessionMaxAge is how long a login is trusted before it is treated as
// expired regardless of what the portal last told us.
const SessionMaxAge = time.Hour * 8

// essential cookies the hub issues on a successful login. a session
// without at least one of them is dead no matter what its flag says.
var essentialCookies = []string{".ASPXAUTH", "ASP.NET_SessionId"}

type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

type Session struct {
	Authenticated       bool
	LastAuthenticatedAt time.Time
	Cookies             []Cookie
}

func (s Session) hasEssentialCookie() bool {
	for _, c := range s.Cookies {
		for _, name := range essentialCookies {
			if strings.EqualFold(c.Name, name) {
				return true
			}
		}
	}
	return false
}

// IsLikelyExpired is a lazy-expiry check, there is no timer invalidating
// sessions. It is pure so the fetcher can consult it before every call.
func (s Session) IsLikelyExpired(now time.Time) bool {
	if !s.Authenticated {
		return true
	}
	if s.LastAuthenticatedAt.IsZero() {
		return true
	}
	if now.Sub(s.LastAuthenticatedAt) > SessionMaxAge {
		return true
	}
	return !s.hasEssentialCookie()
}

// Pupil is one monitored child account. Id is stable across sessions,
// SwitchHandle is session-scoped and re-derived on every login.
type Pupil struct {
	Id           string `json:"id"`
	Name         string `json:"name"`
	SwitchHandle string `json:"switch_handle"`
}

type NewsItem struct {
	Id          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at"`
}

type TimelineEntry struct {
	Id         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	OccurredAt time.Time `json:"occurred_at"`
}

type TimetableEntry struct {
	Title string    `json:"title"`
	Room  string    `json:"room"`
	Notes string    `json:"notes"`
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
}

type TimeRegistration struct {
	Date         string `json:"date"`
	Start        string `json:"start"`
	Stop         string `json:"stop"`
	Type         string `json:"type"`
	SchoolClosed bool   `json:"school_closed"`
}

// PupilData is everything one refresh gathers for one pupil.
type PupilData struct {
	News              []NewsItem         `json:"news"`
	Timeline          []TimelineEntry    `json:"timeline"`
	Timetable         []TimetableEntry   `json:"timetable"`
	TimeRegistrations []TimeRegistration `json:"time_registrations"`
}

// IsPlausible reports whether the fetch produced at least one non-empty
// resource. An all-empty result is indistinguishable from the portal
// quietly serving us a hollow page, so it is not trusted as fresh.
func (d PupilData) IsPlausible() bool {
	return len(d.News) > 0 ||
		len(d.Timeline) > 0 ||
		len(d.Timetable) > 0 ||
		len(d.TimeRegistrations) > 0
}
