package infomentor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"pupilwatch-backend/lib/scrapers/infomentor/reader"

	"go.opentelemetry.io/otel/codes"
)

const pupilListAttempts = 5

var pupilListInitialDelay = time.Second * 3

// ErrNoPupils means discovery kept coming back empty on a live session.
// The hub does this intermittently on healthy accounts, so callers
// should fall back to previously cached pupils instead of treating it
// as "this account has no children".
var ErrNoPupils = errors.New("the portal returned no pupils")

var guardianMarkers = []string{
	"guardian",
	"vårdnadshavare",
	"förälder",
	"parent",
	"staff",
	"personal",
	"lärare",
	"teacher",
}

// ListPupils discovers the monitored pupils for the logged-in account.
// Empty results are retried with growing delays before giving up with
// ErrNoPupils.
func (f *Fetcher) ListPupils(ctx context.Context) ([]Pupil, error) {
	ctx, span := tracer.Start(ctx, "ListPupils")
	defer span.End()

	delay := pupilListInitialDelay
	for attempt := 1; attempt <= pupilListAttempts; attempt++ {
		raw, err := f.Request(ctx, Pupil{}, PupilHubResource())
		if err != nil {
			return nil, err
		}

		records, found := reader.Pupils(raw.Body)
		if found {
			pupils := filterPupils(records)
			if len(pupils) > 0 {
				slog.DebugContext(ctx, "discovered pupils", "count", len(pupils), "attempt", attempt)
				return pupils, nil
			}
		}
		if attempt == pupilListAttempts {
			break
		}

		slog.WarnContext(ctx, "portal returned no pupils, retrying", "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &ConnectionError{Op: "pupil discovery", Err: ctx.Err()}
		}
		delay = time.Duration(float64(delay) * 1.5)
	}

	span.SetStatus(codes.Error, "no pupils after retries")
	return nil, ErrNoPupils
}

// filterPupils drops records bearing guardian/staff markers. Ambiguous
// records stay in: a missing child silently disables monitoring while a
// stray guardian row is merely noise.
func filterPupils(records []reader.PupilRecord) []Pupil {
	var out []Pupil
	for _, rec := range records {
		if isGuardianOrStaff(rec) {
			continue
		}
		out = append(out, Pupil{
			Id:           rec.Id,
			Name:         rec.Name,
			SwitchHandle: switchHandle(rec),
		})
	}
	return out
}

func isGuardianOrStaff(rec reader.PupilRecord) bool {
	for _, role := range rec.Roles {
		role = strings.ToLower(role)
		for _, marker := range guardianMarkers {
			if strings.Contains(role, marker) {
				return true
			}
		}
	}
	return false
}

// switchHandle is the second pass over the discovery payload: prefer
// the id embedded in the record's switch url, fall back to the pupil id
// itself when the mapping cannot be built.
func switchHandle(rec reader.PupilRecord) string {
	if handle := reader.TrailingSegment(rec.SwitchUrl); handle != "" {
		return handle
	}
	return rec.Id
}
