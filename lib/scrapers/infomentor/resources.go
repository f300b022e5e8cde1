package infomentor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"pupilwatch-backend/lib/timezone"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func PupilHubResource() ResourceSpec {
	return ResourceSpec{
		Name: "pupil_hub",
		Path: "/",
	}
}

func NewsResource() ResourceSpec {
	return ResourceSpec{
		Name:      "news",
		Method:    "POST",
		Path:      "/communication/news/getnewslist",
		WantsJson: true,
		Scoped:    true,
	}
}

func TimelineResource() ResourceSpec {
	return ResourceSpec{
		Name:      "timeline",
		Path:      "/timeline/timeline/gettimelineentries?page=1&pageSize=20",
		WantsJson: true,
		Scoped:    true,
	}
}

func TimetableResource(start, stop time.Time) ResourceSpec {
	return ResourceSpec{
		Name:   "timetable",
		Method: "POST",
		Path:   "/timetable/timetable/gettimetablelist",
		Body: map[string]string{
			"startDate": start.Format("2006-01-02"),
			"endDate":   stop.Format("2006-01-02"),
		},
		WantsJson: true,
		Scoped:    true,
	}
}

func TimeRegistrationResource(start, stop time.Time) ResourceSpec {
	return ResourceSpec{
		Name: "time_registration",
		Path: fmt.Sprintf(
			"/timeregistration/timeregistration/gettimeregistrations/?startDate=%s&endDate=%s",
			start.Format("2006-01-02"), stop.Format("2006-01-02"),
		),
		WantsJson: true,
		Scoped:    true,
	}
}

// FetchPupilData gathers every resource for one pupil over the current
// week. A failing resource fails the whole pupil; isolation happens per
// pupil in the coordinator, not per resource.
func (f *Fetcher) FetchPupilData(ctx context.Context, pupil Pupil) (PupilData, error) {
	ctx, span := tracer.Start(ctx, "FetchPupilData", trace.WithAttributes(
		attribute.String("pupil", pupil.Id),
	))
	defer span.End()

	weekStart, weekStop := timezone.GetCurrentWeek(timezone.Now())

	var data PupilData

	raw, err := f.Request(ctx, pupil, NewsResource())
	if err != nil {
		return PupilData{}, err
	}
	data.News, err = DecodeNews(raw)
	if err != nil {
		return PupilData{}, spanError(span, err)
	}

	raw, err = f.Request(ctx, pupil, TimelineResource())
	if err != nil {
		return PupilData{}, err
	}
	data.Timeline, err = DecodeTimeline(raw)
	if err != nil {
		return PupilData{}, spanError(span, err)
	}

	raw, err = f.Request(ctx, pupil, TimetableResource(weekStart, weekStop))
	if err != nil {
		return PupilData{}, err
	}
	data.Timetable, err = DecodeTimetable(raw)
	if err != nil {
		return PupilData{}, spanError(span, err)
	}

	raw, err = f.Request(ctx, pupil, TimeRegistrationResource(weekStart, weekStop))
	if err != nil {
		return PupilData{}, err
	}
	data.TimeRegistrations, err = DecodeTimeRegistrations(raw)
	if err != nil {
		return PupilData{}, spanError(span, err)
	}

	return data, nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func DecodeNews(raw *RawResponse) ([]NewsItem, error) {
	items, err := decodeItems(raw, "news", "items", "news", "newsItems")
	if err != nil {
		return nil, err
	}
	var out []NewsItem
	for _, fields := range items {
		item := NewsItem{
			Id:      jsonString(fields, "id", "newsId"),
			Title:   jsonString(fields, "title", "heading"),
			Content: jsonString(fields, "content", "body", "text", "preamble"),
		}
		if t, ok := parseLooseTime(jsonString(fields, "published", "publishedDate", "date")); ok {
			item.PublishedAt = t
		}
		if item.Id == "" && item.Title == "" {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func DecodeTimeline(raw *RawResponse) ([]TimelineEntry, error) {
	items, err := decodeItems(raw, "timeline", "items", "timelineEntries", "entries")
	if err != nil {
		return nil, err
	}
	var out []TimelineEntry
	for _, fields := range items {
		entry := TimelineEntry{
			Id:      jsonString(fields, "id", "entryId"),
			Title:   jsonString(fields, "title", "heading"),
			Content: jsonString(fields, "content", "body", "text", "notes"),
		}
		if t, ok := parseLooseTime(jsonString(fields, "date", "occurredAt", "time")); ok {
			entry.OccurredAt = t
		}
		if entry.Id == "" && entry.Title == "" {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func DecodeTimetable(raw *RawResponse) ([]TimetableEntry, error) {
	items, err := decodeItems(raw, "timetable", "items", "entries", "lessons")
	if err != nil {
		return nil, err
	}
	var out []TimetableEntry
	for _, fields := range items {
		entry := TimetableEntry{
			Title: jsonString(fields, "title", "subject", "lessonInfo"),
			Room:  jsonString(fields, "room", "roomInfo", "location"),
			Notes: jsonString(fields, "notes", "description"),
		}
		if t, ok := parseLooseTime(jsonString(fields, "start", "startDate", "from")); ok {
			entry.Start = t
		}
		if t, ok := parseLooseTime(jsonString(fields, "end", "stop", "endDate", "to")); ok {
			entry.Stop = t
		}
		if entry.Title == "" && entry.Start.IsZero() {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func DecodeTimeRegistrations(raw *RawResponse) ([]TimeRegistration, error) {
	items, err := decodeItems(raw, "time_registration", "items", "days", "registrations")
	if err != nil {
		return nil, err
	}
	var out []TimeRegistration
	for _, fields := range items {
		reg := TimeRegistration{
			Date:         jsonString(fields, "date", "day"),
			Start:        jsonString(fields, "start", "startTime", "from"),
			Stop:         jsonString(fields, "end", "stopTime", "to"),
			Type:         jsonString(fields, "type", "category"),
			SchoolClosed: jsonBool(fields, "isSchoolClosed", "schoolClosed", "closed"),
		}
		if reg.Date == "" {
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

// decodeItems unwraps a loosely-keyed list payload. Endpoints disagree
// on the envelope key and some return the array bare; an envelope with
// no recognized key decodes as empty rather than failing, only a body
// that cannot be read as json at all is a DataError.
func decodeItems(raw *RawResponse, resource string, keys ...string) ([]map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw.Body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &DataError{Resource: resource, Reason: "unintelligible array body"}
		}
		return items, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, &DataError{Resource: resource, Reason: "unintelligible body"}
	}
	for _, key := range keys {
		rawList, ok := envelope[key]
		if !ok {
			continue
		}
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(rawList, &items); err != nil {
			continue
		}
		return items, nil
	}
	return nil, nil
}

func jsonString(fields map[string]json.RawMessage, keys ...string) string {
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

func jsonBool(fields map[string]json.RawMessage, keys ...string) bool {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b
		}
	}
	return false
}

var aspNetDateRegex = regexp.MustCompile(`/Date\((\d+)[^)]*\)/`)

// parseLooseTime accepts the portal's assorted date renderings: asp.net
// json dates, iso timestamps and plain dates, all in the portal's
// timezone.
func parseLooseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if groups := aspNetDateRegex.FindStringSubmatch(s); groups != nil {
		ms, err := strconv.ParseInt(groups[1], 10, 64)
		if err == nil {
			return time.UnixMilli(ms).In(timezone.Location), true
		}
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, s, timezone.Location); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
