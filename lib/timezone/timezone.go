package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Europe/Stockholm")
	if err != nil {
		panic(err)
	}
}

// force the timezone to Stockholm because the portal reports every
// date relative to it and our servers are not guaranteed to run there,
// which disturbs date math based on <time.Time>.Year()/Month()/Day()/Hour()/...
func Now() time.Time {
	return time.Now().In(Location)
}

// GetCurrentWeek returns the Monday and Sunday enclosing `now`,
// which is the window the timetable endpoint expects.
func GetCurrentWeek(now time.Time) (start time.Time, stop time.Time) {
	weekday := int(now.Weekday())
	// time.Weekday counts Sunday as 0, the portal counts Monday as
	// the first day of the school week
	offset := (weekday + 6) % 7
	start = time.Date(now.Year(), now.Month(), now.Day()-offset, 0, 0, 0, 0, now.Location())
	stop = start.AddDate(0, 0, 6)
	return start, stop
}

// SameDay reports whether a and b fall on the same calendar day in the
// portal's timezone.
func SameDay(a, b time.Time) bool {
	a = a.In(Location)
	b = b.In(Location)
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
