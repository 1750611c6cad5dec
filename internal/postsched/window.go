package postsched

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedWindow marks a window string that does not match
	// "<Weekday> <H(H)>:<MM>-<H(H)>:<MM>". It is a data error: callers treat it
	// as "no answer" for that window.
	ErrMalformedWindow = errors.New("malformed window")

	// ErrUnknownRegion marks a region the timezone database does not know.
	ErrUnknownRegion = errors.New("unknown region")
)

// Window is one parsed weekly time window.
//
// Only the start is schedulable. EndHour/EndMinute are kept for display and
// never influence NextOccurrence.
type Window struct {
	Weekday     time.Weekday
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
}

var reWindow = regexp.MustCompile(`^\s*([A-Za-z]+)\s+(\d{1,2}):(\d{2})\s*-\s*(\d{1,2}):(\d{2})\s*$`)

var weekdayAbbrev = map[string]time.Weekday{
	"Sun": time.Sunday,
	"Mon": time.Monday,
	"Tue": time.Tuesday,
	"Wed": time.Wednesday,
	"Thu": time.Thursday,
	"Fri": time.Friday,
	"Sat": time.Saturday,
}

// ParseWindow parses "Tue 12:00-14:00". Weekday abbreviations are the English
// three-letter forms, case-sensitive.
func ParseWindow(raw string) (Window, error) {
	m := reWindow.FindStringSubmatch(raw)
	if len(m) != 6 {
		return Window{}, fmt.Errorf("%w: %q", ErrMalformedWindow, raw)
	}
	wd, ok := weekdayAbbrev[m[1]]
	if !ok {
		return Window{}, fmt.Errorf("%w: unknown weekday %q", ErrMalformedWindow, m[1])
	}
	sh, sm, err := clockParts(m[2], m[3])
	if err != nil {
		return Window{}, fmt.Errorf("%w: start of %q: %v", ErrMalformedWindow, raw, err)
	}
	eh, em, err := clockParts(m[4], m[5])
	if err != nil {
		return Window{}, fmt.Errorf("%w: end of %q: %v", ErrMalformedWindow, raw, err)
	}
	return Window{Weekday: wd, StartHour: sh, StartMinute: sm, EndHour: eh, EndMinute: em}, nil
}

func clockParts(hs, ms string) (int, int, error) {
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("hour %q out of range", hs)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("minute %q out of range", ms)
	}
	return h, m, nil
}

// String renders the canonical form, e.g. "Tue 08:00-10:00".
func (w Window) String() string {
	return fmt.Sprintf("%s %02d:%02d-%02d:%02d",
		w.Weekday.String()[:3], w.StartHour, w.StartMinute, w.EndHour, w.EndMinute)
}

// CronSpec renders the window start as a robfig/cron spec pinned to region.
func (w Window) CronSpec(region Region) string {
	return fmt.Sprintf("CRON_TZ=%s %d %d * * %d",
		strings.TrimSpace(string(region)), w.StartMinute, w.StartHour, int(w.Weekday))
}
