package postsched

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownPlatform marks a platform outside the affinity table.
var ErrUnknownPlatform = errors.New("unknown platform")

// Platform is a social network target.
type Platform string

const (
	LinkedIn  Platform = "linkedin"
	Facebook  Platform = "facebook"
	Instagram Platform = "instagram"
	X         Platform = "x"
)

// Platforms lists every supported platform in a stable order.
func Platforms() []Platform {
	return []Platform{LinkedIn, Facebook, Instagram, X}
}

// ParsePlatform normalizes case and whitespace ("LinkedIn " -> linkedin).
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := affinity[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, raw)
	}
	return p, nil
}

// affinity maps each platform to the region its audience is primed in:
// LinkedIn and X skew North American business hours, Facebook and Instagram
// skew Chinese primetime.
var affinity = map[Platform]Region{
	LinkedIn:  RegionVancouver,
	X:         RegionVancouver,
	Facebook:  RegionShanghai,
	Instagram: RegionShanghai,
}

// RegionFor returns the affinity region of p.
func RegionFor(p Platform) (Region, bool) {
	r, ok := affinity[p]
	return r, ok
}

// WindowSet holds ordered window preferences per region. First listed wins.
type WindowSet map[Region][]string

// Clone returns a deep copy.
func (ws WindowSet) Clone() WindowSet {
	if ws == nil {
		return nil
	}
	out := make(WindowSet, len(ws))
	for r, list := range ws {
		out[r] = append([]string(nil), list...)
	}
	return out
}

// Schedule maps platforms to their next send time. A nil entry means no window
// resolved for that platform.
type Schedule map[Platform]*time.Time

// Scheduled reports how many platforms received a time.
func (s Schedule) Scheduled() int {
	n := 0
	for _, t := range s {
		if t != nil {
			n++
		}
	}
	return n
}

// MarshalJSON renders each entry as an RFC 3339 UTC string or null.
func (s Schedule) MarshalJSON() ([]byte, error) {
	out := make(map[string]*string, len(s))
	for p, t := range s {
		if t == nil {
			out[string(p)] = nil
			continue
		}
		v := t.UTC().Format(time.RFC3339)
		out[string(p)] = &v
	}
	return json.Marshal(out)
}

// PickSchedules resolves a send time for every requested platform.
//
// For each platform the windows of its affinity region are tried in listed
// order and the first that resolves wins, even when a later window would open
// sooner. Malformed windows are skipped; a platform with nothing usable maps to
// nil. Platforms not requested are absent from the result.
//
// A zero now means the wall clock. The only errors are a platform outside the
// affinity table and a region the tz database rejects.
func PickSchedules(ws WindowSet, platforms []Platform, now time.Time) (Schedule, error) {
	if now.IsZero() {
		now = time.Now()
	}
	out := make(Schedule, len(platforms))
	for _, p := range platforms {
		region, ok := RegionFor(p)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
		}
		loc, err := region.Location()
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", p, err)
		}
		out[p] = nil
		for _, raw := range ws[region] {
			w, err := ParseWindow(raw)
			if err != nil {
				continue
			}
			t := NextOccurrence(w, loc, now)
			out[p] = &t
			break
		}
	}
	return out, nil
}

// Upcoming lists the next n openings of w in region starting at now.
func Upcoming(w Window, region Region, now time.Time, n int) ([]time.Time, error) {
	loc, err := region.Location()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, n)
	t := now
	for i := 0; i < n; i++ {
		t = NextOccurrence(w, loc, t)
		out = append(out, t)
		t = t.Add(time.Second)
	}
	return out, nil
}
