package postsched

import (
	"sort"
	"time"
)

// ResolveNextOccurrence returns the UTC instant at which window next opens in
// region, at or after now.
//
// A malformed window yields an error wrapping ErrMalformedWindow; that is the
// ordinary "no answer" case. An error wrapping ErrUnknownRegion means the
// caller is miswired.
func ResolveNextOccurrence(window string, region Region, now time.Time) (time.Time, error) {
	w, err := ParseWindow(window)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := region.Location()
	if err != nil {
		return time.Time{}, err
	}
	return NextOccurrence(w, loc, now), nil
}

// NextOccurrence computes the next start of w in loc at or after now.
//
// A start that already passed today, or that is exactly now to the minute,
// rolls over to next week. The UTC offset is derived for the candidate date,
// so a DST change between now and the candidate keeps the wall-clock slot.
func NextOccurrence(w Window, loc *time.Location, now time.Time) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	delta := (int(w.Weekday) - int(local.Weekday()) + 7) % 7
	if delta == 0 && startedBy(local, w) {
		delta = 7
	}
	y, m, d := local.Date()

	// Two passes: the second only matters when every reading of the slot on
	// the candidate date is already behind now (repeated hour after fall-back).
	for i := 0; i < 2; i++ {
		for _, t := range civilInstants(y, m, d+delta, w.StartHour, w.StartMinute, loc) {
			if !t.Before(now) {
				return t
			}
		}
		delta += 7
	}
	return civilInstants(y, m, d+delta, w.StartHour, w.StartMinute, loc)[0]
}

func startedBy(local time.Time, w Window) bool {
	h, m := local.Hour(), local.Minute()
	return h > w.StartHour || (h == w.StartHour && m >= w.StartMinute)
}

// civilInstants returns, in ascending order, the UTC instants at which loc's
// wall clock reads y-m-d h:mi:00. Usually one; two inside a repeated
// (fall-back) hour. Inside a skipped (spring-forward) hour there is no exact
// reading and the single result is the wall time read with the pre-jump
// offset, which lands just after the jump.
func civilInstants(y int, mo time.Month, d, h, mi int, loc *time.Location) []time.Time {
	wall := time.Date(y, mo, d, h, mi, 0, 0, time.UTC)
	guess := time.Date(y, mo, d, h, mi, 0, 0, loc)

	offsets := make([]int, 0, 3)
	for _, probe := range []time.Time{guess.Add(-12 * time.Hour), guess, guess.Add(12 * time.Hour)} {
		_, off := probe.In(loc).Zone()
		if !containsInt(offsets, off) {
			offsets = append(offsets, off)
		}
	}

	out := make([]time.Time, 0, 2)
	latest := time.Time{}
	for _, off := range offsets {
		t := wall.Add(-time.Duration(off) * time.Second)
		if t.After(latest) {
			latest = t
		}
		if sameWall(t.In(loc), wall) {
			out = append(out, t.UTC())
		}
	}
	if len(out) == 0 {
		return []time.Time{latest.UTC()}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func sameWall(local, wall time.Time) bool {
	ly, lm, ld := local.Date()
	wy, wm, wd := wall.Date()
	return ly == wy && lm == wm && ld == wd &&
		local.Hour() == wall.Hour() && local.Minute() == wall.Minute() && local.Second() == wall.Second()
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
