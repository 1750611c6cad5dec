package postsched

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRegionFor(t *testing.T) {
	t.Parallel()
	want := map[Platform]Region{
		LinkedIn:  RegionVancouver,
		X:         RegionVancouver,
		Facebook:  RegionShanghai,
		Instagram: RegionShanghai,
	}
	for _, p := range Platforms() {
		got, ok := RegionFor(p)
		if !ok || got != want[p] {
			t.Fatalf("RegionFor(%s) = %s, %v; want %s", p, got, ok, want[p])
		}
	}
	if _, ok := RegionFor(Platform("myspace")); ok {
		t.Fatal("expected no region for unknown platform")
	}
}

func TestParsePlatform(t *testing.T) {
	t.Parallel()
	p, err := ParsePlatform("  LinkedIn ")
	if err != nil || p != LinkedIn {
		t.Fatalf("ParsePlatform = %q, %v", p, err)
	}
	if _, err := ParsePlatform("tiktok"); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("err = %v, want ErrUnknownPlatform", err)
	}
}

func TestPickSchedulesRouting(t *testing.T) {
	t.Parallel()
	ws := WindowSet{
		RegionShanghai:  {"Thu 19:00-21:00"},
		RegionVancouver: {"Tue 08:00-10:00"},
	}
	got, err := PickSchedules(ws, []Platform{LinkedIn, Facebook}, mustTime(t, "2024-01-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("PickSchedules error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[LinkedIn] == nil || got[LinkedIn].Format(time.RFC3339) != "2024-01-02T16:00:00Z" {
		t.Fatalf("linkedin = %v", got[LinkedIn])
	}
	if got[Facebook] == nil || got[Facebook].Format(time.RFC3339) != "2024-01-04T11:00:00Z" {
		t.Fatalf("facebook = %v", got[Facebook])
	}
	if _, ok := got[X]; ok {
		t.Fatal("x was not requested but is present")
	}
}

func TestPickSchedulesDegradesToNil(t *testing.T) {
	t.Parallel()
	now := mustTime(t, "2024-01-01T00:00:00Z")
	tests := []struct {
		name string
		ws   WindowSet
	}{
		{name: "empty list", ws: WindowSet{RegionVancouver: {}}},
		{name: "missing region", ws: WindowSet{RegionShanghai: {"Tue 12:00-14:00"}}},
		{name: "all malformed", ws: WindowSet{RegionVancouver: {"nope", "Tue 25:00-26:00"}}},
		{name: "nil set", ws: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := PickSchedules(tt.ws, []Platform{X}, now)
			if err != nil {
				t.Fatalf("PickSchedules error: %v", err)
			}
			v, ok := got[X]
			if !ok || v != nil {
				t.Fatalf("x = %v (present %v), want nil entry", v, ok)
			}
		})
	}
}

func TestPickSchedulesFirstListedWins(t *testing.T) {
	t.Parallel()
	// Wed opens before Fri, but Fri is listed first after a malformed entry.
	ws := WindowSet{RegionVancouver: {"garbage", "Fri 09:00-10:00", "Wed 09:00-10:00"}}
	got, err := PickSchedules(ws, []Platform{X}, mustTime(t, "2024-01-01T20:00:00Z"))
	if err != nil {
		t.Fatalf("PickSchedules error: %v", err)
	}
	if got[X] == nil || got[X].Format(time.RFC3339) != "2024-01-05T17:00:00Z" {
		t.Fatalf("x = %v, want Fri 09:00 PST", got[X])
	}
}

func TestPickSchedulesUnknownPlatform(t *testing.T) {
	t.Parallel()
	_, err := PickSchedules(WindowSet{}, []Platform{LinkedIn, "friendster"}, time.Now())
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("err = %v, want ErrUnknownPlatform", err)
	}
}

func TestPickSchedulesEndToEnd(t *testing.T) {
	t.Parallel()
	ws := WindowSet{
		RegionShanghai:  {"Tue 12:00-14:00", "Thu 19:00-21:00"},
		RegionVancouver: {"Tue 08:00-10:00", "Wed 12:00-14:00"},
	}
	// 2024-01-01 is a Monday.
	now := mustTime(t, "2024-01-01T00:00:00Z")
	got, err := PickSchedules(ws, []Platform{LinkedIn, Facebook, Instagram, X}, now)
	if err != nil {
		t.Fatalf("PickSchedules error: %v", err)
	}
	want := map[Platform]string{
		LinkedIn:  "2024-01-02T16:00:00Z",
		X:         "2024-01-02T16:00:00Z",
		Facebook:  "2024-01-02T04:00:00Z",
		Instagram: "2024-01-02T04:00:00Z",
	}
	if got.Scheduled() != 4 {
		t.Fatalf("scheduled = %d, want 4", got.Scheduled())
	}
	for p, w := range want {
		ts := got[p]
		if ts == nil {
			t.Fatalf("%s: nil schedule", p)
		}
		if ts.Format(time.RFC3339) != w {
			t.Fatalf("%s = %s, want %s", p, ts.Format(time.RFC3339), w)
		}
		region, _ := RegionFor(p)
		loc, _ := region.Location()
		if wd := ts.In(loc).Weekday(); wd != time.Tuesday {
			t.Fatalf("%s lands on %s in %s", p, wd, region)
		}
		if ts.Before(now) {
			t.Fatalf("%s is in the past", p)
		}
	}

	b, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]*string
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["facebook"] == nil || *decoded["facebook"] != "2024-01-02T04:00:00Z" {
		t.Fatalf("json facebook = %v", decoded["facebook"])
	}
}

func TestScheduleJSONNull(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Schedule{X: nil})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"x":null}` {
		t.Fatalf("json = %s", b)
	}
}

func TestWindowSetClone(t *testing.T) {
	t.Parallel()
	ws := WindowSet{RegionShanghai: {"Tue 12:00-14:00"}}
	cp := ws.Clone()
	cp[RegionShanghai][0] = "changed"
	if ws[RegionShanghai][0] != "Tue 12:00-14:00" {
		t.Fatal("Clone shares backing arrays")
	}
}
