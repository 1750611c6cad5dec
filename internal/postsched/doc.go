// Package postsched computes when social posts should go out.
//
// A Window is a recurring weekly slot ("Tue 12:00-14:00") read on the wall clock
// of a Region (an IANA zone). ResolveNextOccurrence turns one window into the
// next absolute UTC instant at which it opens; PickSchedules maps each requested
// Platform to its affinity Region and takes the first window, in list order, that
// resolves.
//
// Everything here is a pure function of its inputs. Nothing reads the wall clock
// except PickSchedules when it is handed a zero "now", and nothing depends on the
// process's local timezone.
package postsched
