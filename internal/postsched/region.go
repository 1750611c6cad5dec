package postsched

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Region is an IANA timezone identifier in which windows are read.
type Region string

const (
	RegionShanghai  Region = "Asia/Shanghai"
	RegionVancouver Region = "America/Vancouver"
)

// zone cache: time.LoadLocation hits the filesystem on every call.
var zones sync.Map // string -> *time.Location

// Location loads the region's zone from the tz database.
func (r Region) Location() (*time.Location, error) {
	name := strings.TrimSpace(string(r))
	if name == "" {
		return nil, fmt.Errorf("%w: empty", ErrUnknownRegion)
	}
	if v, ok := zones.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnknownRegion, name, err)
	}
	// "Local" would make results depend on the host.
	if loc == time.Local {
		return nil, fmt.Errorf("%w: %q is host-dependent", ErrUnknownRegion, name)
	}
	v, _ := zones.LoadOrStore(name, loc)
	return v.(*time.Location), nil
}

func (r Region) String() string { return string(r) }
