// Package suggest supplies the posting windows per region.
//
// The windows normally come from an external content-suggestion service.
// Until that is reachable the built-in defaults apply.
package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"postsched/internal/postsched"
	logx "postsched/pkg/logx"
)

// ErrEmpty is returned when a source has no windows for any region.
var ErrEmpty = errors.New("suggestion source returned no windows")

// Source yields the current window set.
type Source interface {
	Windows(ctx context.Context) (postsched.WindowSet, error)
}

// DefaultWindowSet is the hardcoded fallback table.
func DefaultWindowSet() postsched.WindowSet {
	return postsched.WindowSet{
		postsched.RegionShanghai:  {"Tue 12:00-14:00", "Thu 19:00-21:00"},
		postsched.RegionVancouver: {"Tue 08:00-10:00", "Wed 12:00-14:00"},
	}
}

// Static serves a fixed window set.
type Static struct {
	set postsched.WindowSet
}

// NewStatic copies ws. A nil or empty ws means DefaultWindowSet.
func NewStatic(ws postsched.WindowSet) *Static {
	if len(ws) == 0 {
		ws = DefaultWindowSet()
	}
	return &Static{set: ws.Clone()}
}

func (s *Static) Windows(ctx context.Context) (postsched.WindowSet, error) {
	_ = ctx
	return s.set.Clone(), nil
}

// HTTP fetches `{"<region>": ["Tue 12:00-14:00", ...]}` from a URL.
type HTTP struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewHTTP returns an HTTP source. timeout <= 0 means 5s.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{url: url, timeout: timeout, client: &http.Client{}}
}

func (h *HTTP) Windows(ctx context.Context) (postsched.WindowSet, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch windows: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch windows: unexpected status %d", resp.StatusCode)
	}

	var raw map[string][]string
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode windows: %w", err)
	}

	ws := make(postsched.WindowSet, len(raw))
	for region, windows := range raw {
		region = strings.TrimSpace(region)
		if region == "" || len(windows) == 0 {
			continue
		}
		ws[postsched.Region(region)] = append([]string(nil), windows...)
	}
	if len(ws) == 0 {
		return nil, ErrEmpty
	}
	return ws, nil
}

// Fallback tries primary and falls back on error or an empty set.
type Fallback struct {
	primary  Source
	fallback Source
	log      logx.Logger
	onUse    func()
}

// NewFallback wires primary over fallback. onUse, when set, is called every
// time the fallback answers.
func NewFallback(primary, fallback Source, log logx.Logger, onUse func()) *Fallback {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fallback{primary: primary, fallback: fallback, log: log, onUse: onUse}
}

func (f *Fallback) Windows(ctx context.Context) (postsched.WindowSet, error) {
	if f.primary != nil {
		ws, err := f.primary.Windows(ctx)
		if err == nil && len(ws) > 0 {
			return ws, nil
		}
		if err == nil {
			err = ErrEmpty
		}
		f.log.Warn("suggestion source failed; using fallback windows", logx.Err(err))
	}
	if f.onUse != nil {
		f.onUse()
	}
	return f.fallback.Windows(ctx)
}

// Swappable forwards to a source that can be replaced at runtime, so config
// reloads take effect without rebuilding the planner.
type Swappable struct {
	cur atomic.Pointer[sourceBox]
}

type sourceBox struct{ src Source }

func NewSwappable(src Source) *Swappable {
	s := &Swappable{}
	s.Set(src)
	return s
}

func (s *Swappable) Set(src Source) {
	if src == nil {
		src = NewStatic(nil)
	}
	s.cur.Store(&sourceBox{src: src})
}

func (s *Swappable) Windows(ctx context.Context) (postsched.WindowSet, error) {
	return s.cur.Load().src.Windows(ctx)
}
