// Package planner turns a post request into per-platform queue entries.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"postsched/internal/eventbus"
	"postsched/internal/metrics"
	"postsched/internal/postsched"
	"postsched/internal/storage"
	"postsched/internal/suggest"
	logx "postsched/pkg/logx"
)

// ErrNoPlatforms is returned for a request without any platform.
var ErrNoPlatforms = errors.New("at least one platform is required")

// Request describes one post to schedule.
type Request struct {
	Caption   string
	Platforms []string
	// Windows overrides the suggestion source when non-empty.
	Windows map[string][]string
	// Now overrides the clock when non-zero.
	Now time.Time
}

// Result is the outcome of Plan or Preview.
type Result struct {
	Now      time.Time
	Schedule postsched.Schedule
	// Platforms in request order after normalization.
	Platforms []postsched.Platform
	// Posts is empty for Preview.
	Posts []storage.Post
}

type Options struct {
	Source  suggest.Source
	Store   storage.Store
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Log     logx.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type Planner struct {
	source  suggest.Source
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	clock   func() time.Time
}

func New(opts Options) *Planner {
	p := &Planner{
		source:  opts.Source,
		store:   opts.Store,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     opts.Log,
		clock:   opts.Clock,
	}
	if p.source == nil {
		p.source = suggest.NewStatic(nil)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	return p
}

// Preview computes the schedule without touching storage.
func (p *Planner) Preview(ctx context.Context, req Request) (Result, error) {
	platforms, err := normalizePlatforms(req.Platforms)
	if err != nil {
		return Result{}, err
	}
	ws, err := p.windows(ctx, req.Windows)
	if err != nil {
		return Result{}, err
	}
	now := req.Now
	if now.IsZero() {
		now = p.clock()
	}
	sched, err := postsched.PickSchedules(ws, platforms, now)
	if err != nil {
		return Result{}, err
	}
	for _, pl := range platforms {
		p.metrics.ScheduleResolved(string(pl), sched[pl] != nil)
	}
	return Result{Now: now, Schedule: sched, Platforms: platforms}, nil
}

// Plan computes the schedule and queues one post per platform. Platforms
// with no usable window are stored as unscheduled.
func (p *Planner) Plan(ctx context.Context, req Request) (Result, error) {
	res, err := p.Preview(ctx, req)
	if err != nil {
		return Result{}, err
	}

	created := res.Now.UTC()
	posts := make([]storage.Post, 0, len(res.Platforms))
	for _, pl := range res.Platforms {
		region, _ := postsched.RegionFor(pl)
		post := storage.Post{
			ID:        uuid.NewString(),
			Caption:   req.Caption,
			Platform:  string(pl),
			Region:    string(region),
			Status:    storage.StatusUnscheduled,
			CreatedAt: created,
			UpdatedAt: created,
		}
		if t := res.Schedule[pl]; t != nil {
			at := t.UTC()
			post.ScheduledAt = &at
			post.Status = storage.StatusQueued
		}
		posts = append(posts, post)
	}

	if p.store != nil {
		if err := p.store.PutPosts(ctx, posts); err != nil {
			return Result{}, fmt.Errorf("persist posts: %w", err)
		}
		p.audit(ctx, res, posts)
	}

	for _, post := range posts {
		p.metrics.PostQueued(post.Platform)
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.PostQueued, Time: created, Data: eventbus.PostEvent{
				ID: post.ID, Platform: post.Platform, Region: post.Region, ScheduledAt: post.ScheduledAt,
			}})
		}
	}

	p.log.Info("post planned",
		logx.Strings("platforms", platformStrings(res.Platforms)),
		logx.Int("scheduled", res.Schedule.Scheduled()),
		logx.Bool("persisted", p.store != nil),
	)
	res.Posts = posts
	return res, nil
}

func (p *Planner) audit(ctx context.Context, res Result, posts []storage.Post) {
	meta, _ := json.Marshal(res.Schedule)
	ok := res.Schedule.Scheduled()
	e := storage.AuditEntry{
		At:       res.Now.UTC(),
		Action:   "plan",
		Target:   posts[0].ID,
		OK:       ok,
		Fail:     len(posts) - ok,
		MetaJSON: string(meta),
	}
	if err := p.store.AppendAudit(ctx, e); err != nil {
		p.log.Warn("audit append failed", logx.Err(err))
	}
}

func (p *Planner) windows(ctx context.Context, override map[string][]string) (postsched.WindowSet, error) {
	if len(override) > 0 {
		ws := make(postsched.WindowSet, len(override))
		for name, list := range override {
			r := postsched.Region(name)
			if _, err := r.Location(); err != nil {
				return nil, err
			}
			ws[r] = append([]string(nil), list...)
		}
		return ws, nil
	}
	ws, err := p.source.Windows(ctx)
	if err != nil {
		return nil, fmt.Errorf("load windows: %w", err)
	}
	return ws, nil
}

func normalizePlatforms(raw []string) ([]postsched.Platform, error) {
	if len(raw) == 0 {
		return nil, ErrNoPlatforms
	}
	seen := make(map[postsched.Platform]struct{}, len(raw))
	out := make([]postsched.Platform, 0, len(raw))
	for _, s := range raw {
		pl, err := postsched.ParsePlatform(s)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[pl]; dup {
			continue
		}
		seen[pl] = struct{}{}
		out = append(out, pl)
	}
	return out, nil
}

func platformStrings(ps []postsched.Platform) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
