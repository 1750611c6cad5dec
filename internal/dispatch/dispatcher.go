package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"postsched/internal/eventbus"
	"postsched/internal/metrics"
	"postsched/internal/storage"
	logx "postsched/pkg/logx"
)

const (
	DefaultEvery      = "1m"
	DefaultBatchSize  = 50
	DefaultRatePerSec = 5
)

type Config struct {
	Enabled    bool
	Every      string
	Timezone   string
	BatchSize  int
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Every) == "" {
		c.Every = DefaultEvery
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	return c
}

type Dispatcher struct {
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	clock   func() time.Time

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	loc     *time.Location
	limiter *rate.Limiter
	rng     *rand.Rand
	// runCtx parents scheduled sweeps; Start replaces it.
	runCtx context.Context

	sweeping atomic.Bool
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:   store,
		bus:     bus,
		metrics: m,
		log:     log,
		clock:   time.Now,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		runCtx:  context.Background(),
	}
}

// Enabled reports the current config flag.
func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Enabled
}

// Apply swaps the config. The cron runner is restarted when the schedule or
// timezone changed, started when newly enabled and stopped when disabled.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	if old.RatePerSec != cfg.RatePerSec {
		d.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		d.limiter.SetBurst(cfg.RatePerSec)
	}
	var stale *cron.Cron
	if d.c != nil && (!cfg.Enabled ||
		strings.TrimSpace(old.Every) != strings.TrimSpace(cfg.Every) ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)) {
		stale, d.c = d.c, nil
	}
	d.mu.Unlock()

	// A running sweep takes d.mu, so wait for it outside the lock.
	if stale != nil {
		<-stale.Stop().Done()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.cfg.Enabled && d.c == nil:
		d.startLocked()
	case !d.cfg.Enabled && stale != nil:
		d.log.Info("dispatcher disabled")
	}
}

// Start begins periodic sweeps when enabled. Scheduled sweeps run under ctx,
// so cancelling it aborts an in-flight sweep; restarts from Apply keep it.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runCtx = ctx
	if ctx.Err() != nil {
		d.log.Debug("start skipped; context done", logx.Err(ctx.Err()))
		return
	}
	if d.c != nil || !d.cfg.Enabled {
		d.log.Debug("start skipped", logx.Bool("enabled", d.cfg.Enabled))
		return
	}
	d.startLocked()
}

// Stop halts the cron runner and waits for an in-flight sweep.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	c := d.c
	d.c = nil
	d.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	d.log.Info("dispatcher stopped")
}

func (d *Dispatcher) startLocked() {
	spec, err := ParseSchedule(d.cfg.Every)
	if err != nil {
		d.log.Error("invalid dispatch schedule; dispatcher not started", logx.String("every", d.cfg.Every), logx.Err(err))
		return
	}
	loc := loadLocation(d.cfg.Timezone, d.log)
	d.loc = loc

	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	parent := d.runCtx
	job := cron.FuncJob(func() {
		if parent.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(parent, 30*time.Second)
		defer cancel()
		if _, err := d.Sweep(ctx); err != nil {
			d.log.Warn("sweep failed", logx.Err(err))
		}
	})

	if spec.Kind == SpecInterval {
		sched, jitter := intervalWithSpread(spec.Every, time.Now().In(loc), d.rng)
		c.Schedule(sched, job)
		d.log.Debug("interval sweep registered", logx.Duration("every", spec.Every), logx.Duration("spread", jitter))
	} else if _, err := c.AddJob(spec.Cron, job); err != nil {
		d.log.Error("cron register failed", logx.String("spec", spec.Cron), logx.Err(err))
		return
	}

	c.Start()
	d.c = c
	d.log.Info("dispatcher started",
		logx.String("every", spec.String()),
		logx.String("tz", loc.String()),
		logx.Int("batch_size", d.cfg.BatchSize),
		logx.Int("rate_per_sec", d.cfg.RatePerSec),
	)
}

// Sweep hands off every due post, up to the batch size. It returns how many
// posts were marked due. Overlapping sweeps return immediately.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, storage.ErrDisabled
	}
	if !d.sweeping.CompareAndSwap(false, true) {
		d.log.Debug("sweep skipped; previous sweep still running")
		return 0, nil
	}
	defer d.sweeping.Store(false)

	d.mu.Lock()
	batch := d.cfg.BatchSize
	limiter := d.limiter
	d.mu.Unlock()

	now := d.clock()
	posts, err := d.store.DuePosts(ctx, now, batch)
	if err != nil {
		d.metrics.DispatchFailed()
		return 0, fmt.Errorf("load due posts: %w", err)
	}

	n, skipped := 0, 0
	for _, p := range posts {
		if err := limiter.Wait(ctx); err != nil {
			d.metrics.DispatchFailed()
			return n, err
		}
		at := d.clock()
		err := d.store.SetStatus(ctx, p.ID, storage.StatusQueued, storage.StatusDue, at)
		if errors.Is(err, storage.ErrConflict) {
			// Cancelled (or otherwise moved) since DuePosts loaded it.
			skipped++
			d.log.Debug("post left queue before hand-off", logx.String("id", p.ID), logx.Err(err))
			continue
		}
		if err != nil {
			d.metrics.DispatchFailed()
			d.log.Warn("mark due failed", logx.String("id", p.ID), logx.Err(err))
			continue
		}
		n++
		d.metrics.PostDispatched(p.Platform)
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.PostDue, Time: at, Data: eventbus.PostEvent{
				ID: p.ID, Platform: p.Platform, Region: p.Region, ScheduledAt: p.ScheduledAt,
			}})
		}
	}

	if n > 0 {
		e := storage.AuditEntry{At: now.UTC(), Action: "dispatch", Target: "due", OK: n, Fail: len(posts) - n - skipped}
		if err := d.store.AppendAudit(ctx, e); err != nil {
			d.log.Warn("audit append failed", logx.Err(err))
		}
		d.log.Info("posts dispatched", logx.Int("count", n), logx.Int("loaded", len(posts)), logx.Int("skipped", skipped))
	}
	return n, nil
}

// NextRuns previews the next n sweep times in the configured timezone.
func (d *Dispatcher) NextRuns(from time.Time, n int) ([]time.Time, error) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	spec, err := ParseSchedule(cfg.Every)
	if err != nil {
		return nil, err
	}
	var sched cron.Schedule
	if spec.Kind == SpecInterval {
		sched = cron.Every(spec.Every)
	} else if sched, err = cronParser.Parse(spec.Cron); err != nil {
		return nil, err
	}
	t := from.In(loadLocation(cfg.Timezone, d.log))
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
