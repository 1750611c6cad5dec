// Package httpapi exposes scheduling and the post queue over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postsched/internal/metrics"
	"postsched/internal/planner"
	"postsched/internal/postsched"
	"postsched/internal/storage"
	logx "postsched/pkg/logx"
)

const (
	maxBodyBytes   = 1 << 20
	defaultPreview = 5
	maxPreview     = 52
)

type Options struct {
	Planner *planner.Planner
	// Store may be nil; queue endpoints then answer 503.
	Store   storage.Store
	Metrics *metrics.Metrics
	Log     logx.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Dispatch may be nil; the dispatch endpoints then answer 503.
	Dispatch Sweeper
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool
}

type API struct {
	planner  *planner.Planner
	store    storage.Store
	metrics  *metrics.Metrics
	log      logx.Logger
	clock    func() time.Time
	pprof    bool
	dispatch Sweeper
}

func New(opts Options) *API {
	a := &API{
		planner:  opts.Planner,
		store:    opts.Store,
		metrics:  opts.Metrics,
		log:      opts.Log,
		clock:    opts.Clock,
		pprof:    opts.Pprof,
		dispatch: opts.Dispatch,
	}
	if a.log.IsZero() {
		a.log = logx.Nop()
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	if a.planner == nil {
		a.planner = planner.New(planner.Options{Store: opts.Store, Metrics: opts.Metrics, Log: a.log, Clock: a.clock})
	}
	return a
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.metrics.Handler())
	if a.pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/platforms", a.handlePlatforms)
		r.Post("/schedules", a.handleSchedules)
		r.Get("/windows/preview", a.handleWindowPreview)

		r.Route("/posts", func(r chi.Router) {
			r.Get("/", a.handlePostsList)
			r.Post("/", a.handlePostsCreate)
			r.Get("/{postID}", a.handlePostsGet)
			r.Post("/{postID}/cancel", a.handlePostsCancel)
		})

		r.Get("/dispatch", a.handleDispatchStatus)
		r.Post("/dispatch/sweep", a.handleDispatchSweep)
	})
	return r
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

type platformInfo struct {
	Platform string `json:"platform"`
	Region   string `json:"region"`
}

func (a *API) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	out := make([]platformInfo, 0, len(postsched.Platforms()))
	for _, p := range postsched.Platforms() {
		region, _ := postsched.RegionFor(p)
		out = append(out, platformInfo{Platform: string(p), Region: string(region)})
	}
	writeJSON(w, http.StatusOK, out)
}

type scheduleRequest struct {
	Caption   string              `json:"caption"`
	Platforms []string            `json:"platforms"`
	Windows   map[string][]string `json:"windows,omitempty"`
	Now       *time.Time          `json:"now,omitempty"`
}

type scheduleResponse struct {
	Now      time.Time          `json:"now"`
	Schedule postsched.Schedule `json:"schedule"`
}

func (a *API) handleSchedules(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	preq := planner.Request{Platforms: req.Platforms, Windows: req.Windows}
	if req.Now != nil {
		preq.Now = *req.Now
	}
	res, err := a.planner.Preview(r.Context(), preq)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{Now: res.Now.UTC(), Schedule: res.Schedule})
}

type windowPreview struct {
	Window      string      `json:"window"`
	Region      string      `json:"region"`
	Cron        string      `json:"cron"`
	Occurrences []time.Time `json:"occurrences"`
}

func (a *API) handleWindowPreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	win, err := postsched.ParseWindow(q.Get("window"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	region := postsched.Region(strings.TrimSpace(q.Get("region")))

	n := defaultPreview
	if raw := q.Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxPreview {
			writeErrorMessage(w, http.StatusBadRequest, "invalid_query", "n must be between 1 and "+strconv.Itoa(maxPreview))
			return
		}
		n = v
	}
	now := a.clock()
	if raw := q.Get("now"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid_query", "now must be RFC 3339")
			return
		}
		now = t
	}

	times, err := postsched.Upcoming(win, region, now, n)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	for i := range times {
		times[i] = times[i].UTC()
	}
	writeJSON(w, http.StatusOK, windowPreview{
		Window:      win.String(),
		Region:      string(region),
		Cron:        win.CronSpec(region),
		Occurrences: times,
	})
}

type postsResponse struct {
	Schedule postsched.Schedule `json:"schedule,omitempty"`
	Posts    []storage.Post     `json:"posts"`
}

func (a *API) handlePostsCreate(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		a.writeErr(w, storage.ErrDisabled)
		return
	}
	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	preq := planner.Request{Caption: req.Caption, Platforms: req.Platforms, Windows: req.Windows}
	if req.Now != nil {
		preq.Now = *req.Now
	}
	res, err := a.planner.Plan(r.Context(), preq)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, postsResponse{Schedule: res.Schedule, Posts: res.Posts})
}

func (a *API) handlePostsList(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		a.writeErr(w, storage.ErrDisabled)
		return
	}
	q := r.URL.Query()
	f := storage.PostFilter{}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		f.Status = storage.PostStatus(strings.ToLower(raw))
		if !f.Status.Valid() {
			writeErrorMessage(w, http.StatusBadRequest, "invalid_query", "unknown status "+strconv.Quote(raw))
			return
		}
	}
	if raw := strings.TrimSpace(q.Get("platform")); raw != "" {
		p, err := postsched.ParsePlatform(raw)
		if err != nil {
			a.writeErr(w, err)
			return
		}
		f.Platform = string(p)
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeErrorMessage(w, http.StatusBadRequest, "invalid_query", "limit must be a non-negative integer")
			return
		}
		f.Limit = v
	}

	posts, err := a.store.ListPosts(r.Context(), f)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if posts == nil {
		posts = []storage.Post{}
	}
	writeJSON(w, http.StatusOK, postsResponse{Posts: posts})
}

func (a *API) handlePostsGet(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		a.writeErr(w, storage.ErrDisabled)
		return
	}
	p, err := a.store.GetPost(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handlePostsCancel(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		a.writeErr(w, storage.ErrDisabled)
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "postID")
	p, err := a.store.GetPost(ctx, id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if p.Status != storage.StatusQueued && p.Status != storage.StatusUnscheduled {
		writeErrorMessage(w, http.StatusConflict, "not_cancellable", "post is "+string(p.Status))
		return
	}
	now := a.clock().UTC()
	if err := a.store.SetStatus(ctx, id, p.Status, storage.StatusCancelled, now); err != nil {
		a.writeErr(w, err)
		return
	}
	if err := a.store.AppendAudit(ctx, storage.AuditEntry{At: now, Action: "cancel", Target: id, OK: 1}); err != nil {
		a.log.Warn("audit append failed", logx.String("id", id), logx.Err(err))
	}
	p.Status = storage.StatusCancelled
	p.UpdatedAt = now
	writeJSON(w, http.StatusOK, p)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// writeErr maps domain errors onto status codes.
func (a *API) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, planner.ErrNoPlatforms):
		writeErrorMessage(w, http.StatusBadRequest, "no_platforms", err.Error())
	case errors.Is(err, postsched.ErrUnknownPlatform):
		writeErrorMessage(w, http.StatusBadRequest, "unknown_platform", err.Error())
	case errors.Is(err, postsched.ErrMalformedWindow):
		writeErrorMessage(w, http.StatusBadRequest, "malformed_window", err.Error())
	case errors.Is(err, postsched.ErrUnknownRegion):
		writeErrorMessage(w, http.StatusBadRequest, "unknown_region", err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeErrorMessage(w, http.StatusConflict, "not_cancellable", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, storage.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "storage_disabled")
	default:
		a.log.Error("request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeErrorMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
