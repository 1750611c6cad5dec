package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Sweeper is the part of the dispatcher the API exposes.
type Sweeper interface {
	Enabled() bool
	NextRuns(from time.Time, n int) ([]time.Time, error)
	Sweep(ctx context.Context) (int, error)
}

type dispatchStatus struct {
	Enabled  bool        `json:"enabled"`
	NextRuns []time.Time `json:"next_runs"`
}

func (a *API) handleDispatchStatus(w http.ResponseWriter, r *http.Request) {
	if a.dispatch == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch_unavailable")
		return
	}
	n := defaultPreview
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > maxPreview {
			writeErrorMessage(w, http.StatusBadRequest, "invalid_query", "n must be between 0 and "+strconv.Itoa(maxPreview))
			return
		}
		n = v
	}

	out := dispatchStatus{Enabled: a.dispatch.Enabled(), NextRuns: []time.Time{}}
	if out.Enabled {
		runs, err := a.dispatch.NextRuns(a.clock(), n)
		if err != nil {
			a.writeErr(w, err)
			return
		}
		for _, t := range runs {
			out.NextRuns = append(out.NextRuns, t.UTC())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleDispatchSweep(w http.ResponseWriter, r *http.Request) {
	if a.dispatch == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch_unavailable")
		return
	}
	n, err := a.dispatch.Sweep(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"dispatched": n})
}
