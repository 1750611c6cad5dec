package storage

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrConflict means the post is no longer in the status a transition
	// expected; someone else moved it first.
	ErrConflict = errors.New("status conflict")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type PostStatus string

const (
	// StatusQueued posts have a send time and wait for the dispatcher.
	StatusQueued PostStatus = "queued"
	// StatusUnscheduled posts got no send time (no usable window).
	StatusUnscheduled PostStatus = "unscheduled"
	// StatusDue posts were handed off by the dispatcher.
	StatusDue       PostStatus = "due"
	StatusCancelled PostStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s PostStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusUnscheduled, StatusDue, StatusCancelled:
		return true
	}
	return false
}

// Post is one queued post for one platform.
type Post struct {
	ID          string     `json:"id"`
	Caption     string     `json:"caption"`
	Platform    string     `json:"platform"`
	Region      string     `json:"region"`
	ScheduledAt *time.Time `json:"scheduled_at"` // UTC; nil when unscheduled
	Status      PostStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PostFilter narrows ListPosts. Zero fields match everything.
type PostFilter struct {
	Status   PostStatus
	Platform string
	Limit    int
}

func (f PostFilter) match(p Post) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Platform != "" && p.Platform != f.Platform {
		return false
	}
	return true
}

// AuditEntry records one operation on the queue.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Action   string    `json:"action"`
	Target   string    `json:"target"`
	OK       int       `json:"ok"`
	Fail     int       `json:"fail"`
	Error    string    `json:"error,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}

// Store is the persistence API used by the planner and dispatcher.
type Store interface {
	PutPosts(ctx context.Context, posts []Post) error
	GetPost(ctx context.Context, id string) (Post, error)
	// ListPosts orders by send time (unscheduled last), then creation.
	ListPosts(ctx context.Context, f PostFilter) ([]Post, error)
	// DuePosts returns queued posts with ScheduledAt <= now, soonest first.
	DuePosts(ctx context.Context, now time.Time, limit int) ([]Post, error)
	// SetStatus moves a post from one status to another. It fails with
	// ErrConflict when the current status is not from.
	SetStatus(ctx context.Context, id string, from, to PostStatus, at time.Time) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

func sortPosts(ps []Post) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		switch {
		case a.ScheduledAt == nil && b.ScheduledAt != nil:
			return false
		case a.ScheduledAt != nil && b.ScheduledAt == nil:
			return true
		case a.ScheduledAt != nil && !a.ScheduledAt.Equal(*b.ScheduledAt):
			return a.ScheduledAt.Before(*b.ScheduledAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
