package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "postsched/pkg/logx"
)

// compactEvery bounds journal growth: after this many journal appends the
// post map is rewritten as a snapshot and the journal truncated.
const compactEvery = 1000

// fileStore keeps the queue in memory and persists it as:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.posts.snapshot.json  (periodic snapshot)
//   - <prefix>.posts.journal.jsonl  (append-only journal, last record per id wins)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	posts        map[string]Post
	writes       int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".posts.snapshot.json"
	journalPath := prefix + ".posts.journal.jsonl"
	posts := map[string]Post{}
	if err := loadSnapshot(snapPath, posts); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	skipped, err := replayJournal(journalPath, posts)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if skipped > 0 {
		// A torn last line after a crash is expected; anything else is worth a look.
		log.Warn("skipped unreadable journal records", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("posts", len(posts)))
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		posts:        posts,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.journalFile != nil {
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutPosts(ctx context.Context, posts []Post) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("post journal closed")
	}
	enc := json.NewEncoder(s.journalFile)
	for _, p := range posts {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("post id required")
		}
		if err := enc.Encode(p); err != nil {
			return err
		}
		s.posts[p.ID] = p
	}
	return s.noteWritesLocked(len(posts))
}

func (s *fileStore) GetPost(ctx context.Context, id string) (Post, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return Post{}, ErrNotFound
	}
	return p, nil
}

func (s *fileStore) ListPosts(ctx context.Context, f PostFilter) ([]Post, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]Post, 0, len(s.posts))
	for _, p := range s.posts {
		if f.match(p) {
			out = append(out, p)
		}
	}
	s.mu.Unlock()

	sortPosts(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fileStore) DuePosts(ctx context.Context, now time.Time, limit int) ([]Post, error) {
	_ = ctx
	s.mu.Lock()
	var out []Post
	for _, p := range s.posts {
		if p.Status == StatusQueued && p.ScheduledAt != nil && !p.ScheduledAt.After(now) {
			out = append(out, p)
		}
	}
	s.mu.Unlock()

	sortPosts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) SetStatus(ctx context.Context, id string, from, to PostStatus, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return fmt.Errorf("%w: %s is %s, not %s", ErrConflict, id, p.Status, from)
	}
	if s.journalFile == nil {
		return errors.New("post journal closed")
	}
	p.Status = to
	p.UpdatedAt = at.UTC()
	if err := json.NewEncoder(s.journalFile).Encode(p); err != nil {
		return err
	}
	s.posts[id] = p
	return s.noteWritesLocked(1)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) noteWritesLocked(n int) error {
	before := s.writes / compactEvery
	s.writes += n
	if s.writes/compactEvery == before {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		// The journal still holds everything; compaction is retried next round.
		s.log.Warn("post journal compact failed", logx.Err(err))
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.posts); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]Post) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Post
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]Post) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var p Post
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil || p.ID == "" {
			skipped++
			continue
		}
		out[p.ID] = p
	}
	return skipped, sc.Err()
}
