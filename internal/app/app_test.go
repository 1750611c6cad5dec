package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postsched/internal/eventbus"
	"postsched/internal/planner"
	"postsched/internal/storage"
)

const baseConfig = `
logging:
  level: error
  console: false
http:
  enabled: false
scheduling:
  default_windows:
    America/Vancouver: ["Tue 08:00-10:00"]
dispatch:
  enabled: false
storage:
  driver: file
  path: %s
`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, fmt.Sprintf(baseConfig, filepath.Join(dir, "queue.db")))
	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return a, cfgPath
}

func TestAppPlanAndStop(t *testing.T) {
	a, _ := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	res, err := a.Planner().Plan(ctx, planner.Request{
		Caption:   "hello",
		Platforms: []string{"linkedin", "instagram"},
		Now:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	if len(res.Posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(res.Posts))
	}
	// Config windows replace the built-in table, so Shanghai has none.
	if res.Posts[0].Status != storage.StatusQueued || res.Posts[1].Status != storage.StatusUnscheduled {
		t.Fatalf("statuses = %s, %s", res.Posts[0].Status, res.Posts[1].Status)
	}

	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestAppReloadsConfig(t *testing.T) {
	a, cfgPath := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, unsub := a.bus.Subscribe(8)
	defer unsub()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	updated := strings.Replace(
		fmt.Sprintf(baseConfig, filepath.Join(filepath.Dir(cfgPath), "queue.db")),
		"dispatch:\n  enabled: false",
		"dispatch:\n  enabled: true\n  every: \"1h\"",
		1,
	)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		writeConfig(t, cfgPath, updated)
		select {
		case e := <-events:
			if e.Type != eventbus.ConfigReloaded {
				continue
			}
			re, _ := e.Data.(eventbus.ReloadEvent)
			if len(re.Changes) != 1 || re.Changes[0] != "dispatch" {
				t.Fatalf("changes = %v, want [dispatch]", re.Changes)
			}
			if !a.disp.Enabled() {
				t.Fatal("dispatcher should be enabled after reload")
			}
			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatal("config reload not observed")
		}
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t)
	defer a.Stop(context.Background(), StopAppStop)

	cfg := *a.cfgm.Get()
	st := *cfg.Storage
	cfg.Storage = &st
	sc, enabled, err := mapStorageConfig(&cfg)
	if err != nil || !enabled || sc.Driver != "file" {
		t.Fatalf("mapStorageConfig = %+v, %v, %v", sc, enabled, err)
	}

	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = ""
	if _, _, err := mapStorageConfig(&cfg); err == nil {
		t.Fatal("sqlite without path should fail")
	}
	cfg.Storage = nil
	if _, enabled, _ := mapStorageConfig(&cfg); enabled {
		t.Fatal("nil storage section should disable storage")
	}
}
