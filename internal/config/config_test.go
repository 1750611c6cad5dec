package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postsched/internal/postsched"
)

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  enabled: true
  addr: "127.0.0.1:0"
scheduling:
  default_windows:
    Asia/Shanghai: ["Tue 12:00-14:00", "Thu 19:00-21:00"]
    America/Vancouver: ["Tue 08:00-10:00"]
dispatch:
  enabled: true
  every: "30s"
  timezone: "America/Vancouver"
storage:
  driver: file
  path: ./data/queue
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.HTTP.Enabled || cfg.Dispatch.Every != "30s" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	ws := cfg.Scheduling.WindowSet()
	if got := ws[postsched.RegionShanghai]; len(got) != 2 || got[1] != "Thu 19:00-21:00" {
		t.Fatalf("shanghai windows = %v", got)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown json field", path: "c.json", body: `{"logging":{"level":"info"},"telegram":{}}`},
		{name: "trailing json", path: "c.json", body: `{"logging":{}} {"logging":{}}`},
		{name: "unknown yaml field", path: "c.yml", body: "dispatch:\n  workers: 3\n"},
		{name: "bad yaml", path: "c.yaml", body: "logging: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	good := &Config{Scheduling: SchedulingConfig{DefaultWindows: map[string][]string{"Asia/Shanghai": {"bogus"}}}}
	if err := Validate(good); err != nil {
		t.Fatalf("malformed windows must not fail validation: %v", err)
	}
	if w := WindowWarnings(good); len(w) != 1 || !strings.Contains(w[0], "Asia/Shanghai") {
		t.Fatalf("WindowWarnings = %v", w)
	}

	bad := &Config{
		HTTP:       HTTPConfig{ReadTimeout: "soon"},
		Scheduling: SchedulingConfig{DefaultWindows: map[string][]string{"Atlantis/Capital": {"Tue 12:00-14:00"}}},
		Dispatch:   DispatchConfig{Every: "whenever", Timezone: "Nowhere/Else"},
		Storage:    &StorageConfig{Driver: "postgres"},
	}
	err := Validate(bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"http.read_timeout", "Atlantis/Capital", "dispatch.every", "dispatch.timezone", "storage.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{
		Logging:    LoggingConfig{Level: "info"},
		Scheduling: SchedulingConfig{DefaultWindows: map[string][]string{"Asia/Shanghai": {"Tue 12:00-14:00"}}},
		Dispatch:   DispatchConfig{Enabled: true},
	}
	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "scheduling,dispatch" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if changed, _ := SummarizeConfigChange(b, b); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"logging":{"level":"info"}}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if ok, err := m.Reload(context.Background()); err != nil || ok {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	writeFile(t, dir, "config.json", `{"logging":{"level":"debug"}}`)
	if ok, err := m.Reload(context.Background()); err != nil || !ok {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	select {
	case got := <-ch:
		if got.Logging.Level != "debug" {
			t.Fatalf("published level = %q", got.Logging.Level)
		}
	default:
		t.Fatal("expected published config")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return context.DeadlineExceeded
	})
	writeFile(t, dir, "config.json", `{"logging":{"level":"warn"}}`)
	if ok, err := m.Reload(context.Background()); err == nil || ok {
		t.Fatalf("validator-rejected reload = %v, %v", ok, err)
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected config must not be committed")
	}
}

func TestManagerWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "logging:\n  level: info\n")

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher is up and picks a change.
		writeFile(t, dir, "config.yaml", "logging:\n  level: error\n")
		select {
		case got := <-ch:
			if got.Logging.Level != "error" {
				t.Fatalf("published level = %q", got.Logging.Level)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		case <-tick.C:
		}
	}
}
