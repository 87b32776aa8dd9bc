package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rhazari/fleetdeck/internal/model"
)

func TestParse(t *testing.T) {
	raw := `{
		"debug": true,
		"http": {"listen": ":8080", "timeout": "5s"},
		"dispatch": {
			"default_deadline": "10s",
			"deadlines": {"wipe": "30s", "bogus": "1s"}
		},
		"hub": {"subscriber_buffer": 16}
	}`

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.HTTP.Listen != ":8080" {
		t.Fatalf("exp :8080 got %s", cfg.HTTP.Listen)
	}

	if cfg.Dispatch.DefaultDeadline.Std() != 10*time.Second {
		t.Fatalf("exp 10s got %s", cfg.Dispatch.DefaultDeadline)
	}

	deadlines := cfg.Dispatch.KindDeadlines()
	if deadlines[model.KindWipe] != 30*time.Second {
		t.Fatalf("exp 30s got %s", deadlines[model.KindWipe])
	}

	if len(deadlines) != 1 {
		t.Fatalf("unknown kind should be dropped, got %v", deadlines)
	}
}

func TestParseDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Dispatch.DefaultDeadline != defaultDeadline {
		t.Fatalf("exp default deadline got %s", cfg.Dispatch.DefaultDeadline)
	}

	if cfg.Dispatch.HistoryRetention != defaultRetention {
		t.Fatalf("exp default retention got %s", cfg.Dispatch.HistoryRetention)
	}

	if cfg.Hub.SubscriberBuffer != defaultSubscriberBuffer {
		t.Fatalf("exp default buffer got %d", cfg.Hub.SubscriberBuffer)
	}
}
