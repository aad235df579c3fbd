package rointe_sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewSession_OfflineLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	body := "db:\n  path: " + filepath.Join(dir, "rointe.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if s.HasSession() {
		t.Fatal("fresh session should not be logged in")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("Start without login = %v, want ErrNotLoggedIn", err)
	}
	if got := s.Devices(); len(got) != 0 {
		t.Fatalf("expected empty mirror, got %d devices", len(got))
	}
	recs, err := s.Commands(context.Background(), LogFilter{})
	if err != nil || len(recs) != 0 {
		t.Fatalf("Commands = %v, %v", recs, err)
	}
	if s.Services() == nil {
		t.Fatal("expected service aggregate")
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Start after Close = %v, want ErrEngineClosed", err)
	}
}
