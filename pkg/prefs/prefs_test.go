package prefs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMissingFileYieldsDefaults(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "config.json"))
	if got := s.Get(); got != (Preferences{}) {
		t.Errorf("expected defaults, got %+v", got)
	}
}

func TestOpenCorruptFileYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s := Open(path)
	if got := s.Get(); got != (Preferences{}) {
		t.Errorf("expected defaults, got %+v", got)
	}
}

func TestEveryChangeRewritesWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	s := Open(path)

	if err := s.SetEasyMode(true); err != nil {
		t.Fatalf("SetEasyMode: %v", err)
	}
	if err := s.DismissEasyModeTip(); err != nil {
		t.Fatalf("DismissEasyModeTip: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw map[string]bool
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]bool{
		"easy_mode_enabled":                true,
		"easy_mode_tip_dismissed":          true,
		"easy_mode_settings_tip_dismissed": false,
	}
	for k, v := range want {
		if got, ok := raw[k]; !ok || got != v {
			t.Errorf("%s = %v (present %v), want %v", k, got, ok, v)
		}
	}

	if reopened := Open(path).Get(); !reopened.EasyModeEnabled || !reopened.EasyModeTipDismissed {
		t.Errorf("reopened preferences lost changes: %+v", reopened)
	}
}
