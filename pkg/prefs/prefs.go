// Package prefs persists the user's boolean feature flags.
package prefs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/letrecovery/recoverykit/internal/logging"
	"github.com/letrecovery/recoverykit/pkg/errors"
)

var log = logging.L("prefs")

// Preferences is the on-disk document.
type Preferences struct {
	EasyModeEnabled              bool `json:"easy_mode_enabled"`
	EasyModeTipDismissed         bool `json:"easy_mode_tip_dismissed"`
	EasyModeSettingsTipDismissed bool `json:"easy_mode_settings_tip_dismissed"`
}

// Store owns the preference file. Every change rewrites the whole file.
type Store struct {
	path string

	mu    sync.Mutex
	prefs Preferences
}

// Open reads path. A missing or unreadable file silently yields defaults.
func Open(path string) *Store {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("preferences_read_failed", "path", path, "error", err)
		}
		return s
	}
	if err := json.Unmarshal(data, &s.prefs); err != nil {
		log.Warn("preferences_corrupt_using_defaults", "path", path, "error", err)
		s.prefs = Preferences{}
	}
	return s
}

// Get returns a copy of the current preferences.
func (s *Store) Get() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// Update applies fn and saves. The in-memory value is kept even if saving fails.
func (s *Store) Update(fn func(p *Preferences)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.prefs)
	return s.save()
}

func (s *Store) SetEasyMode(enabled bool) error {
	return s.Update(func(p *Preferences) { p.EasyModeEnabled = enabled })
}

func (s *Store) DismissEasyModeTip() error {
	return s.Update(func(p *Preferences) { p.EasyModeTipDismissed = true })
}

func (s *Store) DismissEasyModeSettingsTip() error {
	return s.Update(func(p *Preferences) { p.EasyModeSettingsTipDismissed = true })
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.prefs, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode preferences")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		log.Warn("preferences_save_failed", "path", s.path, "error", err)
		return errors.Wrap(err, "failed to create preferences directory")
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		log.Warn("preferences_save_failed", "path", s.path, "error", err)
		return errors.Wrap(err, "failed to write preferences")
	}
	log.Debug("preferences_saved", "path", s.path)
	return nil
}
