// Package security validates where downloads and staged files may be written
// and how large they may grow.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Validator confines writes to a set of allowed roots and enforces size limits.
type Validator struct {
	roots       []string
	maxFileSize int64

	mu       sync.Mutex
	reserved map[string]int64
}

// NewValidator allows writes below any of roots; maxFileSize <= 0 disables the size check.
func NewValidator(maxFileSize int64, roots ...string) *Validator {
	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		if abs, err := filepath.Abs(r); err == nil {
			clean = append(clean, filepath.Clean(abs))
		}
	}
	slog.Info("security_validator_init", "roots", clean, "max_file_size_mb", maxFileSize/1024/1024)

	return &Validator{roots: clean, maxFileSize: maxFileSize, reserved: make(map[string]int64)}
}

// ValidateFilename rejects names that are empty, contain separators, or walk upwards.
func (v *Validator) ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		slog.Error("security_filename_validation_failed", "name", name, "reason", "empty_or_dot")
		return fmt.Errorf("security: invalid file name %q", name)
	}
	if strings.ContainsAny(name, `/\:`) {
		slog.Error("security_filename_validation_failed", "name", name, "reason", "separator")
		return fmt.Errorf("security: file name %q contains a path separator", name)
	}
	return nil
}

// ValidatePath checks a relative path for traversal outside its base.
func (v *Validator) ValidatePath(rel string) error {
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		slog.Error("security_path_validation_failed", "path", rel, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", rel, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", rel)
	}
	return nil
}

// ValidateDestination resolves dest and checks that it lies below an allowed
// root. It returns the cleaned absolute path.
func (v *Validator) ValidateDestination(dest string) (string, error) {
	if dest == "" {
		return "", fmt.Errorf("security: empty destination")
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("security: cannot resolve %s: %w", dest, err)
	}
	abs = filepath.Clean(abs)
	if err := v.ValidateFilename(filepath.Base(abs)); err != nil {
		return "", err
	}

	if len(v.roots) == 0 {
		return abs, nil
	}
	for _, root := range v.roots {
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			continue
		}
		if rel != "." && v.ValidatePath(rel) == nil {
			return abs, nil
		}
	}
	slog.Error("security_destination_outside_roots", "dest", abs, "roots", v.roots)
	return "", fmt.Errorf("security: destination %s is outside the allowed directories", abs)
}

// ValidateFileSize checks a file against the per-file limit
func (v *Validator) ValidateFileSize(size int64) error {
	if v.maxFileSize > 0 && size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// Reserve claims dest for one writer. A second claim on the same path fails
// until Release, so two transfers never write the same file.
func (v *Validator) Reserve(dest string, expectedSize int64) error {
	if err := v.ValidateFileSize(expectedSize); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, busy := v.reserved[dest]; busy {
		slog.Error("security_destination_in_use", "dest", dest)
		return fmt.Errorf("security: %s is already being written", dest)
	}
	v.reserved[dest] = expectedSize
	return nil
}

// Release drops a reservation.
func (v *Validator) Release(dest string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.reserved, dest)
}
