package orchestrator

import (
	"context"
	"os"

	"github.com/letrecovery/recoverykit/pkg/db"
)

// Ledger records downloads and operation history. *db.Repository satisfies it.
type Ledger interface {
	BeginDownload(ctx context.Context, url, destPath, gid string) (*db.Download, error)
	FinishDownload(destPath, status, sha256 string, size int64, errorMessage string) error
	GetDownload(destPath string) (*db.Download, error)
	RecordOperation(op *db.Operation) error
}

// downloadedFile reports whether path is a finished download on disk. With no
// ledger, any existing file counts.
func downloadedFile(l Ledger, path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if l == nil {
		return true
	}
	d, err := l.GetDownload(path)
	if err != nil {
		log.Warn("ledger_lookup_failed", "path", path, "error", err)
		return true
	}
	// Files the ledger never saw were put there by the user.
	return d == nil || d.Status == db.StatusReady
}

func recordOperation(l Ledger, req OperationRequest, status, message string) {
	if l == nil {
		return
	}
	err := l.RecordOperation(&db.Operation{
		ID:      req.ID,
		Kind:    string(req.Kind),
		Target:  req.Target,
		Source:  req.Source,
		Mode:    req.Mode.String(),
		Status:  status,
		Message: message,
	})
	if err != nil {
		log.Warn("ledger_record_failed", "operation_id", req.ID, "error", err)
	}
}
