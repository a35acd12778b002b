package db

// Schema defines the SQLite ledger. downloads tracks every file the download
// orchestrator fetched so a later request can tell whether a local file is a
// finished download or a partial one; operations keeps the install/backup
// history shown by the history command.
const Schema = `
CREATE TABLE IF NOT EXISTS downloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT NOT NULL,
    dest_path TEXT NOT NULL UNIQUE,
    gid TEXT,
    status TEXT NOT NULL CHECK(status IN ('pending', 'downloading', 'ready', 'failed', 'cancelled')),
    sha256 TEXT,
    size_bytes INTEGER,
    attempts INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);

CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    target TEXT,
    source TEXT,
    mode TEXT,
    status TEXT NOT NULL CHECK(status IN ('validating', 'queued', 'running', 'succeeded', 'failed')),
    message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at);
`

// Download status constants
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusReady       = "ready"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// Operation status constants
const (
	OpValidating = "validating"
	OpQueued     = "queued"
	OpRunning    = "running"
	OpSucceeded  = "succeeded"
	OpFailed     = "failed"
)

// Download is one ledger row.
type Download struct {
	ID           int64
	URL          string
	DestPath     string
	GID          string
	Status       string
	SHA256       string
	SizeBytes    int64
	Attempts     int
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// Operation is one install/backup/tool run.
type Operation struct {
	ID        string
	Kind      string
	Target    string
	Source    string
	Mode      string
	Status    string
	Message   string
	CreatedAt string
	UpdatedAt string
}
