package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/letrecovery/recoverykit/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides ledger operations for downloads and imaging runs
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the ledger at dbPath
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// Workers write concurrently; a single connection serializes them instead
	// of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// BeginDownload records a new attempt for destPath, creating the row on first
// use and bumping the attempt counter afterwards.
func (r *Repository) BeginDownload(ctx context.Context, url, destPath, gid string) (*Download, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM downloads WHERE dest_path = ?`, destPath).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO downloads (url, dest_path, gid, status, attempts)
			VALUES (?, ?, ?, ?, 1)`, url, destPath, gid, StatusDownloading)
		if err != nil {
			slog.Error("database_insert_failed", "dest_path", destPath, "error", err)
			return nil, errors.Wrap(err, "failed to insert download")
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, errors.Wrap(err, "failed to get last insert id")
		}
	case err != nil:
		slog.Error("database_query_failed", "dest_path", destPath, "error", err)
		return nil, errors.Wrap(err, "failed to query download")
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE downloads
			SET url = ?, gid = ?, status = ?, attempts = attempts + 1,
			    sha256 = NULL, size_bytes = NULL, error_message = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, url, gid, StatusDownloading, id)
		if err != nil {
			slog.Error("database_update_failed", "download_id", id, "error", err)
			return nil, errors.Wrap(err, "failed to update download")
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return nil, errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("database_download_started", "download_id", id, "dest_path", destPath, "gid", gid)
	return r.GetDownload(destPath)
}

// FinishDownload records the outcome of the latest attempt
func (r *Repository) FinishDownload(destPath, status, sha256 string, size int64, errorMessage string) error {
	slog.Info("database_finish_download", "dest_path", destPath, "status", status)

	result, err := r.db.Exec(`
		UPDATE downloads
		SET status = ?, sha256 = ?, size_bytes = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE dest_path = ?`, status, sha256, size, errorMessage, destPath)
	if err != nil {
		slog.Error("database_update_failed", "dest_path", destPath, "error", err)
		return errors.Wrap(err, "failed to finish download")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_download_not_found_for_update", "dest_path", destPath)
		return fmt.Errorf("download not found: %s", destPath)
	}
	return nil
}

const downloadColumns = `id, url, dest_path, gid, status, sha256, size_bytes, attempts, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(s scanner) (*Download, error) {
	var d Download
	var gid, sha, errMsg sql.NullString
	var size sql.NullInt64
	if err := s.Scan(&d.ID, &d.URL, &d.DestPath, &gid, &d.Status, &sha, &size,
		&d.Attempts, &errMsg, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.GID = gid.String
	d.SHA256 = sha.String
	d.SizeBytes = size.Int64
	d.ErrorMessage = errMsg.String
	return &d, nil
}

// GetDownload retrieves the ledger row for destPath; nil when unknown
func (r *Repository) GetDownload(destPath string) (*Download, error) {
	row := r.db.QueryRow(`SELECT `+downloadColumns+` FROM downloads WHERE dest_path = ?`, destPath)
	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		slog.Debug("database_download_not_found", "dest_path", destPath)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "dest_path", destPath, "error", err)
		return nil, errors.Wrap(err, "failed to query download")
	}
	return d, nil
}

// ListDownloads retrieves all downloads, newest first
func (r *Repository) ListDownloads() ([]*Download, error) {
	rows, err := r.db.Query(`SELECT ` + downloadColumns + ` FROM downloads ORDER BY created_at DESC, id DESC`)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list downloads")
	}
	defer rows.Close()

	var out []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "download_count", len(out))
	return out, nil
}

// DeleteDownload deletes a download row by ID
func (r *Repository) DeleteDownload(id int64) error {
	slog.Info("database_delete_download", "download_id", id)

	if _, err := r.db.Exec(`DELETE FROM downloads WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "download_id", id, "error", err)
		return errors.Wrap(err, "failed to delete download")
	}
	return nil
}

// RecordOperation inserts or updates an imaging run
func (r *Repository) RecordOperation(op *Operation) error {
	slog.Info("database_record_operation", "operation_id", op.ID, "kind", op.Kind, "status", op.Status)

	_, err := r.db.Exec(`
		INSERT INTO operations (id, kind, target, source, mode, status, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    target = excluded.target, source = excluded.source, mode = excluded.mode,
		    status = excluded.status, message = excluded.message, updated_at = CURRENT_TIMESTAMP`,
		op.ID, op.Kind, op.Target, op.Source, op.Mode, op.Status, op.Message)
	if err != nil {
		slog.Error("database_record_operation_failed", "operation_id", op.ID, "error", err)
		return errors.Wrap(err, "failed to record operation")
	}
	return nil
}

// ListOperations returns up to limit runs, newest first
func (r *Repository) ListOperations(limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, kind, target, source, mode, status, message, created_at, updated_at
		FROM operations ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list operations")
	}
	defer rows.Close()

	var out []*Operation
	for rows.Next() {
		var op Operation
		var target, source, mode, msg sql.NullString
		if err := rows.Scan(&op.ID, &op.Kind, &target, &source, &mode, &op.Status, &msg,
			&op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		op.Target, op.Source, op.Mode, op.Message = target.String, source.String, mode.String, msg.String
		out = append(out, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return out, nil
}
