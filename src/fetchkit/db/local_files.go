package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

// LocalFile is the persisted record of one materialized resource file.
type LocalFile struct {
	ID        string                   `json:"id"`
	MirrorID  string                   `json:"mirror_id"`
	FileURL   string                   `json:"file_url"`
	Storage   resource.StoragePriority `json:"storage"`
	CreatedAt *time.Time               `json:"created_at,omitempty"`
}

// LocalFileRepository handles local-file record database operations
type LocalFileRepository struct {
	db *Database
}

// NewLocalFileRepository creates a new local-file repository
func NewLocalFileRepository(db *Database) *LocalFileRepository {
	return &LocalFileRepository{db: db}
}

// Upsert inserts or replaces the record for a resource id.
func (r *LocalFileRepository) Upsert(f *LocalFile) error {
	_, err := r.db.DB().Exec(`
		INSERT INTO local_files (id, mirror_id, file_url, storage, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mirror_id = excluded.mirror_id,
			file_url = excluded.file_url,
			storage = excluded.storage,
			created_at = excluded.created_at`,
		f.ID, f.MirrorID, f.FileURL, string(f.Storage), f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert local file: %w", err)
	}
	return nil
}

// GetByID retrieves a record by resource id. Returns nil when absent.
func (r *LocalFileRepository) GetByID(id string) (*LocalFile, error) {
	row := r.db.DB().QueryRow(`
		SELECT id, mirror_id, file_url, storage, created_at
		FROM local_files WHERE id = ?`, id)
	return r.scanFile(row)
}

// ListAll retrieves every record.
func (r *LocalFileRepository) ListAll() ([]LocalFile, error) {
	rows, err := r.db.DB().Query(`
		SELECT id, mirror_id, file_url, storage, created_at
		FROM local_files ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list local files: %w", err)
	}
	defer rows.Close()
	return r.scanFiles(rows)
}

// UpdateStorage moves a record between storage tiers, updating its location.
func (r *LocalFileRepository) UpdateStorage(id string, storage resource.StoragePriority, fileURL string) error {
	result, err := r.db.DB().Exec(
		`UPDATE local_files SET storage = ?, file_url = ? WHERE id = ?`,
		string(storage), fileURL, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update storage tier: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("local file not found: %s", id)
	}
	return nil
}

// Delete removes a record by resource id.
func (r *LocalFileRepository) Delete(id string) error {
	_, err := r.db.DB().Exec("DELETE FROM local_files WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete local file: %w", err)
	}
	return nil
}

// DeleteNotIn removes every record whose id is not in keep. With an empty
// keep set all records are removed.
func (r *LocalFileRepository) DeleteNotIn(keep []string) error {
	if len(keep) == 0 {
		_, err := r.db.DB().Exec("DELETE FROM local_files")
		if err != nil {
			return fmt.Errorf("failed to clear local files: %w", err)
		}
		return nil
	}

	placeholders := strings.Repeat("?,", len(keep))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(keep))
	for i, id := range keep {
		args[i] = id
	}

	query := fmt.Sprintf("DELETE FROM local_files WHERE id NOT IN (%s)", placeholders)
	if _, err := r.db.DB().Exec(query, args...); err != nil {
		return fmt.Errorf("failed to delete local files: %w", err)
	}
	return nil
}

// Count returns the number of records.
func (r *LocalFileRepository) Count() (int, error) {
	var count int
	if err := r.db.DB().QueryRow("SELECT COUNT(*) FROM local_files").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count local files: %w", err)
	}
	return count, nil
}

// scanFile scans a single record row
func (r *LocalFileRepository) scanFile(row *sql.Row) (*LocalFile, error) {
	var f LocalFile
	var storage string
	var createdAt sql.NullTime

	err := row.Scan(&f.ID, &f.MirrorID, &f.FileURL, &storage, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan local file: %w", err)
	}

	f.Storage = resource.StoragePriority(storage)
	if createdAt.Valid {
		f.CreatedAt = &createdAt.Time
	}
	return &f, nil
}

// scanFiles scans multiple record rows
func (r *LocalFileRepository) scanFiles(rows *sql.Rows) ([]LocalFile, error) {
	var files []LocalFile
	for rows.Next() {
		var f LocalFile
		var storage string
		var createdAt sql.NullTime

		if err := rows.Scan(&f.ID, &f.MirrorID, &f.FileURL, &storage, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan local file: %w", err)
		}
		f.Storage = resource.StoragePriority(storage)
		if createdAt.Valid {
			f.CreatedAt = &createdAt.Time
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating local files: %w", err)
	}
	return files, nil
}
