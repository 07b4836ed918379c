package core

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	recordingsPageDefault    int = 1
	recordingsPerPageDefault int = 50
)

var ErrRecordingNotFound = errors.New("recording not found")

type RecordingsStorer interface {
	Persist(*Recording) error
	UpdateStatus(id RecordingID, fields ...RecordingField) error
	Find(id RecordingID) (*Recording, error)
	FindByStatus(status RecordingStatus) ([]*Recording, error)
	FindIncompleteUploads() ([]*Recording, error)
}

type RecordingsLister interface {
	GetAll(page int, perPage int) (*RecordingsPage, error)
	Stats() (*RecordingStats, error)
}

type RecordingsPage struct {
	Recordings []*Recording `json:"recordings"`
	TotalPages int          `json:"total_pages"`
}

type RecordingStats struct {
	Total    int                     `json:"total"`
	ByStatus map[RecordingStatus]int `json:"by_status"`
}

// RecordingField selects one column for UpdateStatus to set.
type RecordingField func(*recordingUpdate)

type recordingUpdate struct {
	cols []string
	args []interface{}
}

func (u *recordingUpdate) set(col string, arg interface{}) {
	u.cols = append(u.cols, col)
	u.args = append(u.args, arg)
}

func WithStatus(s RecordingStatus) RecordingField {
	return func(u *recordingUpdate) { u.set("status", string(s)) }
}

func WithUploadStatus(s UploadStatus) RecordingField {
	return func(u *recordingUpdate) { u.set("upload_status", string(s)) }
}

func WithUploadAttempts(n int) RecordingField {
	return func(u *recordingUpdate) { u.set("upload_attempts", n) }
}

func WithFilePath(path string) RecordingField {
	return func(u *recordingUpdate) { u.set("file_path", path) }
}

func WithFileSize(size int64) RecordingField {
	return func(u *recordingUpdate) { u.set("file_size", size) }
}

func WithDuration(secs float64) RecordingField {
	return func(u *recordingUpdate) { u.set("duration_secs", secs) }
}

func WithStorageKey(key string) RecordingField {
	return func(u *recordingUpdate) { u.set("storage_key", key) }
}

func WithStorageURL(url string) RecordingField {
	return func(u *recordingUpdate) { u.set("storage_url", url) }
}

func WithEndedAt(t time.Time) RecordingField {
	return func(u *recordingUpdate) { u.set("ended_at", t) }
}

func WithUploadedAt(t time.Time) RecordingField {
	return func(u *recordingUpdate) { u.set("uploaded_at", t) }
}

type RecordingsRepository struct {
	db *sqlx.DB
}

func NewRecordingsRepository(db *sqlx.DB) RecordingsStorer {
	return &RecordingsRepository{
		db: db,
	}
}

func NewRecordingsLister(db *sqlx.DB) RecordingsLister {
	return &RecordingsRepository{
		db: db,
	}
}

func (r *RecordingsRepository) Persist(rec *Recording) error {
	_, err := r.db.Exec(
		`INSERT INTO recordings
			(id, session_id, status, upload_status, upload_attempts, file_path, file_size,
			duration_secs, storage_key, storage_url, participants, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		string(rec.ID),
		string(rec.SessionID),
		string(rec.Status),
		string(rec.UploadStatus),
		rec.UploadAttempts,
		rec.FilePath,
		rec.FileSize,
		rec.DurationSecs,
		rec.StorageKey,
		rec.StorageURL,
		rec.Participants,
		rec.StartedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return err
	}

	return nil
}

func (r *RecordingsRepository) UpdateStatus(id RecordingID, fields ...RecordingField) error {
	if len(fields) == 0 {
		return nil
	}

	u := &recordingUpdate{}
	for _, f := range fields {
		f(u)
	}

	clauses := make([]string, 0, len(u.cols)+1)
	for i, col := range u.cols {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, i+1))
	}
	clauses = append(clauses, "updated_at = NOW()")

	args := append(u.args, string(id))
	res, err := r.db.Exec(
		fmt.Sprintf(`UPDATE recordings SET %s WHERE id = $%d`, strings.Join(clauses, ", "), len(args)),
		args...,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRecordingNotFound
	}

	return nil
}

func (r *RecordingsRepository) Find(id RecordingID) (*Recording, error) {
	rec := &Recording{}

	err := r.db.Get(rec,
		`SELECT
			*
			FROM recordings
			WHERE id = $1 LIMIT 1`,
		string(id),
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordingNotFound
	}
	if err != nil {
		return nil, err
	}

	return rec, nil
}

func (r *RecordingsRepository) FindByStatus(status RecordingStatus) ([]*Recording, error) {
	recordings := []*Recording{}

	err := r.db.Select(&recordings,
		`SELECT
			*
			FROM recordings
			WHERE status = $1
			ORDER BY created_at ASC`,
		string(status),
	)
	if err != nil {
		return nil, err
	}

	return recordings, nil
}

// FindIncompleteUploads returns recordings whose transcoded file landed on
// disk but never reached durable storage. file_path is set only by the
// transcode-completed transition, so the predicate needs no status check.
func (r *RecordingsRepository) FindIncompleteUploads() ([]*Recording, error) {
	recordings := []*Recording{}

	err := r.db.Select(&recordings,
		`SELECT
			*
			FROM recordings
			WHERE file_path <> '' AND upload_status <> $1
			ORDER BY created_at ASC`,
		string(UploadStatusUploaded),
	)
	if err != nil {
		return nil, err
	}

	return recordings, nil
}

func (r *RecordingsRepository) GetAll(page int, perPage int) (*RecordingsPage, error) {
	if page == 0 {
		page = recordingsPageDefault
	}
	if perPage == 0 {
		perPage = recordingsPerPageDefault
	}

	result := &RecordingsPage{}

	var total int
	err := r.db.Get(&total, `SELECT COUNT(*) FROM recordings`)
	if err != nil {
		return nil, err
	}
	result.TotalPages = int(math.Ceil(float64(total) / float64(perPage)))

	recordings := []*Recording{}
	err = r.db.Select(&recordings,
		`SELECT
			id,
			session_id,
			status,
			upload_status,
			upload_attempts,
			file_path,
			file_size,
			duration_secs,
			storage_key,
			storage_url,
			participants,
			started_at,
			ended_at,
			uploaded_at,
			created_at,
			updated_at
		FROM recordings
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		perPage, (page-1)*perPage,
	)
	if err != nil {
		return nil, err
	}

	result.Recordings = recordings

	return result, nil
}

func (r *RecordingsRepository) Stats() (*RecordingStats, error) {
	counts := []struct {
		Status RecordingStatus `db:"status"`
		Count  int             `db:"count"`
	}{}

	err := r.db.Select(&counts, `SELECT status, COUNT(*) AS count FROM recordings GROUP BY status`)
	if err != nil {
		return nil, err
	}

	stats := &RecordingStats{
		ByStatus: make(map[RecordingStatus]int),
	}
	for _, c := range counts {
		stats.ByStatus[c.Status] = c.Count
		stats.Total += c.Count
	}

	return stats, nil
}
