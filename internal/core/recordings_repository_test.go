package core

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
)

func TestRecordingsRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	sqlxDb := sqlx.NewDb(db, "sqlmock")
	defer sqlxDb.Close()

	repo := NewRecordingsRepository(sqlxDb)

	recordingColumns := []string{
		"id", "session_id", "status", "upload_status", "upload_attempts",
		"file_path", "file_size", "duration_secs", "storage_key", "storage_url",
		"participants", "started_at", "ended_at", "uploaded_at", "created_at",
		"updated_at",
	}

	t.Run("persist inserts the initial row", func(t *testing.T) {
		rec, err := NewRecording(SessionID("room-1"), []string{"alice", "bob"})
		assert.Nil(t, err)

		mock.ExpectExec("INSERT INTO recordings").
			WithArgs(
				string(rec.ID),
				"room-1",
				string(RecordingStatusRecording),
				string(UploadStatusPending),
				0,
				"",
				int64(0),
				float64(0),
				"",
				"",
				[]byte(`["alice","bob"]`),
				rec.StartedAt,
				rec.CreatedAt,
				rec.UpdatedAt,
			).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err = repo.Persist(rec)
		assert.Nil(t, err)
	})

	t.Run("update status sets only the given fields", func(t *testing.T) {
		endedAt := time.Date(2022, 10, 2, 12, 30, 0, 0, time.UTC)

		mock.ExpectExec(regexp.QuoteMeta(
			`UPDATE recordings SET status = $1, ended_at = $2, updated_at = NOW() WHERE id = $3`,
		)).
			WithArgs(string(RecordingStatusProcessing), endedAt, "rec-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.UpdateStatus(RecordingID("rec-1"),
			WithStatus(RecordingStatusProcessing),
			WithEndedAt(endedAt),
		)
		assert.Nil(t, err)
	})

	t.Run("update status without fields is a no-op", func(t *testing.T) {
		err := repo.UpdateStatus(RecordingID("rec-1"))
		assert.Nil(t, err)
	})

	t.Run("update status of an unknown recording", func(t *testing.T) {
		mock.ExpectExec("UPDATE recordings SET").
			WithArgs(string(RecordingStatusFailed), "missing").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.UpdateStatus(RecordingID("missing"), WithStatus(RecordingStatusFailed))
		assert.ErrorIs(t, err, ErrRecordingNotFound)
	})

	t.Run("find maps the row", func(t *testing.T) {
		startedAt := time.Date(2022, 10, 2, 12, 0, 0, 0, time.UTC)

		mock.ExpectQuery("SELECT (.+) FROM recordings WHERE id =").
			WithArgs("rec-1").
			WillReturnRows(sqlmock.NewRows(recordingColumns).AddRow(
				"rec-1", "room-1", "completed", "pending", 0, "/tmp/rec-1.mp4",
				int64(1024), float64(12.5), "", "", []byte(`["alice"]`),
				startedAt, nil, nil, startedAt, startedAt,
			))

		rec, err := repo.Find(RecordingID("rec-1"))
		assert.Nil(t, err)
		assert.Equal(t, RecordingID("rec-1"), rec.ID)
		assert.Equal(t, SessionID("room-1"), rec.SessionID)
		assert.Equal(t, RecordingStatusCompleted, rec.Status)
		assert.Equal(t, "/tmp/rec-1.mp4", rec.FilePath)
		assert.Nil(t, rec.EndedAt)

		names, err := rec.ParticipantNames()
		assert.Nil(t, err)
		assert.Equal(t, []string{"alice"}, names)
	})

	t.Run("find of an unknown recording", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM recordings WHERE id =").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(recordingColumns))

		_, err := repo.Find(RecordingID("missing"))
		assert.ErrorIs(t, err, ErrRecordingNotFound)
	})

	t.Run("incomplete uploads skip rows without a local file", func(t *testing.T) {
		startedAt := time.Date(2022, 10, 2, 12, 0, 0, 0, time.UTC)

		mock.ExpectQuery(regexp.QuoteMeta(`file_path <> '' AND upload_status <> $1`)).
			WithArgs(string(UploadStatusUploaded)).
			WillReturnRows(sqlmock.NewRows(recordingColumns).AddRow(
				"rec-2", "room-1", "completed", "failed", 2, "/tmp/rec-2.mp4",
				int64(2048), float64(30), "", "", []byte(`[]`),
				startedAt, nil, nil, startedAt, startedAt,
			))

		recordings, err := repo.FindIncompleteUploads()
		assert.Nil(t, err)
		assert.Equal(t, 1, len(recordings))
		assert.Equal(t, RecordingID("rec-2"), recordings[0].ID)
		assert.Equal(t, UploadStatusFailed, recordings[0].UploadStatus)
	})

	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestRecordingsLister(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	sqlxDb := sqlx.NewDb(db, "sqlmock")
	defer sqlxDb.Close()

	lister := NewRecordingsLister(sqlxDb)

	t.Run("get all paginates", func(t *testing.T) {
		startedAt := time.Date(2022, 10, 2, 12, 0, 0, 0, time.UTC)

		mock.ExpectQuery("SELECT COUNT").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(51))

		mock.ExpectQuery("SELECT (.+) FROM recordings ORDER BY created_at DESC").
			WithArgs(50, 0).
			WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "status", "upload_status", "created_at"}).
				AddRow("rec-1", "room-1", "uploaded", "uploaded", startedAt))

		page, err := lister.GetAll(0, 0)
		assert.Nil(t, err)
		assert.Equal(t, 2, page.TotalPages)
		assert.Equal(t, 1, len(page.Recordings))
		assert.Equal(t, RecordingID("rec-1"), page.Recordings[0].ID)
	})

	t.Run("stats counts rows per status", func(t *testing.T) {
		mock.ExpectQuery("SELECT status, COUNT").
			WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
				AddRow("uploaded", 3).
				AddRow("failed", 1))

		stats, err := lister.Stats()
		assert.Nil(t, err)
		assert.Equal(t, 4, stats.Total)
		assert.Equal(t, 3, stats.ByStatus[RecordingStatusUploaded])
		assert.Equal(t, 1, stats.ByStatus[RecordingStatusFailed])
	})

	assert.Nil(t, mock.ExpectationsWereMet())
}
