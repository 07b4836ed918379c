package core

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// RecordingStatus is the persisted lifecycle state of a recording.
type RecordingStatus string

const (
	RecordingStatusRecording  RecordingStatus = "recording"
	RecordingStatusProcessing RecordingStatus = "processing"
	RecordingStatusCompleted  RecordingStatus = "completed"
	RecordingStatusFailed     RecordingStatus = "failed"
	RecordingStatusUploading  RecordingStatus = "uploading"
	RecordingStatusUploaded   RecordingStatus = "uploaded"
)

// UploadStatus tracks the journey of the recorded file to durable storage.
// It is owned by the upload queue; RecordingStatus mirrors its transitions so
// a single column answers "where is this recording now".
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusQueued    UploadStatus = "queued"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusUploaded  UploadStatus = "uploaded"
	UploadStatusFailed    UploadStatus = "failed"
)

// Terminal reports whether the recording reached a state it can never leave.
func (s RecordingStatus) Terminal() bool {
	return s == RecordingStatusFailed || s == RecordingStatusUploaded
}

// Recording is the ledger row for one capture of a session.
// A row is persisted in status "recording" before any engine resource is
// allocated, so a crash mid-start still leaves a traceable record.
type Recording struct {
	ID             RecordingID     `json:"id" db:"id"`
	SessionID      SessionID       `json:"session_id" db:"session_id"`
	Status         RecordingStatus `json:"status" db:"status"`
	UploadStatus   UploadStatus    `json:"upload_status" db:"upload_status"`
	UploadAttempts int             `json:"upload_attempts,omitempty" db:"upload_attempts"`
	FilePath       string          `json:"file_path,omitempty" db:"file_path"`
	FileSize       int64           `json:"file_size,omitempty" db:"file_size"`
	DurationSecs   float64         `json:"duration_secs,omitempty" db:"duration_secs"`
	StorageKey     string          `json:"storage_key,omitempty" db:"storage_key"`
	StorageURL     string          `json:"storage_url,omitempty" db:"storage_url"`
	Participants   types.JSONText  `json:"participants,omitempty" db:"participants"`
	StartedAt      time.Time       `json:"started_at" db:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	UploadedAt     *time.Time      `json:"uploaded_at,omitempty" db:"uploaded_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// NewRecording builds the initial ledger row for a capture that is starting
// now. Participant names are snapshotted at start; late joiners are not
// appended retroactively.
func NewRecording(sessionID SessionID, participants []string) (*Recording, error) {
	names, err := json.Marshal(participants)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	return &Recording{
		ID:           NewRecordingID(),
		SessionID:    sessionID,
		Status:       RecordingStatusRecording,
		UploadStatus: UploadStatusPending,
		Participants: types.JSONText(names),
		StartedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ParticipantNames decodes the snapshot taken at capture start.
func (r *Recording) ParticipantNames() ([]string, error) {
	if len(r.Participants) == 0 {
		return nil, nil
	}

	var names []string
	if err := json.Unmarshal(r.Participants, &names); err != nil {
		return nil, err
	}

	return names, nil
}
