package core

import (
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryRecordingsStore keeps the recordings ledger in process memory. It
// serves tests and single-node development setups that run without Postgres.
type MemoryRecordingsStore struct {
	mu   sync.RWMutex
	rows map[RecordingID]*Recording
}

func NewMemoryRecordingsStore() *MemoryRecordingsStore {
	return &MemoryRecordingsStore{
		rows: make(map[RecordingID]*Recording),
	}
}

func (s *MemoryRecordingsStore) Persist(rec *Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *rec
	s.rows[rec.ID] = &clone

	return nil
}

func (s *MemoryRecordingsStore) UpdateStatus(id RecordingID, fields ...RecordingField) error {
	if len(fields) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rows[id]
	if !ok {
		return ErrRecordingNotFound
	}

	u := &recordingUpdate{}
	for _, f := range fields {
		f(u)
	}
	for i, col := range u.cols {
		setRecordingColumn(rec, col, u.args[i])
	}
	rec.UpdatedAt = time.Now().UTC()

	return nil
}

func setRecordingColumn(rec *Recording, col string, arg interface{}) {
	switch col {
	case "status":
		rec.Status = RecordingStatus(arg.(string))
	case "upload_status":
		rec.UploadStatus = UploadStatus(arg.(string))
	case "upload_attempts":
		rec.UploadAttempts = arg.(int)
	case "file_path":
		rec.FilePath = arg.(string)
	case "file_size":
		rec.FileSize = arg.(int64)
	case "duration_secs":
		rec.DurationSecs = arg.(float64)
	case "storage_key":
		rec.StorageKey = arg.(string)
	case "storage_url":
		rec.StorageURL = arg.(string)
	case "ended_at":
		t := arg.(time.Time)
		rec.EndedAt = &t
	case "uploaded_at":
		t := arg.(time.Time)
		rec.UploadedAt = &t
	}
}

func (s *MemoryRecordingsStore) Find(id RecordingID) (*Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.rows[id]
	if !ok {
		return nil, ErrRecordingNotFound
	}

	clone := *rec
	return &clone, nil
}

func (s *MemoryRecordingsStore) FindByStatus(status RecordingStatus) ([]*Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filter(func(rec *Recording) bool {
		return rec.Status == status
	}), nil
}

func (s *MemoryRecordingsStore) FindIncompleteUploads() ([]*Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filter(func(rec *Recording) bool {
		return rec.FilePath != "" && rec.UploadStatus != UploadStatusUploaded
	}), nil
}

// filter snapshots matching rows ordered by creation time, oldest first.
// Callers hold the read lock.
func (s *MemoryRecordingsStore) filter(match func(*Recording) bool) []*Recording {
	recordings := []*Recording{}
	for _, rec := range s.rows {
		if !match(rec) {
			continue
		}
		clone := *rec
		recordings = append(recordings, &clone)
	}

	sort.Slice(recordings, func(i, j int) bool {
		if recordings[i].CreatedAt.Equal(recordings[j].CreatedAt) {
			return recordings[i].ID < recordings[j].ID
		}
		return recordings[i].CreatedAt.Before(recordings[j].CreatedAt)
	})

	return recordings
}

func (s *MemoryRecordingsStore) GetAll(page int, perPage int) (*RecordingsPage, error) {
	if page == 0 {
		page = recordingsPageDefault
	}
	if perPage == 0 {
		perPage = recordingsPerPageDefault
	}

	s.mu.RLock()
	all := s.filter(func(*Recording) bool { return true })
	s.mu.RUnlock()

	// newest first, same as the repository
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	result := &RecordingsPage{
		TotalPages: int(math.Ceil(float64(len(all)) / float64(perPage))),
		Recordings: []*Recording{},
	}

	offset := (page - 1) * perPage
	if offset >= len(all) {
		return result, nil
	}
	end := offset + perPage
	if end > len(all) {
		end = len(all)
	}
	result.Recordings = all[offset:end]

	return result, nil
}

func (s *MemoryRecordingsStore) Stats() (*RecordingStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &RecordingStats{
		ByStatus: make(map[RecordingStatus]int),
	}
	for _, rec := range s.rows {
		stats.ByStatus[rec.Status]++
		stats.Total++
	}

	return stats, nil
}
