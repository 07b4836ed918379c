package uploads

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livemeet-sfu/internal/config"
	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/telemetry"
)

// Priorities for EnqueueWithPriority. Lower is more urgent.
const (
	PriorityHigh   = 0
	PriorityNormal = 10
)

// Task is one pending transfer of a finished local file to the blob store.
// Tasks exist only inside the queue: removed on success or permanent failure.
type Task struct {
	RecordingID core.RecordingID
	LocalPath   string
	Key         string
	Priority    int
	Attempts    int
	EnqueuedAt  time.Time
}

// QueueStatus is the operator-facing snapshot of the queue.
type QueueStatus struct {
	QueueLength   int  `json:"queue_length"`
	ActiveUploads int  `json:"active_uploads"`
	IsProcessing  bool `json:"is_processing"`
}

// Queue moves completed recordings into durable storage with bounded
// concurrency and a bounded number of attempts per residency. It holds at
// most one task per recording id across pending and in-flight work, and all
// of its timers run through the clock so they stay cancellable.
type Queue struct {
	ledger core.RecordingsStorer
	store  BlobStore
	clk    clock.Clock

	concurrency  int
	maxAttempts  int
	retryBackoff time.Duration
	tick         time.Duration
	cleanupDelay time.Duration

	mu            sync.Mutex
	pending       []*Task
	inflight      map[core.RecordingID]*Task
	retryTimers   map[core.RecordingID]*clock.Timer
	cleanupTimers map[core.RecordingID]*clock.Timer
	ticker        *clock.Ticker
	done          chan struct{}
	running       bool
}

func NewQueue(cfg config.UploadsConfig, ledger core.RecordingsStorer, store BlobStore, clk clock.Clock) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}

	return &Queue{
		ledger:        ledger,
		store:         store,
		clk:           clk,
		concurrency:   cfg.Concurrency,
		maxAttempts:   cfg.MaxRetries,
		retryBackoff:  cfg.RetryBackoff,
		tick:          cfg.TickInterval,
		cleanupDelay:  cfg.CleanupDelay,
		inflight:      make(map[core.RecordingID]*Task),
		retryTimers:   make(map[core.RecordingID]*clock.Timer),
		cleanupTimers: make(map[core.RecordingID]*clock.Timer),
	}
}

// Enqueue accepts a finished recording for transfer at normal priority. This
// is the capture controller's handoff.
func (q *Queue) Enqueue(rec *core.Recording) error {
	return q.EnqueueWithPriority(rec, PriorityNormal)
}

// EnqueueWithPriority inserts a task in priority order, arrival order within
// a priority level. Re-enqueueing an id replaces its pending task; an id
// already in flight is left alone. The file must exist at enqueue time: a
// dangling path is rejected here instead of being discovered by a worker.
func (q *Queue) EnqueueWithPriority(rec *core.Recording, priority int) error {
	if rec.FilePath == "" {
		return fmt.Errorf("recording %s has no local file", rec.ID)
	}
	if _, err := os.Stat(rec.FilePath); err != nil {
		return fmt.Errorf("recording %s local file: %w", rec.ID, err)
	}

	t := &Task{
		RecordingID: rec.ID,
		LocalPath:   rec.FilePath,
		Key:         storageKey(rec),
		Priority:    priority,
		EnqueuedAt:  q.clk.Now(),
	}

	q.mu.Lock()
	if _, ok := q.inflight[rec.ID]; ok {
		q.mu.Unlock()
		log.Debug().Str("service", "uploads").Str("recordingID", string(rec.ID)).Msg("enqueue skipped, upload already in flight")
		return nil
	}
	if timer, ok := q.retryTimers[rec.ID]; ok {
		timer.Stop()
		delete(q.retryTimers, rec.ID)
	}
	q.removePendingLocked(rec.ID)
	q.insertLocked(t)
	depth := len(q.pending)
	q.mu.Unlock()

	telemetry.SetUploadQueueDepth(depth)

	if err := q.ledger.UpdateStatus(rec.ID, core.WithUploadStatus(core.UploadStatusQueued)); err != nil {
		log.Error().Err(err).Str("service", "uploads").Str("recordingID", string(rec.ID)).Msg("queued status not persisted")
	}

	log.Debug().Str("service", "uploads").Str("recordingID", string(rec.ID)).Int("priority", priority).Msg("recording queued for upload")

	return nil
}

// RetryFailedUploads re-enqueues every recording whose file reached local
// disk but never reached the blob store, at high priority. Run at process
// start: it picks up work lost to a crash mid-upload. Recordings whose local
// file has since disappeared are skipped.
func (q *Queue) RetryFailedUploads() (int, error) {
	recordings, err := q.ledger.FindIncompleteUploads()
	if err != nil {
		return 0, fmt.Errorf("find incomplete uploads: %w", err)
	}

	requeued := 0
	for _, rec := range recordings {
		if err := q.EnqueueWithPriority(rec, PriorityHigh); err != nil {
			log.Warn().Err(err).Str("service", "uploads").Str("recordingID", string(rec.ID)).Msg("incomplete upload not requeued")
			continue
		}
		requeued++
	}

	if requeued > 0 {
		log.Info().Str("service", "uploads").Int("count", requeued).Msg("incomplete uploads requeued")
	}

	return requeued, nil
}

// Start launches the processing loop.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.ticker = q.clk.Ticker(q.tick)
	q.done = make(chan struct{})
	done, ticker := q.done, q.ticker
	q.mu.Unlock()

	go q.loop(done, ticker)

	log.Info().Str("service", "uploads").Int("concurrency", q.concurrency).Msg("upload queue started")
}

// Stop halts the loop and cancels every scheduled retry and cleanup timer.
// Uploads already in flight run to completion; aborting a transfer midway is
// not supported.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.ticker.Stop()
	close(q.done)
	for id, timer := range q.retryTimers {
		timer.Stop()
		delete(q.retryTimers, id)
	}
	for id, timer := range q.cleanupTimers {
		timer.Stop()
		delete(q.cleanupTimers, id)
	}
	q.mu.Unlock()

	log.Info().Str("service", "uploads").Msg("upload queue stopped")
}

// Status reports queue depth and activity for the operator API.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStatus{
		QueueLength:   len(q.pending),
		ActiveUploads: len(q.inflight),
		IsProcessing:  q.running,
	}
}

func (q *Queue) loop(done chan struct{}, ticker *clock.Ticker) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			q.dispatch()
		}
	}
}

// dispatch starts at most one pending task per tick as long as the number of
// in-flight uploads stays below the concurrency ceiling. The transfer itself
// runs on its own goroutine so the loop never blocks on the network.
func (q *Queue) dispatch() {
	q.mu.Lock()
	if len(q.pending) == 0 || len(q.inflight) >= q.concurrency {
		q.mu.Unlock()
		return
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight[t.RecordingID] = t
	depth := len(q.pending)
	q.mu.Unlock()

	telemetry.SetUploadQueueDepth(depth)

	go q.run(t)
}

func (q *Queue) run(t *Task) {
	t.Attempts++

	if err := q.ledger.UpdateStatus(t.RecordingID,
		core.WithStatus(core.RecordingStatusUploading),
		core.WithUploadStatus(core.UploadStatusUploading),
		core.WithUploadAttempts(t.Attempts),
	); err != nil {
		log.Error().Err(err).Str("service", "uploads").Str("recordingID", string(t.RecordingID)).Msg("uploading status not persisted")
	}

	// The file may have been cleaned up since enqueue.
	if _, err := os.Stat(t.LocalPath); err != nil {
		q.fail(t, fmt.Errorf("local file: %w", err))
		return
	}

	object, err := q.store.PutFile(context.Background(), t.Key, t.LocalPath)
	if err != nil {
		q.fail(t, err)
		return
	}

	q.succeed(t, object)
}

// fail either schedules a retry after the backoff delay or, once attempts
// are exhausted, marks the upload failed for good. A permanently failed
// upload is never retried automatically; an operator re-enqueue is required.
func (q *Queue) fail(t *Task, err error) {
	q.mu.Lock()
	delete(q.inflight, t.RecordingID)

	if t.Attempts >= q.maxAttempts {
		q.mu.Unlock()

		log.Error().Err(err).Str("service", "uploads").Str("recordingID", string(t.RecordingID)).Int("attempts", t.Attempts).Msg("upload failed permanently")

		if uerr := q.ledger.UpdateStatus(t.RecordingID,
			core.WithStatus(core.RecordingStatusFailed),
			core.WithUploadStatus(core.UploadStatusFailed),
		); uerr != nil {
			log.Error().Err(uerr).Str("service", "uploads").Str("recordingID", string(t.RecordingID)).Msg("failed status not persisted")
		}
		return
	}

	q.retryTimers[t.RecordingID] = q.clk.AfterFunc(q.retryBackoff, func() { q.requeueFront(t) })
	q.mu.Unlock()

	log.Warn().Err(err).Str("service", "uploads").Str("recordingID", string(t.RecordingID)).Int("attempt", t.Attempts).Dur("backoff", q.retryBackoff).Msg("upload attempt failed")
}

// requeueFront puts a failed task back at the head of the line: retries beat
// newly queued work so a struggling recording recovers sooner.
func (q *Queue) requeueFront(t *Task) {
	q.mu.Lock()
	delete(q.retryTimers, t.RecordingID)

	// An explicit enqueue may have raced the timer; one task per id.
	if _, ok := q.inflight[t.RecordingID]; ok {
		q.mu.Unlock()
		return
	}
	for _, p := range q.pending {
		if p.RecordingID == t.RecordingID {
			q.mu.Unlock()
			return
		}
	}

	q.pending = append([]*Task{t}, q.pending...)
	depth := len(q.pending)
	q.mu.Unlock()

	telemetry.SetUploadQueueDepth(depth)

	if err := q.ledger.UpdateStatus(t.RecordingID, core.WithUploadStatus(core.UploadStatusQueued)); err != nil {
		log.Error().Err(err).Str("service", "uploads").Str("recordingID", string(t.RecordingID)).Msg("queued status not persisted")
	}
}

func (q *Queue) succeed(t *Task, object *StoredObject) {
	q.mu.Lock()
	delete(q.inflight, t.RecordingID)
	// a success clears any timer still scheduled for this recording before
	// arming the cleanup, so nothing fires twice
	if timer, ok := q.retryTimers[t.RecordingID]; ok {
		timer.Stop()
		delete(q.retryTimers, t.RecordingID)
	}
	if timer, ok := q.cleanupTimers[t.RecordingID]; ok {
		timer.Stop()
		delete(q.cleanupTimers, t.RecordingID)
	}
	q.cleanupTimers[t.RecordingID] = q.clk.AfterFunc(q.cleanupDelay, func() { q.cleanupLocal(t) })
	q.mu.Unlock()

	if err := q.ledger.UpdateStatus(t.RecordingID,
		core.WithStatus(core.RecordingStatusUploaded),
		core.WithUploadStatus(core.UploadStatusUploaded),
		core.WithFileSize(object.Size),
		core.WithStorageKey(object.Key),
		core.WithStorageURL(object.URL),
		core.WithUploadedAt(q.clk.Now().UTC()),
	); err != nil {
		log.Error().Err(err).Str("service", "uploads").Str("recordingID", string(t.RecordingID)).Msg("uploaded status not persisted")
	}

	log.Info().Str("service", "uploads").Str("recordingID", string(t.RecordingID)).Str("key", object.Key).Int64("size", object.Size).Int("attempts", t.Attempts).Msg("recording uploaded")
}

// cleanupLocal removes the local copy a while after a successful upload. The
// ledger is read again right before deletion: if bookkeeping turned out
// stale the file may be the only copy, and then it stays.
func (q *Queue) cleanupLocal(t *Task) {
	q.mu.Lock()
	delete(q.cleanupTimers, t.RecordingID)
	q.mu.Unlock()

	rec, err := q.ledger.Find(t.RecordingID)
	if err != nil {
		log.Error().Err(err).Str("service", "uploads").Str("recordingID", string(t.RecordingID)).Msg("keeping local file, recording not readable")
		return
	}
	if rec.UploadStatus != core.UploadStatusUploaded {
		log.Warn().Str("service", "uploads").Str("recordingID", string(t.RecordingID)).Str("uploadStatus", string(rec.UploadStatus)).Msg("keeping local file, upload not confirmed")
		return
	}

	if err := os.Remove(t.LocalPath); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("service", "uploads").Str("recordingID", string(t.RecordingID)).Msg("local recording file not removed")
		return
	}

	log.Debug().Str("service", "uploads").Str("recordingID", string(t.RecordingID)).Str("path", t.LocalPath).Msg("local recording file removed")
}

// insertLocked keeps pending ordered by priority; ties preserve arrival
// order.
func (q *Queue) insertLocked(t *Task) {
	i := len(q.pending)
	for j, p := range q.pending {
		if p.Priority > t.Priority {
			i = j
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = t
}

func (q *Queue) removePendingLocked(id core.RecordingID) {
	for i, p := range q.pending {
		if p.RecordingID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// storageKey lays the bucket out as recordings/<session>/<file>.
func storageKey(rec *core.Recording) string {
	return path.Join("recordings", string(rec.SessionID), filepath.Base(rec.FilePath))
}

// LocalOnly stands in for the queue when uploads are disabled: completed
// recordings stay on local disk with upload status pending, and the operator
// surface reports an idle queue.
type LocalOnly struct{}

func (LocalOnly) Enqueue(rec *core.Recording) error {
	log.Debug().Str("service", "uploads").Str("recordingID", string(rec.ID)).Msg("uploads disabled, keeping recording local")
	return nil
}

func (LocalOnly) Status() QueueStatus { return QueueStatus{} }

func (LocalOnly) RetryFailedUploads() (int, error) { return 0, nil }
