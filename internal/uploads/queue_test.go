package uploads

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livemeet-sfu/internal/config"
	"github.com/isqad/livemeet-sfu/internal/core"
)

type fakeBlobStore struct {
	mu   sync.Mutex
	keys []string

	// failing > 0 fails that many leading calls, -1 fails forever
	failing int
	size    int64
	gate    chan struct{}
}

func (s *fakeBlobStore) PutFile(_ context.Context, key string, _ string) (*StoredObject, error) {
	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = append(s.keys, key)

	if s.failing != 0 {
		if s.failing > 0 {
			s.failing--
		}
		return nil, errors.New("storage unreachable")
	}

	return &StoredObject{
		Key:  key,
		URL:  "s3://recordings/" + key,
		Size: s.size,
	}, nil
}

func (s *fakeBlobStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *fakeBlobStore) key(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[i]
}

type queueFixture struct {
	t      *testing.T
	ledger *core.MemoryRecordingsStore
	store  *fakeBlobStore
	clk    *clock.Mock
	queue  *Queue
	dir    string
}

func newQueueFixture(t *testing.T) *queueFixture {
	fx := &queueFixture{
		t:      t,
		ledger: core.NewMemoryRecordingsStore(),
		store:  &fakeBlobStore{size: 2048},
		clk:    clock.NewMock(),
		dir:    t.TempDir(),
	}
	fx.queue = NewQueue(config.UploadsConfig{
		Enabled:      true,
		Concurrency:  3,
		MaxRetries:   3,
		RetryBackoff: 5 * time.Second,
		TickInterval: time.Second,
		CleanupDelay: time.Hour,
	}, fx.ledger, fx.store, fx.clk)
	return fx
}

// completedRecording persists a ledger row whose transcoded file exists on
// disk, the state a recording is in when the capture controller hands it
// over.
func (fx *queueFixture) completedRecording(session string) *core.Recording {
	rec, err := core.NewRecording(core.SessionID(session), []string{"alice", "bob"})
	require.NoError(fx.t, err)

	rec.Status = core.RecordingStatusCompleted
	rec.FilePath = filepath.Join(fx.dir, string(rec.ID)+".mp4")
	require.NoError(fx.t, os.WriteFile(rec.FilePath, []byte("media"), 0o644))
	require.NoError(fx.t, fx.ledger.Persist(rec))

	return rec
}

func (fx *queueFixture) uploadStatus(id core.RecordingID) core.UploadStatus {
	rec, err := fx.ledger.Find(id)
	require.NoError(fx.t, err)
	return rec.UploadStatus
}

func TestEnqueue(t *testing.T) {
	t.Run("accepts a completed recording and persists the queued status", func(t *testing.T) {
		fx := newQueueFixture(t)
		rec := fx.completedRecording("room-1")

		require.NoError(t, fx.queue.Enqueue(rec))

		assert.Equal(t, 1, fx.queue.Status().QueueLength)
		assert.Equal(t, core.UploadStatusQueued, fx.uploadStatus(rec.ID))
	})

	t.Run("rejects a recording with no local file path", func(t *testing.T) {
		fx := newQueueFixture(t)
		rec, err := core.NewRecording("room-1", nil)
		require.NoError(t, err)

		assert.Error(t, fx.queue.Enqueue(rec))
		assert.Zero(t, fx.queue.Status().QueueLength)
	})

	t.Run("rejects a recording whose file is gone", func(t *testing.T) {
		fx := newQueueFixture(t)
		rec := fx.completedRecording("room-1")
		require.NoError(t, os.Remove(rec.FilePath))

		assert.Error(t, fx.queue.Enqueue(rec))
		assert.Zero(t, fx.queue.Status().QueueLength)
	})

	t.Run("replaces the pending task for the same recording", func(t *testing.T) {
		fx := newQueueFixture(t)
		rec := fx.completedRecording("room-1")

		require.NoError(t, fx.queue.Enqueue(rec))
		require.NoError(t, fx.queue.EnqueueWithPriority(rec, PriorityHigh))

		assert.Equal(t, 1, fx.queue.Status().QueueLength)
	})

	t.Run("leaves an in-flight upload alone", func(t *testing.T) {
		fx := newQueueFixture(t)
		fx.store.gate = make(chan struct{})
		rec := fx.completedRecording("room-1")

		require.NoError(t, fx.queue.Enqueue(rec))
		fx.queue.dispatch()
		require.Equal(t, 1, fx.queue.Status().ActiveUploads)

		require.NoError(t, fx.queue.Enqueue(rec))
		assert.Zero(t, fx.queue.Status().QueueLength)

		close(fx.store.gate)
		require.Eventually(t, func() bool {
			return fx.uploadStatus(rec.ID) == core.UploadStatusUploaded
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, 1, fx.store.calls())
	})

	t.Run("serves higher priority first, ties in arrival order", func(t *testing.T) {
		fx := newQueueFixture(t)
		first := fx.completedRecording("room-1")
		second := fx.completedRecording("room-2")
		urgent := fx.completedRecording("room-3")

		require.NoError(t, fx.queue.Enqueue(first))
		require.NoError(t, fx.queue.Enqueue(second))
		require.NoError(t, fx.queue.EnqueueWithPriority(urgent, PriorityHigh))

		for _, want := range []*core.Recording{urgent, first, second} {
			fx.queue.dispatch()
			require.Eventually(t, func() bool {
				return fx.uploadStatus(want.ID) == core.UploadStatusUploaded
			}, 2*time.Second, 10*time.Millisecond)
		}

		require.Equal(t, 3, fx.store.calls())
		assert.Equal(t, storageKey(urgent), fx.store.key(0))
		assert.Equal(t, storageKey(first), fx.store.key(1))
		assert.Equal(t, storageKey(second), fx.store.key(2))
	})
}

func TestUploadLifecycle(t *testing.T) {
	t.Run("uploads a queued recording and finishes the ledger row", func(t *testing.T) {
		fx := newQueueFixture(t)
		rec := fx.completedRecording("room-1")

		require.NoError(t, fx.queue.Enqueue(rec))
		fx.queue.dispatch()

		require.Eventually(t, func() bool {
			return fx.uploadStatus(rec.ID) == core.UploadStatusUploaded
		}, 2*time.Second, 10*time.Millisecond)

		stored, err := fx.ledger.Find(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusUploaded, stored.Status)
		assert.Equal(t, 1, stored.UploadAttempts)
		assert.Equal(t, int64(2048), stored.FileSize)
		assert.Equal(t, "recordings/room-1/"+string(rec.ID)+".mp4", stored.StorageKey)
		assert.Equal(t, "s3://recordings/recordings/room-1/"+string(rec.ID)+".mp4", stored.StorageURL)
		require.NotNil(t, stored.UploadedAt)

		status := fx.queue.Status()
		assert.Zero(t, status.QueueLength)
		assert.Zero(t, status.ActiveUploads)
	})

	t.Run("retries transient failures and succeeds within the ceiling", func(t *testing.T) {
		fx := newQueueFixture(t)
		fx.store.failing = 2
		rec := fx.completedRecording("room-1")

		require.NoError(t, fx.queue.Enqueue(rec))

		for attempt := 1; attempt <= 2; attempt++ {
			fx.queue.dispatch()
			require.Eventually(t, func() bool {
				return fx.store.calls() == attempt && fx.queue.Status().ActiveUploads == 0
			}, 2*time.Second, 10*time.Millisecond)

			// the failed task comes back to the head of the queue after the
			// backoff delay
			require.Zero(t, fx.queue.Status().QueueLength)
			fx.clk.Add(5 * time.Second)
			require.Eventually(t, func() bool {
				return fx.queue.Status().QueueLength == 1
			}, 2*time.Second, 10*time.Millisecond)
		}

		fx.queue.dispatch()
		require.Eventually(t, func() bool {
			return fx.uploadStatus(rec.ID) == core.UploadStatusUploaded
		}, 2*time.Second, 10*time.Millisecond)

		stored, err := fx.ledger.Find(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, stored.UploadAttempts)
		assert.Equal(t, 3, fx.store.calls())
	})

	t.Run("gives up for good once attempts are exhausted", func(t *testing.T) {
		fx := newQueueFixture(t)
		fx.store.failing = -1
		rec := fx.completedRecording("room-1")

		require.NoError(t, fx.queue.Enqueue(rec))

		for attempt := 1; attempt <= 2; attempt++ {
			fx.queue.dispatch()
			require.Eventually(t, func() bool {
				return fx.store.calls() == attempt && fx.queue.Status().ActiveUploads == 0
			}, 2*time.Second, 10*time.Millisecond)

			fx.clk.Add(5 * time.Second)
			require.Eventually(t, func() bool {
				return fx.queue.Status().QueueLength == 1
			}, 2*time.Second, 10*time.Millisecond)
		}

		fx.queue.dispatch()
		require.Eventually(t, func() bool {
			return fx.uploadStatus(rec.ID) == core.UploadStatusFailed
		}, 2*time.Second, 10*time.Millisecond)

		stored, err := fx.ledger.Find(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusFailed, stored.Status)
		assert.Equal(t, 3, stored.UploadAttempts)

		// no retry timer left behind
		fx.clk.Add(time.Hour)
		fx.queue.dispatch()
		assert.Equal(t, 3, fx.store.calls())
		assert.Zero(t, fx.queue.Status().QueueLength)
	})

	t.Run("fails the attempt when the file vanished after enqueue", func(t *testing.T) {
		fx := newQueueFixture(t)
		rec := fx.completedRecording("room-1")

		require.NoError(t, fx.queue.Enqueue(rec))
		require.NoError(t, os.Remove(rec.FilePath))

		fx.queue.dispatch()
		require.Eventually(t, func() bool {
			return fx.queue.Status().ActiveUploads == 0
		}, 2*time.Second, 10*time.Millisecond)

		assert.Zero(t, fx.store.calls())

		stored, err := fx.ledger.Find(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.UploadAttempts)
	})

	t.Run("bounds concurrent transfers by the ceiling", func(t *testing.T) {
		fx := newQueueFixture(t)
		fx.store.gate = make(chan struct{})

		for i := 0; i < 5; i++ {
			require.NoError(t, fx.queue.Enqueue(fx.completedRecording("room-1")))
		}
		for i := 0; i < 5; i++ {
			fx.queue.dispatch()
		}

		status := fx.queue.Status()
		assert.Equal(t, 3, status.ActiveUploads)
		assert.Equal(t, 2, status.QueueLength)

		close(fx.store.gate)
		require.Eventually(t, func() bool {
			return fx.queue.Status().ActiveUploads == 0
		}, 2*time.Second, 10*time.Millisecond)

		fx.queue.dispatch()
		fx.queue.dispatch()
		require.Eventually(t, func() bool {
			return fx.store.calls() == 5
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestProcessingLoop(t *testing.T) {
	t.Run("drains the queue on its cadence", func(t *testing.T) {
		fx := newQueueFixture(t)
		first := fx.completedRecording("room-1")
		second := fx.completedRecording("room-2")

		require.NoError(t, fx.queue.Enqueue(first))
		require.NoError(t, fx.queue.Enqueue(second))

		fx.queue.Start()
		defer fx.queue.Stop()

		for i := 0; i < 5; i++ {
			fx.clk.Add(time.Second)
		}

		require.Eventually(t, func() bool {
			return fx.uploadStatus(first.ID) == core.UploadStatusUploaded &&
				fx.uploadStatus(second.ID) == core.UploadStatusUploaded
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("start and stop are idempotent", func(t *testing.T) {
		fx := newQueueFixture(t)

		fx.queue.Start()
		fx.queue.Start()
		assert.True(t, fx.queue.Status().IsProcessing)

		fx.queue.Stop()
		fx.queue.Stop()
		assert.False(t, fx.queue.Status().IsProcessing)
	})
}

func TestCleanup(t *testing.T) {
	t.Run("removes the local file once the retention delay passes", func(t *testing.T) {
		fx := newQueueFixture(t)
		rec := fx.completedRecording("room-1")

		require.NoError(t, fx.queue.Enqueue(rec))
		fx.queue.dispatch()
		require.Eventually(t, func() bool {
			return fx.uploadStatus(rec.ID) == core.UploadStatusUploaded
		}, 2*time.Second, 10*time.Millisecond)

		_, err := os.Stat(rec.FilePath)
		require.NoError(t, err)

		fx.clk.Add(time.Hour)
		require.Eventually(t, func() bool {
			_, err := os.Stat(rec.FilePath)
			return os.IsNotExist(err)
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("keeps the file when the ledger no longer confirms the upload", func(t *testing.T) {
		fx := newQueueFixture(t)
		rec := fx.completedRecording("room-1")

		require.NoError(t, fx.queue.Enqueue(rec))
		fx.queue.dispatch()
		require.Eventually(t, func() bool {
			return fx.uploadStatus(rec.ID) == core.UploadStatusUploaded
		}, 2*time.Second, 10*time.Millisecond)

		// bookkeeping rolled back behind the queue's back
		require.NoError(t, fx.ledger.UpdateStatus(rec.ID, core.WithUploadStatus(core.UploadStatusPending)))

		fx.clk.Add(time.Hour)
		assert.Never(t, func() bool {
			_, err := os.Stat(rec.FilePath)
			return os.IsNotExist(err)
		}, 300*time.Millisecond, 25*time.Millisecond)
	})
}

func TestRetryFailedUploads(t *testing.T) {
	t.Run("requeues stranded recordings ahead of fresh work", func(t *testing.T) {
		fx := newQueueFixture(t)

		stranded := fx.completedRecording("room-1")

		failed := fx.completedRecording("room-2")
		require.NoError(t, fx.ledger.UpdateStatus(failed.ID,
			core.WithStatus(core.RecordingStatusFailed),
			core.WithUploadStatus(core.UploadStatusFailed),
		))

		uploaded := fx.completedRecording("room-3")
		require.NoError(t, fx.ledger.UpdateStatus(uploaded.ID, core.WithUploadStatus(core.UploadStatusUploaded)))

		gone := fx.completedRecording("room-4")
		require.NoError(t, os.Remove(gone.FilePath))

		requeued, err := fx.queue.RetryFailedUploads()
		require.NoError(t, err)

		// permanently failed rows come back through here too, that is the
		// operator's re-enqueue path; uploaded and missing-file rows do not
		assert.Equal(t, 2, requeued)
		assert.Equal(t, 2, fx.queue.Status().QueueLength)
		assert.Equal(t, core.UploadStatusQueued, fx.uploadStatus(stranded.ID))
		assert.Equal(t, core.UploadStatusQueued, fx.uploadStatus(failed.ID))

		fresh := fx.completedRecording("room-5")
		require.NoError(t, fx.queue.Enqueue(fresh))

		for _, want := range []*core.Recording{stranded, failed, fresh} {
			fx.queue.dispatch()
			require.Eventually(t, func() bool {
				return fx.uploadStatus(want.ID) == core.UploadStatusUploaded
			}, 2*time.Second, 10*time.Millisecond)
		}

		require.Equal(t, 3, fx.store.calls())
		assert.Equal(t, storageKey(stranded), fx.store.key(0))
		assert.Equal(t, storageKey(failed), fx.store.key(1))
		assert.Equal(t, storageKey(fresh), fx.store.key(2))
	})
}

func TestLocalOnly(t *testing.T) {
	t.Run("accepts the handoff without queueing anything", func(t *testing.T) {
		rec, err := core.NewRecording("room-1", nil)
		require.NoError(t, err)

		assert.NoError(t, LocalOnly{}.Enqueue(rec))
	})
}
