package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/uploads"
)

type fakeUploadsManager struct {
	status   uploads.QueueStatus
	requeued int
	retries  int

	retryErr error
}

func (f *fakeUploadsManager) Status() uploads.QueueStatus { return f.status }

func (f *fakeUploadsManager) RetryFailedUploads() (int, error) {
	f.retries++
	if f.retryErr != nil {
		return 0, f.retryErr
	}
	return f.requeued, nil
}

type apiFixture struct {
	t       *testing.T
	ledger  *core.MemoryRecordingsStore
	uploads *fakeUploadsManager
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	fx := &apiFixture{
		t:       t,
		ledger:  core.NewMemoryRecordingsStore(),
		uploads: &fakeUploadsManager{},
	}
	fx.handler = NewApp(AppOptions{
		Recordings: fx.ledger,
		Uploads:    fx.uploads,
	}).Router()
	return fx
}

func (fx *apiFixture) request(method, path string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	fx.handler.ServeHTTP(recorder, httptest.NewRequest(method, path, nil))
	return recorder
}

func (fx *apiFixture) seedRecording(session string, status core.RecordingStatus) *core.Recording {
	rec, err := core.NewRecording(core.SessionID(session), []string{"alice"})
	require.NoError(fx.t, err)

	rec.Status = status
	require.NoError(fx.t, fx.ledger.Persist(rec))

	return rec
}

func TestRecordingsEndpoints(t *testing.T) {
	t.Run("lists recordings newest first with paging", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.seedRecording("room-1", core.RecordingStatusCompleted)
		second := fx.seedRecording("room-2", core.RecordingStatusRecording)
		third := fx.seedRecording("room-3", core.RecordingStatusUploaded)

		response := fx.request(http.MethodGet, "/api/v1/recordings?page=1&per_page=2")
		require.Equal(t, http.StatusOK, response.Code)
		assert.Equal(t, "application/json", response.Header().Get("Content-Type"))

		var page core.RecordingsPage
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &page))

		assert.Equal(t, 2, page.TotalPages)
		require.Len(t, page.Recordings, 2)
		assert.Equal(t, third.ID, page.Recordings[0].ID)
		assert.Equal(t, second.ID, page.Recordings[1].ID)
	})

	t.Run("serves defaults when paging params are malformed", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.seedRecording("room-1", core.RecordingStatusCompleted)

		response := fx.request(http.MethodGet, "/api/v1/recordings?page=banana&per_page=-5")
		require.Equal(t, http.StatusOK, response.Code)

		var page core.RecordingsPage
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &page))
		assert.Len(t, page.Recordings, 1)
	})

	t.Run("reports counts per status", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.seedRecording("room-1", core.RecordingStatusCompleted)
		fx.seedRecording("room-2", core.RecordingStatusCompleted)
		fx.seedRecording("room-3", core.RecordingStatusRecording)
		fx.seedRecording("room-4", core.RecordingStatusFailed)

		response := fx.request(http.MethodGet, "/api/v1/recordings/stats")
		require.Equal(t, http.StatusOK, response.Code)

		var stats core.RecordingStats
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &stats))

		assert.Equal(t, 4, stats.Total)
		assert.Equal(t, 2, stats.ByStatus[core.RecordingStatusCompleted])
		assert.Equal(t, 1, stats.ByStatus[core.RecordingStatusRecording])
		assert.Equal(t, 1, stats.ByStatus[core.RecordingStatusFailed])
	})
}

func TestUploadsEndpoints(t *testing.T) {
	t.Run("reports the queue status", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.uploads.status = uploads.QueueStatus{
			QueueLength:   4,
			ActiveUploads: 2,
			IsProcessing:  true,
		}

		response := fx.request(http.MethodGet, "/api/v1/uploads/queue")
		require.Equal(t, http.StatusOK, response.Code)

		var status uploads.QueueStatus
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &status))
		assert.Equal(t, fx.uploads.status, status)
	})

	t.Run("requeues failed uploads on demand", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.uploads.requeued = 3

		response := fx.request(http.MethodPost, "/api/v1/uploads/retry")
		require.Equal(t, http.StatusOK, response.Code)

		var result RetryResult
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &result))
		assert.Equal(t, 3, result.Requeued)
		assert.Equal(t, 1, fx.uploads.retries)
	})

	t.Run("surfaces a failing retry as a server error", func(t *testing.T) {
		fx := newAPIFixture(t)
		fx.uploads.retryErr = errors.New("ledger down")

		response := fx.request(http.MethodPost, "/api/v1/uploads/retry")
		assert.Equal(t, http.StatusInternalServerError, response.Code)
	})
}

func TestOperationalEndpoints(t *testing.T) {
	t.Run("healthz answers ok", func(t *testing.T) {
		fx := newAPIFixture(t)

		response := fx.request(http.MethodGet, "/healthz")
		require.Equal(t, http.StatusOK, response.Code)
		assert.Equal(t, "ok", response.Body.String())
	})

	t.Run("metrics exposes the process registry", func(t *testing.T) {
		fx := newAPIFixture(t)

		response := fx.request(http.MethodGet, "/metrics")
		require.Equal(t, http.StatusOK, response.Code)
		assert.Contains(t, response.Body.String(), "livemeet_uploads_queue_depth")
	})
}
