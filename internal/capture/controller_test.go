package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/rtc"
)

type fakeConsumer struct {
	id       rtc.ConsumerID
	producer rtc.ProducerID
	kind     rtc.MediaKind

	resumed bool
	closed  bool

	resumeErr error
}

func (c *fakeConsumer) ID() rtc.ConsumerID             { return c.id }
func (c *fakeConsumer) ProducerID() rtc.ProducerID     { return c.producer }
func (c *fakeConsumer) Kind() rtc.MediaKind            { return c.kind }
func (c *fakeConsumer) RTPParameters() json.RawMessage { return nil }

func (c *fakeConsumer) Resume() error {
	if c.resumeErr != nil {
		return c.resumeErr
	}
	c.resumed = true
	return nil
}

func (c *fakeConsumer) Close() error {
	c.closed = true
	return nil
}

type fakeEndpoint struct {
	id   rtc.EndpointID
	kind rtc.MediaKind
	port int

	consumers []*fakeConsumer
	closed    bool

	consumeErr error
	resumeErr  error
}

func (e *fakeEndpoint) ID() rtc.EndpointID  { return e.id }
func (e *fakeEndpoint) Kind() rtc.MediaKind { return e.kind }
func (e *fakeEndpoint) Port() int           { return e.port }

func (e *fakeEndpoint) Consume(producerID rtc.ProducerID) (rtc.Consumer, error) {
	if e.consumeErr != nil {
		return nil, e.consumeErr
	}
	consumer := &fakeConsumer{
		id:        rtc.ConsumerID(fmt.Sprintf("consumer-%s-%d", e.kind, len(e.consumers)+1)),
		producer:  producerID,
		kind:      e.kind,
		resumeErr: e.resumeErr,
	}
	e.consumers = append(e.consumers, consumer)
	return consumer, nil
}

func (e *fakeEndpoint) Close() error {
	e.closed = true
	return nil
}

type fakeCaptureRouter struct {
	nextPort    int
	endpointErr map[rtc.MediaKind]error
	consumeErr  error
	created     []*fakeEndpoint
}

func (r *fakeCaptureRouter) ID() rtc.RouterID              { return "router-1" }
func (r *fakeCaptureRouter) Capabilities() json.RawMessage { return nil }

func (r *fakeCaptureRouter) CreateTransport(rtc.TransportDirection) (rtc.Transport, error) {
	return nil, errors.New("not used here")
}

func (r *fakeCaptureRouter) CreateListenEndpoint(kind rtc.MediaKind) (rtc.ListenEndpoint, error) {
	if err := r.endpointErr[kind]; err != nil {
		return nil, err
	}
	endpoint := &fakeEndpoint{
		id:         rtc.EndpointID(fmt.Sprintf("endpoint-%d", len(r.created)+1)),
		kind:       kind,
		port:       r.nextPort,
		consumeErr: r.consumeErr,
	}
	r.nextPort += 2
	r.created = append(r.created, endpoint)
	return endpoint, nil
}

func (r *fakeCaptureRouter) CanConsume(rtc.ProducerID, json.RawMessage) bool { return true }
func (r *fakeCaptureRouter) Close() error                                   { return nil }

func (r *fakeCaptureRouter) lastOfKind(kind rtc.MediaKind) *fakeEndpoint {
	for i := len(r.created) - 1; i >= 0; i-- {
		if r.created[i].kind == kind {
			return r.created[i]
		}
	}
	return nil
}

type fakeMediaPlane struct {
	router    *fakeCaptureRouter
	routerErr error
	producers []rtc.ProducerSummary
}

func (m *fakeMediaPlane) EnsureRouter(core.SessionID) (rtc.Router, error) {
	if m.routerErr != nil {
		return nil, m.routerErr
	}
	return m.router, nil
}

func (m *fakeMediaPlane) SessionProducers(core.SessionID, core.PeerID) []rtc.ProducerSummary {
	return m.producers
}

type fakeTranscoder struct {
	jobs  []TranscodeJob
	stops []core.RecordingID

	startErr error
	stopErr  error
}

func (t *fakeTranscoder) Start(job TranscodeJob) error {
	if t.startErr != nil {
		return t.startErr
	}
	t.jobs = append(t.jobs, job)
	return nil
}

func (t *fakeTranscoder) Stop(recordingID core.RecordingID) error {
	if t.stopErr != nil {
		return t.stopErr
	}
	t.stops = append(t.stops, recordingID)
	return nil
}

type fakeUploader struct {
	enqueued []*core.Recording
}

func (u *fakeUploader) Enqueue(recording *core.Recording) error {
	u.enqueued = append(u.enqueued, recording)
	return nil
}

type captureFixture struct {
	ledger     *core.MemoryRecordingsStore
	router     *fakeCaptureRouter
	media      *fakeMediaPlane
	transcoder *fakeTranscoder
	uploads    *fakeUploader
	controller *Controller
}

func newCaptureFixture() *captureFixture {
	fx := &captureFixture{
		ledger:     core.NewMemoryRecordingsStore(),
		router:     &fakeCaptureRouter{nextPort: 20000, endpointErr: map[rtc.MediaKind]error{}},
		transcoder: &fakeTranscoder{},
		uploads:    &fakeUploader{},
	}
	fx.media = &fakeMediaPlane{router: fx.router}
	fx.controller = NewController(ControllerOptions{
		Ledger:    fx.ledger,
		Media:     fx.media,
		Uploads:   fx.uploads,
		OutputDir: "/var/lib/livemeet/recordings",
	})
	fx.controller.SetTranscoder(fx.transcoder)
	return fx
}

func audioProducer(id string) rtc.ProducerSummary {
	return rtc.ProducerSummary{ID: rtc.ProducerID(id), Kind: rtc.KindAudio, Owner: "peer-1"}
}

func videoProducer(id string) rtc.ProducerSummary {
	return rtc.ProducerSummary{ID: rtc.ProducerID(id), Kind: rtc.KindVideo, Owner: "peer-2"}
}

func TestStartCapture(t *testing.T) {
	t.Run("starts the transcoder when producers are already live", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a"), videoProducer("producer-v")}

		recording, err := fx.controller.StartCapture("room-1", []string{"alice", "bob"})
		require.NoError(t, err)
		require.NotNil(t, recording)
		assert.Equal(t, core.RecordingStatusRecording, recording.Status)

		require.Len(t, fx.transcoder.jobs, 1)
		job := fx.transcoder.jobs[0]
		assert.Equal(t, recording.ID, job.RecordingID)
		assert.Equal(t, core.SessionID("room-1"), job.SessionID)
		assert.Equal(t, 20000, job.AudioPort)
		assert.Equal(t, 20002, job.VideoPort)
		assert.Equal(t, "/var/lib/livemeet/recordings/"+string(recording.ID)+".mp4", job.OutputPath)

		audio := fx.router.lastOfKind(rtc.KindAudio)
		require.Len(t, audio.consumers, 1)
		assert.Equal(t, rtc.ProducerID("producer-a"), audio.consumers[0].producer)
		assert.True(t, audio.consumers[0].resumed)

		video := fx.router.lastOfKind(rtc.KindVideo)
		require.Len(t, video.consumers, 1)
		assert.Equal(t, rtc.ProducerID("producer-v"), video.consumers[0].producer)

		stored, err := fx.ledger.Find(recording.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusRecording, stored.Status)

		names, err := stored.ParticipantNames()
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, names)
	})

	t.Run("waits for the first producer in an empty session", func(t *testing.T) {
		fx := newCaptureFixture()

		recording, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		assert.Empty(t, fx.transcoder.jobs)
		assert.Len(t, fx.router.created, 2)

		stored, err := fx.ledger.Find(recording.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusRecording, stored.Status)
	})

	t.Run("rejects a second start while one is running", func(t *testing.T) {
		fx := newCaptureFixture()

		_, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		_, err = fx.controller.StartCapture("room-1", []string{"bob"})
		assert.ErrorIs(t, err, ErrRecordingActive)

		_, err = fx.controller.StartCapture("room-2", []string{"bob"})
		assert.NoError(t, err)
	})

	t.Run("rolls back when an endpoint can't be bound", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.router.endpointErr[rtc.KindVideo] = errors.New("no ports left")

		_, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.Error(t, err)

		require.Len(t, fx.router.created, 1)
		assert.True(t, fx.router.created[0].closed)

		failed, err := fx.ledger.FindByStatus(core.RecordingStatusFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.NotNil(t, failed[0].EndedAt)

		fx.router.endpointErr = map[rtc.MediaKind]error{}
		_, err = fx.controller.StartCapture("room-1", []string{"alice"})
		assert.NoError(t, err)
	})

	t.Run("rolls back when a producer can't be attached", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a")}
		fx.router.consumeErr = errors.New("producer gone")

		_, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.Error(t, err)

		require.Len(t, fx.router.created, 2)
		assert.True(t, fx.router.created[0].closed)
		assert.True(t, fx.router.created[1].closed)

		failed, err := fx.ledger.FindByStatus(core.RecordingStatusFailed)
		require.NoError(t, err)
		assert.Len(t, failed, 1)
		assert.Empty(t, fx.transcoder.jobs)
	})

	t.Run("fails before anything is persisted when the session has no router", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.routerErr = errors.New("unknown session")

		_, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.Error(t, err)

		stats, err := fx.ledger.Stats()
		require.NoError(t, err)
		assert.Zero(t, stats.Total)
	})
}

func TestOnNewProducer(t *testing.T) {
	t.Run("starts the transcoder on the session's first producer", func(t *testing.T) {
		fx := newCaptureFixture()

		recording, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)
		require.Empty(t, fx.transcoder.jobs)

		require.NoError(t, fx.controller.OnNewProducer("room-1", audioProducer("producer-a")))

		require.Len(t, fx.transcoder.jobs, 1)
		assert.Equal(t, recording.ID, fx.transcoder.jobs[0].RecordingID)

		audio := fx.router.lastOfKind(rtc.KindAudio)
		require.Len(t, audio.consumers, 1)
		assert.True(t, audio.consumers[0].resumed)
	})

	t.Run("keeps waiting when the first attach fails", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.router.consumeErr = errors.New("producer gone")

		_, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		err = fx.controller.OnNewProducer("room-1", audioProducer("producer-a"))
		require.Error(t, err)
		assert.Empty(t, fx.transcoder.jobs)

		fx.router.lastOfKind(rtc.KindAudio).consumeErr = nil
		require.NoError(t, fx.controller.OnNewProducer("room-1", audioProducer("producer-b")))
		assert.Len(t, fx.transcoder.jobs, 1)
	})

	t.Run("aborts the capture when the transcoder refuses the job", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.transcoder.startErr = errors.New("nats: connection closed")

		recording, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		err = fx.controller.OnNewProducer("room-1", audioProducer("producer-a"))
		require.Error(t, err)

		stored, err := fx.ledger.Find(recording.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusFailed, stored.Status)
		assert.True(t, fx.router.created[0].closed)
		assert.True(t, fx.router.created[1].closed)

		fx.transcoder.startErr = nil
		_, err = fx.controller.StartCapture("room-1", []string{"alice"})
		assert.NoError(t, err)
	})

	t.Run("attaches each producer once", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a")}

		_, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		require.NoError(t, fx.controller.OnNewProducer("room-1", audioProducer("producer-a")))
		assert.Len(t, fx.router.lastOfKind(rtc.KindAudio).consumers, 1)
	})

	t.Run("keeps recording when a later attach fails", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a")}

		_, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		fx.router.lastOfKind(rtc.KindVideo).consumeErr = errors.New("producer gone")
		err = fx.controller.OnNewProducer("room-1", videoProducer("producer-v"))
		require.Error(t, err)

		recording, err := fx.controller.StopCapture("room-1")
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusProcessing, recording.Status)
	})

	t.Run("ignores sessions that are not recording", func(t *testing.T) {
		fx := newCaptureFixture()

		require.NoError(t, fx.controller.OnNewProducer("room-1", audioProducer("producer-a")))
		assert.Empty(t, fx.transcoder.jobs)
		assert.Empty(t, fx.router.created)
	})
}

func TestStopCapture(t *testing.T) {
	t.Run("moves an active recording to processing", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a")}

		started, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		stopped, err := fx.controller.StopCapture("room-1")
		require.NoError(t, err)
		assert.Equal(t, started.ID, stopped.ID)
		assert.Equal(t, core.RecordingStatusProcessing, stopped.Status)
		require.NotNil(t, stopped.EndedAt)
		assert.WithinDuration(t, time.Now().UTC(), *stopped.EndedAt, time.Second)

		assert.Equal(t, []core.RecordingID{started.ID}, fx.transcoder.stops)
		assert.True(t, fx.router.created[0].closed)
		assert.True(t, fx.router.created[1].closed)

		stored, err := fx.ledger.Find(started.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusProcessing, stored.Status)
		assert.NotNil(t, stored.EndedAt)
		assert.Empty(t, fx.uploads.enqueued)
	})

	t.Run("fails a recording no producer ever fed", func(t *testing.T) {
		fx := newCaptureFixture()

		started, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		stopped, err := fx.controller.StopCapture("room-1")
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusFailed, stopped.Status)
		assert.NotNil(t, stopped.EndedAt)
		assert.Empty(t, fx.transcoder.stops)

		stored, err := fx.ledger.Find(started.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusFailed, stored.Status)

		_, err = fx.controller.StartCapture("room-1", []string{"alice"})
		assert.NoError(t, err)
	})

	t.Run("errors when nothing is recording", func(t *testing.T) {
		fx := newCaptureFixture()

		_, err := fx.controller.StopCapture("room-1")
		assert.ErrorIs(t, err, ErrNoActiveRecording)
	})

	t.Run("keeps the capture when the stop can't reach the transcoder", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a")}
		fx.transcoder.stopErr = errors.New("nats: connection closed")

		started, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		_, err = fx.controller.StopCapture("room-1")
		require.Error(t, err)

		stored, err := fx.ledger.Find(started.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusRecording, stored.Status)

		fx.transcoder.stopErr = nil
		stopped, err := fx.controller.StopCapture("room-1")
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusProcessing, stopped.Status)
	})

	t.Run("holds the session slot until the transcoder finishes", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a")}

		_, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)
		_, err = fx.controller.StopCapture("room-1")
		require.NoError(t, err)

		_, err = fx.controller.StopCapture("room-1")
		assert.ErrorIs(t, err, ErrNoActiveRecording)

		_, err = fx.controller.StartCapture("room-1", []string{"alice"})
		assert.ErrorIs(t, err, ErrRecordingActive)
	})
}

func TestTranscoderEvents(t *testing.T) {
	t.Run("completed finalizes the recording and queues the upload", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a")}

		started, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)
		stopped, err := fx.controller.StopCapture("room-1")
		require.NoError(t, err)
		endedAt := *stopped.EndedAt

		fx.controller.HandleTranscoderEvent(Event{
			Type:         EventCompleted,
			RecordingID:  started.ID,
			SessionID:    "room-1",
			FilePath:     "/var/lib/livemeet/recordings/" + string(started.ID) + ".mp4",
			FileSize:     1 << 20,
			DurationSecs: 125.4,
		})

		stored, err := fx.ledger.Find(started.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusCompleted, stored.Status)
		assert.Equal(t, int64(1<<20), stored.FileSize)
		assert.Equal(t, 125.4, stored.DurationSecs)
		assert.Contains(t, stored.FilePath, string(started.ID))
		require.NotNil(t, stored.EndedAt)
		assert.Equal(t, endedAt.Unix(), stored.EndedAt.Unix())

		require.Len(t, fx.uploads.enqueued, 1)
		assert.Equal(t, started.ID, fx.uploads.enqueued[0].ID)
		assert.NotEmpty(t, fx.uploads.enqueued[0].FilePath)

		_, err = fx.controller.StartCapture("room-1", []string{"alice"})
		assert.NoError(t, err)
	})

	t.Run("completed without a stop call still closes the capture", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a")}

		started, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		fx.controller.HandleTranscoderEvent(Event{
			Type:        EventCompleted,
			RecordingID: started.ID,
			SessionID:   "room-1",
			FilePath:    "/tmp/out.mp4",
			FileSize:    2048,
		})

		assert.True(t, fx.router.created[0].closed)
		assert.True(t, fx.router.created[1].closed)

		stored, err := fx.ledger.Find(started.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusCompleted, stored.Status)
		assert.NotNil(t, stored.EndedAt)
		assert.Len(t, fx.uploads.enqueued, 1)
	})

	t.Run("error marks the recording failed", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a")}

		started, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)
		_, err = fx.controller.StopCapture("room-1")
		require.NoError(t, err)

		fx.controller.HandleTranscoderEvent(Event{
			Type:        EventError,
			RecordingID: started.ID,
			SessionID:   "room-1",
			Error:       "ffmpeg exited with code 1",
		})

		stored, err := fx.ledger.Find(started.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusFailed, stored.Status)
		assert.Empty(t, fx.uploads.enqueued)

		_, err = fx.controller.StartCapture("room-1", []string{"alice"})
		assert.NoError(t, err)
	})

	t.Run("a late event still lands in the ledger", func(t *testing.T) {
		fx := newCaptureFixture()

		recording, err := core.NewRecording("room-1", []string{"alice"})
		require.NoError(t, err)
		recording.Status = core.RecordingStatusProcessing
		require.NoError(t, fx.ledger.Persist(recording))

		fx.controller.HandleTranscoderEvent(Event{
			Type:         EventCompleted,
			RecordingID:  recording.ID,
			SessionID:    "room-1",
			FilePath:     "/tmp/out.mp4",
			FileSize:     4096,
			DurationSecs: 10,
		})

		stored, err := fx.ledger.Find(recording.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusCompleted, stored.Status)
		assert.Len(t, fx.uploads.enqueued, 1)
	})

	t.Run("informational events touch nothing", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a")}

		started, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		fx.controller.HandleTranscoderEvent(Event{Type: EventStarted, RecordingID: started.ID, SessionID: "room-1"})
		fx.controller.HandleTranscoderEvent(Event{Type: EventProgress, RecordingID: started.ID, SessionID: "room-1", DurationSecs: 5})

		stored, err := fx.ledger.Find(started.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusRecording, stored.Status)
		assert.False(t, fx.router.created[0].closed)
	})
}

func TestOnSessionClosed(t *testing.T) {
	t.Run("stops the capture with the session", func(t *testing.T) {
		fx := newCaptureFixture()
		fx.media.producers = []rtc.ProducerSummary{audioProducer("producer-a")}

		started, err := fx.controller.StartCapture("room-1", []string{"alice"})
		require.NoError(t, err)

		fx.controller.OnSessionClosed("room-1")

		assert.Equal(t, []core.RecordingID{started.ID}, fx.transcoder.stops)

		stored, err := fx.ledger.Find(started.ID)
		require.NoError(t, err)
		assert.Equal(t, core.RecordingStatusProcessing, stored.Status)
	})

	t.Run("does nothing without a capture", func(t *testing.T) {
		fx := newCaptureFixture()

		fx.controller.OnSessionClosed("room-1")
		assert.Empty(t, fx.transcoder.stops)
	})
}
