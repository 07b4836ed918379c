package capture

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/rtc"
	"github.com/isqad/livemeet-sfu/internal/telemetry"
)

var (
	ErrRecordingActive   = errors.New("session already has an active recording")
	ErrNoActiveRecording = errors.New("no active recording for session")
)

// MediaPlane is the slice of the orchestrator the controller needs.
type MediaPlane interface {
	EnsureRouter(sessionID core.SessionID) (rtc.Router, error)
	SessionProducers(sessionID core.SessionID, except core.PeerID) []rtc.ProducerSummary
}

// TranscodeJob carries everything the transcoder needs to pull the two RTP
// streams and write the output file.
type TranscodeJob struct {
	RecordingID core.RecordingID
	SessionID   core.SessionID
	AudioPort   int
	VideoPort   int
	OutputPath  string
}

// Transcoder drives the external transcoding process. Stop is a graceful
// request, completion arrives later as an Event.
type Transcoder interface {
	Start(job TranscodeJob) error
	Stop(recordingID core.RecordingID) error
}

// Uploader receives recordings whose local file is finished.
type Uploader interface {
	Enqueue(recording *core.Recording) error
}

type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventStopped   EventType = "stopped"
	EventError     EventType = "error"
)

// Event is what the transcoder reports back, decoupled from any Stop call:
// the file is finished only when the completed event says so.
type Event struct {
	Type         EventType        `json:"type"`
	RecordingID  core.RecordingID `json:"recording_id"`
	SessionID    core.SessionID   `json:"session_id"`
	FilePath     string           `json:"file_path,omitempty"`
	FileSize     int64            `json:"file_size,omitempty"`
	DurationSecs float64          `json:"duration_secs,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// EventSink consumes transcoder events. The controller implements it.
type EventSink interface {
	HandleTranscoderEvent(event Event)
}

type ControllerOptions struct {
	Ledger    core.RecordingsStorer
	Media     MediaPlane
	Uploads   Uploader
	OutputDir string
}

// Controller owns the capture state machine of every session: persists the
// ledger row before touching the engine, binds the listen endpoints, feeds
// the transcoder and finishes recordings off its events.
type Controller struct {
	ledger    core.RecordingsStorer
	media     MediaPlane
	uploads   Uploader
	outputDir string

	mu         sync.Mutex
	transcoder Transcoder
	captures   map[core.SessionID]State
}

func NewController(options ControllerOptions) *Controller {
	return &Controller{
		ledger:    options.Ledger,
		media:     options.Media,
		uploads:   options.Uploads,
		outputDir: options.OutputDir,
		captures:  make(map[core.SessionID]State),
	}
}

// SetTranscoder wires the transcoder after construction: the transcode client
// needs the controller as its event sink, so the two cannot be built in one
// step.
func (c *Controller) SetTranscoder(transcoder Transcoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcoder = transcoder
}

// StartCapture begins recording the session. The ledger row exists before any
// engine resource, so a crash partway leaves a traceable record. With no
// producers yet the capture parks in Pending and the first produce call
// starts the transcoder.
func (c *Controller) StartCapture(sessionID core.SessionID, participants []string) (*core.Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.captures[sessionID]; ok {
		return nil, ErrRecordingActive
	}

	router, err := c.media.EnsureRouter(sessionID)
	if err != nil {
		return nil, err
	}

	recording, err := core.NewRecording(sessionID, participants)
	if err != nil {
		return nil, err
	}
	if err := c.ledger.Persist(recording); err != nil {
		return nil, fmt.Errorf("persist recording: %w", err)
	}

	audio, err := router.CreateListenEndpoint(rtc.KindAudio)
	if err != nil {
		c.rollbackStart(recording, nil, nil)
		return nil, err
	}
	video, err := router.CreateListenEndpoint(rtc.KindVideo)
	if err != nil {
		c.rollbackStart(recording, audio, nil)
		return nil, err
	}

	producers := c.media.SessionProducers(sessionID, "")
	attached := make(map[rtc.ProducerID]rtc.Consumer, len(producers))
	for _, producer := range producers {
		consumer, err := attachProducer(audio, video, producer)
		if err != nil {
			c.rollbackStart(recording, audio, video)
			return nil, err
		}
		attached[producer.ID] = consumer
	}

	if len(producers) == 0 {
		c.captures[sessionID] = &Pending{Recording: recording, Audio: audio, Video: video}
		telemetry.RecordingStarted()

		log.Info().
			Str("service", "capture").
			Str("sessionID", string(sessionID)).
			Str("recordingID", string(recording.ID)).
			Msg("capture waits for the first producer")

		return recording, nil
	}

	if err := c.transcoder.Start(c.transcodeJob(recording, audio, video)); err != nil {
		c.rollbackStart(recording, audio, video)
		return nil, err
	}

	c.captures[sessionID] = &Active{Recording: recording, Audio: audio, Video: video, Attached: attached}
	telemetry.RecordingStarted()

	log.Info().
		Str("service", "capture").
		Str("sessionID", string(sessionID)).
		Str("recordingID", string(recording.ID)).
		Int("producers", len(producers)).
		Msg("capture started")

	return recording, nil
}

// StopCapture asks the transcoder to finish and moves the recording to
// processing. The file is not done when this returns: the completed event is
// what finalizes the recording. Stopping a capture that never saw a producer
// fails the recording on the spot, there is no transcoder to wait for.
func (c *Controller) StopCapture(sessionID core.SessionID) (*core.Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.captures[sessionID]
	if !ok {
		return nil, ErrNoActiveRecording
	}

	switch st := state.(type) {
	case *Pending:
		c.closeEndpoints(st.Audio, st.Video)

		now := time.Now().UTC()
		st.Recording.Status = core.RecordingStatusFailed
		st.Recording.EndedAt = &now
		if err := c.ledger.UpdateStatus(st.Recording.ID, core.WithStatus(core.RecordingStatusFailed), core.WithEndedAt(now)); err != nil {
			log.Error().Err(err).Str("service", "capture").Str("recordingID", string(st.Recording.ID)).Msg("can't mark recording failed")
		}

		delete(c.captures, sessionID)
		telemetry.RecordingFinished()

		log.Info().
			Str("service", "capture").
			Str("sessionID", string(sessionID)).
			Str("recordingID", string(st.Recording.ID)).
			Msg("capture stopped before any producer appeared")

		return st.Recording, nil

	case *Active:
		if err := c.transcoder.Stop(st.Recording.ID); err != nil {
			// the capture stays active so the stop can be retried
			return nil, err
		}

		c.closeEndpoints(st.Audio, st.Video)

		now := time.Now().UTC()
		st.Recording.Status = core.RecordingStatusProcessing
		st.Recording.EndedAt = &now
		if err := c.ledger.UpdateStatus(st.Recording.ID, core.WithStatus(core.RecordingStatusProcessing), core.WithEndedAt(now)); err != nil {
			log.Error().Err(err).Str("service", "capture").Str("recordingID", string(st.Recording.ID)).Msg("can't mark recording processing")
		}

		c.captures[sessionID] = &Stopping{Recording: st.Recording}

		log.Info().
			Str("service", "capture").
			Str("sessionID", string(sessionID)).
			Str("recordingID", string(st.Recording.ID)).
			Msg("capture stopping, waiting for the transcoder to finish")

		return st.Recording, nil

	default:
		return nil, ErrNoActiveRecording
	}
}

// OnNewProducer attaches the producer to a capture in flight. A pending
// capture becomes active here, on the session's first producer. Runs inside
// the produce call, so a recording never misses a producer.
func (c *Controller) OnNewProducer(sessionID core.SessionID, producer rtc.ProducerSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.captures[sessionID]
	if !ok {
		return nil
	}

	switch st := state.(type) {
	case *Pending:
		consumer, err := attachProducer(st.Audio, st.Video, producer)
		if err != nil {
			// stays pending, the next producer makes another attempt
			return fmt.Errorf("attach first producer: %w", err)
		}

		if err := c.transcoder.Start(c.transcodeJob(st.Recording, st.Audio, st.Video)); err != nil {
			// without a transcoder the recording can never finish
			c.closeEndpoints(st.Audio, st.Video)
			c.markFailed(st.Recording)
			delete(c.captures, sessionID)
			telemetry.RecordingFinished()
			return fmt.Errorf("start transcoder: %w", err)
		}

		c.captures[sessionID] = &Active{
			Recording: st.Recording,
			Audio:     st.Audio,
			Video:     st.Video,
			Attached:  map[rtc.ProducerID]rtc.Consumer{producer.ID: consumer},
		}

		log.Info().
			Str("service", "capture").
			Str("sessionID", string(sessionID)).
			Str("recordingID", string(st.Recording.ID)).
			Str("producerID", string(producer.ID)).
			Msg("capture started on first producer")

		return nil

	case *Active:
		if _, ok := st.Attached[producer.ID]; ok {
			return nil
		}

		consumer, err := attachProducer(st.Audio, st.Video, producer)
		if err != nil {
			// the recording keeps going with the media it already has
			log.Warn().Err(err).
				Str("service", "capture").
				Str("sessionID", string(sessionID)).
				Str("producerID", string(producer.ID)).
				Msg("producer left out of the capture")
			return err
		}
		st.Attached[producer.ID] = consumer

		return nil

	default:
		return nil
	}
}

// OnSessionClosed stops any capture when the session's last peer is gone.
func (c *Controller) OnSessionClosed(sessionID core.SessionID) {
	if _, err := c.StopCapture(sessionID); err != nil && !errors.Is(err, ErrNoActiveRecording) {
		log.Error().Err(err).Str("service", "capture").Str("sessionID", string(sessionID)).Msg("can't stop capture on session close")
	}
}

// HandleTranscoderEvent applies one transcoder event. Completed and error are
// the terminal ones, everything else is informational.
func (c *Controller) HandleTranscoderEvent(event Event) {
	switch event.Type {
	case EventStarted:
		log.Info().Str("service", "capture").Str("recordingID", string(event.RecordingID)).Msg("transcoder started")
	case EventProgress:
		log.Debug().Str("service", "capture").Str("recordingID", string(event.RecordingID)).Float64("duration", event.DurationSecs).Msg("transcoder progress")
	case EventStopped:
		log.Info().Str("service", "capture").Str("recordingID", string(event.RecordingID)).Msg("transcoder acknowledged stop")
	case EventCompleted:
		c.finishRecording(event)
	case EventError:
		c.failRecording(event)
	default:
		log.Warn().Str("service", "capture").Str("type", string(event.Type)).Msg("unknown transcoder event")
	}
}

// finishRecording handles the completed event: release whatever state is
// left, record the artifact and hand the file to the upload queue.
func (c *Controller) finishRecording(event Event) {
	spontaneous := c.clearState(event.SessionID, event.RecordingID)

	fields := []core.RecordingField{
		core.WithStatus(core.RecordingStatusCompleted),
		core.WithFilePath(event.FilePath),
		core.WithFileSize(event.FileSize),
		core.WithDuration(event.DurationSecs),
	}
	if spontaneous {
		// the transcoder finished without a stop call, nothing set ended_at
		fields = append(fields, core.WithEndedAt(time.Now().UTC()))
	}
	if err := c.ledger.UpdateStatus(event.RecordingID, fields...); err != nil {
		log.Error().Err(err).Str("service", "capture").Str("recordingID", string(event.RecordingID)).Msg("can't mark recording completed")
		return
	}

	telemetry.RecordingFinished()

	log.Info().
		Str("service", "capture").
		Str("recordingID", string(event.RecordingID)).
		Int64("size", event.FileSize).
		Float64("duration", event.DurationSecs).
		Msg("recording completed")

	recording, err := c.ledger.Find(event.RecordingID)
	if err != nil {
		log.Error().Err(err).Str("service", "capture").Str("recordingID", string(event.RecordingID)).Msg("completed recording not found in ledger")
		return
	}

	if err := c.uploads.Enqueue(recording); err != nil {
		log.Error().Err(err).Str("service", "capture").Str("recordingID", string(recording.ID)).Msg("completed recording not queued for upload")
	}
}

func (c *Controller) failRecording(event Event) {
	spontaneous := c.clearState(event.SessionID, event.RecordingID)

	fields := []core.RecordingField{core.WithStatus(core.RecordingStatusFailed)}
	if spontaneous {
		fields = append(fields, core.WithEndedAt(time.Now().UTC()))
	}
	if err := c.ledger.UpdateStatus(event.RecordingID, fields...); err != nil {
		log.Error().Err(err).Str("service", "capture").Str("recordingID", string(event.RecordingID)).Msg("can't mark recording failed")
	}

	telemetry.RecordingFinished()

	log.Error().
		Str("service", "capture").
		Str("recordingID", string(event.RecordingID)).
		Str("cause", event.Error).
		Msg("recording failed in the transcoder")
}

// clearState drops the session's capture state if it belongs to the given
// recording, closing endpoints the stop path never got to. Reports whether
// the capture was still pending or active, meaning no stop preceded the
// event.
func (c *Controller) clearState(sessionID core.SessionID, recordingID core.RecordingID) bool {
	c.mu.Lock()

	state, ok := c.captures[sessionID]
	if !ok || state.RecordingID() != recordingID {
		c.mu.Unlock()
		return false
	}
	delete(c.captures, sessionID)
	c.mu.Unlock()

	switch st := state.(type) {
	case *Pending:
		c.closeEndpoints(st.Audio, st.Video)
		return true
	case *Active:
		c.closeEndpoints(st.Audio, st.Video)
		return true
	default:
		return false
	}
}

func (c *Controller) rollbackStart(recording *core.Recording, endpoints ...rtc.ListenEndpoint) {
	c.closeEndpoints(endpoints...)
	c.markFailed(recording)

	log.Warn().
		Str("service", "capture").
		Str("recordingID", string(recording.ID)).
		Msg("capture start rolled back")
}

func (c *Controller) markFailed(recording *core.Recording) {
	now := time.Now().UTC()
	recording.Status = core.RecordingStatusFailed
	recording.EndedAt = &now
	if err := c.ledger.UpdateStatus(recording.ID, core.WithStatus(core.RecordingStatusFailed), core.WithEndedAt(now)); err != nil {
		log.Error().Err(err).Str("service", "capture").Str("recordingID", string(recording.ID)).Msg("can't mark recording failed")
	}
}

func (c *Controller) closeEndpoints(endpoints ...rtc.ListenEndpoint) {
	for _, endpoint := range endpoints {
		if endpoint == nil {
			continue
		}
		if err := endpoint.Close(); err != nil {
			log.Error().Err(err).Str("service", "capture").Str("endpointID", string(endpoint.ID())).Msg("error on close listen endpoint")
		}
	}
}

func (c *Controller) transcodeJob(recording *core.Recording, audio, video rtc.ListenEndpoint) TranscodeJob {
	return TranscodeJob{
		RecordingID: recording.ID,
		SessionID:   recording.SessionID,
		AudioPort:   audio.Port(),
		VideoPort:   video.Port(),
		OutputPath:  c.outputPath(recording.ID),
	}
}

func (c *Controller) outputPath(recordingID core.RecordingID) string {
	return filepath.Join(c.outputDir, string(recordingID)+".mp4")
}

// attachProducer consumes the producer on the endpoint of its kind and
// resumes the media flow.
func attachProducer(audio, video rtc.ListenEndpoint, producer rtc.ProducerSummary) (rtc.Consumer, error) {
	endpoint := audio
	if producer.Kind == rtc.KindVideo {
		endpoint = video
	}

	consumer, err := endpoint.Consume(producer.ID)
	if err != nil {
		return nil, err
	}
	if err := consumer.Resume(); err != nil {
		if cerr := consumer.Close(); cerr != nil {
			log.Error().Err(cerr).Str("service", "capture").Str("consumerID", string(consumer.ID())).Msg("error on close consumer")
		}
		return nil, err
	}

	return consumer, nil
}
