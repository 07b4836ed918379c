package transcode

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livemeet-sfu/internal/capture"
	"github.com/isqad/livemeet-sfu/internal/core"
)

// Client is the coordinator's side of the transcoder boundary: it hands jobs
// to the daemon pool over NATS and feeds the daemons' lifecycle events back
// into the capture controller.
type Client struct {
	nc   *nats.Conn
	sink capture.EventSink

	mu   sync.Mutex
	subs map[core.RecordingID]*nats.Subscription
}

func NewClient(nc *nats.Conn, sink capture.EventSink) *Client {
	return &Client{
		nc:   nc,
		sink: sink,
		subs: make(map[core.RecordingID]*nats.Subscription),
	}
}

// Start publishes the job and subscribes the recording's event subject. The
// subscription lives until a terminal event arrives.
func (c *Client) Start(job capture.TranscodeJob) error {
	payload, err := json.Marshal(StartCommand{
		RecordingID: job.RecordingID,
		SessionID:   job.SessionID,
		AudioPort:   job.AudioPort,
		VideoPort:   job.VideoPort,
		OutputPath:  job.OutputPath,
	})
	if err != nil {
		return err
	}

	sub, err := c.nc.Subscribe(eventsSubject(job.RecordingID), c.handleEvent)
	if err != nil {
		return err
	}

	if err := c.nc.Publish(subjectStart, payload); err != nil {
		if uerr := sub.Unsubscribe(); uerr != nil {
			log.Error().Err(uerr).Str("service", "transcode").Str("recordingID", string(job.RecordingID)).Msg("error on unsubscribe events")
		}
		return err
	}
	if err := c.nc.Flush(); err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[job.RecordingID] = sub
	c.mu.Unlock()

	log.Debug().
		Str("service", "transcode").
		Str("recordingID", string(job.RecordingID)).
		Int("audioPort", job.AudioPort).
		Int("videoPort", job.VideoPort).
		Msg("job published")

	return nil
}

func (c *Client) Stop(recordingID core.RecordingID) error {
	payload, err := json.Marshal(StopCommand{RecordingID: recordingID})
	if err != nil {
		return err
	}

	if err := c.nc.Publish(stopSubject(recordingID), payload); err != nil {
		return err
	}

	return c.nc.Flush()
}

// handleEvent runs on the NATS delivery goroutine. The client lock is never
// held across the sink call, the controller takes its own lock there.
func (c *Client) handleEvent(msg *nats.Msg) {
	event := capture.Event{}
	if err := json.NewDecoder(bytes.NewReader(msg.Data)).Decode(&event); err != nil {
		log.Error().Err(err).Str("service", "transcode").Str("data", string(msg.Data)).Msg("undecodable transcoder event")
		return
	}

	if event.Type == capture.EventCompleted || event.Type == capture.EventError {
		c.mu.Lock()
		sub := c.subs[event.RecordingID]
		delete(c.subs, event.RecordingID)
		c.mu.Unlock()

		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				log.Error().Err(err).Str("service", "transcode").Str("recordingID", string(event.RecordingID)).Msg("error on unsubscribe events")
			}
		}
	}

	c.sink.HandleTranscoderEvent(event)
}
