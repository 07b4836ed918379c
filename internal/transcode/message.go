package transcode

import (
	"fmt"

	"github.com/isqad/livemeet-sfu/internal/core"
)

const (
	// subjectStart load-balances jobs across daemons through the queue group,
	// so exactly one daemon picks each recording up.
	subjectStart    = "transcode.start"
	startQueueGroup = "transcoders"

	subjectStop   = "transcode.stop"
	subjectEvents = "transcode.events"
)

// StartCommand carries everything a daemon needs to pull the session's two
// RTP streams and write the output file. Ports are the coordinator's listen
// endpoints on loopback.
type StartCommand struct {
	RecordingID core.RecordingID `json:"recording_id"`
	SessionID   core.SessionID   `json:"session_id"`
	AudioPort   int              `json:"audio_port"`
	VideoPort   int              `json:"video_port"`
	OutputPath  string           `json:"output_path"`
}

// StopCommand asks the daemon that owns the recording to finish the file.
type StopCommand struct {
	RecordingID core.RecordingID `json:"recording_id"`
}

// stopSubject is subscribed by the one daemon running the recording, so a
// stop reaches only its owner.
func stopSubject(recordingID core.RecordingID) string {
	return fmt.Sprintf("%s.%s", subjectStop, recordingID)
}

func eventsSubject(recordingID core.RecordingID) string {
	return fmt.Sprintf("%s.%s", subjectEvents, recordingID)
}
