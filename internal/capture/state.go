package capture

import (
	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/rtc"
)

// State is the in-memory phase of one session's capture. Exactly one variant
// exists per session, so field combinations that make no sense in a phase
// cannot be represented.
type State interface {
	RecordingID() core.RecordingID
	state()
}

// Pending holds a capture whose recording is persisted and whose endpoints
// are bound, waiting for the session's first producer before the transcoder
// is worth starting.
type Pending struct {
	Recording *core.Recording
	Audio     rtc.ListenEndpoint
	Video     rtc.ListenEndpoint
}

func (p *Pending) RecordingID() core.RecordingID { return p.Recording.ID }
func (p *Pending) state()                        {}

// Active is a running capture: endpoints bound, transcoder started, attached
// consumers tracked by source producer so a producer is never consumed twice.
type Active struct {
	Recording *core.Recording
	Audio     rtc.ListenEndpoint
	Video     rtc.ListenEndpoint
	Attached  map[rtc.ProducerID]rtc.Consumer
}

func (a *Active) RecordingID() core.RecordingID { return a.Recording.ID }
func (a *Active) state()                        {}

// Stopping marks a capture whose transcoder was told to finish. The slot
// stays claimed until the completion event lands, keeping a second
// start-capture from overlapping a recording that is still non-terminal.
type Stopping struct {
	Recording *core.Recording
}

func (s *Stopping) RecordingID() core.RecordingID { return s.Recording.ID }
func (s *Stopping) state()                        {}
