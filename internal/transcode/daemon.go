package transcode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livemeet-sfu/internal/capture"
	"github.com/isqad/livemeet-sfu/internal/core"
)

const drainWait = 20 * time.Second

// Daemon turns recordings into files. It takes jobs off the shared queue,
// announces itself to the coordinator's listen endpoints with probe packets
// and drives one ffmpeg process per recording.
type Daemon struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	workDir   string
	ffmpegBin string

	mu   sync.Mutex
	jobs map[core.RecordingID]*transcodeJob
	wg   sync.WaitGroup

	errors chan error
}

type transcodeJob struct {
	command   StartCommand
	cmd       *exec.Cmd
	stopSub   *nats.Subscription
	sdpPath   string
	logFile   *os.File
	startedAt time.Time
	stopped   bool
}

func New(natsAddr, workDir, ffmpegBin string) (*Daemon, error) {
	if _, err := exec.LookPath(ffmpegBin); err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", ffmpegBin, err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}

	nc, err := nats.Connect(natsAddr, nats.NoEcho())
	if err != nil {
		return nil, err
	}

	daemon := &Daemon{
		nc:        nc,
		workDir:   workDir,
		ffmpegBin: ffmpegBin,
		jobs:      make(map[core.RecordingID]*transcodeJob),
		errors:    make(chan error),
	}

	return daemon, nil
}

// Run blocks until an interrupt arrives, then stops every running job and
// drains the connection.
func (d *Daemon) Run() error {
	log.Info().Str("service", "transcode").Msg("start transcode daemon")

	var err error
	d.sub, err = d.nc.QueueSubscribe(subjectStart, startQueueGroup, func(msg *nats.Msg) {
		if err := d.startJob(msg); err != nil {
			d.errors <- err
		}
	})
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case err := <-d.errors:
			log.Error().Err(err).Str("service", "transcode").Msg("job failed to start")
		case <-quit:
			return d.Stop()
		}
	}
}

func (d *Daemon) Stop() error {
	log.Info().Str("service", "transcode").Msg("stop transcode daemon")

	if err := d.sub.Unsubscribe(); err != nil {
		log.Error().Err(err).Str("service", "transcode").Msg("error on unsubscribe")
	}

	d.mu.Lock()
	ids := make([]core.RecordingID, 0, len(d.jobs))
	for id := range d.jobs {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.interruptJob(id)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainWait):
		log.Error().Str("service", "transcode").Msg("jobs did not finish before shutdown")
	}

	return d.nc.Drain()
}

// startJob sets a job up synchronously: bind local ports, probe the
// coordinator's endpoints, hand the ports to ffmpeg. The long wait for the
// process happens on its own goroutine.
func (d *Daemon) startJob(msg *nats.Msg) error {
	log.Debug().Str("service", "transcode").Str("data", string(msg.Data)).Msg("received job")

	command := StartCommand{}
	if err := json.NewDecoder(bytes.NewReader(msg.Data)).Decode(&command); err != nil {
		return fmt.Errorf("undecodable job %s: %w", string(msg.Data), err)
	}

	audioConn, err := bindLoopback()
	if err != nil {
		return err
	}
	videoConn, err := bindLoopback()
	if err != nil {
		closeConns(audioConn)
		return err
	}

	audioPort := localPort(audioConn)
	videoPort := localPort(videoConn)

	// The endpoints learn where to forward from the probes' source address,
	// which is why the probes must leave the very ports ffmpeg will read.
	if err := sendProbes(audioConn, command.AudioPort); err != nil {
		closeConns(audioConn, videoConn)
		return d.reject(command, err)
	}
	if err := sendProbes(videoConn, command.VideoPort); err != nil {
		closeConns(audioConn, videoConn)
		return d.reject(command, err)
	}

	// freed so ffmpeg can bind them itself, a few packets in between get lost
	closeConns(audioConn, videoConn)

	sdpPath := filepath.Join(d.workDir, string(command.RecordingID)+".sdp")
	if err := os.WriteFile(sdpPath, []byte(sdpDescription(audioPort, videoPort)), 0o644); err != nil {
		return d.reject(command, err)
	}

	if err := os.MkdirAll(filepath.Dir(command.OutputPath), 0o755); err != nil {
		return d.reject(command, err)
	}

	cmd := ffmpegCommand(d.ffmpegBin, sdpPath, command.OutputPath)
	job := &transcodeJob{
		command:   command,
		cmd:       cmd,
		sdpPath:   sdpPath,
		startedAt: time.Now().UTC(),
	}
	if logFile, err := os.Create(command.OutputPath + ".ffmpeg.log"); err == nil {
		cmd.Stderr = logFile
		job.logFile = logFile
	}

	if err := cmd.Start(); err != nil {
		job.cleanup()
		return d.reject(command, err)
	}

	job.stopSub, err = d.nc.Subscribe(stopSubject(command.RecordingID), func(*nats.Msg) {
		d.interruptJob(command.RecordingID)
	})
	if err != nil {
		if kerr := cmd.Process.Kill(); kerr != nil {
			log.Error().Err(kerr).Str("service", "transcode").Msg("error on kill ffmpeg")
		}
		_ = cmd.Wait()
		job.cleanup()
		return d.reject(command, err)
	}

	d.mu.Lock()
	d.jobs[command.RecordingID] = job
	d.mu.Unlock()

	d.publishEvent(capture.Event{
		Type:        capture.EventStarted,
		RecordingID: command.RecordingID,
		SessionID:   command.SessionID,
	})

	log.Info().
		Str("service", "transcode").
		Str("recordingID", string(command.RecordingID)).
		Int("audioPort", audioPort).
		Int("videoPort", videoPort).
		Str("output", command.OutputPath).
		Msg("transcoder started")

	d.wg.Add(1)
	go d.waitJob(job)

	return nil
}

// waitJob publishes the terminal event once ffmpeg exits. An exit after a
// stop request counts as success whatever the exit code says, ffmpeg reports
// the interrupt as code 255.
func (d *Daemon) waitJob(job *transcodeJob) {
	defer d.wg.Done()

	waitErr := job.cmd.Wait()

	d.mu.Lock()
	stopped := job.stopped
	delete(d.jobs, job.command.RecordingID)
	d.mu.Unlock()

	if err := job.stopSub.Unsubscribe(); err != nil {
		log.Error().Err(err).Str("service", "transcode").Msg("error on unsubscribe stop subject")
	}
	job.cleanup()

	if waitErr != nil && !stopped {
		log.Error().Err(waitErr).Str("service", "transcode").Str("recordingID", string(job.command.RecordingID)).Msg("ffmpeg failed")
		d.publishEvent(capture.Event{
			Type:        capture.EventError,
			RecordingID: job.command.RecordingID,
			SessionID:   job.command.SessionID,
			Error:       waitErr.Error(),
		})
		return
	}

	info, err := os.Stat(job.command.OutputPath)
	if err != nil {
		d.publishEvent(capture.Event{
			Type:        capture.EventError,
			RecordingID: job.command.RecordingID,
			SessionID:   job.command.SessionID,
			Error:       fmt.Sprintf("no output file: %v", err),
		})
		return
	}

	d.publishEvent(capture.Event{
		Type:         capture.EventCompleted,
		RecordingID:  job.command.RecordingID,
		SessionID:    job.command.SessionID,
		FilePath:     job.command.OutputPath,
		FileSize:     info.Size(),
		DurationSecs: time.Since(job.startedAt).Seconds(),
	})

	log.Info().
		Str("service", "transcode").
		Str("recordingID", string(job.command.RecordingID)).
		Int64("size", info.Size()).
		Msg("transcode finished")
}

// interruptJob asks ffmpeg to finish the file. SIGINT lets it write the mp4
// trailer, a kill would leave the file unreadable.
func (d *Daemon) interruptJob(recordingID core.RecordingID) {
	d.mu.Lock()
	job, ok := d.jobs[recordingID]
	if !ok || job.stopped {
		d.mu.Unlock()
		return
	}
	job.stopped = true
	d.mu.Unlock()

	d.publishEvent(capture.Event{
		Type:        capture.EventStopped,
		RecordingID: recordingID,
		SessionID:   job.command.SessionID,
	})

	if err := job.cmd.Process.Signal(os.Interrupt); err != nil {
		log.Error().Err(err).Str("service", "transcode").Str("recordingID", string(recordingID)).Msg("error on interrupt ffmpeg")
	}
}

// reject reports a job that never started back to the coordinator.
func (d *Daemon) reject(command StartCommand, cause error) error {
	d.publishEvent(capture.Event{
		Type:        capture.EventError,
		RecordingID: command.RecordingID,
		SessionID:   command.SessionID,
		Error:       cause.Error(),
	})

	return fmt.Errorf("job %s: %w", command.RecordingID, cause)
}

func (d *Daemon) publishEvent(event capture.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("service", "transcode").Msg("can't marshal event")
		return
	}

	if err := d.nc.Publish(eventsSubject(event.RecordingID), payload); err != nil {
		log.Error().Err(err).Str("service", "transcode").Str("recordingID", string(event.RecordingID)).Msg("can't publish event")
	}
}

func (j *transcodeJob) cleanup() {
	if err := os.Remove(j.sdpPath); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("service", "transcode").Msg("error on remove sdp file")
	}
	if j.logFile != nil {
		if err := j.logFile.Close(); err != nil {
			log.Error().Err(err).Str("service", "transcode").Msg("error on close ffmpeg log")
		}
	}
}

func bindLoopback() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bind rtp port: %w", err)
	}
	return conn, nil
}

func localPort(conn *net.UDPConn) int {
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func closeConns(conns ...*net.UDPConn) {
	for _, conn := range conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			log.Error().Err(err).Str("service", "transcode").Msg("error on close udp conn")
		}
	}
}

// sendProbes knocks a few times in case the first datagram is dropped.
func sendProbes(conn *net.UDPConn, port int) error {
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}

	for i := 0; i < 3; i++ {
		if _, err := conn.WriteToUDP([]byte("livemeet"), target); err != nil {
			return fmt.Errorf("probe endpoint %d: %w", port, err)
		}
	}

	return nil
}

// sdpDescription lists every payload type the media engine can forward, the
// streams carry whatever the producers negotiated.
func sdpDescription(audioPort, videoPort int) string {
	return fmt.Sprintf(`v=0
o=- 0 0 IN IP4 127.0.0.1
s=livemeet
c=IN IP4 127.0.0.1
t=0 0
m=audio %d RTP/AVP 111
a=rtpmap:111 opus/48000/2
m=video %d RTP/AVP 96 98 100 125 108 123 35
a=rtpmap:96 VP8/90000
a=rtpmap:98 VP9/90000
a=rtpmap:100 VP9/90000
a=rtpmap:125 H264/90000
a=rtpmap:108 H264/90000
a=rtpmap:123 H264/90000
a=rtpmap:35 AV1/90000
`, audioPort, videoPort)
}

func ffmpegCommand(bin, sdpPath, outputPath string) *exec.Cmd {
	return exec.Command(bin,
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpPath,
		"-c:a", "aac",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-y",
		outputPath,
	)
}
