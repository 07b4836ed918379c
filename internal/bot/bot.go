package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/isqad/livemeet-sfu/internal/signal/rpc"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"golang.org/x/net/publicsuffix"
)

// Bot is a headless peer for smoke and load runs: it joins a session,
// publishes a VP8 file as its camera and reports every signaling event it
// sees.
type Bot struct {
	serverHost string
	session    string
	name       string
	videoFile  string

	client    *http.Client
	cookieJar *cookiejar.Jar

	writeMu       sync.Mutex
	websocketConn *websocket.Conn

	peerConnection *webrtc.PeerConnection
	videoTrack     *webrtc.TrackLocalStaticSample
}

// sdpPayload is the connection material of the transport messages.
type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func New(host, session, name, videoFile string) (*Bot, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{
		Timeout: 5 * time.Second,
		Jar:     jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// Probe the server before dialing. Any affinity cookie the edge sets
	// here rides the websocket handshake through the shared jar.
	resp, err := httpClient.Get(fmt.Sprintf("http://%s/healthz", host))
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server probe returned %s", resp.Status)
	}

	bot := &Bot{
		serverHost: host,
		session:    session,
		name:       name,
		videoFile:  videoFile,
		client:     httpClient,
		cookieJar:  jar,
	}

	return bot, nil
}

func (bot *Bot) Close() {
	bot.client.CloseIdleConnections()

	if bot.peerConnection != nil {
		bot.peerConnection.Close()
	}

	if bot.websocketConn != nil {
		bot.websocketConn.Close()
	}
}

func (bot *Bot) Start() error {
	defer bot.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	dialer := &websocket.Dialer{
		Jar:              bot.cookieJar,
		HandshakeTimeout: 45 * time.Second,
	}

	c, resp, err := dialer.Dial(fmt.Sprintf("ws://%s/ws", bot.serverHost), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	bot.websocketConn = c

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if err := bot.readRPC(c); err != nil {
				log.Printf("read error: %v", err)
				return
			}
		}
	}()

	if err := bot.writeRPC(rpc.NewJoinRpc(bot.session, bot.name)); err != nil {
		return err
	}

	for {
		select {
		case <-done:
			return nil
		case <-interrupt:
			log.Println("interrupt")

			if err := bot.leave(); err != nil {
				return err
			}

			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil
		}
	}
}

func (bot *Bot) readRPC(conn *websocket.Conn) error {
	_, message, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	parsed, err := rpc.RpcFromReader(bytes.NewReader(message))
	if err != nil {
		return err
	}

	switch m := parsed.(type) {
	case *rpc.JoinedRpc:
		log.Printf("joined session %s as peer %s, %d peers present", m.Params.SessionID, m.Params.Peer.ID, len(m.Params.Roster))
		if err := bot.createPeerConnection(); err != nil {
			return err
		}
		return bot.writeRPC(rpc.NewRtpCapabilitiesRequestRpc())
	case *rpc.RtpCapabilitiesRpc:
		if m.IsRequest() {
			return nil
		}
		log.Printf("got router capabilities, %d producers live", len(m.Params.Producers))
		return bot.writeRPC(rpc.NewCreateTransportRpc("send"))
	case *rpc.TransportCreatedRpc:
		if m.Params.Direction != "send" {
			return nil
		}
		return bot.publishTransport(m.Params)
	case *rpc.TransportConnectedRpc:
		log.Printf("transport %s connected", m.Params.TransportID)
	case *rpc.ProducerCreatedRpc:
		log.Printf("producer %s created", m.Params.ProducerID)
		return bot.writeRPC(rpc.NewToggleRpc(rpc.ToggleVideoMethod, true))
	case *rpc.PeerJoinedRpc:
		log.Printf("peer joined: %s", m.Params.Peer.Name)
	case *rpc.PeerLeftRpc:
		log.Printf("peer left: %s", m.Params.PeerID)
	case *rpc.ProducerAddedRpc:
		log.Printf("new %s producer %s from peer %s", m.Params.Kind, m.Params.ID, m.Params.OwnerID)
	case *rpc.PeerToggledRpc:
		log.Printf("peer %s toggled %s=%t", m.Params.PeerID, m.Params.Flag, m.Params.Enabled)
	case *rpc.ErrorRpc:
		return fmt.Errorf("server error: %s", m.Params.Message)
	default:
		log.Printf("ignoring %s", parsed.GetMethod())
	}

	return nil
}

func (bot *Bot) createPeerConnection() error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	})
	if err != nil {
		return err
	}
	bot.peerConnection = pc

	iceConnectedCtx, iceConnectedCtxCancel := context.WithCancel(context.Background())
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("ICE connection state: %s", state.String())
		if state == webrtc.ICEConnectionStateConnected {
			iceConnectedCtxCancel()
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("peer connection state: %s", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			os.Exit(1)
		}
	})

	// The track is added before the server's offer arrives, so the answer
	// binds it to one of the offered video slots.
	videoTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "livemeet-bot")
	if err != nil {
		return err
	}
	bot.videoTrack = videoTrack

	rtpSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		return err
	}

	// Drain RTCP so interceptors such as NACK keep running.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	go bot.streamVideo(iceConnectedCtx)

	return nil
}

// publishTransport answers the server's offer and registers the video
// producer. Produce goes out ahead of the answer so the producer exists by
// the time the first RTP packet lands.
func (bot *Bot) publishTransport(params rpc.TransportCreatedParams) error {
	answer, err := bot.acceptOffer(params.Connection)
	if err != nil {
		return err
	}

	if err := bot.writeRPC(rpc.NewProduceRpc(params.ID, "video", false, nil)); err != nil {
		return err
	}

	return bot.writeRPC(rpc.NewConnectTransportRpc(params.ID, answer))
}

func (bot *Bot) acceptOffer(connection json.RawMessage) (json.RawMessage, error) {
	offer := sdpPayload{}
	if err := json.Unmarshal(connection, &offer); err != nil {
		return nil, err
	}

	if err := bot.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(offer.Type),
		SDP:  offer.SDP,
	}); err != nil {
		return nil, err
	}

	answer, err := bot.peerConnection.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	// non-trickle: the answer must carry every candidate
	gatherComplete := webrtc.GatheringCompletePromise(bot.peerConnection)
	if err := bot.peerConnection.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	local := bot.peerConnection.LocalDescription()
	payload, err := json.Marshal(sdpPayload{Type: local.Type.String(), SDP: local.SDP})
	if err != nil {
		return nil, err
	}

	return payload, nil
}

func (bot *Bot) streamVideo(connected context.Context) {
	file, err := os.Open(bot.videoFile)
	if err != nil {
		log.Printf("open video error: %v", err)
		return
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		log.Printf("read IVF header error: %v", err)
		return
	}

	<-connected.Done()

	log.Println("media connected, streaming")

	// Pace frames at the file's own timebase. A ticker keeps the rate steady
	// even when frame parsing takes time.
	ticker := time.NewTicker(time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000))
	defer ticker.Stop()

	for ; true; <-ticker.C {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			log.Println("video finished, leaving")
			if err := bot.leave(); err != nil {
				log.Printf("leave error: %v", err)
			}
			return
		}
		if err != nil {
			log.Printf("parse frame error: %v", err)
			return
		}

		if err := bot.videoTrack.WriteSample(media.Sample{Data: frame, Duration: time.Second}); err != nil {
			log.Printf("write sample error: %v", err)
			return
		}
	}
}

// leave detaches the peer and starts the close handshake. The read loop ends
// when the server answers the close frame.
func (bot *Bot) leave() error {
	if err := bot.writeRPC(rpc.NewLeaveRpc()); err != nil {
		return err
	}

	bot.writeMu.Lock()
	defer bot.writeMu.Unlock()

	return bot.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (bot *Bot) writeRPC(message rpc.Rpc) error {
	payload, err := message.ToJSON()
	if err != nil {
		return err
	}

	bot.writeMu.Lock()
	defer bot.writeMu.Unlock()

	return bot.websocketConn.WriteMessage(websocket.TextMessage, payload)
}
