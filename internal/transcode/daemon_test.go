package transcode

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "transcode.stop.rec-1", stopSubject("rec-1"))
	assert.Equal(t, "transcode.events.rec-1", eventsSubject("rec-1"))
}

func TestSdpDescription(t *testing.T) {
	sdp := sdpDescription(40000, 40002)

	assert.Contains(t, sdp, "c=IN IP4 127.0.0.1")
	assert.Contains(t, sdp, "m=audio 40000 RTP/AVP 111")
	assert.Contains(t, sdp, "a=rtpmap:111 opus/48000/2")
	assert.Contains(t, sdp, "m=video 40002 RTP/AVP 96")
	assert.Contains(t, sdp, "a=rtpmap:96 VP8/90000")
	assert.Contains(t, sdp, "a=rtpmap:125 H264/90000")
}

func TestSendProbes(t *testing.T) {
	t.Run("probes arrive from the sender's own port", func(t *testing.T) {
		endpoint, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
		require.NoError(t, err)
		defer endpoint.Close()

		sender, err := bindLoopback()
		require.NoError(t, err)
		defer sender.Close()

		require.NoError(t, sendProbes(sender, endpoint.LocalAddr().(*net.UDPAddr).Port))

		require.NoError(t, endpoint.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, 64)
		n, addr, err := endpoint.ReadFromUDP(buf)
		require.NoError(t, err)

		assert.Equal(t, "livemeet", string(buf[:n]))
		assert.Equal(t, localPort(sender), addr.Port)
	})
}
