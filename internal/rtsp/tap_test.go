package rtsp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowScope/internal/model"
	"FlowScope/internal/timeutil"
)

func controlFlow() model.Flow {
	return model.Flow{
		Ethertype: model.EthertypeIPv4,
		Src:       model.V4Addr([4]byte{192, 168, 1, 10}),
		Dst:       model.V4Addr([4]byte{192, 168, 1, 20}),
		SPort:     51000,
		DPort:     554,
		Proto:     model.ProtoTCP,
	}
}

const describeResponse = "RTSP/1.0 200 OK\r\n" +
	"CSeq: 2\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 300\r\n" +
	"\r\n" +
	"v=0\r\n" +
	"o=- 0 0 IN IP4 192.168.1.20\r\n" +
	"s=Camera\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=fmtp:96 packetization-mode=1;profile-level-id=640028;sprop-parameter-sets=Z2QAKKw=,aO48gA==\r\n"

const setupResponse = "RTSP/1.0 200 OK\r\n" +
	"CSeq: 3\r\n" +
	"Session: 12345678;timeout=60\r\n" +
	"Transport: RTP/AVP;unicast;client_port=50000-50001;server_port=6970-6971;ssrc=AABBCCDD\r\n" +
	"\r\n"

func TestDescribeParsesSDP(t *testing.T) {
	tap := NewTap()
	cf := controlFlow()

	ok := tap.ProcessPacket(cf, []byte("DESCRIBE rtsp://192.168.1.20/stream RTSP/1.0\r\nCSeq: 2\r\n\r\n"), 100)
	require.True(t, ok)

	ok = tap.ProcessPacket(cf.Reverse(), []byte(describeResponse), 200)
	require.True(t, ok)

	// The request created the session under the client->server flow; the
	// response created a separate one under server->client. Media lives
	// on the response's session.
	sess, found := tap.Session(cf.Reverse())
	require.True(t, found)
	assert.Equal(t, StateDescribed, sess.State)
	require.Len(t, sess.Media, 1)

	m := sess.Media[0]
	assert.Equal(t, uint8(96), m.PayloadType)
	assert.Equal(t, model.CodecH264, m.Codec)
	assert.Equal(t, "H264", m.CodecName)
	assert.Equal(t, uint32(90000), m.ClockRate)
	assert.Equal(t, uint8(0x64), m.ProfileIDC)
	assert.Equal(t, uint8(0x28), m.LevelIDC)
	assert.Equal(t, "Z2QAKKw=,aO48gA==", m.SpropParams)

	req, found := tap.Session(cf)
	require.True(t, found)
	assert.Equal(t, "rtsp://192.168.1.20/stream", req.URL)
}

func TestSetupParsesTransport(t *testing.T) {
	tap := NewTap()
	cf := controlFlow().Reverse() // server->client responses

	require.True(t, tap.ProcessPacket(cf, []byte(describeResponse), 100))
	require.True(t, tap.ProcessPacket(cf, []byte(setupResponse), 200))

	sess, _ := tap.Session(cf)
	assert.Equal(t, StateSetup, sess.State)
	assert.Equal(t, "12345678", sess.SessionID)

	m := sess.Media[0]
	assert.Equal(t, uint16(50000), m.ClientRTPPort)
	assert.Equal(t, uint16(50001), m.ClientRTCPPort)
	assert.Equal(t, uint16(6970), m.ServerRTPPort)
	assert.Equal(t, uint16(6971), m.ServerRTCPPort)
	assert.Equal(t, uint32(0xAABBCCDD), m.SSRC)
}

func TestPlayPauseTeardown(t *testing.T) {
	tap := NewTap()
	cf := controlFlow()

	require.True(t, tap.ProcessPacket(cf, []byte("PLAY rtsp://x/ RTSP/1.0\r\n\r\n"), 100))
	sess, _ := tap.Session(cf)
	assert.Equal(t, StatePlaying, sess.State)

	require.True(t, tap.ProcessPacket(cf, []byte("PAUSE rtsp://x/ RTSP/1.0\r\n\r\n"), 200))
	assert.Equal(t, StatePaused, sess.State)

	require.True(t, tap.ProcessPacket(cf, []byte("TEARDOWN rtsp://x/ RTSP/1.0\r\n\r\n"), 300))
	assert.Equal(t, StateTeardown, sess.State)

	// Teardown sessions are removed on the next cleanup.
	tap.Cleanup(400, DefaultSessionTimeout)
	assert.Equal(t, 0, tap.SessionCount())
}

func TestNonRTSPPayloadIgnored(t *testing.T) {
	tap := NewTap()
	cf := controlFlow()

	assert.False(t, tap.ProcessPacket(cf, []byte("GET / HTTP/1.1\r\n\r\n"), 100))
	assert.False(t, tap.ProcessPacket(cf, nil, 100))
	assert.False(t, tap.ProcessPacket(cf, []byte("xx"), 100))
	assert.Equal(t, 0, tap.SessionCount())

	// Error responses are not state transitions.
	assert.False(t, tap.ProcessPacket(cf, []byte("RTSP/1.0 404 Not Found\r\n\r\n"), 100))
}

func TestSessionTableBounded(t *testing.T) {
	tap := NewTap()
	base := controlFlow()

	for i := 0; i < MaxSessions+10; i++ {
		f := base
		f.SPort = uint16(50000 + i)
		tap.ProcessPacket(f, []byte("OPTIONS rtsp://x/ RTSP/1.0\r\n\r\n"), 100)
	}
	assert.Equal(t, MaxSessions, tap.SessionCount())
}

func TestIdleSessionExpiry(t *testing.T) {
	tap := NewTap()
	cf := controlFlow()

	tap.ProcessPacket(cf, []byte("PLAY rtsp://x/ RTSP/1.0\r\n\r\n"), 0)
	tap.Cleanup(timeutil.FromDuration(30*time.Second), DefaultSessionTimeout)
	assert.Equal(t, 1, tap.SessionCount())

	tap.Cleanup(timeutil.FromDuration(61*time.Second), DefaultSessionTimeout)
	assert.Equal(t, 0, tap.SessionCount())
}

func TestFindMediaForRTP(t *testing.T) {
	tap := NewTap()
	cf := controlFlow().Reverse()

	require.True(t, tap.ProcessPacket(cf, []byte(describeResponse), 100))
	require.True(t, tap.ProcessPacket(cf, []byte(setupResponse), 200))

	// Match by SSRC regardless of addressing.
	rtpFlow := model.Flow{
		Ethertype: model.EthertypeIPv4,
		Src:       model.V4Addr([4]byte{192, 168, 1, 20}),
		Dst:       model.V4Addr([4]byte{192, 168, 1, 10}),
		SPort:     6970,
		DPort:     50000,
		Proto:     model.ProtoUDP,
	}
	m := tap.FindMediaForRTP(rtpFlow, 0xAABBCCDD)
	require.NotNil(t, m)
	assert.Equal(t, model.CodecH264, m.Codec)

	// Match by negotiated server port when the SSRC is unknown.
	m = tap.FindMediaForRTP(rtpFlow, 0x11111111)
	require.NotNil(t, m)

	// Neither SSRC nor port matches.
	other := rtpFlow
	other.SPort = 9000
	assert.Nil(t, tap.FindMediaForRTP(other, 0x11111111))

	// Linking records the flow and enables state lookup.
	m.LinkRTPFlow(rtpFlow)
	tap.ProcessPacket(cf.Reverse(), []byte("PLAY rtsp://x/ RTSP/1.0\r\n\r\n"), 300)
	// The PLAY went to the request-direction session; state for the RTP
	// flow still comes from the session holding the media.
	assert.Equal(t, StateSetup, tap.SessionStateForRTP(rtpFlow))
	assert.Equal(t, StateSetup, tap.SessionStateForRTP(rtpFlow.Reverse()))
}

func TestMultipleMediaBounded(t *testing.T) {
	tap := NewTap()
	cf := controlFlow().Reverse()

	for i := 0; i < MaxMedia+2; i++ {
		require.True(t, tap.ProcessPacket(cf, []byte(describeResponse), 100))
	}
	sess, _ := tap.Session(cf)
	assert.Len(t, sess.Media, MaxMedia)
}

func TestSDPWithoutVideoIgnored(t *testing.T) {
	audioOnly := strings.Replace(describeResponse, "m=video 0 RTP/AVP 96", "m=audio 0 RTP/AVP 0", 1)
	tap := NewTap()
	cf := controlFlow().Reverse()

	require.True(t, tap.ProcessPacket(cf, []byte(audioOnly), 100))
	sess, _ := tap.Session(cf)
	assert.Empty(t, sess.Media)
	assert.Equal(t, StateInit, sess.State)
}
