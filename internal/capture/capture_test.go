package capture

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowScope/internal/engine"
)

// udpFrame builds a minimal Ethernet+IPv4+UDP frame.
func udpFrame(sport, dport uint16, payloadLen int) []byte {
	frame := make([]byte, 14+20+8+payloadLen)
	binary.BigEndian.PutUint16(frame[12:], 0x0800)

	ip := frame[14:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(20+8+payloadLen))
	ip[8] = 64
	ip[9] = 17
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:], sport)
	binary.BigEndian.PutUint16(udp[2:], dport)
	binary.BigEndian.PutUint16(udp[4:], uint16(8+payloadLen))
	return frame
}

// fakeSource replays canned frames 1ms apart, then reports EOF.
type fakeSource struct {
	frames [][]byte
	i      int
	base   time.Time
	closed bool
}

func (s *fakeSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if s.i >= len(s.frames) {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	data := s.frames[s.i]
	ci := gopacket.CaptureInfo{
		Timestamp:     s.base.Add(time.Duration(s.i) * time.Millisecond),
		CaptureLength: len(data),
		Length:        len(data),
	}
	s.i++
	return data, ci, nil
}

func (s *fakeSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (s *fakeSource) Close()                    { s.closed = true }

func waitForSnapshot(t *testing.T, l *Loop) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Latest() != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no snapshot published before timeout")
}

func TestLoopPublishesSnapshotAndExitsOnEOF(t *testing.T) {
	src := &fakeSource{
		frames: [][]byte{
			udpFrame(5000, 6000, 100),
			udpFrame(5000, 6000, 100),
			udpFrame(5000, 6000, 100),
		},
		base: time.Now(),
	}

	var tapped int
	loop := NewLoop(Options{
		Engine: engine.Config{Intervals: []time.Duration{10 * time.Millisecond}},
		Tick:   time.Millisecond,
		RawTap: func(gopacket.CaptureInfo, []byte) { tapped++ },
	}, func() (Source, error) { return src, nil })

	require.NoError(t, loop.Start(context.Background()))
	waitForSnapshot(t, loop)

	tf := loop.Latest()
	assert.Equal(t, 1, tf.FlowCount)

	// The source is exhausted after the first burst; the loop closes it
	// and exits on its own.
	loop.Stop()
	assert.True(t, src.closed)
	assert.Equal(t, 3, tapped)
	assert.Nil(t, loop.Latest(), "Stop must reset the published snapshot")
}

func TestLoopRejectsDoubleStart(t *testing.T) {
	loop := NewLoop(Options{}, func() (Source, error) {
		return &fakeSource{base: time.Now()}, nil
	})
	require.NoError(t, loop.Start(context.Background()))
	assert.Error(t, loop.Start(context.Background()))
	loop.Stop()
}

func TestLoopRestartGetsFreshSource(t *testing.T) {
	opened := 0
	loop := NewLoop(Options{}, func() (Source, error) {
		opened++
		return &fakeSource{base: time.Now()}, nil
	})

	require.NoError(t, loop.Start(context.Background()))
	require.NoError(t, loop.Restart(context.Background()))
	loop.Stop()
	assert.Equal(t, 2, opened)
}

func TestLoopCountersWhenStopped(t *testing.T) {
	loop := NewLoop(Options{}, func() (Source, error) {
		return &fakeSource{base: time.Now()}, nil
	})
	assert.Zero(t, loop.Counters())
}
