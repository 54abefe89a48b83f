package engine

import (
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"FlowScope/internal/decode"
	"FlowScope/internal/model"
	"FlowScope/internal/timeutil"
)

func withAssertions(t *testing.T) {
	t.Helper()
	AssertOnViolation = true
	t.Cleanup(func() { AssertOnViolation = false })
}

func v4(a, b, c, d byte) model.Address {
	return model.V4Addr([4]byte{a, b, c, d})
}

func udpFlow(srcLast byte, sport, dport uint16) model.Flow {
	return model.Flow{
		Ethertype: model.EthertypeIPv4,
		Src:       v4(10, 0, 0, srcLast),
		Dst:       v4(10, 0, 0, 100),
		SPort:     sport,
		DPort:     dport,
		Proto:     model.ProtoUDP,
	}
}

func udpPacket(f model.Flow, bytes int64, ts timeutil.Usecs) *decode.Packet {
	return &decode.Packet{Flow: f, Bytes: bytes, Packets: 1, Timestamp: ts, L4Offset: -1}
}

func tcpPacket(f model.Flow, tf decode.TCPFields, bytes int64, ts timeutil.Usecs) *decode.Packet {
	return &decode.Packet{Flow: f, Bytes: bytes, Packets: 1, Timestamp: ts, TCP: &tf, L4Offset: -1}
}

func mustEnqueue(t *testing.T, e *Engine, pkt *decode.Packet) {
	t.Helper()
	if !e.Enqueue(pkt, nil) {
		t.Fatalf("enqueue dropped packet for %v", pkt.Flow)
	}
}

func rowFor(t *testing.T, tf *model.TopFlows, f model.Flow) *model.FlowRecord {
	t.Helper()
	for i := range tf.Entries {
		if tf.Entries[i][0].Flow == f {
			return &tf.Entries[i][0]
		}
	}
	t.Fatalf("no row for %v in %d entries", f, len(tf.Entries))
	return nil
}

func TestSnapshotRates(t *testing.T) {
	withAssertions(t)
	e := New(Config{
		Intervals: []time.Duration{500 * time.Millisecond},
		RefWindow: 5 * time.Second,
	}, 0)

	f := udpFlow(1, 5000, 6000)
	mustEnqueue(t, e, udpPacket(f, 1000, 100))
	if n := e.ProcessPending(16); n != 1 {
		t.Fatalf("ProcessPending = %d, want 1", n)
	}

	wall := time.Now()
	tf := e.Snapshot(600000, wall)

	if tf.FlowCount != 1 {
		t.Fatalf("FlowCount = %d, want 1", tf.FlowCount)
	}
	// 1000 bytes over the 5s reference window.
	if tf.TotalBytesPS != 200 {
		t.Errorf("TotalBytesPS = %d, want 200", tf.TotalBytesPS)
	}
	if !tf.WallTime.Equal(wall) || tf.Timestamp != 600000 {
		t.Errorf("snapshot stamped %v/%d", tf.WallTime, tf.Timestamp)
	}
	if len(tf.Intervals) != 1 || tf.Intervals[0] != 500*time.Millisecond {
		t.Fatalf("Intervals = %v", tf.Intervals)
	}

	if len(tf.Entries) != 1 || len(tf.Entries[0]) != 1 {
		t.Fatalf("Entries shape = %d rows", len(tf.Entries))
	}
	rec := tf.Entries[0][0]
	if rec.Flow != f {
		t.Fatalf("ranked flow = %v, want %v", rec.Flow, f)
	}
	// 1000 bytes / 1 packet in a closed 500ms window.
	if rec.Bytes != 2000 {
		t.Errorf("interval byte rate = %d, want 2000", rec.Bytes)
	}
	if rec.Packets != 2 {
		t.Errorf("interval packet rate = %d, want 2", rec.Packets)
	}
}

func TestSnapshotEmpty(t *testing.T) {
	withAssertions(t)
	e := New(Config{}, 0)

	tf := e.Snapshot(timeutil.FromDuration(2*time.Second), time.Now())
	if tf.FlowCount != 0 || len(tf.Entries) != 0 {
		t.Fatalf("empty snapshot has %d flows, %d entries", tf.FlowCount, len(tf.Entries))
	}
	if tf.TotalBytesPS != 0 || tf.TotalPacketsPS != 0 {
		t.Fatalf("empty snapshot rates %d/%d", tf.TotalBytesPS, tf.TotalPacketsPS)
	}
}

func TestIntervalsRotateIndependently(t *testing.T) {
	withAssertions(t)
	e := New(Config{
		Intervals: []time.Duration{5 * time.Millisecond, 50 * time.Millisecond},
	}, 0)

	f := udpFlow(1, 5000, 6000)
	mustEnqueue(t, e, udpPacket(f, 100, 1000))
	e.ProcessPending(1)

	// At 60ms the 5ms window holding the packet has long been replaced
	// by empty ones, while the 50ms window just closed with it inside.
	tf := e.Snapshot(timeutil.FromDuration(60*time.Millisecond), time.Now())
	if len(tf.Entries) != 1 {
		t.Fatalf("Entries = %d rows", len(tf.Entries))
	}
	row := tf.Entries[0]
	if row[0].Bytes != 0 {
		t.Errorf("finest interval rate = %d, want 0", row[0].Bytes)
	}
	if row[1].Bytes != 2000 {
		t.Errorf("50ms interval rate = %d, want 2000", row[1].Bytes)
	}

	// Each finest rotation contributed one PPS sample.
	if row[0].PPS.Samples != 11 {
		t.Errorf("PPS samples = %d, want 11", row[0].PPS.Samples)
	}
}

func TestPPSAndIPGDistributions(t *testing.T) {
	withAssertions(t)
	e := New(Config{
		Intervals: []time.Duration{5 * time.Millisecond},
	}, 0)

	f := udpFlow(1, 5000, 6000)
	for i := 0; i < 5; i++ {
		mustEnqueue(t, e, udpPacket(f, 40, timeutil.Usecs(1000+100*i)))
	}
	e.ProcessPending(16)

	tf := e.Snapshot(timeutil.FromDuration(6*time.Millisecond), time.Now())
	rec := tf.Entries[0][0]

	// 5 packets in one 5ms tick is a 1000 pps sample.
	if rec.PPS.Samples != 1 {
		t.Fatalf("PPS samples = %d, want 1", rec.PPS.Samples)
	}
	if rec.PPS.Hist[model.Log12Bucket(1000)] != 1 {
		t.Errorf("PPS hist = %v", rec.PPS.Hist)
	}
	if rec.PPS.Sum != 1000 {
		t.Errorf("PPS sum = %d, want 1000", rec.PPS.Sum)
	}

	// Four 100us gaps between five packets.
	if rec.IPG.Samples != 4 || rec.IPG.MeanUs != 100 {
		t.Fatalf("IPG samples/mean = %d/%d", rec.IPG.Samples, rec.IPG.MeanUs)
	}
	if rec.IPG.Hist[model.Log12Bucket(100)] != 4 {
		t.Errorf("IPG hist = %v", rec.IPG.Hist)
	}

	// All frames were 40B; no payload samples without an L4 offset.
	if rec.PktSize.FrameSamples != 5 || rec.PktSize.FrameMin != 40 || rec.PktSize.FrameMax != 40 {
		t.Errorf("frame size stats = %+v", rec.PktSize)
	}
	if rec.PktSize.PayloadSamples != 0 || rec.PktSize.PayloadMin != 0 {
		t.Errorf("payload size stats = %+v", rec.PktSize)
	}
}

func TestTopNOrderingAndTieBreak(t *testing.T) {
	withAssertions(t)
	e := New(Config{TopN: 2}, 0)

	big := udpFlow(3, 5000, 6000)
	tieA := udpFlow(1, 5000, 6000)
	tieB := udpFlow(2, 5000, 6000)

	mustEnqueue(t, e, udpPacket(tieB, 1000, 100))
	mustEnqueue(t, e, udpPacket(big, 3000, 200))
	mustEnqueue(t, e, udpPacket(tieA, 1000, 300))
	e.ProcessPending(16)

	tf := e.Snapshot(1000, time.Now())
	if tf.FlowCount != 3 {
		t.Fatalf("FlowCount = %d, want 3", tf.FlowCount)
	}
	if len(tf.Entries) != 2 {
		t.Fatalf("Entries = %d rows, want TopN 2", len(tf.Entries))
	}
	if tf.Entries[0][0].Flow != big {
		t.Errorf("rank 0 = %v, want %v", tf.Entries[0][0].Flow, big)
	}
	// Equal byte counts fall back to the flow's string form.
	if tf.Entries[1][0].Flow != tieA {
		t.Errorf("rank 1 = %v, want %v", tf.Entries[1][0].Flow, tieA)
	}
}

func TestRingOverflowCountsDrops(t *testing.T) {
	e := New(Config{RingPower: 2}, 0)
	f := udpFlow(1, 5000, 6000)

	for i := 0; i < 4; i++ {
		mustEnqueue(t, e, udpPacket(f, 100, timeutil.Usecs(i)))
	}
	for i := 0; i < 2; i++ {
		if e.Enqueue(udpPacket(f, 100, 100), nil) {
			t.Fatalf("enqueue %d succeeded on a full ring", i)
		}
	}

	if e.PendingPackets() != 4 {
		t.Errorf("PendingPackets = %d, want 4", e.PendingPackets())
	}
	if c := e.Counters(); c.RingDrops != 2 {
		t.Errorf("RingDrops = %d, want 2", c.RingDrops)
	}
}

func TestProcessPendingHonorsCap(t *testing.T) {
	e := New(Config{}, 0)
	f := udpFlow(1, 5000, 6000)
	for i := 0; i < 5; i++ {
		mustEnqueue(t, e, udpPacket(f, 100, timeutil.Usecs(i)))
	}

	if n := e.ProcessPending(2); n != 2 {
		t.Fatalf("ProcessPending = %d, want 2", n)
	}
	if e.PendingPackets() != 3 {
		t.Errorf("PendingPackets = %d, want 3", e.PendingPackets())
	}
	if n := e.ProcessPending(100); n != 3 {
		t.Fatalf("drain = %d, want 3", n)
	}
}

func TestMaxFlowsCountsTableDrops(t *testing.T) {
	withAssertions(t)
	e := New(Config{MaxFlows: 2}, 0)

	for i := byte(1); i <= 3; i++ {
		mustEnqueue(t, e, udpPacket(udpFlow(i, 5000, 6000), 100, 100))
	}
	e.ProcessPending(16)

	if e.FlowCount() != 2 {
		t.Errorf("FlowCount = %d, want 2", e.FlowCount())
	}
	if c := e.Counters(); c.TableDrops != 1 {
		t.Errorf("TableDrops = %d, want 1", c.TableDrops)
	}
}

func TestExpiryRemovesIdleFlows(t *testing.T) {
	withAssertions(t)
	e := New(Config{RefWindow: time.Second}, 0)

	idle := udpFlow(1, 5000, 6000)
	live := udpFlow(2, 5000, 6000)
	mustEnqueue(t, e, udpPacket(idle, 1000, 0))
	e.ProcessPending(1)
	mustEnqueue(t, e, udpPacket(live, 500, timeutil.FromDuration(2500*time.Millisecond)))
	e.ProcessPending(1)

	tf := e.Snapshot(timeutil.FromDuration(2600*time.Millisecond), time.Now())
	if tf.FlowCount != 1 {
		t.Fatalf("FlowCount = %d, want 1", tf.FlowCount)
	}
	if tf.Entries[0][0].Flow != live {
		t.Errorf("surviving flow = %v, want %v", tf.Entries[0][0].Flow, live)
	}
	// Totals track the surviving flow only.
	if tf.TotalBytesPS != 500 {
		t.Errorf("TotalBytesPS = %d, want 500", tf.TotalBytesPS)
	}
}

// A continuously active flow must report only the bytes still inside
// the reference window, not lifetime totals.
func TestSlidingWindowSubtractsAgedPackets(t *testing.T) {
	withAssertions(t)
	e := New(Config{
		Intervals: []time.Duration{100 * time.Millisecond},
		RefWindow: time.Second,
	}, 0)

	// 100 bytes every 100ms for 3 seconds.
	f := udpFlow(1, 5000, 6000)
	for i := 0; i < 30; i++ {
		mustEnqueue(t, e, udpPacket(f, 100, timeutil.Usecs(i)*100000))
		e.ProcessPending(1)
	}

	tf := e.Snapshot(timeutil.FromDuration(3*time.Second), time.Now())
	if tf.FlowCount != 1 {
		t.Fatalf("FlowCount = %d, want 1", tf.FlowCount)
	}
	// Only the ten packets of the last second are still in the window.
	if tf.TotalBytesPS != 1000 {
		t.Errorf("TotalBytesPS = %d, want 1000", tf.TotalBytesPS)
	}
	if tf.TotalPacketsPS != 10 {
		t.Errorf("TotalPacketsPS = %d, want 10", tf.TotalPacketsPS)
	}
	rowFor(t, tf, f)

	// Once every contribution has aged out the flow disappears and the
	// totals return to zero.
	e.Expire(timeutil.FromDuration(5 * time.Second))
	if e.FlowCount() != 0 {
		t.Fatalf("FlowCount after full expiry = %d, want 0", e.FlowCount())
	}
	tf = e.Snapshot(timeutil.FromDuration(5*time.Second)+1, time.Now())
	if tf.TotalBytesPS != 0 || tf.TotalPacketsPS != 0 {
		t.Errorf("drained totals = %d/%d, want 0/0", tf.TotalBytesPS, tf.TotalPacketsPS)
	}
}

func TestErrorCounters(t *testing.T) {
	e := New(Config{}, 0)
	e.NoteDecodeError()
	e.NoteDecodeError()
	e.NoteDeadlineMiss(3)

	c := e.Counters()
	if c.DecodeErrors != 2 || c.DeadlineMisses != 3 {
		t.Errorf("counters = %+v", c)
	}
}

func TestZeroWindowAttributedToReverseFlow(t *testing.T) {
	withAssertions(t)
	e := New(Config{Intervals: []time.Duration{10 * time.Millisecond}}, 0)

	f := model.Flow{
		Ethertype: model.EthertypeIPv4,
		Src:       v4(10, 0, 0, 1),
		Dst:       v4(10, 0, 0, 2),
		SPort:     5000,
		DPort:     80,
		Proto:     model.ProtoTCP,
	}
	r := f.Reverse()

	// A sends data; B answers with a zero-window advertisement. The
	// advert constrains A, so the marker must land on A's row.
	mustEnqueue(t, e, tcpPacket(f, decode.TCPFields{Seq: 1000, Flags: 0x18, Window: 1000, PayloadLen: 10, HeaderLen: 20}, 70, 1000))
	mustEnqueue(t, e, tcpPacket(r, decode.TCPFields{Seq: 5000, Ack: 1010, Flags: 0x10, Window: 0, HeaderLen: 20}, 54, 2000))
	e.ProcessPending(16)

	tf := e.Snapshot(timeutil.FromDuration(20*time.Millisecond), time.Now())

	var fwd, rev *model.FlowRecord
	for i := range tf.Entries {
		switch tf.Entries[i][0].Flow {
		case f:
			fwd = &tf.Entries[i][0]
		case r:
			rev = &tf.Entries[i][0]
		}
	}
	if fwd == nil || rev == nil {
		t.Fatalf("missing rows in %d entries", len(tf.Entries))
	}

	if fwd.Window.RecentEvents&model.EventZeroWindow == 0 {
		t.Errorf("forward row events = %#x, want zero-window", fwd.Window.RecentEvents)
	}
	if fwd.Window.ZeroWindowCnt != 1 {
		t.Errorf("forward ZeroWindowCnt = %d, want 1", fwd.Window.ZeroWindowCnt)
	}
	if fwd.Window.Flags&model.WindowFlagZeroSeen == 0 {
		t.Errorf("forward flags = %#x, want zero-seen", fwd.Window.Flags)
	}
	if rev.Window.RecentEvents&model.EventZeroWindow != 0 {
		t.Errorf("reverse row events = %#x, zero-window misattributed", rev.Window.RecentEvents)
	}
}

// Three straight intervals of a pinned-low receiver window flag the
// sender's flow as starving; one healthy interval must end the episode
// with a recovered transition instead of latching forever.
func TestStarvationRecoversOnHealthyWindow(t *testing.T) {
	withAssertions(t)
	e := New(Config{Intervals: []time.Duration{5 * time.Millisecond}}, 0)

	f := model.Flow{
		Ethertype: model.EthertypeIPv4,
		Src:       v4(10, 0, 0, 1),
		Dst:       v4(10, 0, 0, 2),
		SPort:     5000,
		DPort:     80,
		Proto:     model.ProtoTCP,
	}
	r := f.Reverse()

	interval := timeutil.FromDuration(5 * time.Millisecond)
	// One data segment from A and one ACK from B per interval, then a
	// rotation. window is B's advert, the one that constrains A.
	step := func(k int, window uint16) {
		base := timeutil.Usecs(k) * interval
		seq := uint32(1000 * (k + 1))
		mustEnqueue(t, e, tcpPacket(f, decode.TCPFields{Seq: seq, Flags: 0x18, Window: 60000, PayloadLen: 10, HeaderLen: 20}, 70, base+1000))
		mustEnqueue(t, e, tcpPacket(r, decode.TCPFields{Seq: 1, Ack: seq + 10, Flags: 0x10, Window: window, HeaderLen: 20}, 54, base+2000))
		e.ProcessPending(16)
		e.RotateIfElapsed(base + interval + 1)
	}

	// A healthy first interval establishes the connection's best window.
	step(0, 60000)
	for k := 1; k <= 3; k++ {
		step(k, 100)
	}
	rec := rowFor(t, e.Snapshot(4*interval+2, time.Now()), f)
	if rec.Window.Flags&model.WindowFlagStarving == 0 {
		t.Fatalf("flags = %#x, want starving", rec.Window.Flags)
	}

	// One interval back at the full window recovers.
	step(4, 60000)
	rec = rowFor(t, e.Snapshot(5*interval+2, time.Now()), f)
	if rec.Window.Flags&model.WindowFlagStarving != 0 {
		t.Errorf("flags = %#x, starving did not clear", rec.Window.Flags)
	}
	if rec.Window.Flags&model.WindowFlagRecovered == 0 {
		t.Errorf("flags = %#x, want recovered", rec.Window.Flags)
	}

	// The recovered marker is a one-interval transition, not a state.
	step(5, 60000)
	rec = rowFor(t, e.Snapshot(6*interval+2, time.Now()), f)
	if rec.Window.Flags != 0 {
		t.Errorf("flags = %#x, want clear", rec.Window.Flags)
	}
}

func TestRTPDetectionAndForward(t *testing.T) {
	withAssertions(t)
	e := New(Config{Intervals: []time.Duration{10 * time.Millisecond}}, 0)

	var forwarded []byte
	e.RTPForward = func(_ model.Flow, b []byte) {
		forwarded = append([]byte(nil), b...)
	}

	// Version 2, PT 96, SSRC 0x1234, H.264 IDR payload.
	rtp := []byte{
		0x80, 96, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x12, 0x34,
		0x65, 0x88, 0x84, 0x00,
	}
	data := append(make([]byte, 8), rtp...)

	f := udpFlow(1, 6970, 50000)
	pkt := &decode.Packet{Flow: f, Bytes: int64(len(data)), Packets: 1, Timestamp: 1000, L4Offset: 0}
	if !e.Enqueue(pkt, data) {
		t.Fatal("enqueue failed")
	}
	e.ProcessPending(1)

	if string(forwarded) != string(rtp) {
		t.Fatalf("forwarded %d bytes, want the %d-byte RTP datagram", len(forwarded), len(rtp))
	}

	tf := e.Snapshot(timeutil.FromDuration(20*time.Millisecond), time.Now())
	rec := tf.Entries[0][0]
	if rec.Video.StreamType != model.StreamRTP || rec.Video.RTP == nil {
		t.Fatalf("video view = %+v", rec.Video)
	}
	if rec.Video.RTP.Codec != model.CodecH264 {
		t.Errorf("codec = %v, want H264", rec.Video.RTP.Codec)
	}
	if rec.Video.RTP.SSRC != 0x1234 {
		t.Errorf("ssrc = %#x, want 0x1234", rec.Video.RTP.SSRC)
	}
	if rec.Video.RTP.KeyframeCount != 1 {
		t.Errorf("keyframes = %d, want 1", rec.Video.RTP.KeyframeCount)
	}
}

// The running totals must stay equal to the reference-table sums across
// arbitrary ingest, expiry and snapshot interleavings. AssertOnViolation
// turns any divergence into a panic.
func TestTotalsInvariantRandomized(t *testing.T) {
	withAssertions(t)
	e := New(Config{
		Intervals: []time.Duration{5 * time.Millisecond, 50 * time.Millisecond},
		RefWindow: time.Second,
		TopN:      5,
	}, 0)

	rng := rand.New(rand.NewSource(1))
	flows := make([]model.Flow, 8)
	for i := range flows {
		flows[i] = udpFlow(byte(i+1), uint16(5000+i), 6000)
	}

	ts := timeutil.Usecs(0)
	for i := 0; i < 600; i++ {
		ts += timeutil.Usecs(rng.Int63n(5000))
		f := flows[rng.Intn(len(flows))]
		mustEnqueue(t, e, udpPacket(f, 40+rng.Int63n(1400), ts))
		e.ProcessPending(4)

		if i%150 == 149 {
			e.Snapshot(ts, time.Now())
		}
	}

	tf := e.Snapshot(ts+1, time.Now())
	if tf.FlowCount != e.FlowCount() {
		t.Errorf("snapshot FlowCount %d != table %d", tf.FlowCount, e.FlowCount())
	}
	if tf.Counters.InvariantSkips != 0 {
		t.Errorf("InvariantSkips = %d", tf.Counters.InvariantSkips)
	}
}

// Decode a raw 80-byte Ethernet+IPv4+TCP frame, run it through the
// engine, and check the ranked snapshot end to end.
func TestDecodeToSnapshot(t *testing.T) {
	withAssertions(t)

	frame := make([]byte, 14+20+20+26)
	binary.BigEndian.PutUint16(frame[12:], 0x0800)
	ip := frame[14:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(len(frame)-14))
	ip[8] = 0x40
	ip[9] = 6
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})
	tcp := ip[20:]
	binary.BigEndian.PutUint16(tcp[0:], 1234)
	binary.BigEndian.PutUint16(tcp[2:], 80)
	tcp[12] = 5 << 4
	tcp[13] = 0x18

	pkt, err := decode.Decode(layers.LinkTypeEthernet, frame, gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, 100*int64(time.Microsecond)),
		CaptureLength: len(frame),
		Length:        len(frame),
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	e := New(Config{Intervals: []time.Duration{100 * time.Millisecond}}, 0)
	if !e.Enqueue(pkt, frame) {
		t.Fatal("enqueue dropped the packet")
	}
	if n := e.ProcessPending(16); n != 1 {
		t.Fatalf("ProcessPending = %d, want 1", n)
	}

	tf := e.Snapshot(200000, time.Now())
	if tf.FlowCount != 1 {
		t.Fatalf("FlowCount = %d, want 1", tf.FlowCount)
	}
	rec := tf.Entries[0][0]
	if rec.Flow.SPort != 1234 || rec.Flow.DPort != 80 || rec.Flow.Proto != model.ProtoTCP {
		t.Fatalf("ranked flow = %v", rec.Flow)
	}
	// 80 bytes / 1 packet in a closed 100ms window.
	if rec.Bytes != 800 {
		t.Errorf("interval byte rate = %d, want 800", rec.Bytes)
	}
	if rec.Packets != 10 {
		t.Errorf("interval packet rate = %d, want 10", rec.Packets)
	}
}
