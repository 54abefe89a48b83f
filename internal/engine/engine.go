// Package engine owns all per-flow aggregation state: the sliding
// reference table used for top-N ranking and totals (with a FIFO ring
// of per-packet deltas so aged contributions are subtracted again),
// the packet ring between the capture callback and the accounting
// path, one incomplete/complete table pair per configured interval,
// and the protocol sub-trackers (TCP RTT and window, RTSP, video).
// All of it is owned by the capture goroutine; the only
// cross-goroutine surface is the TopFlows snapshot the caller
// publishes.
package engine

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"FlowScope/internal/decode"
	"FlowScope/internal/model"
	"FlowScope/internal/rtsp"
	"FlowScope/internal/tcp"
	"FlowScope/internal/timeutil"
	"FlowScope/internal/video"
)

// AssertOnViolation makes bookkeeping-invariant violations panic
// instead of skip-and-count. Tests set it; production leaves it off so
// remote packet data can never crash the process through an internal
// consistency bug.
var AssertOnViolation = false

const rtspPort = 554

// Config is the engine's tuning surface. Intervals must be ascending;
// Intervals[0] is the finest and drives PPS sampling and the
// window-condition hysteresis.
type Config struct {
	Intervals   []time.Duration
	RefWindow   time.Duration
	RingPower   uint
	TopN        int
	MaxFlows    int
	TCPExpiry   time.Duration
	VideoExpiry time.Duration
	RTSPTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Intervals) == 0 {
		c.Intervals = []time.Duration{time.Second}
	}
	if c.RefWindow == 0 {
		c.RefWindow = 5 * time.Second
	}
	if c.RingPower == 0 {
		c.RingPower = 12
	}
	if c.TopN == 0 {
		c.TopN = 10
	}
	if c.MaxFlows == 0 {
		c.MaxFlows = 16384
	}
	if c.TCPExpiry == 0 {
		c.TCPExpiry = 30 * time.Second
	}
	if c.VideoExpiry == 0 {
		c.VideoExpiry = 30 * time.Second
	}
	if c.RTSPTimeout == 0 {
		c.RTSPTimeout = rtsp.DefaultSessionTimeout
	}
}

// Counters are the operator-facing drop/error counters. Atomics so the
// metrics endpoint can read them from another goroutine.
type Counters struct {
	DecodeErrors   atomic.Uint64
	RingDrops      atomic.Uint64
	TableDrops     atomic.Uint64
	DeadlineMisses atomic.Uint64
	InvariantSkips atomic.Uint64
}

func (c *Counters) snapshot() model.CounterSnapshot {
	return model.CounterSnapshot{
		DecodeErrors:   c.DecodeErrors.Load(),
		RingDrops:      c.RingDrops.Load(),
		TableDrops:     c.TableDrops.Load(),
		DeadlineMisses: c.DeadlineMisses.Load(),
		InvariantSkips: c.InvariantSkips.Load(),
	}
}

// refEntry is one flow's sliding-window accumulator plus the
// distributions that survive interval rotation. bytes and packets hold
// only the contributions still inside the reference window; expire
// subtracts each buffered packet as it ages out and deletes the entry
// once both reach zero.
type refEntry struct {
	flow    model.Flow
	bytes   int64
	packets int64

	lastPacket timeutil.Usecs
	ipgHist    [model.IPGHistBuckets]uint32
	ipgSamples uint32
	ipgSumUs   int64

	pktSize model.PktSizeInfo
	pps     model.PPSInfo

	// Packets since the last finest-interval rotation, the raw
	// material for one PPS sample.
	tickPackets uint32

	lowStreak uint8
	starving  bool
	condFlags uint8
}

// intervalEntry accumulates one flow's traffic within one accounting
// interval, plus the congestion events and advertised-window samples
// attributed to it from the reverse direction.
type intervalEntry struct {
	bytes   int64
	packets int64
	events  uint8

	windowMin uint32
	windowMax uint32
}

// newIntervalEntry seeds windowMin to the maximum representable value
// so the first real sample always lowers it.
func newIntervalEntry() *intervalEntry {
	return &intervalEntry{windowMin: math.MaxUint32}
}

// intervalTable is one period-on-period accounting interval. The
// incomplete map accumulates the current window; complete holds the
// previous, frozen window that snapshots read. Rotation is a pointer
// move, not a copy.
type intervalTable struct {
	length     time.Duration
	start, end timeutil.Usecs
	incomplete map[model.Flow]*intervalEntry
	complete   map[model.Flow]*intervalEntry
}

// Engine is the aggregation core. Construct one per capture stream and
// discard it wholesale on restart; nothing here is shared.
type Engine struct {
	cfg    Config
	ring   *packetRing
	window *deltaRing

	ref    map[model.Flow]*refEntry
	totals model.Totals

	intervals []*intervalTable

	rtt   *tcp.RTTTracker
	win   *tcp.WindowTracker
	rtsp  *rtsp.Tap
	video *video.Tracker

	counters Counters

	// RTPForward, when set, receives every detected RTP payload for
	// external relay. Best-effort: called inline, must not block.
	RTPForward func(model.Flow, []byte)
}

// New builds an engine with all interval windows anchored at now.
func New(cfg Config, now timeutil.Usecs) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:    cfg,
		ring:   newPacketRing(cfg.RingPower),
		window: newDeltaRing(cfg.RingPower),
		ref:    make(map[model.Flow]*refEntry),
		rtt:    tcp.NewRTTTracker(),
		win:    tcp.NewWindowTracker(),
		rtsp:   rtsp.NewTap(),
		video:  video.NewTracker(),
	}
	for _, length := range cfg.Intervals {
		e.intervals = append(e.intervals, &intervalTable{
			length:     length,
			start:      now,
			end:        timeutil.Add(now, length),
			incomplete: make(map[model.Flow]*intervalEntry),
			complete:   make(map[model.Flow]*intervalEntry),
		})
	}
	return e
}

// FlowCount returns the number of flows in the reference window.
func (e *Engine) FlowCount() int { return len(e.ref) }

// PendingPackets returns the current ring depth.
func (e *Engine) PendingPackets() int { return e.ring.len() }

// NoteDecodeError counts a packet the decoder rejected.
func (e *Engine) NoteDecodeError() { e.counters.DecodeErrors.Add(1) }

// NoteDeadlineMiss counts a capture tick that overran its deadline.
func (e *Engine) NoteDeadlineMiss(n int) { e.counters.DeadlineMisses.Add(uint64(n)) }

// Counters returns a point-in-time counter view.
func (e *Engine) Counters() model.CounterSnapshot { return e.counters.snapshot() }

// Enqueue copies the packet's L4 option and payload bytes out of the
// capture buffer and queues it for aggregation. Returns false when the
// ring is full and the packet was dropped.
func (e *Engine) Enqueue(pkt *decode.Packet, data []byte) bool {
	ent := ringEntry{pkt: *pkt}

	if pkt.L4Offset >= 0 && pkt.L4Offset < len(data) {
		switch {
		case pkt.TCP != nil:
			optStart := pkt.L4Offset + 20
			optEnd := pkt.L4Offset + pkt.TCP.HeaderLen
			if optEnd > len(data) {
				optEnd = len(data)
			}
			if optStart < optEnd {
				ent.options = append([]byte(nil), data[optStart:optEnd]...)
			}
			payloadStart := pkt.L4Offset + pkt.TCP.HeaderLen
			if payloadStart < len(data) {
				ent.payload = append([]byte(nil), data[payloadStart:]...)
			}
		case pkt.Flow.Proto == model.ProtoUDP:
			payloadStart := pkt.L4Offset + 8
			if payloadStart < len(data) {
				ent.payload = append([]byte(nil), data[payloadStart:]...)
			}
		}
	}

	if !e.ring.push(ent) {
		e.counters.RingDrops.Add(1)
		return false
	}
	return true
}

// ProcessPending drains up to max packets from the ring into the
// tables. The cap exists so a traffic burst cannot starve the
// rotate/snapshot step of the tick it shares.
func (e *Engine) ProcessPending(max int) int {
	n := 0
	for n < max {
		ent, ok := e.ring.pop()
		if !ok {
			break
		}
		e.ingest(ent)
		n++
	}
	return n
}

func (e *Engine) ingest(ent *ringEntry) {
	pkt := &ent.pkt
	ts := pkt.Timestamp
	f := pkt.Flow

	e.Expire(ts)

	ref, ok := e.ref[f]
	if !ok && len(e.ref) >= e.cfg.MaxFlows {
		e.counters.TableDrops.Add(1)
		return
	}

	// The delta must be buffered before anything is accounted: a
	// contribution the window ring cannot hold could never be
	// subtracted again, so the packet contributes nothing at all.
	if !e.window.push(refDelta{flow: f, bytes: pkt.Bytes, packets: pkt.Packets, ts: ts}) {
		e.counters.RingDrops.Add(1)
		return
	}

	if !ok {
		ref = &refEntry{flow: f}
		ref.pktSize.FrameMin = math.MaxUint32
		ref.pktSize.PayloadMin = math.MaxUint32
		e.ref[f] = ref
		e.totals.FlowCount++
	}

	ref.bytes += pkt.Bytes
	ref.packets += pkt.Packets
	ref.tickPackets++
	e.totals.Bytes += pkt.Bytes
	e.totals.Packets += pkt.Packets

	if ref.lastPacket != 0 {
		gap := int64(timeutil.AbsDiff(ts, ref.lastPacket))
		ref.ipgHist[model.Log12Bucket(gap)]++
		ref.ipgSamples++
		ref.ipgSumUs += gap
	}
	ref.lastPacket = ts

	e.updatePktSize(ref, pkt)

	for _, t := range e.intervals {
		ie := t.incomplete[f]
		if ie == nil {
			ie = newIntervalEntry()
			t.incomplete[f] = ie
		}
		ie.bytes += pkt.Bytes
		ie.packets += pkt.Packets
	}

	switch {
	case pkt.TCP != nil:
		e.ingestTCP(ent)
	case f.Proto == model.ProtoUDP:
		e.ingestUDP(ent)
	}
}

// updatePktSize adds one frame-size sample and, when the L4 payload
// length is known, one payload-size sample.
func (e *Engine) updatePktSize(ref *refEntry, pkt *decode.Packet) {
	ps := &ref.pktSize

	frame := uint32(pkt.Bytes)
	ps.FrameHist[model.PktSizeBucket(frame)]++
	ps.FrameSamples++
	ps.FrameSum += uint64(frame)
	ps.FrameSumSq += uint64(frame) * uint64(frame)
	if frame < ps.FrameMin {
		ps.FrameMin = frame
	}
	if frame > ps.FrameMax {
		ps.FrameMax = frame
	}

	payload := int64(-1)
	switch {
	case pkt.TCP != nil:
		payload = int64(pkt.TCP.PayloadLen)
	case pkt.Flow.Proto == model.ProtoUDP && pkt.L4Offset >= 0:
		payload = pkt.Bytes - int64(pkt.L4Offset) - 8
		if payload < 0 {
			payload = 0
		}
	}
	if payload < 0 {
		return
	}
	p := uint32(payload)
	ps.PayloadHist[model.PktSizeBucket(p)]++
	ps.PayloadSamples++
	ps.PayloadSum += uint64(p)
	ps.PayloadSumSq += uint64(p) * uint64(p)
	if p < ps.PayloadMin {
		ps.PayloadMin = p
	}
	if p > ps.PayloadMax {
		ps.PayloadMax = p
	}
}

func (e *Engine) ingestTCP(ent *ringEntry) {
	pkt := &ent.pkt
	f := pkt.Flow
	ts := pkt.Timestamp
	tf := pkt.TCP

	payloadLen := uint32(0)
	if tf.PayloadLen > 0 {
		payloadLen = uint32(tf.PayloadLen)
	}

	e.rtt.ProcessPacket(f, tf.Seq, tf.Ack, tf.Flags, payloadLen, ts)

	events := e.win.ProcessPacket(f, ent.options, tf.Seq, tf.Ack, tf.Flags, tf.Window, payloadLen, ts)
	wnd, hasWnd := e.win.AdvertisedWindow(f)
	if events != 0 || hasWnd {
		// A receiver-advertised condition constrains the opposite
		// sender, so both the event markers and the window samples
		// belong on the reverse flow's row.
		rev := f.Reverse()
		for _, t := range e.intervals {
			ie := t.incomplete[rev]
			if ie == nil {
				ie = newIntervalEntry()
				t.incomplete[rev] = ie
			}
			ie.events |= events
			if hasWnd {
				if wnd < ie.windowMin {
					ie.windowMin = wnd
				}
				if wnd > ie.windowMax {
					ie.windowMax = wnd
				}
			}
		}
	}

	if len(ent.payload) > 0 {
		if f.SPort == rtspPort || f.DPort == rtspPort || e.hasRTSPSession(f) {
			e.rtsp.ProcessPacket(f, ent.payload, ts)
		}
	}
}

func (e *Engine) hasRTSPSession(f model.Flow) bool {
	if _, ok := e.rtsp.Session(f); ok {
		return true
	}
	_, ok := e.rtsp.Session(f.Reverse())
	return ok
}

func (e *Engine) ingestUDP(ent *ringEntry) {
	if len(ent.payload) == 0 {
		return
	}
	f := ent.pkt.Flow
	ts := ent.pkt.Timestamp

	if pkt, ok := video.DetectRTP(ent.payload); ok {
		// Fill in out-of-band codec detail when the stream was set up
		// over an RTSP session we tapped.
		if media := e.rtsp.FindMediaForRTP(f, pkt.SSRC); media != nil {
			media.LinkRTPFlow(f)
			if pkt.Codec == model.CodecUnknown && media.Codec != model.CodecUnknown {
				pkt.Codec = media.Codec
				pkt.CodecSource = model.CodecSourceSDP
			}
			if pkt.ProfileIDC == 0 && media.ProfileIDC != 0 {
				pkt.ProfileIDC = media.ProfileIDC
				pkt.LevelIDC = media.LevelIDC
				pkt.CodecSource = model.CodecSourceSDP
			}
		}
		e.video.ProcessRTP(f, pkt, ts)
		if e.RTPForward != nil {
			e.RTPForward(f, ent.payload)
		}
		return
	}

	if pkt, ok := video.DetectAudioRTP(ent.payload); ok {
		e.video.ProcessRTP(f, pkt, ts)
		if e.RTPForward != nil {
			e.RTPForward(f, ent.payload)
		}
		return
	}

	if tsp, ok := video.DetectMPEGTS(ent.payload); ok {
		e.video.ProcessMPEGTS(f, tsp, ent.payload, ts)
	}
}

// Expire subtracts buffered contributions older than the reference
// window from their flows and the running totals, strictly in arrival
// order, deleting each flow whose counts reach zero. Runs from both
// the ingest and snapshot paths so totals never require a re-scan.
func (e *Engine) Expire(deadline timeutil.Usecs) {
	cutoff := deadline - timeutil.FromDuration(e.cfg.RefWindow)
	for {
		d, ok := e.window.peek()
		if !ok || d.ts >= cutoff {
			return
		}
		ref := e.ref[d.flow]
		if ref == nil {
			// A buffered delta always has a live table entry; its
			// absence is a bookkeeping bug, not bad input.
			if AssertOnViolation {
				panic(fmt.Sprintf("engine: aged contribution for untracked flow %v", d.flow))
			}
			e.counters.InvariantSkips.Add(1)
			e.window.pop()
			continue
		}
		ref.bytes -= d.bytes
		ref.packets -= d.packets
		e.totals.Bytes -= d.bytes
		e.totals.Packets -= d.packets
		if ref.bytes == 0 && ref.packets == 0 {
			delete(e.ref, d.flow)
			e.totals.FlowCount--
		}
		e.window.pop()
	}
}

// RotateIfElapsed promotes each interval whose window has closed:
// incomplete becomes complete by pointer move and a fresh incomplete
// map starts the next window. The finest interval's rotation also
// finalizes one PPS sample per reference flow and re-evaluates the
// window-condition flags, then expires the sub-trackers.
func (e *Engine) RotateIfElapsed(now timeutil.Usecs) {
	for i, t := range e.intervals {
		for now > t.end {
			if i == 0 {
				e.finishFinestInterval(t)
			}
			t.complete = t.incomplete
			t.incomplete = make(map[model.Flow]*intervalEntry)
			t.start = t.end
			t.end = timeutil.Add(t.end, t.length)
		}
	}
}

// finishFinestInterval runs the once-per-finest-tick per-flow work:
// PPS sample finalization and the zero-window/starvation hysteresis.
func (e *Engine) finishFinestInterval(t *intervalTable) {
	intervalUs := int64(timeutil.FromDuration(t.length))
	for f, ref := range e.ref {
		sample := int64(ref.tickPackets) * 1000000 / intervalUs
		ref.pps.Hist[model.Log12Bucket(sample)]++
		ref.pps.Samples++
		ref.pps.Sum += uint64(sample)
		ref.pps.SumSq += uint64(sample) * uint64(sample)
		ref.tickPackets = 0

		if f.Proto != model.ProtoTCP {
			continue
		}

		ie := t.incomplete[f]
		var flags uint8
		if ie != nil && ie.events&model.EventZeroWindow != 0 {
			flags |= model.WindowFlagZeroSeen
		}

		// The hysteresis runs on this interval's advertised-window
		// samples against the connection's best window so far; an
		// interval with no samples leaves the streak untouched.
		if ie != nil && ie.windowMin != math.MaxUint32 {
			low := false
			if _, max, ok := e.win.MinMaxWindow(f); ok && max > 0 {
				threshold := max / 4
				if threshold < 1460 {
					threshold = 1460
				}
				low = ie.windowMin < threshold
			}
			if low {
				if ref.lowStreak < math.MaxUint8 {
					ref.lowStreak++
				}
				if ref.lowStreak >= 3 {
					ref.starving = true
				}
			} else {
				if ref.starving {
					flags |= model.WindowFlagRecovered
					ref.starving = false
				}
				ref.lowStreak = 0
			}
		}
		if ref.starving {
			flags |= model.WindowFlagStarving
		}
		ref.condFlags = flags
	}

	deadline := t.end
	e.rtt.ExpireOld(deadline, e.cfg.TCPExpiry)
	e.win.ExpireOld(deadline, e.cfg.TCPExpiry)
	e.video.ExpireOld(deadline, e.cfg.VideoExpiry)
	e.rtsp.Cleanup(deadline, e.cfg.RTSPTimeout)
}

// Snapshot runs expiry and rotation, checks the bookkeeping invariant,
// and builds the top-N view: Entries[rank][interval], rates computed
// from each interval's frozen complete table, live telemetry merged
// once at interval 0 and copied across, each interval keeping its own
// event bitmask.
func (e *Engine) Snapshot(now timeutil.Usecs, wall time.Time) *model.TopFlows {
	e.Expire(now)
	e.RotateIfElapsed(now)
	e.checkInvariants()

	ranked := make([]*refEntry, 0, len(e.ref))
	for _, ref := range e.ref {
		ranked = append(ranked, ref)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].bytes != ranked[j].bytes {
			return ranked[i].bytes > ranked[j].bytes
		}
		return ranked[i].flow.String() < ranked[j].flow.String()
	})
	if len(ranked) > e.cfg.TopN {
		ranked = ranked[:e.cfg.TopN]
	}

	refWindowUs := int64(timeutil.FromDuration(e.cfg.RefWindow))
	tf := &model.TopFlows{
		Timestamp:      now,
		WallTime:       wall,
		FlowCount:      len(e.ref),
		TotalBytesPS:   e.totals.Bytes * 1000000 / refWindowUs,
		TotalPacketsPS: e.totals.Packets * 1000000 / refWindowUs,
		Intervals:      append([]time.Duration(nil), e.cfg.Intervals...),
		Entries:        make([][]model.FlowRecord, 0, len(ranked)),
		Counters:       e.counters.snapshot(),
	}

	for _, ref := range ranked {
		base := e.buildRecord(ref)
		row := make([]model.FlowRecord, len(e.intervals))
		for i, t := range e.intervals {
			rec := base
			rec.Bytes, rec.Packets = 0, 0
			rec.Window.RecentEvents = 0
			if ce := t.complete[ref.flow]; ce != nil {
				intervalUs := int64(timeutil.FromDuration(t.length))
				rec.Bytes = ce.bytes * 1000000 / intervalUs
				rec.Packets = ce.packets * 1000000 / intervalUs
				rec.Window.RecentEvents = ce.events
			}
			if i == 0 {
				rec.Window.RecentEvents |= base.Window.RecentEvents
			}
			row[i] = rec
		}
		tf.Entries = append(tf.Entries, row)
	}
	return tf
}

// buildRecord assembles the live telemetry view for one flow. Called
// once per flow per snapshot: the window Info read clears the
// recent-events mask, so a second call would under-report.
func (e *Engine) buildRecord(ref *refEntry) model.FlowRecord {
	rec := model.FlowRecord{Flow: ref.flow}

	rec.IPG.Hist = ref.ipgHist
	rec.IPG.Samples = ref.ipgSamples
	if ref.ipgSamples > 0 {
		rec.IPG.MeanUs = ref.ipgSumUs / int64(ref.ipgSamples)
	}

	rec.PktSize = ref.pktSize
	if rec.PktSize.FrameSamples == 0 {
		rec.PktSize.FrameMin = 0
	}
	if rec.PktSize.PayloadSamples == 0 {
		rec.PktSize.PayloadMin = 0
	}
	rec.PPS = ref.pps

	if ref.flow.Proto == model.ProtoTCP {
		rec.RTT = e.rtt.Info(ref.flow)
		if info, ok := e.win.Info(ref.flow); ok {
			rec.Window = info
		} else {
			rec.Window = model.WindowInfo{RwndBytes: -1, WindowScale: -1}
		}
		rec.Window.Flags = ref.condFlags
		totalPackets := uint32(ref.packets)
		if health, ok := e.rtt.Health(ref.flow, rec.Window.RetransmitCnt, totalPackets, rec.Window.ZeroWindowCnt); ok {
			rec.Health = health
		}
	} else {
		rec.RTT = model.RTTInfo{RTTUsecs: -1}
		rec.Window = model.WindowInfo{RwndBytes: -1, WindowScale: -1}
	}

	if info, ok := e.video.Info(ref.flow); ok {
		rec.Video = info
	}
	return rec
}

// checkInvariants verifies that the running totals match the table
// contents and are zero exactly when the table is empty.
func (e *Engine) checkInvariants() {
	var sumBytes, sumPackets int64
	for _, ref := range e.ref {
		sumBytes += ref.bytes
		sumPackets += ref.packets
	}

	ok := sumBytes == e.totals.Bytes &&
		sumPackets == e.totals.Packets &&
		len(e.ref) == e.totals.FlowCount
	if ok && len(e.ref) == 0 {
		ok = e.totals.Bytes == 0 && e.totals.Packets == 0
	}
	if ok {
		return
	}

	if AssertOnViolation {
		panic(fmt.Sprintf("engine: totals mismatch: have %+v, table sums bytes=%d packets=%d flows=%d",
			e.totals, sumBytes, sumPackets, len(e.ref)))
	}
	e.counters.InvariantSkips.Add(1)
	e.totals = model.Totals{Bytes: sumBytes, Packets: sumPackets, FlowCount: len(e.ref)}
}
