// Package tcp tracks per-connection TCP telemetry: round-trip times and
// connection state (rtt.go), advertised-window and congestion events
// (window.go). Both trackers key on the canonical bidirectional flow
// key so the two directions of a connection share one entry.
package tcp

import (
	"time"

	"FlowScope/internal/model"
	"FlowScope/internal/timeutil"
)

// Maximum outstanding sequence ranges tracked per direction.
const maxSeqEntries = 16

// EWMA weight 1/8, same as classic TCP RTT smoothing.
const rttEWMAAlphaShift = 3

const healthMinSamples = 10

// TCP header flag bits.
const (
	flagFIN = 0x01
	flagSYN = 0x02
	flagRST = 0x04
	flagACK = 0x10
	flagECE = 0x40
	flagCWR = 0x80
)

type seqEntry struct {
	seqEnd uint32 // expected ACK (seq + payload length)
	sentAt timeutil.Usecs
}

// rttDirection holds RTT state for one direction of a connection.
type rttDirection struct {
	pending [maxSeqEntries]seqEntry
	head    int
	count   int

	ewmaUs  int64
	lastUs  int64
	samples uint32
	hist    [model.RTTHistBuckets]uint32
}

// recordSeq remembers an outgoing sequence range, overwriting the
// oldest entry when the buffer is full.
func (d *rttDirection) recordSeq(seq uint32, payloadLen uint32, ts timeutil.Usecs) {
	if payloadLen == 0 {
		return
	}
	var idx int
	if d.count >= maxSeqEntries {
		idx = d.head
		d.head = (d.head + 1) % maxSeqEntries
	} else {
		idx = (d.head + d.count) % maxSeqEntries
		d.count++
	}
	d.pending[idx] = seqEntry{seqEnd: seq + payloadLen, sentAt: ts}
}

// processAck matches an ACK against pending sequence ranges. The last
// (most recently sent) covered entry supplies the RTT sample; all
// entries up to and including it are discarded, per cumulative-ACK
// semantics. Sequence wraparound is handled by the signed comparison.
func (d *rttDirection) processAck(ack uint32, ts timeutil.Usecs) {
	if d.count == 0 {
		return
	}

	matchedIdx := -1
	matchedCount := 0
	for i := 0; i < d.count; i++ {
		idx := (d.head + i) % maxSeqEntries
		if int32(ack-d.pending[idx].seqEnd) >= 0 {
			matchedIdx = idx
			matchedCount = i + 1
		}
	}
	if matchedIdx < 0 {
		return
	}

	rttUs := int64(timeutil.AbsDiff(ts, d.pending[matchedIdx].sentAt))
	if d.samples == 0 {
		d.ewmaUs = rttUs
	} else {
		d.ewmaUs = d.ewmaUs - (d.ewmaUs >> rttEWMAAlphaShift) + (rttUs >> rttEWMAAlphaShift)
	}
	d.lastUs = rttUs
	d.samples++
	d.hist[model.RTTBucket(rttUs)]++

	d.head = (d.head + matchedCount) % maxSeqEntries
	d.count -= matchedCount
}

// rttEntry is one bidirectional connection.
type rttEntry struct {
	fwd          rttDirection // lo->hi
	rev          rttDirection // hi->lo
	lastActivity timeutil.Usecs
	state        model.TCPState
	flagsSeenFwd uint8
	flagsSeenRev uint8
}

// RTTTracker maintains per-connection RTT state and a coarse
// connection-state machine.
type RTTTracker struct {
	table map[model.CanonicalTCPKey]*rttEntry
}

// NewRTTTracker returns an empty tracker.
func NewRTTTracker() *RTTTracker {
	return &RTTTracker{table: make(map[model.CanonicalTCPKey]*rttEntry)}
}

// Len returns the number of tracked connections.
func (t *RTTTracker) Len() int { return len(t.table) }

// ProcessPacket feeds one TCP segment into the tracker.
func (t *RTTTracker) ProcessPacket(f model.Flow, seq, ack uint32, flags uint8, payloadLen uint32, ts timeutil.Usecs) {
	if f.Proto != model.ProtoTCP {
		return
	}

	key, isForward := model.Canonical(f)
	entry, ok := t.table[key]
	if !ok {
		entry = &rttEntry{}
		t.table[key] = entry
	}
	entry.lastActivity = ts

	if isForward {
		entry.flagsSeenFwd |= flags
	} else {
		entry.flagsSeenRev |= flags
	}

	switch {
	case flags&flagRST != 0:
		entry.state = model.TCPStateClosed
	case flags&flagFIN != 0:
		finFwd := entry.flagsSeenFwd&flagFIN != 0
		finRev := entry.flagsSeenRev&flagFIN != 0
		if finFwd && finRev {
			entry.state = model.TCPStateClosed
		} else if entry.state != model.TCPStateClosed {
			entry.state = model.TCPStateFinWait
		}
	case flags&flagSYN != 0:
		if entry.state == model.TCPStateUnknown {
			entry.state = model.TCPStateSynSeen
		}
	case entry.state == model.TCPStateUnknown || entry.state == model.TCPStateSynSeen:
		if payloadLen > 0 {
			entry.state = model.TCPStateActive
		}
	}

	txDir, rxDir := &entry.fwd, &entry.rev
	if !isForward {
		txDir, rxDir = &entry.rev, &entry.fwd
	}

	if payloadLen > 0 {
		txDir.recordSeq(seq, payloadLen, ts)
	}
	if flags&flagACK != 0 {
		rxDir.processAck(ack, ts)
	}
}

// direction returns the tracked direction matching the flow's own
// orientation.
func (t *RTTTracker) direction(f model.Flow) (*rttEntry, *rttDirection) {
	key, isForward := model.Canonical(f)
	entry, ok := t.table[key]
	if !ok {
		return nil, nil
	}
	if isForward {
		return entry, &entry.fwd
	}
	return entry, &entry.rev
}

// EWMA returns the smoothed RTT in microseconds for the flow's
// direction, or -1 when unknown.
func (t *RTTTracker) EWMA(f model.Flow) int64 {
	if f.Proto != model.ProtoTCP {
		return -1
	}
	_, dir := t.direction(f)
	if dir == nil || dir.samples == 0 {
		return -1
	}
	return dir.ewmaUs
}

// Last returns the most recent RTT sample in microseconds, or -1.
func (t *RTTTracker) Last(f model.Flow) int64 {
	if f.Proto != model.ProtoTCP {
		return -1
	}
	_, dir := t.direction(f)
	if dir == nil || dir.samples == 0 {
		return -1
	}
	return dir.lastUs
}

// State returns the connection state for the flow.
func (t *RTTTracker) State(f model.Flow) model.TCPState {
	if f.Proto != model.ProtoTCP {
		return model.TCPStateUnknown
	}
	entry, _ := t.direction(f)
	if entry == nil {
		return model.TCPStateUnknown
	}
	return entry.state
}

// Info returns RTT, state and SYN visibility in one lookup.
func (t *RTTTracker) Info(f model.Flow) model.RTTInfo {
	info := model.RTTInfo{RTTUsecs: -1, State: model.TCPStateUnknown}
	if f.Proto != model.ProtoTCP {
		return info
	}
	entry, dir := t.direction(f)
	if entry == nil {
		return info
	}
	info.State = entry.state
	info.SawSyn = (entry.flagsSeenFwd|entry.flagsSeenRev)&flagSYN != 0
	if dir.samples > 0 {
		info.RTTUsecs = dir.ewmaUs
	}
	return info
}

// Health classifies the connection from its RTT distribution plus the
// loss/window counters supplied by the window tracker. Requires at
// least healthMinSamples RTT samples before moving past Unknown.
func (t *RTTTracker) Health(f model.Flow, retransmitCnt, totalPackets, zeroWindowCnt uint32) (model.HealthInfo, bool) {
	var result model.HealthInfo
	if f.Proto != model.ProtoTCP {
		return result, false
	}
	_, dir := t.direction(f)
	if dir == nil {
		return result, false
	}

	result.RTTHist = dir.hist
	result.RTTSamples = dir.samples
	if dir.samples < healthMinSamples {
		result.Status = model.HealthUnknown
		return result, true
	}

	status := uint8(model.HealthGood)
	raise := func(s uint8) {
		if s > status {
			status = s
		}
	}

	// Tail latency: each histogram bucket spans roughly a doubling, so
	// a p50->p99 spread of 5 buckets is ~32x, 3 buckets ~8x.
	p50 := dir.percentileBucket(50)
	p99 := dir.percentileBucket(99)
	spread := p99 - p50
	if spread >= 5 {
		result.Flags |= model.HealthFlagHighTailLatency
		raise(model.HealthProblem)
	} else if spread >= 3 {
		result.Flags |= model.HealthFlagHighTailLatency
		raise(model.HealthWarning)
	}

	if totalPackets > 0 {
		pct := float64(retransmitCnt) * 100 / float64(totalPackets)
		if pct > 2.0 {
			result.Flags |= model.HealthFlagHighLoss
			raise(model.HealthProblem)
		} else if pct > 0.5 {
			result.Flags |= model.HealthFlagElevatedLoss
			raise(model.HealthWarning)
		}
	}

	if zeroWindowCnt > 3 {
		result.Flags |= model.HealthFlagWindowStarved
		raise(model.HealthProblem)
	} else if zeroWindowCnt > 0 {
		result.Flags |= model.HealthFlagWindowStarved
		raise(model.HealthWarning)
	}

	result.Status = status
	return result, true
}

// percentileBucket returns the histogram bucket containing the given
// percentile of samples.
func (d *rttDirection) percentileBucket(pct uint32) int {
	if d.samples == 0 {
		return 0
	}
	target := (uint64(d.samples)*uint64(pct) + 99) / 100
	if target == 0 {
		target = 1
	}
	var cum uint64
	for i, c := range d.hist {
		cum += uint64(c)
		if cum >= target {
			return i
		}
	}
	return model.RTTHistBuckets - 1
}

// ExpireOld drops connections idle longer than window before deadline.
// Called from both the ingest and snapshot paths so the memory bound
// holds regardless of call pattern.
func (t *RTTTracker) ExpireOld(deadline timeutil.Usecs, window time.Duration) {
	expiry := deadline - timeutil.FromDuration(window)
	for key, entry := range t.table {
		if entry.lastActivity < expiry {
			delete(t.table, key)
		}
	}
}
