package tcp

import (
	"time"

	"FlowScope/internal/model"
	"FlowScope/internal/timeutil"
)

// TCP option kinds relevant to window tracking.
const (
	optEOL    = 0
	optNOP    = 1
	optWScale = 3
)

// RFC 7323 maximum window scale.
const maxWindowScale = 14

// Window scale knowledge for one direction. A SYN without the option is
// semantically different from "have not seen the SYN".
type scaleStatus int

const (
	scaleUnknown scaleStatus = iota
	scaleSeen
	scaleNotPresent
)

// windowDirection tracks the advertised window and congestion signals
// for one direction of a connection.
type windowDirection struct {
	rawWindow    uint16
	scaledWindow uint32
	windowScale  uint8
	status       scaleStatus

	minWindow uint32
	maxWindow uint32

	zeroWindowCount uint32
	inZeroWindow    bool
	recoveredAbove  bool

	lastAck      uint32
	dupAckStreak uint32
	dupAckEvents uint32

	highestSeqSeen  uint32
	highestSeqValid bool
	retransmitCount uint32

	eceCount uint32
	cwrCount uint32

	recentEvents uint8
}

// updateWindowStats records the advertised window and detects
// zero-window transitions with recovery hysteresis: after a transition
// to zero, the window must recover above max/20 (floor 1) before a new
// zero-window event is recorded, so persist-timer probe oscillations
// (0->1->0) do not generate an event storm.
func (d *windowDirection) updateWindowStats(rawWindow uint16, flags uint8) uint8 {
	var detected uint8
	d.rawWindow = rawWindow

	scaled := uint32(rawWindow)
	if d.status == scaleSeen {
		scaled = uint32(rawWindow) << d.windowScale
	}
	d.scaledWindow = scaled

	if d.minWindow == 0 && d.maxWindow == 0 {
		d.minWindow = scaled
		d.maxWindow = scaled
	} else {
		if scaled < d.minWindow {
			d.minWindow = scaled
		}
		if scaled > d.maxWindow {
			d.maxWindow = scaled
		}
	}

	if rawWindow == 0 {
		d.zeroWindowCount++
		if !d.inZeroWindow {
			d.inZeroWindow = true
			if d.recoveredAbove {
				d.recentEvents |= model.EventZeroWindow
				detected |= model.EventZeroWindow
				d.recoveredAbove = false
			}
		}
	} else {
		d.inZeroWindow = false
		threshold := d.maxWindow / 20
		if threshold < 1 {
			threshold = 1
		}
		if scaled >= threshold {
			d.recoveredAbove = true
		}
	}

	if flags&flagECE != 0 {
		d.eceCount++
		d.recentEvents |= model.EventECE
		detected |= model.EventECE
	}
	if flags&flagCWR != 0 {
		d.cwrCount++
		d.recentEvents |= model.EventCWR
		detected |= model.EventCWR
	}
	return detected
}

// checkDupAck counts a duplicate-ACK event on the third consecutive
// identical pure ACK (no payload, no SYN/FIN/RST).
func (d *windowDirection) checkDupAck(ack uint32, payloadLen uint32, flags uint8) uint8 {
	if payloadLen > 0 || flags&flagACK == 0 || flags&(flagSYN|flagFIN|flagRST) != 0 {
		d.dupAckStreak = 0
		d.lastAck = ack
		return 0
	}

	if ack == d.lastAck && d.lastAck != 0 {
		d.dupAckStreak++
		if d.dupAckStreak == 3 {
			d.dupAckEvents++
			d.recentEvents |= model.EventDupAck
			return model.EventDupAck
		}
	} else {
		d.dupAckStreak = 0
		d.lastAck = ack
	}
	return 0
}

// checkRetransmit flags payload segments whose sequence number falls
// below the highest already seen (wraparound-safe).
func (d *windowDirection) checkRetransmit(seq uint32, payloadLen uint32, flags uint8) uint8 {
	if payloadLen == 0 || flags&flagSYN != 0 {
		return 0
	}
	if !d.highestSeqValid {
		d.highestSeqSeen = seq + payloadLen
		d.highestSeqValid = true
		return 0
	}

	diff := int32(seq - d.highestSeqSeen)
	if diff < 0 {
		d.retransmitCount++
		d.recentEvents |= model.EventRetransmit
		return model.EventRetransmit
	}
	if diff > 0 {
		d.highestSeqSeen = seq + payloadLen
	}
	return 0
}

type windowEntry struct {
	fwd          windowDirection // lo->hi
	rev          windowDirection // hi->lo
	lastActivity timeutil.Usecs
}

// WindowTracker maintains per-connection advertised-window state and
// congestion-event detection.
type WindowTracker struct {
	table map[model.CanonicalTCPKey]*windowEntry
}

// NewWindowTracker returns an empty tracker.
func NewWindowTracker() *WindowTracker {
	return &WindowTracker{table: make(map[model.CanonicalTCPKey]*windowEntry)}
}

// Len returns the number of tracked connections.
func (t *WindowTracker) Len() int { return len(t.table) }

// parseWindowScale scans TCP options for the window-scale option
// (kind 3, length 3). opts is the option region of the header, already
// clamped to the captured data. Returns -1 when not present.
func parseWindowScale(opts []byte) int {
	i := 0
	for i < len(opts) {
		kind := opts[i]
		if kind == optEOL {
			break
		}
		if kind == optNOP {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			break
		}
		if kind == optWScale && length == 3 {
			scale := int(opts[i+2])
			if scale > maxWindowScale {
				scale = maxWindowScale
			}
			return scale
		}
		i += length
	}
	return -1
}

// ProcessPacket feeds one TCP segment into the tracker. tcpOptions is
// the option region of the header (may be empty or truncated). The
// returned bitmask holds the congestion events detected on this packet;
// the caller attributes them to the reverse flow's interval entry,
// since a receiver-advertised condition constrains the opposite sender.
func (t *WindowTracker) ProcessPacket(f model.Flow, tcpOptions []byte, seq, ack uint32, flags uint8, window uint16, payloadLen uint32, ts timeutil.Usecs) uint8 {
	if f.Proto != model.ProtoTCP {
		return 0
	}

	key, isForward := model.Canonical(f)
	entry, ok := t.table[key]
	if !ok {
		entry = &windowEntry{}
		// Arm the hysteresis so the first zero-window event is recorded.
		entry.fwd.recoveredAbove = true
		entry.rev.recoveredAbove = true
		t.table[key] = entry
	}
	entry.lastActivity = ts

	txDir := &entry.fwd
	if !isForward {
		txDir = &entry.rev
	}

	// The window-scale option is only meaningful on SYN segments.
	if flags&flagSYN != 0 {
		if scale := parseWindowScale(tcpOptions); scale >= 0 {
			txDir.windowScale = uint8(scale)
			txDir.status = scaleSeen
		} else {
			txDir.windowScale = 0
			txDir.status = scaleNotPresent
		}
	}

	var detected uint8
	detected |= txDir.updateWindowStats(window, flags)
	detected |= txDir.checkDupAck(ack, payloadLen, flags)
	detected |= txDir.checkRetransmit(seq, payloadLen, flags)
	return detected
}

// AdvertisedWindow returns the scaled window most recently advertised
// by f's sending direction, for per-interval window accounting.
func (t *WindowTracker) AdvertisedWindow(f model.Flow) (uint32, bool) {
	if f.Proto != model.ProtoTCP {
		return 0, false
	}
	key, isForward := model.Canonical(f)
	entry, ok := t.table[key]
	if !ok {
		return 0, false
	}
	dir := &entry.fwd
	if !isForward {
		dir = &entry.rev
	}
	return dir.scaledWindow, true
}

// Info returns the window view for a flow. The returned state is the
// REVERSE direction's: for flow A->B the interesting window is B's
// advertised window, carried on B->A packets. RecentEvents is
// read-and-cleared (exchange semantics) so one event is reported at
// most once across repeated queries.
func (t *WindowTracker) Info(f model.Flow) (model.WindowInfo, bool) {
	info := model.WindowInfo{RwndBytes: -1, WindowScale: -1}
	if f.Proto != model.ProtoTCP {
		return info, false
	}

	key, isForward := model.Canonical(f)
	entry, ok := t.table[key]
	if !ok {
		return info, false
	}

	dir := &entry.rev
	if !isForward {
		dir = &entry.fwd
	}

	switch dir.status {
	case scaleSeen:
		info.RwndBytes = int64(dir.scaledWindow)
		info.WindowScale = int32(dir.windowScale)
	case scaleNotPresent:
		info.RwndBytes = int64(dir.rawWindow)
		info.WindowScale = 0
	default:
		// Missed the SYN: raw value, scale unknown.
		info.RwndBytes = int64(dir.rawWindow)
		info.WindowScale = -1
	}

	info.ZeroWindowCnt = dir.zeroWindowCount
	info.DupAckCnt = dir.dupAckEvents
	info.RetransmitCnt = dir.retransmitCount
	info.ECECnt = dir.eceCount

	info.RecentEvents = dir.recentEvents
	dir.recentEvents = 0
	return info, true
}

// MinMaxWindow returns the reverse direction's observed min/max scaled
// window for a flow, used by the interval layer's starvation check.
func (t *WindowTracker) MinMaxWindow(f model.Flow) (min, max uint32, ok bool) {
	if f.Proto != model.ProtoTCP {
		return 0, 0, false
	}
	key, isForward := model.Canonical(f)
	entry, found := t.table[key]
	if !found {
		return 0, 0, false
	}
	dir := &entry.rev
	if !isForward {
		dir = &entry.fwd
	}
	return dir.minWindow, dir.maxWindow, true
}

// ExpireOld drops connections idle longer than window before deadline.
func (t *WindowTracker) ExpireOld(deadline timeutil.Usecs, window time.Duration) {
	expiry := deadline - timeutil.FromDuration(window)
	for key, entry := range t.table {
		if entry.lastActivity < expiry {
			delete(t.table, key)
		}
	}
}
