package engine

import (
	"FlowScope/internal/decode"
	"FlowScope/internal/model"
	"FlowScope/internal/timeutil"
)

// ringEntry is one decoded packet queued for aggregation, with the L4
// option and payload bytes copied out of the capture buffer so the
// entry stays valid after the capture library reuses it.
type ringEntry struct {
	pkt     decode.Packet
	options []byte
	payload []byte
}

// packetRing is a single-producer single-consumer ring of decoded
// packets. Capacity is a power of two so the indices wrap by masking.
// When the ring is full the producer drops the packet rather than
// blocking the capture path; the caller counts the drop.
type packetRing struct {
	entries []ringEntry
	mask    uint64
	head    uint64 // next slot to pop
	tail    uint64 // next slot to push
}

func newPacketRing(power uint) *packetRing {
	size := uint64(1) << power
	return &packetRing{
		entries: make([]ringEntry, size),
		mask:    size - 1,
	}
}

func (r *packetRing) len() int { return int(r.tail - r.head) }

// push queues one entry, returning false when the ring is full.
func (r *packetRing) push(e ringEntry) bool {
	if r.tail-r.head > r.mask {
		return false
	}
	r.entries[r.tail&r.mask] = e
	r.tail++
	return true
}

// pop removes the oldest entry. The returned pointer is only valid
// until the slot is overwritten, which cannot happen before the next
// push from the same goroutine.
func (r *packetRing) pop() (*ringEntry, bool) {
	if r.head == r.tail {
		return nil, false
	}
	e := &r.entries[r.head&r.mask]
	r.head++
	return e, true
}

// refDelta is one packet's contribution to the sliding reference
// window, kept so it can be subtracted again once it ages out.
type refDelta struct {
	flow    model.Flow
	bytes   int64
	packets int64
	ts      timeutil.Usecs
}

// deltaRing holds every contribution currently inside the reference
// window, strictly in arrival order. Same masked power-of-two layout
// as packetRing; a full ring means the capacity is undersized for the
// configured window, so the push fails and the caller counts the drop.
type deltaRing struct {
	entries []refDelta
	mask    uint64
	head    uint64
	tail    uint64
}

func newDeltaRing(power uint) *deltaRing {
	size := uint64(1) << power
	return &deltaRing{
		entries: make([]refDelta, size),
		mask:    size - 1,
	}
}

func (r *deltaRing) len() int { return int(r.tail - r.head) }

func (r *deltaRing) push(d refDelta) bool {
	if r.tail-r.head > r.mask {
		return false
	}
	r.entries[r.tail&r.mask] = d
	r.tail++
	return true
}

// peek returns the oldest contribution without removing it.
func (r *deltaRing) peek() (*refDelta, bool) {
	if r.head == r.tail {
		return nil, false
	}
	return &r.entries[r.head&r.mask], true
}

func (r *deltaRing) pop() {
	if r.head != r.tail {
		r.head++
	}
}
