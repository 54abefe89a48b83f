package tcp

import (
	"testing"
	"time"

	"FlowScope/internal/model"
	"FlowScope/internal/timeutil"
)

func v4(a, b, c, d byte) model.Address {
	return model.V4Addr([4]byte{a, b, c, d})
}

func tcpFlow() model.Flow {
	return model.Flow{
		Ethertype: model.EthertypeIPv4,
		Src:       v4(10, 0, 0, 1),
		Dst:       v4(10, 0, 0, 2),
		SPort:     40000,
		DPort:     80,
		Proto:     model.ProtoTCP,
	}
}

func TestRTTFirstSampleSeedsEWMA(t *testing.T) {
	tr := NewRTTTracker()
	f := tcpFlow()

	tr.ProcessPacket(f, 1000, 0, flagACK, 100, 0)
	tr.ProcessPacket(f.Reverse(), 5000, 1100, flagACK, 0, 50000)

	if got := tr.EWMA(f); got != 50000 {
		t.Errorf("EWMA after first sample = %d, want 50000", got)
	}
	if got := tr.Last(f); got != 50000 {
		t.Errorf("Last = %d, want 50000", got)
	}
}

func TestRTTEWMASmoothing(t *testing.T) {
	tr := NewRTTTracker()
	f := tcpFlow()

	// First exchange: 50ms sample seeds the estimator.
	tr.ProcessPacket(f, 1000, 0, flagACK, 100, 0)
	tr.ProcessPacket(f.Reverse(), 5000, 1100, flagACK, 0, 50000)

	// Second exchange: 370ms sample. EWMA with 1/8 weight:
	// 50000 - 50000/8 + 370000/8 = 90000.
	tr.ProcessPacket(f, 2000, 0, flagACK, 100, 100000)
	tr.ProcessPacket(f.Reverse(), 5000, 2100, flagACK, 0, 470000)

	if got := tr.EWMA(f); got != 90000 {
		t.Errorf("EWMA after second sample = %d, want 90000", got)
	}
	if got := tr.Last(f); got != 370000 {
		t.Errorf("Last = %d, want 370000", got)
	}
}

func TestRTTSequenceWraparound(t *testing.T) {
	tr := NewRTTTracker()
	f := tcpFlow()

	// Segment straddling the 2^32 boundary: seq 0xFFFFFFF0 + 100 bytes
	// wraps; the cumulative ACK for it is 84.
	tr.ProcessPacket(f, 0xFFFFFFF0, 0, flagACK, 100, 1000)
	tr.ProcessPacket(f.Reverse(), 0, 84, flagACK, 0, 3000)

	if got := tr.EWMA(f); got != 2000 {
		t.Errorf("EWMA across wraparound = %d, want 2000", got)
	}
}

func TestRTTCumulativeAck(t *testing.T) {
	tr := NewRTTTracker()
	f := tcpFlow()

	// Three segments, one ACK covering all of them: the newest covered
	// segment supplies the sample.
	tr.ProcessPacket(f, 1000, 0, flagACK, 100, 0)
	tr.ProcessPacket(f, 1100, 0, flagACK, 100, 1000)
	tr.ProcessPacket(f, 1200, 0, flagACK, 100, 2000)
	tr.ProcessPacket(f.Reverse(), 5000, 1300, flagACK, 0, 10000)

	if got := tr.Last(f); got != 8000 {
		t.Errorf("cumulative ACK sample = %d, want 8000 (from newest segment)", got)
	}

	// The pending queue was fully consumed; a repeat ACK yields nothing.
	tr.ProcessPacket(f.Reverse(), 5000, 1300, flagACK, 0, 90000)
	if got := tr.Last(f); got != 8000 {
		t.Errorf("repeat ACK produced a new sample: %d", got)
	}
}

func TestRTTStateMachine(t *testing.T) {
	tr := NewRTTTracker()
	f := tcpFlow()

	if tr.State(f) != model.TCPStateUnknown {
		t.Error("empty tracker should report unknown")
	}

	tr.ProcessPacket(f, 0, 0, flagSYN, 0, 0)
	if tr.State(f) != model.TCPStateSynSeen {
		t.Errorf("after SYN: %v", tr.State(f))
	}

	tr.ProcessPacket(f, 1, 1, flagACK, 100, 10)
	if tr.State(f) != model.TCPStateActive {
		t.Errorf("after payload: %v", tr.State(f))
	}

	tr.ProcessPacket(f, 101, 1, flagFIN|flagACK, 0, 20)
	if tr.State(f) != model.TCPStateFinWait {
		t.Errorf("after first FIN: %v", tr.State(f))
	}

	tr.ProcessPacket(f.Reverse(), 1, 102, flagFIN|flagACK, 0, 30)
	if tr.State(f) != model.TCPStateClosed {
		t.Errorf("after both FINs: %v", tr.State(f))
	}

	// RST closes immediately regardless of prior state.
	f2 := tcpFlow()
	f2.SPort = 40001
	tr.ProcessPacket(f2, 0, 0, flagSYN, 0, 0)
	tr.ProcessPacket(f2, 1, 0, flagRST, 0, 10)
	if tr.State(f2) != model.TCPStateClosed {
		t.Errorf("after RST: %v", tr.State(f2))
	}
}

func TestRTTInfoPerDirection(t *testing.T) {
	tr := NewRTTTracker()
	f := tcpFlow()

	tr.ProcessPacket(f, 1000, 0, flagSYN, 100, 0)
	tr.ProcessPacket(f, 1000, 0, flagACK, 100, 100)
	tr.ProcessPacket(f.Reverse(), 5000, 1100, flagACK, 0, 4100)

	info := tr.Info(f)
	if info.RTTUsecs != 4000 {
		t.Errorf("forward RTT = %d, want 4000", info.RTTUsecs)
	}
	if !info.SawSyn {
		t.Error("SYN visibility lost")
	}

	// The reverse direction sent no data, so it has no sample.
	rev := tr.Info(f.Reverse())
	if rev.RTTUsecs != -1 {
		t.Errorf("reverse RTT = %d, want -1", rev.RTTUsecs)
	}
}

func TestRTTNonTCPIgnored(t *testing.T) {
	tr := NewRTTTracker()
	f := tcpFlow()
	f.Proto = model.ProtoUDP

	tr.ProcessPacket(f, 0, 0, flagACK, 100, 0)
	if tr.Len() != 0 {
		t.Error("non-TCP packet created a tracker entry")
	}
	if tr.EWMA(f) != -1 || tr.State(f) != model.TCPStateUnknown {
		t.Error("non-TCP queries must report unknown")
	}
}

func TestRTTExpiry(t *testing.T) {
	tr := NewRTTTracker()
	f := tcpFlow()

	tr.ProcessPacket(f, 0, 0, flagSYN, 0, 1000)
	tr.ExpireOld(timeutil.Add(1000, 10*time.Second), 30*time.Second)
	if tr.Len() != 1 {
		t.Error("entry expired before its idle window")
	}
	tr.ExpireOld(timeutil.Add(1000, 31*time.Second), 30*time.Second)
	if tr.Len() != 0 {
		t.Error("idle entry survived expiry")
	}
}

func TestHealthRequiresSamples(t *testing.T) {
	tr := NewRTTTracker()
	f := tcpFlow()

	tr.ProcessPacket(f, 1000, 0, flagACK, 100, 0)
	tr.ProcessPacket(f.Reverse(), 0, 1100, flagACK, 0, 2000)

	h, ok := tr.Health(f, 0, 100, 0)
	if !ok {
		t.Fatal("Health on tracked flow returned !ok")
	}
	if h.Status != model.HealthUnknown {
		t.Errorf("status with 1 sample = %d, want unknown", h.Status)
	}
	if h.RTTSamples != 1 {
		t.Errorf("samples = %d, want 1", h.RTTSamples)
	}
}

func TestHealthClassification(t *testing.T) {
	tr := NewRTTTracker()
	f := tcpFlow()

	// Drive 12 steady ~2ms exchanges: enough samples, tight
	// distribution, no loss.
	seq := uint32(1000)
	ts := timeutil.Usecs(0)
	for i := 0; i < 12; i++ {
		tr.ProcessPacket(f, seq, 0, flagACK, 100, ts)
		tr.ProcessPacket(f.Reverse(), 0, seq+100, flagACK, 0, ts+2000)
		seq += 100
		ts += 10000
	}

	h, ok := tr.Health(f, 0, 1000, 0)
	if !ok || h.Status != model.HealthGood {
		t.Fatalf("steady flow: status %d ok=%v, want good", h.Status, ok)
	}

	// Heavy loss pushes the same flow to problem.
	h, _ = tr.Health(f, 50, 1000, 0)
	if h.Status != model.HealthProblem || h.Flags&model.HealthFlagHighLoss == 0 {
		t.Errorf("5%% retransmits: status %d flags 0x%x", h.Status, h.Flags)
	}

	// Moderate loss is a warning.
	h, _ = tr.Health(f, 10, 1000, 0)
	if h.Status != model.HealthWarning || h.Flags&model.HealthFlagElevatedLoss == 0 {
		t.Errorf("1%% retransmits: status %d flags 0x%x", h.Status, h.Flags)
	}

	// Repeated zero-window stalls are a problem.
	h, _ = tr.Health(f, 0, 1000, 5)
	if h.Status != model.HealthProblem || h.Flags&model.HealthFlagWindowStarved == 0 {
		t.Errorf("zero windows: status %d flags 0x%x", h.Status, h.Flags)
	}
}
