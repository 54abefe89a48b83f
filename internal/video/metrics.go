package video

import (
	"time"

	"FlowScope/internal/model"
	"FlowScope/internal/timeutil"
)

// metricsWindow is the rolling window over which fps, bitrate and the
// jitter average are recomputed.
const metricsWindow = time.Second

const videoClockRateHz = 90000

// streamKey identifies one RTP stream. Multiple SSRCs can share a
// 5-tuple (RTP multiplexing, main vs sub streams), so the SSRC is part
// of the key.
type streamKey struct {
	flow model.Flow
	ssrc uint32
}

// rtpStream accumulates quality metrics for one RTP stream.
type rtpStream struct {
	lastSeq       uint16
	lastTimestamp uint32
	firstTS       uint32
	lastArrival   timeutil.Usecs
	initialized   bool

	jitter      int64 // RFC 3550 estimate, scaled by 16, in clock units
	clockRateHz uint32

	packetsReceived uint32
	packetsLost     uint32
	discontinuities uint32

	payloadType uint8
	codec       model.VideoCodec
	codecSource model.CodecSource
	audioCodec  model.AudioCodec
	isAudio     bool

	profileIDC uint8
	levelIDC   uint8
	width      uint16
	height     uint16

	frameCount       uint32
	keyframeCount    uint32
	lastKeyframeNum  uint32
	prevFrameTS      uint32
	prevFrameTSValid bool
	gopFrames        uint32

	bytesReceived uint64

	windowStart       timeutil.Usecs
	windowFrames      uint32
	windowBytes       uint64
	windowJitterSum   int64
	windowJitterCount uint32

	jitterHist [model.JitterHistBuckets]uint32

	// Last completed-window values, what snapshots report.
	fpsX100     uint16
	bitrateKbps uint32
	jitterUs    int64
}

// tsStream accumulates continuity-counter state for one MPEG-TS flow.
type tsStream struct {
	cc              map[uint16]uint8
	ccErrors        uint32
	packetsReceived uint32
	videoPID        uint16
	codec           model.VideoCodec
	lastArrival     timeutil.Usecs
}

// Tracker maintains per-stream media quality metrics for RTP (keyed by
// flow+SSRC) and MPEG-TS (keyed by flow).
type Tracker struct {
	rtp    map[streamKey]*rtpStream
	mpegts map[model.Flow]*tsStream
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		rtp:    make(map[streamKey]*rtpStream),
		mpegts: make(map[model.Flow]*tsStream),
	}
}

// Len returns the number of tracked RTP streams.
func (t *Tracker) Len() int { return len(t.rtp) }

// ProcessRTP feeds one parsed RTP packet into the tracker: sequence
// continuity, interarrival jitter, and for video streams frame, GOP
// and bitrate accounting.
func (t *Tracker) ProcessRTP(f model.Flow, pkt *Packet, ts timeutil.Usecs) {
	if pkt == nil {
		return
	}

	key := streamKey{flow: f, ssrc: pkt.SSRC}
	s, ok := t.rtp[key]
	if !ok {
		s = &rtpStream{
			payloadType: pkt.PayloadType,
			codec:       pkt.Codec,
			codecSource: pkt.CodecSource,
			audioCodec:  pkt.AudioCodec,
			clockRateHz: videoClockRateHz,
		}
		if pkt.AudioCodec != model.AudioCodecNone {
			s.clockRateHz = AudioClockRateHz(pkt.AudioCodec)
			s.isAudio = true
		}
		t.rtp[key] = s
	}

	// Lock in the first detected codec. Individual packets within a
	// stream can be ambiguous (some H.265 NAL patterns read as valid
	// H.264), and flickering between codecs helps nobody.
	if s.codec == model.CodecUnknown && pkt.Codec != model.CodecUnknown {
		s.codec = pkt.Codec
		if s.codecSource == model.CodecSourceNone {
			s.codecSource = pkt.CodecSource
		}
	}
	if s.audioCodec == model.AudioCodecNone && pkt.AudioCodec != model.AudioCodecNone {
		s.audioCodec = pkt.AudioCodec
		if !s.isAudio {
			s.clockRateHz = AudioClockRateHz(pkt.AudioCodec)
			s.isAudio = true
		}
	}
	if pkt.ProfileIDC != 0 && s.profileIDC == 0 {
		s.profileIDC = pkt.ProfileIDC
		s.levelIDC = pkt.LevelIDC
		if pkt.CodecSource != model.CodecSourceNone {
			s.codecSource = pkt.CodecSource
		}
	}
	if pkt.Width != 0 && s.width == 0 {
		s.width = pkt.Width
		s.height = pkt.Height
	}

	if lost := s.checkSeqContinuity(pkt.Seq); lost > 0 {
		s.packetsLost += lost
		s.discontinuities++
	}

	s.updateJitter(pkt.Timestamp, ts)

	s.lastSeq = pkt.Seq
	s.packetsReceived++
	s.lastArrival = ts
	// The first packet anchors the rolling window; arrival time 0 is a
	// valid anchor.
	if s.packetsReceived == 1 {
		s.windowStart = ts
	}

	if s.isAudio {
		if n := len(pkt.Payload); n > 0 {
			s.bytesReceived += uint64(n)
			s.windowBytes += uint64(n)
		}
		s.rollWindow(ts, false)
		return
	}

	keyframe := IsKeyframe(pkt.Payload, s.codec)
	s.updateFrame(keyframe, pkt.Timestamp, uint64(len(pkt.Payload)), ts)
}

// checkSeqContinuity returns the estimated number of packets lost
// before seq. Small negative gaps are reordering, not loss; a large
// gap in either direction counts as a single discontinuity.
func (s *rtpStream) checkSeqContinuity(seq uint16) uint32 {
	if !s.initialized {
		return 0
	}
	expected := s.lastSeq + 1
	if seq == expected {
		return 0
	}
	gap := int32(int16(seq - expected))
	if gap > 0 && gap < 1000 {
		return uint32(gap)
	}
	if gap < 0 && gap > -100 {
		return 0
	}
	return 1
}

// updateJitter applies the RFC 3550 interarrival jitter estimator:
// J(i) = J(i-1) + (|D| - J(i-1))/16, with D the difference between the
// arrival-time delta and the RTP-timestamp delta, both in clock units.
// The estimate is stored scaled by 16 to stay in integers.
func (s *rtpStream) updateJitter(timestamp uint32, arrival timeutil.Usecs) {
	if !s.initialized {
		s.lastTimestamp = timestamp
		s.lastArrival = arrival
		s.initialized = true
		return
	}

	arrivalDeltaUs := int64(arrival - s.lastArrival)
	arrivalDeltaTS := arrivalDeltaUs * int64(s.clockRateHz) / 1000000
	tsDelta := int64(int32(timestamp - s.lastTimestamp))

	d := arrivalDeltaTS - tsDelta
	if d < 0 {
		d = -d
	}
	s.jitter = s.jitter + d - s.jitter>>4

	dUs := d * 1000000 / int64(s.clockRateHz)
	s.windowJitterSum += dUs
	s.windowJitterCount++
	s.jitterHist[model.Log12Bucket(dUs)]++

	s.lastTimestamp = timestamp
	s.lastArrival = arrival
}

// updateFrame advances frame, keyframe and GOP accounting. A new frame
// starts when the RTP timestamp changes, since all packets of one
// frame share a timestamp.
func (s *rtpStream) updateFrame(keyframe bool, rtpTS uint32, frameBytes uint64, now timeutil.Usecs) {
	newFrame := false
	if !s.prevFrameTSValid {
		newFrame = true
		s.prevFrameTSValid = true
		s.firstTS = rtpTS
	} else if rtpTS != s.prevFrameTS {
		newFrame = true
	}
	s.prevFrameTS = rtpTS
	s.lastTimestamp = rtpTS

	if newFrame {
		s.frameCount++
		if keyframe {
			if s.keyframeCount > 0 {
				s.gopFrames = s.frameCount - s.lastKeyframeNum
			}
			s.keyframeCount++
			s.lastKeyframeNum = s.frameCount
		}
		s.windowFrames++
	}

	s.bytesReceived += frameBytes
	s.windowBytes += frameBytes

	s.rollWindow(now, true)
}

// rollWindow recomputes the windowed fps/bitrate/jitter values once
// the window elapses, then resets the accumulators.
func (s *rtpStream) rollWindow(now timeutil.Usecs, withFPS bool) {
	windowUs := int64(now - s.windowStart)
	if windowUs < int64(timeutil.FromDuration(metricsWindow)) {
		return
	}

	if withFPS {
		s.fpsX100 = uint16(uint64(s.windowFrames) * 100000000 / uint64(windowUs))
	}
	s.bitrateKbps = uint32(s.windowBytes * 8000 / uint64(windowUs))
	if s.windowJitterCount > 0 {
		s.jitterUs = s.windowJitterSum / int64(s.windowJitterCount)
	}

	s.windowStart = now
	s.windowFrames = 0
	s.windowBytes = 0
	s.windowJitterSum = 0
	s.windowJitterCount = 0
}

// ProcessMPEGTS feeds one MPEG-TS datagram into the tracker, checking
// the 4-bit continuity counter per PID across the 188-byte packets in
// payload.
func (t *Tracker) ProcessMPEGTS(f model.Flow, tsp *TSPacket, payload []byte, ts timeutil.Usecs) {
	if tsp == nil {
		return
	}

	s, ok := t.mpegts[f]
	if !ok {
		s = &tsStream{
			cc:       make(map[uint16]uint8),
			videoPID: tsp.VideoPID,
			codec:    tsp.Codec,
		}
		t.mpegts[f] = s
	}

	if tsp.VideoPID != 0 {
		s.videoPID = tsp.VideoPID
	}
	if tsp.Codec != model.CodecUnknown {
		s.codec = tsp.Codec
	}

	tsPackets := len(payload) / mpegtsPacketSize
	for i := 0; i < tsPackets; i++ {
		pkt := payload[i*mpegtsPacketSize:]
		if pkt[0] != mpegtsSyncByte {
			continue
		}

		pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
		afc := (pkt[3] >> 4) & 0x03
		cc := pkt[3] & 0x0F

		// Null packets and adaptation-only packets do not advance CC.
		if pid == mpegtsPIDNull || afc == 0 || afc == 2 {
			continue
		}

		if prev, seen := s.cc[pid]; seen {
			if cc != (prev+1)&0x0F {
				s.ccErrors++
			}
		}
		s.cc[pid] = cc
		s.packetsReceived++
	}
	s.lastArrival = ts
}

// UpdateCodecParams overrides codec detail for a stream from an
// out-of-band source, typically an SDP body seen on the RTSP control
// connection.
func (t *Tracker) UpdateCodecParams(f model.Flow, ssrc uint32, source model.CodecSource, width, height uint16, profile, level uint8) bool {
	s, ok := t.rtp[streamKey{flow: f, ssrc: ssrc}]
	if !ok {
		return false
	}
	s.codecSource = source
	s.width = width
	s.height = height
	s.profileIDC = profile
	s.levelIDC = level
	return true
}

// StreamCount returns how many RTP streams share the flow's 5-tuple.
func (t *Tracker) StreamCount(f model.Flow) int {
	n := 0
	for key := range t.rtp {
		if key.flow == f {
			n++
		}
	}
	return n
}

// Info returns the media view for a flow. When several RTP streams
// share the 5-tuple the one with the most recent-window bytes wins,
// which picks the main stream over a sub stream; SSRC breaks ties so
// the choice is stable. Falls back to MPEG-TS state.
func (t *Tracker) Info(f model.Flow) (model.VideoInfo, bool) {
	var best *rtpStream
	var bestSSRC uint32
	for key, s := range t.rtp {
		if key.flow != f {
			continue
		}
		if best == nil || s.windowBytes > best.windowBytes ||
			(s.windowBytes == best.windowBytes && key.ssrc < bestSSRC) {
			best = s
			bestSSRC = key.ssrc
		}
	}
	if best != nil {
		return model.VideoInfo{StreamType: model.StreamRTP, RTP: best.info(bestSSRC)}, true
	}

	if s, ok := t.mpegts[f]; ok {
		return model.VideoInfo{
			StreamType: model.StreamMPEGTS,
			MPEGTS: &model.MPEGTSInfo{
				CCErrors:    s.ccErrors,
				VideoPID:    s.videoPID,
				Codec:       s.codec,
				PacketsSeen: s.packetsReceived,
			},
		}, true
	}
	return model.VideoInfo{}, false
}

// InfoBySSRC returns the view for one specific RTP stream.
func (t *Tracker) InfoBySSRC(f model.Flow, ssrc uint32) (model.VideoInfo, bool) {
	s, ok := t.rtp[streamKey{flow: f, ssrc: ssrc}]
	if !ok {
		return model.VideoInfo{}, false
	}
	return model.VideoInfo{StreamType: model.StreamRTP, RTP: s.info(ssrc)}, true
}

func (s *rtpStream) info(ssrc uint32) *model.RTPInfo {
	info := &model.RTPInfo{
		JitterUs:      s.jitterUs,
		SSRC:          ssrc,
		SeqLoss:       s.packetsLost,
		PacketsSeen:   s.packetsReceived,
		FrameCount:    s.frameCount,
		KeyframeCount: s.keyframeCount,
		GOPFrames:     s.gopFrames,
		BitrateKbps:   s.bitrateKbps,
		JitterHist:    s.jitterHist,
		Width:         s.width,
		Height:        s.height,
		FPSx100:       s.fpsX100,
		PayloadType:   s.payloadType,
		Codec:         s.codec,
		CodecSource:   s.codecSource,
		ProfileIDC:    s.profileIDC,
		LevelIDC:      s.levelIDC,
		AudioCodec:    s.audioCodec,
	}
	if s.isAudio {
		info.SampleRateKHz = AudioSampleRateKHz(s.audioCodec)
		info.Channels = 1
	}
	return info
}

// ExpireOld drops streams idle longer than maxAge before deadline.
func (t *Tracker) ExpireOld(deadline timeutil.Usecs, maxAge time.Duration) {
	cutoff := deadline - timeutil.FromDuration(maxAge)
	for key, s := range t.rtp {
		if s.lastArrival < cutoff {
			delete(t.rtp, key)
		}
	}
	for f, s := range t.mpegts {
		if s.lastArrival < cutoff {
			delete(t.mpegts, f)
		}
	}
}
