// Package video classifies UDP payloads as RTP or MPEG-TS media
// streams, identifies the codec in-band, and tracks per-stream quality
// metrics (detect.go for classification, metrics.go for tracking).
package video

import (
	"encoding/binary"

	"FlowScope/internal/model"
)

const (
	rtpHdrMinSize = 12

	mpegtsPacketSize = 188
	mpegtsSyncByte   = 0x47
	mpegtsPIDPAT     = 0x0000
	mpegtsPIDCAT     = 0x0001
	mpegtsPIDNull    = 0x1FFF
)

// H.264 NAL unit types (RFC 6184).
const (
	h264NALNonIDR = 1
	h264NALIDR    = 5
	h264NALSPS    = 7
	h264NALPPS    = 8
	h264NALStapA  = 24
	h264NALFuA    = 28
)

// H.265 NAL unit types (RFC 7798).
const (
	h265NALIDRWithRADL = 19
	h265NALIDRNoLP     = 20
	h265NALSPS         = 33
	h265NALAP          = 48
	h265NALFU          = 49
)

// Packet is the parse result for one RTP packet, fed to the Tracker.
type Packet struct {
	PayloadType   uint8
	Seq           uint16
	Timestamp     uint32
	SSRC          uint32
	Codec         model.VideoCodec
	CodecSource   model.CodecSource
	ProfileIDC    uint8
	LevelIDC      uint8
	Width         uint16
	Height        uint16
	AudioCodec    model.AudioCodec
	SampleRateKHz uint8
	Channels      uint8
	Payload       []byte // past the RTP header, CSRC list and extension
}

// TSPacket is the parse result for one MPEG-TS datagram.
type TSPacket struct {
	VideoPID    uint16
	Codec       model.VideoCodec
	PacketsSeen uint32
}

// IsVideoPayloadType reports whether pt is a static video payload type
// (RFC 3551: JPEG, nv, H.261, MPV, H.263) or in the dynamic range
// 96-127 used by modern codecs.
func IsVideoPayloadType(pt uint8) bool {
	switch pt {
	case 26, 28, 31, 32, 34:
		return true
	}
	return pt >= 96 && pt <= 127
}

// IsAudioPayloadType reports whether pt is one of the static audio
// payload types this package recognizes.
func IsAudioPayloadType(pt uint8) bool {
	switch pt {
	case 0, 8, 18:
		return true
	}
	return false
}

// AudioCodecForPayloadType maps a static payload type to its codec.
func AudioCodecForPayloadType(pt uint8) model.AudioCodec {
	switch pt {
	case 0:
		return model.AudioCodecPCMU
	case 8:
		return model.AudioCodecPCMA
	case 18:
		return model.AudioCodecG729
	default:
		return model.AudioCodecNone
	}
}

// AudioSampleRateKHz returns the nominal sample rate for a codec.
func AudioSampleRateKHz(c model.AudioCodec) uint8 {
	switch c {
	case model.AudioCodecPCMU, model.AudioCodecPCMA, model.AudioCodecG729:
		return 8
	case model.AudioCodecOpus, model.AudioCodecAAC:
		return 48
	default:
		return 0
	}
}

// AudioClockRateHz returns the RTP clock rate for a codec, used when
// converting arrival-time deltas into RTP timestamp units for jitter.
func AudioClockRateHz(c model.AudioCodec) uint32 {
	switch c {
	case model.AudioCodecOpus, model.AudioCodecAAC:
		return 48000
	default:
		return 8000
	}
}

// validateRTPHeader checks version, payload-type range, CSRC/extension
// bounds and rejects the SSRC values 0 and 0xFFFFFFFF, which random
// data produces far more often than real senders do.
func validateRTPHeader(p []byte) bool {
	if len(p) < rtpHdrMinSize {
		return false
	}
	if p[0]>>6 != 2 {
		return false
	}
	cc := int(p[0] & 0x0F)
	minSize := rtpHdrMinSize + cc*4
	if len(p) < minSize {
		return false
	}
	if p[0]&0x10 != 0 && len(p) < minSize+4 {
		return false
	}
	ssrc := binary.BigEndian.Uint32(p[8:12])
	if ssrc == 0 || ssrc == 0xFFFFFFFF {
		return false
	}
	return true
}

// rtpHeaderSize returns the full header size including CSRC list and
// extension, clamped so the caller can detect a header-only packet.
func rtpHeaderSize(p []byte) int {
	size := rtpHdrMinSize + int(p[0]&0x0F)*4
	if p[0]&0x10 != 0 && len(p) > size+4 {
		extLen := int(binary.BigEndian.Uint16(p[size+2 : size+4]))
		size += 4 + extLen*4
	}
	return size
}

// DetectRTP classifies payload as an RTP video packet. On success it
// returns the parsed header fields plus whatever the payload reveals
// in-band: codec, and for H.264/H.265 the SPS profile, level and
// resolution when an SPS NAL is present in this packet.
func DetectRTP(payload []byte) (*Packet, bool) {
	if !validateRTPHeader(payload) {
		return nil, false
	}

	pt := payload[1] & 0x7F
	if !IsVideoPayloadType(pt) {
		return nil, false
	}

	pkt := &Packet{
		PayloadType: pt,
		Seq:         binary.BigEndian.Uint16(payload[2:4]),
		Timestamp:   binary.BigEndian.Uint32(payload[4:8]),
		SSRC:        binary.BigEndian.Uint32(payload[8:12]),
	}

	hdrSize := rtpHeaderSize(payload)
	if len(payload) <= hdrSize {
		return pkt, true
	}
	pkt.Payload = payload[hdrSize:]

	pkt.Codec = DetectRTPCodec(pkt.Payload, pt)
	if pkt.Codec != model.CodecUnknown {
		pkt.CodecSource = model.CodecSourceInband
	}

	switch pkt.Codec {
	case model.CodecH264:
		if params, ok := extractH264SPSParams(pkt.Payload); ok {
			pkt.ProfileIDC = params.profile
			pkt.LevelIDC = params.level
			pkt.Width = params.width
			pkt.Height = params.height
		}
	case model.CodecH265:
		if params, ok := extractH265RTPSPSParams(pkt.Payload); ok {
			pkt.ProfileIDC = params.profile
			pkt.LevelIDC = params.level
			pkt.Width = params.width
			pkt.Height = params.height
		}
	}
	return pkt, true
}

// DetectAudioRTP classifies payload as an RTP audio packet carrying one
// of the static audio payload types.
func DetectAudioRTP(payload []byte) (*Packet, bool) {
	if len(payload) < rtpHdrMinSize || payload[0]>>6 != 2 {
		return nil, false
	}

	pt := payload[1] & 0x7F
	if !IsAudioPayloadType(pt) {
		return nil, false
	}

	pkt := &Packet{
		PayloadType: pt,
		Seq:         binary.BigEndian.Uint16(payload[2:4]),
		Timestamp:   binary.BigEndian.Uint32(payload[4:8]),
		SSRC:        binary.BigEndian.Uint32(payload[8:12]),
	}
	headerLen := rtpHdrMinSize + int(payload[0]&0x0F)*4
	if len(payload) > headerLen {
		pkt.Payload = payload[headerLen:]
	}

	pkt.AudioCodec = AudioCodecForPayloadType(pt)
	pkt.SampleRateKHz = AudioSampleRateKHz(pkt.AudioCodec)
	pkt.Channels = 1
	return pkt, true
}

// RTPTimestamp extracts the RTP timestamp without full validation, for
// callers that already know the stream is RTP.
func RTPTimestamp(payload []byte) uint32 {
	if len(payload) < rtpHdrMinSize || payload[0]>>6 != 2 {
		return 0
	}
	return binary.BigEndian.Uint32(payload[4:8])
}

// DetectMPEGTS classifies a UDP payload as MPEG-TS: 188-byte packets
// with the 0x47 sync byte on every checked packet. The first PID
// outside the PAT/CAT/null range is recorded as the likely video PID.
func DetectMPEGTS(payload []byte) (*TSPacket, bool) {
	if len(payload) < mpegtsPacketSize {
		return nil, false
	}

	tsPackets := len(payload) / mpegtsPacketSize
	checkCount := tsPackets
	if checkCount > 4 {
		checkCount = 4
	}
	for i := 0; i < checkCount; i++ {
		if payload[i*mpegtsPacketSize] != mpegtsSyncByte {
			return nil, false
		}
	}

	info := &TSPacket{PacketsSeen: uint32(tsPackets)}
	for i := 0; i < tsPackets; i++ {
		pkt := payload[i*mpegtsPacketSize : (i+1)*mpegtsPacketSize]
		pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])

		if pid == mpegtsPIDPAT || pid == mpegtsPIDCAT || pid == mpegtsPIDNull {
			continue
		}
		if info.VideoPID == 0 && pid > 0x20 && pid < mpegtsPIDNull {
			info.VideoPID = pid
			info.Codec = DetectTSCodec(pkt)
		}
	}
	return info, true
}

// DetectRTPCodec identifies the video codec carried in an RTP payload.
// Static payload types are mapped directly; dynamic types are sniffed
// NAL-first (H.264/H.265), then VP8/VP9, then AV1.
func DetectRTPCodec(payload []byte, payloadType uint8) model.VideoCodec {
	if len(payload) < 2 {
		return model.CodecUnknown
	}

	switch payloadType {
	case 31, 34: // H.261 / H.263, close enough to the H.264 family
		return model.CodecH264
	case 32: // MPEG-1/2 video, not supported
		return model.CodecUnknown
	}

	if c := detectNALCodec(payload); c != model.CodecUnknown {
		return c
	}
	if c := detectVPXCodec(payload); c != model.CodecUnknown {
		return c
	}
	return detectAV1Codec(payload)
}

// detectNALCodec distinguishes H.264 from H.265 by NAL header shape.
// H.264 uses a 1-byte header (type in bits 0-4, ref_idc in 5-6); H.265
// a 2-byte header (type in bits 1-6 of byte 0, layer id and temporal
// id in byte 1). H.265 parameter-set types are checked before the
// H.264 heuristics because an H.265 SPS (0x42 0x01) reads as a valid
// H.264 slice header.
func detectNALCodec(payload []byte) model.VideoCodec {
	if len(payload) < 2 {
		return model.CodecUnknown
	}

	first, second := payload[0], payload[1]
	if first&0x80 != 0 {
		return model.CodecUnknown
	}

	h264Type := first & 0x1F

	// FU-A carries the real NAL type in the FU header.
	if h264Type == h264NALFuA {
		if inner := second & 0x1F; inner >= 1 && inner <= 23 {
			return model.CodecH264
		}
	}
	if h264Type == h264NALStapA {
		return model.CodecH264
	}

	h265Type := (first >> 1) & 0x3F
	if h265Type == h265NALFU || h265Type == h265NALAP {
		return model.CodecH265
	}

	tid := second & 0x07
	layerID := (first&0x01)<<5 | (second>>3)&0x1F

	// VPS/SPS/PPS range: must win over the H.264 slice heuristics.
	if h265Type >= 32 && h265Type <= 40 && tid >= 1 && layerID == 0 {
		return model.CodecH265
	}

	if h264Type >= 1 && h264Type <= 23 {
		refIdc := (first >> 5) & 0x03
		switch {
		case (h264Type == h264NALSPS || h264Type == h264NALPPS) && refIdc == 3:
			return model.CodecH264
		case h264Type == h264NALIDR && refIdc > 0:
			return model.CodecH264
		case h264Type == h264NALNonIDR && refIdc <= 3:
			return model.CodecH264
		case h264Type <= 5 && refIdc > 0:
			return model.CodecH264
		}
	}

	if h265Type <= 31 && tid >= 1 && layerID == 0 {
		return model.CodecH265
	}

	if h264Type >= 1 && h264Type <= 23 {
		return model.CodecH264
	}
	return model.CodecUnknown
}

// detectVPXCodec checks for the VP8 keyframe magic and the VP9 frame
// sync code.
func detectVPXCodec(payload []byte) model.VideoCodec {
	if len(payload) < 3 {
		return model.CodecUnknown
	}
	if payload[0] == 0x9d && payload[1] == 0x01 && payload[2] == 0x2a {
		return model.CodecVP8
	}
	if len(payload) >= 10 {
		for i := 0; i < len(payload)-3 && i < 10; i++ {
			if payload[i] == 0x49 && payload[i+1] == 0x83 && payload[i+2] == 0x42 {
				return model.CodecVP9
			}
		}
	}
	return model.CodecUnknown
}

// detectAV1Codec checks for a plausible OBU header: forbidden bit 0, a
// defined OBU type, reserved bit 0.
func detectAV1Codec(payload []byte) model.VideoCodec {
	if len(payload) < 2 {
		return model.CodecUnknown
	}
	first := payload[0]
	if first&0x80 != 0 {
		return model.CodecUnknown
	}
	obuType := (first >> 3) & 0x0F
	if ((obuType >= 1 && obuType <= 8) || obuType == 15) && first&0x01 == 0 {
		return model.CodecAV1
	}
	return model.CodecUnknown
}

// DetectTSCodec sniffs the codec from one MPEG-TS packet by locating a
// PES start (stream ids 0xE0-0xEF), skipping the PES header, and
// feeding the Annex-B NAL after the start code to detectNALCodec.
func DetectTSCodec(payload []byte) model.VideoCodec {
	if len(payload) < mpegtsPacketSize {
		return model.CodecUnknown
	}

	offset := 4
	afc := (payload[3] >> 4) & 0x03
	if afc == 2 || afc == 3 {
		if offset >= len(payload) {
			return model.CodecUnknown
		}
		offset += 1 + int(payload[offset])
	}
	if offset >= len(payload)-4 {
		return model.CodecUnknown
	}

	pusi := payload[1]&0x40 != 0
	if !pusi {
		return model.CodecUnknown
	}
	if payload[offset] != 0x00 || payload[offset+1] != 0x00 || payload[offset+2] != 0x01 {
		return model.CodecUnknown
	}
	streamID := payload[offset+3]
	if streamID < 0xE0 || streamID > 0xEF {
		return model.CodecUnknown
	}
	if offset+9 >= len(payload) {
		return model.CodecUnknown
	}

	pesHdrLen := int(payload[offset+8])
	videoOffset := offset + 9 + pesHdrLen
	if videoOffset+4 >= len(payload) {
		return model.CodecUnknown
	}

	data := payload[videoOffset:]
	if data[0] != 0x00 || data[1] != 0x00 {
		return model.CodecUnknown
	}
	var nalOffset int
	switch {
	case data[2] == 0x01:
		nalOffset = 3
	case data[2] == 0x00 && data[3] == 0x01:
		nalOffset = 4
	default:
		return model.CodecUnknown
	}
	if nalOffset >= len(data) {
		return model.CodecUnknown
	}
	return detectNALCodec(data[nalOffset:])
}

// IsKeyframe reports whether an RTP payload carries the start of an IDR
// picture for the given codec. VP8/VP9/AV1 keyframe detection is not
// attempted here.
func IsKeyframe(payload []byte, codec model.VideoCodec) bool {
	if len(payload) < 2 {
		return false
	}

	switch codec {
	case model.CodecH264:
		return isH264Keyframe(payload)
	case model.CodecH265:
		h265Type := (payload[0] >> 1) & 0x3F
		if h265Type == h265NALFU && len(payload) >= 3 {
			fuHeader := payload[2]
			inner := fuHeader & 0x3F
			if fuHeader&0x80 != 0 && (inner == h265NALIDRWithRADL || inner == h265NALIDRNoLP) {
				return true
			}
		}
		return h265Type == h265NALIDRWithRADL || h265Type == h265NALIDRNoLP
	}
	return false
}

func isH264Keyframe(payload []byte) bool {
	nalType := payload[0] & 0x1F

	if nalType == h264NALIDR {
		return true
	}

	if nalType == h264NALStapA && len(payload) >= 4 {
		offset := 1
		for offset+2 < len(payload) {
			naluSize := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if offset+naluSize > len(payload) || naluSize < 1 {
				break
			}
			if payload[offset]&0x1F == h264NALIDR {
				return true
			}
			offset += naluSize
		}
	}

	if nalType == h264NALFuA {
		fuHeader := payload[1]
		if fuHeader&0x80 != 0 && fuHeader&0x1F == h264NALIDR {
			return true
		}
	}
	return false
}

// spsParams is the codec detail extracted from an SPS NAL unit.
// Resolution is zero when it could not be parsed; profile and level
// are always set on success.
type spsParams struct {
	profile uint8
	level   uint8
	width   uint16
	height  uint16
}

// extractH264SPSParams pulls profile, level and resolution out of an
// H.264 RTP payload when it carries an SPS: single NAL (type 7),
// STAP-A aggregate, or the start fragment of an FU-A. A fragmented SPS
// yields profile and level only, since the rest of the NAL is in later
// packets.
func extractH264SPSParams(payload []byte) (spsParams, bool) {
	var p spsParams
	if len(payload) < 2 {
		return p, false
	}

	nalType := payload[0] & 0x1F

	if nalType == h264NALSPS && len(payload) >= 4 {
		p.profile = payload[1]
		p.level = payload[3]
		p.width, p.height = parseH264SPSResolution(payload)
		return p, true
	}

	if nalType == h264NALStapA && len(payload) >= 6 {
		offset := 1
		for offset+2 < len(payload) {
			naluSize := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if offset+naluSize > len(payload) || naluSize < 1 {
				break
			}
			if payload[offset]&0x1F == h264NALSPS && naluSize >= 4 {
				nal := payload[offset : offset+naluSize]
				p.profile = nal[1]
				p.level = nal[3]
				p.width, p.height = parseH264SPSResolution(nal)
				return p, true
			}
			offset += naluSize
		}
	}

	if nalType == h264NALFuA && len(payload) >= 6 {
		fuHeader := payload[1]
		if fuHeader&0x80 != 0 && fuHeader&0x1F == h264NALSPS && len(payload) >= 5 {
			p.profile = payload[2]
			p.level = payload[4]
			return p, true
		}
	}
	return p, false
}

// h264HighProfile reports whether profile carries the extended SPS
// fields (chroma format, bit depths, scaling matrices).
func h264HighProfile(profile uint8) bool {
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128:
		return true
	}
	return false
}

// parseH264SPSResolution decodes the luma dimensions from a complete
// SPS NAL (including the NAL header). Returns zeros when the parse
// fails or the result falls outside 64x64..8192x8192.
func parseH264SPSResolution(sps []byte) (uint16, uint16) {
	if len(sps) < 5 {
		return 0, 0
	}

	br := newBitReader(sps[1:])
	br.readBits(24) // profile_idc, constraint flags, level_idc
	br.readUE()     // seq_parameter_set_id

	if h264HighProfile(sps[1]) {
		chromaFormatIdc := br.readUE()
		if chromaFormatIdc == 3 {
			br.readBit() // separate_colour_plane_flag
		}
		br.readUE()  // bit_depth_luma_minus8
		br.readUE()  // bit_depth_chroma_minus8
		br.readBit() // qpprime_y_zero_transform_bypass_flag
		if br.readBit() == 1 {
			count := 8
			if chromaFormatIdc == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				if br.readBit() == 1 {
					// Full scaling-list decode is not needed for
					// resolution; one ue keeps the reader roughly
					// aligned for the common all-default case.
					br.readUE()
				}
			}
		}
	}

	br.readUE() // log2_max_frame_num_minus4
	pocType := br.readUE()
	if pocType == 0 {
		br.readUE()
	} else if pocType == 1 {
		br.readBit()
		br.readUE()
		br.readUE()
		numRefFrames := br.readUE()
		for i := uint32(0); i < numRefFrames; i++ {
			br.readUE()
		}
	}
	br.readUE()  // max_num_ref_frames
	br.readBit() // gaps_in_frame_num_value_allowed_flag

	picWidthInMbs := br.readUE() + 1
	picHeightInMapUnits := br.readUE() + 1

	frameMbsOnly := br.readBit()
	if frameMbsOnly == 0 {
		br.readBit() // mb_adaptive_frame_field_flag
	}
	br.readBit() // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if br.readBit() == 1 {
		cropLeft = br.readUE()
		cropRight = br.readUE()
		cropTop = br.readUE()
		cropBottom = br.readUE()
	}

	w := int64(picWidthInMbs) * 16
	h := int64(2-frameMbsOnly) * int64(picHeightInMapUnits) * 16
	w -= int64(cropLeft+cropRight) * 2
	h -= int64(cropTop+cropBottom) * 2 * int64(2-frameMbsOnly)

	if w < 64 || w > 8192 || h < 64 || h > 8192 {
		return 0, 0
	}
	return uint16(w), uint16(h)
}

// extractH265RTPSPSParams locates an SPS NAL inside an H.265 RTP
// payload: single NAL (type 33), AP aggregate, or the start fragment
// of an FU with a reconstructed NAL header.
func extractH265RTPSPSParams(payload []byte) (spsParams, bool) {
	var p spsParams
	if len(payload) < 4 {
		return p, false
	}

	nalType := (payload[0] >> 1) & 0x3F

	if nalType == h265NALSPS {
		return extractH265SPSParams(payload)
	}

	if nalType == h265NALAP && len(payload) >= 6 {
		offset := 2
		for offset+2 < len(payload) {
			naluSize := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if offset+naluSize > len(payload) || naluSize < 2 {
				break
			}
			if (payload[offset]>>1)&0x3F == h265NALSPS {
				return extractH265SPSParams(payload[offset : offset+naluSize])
			}
			offset += naluSize
		}
	}

	if nalType == h265NALFU && len(payload) >= 5 {
		fuHeader := payload[2]
		inner := fuHeader & 0x3F
		if fuHeader&0x80 != 0 && inner == h265NALSPS && len(payload) >= 15 {
			if len(payload)-3 > 62 {
				return p, false
			}
			reconstructed := make([]byte, 0, 64)
			reconstructed = append(reconstructed, inner<<1|payload[0]&0x81, payload[1])
			reconstructed = append(reconstructed, payload[3:]...)
			return extractH265SPSParams(reconstructed)
		}
	}
	return p, false
}

// extractH265SPSParams parses profile_tier_level and the luma
// dimensions from a complete H.265 SPS NAL (2-byte header included).
// The high bit of the returned profile flags High tier. Resolution is
// best-effort; profile and level alone still count as success.
func extractH265SPSParams(nal []byte) (spsParams, bool) {
	var p spsParams
	if len(nal) < 15 {
		return p, false
	}

	rbsp := removeEmulationPrevention(nal[2:])
	if len(rbsp) < 13 {
		return p, false
	}

	br := newBitReader(rbsp)
	br.readBits(4) // sps_video_parameter_set_id
	maxSubLayers := br.readBits(3) + 1
	br.readBit() // sps_temporal_id_nesting_flag

	br.readBits(2) // general_profile_space
	tier := br.readBit()
	p.profile = uint8(br.readBits(5))
	br.readBits(32) // general_profile_compatibility_flags
	br.readBits(48) // constraint and reserved flags
	p.level = uint8(br.readBits(8))
	if tier == 1 {
		p.profile |= 0x80
	}

	if maxSubLayers > 1 {
		for i := uint32(0); i < maxSubLayers-1; i++ {
			br.readBits(2) // profile_present + level_present
		}
		for i := maxSubLayers - 1; i < 8; i++ {
			br.readBits(2) // reserved_zero_2bits
		}
		// Sub-layer profile_tier_level payloads are assumed absent.
	}

	br.readUE() // sps_seq_parameter_set_id
	chromaFormatIdc := br.readUE()
	if chromaFormatIdc == 3 {
		br.readBit() // separate_colour_plane_flag
	}

	picWidth := br.readUE()
	picHeight := br.readUE()

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if br.readBit() == 1 {
		cropLeft = br.readUE()
		cropRight = br.readUE()
		cropTop = br.readUE()
		cropBottom = br.readUE()
	}

	subWidthC := uint32(1)
	if chromaFormatIdc == 1 || chromaFormatIdc == 2 {
		subWidthC = 2
	}
	subHeightC := uint32(1)
	if chromaFormatIdc == 1 {
		subHeightC = 2
	}

	w := int64(picWidth) - int64(subWidthC*(cropLeft+cropRight))
	h := int64(picHeight) - int64(subHeightC*(cropTop+cropBottom))
	if w >= 64 && w <= 8192 && h >= 64 && h <= 8192 {
		p.width = uint16(w)
		p.height = uint16(h)
	}
	return p, true
}

// removeEmulationPrevention strips the 0x03 bytes inserted after 0x0000
// in NAL units to avoid start-code emulation.
func removeEmulationPrevention(src []byte) []byte {
	dst := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		if i+2 < len(src) && src[i] == 0 && src[i+1] == 0 && src[i+2] == 3 {
			dst = append(dst, 0, 0)
			i += 3
		} else {
			dst = append(dst, src[i])
			i++
		}
	}
	return dst
}

// bitReader is a big-endian bit cursor with exp-Golomb support. Reads
// past the end return zero bits, matching the tolerant SPS parsers
// above which sanity-check their results instead of bounds errors.
type bitReader struct {
	data []byte
	pos  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (b *bitReader) readBit() uint32 {
	if b.pos/8 >= len(b.data) {
		return 0
	}
	bit := uint32(b.data[b.pos/8]>>(7-b.pos%8)) & 1
	b.pos++
	return bit
}

func (b *bitReader) readBits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<1 | b.readBit()
	}
	return v
}

// readUE decodes one unsigned exp-Golomb value.
func (b *bitReader) readUE() uint32 {
	leadingZeros := 0
	for b.readBit() == 0 && leadingZeros < 32 {
		leadingZeros++
	}
	if leadingZeros == 0 {
		return 0
	}
	return 1<<leadingZeros - 1 + b.readBits(leadingZeros)
}
