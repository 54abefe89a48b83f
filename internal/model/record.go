package model

import (
	"time"

	"FlowScope/internal/timeutil"
)

// Histogram bucket counts. The jitter/IPG/PPS histograms share the same
// 12 log-scale thresholds; RTT uses a finer 14-bucket scale and packet
// sizes a 20-bucket scale tuned to VoIP, MPEG-TS and tunnel MTUs.
const (
	JitterHistBuckets  = 12
	IPGHistBuckets     = 12
	PPSHistBuckets     = 12
	PktSizeHistBuckets = 20
	RTTHistBuckets     = 14
)

// log12Thresholds are the upper bounds of the first 11 buckets of the
// shared 12-bucket log scale: <10, 10-50, 50-100, 100-500, 500-1K,
// 1K-2K, 2K-5K, 5K-10K, 10K-20K, 20K-50K, 50K-100K, >100K.
var log12Thresholds = [11]int64{10, 50, 100, 500, 1000, 2000, 5000, 10000, 20000, 50000, 100000}

// Log12Bucket maps a value (microseconds for jitter/IPG, packets/sec
// for PPS) onto the shared 12-bucket log scale.
func Log12Bucket(v int64) int {
	for i, t := range log12Thresholds {
		if v < t {
			return i
		}
	}
	return JitterHistBuckets - 1
}

// rttThresholds are the upper bounds (µs) of the first 13 RTT buckets:
// 0-99us, 100-199us, 200-499us, 500-999us, 1-2ms, 2-5ms, 5-10ms,
// 10-20ms, 20-50ms, 50-100ms, 100-200ms, 200-500ms, 500ms-1s, >1s.
var rttThresholds = [13]int64{100, 200, 500, 1000, 2000, 5000, 10000, 20000, 50000, 100000, 200000, 500000, 1000000}

// RTTBucket maps an RTT in microseconds onto the 14-bucket log scale.
func RTTBucket(us int64) int {
	for i, t := range rttThresholds {
		if us < t {
			return i
		}
	}
	return RTTHistBuckets - 1
}

// pktSizeThresholds are the upper bounds (bytes) of the first 19 packet
// size buckets; the last bucket is >=2000B jumbo.
var pktSizeThresholds = [19]uint32{64, 100, 160, 220, 300, 400, 576, 760, 950, 1140, 1320, 1400, 1430, 1460, 1480, 1492, 1500, 1518, 2000}

// PktSizeBucket maps a frame/payload length in bytes onto the 20-bucket
// size scale.
func PktSizeBucket(size uint32) int {
	for i, t := range pktSizeThresholds {
		if size < t {
			return i
		}
	}
	return PktSizeHistBuckets - 1
}

// TCP connection states tracked by the RTT state machine.
type TCPState int32

const (
	TCPStateUnknown TCPState = iota
	TCPStateSynSeen
	TCPStateActive
	TCPStateFinWait
	TCPStateClosed
)

func (s TCPState) String() string {
	switch s {
	case TCPStateSynSeen:
		return "syn-seen"
	case TCPStateActive:
		return "active"
	case TCPStateFinWait:
		return "fin-wait"
	case TCPStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Congestion event bits accumulated per direction and surfaced through
// interval entries.
const (
	EventZeroWindow = 0x01
	EventDupAck     = 0x02
	EventRetransmit = 0x04
	EventECE        = 0x08
	EventCWR        = 0x10
)

// Window-condition flags computed per accounting interval from the
// accumulated window samples.
const (
	WindowFlagZeroSeen  = 0x01
	WindowFlagStarving  = 0x02
	WindowFlagRecovered = 0x04
)

// TCP health statuses, ordered by severity.
const (
	HealthUnknown = iota
	HealthGood
	HealthWarning
	HealthProblem
)

// TCP health issue flags.
const (
	HealthFlagHighTailLatency = 0x01
	HealthFlagElevatedLoss    = 0x02
	HealthFlagHighLoss        = 0x04
	HealthFlagWindowStarved   = 0x08
	HealthFlagRTOStalls       = 0x10
)

// RTTInfo is the cached RTT view merged into snapshot records.
type RTTInfo struct {
	RTTUsecs int64    `json:"rtt_us"`    // -1 when unknown
	State    TCPState `json:"tcp_state"` // -1 semantics folded into Unknown
	SawSyn   bool     `json:"saw_syn"`
}

// WindowInfo is the cached receive-window/congestion view.
type WindowInfo struct {
	RwndBytes     int64  `json:"rwnd_bytes"` // -1 when unknown
	WindowScale   int32  `json:"window_scale"`
	ZeroWindowCnt uint32 `json:"zero_window_cnt"`
	DupAckCnt     uint32 `json:"dup_ack_cnt"`
	RetransmitCnt uint32 `json:"retransmit_cnt"`
	ECECnt        uint32 `json:"ece_cnt"`
	RecentEvents  uint8  `json:"recent_events"`
	Flags         uint8  `json:"window_flags"` // WindowFlag* bits
}

// HealthInfo is the cached TCP health classification.
type HealthInfo struct {
	RTTHist    [RTTHistBuckets]uint32 `json:"rtt_hist"`
	RTTSamples uint32                 `json:"rtt_samples"`
	Status     uint8                  `json:"health_status"`
	Flags      uint8                  `json:"health_flags"`
}

// IPGInfo is the cached inter-packet-gap view.
type IPGInfo struct {
	Hist    [IPGHistBuckets]uint32 `json:"ipg_hist"`
	Samples uint32                 `json:"ipg_samples"`
	MeanUs  int64                  `json:"ipg_mean_us"`
}

// PktSizeInfo carries frame and payload size distributions.
type PktSizeInfo struct {
	FrameHist      [PktSizeHistBuckets]uint32 `json:"frame_hist"`
	FrameSamples   uint32                     `json:"frame_samples"`
	FrameSum       uint64                     `json:"frame_sum"`
	FrameSumSq     uint64                     `json:"frame_sum_sq"`
	FrameMin       uint32                     `json:"frame_min"`
	FrameMax       uint32                     `json:"frame_max"`
	PayloadHist    [PktSizeHistBuckets]uint32 `json:"payload_hist"`
	PayloadSamples uint32                     `json:"payload_samples"`
	PayloadSum     uint64                     `json:"payload_sum"`
	PayloadSumSq   uint64                     `json:"payload_sum_sq"`
	PayloadMin     uint32                     `json:"payload_min"`
	PayloadMax     uint32                     `json:"payload_max"`
}

// PPSInfo carries the per-tick packets-per-second distribution.
type PPSInfo struct {
	Hist    [PPSHistBuckets]uint32 `json:"pps_hist"`
	Samples uint32                 `json:"pps_samples"`
	Sum     uint64                 `json:"pps_sum"`
	SumSq   uint64                 `json:"pps_sum_sq"`
}

// Video stream classification.
type StreamType uint8

const (
	StreamNone StreamType = iota
	StreamRTP
	StreamMPEGTS
)

// Video codecs detected in-band or via SDP.
type VideoCodec uint8

const (
	CodecUnknown VideoCodec = iota
	CodecH264
	CodecH265
	CodecVP8
	CodecVP9
	CodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case CodecH264:
		return "H264"
	case CodecH265:
		return "H265"
	case CodecVP8:
		return "VP8"
	case CodecVP9:
		return "VP9"
	case CodecAV1:
		return "AV1"
	default:
		return "unknown"
	}
}

// CodecSource records where codec identification came from.
type CodecSource uint8

const (
	CodecSourceNone CodecSource = iota
	CodecSourceInband
	CodecSourceSDP
)

// Audio codecs for the static RTP payload types.
type AudioCodec uint8

const (
	AudioCodecNone AudioCodec = iota
	AudioCodecPCMU
	AudioCodecPCMA
	AudioCodecG729
	AudioCodecOpus
	AudioCodecAAC
)

// RTPInfo is the per-stream RTP/video view carried in snapshots.
type RTPInfo struct {
	JitterUs      int64                     `json:"jitter_us"`
	SSRC          uint32                    `json:"ssrc"`
	SeqLoss       uint32                    `json:"seq_loss"`
	PacketsSeen   uint32                    `json:"packets_seen"`
	FrameCount    uint32                    `json:"frame_count"`
	KeyframeCount uint32                    `json:"keyframe_count"`
	GOPFrames     uint32                    `json:"gop_frames"`
	BitrateKbps   uint32                    `json:"bitrate_kbps"`
	JitterHist    [JitterHistBuckets]uint32 `json:"jitter_hist"`
	Width         uint16                    `json:"width"`
	Height        uint16                    `json:"height"`
	FPSx100       uint16                    `json:"fps_x100"`
	PayloadType   uint8                     `json:"payload_type"`
	Codec         VideoCodec                `json:"codec"`
	CodecSource   CodecSource               `json:"codec_source"`
	ProfileIDC    uint8                     `json:"profile_idc"`
	LevelIDC      uint8                     `json:"level_idc"`
	AudioCodec    AudioCodec                `json:"audio_codec"`
	SampleRateKHz uint8                     `json:"sample_rate_khz"`
	Channels      uint8                     `json:"channels"`
}

// MPEGTSInfo is the per-stream MPEG-TS view.
type MPEGTSInfo struct {
	CCErrors    uint32     `json:"cc_errors"`
	VideoPID    uint16     `json:"video_pid"`
	Codec       VideoCodec `json:"codec"`
	PacketsSeen uint32     `json:"packets_seen"`
}

// VideoInfo tags a flow with at most one detected media stream view.
type VideoInfo struct {
	StreamType StreamType  `json:"stream_type"`
	RTP        *RTPInfo    `json:"rtp,omitempty"`
	MPEGTS     *MPEGTSInfo `json:"mpegts,omitempty"`
}

// Codec returns the display name of the detected codec, or the empty
// string when the flow carries no recognized media stream.
func (v VideoInfo) Codec() string {
	switch v.StreamType {
	case StreamRTP:
		if v.RTP != nil && v.RTP.Codec != CodecUnknown {
			return v.RTP.Codec.String()
		}
	case StreamMPEGTS:
		if v.MPEGTS != nil && v.MPEGTS.Codec != CodecUnknown {
			return v.MPEGTS.Codec.String()
		}
	}
	return ""
}

// FlowRecord is a flow plus its accumulators and cached telemetry.
// Bytes/Packets carry raw counts inside the engine tables and
// per-second rates once placed in a TopFlows snapshot.
type FlowRecord struct {
	Flow    Flow  `json:"flow"`
	Bytes   int64 `json:"bytes"`
	Packets int64 `json:"packets"`

	RTT     RTTInfo     `json:"rtt"`
	Window  WindowInfo  `json:"window"`
	Health  HealthInfo  `json:"health"`
	IPG     IPGInfo     `json:"ipg"`
	PktSize PktSizeInfo `json:"pkt_size"`
	PPS     PPSInfo     `json:"pps"`
	Video   VideoInfo   `json:"video"`
}

// Totals aggregates reference-table membership.
type Totals struct {
	Bytes     int64
	Packets   int64
	FlowCount int
}

// TopFlows is the snapshot published from the capture thread to the
// reporting thread: Entries[rank][interval].
type TopFlows struct {
	Timestamp      timeutil.Usecs  `json:"timestamp_us"`
	WallTime       time.Time       `json:"wall_time"`
	FlowCount      int             `json:"flow_count"`
	TotalBytesPS   int64           `json:"total_bytes_ps"`
	TotalPacketsPS int64           `json:"total_packets_ps"`
	Intervals      []time.Duration `json:"intervals"`
	Entries        [][]FlowRecord  `json:"entries"`

	// Operator-facing drop/error counters, see the engine Counters.
	Counters CounterSnapshot `json:"counters"`
}

// CounterSnapshot is the point-in-time view of engine counters carried
// inside each published snapshot.
type CounterSnapshot struct {
	DecodeErrors   uint64 `json:"decode_errors"`
	RingDrops      uint64 `json:"ring_drops"`
	TableDrops     uint64 `json:"table_drops"`
	DeadlineMisses uint64 `json:"deadline_misses"`
	InvariantSkips uint64 `json:"invariant_skips"`
}
