// Package rtsp passively observes RTSP signaling on TCP control flows
// to extract SDP codec parameters and SETUP port mappings, and to track
// session state. Sessions live in a bounded table and expire on
// inactivity or TEARDOWN.
package rtsp

import (
	"strconv"
	"strings"
	"time"

	"FlowScope/internal/model"
	"FlowScope/internal/timeutil"
)

const (
	// MaxSessions bounds the session table.
	MaxSessions = 64
	// MaxMedia bounds media streams per session (multi-stream SDP).
	MaxMedia = 4
	// DefaultSessionTimeout expires idle sessions.
	DefaultSessionTimeout = 60 * time.Second
)

// SessionState is the RTSP signaling state.
type SessionState int

const (
	StateInit SessionState = iota
	StateDescribed
	StateSetup
	StatePlaying
	StatePaused
	StateTeardown
)

func (s SessionState) String() string {
	switch s {
	case StateDescribed:
		return "described"
	case StateSetup:
		return "setup"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTeardown:
		return "teardown"
	default:
		return "init"
	}
}

// Media is one stream's parameters learned from SDP and SETUP.
type Media struct {
	PayloadType uint8
	Codec       model.VideoCodec
	CodecName   string
	ClockRate   uint32

	ProfileIDC  uint8
	LevelIDC    uint8
	SpropParams string

	ClientRTPPort  uint16
	ClientRTCPPort uint16
	ServerRTPPort  uint16
	ServerRTCPPort uint16
	SSRC           uint32

	RTPFlow       model.Flow
	RTPFlowLinked bool
}

// Session tracks one RTSP control connection.
type Session struct {
	ControlFlow  model.Flow
	SessionID    string
	URL          string
	State        SessionState
	LastActivity timeutil.Usecs
	Media        []Media
}

// Tap is the bounded RTSP session table, keyed by control flow.
type Tap struct {
	sessions map[model.Flow]*Session
}

// NewTap returns an empty tap.
func NewTap() *Tap {
	return &Tap{sessions: make(map[model.Flow]*Session)}
}

// SessionCount returns the number of active sessions.
func (t *Tap) SessionCount() int { return len(t.sessions) }

// Session returns the session for a control flow, if tracked.
func (t *Tap) Session(controlFlow model.Flow) (*Session, bool) {
	s, ok := t.sessions[controlFlow]
	return s, ok
}

// rtspPrefixes quickly filters TCP payloads that can be RTSP.
var rtspPrefixes = []string{
	"RTSP", "DESC", "SETU", "PLAY", "PAUS", "TEAR", "OPTI", "ANNO", "GET_", "SET_",
}

func looksLikeRTSP(payload []byte) bool {
	if len(payload) < 4 {
		return false
	}
	head := string(payload[:4])
	for _, p := range rtspPrefixes {
		if head == p {
			return true
		}
	}
	return false
}

// ProcessPacket inspects a TCP payload that may contain an RTSP
// message. Returns true when an RTSP message was recognized.
func (t *Tap) ProcessPacket(flow model.Flow, payload []byte, ts timeutil.Usecs) bool {
	if len(payload) == 0 || !looksLikeRTSP(payload) {
		return false
	}

	session, ok := t.sessions[flow]
	if !ok {
		if len(t.sessions) >= MaxSessions {
			return false
		}
		session = &Session{ControlFlow: flow}
		t.sessions[flow] = session
	}

	return t.processMessage(session, string(payload), ts)
}

func (t *Tap) processMessage(session *Session, msg string, ts timeutil.Usecs) bool {
	session.LastActivity = ts

	if strings.HasPrefix(msg, "RTSP/1.0 ") {
		return processResponse(session, msg)
	}

	switch {
	case strings.HasPrefix(msg, "PLAY"):
		session.State = StatePlaying
	case strings.HasPrefix(msg, "PAUSE"):
		session.State = StatePaused
	case strings.HasPrefix(msg, "TEARDOWN"):
		session.State = StateTeardown
	case strings.HasPrefix(msg, "DESCRIBE"):
		rest := msg[len("DESCRIBE"):]
		if len(rest) > 0 && rest[0] == ' ' {
			rest = rest[1:]
			if sp := strings.IndexByte(rest, ' '); sp > 0 {
				session.URL = rest[:sp]
			}
		}
	default:
		return false
	}
	return true
}

func processResponse(session *Session, msg string) bool {
	code, err := strconv.Atoi(firstToken(msg[len("RTSP/1.0 "):]))
	if err != nil || code != 200 {
		return false
	}

	if ct, ok := headerValue(msg, "Content-Type"); ok &&
		strings.HasPrefix(strings.ToLower(ct), "application/sdp") {
		if idx := strings.Index(msg, "\r\n\r\n"); idx >= 0 {
			body := msg[idx+4:]
			if len(body) > 0 && len(session.Media) < MaxMedia {
				var media Media
				if parseSDP(body, &media) {
					session.Media = append(session.Media, media)
					session.State = StateDescribed
				}
			}
		}
	}

	if tr, ok := headerValue(msg, "Transport"); ok && len(session.Media) > 0 {
		media := &session.Media[len(session.Media)-1]
		if parseTransport(tr, media) {
			session.State = StateSetup
		}
	}

	if sess, ok := headerValue(msg, "Session"); ok {
		// Strip ";timeout=..." parameters.
		if semi := strings.IndexByte(sess, ';'); semi >= 0 {
			sess = sess[:semi]
		}
		session.SessionID = sess
	}

	return true
}

func firstToken(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

// headerValue finds "Header: value" in an RTSP message, matching the
// header name case-insensitively.
func headerValue(msg, header string) (string, bool) {
	for _, line := range strings.Split(msg, "\n") {
		line = strings.TrimSuffix(line, "\r")
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		if strings.EqualFold(line[:colon], header) {
			return strings.TrimSpace(line[colon+1:]), true
		}
	}
	return "", false
}

// parseSDP scans an SDP body for an m=video section and its rtpmap and
// fmtp attributes.
func parseSDP(sdp string, media *Media) bool {
	foundVideo := false
	var currentPT uint8

	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSuffix(line, "\r")

		if strings.HasPrefix(line, "m=video ") {
			// m=video <port> RTP/AVP <pt>
			fields := strings.Fields(line[len("m=video "):])
			if len(fields) >= 3 && strings.HasPrefix(fields[1], "RTP/AVP") {
				if pt, err := strconv.Atoi(fields[2]); err == nil && pt >= 0 && pt <= 255 {
					foundVideo = true
					currentPT = uint8(pt)
					media.PayloadType = currentPT
				}
			}
			continue
		}

		if rest, ok := strings.CutPrefix(line, "a=rtpmap:"); ok {
			// a=rtpmap:<pt> <codec>/<clock_rate>
			sp := strings.IndexByte(rest, ' ')
			if sp < 0 {
				continue
			}
			pt, err := strconv.Atoi(rest[:sp])
			if err != nil || !foundVideo || uint8(pt) != currentPT {
				continue
			}
			spec := rest[sp+1:]
			slash := strings.IndexByte(spec, '/')
			if slash < 0 {
				continue
			}
			media.CodecName = spec[:slash]
			if rate, err := strconv.Atoi(strings.SplitN(spec[slash+1:], "/", 2)[0]); err == nil {
				media.ClockRate = uint32(rate)
			}
			media.Codec = codecFromName(media.CodecName)
			continue
		}

		if rest, ok := strings.CutPrefix(line, "a=fmtp:"); ok {
			sp := strings.IndexByte(rest, ' ')
			if sp < 0 {
				continue
			}
			pt, err := strconv.Atoi(rest[:sp])
			if err != nil || !foundVideo || uint8(pt) != currentPT {
				continue
			}
			params := rest[sp+1:]
			parseFmtp(params, media)
		}
	}

	return foundVideo
}

func codecFromName(name string) model.VideoCodec {
	switch {
	case strings.EqualFold(name, "H264"):
		return model.CodecH264
	case strings.EqualFold(name, "H265"), strings.EqualFold(name, "HEVC"):
		return model.CodecH265
	case strings.EqualFold(name, "VP8"):
		return model.CodecVP8
	case strings.EqualFold(name, "VP9"):
		return model.CodecVP9
	case strings.EqualFold(name, "AV1"):
		return model.CodecAV1
	default:
		return model.CodecUnknown
	}
}

func parseFmtp(params string, media *Media) {
	// profile-level-id is 6 hex chars: PP CC LL (profile, constraint,
	// level).
	if idx := strings.Index(params, "profile-level-id="); idx >= 0 {
		hex := params[idx+len("profile-level-id="):]
		end := 0
		for end < len(hex) && end < 6 && isHexDigit(hex[end]) {
			end++
		}
		if v, err := strconv.ParseUint(hex[:end], 16, 32); err == nil && end == 6 {
			media.ProfileIDC = uint8(v >> 16)
			media.LevelIDC = uint8(v)
		}
	}

	if idx := strings.Index(params, "sprop-parameter-sets="); idx >= 0 {
		val := params[idx+len("sprop-parameter-sets="):]
		end := strings.IndexAny(val, "; ")
		if end < 0 {
			end = len(val)
		}
		media.SpropParams = val[:end]
	}
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// parseTransport extracts client/server port pairs and an optional
// SSRC (hex or decimal) from a Transport header value.
func parseTransport(transport string, media *Media) bool {
	if idx := strings.Index(transport, "client_port="); idx >= 0 {
		rtp, rtcp, ok := parsePortPair(transport[idx+len("client_port="):])
		if ok {
			media.ClientRTPPort = rtp
			media.ClientRTCPPort = rtcp
		}
	}
	if idx := strings.Index(transport, "server_port="); idx >= 0 {
		rtp, rtcp, ok := parsePortPair(transport[idx+len("server_port="):])
		if ok {
			media.ServerRTPPort = rtp
			media.ServerRTCPPort = rtcp
		}
	}
	if idx := strings.Index(transport, "ssrc="); idx >= 0 {
		val := transport[idx+len("ssrc="):]
		end := strings.IndexAny(val, "; ")
		if end < 0 {
			end = len(val)
		}
		val = val[:end]
		if v, err := strconv.ParseUint(val, 16, 32); err == nil {
			media.SSRC = uint32(v)
		} else if v, err := strconv.ParseUint(val, 10, 32); err == nil {
			media.SSRC = uint32(v)
		}
	}
	return media.ClientRTPPort != 0 || media.ServerRTPPort != 0
}

func parsePortPair(s string) (rtp, rtcp uint16, ok bool) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	first, err := strconv.ParseUint(s[:end], 10, 16)
	if err != nil {
		return 0, 0, false
	}
	rtp = uint16(first)
	rtcp = rtp + 1
	if end < len(s) && s[end] == '-' {
		rest := s[end+1:]
		e2 := 0
		for e2 < len(rest) && rest[e2] >= '0' && rest[e2] <= '9' {
			e2++
		}
		if second, err := strconv.ParseUint(rest[:e2], 10, 16); err == nil && second != 0 {
			rtcp = uint16(second)
		}
	}
	return rtp, rtcp, true
}

// LinkRTPFlow records the RTP 5-tuple matched to a media stream.
func (m *Media) LinkRTPFlow(f model.Flow) {
	m.RTPFlow = f
	m.RTPFlowLinked = true
}

// FindMediaForRTP matches a detected RTP flow to a session's media by
// SSRC or by the negotiated server RTP port. Sessions are keyed by the
// flow the signaling arrived on, which may be either direction of the
// control connection, so both endpoint orderings are accepted.
func (t *Tap) FindMediaForRTP(rtpFlow model.Flow, ssrc uint32) *Media {
	for _, s := range t.sessions {
		for i := range s.Media {
			m := &s.Media[i]
			if m.SSRC != 0 && m.SSRC == ssrc {
				return m
			}
			if rtpFlow.Proto != model.ProtoUDP || m.ServerRTPPort == 0 {
				continue
			}
			srcIsEndpoint := rtpFlow.Src == s.ControlFlow.Src || rtpFlow.Src == s.ControlFlow.Dst
			dstIsEndpoint := rtpFlow.Dst == s.ControlFlow.Src || rtpFlow.Dst == s.ControlFlow.Dst
			if !srcIsEndpoint || !dstIsEndpoint {
				continue
			}
			if rtpFlow.SPort == m.ServerRTPPort || rtpFlow.DPort == m.ServerRTPPort {
				return m
			}
		}
	}
	return nil
}

// SessionStateForRTP returns the session state for a linked RTP flow.
func (t *Tap) SessionStateForRTP(rtpFlow model.Flow) SessionState {
	for _, s := range t.sessions {
		for i := range s.Media {
			m := &s.Media[i]
			if m.RTPFlowLinked && bidirectionalMatch(m.RTPFlow, rtpFlow) {
				return s.State
			}
		}
	}
	return StateInit
}

func bidirectionalMatch(a, b model.Flow) bool {
	if a.Ethertype != b.Ethertype || a.Proto != b.Proto {
		return false
	}
	if a.Src == b.Src && a.Dst == b.Dst && a.SPort == b.SPort && a.DPort == b.DPort {
		return true
	}
	return a.Src == b.Dst && a.Dst == b.Src && a.SPort == b.DPort && a.DPort == b.SPort
}

// Cleanup expires sessions idle longer than timeout and removes
// TEARDOWN sessions immediately.
func (t *Tap) Cleanup(now timeutil.Usecs, timeout time.Duration) {
	limit := timeutil.FromDuration(timeout)
	for key, s := range t.sessions {
		if s.State == StateTeardown || now-s.LastActivity > limit {
			delete(t.sessions, key)
		}
	}
}
