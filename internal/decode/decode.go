// Package decode turns raw captured frames into flow-keyed packet
// summaries. It walks Ethernet (with VLAN tags), IPv4/IPv6 (including
// the IPv6 extension-header chain) and the transport layer, producing a
// typed error for anything truncated, malformed or unsupported. It
// never panics on hostile input: every read is bounds-checked against
// the captured length.
package decode

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"FlowScope/internal/model"
	"FlowScope/internal/timeutil"
)

// Link-layer header lengths.
const (
	hdrLenEther      = 14
	hdrLenVLANTag    = 4
	hdrLenLinuxSLL   = 16
	minL4HeaderLen   = 8 // UDP, the smallest L4 header we parse
	tcpBaseHeaderLen = 20
)

// TCP flag bits.
const (
	TCPFin = 0x01
	TCPSyn = 0x02
	TCPRst = 0x04
	TCPPsh = 0x08
	TCPAck = 0x10
	TCPUrg = 0x20
	TCPEce = 0x40
	TCPCwr = 0x80
)

// ICMP/ICMPv6 types used for pseudo-port synthesis.
const (
	icmpEchoReply    = 0
	icmpEcho         = 8
	icmp6EchoRequest = 128
	icmp6EchoReply   = 129
)

var (
	// ErrTruncated reports a capture shorter than its headers claim.
	ErrTruncated = errors.New("truncated packet")
	// ErrInvalidHeaderLength reports a header length field below the
	// protocol minimum.
	ErrInvalidHeaderLength = errors.New("invalid header length")
)

// UnsupportedError reports an ethertype, datalink or IP protocol the
// decoder does not handle. Callers treat it as "drop, don't count".
type UnsupportedError struct {
	Layer string
	Value uint32
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s [0x%x] ignored", e.Layer, e.Value)
}

// TCPFields is the extended TCP view used by the RTT and window
// trackers, extracted in the same pass as the flow key.
type TCPFields struct {
	Seq        uint32
	Ack        uint32
	Flags      uint8
	Window     uint16
	PayloadLen int32
	// HeaderLen is the TCP header length in bytes (offset*4).
	HeaderLen int
}

// Packet is one decoded frame: flow identity plus accounting deltas.
// Bytes comes from the original wire length, not the captured length.
type Packet struct {
	Flow      model.Flow
	Bytes     int64
	Packets   int64
	Timestamp timeutil.Usecs

	// TCP is non-nil only for TCP packets.
	TCP *TCPFields
	// L4Offset is the transport header offset within the frame, or -1
	// when no transport header was reached.
	L4Offset int
}

// Decode parses one captured frame. ci supplies the capture timestamp
// and the captured/original lengths; data may be shorter than the wire
// frame when the capture was truncated.
func Decode(link layers.LinkType, data []byte, ci gopacket.CaptureInfo) (*Packet, error) {
	pkt := &Packet{
		Bytes:     int64(ci.Length),
		Packets:   1,
		Timestamp: timeutil.FromTime(ci.Timestamp),
		L4Offset:  -1,
	}

	var err error
	switch link {
	case layers.LinkTypeEthernet:
		err = decodeEthernet(data, 0, pkt)
	case layers.LinkTypeLinuxSLL:
		err = decodeLinuxSLL(data, pkt)
	default:
		err = &UnsupportedError{Layer: "datalink", Value: uint32(link)}
	}
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

func decodeEthernet(data []byte, offset int, pkt *Packet) error {
	for {
		if len(data) < offset+hdrLenEther {
			return fmt.Errorf("ethernet header: %w", ErrTruncated)
		}
		ethertype := uint16(data[offset+12])<<8 | uint16(data[offset+13])
		switch ethertype {
		case model.EthertypeIPv4:
			return decodeIPv4(data, offset+hdrLenEther, pkt)
		case model.EthertypeIPv6:
			return decodeIPv6(data, offset+hdrLenEther, pkt)
		case model.EthertypeVLAN:
			// 802.1Q: the tagged frame carries the inner ethertype
			// 4 bytes further on.
			offset += hdrLenVLANTag
		case 0x0806: // ARP
			return &UnsupportedError{Layer: "ethertype ARP", Value: uint32(ethertype)}
		case 0x88CC: // LLDP
			return &UnsupportedError{Layer: "ethertype LLDP", Value: uint32(ethertype)}
		default:
			return &UnsupportedError{Layer: "ethertype", Value: uint32(ethertype)}
		}
	}
}

func decodeLinuxSLL(data []byte, pkt *Packet) error {
	if len(data) < hdrLenLinuxSLL {
		return fmt.Errorf("sll header: %w", ErrTruncated)
	}
	proto := uint16(data[14])<<8 | uint16(data[15])
	switch proto {
	case model.EthertypeIPv4:
		return decodeIPv4(data, hdrLenLinuxSLL, pkt)
	case model.EthertypeIPv6:
		return decodeIPv6(data, hdrLenLinuxSLL, pkt)
	default:
		return &UnsupportedError{Layer: "sll protocol", Value: uint32(proto)}
	}
}

func decodeIPv4(data []byte, offset int, pkt *Packet) error {
	if len(data) < offset+20 {
		return fmt.Errorf("ipv4 header: %w", ErrTruncated)
	}
	ihl := int(data[offset]&0x0f) * 4
	if ihl < 20 {
		return fmt.Errorf("ipv4 header length %d: %w", ihl, ErrInvalidHeaderLength)
	}
	if len(data) < offset+ihl {
		return fmt.Errorf("ipv4 options: %w", ErrTruncated)
	}

	pkt.Flow.Ethertype = model.EthertypeIPv4
	var src, dst [4]byte
	copy(src[:], data[offset+12:offset+16])
	copy(dst[:], data[offset+16:offset+20])
	pkt.Flow.Src = model.V4Addr(src)
	pkt.Flow.Dst = model.V4Addr(dst)
	pkt.Flow.TClass = data[offset+1] & 0xfc

	return decodeTransport(data, offset+ihl, data[offset+9], pkt)
}

// ipv6ExtHeader reports whether an IPv6 next-header value is one of the
// extension headers we skip over (hop-by-hop, routing, fragment,
// destination options).
func ipv6ExtHeader(nh uint8) bool {
	switch nh {
	case 0, 43, 44, 60:
		return true
	}
	return false
}

func decodeIPv6(data []byte, offset int, pkt *Packet) error {
	if len(data) < offset+40 {
		return fmt.Errorf("ipv6 header: %w", ErrTruncated)
	}

	pkt.Flow.Ethertype = model.EthertypeIPv6
	var src, dst [16]byte
	copy(src[:], data[offset+8:offset+24])
	copy(dst[:], data[offset+24:offset+40])
	pkt.Flow.Src = model.V6Addr(src)
	pkt.Flow.Dst = model.V6Addr(dst)
	// Traffic class is bits 20-27 of the version/class/flow word; keep
	// the DSCP portion masked the same way as the IPv4 ToS byte.
	vcf := uint32(data[offset])<<24 | uint32(data[offset+1])<<16 |
		uint32(data[offset+2])<<8 | uint32(data[offset+3])
	pkt.Flow.TClass = uint8((vcf & 0x0fc00000) >> 20)

	nextHdr := data[offset+6]
	cursor := offset + 40
	for ipv6ExtHeader(nextHdr) {
		if len(data) < cursor+2 {
			return fmt.Errorf("ipv6 extension header: %w", ErrTruncated)
		}
		extLen := (int(data[cursor+1]) + 1) * 8
		if cursor+extLen > len(data) {
			return fmt.Errorf("ipv6 extension header length: %w", ErrTruncated)
		}
		nh := data[cursor]
		cursor += extLen
		nextHdr = nh
	}

	if cursor+minL4HeaderLen > len(data) {
		return fmt.Errorf("ipv6 payload: %w", ErrTruncated)
	}
	return decodeTransport(data, cursor, nextHdr, pkt)
}

func decodeTransport(data []byte, l4 int, proto uint8, pkt *Packet) error {
	pkt.L4Offset = l4
	switch proto {
	case model.ProtoTCP:
		return decodeTCP(data, l4, pkt)
	case model.ProtoUDP:
		return decodeUDP(data, l4, pkt)
	case model.ProtoICMP:
		return decodeICMP(data, l4, pkt)
	case model.ProtoICMPv6:
		return decodeICMPv6(data, l4, pkt)
	case model.ProtoIGMP:
		pkt.Flow.Proto = model.ProtoIGMP
		return nil
	case model.ProtoESP:
		pkt.Flow.Proto = model.ProtoESP
		return nil
	default:
		pkt.L4Offset = -1
		return &UnsupportedError{Layer: "ip protocol", Value: uint32(proto)}
	}
}

func decodeTCP(data []byte, l4 int, pkt *Packet) error {
	if len(data) < l4+tcpBaseHeaderLen {
		return fmt.Errorf("tcp header: %w", ErrTruncated)
	}
	hdrLen := int(data[l4+12]>>4) * 4
	if hdrLen < tcpBaseHeaderLen {
		return fmt.Errorf("tcp header length %d: %w", hdrLen, ErrInvalidHeaderLength)
	}

	pkt.Flow.Proto = model.ProtoTCP
	pkt.Flow.SPort = be16(data, l4)
	pkt.Flow.DPort = be16(data, l4+2)

	payload := int32(len(data) - (l4 + hdrLen))
	if payload < 0 {
		payload = 0
	}
	pkt.TCP = &TCPFields{
		Seq:        be32(data, l4+4),
		Ack:        be32(data, l4+8),
		Flags:      data[l4+13],
		Window:     be16(data, l4+14),
		PayloadLen: payload,
		HeaderLen:  hdrLen,
	}
	return nil
}

func decodeUDP(data []byte, l4 int, pkt *Packet) error {
	if len(data) < l4+8 {
		return fmt.Errorf("udp header: %w", ErrTruncated)
	}
	pkt.Flow.Proto = model.ProtoUDP
	pkt.Flow.SPort = be16(data, l4)
	pkt.Flow.DPort = be16(data, l4+2)
	return nil
}

// decodeICMP synthesizes a pseudo-port pair so ICMP traffic can be
// tracked like a flow: echo requests and replies share a flow identity
// (the reply's ports are the reverse of the request's), other types
// aggregate per ICMP type.
func decodeICMP(data []byte, l4 int, pkt *Packet) error {
	if len(data) < l4+8 {
		return fmt.Errorf("icmp header: %w", ErrTruncated)
	}
	pkt.Flow.Proto = model.ProtoICMP
	typ, code := data[l4], data[l4+1]
	ident := be16(data, l4+4)
	switch typ {
	case icmpEcho:
		pkt.Flow.DPort = uint16(icmpEcho)<<8 | uint16(code)
		pkt.Flow.SPort = ident
	case icmpEchoReply:
		pkt.Flow.SPort = uint16(icmpEcho)<<8 | uint16(code)
		pkt.Flow.DPort = ident
	default:
		pkt.Flow.SPort = uint16(typ)
		pkt.Flow.DPort = 0
	}
	return nil
}

func decodeICMPv6(data []byte, l4 int, pkt *Packet) error {
	if len(data) < l4+8 {
		return fmt.Errorf("icmpv6 header: %w", ErrTruncated)
	}
	pkt.Flow.Proto = model.ProtoICMPv6
	typ, code := data[l4], data[l4+1]
	ident := be16(data, l4+4)
	switch typ {
	case icmp6EchoRequest:
		pkt.Flow.DPort = uint16(icmp6EchoRequest)<<8 | uint16(code)
		pkt.Flow.SPort = ident
	case icmp6EchoReply:
		// Mirror the request's pseudo-ports so both directions pair up.
		pkt.Flow.SPort = uint16(icmp6EchoRequest)<<8 | uint16(code)
		pkt.Flow.DPort = ident
	default:
		pkt.Flow.SPort = uint16(typ)
		pkt.Flow.DPort = 0
	}
	return nil
}

func be16(b []byte, i int) uint16 {
	return uint16(b[i])<<8 | uint16(b[i+1])
}

func be32(b []byte, i int) uint32 {
	return uint32(b[i])<<24 | uint32(b[i+1])<<16 | uint32(b[i+2])<<8 | uint32(b[i+3])
}
