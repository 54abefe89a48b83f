package model

import (
	"bytes"
	"fmt"
	"net"
)

// Ethertypes understood by the decoder.
const (
	EthertypeIPv4 = 0x0800
	EthertypeIPv6 = 0x86DD
	EthertypeVLAN = 0x8100
)

// IP protocol numbers tracked as flows.
const (
	ProtoICMP   = 1
	ProtoIGMP   = 2
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
	ProtoESP    = 50
)

// AddrFamily tags an Address as IPv4 or IPv6.
type AddrFamily uint8

const (
	AddrV4 AddrFamily = iota
	AddrV6
)

// Address is a tagged IPv4/IPv6 address. It is comparable and safe to
// embed in map keys; for IPv4 only the first 4 bytes of B are used.
type Address struct {
	Family AddrFamily
	B      [16]byte
}

// V4Addr builds an IPv4 Address.
func V4Addr(b [4]byte) Address {
	var a Address
	a.Family = AddrV4
	copy(a.B[:4], b[:])
	return a
}

// V6Addr builds an IPv6 Address.
func V6Addr(b [16]byte) Address {
	return Address{Family: AddrV6, B: b}
}

// IP returns the address as a net.IP.
func (a Address) IP() net.IP {
	if a.Family == AddrV4 {
		return net.IPv4(a.B[0], a.B[1], a.B[2], a.B[3])
	}
	ip := make(net.IP, 16)
	copy(ip, a.B[:])
	return ip
}

// raw returns the bytes that participate in ordering comparisons.
func (a Address) raw() []byte {
	if a.Family == AddrV4 {
		return a.B[:4]
	}
	return a.B[:]
}

// Compare orders two addresses bytewise, mirroring memcmp semantics.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a.raw(), b.raw())
}

func (a Address) String() string {
	return a.IP().String()
}

// Flow identifies a unidirectional traffic aggregate.
type Flow struct {
	Ethertype uint16
	Src       Address
	Dst       Address
	SPort     uint16
	DPort     uint16
	Proto     uint8
	TClass    uint8
}

// Reverse returns the flow with source and destination swapped.
// Reverse(Reverse(f)) == f.
func (f Flow) Reverse() Flow {
	r := f
	r.Src, r.Dst = f.Dst, f.Src
	r.SPort, r.DPort = f.DPort, f.SPort
	return r
}

func (f Flow) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%d", f.Src, f.SPort, f.Dst, f.DPort, f.Proto)
}

// CanonicalTCPKey is a direction-independent key for bidirectional TCP
// trackers: the numerically lower address (or, on equal addresses, the
// lower port) occupies the Lo fields so both directions of a connection
// map to the same entry.
type CanonicalTCPKey struct {
	Ethertype uint16
	Lo        Address
	Hi        Address
	PortLo    uint16
	PortHi    uint16
}

// Canonical derives the canonical key for f and reports whether f's own
// direction matches the lo->hi ordering.
func Canonical(f Flow) (CanonicalTCPKey, bool) {
	key := CanonicalTCPKey{Ethertype: f.Ethertype}
	cmp := f.Src.Compare(f.Dst)
	if cmp < 0 || (cmp == 0 && f.SPort <= f.DPort) {
		key.Lo, key.Hi = f.Src, f.Dst
		key.PortLo, key.PortHi = f.SPort, f.DPort
		return key, true
	}
	key.Lo, key.Hi = f.Dst, f.Src
	key.PortLo, key.PortHi = f.DPort, f.SPort
	return key, false
}
