package model

// protoNames maps IP protocol numbers to display names for the
// reporting surface. Unlisted protocols render as the empty string.
var protoNames = map[uint8]string{
	0:           "IP",
	ProtoICMP:   "ICMP",
	ProtoIGMP:   "IGMP",
	ProtoTCP:    "TCP",
	ProtoUDP:    "UDP",
	ProtoESP:    "ESP",
	ProtoICMPv6: "ICMP6",
}

// ProtoName returns the display name for an IP protocol number.
func ProtoName(proto uint8) string {
	return protoNames[proto]
}

// dscpNames maps DSCP codepoints to their standard names. Flow.TClass
// stores the masked traffic-class byte (codepoint << 2).
var dscpNames = map[uint8]string{
	0:  "CS0",
	8:  "CS1",
	10: "AF11",
	12: "AF12",
	14: "AF13",
	16: "CS2",
	18: "AF21",
	20: "AF22",
	22: "AF23",
	24: "CS3",
	26: "AF31",
	28: "AF32",
	30: "AF33",
	32: "CS4",
	34: "AF41",
	36: "AF42",
	38: "AF43",
	40: "CS5",
	46: "EF",
	48: "CS6",
	56: "CS7",
}

// DSCPName returns the display name for a traffic-class byte, or the
// empty string for unassigned codepoints.
func DSCPName(tclass uint8) string {
	return dscpNames[tclass>>2]
}
