// pcapgen writes a synthetic capture exercising the analyzer's main
// paths: a TCP session with a window-scale handshake, data transfer and
// a zero-window stall, an RTP H.264 stream with periodic keyframes, and
// background UDP chatter. Useful as a pcap-analyzer input when no real
// traffic is at hand.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	clientIP  = net.IP{192, 168, 1, 10}
	serverIP  = net.IP{192, 168, 1, 20}
)

type writer struct {
	pcap *pcapgo.Writer
	now  time.Time
}

func (w *writer) emit(step time.Duration, l ...gopacket.SerializableLayer) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, l...); err != nil {
		log.Fatalf("serialize: %v", err)
	}
	w.now = w.now.Add(step)
	ci := gopacket.CaptureInfo{
		Timestamp:     w.now,
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}
	if err := w.pcap.WritePacket(ci, buf.Bytes()); err != nil {
		log.Fatalf("write packet: %v", err)
	}
}

func eth(src, dst net.HardwareAddr) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeIPv4}
}

func ipv4(src, dst net.IP, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{Version: 4, TTL: 64, SrcIP: src, DstIP: dst, Protocol: proto}
}

func tcpSession(w *writer, segments int) {
	const cPort, sPort = 40000, 80
	cSeq, sSeq := uint32(1000), uint32(9000)

	syn := &layers.TCP{
		SrcPort: cPort, DstPort: sPort, Seq: cSeq, SYN: true, Window: 65535,
		Options: []layers.TCPOption{{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}}},
	}
	ip := ipv4(clientIP, serverIP, layers.IPProtocolTCP)
	syn.SetNetworkLayerForChecksum(ip)
	w.emit(time.Millisecond, eth(clientMAC, serverMAC), ip, syn)
	cSeq++

	synAck := &layers.TCP{
		SrcPort: sPort, DstPort: cPort, Seq: sSeq, Ack: cSeq, SYN: true, ACK: true, Window: 28960,
		Options: []layers.TCPOption{{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{9}}},
	}
	rip := ipv4(serverIP, clientIP, layers.IPProtocolTCP)
	synAck.SetNetworkLayerForChecksum(rip)
	w.emit(time.Millisecond, eth(serverMAC, clientMAC), rip, synAck)
	sSeq++

	payload := make([]byte, 512)
	for i := 0; i < segments; i++ {
		data := &layers.TCP{SrcPort: cPort, DstPort: sPort, Seq: cSeq, Ack: sSeq, ACK: true, PSH: true, Window: 512}
		dip := ipv4(clientIP, serverIP, layers.IPProtocolTCP)
		data.SetNetworkLayerForChecksum(dip)
		w.emit(time.Millisecond, eth(clientMAC, serverMAC), dip, data, gopacket.Payload(payload))
		cSeq += uint32(len(payload))

		// The server stalls a third of the way in, then recovers.
		window := uint16(28960)
		if i == segments/3 {
			window = 0
		}
		ack := &layers.TCP{SrcPort: sPort, DstPort: cPort, Seq: sSeq, Ack: cSeq, ACK: true, Window: window}
		aip := ipv4(serverIP, clientIP, layers.IPProtocolTCP)
		ack.SetNetworkLayerForChecksum(aip)
		w.emit(time.Millisecond, eth(serverMAC, clientMAC), aip, ack)
	}
}

func rtpStream(w *writer, frames int) {
	const ssrc = 0x00C0FFEE
	seq, rtpTS := uint16(100), uint32(0)

	for i := 0; i < frames; i++ {
		nal := byte(0x41) // non-IDR slice
		if i%30 == 0 {
			nal = 0x65 // IDR
		}
		payload := append([]byte{
			0x80, 96, byte(seq >> 8), byte(seq),
			byte(rtpTS >> 24), byte(rtpTS >> 16), byte(rtpTS >> 8), byte(rtpTS),
			ssrc >> 24 & 0xFF, ssrc >> 16 & 0xFF, ssrc >> 8 & 0xFF, ssrc & 0xFF,
			nal,
		}, make([]byte, 800)...)

		udp := &layers.UDP{SrcPort: 6970, DstPort: 50000}
		ip := ipv4(serverIP, clientIP, layers.IPProtocolUDP)
		udp.SetNetworkLayerForChecksum(ip)
		// 30 fps wall clock, 90 kHz media clock.
		w.emit(33*time.Millisecond, eth(serverMAC, clientMAC), ip, udp, gopacket.Payload(payload))
		seq++
		rtpTS += 3000
	}
}

func backgroundUDP(w *writer, packets int) {
	for i := 0; i < packets; i++ {
		udp := &layers.UDP{SrcPort: layers.UDPPort(20000 + i%4), DstPort: 53}
		ip := ipv4(clientIP, serverIP, layers.IPProtocolUDP)
		udp.SetNetworkLayerForChecksum(ip)
		w.emit(5*time.Millisecond, eth(clientMAC, serverMAC), ip, udp, gopacket.Payload(make([]byte, 64)))
	}
}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	segments := flag.Int("tcp", 60, "TCP data segments to generate")
	frames := flag.Int("frames", 120, "RTP video frames to generate")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("create output file: %v", err)
	}
	defer f.Close()

	pw := pcapgo.NewWriter(f)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("write pcap header: %v", err)
	}

	w := &writer{pcap: pw, now: time.Now()}
	tcpSession(w, *segments)
	rtpStream(w, *frames)
	backgroundUDP(w, 100)

	log.Printf("wrote %s: %d TCP segments, %d RTP frames", *outputFile, *segments, *frames)
}
