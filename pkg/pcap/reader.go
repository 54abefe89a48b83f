// Package pcap provides offline packet sources for replaying capture
// files through the engine.
package pcap

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// Reader replays a pcap file. It satisfies the capture loop's Source
// interface; ReadPacketData returns io.EOF when the file is exhausted.
type Reader struct {
	handle *pcap.Handle
	path   string
}

// NewReader opens a pcap file, optionally restricted by a BPF filter.
func NewReader(path, bpf string) (*Reader, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap file %s: %w", path, err)
	}
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, fmt.Errorf("set filter %q: %w", bpf, err)
		}
	}
	return &Reader{handle: handle, path: path}, nil
}

// ReadPacketData returns the next packet with its original capture
// timestamp.
func (r *Reader) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return r.handle.ReadPacketData()
}

// LinkType reports the file's link layer.
func (r *Reader) LinkType() layers.LinkType { return r.handle.LinkType() }

// Path returns the file being replayed.
func (r *Reader) Path() string { return r.path }

// Close releases the handle.
func (r *Reader) Close() { r.handle.Close() }
