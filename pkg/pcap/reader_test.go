package pcap

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func writeTestPcap(t *testing.T, packets [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("write file header: %v", err)
	}
	ts := time.Unix(1700000000, 0)
	for i, data := range packets {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatalf("write packet %d: %v", i, err)
		}
	}
	return path
}

func TestReaderReplaysFile(t *testing.T) {
	frame := make([]byte, 60)
	path := writeTestPcap(t, [][]byte{frame, frame, frame})

	r, err := NewReader(path, "")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if r.LinkType() != layers.LinkTypeEthernet {
		t.Errorf("link type = %v, want ethernet", r.LinkType())
	}

	count := 0
	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadPacketData: %v", err)
		}
		if len(data) != 60 || ci.CaptureLength != 60 {
			t.Errorf("packet %d: len %d capture %d, want 60", count, len(data), ci.CaptureLength)
		}
		count++
	}
	if count != 3 {
		t.Errorf("read %d packets, want 3", count)
	}
}

func TestReaderMissingFile(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "absent.pcap"), ""); err == nil {
		t.Fatal("expected error opening missing file")
	}
}
