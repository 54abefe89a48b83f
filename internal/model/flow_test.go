package model

import "testing"

func v4(a, b, c, d byte) Address {
	return V4Addr([4]byte{a, b, c, d})
}

func testFlow() Flow {
	return Flow{
		Ethertype: EthertypeIPv4,
		Src:       v4(10, 0, 0, 1),
		Dst:       v4(10, 0, 0, 2),
		SPort:     1234,
		DPort:     80,
		Proto:     ProtoTCP,
	}
}

func TestReverseIsInvolution(t *testing.T) {
	f := testFlow()
	r := f.Reverse()
	if r.Src != f.Dst || r.Dst != f.Src || r.SPort != f.DPort || r.DPort != f.SPort {
		t.Errorf("Reverse() = %v", r)
	}
	if r.Proto != f.Proto || r.TClass != f.TClass || r.Ethertype != f.Ethertype {
		t.Error("Reverse must preserve proto, tclass and ethertype")
	}
	if rr := r.Reverse(); rr != f {
		t.Errorf("Reverse(Reverse(f)) = %v, want %v", rr, f)
	}
}

func TestCanonicalSharedKey(t *testing.T) {
	f := testFlow()
	key1, fwd1 := Canonical(f)
	key2, fwd2 := Canonical(f.Reverse())
	if key1 != key2 {
		t.Errorf("directions map to different keys: %v vs %v", key1, key2)
	}
	if fwd1 == fwd2 {
		t.Error("both directions report the same orientation")
	}
	if key1.Lo != f.Src || key1.Hi != f.Dst {
		t.Errorf("lo/hi ordering wrong: %v", key1)
	}
}

func TestCanonicalEqualAddresses(t *testing.T) {
	f := testFlow()
	f.Dst = f.Src
	f.SPort, f.DPort = 5000, 80

	key, fwd := Canonical(f)
	if fwd {
		t.Error("higher source port should not be the forward direction")
	}
	if key.PortLo != 80 || key.PortHi != 5000 {
		t.Errorf("port ordering = %d/%d, want 80/5000", key.PortLo, key.PortHi)
	}
}

func TestAddressCompare(t *testing.T) {
	a := v4(10, 0, 0, 1)
	b := v4(10, 0, 0, 2)
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Error("Compare ordering wrong")
	}

	v6a := V6Addr([16]byte{0x20, 0x01, 0x0d, 0xb8})
	if v6a.String() == "" {
		t.Error("v6 address renders empty")
	}
}

func TestLog12BucketBoundaries(t *testing.T) {
	cases := []struct {
		v    int64
		want int
	}{
		{0, 0}, {9, 0}, {10, 1}, {49, 1}, {50, 2}, {99, 2},
		{100, 3}, {499, 3}, {500, 4}, {999, 4}, {1000, 5},
		{5000, 7}, {10000, 8}, {99999, 10}, {100000, 11}, {5000000, 11},
	}
	for _, c := range cases {
		if got := Log12Bucket(c.v); got != c.want {
			t.Errorf("Log12Bucket(%d) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestRTTBucketBoundaries(t *testing.T) {
	cases := []struct {
		us   int64
		want int
	}{
		{0, 0}, {99, 0}, {100, 1}, {200, 2}, {999, 3},
		{1000, 4}, {5000, 6}, {50000, 9}, {1000000, 13}, {5000000, 13},
	}
	for _, c := range cases {
		if got := RTTBucket(c.us); got != c.want {
			t.Errorf("RTTBucket(%d) = %d, want %d", c.us, got, c.want)
		}
	}
}

func TestPktSizeBucketBoundaries(t *testing.T) {
	if got := PktSizeBucket(0); got != 0 {
		t.Errorf("PktSizeBucket(0) = %d, want 0", got)
	}
	if got := PktSizeBucket(64); got != 1 {
		t.Errorf("PktSizeBucket(64) = %d, want 1", got)
	}
	if got := PktSizeBucket(1500); got != 17 {
		t.Errorf("PktSizeBucket(1500) = %d, want 17", got)
	}
	if got := PktSizeBucket(9000); got != PktSizeHistBuckets-1 {
		t.Errorf("PktSizeBucket(9000) = %d, want %d", got, PktSizeHistBuckets-1)
	}
}

func TestProtoAndDSCPNames(t *testing.T) {
	if ProtoName(ProtoTCP) != "TCP" || ProtoName(ProtoUDP) != "UDP" {
		t.Error("proto names wrong")
	}
	if ProtoName(200) != "" {
		t.Error("unlisted proto should render empty")
	}
	// TClass carries the codepoint shifted into the ToS position.
	if DSCPName(46<<2) != "EF" {
		t.Errorf("DSCPName(EF) = %q", DSCPName(46<<2))
	}
	if DSCPName(0) != "CS0" {
		t.Errorf("DSCPName(0) = %q", DSCPName(0))
	}
}
