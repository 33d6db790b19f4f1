package disk

import (
	"bytes"
	"testing"
)

func TestCRC16(t *testing.T) {
	// XMODEM check value
	if got := crc16(0, []byte("123456789")); got != 0x31c3 {
		t.Fatalf("crc16: got %04x want 31c3", got)
	}
	if got := crc16(0, nil); got != 0 {
		t.Fatalf("crc16 of nothing: got %04x want 0", got)
	}
}

func TestRLERoundTrip(t *testing.T) {
	cases := [][]byte{
		bytes.Repeat([]byte{0x00}, 4096),
		bytes.Repeat([]byte{0xdb}, 100),         // runs of the escape byte
		{0xdb},                                  // single literal escape
		{1, 2, 3, 4, 5},                         // nothing to compress
		append(bytes.Repeat([]byte{7}, 300), 1), // run longer than 256
		patternBytes(4096, 11),
	}
	for i, src := range cases {
		packed := rleCompress(src)
		back, err := rleExpand(packed, len(src))
		if err != nil {
			t.Fatalf("case %d: expand: %v", i, err)
		}
		if !bytes.Equal(back, src) {
			t.Fatalf("case %d: RLE round trip mismatch", i)
		}
	}
}

func TestLZWChunkRoundTrip(t *testing.T) {
	cases := [][]byte{
		bytes.Repeat([]byte{0xaa}, 4096),
		patternBytes(4096, 3),
		patternBytes(17, 4),
		[]byte("the quick brown fox jumps over the lazy dog, repeatedly; " +
			"the quick brown fox jumps over the lazy dog"),
	}
	for i, src := range cases {
		packed := lzwCompressChunk(src)
		back, err := lzwExpandChunk(packed, len(src))
		if err != nil {
			t.Fatalf("case %d: expand: %v", i, err)
		}
		if !bytes.Equal(back, src) {
			t.Fatalf("case %d: LZW round trip mismatch", i)
		}
	}
}

func TestLZWThreadRoundTrip(t *testing.T) {
	// two full chunks plus a partial one; the tail past the source length
	// is padding the framing must hide
	src := patternBytes(4096*2+1000, 21)
	copy(src[:2048], bytes.Repeat([]byte{0xdb}, 2048))

	packed := lzwCompressThread(src, 254)
	back, vol, err := lzwExpandThread(packed, len(src))
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if vol != 254 {
		t.Errorf("volume number: got %d want 254", vol)
	}
	if !bytes.Equal(back, src) {
		t.Fatal("thread round trip mismatch")
	}

	if _, _, err := lzwExpandThread(packed[:len(packed)/2], len(src)); err == nil {
		t.Error("truncated thread should fail")
	}
}

func TestBuildAndParseNuFX(t *testing.T) {
	data := make([]byte, STD_DISK_BYTES)
	copy(data, patternBytes(8192, 31))

	arc := buildNuFXDiskArchive(data, 254, "TEST.DISK", NuFXCompressLZW2)
	if int64(len(arc)) >= STD_DISK_BYTES {
		t.Fatalf("archive did not compress: %d bytes", len(arc))
	}

	parsed, err := parseNuFX(arc)
	if err != nil {
		t.Fatalf("parseNuFX: %v", err)
	}
	if len(parsed.records) != 1 {
		t.Fatalf("records: got %d want 1", len(parsed.records))
	}
	rec, thr, err := parsed.diskImageThread()
	if err != nil {
		t.Fatalf("diskImageThread: %v", err)
	}
	if rec.filename != "TEST.DISK" {
		t.Errorf("filename: %q", rec.filename)
	}
	if rec.extraType != uint32(STD_DISK_BYTES/BLOCK_SIZE) || rec.storageType != BLOCK_SIZE {
		t.Errorf("disk geometry attrs: extra=%d storage=%d", rec.extraType, rec.storageType)
	}

	out, vol, err := thr.expand(STD_DISK_BYTES)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if vol != 254 {
		t.Errorf("volume: got %d want 254", vol)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("disk data did not round-trip through the archive")
	}
}

func TestBuildNuFXUncompressed(t *testing.T) {
	data := patternBytes(int(STD_DISK_BYTES_OLD), 17)

	arc := buildNuFXDiskArchive(data, 1, "RAW", NuFXCompressNone)
	parsed, err := parseNuFX(arc)
	if err != nil {
		t.Fatalf("parseNuFX: %v", err)
	}
	_, thr, err := parsed.diskImageThread()
	if err != nil {
		t.Fatalf("diskImageThread: %v", err)
	}
	if thr.format != nufxFormatUncompressed {
		t.Fatalf("thread format: %04x", thr.format)
	}
	out, _, err := thr.expand(int64(len(data)))
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("stored thread mismatch")
	}
}

func TestParseNuFXBinaryII(t *testing.T) {
	arc := buildNuFXDiskArchive(make([]byte, STD_DISK_BYTES), 254, "D", NuFXCompressLZW2)

	// .bxy files carry a Binary II envelope in front of the stream
	bny := make([]byte, binary2HdrLen)
	bny[0] = binary2ID
	bny[1] = 0x47
	bny[2] = 0x4c
	parsed, err := parseNuFX(append(bny, arc...))
	if err != nil {
		t.Fatalf("parseNuFX with envelope: %v", err)
	}
	if !parsed.binary2 {
		t.Error("envelope not flagged")
	}
	if _, _, err := parsed.diskImageThread(); err != nil {
		t.Errorf("diskImageThread: %v", err)
	}
}

func TestParseNuFXRejectsJunk(t *testing.T) {
	if _, err := parseNuFX(patternBytes(512, 7)); err != NotMine {
		t.Errorf("junk: got %v want NotMine", err)
	}
	// valid signature with a broken body
	bad := make([]byte, nufxMasterHdrLen)
	copy(bad, nufxMasterID)
	if _, err := parseNuFX(bad); err == nil || err == NotMine {
		t.Errorf("broken body: got %v", err)
	}
}

func TestThreadExpandTooBig(t *testing.T) {
	arc := buildNuFXDiskArchive(make([]byte, STD_DISK_BYTES), 254, "D", NuFXCompressLZW2)
	parsed, err := parseNuFX(arc)
	if err != nil {
		t.Fatal(err)
	}
	_, thr, err := parsed.diskImageThread()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := thr.expand(1024); err != ErrTooBig {
		t.Errorf("oversize thread: got %v want ErrTooBig", err)
	}
}
