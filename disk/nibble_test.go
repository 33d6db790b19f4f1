package disk

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestOddEvenRoundTrip(t *testing.T) {
	for v := 0; v < 256; v++ {
		b0, b1 := encodeOddEven(byte(v))
		if b0&0xaa != 0xaa || b1&0xaa != 0xaa {
			t.Fatalf("value %02x: encoded bytes %02x %02x missing sync bits", v, b0, b1)
		}
		if got := decodeOddEven(b0, b1); got != byte(v) {
			t.Fatalf("value %02x round-tripped to %02x", v, got)
		}
	}
}

func TestDiskByteTables(t *testing.T) {
	seen := map[byte]bool{}
	for _, b := range NIBBLE_62 {
		if b < 0x96 {
			t.Fatalf("disk byte %02x below 0x96", b)
		}
		if seen[b] {
			t.Fatalf("disk byte %02x repeated", b)
		}
		seen[b] = true
	}
	for v := 0; v < 64; v++ {
		if inv62[NIBBLE_62[v]] != v {
			t.Fatalf("inv62 does not invert value %d", v)
		}
	}
	for v := 0; v < 32; v++ {
		if inv53[NIBBLE_53[v]] != v {
			t.Fatalf("inv53 does not invert value %d", v)
		}
	}
	if inv62[0x00] >= 0 || inv53[0x00] >= 0 {
		t.Error("invalid disk bytes must decode to -1")
	}
}

func TestEncode62RoundTrip(t *testing.T) {
	for _, seed := range []byte{0x00, 0x96} {
		src := patternBytes(SECTOR_SIZE, seed|1)
		nib := encode62(src, seed)
		if len(nib) != dataLen62+1 {
			t.Fatalf("encoded length %d want %d", len(nib), dataLen62+1)
		}
		back, err := decode62(nib, seed, ChecksumVerify)
		if err != nil {
			t.Fatalf("decode62: %v", err)
		}
		if !bytes.Equal(back, src) {
			t.Fatal("6-and-2 round trip mismatch")
		}
	}
}

func TestDecode62BadData(t *testing.T) {
	src := patternBytes(SECTOR_SIZE, 9)
	nib := encode62(src, 0)

	// flip a payload nibble to another valid disk byte
	corrupt := append([]byte(nil), nib...)
	if corrupt[40] == NIBBLE_62[0] {
		corrupt[40] = NIBBLE_62[1]
	} else {
		corrupt[40] = NIBBLE_62[0]
	}
	if _, err := decode62(corrupt, 0, ChecksumVerify); err != ErrBadChecksum {
		t.Errorf("corrupted payload: got %v want ErrBadChecksum", err)
	}
	// the ignore policy must still decode it
	if _, err := decode62(corrupt, 0, ChecksumIgnore); err != nil {
		t.Errorf("ignore policy: %v", err)
	}

	// a non-disk byte fails regardless of policy
	corrupt[40] = 0x00
	if _, err := decode62(corrupt, 0, ChecksumIgnore); err != ErrInvalidDiskByte {
		t.Errorf("invalid disk byte: got %v want ErrInvalidDiskByte", err)
	}
}

func TestEncode53RoundTrip(t *testing.T) {
	src := patternBytes(SECTOR_SIZE, 5)
	nib := encode53(src, 0)
	if len(nib) != dataLen53+1 {
		t.Fatalf("encoded length %d want %d", len(nib), dataLen53+1)
	}
	back, err := decode53(nib, 0, ChecksumVerify)
	if err != nil {
		t.Fatalf("decode53: %v", err)
	}
	if !bytes.Equal(back, src) {
		t.Fatal("5-and-3 round trip mismatch")
	}
}

func TestFormatNibbleTrackReadable(t *testing.T) {
	for _, idx := range []int{NibbleDescrDOS33Std, NibbleDescrDOS32Std} {
		descr, err := GetStdNibbleDescr(idx)
		if err != nil {
			t.Fatalf("GetStdNibbleDescr(%d): %v", idx, err)
		}
		trackLen := TRACK_NIBBLE_LENGTH
		buf, err := formatNibbleTrack(&descr, 254, 3, trackLen)
		if err != nil {
			t.Fatalf("formatNibbleTrack: %v", err)
		}
		if len(buf) != trackLen {
			t.Fatalf("track length %d want %d", len(buf), trackLen)
		}
		for sector := 0; sector < descr.NumSectors; sector++ {
			start, vol, err := descr.findSector(buf, 3, sector)
			if err != nil {
				t.Fatalf("%s: sector %d not found: %v", descr.Description, sector, err)
			}
			if vol != 254 {
				t.Errorf("sector %d: volume %d want 254", sector, vol)
			}
			raw := extractCircular(buf, start, descr.dataFieldLen())
			data, err := descr.decodeSector(raw)
			if err != nil {
				t.Fatalf("sector %d: decode: %v", sector, err)
			}
			for _, b := range data {
				if b != 0 {
					t.Fatalf("sector %d: fresh format not zeroed", sector)
				}
			}
		}
	}
}

func TestFindSectorWraps(t *testing.T) {
	descr, err := GetStdNibbleDescr(NibbleDescrDOS33Std)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := formatNibbleTrack(&descr, 1, 0, TRACK_NIBBLE_LENGTH)
	if err != nil {
		t.Fatal(err)
	}
	// rotate the track so sector fields straddle the wrap point
	rot := append(append([]byte(nil), buf[6000:]...), buf[:6000]...)
	for sector := 0; sector < 16; sector++ {
		if _, _, err := descr.findSector(rot, 0, sector); err != nil {
			t.Fatalf("sector %d unreadable after rotation: %v", sector, err)
		}
	}
}

func TestGetStdNibbleDescr(t *testing.T) {
	if _, err := GetStdNibbleDescr(-1); err != ErrInvalidIndex {
		t.Errorf("index -1: got %v want ErrInvalidIndex", err)
	}
	if _, err := GetStdNibbleDescr(NibbleDescrMAX); err != ErrInvalidIndex {
		t.Errorf("index MAX: got %v want ErrInvalidIndex", err)
	}
	d, err := GetStdNibbleDescr(NibbleDescrDOS32Std)
	if err != nil {
		t.Fatal(err)
	}
	if d.NumSectors != 13 || d.Encoding != NibbleEnc53 {
		t.Errorf("DOS 3.2 descriptor off: %+v", d)
	}
}

func TestNibbleImageCreateReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.nib")

	di := NewDiskImg(nil)
	err := di.CreateImage(CreateParams{
		Path:            path,
		FileFormat:      FileFormatUnadorned,
		Physical:        PhysicalFormatNib525_6656,
		Order:           SectorOrderPhysical,
		NumTracks:       35,
		SectorsPerTrack: 16,
		DOSVolumeNum:    254,
		NibbleDescrIdx:  NibbleDescrDOS33Std,
	})
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	if !di.HasNibbles() || !di.HasSectors() {
		t.Fatal("nibble image should expose both nibbles and sectors")
	}
	if di.NumSectPerTrack() != 16 || di.NumTracks() != 35 {
		t.Fatalf("geometry: %d tracks x %d sectors", di.NumTracks(), di.NumSectPerTrack())
	}

	payload := patternBytes(SECTOR_SIZE, 0x41)
	if err := di.WriteTrackSector(7, 5, payload); err != nil {
		t.Fatalf("WriteTrackSector: %v", err)
	}
	back := make([]byte, SECTOR_SIZE)
	if err := di.ReadTrackSector(7, 5, back); err != nil {
		t.Fatalf("ReadTrackSector: %v", err)
	}
	if !bytes.Equal(back, payload) {
		t.Fatal("sector did not round-trip in memory")
	}
	if err := di.CloseImage(); err != nil {
		t.Fatalf("CloseImage: %v", err)
	}

	// reopen: analysis must find the standard profile and the written data
	di2 := NewDiskImg(nil)
	if err := di2.OpenImage(path, false); err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	defer di2.CloseImage()
	if di2.FileFormat() != FileFormatUnadorned {
		t.Errorf("file format: %v", di2.FileFormat())
	}
	if di2.PhysicalFormat() != PhysicalFormatNib525_6656 {
		t.Errorf("physical format: %v", di2.PhysicalFormat())
	}
	if di2.DOSVolumeNum() != 254 {
		t.Errorf("volume number: %d want 254", di2.DOSVolumeNum())
	}
	if !di2.HasBlocks() || di2.NumBlocks() != 35*8 {
		t.Errorf("16-sector nibble image should expose %d blocks, got %d", 35*8, di2.NumBlocks())
	}
	if err := di2.ReadTrackSector(7, 5, back); err != nil {
		t.Fatalf("ReadTrackSector after reopen: %v", err)
	}
	if !bytes.Equal(back, payload) {
		t.Fatal("sector did not survive the flush")
	}

	// untouched sectors stay zero
	if err := di2.ReadTrackSector(7, 6, back); err != nil {
		t.Fatalf("ReadTrackSector: %v", err)
	}
	for _, b := range back {
		if b != 0 {
			t.Fatal("neighboring sector disturbed")
		}
	}

	// the raw track must still be a plausible nibble stream
	raw := make([]byte, TRACK_NIBBLE_LENGTH)
	n, err := di2.ReadNibbleTrack(7, raw)
	if err != nil {
		t.Fatalf("ReadNibbleTrack: %v", err)
	}
	if n != TRACK_NIBBLE_LENGTH {
		t.Errorf("track length %d want %d", n, TRACK_NIBBLE_LENGTH)
	}
	for i, b := range raw {
		if b < 0x80 {
			t.Fatalf("nibble byte %02x at %d has no high bit", b, i)
		}
	}
}

func TestNibbleImage13Sector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank32.nib")

	di := NewDiskImg(nil)
	err := di.CreateImage(CreateParams{
		Path:            path,
		FileFormat:      FileFormatUnadorned,
		Physical:        PhysicalFormatNib525_6656,
		Order:           SectorOrderPhysical,
		NumTracks:       35,
		SectorsPerTrack: 13,
		DOSVolumeNum:    100,
		NibbleDescrIdx:  NibbleDescrDOS32Std,
	})
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	if err := di.CloseImage(); err != nil {
		t.Fatalf("CloseImage: %v", err)
	}

	di2 := NewDiskImg(nil)
	if err := di2.OpenImage(path, true); err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	defer di2.CloseImage()
	if di2.NumSectPerTrack() != 13 {
		t.Errorf("sectors per track: %d want 13", di2.NumSectPerTrack())
	}
	if di2.HasBlocks() {
		t.Error("13-sector image must not expose blocks")
	}
	if di2.DOSVolumeNum() != 100 {
		t.Errorf("volume number: %d want 100", di2.DOSVolumeNum())
	}
	if err := di2.WriteTrackSector(0, 0, make([]byte, SECTOR_SIZE)); err != ErrAccessDenied {
		t.Errorf("write to read-only image: got %v want ErrAccessDenied", err)
	}
}
