package disk

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// dosOrderFixture builds a 140K DOS-order image with a minimal DOS 3.3
// VTOC and a two-sector catalog chain.  The sector the ProDOS-order
// hypothesis would read for the second catalog link is poisoned so only the
// DOS ordering survives the probe.
func dosOrderFixture() []byte {
	img := make([]byte, STD_DISK_BYTES)
	vtoc := img[17*16*SECTOR_SIZE:]
	vtoc[0x01] = 17  // first catalog track
	vtoc[0x02] = 15  // first catalog sector
	vtoc[0x03] = 3   // DOS version
	vtoc[0x27] = 122 // T/S pairs per list sector
	vtoc[0x34] = 35
	vtoc[0x35] = 16

	cat := img[17*16*SECTOR_SIZE+15*SECTOR_SIZE:]
	cat[0x01] = 17
	cat[0x02] = 14
	// catalog sector 14 stays zeroed: end of chain

	// under the ProDOS hypothesis, DOS sector 14 maps to stored index 1;
	// an absurd link there kills that reading
	poison := img[17*16*SECTOR_SIZE+1*SECTOR_SIZE:]
	poison[0x01] = 100
	return img
}

// prodosDirBlock fills in a minimal volume directory header.
func prodosDirBlock(blk []byte, totalBlocks int) {
	name := "TESTVOL"
	blk[0x04] = 0xf0 | byte(len(name))
	copy(blk[0x05:], name)
	blk[0x23] = 0x27 // entry length
	blk[0x24] = 0x0d // entries per block
	blk[0x29] = byte(totalBlocks)
	blk[0x2a] = byte(totalBlocks >> 8)
}

func TestProbeDOS33(t *testing.T) {
	di := NewDiskImg(nil)
	if err := di.OpenImageFromBuffer(dosOrderFixture(), true); err != nil {
		t.Fatalf("OpenImageFromBuffer: %v", err)
	}
	defer di.CloseImage()
	if di.FSFormat() != FSFormatDOS33 {
		t.Fatalf("fs format: %v", di.FSFormat())
	}
	if di.SectorOrder() != SectorOrderDOS {
		t.Errorf("image order: %v", di.SectorOrder())
	}
	if di.ShowAsBlocks() {
		t.Error("a DOS 3.3 floppy displays as tracks and sectors")
	}
	if !di.HasSectors() || !di.HasBlocks() {
		t.Error("a 140K floppy carries both access styles")
	}
}

func TestProbeProDOSInProDOSOrder(t *testing.T) {
	img := make([]byte, STD_DISK_BYTES)
	prodosDirBlock(img[2*BLOCK_SIZE:], 280)

	di := NewDiskImg(nil)
	if err := di.OpenImageFromBuffer(img, true); err != nil {
		t.Fatalf("OpenImageFromBuffer: %v", err)
	}
	defer di.CloseImage()
	if di.FSFormat() != FSFormatProDOS {
		t.Fatalf("fs format: %v", di.FSFormat())
	}
	if di.SectorOrder() != SectorOrderProDOS {
		t.Errorf("image order: %v", di.SectorOrder())
	}
	if !di.ShowAsBlocks() {
		t.Error("ProDOS volumes display as blocks")
	}
}

func TestProbeProDOSInDOSOrder(t *testing.T) {
	// a ProDOS volume stored in DOS sector order: block 2 is split across
	// ProDOS sectors 4 and 5 of track 0, which a DOS-order file stores at
	// indexes 11 and 10
	var block [BLOCK_SIZE]byte
	prodosDirBlock(block[:], 280)
	img := make([]byte, STD_DISK_BYTES)
	copy(img[11*SECTOR_SIZE:], block[:SECTOR_SIZE])
	copy(img[10*SECTOR_SIZE:], block[SECTOR_SIZE:])

	di := NewDiskImg(nil)
	if err := di.OpenImageFromBuffer(img, true); err != nil {
		t.Fatalf("OpenImageFromBuffer: %v", err)
	}
	defer di.CloseImage()
	if di.FSFormat() != FSFormatProDOS {
		t.Fatalf("fs format: %v", di.FSFormat())
	}
	if di.SectorOrder() != SectorOrderDOS {
		t.Errorf("image order: %v want DOS", di.SectorOrder())
	}

	// block reads must hand back the reassembled directory
	got := make([]byte, BLOCK_SIZE)
	if err := di.ReadBlockSwapped(2, got, di.SectorOrder(), SectorOrderProDOS); err != nil {
		t.Fatalf("ReadBlockSwapped: %v", err)
	}
	if !bytes.Equal(got, block[:]) {
		t.Fatal("block 2 did not reassemble across the order swap")
	}
}

func TestProbePascalAndHFS(t *testing.T) {
	pas := make([]byte, STD_DISK_BYTES)
	dir := pas[2*BLOCK_SIZE:]
	dir[0x02] = 6 // last directory block
	dir[0x06] = 5
	copy(dir[0x07:], "APPLE")
	dir[0x0e] = 0x18 // 280 blocks
	dir[0x0f] = 0x01

	di := NewDiskImg(nil)
	if err := di.OpenImageFromBuffer(pas, true); err != nil {
		t.Fatalf("open pascal fixture: %v", err)
	}
	if di.FSFormat() != FSFormatPascal {
		t.Errorf("fs format: %v want Pascal", di.FSFormat())
	}
	di.CloseImage()

	hfs := make([]byte, 8*1024*1024)
	mdb := hfs[2*BLOCK_SIZE:]
	mdb[0] = 'B'
	mdb[1] = 'D'
	mdb[0x16] = 0x02 // 512-byte allocation blocks

	di2 := NewDiskImg(nil)
	if err := di2.OpenImageFromBuffer(hfs, true); err != nil {
		t.Fatalf("open hfs fixture: %v", err)
	}
	defer di2.CloseImage()
	if di2.FSFormat() != FSFormatMacHFS {
		t.Errorf("fs format: %v want HFS", di2.FSFormat())
	}
}

func TestThirteenSectorGeometry(t *testing.T) {
	di := NewDiskImg(nil)
	if err := di.OpenImageFromBuffer(make([]byte, STD_DISK_BYTES_OLD), true); err != nil {
		t.Fatalf("OpenImageFromBuffer: %v", err)
	}
	defer di.CloseImage()
	if !di.HasSectors() || di.NumSectPerTrack() != 13 || di.NumTracks() != 35 {
		t.Errorf("geometry: %d x %d", di.NumTracks(), di.NumSectPerTrack())
	}
	if di.HasBlocks() {
		t.Error("13-sector images expose no blocks")
	}
}

func TestOverrideFormat(t *testing.T) {
	di := NewDiskImg(nil)
	if err := di.OpenImageFromBuffer(make([]byte, STD_DISK_BYTES), false); err != nil {
		t.Fatalf("OpenImageFromBuffer: %v", err)
	}
	defer di.CloseImage()
	if di.FSFormat() != FSFormatUnknown {
		t.Fatalf("blank image identified as %v", di.FSFormat())
	}

	if err := di.OverrideFormat(PhysicalFormatNib525_6656, FSFormatGenericDOSOrd, SectorOrderDOS); err != ErrUnsupportedPhysicalFmt {
		t.Errorf("physical mismatch: got %v want ErrUnsupportedPhysicalFmt", err)
	}
	if err := di.OverrideFormat(PhysicalFormatSectors, FSFormatGenericDOSOrd, SectorOrderDOS); err != nil {
		t.Fatalf("generic override: %v", err)
	}
	if di.FSFormat() != FSFormatGenericDOSOrd || di.SectorOrder() != SectorOrderDOS {
		t.Errorf("after override: %v %v", di.FSFormat(), di.SectorOrder())
	}

	// a blank disk holds no DOS catalog under any ordering
	if err := di.OverrideFormat(PhysicalFormatSectors, FSFormatDOS33, SectorOrderDOS); err != ErrFilesystemNotFound {
		t.Errorf("impossible override: got %v want ErrFilesystemNotFound", err)
	}
}

func TestOverrideFormatBadOrdering(t *testing.T) {
	di := NewDiskImg(nil)
	if err := di.OpenImageFromBuffer(dosOrderFixture(), true); err != nil {
		t.Fatal(err)
	}
	defer di.CloseImage()
	// the catalog exists, but only under DOS ordering
	err := di.OverrideFormat(PhysicalFormatSectors, FSFormatDOS33, SectorOrderProDOS)
	if err != ErrBadOrdering {
		t.Errorf("wrong order: got %v want ErrBadOrdering", err)
	}
}

func TestBadBlockMap(t *testing.T) {
	di := NewDiskImg(nil)
	if err := di.OpenImageFromBuffer(make([]byte, PRODOS_800KB_DISK_BYTES), false); err != nil {
		t.Fatal(err)
	}
	defer di.CloseImage()

	if di.CheckForBadBlocks(0, 1600) {
		t.Fatal("fresh image reports bad blocks")
	}
	di.AddToBadBlockMap(100, 3)
	if !di.CheckForBadBlocks(99, 2) || !di.CheckForBadBlocks(102, 1) {
		t.Error("bad range not reported")
	}
	if di.CheckForBadBlocks(103, 10) {
		t.Error("clean range reported bad")
	}
	buf := make([]byte, BLOCK_SIZE)
	if err := di.ReadBlock(101, buf); err != ErrReadFailed {
		t.Errorf("read of bad block: got %v want ErrReadFailed", err)
	}
	if err := di.ReadBlock(99, buf); err != nil {
		t.Errorf("read of good block: %v", err)
	}
}

func TestBlockRange(t *testing.T) {
	di := NewDiskImg(nil)
	if err := di.OpenImageFromBuffer(make([]byte, STD_DISK_BYTES), false); err != nil {
		t.Fatal(err)
	}
	defer di.CloseImage()
	buf := make([]byte, BLOCK_SIZE)
	if err := di.ReadBlock(280, buf); err != ErrInvalidBlock {
		t.Errorf("block 280: got %v want ErrInvalidBlock", err)
	}
	if err := di.ReadBlock(-1, buf); err != ErrInvalidBlock {
		t.Errorf("block -1: got %v want ErrInvalidBlock", err)
	}
	if err := di.ReadBlock(0, buf[:100]); err != ErrInvalidArg {
		t.Errorf("short buffer: got %v want ErrInvalidArg", err)
	}
}

func TestMultiBlockIO(t *testing.T) {
	di := NewDiskImg(nil)
	if err := di.OpenImageFromBuffer(make([]byte, PRODOS_800KB_DISK_BYTES), false); err != nil {
		t.Fatal(err)
	}
	defer di.CloseImage()

	payload := patternBytes(4*BLOCK_SIZE, 0x42)
	if err := di.WriteBlocks(10, 4, payload); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	back := make([]byte, 4*BLOCK_SIZE)
	if err := di.ReadBlocks(10, 4, back); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(back, payload) {
		t.Fatal("multi-block round trip mismatch")
	}
	one := make([]byte, BLOCK_SIZE)
	if err := di.ReadBlock(12, one); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(one, payload[2*BLOCK_SIZE:3*BLOCK_SIZE]) {
		t.Fatal("single-block view disagrees with the bulk write")
	}
}

func TestOpenSubRange(t *testing.T) {
	parentBuf := make([]byte, PRODOS_800KB_DISK_BYTES)
	prodosDirBlock(parentBuf[32*BLOCK_SIZE+2*BLOCK_SIZE:], 280)

	parent := NewDiskImg(nil)
	if err := parent.OpenImageFromBuffer(parentBuf, false); err != nil {
		t.Fatal(err)
	}
	defer parent.CloseImage()

	sub := NewDiskImg(nil)
	if err := sub.OpenSubRange(parent, 32, 280); err != nil {
		t.Fatalf("OpenSubRange: %v", err)
	}
	defer sub.CloseImage()
	if sub.NumBlocks() != 280 || sub.Length() != 280*BLOCK_SIZE {
		t.Errorf("sub geometry: %d blocks", sub.NumBlocks())
	}
	if sub.FSFormat() != FSFormatProDOS {
		t.Errorf("sub fs: %v", sub.FSFormat())
	}

	// a write through the child lands in the parent's range and marks
	// both dirty
	payload := patternBytes(BLOCK_SIZE, 0x13)
	if err := sub.WriteBlock(5, payload); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got := make([]byte, BLOCK_SIZE)
	if err := parent.ReadBlock(37, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("child write did not land in the parent")
	}
	if !parent.IsDirty() {
		t.Error("parent not marked dirty by child write")
	}

	if err := sub.OpenSubRange(parent, 0, 10); err != ErrAlreadyOpen {
		t.Errorf("double open: got %v want ErrAlreadyOpen", err)
	}
	bad := NewDiskImg(nil)
	if err := bad.OpenSubRange(parent, 1500, 280); err != ErrInvalidBlock {
		t.Errorf("out-of-range sub: got %v want ErrInvalidBlock", err)
	}
}

func TestOpenAdjacentSubRanges(t *testing.T) {
	parentBuf := make([]byte, PRODOS_800KB_DISK_BYTES)
	parent := NewDiskImg(nil)
	if err := parent.OpenImageFromBuffer(parentBuf, false); err != nil {
		t.Fatal(err)
	}
	defer parent.CloseImage()

	// two half-disk views splitting the parent down the middle
	lo := NewDiskImg(nil)
	if err := lo.OpenSubRange(parent, 0, 800); err != nil {
		t.Fatalf("OpenSubRange(0): %v", err)
	}
	hi := NewDiskImg(nil)
	if err := hi.OpenSubRange(parent, 800, 800); err != nil {
		t.Fatalf("OpenSubRange(800): %v", err)
	}

	loPay := patternBytes(BLOCK_SIZE, 0x21)
	hiPay := patternBytes(BLOCK_SIZE, 0x42)
	if err := lo.WriteBlock(0, loPay); err != nil {
		t.Fatalf("WriteBlock(lo): %v", err)
	}
	if err := hi.WriteBlock(0, hiPay); err != nil {
		t.Fatalf("WriteBlock(hi): %v", err)
	}
	if err := lo.CloseImage(); err != nil {
		t.Fatalf("CloseImage(lo): %v", err)
	}
	if err := hi.CloseImage(); err != nil {
		t.Fatalf("CloseImage(hi): %v", err)
	}

	got := make([]byte, BLOCK_SIZE)
	if err := parent.ReadBlock(0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, loPay) {
		t.Fatal("first half's write did not land at parent block 0")
	}
	if err := parent.ReadBlock(800, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, hiPay) {
		t.Fatal("second half's write did not land at parent block 800")
	}
}

func TestSectorPairingGeometry(t *testing.T) {
	// a 35-track floppy can't be split into track pairs
	odd := NewDiskImg(nil)
	if err := odd.OpenImageFromBuffer(make([]byte, STD_DISK_BYTES), true); err != nil {
		t.Fatal(err)
	}
	defer odd.CloseImage()
	if err := odd.SetSectorPairing(true, 0); err != ErrOddLength {
		t.Fatalf("odd track count: got %v want ErrOddLength", err)
	}
	if odd.NumTracks() != STD_TRACKS_PER_DISK {
		t.Errorf("rejected pairing changed track count: %d", odd.NumTracks())
	}
	sec := make([]byte, SECTOR_SIZE)
	if err := odd.ReadTrackSector(20, 0, sec); err != nil {
		t.Errorf("read after rejected pairing: %v", err)
	}

	// 40 stored tracks pair into 20 logical tracks over the same bytes
	even := NewDiskImg(nil)
	buf := make([]byte, 40*STD_SECTORS_PER_TRACK*SECTOR_SIZE)
	if err := even.OpenImageFromBuffer(buf, true); err != nil {
		t.Fatal(err)
	}
	defer even.CloseImage()
	if err := even.SetSectorPairing(true, 2); err != ErrInvalidArg {
		t.Fatalf("pair offset 2: got %v want ErrInvalidArg", err)
	}
	if err := even.SetSectorPairing(true, 1); err != nil {
		t.Fatalf("SetSectorPairing: %v", err)
	}
	if even.NumTracks() != 20 {
		t.Errorf("paired track count: %d", even.NumTracks())
	}
	if err := even.ReadTrackSector(19, 15, sec); err != nil {
		t.Errorf("paired read in range: %v", err)
	}
	if err := even.ReadTrackSector(20, 0, sec); err != ErrInvalidTrack {
		t.Errorf("paired read out of range: got %v want ErrInvalidTrack", err)
	}
	if err := even.SetSectorPairing(false, 0); err != nil {
		t.Fatalf("disable pairing: %v", err)
	}
	if even.NumTracks() != 40 {
		t.Errorf("track count after unpairing: %d", even.NumTracks())
	}
}

func TestReliableExtensionRejectsGarbage(t *testing.T) {
	// a .2mg that fails the 2MG content test is a broken 2MG; it must not
	// fall through the cascade and come back as raw sectors
	junk := patternBytes(STD_DISK_BYTES, 0x5a)
	path := filepath.Join(t.TempDir(), "bogus.2mg")
	if err := os.WriteFile(path, junk, 0644); err != nil {
		t.Fatal(err)
	}
	di := NewDiskImg(nil)
	if err := di.OpenImage(path, true); !errors.Is(err, ErrBadFileFormat) {
		t.Fatalf("garbage .2mg: got %v want ErrBadFileFormat", err)
	}

	// the same bytes under an order-hint extension are fine as unadorned
	path = filepath.Join(t.TempDir(), "plain.do")
	if err := os.WriteFile(path, junk, 0644); err != nil {
		t.Fatal(err)
	}
	di = NewDiskImg(nil)
	if err := di.OpenImage(path, true); err != nil {
		t.Fatalf("OpenImage(.do): %v", err)
	}
	defer di.CloseImage()
	if di.FileFormat() != FileFormatUnadorned {
		t.Errorf("file format: %v", di.FileFormat())
	}
}

func TestDiskFSRefCountBlocksClose(t *testing.T) {
	di := NewDiskImg(nil)
	if err := di.OpenImageFromBuffer(make([]byte, STD_DISK_BYTES), true); err != nil {
		t.Fatal(err)
	}
	di.AddDiskFSRef()
	if err := di.CloseImage(); err == nil {
		t.Fatal("close with a live filesystem reference should fail")
	}
	di.RemoveDiskFSRef()
	if err := di.CloseImage(); err != nil {
		t.Fatalf("close after release: %v", err)
	}
}

func TestCreateSkipFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.po")

	di := NewDiskImg(nil)
	err := di.CreateImage(CreateParams{
		Path:       path,
		FileFormat: FileFormatUnadorned,
		Physical:   PhysicalFormatSectors,
		Order:      SectorOrderProDOS,
		NumBlocks:  65535,
		SkipFormat: true,
	})
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	if err := di.CloseImage(); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 65535*BLOCK_SIZE {
		t.Errorf("file size %d want %d", info.Size(), 65535*BLOCK_SIZE)
	}
}

func TestCreateParamValidation(t *testing.T) {
	dir := t.TempDir()

	// blocks and tracks are mutually exclusive
	di := NewDiskImg(nil)
	err := di.CreateImage(CreateParams{
		Path:            filepath.Join(dir, "a.po"),
		FileFormat:      FileFormatUnadorned,
		Physical:        PhysicalFormatSectors,
		Order:           SectorOrderProDOS,
		NumBlocks:       280,
		NumTracks:       35,
		SectorsPerTrack: 16,
	})
	if err != ErrInvalidCreateReq {
		t.Errorf("blocks+tracks: got %v want ErrInvalidCreateReq", err)
	}

	// nibble images cannot skip formatting
	di2 := NewDiskImg(nil)
	err = di2.CreateImage(CreateParams{
		Path:            filepath.Join(dir, "b.nib"),
		FileFormat:      FileFormatUnadorned,
		Physical:        PhysicalFormatNib525_6656,
		Order:           SectorOrderPhysical,
		NumTracks:       35,
		SectorsPerTrack: 16,
		SkipFormat:      true,
	})
	if err == nil {
		t.Error("nibble SkipFormat should fail")
	}
}

func TestNotesAccumulate(t *testing.T) {
	di := NewDiskImg(nil)
	di.AddNote(NoteInfo, "probed %d orders", 4)
	di.AddNote(NoteWarning, "suspicious length")
	notes := di.Notes()
	if len(notes) != 2 {
		t.Fatalf("notes: %d", len(notes))
	}
	if notes[0].Severity != NoteInfo || notes[1].Severity != NoteWarning {
		t.Error("severities wrong")
	}
	if !containsText(di.GetNotes(), "probed 4 orders") {
		t.Errorf("GetNotes: %q", di.GetNotes())
	}
}

func TestScanProgressCancel(t *testing.T) {
	di := NewDiskImg(nil)
	calls := 0
	di.SetScanProgressCallback(func(cookie interface{}, msg string) bool {
		calls++
		return false // cancel immediately
	}, nil)

	err := di.CreateImage(CreateParams{
		Path:       filepath.Join(t.TempDir(), "c.po"),
		FileFormat: FileFormatUnadorned,
		Physical:   PhysicalFormatSectors,
		Order:      SectorOrderProDOS,
		NumBlocks:  280,
	})
	if err != ErrCancelled {
		t.Fatalf("cancelled create: got %v want ErrCancelled", err)
	}
	if calls == 0 {
		t.Error("progress callback never ran")
	}
}
