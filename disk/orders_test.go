package disk

import "testing"

func TestOrderTablesArePermutations(t *testing.T) {
	tables := map[string][16]int{
		"raw2dos":    raw2dos,
		"dos2raw":    dos2raw,
		"raw2prodos": raw2prodos,
		"prodos2raw": prodos2raw,
		"raw2cpm":    raw2cpm,
		"cpm2raw":    cpm2raw,
	}
	for name, tbl := range tables {
		var seen [16]bool
		for _, v := range tbl {
			if v < 0 || v > 15 || seen[v] {
				t.Fatalf("%s is not a permutation: %v", name, tbl)
			}
			seen[v] = true
		}
	}
}

func TestOrderTableInverses(t *testing.T) {
	for s := 0; s < 16; s++ {
		if raw2dos[dos2raw[s]] != s {
			t.Errorf("dos tables don't invert at %d", s)
		}
		if raw2prodos[prodos2raw[s]] != s {
			t.Errorf("prodos tables don't invert at %d", s)
		}
		if raw2cpm[cpm2raw[s]] != s {
			t.Errorf("cpm tables don't invert at %d", s)
		}
	}
	for _, order := range []SectorOrder{SectorOrderProDOS, SectorOrderDOS, SectorOrderCPM, SectorOrderPhysical} {
		for s := 0; s < 16; s++ {
			if got := fromRawSector(toRawSector(s, order), order); got != s {
				t.Errorf("order %v: sector %d round-tripped to %d", order, s, got)
			}
		}
	}
}

func TestCalcSectorAndOffset16(t *testing.T) {
	di := &DiskImg{
		physical:        PhysicalFormatSectors,
		hasSectors:      true,
		numTracks:       35,
		numSectPerTrack: 16,
	}

	cases := []struct {
		track, sector       int
		imageOrder, fsOrder SectorOrder
		wantOffset          int64
		wantSector          int
	}{
		// matching orders are identity
		{0, 1, SectorOrderDOS, SectorOrderDOS, 1 * SECTOR_SIZE, 1},
		{3, 9, SectorOrderProDOS, SectorOrderProDOS, 3*16*SECTOR_SIZE + 9*SECTOR_SIZE, 9},
		// DOS sector 1 sits at physical 13, which a ProDOS image stores at 14
		{0, 1, SectorOrderProDOS, SectorOrderDOS, 14 * SECTOR_SIZE, 14},
		// ProDOS sector 1 sits at physical 2, which a DOS image stores at 14
		{0, 1, SectorOrderDOS, SectorOrderProDOS, 14 * SECTOR_SIZE, 14},
		// physical fsOrder against a DOS image
		{2, 13, SectorOrderDOS, SectorOrderPhysical, 2*16*SECTOR_SIZE + 1*SECTOR_SIZE, 1},
	}
	for _, c := range cases {
		offset, sector, err := di.CalcSectorAndOffset(c.track, c.sector, c.imageOrder, c.fsOrder)
		if err != nil {
			t.Fatalf("t%d s%d %v/%v: %v", c.track, c.sector, c.imageOrder, c.fsOrder, err)
		}
		if offset != c.wantOffset || sector != c.wantSector {
			t.Errorf("t%d s%d %v/%v: got (%d, %d) want (%d, %d)",
				c.track, c.sector, c.imageOrder, c.fsOrder,
				offset, sector, c.wantOffset, c.wantSector)
		}
	}
}

func TestCalcSectorAndOffsetRanges(t *testing.T) {
	di := &DiskImg{
		physical:        PhysicalFormatSectors,
		hasSectors:      true,
		numTracks:       35,
		numSectPerTrack: 16,
	}
	if _, _, err := di.CalcSectorAndOffset(35, 0, SectorOrderDOS, SectorOrderDOS); err != ErrInvalidTrack {
		t.Errorf("track 35: got %v want ErrInvalidTrack", err)
	}
	if _, _, err := di.CalcSectorAndOffset(0, 16, SectorOrderDOS, SectorOrderDOS); err != ErrInvalidSector {
		t.Errorf("sector 16: got %v want ErrInvalidSector", err)
	}
	if _, _, err := di.CalcSectorAndOffset(-1, 0, SectorOrderDOS, SectorOrderDOS); err != ErrInvalidTrack {
		t.Errorf("track -1: got %v want ErrInvalidTrack", err)
	}

	noSectors := &DiskImg{physical: PhysicalFormatSectors, hasBlocks: true, numBlocks: 1600}
	if _, _, err := noSectors.CalcSectorAndOffset(0, 0, SectorOrderProDOS, SectorOrderProDOS); err != ErrUnsupportedAccess {
		t.Errorf("block-only image: got %v want ErrUnsupportedAccess", err)
	}
}

func TestCalcSectorAndOffset13(t *testing.T) {
	di := &DiskImg{
		physical:        PhysicalFormatSectors,
		hasSectors:      true,
		numTracks:       35,
		numSectPerTrack: 13,
	}
	// 13-sector disks have no software skew; mapping is identity even when
	// the requested orders disagree
	offset, sector, err := di.CalcSectorAndOffset(2, 7, SectorOrderDOS, SectorOrderPhysical)
	if err != nil {
		t.Fatalf("CalcSectorAndOffset: %v", err)
	}
	if sector != 7 || offset != int64(2*13*SECTOR_SIZE+7*SECTOR_SIZE) {
		t.Errorf("got (%d, %d)", offset, sector)
	}
}

func TestCalcSectorAndOffset32(t *testing.T) {
	// UNIDOS-style 32-sector tracks: the upper 16 sectors live one
	// half-track further in
	di := &DiskImg{
		physical:        PhysicalFormatSectors,
		hasSectors:      true,
		numTracks:       50,
		numSectPerTrack: 32,
	}
	offset, sector, err := di.CalcSectorAndOffset(1, 17, SectorOrderDOS, SectorOrderDOS)
	if err != nil {
		t.Fatalf("CalcSectorAndOffset: %v", err)
	}
	wantOffset := int64(1*32*SECTOR_SIZE + 16*SECTOR_SIZE + 1*SECTOR_SIZE)
	if sector != 1 || offset != wantOffset {
		t.Errorf("got (%d, %d) want (%d, 1)", offset, sector, wantOffset)
	}
}

func TestCalcSectorAndOffsetPairing(t *testing.T) {
	// OzDOS half-volume view: logical track doubles and a sector pair
	// interleaves into one physical track of the 800K image
	di := &DiskImg{
		physical:         PhysicalFormatSectors,
		hasSectors:       true,
		numTracks:        50,
		numSectPerTrack:  16,
		sectorPairing:    true,
		sectorPairOffset: 0,
	}
	offset, sector, err := di.CalcSectorAndOffset(3, 5, SectorOrderPhysical, SectorOrderPhysical)
	if err != nil {
		t.Fatalf("CalcSectorAndOffset: %v", err)
	}
	// track 3 -> physical track 6; sector 5 -> 10
	wantOffset := int64(6*16*SECTOR_SIZE + 10*SECTOR_SIZE)
	if sector != 10 || offset != wantOffset {
		t.Errorf("got (%d, %d) want (%d, 10)", offset, sector, wantOffset)
	}

	di.sectorPairOffset = 1
	offset, sector, err = di.CalcSectorAndOffset(3, 8, SectorOrderPhysical, SectorOrderPhysical)
	if err != nil {
		t.Fatalf("CalcSectorAndOffset: %v", err)
	}
	// sector 8 -> 17 -> wraps to 1 with a half-track bump
	wantOffset = int64(6*16*SECTOR_SIZE + 16*SECTOR_SIZE + 1*SECTOR_SIZE)
	if sector != 1 || offset != wantOffset {
		t.Errorf("pair offset 1: got (%d, %d) want (%d, 1)", offset, sector, wantOffset)
	}
}

func TestIsLinearBlocks(t *testing.T) {
	di := &DiskImg{
		physical:  PhysicalFormatSectors,
		hasBlocks: true,
	}
	if !di.isLinearBlocks(SectorOrderProDOS, SectorOrderProDOS) {
		t.Error("matching orders should be linear")
	}
	if di.isLinearBlocks(SectorOrderDOS, SectorOrderProDOS) {
		t.Error("mismatched orders must not be linear")
	}
	di.physical = PhysicalFormatNib525_6656
	if di.isLinearBlocks(SectorOrderProDOS, SectorOrderProDOS) {
		t.Error("nibble images are never linear")
	}
}
