package disk

import (
	"github.com/apex/log"
)

// Filesystem identification.  The DiskImg core only needs to know enough to
// pick a sector order; full filesystem handling lives in a higher layer,
// which can replace any of these probes with its own via RegisterFSProbe.
//
// Probes run in a fixed sequence chosen to resolve ambiguities (partition
// schemes before filesystems, DOS before ProDOS so an 800K UNIDOS pair isn't
// claimed as one big ProDOS volume).  The first probe that accepts the image
// under some candidate order wins.

// FSTestFunc checks whether the image holds this filesystem assuming the
// media is laid out in imageOrder.  Lenient mode relaxes structural checks;
// it is used by OverrideFormat when the user insists.
type FSTestFunc func(di *DiskImg, imageOrder SectorOrder, leniently bool) bool

type fsProbe struct {
	format FSFormat
	test   FSTestFunc
}

// probe sequence; nil tests are placeholders until a DiskFS registers one
var fsProbeList = []fsProbe{
	{FSFormatMacPart, nil},
	{FSFormatMicroDrive, nil},
	{FSFormatFocusDrive, nil},
	{FSFormatCFFA4, nil},
	{FSFormatCFFA8, nil},
	{FSFormatMSDOS, nil},
	{FSFormatDOS33, testDOS3x},
	{FSFormatUNIDOS, nil},
	{FSFormatOzDOS, nil},
	{FSFormatProDOS, testProDOS},
	{FSFormatPascal, testPascal},
	{FSFormatCPM, nil},
	{FSFormatRDOS33, nil},
	{FSFormatRDOS32, nil},
	{FSFormatMacHFS, testHFS},
}

// RegisterFSProbe installs or replaces the test for one filesystem format.
// The probe sequence itself is fixed.
func RegisterFSProbe(format FSFormat, test FSTestFunc) {
	for i := range fsProbeList {
		if fsProbeList[i].format == format {
			fsProbeList[i].test = test
			return
		}
	}
	log.WithField("format", format).Warn("no probe slot for filesystem format")
}

// expectedFSOrder is the ordering a filesystem's own driver uses; probes
// read through the order map with this as the fsOrder side.
func expectedFSOrder(format FSFormat) SectorOrder {
	switch format {
	case FSFormatDOS33, FSFormatDOS32, FSFormatUNIDOS, FSFormatOzDOS:
		return SectorOrderDOS
	case FSFormatCPM:
		return SectorOrderCPM
	case FSFormatGenericPhysicalOrd:
		return SectorOrderPhysical
	case FSFormatGenericDOSOrd:
		return SectorOrderDOS
	case FSFormatGenericCPMOrd:
		return SectorOrderCPM
	}
	return SectorOrderProDOS
}

/*
 * DOS 3.2/3.3.  Sniff the VTOC at track 17 sector 0 and require a sane
 * catalog chain.
 */

const (
	dosVTOCTrack  = 17
	dosVTOCSector = 0
)

func testDOS3x(di *DiskImg, imageOrder SectorOrder, leniently bool) bool {
	if !di.hasSectors || di.numTracks < dosVTOCTrack+1 {
		return false
	}
	if di.numSectPerTrack != 16 && di.numSectPerTrack != 13 {
		return false
	}
	vtoc := make([]byte, SECTOR_SIZE)
	if err := di.ReadTrackSectorSwapped(dosVTOCTrack, dosVTOCSector, vtoc,
		imageOrder, SectorOrderDOS); err != nil {
		return false
	}

	catTrack, catSector := int(vtoc[0x01]), int(vtoc[0x02])
	if catTrack == 0 || catTrack >= di.numTracks || catSector >= di.numSectPerTrack {
		return false
	}
	if vtoc[0x34] != byte(di.numTracks) || vtoc[0x35] != byte(di.numSectPerTrack) {
		if !leniently {
			return false
		}
	}
	if !leniently {
		if vtoc[0x03] > 3 { // DOS version
			return false
		}
		if vtoc[0x27] != 122 { // max T/S pairs per list sector
			return false
		}
		if catTrack != dosVTOCTrack {
			return false
		}
	}

	// walk a few catalog links
	buf := make([]byte, SECTOR_SIZE)
	track, sector := catTrack, catSector
	for i := 0; i < 4; i++ {
		if err := di.ReadTrackSectorSwapped(track, sector, buf,
			imageOrder, SectorOrderDOS); err != nil {
			return false
		}
		track, sector = int(buf[0x01]), int(buf[0x02])
		if track == 0 {
			return true // end of chain
		}
		if track >= di.numTracks || sector >= di.numSectPerTrack {
			return false
		}
	}
	return true
}

/*
 * ProDOS.  Volume directory header in block 2.
 */

func testProDOS(di *DiskImg, imageOrder SectorOrder, leniently bool) bool {
	if !di.hasBlocks {
		return false
	}
	hdr := make([]byte, BLOCK_SIZE)
	if err := di.ReadBlockSwapped(2, hdr, imageOrder, SectorOrderProDOS); err != nil {
		return false
	}
	// prev directory block pointer must be zero
	if hdr[0x00] != 0 || hdr[0x01] != 0 {
		return false
	}
	stNameLen := hdr[0x04]
	if stNameLen>>4 != 0x0f { // volume directory header storage type
		return false
	}
	nameLen := int(stNameLen & 0x0f)
	if nameLen == 0 {
		return false
	}
	for i := 0; i < nameLen; i++ {
		c := hdr[0x05+i]
		ok := (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.'
		if i == 0 && !(c >= 'A' && c <= 'Z') {
			return false
		}
		if !ok {
			return false
		}
	}
	if leniently {
		return true
	}
	if hdr[0x23] != 0x27 { // entry length
		return false
	}
	if hdr[0x24] != 0x0d { // entries per block
		return false
	}
	totalBlocks := int(hdr[0x29]) | int(hdr[0x2a])<<8
	if totalBlocks < 4 {
		return false
	}
	// 5.25" images must agree exactly; larger media often round down
	if di.numBlocks == 280 && totalBlocks != 280 {
		return false
	}
	if int64(totalBlocks) > di.numBlocks {
		return false
	}
	return true
}

/*
 * Pascal.  Volume directory starts in block 2.
 */

func testPascal(di *DiskImg, imageOrder SectorOrder, leniently bool) bool {
	if !di.hasBlocks {
		return false
	}
	dir := make([]byte, BLOCK_SIZE)
	if err := di.ReadBlockSwapped(2, dir, imageOrder, SectorOrderProDOS); err != nil {
		return false
	}
	first := int(dir[0x00]) | int(dir[0x01])<<8
	last := int(dir[0x02]) | int(dir[0x03])<<8
	if first != 0 || last != 6 {
		return false
	}
	nameLen := int(dir[0x06])
	if nameLen < 1 || nameLen > 7 {
		return false
	}
	if leniently {
		return true
	}
	for i := 0; i < nameLen; i++ {
		c := dir[0x07+i]
		if c < 0x20 || c > 0x7e || c == '=' || c == '$' || c == '?' || c == ',' {
			return false
		}
	}
	totalBlocks := int(dir[0x0e]) | int(dir[0x0f])<<8
	return int64(totalBlocks) <= di.numBlocks && totalBlocks >= 6
}

/*
 * HFS.  Master directory block signature at block 2.
 */

func testHFS(di *DiskImg, imageOrder SectorOrder, leniently bool) bool {
	if !di.hasBlocks || di.numBlocks < 8 {
		return false
	}
	mdb := make([]byte, BLOCK_SIZE)
	if err := di.ReadBlockSwapped(2, mdb, imageOrder, SectorOrderProDOS); err != nil {
		return false
	}
	if mdb[0] != 0x42 || mdb[1] != 0x44 { // 'BD'
		return false
	}
	if leniently {
		return true
	}
	// allocation block size must be a 512 multiple
	alBlkSiz := uint32(mdb[0x14])<<24 | uint32(mdb[0x15])<<16 |
		uint32(mdb[0x16])<<8 | uint32(mdb[0x17])
	return alBlkSiz != 0 && alBlkSiz%BLOCK_SIZE == 0
}

// probeFilesystem tries every registered probe under every plausible order.
// Returns the winning format and image order, or FSFormatUnknown.
func probeFilesystem(di *DiskImg, orderHint SectorOrder) (FSFormat, SectorOrder) {
	first := orderHint
	if first == SectorOrderUnknown {
		first = SectorOrderProDOS
	}
	orders := GetSectorOrderArray(first)
	for _, p := range fsProbeList {
		if p.test == nil {
			continue
		}
		for _, order := range orders {
			if order == SectorOrderUnknown {
				continue
			}
			if IsNibbleFormat(di.physical) && order != SectorOrderPhysical {
				continue
			}
			if p.test(di, order, false) {
				log.WithFields(log.Fields{
					"fs":    p.format,
					"order": order,
				}).Debug("filesystem probe matched")
				return p.format, order
			}
		}
	}
	return FSFormatUnknown, SectorOrderUnknown
}

// probeFormatLenient reruns the single probe for a format override.
func probeFormatLenient(di *DiskImg, format FSFormat, order SectorOrder) bool {
	if isGenericFSFormat(format) {
		return true
	}
	for _, p := range fsProbeList {
		if p.format != format {
			continue
		}
		if p.test == nil {
			return false
		}
		return p.test(di, order, true)
	}
	return false
}
