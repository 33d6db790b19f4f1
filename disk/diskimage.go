package disk

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// FlushMode selects how much work a flush is allowed to do.
type FlushMode int

const (
	// FlushAll pushes everything out, recompressing wrappers as needed.
	FlushAll FlushMode = iota
	// FlushFastOnly flushes only when every layer reports fast flush;
	// otherwise it leaves the image dirty and returns nil.
	FlushFastOnly
)

// NoteSeverity classifies diagnostic notes.
type NoteSeverity int

const (
	NoteInfo NoteSeverity = iota
	NoteWarning
)

// Note is one append-only diagnostic produced during open or scan.
type Note struct {
	Severity NoteSeverity
	Text     string
}

// ScanProgressFunc is invoked during long scans.  Return false to cancel.
type ScanProgressFunc func(cookie interface{}, msg string) bool

// DiskImg is a single opened (or created) disk image: the GFD stack, the
// identified formats, the geometry, and the sector/block/nibble access
// paths.  One open per instance; instances are not safe for concurrent use.
type DiskImg struct {
	cfg *Config

	// GFD stack, outermost first.  wrapperGFD == outerGFD when there is
	// no compression layer.
	outerGFD   GenericFD
	wrapperGFD GenericFD
	dataGFD    GenericFD

	outerWrapper OuterWrapper
	imageWrapper ImageWrapper

	outerFormat OuterFormat
	fileFormat  FileFormat
	physical    PhysicalFormat
	order       SectorOrder // how the media bytes are laid out
	fsOrder     SectorOrder // what the filesystem driver expects
	fsFormat    FSFormat

	outerLength   int64
	wrappedLength int64
	length        int64 // raw disk data

	numTracks       int
	numSectPerTrack int
	numBlocks       int64
	hasSectors      bool
	hasBlocks       bool
	hasNibbles      bool

	readOnly   bool
	dirty      bool
	expandable bool

	dosVolumeNum     int
	sectorPairing    bool
	sectorPairOffset int

	nibbleDescrTable  []NibbleDescr
	nibbleDescr       *NibbleDescr
	nibbleTrackBuf    []byte
	nibbleTrackLoaded int
	nibbleTrackDirty  bool

	badBlockMap *bitset.BitSet
	notes       []Note

	parentImg    *DiskImg
	diskFSRefCnt int

	scanProgress ScanProgressFunc
	scanCookie   interface{}
	lastProgress time.Time

	opened      bool
	storageName string
}

// NewDiskImg returns an image handle ready for one of the Open or Create
// calls.  A nil config selects the defaults.
func NewDiskImg(cfg *Config) *DiskImg {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	descrs := make([]NibbleDescr, NibbleDescrMAX)
	copy(descrs, stdNibbleDescrs[:])
	return &DiskImg{
		cfg:               cfg,
		order:             SectorOrderUnknown,
		fsOrder:           SectorOrderUnknown,
		dosVolumeNum:      VOLUME_NUM_NOT_SET,
		nibbleDescrTable:  descrs,
		nibbleTrackLoaded: -1,
	}
}

/*
 * Accessors.
 */

func (di *DiskImg) OuterFormat() OuterFormat        { return di.outerFormat }
func (di *DiskImg) FileFormat() FileFormat          { return di.fileFormat }
func (di *DiskImg) PhysicalFormat() PhysicalFormat  { return di.physical }
func (di *DiskImg) SectorOrder() SectorOrder        { return di.order }
func (di *DiskImg) FSFormat() FSFormat              { return di.fsFormat }
func (di *DiskImg) Length() int64                   { return di.length }
func (di *DiskImg) NumTracks() int                  { return di.numTracks }
func (di *DiskImg) NumSectPerTrack() int            { return di.numSectPerTrack }
func (di *DiskImg) NumBlocks() int64                { return di.numBlocks }
func (di *DiskImg) HasSectors() bool                { return di.hasSectors }
func (di *DiskImg) HasBlocks() bool                 { return di.hasBlocks }
func (di *DiskImg) HasNibbles() bool                { return di.hasNibbles }
func (di *DiskImg) IsReadOnly() bool                { return di.readOnly }
func (di *DiskImg) IsDirty() bool                   { return di.dirty }
func (di *DiskImg) IsExpandable() bool              { return di.expandable }
func (di *DiskImg) DOSVolumeNum() int               { return di.dosVolumeNum }
func (di *DiskImg) SetDOSVolumeNum(num int)         { di.dosVolumeNum = num }
func (di *DiskImg) ActiveNibbleDescr() *NibbleDescr { return di.nibbleDescr }
func (di *DiskImg) StorageName() string             { return di.storageName }

// ShowAsBlocks says whether a user display should present this image as
// blocks rather than tracks and sectors.
func (di *DiskImg) ShowAsBlocks() bool {
	if !di.hasBlocks {
		return false
	}
	if !di.hasSectors {
		return true
	}
	switch di.fsFormat {
	case FSFormatProDOS, FSFormatPascal, FSFormatMacHFS, FSFormatCPM,
		FSFormatGenericProDOSOrd:
		return true
	}
	return false
}

// SetNibbleDescr selects one of the standard nibble descriptors.
func (di *DiskImg) SetNibbleDescr(idx int) error {
	if idx < 0 || idx >= len(di.nibbleDescrTable) {
		return ErrInvalidIndex
	}
	di.nibbleDescr = &di.nibbleDescrTable[idx]
	return nil
}

// SetCustomNibbleDescr installs a caller-provided descriptor in the custom
// slot and selects it.
func (di *DiskImg) SetCustomNibbleDescr(descr NibbleDescr) {
	di.nibbleDescrTable[NibbleDescrCustom] = descr
	di.nibbleDescr = &di.nibbleDescrTable[NibbleDescrCustom]
}

/*
 * Notes and progress.
 */

// AddNote appends a diagnostic visible through Notes.
func (di *DiskImg) AddNote(severity NoteSeverity, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	di.notes = append(di.notes, Note{Severity: severity, Text: text})
	if severity == NoteWarning {
		log.Warn(text)
	}
}

// Notes returns the accumulated diagnostics.
func (di *DiskImg) Notes() []Note { return di.notes }

// GetNotes joins the note texts for display.
func (di *DiskImg) GetNotes() string {
	var parts []string
	for _, n := range di.notes {
		parts = append(parts, n.Text)
	}
	return strings.Join(parts, "\n")
}

// SetScanProgressCallback installs a progress callback.  Sub-volumes inherit
// the nearest ancestor's callback.
func (di *DiskImg) SetScanProgressCallback(fn ScanProgressFunc, cookie interface{}) {
	di.scanProgress = fn
	di.scanCookie = cookie
}

// updateScanProgress reports progress at most once per second; returns false
// when the callback requested cancellation.
func (di *DiskImg) updateScanProgress(msg string) bool {
	img := di
	for img != nil && img.scanProgress == nil {
		img = img.parentImg
	}
	if img == nil {
		return true
	}
	now := time.Now()
	if now.Sub(img.lastProgress) < time.Second {
		return true
	}
	img.lastProgress = now
	return img.scanProgress(img.scanCookie, msg)
}

// setDirty marks this image and every ancestor as modified.
func (di *DiskImg) setDirty() {
	for img := di; img != nil; img = img.parentImg {
		img.dirty = true
	}
}

/*
 * DiskFS reference counting.  A filesystem handle must not outlive the
 * image it reads from.
 */

func (di *DiskImg) AddDiskFSRef()    { di.diskFSRefCnt++ }
func (di *DiskImg) RemoveDiskFSRef() { di.diskFSRefCnt-- }

/*
 * Opening.
 */

// OpenImage opens a disk image file and runs format detection.
func (di *DiskImg) OpenImage(path string, readOnly bool) error {
	if di.opened {
		return ErrAlreadyOpen
	}
	gfd, err := OpenFile(path, readOnly)
	if err != nil {
		return err
	}
	di.readOnly = readOnly
	di.storageName = filepath.Base(path)
	if err := di.openCommon(gfd, extensionOf(path)); err != nil {
		gfd.Close()
		return err
	}
	return nil
}

// OpenImageFromBuffer opens an in-memory image.  The buffer is used in
// place; flushing writes back into it.
func (di *DiskImg) OpenImageFromBuffer(data []byte, readOnly bool) error {
	if di.opened {
		return ErrAlreadyOpen
	}
	di.readOnly = readOnly
	gfd := NewBuffer(data, false, readOnly)
	if err := di.openCommon(gfd, ""); err != nil {
		gfd.Close()
		return err
	}
	return nil
}

// OpenImageVolume opens a host block device.
func (di *DiskImg) OpenImageVolume(path string, readOnly bool) error {
	if di.opened {
		return ErrAlreadyOpen
	}
	gfd, err := OpenVolume(path, readOnly, di.cfg)
	if err != nil {
		return err
	}
	di.readOnly = readOnly
	di.storageName = filepath.Base(path)
	// volumes are raw ProDOS-order blocks by definition
	if err := di.openCommon(gfd, ".cp-win-vol"); err != nil {
		gfd.Close()
		return err
	}
	return nil
}

// OpenSubRange opens a block range of an already-open parent image, for
// partitioned media.  The parent must stay open for the sub-image's life.
func (di *DiskImg) OpenSubRange(parent *DiskImg, firstBlock, numBlocks int64) error {
	if di.opened {
		return ErrAlreadyOpen
	}
	if parent == nil || !parent.opened || !parent.hasBlocks {
		return ErrInvalidArg
	}
	if firstBlock < 0 || numBlocks <= 0 || firstBlock+numBlocks > parent.numBlocks {
		return ErrInvalidBlock
	}
	sub, err := NewSubGFD(parent.dataGFD, firstBlock*BLOCK_SIZE,
		numBlocks*BLOCK_SIZE, parent.readOnly)
	if err != nil {
		return err
	}
	di.parentImg = parent
	di.readOnly = parent.readOnly
	di.dataGFD = sub
	di.outerFormat = OuterFormatNone
	di.fileFormat = FileFormatUnadorned
	di.physical = PhysicalFormatSectors
	di.length = numBlocks * BLOCK_SIZE
	di.order = parent.order
	di.setSectorGeometry()
	di.runFSProbe(parent.order)
	di.opened = true
	return nil
}

// OpenSubRangeSectors opens a track range of the parent.  The range must
// start at sector 0 and span whole tracks.
func (di *DiskImg) OpenSubRangeSectors(parent *DiskImg, firstTrack, firstSector, numSectors int) error {
	if di.opened {
		return ErrAlreadyOpen
	}
	if parent == nil || !parent.opened || !parent.hasSectors {
		return ErrInvalidArg
	}
	if firstSector != 0 || numSectors%parent.numSectPerTrack != 0 {
		return ErrInvalidArg
	}
	numTracks := numSectors / parent.numSectPerTrack
	if firstTrack < 0 || numTracks <= 0 || firstTrack+numTracks > parent.numTracks {
		return ErrInvalidTrack
	}
	offset := int64(firstTrack) * int64(parent.numSectPerTrack) * SECTOR_SIZE
	length := int64(numSectors) * SECTOR_SIZE
	sub, err := NewSubGFD(parent.dataGFD, offset, length, parent.readOnly)
	if err != nil {
		return err
	}
	di.parentImg = parent
	di.readOnly = parent.readOnly
	di.dataGFD = sub
	di.outerFormat = OuterFormatNone
	di.fileFormat = FileFormatUnadorned
	di.physical = PhysicalFormatSectors
	di.length = length
	di.order = parent.order
	di.hasSectors = true
	di.numTracks = numTracks
	di.numSectPerTrack = parent.numSectPerTrack
	if di.numSectPerTrack == 16 && length%BLOCK_SIZE == 0 {
		di.hasBlocks = true
		di.numBlocks = length / BLOCK_SIZE
	}
	di.runFSProbe(parent.order)
	di.opened = true
	return nil
}

// SetSectorPairing configures the OzDOS half-volume view on an 800K parent.
// Must be set before the filesystem layer starts reading.  Enabling pairing
// halves the track count, since each logical track spans two stored tracks;
// an image with an odd number of tracks can't be split that way.
func (di *DiskImg) SetSectorPairing(pairing bool, offset int) error {
	if offset != 0 && offset != 1 {
		return ErrInvalidArg
	}
	if pairing == di.sectorPairing {
		di.sectorPairOffset = offset
		return nil
	}
	if pairing {
		if !di.hasSectors {
			return ErrUnsupportedAccess
		}
		if di.numTracks%2 != 0 {
			return ErrOddLength
		}
		di.numTracks /= 2
	} else {
		di.numTracks *= 2
	}
	di.sectorPairing = pairing
	di.sectorPairOffset = offset
	return nil
}

// extCandidate maps a filename extension to the wrapper to try first.
type extCandidate struct {
	format   FileFormat
	reliable bool
	order    SectorOrder // unadorned order hint
	nibble   bool
}

var extCandidates = map[string]extCandidate{
	".2mg":        {format: FileFormat2MG, reliable: true},
	".2img":       {format: FileFormat2MG, reliable: true},
	".shk":        {format: FileFormatNuFX, reliable: true},
	".sdk":        {format: FileFormatNuFX, reliable: true},
	".bxy":        {format: FileFormatNuFX, reliable: true},
	".hdv":        {format: FileFormatSim2eHDV},
	".dsk":        {format: FileFormatDiskCopy42},
	".dc":         {format: FileFormatDiskCopy42},
	".ddd":        {format: FileFormatDDD, reliable: true},
	".app":        {format: FileFormatTrackStar, reliable: true},
	".fdi":        {format: FileFormatFDI, reliable: true},
	".img":        {format: FileFormatUnadorned, order: SectorOrderPhysical},
	".nib":        {format: FileFormatUnadorned, nibble: true},
	".raw":        {format: FileFormatUnadorned, nibble: true},
	".do":         {format: FileFormatUnadorned, order: SectorOrderDOS},
	".d13":        {format: FileFormatUnadorned, order: SectorOrderDOS},
	".po":         {format: FileFormatUnadorned, order: SectorOrderProDOS},
	".dc6":        {format: FileFormatUnadorned, order: SectorOrderProDOS},
	".cp-win-vol": {format: FileFormatUnadorned, reliable: true, order: SectorOrderProDOS},
}

// wrapper fallback sequence when the extension doesn't settle it
var probeCascade = []FileFormat{
	FileFormatNuFX,
	FileFormatDiskCopy42,
	FileFormat2MG,
	FileFormatDDD,
	FileFormatSim2eHDV,
	FileFormatTrackStar,
	FileFormatFDI,
	FileFormatUnadorned, // nibble first, then sectors; see openCommon
}

func (di *DiskImg) makeWrapper(format FileFormat, hint extCandidate) ImageWrapper {
	switch format {
	case FileFormat2MG:
		return &Wrapper2MG{}
	case FileFormatNuFX:
		return NewWrapperNuFX(di.cfg)
	case FileFormatDiskCopy42:
		return &WrapperDiskCopy42{}
	case FileFormatSim2eHDV:
		return &WrapperSim2eHDV{}
	case FileFormatTrackStar:
		return &WrapperTrackStar{}
	case FileFormatFDI:
		return &WrapperFDI{}
	case FileFormatDDD:
		return &WrapperDDD{}
	case FileFormatUnadorned:
		if hint.nibble {
			return &WrapperUnadornedNibble{}
		}
		return &WrapperUnadornedSector{OrderHint: hint.order}
	}
	return nil
}

// openCommon runs the two-pass format detection and prepares the GFD stack.
func (di *DiskImg) openCommon(gfd GenericFD, ext string) error {
	di.outerGFD = gfd
	length, err := gfdLength(gfd)
	if err != nil {
		return err
	}
	di.outerLength = length

	// pass 1: outer compression layer, keyed off the extension
	di.outerFormat = OuterFormatNone
	di.wrapperGFD = gfd
	di.wrappedLength = length
	switch ext {
	case ".gz":
		outer := NewOuterGzip(di.cfg)
		if err := outer.Test(gfd, length); err != nil {
			return ErrUnrecognizedFileFmt
		}
		if err := di.loadOuter(outer, OuterFormatGzip); err != nil {
			return err
		}
		// derive the inner extension from the stored or stripped name
		inner := outer.Extension()
		if inner == "" {
			inner = extensionOf(strings.TrimSuffix(di.storageName, ".gz"))
		}
		ext = inner
	case ".zip":
		outer := NewOuterZip(di.cfg)
		if err := outer.Test(gfd, length); err != nil {
			return ErrUnrecognizedFileFmt
		}
		if err := di.loadOuter(outer, OuterFormatZip); err != nil {
			return err
		}
		ext = outer.Extension()
	}

	// pass 2: image wrapper cascade
	hint, haveHint := extCandidates[ext]
	var chosen FileFormat
	var wrapper ImageWrapper
	tryFormat := func(format FileFormat, h extCandidate) (bool, error) {
		w := di.makeWrapper(format, h)
		err := w.Test(di.wrapperGFD, di.wrappedLength)
		switch {
		case err == nil:
			chosen, wrapper = format, w
			return true, nil
		case errors.Is(err, ErrBadChecksum):
			// positively identified but damaged; Prep flags it and the
			// image opens read-only
			chosen, wrapper = format, w
			return true, nil
		case errors.Is(err, NotMine) || errors.Is(err, ErrOddLength):
			return false, nil
		default:
			// positive identification of unusable content
			return false, err
		}
	}
	if haveHint {
		ok, err := tryFormat(hint.format, hint)
		if err != nil {
			return err
		}
		if !ok && hint.reliable {
			// a trustworthy extension whose content fails its own test is
			// damaged goods; don't fall through to the cascade
			return errors.Wrapf(ErrBadFileFormat, "contents do not match the %s extension", ext)
		}
	}
	if wrapper == nil {
		for _, format := range probeCascade {
			if haveHint && format == hint.format && format != FileFormatUnadorned {
				continue // already tried
			}
			h := extCandidate{}
			if format == FileFormatUnadorned {
				// nibble layouts first, they have exact lengths
				ok, err := tryFormat(format, extCandidate{nibble: true})
				if err != nil {
					return err
				}
				if ok {
					break
				}
				if haveHint {
					h.order = hint.order
				}
			}
			ok, err := tryFormat(format, h)
			if err != nil {
				return err
			}
			if ok {
				break
			}
		}
	}
	if wrapper == nil {
		return ErrUnrecognizedFileFmt
	}
	if chosen == FileFormatNuFX && di.outerFormat != OuterFormatNone {
		return errors.Wrap(ErrUnsupportedFileFmt, "NuFX inside an outer archive")
	}

	res, err := wrapper.Prep(di.wrapperGFD, di.wrappedLength, di.readOnly)
	if err != nil {
		return err
	}
	di.imageWrapper = wrapper
	di.fileFormat = chosen
	di.dataGFD = res.DataGFD
	di.length = res.Length
	di.physical = res.Physical
	di.order = res.Order
	if res.DOSVolumeNum != VOLUME_NUM_NOT_SET {
		di.dosVolumeNum = res.DOSVolumeNum
	}
	if ext == ".hdv" {
		di.expandable = true
	}
	if wrapper.IsDamaged() {
		di.readOnly = true
		di.AddNote(NoteWarning, "the %s wrapper failed its checksum; image opened read-only", chosen)
	}
	if di.fileFormat == FileFormatFDI {
		di.readOnly = true
	}

	// geometry and content analysis
	if IsNibbleFormat(di.physical) {
		di.hasNibbles = true
		di.numTracks = res.NumTracks
		if err := di.AnalyzeNibbleData(); err != nil {
			if errors.Is(err, ErrCancelled) {
				return err
			}
			di.readOnly = true
			di.AddNote(NoteWarning, "no nibble profile could read every sector: %v", err)
		} else {
			di.hasSectors = true
			di.numSectPerTrack = di.nibbleDescr.NumSectors
			if di.numSectPerTrack == STD_SECTORS_PER_TRACK {
				di.hasBlocks = true
				di.numBlocks = int64(di.numTracks) * 8
			}
			if di.nibbleDescr.DataChecksum == ChecksumIgnore {
				di.readOnly = true
				di.AddNote(NoteWarning, "nibble profile %q skips checksum verification; image opened read-only",
					di.nibbleDescr.Description)
			}
		}
	} else {
		di.setSectorGeometry()
		if !di.hasSectors && !di.hasBlocks {
			di.AddNote(NoteWarning, "unusual image length %s; no sector or block view available",
				fmtKilobytes(di.length))
		}
	}

	di.runFSProbe(di.order)
	di.opened = true
	log.WithFields(log.Fields{
		"outer":    di.outerFormat,
		"format":   di.fileFormat,
		"physical": di.physical,
		"order":    di.order,
		"fs":       di.fsFormat,
		"length":   di.length,
	}).Info("image opened")
	return nil
}

func (di *DiskImg) loadOuter(outer OuterWrapper, format OuterFormat) error {
	buf, innerLen, err := outer.Load(di.outerGFD, di.outerLength, di.readOnly)
	if err != nil {
		return err
	}
	di.outerWrapper = outer
	di.outerFormat = format
	di.wrapperGFD = buf
	di.wrappedLength = innerLen
	if outer.IsDamaged() {
		di.readOnly = true
		di.AddNote(NoteWarning, "the %s layer failed its checksum; image opened read-only", format)
	}
	return nil
}

// setSectorGeometry derives tracks/sectors/blocks from the raw data length.
func (di *DiskImg) setSectorGeometry() {
	di.hasSectors = false
	di.hasBlocks = false
	switch {
	case di.length == STD_DISK_BYTES_OLD:
		di.hasSectors = true
		di.numTracks = STD_TRACKS_PER_DISK
		di.numSectPerTrack = STD_SECTORS_PER_TRACK_OLD
	default:
		if di.length%(STD_SECTORS_PER_TRACK*SECTOR_SIZE) == 0 {
			tracks := di.length / (STD_SECTORS_PER_TRACK * SECTOR_SIZE)
			// 35..50 track floppies present both views
			if tracks >= STD_TRACKS_PER_DISK && tracks <= 50 {
				di.hasSectors = true
				di.numTracks = int(tracks)
				di.numSectPerTrack = STD_SECTORS_PER_TRACK
			}
		}
		if di.length%BLOCK_SIZE == 0 && di.length > 0 {
			di.hasBlocks = true
			di.numBlocks = di.length / BLOCK_SIZE
		}
	}
}

// runFSProbe identifies the filesystem and settles the sector order.
func (di *DiskImg) runFSProbe(orderHint SectorOrder) {
	format, order := probeFilesystem(di, orderHint)
	if format == FSFormatUnknown {
		if di.order == SectorOrderUnknown {
			di.order = SectorOrderProDOS
		}
		di.fsFormat = FSFormatUnknown
		di.fsOrder = di.order
		return
	}
	if format == FSFormatDOS33 && di.numSectPerTrack == STD_SECTORS_PER_TRACK_OLD {
		format = FSFormatDOS32
	}
	di.fsFormat = format
	di.order = order
	di.fsOrder = expectedFSOrder(format)
}

// OverrideFormat forces a filesystem format and ordering after open.  The
// physical format cannot change, and the format's lenient probe must accept
// the requested order.
func (di *DiskImg) OverrideFormat(physical PhysicalFormat, format FSFormat, order SectorOrder) error {
	if !di.opened {
		return ErrInvalidArg
	}
	if physical != di.physical {
		return ErrUnsupportedPhysicalFmt
	}
	if probeFormatLenient(di, format, order) {
		di.fsFormat = format
		di.order = order
		di.fsOrder = expectedFSOrder(format)
		return nil
	}
	// would it have worked under a different order?
	for _, o := range GetSectorOrderArray(order) {
		if o == SectorOrderUnknown || o == order {
			continue
		}
		if probeFormatLenient(di, format, o) {
			return ErrBadOrdering
		}
	}
	return ErrFilesystemNotFound
}

/*
 * Track/sector access.
 */

// ReadTrackSector reads one 256-byte sector using the image's settled
// ordering.
func (di *DiskImg) ReadTrackSector(track, sector int, buf []byte) error {
	return di.ReadTrackSectorSwapped(track, sector, buf, di.order, di.fsOrder)
}

// ReadTrackSectorSwapped reads a sector with explicit orderings; filesystem
// probes use this to test hypotheses without committing them.
func (di *DiskImg) ReadTrackSectorSwapped(track, sector int, buf []byte, imageOrder, fsOrder SectorOrder) error {
	if len(buf) < SECTOR_SIZE {
		return ErrInvalidArg
	}
	if IsNibbleFormat(di.physical) {
		_, newSector, err := di.CalcSectorAndOffset(track, sector,
			SectorOrderPhysical, fsOrder)
		if err != nil {
			return err
		}
		return di.ReadNibbleSector(track, newSector, buf, nil)
	}
	offset, _, err := di.CalcSectorAndOffset(track, sector, imageOrder, fsOrder)
	if err != nil {
		return err
	}
	return gfdReadAt(di.dataGFD, buf[:SECTOR_SIZE], offset)
}

// WriteTrackSector writes one 256-byte sector.
func (di *DiskImg) WriteTrackSector(track, sector int, buf []byte) error {
	if di.readOnly {
		return ErrAccessDenied
	}
	if len(buf) < SECTOR_SIZE {
		return ErrInvalidArg
	}
	return di.writeTrackSectorOrdered(track, sector, buf, di.fsOrder)
}

func (di *DiskImg) writeTrackSectorOrdered(track, sector int, buf []byte, fsOrder SectorOrder) error {
	if IsNibbleFormat(di.physical) {
		_, newSector, err := di.CalcSectorAndOffset(track, sector,
			SectorOrderPhysical, fsOrder)
		if err != nil {
			return err
		}
		return di.WriteNibbleSector(track, newSector, buf, nil)
	}
	offset, _, err := di.CalcSectorAndOffset(track, sector, di.order, fsOrder)
	if err != nil {
		return err
	}
	if err := gfdWriteAt(di.dataGFD, buf[:SECTOR_SIZE], offset); err != nil {
		return err
	}
	di.setDirty()
	return nil
}

/*
 * Block access.
 */

func (di *DiskImg) checkBlockRange(block, count int64) error {
	if !di.hasBlocks {
		return ErrUnsupportedAccess
	}
	if block < 0 || count < 1 || block+count > di.numBlocks {
		return ErrInvalidBlock
	}
	if di.badBlockMap != nil {
		for b := block; b < block+count; b++ {
			if di.badBlockMap.Test(uint(b)) {
				log.WithField("block", b).Debug("access to known-bad block")
				return ErrReadFailed
			}
		}
	}
	return nil
}

// ReadBlock reads one 512-byte block.
func (di *DiskImg) ReadBlock(block int64, buf []byte) error {
	return di.ReadBlockSwapped(block, buf, di.order, di.fsOrder)
}

// ReadBlockSwapped reads a block with explicit orderings.
func (di *DiskImg) ReadBlockSwapped(block int64, buf []byte, imageOrder, fsOrder SectorOrder) error {
	if len(buf) < BLOCK_SIZE {
		return ErrInvalidArg
	}
	if err := di.checkBlockRange(block, 1); err != nil {
		return err
	}
	if di.hasSectors && !di.isLinearBlocks(imageOrder, fsOrder) {
		// a block is a consecutive ProDOS sector pair
		spb := di.numSectPerTrack / 2
		track := int(block) / spb
		sectorBase := (int(block) % spb) * 2
		if err := di.ReadTrackSectorSwapped(track, sectorBase,
			buf[:SECTOR_SIZE], imageOrder, SectorOrderProDOS); err != nil {
			return err
		}
		return di.ReadTrackSectorSwapped(track, sectorBase+1,
			buf[SECTOR_SIZE:BLOCK_SIZE], imageOrder, SectorOrderProDOS)
	}
	return gfdReadAt(di.dataGFD, buf[:BLOCK_SIZE], block*BLOCK_SIZE)
}

// WriteBlock writes one 512-byte block.
func (di *DiskImg) WriteBlock(block int64, buf []byte) error {
	if di.readOnly {
		return ErrAccessDenied
	}
	if len(buf) < BLOCK_SIZE {
		return ErrInvalidArg
	}
	if err := di.checkBlockRange(block, 1); err != nil {
		return err
	}
	if di.hasSectors && !di.isLinearBlocks(di.order, di.fsOrder) {
		spb := di.numSectPerTrack / 2
		track := int(block) / spb
		sectorBase := (int(block) % spb) * 2
		if err := di.writeTrackSectorOrdered(track, sectorBase,
			buf[:SECTOR_SIZE], SectorOrderProDOS); err != nil {
			return err
		}
		return di.writeTrackSectorOrdered(track, sectorBase+1,
			buf[SECTOR_SIZE:BLOCK_SIZE], SectorOrderProDOS)
	}
	if err := gfdWriteAt(di.dataGFD, buf[:BLOCK_SIZE], block*BLOCK_SIZE); err != nil {
		return err
	}
	di.setDirty()
	return nil
}

// ReadBlocks reads a run of blocks, using one contiguous transfer when the
// layout allows it.
func (di *DiskImg) ReadBlocks(startBlock, numBlocks int64, buf []byte) error {
	if int64(len(buf)) < numBlocks*BLOCK_SIZE {
		return ErrInvalidArg
	}
	if err := di.checkBlockRange(startBlock, numBlocks); err != nil {
		return err
	}
	if di.isLinearBlocks(di.order, di.fsOrder) || !di.hasSectors {
		return gfdReadAt(di.dataGFD, buf[:numBlocks*BLOCK_SIZE], startBlock*BLOCK_SIZE)
	}
	for i := int64(0); i < numBlocks; i++ {
		if err := di.ReadBlock(startBlock+i, buf[i*BLOCK_SIZE:(i+1)*BLOCK_SIZE]); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlocks writes a run of blocks.
func (di *DiskImg) WriteBlocks(startBlock, numBlocks int64, buf []byte) error {
	if di.readOnly {
		return ErrAccessDenied
	}
	if int64(len(buf)) < numBlocks*BLOCK_SIZE {
		return ErrInvalidArg
	}
	if err := di.checkBlockRange(startBlock, numBlocks); err != nil {
		return err
	}
	if di.isLinearBlocks(di.order, di.fsOrder) || !di.hasSectors {
		if err := gfdWriteAt(di.dataGFD, buf[:numBlocks*BLOCK_SIZE], startBlock*BLOCK_SIZE); err != nil {
			return err
		}
		di.setDirty()
		return nil
	}
	for i := int64(0); i < numBlocks; i++ {
		if err := di.WriteBlock(startBlock+i, buf[i*BLOCK_SIZE:(i+1)*BLOCK_SIZE]); err != nil {
			return err
		}
	}
	return nil
}

/*
 * Bad block tracking.
 */

// AddToBadBlockMap records unreadable blocks discovered by a scan.
func (di *DiskImg) AddToBadBlockMap(block, count int64) {
	if di.badBlockMap == nil {
		di.badBlockMap = bitset.New(uint(di.numBlocks))
	}
	for b := block; b < block+count; b++ {
		di.badBlockMap.Set(uint(b))
	}
}

// CheckForBadBlocks reports whether the range intersects the bad block map.
func (di *DiskImg) CheckForBadBlocks(startBlock, numBlocks int64) bool {
	if di.badBlockMap == nil {
		return false
	}
	for b := startBlock; b < startBlock+numBlocks; b++ {
		if di.badBlockMap.Test(uint(b)) {
			return true
		}
	}
	return false
}

/*
 * Nibble track plumbing that depends on the wrapper.
 */

// GetNibbleTrackLength returns the raw length of a nibble track.
func (di *DiskImg) GetNibbleTrackLength(track int) int {
	if di.imageWrapper == nil {
		return -1
	}
	return di.imageWrapper.NibbleTrackLength(track)
}

// GetNibbleTrackOffset returns the data offset of a nibble track.
func (di *DiskImg) GetNibbleTrackOffset(track int) int {
	if di.imageWrapper == nil {
		return -1
	}
	return di.imageWrapper.NibbleTrackOffset(track)
}

// SetNuFXCompressType picks the thread compressor used when a NuFX image is
// rewritten.  Ignored for other wrappers.
func (di *DiskImg) SetNuFXCompressType(t NuFXCompressType) {
	if w, ok := di.imageWrapper.(*WrapperNuFX); ok {
		w.SetCompressType(t)
	}
}

/*
 * Flush and close.
 */

// HasFastFlush reports whether every layer can flush without recompression.
func (di *DiskImg) HasFastFlush() bool {
	if di.outerFormat != OuterFormatNone {
		return false
	}
	if di.imageWrapper == nil {
		return true
	}
	return di.imageWrapper.HasFastFlush()
}

// FlushImage pushes modified data down the GFD stack.  In fast-only mode a
// slow stack leaves the image dirty and returns nil.
func (di *DiskImg) FlushImage(mode FlushMode) error {
	if !di.dirty {
		return nil
	}
	if mode == FlushFastOnly && !di.HasFastFlush() {
		return nil
	}
	if di.parentImg != nil {
		// sub-images write straight into the parent's data region; the
		// parent owns the wrapper and outer layers
		if err := di.dataGFD.Flush(); err != nil {
			return err
		}
		di.dirty = false
		return nil
	}
	if err := di.saveNibbleTrack(); err != nil {
		return err
	}
	if di.imageWrapper != nil {
		newLen, err := di.imageWrapper.Flush(di.wrapperGFD, di.dataGFD, di.length)
		if err != nil {
			return err
		}
		di.wrappedLength = newLen
	}
	if di.outerWrapper != nil {
		buf, ok := di.wrapperGFD.(*GFDBuffer)
		if !ok {
			return ErrInternal
		}
		newLen, err := di.outerWrapper.Save(di.outerGFD, buf, di.wrappedLength)
		if err != nil {
			return err
		}
		di.truncateOuter(newLen)
		di.outerLength = newLen
	} else {
		di.truncateOuter(di.wrappedLength)
		di.outerLength = di.wrappedLength
	}
	if err := di.outerGFD.Flush(); err != nil {
		return err
	}
	di.dirty = false
	return nil
}

// truncateOuter trims the backing file when a rewrite came out shorter.
func (di *DiskImg) truncateOuter(newLen int64) {
	if newLen >= di.outerLength {
		return
	}
	type truncater interface{ Truncate(int64) error }
	if t, ok := di.outerGFD.(truncater); ok {
		if err := t.Truncate(newLen); err != nil {
			log.WithError(err).Warn("could not truncate image file")
		}
	}
}

// CloseImage flushes and tears down the GFD stack.  Fails while a
// filesystem handle still references this image.
func (di *DiskImg) CloseImage() error {
	if !di.opened {
		return nil
	}
	if di.diskFSRefCnt > 0 {
		return errors.Wrapf(ErrAccessDenied, "%d filesystem reference(s) still open", di.diskFSRefCnt)
	}
	flushErr := di.FlushImage(FlushAll)

	// teardown in reverse construction order; sub-GFD closes are no-ops
	// on the parent
	if di.dataGFD != nil {
		di.dataGFD.Close()
	}
	if di.wrapperGFD != nil && di.wrapperGFD != di.outerGFD {
		di.wrapperGFD.Close()
	}
	if di.outerGFD != nil && di.parentImg == nil {
		if err := di.outerGFD.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	di.opened = false
	return flushErr
}

/*
 * Creation.
 */

// CreateParams describes a new image.  Either NumBlocks or the track pair
// must be set.  SkipFormat leaves sector content unwritten apart from the
// final block, which is touched to establish the file size.
type CreateParams struct {
	Path            string
	FileFormat      FileFormat
	OuterFormat     OuterFormat
	Physical        PhysicalFormat
	Order           SectorOrder
	NumBlocks       int64
	NumTracks       int
	SectorsPerTrack int
	DOSVolumeNum    int
	NibbleDescrIdx  int
	StorageName     string
	SkipFormat      bool
}

func (p *CreateParams) dataLength() (int64, error) {
	if p.NumBlocks > 0 {
		if p.NumTracks != 0 {
			return 0, ErrInvalidCreateReq
		}
		return p.NumBlocks * BLOCK_SIZE, nil
	}
	if p.NumTracks <= 0 || p.SectorsPerTrack <= 0 {
		return 0, ErrInvalidCreateReq
	}
	if IsNibbleFormat(p.Physical) {
		trackLen := int64(TRACK_NIBBLE_LENGTH)
		if p.Physical == PhysicalFormatNib525_6384 {
			trackLen = TRACK_NIBBLE_LENGTH_6384
		}
		return int64(p.NumTracks) * trackLen, nil
	}
	return int64(p.NumTracks) * int64(p.SectorsPerTrack) * SECTOR_SIZE, nil
}

// CreateImage builds a new image file: wrapper header, zeroed or
// nibble-formatted content, and an initial flush.
func (di *DiskImg) CreateImage(p CreateParams) error {
	if di.opened {
		return ErrAlreadyOpen
	}
	dataLen, err := p.dataLength()
	if err != nil {
		return err
	}
	if p.SkipFormat && IsNibbleFormat(p.Physical) {
		return errors.Wrap(ErrInvalidCreateReq, "nibble images must be formatted")
	}

	file, err := CreateFile(p.Path)
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		file.Close()
		return err
	}

	di.outerGFD = file
	di.wrapperGFD = file
	switch p.OuterFormat {
	case OuterFormatNone, OuterFormatUnknown:
		di.outerFormat = OuterFormatNone
	case OuterFormatGzip:
		di.outerWrapper = NewOuterGzip(di.cfg)
		di.outerFormat = OuterFormatGzip
		di.wrapperGFD = NewBuffer(nil, true, false)
	case OuterFormatZip:
		di.outerWrapper = NewOuterZip(di.cfg)
		di.outerFormat = OuterFormatZip
		di.wrapperGFD = NewBuffer(nil, true, false)
	default:
		return cleanup(ErrInvalidCreateReq)
	}

	wrapper := di.makeWrapper(p.FileFormat, extCandidate{
		order:  p.Order,
		nibble: IsNibbleFormat(p.Physical),
	})
	if wrapper == nil {
		return cleanup(ErrUnsupportedFileFmt)
	}
	if nw, ok := wrapper.(*WrapperNuFX); ok && p.StorageName != "" {
		nw.SetStorageName(p.StorageName)
	}
	dosVol := p.DOSVolumeNum
	if dosVol == 0 {
		dosVol = VOLUME_NUM_NOT_SET
	}
	wrappedLen, dataGFD, err := wrapper.Create(dataLen, p.Physical, p.Order, dosVol, di.wrapperGFD)
	if err != nil {
		return cleanup(err)
	}

	di.imageWrapper = wrapper
	di.fileFormat = p.FileFormat
	di.dataGFD = dataGFD
	di.length = dataLen
	di.wrappedLength = wrappedLen
	di.physical = p.Physical
	di.order = p.Order
	di.fsOrder = p.Order
	di.dosVolumeNum = dosVol
	di.storageName = p.StorageName
	if di.storageName == "" {
		di.storageName = filepath.Base(p.Path)
	}

	if IsNibbleFormat(p.Physical) {
		di.hasNibbles = true
		di.numTracks = p.NumTracks
		if err := di.SetNibbleDescr(p.NibbleDescrIdx); err != nil {
			return cleanup(err)
		}
		if di.dosVolumeNum == VOLUME_NUM_NOT_SET {
			di.dosVolumeNum = DEFAULT_NIBBLE_VOLUME_NUM
		}
		if err := di.formatNibbles(dataGFD); err != nil {
			return cleanup(err)
		}
		di.hasSectors = true
		di.numSectPerTrack = di.nibbleDescr.NumSectors
		if di.numSectPerTrack == STD_SECTORS_PER_TRACK {
			di.hasBlocks = true
			di.numBlocks = int64(di.numTracks) * 8
		}
	} else {
		di.setSectorGeometry()
		if p.SkipFormat {
			// touching the final block is enough to set the EOF
			zero := make([]byte, BLOCK_SIZE)
			if err := gfdWriteAt(dataGFD, zero, dataLen-BLOCK_SIZE); err != nil {
				return cleanup(err)
			}
		} else if err := di.zeroContent(dataGFD, dataLen); err != nil {
			return cleanup(err)
		}
	}

	switch di.order {
	case SectorOrderProDOS:
		di.fsFormat = FSFormatGenericProDOSOrd
	case SectorOrderDOS:
		di.fsFormat = FSFormatGenericDOSOrd
	case SectorOrderCPM:
		di.fsFormat = FSFormatGenericCPMOrd
	default:
		di.fsFormat = FSFormatGenericPhysicalOrd
	}
	di.opened = true
	di.dirty = true
	if err := di.FlushImage(FlushAll); err != nil {
		di.opened = false
		return cleanup(err)
	}
	return nil
}

// zeroContent wipes the data region in chunks, reporting progress.
func (di *DiskImg) zeroContent(gfd GenericFD, length int64) error {
	const chunkSize = 64 * 1024
	zero := make([]byte, chunkSize)
	for off := int64(0); off < length; off += chunkSize {
		n := int64(chunkSize)
		if off+n > length {
			n = length - off
		}
		if err := gfdWriteAt(gfd, zero[:n], off); err != nil {
			return err
		}
		if !di.updateScanProgress("zeroing image") {
			return ErrCancelled
		}
	}
	return nil
}

// ZeroImage wipes all content of an open image.
func (di *DiskImg) ZeroImage() error {
	if di.readOnly {
		return ErrAccessDenied
	}
	if IsNibbleFormat(di.physical) {
		if err := di.formatNibbles(di.dataGFD); err != nil {
			return err
		}
		di.nibbleTrackLoaded = -1
		di.nibbleTrackDirty = false
	} else if err := di.zeroContent(di.dataGFD, di.length); err != nil {
		return err
	}
	di.setDirty()
	return nil
}

/*
 * High-level filesystem formatting is delegated through a registry; the
 * filesystem layer registers its formatters on init.
 */

// FSFormatFunc lays filesystem structures onto a zeroed image.
type FSFormatFunc func(di *DiskImg, volName string) error

var fsFormatters = map[FSFormat]FSFormatFunc{}

// RegisterFSFormatter installs the formatter for one filesystem.
func RegisterFSFormatter(format FSFormat, fn FSFormatFunc) {
	fsFormatters[format] = fn
}

// FormatImage zeroes the image and writes empty filesystem structures.
func (di *DiskImg) FormatImage(format FSFormat, volName string) error {
	if di.readOnly {
		return ErrAccessDenied
	}
	fn, ok := fsFormatters[format]
	if !ok {
		return ErrUnsupportedFSFmt
	}
	if err := di.ZeroImage(); err != nil {
		return err
	}
	di.fsOrder = expectedFSOrder(format)
	if err := fn(di, volName); err != nil {
		return err
	}
	di.fsFormat = format
	di.setDirty()
	return nil
}
