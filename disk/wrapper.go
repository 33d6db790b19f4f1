package disk

import (
	"bytes"

	"github.com/apex/log"
)

// PrepResult is what an ImageWrapper learned while materializing the raw
// disk bytes.  Order and DOSVolumeNum are hints; SectorOrderUnknown and
// VOLUME_NUM_NOT_SET mean the wrapper doesn't encode them.
type PrepResult struct {
	DataGFD      GenericFD
	Length       int64
	Physical     PhysicalFormat
	Order        SectorOrder
	DOSVolumeNum int
	NumTracks    int // nibble wrappers only
}

// ImageWrapper adapts one container format (2MG, DiskCopy, NuFX, ...) to the
// common probe/prep/create/flush lifecycle.
type ImageWrapper interface {
	// Test sniffs the header.  NotMine keeps the probe cascade going;
	// ErrBadChecksum and ErrFileArchive are positive identifications of
	// broken content and abort it.
	Test(gfd GenericFD, wrappedLength int64) error
	// Prep materializes the raw disk bytes after a successful Test.
	Prep(gfd GenericFD, wrappedLength int64, readOnly bool) (*PrepResult, error)
	// Create writes a header stub for a new image and yields the GFD the
	// caller formats the contents into.
	Create(dataLen int64, physical PhysicalFormat, order SectorOrder, dosVolumeNum int, outGFD GenericFD) (int64, GenericFD, error)
	// Flush rewrites the header (lengths, checksums) and pushes data
	// through any compression.  Returns the new wrapped length.
	Flush(outGFD GenericFD, dataGFD GenericFD, dataLen int64) (int64, error)
	// HasFastFlush reports whether Flush is cheap enough for incremental
	// saves.  Recompressing wrappers return false.
	HasFastFlush() bool
	// IsDamaged reports a non-fatal checksum warning raised during Prep.
	IsDamaged() bool
	// NibbleTrackLength and NibbleTrackOffset locate raw track data for
	// nibble-capable wrappers; both return -1 otherwise.
	NibbleTrackLength(track int) int
	NibbleTrackOffset(track int) int
}

// notNibble is embedded by sector-only wrappers.
type notNibble struct{}

func (notNibble) NibbleTrackLength(track int) int { return -1 }
func (notNibble) NibbleTrackOffset(track int) int { return -1 }

// isValidSectorLength gates unadorned sector images.  Anything block-sized
// works (ProDOS volumes can be any block count up to 8 GB); the two odd
// lengths are the classic 5.25" floppy sizes.
func isValidSectorLength(length int64) bool {
	if length == STD_DISK_BYTES || length == STD_DISK_BYTES_OLD {
		return true
	}
	return length > 0 && length%BLOCK_SIZE == 0
}

/*
 * WrapperUnadornedSector - raw sector data with no header at all.  Length is
 * the only signal.  The sector order can't be determined from the content,
 * so the opener passes down a hint from the filename extension and the
 * filesystem probe settles the rest.
 */

type WrapperUnadornedSector struct {
	notNibble
	OrderHint SectorOrder
}

func (w *WrapperUnadornedSector) Test(gfd GenericFD, wrappedLength int64) error {
	if !isValidSectorLength(wrappedLength) {
		log.WithField("length", wrappedLength).Debug("not a plausible sector image length")
		return NotMine
	}
	return nil
}

func (w *WrapperUnadornedSector) Prep(gfd GenericFD, wrappedLength int64, readOnly bool) (*PrepResult, error) {
	sub, err := NewSubGFD(gfd, 0, wrappedLength, readOnly)
	if err != nil {
		return nil, err
	}
	return &PrepResult{
		DataGFD:      sub,
		Length:       wrappedLength,
		Physical:     PhysicalFormatSectors,
		Order:        w.OrderHint,
		DOSVolumeNum: VOLUME_NUM_NOT_SET,
	}, nil
}

func (w *WrapperUnadornedSector) Create(dataLen int64, physical PhysicalFormat, order SectorOrder, dosVolumeNum int, outGFD GenericFD) (int64, GenericFD, error) {
	if !IsSectorFormat(physical) || !isValidSectorLength(dataLen) {
		return 0, nil, ErrInvalidCreateReq
	}
	sub, err := NewSubGFD(outGFD, 0, dataLen, false)
	if err != nil {
		return 0, nil, err
	}
	return dataLen, sub, nil
}

func (w *WrapperUnadornedSector) Flush(outGFD GenericFD, dataGFD GenericFD, dataLen int64) (int64, error) {
	// data lives directly in the wrapped stream
	return dataLen, nil
}

func (w *WrapperUnadornedSector) HasFastFlush() bool { return true }
func (w *WrapperUnadornedSector) IsDamaged() bool    { return false }

/*
 * WrapperUnadornedNibble - raw nibble tracks, .nib/.nb2 style.  Fixed-size
 * tracks back to back.
 */

type WrapperUnadornedNibble struct {
	physical  PhysicalFormat
	numTracks int
}

// nibble layouts the unadorned probe recognizes
var unadornedNibbleLayouts = []struct {
	length    int64
	physical  PhysicalFormat
	numTracks int
}{
	{DISK_NIBBLE_LENGTH, PhysicalFormatNib525_6656, STD_TRACKS_PER_DISK},
	{TRACK_NIBBLE_LENGTH * 40, PhysicalFormatNib525_6656, 40},
	{TRACK_NIBBLE_LENGTH_6384 * STD_TRACKS_PER_DISK, PhysicalFormatNib525_6384, STD_TRACKS_PER_DISK},
	{TRACK_NIBBLE_LENGTH_6384 * 40, PhysicalFormatNib525_6384, 40},
}

func (w *WrapperUnadornedNibble) Test(gfd GenericFD, wrappedLength int64) error {
	for _, l := range unadornedNibbleLayouts {
		if wrappedLength == l.length {
			return nil
		}
	}
	return NotMine
}

func (w *WrapperUnadornedNibble) Prep(gfd GenericFD, wrappedLength int64, readOnly bool) (*PrepResult, error) {
	for _, l := range unadornedNibbleLayouts {
		if wrappedLength != l.length {
			continue
		}
		w.physical = l.physical
		w.numTracks = l.numTracks
		sub, err := NewSubGFD(gfd, 0, wrappedLength, readOnly)
		if err != nil {
			return nil, err
		}
		return &PrepResult{
			DataGFD:      sub,
			Length:       wrappedLength,
			Physical:     l.physical,
			Order:        SectorOrderPhysical,
			DOSVolumeNum: VOLUME_NUM_NOT_SET,
			NumTracks:    l.numTracks,
		}, nil
	}
	return nil, ErrBadFileFormat
}

func (w *WrapperUnadornedNibble) Create(dataLen int64, physical PhysicalFormat, order SectorOrder, dosVolumeNum int, outGFD GenericFD) (int64, GenericFD, error) {
	if !IsNibbleFormat(physical) {
		return 0, nil, ErrInvalidCreateReq
	}
	for _, l := range unadornedNibbleLayouts {
		if dataLen == l.length && physical == l.physical {
			w.physical = l.physical
			w.numTracks = l.numTracks
			sub, err := NewSubGFD(outGFD, 0, dataLen, false)
			if err != nil {
				return 0, nil, err
			}
			return dataLen, sub, nil
		}
	}
	return 0, nil, ErrInvalidCreateReq
}

func (w *WrapperUnadornedNibble) Flush(outGFD GenericFD, dataGFD GenericFD, dataLen int64) (int64, error) {
	return dataLen, nil
}

func (w *WrapperUnadornedNibble) HasFastFlush() bool { return true }
func (w *WrapperUnadornedNibble) IsDamaged() bool    { return false }

func (w *WrapperUnadornedNibble) trackLen() int {
	if w.physical == PhysicalFormatNib525_6384 {
		return TRACK_NIBBLE_LENGTH_6384
	}
	return TRACK_NIBBLE_LENGTH
}

func (w *WrapperUnadornedNibble) NibbleTrackLength(track int) int {
	if track < 0 || track >= w.numTracks {
		return -1
	}
	return w.trackLen()
}

func (w *WrapperUnadornedNibble) NibbleTrackOffset(track int) int {
	if track < 0 || track >= w.numTracks {
		return -1
	}
	return track * w.trackLen()
}

/*
 * WrapperSim2eHDV - hard drive volumes from the sim2e emulator.  A short
 * signature header in front of plain ProDOS-order blocks.
 */

var sim2eSignature = []byte("SIMSYSTEM_HDV")

const sim2eHeaderLen = 15 // signature plus two version bytes

type WrapperSim2eHDV struct {
	notNibble
}

func (w *WrapperSim2eHDV) Test(gfd GenericFD, wrappedLength int64) error {
	if wrappedLength < sim2eHeaderLen {
		return NotMine
	}
	hdr := make([]byte, len(sim2eSignature))
	if err := gfdReadAt(gfd, hdr, 0); err != nil {
		return NotMine
	}
	if !bytes.Equal(hdr, sim2eSignature) {
		return NotMine
	}
	if (wrappedLength-sim2eHeaderLen)%BLOCK_SIZE != 0 {
		return ErrOddLength
	}
	return nil
}

func (w *WrapperSim2eHDV) Prep(gfd GenericFD, wrappedLength int64, readOnly bool) (*PrepResult, error) {
	dataLen := wrappedLength - sim2eHeaderLen
	sub, err := NewSubGFD(gfd, sim2eHeaderLen, dataLen, readOnly)
	if err != nil {
		return nil, err
	}
	return &PrepResult{
		DataGFD:      sub,
		Length:       dataLen,
		Physical:     PhysicalFormatSectors,
		Order:        SectorOrderProDOS,
		DOSVolumeNum: VOLUME_NUM_NOT_SET,
	}, nil
}

func (w *WrapperSim2eHDV) Create(dataLen int64, physical PhysicalFormat, order SectorOrder, dosVolumeNum int, outGFD GenericFD) (int64, GenericFD, error) {
	if !IsSectorFormat(physical) || order != SectorOrderProDOS || dataLen%BLOCK_SIZE != 0 {
		return 0, nil, ErrInvalidCreateReq
	}
	hdr := make([]byte, sim2eHeaderLen)
	copy(hdr, sim2eSignature)
	hdr[13] = 0x02 // creator version bytes
	hdr[14] = 0x00
	if err := gfdWriteAt(outGFD, hdr, 0); err != nil {
		return 0, nil, err
	}
	sub, err := NewSubGFD(outGFD, sim2eHeaderLen, dataLen, false)
	if err != nil {
		return 0, nil, err
	}
	return dataLen + sim2eHeaderLen, sub, nil
}

func (w *WrapperSim2eHDV) Flush(outGFD GenericFD, dataGFD GenericFD, dataLen int64) (int64, error) {
	return dataLen + sim2eHeaderLen, nil
}

func (w *WrapperSim2eHDV) HasFastFlush() bool { return true }
func (w *WrapperSim2eHDV) IsDamaged() bool    { return false }
