package disk

import (
	"bytes"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// 2MG (2IMG) universal disk image.  Little-endian 64-byte header followed by
// the data region, with optional comment and creator chunks after it.

const (
	twoMGHeaderLen = 64

	twoMGFormatDOS    = 0
	twoMGFormatProDOS = 1
	twoMGFormatNibble = 2

	twoMGFlagLocked       = 1 << 31
	twoMGFlagDOSVolumeSet = 1 << 8
	twoMGDOSVolumeMask    = 0xff
)

var twoMGMagic = []byte("2IMG")

// creator code we stamp on images we write
var twoMGCreator = []byte("CdrP")

type twoMGHeader struct {
	Magic         [4]byte
	Creator       [4]byte
	HeaderLen     uint16
	Version       uint16
	ImageFormat   uint32
	Flags         uint32
	NumBlocks     uint32
	DataOffset    uint32
	DataLen       uint32
	CmntOffset    uint32
	CmntLen       uint32
	CreatorOffset uint32
	CreatorLen    uint32
	Spare         [16]byte
}

func (h *twoMGHeader) pack() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}

func (h *twoMGHeader) unpack(raw []byte) error {
	return binary.Read(bytes.NewReader(raw), binary.LittleEndian, h)
}

type Wrapper2MG struct {
	hdr     twoMGHeader
	comment []byte
	creator []byte
}

func (w *Wrapper2MG) readHeader(gfd GenericFD, wrappedLength int64) (*twoMGHeader, error) {
	if wrappedLength < twoMGHeaderLen {
		return nil, NotMine
	}
	raw := make([]byte, twoMGHeaderLen)
	if err := gfdReadAt(gfd, raw, 0); err != nil {
		return nil, err
	}
	var hdr twoMGHeader
	if err := hdr.unpack(raw); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr.Magic[:], twoMGMagic) {
		return nil, NotMine
	}
	if hdr.HeaderLen < twoMGHeaderLen || hdr.Version > 1 {
		log.WithFields(log.Fields{
			"headerLen": hdr.HeaderLen,
			"version":   hdr.Version,
		}).Debug("2MG magic matched but header fields are off")
		return nil, ErrBadFileFormat
	}
	return &hdr, nil
}

// checkLayout validates the internal chunk offsets against the file length.
func (h *twoMGHeader) checkLayout(wrappedLength int64) error {
	dataEnd := int64(h.DataOffset) + int64(h.DataLen)
	if int64(h.DataOffset) < int64(h.HeaderLen) || dataEnd > wrappedLength {
		return ErrBadFileFormat
	}
	if h.CmntLen > 0 {
		cmntEnd := int64(h.CmntOffset) + int64(h.CmntLen)
		if int64(h.CmntOffset) < dataEnd || cmntEnd > wrappedLength {
			return ErrBadFileFormat
		}
	}
	if h.CreatorLen > 0 {
		crEnd := int64(h.CreatorOffset) + int64(h.CreatorLen)
		if int64(h.CreatorOffset) < dataEnd || crEnd > wrappedLength {
			return ErrBadFileFormat
		}
	}
	switch h.ImageFormat {
	case twoMGFormatDOS, twoMGFormatProDOS:
		if h.DataLen%SECTOR_SIZE != 0 {
			return ErrBadFileFormat
		}
		if h.ImageFormat == twoMGFormatProDOS &&
			int64(h.NumBlocks)*BLOCK_SIZE != int64(h.DataLen) {
			return ErrBadFileFormat
		}
	case twoMGFormatNibble:
		if h.DataLen != DISK_NIBBLE_LENGTH {
			return ErrBadFileFormat
		}
	default:
		return ErrUnsupportedFileFmt
	}
	return nil
}

func (w *Wrapper2MG) Test(gfd GenericFD, wrappedLength int64) error {
	hdr, err := w.readHeader(gfd, wrappedLength)
	if err != nil {
		return err
	}
	return hdr.checkLayout(wrappedLength)
}

func (w *Wrapper2MG) Prep(gfd GenericFD, wrappedLength int64, readOnly bool) (*PrepResult, error) {
	hdr, err := w.readHeader(gfd, wrappedLength)
	if err != nil {
		return nil, err
	}
	if err := hdr.checkLayout(wrappedLength); err != nil {
		return nil, err
	}
	w.hdr = *hdr

	// carry the trailing chunks so flush can re-emit them untouched
	if hdr.CmntLen > 0 {
		w.comment = make([]byte, hdr.CmntLen)
		if err := gfdReadAt(gfd, w.comment, int64(hdr.CmntOffset)); err != nil {
			return nil, err
		}
	}
	if hdr.CreatorLen > 0 {
		w.creator = make([]byte, hdr.CreatorLen)
		if err := gfdReadAt(gfd, w.creator, int64(hdr.CreatorOffset)); err != nil {
			return nil, err
		}
	}

	res := &PrepResult{
		Length:       int64(hdr.DataLen),
		DOSVolumeNum: VOLUME_NUM_NOT_SET,
	}
	switch hdr.ImageFormat {
	case twoMGFormatDOS:
		res.Physical = PhysicalFormatSectors
		res.Order = SectorOrderDOS
	case twoMGFormatProDOS:
		res.Physical = PhysicalFormatSectors
		res.Order = SectorOrderProDOS
	case twoMGFormatNibble:
		res.Physical = PhysicalFormatNib525_6656
		res.Order = SectorOrderPhysical
		res.NumTracks = STD_TRACKS_PER_DISK
	}
	if hdr.Flags&twoMGFlagDOSVolumeSet != 0 {
		res.DOSVolumeNum = int(hdr.Flags & twoMGDOSVolumeMask)
	}
	if hdr.Flags&twoMGFlagLocked != 0 {
		log.Debug("2MG image is flagged locked")
	}

	sub, err := NewSubGFD(gfd, int64(hdr.DataOffset), int64(hdr.DataLen), readOnly)
	if err != nil {
		return nil, err
	}
	res.DataGFD = sub
	return res, nil
}

func (w *Wrapper2MG) Create(dataLen int64, physical PhysicalFormat, order SectorOrder, dosVolumeNum int, outGFD GenericFD) (int64, GenericFD, error) {
	var hdr twoMGHeader
	copy(hdr.Magic[:], twoMGMagic)
	copy(hdr.Creator[:], twoMGCreator)
	hdr.HeaderLen = twoMGHeaderLen
	hdr.Version = 1
	hdr.DataOffset = twoMGHeaderLen
	hdr.DataLen = uint32(dataLen)

	switch {
	case IsNibbleFormat(physical):
		if physical != PhysicalFormatNib525_6656 || dataLen != DISK_NIBBLE_LENGTH {
			return 0, nil, ErrInvalidCreateReq
		}
		hdr.ImageFormat = twoMGFormatNibble
	case order == SectorOrderDOS:
		if dataLen%SECTOR_SIZE != 0 {
			return 0, nil, ErrInvalidCreateReq
		}
		hdr.ImageFormat = twoMGFormatDOS
	case order == SectorOrderProDOS:
		if dataLen%BLOCK_SIZE != 0 {
			return 0, nil, ErrInvalidCreateReq
		}
		hdr.ImageFormat = twoMGFormatProDOS
		hdr.NumBlocks = uint32(dataLen / BLOCK_SIZE)
	default:
		return 0, nil, errors.Wrap(ErrInvalidCreateReq, "2MG requires DOS or ProDOS ordering")
	}
	if dosVolumeNum != VOLUME_NUM_NOT_SET {
		hdr.Flags |= twoMGFlagDOSVolumeSet | uint32(dosVolumeNum&twoMGDOSVolumeMask)
	}

	if err := gfdWriteAt(outGFD, hdr.pack(), 0); err != nil {
		return 0, nil, err
	}
	w.hdr = hdr
	sub, err := NewSubGFD(outGFD, twoMGHeaderLen, dataLen, false)
	if err != nil {
		return 0, nil, err
	}
	return twoMGHeaderLen + dataLen, sub, nil
}

func (w *Wrapper2MG) Flush(outGFD GenericFD, dataGFD GenericFD, dataLen int64) (int64, error) {
	// data region was written in place through the sub-GFD; refresh the
	// header and re-emit the trailing chunks after it
	w.hdr.DataLen = uint32(dataLen)
	if w.hdr.ImageFormat == twoMGFormatProDOS {
		w.hdr.NumBlocks = uint32(dataLen / BLOCK_SIZE)
	}
	end := int64(w.hdr.DataOffset) + dataLen
	if len(w.comment) > 0 {
		w.hdr.CmntOffset = uint32(end)
		w.hdr.CmntLen = uint32(len(w.comment))
		end += int64(len(w.comment))
	}
	if len(w.creator) > 0 {
		w.hdr.CreatorOffset = uint32(end)
		w.hdr.CreatorLen = uint32(len(w.creator))
		end += int64(len(w.creator))
	}
	if err := gfdWriteAt(outGFD, w.hdr.pack(), 0); err != nil {
		return 0, err
	}
	if len(w.comment) > 0 {
		if err := gfdWriteAt(outGFD, w.comment, int64(w.hdr.CmntOffset)); err != nil {
			return 0, err
		}
	}
	if len(w.creator) > 0 {
		if err := gfdWriteAt(outGFD, w.creator, int64(w.hdr.CreatorOffset)); err != nil {
			return 0, err
		}
	}
	return end, nil
}

func (w *Wrapper2MG) HasFastFlush() bool { return true }
func (w *Wrapper2MG) IsDamaged() bool    { return false }

// nibble support when the 2MG holds a raw nibble image

func (w *Wrapper2MG) NibbleTrackLength(track int) int {
	if w.hdr.ImageFormat != twoMGFormatNibble || track < 0 || track >= STD_TRACKS_PER_DISK {
		return -1
	}
	return TRACK_NIBBLE_LENGTH
}

func (w *Wrapper2MG) NibbleTrackOffset(track int) int {
	if w.hdr.ImageFormat != twoMGFormatNibble || track < 0 || track >= STD_TRACKS_PER_DISK {
		return -1
	}
	return track * TRACK_NIBBLE_LENGTH
}
