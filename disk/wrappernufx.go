package disk

import (
	"github.com/apex/log"
	"github.com/pkg/errors"
)

// WrapperNuFX presents a ShrinkIt disk archive (.shk/.sdk/.bxy) as a disk
// image.  Prep extracts the disk thread into memory; flush rebuilds the
// whole archive.  NuFX never nests inside an outer gzip/zip layer.
type WrapperNuFX struct {
	notNibble
	cfg          *Config
	volumeNum    int
	filename     string
	compressType NuFXCompressType
	damaged      bool
}

func NewWrapperNuFX(cfg *Config) *WrapperNuFX {
	return &WrapperNuFX{cfg: cfg, volumeNum: VOLUME_NUM_NOT_SET}
}

// SetCompressType changes the compressor used on the next flush.
func (w *WrapperNuFX) SetCompressType(t NuFXCompressType) { w.compressType = t }

// SetStorageName sets the filename stored in the rebuilt archive record.
func (w *WrapperNuFX) SetStorageName(name string) { w.filename = name }

func (w *WrapperNuFX) Test(gfd GenericFD, wrappedLength int64) error {
	if wrappedLength < nufxMasterHdrLen {
		return NotMine
	}
	raw := make([]byte, wrappedLength)
	if err := gfdReadAt(gfd, raw, 0); err != nil {
		return NotMine
	}
	arc, err := parseNuFX(raw)
	if err != nil {
		if errors.Is(err, NotMine) {
			return NotMine
		}
		// signature matched but the structure is broken
		return ErrBadArchiveStruct
	}
	if _, _, err := arc.diskImageThread(); err != nil {
		return err // ErrFileArchive aborts the probe cascade
	}
	return nil
}

func (w *WrapperNuFX) Prep(gfd GenericFD, wrappedLength int64, readOnly bool) (*PrepResult, error) {
	raw := make([]byte, wrappedLength)
	if err := gfdReadAt(gfd, raw, 0); err != nil {
		return nil, err
	}
	arc, err := parseNuFX(raw)
	if err != nil {
		return nil, err
	}
	rec, thr, err := arc.diskImageThread()
	if err != nil {
		return nil, err
	}
	w.filename = rec.filename

	data, vol, err := thr.expand(w.cfg.maxUnpacked())
	if err == ErrBadChecksum {
		// data came out the right length; keep it but flag the image
		w.damaged = true
	} else if err != nil {
		return nil, err
	}
	if vol != VOLUME_NUM_NOT_SET {
		w.volumeNum = vol
	}
	if int64(len(data))%BLOCK_SIZE != 0 && int64(len(data)) != STD_DISK_BYTES_OLD {
		return nil, ErrOddLength
	}
	log.WithFields(log.Fields{
		"filename": w.filename,
		"length":   len(data),
	}).Debug("extracted NuFX disk thread")

	// archives are always rewritten whole, so the working copy is a
	// private buffer regardless of the caller's mode
	buf := NewBuffer(append([]byte(nil), data...), false, readOnly || w.damaged)
	return &PrepResult{
		DataGFD:      buf,
		Length:       int64(len(data)),
		Physical:     PhysicalFormatSectors,
		Order:        SectorOrderProDOS,
		DOSVolumeNum: w.volumeNum,
	}, nil
}

func (w *WrapperNuFX) Create(dataLen int64, physical PhysicalFormat, order SectorOrder, dosVolumeNum int, outGFD GenericFD) (int64, GenericFD, error) {
	if !IsSectorFormat(physical) || order != SectorOrderProDOS || dataLen%BLOCK_SIZE != 0 {
		return 0, nil, ErrInvalidCreateReq
	}
	w.volumeNum = dosVolumeNum
	data := make([]byte, dataLen)
	wrappedLen, err := w.Flush(outGFD, NewBuffer(data, false, true), dataLen)
	if err != nil {
		return 0, nil, err
	}
	return wrappedLen, NewBuffer(data, false, false), nil
}

func (w *WrapperNuFX) Flush(outGFD GenericFD, dataGFD GenericFD, dataLen int64) (int64, error) {
	data := make([]byte, dataLen)
	if err := gfdReadAt(dataGFD, data, 0); err != nil {
		return 0, err
	}
	arc := buildNuFXDiskArchive(data, w.volumeNum, w.filename, w.compressType)
	if err := gfdWriteAt(outGFD, arc, 0); err != nil {
		return 0, err
	}
	return int64(len(arc)), nil
}

func (w *WrapperNuFX) HasFastFlush() bool { return false }
func (w *WrapperNuFX) IsDamaged() bool    { return w.damaged }
