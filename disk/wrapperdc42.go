package disk

import (
	"encoding/binary"

	"github.com/apex/log"
)

// DiskCopy 4.2, the Mac-side standard for 800K floppies.  Big-endian 84-byte
// header, then data, then (usually absent on Apple II disks) tag bytes.

const (
	dc42HeaderLen = 84

	dc42DiskFormat400K  = 0
	dc42DiskFormat800K  = 1
	dc42DiskFormat720K  = 2
	dc42DiskFormat1440K = 3

	dc42FormatByte400K = 0x02
	dc42FormatByte800K = 0x22 // double-sided, "Apple II" variant uses 0x24

	dc42Magic = 0x0100
)

type dc42Header struct {
	diskName     [64]byte // Pascal string
	dataSize     uint32
	tagSize      uint32
	dataChecksum uint32
	tagChecksum  uint32
	diskFormat   byte
	formatByte   byte
}

func (h *dc42Header) pack() []byte {
	buf := make([]byte, dc42HeaderLen)
	copy(buf[0:64], h.diskName[:])
	binary.BigEndian.PutUint32(buf[64:], h.dataSize)
	binary.BigEndian.PutUint32(buf[68:], h.tagSize)
	binary.BigEndian.PutUint32(buf[72:], h.dataChecksum)
	binary.BigEndian.PutUint32(buf[76:], h.tagChecksum)
	buf[80] = h.diskFormat
	buf[81] = h.formatByte
	binary.BigEndian.PutUint16(buf[82:], dc42Magic)
	return buf
}

func (h *dc42Header) unpack(raw []byte) {
	copy(h.diskName[:], raw[0:64])
	h.dataSize = binary.BigEndian.Uint32(raw[64:])
	h.tagSize = binary.BigEndian.Uint32(raw[68:])
	h.dataChecksum = binary.BigEndian.Uint32(raw[72:])
	h.tagChecksum = binary.BigEndian.Uint32(raw[76:])
	h.diskFormat = raw[80]
	h.formatByte = raw[81]
}

// dc42Checksum is the DiskCopy rolling checksum: add each big-endian 16-bit
// word, rotate the 32-bit sum right one bit.
func dc42Checksum(data []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
		sum = (sum >> 1) | (sum << 31)
	}
	return sum
}

type WrapperDiskCopy42 struct {
	notNibble
	hdr     dc42Header
	damaged bool
}

func (w *WrapperDiskCopy42) readHeader(gfd GenericFD, wrappedLength int64) (*dc42Header, error) {
	if wrappedLength < dc42HeaderLen {
		return nil, NotMine
	}
	raw := make([]byte, dc42HeaderLen)
	if err := gfdReadAt(gfd, raw, 0); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint16(raw[82:]) != dc42Magic {
		return nil, NotMine
	}
	var hdr dc42Header
	hdr.unpack(raw)
	if hdr.diskName[0] > 63 {
		return nil, NotMine
	}
	if hdr.diskFormat > dc42DiskFormat1440K {
		return nil, NotMine
	}
	if int64(dc42HeaderLen)+int64(hdr.dataSize)+int64(hdr.tagSize) > wrappedLength {
		return nil, NotMine
	}
	if hdr.dataSize%BLOCK_SIZE != 0 {
		return nil, NotMine
	}
	return &hdr, nil
}

func (w *WrapperDiskCopy42) verifyChecksum(gfd GenericFD, hdr *dc42Header) (bool, error) {
	data := make([]byte, hdr.dataSize)
	if err := gfdReadAt(gfd, data, dc42HeaderLen); err != nil {
		return false, err
	}
	return dc42Checksum(data) == hdr.dataChecksum, nil
}

func (w *WrapperDiskCopy42) Test(gfd GenericFD, wrappedLength int64) error {
	hdr, err := w.readHeader(gfd, wrappedLength)
	if err != nil {
		return err
	}
	ok, err := w.verifyChecksum(gfd, hdr)
	if err != nil {
		return err
	}
	if !ok {
		// definitely DiskCopy, definitely broken
		return ErrBadChecksum
	}
	return nil
}

func (w *WrapperDiskCopy42) Prep(gfd GenericFD, wrappedLength int64, readOnly bool) (*PrepResult, error) {
	hdr, err := w.readHeader(gfd, wrappedLength)
	if err != nil {
		return nil, err
	}
	w.hdr = *hdr
	ok, err := w.verifyChecksum(gfd, hdr)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.WithField("stored", hdr.dataChecksum).Warn("DiskCopy data checksum mismatch")
		w.damaged = true
	}
	sub, err := NewSubGFD(gfd, dc42HeaderLen, int64(hdr.dataSize), readOnly)
	if err != nil {
		return nil, err
	}
	return &PrepResult{
		DataGFD:      sub,
		Length:       int64(hdr.dataSize),
		Physical:     PhysicalFormatSectors,
		Order:        SectorOrderProDOS,
		DOSVolumeNum: VOLUME_NUM_NOT_SET,
	}, nil
}

func (w *WrapperDiskCopy42) Create(dataLen int64, physical PhysicalFormat, order SectorOrder, dosVolumeNum int, outGFD GenericFD) (int64, GenericFD, error) {
	// DiskCopy can only represent the fixed floppy sizes; we create 800K
	if !IsSectorFormat(physical) || dataLen != PRODOS_800KB_DISK_BYTES {
		return 0, nil, ErrInvalidCreateReq
	}
	if order != SectorOrderProDOS && order != SectorOrderDOS {
		return 0, nil, ErrInvalidCreateReq
	}
	var hdr dc42Header
	name := "-not a Macintosh disk"
	hdr.diskName[0] = byte(len(name))
	copy(hdr.diskName[1:], name)
	hdr.dataSize = uint32(dataLen)
	hdr.diskFormat = dc42DiskFormat800K
	hdr.formatByte = dc42FormatByte800K
	// checksum of all-zero data is zero; flush fixes it up after format
	if err := gfdWriteAt(outGFD, hdr.pack(), 0); err != nil {
		return 0, nil, err
	}
	w.hdr = hdr
	sub, err := NewSubGFD(outGFD, dc42HeaderLen, dataLen, false)
	if err != nil {
		return 0, nil, err
	}
	return dc42HeaderLen + dataLen, sub, nil
}

func (w *WrapperDiskCopy42) Flush(outGFD GenericFD, dataGFD GenericFD, dataLen int64) (int64, error) {
	data := make([]byte, dataLen)
	if err := gfdReadAt(dataGFD, data, 0); err != nil {
		return 0, err
	}
	w.hdr.dataSize = uint32(dataLen)
	w.hdr.dataChecksum = dc42Checksum(data)
	w.hdr.tagSize = 0
	w.hdr.tagChecksum = 0
	if err := gfdWriteAt(outGFD, w.hdr.pack(), 0); err != nil {
		return 0, err
	}
	return dc42HeaderLen + dataLen, nil
}

func (w *WrapperDiskCopy42) HasFastFlush() bool { return true }
func (w *WrapperDiskCopy42) IsDamaged() bool    { return w.damaged }

// DiskName returns the embedded volume name.
func (w *WrapperDiskCopy42) DiskName() string {
	n := int(w.hdr.diskName[0])
	return string(w.hdr.diskName[1 : 1+n])
}

// SetDiskName replaces the embedded volume name; takes effect on flush.
func (w *WrapperDiskCopy42) SetDiskName(name string) {
	if len(name) > 63 {
		name = name[:63]
	}
	var packed [64]byte
	packed[0] = byte(len(name))
	copy(packed[1:], name)
	w.hdr.diskName = packed
}
