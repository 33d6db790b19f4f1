package disk

import (
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// Minimal NuFX (ShrinkIt) archive support, enough to treat a single-record
// disk archive as a disk image container.  File archives are recognized and
// rejected so the caller can tell the user why the "disk image" won't open.

var nufxMasterID = []byte{0x4e, 0xf5, 0x46, 0xe9, 0x6c, 0xe5} // "NuFile" alternating high bits
var nufxRecordID = []byte{0x4e, 0xf5, 0x46, 0xd8}             // "NuFX"

// Binary II envelope byte; .bxy files carry a 128-byte BNY header in front
// of the NuFX stream.
const (
	binary2ID     = 0x0a
	binary2HdrLen = 128
)

const (
	nufxMasterHdrLen = 48
	nufxThreadHdrLen = 16

	nufxThreadClassMessage = 0
	nufxThreadClassControl = 1
	nufxThreadClassData    = 2
	nufxThreadClassName    = 3

	nufxThreadKindDataFork  = 0x0000
	nufxThreadKindDiskImage = 0x0001
	nufxThreadKindRsrcFork  = 0x0002

	nufxFormatUncompressed = 0x0000
	nufxFormatLZW1         = 0x0002
	nufxFormatLZW2         = 0x0003
)

// NuFXCompressType selects the thread compressor used when rewriting an
// archive.
type NuFXCompressType int

const (
	NuFXCompressLZW2 NuFXCompressType = iota // default
	NuFXCompressNone
)

// crc16 is the XMODEM CRC used throughout NuFX.
func crc16(seed uint16, data []byte) uint16 {
	crc := seed
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

type nufxThread struct {
	class     uint16
	format    uint16
	kind      uint16
	crc       uint16
	threadEOF uint32
	compEOF   uint32
	data      []byte // compressed as stored
}

type nufxRecord struct {
	fileSysID   uint16
	fileSysInfo uint16
	access      uint32
	fileType    uint32
	extraType   uint32 // block count for disk images
	storageType uint16 // block size for disk images
	dates       [24]byte
	filename    string
	threads     []nufxThread
}

type nufxArchive struct {
	binary2 bool // wrapped in a Binary II header
	records []nufxRecord
}

// nufxStreamOffset finds the NuFX master header, skipping a Binary II
// envelope when present.
func nufxStreamOffset(raw []byte) (int, bool) {
	if len(raw) >= len(nufxMasterID) && bytesEqual(raw[:6], nufxMasterID) {
		return 0, true
	}
	if len(raw) >= binary2HdrLen+6 && raw[0] == binary2ID && raw[1] == 0x47 && raw[2] == 0x4c &&
		bytesEqual(raw[binary2HdrLen:binary2HdrLen+6], nufxMasterID) {
		return binary2HdrLen, true
	}
	return 0, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// parseNuFX walks the archive structure.  Thread data is kept compressed;
// extraction happens on demand.
func parseNuFX(raw []byte) (*nufxArchive, error) {
	off, ok := nufxStreamOffset(raw)
	if !ok {
		return nil, NotMine
	}
	arc := &nufxArchive{binary2: off != 0}
	stream := raw[off:]
	if len(stream) < nufxMasterHdrLen {
		return nil, errors.Wrap(ErrBadArchiveStruct, "short master header")
	}
	totalRecords := binary.LittleEndian.Uint32(stream[8:])
	if totalRecords == 0 || totalRecords > 4096 {
		return nil, errors.Wrap(ErrBadArchiveStruct, "implausible record count")
	}

	pos := nufxMasterHdrLen
	for r := uint32(0); r < totalRecords; r++ {
		if pos+16 > len(stream) {
			return nil, errors.Wrap(ErrBadArchiveStruct, "truncated record header")
		}
		if !bytesEqual(stream[pos:pos+4], nufxRecordID) {
			return nil, errors.Wrap(ErrBadArchiveStruct, "bad record signature")
		}
		attribCount := int(binary.LittleEndian.Uint16(stream[pos+6:]))
		if attribCount < 58 || pos+attribCount > len(stream) {
			return nil, errors.Wrap(ErrBadArchiveStruct, "bad attribute count")
		}
		var rec nufxRecord
		totalThreads := binary.LittleEndian.Uint32(stream[pos+10:])
		rec.fileSysID = binary.LittleEndian.Uint16(stream[pos+14:])
		rec.fileSysInfo = binary.LittleEndian.Uint16(stream[pos+16:])
		rec.access = binary.LittleEndian.Uint32(stream[pos+18:])
		rec.fileType = binary.LittleEndian.Uint32(stream[pos+22:])
		rec.extraType = binary.LittleEndian.Uint32(stream[pos+26:])
		rec.storageType = binary.LittleEndian.Uint16(stream[pos+30:])
		copy(rec.dates[:], stream[pos+32:pos+56])
		if totalThreads > 16 {
			return nil, errors.Wrap(ErrBadArchiveStruct, "implausible thread count")
		}

		// filename length sits in the last two attribute bytes
		fnLen := int(binary.LittleEndian.Uint16(stream[pos+attribCount-2:]))
		pos += attribCount
		if pos+fnLen > len(stream) {
			return nil, errors.Wrap(ErrBadArchiveStruct, "truncated filename")
		}
		rec.filename = string(stream[pos : pos+fnLen])
		pos += fnLen

		thrHdrs := stream[pos:]
		if len(thrHdrs) < int(totalThreads)*nufxThreadHdrLen {
			return nil, errors.Wrap(ErrBadArchiveStruct, "truncated thread headers")
		}
		pos += int(totalThreads) * nufxThreadHdrLen
		for t := uint32(0); t < totalThreads; t++ {
			h := thrHdrs[t*nufxThreadHdrLen:]
			thr := nufxThread{
				class:     binary.LittleEndian.Uint16(h),
				format:    binary.LittleEndian.Uint16(h[2:]),
				kind:      binary.LittleEndian.Uint16(h[4:]),
				crc:       binary.LittleEndian.Uint16(h[6:]),
				threadEOF: binary.LittleEndian.Uint32(h[8:]),
				compEOF:   binary.LittleEndian.Uint32(h[12:]),
			}
			if pos+int(thr.compEOF) > len(stream) {
				return nil, errors.Wrap(ErrBadArchiveStruct, "thread data past end of archive")
			}
			thr.data = stream[pos : pos+int(thr.compEOF)]
			pos += int(thr.compEOF)
			rec.threads = append(rec.threads, thr)
		}
		arc.records = append(arc.records, rec)
	}
	return arc, nil
}

// diskImageThread finds the single disk-image thread.  Returns
// ErrFileArchive when the archive holds only file records.
func (a *nufxArchive) diskImageThread() (*nufxRecord, *nufxThread, error) {
	var rec *nufxRecord
	var thr *nufxThread
	for ri := range a.records {
		for ti := range a.records[ri].threads {
			t := &a.records[ri].threads[ti]
			if t.class == nufxThreadClassData && t.kind == nufxThreadKindDiskImage {
				if thr != nil {
					return nil, nil, errors.Wrap(ErrUnsupportedFileFmt,
						"archive holds more than one disk image")
				}
				rec = &a.records[ri]
				thr = t
			}
		}
	}
	if thr == nil {
		return nil, nil, ErrFileArchive
	}
	return rec, thr, nil
}

// expand decompresses a thread, enforcing the configured size cap.
func (t *nufxThread) expand(maxSize int64) ([]byte, int, error) {
	if int64(t.threadEOF) > maxSize {
		return nil, 0, ErrTooBig
	}
	switch t.format {
	case nufxFormatUncompressed:
		if int(t.threadEOF) > len(t.data) {
			return nil, 0, ErrBadArchiveStruct
		}
		return t.data[:t.threadEOF], VOLUME_NUM_NOT_SET, nil
	case nufxFormatLZW2:
		out, vol, err := lzwExpandThread(t.data, int(t.threadEOF))
		if err != nil {
			return nil, 0, err
		}
		if t.crc != 0 {
			if crc16(0, out) != t.crc {
				log.Warn("NuFX thread CRC mismatch")
				return out, int(vol), ErrBadChecksum
			}
		}
		return out, int(vol), nil
	case nufxFormatLZW1:
		return nil, 0, errors.Wrap(ErrUnsupportedCompression, "LZW/1 threads")
	}
	return nil, 0, ErrUnsupportedCompression
}

// buildNuFXDiskArchive serializes a fresh single-record archive around the
// given disk data.
func buildNuFXDiskArchive(data []byte, volumeNum int, filename string, compress NuFXCompressType) []byte {
	if filename == "" {
		filename = "DISK"
	}
	if volumeNum == VOLUME_NUM_NOT_SET {
		volumeNum = DEFAULT_NIBBLE_VOLUME_NUM
	}

	var thrData []byte
	format := uint16(nufxFormatLZW2)
	if compress == NuFXCompressNone {
		format = nufxFormatUncompressed
		thrData = data
	} else {
		thrData = lzwCompressThread(data, byte(volumeNum))
		if len(thrData) >= len(data) {
			format = nufxFormatUncompressed
			thrData = data
		}
	}

	// record header: fixed 58-byte attribute section inc. filename length
	attribCount := 58
	rec := make([]byte, attribCount)
	copy(rec, nufxRecordID)
	binary.LittleEndian.PutUint16(rec[6:], uint16(attribCount))
	binary.LittleEndian.PutUint16(rec[8:], 3) // version
	binary.LittleEndian.PutUint32(rec[10:], 1)
	binary.LittleEndian.PutUint16(rec[14:], 1) // ProDOS
	binary.LittleEndian.PutUint32(rec[18:], 0xe3)
	binary.LittleEndian.PutUint32(rec[26:], uint32(len(data)/BLOCK_SIZE)) // extra_type
	binary.LittleEndian.PutUint16(rec[30:], BLOCK_SIZE)                   // storage_type
	binary.LittleEndian.PutUint16(rec[attribCount-2:], uint16(len(filename)))

	thrHdr := make([]byte, nufxThreadHdrLen)
	binary.LittleEndian.PutUint16(thrHdr, nufxThreadClassData)
	binary.LittleEndian.PutUint16(thrHdr[2:], format)
	binary.LittleEndian.PutUint16(thrHdr[4:], nufxThreadKindDiskImage)
	binary.LittleEndian.PutUint16(thrHdr[6:], crc16(0, data))
	binary.LittleEndian.PutUint32(thrHdr[8:], uint32(len(data)))
	binary.LittleEndian.PutUint32(thrHdr[12:], uint32(len(thrData)))

	body := append(rec, filename...)
	body = append(body, thrHdr...)
	body = append(body, thrData...)

	// record header CRC covers everything after the CRC field
	recCRC := crc16(0, body[6:])
	binary.LittleEndian.PutUint16(body[4:], recCRC)

	master := make([]byte, nufxMasterHdrLen)
	copy(master, nufxMasterID)
	binary.LittleEndian.PutUint32(master[8:], 1) // total records
	binary.LittleEndian.PutUint16(master[28:], 2)
	binary.LittleEndian.PutUint32(master[38:], uint32(nufxMasterHdrLen+len(body)))
	crc := crc16(0, master[8:])
	binary.LittleEndian.PutUint16(master[6:], crc)

	return append(master, body...)
}
