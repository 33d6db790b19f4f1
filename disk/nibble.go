package disk

import (
	"github.com/apex/log"
	"github.com/pkg/errors"
)

// NibbleEncoding selects the GCR scheme used for data fields.
type NibbleEncoding int

const (
	NibbleEnc62 NibbleEncoding = iota // DOS 3.3, 16 sectors
	NibbleEnc53                       // DOS 3.2, 13 sectors
)

// NibbleSpecial flags the known deviant track layouts.
type NibbleSpecial int

const (
	NibbleSpecialNone              NibbleSpecial = iota
	NibbleSpecialMuse                            // doubled sector numbers
	NibbleSpecialSkipFirstAddrByte               // RDOS: first prolog byte varies by track
)

// ChecksumPolicy says what to do with a field checksum.  Formats that ignore
// the data checksum should not be written; the DOS on such disks is probably
// using a non-standard seed, and freshly written sectors would end up with
// the wrong value.
type ChecksumPolicy int

const (
	ChecksumVerify ChecksumPolicy = iota
	ChecksumIgnore
)

// NibbleDescr describes one nibble-encoding profile: field framing bytes,
// checksum handling and the data encoding.  Non-standard address headers are
// usually okay because we never rewrite them, just the sector contents.
type NibbleDescr struct {
	Description string
	NumSectors  int

	AddrProlog            [3]byte
	AddrEpilog            [3]byte
	AddrChecksumSeed      byte
	AddrChecksum          ChecksumPolicy
	AddrVerifyTrack       bool
	AddrEpilogVerifyCount int

	DataProlog            [3]byte
	DataEpilog            [3]byte
	DataChecksumSeed      byte
	DataChecksum          ChecksumPolicy
	DataEpilogVerifyCount int

	Encoding NibbleEncoding
	Special  NibbleSpecial
}

// Standard descriptor table indices.
const (
	NibbleDescrDOS33Std = iota
	NibbleDescrDOS33Patched
	NibbleDescrDOS33IgnoreChecksum
	NibbleDescrDOS32Std
	NibbleDescrDOS32Patched
	NibbleDescrMuse32
	NibbleDescrRDOS33
	NibbleDescrRDOS32
	NibbleDescrCustom // reserved empty slot
	NibbleDescrMAX
)

// stdNibbleDescrs are tried in this order during nibble analysis.  Each
// DiskImg gets its own copy so applications can tweak entries per image.
var stdNibbleDescrs = [NibbleDescrMAX]NibbleDescr{
	{
		Description: "DOS 3.3 Standard",
		NumSectors:  16,
		AddrProlog:  [3]byte{0xd5, 0xaa, 0x96}, AddrEpilog: [3]byte{0xde, 0xaa, 0xeb},
		AddrChecksum: ChecksumVerify, AddrVerifyTrack: true, AddrEpilogVerifyCount: 2,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: [3]byte{0xde, 0xaa, 0xeb},
		DataChecksum: ChecksumVerify, DataEpilogVerifyCount: 2,
		Encoding: NibbleEnc62,
	},
	{
		Description: "DOS 3.3 Patched",
		NumSectors:  16,
		AddrProlog:  [3]byte{0xd5, 0xaa, 0x96}, AddrEpilog: [3]byte{0xde, 0xaa, 0xeb},
		AddrChecksum: ChecksumIgnore,
		DataProlog:   [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: [3]byte{0xde, 0xaa, 0xeb},
		DataChecksum: ChecksumVerify,
		Encoding:     NibbleEnc62,
	},
	{
		Description: "DOS 3.3 Ignore Checksum",
		NumSectors:  16,
		AddrProlog:  [3]byte{0xd5, 0xaa, 0x96}, AddrEpilog: [3]byte{0xde, 0xaa, 0xeb},
		AddrChecksum: ChecksumIgnore,
		DataProlog:   [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: [3]byte{0xde, 0xaa, 0xeb},
		DataChecksum: ChecksumIgnore,
		Encoding:     NibbleEnc62,
	},
	{
		Description: "DOS 3.2 Standard",
		NumSectors:  13,
		AddrProlog:  [3]byte{0xd5, 0xaa, 0xb5}, AddrEpilog: [3]byte{0xde, 0xaa, 0xeb},
		AddrChecksum: ChecksumVerify, AddrVerifyTrack: true, AddrEpilogVerifyCount: 2,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: [3]byte{0xde, 0xaa, 0xeb},
		DataChecksum: ChecksumVerify, DataEpilogVerifyCount: 2,
		Encoding: NibbleEnc53,
	},
	{
		Description: "DOS 3.2 Patched",
		NumSectors:  13,
		AddrProlog:  [3]byte{0xd5, 0xaa, 0xb5}, AddrEpilog: [3]byte{0xde, 0xaa, 0xeb},
		AddrChecksum: ChecksumIgnore,
		DataProlog:   [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: [3]byte{0xde, 0xaa, 0xeb},
		DataChecksum: ChecksumVerify,
		Encoding:     NibbleEnc53,
	},
	{
		Description: "Muse DOS 3.2", // standard DOS 3.2 with doubled sectors
		NumSectors:  13,
		AddrProlog:  [3]byte{0xd5, 0xaa, 0xb5}, AddrEpilog: [3]byte{0xde, 0xaa, 0xeb},
		AddrChecksum: ChecksumVerify, AddrVerifyTrack: true, AddrEpilogVerifyCount: 2,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: [3]byte{0xde, 0xaa, 0xeb},
		DataChecksum: ChecksumVerify, DataEpilogVerifyCount: 2,
		Encoding: NibbleEnc53,
		Special:  NibbleSpecialMuse,
	},
	{
		Description: "RDOS 3.3", // SSI 16-sector RDOS, altered headers
		NumSectors:  16,
		AddrProlog:  [3]byte{0xd4, 0xaa, 0x96}, AddrEpilog: [3]byte{0xde, 0xaa, 0xeb},
		AddrChecksum: ChecksumVerify, AddrVerifyTrack: true,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: [3]byte{0xde, 0xaa, 0xeb},
		DataChecksum: ChecksumVerify, DataEpilogVerifyCount: 2,
		Encoding: NibbleEnc62,
		// odd tracks use d4aa96, even tracks use d5aa96
		Special: NibbleSpecialSkipFirstAddrByte,
	},
	{
		Description: "RDOS 3.2", // SSI 13-sector RDOS, altered headers
		NumSectors:  13,
		AddrProlog:  [3]byte{0xd4, 0xaa, 0xb7}, AddrEpilog: [3]byte{0xde, 0xaa, 0xeb},
		AddrChecksum: ChecksumVerify, AddrVerifyTrack: true, AddrEpilogVerifyCount: 2,
		DataProlog: [3]byte{0xd5, 0xaa, 0xad}, DataEpilog: [3]byte{0xde, 0xaa, 0xeb},
		DataChecksum: ChecksumVerify, DataEpilogVerifyCount: 2,
		Encoding: NibbleEnc53,
	},
	{
		Description: "Custom",
	},
}

// GetStdNibbleDescr returns a copy of the standard descriptor at idx.
func GetStdNibbleDescr(idx int) (NibbleDescr, error) {
	if idx < 0 || idx >= NibbleDescrMAX {
		return NibbleDescr{}, ErrInvalidIndex
	}
	return stdNibbleDescrs[idx], nil
}

// NIBBLE_62 maps 6-bit values to valid disk bytes for 6-and-2 encoding.
var NIBBLE_62 = [64]byte{
	0x96, 0x97, 0x9a, 0x9b, 0x9d, 0x9e, 0x9f, 0xa6,
	0xa7, 0xab, 0xac, 0xad, 0xae, 0xaf, 0xb2, 0xb3,
	0xb4, 0xb5, 0xb6, 0xb7, 0xb9, 0xba, 0xbb, 0xbc,
	0xbd, 0xbe, 0xbf, 0xcb, 0xcd, 0xce, 0xcf, 0xd3,
	0xd6, 0xd7, 0xd9, 0xda, 0xdb, 0xdc, 0xdd, 0xde,
	0xdf, 0xe5, 0xe6, 0xe7, 0xe9, 0xea, 0xeb, 0xec,
	0xed, 0xee, 0xef, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6,
	0xf7, 0xf9, 0xfa, 0xfb, 0xfc, 0xfd, 0xfe, 0xff,
}

// NIBBLE_53 maps 5-bit values to valid disk bytes for 5-and-3 encoding.
var NIBBLE_53 = [32]byte{
	0xab, 0xad, 0xae, 0xaf, 0xb5, 0xb6, 0xb7, 0xba,
	0xbb, 0xbd, 0xbe, 0xbf, 0xd6, 0xd7, 0xda, 0xdb,
	0xdd, 0xde, 0xdf, 0xea, 0xeb, 0xed, 0xee, 0xef,
	0xf5, 0xf6, 0xf7, 0xfa, 0xfb, 0xfd, 0xfe, 0xff,
}

var inv62 [256]int
var inv53 [256]int

func init() {
	for i := range inv62 {
		inv62[i] = -1
		inv53[i] = -1
	}
	for v, b := range NIBBLE_62 {
		inv62[b] = v
	}
	for v, b := range NIBBLE_53 {
		inv53[b] = v
	}
}

const (
	dataLen62 = 342 // encoded payload bytes, checksum byte follows
	dataLen53 = 410
	aux62     = 86
	aux53     = 154
)

func encodeOddEven(v byte) (byte, byte) {
	return 0xaa | (v >> 1), 0xaa | v
}

func decodeOddEven(b0, b1 byte) byte {
	return ((b0 << 1) | 0x01) & b1
}

// encode62 converts 256 bytes into the 343-byte 6-and-2 stream (342 payload
// nibbles plus trailing checksum), XOR-chained from the given seed.
func encode62(src []byte, seed byte) []byte {
	var temp [dataLen62]byte
	for i := 0; i < 256; i++ {
		temp[i] = src[i] >> 2
	}
	hi, med, low := 0x01, 0xab, 0x55
	for i := 0; i < aux62; i++ {
		v := ((src[hi] & 1) << 5) | ((src[hi] & 2) << 3) |
			((src[med] & 1) << 3) | ((src[med] & 2) << 1) |
			((src[low] & 1) << 1) | ((src[low] & 2) >> 1)
		temp[256+i] = v
		hi = (hi - 1) & 0xff
		med = (med - 1) & 0xff
		low = (low - 1) & 0xff
	}

	out := make([]byte, 0, dataLen62+1)
	last := seed
	for i := dataLen62 - 1; i > 255; i-- {
		out = append(out, NIBBLE_62[temp[i]^last])
		last = temp[i]
	}
	for i := 0; i < 256; i++ {
		out = append(out, NIBBLE_62[temp[i]^last])
		last = temp[i]
	}
	out = append(out, NIBBLE_62[last^seed])
	return out
}

// decode62 reverses encode62.  The checksum is checked per policy; an
// invalid disk byte always fails.
func decode62(nib []byte, seed byte, policy ChecksumPolicy) ([]byte, error) {
	if len(nib) < dataLen62+1 {
		return nil, ErrDataUnderrun
	}
	var temp [dataLen62]byte
	last := seed
	for k := 0; k < dataLen62; k++ {
		v := inv62[nib[k]]
		if v < 0 {
			return nil, ErrInvalidDiskByte
		}
		cur := byte(v) ^ last
		if k < aux62 {
			temp[256+(aux62-1-k)] = cur
		} else {
			temp[k-aux62] = cur
		}
		last = cur
	}
	chk := inv62[nib[dataLen62]]
	if chk < 0 {
		return nil, ErrInvalidDiskByte
	}
	if policy == ChecksumVerify && byte(chk) != last^seed {
		return nil, ErrBadChecksum
	}

	out := make([]byte, 256)
	for i := 0; i < aux62; i++ {
		aux := temp[256+i]
		hi := (0x01 - i) & 0xff
		med := (0xab - i) & 0xff
		low := (0x55 - i) & 0xff
		out[hi] |= ((aux >> 5) & 1) | ((aux >> 3) & 2)
		out[med] |= ((aux >> 3) & 1) | ((aux >> 1) & 2)
		out[low] |= ((aux >> 1) & 1) | ((aux << 1) & 2)
	}
	for i := 0; i < 256; i++ {
		out[i] |= temp[i] << 2
	}
	return out, nil
}

// encode53 converts 256 bytes into the 411-byte 5-and-3 stream.  The top
// five bits of each byte form the main run; the low three bits are packed
// five at a time into the auxiliary run, which is emitted in descending
// order like the 6-and-2 auxiliary bytes.
func encode53(src []byte, seed byte) []byte {
	var temp [dataLen53]byte
	for i := 0; i < 256; i++ {
		temp[i] = src[i] >> 3
	}
	// pack 256 x 3 low bits MSB-first into 154 five-bit groups
	bitPos := 0
	for i := 0; i < 256; i++ {
		low := src[i] & 0x07
		for b := 2; b >= 0; b-- {
			if low&(1<<uint(b)) != 0 {
				temp[256+bitPos/5] |= 1 << uint(4-bitPos%5)
			}
			bitPos++
		}
	}

	out := make([]byte, 0, dataLen53+1)
	last := seed
	for i := dataLen53 - 1; i > 255; i-- {
		out = append(out, NIBBLE_53[temp[i]^last])
		last = temp[i]
	}
	for i := 0; i < 256; i++ {
		out = append(out, NIBBLE_53[temp[i]^last])
		last = temp[i]
	}
	out = append(out, NIBBLE_53[last^seed])
	return out
}

func decode53(nib []byte, seed byte, policy ChecksumPolicy) ([]byte, error) {
	if len(nib) < dataLen53+1 {
		return nil, ErrDataUnderrun
	}
	var temp [dataLen53]byte
	last := seed
	for k := 0; k < dataLen53; k++ {
		v := inv53[nib[k]]
		if v < 0 {
			return nil, ErrInvalidDiskByte
		}
		cur := byte(v) ^ last
		if k < aux53 {
			temp[256+(aux53-1-k)] = cur
		} else {
			temp[k-aux53] = cur
		}
		last = cur
	}
	chk := inv53[nib[dataLen53]]
	if chk < 0 {
		return nil, ErrInvalidDiskByte
	}
	if policy == ChecksumVerify && byte(chk) != last^seed {
		return nil, ErrBadChecksum
	}

	out := make([]byte, 256)
	bitPos := 0
	for i := 0; i < 256; i++ {
		var low byte
		for b := 2; b >= 0; b-- {
			if temp[256+bitPos/5]&(1<<uint(4-bitPos%5)) != 0 {
				low |= 1 << uint(b)
			}
			bitPos++
		}
		out[i] = temp[i]<<3 | low
	}
	return out, nil
}

func (nd *NibbleDescr) dataFieldLen() int {
	if nd.Encoding == NibbleEnc53 {
		return dataLen53 + 1
	}
	return dataLen62 + 1
}

func (nd *NibbleDescr) encodeSector(src []byte) []byte {
	if nd.Encoding == NibbleEnc53 {
		return encode53(src, nd.DataChecksumSeed)
	}
	return encode62(src, nd.DataChecksumSeed)
}

func (nd *NibbleDescr) decodeSector(nib []byte) ([]byte, error) {
	if nd.Encoding == NibbleEnc53 {
		return decode53(nib, nd.DataChecksumSeed, nd.DataChecksum)
	}
	return decode62(nib, nd.DataChecksumSeed, nd.DataChecksum)
}

/*
 * Track scanning.  The track buffer is treated as circular: a sector's
 * fields may straddle the wrap point on real captures.
 */

// addrField holds a decoded address field and the position just past it.
type addrField struct {
	volume, track, sector int
	next                  int // buffer index after epilog
}

func matchProlog(buf []byte, pos int, prolog [3]byte, skipFirst bool) bool {
	n := len(buf)
	start := 0
	if skipFirst {
		start = 1
	}
	for i := start; i < 3; i++ {
		if buf[(pos+i)%n] != prolog[i] {
			return false
		}
	}
	return true
}

// nextAddrField scans forward from pos for a decodable address field,
// covering at most one revolution.  Returns the field and ok=false when the
// track holds no further address fields.
func (nd *NibbleDescr) nextAddrField(buf []byte, pos int) (addrField, bool) {
	n := len(buf)
	if n == 0 {
		return addrField{}, false
	}
	skip := nd.Special == NibbleSpecialSkipFirstAddrByte
	for scanned := 0; scanned < n; scanned++ {
		i := (pos + scanned) % n
		if !matchProlog(buf, i, nd.AddrProlog, skip) {
			continue
		}
		p := i + 3
		vol := decodeOddEven(buf[p%n], buf[(p+1)%n])
		trk := decodeOddEven(buf[(p+2)%n], buf[(p+3)%n])
		sec := decodeOddEven(buf[(p+4)%n], buf[(p+5)%n])
		chk := decodeOddEven(buf[(p+6)%n], buf[(p+7)%n])
		if nd.AddrChecksum == ChecksumVerify &&
			nd.AddrChecksumSeed^vol^trk^sec^chk != 0 {
			continue
		}
		epilogOK := true
		for e := 0; e < nd.AddrEpilogVerifyCount; e++ {
			if buf[(p+8+e)%n] != nd.AddrEpilog[e] {
				epilogOK = false
				break
			}
		}
		if !epilogOK {
			continue
		}
		return addrField{
			volume: int(vol),
			track:  int(trk),
			sector: int(sec),
			next:   (p + 8 + nd.AddrEpilogVerifyCount) % n,
		}, true
	}
	return addrField{}, false
}

// dataFieldReach is how far past the address field the data prolog may
// start.  Covers the standard sync gap with slack for odd formatters.
const dataFieldReach = 64

// findDataField locates the data prolog shortly after an address field and
// returns the index of the first payload nibble.
func (nd *NibbleDescr) findDataField(buf []byte, pos int) (int, bool) {
	n := len(buf)
	for d := 0; d < dataFieldReach; d++ {
		i := (pos + d) % n
		if matchProlog(buf, i, nd.DataProlog, false) {
			return (i + 3) % n, true
		}
	}
	return 0, false
}

// wantedAddrSector maps a logical sector to the number stored in address
// fields, handling Muse's doubled sector numbering.
func (nd *NibbleDescr) wantedAddrSector(sector, track int) int {
	if nd.Special == NibbleSpecialMuse && track > 0 {
		return sector * 2
	}
	return sector
}

// findSector locates the payload start of (track, sector) in a loaded track
// buffer.  Also reports the address-field volume number.
func (nd *NibbleDescr) findSector(buf []byte, track, sector int) (payload int, volume int, err error) {
	want := nd.wantedAddrSector(sector, track)
	pos := 0
	seen := 0
	// at most two passes worth of address fields
	for seen < nd.NumSectors*4 {
		af, ok := nd.nextAddrField(buf, pos)
		if !ok {
			return 0, 0, ErrSectorUnreadable
		}
		seen++
		pos = af.next
		if nd.AddrVerifyTrack && af.track != track {
			continue
		}
		if af.sector != want {
			continue
		}
		start, ok := nd.findDataField(buf, af.next)
		if !ok {
			continue
		}
		return start, af.volume, nil
	}
	return 0, 0, ErrSectorUnreadable
}

// extractCircular copies length bytes starting at pos, wrapping at the end
// of the track.
func extractCircular(buf []byte, pos, length int) []byte {
	n := len(buf)
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		out[i] = buf[(pos+i)%n]
	}
	return out
}

func writeCircular(buf []byte, pos int, data []byte) {
	n := len(buf)
	for i, v := range data {
		buf[(pos+i)%n] = v
	}
}

/*
 * DiskImg nibble-track cache and sector I/O.
 */

// nibbleTrackAllocLength is the per-track buffer size for the physical
// format; variable-length captures get the worst-case allocation.
func (di *DiskImg) nibbleTrackAllocLength() int {
	switch di.physical {
	case PhysicalFormatNib525_6656:
		return TRACK_NIBBLE_LENGTH
	case PhysicalFormatNib525_6384:
		return TRACK_NIBBLE_LENGTH_6384
	case PhysicalFormatNib525_Var:
		return TRACK_NIBBLE_ALLOC_VAR
	}
	return TRACK_NIBBLE_LENGTH
}

// loadNibbleTrack brings the requested track into the cache, saving the
// previously loaded track first if it was modified.
func (di *DiskImg) loadNibbleTrack(track int) error {
	if track < 0 || track >= di.numTracks {
		return ErrInvalidTrack
	}
	if di.nibbleTrackLoaded == track {
		return nil
	}
	if err := di.saveNibbleTrack(); err != nil {
		return err
	}

	length := di.GetNibbleTrackLength(track)
	offset := di.GetNibbleTrackOffset(track)
	if length <= 0 || offset < 0 {
		return ErrInvalidTrack
	}
	buf := make([]byte, length)
	if err := gfdReadAt(di.dataGFD, buf, int64(offset)); err != nil {
		return err
	}
	di.nibbleTrackBuf = buf
	di.nibbleTrackLoaded = track
	return nil
}

// saveNibbleTrack pushes a modified cached track back to the data GFD.
func (di *DiskImg) saveNibbleTrack() error {
	if !di.nibbleTrackDirty || di.nibbleTrackLoaded < 0 {
		di.nibbleTrackDirty = false
		return nil
	}
	offset := di.GetNibbleTrackOffset(di.nibbleTrackLoaded)
	if err := gfdWriteAt(di.dataGFD, di.nibbleTrackBuf, int64(offset)); err != nil {
		return err
	}
	di.nibbleTrackDirty = false
	return nil
}

// ReadNibbleSector decodes one 256-byte sector from a nibble track, using
// the supplied descriptor (nil for the image's active descriptor).
func (di *DiskImg) ReadNibbleSector(track, sector int, buf []byte, descr *NibbleDescr) error {
	if descr == nil {
		descr = di.nibbleDescr
	}
	if descr == nil {
		return ErrBadNibbleSectors
	}
	if sector < 0 || sector >= descr.NumSectors {
		return ErrInvalidSector
	}
	if err := di.loadNibbleTrack(track); err != nil {
		return err
	}
	start, _, err := descr.findSector(di.nibbleTrackBuf, track, sector)
	if err != nil {
		return err
	}
	raw := extractCircular(di.nibbleTrackBuf, start, descr.dataFieldLen())
	decoded, err := descr.decodeSector(raw)
	if err != nil {
		return err
	}
	copy(buf, decoded)
	return nil
}

// WriteNibbleSector re-encodes a sector payload in place.  Only the data
// field bytes change; the address field is never rewritten, which preserves
// copy-protected oddities.  The track buffer is flushed lazily.
func (di *DiskImg) WriteNibbleSector(track, sector int, buf []byte, descr *NibbleDescr) error {
	if di.readOnly {
		return ErrAccessDenied
	}
	if descr == nil {
		descr = di.nibbleDescr
	}
	if descr == nil {
		return ErrBadNibbleSectors
	}
	if sector < 0 || sector >= descr.NumSectors {
		return ErrInvalidSector
	}
	if err := di.loadNibbleTrack(track); err != nil {
		return err
	}
	start, _, err := descr.findSector(di.nibbleTrackBuf, track, sector)
	if err != nil {
		return err
	}
	writeCircular(di.nibbleTrackBuf, start, descr.encodeSector(buf))
	di.nibbleTrackDirty = true
	di.setDirty()
	return nil
}

// ReadNibbleTrack returns the raw nibble stream for a track.  The returned
// length varies per track for TrackStar and FDI captures.
func (di *DiskImg) ReadNibbleTrack(track int, buf []byte) (int, error) {
	if !di.hasNibbles {
		return 0, ErrUnsupportedAccess
	}
	if err := di.loadNibbleTrack(track); err != nil {
		return 0, err
	}
	n := copy(buf, di.nibbleTrackBuf)
	if n < len(di.nibbleTrackBuf) {
		return n, ErrDataUnderrun
	}
	return n, nil
}

// testNibbleTrack checks that every sector of one track is readable with the
// descriptor.  Returns the track-0 volume number when available.
func (di *DiskImg) testNibbleTrack(track int, descr *NibbleDescr) (int, bool) {
	if err := di.loadNibbleTrack(track); err != nil {
		return VOLUME_NUM_NOT_SET, false
	}
	vol := VOLUME_NUM_NOT_SET
	for sector := 0; sector < descr.NumSectors; sector++ {
		start, v, err := descr.findSector(di.nibbleTrackBuf, track, sector)
		if err != nil {
			return vol, false
		}
		raw := extractCircular(di.nibbleTrackBuf, start, descr.dataFieldLen())
		if _, err := descr.decodeSector(raw); err != nil {
			return vol, false
		}
		vol = v
	}
	return vol, true
}

// AnalyzeNibbleData walks the standard descriptor table looking for one that
// can read every sector of every track.  Sets the image's active descriptor
// and the DOS volume number on success.
func (di *DiskImg) AnalyzeNibbleData() error {
	for idx := range di.nibbleDescrTable {
		descr := &di.nibbleDescrTable[idx]
		if descr.NumSectors == 0 {
			continue // custom slot, not yet configured
		}
		good := true
		vol := VOLUME_NUM_NOT_SET
		for track := 0; track < di.numTracks; track++ {
			v, ok := di.testNibbleTrack(track, descr)
			if !ok {
				good = false
				break
			}
			if track == 0 {
				vol = v
			}
			if !di.updateScanProgress("") {
				return ErrCancelled
			}
		}
		if good {
			log.WithFields(log.Fields{
				"descr":   descr.Description,
				"sectors": descr.NumSectors,
			}).Debug("nibble analysis matched")
			di.nibbleDescr = descr
			if vol != VOLUME_NUM_NOT_SET {
				di.dosVolumeNum = vol
			}
			return nil
		}
	}
	return errors.Wrap(ErrBadNibbleSectors, "no standard nibble profile matched")
}

/*
 * Low-level nibble formatting for newly created images.
 */

func appendJunkBytes(out []byte, count int) []byte {
	for i := 0; i < count; i++ {
		out = append(out, 0xff)
	}
	return out
}

func appendAddrField(out []byte, descr *NibbleDescr, volume, track, sector int) []byte {
	out = append(out, descr.AddrProlog[:]...)
	chk := descr.AddrChecksumSeed ^ byte(volume) ^ byte(track) ^ byte(sector)
	for _, v := range []byte{byte(volume), byte(track), byte(sector), chk} {
		b0, b1 := encodeOddEven(v)
		out = append(out, b0, b1)
	}
	return append(out, descr.AddrEpilog[:]...)
}

// formatNibbleTrack produces a full blank track: gaps, address fields and
// zero-filled data fields, padded with sync bytes to trackLen.
func formatNibbleTrack(descr *NibbleDescr, volume, track, trackLen int) ([]byte, error) {
	out := make([]byte, 0, trackLen)
	zero := make([]byte, SECTOR_SIZE)
	for sector := 0; sector < descr.NumSectors; sector++ {
		out = appendJunkBytes(out, 15)
		out = appendAddrField(out, descr, volume, track, descr.wantedAddrSector(sector, track))
		out = appendJunkBytes(out, 6)
		out = append(out, descr.DataProlog[:]...)
		out = append(out, descr.encodeSector(zero)...)
		out = append(out, descr.DataEpilog[:]...)
		out = appendJunkBytes(out, 16)
	}
	if len(out) > trackLen {
		return nil, ErrBadRawData
	}
	return appendJunkBytes(out, trackLen-len(out)), nil
}

// formatNibbles writes blank nibble tracks across the whole data GFD,
// honoring the wrapper's per-track placement when one is attached.
func (di *DiskImg) formatNibbles(gfd GenericFD) error {
	if di.nibbleDescr == nil {
		return ErrInvalidCreateReq
	}
	for track := 0; track < di.numTracks; track++ {
		trackLen := di.GetNibbleTrackLength(track)
		offset := int64(di.GetNibbleTrackOffset(track))
		if trackLen <= 0 || offset < 0 {
			trackLen = di.nibbleTrackAllocLength()
			offset = int64(track) * int64(trackLen)
		}
		buf, err := formatNibbleTrack(di.nibbleDescr, di.dosVolumeNum, track, trackLen)
		if err != nil {
			return err
		}
		if err := gfdWriteAt(gfd, buf, offset); err != nil {
			return err
		}
	}
	return nil
}
