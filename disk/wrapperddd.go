package disk

import (
	"github.com/apex/log"
	"github.com/pkg/errors"
)

// DDD (Dalton's Disk Disintegrator) compressed 5.25" images.  The stream
// holds a DOS volume byte, then 35 compressed tracks of 4096 bytes each,
// sectors in DOS order.  Per track: the 20 most frequent bytes ("favorites")
// followed by a bit-packed symbol stream referencing them.  There is no
// magic number; identification relies on a probe decompression of the first
// track.

const (
	dddNumFavorites = 20
	dddTrackLen     = STD_SECTORS_PER_TRACK * SECTOR_SIZE // 4096
	dddRunMin       = 4
)

// bitWriter packs symbols MSB first.
type bitWriter struct {
	out  []byte
	cur  byte
	nbit int
}

func (w *bitWriter) putBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.cur <<= 1
		if v&(1<<uint(i)) != 0 {
			w.cur |= 1
		}
		w.nbit++
		if w.nbit == 8 {
			w.out = append(w.out, w.cur)
			w.cur = 0
			w.nbit = 0
		}
	}
}

func (w *bitWriter) align() {
	if w.nbit > 0 {
		w.cur <<= uint(8 - w.nbit)
		w.out = append(w.out, w.cur)
		w.cur = 0
		w.nbit = 0
	}
}

type bitReader struct {
	in  []byte
	pos int // bit position
}

func (r *bitReader) getBits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		byteIdx := r.pos >> 3
		if byteIdx >= len(r.in) {
			return 0, ErrDataUnderrun
		}
		v <<= 1
		if r.in[byteIdx]&(0x80>>uint(r.pos&7)) != 0 {
			v |= 1
		}
		r.pos++
	}
	return v, nil
}

func (r *bitReader) alignByte() {
	r.pos = (r.pos + 7) &^ 7
}

// dddFavorites ranks the 20 most frequent byte values in a track.
func dddFavorites(track []byte) [dddNumFavorites]byte {
	var counts [256]int
	for _, b := range track {
		counts[b]++
	}
	var fav [dddNumFavorites]byte
	for i := 0; i < dddNumFavorites; i++ {
		best, bestCount := 0, -1
		for v := 0; v < 256; v++ {
			if counts[v] > bestCount {
				best, bestCount = v, counts[v]
			}
		}
		fav[i] = byte(best)
		counts[best] = -1
	}
	return fav
}

// dddCompressTrack emits favorites then a symbol stream:
//
//	0 vvvvvvvv              literal byte
//	1 0 iiiii               favorite byte by index
//	1 1 vvvvvvvv cccccccc   run of count+1 copies of v
func dddCompressTrack(w *bitWriter, track []byte) {
	fav := dddFavorites(track)
	var favIdx [256]int
	for i := range favIdx {
		favIdx[i] = -1
	}
	for i, v := range fav {
		favIdx[v] = i
		w.putBits(uint32(v), 8)
	}
	for i := 0; i < len(track); {
		v := track[i]
		run := 1
		for i+run < len(track) && track[i+run] == v && run < 256 {
			run++
		}
		switch {
		case run >= dddRunMin:
			w.putBits(0b11, 2)
			w.putBits(uint32(v), 8)
			w.putBits(uint32(run-1), 8)
			i += run
		case favIdx[v] >= 0:
			w.putBits(0b10, 2)
			w.putBits(uint32(favIdx[v]), 5)
			i++
		default:
			w.putBits(0, 1)
			w.putBits(uint32(v), 8)
			i++
		}
	}
}

func dddExpandTrack(r *bitReader, out []byte) error {
	var fav [dddNumFavorites]byte
	for i := range fav {
		v, err := r.getBits(8)
		if err != nil {
			return err
		}
		fav[i] = byte(v)
	}
	pos := 0
	for pos < len(out) {
		b, err := r.getBits(1)
		if err != nil {
			return err
		}
		if b == 0 {
			v, err := r.getBits(8)
			if err != nil {
				return err
			}
			out[pos] = byte(v)
			pos++
			continue
		}
		b, err = r.getBits(1)
		if err != nil {
			return err
		}
		if b == 0 {
			idx, err := r.getBits(5)
			if err != nil {
				return err
			}
			if idx >= dddNumFavorites {
				return ErrBadCompressedData
			}
			out[pos] = fav[idx]
			pos++
			continue
		}
		v, err := r.getBits(8)
		if err != nil {
			return err
		}
		count, err := r.getBits(8)
		if err != nil {
			return err
		}
		run := int(count) + 1
		if pos+run > len(out) {
			return ErrBadCompressedData
		}
		for j := 0; j < run; j++ {
			out[pos+j] = byte(v)
		}
		pos += run
	}
	return nil
}

type WrapperDDD struct {
	notNibble
	volumeNum int
	damaged   bool
}

func (w *WrapperDDD) Test(gfd GenericFD, wrappedLength int64) error {
	if wrappedLength < 64 || wrappedLength >= STD_DISK_BYTES {
		return NotMine
	}
	raw := make([]byte, wrappedLength)
	if err := gfdReadAt(gfd, raw, 0); err != nil {
		return NotMine
	}
	// probe: the whole stream must decompress cleanly and account for
	// nearly all of the file; there is no magic number to lean on
	r := &bitReader{in: raw[1:]}
	track := make([]byte, dddTrackLen)
	for trk := 0; trk < STD_TRACKS_PER_DISK; trk++ {
		if err := dddExpandTrack(r, track); err != nil {
			return NotMine
		}
		r.alignByte()
	}
	if int64(r.pos/8)+64 < wrappedLength-1 {
		return NotMine
	}
	return nil
}

func (w *WrapperDDD) Prep(gfd GenericFD, wrappedLength int64, readOnly bool) (*PrepResult, error) {
	raw := make([]byte, wrappedLength)
	if err := gfdReadAt(gfd, raw, 0); err != nil {
		return nil, err
	}
	w.volumeNum = int(raw[0])
	expanded := make([]byte, STD_DISK_BYTES)
	r := &bitReader{in: raw[1:]}
	for trk := 0; trk < STD_TRACKS_PER_DISK; trk++ {
		out := expanded[trk*dddTrackLen : (trk+1)*dddTrackLen]
		if err := dddExpandTrack(r, out); err != nil {
			if trk == 0 {
				return nil, errors.Wrap(ErrBadCompressedData, err.Error())
			}
			// partial image; keep what we have and flag it
			log.WithField("track", trk).Warn("DDD stream truncated")
			w.damaged = true
			break
		}
		r.alignByte()
	}
	return &PrepResult{
		DataGFD:      NewBuffer(expanded, false, readOnly || w.damaged),
		Length:       STD_DISK_BYTES,
		Physical:     PhysicalFormatSectors,
		Order:        SectorOrderDOS,
		DOSVolumeNum: w.volumeNum,
	}, nil
}

func (w *WrapperDDD) Create(dataLen int64, physical PhysicalFormat, order SectorOrder, dosVolumeNum int, outGFD GenericFD) (int64, GenericFD, error) {
	if !IsSectorFormat(physical) || dataLen != STD_DISK_BYTES {
		return 0, nil, ErrInvalidCreateReq
	}
	if dosVolumeNum == VOLUME_NUM_NOT_SET {
		dosVolumeNum = DEFAULT_NIBBLE_VOLUME_NUM
	}
	w.volumeNum = dosVolumeNum
	data := make([]byte, STD_DISK_BYTES)
	wrappedLen, err := w.Flush(outGFD, NewBuffer(data, false, true), STD_DISK_BYTES)
	if err != nil {
		return 0, nil, err
	}
	return wrappedLen, NewBuffer(data, false, false), nil
}

func (w *WrapperDDD) Flush(outGFD GenericFD, dataGFD GenericFD, dataLen int64) (int64, error) {
	if dataLen != STD_DISK_BYTES {
		return 0, ErrInternal
	}
	data := make([]byte, dataLen)
	if err := gfdReadAt(dataGFD, data, 0); err != nil {
		return 0, err
	}
	bw := &bitWriter{}
	bw.out = append(bw.out, byte(w.volumeNum))
	for trk := 0; trk < STD_TRACKS_PER_DISK; trk++ {
		dddCompressTrack(bw, data[trk*dddTrackLen:(trk+1)*dddTrackLen])
		bw.align()
	}
	if err := gfdWriteAt(outGFD, bw.out, 0); err != nil {
		return 0, err
	}
	return int64(len(bw.out)), nil
}

func (w *WrapperDDD) HasFastFlush() bool { return false }
func (w *WrapperDDD) IsDamaged() bool    { return w.damaged }
