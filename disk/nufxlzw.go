package disk

// ShrinkIt-style thread compression.  Data is processed in 4096-byte chunks;
// each chunk is run-length encoded with an escape byte, then LZW-packed when
// that actually helps.  Chunk header: u16 with the post-RLE length in the
// low 13 bits and the top bit set when LZW was applied, followed by a u16
// packed length when LZW is in use.  The LZW string table restarts on every
// chunk so a damaged chunk can't poison the rest of the stream.

const (
	lzwChunkSize = 4096
	lzwEscape    = 0xdb

	lzwFlagCompressed = 0x8000
	lzwLenMask        = 0x1fff

	lzwFirstCode = 0x100
	lzwMaxBits   = 12
	lzwTableSize = 1 << lzwMaxBits
)

/*
 * RLE pass.  Runs of three or more encode as (escape, value, count-1);
 * a literal escape byte encodes as (escape, escape, 0).
 */

func rleCompress(src []byte) []byte {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		v := src[i]
		run := 1
		for i+run < len(src) && src[i+run] == v && run < 256 {
			run++
		}
		if run >= 3 || v == lzwEscape {
			out = append(out, lzwEscape, v, byte(run-1))
			i += run
		} else {
			for j := 0; j < run; j++ {
				out = append(out, v)
			}
			i += run
		}
	}
	return out
}

func rleExpand(src []byte, outLen int) ([]byte, error) {
	out := make([]byte, 0, outLen)
	for i := 0; i < len(src); {
		v := src[i]
		if v == lzwEscape {
			if i+2 >= len(src) {
				return nil, ErrBadCompressedData
			}
			val, count := src[i+1], int(src[i+2])+1
			for j := 0; j < count; j++ {
				out = append(out, val)
			}
			i += 3
		} else {
			out = append(out, v)
			i++
		}
	}
	if len(out) != outLen {
		return nil, ErrBadCompressedData
	}
	return out, nil
}

/*
 * LZW pass.  Codes are emitted LSB-first, 9 bits growing to 12.  Once the
 * table fills, no further entries are added for the rest of the chunk.
 */

type lsbBitWriter struct {
	out  []byte
	acc  uint32
	nbit int
}

func (w *lsbBitWriter) put(code, width int) {
	w.acc |= uint32(code) << uint(w.nbit)
	w.nbit += width
	for w.nbit >= 8 {
		w.out = append(w.out, byte(w.acc))
		w.acc >>= 8
		w.nbit -= 8
	}
}

func (w *lsbBitWriter) flush() {
	if w.nbit > 0 {
		w.out = append(w.out, byte(w.acc))
		w.acc = 0
		w.nbit = 0
	}
}

type lsbBitReader struct {
	in   []byte
	pos  int
	acc  uint32
	nbit int
}

func (r *lsbBitReader) get(width int) (int, bool) {
	for r.nbit < width {
		if r.pos >= len(r.in) {
			return 0, false
		}
		r.acc |= uint32(r.in[r.pos]) << uint(r.nbit)
		r.pos++
		r.nbit += 8
	}
	v := int(r.acc & ((1 << uint(width)) - 1))
	r.acc >>= uint(width)
	r.nbit -= width
	return v, true
}

func lzwWidthFor(count int) int {
	w := 9
	for limit := 1 << 9; count > limit && w < lzwMaxBits; w++ {
		limit <<= 1
	}
	return w
}

func lzwCompressChunk(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	table := make(map[string]int, lzwTableSize)
	nextCode := lzwFirstCode
	bw := &lsbBitWriter{}
	emit := func(s []byte) {
		if len(s) == 1 {
			bw.put(int(s[0]), lzwWidthFor(nextCode))
			return
		}
		bw.put(table[string(s)], lzwWidthFor(nextCode))
	}

	prefix := append([]byte(nil), src[0])
	for _, c := range src[1:] {
		cand := string(append(append([]byte(nil), prefix...), c))
		if _, ok := table[cand]; ok {
			prefix = append(prefix, c)
			continue
		}
		emit(prefix)
		if nextCode < lzwTableSize {
			table[cand] = nextCode
			nextCode++
		}
		prefix = append(prefix[:0], c)
	}
	emit(prefix)
	bw.flush()
	return bw.out
}

func lzwExpandChunk(src []byte, outLen int) ([]byte, error) {
	entries := make([][]byte, lzwFirstCode, lzwTableSize)
	for i := 0; i < 256; i++ {
		entries[i] = []byte{byte(i)}
	}
	br := &lsbBitReader{in: src}
	out := make([]byte, 0, outLen)
	var prev []byte
	for len(out) < outLen {
		// the decoder's table trails the encoder's by the entry the
		// encoder created while emitting this code
		width := lzwWidthFor(len(entries) + 1)
		if prev == nil {
			width = lzwWidthFor(len(entries))
		}
		code, ok := br.get(width)
		if !ok {
			return nil, ErrBadCompressedData
		}
		var entry []byte
		switch {
		case code < len(entries):
			entry = entries[code]
		case code == len(entries) && prev != nil:
			// KwKwK case
			entry = append(append([]byte{}, prev...), prev[0])
		default:
			return nil, ErrBadCompressedData
		}
		out = append(out, entry...)
		if prev != nil && len(entries) < lzwTableSize {
			entries = append(entries,
				append(append([]byte{}, prev...), entry[0]))
		}
		prev = entry
	}
	if len(out) != outLen {
		return nil, ErrBadCompressedData
	}
	return out, nil
}

/*
 * Thread-level framing.
 */

// lzwCompressThread packs a whole thread.  Leading bytes are the disk volume
// number and the RLE escape value, then the chunk stream.
func lzwCompressThread(src []byte, volumeNum byte) []byte {
	out := []byte{volumeNum, lzwEscape}
	for off := 0; off < len(src); off += lzwChunkSize {
		chunk := make([]byte, lzwChunkSize)
		copy(chunk, src[off:])
		rle := rleCompress(chunk)
		rleLen := len(rle)
		if rleLen >= lzwChunkSize {
			// RLE hurt; carry the chunk through as-is
			rle = chunk
			rleLen = lzwChunkSize
		}
		packed := lzwCompressChunk(rle)
		if len(packed)+2 < rleLen {
			hdr := uint16(rleLen) | lzwFlagCompressed
			out = append(out, byte(hdr), byte(hdr>>8))
			total := uint16(len(packed))
			out = append(out, byte(total), byte(total>>8))
			out = append(out, packed...)
		} else {
			hdr := uint16(rleLen)
			out = append(out, byte(hdr), byte(hdr>>8))
			out = append(out, rle...)
		}
	}
	return out
}

// lzwExpandThread reverses lzwCompressThread, producing exactly outLen bytes.
func lzwExpandThread(src []byte, outLen int) ([]byte, byte, error) {
	if len(src) < 2 {
		return nil, 0, ErrBadCompressedData
	}
	volumeNum := src[0]
	if src[1] != lzwEscape {
		return nil, 0, ErrBadCompressedData
	}
	pos := 2
	out := make([]byte, 0, outLen)
	for len(out) < outLen {
		if pos+2 > len(src) {
			return nil, 0, ErrBadCompressedData
		}
		hdr := uint16(src[pos]) | uint16(src[pos+1])<<8
		pos += 2
		rleLen := int(hdr & lzwLenMask)
		if rleLen == 0 || rleLen > lzwChunkSize {
			return nil, 0, ErrBadCompressedData
		}
		var rle []byte
		if hdr&lzwFlagCompressed != 0 {
			if pos+2 > len(src) {
				return nil, 0, ErrBadCompressedData
			}
			total := int(uint16(src[pos]) | uint16(src[pos+1])<<8)
			pos += 2
			if pos+total > len(src) {
				return nil, 0, ErrBadCompressedData
			}
			var err error
			rle, err = lzwExpandChunk(src[pos:pos+total], rleLen)
			if err != nil {
				return nil, 0, err
			}
			pos += total
		} else {
			if pos+rleLen > len(src) {
				return nil, 0, ErrBadCompressedData
			}
			rle = src[pos : pos+rleLen]
			pos += rleLen
		}
		var chunk []byte
		if rleLen == lzwChunkSize {
			chunk = rle
		} else {
			var err error
			chunk, err = rleExpand(rle, lzwChunkSize)
			if err != nil {
				return nil, 0, err
			}
		}
		out = append(out, chunk...)
	}
	return out[:outLen], volumeNum, nil
}
