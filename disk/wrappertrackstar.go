package disk

import (
	"github.com/apex/log"
)

// TrackStar .app images: 40 nibble tracks in fixed 6656-byte chunks.  Each
// chunk starts with an ASCII description, the nibble data follows, and the
// actual data length sits in the last two bytes of the chunk (little-endian).
// A zero length word means the chunk is full.

const (
	trackStarChunkLen = 6656
	trackStarDescLen  = 46
	trackStarDataOff  = 0x81
	trackStarMaxTrack = trackStarChunkLen - trackStarDataOff - 2 // 6525
	trackStarFileLen  = TRACKSTAR_TRACKS * trackStarChunkLen
)

type WrapperTrackStar struct {
	trackLens [TRACKSTAR_TRACKS]int
	descr     string
}

func (w *WrapperTrackStar) Test(gfd GenericFD, wrappedLength int64) error {
	if wrappedLength != trackStarFileLen {
		return NotMine
	}
	// the description area must be printable ASCII padded with zeroes
	hdr := make([]byte, trackStarDescLen)
	if err := gfdReadAt(gfd, hdr, 0); err != nil {
		return NotMine
	}
	for _, c := range hdr {
		if c != 0 && (c < 0x20 || c > 0x7e) {
			return NotMine
		}
	}
	return nil
}

func (w *WrapperTrackStar) Prep(gfd GenericFD, wrappedLength int64, readOnly bool) (*PrepResult, error) {
	hdr := make([]byte, trackStarDescLen)
	if err := gfdReadAt(gfd, hdr, 0); err != nil {
		return nil, err
	}
	end := 0
	for end < len(hdr) && hdr[end] != 0 {
		end++
	}
	w.descr = string(hdr[:end])

	var lenBytes [2]byte
	for trk := 0; trk < TRACKSTAR_TRACKS; trk++ {
		chunk := int64(trk) * trackStarChunkLen
		if err := gfdReadAt(gfd, lenBytes[:], chunk+trackStarChunkLen-2); err != nil {
			return nil, err
		}
		length := int(lenBytes[0]) | int(lenBytes[1])<<8
		if length == 0 {
			length = trackStarMaxTrack
		}
		if length > trackStarMaxTrack {
			log.WithFields(log.Fields{"track": trk, "length": length}).Debug("TrackStar track length out of range")
			return nil, ErrBadFileFormat
		}
		w.trackLens[trk] = length
	}

	sub, err := NewSubGFD(gfd, 0, wrappedLength, readOnly)
	if err != nil {
		return nil, err
	}
	return &PrepResult{
		DataGFD:      sub,
		Length:       wrappedLength,
		Physical:     PhysicalFormatNib525_Var,
		Order:        SectorOrderPhysical,
		DOSVolumeNum: VOLUME_NUM_NOT_SET,
		NumTracks:    TRACKSTAR_TRACKS,
	}, nil
}

func (w *WrapperTrackStar) Create(dataLen int64, physical PhysicalFormat, order SectorOrder, dosVolumeNum int, outGFD GenericFD) (int64, GenericFD, error) {
	if physical != PhysicalFormatNib525_Var || dataLen != trackStarFileLen {
		return 0, nil, ErrInvalidCreateReq
	}
	// lay out empty chunks; the formatter fills the data regions and
	// Flush stamps the per-track length words
	chunk := make([]byte, trackStarChunkLen)
	copy(chunk, "centered image")
	for trk := 0; trk < TRACKSTAR_TRACKS; trk++ {
		if err := gfdWriteAt(outGFD, chunk, int64(trk)*trackStarChunkLen); err != nil {
			return 0, nil, err
		}
		w.trackLens[trk] = trackStarMaxTrack
	}
	sub, err := NewSubGFD(outGFD, 0, dataLen, false)
	if err != nil {
		return 0, nil, err
	}
	return dataLen, sub, nil
}

func (w *WrapperTrackStar) Flush(outGFD GenericFD, dataGFD GenericFD, dataLen int64) (int64, error) {
	var lenBytes [2]byte
	for trk := 0; trk < TRACKSTAR_TRACKS; trk++ {
		length := w.trackLens[trk]
		if length >= trackStarMaxTrack {
			length = 0 // full chunk convention
		}
		lenBytes[0] = byte(length)
		lenBytes[1] = byte(length >> 8)
		off := int64(trk)*trackStarChunkLen + trackStarChunkLen - 2
		if err := gfdWriteAt(outGFD, lenBytes[:], off); err != nil {
			return 0, err
		}
	}
	return trackStarFileLen, nil
}

func (w *WrapperTrackStar) HasFastFlush() bool { return true }
func (w *WrapperTrackStar) IsDamaged() bool    { return false }

func (w *WrapperTrackStar) NibbleTrackLength(track int) int {
	if track < 0 || track >= TRACKSTAR_TRACKS {
		return -1
	}
	return w.trackLens[track]
}

func (w *WrapperTrackStar) NibbleTrackOffset(track int) int {
	if track < 0 || track >= TRACKSTAR_TRACKS {
		return -1
	}
	return track*trackStarChunkLen + trackStarDataOff
}

// Description returns the ASCII label stored in the first track chunk.
func (w *WrapperTrackStar) Description() string { return w.descr }
