package disk

import (
	"bytes"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// FDI (Formatted Disk Image) captures.  512-byte header with a text
// signature, geometry fields and a table of per-track (type, size) byte
// pairs; track data follows in 256-byte pages.  We expand the head-0 tracks
// into a flat nibble buffer with fixed per-track allocation so the nibble
// layer can treat it like any other variable-length capture.  Writing FDI
// is not supported, so prep always forces read-only.

var fdiSignature = []byte("Formatted Disk Image file\r\n")

const (
	fdiHeaderLen     = 512
	fdiCreatorOff    = 27
	fdiCommentOff    = 59
	fdiVersionOff    = 140
	fdiLastTrackOff  = 142
	fdiLastHeadOff   = 144
	fdiTypeOff       = 145
	fdiTrackTableOff = 152

	fdiTrackTypeBlank = 0x00
)

type fdiTrack struct {
	trackType byte
	pages     int
}

type WrapperFDI struct {
	tracks    []fdiTrack
	numTracks int
	trackLens []int
}

func (w *WrapperFDI) readHeader(gfd GenericFD, wrappedLength int64) ([]byte, error) {
	if wrappedLength < fdiHeaderLen {
		return nil, NotMine
	}
	hdr := make([]byte, fdiHeaderLen)
	if err := gfdReadAt(gfd, hdr, 0); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr[:len(fdiSignature)], fdiSignature) {
		return nil, NotMine
	}
	return hdr, nil
}

func (w *WrapperFDI) Test(gfd GenericFD, wrappedLength int64) error {
	_, err := w.readHeader(gfd, wrappedLength)
	return err
}

func (w *WrapperFDI) Prep(gfd GenericFD, wrappedLength int64, readOnly bool) (*PrepResult, error) {
	hdr, err := w.readHeader(gfd, wrappedLength)
	if err != nil {
		return nil, err
	}
	lastTrack := int(hdr[fdiLastTrackOff])<<8 | int(hdr[fdiLastTrackOff+1])
	lastHead := int(hdr[fdiLastHeadOff])
	log.WithFields(log.Fields{
		"version":   int(hdr[fdiVersionOff])<<8 | int(hdr[fdiVersionOff+1]),
		"lastTrack": lastTrack,
		"lastHead":  lastHead,
	}).Debug("FDI header")

	numEntries := (lastTrack + 1) * (lastHead + 1)
	if numEntries <= 0 || fdiTrackTableOff+numEntries*2 > fdiHeaderLen {
		return nil, errors.Wrap(ErrBadFileFormat, "FDI track table too large")
	}

	// only head 0 matters on Apple II media; captures sometimes include
	// in-between tracks, so cap at the 40 the drive can use
	heads := lastHead + 1
	w.tracks = w.tracks[:0]
	for i := 0; i < numEntries; i += heads {
		t := hdr[fdiTrackTableOff+i*2]
		pages := int(hdr[fdiTrackTableOff+i*2+1])
		if t != fdiTrackTypeBlank {
			// high bits of type extend the page count for long tracks
			pages |= int(t&0x3f) << 8
		}
		w.tracks = append(w.tracks, fdiTrack{trackType: t, pages: pages})
		if len(w.tracks) == TRACKSTAR_TRACKS {
			break
		}
	}
	w.numTracks = len(w.tracks)

	// expand into a flat buffer with worst-case per-track allocation
	flat := make([]byte, w.numTracks*TRACK_NIBBLE_ALLOC_VAR)
	w.trackLens = make([]int, w.numTracks)
	dataOff := int64(fdiHeaderLen)
	for trk, td := range w.tracks {
		size := td.pages * 256
		if td.trackType == fdiTrackTypeBlank || size == 0 {
			w.trackLens[trk] = TRACK_NIBBLE_LENGTH
			// blank track reads as sync bytes
			start := trk * TRACK_NIBBLE_ALLOC_VAR
			for i := 0; i < TRACK_NIBBLE_LENGTH; i++ {
				flat[start+i] = 0xff
			}
			continue
		}
		if dataOff+int64(size) > wrappedLength {
			return nil, errors.Wrap(ErrBadFileFormat, "FDI track data past end of file")
		}
		keep := size
		if keep > TRACK_NIBBLE_ALLOC_VAR {
			keep = TRACK_NIBBLE_ALLOC_VAR
		}
		buf := make([]byte, keep)
		if err := gfdReadAt(gfd, buf, dataOff); err != nil {
			return nil, err
		}
		copy(flat[trk*TRACK_NIBBLE_ALLOC_VAR:], buf)
		w.trackLens[trk] = keep
		dataOff += int64(size)
	}

	return &PrepResult{
		DataGFD:      NewBuffer(flat, false, true),
		Length:       int64(len(flat)),
		Physical:     PhysicalFormatNib525_Var,
		Order:        SectorOrderPhysical,
		DOSVolumeNum: VOLUME_NUM_NOT_SET,
		NumTracks:    w.numTracks,
	}, nil
}

func (w *WrapperFDI) Create(dataLen int64, physical PhysicalFormat, order SectorOrder, dosVolumeNum int, outGFD GenericFD) (int64, GenericFD, error) {
	return 0, nil, ErrUnsupportedFileFmt
}

func (w *WrapperFDI) Flush(outGFD GenericFD, dataGFD GenericFD, dataLen int64) (int64, error) {
	return 0, ErrUnsupportedFileFmt
}

func (w *WrapperFDI) HasFastFlush() bool { return false }
func (w *WrapperFDI) IsDamaged() bool    { return false }

func (w *WrapperFDI) NibbleTrackLength(track int) int {
	if track < 0 || track >= w.numTracks {
		return -1
	}
	return w.trackLens[track]
}

func (w *WrapperFDI) NibbleTrackOffset(track int) int {
	if track < 0 || track >= w.numTracks {
		return -1
	}
	return track * TRACK_NIBBLE_ALLOC_VAR
}
