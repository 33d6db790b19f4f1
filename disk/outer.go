package disk

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"path"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// OuterWrapper handles the optional outermost compression layer (.gz, .zip).
// Load expands the whole wrapper into a memory buffer; the image stack then
// operates on that buffer, and Save recompresses it on flush.  These never
// support fast flush.
type OuterWrapper interface {
	// Test reports NotMine when the content is not this wrapper's format.
	Test(gfd GenericFD, outerLength int64) error
	// Load expands the archive into a growable buffer GFD.
	Load(gfd GenericFD, outerLength int64, readOnly bool) (*GFDBuffer, int64, error)
	// Save recompresses the buffer back over the outer GFD.
	Save(outerGFD GenericFD, dataGFD *GFDBuffer, dataLen int64) (int64, error)
	// Extension returns the inner filename extension recorded in the
	// archive (".po", ".dsk", ...), or "" when none was stored.
	Extension() string
	// IsDamaged reports a readable archive with a bad checksum.
	IsDamaged() bool
}

// limitedExpand copies from r, failing once the output exceeds maxSize.
// Keeps a hostile tiny archive from claiming terabytes.
func limitedExpand(r io.Reader, maxSize int64) ([]byte, error) {
	var out bytes.Buffer
	n, err := io.Copy(&out, io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if n > maxSize {
		return nil, ErrTooBig
	}
	return out.Bytes(), nil
}

// gfdContents slurps the full stream; outer wrappers are decoded from memory.
func gfdContents(gfd GenericFD, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if err := gfdReadAt(gfd, buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

/*
 * OuterGzip - gzip compressed disk image, usually name.dsk.gz.
 */

type OuterGzip struct {
	cfg       *Config
	innerName string
	damaged   bool
}

func NewOuterGzip(cfg *Config) *OuterGzip {
	return &OuterGzip{cfg: cfg}
}

func (o *OuterGzip) Test(gfd GenericFD, outerLength int64) error {
	var magic [2]byte
	if err := gfdReadAt(gfd, magic[:], 0); err != nil {
		return NotMine
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return NotMine
	}
	return nil
}

func (o *OuterGzip) Load(gfd GenericFD, outerLength int64, readOnly bool) (*GFDBuffer, int64, error) {
	raw, err := gfdContents(gfd, outerLength)
	if err != nil {
		return nil, 0, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, NotMine
	}
	o.innerName = zr.Name
	expanded, err := limitedExpand(zr, o.cfg.maxUnpacked())
	if closeErr := zr.Close(); err == nil && closeErr != nil {
		// payload expanded but the trailing CRC is wrong; keep the data
		// and let the caller force read-only
		log.WithField("name", o.innerName).Warn("gzip checksum mismatch")
		o.damaged = true
	}
	if err != nil {
		if err == ErrTooBig {
			return nil, 0, ErrTooBig
		}
		return nil, 0, errors.Wrap(ErrBadCompressedData, err.Error())
	}
	return NewBuffer(expanded, !readOnly, readOnly), int64(len(expanded)), nil
}

func (o *OuterGzip) Save(outerGFD GenericFD, dataGFD *GFDBuffer, dataLen int64) (int64, error) {
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	zw.Name = o.innerName
	if _, err := zw.Write(dataGFD.Bytes()[:dataLen]); err != nil {
		return 0, errors.Wrap(ErrWriteFailed, err.Error())
	}
	if err := zw.Close(); err != nil {
		return 0, errors.Wrap(ErrWriteFailed, err.Error())
	}
	if err := gfdWriteAt(outerGFD, out.Bytes(), 0); err != nil {
		return 0, err
	}
	return int64(out.Len()), nil
}

func (o *OuterGzip) Extension() string {
	return extensionOf(o.innerName)
}

func (o *OuterGzip) IsDamaged() bool { return o.damaged }

/*
 * OuterZip - Zip archive holding exactly one disk image.  Multi-entry
 * archives are file archives, not disk images, and are rejected outright so
 * the probe cascade doesn't misidentify them as something else.
 */

type OuterZip struct {
	cfg       *Config
	innerName string
	damaged   bool
}

func NewOuterZip(cfg *Config) *OuterZip {
	return &OuterZip{cfg: cfg}
}

func (o *OuterZip) Test(gfd GenericFD, outerLength int64) error {
	var magic [4]byte
	if err := gfdReadAt(gfd, magic[:], 0); err != nil {
		return NotMine
	}
	if magic[0] != 'P' || magic[1] != 'K' || magic[2] != 0x03 || magic[3] != 0x04 {
		return NotMine
	}
	return nil
}

func (o *OuterZip) Load(gfd GenericFD, outerLength int64, readOnly bool) (*GFDBuffer, int64, error) {
	raw, err := gfdContents(gfd, outerLength)
	if err != nil {
		return nil, 0, err
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, 0, NotMine
	}
	var entry *zip.File
	count := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		count++
		if entry == nil {
			entry = f
		}
	}
	if entry == nil {
		return nil, 0, errors.Wrap(ErrBadArchiveStruct, "empty zip archive")
	}
	if count > 1 {
		return nil, 0, ErrFileArchive
	}
	o.innerName = entry.Name

	rc, err := entry.Open()
	if err != nil {
		return nil, 0, errors.Wrap(ErrBadCompressedData, err.Error())
	}
	expanded, err := limitedExpand(rc, o.cfg.maxUnpacked())
	closeErr := rc.Close()
	if err != nil {
		if err == ErrTooBig {
			return nil, 0, ErrTooBig
		}
		return nil, 0, errors.Wrap(ErrBadCompressedData, err.Error())
	}
	if closeErr != nil {
		log.WithField("name", o.innerName).Warn("zip entry checksum mismatch")
		o.damaged = true
	}
	return NewBuffer(expanded, !readOnly, readOnly), int64(len(expanded)), nil
}

func (o *OuterZip) Save(outerGFD GenericFD, dataGFD *GFDBuffer, dataLen int64) (int64, error) {
	name := o.innerName
	if name == "" {
		name = "disk.img"
	}
	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	w, err := zw.Create(name)
	if err != nil {
		return 0, errors.Wrap(ErrWriteFailed, err.Error())
	}
	if _, err := w.Write(dataGFD.Bytes()[:dataLen]); err != nil {
		return 0, errors.Wrap(ErrWriteFailed, err.Error())
	}
	if err := zw.Close(); err != nil {
		return 0, errors.Wrap(ErrWriteFailed, err.Error())
	}
	if err := gfdWriteAt(outerGFD, out.Bytes(), 0); err != nil {
		return 0, err
	}
	return int64(out.Len()), nil
}

func (o *OuterZip) Extension() string {
	return extensionOf(o.innerName)
}

func (o *OuterZip) IsDamaged() bool { return o.damaged }

// extensionOf pulls a lowercase extension out of a stored filename.
func extensionOf(name string) string {
	if name == "" {
		return ""
	}
	return strings.ToLower(path.Ext(name))
}
