package disk

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// GenericFD is the uniform random-access byte stream the whole image stack is
// built from.  Files, memory buffers, sub-ranges of other GFDs and host
// volumes all present the same surface, so the wrapper layers never care
// where their bytes actually live.
//
// Read and Write transfer the full buffer or fail; a read that runs off the
// end of the stream returns ErrDataUnderrun rather than a short count.
type GenericFD interface {
	Seek(offset int64, whence int) (int64, error)
	Read(buf []byte) error
	Write(buf []byte) error
	Tell() (int64, error)
	Flush() error
	Close() error
}

// ReadAt is a convenience for the common seek-then-read pair.
func gfdReadAt(fd GenericFD, buf []byte, offset int64) error {
	if _, err := fd.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return fd.Read(buf)
}

func gfdWriteAt(fd GenericFD, buf []byte, offset int64) error {
	if _, err := fd.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return fd.Write(buf)
}

// gfdLength returns the stream length, preserving the current position.
func gfdLength(fd GenericFD) (int64, error) {
	cur, err := fd.Tell()
	if err != nil {
		return -1, err
	}
	end, err := fd.Seek(0, io.SeekEnd)
	if err != nil {
		return -1, err
	}
	if _, err := fd.Seek(cur, io.SeekStart); err != nil {
		return -1, err
	}
	return end, nil
}

/*
 * GFDFile - GenericFD backed by a file on the host filesystem.
 */

type GFDFile struct {
	file     *os.File
	readOnly bool
}

// OpenFile opens an existing file.  The file grows implicitly when written
// past its end.
func OpenFile(path string, readOnly bool) (*GFDFile, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, errors.Wrap(ErrAccessDenied, path)
		}
		return nil, err
	}
	return &GFDFile{file: f, readOnly: readOnly}, nil
}

// CreateFile creates a new file.  Fails if the file already exists.
func CreateFile(path string) (*GFDFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrap(ErrFileExists, path)
		}
		return nil, err
	}
	return &GFDFile{file: f}, nil
}

func (g *GFDFile) Seek(offset int64, whence int) (int64, error) {
	return g.file.Seek(offset, whence)
}

func (g *GFDFile) Read(buf []byte) error {
	_, err := io.ReadFull(g.file, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrDataUnderrun
	}
	if err != nil {
		return errors.Wrap(ErrReadFailed, err.Error())
	}
	return nil
}

func (g *GFDFile) Write(buf []byte) error {
	if g.readOnly {
		return ErrAccessDenied
	}
	if _, err := g.file.Write(buf); err != nil {
		return errors.Wrap(ErrWriteFailed, err.Error())
	}
	return nil
}

func (g *GFDFile) Tell() (int64, error) {
	return g.file.Seek(0, io.SeekCurrent)
}

func (g *GFDFile) Flush() error {
	if g.readOnly {
		return nil
	}
	return g.file.Sync()
}

func (g *GFDFile) Close() error {
	return g.file.Close()
}

// Truncate cuts the file at the given length.  Used when a rewritten wrapper
// comes out shorter than the original.
func (g *GFDFile) Truncate(length int64) error {
	if g.readOnly {
		return ErrAccessDenied
	}
	return g.file.Truncate(length)
}

/*
 * GFDBuffer - GenericFD backed by a memory buffer, optionally growable.
 * Decompressed wrappers and newly created images live in these.
 */

type GFDBuffer struct {
	buf      []byte
	pos      int64
	growable bool
	readOnly bool
}

// NewBuffer wraps an existing byte slice.  Pass nil with growable=true for an
// empty expandable buffer.
func NewBuffer(data []byte, growable, readOnly bool) *GFDBuffer {
	return &GFDBuffer{buf: data, growable: growable, readOnly: readOnly}
}

func (g *GFDBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = g.pos + offset
	case io.SeekEnd:
		next = int64(len(g.buf)) + offset
	default:
		return g.pos, ErrInvalidArg
	}
	if next < 0 {
		return g.pos, ErrInvalidArg
	}
	g.pos = next
	return g.pos, nil
}

func (g *GFDBuffer) Read(buf []byte) error {
	if g.pos >= int64(len(g.buf)) && len(buf) > 0 {
		return ErrEOF
	}
	if g.pos+int64(len(buf)) > int64(len(g.buf)) {
		return ErrDataUnderrun
	}
	copy(buf, g.buf[g.pos:])
	g.pos += int64(len(buf))
	return nil
}

func (g *GFDBuffer) Write(buf []byte) error {
	if g.readOnly {
		return ErrAccessDenied
	}
	end := g.pos + int64(len(buf))
	if end > int64(len(g.buf)) {
		if !g.growable {
			return ErrDataOverrun
		}
		grown := make([]byte, end)
		copy(grown, g.buf)
		g.buf = grown
	}
	copy(g.buf[g.pos:], buf)
	g.pos = end
	return nil
}

func (g *GFDBuffer) Tell() (int64, error) {
	return g.pos, nil
}

func (g *GFDBuffer) Flush() error { return nil }

func (g *GFDBuffer) Close() error {
	g.buf = nil
	return nil
}

// Bytes exposes the current contents.  Wrapper flush paths use this to avoid
// a copy when recompressing.
func (g *GFDBuffer) Bytes() []byte { return g.buf }

// Truncate shortens the buffer.
func (g *GFDBuffer) Truncate(length int64) error {
	if g.readOnly {
		return ErrAccessDenied
	}
	if length > int64(len(g.buf)) {
		return ErrInvalidArg
	}
	g.buf = g.buf[:length]
	return nil
}

/*
 * GFDGFD - a window into another GFD.  Used for the data region inside a
 * wrapper header and for sub-volume ranges.  The parent must outlive the
 * window; Close here never closes the parent.  Writes may not extend past
 * the window.
 */

type GFDGFD struct {
	parent   GenericFD
	offset   int64
	length   int64
	pos      int64
	readOnly bool
}

// NewSubGFD creates a window of the given length at offset within parent.
func NewSubGFD(parent GenericFD, offset, length int64, readOnly bool) (*GFDGFD, error) {
	if parent == nil || offset < 0 || length < 0 {
		return nil, ErrInvalidArg
	}
	return &GFDGFD{parent: parent, offset: offset, length: length, readOnly: readOnly}, nil
}

func (g *GFDGFD) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = g.pos + offset
	case io.SeekEnd:
		next = g.length + offset
	default:
		return g.pos, ErrInvalidArg
	}
	if next < 0 {
		return g.pos, ErrInvalidArg
	}
	g.pos = next
	return g.pos, nil
}

func (g *GFDGFD) Read(buf []byte) error {
	if g.pos+int64(len(buf)) > g.length {
		return ErrDataUnderrun
	}
	if err := gfdReadAt(g.parent, buf, g.offset+g.pos); err != nil {
		return err
	}
	g.pos += int64(len(buf))
	return nil
}

func (g *GFDGFD) Write(buf []byte) error {
	if g.readOnly {
		return ErrAccessDenied
	}
	// sub-ranges never grow
	if g.pos+int64(len(buf)) > g.length {
		return ErrDataOverrun
	}
	if err := gfdWriteAt(g.parent, buf, g.offset+g.pos); err != nil {
		return err
	}
	g.pos += int64(len(buf))
	return nil
}

func (g *GFDGFD) Tell() (int64, error) {
	return g.pos, nil
}

func (g *GFDGFD) Flush() error {
	return g.parent.Flush()
}

func (g *GFDGFD) Close() error {
	// parent-owned; nothing to release
	return nil
}
