//go:build linux

package disk

import (
	"io"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// GFDVolume - GenericFD over a host block device.  Device I/O must happen in
// whole 512-byte sectors, so reads and writes pass through a one-sector
// staging buffer when the caller's request isn't aligned.
type GFDVolume struct {
	fd        int
	path      string
	length    int64
	pos       int64
	readOnly  bool
	secBuf    [BLOCK_SIZE]byte
	secLoaded int64 // device offset of secBuf contents, -1 when empty
	secDirty  bool
}

// OpenVolume opens a raw device node.  Writing to an entire physical disk
// (as opposed to a partition) destroys the host's partition table, so it is
// refused unless the configuration explicitly allows it.
func OpenVolume(path string, readOnly bool, cfg *Config) (GenericFD, error) {
	if !readOnly && isWholePhysDevice(path) && (cfg == nil || !cfg.AllowWritePhys0) {
		return nil, ErrVWAccessForbidden
	}
	flags := unix.O_RDWR
	if readOnly {
		flags = unix.O_RDONLY
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		if err == unix.EACCES {
			return nil, errors.Wrap(ErrAccessDenied, path)
		}
		if err == unix.ENOENT {
			return nil, errors.Wrap(ErrFileNotFound, path)
		}
		return nil, errors.Wrap(ErrReadFailed, err.Error())
	}
	length, err := volumeLength(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(ErrReadFailed, err.Error())
	}
	log.WithFields(log.Fields{"path": path, "length": length}).Debug("opened host volume")
	return &GFDVolume{fd: fd, path: path, length: length, readOnly: readOnly, secLoaded: -1}, nil
}

// volumeLength sizes the device with the BLKGETSIZE64 ioctl.  Regular files
// (disk images accessed through the volume path) don't answer the ioctl and
// fall back to seeking.
func volumeLength(fd int) (int64, error) {
	if size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64); err == nil {
		return int64(size), nil
	}
	return unix.Seek(fd, 0, io.SeekEnd)
}

func isWholePhysDevice(path string) bool {
	if !strings.HasPrefix(path, "/dev/") {
		return false
	}
	last := path[len(path)-1]
	return last < '0' || last > '9'
}

func (g *GFDVolume) Seek(offset int64, whence int) (int64, error) {
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

func (g *GFDVolume) loadSector(devOff int64) error {
	if g.secLoaded == devOff {
		return nil
	}
	if err := g.flushSector(); err != nil {
		return err
	}
	n, err := unix.Pread(g.fd, g.secBuf[:], devOff)
	if err != nil || n != BLOCK_SIZE {
		return ErrReadFailed
	}
	g.secLoaded = devOff
	return nil
}

func (g *GFDVolume) flushSector() error {
	if !g.secDirty {
		return nil
	}
	n, err := unix.Pwrite(g.fd, g.secBuf[:], g.secLoaded)
	if err != nil || n != BLOCK_SIZE {
		return ErrWriteFailed
	}
	g.secDirty = false
	return nil
}

func (g *GFDVolume) Read(buf []byte) error {
	if g.pos+int64(len(buf)) > g.length {
		return ErrDataUnderrun
	}
	off := g.pos
	remaining := buf
	for len(remaining) > 0 {
		secOff := off &^ (BLOCK_SIZE - 1)
		inSec := int(off - secOff)
		n := BLOCK_SIZE - inSec
		if n > len(remaining) {
			n = len(remaining)
		}
		if inSec == 0 && n == BLOCK_SIZE {
			// aligned full sector, read direct
			rn, err := unix.Pread(g.fd, remaining[:BLOCK_SIZE], secOff)
			if err != nil || rn != BLOCK_SIZE {
				return ErrReadFailed
			}
		} else {
			if err := g.loadSector(secOff); err != nil {
				return err
			}
			copy(remaining[:n], g.secBuf[inSec:inSec+n])
		}
		remaining = remaining[n:]
		off += int64(n)
	}
	g.pos = off
	return nil
}

func (g *GFDVolume) Write(buf []byte) error {
	if g.readOnly {
		return ErrAccessDenied
	}
	if g.pos+int64(len(buf)) > g.length {
		return ErrDataOverrun
	}
	off := g.pos
	remaining := buf
	for len(remaining) > 0 {
		secOff := off &^ (BLOCK_SIZE - 1)
		inSec := int(off - secOff)
		n := BLOCK_SIZE - inSec
		if n > len(remaining) {
			n = len(remaining)
		}
		if inSec == 0 && n == BLOCK_SIZE {
			wn, err := unix.Pwrite(g.fd, remaining[:BLOCK_SIZE], secOff)
			if err != nil || wn != BLOCK_SIZE {
				return ErrWriteFailed
			}
			if g.secLoaded == secOff {
				copy(g.secBuf[:], remaining[:BLOCK_SIZE])
			}
		} else {
			if err := g.loadSector(secOff); err != nil {
				return err
			}
			copy(g.secBuf[inSec:inSec+n], remaining[:n])
			g.secDirty = true
		}
		remaining = remaining[n:]
		off += int64(n)
	}
	g.pos = off
	return nil
}

func (g *GFDVolume) Tell() (int64, error) {
	return g.pos, nil
}

func (g *GFDVolume) Flush() error {
	if err := g.flushSector(); err != nil {
		return err
	}
	if g.readOnly {
		return nil
	}
	return unix.Fsync(g.fd)
}

func (g *GFDVolume) Close() error {
	if err := g.Flush(); err != nil {
		return err
	}
	return unix.Close(g.fd)
}
