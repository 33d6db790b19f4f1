package disk

import "errors"

// Error values returned by the DiskImg layer.  Fatal conditions come back
// through these; recoverable damage is reported via DiskImg.AddNote and a
// forced read-only flag instead.
var (
	ErrAlreadyOpen       = errors.New("an image is already open")
	ErrAccessDenied      = errors.New("access denied")
	ErrWriteProtected    = errors.New("write protected")
	ErrVWAccessForbidden = errors.New("for safety, write access to this volume is forbidden")
	ErrFileNotFound      = errors.New("file not found")
	ErrFileExists        = errors.New("file already exists")

	ErrEOF          = errors.New("end of file reached")
	ErrReadFailed   = errors.New("read failed")
	ErrWriteFailed  = errors.New("write failed")
	ErrDataUnderrun = errors.New("tried to read past end of file")
	ErrDataOverrun  = errors.New("tried to write past end of file")

	ErrOddLength              = errors.New("image size is wrong")
	ErrUnrecognizedFileFmt    = errors.New("not a recognized disk image format")
	ErrBadFileFormat          = errors.New("image file contents aren't in expected format")
	ErrUnsupportedFileFmt     = errors.New("file format not supported")
	ErrUnsupportedPhysicalFmt = errors.New("physical format not supported")
	ErrUnsupportedFSFmt       = errors.New("filesystem type not supported")
	ErrBadOrdering            = errors.New("bad sector ordering")
	ErrFilesystemNotFound     = errors.New("specified filesystem not found")
	ErrUnsupportedAccess      = errors.New("the method of access used isn't supported for this image")

	ErrInvalidTrack  = errors.New("invalid track number")
	ErrInvalidSector = errors.New("invalid sector number")
	ErrInvalidBlock  = errors.New("invalid block number")
	ErrInvalidIndex  = errors.New("invalid index number")

	ErrBadDiskImage = errors.New("the filesystem on this image appears damaged")
	ErrBadPartition = errors.New("bad partition")

	ErrFileArchive            = errors.New("this looks like a file archive, not a disk archive")
	ErrUnsupportedCompression = errors.New("compression method not supported")
	ErrBadChecksum            = errors.New("checksum doesn't match, data may be corrupted")
	ErrBadCompressedData      = errors.New("the compressed data is corrupted")
	ErrBadArchiveStruct       = errors.New("archive may be damaged")

	ErrBadNibbleSectors = errors.New("couldn't read sectors from this image")
	ErrSectorUnreadable = errors.New("sector not readable")
	ErrInvalidDiskByte  = errors.New("found invalid nibble image disk byte")
	ErrBadRawData       = errors.New("couldn't convert raw data to nibble data")

	ErrInvalidCreateReq = errors.New("invalid disk image create request")
	ErrTooBig           = errors.New("size is larger than we can handle")

	ErrCancelled  = errors.New("cancelled by user")
	ErrMalloc     = errors.New("memory allocation failure")
	ErrInvalidArg = errors.New("invalid argument")
	ErrInternal   = errors.New("DiskImg internal error")
	ErrGeneric    = errors.New("DiskImg generic error")
)

// NotMine is the probe-cascade signal: the wrapper being tested did not
// recognize the content.  The cascade recovers from this and moves on;
// every other error aborts the probe.
var NotMine = errors.New("format not recognized by this wrapper")
