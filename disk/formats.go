package disk

import "fmt"

// Classic Apple II geometry.  The magic lengths show up all over the probe
// code, so they get names here once.
const (
	SECTOR_SIZE = 256
	BLOCK_SIZE  = 512

	STD_TRACKS_PER_DISK       = 35
	STD_SECTORS_PER_TRACK     = 16
	STD_SECTORS_PER_TRACK_OLD = 13

	STD_DISK_BYTES     = STD_TRACKS_PER_DISK * STD_SECTORS_PER_TRACK * SECTOR_SIZE     // 143360
	STD_DISK_BYTES_OLD = STD_TRACKS_PER_DISK * STD_SECTORS_PER_TRACK_OLD * SECTOR_SIZE // 116480

	PRODOS_800KB_BLOCKS     = 1600
	PRODOS_800KB_DISK_BYTES = PRODOS_800KB_BLOCKS * BLOCK_SIZE // 819200

	TRACK_NIBBLE_LENGTH      = 6656
	TRACK_NIBBLE_LENGTH_6384 = 6384
	DISK_NIBBLE_LENGTH       = TRACK_NIBBLE_LENGTH * STD_TRACKS_PER_DISK // 232960

	TRACKSTAR_TRACKS = 40

	// largest plausible variable-length nibble track (FDI captures)
	TRACK_NIBBLE_ALLOC_VAR = 9216

	VOLUME_NUM_NOT_SET        = -1
	DEFAULT_NIBBLE_VOLUME_NUM = 254
)

// OuterFormat identifies the optional outermost compression layer.
type OuterFormat int

const (
	OuterFormatUnknown OuterFormat = iota
	OuterFormatNone
	OuterFormatGzip
	OuterFormatZip
)

func (f OuterFormat) String() string {
	switch f {
	case OuterFormatNone:
		return "(none)"
	case OuterFormatGzip:
		return "gzip"
	case OuterFormatZip:
		return "Zip archive"
	}
	return "Unknown format"
}

// FileFormat identifies the container wrapped directly around the raw disk
// bytes.
type FileFormat int

const (
	FileFormatUnknown FileFormat = iota
	FileFormatUnadorned
	FileFormat2MG
	FileFormatNuFX
	FileFormatDiskCopy42
	FileFormatSim2eHDV
	FileFormatTrackStar
	FileFormatFDI
	FileFormatDDD
)

func (f FileFormat) String() string {
	switch f {
	case FileFormatUnadorned:
		return "Unadorned raw data"
	case FileFormat2MG:
		return "2MG"
	case FileFormatNuFX:
		return "NuFX (ShrinkIt)"
	case FileFormatDiskCopy42:
		return "DiskCopy 4.2"
	case FileFormatSim2eHDV:
		return "Sim //e HDV"
	case FileFormatTrackStar:
		return "TrackStar image"
	case FileFormatFDI:
		return "FDI image"
	case FileFormatDDD:
		return "DDD"
	}
	return "Unknown format"
}

// PhysicalFormat says whether the raw bytes are cooked sectors or a nibble
// stream, and for nibbles which track framing applies.
type PhysicalFormat int

const (
	PhysicalFormatUnknown PhysicalFormat = iota
	PhysicalFormatSectors
	PhysicalFormatNib525_6656
	PhysicalFormatNib525_6384
	PhysicalFormatNib525_Var
)

func (f PhysicalFormat) String() string {
	switch f {
	case PhysicalFormatSectors:
		return "Sectors"
	case PhysicalFormatNib525_6656:
		return "Raw nibbles (6656-byte)"
	case PhysicalFormatNib525_6384:
		return "Raw nibbles (6384-byte)"
	case PhysicalFormatNib525_Var:
		return "Raw nibbles (variable len)"
	}
	return "Unknown format"
}

// IsSectorFormat reports whether the physical format holds cooked sectors.
func IsSectorFormat(f PhysicalFormat) bool {
	return f == PhysicalFormatSectors
}

// IsNibbleFormat reports whether the physical format is a nibble stream.
func IsNibbleFormat(f PhysicalFormat) bool {
	return f == PhysicalFormatNib525_6656 ||
		f == PhysicalFormatNib525_6384 ||
		f == PhysicalFormatNib525_Var
}

// SectorOrder is the permutation between on-media sector positions and the
// sector numbers a filesystem expects.  The enum order matters: sector-order
// probe arrays are built by walking these values.
type SectorOrder int

const (
	SectorOrderUnknown SectorOrder = iota
	SectorOrderProDOS
	SectorOrderDOS
	SectorOrderCPM
	SectorOrderPhysical
	SectorOrderMax // must be last
)

func (o SectorOrder) String() string {
	switch o {
	case SectorOrderProDOS:
		return "ProDOS block ordering"
	case SectorOrderDOS:
		return "DOS sector ordering"
	case SectorOrderCPM:
		return "CP/M block ordering"
	case SectorOrderPhysical:
		return "Physical sector ordering"
	}
	return "Unknown ordering"
}

// FSFormat is the filesystem (or partition scheme) found on the image.  The
// DiskImg core only uses it to choose a sector order; interpretation belongs
// to the DiskFS layer.
type FSFormat int

const (
	FSFormatUnknown FSFormat = iota
	FSFormatProDOS
	FSFormatDOS33
	FSFormatDOS32
	FSFormatPascal
	FSFormatMacHFS
	FSFormatMacMFS
	FSFormatLisa
	FSFormatCPM
	FSFormatMSDOS
	FSFormatISO9660
	FSFormatRDOS33
	FSFormatRDOS32
	FSFormatRDOS3
	FSFormatUNIDOS
	FSFormatOzDOS
	FSFormatCFFA4
	FSFormatCFFA8
	FSFormatMacPart
	FSFormatMicroDrive
	FSFormatFocusDrive
	FSFormatGenericPhysicalOrd
	FSFormatGenericProDOSOrd
	FSFormatGenericDOSOrd
	FSFormatGenericCPMOrd
)

func (f FSFormat) String() string {
	switch f {
	case FSFormatProDOS:
		return "ProDOS"
	case FSFormatDOS33:
		return "DOS 3.3"
	case FSFormatDOS32:
		return "DOS 3.2"
	case FSFormatPascal:
		return "Pascal"
	case FSFormatMacHFS:
		return "HFS"
	case FSFormatMacMFS:
		return "MFS"
	case FSFormatLisa:
		return "Lisa"
	case FSFormatCPM:
		return "CP/M"
	case FSFormatMSDOS:
		return "MS-DOS FAT"
	case FSFormatISO9660:
		return "ISO-9660"
	case FSFormatRDOS33:
		return "RDOS 3.3 (16-sector)"
	case FSFormatRDOS32:
		return "RDOS 3.2 (13-sector)"
	case FSFormatRDOS3:
		return "RDOS 3 (cracked 13-sector)"
	case FSFormatUNIDOS:
		return "UNIDOS (400K DOS x2)"
	case FSFormatOzDOS:
		return "OzDOS (400K DOS x2)"
	case FSFormatCFFA4:
		return "CFFA (4 or 6 partitions)"
	case FSFormatCFFA8:
		return "CFFA (8 partitions)"
	case FSFormatMacPart:
		return "Macintosh partitioned disk"
	case FSFormatMicroDrive:
		return "MicroDrive partitioned disk"
	case FSFormatFocusDrive:
		return "FocusDrive partitioned disk"
	case FSFormatGenericPhysicalOrd:
		return "Generic raw sectors"
	case FSFormatGenericProDOSOrd:
		return "Generic ProDOS blocks"
	case FSFormatGenericDOSOrd:
		return "Generic DOS sectors"
	case FSFormatGenericCPMOrd:
		return "Generic CP/M blocks"
	}
	return "Unknown"
}

func isGenericFSFormat(f FSFormat) bool {
	return f == FSFormatGenericPhysicalOrd || f == FSFormatGenericProDOSOrd ||
		f == FSFormatGenericDOSOrd || f == FSFormatGenericCPMOrd
}

// Config carries process-wide behavior knobs.  Pass nil anywhere a *Config
// is accepted to get the defaults.
type Config struct {
	// AllowWritePhys0 permits writes to an entire physical device rather
	// than a partition.
	AllowWritePhys0 bool
	// MaxUnpackedSize caps how large a compressed wrapper (NuFX, DDD,
	// zip, gzip) may claim to expand, to keep pathological inputs from
	// exhausting memory.
	MaxUnpackedSize int64
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxUnpackedSize: 64 * 1024 * 1024,
	}
}

func (c *Config) maxUnpacked() int64 {
	if c == nil || c.MaxUnpackedSize <= 0 {
		return 64 * 1024 * 1024
	}
	return c.MaxUnpackedSize
}

// GetSectorOrderArray fills an array with sector orders to probe, best guess
// first.  Unused entries are SectorOrderUnknown and should be skipped.  CP/M
// ordering is never worth probing blind.
func GetSectorOrderArray(first SectorOrder) [SectorOrderMax]SectorOrder {
	var arr [SectorOrderMax]SectorOrder
	for i := range arr {
		arr[i] = SectorOrder(i)
	}
	arr[0] = first
	arr[int(first)] = SectorOrderUnknown
	arr[SectorOrderCPM] = SectorOrderUnknown
	return arr
}

func fmtKilobytes(length int64) string {
	if length%1024 == 0 {
		return fmt.Sprintf("%dKB", length/1024)
	}
	return fmt.Sprintf("%d bytes", length)
}
