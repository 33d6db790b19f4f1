package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/paleotronic/diskimg/disk"
)

func openArg(path string, readOnly bool) (*disk.DiskImg, error) {
	di := disk.NewDiskImg(nil)
	if err := di.OpenImage(path, readOnly); err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return di, nil
}

func imageInfo(di *disk.DiskImg) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Name:       %s\n", di.StorageName())
	if di.OuterFormat() != disk.OuterFormatNone {
		fmt.Fprintf(&sb, "Outer:      %s\n", di.OuterFormat())
	}
	fmt.Fprintf(&sb, "Wrapper:    %s\n", di.FileFormat())
	fmt.Fprintf(&sb, "Physical:   %s\n", di.PhysicalFormat())
	fmt.Fprintf(&sb, "Order:      %s\n", di.SectorOrder())
	fmt.Fprintf(&sb, "Filesystem: %s\n", di.FSFormat())
	fmt.Fprintf(&sb, "Length:     %d bytes\n", di.Length())
	if di.HasSectors() {
		fmt.Fprintf(&sb, "Geometry:   %d tracks x %d sectors\n",
			di.NumTracks(), di.NumSectPerTrack())
	}
	if di.HasBlocks() {
		fmt.Fprintf(&sb, "Blocks:     %d\n", di.NumBlocks())
	}
	if d := di.ActiveNibbleDescr(); d != nil {
		fmt.Fprintf(&sb, "Nibbles:    %s\n", d.Description)
	}
	if di.DOSVolumeNum() != disk.VOLUME_NUM_NOT_SET {
		fmt.Fprintf(&sb, "DOS volume: %d\n", di.DOSVolumeNum())
	}
	if di.IsReadOnly() {
		sb.WriteString("Access:     read-only\n")
	}
	if notes := di.GetNotes(); notes != "" {
		fmt.Fprintf(&sb, "Notes:\n%s\n", notes)
	}
	return sb.String()
}

// hexDump renders 16 bytes per line with an ASCII gutter.  High bits are
// stripped for the gutter since Apple II text sets them.
func hexDump(data []byte, base int) string {
	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(&sb, "%04x:", base+off)
		for i := off; i < end; i++ {
			fmt.Fprintf(&sb, " %02x", data[i])
		}
		sb.WriteString("  ")
		for i := off; i < end; i++ {
			c := data[i] & 0x7f
			if c < 0x20 || c == 0x7f {
				c = '.'
			}
			sb.WriteByte(c)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func dumpSector(di *disk.DiskImg, track, sector int) (string, error) {
	buf := make([]byte, disk.SECTOR_SIZE)
	if err := di.ReadTrackSector(track, sector, buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("Track %d sector %d:\n%s", track, sector, hexDump(buf, 0)), nil
}

func dumpBlock(di *disk.DiskImg, block int64) (string, error) {
	buf := make([]byte, disk.BLOCK_SIZE)
	if err := di.ReadBlock(block, buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("Block %d:\n%s", block, hexDump(buf, 0)), nil
}
