package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/paleotronic/diskimg/disk"
)

var (
	createKind   string
	createBlocks int64
	createTracks int
	createSPT    int
	createVolume int
	createName   string
	createSkip   bool
)

var createCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create a blank disk image",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createKind, "type", "T", "po",
		"image type: po do nib 2mg dc42 hdv sdk ddd trackstar")
	createCmd.Flags().Int64Var(&createBlocks, "blocks", 0, "size in 512-byte blocks")
	createCmd.Flags().IntVar(&createTracks, "tracks", 0, "size in tracks")
	createCmd.Flags().IntVar(&createSPT, "sectors", 16, "sectors per track")
	createCmd.Flags().IntVar(&createVolume, "volume", 0, "DOS volume number")
	createCmd.Flags().StringVar(&createName, "name", "", "stored name (NuFX)")
	createCmd.Flags().BoolVar(&createSkip, "skip-format", false,
		"size the file without writing content")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	p := disk.CreateParams{
		Path:            args[0],
		FileFormat:      disk.FileFormatUnadorned,
		Physical:        disk.PhysicalFormatSectors,
		Order:           disk.SectorOrderProDOS,
		NumBlocks:       createBlocks,
		NumTracks:       createTracks,
		SectorsPerTrack: createSPT,
		DOSVolumeNum:    createVolume,
		StorageName:     createName,
		SkipFormat:      createSkip,
	}

	switch strings.ToLower(createKind) {
	case "po":
	case "hdv":
		p.FileFormat = disk.FileFormatSim2eHDV
	case "do", "dsk":
		p.Order = disk.SectorOrderDOS
	case "nib":
		p.Physical = disk.PhysicalFormatNib525_6656
		p.Order = disk.SectorOrderPhysical
		p.NibbleDescrIdx = disk.NibbleDescrDOS33Std
		if createSPT == 13 {
			p.NibbleDescrIdx = disk.NibbleDescrDOS32Std
		}
	case "2mg":
		p.FileFormat = disk.FileFormat2MG
	case "dc42":
		p.FileFormat = disk.FileFormatDiskCopy42
	case "sdk", "shk":
		p.FileFormat = disk.FileFormatNuFX
	case "ddd":
		p.FileFormat = disk.FileFormatDDD
		p.Order = disk.SectorOrderDOS
	case "trackstar", "app":
		p.FileFormat = disk.FileFormatTrackStar
		p.Physical = disk.PhysicalFormatNib525_Var
		p.Order = disk.SectorOrderPhysical
		p.NibbleDescrIdx = disk.NibbleDescrDOS33Std
	default:
		return errors.Errorf("unknown image type %q", createKind)
	}

	if p.NumBlocks == 0 && p.NumTracks == 0 {
		switch {
		case p.FileFormat == disk.FileFormatDiskCopy42:
			p.NumBlocks = disk.PRODOS_800KB_BLOCKS
		case p.FileFormat == disk.FileFormatTrackStar:
			p.NumTracks = disk.TRACKSTAR_TRACKS
		case disk.IsNibbleFormat(p.Physical):
			p.NumTracks = disk.STD_TRACKS_PER_DISK
		default:
			p.NumBlocks = disk.STD_DISK_BYTES / disk.BLOCK_SIZE
		}
	}

	di := disk.NewDiskImg(nil)
	if err := di.CreateImage(p); err != nil {
		return errors.Wrapf(err, "creating %s", args[0])
	}
	info := imageInfo(di)
	if err := di.CloseImage(); err != nil {
		return err
	}
	fmt.Print(info)
	return nil
}
