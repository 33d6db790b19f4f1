package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Show detected formats, geometry and notes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		di, err := openArg(args[0], true)
		if err != nil {
			return err
		}
		defer di.CloseImage()
		fmt.Print(imageInfo(di))
		return nil
	},
}

var (
	flagTrack  int
	flagSector int
	flagBlock  int64
)

var dumpCmd = &cobra.Command{
	Use:   "dump <image>",
	Short: "Hex dump one sector or block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		di, err := openArg(args[0], true)
		if err != nil {
			return err
		}
		defer di.CloseImage()
		var out string
		if cmd.Flags().Changed("block") {
			out, err = dumpBlock(di, flagBlock)
		} else {
			out, err = dumpSector(di, flagTrack, flagSector)
		}
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	dumpCmd.Flags().IntVarP(&flagTrack, "track", "t", 0, "track number")
	dumpCmd.Flags().IntVarP(&flagSector, "sector", "s", 0, "sector number")
	dumpCmd.Flags().Int64VarP(&flagBlock, "block", "b", 0, "block number (overrides track/sector)")
	rootCmd.AddCommand(infoCmd, dumpCmd)
}
