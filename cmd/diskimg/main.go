package main

/*
diskimg is a command line front end for the disk package.  It identifies,
dumps, creates and converts Apple II disk images in the formats the library
understands (unadorned, 2MG, DiskCopy 4.2, NuFX, DDD, TrackStar, FDI,
Sim //e HDV, with optional gzip or zip outer layers).
*/

import (
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "diskimg",
	Short:        "Inspect, create and convert Apple II disk images",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetHandler(cli.New(os.Stderr))
		if verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.WarnLevel)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log format detection and flush steps")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
