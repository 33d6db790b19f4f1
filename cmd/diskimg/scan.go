package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/paleotronic/diskimg/disk"
)

var diskRegex = regexp.MustCompile(
	`(?i)[.](po|do|dsk|d13|raw|nib|nb2|app|2mg|2img|hdv|dc|dc6|ddd|sdk|shk|bxy|fdi|img|gz|zip)$`)

const scanWorkers = 8

var scanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "Open every image under a directory and tally what was found",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	start := time.Now()
	incoming := make(chan string, 16)

	var mu sync.Mutex
	tally := make(map[string]int)
	var processed, failed int

	var wg sync.WaitGroup
	for i := 0; i < scanWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range incoming {
				di := disk.NewDiskImg(nil)
				err := di.OpenImage(path, true)
				mu.Lock()
				if err != nil {
					failed++
				} else {
					key := fmt.Sprintf("%s / %s", di.FileFormat(), di.FSFormat())
					tally[key]++
					processed++
				}
				mu.Unlock()
				if err != nil {
					log.WithError(err).WithField("image", path).Warn("unreadable image")
					continue
				}
				di.CloseImage()
			}
		}()
	}

	walkErr := filepath.Walk(args[0], func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && diskRegex.MatchString(path) {
			incoming <- path
		}
		return nil
	})
	close(incoming)
	wg.Wait()
	if walkErr != nil {
		return walkErr
	}

	var kinds []string
	for k := range tally {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("%-50s %6d\n", k, tally[k])
	}
	fmt.Printf("\n%d images opened, %d unreadable (%v, %d workers)\n",
		processed, failed, time.Since(start).Round(time.Millisecond), scanWorkers)
	return nil
}
