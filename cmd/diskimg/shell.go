package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/paleotronic/diskimg/disk"
)

var errQuit = errors.New("quit")

var (
	shellImage *disk.DiskImg
	shellPath  string
)

var shellCmd = &cobra.Command{
	Use:   "shell [image]",
	Short: "Interactive image inspection",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			if err := shellMount(args); err != nil {
				return err
			}
		}
		return shellLoop()
	},
}

type shellCommand struct {
	Description      string
	MinArgs, MaxArgs int
	NeedsMount       bool
	Usage            string
	Code             func(args []string) error
}

var shellCommands map[string]*shellCommand

func init() {
	shellCommands = map[string]*shellCommand{
		"mount": {
			Description: "Mount a disk image",
			MinArgs:     1, MaxArgs: 1,
			Usage: "mount <imagefile>",
			Code:  shellMount,
		},
		"unmount": {
			Description: "Flush and unmount the current image",
			NeedsMount:  true,
			Usage:       "unmount",
			Code:        shellUnmount,
		},
		"info": {
			Description: "Show formats and geometry",
			NeedsMount:  true,
			Usage:       "info",
			Code:        shellInfo,
		},
		"ts": {
			Description: "Hex dump a track/sector",
			MinArgs:     2, MaxArgs: 2,
			NeedsMount: true,
			Usage:      "ts <track> <sector>",
			Code:       shellTS,
		},
		"block": {
			Description: "Hex dump a block",
			MinArgs:     1, MaxArgs: 1,
			NeedsMount: true,
			Usage:      "block <num>",
			Code:       shellBlock,
		},
		"order": {
			Description: "Force the sector ordering",
			MinArgs:     1, MaxArgs: 1,
			NeedsMount: true,
			Usage:      "order <dos|prodos|cpm|physical>",
			Code:       shellOrder,
		},
		"notes": {
			Description: "Show diagnostics gathered while opening",
			NeedsMount:  true,
			Usage:       "notes",
			Code:        shellNotes,
		},
		"zero": {
			Description: "Wipe the mounted image",
			NeedsMount:  true,
			Usage:       "zero",
			Code:        shellZero,
		},
		"help": {
			Description: "List commands",
			Usage:       "help",
			Code:        shellHelp,
		},
		"quit": {
			Description: "Flush, unmount and exit",
			Usage:       "quit",
			Code:        func([]string) error { return errQuit },
		},
	}
	shellCommands["exit"] = shellCommands["quit"]
	rootCmd.AddCommand(shellCmd)
}

func shellPrompt() string {
	if shellImage == nil {
		return "img:<no mount>> "
	}
	return fmt.Sprintf("img:%s> ", filepath.Base(shellPath))
}

func shellLoop() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          shellPrompt(),
		AutoComplete:    &shellCompleter{},
		InterruptPrompt: "^C",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		rl.SetPrompt(shellPrompt())
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err := shellProcess(line); err != nil {
			if err == errQuit {
				break
			}
			fmt.Println("Error: " + err.Error())
		}
	}
	if shellImage != nil {
		return shellUnmount(nil)
	}
	return nil
}

func shellProcess(line string) error {
	verb, args := smartSplit(strings.TrimSpace(line))
	if verb == "" {
		return nil
	}
	cmd, ok := shellCommands[verb]
	if !ok {
		return errors.Errorf("unknown command %q (try help)", verb)
	}
	if cmd.NeedsMount && shellImage == nil {
		return errors.New("no image mounted")
	}
	if len(args) < cmd.MinArgs || len(args) > cmd.MaxArgs {
		return errors.New("usage: " + cmd.Usage)
	}
	return cmd.Code(args)
}

// smartSplit breaks a command line on spaces, honoring double quotes and
// backslash escapes.
func smartSplit(line string) (string, []string) {
	var out []string
	var chunk string
	var inqq, escaped bool

	flush := func() {
		if chunk != "" {
			out = append(out, chunk)
			chunk = ""
		}
	}
	for _, ch := range line {
		switch {
		case escaped:
			chunk += string(ch)
			escaped = false
		case ch == '\\':
			escaped = true
		case ch == '"':
			inqq = !inqq
		case ch == ' ' && !inqq:
			flush()
		default:
			chunk += string(ch)
		}
	}
	flush()

	if len(out) == 0 {
		return "", nil
	}
	return out[0], out[1:]
}

type shellCompleter struct{}

// Do completes command names at the first word and local file paths after.
func (sc *shellCompleter) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	var items []string
	var partial string

	if idx := strings.IndexRune(text, ' '); idx < 0 {
		partial = text
		for name := range shellCommands {
			items = append(items, name)
		}
	} else {
		partial = text[strings.LastIndex(text, " ")+1:]
		matches, err := filepath.Glob(partial + "*")
		if err != nil {
			return nil, 0
		}
		items = matches
	}

	var filt [][]rune
	for _, v := range items {
		if strings.HasPrefix(v, partial) {
			filt = append(filt, []rune(v[len(partial):]))
		}
	}
	return filt, len(partial)
}

func shellMount(args []string) error {
	di := disk.NewDiskImg(nil)
	err := di.OpenImage(args[0], false)
	if err != nil {
		di = disk.NewDiskImg(nil)
		if e2 := di.OpenImage(args[0], true); e2 != nil {
			return err
		}
		fmt.Println("writable open failed; mounted read-only")
	}
	if shellImage != nil {
		if err := shellImage.CloseImage(); err != nil {
			di.CloseImage()
			return err
		}
	}
	shellImage = di
	shellPath = args[0]
	fmt.Print(imageInfo(di))
	return nil
}

func shellUnmount([]string) error {
	err := shellImage.CloseImage()
	shellImage = nil
	shellPath = ""
	return err
}

func shellInfo([]string) error {
	fmt.Print(imageInfo(shellImage))
	return nil
}

func shellTS(args []string) error {
	track, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Errorf("bad track %q", args[0])
	}
	sector, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Errorf("bad sector %q", args[1])
	}
	out, err := dumpSector(shellImage, track, sector)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func shellBlock(args []string) error {
	block, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return errors.Errorf("bad block %q", args[0])
	}
	out, err := dumpBlock(shellImage, block)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func shellOrder(args []string) error {
	var order disk.SectorOrder
	var fs disk.FSFormat
	switch strings.ToLower(args[0]) {
	case "dos":
		order, fs = disk.SectorOrderDOS, disk.FSFormatGenericDOSOrd
	case "prodos":
		order, fs = disk.SectorOrderProDOS, disk.FSFormatGenericProDOSOrd
	case "cpm":
		order, fs = disk.SectorOrderCPM, disk.FSFormatGenericCPMOrd
	case "physical":
		order, fs = disk.SectorOrderPhysical, disk.FSFormatGenericPhysicalOrd
	default:
		return errors.Errorf("unknown ordering %q", args[0])
	}
	if err := shellImage.OverrideFormat(shellImage.PhysicalFormat(), fs, order); err != nil {
		return err
	}
	fmt.Printf("ordering forced to %s\n", order)
	return nil
}

func shellNotes([]string) error {
	notes := shellImage.GetNotes()
	if notes == "" {
		notes = "(none)"
	}
	fmt.Println(notes)
	return nil
}

func shellZero([]string) error {
	if err := shellImage.ZeroImage(); err != nil {
		return err
	}
	fmt.Println("image zeroed")
	return nil
}

func shellHelp([]string) error {
	var names []string
	for name := range shellCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "exit" {
			continue
		}
		cmd := shellCommands[name]
		fmt.Printf("%-24s %s\n", cmd.Usage, cmd.Description)
	}
	return nil
}
