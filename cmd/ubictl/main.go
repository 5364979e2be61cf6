// Command ubictl is a small administration and smoke-test tool for the
// UBI core, in the style of mkfs.go: no flag package, just os.Args
// positional parsing; misuse prints a usage message and exits with status
// 2, since this is an operator tool, not a library surface.
package main

import (
	"fmt"
	"os"
	"strconv"

	"ubi/internal/config"
	"ubi/internal/flashio"
	"ubi/internal/pebhdr"
	"ubi/internal/ubilog"

	"ubi"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ubictl <command> [args]")
	fmt.Fprintln(os.Stderr, "  demo [pebCount]       attach a simulated device, install a volume, write/read/detach/reattach via fastmap")
	fmt.Fprintln(os.Stderr, "  tunables              print the active configuration tunables")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "demo":
		runDemo(os.Args[2:])
	case "tunables":
		printTunables()
	default:
		usage()
	}
}

func printTunables() {
	cfg := config.Default()
	fmt.Printf("io_retries=%d protection_queue_len=%d wl_threshold=%d max_erroneous=%d\n",
		cfg.IORetries, cfg.ProtectionQueueLen, cfg.WLThreshold, cfg.MaxErroneous)
	fmt.Printf("min_slc_lebs=%d slc_mlc_ratio=%.2f fastmap_user_pool=%d fastmap_wl_pool=%d log_level=%v\n",
		cfg.MinSLCLEBs, cfg.SLCMLCRatio, cfg.FastmapUserPoolSize, cfg.FastmapWLPoolSize, cfg.LogLevel)
}

func runDemo(args []string) {
	pebCount := 32
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "ubictl: bad peb count %q: %v\n", args[0], err)
			os.Exit(1)
		}
		pebCount = n
	}

	log := ubilog.New("ubictl", ubilog.LevelInfo)
	d, err := flashio.NewSimDisk(128*1024, pebCount, 2048, 32*1024)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubictl: create sim disk: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	cfg := config.Default()
	inst, err := ubi.Attach(d, cfg, log, ubi.AttachOption{FastmapSuperPnum: -1})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubictl: attach: %v\n", err)
		os.Exit(1)
	}

	const volID = 1
	if err := inst.InstallVolume(volID, pebhdr.VolDynamic, pebhdr.ModeNormal); err != nil {
		fmt.Fprintf(os.Stderr, "ubictl: install volume: %v\n", err)
		os.Exit(1)
	}

	vol, err := inst.Open(volID, ubi.OpenWrite)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubictl: open: %v\n", err)
		os.Exit(1)
	}
	payload := []byte("ubictl demo payload")
	if err := vol.WriteLEB(0, payload, 0); err != nil {
		fmt.Fprintf(os.Stderr, "ubictl: write_leb: %v\n", err)
		os.Exit(1)
	}
	vol.Close()

	superPnum, err := inst.Detach()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubictl: detach: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("detached: fastmap super-block at peb %d\n", superPnum)

	inst2, err := ubi.Attach(d, cfg, log, ubi.AttachOption{FastmapSuperPnum: superPnum})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubictl: reattach: %v\n", err)
		os.Exit(1)
	}
	defer inst2.Detach()

	vol2, err := inst2.Open(volID, ubi.OpenRead)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubictl: reopen: %v\n", err)
		os.Exit(1)
	}
	defer vol2.Close()
	buf := make([]byte, len(payload))
	if _, err := vol2.ReadLEB(0, buf, 0); err != nil {
		fmt.Fprintf(os.Stderr, "ubictl: read_leb after reattach: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("reattached via fastmap, read back: %q\n", buf)
}
