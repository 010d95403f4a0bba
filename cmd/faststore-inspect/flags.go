package main

import (
	"errors"
	"flag"
	"time"
)

type options struct {
	dir        string
	jsonOutput bool
	watch      bool
	interval   time.Duration
	checkpoint bool
	pageBytes  int
	version    bool
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("faststore-inspect", flag.ContinueOnError)
	opts := &options{}

	fs.StringVar(&opts.dir, "dir", "", "store directory to inspect (required)")
	fs.BoolVar(&opts.jsonOutput, "json", false, "print the snapshot as JSON instead of text")
	fs.BoolVar(&opts.watch, "watch", false, "repeat the snapshot on -interval until interrupted")
	fs.DurationVar(&opts.interval, "interval", 2*time.Second, "polling interval for -watch")
	fs.BoolVar(&opts.checkpoint, "checkpoint", false, "take a checkpoint before reporting (requires exclusive access to the directory)")
	fs.IntVar(&opts.pageBytes, "page-bytes", 1<<20, "page size in bytes: the allocator page size for -checkpoint, and the unit for reporting region sizes in pages")
	fs.BoolVar(&opts.version, "version", false, "print the build version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.version {
		return opts, nil
	}
	if opts.dir == "" {
		return nil, errors.New("faststore-inspect: -dir is required")
	}
	return opts, nil
}
