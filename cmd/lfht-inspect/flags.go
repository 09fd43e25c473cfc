package main

// flags.go defines the options struct consumed by main.go and the stdlib
// flag.FlagSet that populates it. Kept in its own file so main.go reads as
// pure control flow, matching the teacher CLI's file split.
//
// © 2025 lfht authors. MIT License.

import (
	"flag"
	"fmt"
	"os"
	"time"
)

type options struct {
	target           string
	json             bool
	watch            bool
	interval         time.Duration
	heapProfile      string
	goroutineProfile string
	version          bool
}

func parseFlags() *options {
	opts := &options{}
	fs := flag.NewFlagSet("lfht-inspect", flag.ExitOnError)
	fs.StringVar(&opts.target, "target", "http://localhost:6060", "base URL of the instrumented process")
	fs.BoolVar(&opts.json, "json", false, "emit raw JSON instead of a pretty summary")
	fs.BoolVar(&opts.watch, "watch", false, "poll repeatedly instead of a single snapshot")
	fs.DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval when -watch is set")
	fs.StringVar(&opts.heapProfile, "heap-profile", "", "download a heap profile to this path and exit")
	fs.StringVar(&opts.goroutineProfile, "goroutine-profile", "", "download a goroutine profile to this path and exit")
	fs.BoolVar(&opts.version, "version", false, "print the CLI version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return opts
}
