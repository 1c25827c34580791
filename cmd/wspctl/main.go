// Command wspctl is the command-line surface around the wsp file
// engine: create, inspect, write to, and dump round-robin time-series
// files. All the hard work lives in package wsp; this is plumbing.
package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/nimbusdb/wsp/internal/wheader"
	"github.com/nimbusdb/wsp/internal/wpoint"
	"github.com/nimbusdb/wsp/schema"
	"github.com/nimbusdb/wsp/wsp"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "create":
		err = runCreate(args)
	case "info":
		err = runInfo(args)
	case "write":
		err = runWrite(args)
	case "dump":
		err = runDump(args)
	case "export":
		err = runExport(args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "wspctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: wspctl <create|info|write|dump|export> [flags]")
}

func aggregationFromName(name string) (wheader.AggregationMethod, error) {
	switch strings.ToLower(name) {
	case "average", "avg", "":
		return wheader.Average, nil
	case "sum":
		return wheader.Sum, nil
	case "last":
		return wheader.Last, nil
	case "max":
		return wheader.Max, nil
	case "min":
		return wheader.Min, nil
	default:
		return 0, fmt.Errorf("unknown aggregation method %q", name)
	}
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	path := fs.String("path", "", "path to the file to create")
	retention := fs.String("retention", "", "comma-separated retention specs, e.g. 1s:60s,1m:1y")
	preset := fs.String("preset", "", "named preset from the config file instead of --retention")
	configPath := fs.String("config", defaultConfigPath(), "path to wspctl's preset config file")
	aggName := fs.String("aggregation", "average", "aggregation method: average|sum|last|max|min")
	xff := fs.Float32("xff", 0.5, "x-files-factor, the minimum fraction of known points required to propagate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--path is required")
	}

	var specs []string
	aggregation := *aggName
	xffValue := *xff

	switch {
	case *preset != "":
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		p, ok := cfg.Presets[*preset]
		if !ok {
			return fmt.Errorf("no preset named %q in %s", *preset, *configPath)
		}
		specs = p.Specs
		if p.Aggregation != "" {
			aggregation = p.Aggregation
		}
		if p.XFilesFactor != 0 {
			xffValue = p.XFilesFactor
		}
	case *retention != "":
		specs = strings.Split(*retention, ",")
	default:
		return fmt.Errorf("either --retention or --preset is required")
	}

	s, err := schema.ParseRetentionSpecs(specs)
	if err != nil {
		return err
	}
	agg, err := aggregationFromName(aggregation)
	if err != nil {
		return err
	}

	e, err := wsp.Create(*path, s, agg, xffValue)
	if err != nil {
		return err
	}
	defer e.Close()

	fmt.Printf("created %s (%s, %d archives)\n", *path, humanize.Bytes(s.SizeOnDisk()), len(s.Policies))
	return nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	path := fs.String("path", "", "path to an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--path is required")
	}

	e, err := wsp.Open(*path)
	if err != nil {
		return err
	}
	defer e.Close()

	hdr := e.Header()
	fmt.Printf("aggregation: %s\n", hdr.Static.AggregationMethod)
	fmt.Printf("max retention: %s\n", humanize.RelTime(time.Now(), time.Now().Add(time.Duration(hdr.Static.MaxRetention)*time.Second), "", ""))
	fmt.Printf("x-files-factor: %v\n", hdr.Static.XFilesFactor)
	fmt.Printf("archives: %d\n", len(hdr.Archives))
	for i, info := range hdr.Archives {
		fmt.Printf("  [%d] %ds/point, %d points, retention %s, size %s\n",
			i, info.SecondsPerPoint, info.Points,
			humanize.RelTime(time.Now(), time.Now().Add(time.Duration(info.SecondsPerPoint*info.Points)*time.Second), "", ""),
			humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

func runWrite(args []string) error {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	path := fs.String("path", "", "path to an existing file")
	ts := fs.Uint32("ts", 0, "timestamp, seconds since epoch (0 = now)")
	value := fs.Float64("value", 0, "value to write")
	now := fs.Uint32("now", 0, "wall-clock time to use for cascade admission (0 = actual now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--path is required")
	}

	e, err := wsp.Open(*path)
	if err != nil {
		return err
	}
	defer e.Close()

	timestamp := *ts
	if timestamp == 0 {
		timestamp = uint32(time.Now().Unix())
	}
	p := wpoint.Point{Timestamp: timestamp, Value: *value}

	if *now != 0 {
		return e.WriteAt(p, *now)
	}
	return e.Write(p)
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	path := fs.String("path", "", "path to an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--path is required")
	}

	e, err := wsp.Open(*path)
	if err != nil {
		return err
	}
	defer e.Close()

	all, err := e.ReadAll()
	if err != nil {
		return err
	}
	for i, points := range all {
		fmt.Printf("archive %d:\n", i)
		for _, p := range points {
			fmt.Printf("  %d\t%s\n", p.Timestamp, strconv.FormatFloat(p.Value, 'g', -1, 64))
		}
	}
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	path := fs.String("path", "", "path to an existing file")
	out := fs.String("out", "", "path to write JSON export to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *out == "" {
		return fmt.Errorf("--path and --out are required")
	}

	e, err := wsp.Open(*path)
	if err != nil {
		return err
	}
	defer e.Close()

	var buf bytes.Buffer
	if err := e.Export(&buf); err != nil {
		return err
	}

	// Crash-safe: write to a temp file and rename into place, so a
	// failed export never leaves a half-written file at --out.
	return atomic.WriteFile(*out, &buf)
}
