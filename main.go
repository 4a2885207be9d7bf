package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/roofmesh/footprint"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Exit codes.
const (
	exitOK           = 0
	exitAborted      = 1
	exitConfig       = 2
	exitTileFailures = 3
)

// errTileFailures is returned when every tile has an outcome but some of
// them failed. The buildings file is still written.
var errTileFailures = errors.New("completed with tile failures")

var errUsage = errors.New("usage")

// AppOptions carries the command line. Zero values mean "not given", so the
// config file and environment keep their values.
type AppOptions struct {
	ConfigFile     string
	EnvFile        string
	Dataset        string
	OutputFile     string
	SpoolFile      string
	LedgerFile     string
	PreviewFile    string
	TileSize       float64
	CropOverlap    float64
	BufferDistance float64
	Hull           string
	Workers        int
	WorkerMode     string
	HttpPort       int
	HttpMode       bool
	Resume         bool
	MergeOnly      bool
	ExtentOnly     bool
	WorkerProcess  bool
}

// AppRunner is what run drives; App implements it.
type AppRunner interface {
	ApplyOptions(opts AppOptions)
	RunWorker() error
	RunExtent(out io.Writer) error
	RunMergeOnly(out io.Writer) error
	RunPipeline(out io.Writer) error
}

func main() {
	err := run(os.Args[1:], os.Stdout, NewApp())
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		log.Printf("Error: %v", err)
	}
	os.Exit(exitCode(err))
}

func run(args []string, out io.Writer, app AppRunner) error {
	fs := flag.NewFlagSet("roofmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to YAML configuration file")
	fs.StringVar(&opts.EnvFile, "env", ".env", "Path to .env file (ignored when missing)")
	fs.StringVar(&opts.Dataset, "dataset", "", "Point cloud file (.las, .xyz, .csv)")
	fs.StringVar(&opts.OutputFile, "output", "", "Merged buildings GeoJSON file")
	fs.StringVar(&opts.SpoolFile, "spool", "", "Per-tile footprints file (.geojson or .geojson.zst)")
	fs.StringVar(&opts.LedgerFile, "ledger", "", "SQLite tile ledger (enables --resume)")
	fs.StringVar(&opts.PreviewFile, "preview", "", "Write an SVG or PNG preview of tiles and buildings")
	fs.Float64Var(&opts.TileSize, "tile-size", 0, "Tile edge length in dataset units")
	fs.Float64Var(&opts.CropOverlap, "overlap", 0, "Extra margin read around each tile")
	fs.Float64Var(&opts.BufferDistance, "buffer", 0, "Merge buffer distance")
	fs.StringVar(&opts.Hull, "hull", "", "Footprint outline: convex or concave")
	fs.IntVar(&opts.Workers, "workers", 0, "Worker pool size (default: CPUs - 2)")
	fs.StringVar(&opts.WorkerMode, "worker-mode", "", "Worker isolation: process or inprocess")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve run status over HTTP while running")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default 8080)")
	fs.BoolVar(&opts.Resume, "resume", false, "Skip tiles finished by the previous run of the same plan")
	fs.BoolVar(&opts.MergeOnly, "merge-only", false, "Merge an existing spool and exit")
	fs.BoolVar(&opts.ExtentOnly, "extent", false, "Print the dataset extent and tile plan and exit")
	fs.BoolVar(&opts.WorkerProcess, "worker", false, "Run as a tile worker on stdin/stdout (internal)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}
	if opts.ExtentOnly && opts.MergeOnly {
		return fmt.Errorf("%w: --extent and --merge-only are exclusive", errUsage)
	}
	app.ApplyOptions(opts)

	// stdout belongs to the protocol in worker mode.
	if opts.WorkerProcess {
		return app.RunWorker()
	}

	fmt.Fprintf(out, "roofmesh version: %s\n", Version)

	switch {
	case opts.ExtentOnly:
		return app.RunExtent(out)
	case opts.MergeOnly:
		return app.RunMergeOnly(out)
	default:
		return app.RunPipeline(out)
	}
}

func exitCode(err error) int {
	var cfgErr *footprint.ConfigurationError
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, errTileFailures):
		return exitTileFailures
	case errors.As(err, &cfgErr), errors.Is(err, errUsage):
		return exitConfig
	default:
		return exitAborted
	}
}
