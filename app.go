package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/kwv/roofmesh/footprint"
)

// App encapsulates the application state and dependencies
type App struct {
	Options    AppOptions
	Config     *footprint.Config
	Ledger     *footprint.Ledger
	MQTTClient mqtt.Client
	Publisher  *footprint.Publisher

	// Worker mode protocol streams.
	Stdin  io.Reader
	Stdout io.Writer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Publisher: footprint.NewPublisher(nil, ""),
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Options = opts
}

// loadConfig builds the effective configuration: defaults, then the config
// file, then the environment, then flags.
func (a *App) loadConfig() (*footprint.Config, error) {
	if err := footprint.LoadEnvFile(a.Options.EnvFile); err != nil {
		return nil, &footprint.ConfigurationError{Field: "env", Reason: err.Error()}
	}

	cfg := footprint.DefaultConfig()
	if a.Options.ConfigFile != "" {
		loaded, err := footprint.LoadConfig(a.Options.ConfigFile)
		if err != nil {
			var cfgErr *footprint.ConfigurationError
			if errors.As(err, &cfgErr) {
				return nil, err
			}
			return nil, &footprint.ConfigurationError{Field: "config", Reason: err.Error()}
		}
		cfg = loaded
		log.Printf("Loaded config from %s", a.Options.ConfigFile)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	a.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a.Config = cfg
	return cfg, nil
}

func (a *App) applyFlags(cfg *footprint.Config) {
	o := a.Options
	if o.Dataset != "" {
		cfg.Dataset = o.Dataset
	}
	if o.OutputFile != "" {
		cfg.Output.Buildings = o.OutputFile
	}
	if o.SpoolFile != "" {
		cfg.Output.Spool = o.SpoolFile
	}
	if o.LedgerFile != "" {
		cfg.Output.Ledger = o.LedgerFile
	}
	if o.PreviewFile != "" {
		cfg.Output.Preview = o.PreviewFile
	}
	if o.TileSize != 0 {
		cfg.Tiling.TileSize = o.TileSize
	}
	if o.CropOverlap != 0 {
		cfg.Tiling.CropOverlap = o.CropOverlap
	}
	if o.BufferDistance != 0 {
		cfg.Merge.BufferDistance = o.BufferDistance
	}
	if o.Hull != "" {
		cfg.Footprint.Hull = o.Hull
	}
	if o.Workers != 0 {
		cfg.Workers.Count = o.Workers
	}
	if o.WorkerMode != "" {
		cfg.Workers.Mode = o.WorkerMode
	}
	if o.HttpPort != 0 {
		cfg.HTTP.Port = o.HttpPort
	}
}

// tilePlan is the dataset extent and its tiles.
type tilePlan struct {
	Meta    footprint.DatasetMeta
	Extent  footprint.BoundingBox
	Tiles   []footprint.Tile
	PlanKey string
}

func planTiles(cfg *footprint.Config) (*tilePlan, error) {
	if cfg.Dataset == "" {
		return nil, &footprint.ConfigurationError{Field: "dataset", Reason: "is required (--dataset or ROOFMESH_DATASET)"}
	}
	ds, err := footprint.OpenDataset(cfg.Dataset)
	if err != nil {
		return nil, err
	}
	defer ds.Close()

	meta := ds.Meta()
	extent, err := footprint.DatasetExtent(ds)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckTileBudget(meta); err != nil {
		return nil, err
	}
	tiles, err := footprint.Partition(extent, cfg.Tiling.TileSize)
	if err != nil {
		return nil, err
	}
	tiles = footprint.WithOverlap(tiles, cfg.Tiling.CropOverlap)
	return &tilePlan{
		Meta:    meta,
		Extent:  extent,
		Tiles:   tiles,
		PlanKey: footprint.PlanKey(cfg.Dataset, extent, cfg.Tiling.TileSize, cfg.Tiling.CropOverlap),
	}, nil
}

// RunExtent prints the dataset extent and the tile plan.
func (a *App) RunExtent(out io.Writer) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	plan, err := planTiles(cfg)
	if err != nil {
		return err
	}

	cols, rows := 0, 0
	for _, t := range plan.Tiles {
		cols = max(cols, t.I+1)
		rows = max(rows, t.J+1)
	}
	fmt.Fprintf(out, "Dataset: %s (%s", plan.Meta.Path, plan.Meta.Format)
	if plan.Meta.PointCount > 0 {
		fmt.Fprintf(out, ", %s points", humanize.Comma(int64(plan.Meta.PointCount)))
	}
	fmt.Fprintln(out, ")")
	fmt.Fprintf(out, "Extent: %s (%.2f x %.2f)\n", plan.Extent, plan.Extent.Width(), plan.Extent.Height())
	fmt.Fprintf(out, "Tiles: %d (%d x %d) of size %g, overlap %g\n",
		len(plan.Tiles), cols, rows, cfg.Tiling.TileSize, cfg.Tiling.CropOverlap)
	fmt.Fprintf(out, "Plan: %s\n\n", plan.PlanKey)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOL\tROW\tBOUNDS")
	for _, t := range plan.Tiles {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", t.ID, t.I, t.J, t.Bounds)
	}
	return tw.Flush()
}

// RunMergeOnly merges an existing spool into the buildings file.
func (a *App) RunMergeOnly(out io.Writer) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()

	fps, err := footprint.ReadSpool(cfg.Output.Spool)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Read %s footprints from %s\n", humanize.Comma(int64(len(fps))), cfg.Output.Spool)

	buildings, err := a.mergeAndExport(cfg, fps, out)
	if err != nil {
		return err
	}
	if cfg.Output.Preview != "" {
		if err := writePreview(cfg.Output.Preview, buildingsExtent(buildings), nil, nil, buildings); err != nil {
			return err
		}
		fmt.Fprintf(out, "Preview: %s\n", cfg.Output.Preview)
	}
	fmt.Fprintf(out, "Elapsed: %s\n", humanDuration(time.Since(start)))
	return nil
}

// RunWorker serves tiles on stdin/stdout for a coordinator process.
func (a *App) RunWorker() error {
	// The coordinator owns Ctrl-C; it tears workers down itself.
	signal.Ignore(os.Interrupt)
	if err := footprint.BindToParent(); err != nil {
		log.Printf("Warning: could not bind worker to parent: %v", err)
	}
	return footprint.ServeWorker(context.Background(), a.Stdin, a.Stdout, footprint.NativeWorkerFactory)
}

// RunPipeline tiles the dataset, processes every tile on the worker pool,
// merges the footprints and writes the outputs. SIGINT, SIGHUP or SIGTERM aborts
// the run and tears the pool down.
func (a *App) RunPipeline(out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer stop()
	return a.runPipeline(ctx, out)
}

func (a *App) runPipeline(ctx context.Context, out io.Writer) error {
	start := time.Now()
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	plan, err := planTiles(cfg)
	if err != nil {
		return err
	}
	if a.Options.Resume && cfg.Output.Ledger == "" {
		return &footprint.ConfigurationError{Field: "output.ledger", Reason: "--resume needs a ledger"}
	}
	log.Printf("[plan] %s: %d tiles over %s", cfg.Dataset, len(plan.Tiles), plan.Extent)

	if cfg.Output.Ledger != "" {
		l, err := footprint.OpenLedger(cfg.Output.Ledger)
		if err != nil {
			return err
		}
		a.Ledger = l
		defer func() {
			a.Ledger.Close()
			a.Ledger = nil
		}()
	}

	resumed := map[int]footprint.TileOutcome{}
	if a.Options.Resume {
		if resumed, err = a.resumableTiles(cfg, plan); err != nil {
			return err
		}
	}

	if cfg.MQTT.Broker != "" {
		a.MQTTClient = footprint.ConnectMQTT(cfg.MQTT)
		defer footprint.DisconnectMQTT(a.MQTTClient)
	}
	a.Publisher = footprint.NewPublisher(a.MQTTClient, cfg.MQTT.PublishPrefix)

	if a.Options.HttpMode {
		srv := a.startHTTP(cfg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("[HTTP] Shutdown error: %v", err)
			}
		}()
	}

	spool, err := footprint.CreateSpool(cfg.Output.Spool)
	if err != nil {
		return err
	}
	// Committed even when the run aborts, so --resume can reuse it.
	defer spool.Close()

	runID := uuid.New().String()
	if a.Ledger != nil {
		if runID, err = a.Ledger.BeginRun(cfg.Dataset, plan.PlanKey, len(plan.Tiles)); err != nil {
			spool.Abort()
			return err
		}
	}
	a.Publisher.RunStarted(runID, cfg.Dataset, len(plan.Tiles))

	statuses := &statusSink{status: make(map[int]footprint.TileStatus, len(plan.Tiles))}
	sink := footprint.MultiSink{spool, statuses, a.Publisher}
	if a.Ledger != nil {
		sink = append(sink, a.Ledger)
	}

	var todo []footprint.Tile
	var pre footprint.RunSummary
	for _, t := range plan.Tiles {
		outcome, ok := resumed[t.ID]
		if !ok {
			todo = append(todo, t)
			continue
		}
		if err := sink.Append(outcome); err != nil {
			return a.abort(spool, pre, start, err)
		}
		if len(outcome.Footprints) == 0 {
			pre.Empty++
		} else {
			pre.Succeeded++
			pre.Footprints += len(outcome.Footprints)
		}
	}
	if len(resumed) > 0 {
		fmt.Fprintf(out, "Resuming: %d of %d tiles already done\n", len(resumed), len(plan.Tiles))
	}

	orch := &footprint.Orchestrator{
		Spawner:  a.spawner(cfg),
		PoolSize: cfg.PoolSize(),
		Sink:     sink,
	}
	summary, runErr := orch.Run(ctx, todo)
	summary.Total = len(plan.Tiles)
	summary.Succeeded += pre.Succeeded
	summary.Empty += pre.Empty
	summary.Footprints += pre.Footprints
	if runErr != nil {
		return a.abort(spool, summary, start, runErr)
	}

	if err := spool.Close(); err != nil {
		return err
	}
	fps, err := footprint.ReadSpool(cfg.Output.Spool)
	if err != nil {
		return err
	}
	buildings, err := a.mergeAndExport(cfg, fps, out)
	if err != nil {
		return err
	}

	if cfg.Output.Preview != "" {
		if err := writePreview(cfg.Output.Preview, plan.Extent, plan.Tiles, statuses.snapshot(), buildings); err != nil {
			log.Printf("Warning: %v", err)
		} else {
			fmt.Fprintf(out, "Preview: %s\n", cfg.Output.Preview)
		}
	}

	elapsed := time.Since(start)
	status := footprint.RunStatusFor(summary, nil)
	if a.Ledger != nil {
		if err := a.Ledger.FinishRun(status, summary, len(buildings), nil); err != nil {
			log.Printf("[ledger] %v", err)
		}
	}
	a.Publisher.RunFinished(status, len(buildings), elapsed, nil)
	printSummary(out, summary, len(resumed), elapsed)

	if summary.HasFailures() {
		return fmt.Errorf("%w: %d of %d tiles failed", errTileFailures, summary.Failed, summary.Total)
	}
	return nil
}

// abort records an aborted run and returns err wrapped for the exit code.
func (a *App) abort(spool *footprint.Spool, summary footprint.RunSummary, start time.Time, err error) error {
	if cerr := spool.Close(); cerr != nil {
		log.Printf("Warning: closing spool: %v", cerr)
	}
	elapsed := time.Since(start)
	if a.Ledger != nil {
		if ferr := a.Ledger.FinishRun(footprint.RunAborted, summary, 0, err); ferr != nil {
			log.Printf("[ledger] %v", ferr)
		}
	}
	a.Publisher.RunFinished(footprint.RunAborted, 0, elapsed, err)
	log.Printf("Run aborted after %s: %d of %d tiles done", humanDuration(elapsed), summary.Completed(), summary.Total)
	if errors.Is(err, footprint.ErrAborted) {
		return err
	}
	return fmt.Errorf("%w: %w", footprint.ErrAborted, err)
}

// resumableTiles returns the tiles the previous run of the same plan
// finished, with their footprints read back from its spool. A tile whose
// footprints are missing from the spool is processed again.
func (a *App) resumableTiles(cfg *footprint.Config, plan *tilePlan) (map[int]footprint.TileOutcome, error) {
	resumed := map[int]footprint.TileOutcome{}
	done, err := a.Ledger.CompletedTiles(cfg.Dataset, plan.PlanKey)
	if err != nil {
		return nil, err
	}
	if len(done) == 0 {
		log.Printf("[resume] no previous run for this plan; processing every tile")
		return resumed, nil
	}

	found := make(map[int][]footprint.TileFootprint)
	err = footprint.ScanSpool(cfg.Output.Spool, func(fp footprint.TileFootprint) error {
		if _, ok := done[fp.TileID]; ok {
			found[fp.TileID] = append(found[fp.TileID], fp)
		}
		return nil
	})
	if err != nil {
		log.Printf("[resume] cannot read previous spool %s: %v; processing every tile", cfg.Output.Spool, err)
		return resumed, nil
	}

	for _, t := range plan.Tiles {
		want, ok := done[t.ID]
		if !ok {
			continue
		}
		if got := len(found[t.ID]); got != want {
			log.Printf("[resume] tile %d: ledger has %d footprints, spool has %d; processing again", t.ID, want, got)
			continue
		}
		resumed[t.ID] = footprint.TileOutcome{Tile: t, Footprints: found[t.ID]}
	}
	log.Printf("[resume] %d tiles reused from the previous run", len(resumed))
	return resumed, nil
}

func (a *App) spawner(cfg *footprint.Config) footprint.Spawner {
	if cfg.Workers.Mode == footprint.WorkerModeInProcess {
		return footprint.NativeInProcessSpawner(cfg.Dataset, cfg.Params())
	}
	return &footprint.ProcessSpawner{
		Args:    []string{"--worker"},
		Dataset: cfg.Dataset,
		Params:  cfg.Params(),
	}
}

func (a *App) mergeAndExport(cfg *footprint.Config, fps []footprint.TileFootprint, out io.Writer) ([]footprint.MergedBuilding, error) {
	merger := footprint.NewMerger(cfg.Merge)
	buildings, report, err := merger.MergeWithReport(fps)
	if err != nil {
		return nil, err
	}
	for _, s := range report.Skipped {
		fmt.Fprintf(out, "Skipped footprint: %v\n", s)
	}
	if err := footprint.WriteBuildingsFile(cfg.Output.Buildings, buildings); err != nil {
		return nil, err
	}
	size := ""
	if info, err := os.Stat(cfg.Output.Buildings); err == nil {
		size = fmt.Sprintf(" (%s)", humanize.Bytes(uint64(info.Size())))
	}
	fmt.Fprintf(out, "Buildings: %s -> %s%s\n", humanize.Comma(int64(len(buildings))), cfg.Output.Buildings, size)
	return buildings, nil
}

func (a *App) startHTTP(cfg *footprint.Config) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", cfg.HTTP.Port),
		Handler:           newHTTPServer(a.Publisher, cfg.Output.Buildings),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[HTTP] Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[HTTP] Server error: %v", err)
		}
	}()
	return srv
}

func writePreview(path string, extent footprint.BoundingBox, tiles []footprint.Tile,
	status map[int]footprint.TileStatus, buildings []footprint.MergedBuilding) error {
	p := footprint.NewPreview(extent, tiles, status, buildings)
	if err := p.WriteFile(path); err != nil {
		return fmt.Errorf("writing preview: %w", err)
	}
	return nil
}

func buildingsExtent(buildings []footprint.MergedBuilding) footprint.BoundingBox {
	if len(buildings) == 0 {
		return footprint.BoundingBox{}
	}
	b := buildings[0].Geometry.Bound()
	for _, bl := range buildings[1:] {
		b = b.Union(bl.Geometry.Bound())
	}
	return boxFromBound(b)
}

func boxFromBound(b orb.Bound) footprint.BoundingBox {
	return footprint.BoundingBox{MinX: b.Min[0], MinY: b.Min[1], MaxX: b.Max[0], MaxY: b.Max[1]}
}

// statusSink remembers the status of every tile for the preview.
type statusSink struct {
	mu     sync.Mutex
	status map[int]footprint.TileStatus
}

func (s *statusSink) Append(out footprint.TileOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[out.Tile.ID] = out.Status()
	return nil
}

func (s *statusSink) snapshot() map[int]footprint.TileStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[int]footprint.TileStatus, len(s.status))
	for k, v := range s.status {
		m[k] = v
	}
	return m
}

func printSummary(out io.Writer, s footprint.RunSummary, resumed int, elapsed time.Duration) {
	fmt.Fprintf(out, "Tiles: %d total, %d ok, %d empty, %d failed", s.Total, s.Succeeded, s.Empty, s.Failed)
	if resumed > 0 {
		fmt.Fprintf(out, " (%d resumed)", resumed)
	}
	fmt.Fprintln(out)
	failures := append([]footprint.TileFailure(nil), s.Failures...)
	sort.Slice(failures, func(i, j int) bool { return failures[i].TileID < failures[j].TileID })
	for _, f := range failures {
		fmt.Fprintf(out, "  tile %d: %v\n", f.TileID, f.Err)
	}
	fmt.Fprintf(out, "Footprints: %s\n", humanize.Comma(int64(s.Footprints)))
	fmt.Fprintf(out, "Elapsed: %s\n", humanDuration(elapsed))
}

// humanDuration formats d as "1h 02m 03s", "2m 05s" or "4.2s".
func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	s := int(d%time.Minute) / int(time.Second)
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	return fmt.Sprintf("%dm %02ds", m, s)
}
