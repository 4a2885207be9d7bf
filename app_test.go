package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/roofmesh/footprint"
)

// mainEnv makes the test binary behave like the roofmesh binary, so the
// process worker pool can start copies of it with --worker.
const mainEnv = "ROOFMESH_TEST_MAIN"

func TestMain(m *testing.M) {
	if os.Getenv(mainEnv) != "" {
		os.Exit(exitCode(run(os.Args[1:], os.Stdout, NewApp())))
	}
	os.Exit(m.Run())
}

// writeScene writes a 40x40 CSV scene with a ground plane every 0.5 m and
// two flat roofs 6 m high: one straddling the x=20 tile edge, one inside
// the top-left tile.
func writeScene(t *testing.T, dir string) string {
	t.Helper()
	roofs := []footprint.BoundingBox{
		{MinX: 15, MinY: 5, MaxX: 25, MaxY: 15},
		{MinX: 5, MinY: 28, MaxX: 12, MaxY: 35},
	}
	var b strings.Builder
	b.WriteString("X,Y,Z,Classification\n")
	for i := 0; i <= 80; i++ {
		for j := 0; j <= 80; j++ {
			x, y := float64(i)*0.5, float64(j)*0.5
			z, class := 100.0, 2
			for _, r := range roofs {
				if r.Contains(x, y) {
					z, class = 106, 6
					break
				}
			}
			fmt.Fprintf(&b, "%g,%g,%g,%d\n", x, y, z, class)
		}
	}
	path := filepath.Join(dir, "scene.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

// newTestApp returns an App whose outputs all live in dir.
func newTestApp(dir, dataset string) *App {
	app := NewApp()
	app.ApplyOptions(AppOptions{
		Dataset:    dataset,
		OutputFile: filepath.Join(dir, "buildings.geojson"),
		SpoolFile:  filepath.Join(dir, "tiles.geojson"),
		LedgerFile: filepath.Join(dir, "ledger.db"),
		TileSize:   20,
		Workers:    2,
		WorkerMode: footprint.WorkerModeInProcess,
	})
	return app
}

func quiet(t *testing.T) {
	footprint.SetLogger(nil)
	t.Cleanup(func() { footprint.SetLogger(log.Printf) })
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	require.NotNil(t, app)
	assert.NotNil(t, app.Publisher, "Publisher backs /status before a run starts")
	assert.Equal(t, "idle", app.Publisher.Progress().Status)
}

func TestLoadConfig_Layering(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "roofmesh.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("dataset: from-file.las\ntiling:\n  tile_size: 30\nmerge:\n  buffer_distance: 2\n"), 0644))
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("ROOFMESH_TILE_SIZE=40\n"), 0644))
	// godotenv does not override variables that are already set.
	t.Setenv("ROOFMESH_TILE_SIZE", "")
	os.Unsetenv("ROOFMESH_TILE_SIZE")

	tests := []struct {
		name     string
		opts     AppOptions
		tileSize float64
		buffer   float64
		dataset  string
	}{
		{"file only", AppOptions{ConfigFile: cfgPath}, 30, 2, "from-file.las"},
		{"env over file", AppOptions{ConfigFile: cfgPath, EnvFile: envPath}, 40, 2, "from-file.las"},
		{"flags over env", AppOptions{ConfigFile: cfgPath, EnvFile: envPath, TileSize: 25, Dataset: "flag.las"}, 25, 2, "flag.las"},
		{"defaults", AppOptions{}, 50, 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv("ROOFMESH_TILE_SIZE")
			app := NewApp()
			app.ApplyOptions(tt.opts)
			cfg, err := app.loadConfig()
			require.NoError(t, err)
			assert.Equal(t, tt.tileSize, cfg.Tiling.TileSize)
			assert.Equal(t, tt.buffer, cfg.Merge.BufferDistance)
			assert.Equal(t, tt.dataset, cfg.Dataset)
			assert.Same(t, cfg, app.Config)
		})
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tiling: [oops"), 0644))

	tests := []struct {
		name  string
		opts  AppOptions
		field string
	}{
		{"missing config file", AppOptions{ConfigFile: filepath.Join(dir, "nope.yaml")}, "config"},
		{"unparsable config file", AppOptions{ConfigFile: bad}, ""},
		{"negative tile size", AppOptions{TileSize: -5}, "tiling.tile_size"},
		{"unknown worker mode", AppOptions{WorkerMode: "threads"}, "workers.mode"},
		{"unknown hull", AppOptions{Hull: "alpha"}, "footprint.hull"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewApp()
			app.ApplyOptions(tt.opts)
			_, err := app.loadConfig()
			var cfgErr *footprint.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Equal(t, exitConfig, exitCode(err))
		})
	}
}

func TestRunExtent(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	app := newTestApp(dir, writeScene(t, dir))

	var out bytes.Buffer
	require.NoError(t, app.RunExtent(&out))
	s := out.String()
	assert.Contains(t, s, "6,561 points")
	assert.Contains(t, s, "Tiles: 4 (2 x 2) of size 20, overlap 0")
	assert.Contains(t, s, "Plan: ")
	assert.Equal(t, 4+1, strings.Count(s[strings.Index(s, "ID "):], "\n"), "header plus one line per tile")
}

func TestRunExtent_RequiresDataset(t *testing.T) {
	app := NewApp()
	err := app.RunExtent(&bytes.Buffer{})
	var cfgErr *footprint.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "dataset", cfgErr.Field)
}

func TestRunPipeline_InProcess(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	app := newTestApp(dir, writeScene(t, dir))
	app.Options.PreviewFile = filepath.Join(dir, "preview.svg")

	var out bytes.Buffer
	require.NoError(t, app.runPipeline(context.Background(), &out))

	buildings, err := footprint.LoadBuildingsFile(filepath.Join(dir, "buildings.geojson"))
	require.NoError(t, err)
	require.Len(t, buildings, 2)
	assert.InDelta(t, 49, buildings[0].Area, 0.5, "buildings are ordered west to east")

	fps, err := footprint.ReadSpool(filepath.Join(dir, "tiles.geojson"))
	require.NoError(t, err)
	assert.Len(t, fps, 3)

	assert.FileExists(t, filepath.Join(dir, "preview.svg"))
	s := out.String()
	assert.Contains(t, s, "Tiles: 4 total, 3 ok, 1 empty, 0 failed")
	assert.Contains(t, s, "Buildings: 2 -> ")
	assert.Contains(t, s, "Elapsed: ")

	pr := app.Publisher.Progress()
	assert.Equal(t, footprint.RunSucceeded, pr.Status)
	assert.Equal(t, 4, pr.Completed)
	assert.Equal(t, 2, pr.Buildings)

	l, err := footprint.OpenLedger(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	rec, err := l.Run(pr.RunID)
	require.NoError(t, err)
	assert.Equal(t, footprint.RunSucceeded, rec.Status)
	assert.Equal(t, 3, rec.Footprints)
	assert.Equal(t, 2, rec.Buildings)
}

func TestRunPipeline_Resume(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	dataset := writeScene(t, dir)

	first := newTestApp(dir, dataset)
	require.NoError(t, first.runPipeline(context.Background(), &bytes.Buffer{}))

	second := newTestApp(dir, dataset)
	second.Options.Resume = true
	var out bytes.Buffer
	require.NoError(t, second.runPipeline(context.Background(), &out))
	assert.Contains(t, out.String(), "Resuming: 4 of 4 tiles already done")
	assert.Contains(t, out.String(), "(4 resumed)")

	buildings, err := footprint.LoadBuildingsFile(filepath.Join(dir, "buildings.geojson"))
	require.NoError(t, err)
	assert.Len(t, buildings, 2)

	// The resumed run is complete in the ledger too, so it can be resumed again.
	l, err := footprint.OpenLedger(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	done, err := l.CompletedTiles(dataset, footprint.PlanKey(dataset, footprint.BoundingBox{MaxX: 40, MaxY: 40}, 20, 0))
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1, 3: 0}, done)
}

func TestRunPipeline_ResumeWithoutSpool(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	dataset := writeScene(t, dir)

	require.NoError(t, newTestApp(dir, dataset).runPipeline(context.Background(), &bytes.Buffer{}))
	require.NoError(t, os.Remove(filepath.Join(dir, "tiles.geojson")))

	app := newTestApp(dir, dataset)
	app.Options.Resume = true
	var out bytes.Buffer
	require.NoError(t, app.runPipeline(context.Background(), &out))
	assert.NotContains(t, out.String(), "Resuming")
	assert.Contains(t, out.String(), "Tiles: 4 total, 3 ok, 1 empty, 0 failed")
}

func TestRunPipeline_ResumeNeedsLedger(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(dir, writeScene(t, dir))
	app.Options.LedgerFile = ""
	app.Options.Resume = true
	err := app.runPipeline(context.Background(), &bytes.Buffer{})
	assert.Equal(t, exitConfig, exitCode(err), "got %v", err)
}

func TestRunPipeline_Cancelled(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	app := newTestApp(dir, writeScene(t, dir))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := app.runPipeline(ctx, &bytes.Buffer{})
	require.ErrorIs(t, err, footprint.ErrAborted)
	assert.Equal(t, exitAborted, exitCode(err))
	assert.Equal(t, footprint.RunAborted, app.Publisher.Progress().Status)
	assert.NoFileExists(t, filepath.Join(dir, "buildings.geojson"))
	assert.FileExists(t, filepath.Join(dir, "tiles.geojson"), "partial spool is kept for --resume")
}

func TestRunPipeline_ProcessWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("starts worker processes")
	}
	quiet(t)
	t.Setenv(mainEnv, "1")
	dir := t.TempDir()
	app := newTestApp(dir, writeScene(t, dir))
	app.Options.WorkerMode = footprint.WorkerModeProcess

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, app.runPipeline(ctx, &bytes.Buffer{}))

	buildings, err := footprint.LoadBuildingsFile(filepath.Join(dir, "buildings.geojson"))
	require.NoError(t, err)
	assert.Len(t, buildings, 2)
}

func TestRunMergeOnly(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	spoolPath := filepath.Join(dir, "tiles.geojson.zst")
	spool, err := footprint.CreateSpool(spoolPath)
	require.NoError(t, err)
	for i, b := range []footprint.BoundingBox{
		{MinX: 15, MinY: 5, MaxX: 20, MaxY: 15},
		{MinX: 20, MinY: 5, MaxX: 25, MaxY: 15},
		{MinX: 50, MinY: 50, MaxX: 60, MaxY: 60},
	} {
		require.NoError(t, spool.WriteFootprints([]footprint.TileFootprint{{
			TileID: i, ClusterID: 1, Polygon: b.Polygon(), Area: b.Area(), PointCount: 100,
		}}))
	}
	require.NoError(t, spool.Close())

	app := NewApp()
	app.ApplyOptions(AppOptions{
		SpoolFile:   spoolPath,
		OutputFile:  filepath.Join(dir, "merged.geojson"),
		PreviewFile: filepath.Join(dir, "merged.svg"),
	})
	var out bytes.Buffer
	require.NoError(t, app.RunMergeOnly(&out))
	assert.Contains(t, out.String(), "Read 3 footprints")
	assert.Contains(t, out.String(), "Buildings: 2 -> ")

	buildings, err := footprint.LoadBuildingsFile(filepath.Join(dir, "merged.geojson"))
	require.NoError(t, err)
	assert.Len(t, buildings, 2)
	assert.FileExists(t, filepath.Join(dir, "merged.svg"))
}

func TestRunMergeOnly_MissingSpool(t *testing.T) {
	app := NewApp()
	app.ApplyOptions(AppOptions{SpoolFile: filepath.Join(t.TempDir(), "none.geojson")})
	assert.Error(t, app.RunMergeOnly(&bytes.Buffer{}))
}

func TestBuildingsExtent(t *testing.T) {
	assert.Equal(t, footprint.BoundingBox{}, buildingsExtent(nil))
	got := buildingsExtent([]footprint.MergedBuilding{
		{Geometry: footprint.BoundingBox{MinX: 1, MinY: 2, MaxX: 3, MaxY: 4}.Polygon()},
		{Geometry: footprint.BoundingBox{MinX: -1, MinY: 5, MaxX: 2, MaxY: 9}.Polygon()},
	})
	assert.Equal(t, footprint.BoundingBox{MinX: -1, MinY: 2, MaxX: 3, MaxY: 9}, got)
}

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{4200 * time.Millisecond, "4.2s"},
		{0, "0.0s"},
		{2*time.Minute + 5*time.Second, "2m 05s"},
		{time.Hour + 2*time.Minute + 3400*time.Millisecond, "1h 02m 03s"},
		{59*time.Minute + 59*time.Second + 700*time.Millisecond, "1h 00m 00s"},
	}
	for _, tt := range tests {
		if got := humanDuration(tt.in); got != tt.want {
			t.Errorf("humanDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, footprint.RunSummary{
		Total: 5, Succeeded: 2, Empty: 1, Failed: 2, Footprints: 1234,
		Failures: []footprint.TileFailure{
			{TileID: 4, Err: errors.New("too many points")},
			{TileID: 1, Err: errors.New("no ground")},
		},
	}, 1, 90*time.Second)

	want := "Tiles: 5 total, 2 ok, 1 empty, 2 failed (1 resumed)\n" +
		"  tile 1: no ground\n" +
		"  tile 4: too many points\n" +
		"Footprints: 1,234\n" +
		"Elapsed: 1m 30s\n"
	assert.Equal(t, want, out.String())
}
