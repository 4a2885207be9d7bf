package footprint

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete run configuration, loaded from YAML and then
// overridden by environment variables and CLI flags.
type Config struct {
	Dataset   string          `yaml:"dataset"`
	Output    OutputConfig    `yaml:"output"`
	Tiling    TilingConfig    `yaml:"tiling"`
	Filter    FilterConfig    `yaml:"filter"`
	Ground    GroundConfig    `yaml:"ground"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Footprint FootprintConfig `yaml:"footprint"`
	Merge     MergeConfig     `yaml:"merge"`
	Workers   WorkersConfig   `yaml:"workers"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// OutputConfig lists the files a run writes. Empty Ledger and Preview
// disable those outputs.
type OutputConfig struct {
	Buildings string `yaml:"buildings"`
	Spool     string `yaml:"spool"`
	Ledger    string `yaml:"ledger"`
	Preview   string `yaml:"preview"`
}

type TilingConfig struct {
	TileSize      float64 `yaml:"tile_size"`
	CropOverlap   float64 `yaml:"crop_overlap"`
	MaxTilePoints int     `yaml:"max_tile_points"`
	MaxTileArea   float64 `yaml:"max_tile_area"`
	MaxTiles      int     `yaml:"max_tiles"`
}

type FilterConfig struct {
	HeightThreshold float64 `yaml:"height_threshold" json:"height_threshold"`
	MinTilePoints   int     `yaml:"min_tile_points" json:"min_tile_points"`
	DropClasses     []int   `yaml:"drop_classes" json:"drop_classes,omitempty"`
	KeepClasses     []int   `yaml:"keep_classes" json:"keep_classes,omitempty"`
}

// GroundConfig drives the grid-minimum ground classifier.
type GroundConfig struct {
	CellSize  float64 `yaml:"cell_size" json:"cell_size"`
	Window    float64 `yaml:"window" json:"window"`
	Slope     float64 `yaml:"slope" json:"slope"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

type ClusterConfig struct {
	Tolerance float64 `yaml:"cluster_tolerance" json:"cluster_tolerance"`
	MinSize   int     `yaml:"min_cluster_size" json:"min_cluster_size"`
	MaxSize   int     `yaml:"max_cluster_size" json:"max_cluster_size"`
}

// FootprintConfig picks how clusters are outlined. Alpha is the grid cell
// size of concave outlines and should exceed the point spacing.
type FootprintConfig struct {
	MinBuildingArea float64 `yaml:"min_building_area" json:"min_building_area"`
	Hull            string  `yaml:"hull" json:"hull,omitempty"`
	Alpha           float64 `yaml:"alpha" json:"alpha,omitempty"`
}

type MergeConfig struct {
	BufferDistance    float64 `yaml:"buffer_distance"`
	SimplifyTolerance float64 `yaml:"simplify_tolerance"`
	QuadrantSegments  int     `yaml:"quadrant_segments"`
}

type WorkersConfig struct {
	Count int    `yaml:"worker_count"`
	Mode  string `yaml:"mode"`
}

type MQTTConfig struct {
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	PublishPrefix string `yaml:"publish_prefix"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Outline kinds.
const (
	HullConvex  = "convex"
	HullConcave = "concave"
)

// Worker modes.
const (
	WorkerModeProcess   = "process"
	WorkerModeInProcess = "inprocess"
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Output: OutputConfig{
			Buildings: "buildings_merged.geojson",
			Spool:     "tile_footprints.geojson",
		},
		Tiling: TilingConfig{
			TileSize:      50,
			MaxTilePoints: 20_000_000,
			MaxTiles:      250_000,
		},
		Filter: FilterConfig{
			HeightThreshold: 2.0,
			MinTilePoints:   100,
		},
		Ground: GroundConfig{
			CellSize:  1.0,
			Window:    16.0,
			Slope:     0.15,
			Threshold: 0.5,
		},
		Cluster: ClusterConfig{
			Tolerance: 1.5,
			MinSize:   100,
			MaxSize:   50000,
		},
		Footprint: FootprintConfig{
			MinBuildingArea: 10,
			Hull:            HullConvex,
			Alpha:           1.0,
		},
		Merge: MergeConfig{
			BufferDistance:   1.0,
			QuadrantSegments: 8,
		},
		Workers: WorkersConfig{Mode: WorkerModeProcess},
		MQTT:    MQTTConfig{PublishPrefix: "roofmesh"},
		HTTP:    HTTPConfig{Port: 8080},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. It does not validate;
// call Validate once every override has been applied.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("parsing config YAML: %v", err)}
	}
	return config, nil
}

// SaveConfig writes the configuration as YAML.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides config values from ROOFMESH_* and MQTT_* variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("ROOFMESH_DATASET"); v != "" {
		c.Dataset = v
	}
	if v := os.Getenv("ROOFMESH_OUTPUT"); v != "" {
		c.Output.Buildings = v
	}
	if v := os.Getenv("ROOFMESH_WORKER_MODE"); v != "" {
		c.Workers.Mode = v
	}
	if err := envFloat("ROOFMESH_TILE_SIZE", &c.Tiling.TileSize); err != nil {
		return err
	}
	if err := envFloat("ROOFMESH_BUFFER_DISTANCE", &c.Merge.BufferDistance); err != nil {
		return err
	}
	if err := envInt("ROOFMESH_WORKERS", &c.Workers.Count); err != nil {
		return err
	}

	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return configErrorf(key, "not a number: %q", v)
	}
	*dst = f
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return configErrorf(key, "not an integer: %q", v)
	}
	*dst = n
	return nil
}

// Validate checks every option that can be checked without opening the
// dataset. Errors are *ConfigurationError.
func (c *Config) Validate() error {
	positive := []struct {
		field string
		value float64
	}{
		{"tiling.tile_size", c.Tiling.TileSize},
		{"filter.height_threshold", c.Filter.HeightThreshold},
		{"footprint.min_building_area", c.Footprint.MinBuildingArea},
		{"cluster.cluster_tolerance", c.Cluster.Tolerance},
		{"merge.buffer_distance", c.Merge.BufferDistance},
		{"ground.cell_size", c.Ground.CellSize},
		{"ground.window", c.Ground.Window},
		{"ground.threshold", c.Ground.Threshold},
	}
	for _, p := range positive {
		if math.IsNaN(p.value) || math.IsInf(p.value, 0) || p.value <= 0 {
			return configErrorf(p.field, "must be a positive number, got %v", p.value)
		}
	}

	if c.Cluster.MinSize <= 0 {
		return configErrorf("cluster.min_cluster_size", "must be positive, got %d", c.Cluster.MinSize)
	}
	if c.Cluster.MaxSize != 0 && c.Cluster.MaxSize < c.Cluster.MinSize {
		return configErrorf("cluster.max_cluster_size", "%d is below min_cluster_size %d",
			c.Cluster.MaxSize, c.Cluster.MinSize)
	}
	if c.Filter.MinTilePoints < 0 {
		return configErrorf("filter.min_tile_points", "must not be negative")
	}
	if c.Ground.Slope < 0 {
		return configErrorf("ground.slope", "must not be negative")
	}
	if c.Ground.Window < c.Ground.CellSize {
		return configErrorf("ground.window", "%.2f is smaller than cell_size %.2f", c.Ground.Window, c.Ground.CellSize)
	}
	if c.Tiling.CropOverlap < 0 || c.Tiling.CropOverlap >= c.Tiling.TileSize/2 {
		return configErrorf("tiling.crop_overlap", "must be in [0, tile_size/2)")
	}
	if c.Tiling.MaxTilePoints < 0 {
		return configErrorf("tiling.max_tile_points", "must not be negative")
	}
	if c.Tiling.MaxTiles < 0 || c.Tiling.MaxTiles > MaxTiles {
		return configErrorf("tiling.max_tiles", "must be in [0, %d], got %d", MaxTiles, c.Tiling.MaxTiles)
	}
	if c.Tiling.MaxTileArea > 0 && c.Tiling.TileSize*c.Tiling.TileSize > c.Tiling.MaxTileArea {
		return configErrorf("tiling.tile_size", "tile area %.1f m² exceeds max_tile_area %.1f m²",
			c.Tiling.TileSize*c.Tiling.TileSize, c.Tiling.MaxTileArea)
	}
	switch c.Footprint.Hull {
	case HullConvex:
	case HullConcave:
		if math.IsNaN(c.Footprint.Alpha) || math.IsInf(c.Footprint.Alpha, 0) || c.Footprint.Alpha <= 0 {
			return configErrorf("footprint.alpha", "must be a positive number, got %v", c.Footprint.Alpha)
		}
	default:
		return configErrorf("footprint.hull", "unknown outline %q (want %s or %s)",
			c.Footprint.Hull, HullConvex, HullConcave)
	}
	if c.Merge.SimplifyTolerance < 0 {
		return configErrorf("merge.simplify_tolerance", "must not be negative")
	}
	if c.Merge.QuadrantSegments < 1 {
		return configErrorf("merge.quadrant_segments", "must be at least 1")
	}
	if c.Workers.Count < 0 {
		return configErrorf("workers.worker_count", "must not be negative")
	}
	switch c.Workers.Mode {
	case WorkerModeProcess, WorkerModeInProcess:
	default:
		return configErrorf("workers.mode", "unknown mode %q (want %s or %s)",
			c.Workers.Mode, WorkerModeProcess, WorkerModeInProcess)
	}
	if c.Output.Spool == "" {
		return configErrorf("output.spool", "is required")
	}
	if c.Output.Buildings == "" {
		return configErrorf("output.buildings", "is required")
	}
	return nil
}

// CheckTileBudget rejects plans with more than max_tiles tiles, or whose
// tiles would hold more points than a worker may read, using the point
// density from the dataset header.
func (c *Config) CheckTileBudget(meta DatasetMeta) error {
	if c.Tiling.MaxTiles > 0 && meta.Bounds.Valid() && c.Tiling.TileSize > 0 {
		n := math.Ceil(meta.Bounds.Width()/c.Tiling.TileSize) * math.Ceil(meta.Bounds.Height()/c.Tiling.TileSize)
		if n > float64(c.Tiling.MaxTiles) {
			return configErrorf("tiling.tile_size", "about %.0f tiles exceeds max_tiles %d", n, c.Tiling.MaxTiles)
		}
	}
	if c.Tiling.MaxTilePoints == 0 || meta.PointCount == 0 || !meta.Bounds.Valid() {
		return nil
	}
	density := float64(meta.PointCount) / meta.Bounds.Area()
	side := c.Tiling.TileSize + 2*c.Tiling.CropOverlap
	estimate := density * side * side
	if estimate > float64(c.Tiling.MaxTilePoints) {
		return configErrorf("tiling.tile_size", "about %.0f points per tile exceeds max_tile_points %d",
			estimate, c.Tiling.MaxTilePoints)
	}
	return nil
}

// PoolSize resolves the configured worker count.
func (c *Config) PoolSize() int {
	if c.Workers.Count > 0 {
		return c.Workers.Count
	}
	return DefaultPoolSize()
}

// DefaultPoolSize leaves two cores for the coordinator and the OS.
func DefaultPoolSize() int {
	return max(1, runtime.NumCPU()-2)
}

// Params extracts the per-tile parameters shipped to workers.
func (c *Config) Params() Params {
	return Params{
		Filter:        c.Filter,
		Ground:        c.Ground,
		Cluster:       c.Cluster,
		Footprint:     c.Footprint,
		MaxTilePoints: c.Tiling.MaxTilePoints,
	}
}

// Params is everything a TileWorker needs besides the dataset and tile.
type Params struct {
	Filter        FilterConfig    `json:"filter"`
	Ground        GroundConfig    `json:"ground"`
	Cluster       ClusterConfig   `json:"cluster"`
	Footprint     FootprintConfig `json:"footprint"`
	MaxTilePoints int             `json:"max_tile_points"`
}
