package tuning

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"terrastream.ai/internal/stream/pixelenc"
	"terrastream.ai/internal/stream/texarray"
	"terrastream.ai/schemas"
)

var ErrInvalid = errors.New("invalid tuning")

type Tuning struct {
	FrameRateHz int `yaml:"frame_rate_hz"`

	Place       Place       `yaml:"place"`
	Camera      Camera      `yaml:"camera"`
	Projection  Projection  `yaml:"projection"`
	Elevation   Source      `yaml:"elevation"`
	Imagery     Source      `yaml:"imagery"`
	LOD         LOD         `yaml:"lod"`
	Feedback    Feedback    `yaml:"feedback"`
	WorkQueue   WorkQueue   `yaml:"workqueue"`
	Indirection Indirection `yaml:"indirection"`
	CycleLog    CycleLog    `yaml:"cycle_log"`
}

type Place struct {
	Lng float64 `yaml:"lng"`
	Lat float64 `yaml:"lat"`
}

// Camera is the top-down view the headless renderer draws.
type Camera struct {
	// ViewSize is the scene width covered by the view.
	ViewSize float64 `yaml:"view_size"`
	Distance float64 `yaml:"distance"`
}

type Projection struct {
	SceneScale   float64    `yaml:"scene_scale"`
	GlobalOffset [2]float64 `yaml:"global_offset"`
	HeightScale  float64    `yaml:"height_scale"`
	MinHeight    float64    `yaml:"min_height"`
	MaxHeight    float64    `yaml:"max_height"`
}

// Source configures one streamer and the tile source feeding it.
type Source struct {
	Kind        string `yaml:"source"` // http | s3 | mbtiles
	URLFormat   string `yaml:"url_format"`
	APIKey      string `yaml:"api_key"`
	S3          S3     `yaml:"s3"`
	MBTilesPath string `yaml:"mbtiles_path"`
	// CachePath, when set, keeps fetched tiles in an MBTiles file.
	CachePath string `yaml:"cache_path"`

	PoolSize      int    `yaml:"pool_size"`
	TileSize      int    `yaml:"tile_size"`
	MaxInFlight   int    `yaml:"max_in_flight"`
	ProbeAttempts int    `yaml:"probe_attempts"`
	Workers       int    `yaml:"workers"`
	QueueSize     int    `yaml:"queue_size"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	Encoding      string `yaml:"encoding,omitempty"`
}

type S3 struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LOD struct {
	SplitError        float64 `yaml:"split_error"`
	CombineError      float64 `yaml:"combine_error"`
	MinZoom           int     `yaml:"min_zoom"`
	MaxZoom           int     `yaml:"max_zoom"`
	UnseenCycles      int     `yaml:"unseen_cycles"`
	SeenTapCycles     int     `yaml:"seen_tap_cycles"`
	BaseZoom          int     `yaml:"base_zoom"`
	ShiftFactor       float64 `yaml:"shift_factor"`
	EagerFetchZoom    int     `yaml:"eager_fetch_zoom"`
	CoarseFetchZoom   int     `yaml:"coarse_fetch_zoom"`
	CoarseFetchLevels int     `yaml:"coarse_fetch_levels"`
	LowResDepth       int     `yaml:"low_res_depth"`
	MaxNodes          int     `yaml:"max_nodes"`
}

type Feedback struct {
	ViewWidth    int `yaml:"view_width"`
	ViewHeight   int `yaml:"view_height"`
	TargetPixels int `yaml:"target_pixels"`
	WaitFrames   int `yaml:"wait_frames"`
	SkipFrames   int `yaml:"skip_frames"`
	Slices       int `yaml:"slices"`
}

type WorkQueue struct {
	BudgetMs          int `yaml:"budget_ms"`
	CompleteReserveMs int `yaml:"complete_reserve_ms"`
}

type Indirection struct {
	Size          int `yaml:"size"`
	ReferenceZoom int `yaml:"reference_zoom"`
}

type CycleLog struct {
	Dir string `yaml:"dir"`
}

func Defaults() Tuning {
	return Tuning{
		FrameRateHz: 30,
		Place:       Place{Lng: 8.5417, Lat: 47.3769},
		Camera:      Camera{ViewSize: 64, Distance: 50},
		Projection: Projection{
			SceneScale:  1,
			HeightScale: 1,
			MinHeight:   -200,
			MaxHeight:   4000,
		},
		Elevation: Source{
			Kind:          "http",
			URLFormat:     "https://s3.amazonaws.com/elevation-tiles-prod/terrarium/{z}/{x}/{y}.png",
			PoolSize:      64,
			TileSize:      256,
			MaxInFlight:   32,
			ProbeAttempts: 32,
			Workers:       4,
			QueueSize:     64,
			TimeoutMs:     15000,
			Encoding:      "terrarium",
		},
		Imagery: Source{
			Kind:          "http",
			URLFormat:     "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
			PoolSize:      256,
			TileSize:      256,
			MaxInFlight:   32,
			ProbeAttempts: 32,
			Workers:       8,
			QueueSize:     64,
			TimeoutMs:     15000,
		},
		LOD: LOD{
			SplitError:        -1.5,
			CombineError:      0,
			MinZoom:           7,
			MaxZoom:           18,
			UnseenCycles:      5,
			SeenTapCycles:     10,
			BaseZoom:          5,
			ShiftFactor:       0.6,
			EagerFetchZoom:    8,
			CoarseFetchZoom:   10,
			CoarseFetchLevels: 2,
			LowResDepth:       5,
			MaxNodes:          4096,
		},
		Feedback: Feedback{
			ViewWidth:    1280,
			ViewHeight:   720,
			TargetPixels: 500,
			WaitFrames:   4,
			SkipFrames:   1,
			Slices:       1,
		},
		WorkQueue:   WorkQueue{BudgetMs: 30, CompleteReserveMs: 10},
		Indirection: Indirection{Size: 1024, ReferenceZoom: 10},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := validateSchema(raw); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	if t.FrameRateHz <= 0 {
		t.FrameRateHz = 30
	}
	for _, s := range []*Source{&t.Elevation, &t.Imagery} {
		s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
		if s.Kind == "" {
			s.Kind = "http"
		}
		if s.TileSize <= 0 {
			s.TileSize = 256
		}
		if s.MaxInFlight <= 0 {
			s.MaxInFlight = 32
		}
		if s.ProbeAttempts <= 0 {
			s.ProbeAttempts = 32
		}
		if s.Workers <= 0 {
			s.Workers = 4
		}
		if s.QueueSize <= 0 {
			s.QueueSize = 2 * s.MaxInFlight
		}
		if s.TimeoutMs <= 0 {
			s.TimeoutMs = 15000
		}
	}
	t.Elevation.Encoding = strings.ToLower(strings.TrimSpace(t.Elevation.Encoding))
	if t.Elevation.Encoding == "" {
		t.Elevation.Encoding = "terrarium"
	}
	if t.Camera.ViewSize <= 0 {
		t.Camera.ViewSize = 64
	}
	if t.Camera.Distance <= 0 {
		t.Camera.Distance = 50
	}
	if t.Feedback.ViewWidth <= 0 {
		t.Feedback.ViewWidth = 1280
	}
	if t.Feedback.ViewHeight <= 0 {
		t.Feedback.ViewHeight = 720
	}
	if t.Feedback.TargetPixels <= 0 {
		t.Feedback.TargetPixels = 500
	}
	if t.Feedback.SkipFrames <= 0 {
		t.Feedback.SkipFrames = 1
	}
	if t.Feedback.Slices <= 0 {
		t.Feedback.Slices = 1
	}
	if t.WorkQueue.BudgetMs <= 0 {
		t.WorkQueue.BudgetMs = 30
	}
	if t.Indirection.ReferenceZoom <= 0 {
		t.Indirection.ReferenceZoom = 10
	}
	if t.Indirection.Size <= 0 {
		t.Indirection.Size = 1 << t.Indirection.ReferenceZoom
	}
}

func (t Tuning) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	for _, s := range []struct {
		name string
		src  Source
	}{{"elevation", t.Elevation}, {"imagery", t.Imagery}} {
		if !texarray.ValidPoolSize(s.src.PoolSize) {
			bad("%s.pool_size %d is not the square of a power of two", s.name, s.src.PoolSize)
		}
		switch s.src.Kind {
		case "http":
			if s.src.URLFormat == "" {
				bad("%s.url_format is required for http sources", s.name)
			}
		case "s3":
			if s.src.S3.Endpoint == "" || s.src.S3.Bucket == "" {
				bad("%s.s3 needs endpoint and bucket", s.name)
			}
			if s.src.URLFormat == "" {
				bad("%s.url_format is required for s3 object keys", s.name)
			}
		case "mbtiles":
			if s.src.MBTilesPath == "" {
				bad("%s.mbtiles_path is required for mbtiles sources", s.name)
			}
		default:
			bad("%s.source %q unknown", s.name, s.src.Kind)
		}
	}
	if _, err := pixelenc.ParseEncoding(t.Elevation.Encoding); err != nil {
		bad("elevation.encoding: %v", err)
	}
	if t.LOD.MinZoom < 0 || t.LOD.MaxZoom <= t.LOD.MinZoom || t.LOD.MaxZoom > 24 {
		bad("lod zoom range [%d,%d]", t.LOD.MinZoom, t.LOD.MaxZoom)
	}
	if t.LOD.SplitError >= t.LOD.CombineError {
		bad("lod.split_error %v must be below combine_error %v", t.LOD.SplitError, t.LOD.CombineError)
	}
	if t.LOD.MaxNodes < 4 || t.LOD.MaxNodes > 65535 {
		bad("lod.max_nodes %d outside [4,65535]", t.LOD.MaxNodes)
	}
	if n := t.Indirection.Size; n != 1<<t.Indirection.ReferenceZoom {
		bad("indirection.size %d must be 2^reference_zoom (%d)", n, 1<<t.Indirection.ReferenceZoom)
	}
	return errors.Join(errs...)
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = schemas.Compile("tuning.schema.json")
	})
	return schema, schemaErr
}

// validateSchema checks the raw YAML document against the tuning schema.
// The document goes through JSON so numbers have the types the validator
// expects.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	return s.Validate(v)
}
