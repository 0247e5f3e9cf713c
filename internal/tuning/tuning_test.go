package tuning

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTuning(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadEmptyPathGivesDefaults(t *testing.T) {
	got, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LOD.SplitError != -1.5 || got.Imagery.PoolSize != 256 || got.Elevation.Encoding != "terrarium" {
		t.Fatalf("defaults: %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadRepoConfig(t *testing.T) {
	got, err := Load(filepath.Join("..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Feedback.WaitFrames != 4 || got.Indirection.Size != 1024 {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	p := writeTuning(t, `
imagery:
  source: mbtiles
  mbtiles_path: /tmp/world.mbtiles
  pool_size: 16
lod:
  max_zoom: 14
`)
	got, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Imagery.Kind != "mbtiles" || got.Imagery.PoolSize != 16 || got.LOD.MaxZoom != 14 {
		t.Fatalf("overrides lost: %+v", got)
	}
	// Untouched fields keep their defaults.
	if got.LOD.SplitError != -1.5 || got.Elevation.PoolSize != 64 {
		t.Fatalf("defaults lost: %+v", got)
	}
}

func TestPoolSizeMustBeSquareOfPowerOfTwo(t *testing.T) {
	p := writeTuning(t, "imagery:\n  pool_size: 48\n")
	_, err := Load(p)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "imagery.pool_size 48") {
		t.Fatalf("error does not name the field: %v", err)
	}
}

func TestSchemaRejectsUnknownField(t *testing.T) {
	p := writeTuning(t, "lod:\n  split_eror: -2\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestSchemaRejectsUnknownEncoding(t *testing.T) {
	p := writeTuning(t, "elevation:\n  encoding: png16\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestValidateSourceRequirements(t *testing.T) {
	tu := Defaults()
	tu.Elevation.Kind = "s3"
	tu.Imagery.Kind = "mbtiles"
	tu.Normalize()
	err := tu.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"elevation.s3", "imagery.mbtiles_path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestNormalizeFillsZeroes(t *testing.T) {
	var tu Tuning
	tu.Normalize()
	if tu.FrameRateHz != 30 || tu.Imagery.Kind != "http" || tu.Imagery.QueueSize != 64 || tu.Feedback.TargetPixels != 500 {
		t.Fatalf("normalize: %+v", tu)
	}
}
