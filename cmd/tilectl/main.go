package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"terrastream.ai/internal/engine"
	"terrastream.ai/internal/persistence/tiledb"
	"terrastream.ai/internal/tile"
	"terrastream.ai/internal/tuning"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "quadkey":
		quadkeyCmd(args)
	case "info":
		infoCmd(args)
	case "prefetch":
		prefetchCmd(args)
	case "height":
		heightCmd(args)
	case "cycles":
		cyclesCmd(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tilectl <quadkey|info|prefetch|height|cycles> [flags]")
}

func quadkeyCmd(args []string) {
	fs := flag.NewFlagSet("quadkey", flag.ExitOnError)
	at := fs.String("at", "", "lng,lat to locate (with -z)")
	z := fs.Int("z", -1, "zoom for -at, or with -x/-y")
	x := fs.Int("x", -1, "tile x")
	y := fs.Int("y", -1, "tile y")
	_ = fs.Parse(args)

	var k tile.Key
	switch {
	case fs.NArg() > 0:
		var err error
		k, err = tile.Parse(fs.Arg(0))
		if err != nil {
			fatal(2, "parse: %v", err)
		}
	case *at != "":
		p, err := parsePoint(*at)
		if err != nil || *z < 0 {
			fatal(2, "need -at lng,lat and -z")
		}
		k = keyAt(p, *z)
	case *x >= 0 && *y >= 0 && *z >= 0:
		k = tile.FromTile(*x, *y, *z)
	default:
		fatal(2, "give a quadkey, -at with -z, or -x -y -z")
	}
	printJSON(describe(k))
}

type keyInfo struct {
	Quadkey string     `json:"quadkey"`
	X       int        `json:"x"`
	Y       int        `json:"y"`
	Z       int        `json:"z"`
	Bound   [4]float64 `json:"bound"`
}

func describe(k tile.Key) keyInfo {
	x, y, z := k.Tile()
	b := k.Bound()
	return keyInfo{
		Quadkey: k.String(),
		X:       x, Y: y, Z: z,
		Bound: [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()},
	}
}

func keyAt(p orb.Point, z int) tile.Key {
	fx, fy := tile.PointFraction(p, z)
	side := 1 << uint(z)
	x := min(max(int(fx), 0), side-1)
	y := min(max(int(fy), 0), side-1)
	return tile.FromTile(x, y, z)
}

func infoCmd(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	path := fs.String("db", "", "MBTiles path")
	_ = fs.Parse(args)
	if strings.TrimSpace(*path) == "" {
		fatal(2, "missing -db")
	}

	db, err := tiledb.Open(*path, tiledb.Options{ReadOnly: true})
	if err != nil {
		fatal(1, "open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	meta, err := db.Metadata(ctx)
	if err != nil {
		fatal(1, "metadata: %v", err)
	}
	counts, err := db.Count(ctx)
	if err != nil {
		fatal(1, "count: %v", err)
	}
	type level struct {
		Z     int `json:"z"`
		Tiles int `json:"tiles"`
	}
	out := struct {
		Metadata map[string]string `json:"metadata"`
		Levels   []level           `json:"levels"`
		Total    int               `json:"total"`
	}{Metadata: meta}
	for z, n := range counts {
		out.Levels = append(out.Levels, level{Z: z, Tiles: n})
		out.Total += n
	}
	sort.Slice(out.Levels, func(i, j int) bool { return out.Levels[i].Z < out.Levels[j].Z })
	printJSON(out)
}

func heightCmd(args []string) {
	fs := flag.NewFlagSet("height", flag.ExitOnError)
	tuningPath := fs.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
	at := fs.String("at", "", "lng,lat to sample")
	timeout := fs.Duration("timeout", 30*time.Second, "give up after")
	_ = fs.Parse(args)

	p, err := parsePoint(*at)
	if err != nil {
		fatal(2, "-at: %v", err)
	}
	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		fatal(1, "load tuning: %v", err)
	}
	tune.Place.Lng, tune.Place.Lat = p[0], p[1]
	tune.CycleLog.Dir = ""
	for _, s := range []*tuning.Source{&tune.Elevation, &tune.Imagery} {
		s.CachePath = ""
	}

	eng, err := engine.New(tune, nil)
	if err != nil {
		fatal(1, "engine: %v", err)
	}
	h, err := waitHeight(eng, p, *timeout)
	eng.Close()
	if err != nil {
		fatal(1, "height: %v", err)
	}
	printJSON(map[string]any{"lng": p[0], "lat": p[1], "metres": h.Metres, "scene": h.Scene})
}

// waitHeight runs eng until it can answer p or timeout passes. Run has
// returned by the time waitHeight does.
func waitHeight(eng *engine.Engine, p orb.Point, timeout time.Duration) (engine.Height, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(ctx)
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	for {
		h, err := eng.HeightAt(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return engine.Height{}, fmt.Errorf("no elevation data after %s", timeout)
			}
			return engine.Height{}, err
		}
		if h.OK {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return engine.Height{}, fmt.Errorf("no elevation data after %s", timeout)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func parsePoint(s string) (orb.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return orb.Point{}, fmt.Errorf("want lng,lat, got %q", s)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return orb.Point{}, err
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return orb.Point{}, err
	}
	if lng < -180 || lng > 180 || lat < -85.0511 || lat > 85.0511 {
		return orb.Point{}, fmt.Errorf("%v,%v out of range", lng, lat)
	}
	return orb.Point{lng, lat}, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}
