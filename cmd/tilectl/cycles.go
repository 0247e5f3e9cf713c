package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	plog "terrastream.ai/internal/persistence/log"
)

type cycleSummary struct {
	Files     int     `json:"files"`
	Cycles    int     `json:"cycles"`
	Splits    int     `json:"splits"`
	Merges    int     `json:"merges"`
	Conflicts int     `json:"conflicts"`
	Steady    int     `json:"steady"`
	MaxTiles  int     `json:"max_tiles"`
	LastFrame uint64  `json:"last_frame"`
	Distance  float64 `json:"last_distance"`
}

func cyclesCmd(args []string) {
	fs := flag.NewFlagSet("cycles", flag.ExitOnError)
	dir := fs.String("dir", "./data/cycles", "cycle log directory")
	tail := fs.Int("tail", 0, "print the last N entries instead of a summary")
	_ = fs.Parse(args)

	files, err := filepath.Glob(filepath.Join(*dir, "cycles-*.jsonl.zst"))
	if err != nil || len(files) == 0 {
		fatal(1, "no cycle logs in %s", *dir)
	}
	sort.Strings(files)

	var (
		sum  cycleSummary
		last []plog.CycleEntry
	)
	for _, p := range files {
		err := readCycles(p, func(e plog.CycleEntry) {
			sum.add(e)
			if *tail > 0 {
				last = append(last, e)
				if len(last) > *tail {
					last = last[1:]
				}
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
		}
		sum.Files++
	}
	if *tail > 0 {
		printJSON(last)
		return
	}
	printJSON(sum)
}

func (s *cycleSummary) add(e plog.CycleEntry) {
	s.Cycles++
	s.Splits += len(e.Splits)
	s.Merges += len(e.Merges)
	s.Conflicts += e.Conflicts
	if e.SteadyState {
		s.Steady++
	}
	s.MaxTiles = max(s.MaxTiles, e.Tiles)
	s.LastFrame = e.Frame
	s.Distance = e.Distance
}

// readCycles streams one compressed JSONL file. A truncated tail, as left by
// a crash mid-write, ends the file without an error.
func readCycles(path string, fn func(plog.CycleEntry)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e plog.CycleEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		fn(e)
	}
	if err := sc.Err(); err != nil && err != io.ErrUnexpectedEOF {
		return err
	}
	return nil
}
