package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/paulmach/orb"

	"terrastream.ai/internal/engine"
	"terrastream.ai/internal/transport/observer"
	"terrastream.ai/internal/tuning"
)

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:8080", "http listen address")
		tuningPath  = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (empty for built-in defaults)")
		allowRemote = flag.Bool("allow_remote", false, "serve debug endpoints to non-loopback clients")
		place       = flag.String("place", "", "override start place as lng,lat")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(strings.TrimSpace(*tuningPath))
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if p := strings.TrimSpace(*place); p != "" {
		lng, lat, err := parsePlace(p)
		if err != nil {
			logger.Fatalf("place: %v", err)
		}
		tune.Place.Lng, tune.Place.Lat = lng, lat
	}

	eng, err := engine.New(tune, logger)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newMux(eng, *allowRemote, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (place %.4f,%.4f)", *addr, tune.Place.Lng, tune.Place.Lat)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}

	cancel()
	<-runDone
	eng.Close()
}

func newMux(eng *engine.Engine, allowRemote bool, logger *log.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, eng.Status())
	})

	obsSrv := observer.NewServer(eng, logger)
	obsSrv.AllowRemote = allowRemote
	mux.HandleFunc("/debug/v1/observer/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/debug/v1/observer/ws", obsSrv.WSHandler())
	mux.HandleFunc("/debug/v1/status", func(rw http.ResponseWriter, r *http.Request) {
		if !allowRemote && !observer.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(eng.Status())
	})
	mux.HandleFunc("/debug/v1/height", func(rw http.ResponseWriter, r *http.Request) {
		if !allowRemote && !observer.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		lng, lat, err := parsePlace(r.URL.Query().Get("at"))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		h, err := eng.HeightAt(ctx, orb.Point{lng, lat})
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": h.OK, "metres": h.Metres, "scene": h.Scene})
	})

	if envBool("TS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// writeMetrics emits the Prometheus text exposition format.
func writeMetrics(w io.Writer, st engine.Status) {
	fmt.Fprintf(w, "# HELP terrastream_frame Current engine frame.\n")
	fmt.Fprintf(w, "# TYPE terrastream_frame counter\n")
	fmt.Fprintf(w, "terrastream_frame %d\n", st.Frame)

	fmt.Fprintf(w, "# HELP terrastream_cycle LOD cycles processed.\n")
	fmt.Fprintf(w, "# TYPE terrastream_cycle counter\n")
	fmt.Fprintf(w, "terrastream_cycle %d\n", st.Cycle)

	fmt.Fprintf(w, "# HELP terrastream_tiles Visible tiles in the quadtree.\n")
	fmt.Fprintf(w, "# TYPE terrastream_tiles gauge\n")
	fmt.Fprintf(w, "terrastream_tiles %d\n", st.Tiles)
	fmt.Fprintf(w, "terrastream_nodes %d\n", st.Nodes)
	fmt.Fprintf(w, "terrastream_work_queue_depth %d\n", st.Queue)
	fmt.Fprintf(w, "terrastream_pipelined %d\n", b2i(st.Pipelined))

	fmt.Fprintf(w, "# HELP terrastream_pool_slots Texture pool slots by streamer.\n")
	fmt.Fprintf(w, "# TYPE terrastream_pool_slots gauge\n")
	for _, s := range st.Streamers {
		fmt.Fprintf(w, "terrastream_pool_slots{kind=%q,state=%q} %d\n", s.Kind, "occupied", s.Stream.Occupied)
		fmt.Fprintf(w, "terrastream_pool_slots{kind=%q,state=%q} %d\n", s.Kind, "capacity", s.Stream.Capacity)
	}
	fmt.Fprintf(w, "# HELP terrastream_stream_total Streamer counters.\n")
	fmt.Fprintf(w, "# TYPE terrastream_stream_total counter\n")
	for _, s := range st.Streamers {
		fmt.Fprintf(w, "terrastream_stream_total{kind=%q,event=%q} %d\n", s.Kind, "loaded", s.Stream.Loaded)
		fmt.Fprintf(w, "terrastream_stream_total{kind=%q,event=%q} %d\n", s.Kind, "failed", s.Stream.Failures)
		fmt.Fprintf(w, "terrastream_stream_total{kind=%q,event=%q} %d\n", s.Kind, "throttled", s.Stream.Throttled)
		fmt.Fprintf(w, "terrastream_stream_total{kind=%q,event=%q} %d\n", s.Kind, "fallback", s.Stream.Fallbacks)
		fmt.Fprintf(w, "terrastream_stream_total{kind=%q,event=%q} %d\n", s.Kind, "stale", s.Stream.Stale)
	}
	fmt.Fprintf(w, "# HELP terrastream_fetch_total Loader pool counters.\n")
	fmt.Fprintf(w, "# TYPE terrastream_fetch_total counter\n")
	for _, s := range st.Streamers {
		fmt.Fprintf(w, "terrastream_fetch_total{kind=%q,result=%q} %d\n", s.Kind, "ok", s.Fetch.SuccessTotal)
		fmt.Fprintf(w, "terrastream_fetch_total{kind=%q,result=%q} %d\n", s.Kind, "fail", s.Fetch.FailTotal)
		fmt.Fprintf(w, "terrastream_fetch_total{kind=%q,result=%q} %d\n", s.Kind, "dropped", s.Fetch.DroppedTotal)
		fmt.Fprintf(w, "terrastream_fetch_total{kind=%q,result=%q} %d\n", s.Kind, "cancelled", s.Fetch.CancelledTotal)
		fmt.Fprintf(w, "terrastream_fetch_bytes_total{kind=%q} %d\n", s.Kind, s.Fetch.BytesTotal)
		fmt.Fprintf(w, "terrastream_fetch_queue_depth{kind=%q} %d\n", s.Kind, s.Fetch.QueueDepth)
	}
}

func parsePlace(s string) (lng, lat float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want lng,lat, got %q", s)
	}
	if lng, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
		return 0, 0, fmt.Errorf("lng: %w", err)
	}
	if lat, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
		return 0, 0, fmt.Errorf("lat: %w", err)
	}
	if lng < -180 || lng > 180 || lat < -85.0511 || lat > 85.0511 {
		return 0, 0, fmt.Errorf("place %v,%v out of range", lng, lat)
	}
	return lng, lat, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func envBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
