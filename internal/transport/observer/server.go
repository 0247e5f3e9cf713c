package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"

	"terrastream.ai/internal/engine"
	"terrastream.ai/internal/observerproto"
)

// Backend is the engine side of an observer session.
type Backend interface {
	Bootstrap() observerproto.BootstrapResponse
	ObserverJoin() chan<- engine.ObserverJoinRequest
	ObserverSubscribe() chan<- engine.ObserverSubscribeRequest
	ObserverLeave() chan<- string
	MoveCamera(ctx context.Context, req engine.CameraRequest) error
}

type Server struct {
	backend Backend
	log     *log.Logger

	// AllowRemote lifts the loopback-only restriction.
	AllowRemote bool

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(b Backend, logger *log.Logger) *Server {
	return &Server{
		backend: b,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) allowed(r *http.Request) bool {
	return s.AllowRemote || IsLoopbackRemote(r.RemoteAddr)
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.backend.Bootstrap())
	}
}

type envelope struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		normalizeSubscribe(&sub)

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := make(chan []byte, 64)

		joinReq := engine.ObserverJoinRequest{
			SessionID: sid,
			Out:       out,
			Tiles:     sub.Tiles,
			MaxTiles:  sub.MaxTiles,
			Streamers: sub.Streamers,
		}
		select {
		case s.backend.ObserverJoin() <- joinReq:
		default:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		defer func() {
			select {
			case s.backend.ObserverLeave() <- sid:
			default:
				// Engine loop is stopping; nothing else to do.
			}
		}()
		if s.log != nil {
			s.log.Printf("observer %s joined from %s", sid, r.RemoteAddr)
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: SUBSCRIBE updates and CAMERA moves.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var env envelope
			if err := json.Unmarshal(msg, &env); err != nil || env.ProtocolVersion != observerproto.Version {
				continue
			}
			switch env.Type {
			case "SUBSCRIBE":
				var sub observerproto.SubscribeMsg
				if err := json.Unmarshal(msg, &sub); err != nil {
					continue
				}
				normalizeSubscribe(&sub)
				req := engine.ObserverSubscribeRequest{
					SessionID: sid,
					Tiles:     sub.Tiles,
					MaxTiles:  sub.MaxTiles,
					Streamers: sub.Streamers,
				}
				select {
				case s.backend.ObserverSubscribe() <- req:
				default:
					// Drop updates under load; the client may resend.
				}
			case "CAMERA":
				var cam observerproto.CameraMsg
				if err := json.Unmarshal(msg, &cam); err != nil || !validPlace(cam.Lng, cam.Lat) {
					continue
				}
				mctx, mcancel := context.WithTimeout(ctx, time.Second)
				err := s.backend.MoveCamera(mctx, engine.CameraRequest{
					Place:    orb.Point{cam.Lng, cam.Lat},
					ViewSize: cam.ViewSize,
					Distance: cam.Distance,
					Reset:    cam.Reset,
				})
				mcancel()
				if err != nil && s.log != nil {
					s.log.Printf("observer %s camera: %v", sid, err)
				}
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.MaxTiles <= 0 {
		sub.MaxTiles = 1024
	}
	if sub.MaxTiles > 16384 {
		sub.MaxTiles = 16384
	}
}

func validPlace(lng, lat float64) bool {
	return lng >= -180 && lng <= 180 && lat >= -85.0511 && lat <= 85.0511
}

// IsLoopbackRemote reports whether remoteAddr is a loopback address.
func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
