// Package telemetry exposes device status over HTTP and WebSocket.
//
// Dashboards poll the REST endpoints or subscribe on /ws for a
// periodic JSON snapshot stream. The server only reads from the core's
// published snapshot; it cannot touch the tick path.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/motionlayer/Tinymovr/pkg/config"
	"github.com/motionlayer/Tinymovr/pkg/control"
	"github.com/motionlayer/Tinymovr/pkg/log"
	"github.com/motionlayer/Tinymovr/pkg/state"
)

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8060".
	Addr string

	// Core publishes the status snapshots.
	Core *control.Core

	// Interval between WebSocket status pushes.
	Interval time.Duration

	// TransportStats supplies transport counters for /server/stats,
	// keyed by transport name. Optional.
	TransportStats func() map[string]uint64
}

// Status is the JSON shape served to dashboards.
type Status struct {
	State     string   `json:"state"`
	Errors    []string `json:"errors"`
	Mode      string   `json:"mode"`
	CalStage  string   `json:"cal_stage,omitempty"`
	Position  float64  `json:"position"`
	Velocity  float64  `json:"velocity"`
	Iq        float64  `json:"iq"`
	Id        float64  `json:"id"`
	VBus      float64  `json:"vbus"`
	SetPos    float64  `json:"setpoint_position"`
	SetVel    float64  `json:"setpoint_velocity"`
	SetIq     float64  `json:"setpoint_iq"`
	Ticks     uint64   `json:"ticks"`
	NodeID    uint8    `json:"node_id"`
	Firmware  string   `json:"firmware"`
	UptimeSec float64  `json:"uptime_sec"`
}

// Server is the telemetry HTTP/WebSocket server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *log.Logger

	clients  map[int64]*wsClient
	clientMu sync.Mutex
	nextID   int64

	running   atomic.Bool
	startTime time.Time
}

// New creates a telemetry server. Call Start to begin serving.
func New(cfg Config) *Server {
	if cfg.Interval == 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Server{
		cfg:     cfg,
		clients: make(map[int64]*wsClient),
		logger:  log.Component("telemetry"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
}

// Handler returns the HTTP handler; exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/device/status", s.handleStatus)
	mux.HandleFunc("/device/config", s.handleConfig)
	mux.HandleFunc("/server/stats", s.handleStats)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return s.corsMiddleware(mux)
}

// Start serves until Stop or a listener error. It blocks.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}
	s.running.Store(true)
	s.logger.Info("telemetry server starting", log.Fields{"addr": s.cfg.Addr})

	go s.broadcastLoop()

	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down and closes all stream clients.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) status() Status {
	snap := s.cfg.Core.Snapshot()
	cfg := s.cfg.Core.ConfigSnapshot()

	var errs []string
	if snap.Errors != 0 {
		for _, name := range splitFlags(snap.Errors.String()) {
			errs = append(errs, name)
		}
	}
	st := Status{
		State:     snap.State.String(),
		Errors:    errs,
		Mode:      snap.Mode.String(),
		Position:  snap.Position,
		Velocity:  snap.Velocity,
		Iq:        snap.Iq,
		Id:        snap.Id,
		VBus:      snap.VBus,
		SetPos:    snap.Setpoint.Position,
		SetVel:    snap.Setpoint.Velocity,
		SetIq:     snap.Setpoint.Iq,
		Ticks:     snap.Ticks,
		NodeID:    cfg.Can.NodeID,
		Firmware:  config.FirmwareVersion,
		UptimeSec: time.Since(s.startTime).Seconds(),
	}
	if snap.State == state.Calibrate {
		st.CalStage = snap.CalStage.String()
	}
	return st
}

func splitFlags(joined string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(joined); i++ {
		if i == len(joined) || joined[i] == '|' {
			if i > start {
				out = append(out, joined[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.cfg.Core.ConfigSnapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime_sec": time.Since(s.startTime).Seconds(),
		"ws_clients": s.clientCount(),
	}
	if s.cfg.TransportStats != nil {
		for k, v := range s.cfg.TransportStats() {
			stats[k] = v
		}
	}
	s.writeJSON(w, stats)
}

// handleMetrics serves counters as plain text, one "name value" line
// each, for scrapers that do not speak the JSON endpoints.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Core.Snapshot()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "tinymovr_ticks_total %d\n", snap.Ticks)
	fmt.Fprintf(w, "tinymovr_state_transitions_total %d\n", s.cfg.Core.Transitions())
	fmt.Fprintf(w, "tinymovr_error_flags %d\n", uint16(snap.Errors))
	fmt.Fprintf(w, "tinymovr_vbus_volts %g\n", snap.VBus)
	fmt.Fprintf(w, "tinymovr_ws_clients %d\n", s.clientCount())
	fmt.Fprintf(w, "tinymovr_uptime_seconds %g\n", time.Since(s.startTime).Seconds())
	if s.cfg.TransportStats != nil {
		for k, v := range s.cfg.TransportStats() {
			fmt.Fprintf(w, "tinymovr_%s %d\n", k, v)
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// wsClient is one status stream subscriber.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	sendCh chan Status
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", log.Fields{"err": err})
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		sendCh: make(chan Status, 16),
		done:   make(chan struct{}),
	}
	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()

	// Immediate first snapshot so the client does not wait a full
	// broadcast interval.
	c.sendCh <- s.status()

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) writePump(c *wsClient) {
	defer s.dropClient(c)
	for {
		select {
		case st := <-c.sendCh:
			if err := c.conn.WriteJSON(st); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump drains the connection so pings are answered and close
// frames are seen.
func (s *Server) readPump(c *wsClient) {
	defer s.dropClient(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) dropClient(c *wsClient) {
	c.close()
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
}

func (s *Server) clientCount() int {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return len(s.clients)
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C
		st := s.status()
		s.clientMu.Lock()
		for _, c := range s.clients {
			select {
			case c.sendCh <- st:
			default:
				// Slow consumer; skip this update.
			}
		}
		s.clientMu.Unlock()
	}
}
