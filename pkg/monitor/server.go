// Package monitor serves live scale telemetry: Prometheus metrics, a websocket stream
// of frames and a downsampled history of the meter window.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/meter"
	"github.com/itohio/goscale/pkg/sample"
)

const (
	clientBuffer    = 64
	shutdownTimeout = 5 * time.Second
	writeTimeout    = time.Second
)

// Frame is the JSON structure sent to websocket clients.
type Frame struct {
	Stamp       int64      `json:"stamp"` // Unix ms
	Unit        string     `json:"unit"`
	Mass        float64    `json:"mass"`
	Flow        float64    `json:"flow"`
	Rate        float64    `json:"rate"` // Rate reported by the scale
	Tare        float64    `json:"tare"`
	Temperature float64    `json:"temperature"`
	Sensors     []float64  `json:"sensors,omitempty"`
	Flagged     bool       `json:"flagged,omitempty"`
	Pour        *PourFrame `json:"pour,omitempty"` // Most recent pour in the window
}

// PourFrame describes a pour.
type PourFrame struct {
	Start  int64   `json:"start"` // Unix ms
	End    int64   `json:"end"`   // Unix ms
	Amount float64 `json:"amount"`
	Rate   float64 `json:"rate"`
	Active bool    `json:"active"`
}

// History is the /history response.
type History struct {
	Unit    string          `json:"unit"`
	Samples []sample.Sample `json:"samples"`
	Flow    []float64       `json:"flow"`
	Pours   []PourFrame     `json:"pours"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Server broadcasts meter updates to websocket clients and exports them as metrics.
type Server struct {
	cfg     config.MonitorConfig
	unit    string
	log     *zap.Logger
	metrics *Metrics

	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}

	mu      sync.RWMutex
	frame   Frame
	samples []sample.Sample
	flow    []float64
	pours   []meter.Pour
}

// New creates a monitor server. Call Update from meter callbacks and Run to serve.
func New(cfg *config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg.Monitor,
		unit:    cfg.DisplayUnit().String(),
		log:     log.Named("monitor"),
		metrics: NewMetrics(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		frame:   Frame{Unit: cfg.DisplayUnit().String()},
	}
}

// Metrics returns the metrics the server exports.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Update records a meter update. It matches meter.UpdateFunc.
func (s *Server) Update(samples []sample.Sample, flow []float64, pours []meter.Pour) {
	if len(samples) == 0 {
		return
	}
	latest := samples[len(samples)-1]
	var f float64
	if len(flow) > 0 {
		f = flow[len(flow)-1]
	}

	frame := Frame{
		Stamp:       latest.Timestamp.UnixMilli(),
		Unit:        s.unit,
		Mass:        latest.Mass,
		Flow:        f,
		Rate:        latest.Rate,
		Tare:        latest.Tare,
		Temperature: latest.Temperature,
		Sensors:     latest.Sensors,
		Flagged:     latest.Flagged,
	}
	if len(pours) > 0 {
		p := pourFrame(pours[len(pours)-1])
		frame.Pour = &p
	}

	s.mu.Lock()
	s.frame = frame
	s.samples = samples
	s.flow = flow
	s.pours = pours
	s.metrics.Observe(latest, f, pours)
	s.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("failed to encode frame", zap.Error(err))
		return
	}
	s.broadcast(data)
}

func pourFrame(p meter.Pour) PourFrame {
	return PourFrame{
		Start:  p.StartTime.UnixMilli(),
		End:    p.EndTime.UnixMilli(),
		Amount: p.Amount,
		Rate:   p.Rate(),
		Active: p.Active,
	}
}

func (s *Server) broadcast(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.log.Debug("websocket client is slow, dropping frame")
		}
	}
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Handler returns the monitor HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.MetricsPath, s.metrics.Handler())
	mux.HandleFunc(s.cfg.WebSocketPath, s.handleWS)
	mux.HandleFunc(s.cfg.HistoryPath, s.handleHistory)
	return mux
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("monitor shutdown", zap.Error(err))
		}
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Listen))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	// The current frame goes out first so clients render before the next update.
	s.mu.RLock()
	data, err := json.Marshal(s.frame)
	s.mu.RUnlock()
	if err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug("websocket client connected", zap.Int("clients", n))

	go func() {
		defer conn.Close()
		for msg := range client.send {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Debug("websocket client disconnected", zap.Int("clients", n))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	points := s.cfg.HistoryPoints
	if q := r.URL.Query().Get("points"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(w, "invalid points", http.StatusBadRequest)
			return
		}
		points = n
	}

	s.mu.RLock()
	h := History{
		Unit:    s.unit,
		Samples: sample.DownsampleSamples(nil, s.samples, points),
		Flow:    sample.DownsampleFlow(nil, s.flow, points),
		Pours:   make([]PourFrame, 0, len(s.pours)),
	}
	for _, p := range s.pours {
		h.Pours = append(h.Pours, pourFrame(p))
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.log.Warn("failed to write history", zap.Error(err))
	}
}
