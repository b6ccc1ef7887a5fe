// Package api serves the bridge's HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	types "github.com/sebas/callbridge/api/types/v1"
	"github.com/sebas/callbridge/internal/callbridge/call"
	"github.com/sebas/callbridge/internal/callbridge/device"
	"github.com/sebas/callbridge/internal/callbridge/dispatch"
	"github.com/sebas/callbridge/internal/callbridge/metrics"
	"github.com/sebas/callbridge/internal/callbridge/signaling"
)

const (
	maxBodyBytes    = 1 << 16
	shutdownTimeout = 5 * time.Second
)

// Devices provides the device registry for the API.
// Implemented by device.Registry.
type Devices interface {
	Get(token string) (*device.Connection, bool)
	Snapshots() []device.Snapshot
	WakeUp(ctx context.Context, tokens []string) []device.WakeResult
}

// Calls provides the live sessions for the API.
// Implemented by call.Registry.
type Calls interface {
	Get(id string) (*call.Session, bool)
	All() []*call.Session
}

// Dispatcher places outbound calls.
// Implemented by dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, address string, tokens []string) (*call.Session, error)
}

// HealthProvider reports how many devices are usable.
// Implemented by health.Reporter.
type HealthProvider interface {
	Open() int
}

// Config wires a Server.
type Config struct {
	Addr       string
	NodeID     string
	Devices    Devices
	Calls      Calls
	Dispatcher Dispatcher
	Health     HealthProvider
	Metrics    *metrics.Metrics
}

// Server provides the HTTP API (headless, API only)
type Server struct {
	cfg        Config
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	// Devices
	mux.HandleFunc("GET /api/v1/devices", s.handleDevices)
	mux.HandleFunc("GET /api/v1/devices/{token}", s.handleDevice)
	mux.HandleFunc("POST /api/v1/devices/{token}/pairing-code", s.handlePairingCode)
	mux.HandleFunc("POST /api/v1/devices/{token}/wake", s.handleWake)

	// Calls
	mux.HandleFunc("GET /api/v1/calls", s.handleCalls)
	mux.HandleFunc("POST /api/v1/calls", s.handleStartCall)
	mux.HandleFunc("GET /api/v1/calls/{id}", s.handleCall)
	mux.HandleFunc("POST /api/v1/calls/{id}/{action}", s.handleCallAction)

	// Prometheus
	mux.Handle("GET /metrics", cfg.Metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens on the configured address until ctx is done, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.cfg.Addr, err)
	}
	return s.serve(ctx, lis)
}

func (s *Server) serve(ctx context.Context, lis net.Listener) error {
	slog.Info("[API] Starting HTTP API server", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		slog.Info("[API] HTTP API server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api serve: %w", err)
	}
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
		NodeID: s.cfg.NodeID,
	}
	if s.cfg.Health != nil {
		resp.OpenDevices = s.cfg.Health.Open()
		if resp.OpenDevices == 0 {
			resp.Status = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshots := s.cfg.Devices.Snapshots()
	sessions := s.cfg.Calls.All()

	resp := types.StatsResponse{
		TotalDevices:   len(snapshots),
		DevicesByState: make(map[string]int),
		ActiveCalls:    len(sessions),
		CallsByStatus:  make(map[string]int),
	}
	for _, d := range snapshots {
		resp.DevicesByState[d.Status.String()]++
	}
	for _, c := range sessions {
		resp.CallsByStatus[string(c.Status())]++
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- Devices ---

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	snapshots := s.cfg.Devices.Snapshots()
	out := make([]types.Device, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, toDevice(snap))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.device(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, toDevice(conn.Snapshot()))
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.device(w, r)
	if !ok {
		return
	}

	var req types.PairingCodeRequest
	if !s.decode(w, r, &req) {
		return
	}

	code, err := conn.RequestPairingCode(r.Context(), req.Phone)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.PairingCodeResponse{Token: conn.Token(), Code: code})
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.device(w, r)
	if !ok {
		return
	}

	results := s.cfg.Devices.WakeUp(r.Context(), []string{conn.Token()})
	resp := types.WakeResponse{Token: conn.Token()}
	if len(results) == 1 {
		resp.Waken = results[0].Waken
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) (*device.Connection, bool) {
	token := r.PathValue("token")
	conn, ok := s.cfg.Devices.Get(token)
	if !ok {
		s.writeMessage(w, http.StatusNotFound, "device not found")
		return nil, false
	}
	return conn, true
}

// --- Calls ---

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	sessions := s.cfg.Calls.All()
	out := make([]types.Call, 0, len(sessions))
	for _, c := range sessions {
		out = append(out, toCall(c.Info()))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cfg.Calls.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, call.ErrNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, toCall(c.Info()))
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req types.StartCallRequest
	if !s.decode(w, r, &req) {
		return
	}

	c, err := s.cfg.Dispatcher.Dispatch(r.Context(), req.To, req.FromTokens)
	if err != nil {
		slog.Warn("[API] Dispatch failed", "to", req.To, "error", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toCall(c.Info()))
}

func (s *Server) handleCallAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, ok := s.cfg.Calls.Get(id)
	if !ok {
		s.writeError(w, call.ErrNotFound)
		return
	}

	var action func(context.Context) error
	switch r.PathValue("action") {
	case "accept":
		action = c.Accept
	case "reject":
		action = c.Reject
	case "end":
		action = c.End
	case "mute":
		action = c.Mute
	case "unmute":
		action = c.Unmute
	default:
		s.writeMessage(w, http.StatusNotFound, "unknown call action")
		return
	}

	if err := action(r.Context()); err != nil {
		slog.Warn("[API] Call action failed", "call_id", id, "action", r.PathValue("action"), "error", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, types.ActionResponse{
		Message: r.PathValue("action") + " requested",
		CallID:  id,
	})
}

// --- Helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := types.ErrorResponse{Error: err.Error()}

	var de *dispatch.DispatchError
	if errors.As(err, &de) {
		resp.Error = de.Message
		for _, f := range de.Devices {
			resp.Devices = append(resp.Devices, types.DeviceFailure{Token: f.Token, Reason: f.Reason})
		}
	}
	s.writeJSON(w, statusFor(err), resp)
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, types.ErrorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		dispatchErr *dispatch.DispatchError
		requestErr  *signaling.RequestError
	)
	switch {
	case errors.As(err, &dispatchErr):
		return http.StatusBadGateway
	case errors.Is(err, device.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrCallEnded),
		errors.Is(err, call.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrCaptureUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &requestErr),
		errors.Is(err, call.ErrTransport),
		errors.Is(err, device.ErrNoTransport),
		errors.Is(err, device.ErrClosed),
		errors.Is(err, signaling.ErrNotConnected),
		errors.Is(err, signaling.ErrDisconnected),
		errors.Is(err, signaling.ErrAckTimeout),
		errors.Is(err, signaling.ErrClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toDevice(snap device.Snapshot) types.Device {
	d := types.Device{
		Token:     snap.Token,
		Status:    snap.Status.String(),
		QRCode:    snap.QRCode,
		Connected: snap.Connected,
	}
	if snap.Contact != nil {
		d.Contact = &types.Contact{
			Phone:          snap.Contact.Phone,
			Name:           snap.Contact.Name,
			ProfilePicture: snap.Contact.ProfilePicture,
		}
	}
	return d
}

func toCall(info call.Info) types.Call {
	c := types.Call{
		ID:          info.ID,
		DeviceToken: info.DeviceToken,
		Direction:   string(info.Direction),
		Status:      string(info.Status),
		Peer: types.Peer{
			Phone:          info.Peer.Phone,
			DisplayName:    info.Peer.DisplayName,
			ProfilePicture: info.Peer.ProfilePicture,
			Muted:          info.PeerMuted,
		},
		Muted:            info.Muted,
		Transport:        string(info.Transport),
		ConnectionStatus: string(info.ConnectionStatus),
		CreatedAt:        info.CreatedAt.Format(time.RFC3339),
		Duration:         int(time.Since(info.CreatedAt).Seconds()),
	}
	if info.ActiveAt != nil {
		c.ActiveAt = info.ActiveAt.Format(time.RFC3339)
	}
	if info.Stats != nil {
		c.Stats = &types.CallStats{
			RTT: types.RTT{Min: info.Stats.RTT.Min, Max: info.Stats.RTT.Max, Avg: info.Stats.RTT.Avg},
			TX:  types.Counter(info.Stats.TX),
			RX:  types.Counter(info.Stats.RX),
		}
	}
	return c
}
