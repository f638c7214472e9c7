// Package host wires every component (A-G) into a running process:
// HTTP routes, WebSocket session acceptance, and the ordered startup/
// shutdown sequence of spec.md §9. Grounded on the teacher's
// internals/sfu.SFU Start/Stop plus its ServeMux route table
// (handleWebSocket, /api/rooms, /health, /metrics), generalized from a
// multi-room WebRTC SFU to a single-room file-sharing coordinator.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Matlemad/Pandemic-sub000/internal/config"
	"github.com/Matlemad/Pandemic-sub000/internal/discovery"
	"github.com/Matlemad/Pandemic-sub000/internal/dispatcher"
	"github.com/Matlemad/Pandemic-sub000/internal/fileindex"
	"github.com/Matlemad/Pandemic-sub000/internal/registry"
	"github.com/Matlemad/Pandemic-sub000/internal/relay"
	"github.com/Matlemad/Pandemic-sub000/internal/room"
	"github.com/Matlemad/Pandemic-sub000/internal/transport"
)

// Host is the top-level process: every long-lived component plus the
// HTTP server that exposes the session endpoint and the small REST
// surface (room info, health, metrics).
type Host struct {
	cfg    *config.Config
	logger *zap.Logger

	registry   *registry.Registry
	rooms      *room.Manager
	index      *fileindex.Index
	broker     *relay.Broker
	announcer  *discovery.Announcer
	dispatcher *dispatcher.Dispatcher

	sessionLimits transport.Limits
	httpServer    *http.Server
}

// New constructs every component and wires their callbacks, but does not
// yet start listening or accepting connections.
func New(cfg *config.Config, logger *zap.Logger) *Host {
	hostID := uuid.New().String()

	heartbeatPeriod := time.Duration(cfg.Relay.HeartbeatIntervalMs) * time.Millisecond
	heartbeatTimeout := time.Duration(cfg.Relay.HeartbeatTimeoutMs) * time.Millisecond

	reg := registry.New(heartbeatPeriod, heartbeatTimeout, logger)
	rooms := room.NewManager(cfg.Room.HostPeerID, cfg.Room.AdminToken)
	index := fileindex.New(uint64(cfg.Relay.MaxFileMB) * 1024 * 1024)
	announcer := discovery.New(logger)

	broker := relay.New(relay.Options{
		IdleTimeout:      time.Duration(cfg.Relay.IdleTransferTimeoutMs) * time.Millisecond,
		LingerTimeout:    time.Duration(cfg.Relay.TransferLingerMs) * time.Millisecond,
		SendTimeout:      time.Duration(cfg.Relay.SendTimeoutMs) * time.Millisecond,
		ProgressInterval: time.Duration(cfg.Relay.ProgressIntervalMs) * time.Millisecond,
		ProgressBytes:    uint64(cfg.Relay.ProgressBytes),
		MaxFileSize:      uint64(cfg.Relay.MaxFileMB) * 1024 * 1024,
		ChunkSize:        uint64(cfg.Relay.ChunkSizeBytes),
		MaxInFlightBytes: uint64(cfg.Relay.MaxInFlightBytesPerXfer),
	}, logger)

	disp := dispatcher.New(reg, rooms, index, broker, announcer, dispatcher.Options{
		HostID:         hostID,
		MaxFileMB:      cfg.Relay.MaxFileMB,
		RoomPort:       cfg.Server.Port,
		RateLimitRPS:   cfg.Relay.RateLimitPerSec,
		RateLimitBurst: cfg.Relay.RateLimitBurst,
	}, logger)

	sendTimeout := time.Duration(cfg.Relay.SendTimeoutMs) * time.Millisecond

	return &Host{
		cfg:           cfg,
		logger:        logger,
		registry:      reg,
		rooms:         rooms,
		index:         index,
		broker:        broker,
		announcer:     announcer,
		dispatcher:    disp,
		sessionLimits: transport.DefaultLimits(cfg.Relay.ChunkSizeBytes, sendTimeout),
	}
}

// Start creates the initial room, begins the liveness/idle sweeps,
// publishes the first mDNS record, and blocks serving HTTP until the
// server is shut down.
func (h *Host) Start() error {
	h.logger.Info("starting venue host",
		zap.String("host", h.cfg.Server.Host),
		zap.Int("port", h.cfg.Server.Port),
	)

	h.registry.StartLiveness()
	h.broker.StartIdleSweep()

	r := h.rooms.CreateOrUpdate(h.cfg.Room.Name, h.cfg.Room.Locked)
	h.announcer.Publish(discovery.Record{
		RoomName: r.Name,
		RoomID:   r.ID,
		Locked:   r.Locked,
		Port:     h.cfg.Server.Port,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleSession)
	mux.HandleFunc("/api/room", h.handleRoomAPI)
	mux.HandleFunc("/health", h.handleHealth)
	if h.cfg.Metrics.Enabled {
		mux.Handle(h.cfg.Metrics.Path, promhttp.Handler())
	}

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", h.cfg.Server.Host, h.cfg.Server.Port),
		Handler: mux,
	}

	h.logger.Info("venue host ready")
	if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop tears every component down in an explicit order: HTTP server (stop
// accepting new sessions) -> sessions (close existing connections) ->
// broker -> registry -> room -> announcer. The file index is not cleared
// or stopped here.
func (h *Host) Stop() {
	h.logger.Info("stopping venue host")

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.httpServer.Shutdown(ctx); err != nil {
			h.logger.Warn("http server shutdown error", zap.Error(err))
		}
	}

	for _, p := range h.registry.Snapshot() {
		p.Session.Close("NORMAL")
	}

	h.broker.Stop()
	h.registry.Stop()
	h.rooms.Close()
	h.announcer.Stop()

	h.logger.Info("venue host stopped")
}

func (h *Host) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	sess, err := transport.Accept(uuid.New().String(), w, r, h.sessionLimits, h.logger)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	h.dispatcher.BindSession(sess)

	go sess.WritePump()
	go sess.ReadPump()
}

func (h *Host) handleRoomAPI(w http.ResponseWriter, r *http.Request) {
	room := h.rooms.Get()
	if room == nil {
		http.Error(w, "no active room", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"roomId":    room.ID,
		"roomName":  room.Name,
		"locked":    room.Locked,
		"peerCount": h.registry.Count(),
		"fileCount": h.index.Count(),
	})
}

func (h *Host) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
		"peers":     h.registry.Count(),
		"files":     h.index.Count(),
	})
}
