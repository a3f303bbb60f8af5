// Package api serves the dashboard: an HTTP/WebSocket surface that streams
// strategy snapshots and timeline events out and accepts control commands
// (pause, resume, close a position) back in. Snapshots and events are also
// persisted through the store with retention caps so a dashboard reconnect
// can replay recent history.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"funding-arb/internal/config"
	"funding-arb/internal/store"
)

// Commander is the control surface the strategy exposes. The orchestrator
// implements it.
type Commander interface {
	Pause()
	Resume()
	RequestClose(positionID string) error
}

// Server runs the HTTP/WebSocket API for the dashboard.
type Server struct {
	cfg       config.DashboardConfig
	fullCfg   config.Config
	source    StatusSource
	commander Commander
	st        *store.Store // nil disables persistence
	sessionID string
	hub       *Hub
	handlers  *Handlers
	server    *http.Server
	logger    *slog.Logger

	persistMu   sync.Mutex
	lastPersist time.Time
}

// NewServer wires the dashboard server. st may be nil to skip persistence.
func NewServer(
	fullCfg config.Config,
	source StatusSource,
	commander Commander,
	st *store.Store,
	sessionID string,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:       fullCfg.Dashboard,
		fullCfg:   fullCfg,
		source:    source,
		commander: commander,
		st:        st,
		sessionID: sessionID,
		logger:    logger.With("component", "api-server"),
	}
	s.hub = NewHub(s.runCommand, logger)
	s.handlers = NewHandlers(source, fullCfg, s.hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", s.handlers.HandleSnapshot)
	mux.HandleFunc("/api/command", s.handlers.HandleCommand)
	mux.HandleFunc("/ws", s.handlers.HandleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub and blocks serving HTTP until Stop.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// runCommand maps dashboard commands onto the strategy control surface.
func (s *Server) runCommand(cmd Command) CommandReply {
	if s.commander == nil {
		return CommandReply{OK: false, Error: "control commands disabled"}
	}
	switch cmd.Type {
	case "pause_strategy":
		s.commander.Pause()
		return CommandReply{OK: true, Message: "strategy paused"}
	case "resume_strategy":
		s.commander.Resume()
		return CommandReply{OK: true, Message: "strategy resumed"}
	case "close_position":
		if cmd.PositionID == "" {
			return CommandReply{OK: false, Error: "position_id is required"}
		}
		if err := s.commander.RequestClose(cmd.PositionID); err != nil {
			return CommandReply{OK: false, Error: err.Error()}
		}
		return CommandReply{OK: true, Message: "close requested for " + cmd.PositionID}
	default:
		return CommandReply{OK: false, Error: "unknown command type " + cmd.Type}
	}
}

// PublishSnapshot builds the current snapshot, broadcasts it, and persists
// it at most once per configured write interval.
func (s *Server) PublishSnapshot(ctx context.Context) {
	snapshot := BuildSnapshot(s.source, s.fullCfg)
	s.hub.BroadcastSnapshot(snapshot)

	if s.st == nil || !s.cfg.PersistSnapshots {
		return
	}
	s.persistMu.Lock()
	due := time.Since(s.lastPersist) >= s.cfg.WriteInterval
	if due {
		s.lastPersist = time.Now()
	}
	s.persistMu.Unlock()
	if !due {
		return
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Error("snapshot marshal failed", "error", err)
		return
	}
	if err := s.st.SaveDashboardSnapshot(ctx, s.sessionID, body, s.cfg.SnapshotRetention); err != nil {
		s.logger.Warn("snapshot persist failed", "error", err)
	}
}

// PublishEvent broadcasts and persists one timeline event.
func (s *Server) PublishEvent(ctx context.Context, evt TimelineEvent) {
	s.hub.BroadcastTimeline(evt)

	if s.st == nil {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("event marshal failed", "error", err)
		return
	}
	if err := s.st.AppendDashboardEvent(ctx, s.sessionID, body, s.cfg.EventRetention); err != nil {
		s.logger.Warn("event persist failed", "error", err)
	}
}
