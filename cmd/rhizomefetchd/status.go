package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/serval-project/rhizomefetch/internal/fetchengine"
)

const (
	statusPushInterval = 1 * time.Second
	wsReadBuffer       = 1024
	wsWriteBuffer      = 1024
)

// statusServer serves the debug status endpoint: a websocket push stream of
// Engine.Stats() snapshots, mirroring go-ethereum's websocket-based RPC
// subscriptions (SPEC_FULL.md §11) in place of the reference's HTML status
// page (original_source/rhizome_fetch.c's DEBUGF slot listings).
type statusServer struct {
	addr   string
	engine *fetchengine.Engine
	logger *zap.Logger

	srv *http.Server
}

func newStatusServer(addr string, engine *fetchengine.Engine, logger *zap.Logger) *statusServer {
	s := &statusServer{addr: addr, engine: engine, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *statusServer) run() {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Warn("status server stopped", zap.Error(err))
	}
}

func (s *statusServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}

var statusUpgrader = websocket.Upgrader{
	ReadBufferSize:  wsReadBuffer,
	WriteBufferSize: wsWriteBuffer,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := statusUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("status websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	// Drain and discard client reads so a dead connection is noticed
	// quickly; the endpoint is push-only.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			snap := statusSnapshot{
				AnyFetchActive: s.engine.AnyFetchActive(),
				AnyFetchQueued: s.engine.AnyFetchQueued(),
				Stats:          s.engine.Stats(),
			}
			writeMu.Lock()
			err := conn.WriteJSON(snap)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

type statusSnapshot struct {
	AnyFetchActive bool                    `json:"any_fetch_active"`
	AnyFetchQueued bool                    `json:"any_fetch_queued"`
	Stats          fetchengine.EngineStats `json:"stats"`
}
