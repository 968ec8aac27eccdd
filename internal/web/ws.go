package web

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleCorrelationWS streams correlation snapshots to one client.
func (s *Server) handleCorrelationWS(w http.ResponseWriter, r *http.Request) {
	snapshots, cancel := s.correlation.Subscribe()
	defer cancel()
	s.serveSnapshots(w, r, "correlation", func() (any, bool) {
		snap, ok := <-snapshots
		return snap, ok
	})
}

// handleSpectWS streams spectral autocorrelation snapshots to one client.
// The current state goes out first so the restored trend and the axis
// readback show without waiting for the next publish.
func (s *Server) handleSpectWS(w http.ResponseWriter, r *http.Request) {
	snapshots, cancel := s.spect.Subscribe()
	defer cancel()
	first := true
	s.serveSnapshots(w, r, "spect", func() (any, bool) {
		if first {
			first = false
			return s.spect.Snapshot(), true
		}
		snap, ok := <-snapshots
		return snap, ok
	})
}

// serveSnapshots upgrades the connection and forwards snapshots as JSON
// until either side goes away.
func (s *Server) serveSnapshots(w http.ResponseWriter, r *http.Request, stream string, next func() (any, bool)) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("stream", stream), zap.Error(err))
		return
	}
	id := uuid.NewString()
	log := s.log.With(zap.String("stream", stream), zap.String("conn", id))
	log.Info("websocket client connected", zap.String("remote", r.RemoteAddr))
	defer func() {
		conn.Close()
		log.Info("websocket client disconnected")
	}()

	// drain client frames to observe close messages
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snaps := make(chan any)
	go func() {
		defer close(snaps)
		for {
			snap, ok := next()
			if !ok {
				return
			}
			select {
			case snaps <- snap:
			case <-closed:
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
