// Package web serves the panel pages, the JSON control API and the
// websocket snapshot streams.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"photodiag/internal/device"
	"photodiag/internal/panel"
	"photodiag/internal/store"
)

//go:embed templates static
var assets embed.FS

// shutdownTimeout bounds the graceful drain on exit.
const shutdownTimeout = 10 * time.Second

// Server wires the panel engines to HTTP.
type Server struct {
	addr              string
	baseURL           string
	readHeaderTimeout time.Duration

	inventory   *device.Inventory
	correlation *panel.Correlation
	spect       *panel.SpectAutocorr
	history     *store.Store
	log         *zap.Logger

	templates *template.Template
	upgrader  websocket.Upgrader
	mux       *http.ServeMux
}

// New builds the server. baseURL is how the figure exporter reaches this
// server's own pages; empty defaults to the listen address.
func New(addr, baseURL string, readHeaderTimeout time.Duration, inv *device.Inventory, correlation *panel.Correlation, spect *panel.SpectAutocorr, history *store.Store, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = "http://" + addr
	}
	tmpl, err := template.ParseFS(assets, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("web: parse templates: %w", err)
	}

	s := &Server{
		addr:              addr,
		baseURL:           strings.TrimRight(baseURL, "/"),
		readHeaderTimeout: readHeaderTimeout,
		inventory:         inv,
		correlation:       correlation,
		spect:             spect,
		history:           history,
		log:               log.Named("web"),
		templates:         tmpl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16384,
		},
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/correlation", http.StatusFound)
	})
	mux.HandleFunc("GET /correlation", s.handleCorrelationPage)
	mux.HandleFunc("GET /spect-autocorr", s.handleSpectPage)
	mux.Handle("GET /static/", http.FileServer(http.FS(assets)))

	mux.HandleFunc("GET /ws/correlation", s.handleCorrelationWS)
	mux.HandleFunc("GET /ws/spect", s.handleSpectWS)

	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/correlation/start", s.handleCorrelationStart)
	mux.HandleFunc("POST /api/correlation/stop", s.handleCorrelationStop)
	mux.HandleFunc("POST /api/correlation/elog", s.handleCorrelationElog)

	mux.HandleFunc("POST /api/spect/select", s.handleSpectSelect)
	mux.HandleFunc("POST /api/spect/start", s.handleSpectStart)
	mux.HandleFunc("POST /api/spect/stop", s.handleSpectStop)
	mux.HandleFunc("POST /api/spect/calibrate", s.handleSpectCalibrate)
	mux.HandleFunc("POST /api/spect/calibrate/stop", s.handleSpectCalibrateStop)
	mux.HandleFunc("POST /api/spect/move", s.handleSpectMove)
	mux.HandleFunc("GET /api/spect/position", s.handleSpectPosition)
	mux.HandleFunc("POST /api/spect/elog/fit", s.handleSpectFitElog)
	mux.HandleFunc("POST /api/spect/elog/calibration", s.handleSpectCalibElog)

	mux.HandleFunc("GET /api/history/fits", s.handleHistoryFits)
	mux.HandleFunc("GET /api/history/elog", s.handleHistoryElog)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux = mux
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("web: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// pageURL builds the externally reachable address of a panel page.
func (s *Server) pageURL(path string) string {
	return s.baseURL + path
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response failed", zap.Error(err))
	}
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
