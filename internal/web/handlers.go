package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"photodiag/internal/device"
	"photodiag/internal/panel"
)

// engineStatus maps engine errors onto HTTP statuses.
func engineStatus(err error) int {
	switch {
	case errors.Is(err, panel.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, panel.ErrNoDevice):
		return http.StatusPreconditionFailed
	case errors.Is(err, panel.ErrElogDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, device.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// --- pages --------------------------------------------------------------

type pageData struct {
	Title         string
	Monitors      []string
	Spectrometers []spectrometerView
}

type spectrometerView struct {
	Name        string  `json:"name"`
	Motor       string  `json:"motor"`
	MotorRecord bool    `json:"motor_record"`
	ScanFrom    float64 `json:"scan_from"`
	ScanTo      float64 `json:"scan_to"`
	ScanStep    float64 `json:"scan_step"`
	Domain      string  `json:"domain"`
}

func (s *Server) page() pageData {
	data := pageData{}
	for _, m := range s.inventory.Monitors() {
		data.Monitors = append(data.Monitors, m.Name)
	}
	for _, sp := range s.inventory.Spectrometers() {
		data.Spectrometers = append(data.Spectrometers, spectrometerView{
			Name:        sp.Name,
			Motor:       sp.MotorPV,
			MotorRecord: sp.MotorRecord,
			ScanFrom:    sp.ScanFrom,
			ScanTo:      sp.ScanTo,
			ScanStep:    sp.ScanStep,
			Domain:      string(sp.Domain()),
		})
	}
	return data
}

func (s *Server) handleCorrelationPage(w http.ResponseWriter, r *http.Request) {
	data := s.page()
	data.Title = "correlation"
	if err := s.templates.ExecuteTemplate(w, "correlation.html", data); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleSpectPage(w http.ResponseWriter, r *http.Request) {
	data := s.page()
	data.Title = "spectral autocorrelation"
	if err := s.templates.ExecuteTemplate(w, "spectautocorr.html", data); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

// --- devices ------------------------------------------------------------

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	data := s.page()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"monitors":      data.Monitors,
		"spectrometers": data.Spectrometers,
	})
}

// --- correlation --------------------------------------------------------

func (s *Server) handleCorrelationStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Device1 string `json:"device1"`
		Device2 string `json:"device2"`
		Shots   int    `json:"shots"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	// the acquisition outlives the request
	if err := s.correlation.Start(context.WithoutCancel(r.Context()), req.Device1, req.Device2, req.Shots); err != nil {
		s.writeError(w, engineStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleCorrelationStop(w http.ResponseWriter, r *http.Request) {
	s.correlation.Stop()
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleCorrelationElog(w http.ResponseWriter, r *http.Request) {
	id, err := s.correlation.PushElog(r.Context(), s.pageURL("/correlation"))
	if err != nil {
		s.writeError(w, engineStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// --- spectral autocorrelation --------------------------------------------

func (s *Server) handleSpectSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Device string `json:"device"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := s.spect.Select(req.Device); err != nil {
		s.writeError(w, engineStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"device": req.Device})
}

func (s *Server) handleSpectStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Shots int `json:"shots"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := s.spect.StartLive(context.WithoutCancel(r.Context()), req.Shots); err != nil {
		s.writeError(w, engineStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleSpectStop(w http.ResponseWriter, r *http.Request) {
	s.spect.StopLive()
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleSpectCalibrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From  float64 `json:"from"`
		To    float64 `json:"to"`
		Step  float64 `json:"step"`
		Shots int     `json:"shots"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := s.spect.Calibrate(context.WithoutCancel(r.Context()), req.From, req.To, req.Step, req.Shots); err != nil {
		s.writeError(w, engineStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleSpectCalibrateStop(w http.ResponseWriter, r *http.Request) {
	s.spect.StopCalibration()
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleSpectMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position float64 `json:"position"`
	}
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := s.spect.Move(r.Context(), req.Position); err != nil {
		s.writeError(w, engineStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{"position": req.Position})
}

func (s *Server) handleSpectPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.spect.MotorPosition(r.Context())
	if err != nil {
		s.writeError(w, engineStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{"position": pos})
}

func (s *Server) handleSpectFitElog(w http.ResponseWriter, r *http.Request) {
	id, err := s.spect.PushFitElog(r.Context(), s.pageURL("/spect-autocorr"))
	if err != nil {
		s.writeError(w, engineStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleSpectCalibElog(w http.ResponseWriter, r *http.Request) {
	id, err := s.spect.PushCalibElog(r.Context(), s.pageURL("/spect-autocorr"))
	if err != nil {
		s.writeError(w, engineStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// --- history --------------------------------------------------------------

func (s *Server) handleHistoryFits(w http.ResponseWriter, r *http.Request) {
	deviceName := r.URL.Query().Get("device")
	if deviceName == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing device parameter"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	fits, err := s.history.RecentFits(r.Context(), deviceName, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"fits": fits})
}

func (s *Server) handleHistoryElog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.history.RecentElogEntries(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
