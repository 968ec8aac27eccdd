package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndQueryFits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := FitRecord{
			Device:         "SARFE10-PSSS059",
			BackgroundFWHM: 20 + float64(i),
			EnvelopeFWHM:   6.5 + float64(i),
			SpikeFWHM:      1.5 + float64(i),
			RedChiSquare:   0.01,
		}
		if _, err := s.SaveFit(ctx, rec); err != nil {
			t.Fatalf("SaveFit %d: %v", i, err)
		}
	}
	if _, err := s.SaveFit(ctx, FitRecord{Device: "SATOP21-PMOS127-2D", SpikeFWHM: 2}); err != nil {
		t.Fatalf("SaveFit other device: %v", err)
	}

	fits, err := s.RecentFits(ctx, "SARFE10-PSSS059", 10)
	if err != nil {
		t.Fatalf("RecentFits: %v", err)
	}
	if len(fits) != 3 {
		t.Fatalf("got %d fits, want 3", len(fits))
	}
	if fits[0].SpikeFWHM != 3.5 {
		t.Errorf("newest first: SpikeFWHM = %g, want 3.5", fits[0].SpikeFWHM)
	}
	if fits[0].BackgroundFWHM != 22 || fits[0].EnvelopeFWHM != 8.5 {
		t.Errorf("component widths = %g / %g, want 22 / 8.5",
			fits[0].BackgroundFWHM, fits[0].EnvelopeFWHM)
	}
}

func TestRecentFitsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.SaveFit(ctx, FitRecord{Device: "D", SpikeFWHM: float64(i)}); err != nil {
			t.Fatalf("SaveFit: %v", err)
		}
	}
	fits, err := s.RecentFits(ctx, "D", 2)
	if err != nil {
		t.Fatalf("RecentFits: %v", err)
	}
	if len(fits) != 2 {
		t.Errorf("got %d fits, want 2", len(fits))
	}
}

func TestCalibrationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestCalibration(ctx, "SARFE10-PSSS059"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("empty store: err = %v, want sql.ErrNoRows", err)
	}

	started := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	rec := CalibrationRecord{
		Device:     "SARFE10-PSSS059",
		Positions:  []float64{35, 37.5, 40},
		Widths:     []float64{3.2, 2.1, 2.8},
		Best:       37.5,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Minute),
	}
	if _, err := s.SaveCalibration(ctx, rec); err != nil {
		t.Fatalf("SaveCalibration: %v", err)
	}
	rec.Best = 40
	rec.Aborted = true
	if _, err := s.SaveCalibration(ctx, rec); err != nil {
		t.Fatalf("SaveCalibration second: %v", err)
	}

	got, err := s.LatestCalibration(ctx, "SARFE10-PSSS059")
	if err != nil {
		t.Fatalf("LatestCalibration: %v", err)
	}
	if got.Best != 40 {
		t.Errorf("Best = %g, want latest (40)", got.Best)
	}
	if !got.Aborted {
		t.Error("Aborted flag lost on round trip")
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if !got.FinishedAt.After(got.StartedAt) {
		t.Errorf("FinishedAt %v not after StartedAt %v", got.FinishedAt, got.StartedAt)
	}
	if len(got.Positions) != 3 || got.Positions[1] != 37.5 {
		t.Errorf("Positions = %v", got.Positions)
	}
	if len(got.Widths) != 3 || got.Widths[1] != 2.1 {
		t.Errorf("Widths = %v", got.Widths)
	}
}

func TestSaveCalibrationDefaultsTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveCalibration(ctx, CalibrationRecord{
		Device:    "SATOP21-PMOS127-2D",
		Positions: []float64{0, 1},
		Widths:    []float64{2, 3},
		Best:      0,
	}); err != nil {
		t.Fatalf("SaveCalibration: %v", err)
	}
	got, err := s.LatestCalibration(ctx, "SATOP21-PMOS127-2D")
	if err != nil {
		t.Fatalf("LatestCalibration: %v", err)
	}
	if got.StartedAt.IsZero() || got.FinishedAt.IsZero() {
		t.Errorf("timestamps not defaulted: started=%v finished=%v", got.StartedAt, got.FinishedAt)
	}
}

func TestElogEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveElogEntry(ctx, ElogRecord{
		Device:    "SAROP11-PBPS110",
		Panel:     "correlation",
		MessageID: "4242",
		URL:       "https://elog.example/SF-Photonics-Data/4242",
	}); err != nil {
		t.Fatalf("SaveElogEntry: %v", err)
	}

	entries, err := s.RecentElogEntries(ctx, 10)
	if err != nil {
		t.Fatalf("RecentElogEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].MessageID != "4242" || entries[0].Panel != "correlation" {
		t.Errorf("entry = %+v", entries[0])
	}
}
