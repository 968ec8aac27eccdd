// Package device holds the photon-diagnostics device inventory: the beam
// position monitors available to the correlation panel and the single-shot
// spectrometers available to the spectral autocorrelation panel.
package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned for lookups of devices missing from the
// inventory.
var ErrNotFound = errors.New("device not found")

// Domain identifies the accelerator beamline a device belongs to.
type Domain string

const (
	DomainAramis  Domain = "ARAMIS"
	DomainAthos   Domain = "ATHOS"
	DomainUnknown Domain = "UNKNOWN"
)

// DomainOf derives the accelerator domain from the facility naming
// convention: SAR* devices sit on ARAMIS, SAT* devices on ATHOS.
func DomainOf(name string) Domain {
	switch {
	case strings.HasPrefix(name, "SAR"):
		return DomainAramis
	case strings.HasPrefix(name, "SAT"):
		return DomainAthos
	default:
		return DomainUnknown
	}
}

// Monitor is a beam position monitor streaming XPOS/YPOS/INTENSITY over
// the beam-synchronous stream.
type Monitor struct {
	Name string
}

// Domain returns the accelerator domain of the monitor.
func (m Monitor) Domain() Domain { return DomainOf(m.Name) }

// XPosChannel returns the horizontal position channel name.
func (m Monitor) XPosChannel() string { return m.Name + ":XPOS" }

// YPosChannel returns the vertical position channel name.
func (m Monitor) YPosChannel() string { return m.Name + ":YPOS" }

// IntensityChannel returns the intensity channel name.
func (m Monitor) IntensityChannel() string { return m.Name + ":INTENSITY" }

// Spectrometer is a single-shot spectrometer with a resolution-calibration
// axis. MotorRecord selects how the calibration scan drives the axis: via
// the EPICS motor record (with soft limits and move completion) or via a
// plain PV put.
type Spectrometer struct {
	Name        string
	MotorPV     string
	MotorRecord bool
	ScanFrom    float64
	ScanTo      float64
	ScanStep    float64
}

// Domain returns the accelerator domain of the spectrometer.
func (s Spectrometer) Domain() Domain { return DomainOf(s.Name) }

// SpectrumXChannel returns the energy-axis waveform channel name.
func (s Spectrometer) SpectrumXChannel() string { return s.Name + ":SPECTRUM_X" }

// SpectrumYChannel returns the spectrum waveform channel name.
func (s Spectrometer) SpectrumYChannel() string { return s.Name + ":SPECTRUM_Y" }

// FWHMChannel returns the preferred fitted-width channel name. Some devices
// still publish the width under the legacy SPECTRUM_FWHM name; see
// LegacyFWHMChannel.
func (s Spectrometer) FWHMChannel() string { return s.Name + ":FIT-FWHM" }

// LegacyFWHMChannel returns the fallback fitted-width channel name.
func (s Spectrometer) LegacyFWHMChannel() string { return s.Name + ":SPECTRUM_FWHM" }

// Inventory is the hot-swappable device registry. Reads take a shared
// lock so the config watcher can atomically replace the contents.
type Inventory struct {
	mu            sync.RWMutex
	monitors      []Monitor
	spectrometers map[string]Spectrometer
}

// NewInventory builds an inventory from the configured device lists.
func NewInventory(monitors []Monitor, spectrometers []Spectrometer) *Inventory {
	inv := &Inventory{}
	inv.Replace(monitors, spectrometers)
	return inv
}

// Replace atomically swaps the inventory contents.
func (inv *Inventory) Replace(monitors []Monitor, spectrometers []Spectrometer) {
	byName := make(map[string]Spectrometer, len(spectrometers))
	for _, s := range spectrometers {
		byName[s.Name] = s
	}
	inv.mu.Lock()
	inv.monitors = append([]Monitor(nil), monitors...)
	inv.spectrometers = byName
	inv.mu.Unlock()
}

// Monitors returns the beam position monitors in configuration order.
func (inv *Inventory) Monitors() []Monitor {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return append([]Monitor(nil), inv.monitors...)
}

// Monitor looks up a beam position monitor by name.
func (inv *Inventory) Monitor(name string) (Monitor, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	for _, m := range inv.monitors {
		if m.Name == name {
			return m, nil
		}
	}
	return Monitor{}, fmt.Errorf("unknown monitor %q: %w", name, ErrNotFound)
}

// Spectrometers returns the spectrometers sorted by name.
func (inv *Inventory) Spectrometers() []Spectrometer {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]Spectrometer, 0, len(inv.spectrometers))
	for _, s := range inv.spectrometers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Spectrometer looks up a spectrometer by name.
func (inv *Inventory) Spectrometer(name string) (Spectrometer, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	s, ok := inv.spectrometers[name]
	if !ok {
		return Spectrometer{}, fmt.Errorf("unknown spectrometer %q: %w", name, ErrNotFound)
	}
	return s, nil
}
