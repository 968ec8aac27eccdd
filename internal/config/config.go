// Package config holds the photodiag-web configuration: server addresses,
// acquisition endpoints, logbook settings and the device inventory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"photodiag/internal/device"
)

// Config holds all photodiag-web configuration.
type Config struct {
	// HTTP server settings
	Server ServerConfig `yaml:"server"`

	// Beam-synchronous stream source
	BSRead BSReadConfig `yaml:"bsread"`

	// Channel Access settings
	EPICS EPICSConfig `yaml:"epics"`

	// Electronic logbook
	Elog ElogConfig `yaml:"elog"`

	// Figure export (headless browser)
	Export ExportConfig `yaml:"export"`

	// History store
	Store StoreConfig `yaml:"store"`

	// Device inventory
	Devices       []MonitorConfig      `yaml:"devices"`
	Spectrometers []SpectrometerConfig `yaml:"spectrometers"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// BaseURL is how the figure exporter reaches this server's own pages.
	BaseURL           string `yaml:"base_url"`
	ReadHeaderTimeout string `yaml:"read_header_timeout"`
}

// BSReadConfig configures the beam-synchronous stream source.
type BSReadConfig struct {
	// Address of the dispatching layer ZeroMQ endpoint.
	Address        string `yaml:"address"`
	ReceiveTimeout string `yaml:"receive_timeout"`
}

// EPICSConfig configures the Channel Access client.
type EPICSConfig struct {
	// AddressList holds "host:port" entries searched for channels,
	// equivalent to EPICS_CA_ADDR_LIST.
	AddressList    []string `yaml:"address_list"`
	ConnectTimeout string   `yaml:"connect_timeout"`
}

// ElogConfig configures the electronic logbook client.
type ElogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Author   string `yaml:"author"`
	Timeout  string `yaml:"timeout"`
	User     string `yaml:"user"`     // overridden by PHOTODIAG_ELOG_USER
	Password string `yaml:"password"` // overridden by PHOTODIAG_ELOG_PASSWORD
}

// ExportConfig configures the headless browser used for figure capture.
type ExportConfig struct {
	Headless            bool   `yaml:"headless"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	BrowserBin          string `yaml:"browser_bin"`
}

// StoreConfig configures the history database.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// MonitorConfig declares one beam position monitor.
type MonitorConfig struct {
	Name string `yaml:"name"`
}

// SpectrometerConfig declares one single-shot spectrometer and its
// calibration axis.
type SpectrometerConfig struct {
	Name        string  `yaml:"name"`
	Motor       string  `yaml:"motor"`
	MotorRecord bool    `yaml:"motor_record"`
	ScanFrom    float64 `yaml:"scan_from"`
	ScanTo      float64 `yaml:"scan_to"`
	ScanStep    float64 `yaml:"scan_step"`
}

// DefaultConfig returns the configuration with the standard SwissFEL
// photon-diagnostics inventory.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        ":5006",
			BaseURL:           "http://localhost:5006",
			ReadHeaderTimeout: "5s",
		},
		BSRead: BSReadConfig{
			Address:        "tcp://localhost:9999",
			ReceiveTimeout: "10s",
		},
		EPICS: EPICSConfig{
			AddressList:    []string{"localhost:5064"},
			ConnectTimeout: "5s",
		},
		Elog: ElogConfig{
			Enabled: true,
			URL:     "https://elog-gfa.psi.ch/SF-Photonics-Data",
			Author:  "sf-photodiag",
			Timeout: "30s",
		},
		Export: ExportConfig{
			Headless:            true,
			ViewportWidth:       1920,
			ViewportHeight:      1080,
			NavigationTimeoutMs: 30000,
		},
		Store: StoreConfig{
			DatabasePath: "data/photodiag.db",
		},
		Devices: []MonitorConfig{
			{Name: "SARFE10-PBPS053"},
			{Name: "SAROP11-PBPS110"},
			{Name: "SAROP11-PBPS122"},
			{Name: "SAROP21-PBPS103"},
			{Name: "SAROP21-PBPS133"},
			{Name: "SATFE10-PEPG046"},
		},
		Spectrometers: []SpectrometerConfig{
			{
				Name:        "SARFE10-PSSS059",
				Motor:       "SARFE10-PSSS059:MOTOR_X3",
				MotorRecord: true,
				ScanFrom:    35,
				ScanTo:      92.5,
				ScanStep:    2.5,
			},
			{
				Name:     "SATOP21-PMOS127-2D",
				Motor:    "SATOP21-PMOS127:MOT_POS",
				ScanFrom: -0.1,
				ScanTo:   0.1,
				ScanStep: 0.01,
			},
			{
				Name:     "SATOP31-PMOS132-2D",
				Motor:    "SATOP31-PMOS132:MOT_POS",
				ScanFrom: -0.1,
				ScanTo:   0.1,
				ScanStep: 0.01,
			},
		},
	}
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	return "photodiag.yaml"
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PHOTODIAG_BSREAD_ADDR"); v != "" {
		c.BSRead.Address = v
	}
	if v := os.Getenv("PHOTODIAG_EPICS_ADDR"); v != "" {
		c.EPICS.AddressList = []string{v}
	}
	if v := os.Getenv("PHOTODIAG_ELOG_USER"); v != "" {
		c.Elog.User = v
	}
	if v := os.Getenv("PHOTODIAG_ELOG_PASSWORD"); v != "" {
		c.Elog.Password = v
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if c.BSRead.Address == "" {
		return errors.New("bsread.address is required")
	}
	if len(c.EPICS.AddressList) == 0 {
		return errors.New("epics.address_list is required")
	}
	if len(c.Devices) < 2 {
		return errors.New("at least two devices are required for the correlation panel")
	}
	for _, s := range c.Spectrometers {
		if s.Name == "" || s.Motor == "" {
			return fmt.Errorf("spectrometer %q needs both name and motor", s.Name)
		}
		if s.ScanStep == 0 {
			return fmt.Errorf("spectrometer %q has zero scan_step", s.Name)
		}
	}
	return nil
}

// parseDuration converts a config duration string, falling back when empty
// or malformed.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetReadHeaderTimeout returns the HTTP read-header timeout.
func (c *Config) GetReadHeaderTimeout() time.Duration {
	return parseDuration(c.Server.ReadHeaderTimeout, 5*time.Second)
}

// GetReceiveTimeout returns the stream receive timeout.
func (c *Config) GetReceiveTimeout() time.Duration {
	return parseDuration(c.BSRead.ReceiveTimeout, 10*time.Second)
}

// GetConnectTimeout returns the Channel Access connection timeout.
func (c *Config) GetConnectTimeout() time.Duration {
	return parseDuration(c.EPICS.ConnectTimeout, 5*time.Second)
}

// GetElogTimeout returns the logbook request timeout.
func (c *Config) GetElogTimeout() time.Duration {
	return parseDuration(c.Elog.Timeout, 30*time.Second)
}

// GetNavigationTimeout returns the figure-export navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	if c.Export.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Export.NavigationTimeoutMs) * time.Millisecond
}

// Inventory builds the device inventory from the configured lists.
func (c *Config) Inventory() *device.Inventory {
	return device.NewInventory(c.monitors(), c.spectrometers())
}

func (c *Config) monitors() []device.Monitor {
	out := make([]device.Monitor, 0, len(c.Devices))
	for _, d := range c.Devices {
		out = append(out, device.Monitor{Name: d.Name})
	}
	return out
}

func (c *Config) spectrometers() []device.Spectrometer {
	out := make([]device.Spectrometer, 0, len(c.Spectrometers))
	for _, s := range c.Spectrometers {
		out = append(out, device.Spectrometer{
			Name:        s.Name,
			MotorPV:     s.Motor,
			MotorRecord: s.MotorRecord,
			ScanFrom:    s.ScanFrom,
			ScanTo:      s.ScanTo,
			ScanStep:    s.ScanStep,
		})
	}
	return out
}
