package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"photodiag/internal/ca"
	"photodiag/internal/config"
	"photodiag/internal/elog"
	"photodiag/internal/export"
	"photodiag/internal/panel"
	"photodiag/internal/store"
	"photodiag/internal/web"
)

var (
	version = "dev"

	// Global flags
	verbose    bool
	configPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "photodiag-web",
	Short: "Web application for photon diagnostics at SwissFEL",
	Long: `photodiag-web serves the photon diagnostics panels: shot-to-shot
correlation of beam position monitors and spectral autocorrelation
analysis of single-shot spectrometers, including resolution calibration
scans and logbook integration.

Run without arguments to start the server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server and panel engines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the configured devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		inv := cfg.Inventory()
		fmt.Println("Beam position monitors:")
		for _, m := range inv.Monitors() {
			fmt.Printf("  %-24s %s\n", m.Name, m.Domain())
		}
		fmt.Println("Spectrometers:")
		for _, s := range inv.Spectrometers() {
			axis := "pv"
			if s.MotorRecord {
				axis = "motor"
			}
			fmt.Printf("  %-24s %s  axis=%s (%s)  scan %g..%g step %g\n",
				s.Name, s.Domain(), s.MotorPV, axis, s.ScanFrom, s.ScanTo, s.ScanStep)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("photodiag-web %s\n", version)
	},
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	inv := cfg.Inventory()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history, err := store.Open(cfg.Store.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer history.Close()

	caClient := ca.NewClient(cfg.EPICS.AddressList, cfg.GetConnectTimeout(), logger)
	defer caClient.Close()
	epicsClient := panel.NewEpicsClient(caClient)

	var elogClient *elog.Client
	if cfg.Elog.Enabled {
		elogClient = elog.New(cfg.Elog.URL, cfg.Elog.Author, cfg.Elog.User, cfg.Elog.Password,
			cfg.GetElogTimeout(), logger)
	}

	capturer := export.NewCapturer(
		export.WithViewport(cfg.Export.ViewportWidth, cfg.Export.ViewportHeight),
		export.WithHeadless(cfg.Export.Headless),
		export.WithBrowserBin(cfg.Export.BrowserBin),
		export.WithNavigationTimeout(cfg.GetNavigationTimeout()),
		export.WithLogger(logger),
	)
	defer capturer.Close()

	sources := panel.StreamFactory(cfg.BSRead.Address, cfg.GetReceiveTimeout(), logger)
	correlation := panel.NewCorrelation(sources, inv, elogClient, capturer, history, logger)
	spect := panel.NewSpectAutocorr(epicsClient, inv, elogClient, capturer, history, logger)
	if names := inv.Spectrometers(); len(names) > 0 {
		if err := spect.Select(names[0].Name); err != nil {
			logger.Warn("initial spectrometer selection failed", zap.Error(err))
		}
	}

	server, err := web.New(cfg.Server.ListenAddr, cfg.Server.BaseURL, cfg.GetReadHeaderTimeout(),
		inv, correlation, spect, history, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})
	g.Go(func() error {
		// hot reload of the device inventory
		return config.Watch(ctx, configPath, inv, logger)
	})
	g.Go(func() error {
		<-ctx.Done()
		correlation.Stop()
		spect.Close()
		return nil
	})

	logger.Info("photodiag-web started",
		zap.String("version", version),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("bsread", cfg.BSRead.Address),
		zap.Strings("epics", cfg.EPICS.AddressList))
	return g.Wait()
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
