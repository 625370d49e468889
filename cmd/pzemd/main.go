// pzemd CLI
//
// A bridge for the PZEM004T V3.0 power meter. Polls the meter over
// Modbus RTU and exposes readings via MQTT telemetry, a REST/WebSocket
// API, Prometheus metrics and an optional SQLite history.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/commatea/pzem-bridge/pkg/api/rest"
	"github.com/commatea/pzem-bridge/pkg/api/ws"
	"github.com/commatea/pzem-bridge/pkg/config"
	"github.com/commatea/pzem-bridge/pkg/core"
	"github.com/commatea/pzem-bridge/pkg/logger"
	"github.com/commatea/pzem-bridge/pkg/persistence"
	"github.com/commatea/pzem-bridge/pkg/persistence/sqlite"
	"github.com/commatea/pzem-bridge/pkg/pzem"
	reportmqtt "github.com/commatea/pzem-bridge/pkg/report/mqtt"
	"github.com/commatea/pzem-bridge/pkg/transport"
	"github.com/commatea/pzem-bridge/pkg/transport/mem"
	"github.com/commatea/pzem-bridge/pkg/transport/serial"
	"github.com/commatea/pzem-bridge/pkg/transport/tcp"
	"github.com/spf13/cobra"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "pzemd",
		Short:   "pzemd - PZEM004T V3.0 power meter bridge",
		Long: `pzemd polls a PZEM004T V3.0 power meter over Modbus RTU and
bridges its measurements to MQTT, HTTP and Prometheus.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable frame-level debug output")

	rootCmd.AddCommand(
		newStartCmd(),
		newReadCmd(),
		newAddressCmd(),
		newEnergyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies flag overrides.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if verbose || cfg.Driver.Debug {
		cfg.Logging.Level = "debug"
	}

	log := logger.New(cfg.Logging)
	logger.SetGlobal(log)
	return cfg, log, nil
}

// buildDriver composes the single driver instance from configuration.
func buildDriver(cfg *config.Config, log *logger.Logger) (*pzem.Driver, error) {
	registry := transport.NewRegistry()
	for _, f := range []transport.Factory{
		serial.NewFactory(),
		tcp.NewFactory(),
		mem.NewFactory(nil),
	} {
		if err := registry.Register(f); err != nil {
			return nil, fmt.Errorf("failed to register %s port: %w", f.Type(), err)
		}
	}

	port, err := registry.Create(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to create port: %w", err)
	}

	return pzem.New(port, pzem.Options{
		Address:        cfg.Driver.Address,
		BaudRate:       cfg.Port.BaudRate,
		ReadTimeout:    cfg.Driver.ReadTimeout,
		UpdateInterval: cfg.Driver.UpdateInterval,
		Logger:         log,
	})
}

// newStartCmd creates the start command.
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the bridge",
		Long:  "Start polling the meter and serving the configured outputs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

// runStart starts the bridge.
func runStart() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	driver, err := buildDriver(cfg, log)
	if err != nil {
		return err
	}

	var store persistence.Store
	if cfg.Store.Enabled {
		s, err := sqlite.NewStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		store = s
		defer s.Close()
	}

	engine, err := core.NewEngine(cfg, driver, store, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	var reporter *reportmqtt.Reporter
	if cfg.MQTT.Enabled {
		reporter = reportmqtt.New(cfg.MQTT, log)
		if err := reporter.Connect(ctx); err != nil {
			log.Warn("mqtt connect failed, telemetry disabled", "err", err)
			reporter = nil
		} else {
			go reporter.Run(ctx, engine.Subscribe())
			defer reporter.Close()
		}
	}

	var apiServer *rest.Server
	if cfg.API.Enabled {
		hub := ws.NewHub(log)
		go hub.Run(ctx, engine.Subscribe())
		defer hub.Close()

		apiServer = rest.NewServer(engine, hub, rest.ServerConfig{Port: cfg.API.Port}, log)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	log.Info("pzemd is running", "device", driver.Description())

	<-sigCh
	log.Info("shutting down")

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Warn("stopping api server", "err", err)
		}
	}

	if err := engine.Stop(); err != nil {
		return fmt.Errorf("failed to stop engine: %w", err)
	}

	return nil
}

// newReadCmd creates the read command.
func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Poll the meter once and print the reading as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			driver, err := buildDriver(cfg, log)
			if err != nil {
				return err
			}
			defer driver.Close()

			if err := driver.Begin(); err != nil {
				return err
			}

			reading, err := driver.Poll()
			if err != nil {
				return fmt.Errorf("poll failed: %w", err)
			}

			out, err := json.MarshalIndent(reading, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// newAddressCmd creates the address command.
func newAddressCmd() *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "address <new-address>",
		Short: "Change the meter's device address",
		Long: `Change the meter's Modbus address (e.g. 0x10). Requires a single
meter on the line; the stock address 0xF8 would re-address every
meter at once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", args[0], err)
			}

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			driver, err := buildDriver(cfg, log)
			if err != nil {
				return err
			}
			defer driver.Close()

			if err := driver.Begin(); err != nil {
				return err
			}

			if err := driver.ChangeAddress(addr); err != nil {
				return fmt.Errorf("could not change the address: %w", err)
			}

			fmt.Printf("address changed to 0x%02x\n", addr)

			if save && cfgFile != "" {
				cfg.Driver.Address = addr
				if err := config.Save(cfgFile, cfg); err != nil {
					return fmt.Errorf("address changed but config not saved: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&save, "save", true, "persist the new address to the config file")
	return cmd
}

// newEnergyCmd creates the energy command group.
func newEnergyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "energy",
		Short: "Manage the meter's energy counter",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Reset the cumulative energy counter to zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			driver, err := buildDriver(cfg, log)
			if err != nil {
				return err
			}
			defer driver.Close()

			if err := driver.Begin(); err != nil {
				return err
			}

			// The reset rides on the next poll tick.
			driver.RequestEnergyReset()
			if _, err := driver.Poll(); err != nil {
				return fmt.Errorf("poll after reset failed: %w", err)
			}

			fmt.Println("energy reset issued")
			return nil
		},
	})

	return cmd
}

// parseAddress parses a device address given as "0xNN" or decimal.
func parseAddress(value string) (byte, error) {
	value = strings.TrimSpace(value)
	base := 10
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
		base = 16
	}
	n, err := strconv.ParseUint(value, base, 8)
	if err != nil {
		return 0, err
	}
	return byte(n), nil
}
