// Package main is the entry point for the proxymux application.
//
// proxymux listens on one public port, answers every connection with a
// camouflage HTTP upgrade, and relays it to the local SSH or OpenVPN daemon
// depending on the first bytes the client sends.
//
// Usage:
//
//	proxymux --port 80 --status @ProxyManager   # Start the relay
//	proxymux probe                              # Check that both backends accept connections
//	proxymux version                            # Print the version
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"proxymux/internal/config"
	"proxymux/internal/metrics"
	"proxymux/internal/tunnel"
)

var version = "dev"

type options struct {
	configPath string
	port       int
	status     string
	sshAddr    string
	vpnAddr    string
	maxConns   int
	metrics    string
	logLevel   string
}

func main() {
	if err := newRootCommand(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "proxymux",
		Short:        "Protocol-sniffing relay for SSH and OpenVPN behind an HTTP disguise",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to YAML config file (default: <config dir>/proxymux/config.yaml)")
	flags.IntVar(&opts.port, "port", 80, "public listen port")
	flags.StringVar(&opts.status, "status", "@ProxyManager", "banner text of the camouflage status lines")
	flags.StringVar(&opts.sshAddr, "ssh-addr", "127.0.0.1:22", "SSH backend address")
	flags.StringVar(&opts.vpnAddr, "vpn-addr", "127.0.0.1:1194", "OpenVPN backend address")
	flags.IntVar(&opts.maxConns, "max-connections", 0, "maximum concurrent sessions (0 = unbounded)")
	flags.StringVar(&opts.metrics, "metrics-address", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(newProbeCommand(opts), newVersionCommand())
	return cmd
}

func newProbeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Dial each backend once and report whether it is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			srv := tunnel.NewServer(cfg, nil, nil)
			dialer := srv.Dialer()
			dialer.Policy.MaxAttempts = 1
			classifier := srv.Classifier()

			failed := false
			for _, route := range []tunnel.Route{tunnel.RouteSSH, tunnel.RouteVPN} {
				addr := classifier.Addr(route)
				start := time.Now()
				conn, err := dialer.Dial(cmd.Context(), addr)
				if err != nil {
					failed = true
					fmt.Fprintf(cmd.OutOrStdout(), "%-4s %-22s unreachable: %v\n", route, addr, err)
					continue
				}
				conn.Close()
				fmt.Fprintf(cmd.OutOrStdout(), "%-4s %-22s ok (%v)\n", route, addr, time.Since(start).Round(time.Millisecond))
			}
			if failed {
				return errors.New("one or more backends are unreachable")
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "proxymux", version)
		},
	}
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("status") {
		cfg.Status = opts.status
	}
	if flags.Changed("ssh-addr") {
		cfg.SSHAddress = opts.sshAddr
	}
	if flags.Changed("vpn-addr") {
		cfg.VPNAddress = opts.vpnAddr
	}
	if flags.Changed("max-connections") {
		cfg.MaxConnections = opts.maxConns
	}
	if flags.Changed("metrics-address") {
		cfg.MetricsAddress = opts.metrics
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// serve runs the relay until SIGINT or SIGTERM, then closes active sessions.
func serve(parent context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		msrv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Infof("metrics listening on %s", cfg.MetricsAddress)
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
		defer msrv.Close()
	}

	srv := tunnel.NewServer(cfg, logger, m)
	err = srv.ListenAndServe(ctx)
	logger.Info("shutting down...")
	srv.Shutdown()
	if err != nil {
		logger.WithError(err).Error("server failed")
	}
	return err
}
