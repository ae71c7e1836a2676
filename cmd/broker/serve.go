package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tomaslejdung/peeprelay/pkg/broker"
	"github.com/tomaslejdung/peeprelay/pkg/dashboard"
	"github.com/tomaslejdung/peeprelay/pkg/settings"
)

// defaultTUILogFile receives the log while the dashboard owns the terminal
const defaultTUILogFile = "peeprelay.log"

type serveFlags struct {
	configPath string
	envFile    string
	tui        bool

	addr            string
	path            string
	maxMessageBytes int64
	sendQueue       int
	writeTimeout    time.Duration
	pingInterval    time.Duration
	controlRate     float64
	controlBurst    int
	logLevel        string
	logFormat       string
	logFile         string
}

func newServeCmd() *cobra.Command {
	return serveCommand(&serveFlags{})
}

// serveCommand builds the serve command with its flags bound to f
func serveCommand(f *serveFlags) *cobra.Command {
	defaults := settings.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags(), f)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, f.tui, cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "YAML config file (default: $XDG_CONFIG_HOME/peeprelay/config.yaml)")
	flags.StringVar(&f.envFile, "env-file", "", "dotenv file to load (default: .env if present)")
	flags.BoolVar(&f.tui, "tui", false, "show the live dashboard; logs go to --log-file")

	flags.StringVar(&f.addr, "addr", defaults.Listen.Addr, "listen address")
	flags.StringVar(&f.path, "path", defaults.Listen.Path, "WebSocket endpoint path")
	flags.Int64Var(&f.maxMessageBytes, "max-message-bytes", defaults.Relay.MaxMessageBytes, "largest accepted frame, 0 for no limit")
	flags.IntVar(&f.sendQueue, "send-queue", defaults.Relay.SendQueue, "outbound frames buffered per connection")
	flags.DurationVar(&f.writeTimeout, "write-timeout", defaults.Relay.WriteTimeout, "deadline for each outbound write")
	flags.DurationVar(&f.pingInterval, "ping-interval", defaults.Relay.PingInterval, "keepalive ping period, 0 disables")
	flags.Float64Var(&f.controlRate, "control-rate", defaults.Relay.ControlRate, "control frames per second per connection, 0 for no limit")
	flags.IntVar(&f.controlBurst, "control-burst", defaults.Relay.ControlBurst, "control frame burst size")
	flags.StringVar(&f.logLevel, "log-level", defaults.Log.Level, "debug, info, warn or error")
	flags.StringVar(&f.logFormat, "log-format", defaults.Log.Format, "text or json")
	flags.StringVar(&f.logFile, "log-file", defaults.Log.File, "write the log to this file instead of stderr")
	return cmd
}

// resolveConfig layers defaults, the config file, the env file, the
// environment and finally the flags the user actually set.
func resolveConfig(flags *pflag.FlagSet, f *serveFlags) (settings.Config, error) {
	if err := settings.LoadEnvFile(f.envFile); err != nil {
		return settings.Config{}, err
	}
	cfg, err := settings.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if err := settings.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	flags.Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "addr":
			cfg.Listen.Addr = f.addr
		case "path":
			cfg.Listen.Path = f.path
		case "max-message-bytes":
			cfg.Relay.MaxMessageBytes = f.maxMessageBytes
		case "send-queue":
			cfg.Relay.SendQueue = f.sendQueue
		case "write-timeout":
			cfg.Relay.WriteTimeout = f.writeTimeout
		case "ping-interval":
			cfg.Relay.PingInterval = f.pingInterval
		case "control-rate":
			cfg.Relay.ControlRate = f.controlRate
		case "control-burst":
			cfg.Relay.ControlBurst = f.controlBurst
		case "log-level":
			cfg.Log.Level = f.logLevel
		case "log-format":
			cfg.Log.Format = f.logFormat
		case "log-file":
			cfg.Log.File = f.logFile
		}
	})

	if f.tui && cfg.Log.File == "" {
		cfg.Log.File = defaultTUILogFile
	}
	return cfg, cfg.Validate()
}

func brokerOptions(cfg settings.Config) broker.Options {
	return broker.Options{
		Path:            cfg.Listen.Path,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		SendQueue:       cfg.Relay.SendQueue,
		WriteTimeout:    cfg.Relay.WriteTimeout,
		PingInterval:    cfg.Relay.PingInterval,
		ControlRate:     cfg.Relay.ControlRate,
		ControlBurst:    cfg.Relay.ControlBurst,
	}
}

// newLogger builds the process logger. Records go to cfg.File when set,
// otherwise to stderr. The returned func closes the file.
func newLogger(cfg settings.Log, stderr io.Writer) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	out, closeFn := stderr, func() {}
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closeFn = file, func() { file.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeFn, nil
}

func runServe(ctx context.Context, cfg settings.Config, tui bool, stderr io.Writer) error {
	logger, closeLog, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := broker.New(brokerOptions(cfg), logger)
	if err := srv.Start(ctx, cfg.Listen.Addr); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	if tui {
		g.Go(func() error {
			// Quitting the dashboard stops the broker
			defer stop()
			return dashboard.Run(gctx, srv, srv.Addr().String())
		})
	}
	return g.Wait()
}
