// sysgenid publishes a monotonically increasing system generation counter
// over D-Bus and coordinates watcher readjustment after snapshot restores.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/acatangiu/sysgenid-dbus/internal/config"
	"github.com/acatangiu/sysgenid-dbus/internal/daemon"
	"github.com/acatangiu/sysgenid-dbus/internal/genpage"
	"github.com/acatangiu/sysgenid-dbus/internal/overseer"
	"github.com/acatangiu/sysgenid-dbus/internal/watcher"
)

var progName = filepath.Base(os.Args[0])

func main() {
	// Bare invocation runs the service; no flags are mandatory.
	if len(os.Args) < 2 {
		runServe(nil)
		return
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "counter":
		runCounter(os.Args[2:])
	case "trigger":
		runTrigger(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "overseer":
		runOverseer(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [command] [options]

Commands:
  serve         Run the SysGenID service (default with no arguments)
  counter       Print the current system generation counter
  trigger       Bump the system generation counter (privileged)
  watch         Run the example tracked watcher client
  overseer      Run the example snapshot overseer workflow

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/sysgenid/config.yaml)")
	bus := fs.String("bus", "", "Bus to claim the name on: session (default), system, or a D-Bus address")
	pagePath := fs.String("page", "", "Counter page path (default: $XDG_RUNTIME_DIR/sysgenid/generation)")
	listenAddr := fs.String("listen", "", "Enable the read-only status API on this address")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	fs.Parse(args) //nolint:errcheck

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["bus"] && cfg.Bus != "" {
		*bus = cfg.Bus
	}
	if !set["page"] && cfg.PagePath != "" {
		*pagePath = cfg.PagePath
	}
	if !set["listen"] && cfg.Serve.Listen != "" {
		*listenAddr = cfg.Serve.Listen
	}
	if !set["log-level"] && cfg.Serve.LogLevel != "" {
		*logLevel = cfg.Serve.LogLevel
	}
	if !set["log-format"] && cfg.Serve.LogFormat != "" {
		*logFormat = cfg.Serve.LogFormat
	}
	if *pagePath == "" {
		*pagePath = config.DefaultPagePath()
	}

	setupLogging(*logLevel, *logFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := daemon.Run(ctx, daemon.Config{
		Bus:       *bus,
		PagePath:  *pagePath,
		APIListen: *listenAddr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runCounter(args []string) {
	fs := flag.NewFlagSet("counter", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/sysgenid/config.yaml)")
	bus := fs.String("bus", "", "Bus the service runs on: session (default), system, or a D-Bus address")
	fromPage := fs.Bool("from-page", false, "Probe the counter page instead of calling the service")
	pagePath := fs.String("page", "", "Counter page path (with -from-page)")
	fs.Parse(args) //nolint:errcheck

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["bus"] && cfg.Bus != "" {
		*bus = cfg.Bus
	}
	if !set["page"] && cfg.PagePath != "" {
		*pagePath = cfg.PagePath
	}
	if *pagePath == "" {
		*pagePath = config.DefaultPagePath()
	}

	if *fromPage {
		reader, err := genpage.OpenReader(*pagePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer reader.Close()
		fmt.Println(reader.Probe())
		return
	}

	conn, err := daemon.Connect(*bus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	var counter uint32
	obj := conn.Object(daemon.BusName, daemon.ObjectPath)
	if err := obj.Call(daemon.Interface+".GetSysGenCounter", 0).Store(&counter); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(counter)
}

func runTrigger(args []string) {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/sysgenid/config.yaml)")
	bus := fs.String("bus", "", "Bus the service runs on: session (default), system, or a D-Bus address")
	minGen := fs.Uint("min-gen", 0, "Minimum value for the new generation counter")
	fs.Parse(args) //nolint:errcheck

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !setFlags(fs)["bus"] && cfg.Bus != "" {
		*bus = cfg.Bus
	}

	conn, err := daemon.Connect(*bus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	obj := conn.Object(daemon.BusName, daemon.ObjectPath)
	if call := obj.Call(daemon.Interface+".TriggerSysGenUpdate", 0, uint32(*minGen)); call.Err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", call.Err)
		os.Exit(1)
	}
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/sysgenid/config.yaml)")
	bus := fs.String("bus", "", "Bus the service runs on: session (default), system, or a D-Bus address")
	untracked := fs.Bool("untracked", false, "Do not acknowledge adjustments back to the service")
	probePage := fs.Bool("probe-page", false, "Additionally probe the counter page every tick")
	pagePath := fs.String("page", "", "Counter page path (with -probe-page)")
	interval := fs.Duration("interval", 2*time.Second, "Interval between work ticks")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	fs.Parse(args) //nolint:errcheck

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["bus"] && cfg.Bus != "" {
		*bus = cfg.Bus
	}
	if !set["page"] && cfg.PagePath != "" {
		*pagePath = cfg.PagePath
	}

	setupLogging(*logLevel, *logFormat)

	conn, err := daemon.Connect(*bus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	wcfg := watcher.Config{
		Conn:     conn,
		Tracked:  !*untracked,
		Interval: *interval,
	}
	if *probePage {
		if *pagePath == "" {
			*pagePath = config.DefaultPagePath()
		}
		wcfg.PagePath = *pagePath
	}

	w, err := watcher.New(wcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runOverseer(args []string) {
	fs := flag.NewFlagSet("overseer", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/sysgenid/config.yaml)")
	bus := fs.String("bus", "", "Bus the service runs on: session (default), system, or a D-Bus address")
	minGen := fs.Uint("min-gen", 0, "Minimum value for the new generation counter")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	fs.Parse(args) //nolint:errcheck

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !setFlags(fs)["bus"] && cfg.Bus != "" {
		*bus = cfg.Bus
	}

	setupLogging(*logLevel, *logFormat)

	conn, err := daemon.Connect(*bus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := overseer.New(conn).Run(ctx, uint32(*minGen)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(logLevel, logFormat string) {
	level := parseLogLevel(logLevel)

	var handler slog.Handler
	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		// When running under systemd, the journal adds its own timestamps.
		underSystemd := os.Getenv("INVOCATION_ID") != ""
		opts := &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    underSystemd,
		}
		if underSystemd {
			opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return a
			}
		}
		handler = tint.NewHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig loads a config file. An explicit path that doesn't exist is an error.
// A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		// If the explicit path didn't exist, Load returns empty config.
		// We need to distinguish: check if the file actually exists.
		if _, statErr := os.Stat(explicitPath); statErr != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		return cfg, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
