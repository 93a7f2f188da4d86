// dbus-objects serves configurable objects and methods on a D-Bus bus,
// and ships a small client for poking at them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/lmittmann/tint"
	"github.com/nikicat/dbus-objects/internal/config"
	"github.com/nikicat/dbus-objects/internal/dbusx"
	"github.com/nikicat/dbus-objects/internal/logging"
	"github.com/nikicat/dbus-objects/internal/server"
	"github.com/nikicat/dbus-objects/internal/service"
)

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "call":
		runCall(os.Args[2:])
	case "service":
		runService(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve         Claim a bus name and serve the configured objects
  call          Call a method on a bus service and print the reply
  service       Manage the systemd user service

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/dbus-objects/config.yaml)")
	busAddress := fs.String("bus-address", "", "D-Bus address to connect to (default: session bus)")
	busName := fs.String("name", "", "Well-known bus name to claim")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	watch := fs.Bool("watch", true, "Reload handler registrations when the config file changes")
	fs.Parse(args)

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["bus-address"] && cfg.BusAddress != "" {
		*busAddress = cfg.BusAddress
	}
	if !set["name"] && cfg.Name != "" {
		*busName = cfg.Name
	}
	if !set["log-level"] && cfg.LogLevel != "" {
		*logLevel = cfg.LogLevel
	}
	if !set["log-format"] && cfg.LogFormat != "" {
		*logFormat = cfg.LogFormat
	}

	if len(cfg.Objects) == 0 {
		fmt.Fprintln(os.Stderr, "error: no objects configured; nothing to serve")
		os.Exit(1)
	}
	if *busName == "" {
		fmt.Fprintln(os.Stderr, "error: no bus name configured (--name or config 'name')")
		os.Exit(1)
	}

	level := parseLogLevel(*logLevel)
	setupLogging(level, *logFormat)

	srv := buildServer(cfg, *busAddress, level)
	if err := registerObjects(srv, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer srv.Stop()

	if err := srv.RequestName(*busName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.Info("serving", "bus_name", *busName, "objects", len(cfg.Objects))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		srv.Stop()
	}()

	if *watch && path != "" {
		go watchConfig(ctx, path, srv)
	}

	// Notify systemd that startup is complete.
	service.SdNotify("READY=1")

	if err := srv.Listen(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// buildServer creates a server from file config plus resolved flags.
func buildServer(cfg *config.Config, busAddress string, level slog.Level) *server.Server {
	resolveSenders := true
	if cfg.ResolveSenders != nil {
		resolveSenders = *cfg.ResolveSenders
	}
	return server.New(server.Config{
		BusAddress:      busAddress,
		LogLevel:        level,
		Logger:          logging.NewWith(slog.Default(), "dbus-objects"),
		SlowCallWarning: time.Duration(cfg.SlowCallWarning),
		ResolveSenders:  resolveSenders,
	})
}

// registerObjects registers one static handler per configured method.
// Reply values are coerced to the declared signature up front so config
// mistakes fail at registration, not on the first call.
func registerObjects(srv *server.Server, cfg *config.Config) error {
	for _, obj := range cfg.Objects {
		path := dbus.ObjectPath(obj.Path)
		for _, m := range obj.Methods {
			body, err := dbusx.CoerceBody(m.Signature, m.Reply)
			if err != nil {
				return fmt.Errorf("object %s method %s: %w", obj.Path, m.Name, err)
			}
			key := server.Key{Path: path, Interface: obj.Interface, Method: m.Name}
			entry := server.HandlerEntry{
				Handler:         staticHandler(m.Signature, body),
				ResultSignature: m.Signature,
			}
			if err := srv.Registry().Set(key, entry); err != nil {
				return fmt.Errorf("object %s method %s: %w", obj.Path, m.Name, err)
			}
		}
	}
	return nil
}

// staticHandler answers every call with the same signature and values.
func staticHandler(sig string, body []any) server.HandlerFunc {
	return func(*server.Call) (server.Reply, error) {
		return server.Reply{Signature: sig, Body: body}, nil
	}
}

// watchConfig re-registers handlers when the config file changes. A broken
// update is logged and skipped; the previous registrations keep serving.
func watchConfig(ctx context.Context, path string, srv *server.Server) {
	err := config.Watch(ctx, path, func() {
		cfg, err := config.Load(path)
		if err != nil {
			slog.Warn("config reload failed, keeping previous registrations", "error", err)
			return
		}
		// Validate the whole update before touching the registry.
		if err := stageObjects(server.NewRegistry(), cfg); err != nil {
			slog.Warn("config reload rejected", "error", err)
			return
		}
		srv.Registry().Clear()
		if err := registerObjects(srv, cfg); err != nil {
			slog.Error("re-registration failed after clear", "error", err)
			return
		}
		slog.Info("config reloaded", "objects", len(cfg.Objects))
	})
	if err != nil && err != context.Canceled {
		slog.Error("config watch stopped", "error", err)
	}
}

// stageObjects validates registrations against a throwaway registry.
func stageObjects(reg *server.Registry, cfg *config.Config) error {
	for _, obj := range cfg.Objects {
		path := dbus.ObjectPath(obj.Path)
		for _, m := range obj.Methods {
			body, err := dbusx.CoerceBody(m.Signature, m.Reply)
			if err != nil {
				return fmt.Errorf("object %s method %s: %w", obj.Path, m.Name, err)
			}
			key := server.Key{Path: path, Interface: obj.Interface, Method: m.Name}
			if err := reg.Set(key, server.HandlerEntry{Handler: staticHandler(m.Signature, body), ResultSignature: m.Signature}); err != nil {
				return fmt.Errorf("object %s method %s: %w", obj.Path, m.Name, err)
			}
		}
	}
	return nil
}

func runCall(args []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	busAddress := fs.String("bus-address", "", "D-Bus address to connect to (default: session bus)")
	dest := fs.String("dest", "", "Destination bus name")
	path := fs.String("path", "/", "Object path")
	method := fs.String("method", "", "Method name, optionally interface-qualified (iface.Method)")
	sig := fs.String("signature", "", "Signature of the argument values")
	timeout := fs.Duration("timeout", 5*time.Second, "Call timeout")
	fs.Parse(args)

	if *dest == "" || *method == "" {
		fmt.Fprintf(os.Stderr, "usage: %s call --dest <name> --path <path> --method <method> [--signature <sig> args...]\n", progName)
		os.Exit(1)
	}

	var body []any
	if *sig != "" {
		raw := make([]any, fs.NArg())
		for i, a := range fs.Args() {
			raw[i] = a
		}
		coerced, err := dbusx.CoerceBody(*sig, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		body = coerced
	} else if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "error: arguments given without --signature")
		os.Exit(1)
	}

	var conn *dbus.Conn
	var err error
	if *busAddress == "" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.Connect(*busAddress)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	obj := conn.Object(*dest, dbus.ObjectPath(*path))
	call := obj.CallWithContext(ctx, *method, 0, body...)
	if call.Err != nil {
		if derr, ok := call.Err.(dbus.Error); ok {
			fmt.Fprintf(os.Stderr, "error: %s: %s\n", derr.Name, strings.Trim(fmt.Sprint(derr.Body...), "[]"))
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", call.Err)
		}
		os.Exit(1)
	}
	for _, v := range call.Body {
		fmt.Printf("%v\n", v)
	}
}

// runService handles the "service" subcommand group (install/uninstall/status).
func runService(args []string) {
	if len(args) == 0 {
		printServiceUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "install":
		runServiceInstall(args[1:])
	case "uninstall":
		if err := service.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := service.Status(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "-h", "--help", "help":
		printServiceUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", args[0])
		printServiceUsage()
		os.Exit(1)
	}
}

func runServiceInstall(args []string) {
	fs := flag.NewFlagSet("service install", flag.ExitOnError)
	start := fs.Bool("start", false, "Start the service immediately after installing")
	configPath := fs.String("config", "", "Config file path to embed in the unit file")
	fs.Parse(args)

	if err := service.Install(service.Options{
		ConfigPath: *configPath,
		Start:      *start,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> [options]

Commands:
  install       Install and enable the systemd user service
  uninstall     Stop, disable, and remove the systemd user service
  status        Show the service status

Install options:
  --start       Start the service immediately after installing
  --config      Config file path to embed in the unit file's ExecStart
`, progName)
}

// setupLogging installs the global slog handler.
func setupLogging(level slog.Level, format string) {
	var handler slog.Handler
	switch format {
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

// loadConfig loads a config file and reports the path actually used.
// An explicit path that doesn't exist is an error. A missing default path
// is silently ignored (returns empty config and the default path).
func loadConfig(explicitPath string) (*config.Config, string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		return cfg, explicitPath, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, "", nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, defaultPath, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
