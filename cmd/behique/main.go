// Behique is the voice relay behind the Atabey statue.
//
// It answers spoken or typed questions through a language model with
// optional reference text from a book corpus, speaks the reply through a
// speech synthesis service, and relays a hardware button press to every
// connected kiosk browser so it can start recording. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	behique serve                   Start the API, listener hub, and button bridge
//	behique init [dir]              Initialize a working directory with defaults
//	behique index                   Build the similarity index from the corpus
//	behique ask [-audio f] <text>   Ask a single question (for testing)
//	behique version                 Print version and build information
//	behique -o json version         Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/behique/internal/api"
	"github.com/nugget/behique/internal/bridge"
	"github.com/nugget/behique/internal/buildinfo"
	"github.com/nugget/behique/internal/config"
	"github.com/nugget/behique/internal/connwatch"
	"github.com/nugget/behique/internal/convlog"
	"github.com/nugget/behique/internal/hub"
	"github.com/nugget/behique/internal/mqtt"
	"github.com/nugget/behique/internal/serialport"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// shutdownTimeout bounds the graceful drain of every server on exit.
const shutdownTimeout = 10 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the behique command. Structured logs
// go to stdout; the caller prints the returned error to stderr.
//
// Arguments are parsed by hand. The flag package relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "index":
		return runIndex(ctx, stdout, configPath)
	case "ask":
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Behique - voice relay for the Atabey statue")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: behique [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve               Start the API, listener hub, and button bridge")
	fmt.Fprintln(w, "  init [dir]          Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  index               Build the similarity index from the corpus")
	fmt.Fprintln(w, "  ask [-audio file]   Ask a single question (for testing)")
	fmt.Fprintln(w, "  version             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe handles the "behique serve" subcommand. It starts the HTTP
// API, the persistent listener endpoint, the hardware bridge, and the
// optional MQTT mirror, then blocks until a shutdown signal arrives or
// one of them fails to start.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes offline and disconnects
//  3. Both HTTP servers drain; open listener connections are closed
//  4. The bridge releases the serial device; databases close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Behique", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logOut, logCloser, err := config.OpenLogOutput(stdout, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	{
		// Level was already validated by config.Validate.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(logOut, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"hub_port", cfg.Hub.Port,
		"retrieval", cfg.Retrieval.Strategy,
		"serial", cfg.Serial.Device,
	)
	warnUnconfigured(cfg, logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Conversation log ---
	convStore, err := openConversationLog(cfg.ConversationLog.Path)
	if err != nil {
		return err
	}
	defer convStore.Close()

	// --- Pipeline ---
	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	pipeline := svc.pipeline(cfg, convStore, logger)

	// --- Health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	if cfg.OpenAI.Configured() {
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "openai",
			Probe:   svc.model.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	}

	// --- Listener hub ---
	h := hub.New(hub.Config{
		SendTimeout:    time.Duration(cfg.Hub.SendTimeoutMS) * time.Millisecond,
		TriggerMessage: cfg.Hub.TriggerMessage,
		Logger:         logger,
	})
	hubServer := hub.NewServer(h, hub.ServerConfig{
		Address:      cfg.Hub.Address,
		Port:         cfg.Hub.Port,
		Path:         cfg.Hub.Path,
		MaxListeners: cfg.Hub.MaxListeners,
		PingInterval: time.Duration(cfg.Hub.PingIntervalSec) * time.Second,
		Logger:       logger,
	})
	connMgr.Register("hub", func() connwatch.ServiceStatus {
		st := h.Stats()
		return connwatch.ServiceStatus{
			Ready:     true,
			State:     fmt.Sprintf("%d listeners", st.Listeners),
			LastCheck: time.Now(),
		}
	})

	// --- MQTT mirror (optional) ---
	var mirror *mqtt.Mirror
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mirror = mqtt.New(cfg.MQTT, instanceID, cfg.Hub.TriggerMessage, logger)
		mirror.SetRemote(h)
		connMgr.Register("mqtt", mirror.Status)
		logger.Info("mqtt mirror enabled",
			"broker", cfg.MQTT.Broker,
			"base_topic", cfg.MQTT.BaseTopic,
			"accept_remote", cfg.MQTT.AcceptRemote,
		)
	} else {
		logger.Info("mqtt mirror disabled (not configured)")
	}

	// --- Hardware bridge (optional) ---
	var br *bridge.Bridge
	if cfg.Serial.Configured() {
		br = bridge.New(bridge.Config{
			Opener: serialport.Opener{
				Device:      cfg.Serial.Device,
				BaudRate:    cfg.Serial.BaudRate,
				ReadTimeout: time.Duration(cfg.Serial.ReadTimeoutMS) * time.Millisecond,
			},
			Target: newFanout(h, mirror, "hardware", logger),
			Tokens: cfg.Serial.TriggerTokens,
			Backoff: connwatch.BackoffConfig{
				InitialDelay: time.Duration(cfg.Serial.InitialBackoffSec) * time.Second,
				MaxDelay:     time.Duration(cfg.Serial.MaxBackoffSec) * time.Second,
			},
			Logger: logger,
		})
		connMgr.Register("hardware", br.Status)
	} else {
		logger.Info("hardware bridge disabled (no serial device configured)")
	}

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Pipeline:    pipeline,
		Triggerer:   newFanout(h, mirror, "api", logger),
		Health:      connMgr,
		HubStats:    h.Stats,
		CORSOrigins: cfg.CORSOrigins,
	}, logger)

	// --- Run ---
	// Any component failing to start (e.g. a port already in use)
	// cancels gctx and brings the rest down with it.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := hubServer.Start(gctx); err != nil {
			return fmt.Errorf("listener hub: %w", err)
		}
		return nil
	})
	if br != nil {
		g.Go(func() error { return br.Run(gctx) })
	}
	if mirror != nil {
		g.Go(func() error {
			if err := mirror.Start(gctx); err != nil {
				// MQTT is an optional mirror; a bad broker URL must not
				// take down the relay.
				logger.Error("mqtt mirror failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if mirror != nil {
			if err := mirror.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown failed", "error", err)
		}
		if err := hubServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("listener hub shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Behique stopped")
	return nil
}

// warnUnconfigured logs the upstreams that are missing credentials.
// Requests needing them fail with a 500 rather than blocking startup.
func warnUnconfigured(cfg *config.Config, logger *slog.Logger) {
	if !cfg.OpenAI.Configured() {
		logger.Warn("openai.api_key not set; /ask and /transcribe will fail")
	}
	if !cfg.ElevenLabs.Configured() {
		logger.Warn("elevenlabs api_key or voice_id not set; speech synthesis will fail")
	}
}

// openConversationLog opens the append-only SQLite conversation store.
func openConversationLog(path string) (*convlog.Store, error) {
	db, err := openSQLite(path, false)
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	store, err := convlog.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// fanout raises a hub broadcast and mirrors it to MQTT when configured.
type fanout struct {
	hub    *hub.Hub
	mirror *mqtt.Mirror
	source string
	logger *slog.Logger
}

func newFanout(h *hub.Hub, mirror *mqtt.Mirror, source string, logger *slog.Logger) *fanout {
	return &fanout{hub: h, mirror: mirror, source: source, logger: logger}
}

// Trigger returns the number of hub listeners that received the event.
func (f *fanout) Trigger(ctx context.Context) int {
	n := f.hub.Trigger(ctx)
	if f.mirror != nil {
		if err := f.mirror.PublishTrigger(ctx, n, f.source); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			f.logger.Warn("mqtt trigger mirror failed", "source", f.source, "error", err)
		}
	}
	return n
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
