// Package main is the entry point for statesyncd.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/statesync/internal/audit"
	"github.com/nugget/statesync/internal/buildinfo"
	"github.com/nugget/statesync/internal/config"
	"github.com/nugget/statesync/internal/events"
	"github.com/nugget/statesync/internal/session"
	"github.com/nugget/statesync/internal/syncunit"
	"github.com/nugget/statesync/internal/transport/mqtt"
	"github.com/nugget/statesync/internal/transport/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("statesyncd - server-side state synchronization engine")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the sync server")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// serverInfo is the demo unit registerUnits gives every statesyncd
// session: a read-only view of build metadata and of the process
// uptime at registration, useful for client-side diagnostics.
type serverInfo struct {
	Version   string
	GitCommit string
	Uptime    string
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting statesyncd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"ws_path", cfg.Listen.WSPath,
		"audit_enabled", cfg.Audit.Enabled,
		"mqtt_enabled", cfg.MQTT.Enabled,
	)

	bus := events.New()

	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditStore, err = audit.NewStore(cfg.Audit.Path, cfg.Audit.Driver)
		if err != nil {
			logger.Error("failed to open audit store", "path", cfg.Audit.Path, "error", err)
			os.Exit(1)
		}
		defer auditStore.Close()
		logger.Info("audit store opened", "path", cfg.Audit.Path, "driver", cfg.Audit.Driver)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Listen.WSPath, wsHandler(cfg, logger, bus, auditStore))
	mux.HandleFunc("/healthz", healthzHandler())
	mux.HandleFunc("/events", eventsHandler(bus, logger))

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	if cfg.MQTT.Configured() {
		go runMQTTSession(ctx, cfg, logger, bus, auditStore)
	} else if cfg.MQTT.Enabled {
		logger.Warn("mqtt enabled but not fully configured, skipping")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", addr, "ws_path", cfg.Listen.WSPath)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("statesyncd stopped")
}

// wsHandler upgrades each request to a WebSocket, builds a fresh
// Session over it, and runs the dispatcher until the peer disconnects.
// The host application plugs its own sync units in here by replacing
// registerUnits; statesyncd demonstrates the wiring with serverInfo.
func wsHandler(cfg *config.Config, logger *slog.Logger, bus *events.Bus, auditStore *audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adapter, err := ws.Accept(w, r, logger)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		opts := []session.Option{
			session.WithLogger(logger),
			session.WithEventBus(bus),
			session.WithWorkerPoolSize(cfg.Session.WorkerPoolSize),
			session.WithInboundQueueDepth(cfg.Session.InboundQueueDepth),
			session.WithMaxRunningTasksPerUnit(cfg.Session.MaxRunningTasksPerUnit),
			session.WithReservedKeys(cfg.Session.ReservedKeys),
		}
		if auditStore != nil {
			opts = append(opts, session.WithAuditStore(auditStore))
		}

		s := session.New(opts...)
		if err := registerUnits(s); err != nil {
			logger.Error("unit registration failed", "session", s.ID(), "error", err)
			adapter.Close()
			return
		}

		s.Attach(adapter)
		logger.Info("session attached", "session", s.ID(), "remote", r.RemoteAddr)

		if err := s.Run(r.Context()); err != nil {
			logger.Debug("session run ended", "session", s.ID(), "error", err)
		}
	}
}

// registerUnits builds the sync units every new session starts with.
// A host embedding this engine replaces this with its own domain
// units; statesyncd ships one to prove the wiring end to end.
func registerUnits(s *session.Session) error {
	info := &serverInfo{
		Version:   buildinfo.Version,
		GitCommit: buildinfo.GitCommit,
		Uptime:    buildinfo.Uptime().String(),
	}
	_, err := s.Register(syncunit.NewBuilder("SERVER", info).CamelCase().SyncAll())
	return err
}

// runMQTTSession stands up a single long-lived session over the
// configured MQTT transport, demonstrating that Transport is a port:
// the same Session/Unit wiring works over a broker instead of a
// WebSocket, with no changes to dispatch logic.
func runMQTTSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, bus *events.Bus, auditStore *audit.Store) {
	adapter, err := mqtt.Dial(ctx, cfg.MQTT, logger)
	if err != nil {
		logger.Error("mqtt dial failed", "error", err)
		return
	}
	defer adapter.Close()

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithEventBus(bus),
		session.WithWorkerPoolSize(cfg.Session.WorkerPoolSize),
		session.WithInboundQueueDepth(cfg.Session.InboundQueueDepth),
		session.WithMaxRunningTasksPerUnit(cfg.Session.MaxRunningTasksPerUnit),
		session.WithReservedKeys(cfg.Session.ReservedKeys),
	}
	if auditStore != nil {
		opts = append(opts, session.WithAuditStore(auditStore))
	}

	s := session.New(opts...)
	if err := registerUnits(s); err != nil {
		logger.Error("mqtt unit registration failed", "error", err)
		return
	}

	s.Attach(adapter)
	logger.Info("mqtt session attached", "session", s.ID(), "broker", cfg.MQTT.BrokerURL)

	if err := s.Run(ctx); err != nil {
		logger.Warn("mqtt session run ended", "session", s.ID(), "error", err)
	}
}

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(buildinfo.RuntimeInfo())
	}
}

// eventsHandler streams the diagnostics bus as newline-delimited JSON,
// for operator tooling that wants to watch dispatch/sync/task activity
// without a full debugger attached to a session.
func eventsHandler(bus *events.Bus, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		enc := json.NewEncoder(w)
		for {
			select {
			case e, ok := <-sub:
				if !ok {
					return
				}
				if err := enc.Encode(e); err != nil {
					logger.Debug("events stream write failed", "error", err)
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}
