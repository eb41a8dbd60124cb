// CoAP Agent: a deployable telemetry reporter built on meshcoap.
//
// The agent sends the configured CoAP request to its peer on every interval and
// forgets the peer whenever the mesh role or partition changes. The mesh state is
// driven over HTTP, for hosts that sit behind a border router.
//
// Configuration via environment variables (a .env file is loaded if present):
//
//	MESHCOAP_HOSTNAME       - hostname resolved to find the peer
//	MESHCOAP_PEER           - fixed peer IPv6 address instead of a hostname
//	MESHCOAP_URI_PATH       - resource path on the peer
//	MESHCOAP_ROLE           - initial mesh role (default child)
//	MESHCOAP_COAP_PORT      - peer CoAP port (default 5683)
//	MESHCOAP_RELAY_URL      - optional WebSocket monitor for diagnostics
//	DATABASE_URL            - optional Postgres journal for diagnostics
//	METRICS_ADDR            - metrics and control listener (default :9464)
//	LOG_LEVEL / LOG_FORMAT  - debug|info|warn|error, text|json
//
// Usage:
//
//	MESHCOAP_HOSTNAME=coap.thethings.io \
//	MESHCOAP_URI_PATH=v2/things/THING-TOKEN \
//	  go run ./cmd/coap-agent
//
// Control:
//
//	curl -X POST 'localhost:9464/mesh/role?role=detached'
//	curl -X POST 'localhost:9464/mesh/partition?id=7'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go-simpler.org/env"
	"golang.org/x/sync/errgroup"

	"github.com/layr8/meshcoap"
)

type agentConfig struct {
	Role         string `env:"MESHCOAP_ROLE" default:"child"`
	CoAPPort     int    `env:"MESHCOAP_COAP_PORT" default:"5683"`
	RelayURL     string `env:"MESHCOAP_RELAY_URL"`
	DatabaseURL  string `env:"DATABASE_URL"`
	JournalTable string `env:"MESHCOAP_JOURNAL_TABLE" default:"meshcoap_diagnostics"`
	MetricsAddr  string `env:"METRICS_ADDR" default:":9464"`
	LogLevel     string `env:"LOG_LEVEL" default:"info"`
	LogFormat    string `env:"LOG_FORMAT" default:"text"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("coap agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := meshcoap.LoadConfig()
	if err != nil {
		return err
	}
	var agent agentConfig
	if err := env.Load(&agent, nil); err != nil {
		return fmt.Errorf("load agent environment: %w", err)
	}
	logger := initLogger(agent.LogLevel, agent.LogFormat)

	role, err := meshcoap.ParseNetworkRole(agent.Role)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinks := meshcoap.MultiSink{meshcoap.LogDiagnostics(logger)}
	if agent.RelayURL != "" {
		sinks = append(sinks, meshcoap.NewRelaySink(agent.RelayURL, 256, logger))
	}
	if agent.DatabaseURL != "" {
		journal, err := meshcoap.OpenJournal(ctx, agent.DatabaseURL, agent.JournalTable, logger)
		if err != nil {
			sinks.Close()
			return err
		}
		sinks = append(sinks, journal)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mesh := meshcoap.NewStaticMesh(role, true)
	transport := meshcoap.NewCoAPTransport(meshcoap.CoAPTransportConfig{
		Port:   agent.CoAPPort,
		Logger: logger,
	})

	session, err := meshcoap.NewSession(cfg, mesh, transport,
		meshcoap.WithLogger(logger),
		meshcoap.WithSink(sinks),
		meshcoap.WithMetrics(meshcoap.NewMetrics(reg)),
	)
	if err != nil {
		transport.Close()
		sinks.Close()
		return err
	}
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/mesh/role", roleHandler(mesh))
	mux.HandleFunc("/mesh/partition", partitionHandler(mesh))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := session.Snapshot()
		fmt.Fprintf(w, "session=%s role=%s peer=%s generation=%d\n", snap.Session, snap.Role, snap.Peer, snap.Generation)
	})
	srv := &http.Server{Addr: agent.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics listening", "addr", agent.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("coap agent running", "session", session.ID(), "role", role)
	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func roleHandler(mesh *meshcoap.StaticMesh) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		role, err := meshcoap.ParseNetworkRole(r.URL.Query().Get("role"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mesh.SetRole(role)
		w.WriteHeader(http.StatusNoContent)
	}
}

func partitionHandler(mesh *meshcoap.StaticMesh) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 32)
		if err != nil {
			http.Error(w, "invalid partition id", http.StatusBadRequest)
			return
		}
		mesh.ChangePartition(uint32(id))
		w.WriteHeader(http.StatusNoContent)
	}
}

// initLogger installs the process-wide logger.
// level: "debug", "info", "warn", "error" (defaults to "info")
// format: "json" or "text" (defaults to "text")
func initLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
