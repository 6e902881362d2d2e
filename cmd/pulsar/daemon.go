package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/oriys/pulsar/internal/appmode"
	"github.com/oriys/pulsar/internal/certs"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/device"
	"github.com/oriys/pulsar/internal/dispatch"
	"github.com/oriys/pulsar/internal/download"
	"github.com/oriys/pulsar/internal/eventbus"
	"github.com/oriys/pulsar/internal/fallback"
	"github.com/oriys/pulsar/internal/flash"
	"github.com/oriys/pulsar/internal/fwstate"
	"github.com/oriys/pulsar/internal/ipc"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/pkg/fsutil"
	"github.com/oriys/pulsar/internal/redstate"
	"github.com/oriys/pulsar/internal/registry"
	"github.com/oriys/pulsar/internal/rfc"
	"github.com/oriys/pulsar/internal/signing"
	"github.com/oriys/pulsar/internal/transport"
	"github.com/oriys/pulsar/internal/upgrade"
	"github.com/oriys/pulsar/internal/xconf"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var (
		ipcMode    string
		socketPath string
		httpAddr   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the firmware-update daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("ipc-mode") {
				cfg.IPC.Mode = ipcMode
			}
			if cmd.Flags().Changed("socket") {
				cfg.IPC.SocketPath = socketPath
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVar(&ipcMode, "ipc-mode", "unix", "IPC listener mode: unix, tcp, vsock")
	cmd.Flags().StringVar(&socketPath, "socket", "/tmp/pulsar.sock", "Unix socket path")
	cmd.Flags().StringVar(&httpAddr, "http", "127.0.0.1:9208", "Debug HTTP address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Observability.Metrics.Enabled {
		metrics.Init(cfg.Observability.Metrics.Namespace)
	}

	if cfg.Observability.Progress.File != "" {
		if err := logging.Progress().SetOutput(cfg.Observability.Progress.File); err != nil {
			logging.Op().Warn("progress trace unavailable", "error", err)
		}
	}
	logging.Progress().SetConsole(cfg.Observability.Progress.Console)
	defer logging.Progress().Close()

	if cfg.Daemon.PidFile != "" {
		pid := strconv.Itoa(os.Getpid()) + "\n"
		if err := fsutil.AtomicWrite(cfg.Daemon.PidFile, []byte(pid), 0644); err != nil {
			logging.Op().Warn("pid file write failed", "path", cfg.Daemon.PidFile, "error", err)
		}
		defer os.Remove(cfg.Daemon.PidFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New(0)
	bus.Start()
	defer bus.Stop()

	red := redstate.New(bus)

	rfcStore := rfc.NewFileStore(cfg.Rfc.StoreFile)
	if err := rfcStore.Refresh(); err != nil {
		logging.Op().Warn("rfc store unavailable at start-up", "error", err)
	}

	facade := device.New(cfg, rfcStore, red)
	info := facade.GetDeviceInfo()
	logging.Op().Info("device identity loaded",
		"model", info.Model, "build", info.BuildType, "image", facade.GetImage().CurrentImageName)

	state := fwstate.New()
	latches := &appmode.Latches{}
	active := &transport.Active{}

	engine := transport.NewEngine(cfg.Transport)
	downloader := download.New(engine, active, latches)

	orch := fallback.New(cfg.Download, downloader,
		&signing.HelperSigner{Path: cfg.Transport.SignerHelper},
		&certs.FileSelector{CertFile: cfg.Transport.CertFile, KeyFile: cfg.Transport.KeyFile},
		red)

	mgr := xconf.NewManager(cfg.Xconf, facade, orch, state, bus)
	pipeline := upgrade.New(cfg, facade, mgr, orch,
		&flash.ExecFlasher{Path: cfg.Download.FlashHelper},
		state, bus, red, latches)

	controller := appmode.NewController(latches, facade.GetRfc, state, bus, active)
	controller.Bind()

	clients := registry.New()
	dispatcher := dispatch.New(ctx, clients, pipeline)

	server := ipc.NewServer(cfg.IPC, dispatcher)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start ipc bus: %w", err)
	}
	defer server.Stop()

	httpSrv := startDebugHTTP(cfg.Daemon.HTTPAddr, state, latches, clients, dispatcher)
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutCancel()
		httpSrv.Shutdown(shutCtx)
	}()

	logging.Op().Info("pulsar daemon started", "version", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			logging.Op().Info("signal received, shutting down", "signal", sig.String())
			return nil
		case <-ticker.C:
			if latches.ForceExit() {
				// Throttle-zero latch: emit the final failure, clean up
				// through the deferred stops and exit non-zero.
				logging.Op().Error("force-exit latched, terminating")
				bus.Publish(eventbus.FWStateEvent, eventbus.FWStateFailed)
				time.Sleep(200 * time.Millisecond) // let the bus worker drain
				server.Stop()
				bus.Stop()
				if cfg.Daemon.PidFile != "" {
					os.Remove(cfg.Daemon.PidFile)
				}
				os.Exit(1)
			}
		}
	}
}

// startDebugHTTP serves /metrics, /healthz and /state on the loopback
// debug address.
func startDebugHTTP(addr string, state *fwstate.Machine, latches *appmode.Latches,
	clients *registry.Registry, dispatcher *dispatch.Dispatcher) *http.Server {
	mux := http.NewServeMux()

	if h := metrics.Handler(); h != nil {
		mux.Handle("/metrics", h)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"download_state": state.Snapshot().String(),
			"app_mode":       latches.Mode().String(),
			"force_exit":     latches.ForceExit(),
			"clients":        clients.Count(),
			"pending_tasks":  dispatcher.Tasks().Count(),
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("debug http server error", "error", err)
		}
	}()
	return srv
}
