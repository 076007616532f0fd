package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/citizenfx/fxcore/internal/cache"
	"github.com/citizenfx/fxcore/internal/config"
	"github.com/citizenfx/fxcore/internal/constraints"
	coresys "github.com/citizenfx/fxcore/internal/core/system"
	"github.com/citizenfx/fxcore/internal/event"
	"github.com/citizenfx/fxcore/internal/metrics"
	"github.com/citizenfx/fxcore/internal/mount"
	gonet "github.com/citizenfx/fxcore/internal/net"
	"github.com/citizenfx/fxcore/internal/persist"
	"github.com/citizenfx/fxcore/internal/resource"
	"github.com/citizenfx/fxcore/internal/rpc"
	"github.com/citizenfx/fxcore/internal/scripting"
	"github.com/citizenfx/fxcore/internal/system"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName, side string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m               fxcore  v0.1.0              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m      resource manager · event core        \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mServer:\033[0m %s \033[90m(side: %s)\033[0m\n\n", serverName, side)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/server.toml"
	if p := os.Getenv("FXCORE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name, cfg.Server.Side)

	// 3. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	var metricsSrv *http.Server
	if addr := cfg.Metrics.ListenAddress; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	// 4. Resource manager and its components
	printSection("Core")
	mgr := resource.NewManager(m, log)
	bus, err := event.NewBus(mgr, m, log)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	callbacks, err := rpc.NewCallbackComponent(mgr, log)
	if err != nil {
		return fmt.Errorf("callbacks: %w", err)
	}
	constraints.InstallGate(mgr, newMatcher(cfg.Constraints))
	printOK("resource manager ready")

	// 5. Network endpoint
	endpoint, err := gonet.NewEndpoint(cfg.Network, bus, m, log)
	if err != nil {
		return fmt.Errorf("net endpoint: %w", err)
	}
	go endpoint.ReadLoop()
	printOK("udp endpoint listening")

	// 6. Natives
	natives := scripting.NewNativeRegistry()
	scripting.RegisterCoreNatives(natives, mgr, bus, endpoint)
	if cfg.RPC.Natives != "" {
		rpcCfg, err := rpc.LoadConfigurationFile(cfg.RPC.Natives)
		if err != nil {
			return fmt.Errorf("rpc natives: %w", err)
		}
		rpcCfg.Register(natives, endpoint, log)
	}
	printStat("Natives", natives.Len())

	// 7. Optional cache index in PostgreSQL
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var index cache.Index
	if cfg.Database.DSN != "" {
		repo, db, err := persist.OpenCacheIndex(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("cache index: %w", err)
		}
		defer db.Close()
		index = repo
		printOK("cache index connected")
	}

	// 8. Content store and mounters
	store, err := cache.NewStore(cfg.Cache, index, m, log)
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	local := mount.NewLocalMounter(mgr, log)
	mgr.AddMounter(local)
	mgr.AddMounter(mount.NewCacheMounter(store, local, &http.Client{Timeout: cfg.Cache.DownloadTimeout}, log))

	// 9. Script runtime
	scripting.InstallLuaRuntime(mgr, bus, scripting.LuaOptions{
		Side:    cfg.Server.Side,
		Natives: natives,
		Sender:  endpoint,
		Refs:    callbacks,
	}, log)
	fmt.Println()

	// 10. Load resources
	printSection("Resources")
	mountCtx, cancelMounts := context.WithCancel(context.Background())
	defer cancelMounts()
	loadResources(mountCtx, mgr, cfg.Resources, log)
	printStat("Resources", len(mgr.Resources()))
	fmt.Println()

	// 11. Systems
	runner := coresys.NewRunner()
	runner.Register(system.NewInputSystem(endpoint))
	runner.Register(system.NewResourceSystem(mgr))
	runner.Register(system.NewOutputSystem(endpoint))

	// 12. Tick loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Network.TickRate)
	defer ticker.Stop()

	printSection("Ready")
	printReady(fmt.Sprintf("listening on %s", endpoint.Addr().String()))
	printReady(fmt.Sprintf("tick loop started (tick: %s)", cfg.Network.TickRate))
	if metricsSrv != nil {
		printReady(fmt.Sprintf("metrics on %s/metrics", cfg.Metrics.ListenAddress))
	}
	fmt.Println()

	for {
		select {
		case <-ticker.C:
			runner.Tick(cfg.Network.TickRate)
		case sig := <-shutdownCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			cancelMounts()
			if err := mgr.ResetResources(); err != nil {
				log.Warn("resources did not stop cleanly", zap.Error(err))
			}
			runner.Flush(cfg.Network.TickRate)
			endpoint.Shutdown()
			if metricsSrv != nil {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				metricsSrv.Shutdown(shutdownCtx)
				done()
			}
			log.Info("server stopped")
			return nil
		}
	}
}

// newMatcher builds the constraint matcher from config.
func newMatcher(cfg config.ConstraintsConfig) *constraints.Matcher {
	m := constraints.NewMatcher(cfg.Enforcing)
	for name, v := range cfg.Ints {
		m.SetInt(name, v)
	}
	for name, v := range cfg.Bools {
		m.SetBool(name, v)
	}
	for name, v := range cfg.Strings {
		m.SetString(name, v)
	}
	return m
}

// loadResources scans the local resource paths, mounts the remote indexes
// and starts the ensure list in order. Failures are logged and skipped.
func loadResources(ctx context.Context, mgr *resource.Manager, cfg config.ResourcesConfig, log *zap.Logger) {
	for _, root := range cfg.Paths {
		found, err := mount.Scan(ctx, mgr, root)
		if err != nil {
			log.Warn("resource scan failed", zap.String("path", root), zap.Error(err))
			continue
		}
		log.Info("scanned resources", zap.String("path", root), zap.Int("count", len(found)))
	}
	ensured := make(map[string]bool, len(cfg.Ensure))
	for _, name := range cfg.Ensure {
		ensured[name] = true
	}
	// remote mounts fetch in the background and land on a later tick
	for _, uri := range cfg.URLs {
		mgr.AddResourceAsync(ctx, uri, func(r *resource.Resource) {
			if r == nil {
				return
			}
			log.Info("mounted remote resource", zap.String("resource", r.Name()), zap.String("uri", uri))
			if ensured[r.Name()] {
				startEnsured(r, log)
			}
		})
	}
	for _, name := range cfg.Ensure {
		r := mgr.GetResource(name)
		if r == nil {
			if len(cfg.URLs) > 0 {
				log.Debug("ensured resource not mounted yet", zap.String("resource", name))
				continue
			}
			log.Warn("ensured resource not found", zap.String("resource", name))
			continue
		}
		if startEnsured(r, log) {
			printOK("started " + name)
		}
	}
}

func startEnsured(r *resource.Resource, log *zap.Logger) bool {
	if err := r.Start(); err != nil {
		log.Warn("resource failed to start", zap.String("resource", r.Name()), zap.Error(err))
		return false
	}
	return true
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
