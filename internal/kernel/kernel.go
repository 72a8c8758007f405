// Package kernel wires the switchyard services together from a config.
// It owns their lifecycle so commands and tests share one setup path.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"switchyard/pkg/config"
	"switchyard/pkg/content"
	"switchyard/pkg/frame"
	"switchyard/pkg/hooks"
	"switchyard/pkg/logx"
	"switchyard/pkg/metrics"
	"switchyard/pkg/transition"
	"switchyard/pkg/workspace"
)

// shutdownTimeout bounds how long Stop waits for a cancelled transition to
// tear down and for the metrics server to close.
const shutdownTimeout = 5 * time.Second

// drainFrames is the frame budget Stop spends finishing parked tasks once
// the driver is gone.
const drainFrames = 1024

// maxGoroutines fails liveness when exceeded; it indicates leaked loads.
const maxGoroutines = 10000

// Kernel manages the services a transition needs.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	// Registry is backed by Store when a database is configured, otherwise
	// by Catalog. Exactly one of them is set.
	Registry workspace.Registry
	Catalog  *workspace.Catalog
	Store    *workspace.SQLStore

	Loader       *content.PoolLoader
	Frames       *frame.Loop
	Metrics      metrics.Recorder
	Prometheus   *metrics.PrometheusRecorder // nil when metrics are disabled
	Orchestrator *transition.Orchestrator

	metricsServer *http.Server
	metricsAddr   string
	health        healthcheck.Handler
	watcher       *workspace.CatalogWatcher
	driverCancel  context.CancelFunc
	workers       *conc.WaitGroup
	unsubscribe   []func()

	mu         sync.Mutex
	baseDir    string
	running    bool
	logFileSet bool
}

// NewKernel builds every service from cfg. Relative paths in cfg resolve
// against baseDir. surface may be nil for headless use.
func NewKernel(parent context.Context, cfg *config.Config, baseDir string, surface hooks.Surface) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	ctx, cancel := context.WithCancel(parent)

	k := &Kernel{
		ctx:     ctx,
		cancel:  cancel,
		Config:  cfg,
		Logger:  logx.NewLogger("kernel"),
		baseDir: baseDir,
	}

	if err := k.initializeServices(surface); err != nil {
		cancel()
		_ = k.closeServices()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return k, nil
}

func (k *Kernel) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || k.baseDir == "" {
		return path
	}
	return filepath.Join(k.baseDir, path)
}

func (k *Kernel) initializeServices(surface hooks.Surface) error {
	cfg := k.Config

	logx.SetLevel(logx.ParseLevel(cfg.Logging.Level))
	logx.SetDebugConfig(cfg.Logging.Debug, cfg.Logging.DebugDomains...)
	if cfg.Logging.Dir != "" {
		err := logx.InitializeLogFile(k.resolve(cfg.Logging.Dir), logx.FileConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
			Tee:        cfg.Logging.Tee,
		})
		if err != nil {
			return err
		}
		k.logFileSet = true
	}

	if err := k.initializeMetrics(); err != nil {
		return err
	}

	if err := k.openRegistry(); err != nil {
		return err
	}

	loader, err := content.NewPoolLoader(content.PoolConfig{
		Workers: cfg.Content.Workers,
		Load:    content.SteppedJob(cfg.Content.Steps, cfg.Content.StepDelay),
		Unload:  content.SteppedJob(cfg.Content.Steps, cfg.Content.StepDelay),
	})
	if err != nil {
		return err
	}
	k.Loader = loader
	if active, ok := k.Registry.Active(); ok {
		loader.MarkResident(active.Name)
	}

	k.Frames = frame.NewLoop()

	fill, err := hooks.ParseFillMode(cfg.Loader.Fill)
	if err != nil {
		return err
	}

	var tracer trace.Tracer
	if cfg.Tracing.Enabled {
		tracer = otel.Tracer("switchyard")
	}

	orch, err := transition.New(transition.Options{
		Registry: k.Registry,
		Loader:   k.Loader,
		Frames:   k.Frames,
		Variant:  cfg.Loader.Variant,
		HooksEnv: hooks.Env{
			Surface:      surface,
			FadeDuration: cfg.Loader.FadeDuration,
			Fill:         fill,
		},
		MainThreshold: cfg.Loader.MainThreshold,
		Metrics:       k.Metrics,
		Tracer:        tracer,
	})
	if err != nil {
		return err
	}
	k.Orchestrator = orch

	if k.Catalog != nil && cfg.Registry.Watch {
		path := k.resolve(cfg.Registry.Catalog)
		watcher, err := workspace.WatchCatalog(k.Catalog, path, nil)
		if err != nil {
			return err
		}
		k.watcher = watcher
	}

	if k.Store != nil && cfg.Registry.RememberActive {
		k.unsubscribe = append(k.unsubscribe, orch.OnEnded(k.rememberActive))
	}

	k.Logger.Info("Kernel services initialized (variant=%s, workers=%d, metrics=%t)",
		cfg.Loader.Variant, cfg.Content.Workers, cfg.Metrics.Enabled)
	return nil
}

func (k *Kernel) initializeMetrics() error {
	cfg := k.Config.Metrics

	var recorders []metrics.Recorder
	if cfg.Enabled {
		k.Prometheus = metrics.NewPrometheusRecorder(cfg.Namespace)
		recorders = append(recorders, k.Prometheus)
	}
	if cfg.OTel {
		rec, err := metrics.NewOTelRecorder(otel.Meter("switchyard"))
		if err != nil {
			return err
		}
		recorders = append(recorders, rec)
	}
	k.Metrics = metrics.Multi(recorders...)
	return nil
}

func (k *Kernel) openRegistry() error {
	if db := k.Config.Registry.Database; db != "" {
		store, err := workspace.OpenSQLStore(k.resolve(db))
		if err != nil {
			return err
		}
		k.Store = store
		k.Registry = store
		return nil
	}

	catalog, err := workspace.LoadCatalog(k.resolve(k.Config.Registry.Catalog))
	if err != nil {
		return err
	}
	k.Catalog = catalog
	k.Registry = catalog
	return nil
}

func (k *Kernel) rememberActive(e transition.EndedEvent) {
	if err := k.Store.SetActive(e.Current.Name); err != nil {
		k.Logger.Warn("Failed to remember active workspace %s: %v", e.Current.Name, err)
	}
}

// Start launches the real-time frame driver and, when configured, the
// metrics endpoint.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.running {
		return fmt.Errorf("kernel already running")
	}
	k.workers = conc.NewWaitGroup()

	if k.Prometheus != nil && k.Config.Metrics.Listen != "" {
		if err := k.startMetricsServer(); err != nil {
			return err
		}
	}

	driverCtx, driverCancel := context.WithCancel(k.ctx)
	k.driverCancel = driverCancel
	k.workers.Go(func() {
		k.Frames.Run(driverCtx, k.Config.Loader.FrameInterval)
	})

	k.running = true
	k.Logger.Info("Kernel started (frame interval %v)", k.Config.Loader.FrameInterval)
	return nil
}

func (k *Kernel) startMetricsServer() error {
	ln, err := net.Listen("tcp", k.Config.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", k.Config.Metrics.Listen, err)
	}

	k.health = healthcheck.NewHandler()
	k.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	k.health.AddReadinessCheck("frame-driver", k.checkDriver)

	mux := http.NewServeMux()
	mux.Handle("/metrics", k.Prometheus.Handler())
	mux.HandleFunc("/healthz", k.handleHealth)
	mux.Handle("/live", k.health)
	mux.Handle("/ready", k.health)

	k.metricsAddr = ln.Addr().String()
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	k.metricsServer = srv
	k.workers.Go(func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			k.Logger.Error("Metrics server failed: %v", err)
		}
	})
	k.Logger.Info("Metrics endpoint listening on %s", k.metricsAddr)
	return nil
}

// checkDriver fails readiness once Stop has begun tearing the driver down.
func (k *Kernel) checkDriver() error {
	if k.ctx.Err() != nil {
		return fmt.Errorf("kernel stopping: %w", k.ctx.Err())
	}
	return nil
}

// healthStatus is the /healthz response body.
type healthStatus struct {
	Status  string `json:"status"`
	Current string `json:"current,omitempty"`
	Target  string `json:"target,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

func (k *Kernel) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body := healthStatus{Status: "idle"}
	switch s := k.Orchestrator.Status().(type) {
	case transition.Idle:
		body.Current = s.Current.Name
	case transition.InFlight:
		body.Status = "loading"
		body.Current = s.Current.Name
		body.Target = s.Next.Name
		body.Stage = s.Stage.String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// MetricsAddr returns the bound metrics address, or "" if the endpoint is off.
func (k *Kernel) MetricsAddr() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.metricsAddr
}

// Context returns the kernel's lifecycle context.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// Transition requests a transition to the named workspace and waits for it
// to finish. It returns the abort reason if the transition did not complete.
func (k *Kernel) Transition(ctx context.Context, name string) error {
	var (
		mu     sync.Mutex
		reason error
	)
	unsub := k.Orchestrator.OnAborted(func(e transition.AbortedEvent) {
		mu.Lock()
		defer mu.Unlock()
		reason = e.Reason
	})
	defer unsub()

	accepted, err := k.Orchestrator.RequestTransitionByName(ctx, name)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("transition to %s rejected: another transition is in flight", name)
	}
	if err := k.Orchestrator.Wait(ctx); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	return reason
}

// Stop cancels any running transition, lets it tear down, and closes the
// services. It is safe to call more than once.
func (k *Kernel) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.Logger.Info("Stopping kernel")

	if k.Orchestrator != nil && k.Orchestrator.Cancel() {
		k.Logger.Info("Cancelled in-flight transition")
		if k.running {
			waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := k.Orchestrator.Wait(waitCtx); err != nil {
				k.Logger.Warn("Transition teardown did not finish: %v", err)
			}
			cancel()
		}
	}

	if k.running {
		k.driverCancel()
		k.stopMetricsServer()
		k.workers.Wait()
		k.running = false
	}
	if k.Frames != nil {
		if n := k.Frames.Drain(drainFrames); n > 0 {
			k.Logger.Debug("Drained %d frames on shutdown", n)
		}
	}

	k.cancel()

	for _, unsub := range k.unsubscribe {
		unsub()
	}
	k.unsubscribe = nil

	return k.closeServices()
}

func (k *Kernel) stopMetricsServer() {
	if k.metricsServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := k.metricsServer.Shutdown(shutdownCtx); err != nil {
		k.Logger.Warn("Metrics server shutdown failed: %v", err)
	}
	k.metricsServer = nil
	k.metricsAddr = ""
}

func (k *Kernel) closeServices() error {
	var errs []error
	if k.watcher != nil {
		k.watcher.Stop()
		k.watcher = nil
	}
	if k.Loader != nil {
		k.Loader.Close()
		k.Loader = nil
	}
	if k.Store != nil {
		if err := k.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close workspace store: %w", err))
		}
		k.Store = nil
	}
	if k.logFileSet {
		if err := logx.CloseLogFile(); err != nil {
			errs = append(errs, err)
		}
		k.logFileSet = false
	}
	return errors.Join(errs...)
}

// Workspaces lists every registered workspace in registry order.
func (k *Kernel) Workspaces() ([]workspace.Descriptor, error) {
	if k.Store != nil {
		return k.Store.List()
	}
	if k.Catalog != nil {
		return k.Catalog.List(), nil
	}
	return nil, fmt.Errorf("no workspace registry open")
}
