package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kwv/geomfix/changefeed"
	"github.com/kwv/geomfix/fixer"
	"github.com/kwv/geomfix/logging"
)

const defaultConfigFile = "geomfix.yaml"

var errNoLayer = errors.New("no layer configured (use -layer, -redis-layer or -url)")

// App encapsulates the application state and dependencies
type App struct {
	Config     *fixer.Config
	Log        zerolog.Logger
	Layers     *fixer.Registry
	Workflow   *fixer.Workflow
	Metrics    *fixer.Metrics
	Prom       *prometheus.Registry
	Notifiers  []fixer.Notifier
	Presenters []fixer.Presenter
	MQTTClient *fixer.MQTTClient
	Changefeed *changefeed.Publisher
	Store      *fixer.RedisStore

	// Out receives user-facing output, LogOutput the structured log.
	Out       io.Writer
	LogOutput io.Writer

	// CLI flags
	ConfigFile string
	LayerPath  string
	RedisLayer string
	LayerURL   string
	Policy     string
	Engine     string
	OutputDir  string
	LogLevel   string
	CheckOnly  bool
	ServeMode  bool
	HttpPort   int

	ready      bool
	serviceCtx context.Context
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Log:        zerolog.Nop(),
		Prom:       prometheus.NewRegistry(),
		Out:        os.Stdout,
		LogOutput:  os.Stderr,
		ConfigFile: defaultConfigFile,
		serviceCtx: context.Background(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.LayerPath = opts.LayerPath
	a.RedisLayer = opts.RedisLayer
	a.LayerURL = opts.LayerURL
	a.Policy = opts.Policy
	a.Engine = opts.Engine
	a.OutputDir = opts.OutputDir
	a.LogLevel = opts.LogLevel
	a.CheckOnly = opts.CheckOnly
	a.ServeMode = opts.ServeMode
	a.HttpPort = opts.HttpPort
}

// loadConfig reads the config file, tolerating a missing default file, and
// applies the CLI overrides on top.
func (a *App) loadConfig() error {
	if a.Config == nil {
		cfg, err := fixer.LoadConfig(a.ConfigFile)
		switch {
		case err == nil:
			a.Config = cfg
		case a.ConfigFile == defaultConfigFile || a.ConfigFile == "":
			if _, statErr := os.Stat(a.ConfigFile); statErr == nil {
				return err
			}
			a.Config = fixer.DefaultConfig()
			fixer.ApplyEnv(a.Config)
		default:
			return err
		}
	}

	cfg := a.Config
	switch {
	case a.LayerPath != "":
		cfg.Layer = fixer.LayerConfig{Name: cfg.Layer.Name, Path: a.LayerPath}
	case a.RedisLayer != "":
		cfg.Layer = fixer.LayerConfig{Name: cfg.Layer.Name, Redis: a.RedisLayer}
	case a.LayerURL != "":
		cfg.Layer = fixer.LayerConfig{Name: cfg.Layer.Name, URL: a.LayerURL}
	}
	if a.Policy != "" {
		cfg.Policy = a.Policy
	}
	if a.Engine != "" {
		cfg.Engine = a.Engine
	}
	if a.OutputDir != "" {
		cfg.Report.OutputDir = a.OutputDir
	}
	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	if a.HttpPort != 0 {
		cfg.HTTP.Port = a.HttpPort
	}
	return cfg.Validate()
}

// setup builds every component the configuration asks for. Components that
// are already set are kept.
func (a *App) setup(ctx context.Context) error {
	if a.ready {
		return nil
	}
	if err := a.loadConfig(); err != nil {
		return err
	}
	cfg := a.Config

	a.Log = logging.Build(logging.Config{Level: cfg.Log.Level, Console: cfg.Log.Console, Component: "geomfix"}, a.LogOutput)

	engine, err := newEngine(cfg.Engine)
	if err != nil {
		return err
	}
	if a.Layers == nil {
		a.Layers = fixer.NewRegistry(cfg.Report.History)
	}
	if a.Metrics == nil {
		a.Metrics = fixer.NewMetrics(a.Prom)
	}
	a.Workflow = fixer.NewWorkflow(fixer.NewToolbox(engine, cfg.Check),
		fixer.WithTolerance(cfg.Tolerance),
		fixer.WithReportFields(cfg.Report.Fields),
		fixer.WithFIDDisplayCap(cfg.Report.FIDDisplayCap),
		fixer.WithLogger(a.Log),
		fixer.WithMetrics(a.Metrics),
	)

	if a.Notifiers == nil {
		a.Notifiers = []fixer.Notifier{fixer.NewConsoleNotifier(a.Out)}
	}
	if cfg.Report.OutputDir != "" {
		a.Presenters = append(a.Presenters, fixer.NewFilePresenter(cfg.Report.OutputDir, cfg.Report.Formats...))
	}

	if cfg.Redis.Addr != "" && a.Store == nil {
		store, err := fixer.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Prefix, a.Log,
			fixer.WithRedisPassword(cfg.Redis.Password), fixer.WithRedisDB(cfg.Redis.DB))
		if err != nil {
			return err
		}
		a.Store = store
	}

	if len(cfg.Kafka.Brokers) > 0 && a.Changefeed == nil {
		prod, err := changefeed.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		a.Changefeed = changefeed.NewPublisher(prod, cfg.Kafka, a.Log)
	}

	a.ready = true
	a.Log.Debug().Str("engine", engine.Name()).Str("policy", cfg.Policy).Msg("application ready")
	return nil
}

// connectMQTT starts the broker connection, subscribing to commands when handler is set.
func (a *App) connectMQTT(handler fixer.CommandHandler) {
	if a.MQTTClient != nil {
		return
	}
	client := fixer.ConnectMQTT(a.Config.MQTT, handler, a.Log)
	if client == nil {
		return
	}
	a.MQTTClient = client
	n := fixer.NewMQTTNotifier(client.Client(), client.Prefix())
	n.SetQoS(a.Config.MQTT.PublishQoS())
	n.SetRetain(a.Config.MQTT.Retain())
	a.Notifiers = append(a.Notifiers, n)
	a.Presenters = append(a.Presenters, n)
}

// OpenLayer opens the configured layer and registers it.
func (a *App) OpenLayer(ctx context.Context) (*fixer.MemoryLayer, error) {
	lc := a.Config.Layer
	var (
		l   *fixer.MemoryLayer
		err error
	)
	switch {
	case lc.Path != "":
		l, err = fixer.OpenGeoJSONFile(lc.Path)
	case lc.Redis != "":
		if a.Store == nil {
			return nil, fmt.Errorf("layer %s: redis.addr is not configured", lc.Redis)
		}
		l, err = a.Store.Open(ctx, lc.Redis)
	case lc.URL != "":
		l, err = (&fixer.LayerFetcher{Log: a.Log}).Fetch(ctx, lc.URL, lc.Name)
		if err == nil && a.Config.Report.OutputDir != "" {
			// Remote layers cannot be written back; the result is saved next to the reports.
			l.AddCommitHook(fixer.GeoJSONFileHook(filepath.Join(a.Config.Report.OutputDir, l.Name()+".geojson")))
		}
	default:
		return nil, errNoLayer
	}
	if err != nil {
		return nil, err
	}
	a.register(l)
	return l, nil
}

func (a *App) register(l *fixer.MemoryLayer) {
	if a.Changefeed != nil {
		l.AddCommitListener(a.Changefeed.Listener())
	}
	a.Layers.Register(l)
	a.Log.Info().Str("layer", l.Name()).Int("features", l.FeatureCount()).Msg("layer opened")
}

// ReconcileLayer runs the workflow on a registered layer and delivers the report.
func (a *App) ReconcileLayer(ctx context.Context, name string, policy fixer.Policy) (*fixer.Report, error) {
	l, err := a.Layers.Layer(name)
	if err != nil {
		return nil, err
	}
	if policy == "" {
		if policy, err = fixer.ParsePolicy(a.Config.Policy); err != nil {
			return nil, err
		}
	}
	rep, err := a.Workflow.Reconcile(ctx, l, policy)
	if err != nil {
		return nil, err
	}
	a.deliver(ctx, rep)
	return rep, nil
}

// deliver records the report and hands it to every notifier and presenter.
// Delivery failures are logged; the layer is already committed.
func (a *App) deliver(ctx context.Context, rep *fixer.Report) {
	a.Layers.RecordReport(rep)
	n := fixer.NotificationFor(rep)
	for _, notifier := range a.Notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			a.Log.Warn().Err(err).Str("layer", rep.Layer).Msg("notification failed")
		}
	}
	for _, p := range a.Presenters {
		if err := p.Present(ctx, rep); err != nil {
			a.Log.Warn().Err(err).Str("layer", rep.Layer).Msg("report presentation failed")
		}
	}
}

// RunReconcile reconciles the configured layer once.
func (a *App) RunReconcile() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.setup(ctx); err != nil {
		return err
	}
	defer a.Close()

	a.connectMQTT(nil)
	l, err := a.OpenLayer(ctx)
	if err != nil {
		return err
	}
	if a.MQTTClient != nil && !a.MQTTClient.WaitConnected(5*time.Second) {
		a.Log.Warn().Msg("MQTT not connected, notifications will be skipped")
	}

	rep, err := a.ReconcileLayer(ctx, l.Name(), "")
	if err != nil {
		return err
	}
	return fixer.FormatText(a.Out, rep)
}

// RunCheckOnly reports invalid geometries of the configured layer without editing it.
func (a *App) RunCheckOnly() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.setup(ctx); err != nil {
		return err
	}
	defer a.Close()

	l, err := a.OpenLayer(ctx)
	if err != nil {
		return err
	}
	vp, err := a.Workflow.Toolbox().CheckValidity(ctx, l.Features())
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "Layer %s: %d features, %d invalid, %d errors\n",
		l.Name(), l.FeatureCount(), len(vp.Invalid), len(vp.Errors))
	for _, group := range [][]*fixer.Feature{vp.Invalid, vp.Errors} {
		for _, f := range group {
			is := vp.Issues[f.FID]
			if is.Kind == fixer.IssueInvalid {
				fmt.Fprintf(a.Out, "  %d: %s at (%g %g)\n", f.FID, is.Reason, is.Location[0], is.Location[1])
			} else {
				fmt.Fprintf(a.Out, "  %d: %s\n", f.FID, is.Reason)
			}
		}
	}
	return nil
}

// RunService serves the HTTP API and MQTT reconcile commands until interrupted.
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.serviceCtx = ctx

	if err := a.setup(ctx); err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.OpenLayer(ctx); err != nil && !errors.Is(err, errNoLayer) {
		return err
	}
	if a.Store != nil {
		names, err := a.Store.Layers(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, err := a.Layers.Layer(name); err == nil {
				continue
			}
			l, err := a.Store.Open(ctx, name)
			if err != nil {
				a.Log.Warn().Err(err).Str("layer", name).Msg("skipping redis layer")
				continue
			}
			a.register(l)
		}
	}
	a.connectMQTT(a.handleCommand)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.HTTP.Port),
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Log.Info().Str("addr", srv.Addr).Strs("layers", a.Layers.Names()).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		a.Log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// handleCommand runs an MQTT reconcile command off the client's callback goroutine.
func (a *App) handleCommand(cmd fixer.ReconcileCommand) {
	go func() {
		if _, err := a.ReconcileLayer(a.serviceCtx, cmd.Layer, cmd.Policy); err != nil {
			a.Log.Error().Err(err).Str("layer", cmd.Layer).Msg("reconcile command failed")
		}
	}()
}

// Close releases the broker, producer and store connections.
func (a *App) Close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.Changefeed != nil {
		if err := a.Changefeed.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("closing change feed")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("closing redis store")
		}
	}
}
