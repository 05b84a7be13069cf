package cli

// ============================================================================
// 元件組裝
// ============================================================================
//
// App 依設定把所有元件串起來：
//
//   store ─┬─ submitter ─┐
//          ├─ scanconfig ┼─ controller (偵測流程) ── scheduler 週期工作
//          └─ reconciler ┘                 ↑
//   engine ── WatchStateUpdates ── EnqueueOnce(reconcile)
//
// run 指令使用完整組裝；detect / reconcile 只用到其中一部分
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/exposure-pipeline/internal/catalog"
	"github.com/ChuLiYu/exposure-pipeline/internal/controller"
	"github.com/ChuLiYu/exposure-pipeline/internal/engine"
	"github.com/ChuLiYu/exposure-pipeline/internal/logging"
	"github.com/ChuLiYu/exposure-pipeline/internal/metrics"
	"github.com/ChuLiYu/exposure-pipeline/internal/notify"
	"github.com/ChuLiYu/exposure-pipeline/internal/reconciler"
	"github.com/ChuLiYu/exposure-pipeline/internal/scanconfig"
	"github.com/ChuLiYu/exposure-pipeline/internal/scheduler"
	"github.com/ChuLiYu/exposure-pipeline/internal/server"
	"github.com/ChuLiYu/exposure-pipeline/internal/storage/wal"
	"github.com/ChuLiYu/exposure-pipeline/internal/store"
	"github.com/ChuLiYu/exposure-pipeline/internal/submitter"
	"github.com/ChuLiYu/exposure-pipeline/internal/transport"
)

// 排程器中的工作名稱
const (
	WorkDetection = "exposure-detection"
	WorkReconcile = "exposure-reconcile"
	WorkRetention = "exposure-retention"
)

// Engine 管線使用的引擎能力
type Engine interface {
	engine.Engine
	engine.StateWatcher
}

// App 組裝完成的管線
type App struct {
	cfg        *Config
	Store      store.Store
	Journal    *wal.WAL
	Engine     Engine
	Metrics    *metrics.Collector
	Controller *controller.Controller
	Reconciler *reconciler.Reconciler
	Scheduler  *scheduler.Scheduler

	closers []io.Closer
	log     *slog.Logger
}

// AppOption 調整組裝結果，主要給測試與 demo 注入元件
type AppOption func(*appOptions)

type appOptions struct {
	engine   Engine
	notifier notify.Notifier
	http     *http.Client
}

// WithEngine 使用指定的引擎取代設定中的引擎
func WithEngine(e Engine) AppOption {
	return func(o *appOptions) { o.engine = e }
}

// WithNotifier 使用指定的通知器取代設定中的通知器
func WithNotifier(n notify.Notifier) AppOption {
	return func(o *appOptions) { o.notifier = n }
}

// WithHTTPClient 金鑰下載與遠端設定共用的 HTTP client
func WithHTTPClient(c *http.Client) AppOption {
	return func(o *appOptions) { o.http = c }
}

// NewApp 依設定開啟 store、日誌與引擎並組裝所有元件
func NewApp(cfg *Config, opts ...AppOption) (_ *App, err error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{cfg: cfg, log: logging.New("app")}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if app.Store, err = openStore(cfg); err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Store)

	if app.Journal, err = openJournal(cfg); err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Journal)

	app.Engine = o.engine
	if app.Engine == nil {
		if app.Engine, err = app.openEngine(); err != nil {
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector()
	}

	notifier := o.notifier
	if notifier == nil {
		notifier = buildNotifier(cfg)
	}

	fetcher, err := transport.New(transport.Config{
		BaseURL:      cfg.Download.BaseURL,
		DownloadPath: cfg.Download.Path,
		TempDir:      cfg.Download.TempDir,
		Parallelism:  cfg.Download.Parallelism,
		Timeout:      cfg.Download.Timeout,
	}, o.http)
	if err != nil {
		return nil, err
	}

	scanCfg := scanconfig.NewManager(app.Store, scanconfig.Config{
		RemoteURL:          cfg.ScanConfig.RemoteURL,
		Timeout:            cfg.Timeouts.ConfigFetch,
		DataMappingTimeout: cfg.Timeouts.DataMapping,
	}, o.http)

	app.Controller = controller.NewController(controller.Deps{
		Engine:     app.Engine,
		Store:      app.Store,
		Fetcher:    fetcher,
		Submitter:  submitter.New(app.Engine, app.Store, submitter.Config{Timeout: cfg.Timeouts.Submit}, app.Metrics),
		ScanConfig: scanCfg,
		Notifier:   notifier,
		Journal:    app.Journal,
		Metrics:    app.Metrics,
	}, controller.Config{
		IsEnabledTimeout: cfg.Timeouts.IsEnabled,
		Catalog: catalog.Options{
			MaxFilesPerBatch: cfg.Download.MaxFilesPerBatch,
			SplitByRegion:    cfg.Download.SplitByRegion,
		},
	})

	app.Reconciler = reconciler.New(reconciler.Deps{
		Engine:   app.Engine,
		Store:    app.Store,
		Config:   scanCfg,
		Notifier: notifier,
		Journal:  app.Journal,
		Metrics:  app.Metrics,
	}, cfg.Timeouts.Summaries)

	var constraints []scheduler.Constraint
	if cfg.Schedule.RequireNetwork {
		constraints = append(constraints, scheduler.NetworkReachable(cfg.Download.BaseURL, o.http, cfg.Download.Timeout))
	}
	app.Scheduler = scheduler.New(scheduler.Config{
		Workers:     cfg.Schedule.Workers,
		BaseBackoff: cfg.Schedule.BaseBackoff,
		MaxBackoff:  cfg.Schedule.MaxBackoff,
		Constraints: constraints,
	}, app.Metrics)

	return app, nil
}

func openStore(cfg *Config) (store.Store, error) {
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func openJournal(cfg *Config) (*wal.WAL, error) {
	j, err := wal.NewWAL(cfg.Journal.Path, cfg.Journal.Sync)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if cfg.Journal.MaxSize > 0 {
		j.SetMaxSize(cfg.Journal.MaxSize)
	}
	return j, nil
}

func (a *App) openEngine() (Engine, error) {
	switch a.cfg.Engine.Mode {
	case EngineGRPC:
		client, conn, err := engine.Dial(a.cfg.Engine.Address)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn)
		a.log.Info("Using remote matching engine", "address", a.cfg.Engine.Address)
		return client, nil
	default:
		a.log.Info("Using in-process simulated matching engine")
		return engine.NewSimulator(simulatorConfig(a.cfg)), nil
	}
}

func simulatorConfig(cfg *Config) engine.SimulatorConfig {
	sc := engine.DefaultSimulatorConfig()
	sc.RequirePermission = cfg.Engine.RequirePermission
	sc.ProvideQuotaPerDay = cfg.Engine.ProvideQuotaPerDay
	return sc
}

func buildNotifier(cfg *Config) notify.Notifier {
	n := notify.Multi{notify.NewLogNotifier()}
	if cfg.Notify.WebhookURL != "" {
		n = append(n, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout))
	}
	return n
}

// Close 依開啟的相反順序關閉資源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ============================================================================
// 背景工作
// ============================================================================

func (a *App) detectionWork(ctx context.Context) error {
	return a.Controller.Run(ctx).Err()
}

func (a *App) reconcileWork(ctx context.Context) error {
	_, err := a.Reconciler.Run(ctx)
	return err
}

func (a *App) retentionWork(ctx context.Context) error {
	before := time.Now().Add(-a.cfg.Schedule.Retention)
	n, err := a.Store.PruneExposures(ctx, before)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Info("Pruned expired exposures", "count", n, "before", before.Format(time.DateOnly))
	}
	return nil
}

// ScheduleDetection 登記週期偵測（KEEP：已存在則不變）
func (a *App) ScheduleDetection() error {
	_, err := a.Scheduler.SchedulePeriodic(WorkDetection, scheduler.Periodic{
		Interval: a.cfg.Schedule.DetectionInterval,
		Flex:     a.cfg.Schedule.DetectionFlex,
		Policy:   scheduler.PolicyKeep,
	}, a.detectionWork)
	return err
}

// OnEngineState 引擎啟用時恢復週期偵測，停用時取消
func (a *App) OnEngineState(_ context.Context, enabled bool) error {
	if enabled {
		return a.ScheduleDetection()
	}
	if err := a.Scheduler.Cancel(WorkDetection); err != nil && !errors.Is(err, scheduler.ErrUnknownWork) {
		return err
	}
	return nil
}

// Run 啟動常駐服務直到 ctx 取消：排程器、引擎訊號、除錯 API、metrics
func (a *App) Run(ctx context.Context) error {
	if err := a.ScheduleDetection(); err != nil {
		return err
	}
	if _, err := a.Scheduler.SchedulePeriodic(WorkRetention, scheduler.Periodic{
		Interval: a.cfg.Schedule.PruneInterval,
		Policy:   scheduler.PolicyKeep,
	}, a.retentionWork); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Scheduler.Run(ctx) })

	if a.cfg.Engine.WatchState {
		g.Go(func() error {
			err := a.Engine.WatchStateUpdates(ctx, func() {
				a.log.Info("Engine state updated, enqueueing reconciliation")
				a.Scheduler.EnqueueOnce(WorkReconcile, a.reconcileWork)
			})
			if err != nil && ctx.Err() == nil {
				// 訊號中斷不影響週期偵測
				a.log.Warn("Engine state watch ended", "error", err)
			}
			return nil
		})
	}

	if a.cfg.DebugAPI.Enabled {
		api := server.New(server.Deps{
			Detector:   a.Controller,
			Reconciler: a.Reconciler,
			Store:      a.Store,
			Journal:    a.Journal,
			Work:       a.Scheduler,
			OnEngine:   a.OnEngineState,
		})
		g.Go(func() error { return api.ListenAndServe(ctx, a.cfg.DebugAPI.Addr) })
	}

	if a.Metrics != nil {
		addr := fmt.Sprintf(":%d", a.cfg.Metrics.Port)
		g.Go(func() error {
			a.log.Info("Starting metrics server", "addr", addr)
			return metrics.Serve(ctx, addr)
		})
	}

	a.log.Info("Pipeline started",
		"detection_interval", a.cfg.Schedule.DetectionInterval,
		"flex", a.cfg.Schedule.DetectionFlex,
		"engine", a.cfg.Engine.Mode)
	return g.Wait()
}
