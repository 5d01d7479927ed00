package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/geoos/geoarchive/internal/archive"
	"github.com/geoos/geoarchive/internal/cache/keys"
	"github.com/geoos/geoarchive/internal/cache/redisstore"
	"github.com/geoos/geoarchive/internal/catalog"
	"github.com/geoos/geoarchive/internal/core/config"
	"github.com/geoos/geoarchive/internal/core/httpclient"
	"github.com/geoos/geoarchive/internal/core/observability"
	"github.com/geoos/geoarchive/internal/core/router"
	"github.com/geoos/geoarchive/internal/core/server"
	"github.com/geoos/geoarchive/internal/daemon"
	"github.com/geoos/geoarchive/internal/events"
	"github.com/geoos/geoarchive/internal/history"
	"github.com/geoos/geoarchive/internal/ingest"
	"github.com/geoos/geoarchive/internal/logger"
	"github.com/geoos/geoarchive/internal/metrics"
	"github.com/geoos/geoarchive/internal/query"
	"github.com/geoos/geoarchive/internal/raster"
	_ "github.com/geoos/geoarchive/internal/raster/gdal"
	_ "github.com/geoos/geoarchive/internal/raster/ncnative"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "geoarchive",
		Version:   Version,
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting geoarchive",
		"version", Version,
		"data", cfg.DataPath,
		"config", cfg.ConfigPath,
		"engine", cfg.RasterEngine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	layout := archive.New(cfg.DataPath)
	if err := layout.EnsureDirs(); err != nil {
		appLog.Error("cannot prepare data folders", "err", err)
		return 1
	}

	engine, err := raster.New(cfg.RasterEngine, raster.Options{
		BinDir:  cfg.GDALBinDir,
		Timeout: cfg.EngineTimeout,
		TmpDir:  layout.Dir(archive.Tmp),
		Logger:  appLog,
	})
	if err != nil {
		appLog.Error("raster engine setup failed", "err", err)
		return 1
	}

	store := catalog.NewStore(nil)
	var (
		sweepOpts  []ingest.Option
		retainOpts []daemon.RetentionOption
		rasterOpts []query.RasterOption
		ledger     router.ImportLister
		respCache  *redisstore.Client
	)

	if cfg.HistoryDB != "" {
		l, err := history.Open(ctx, cfg.HistoryDB, appLog)
		if err != nil {
			appLog.Error("import history unavailable", "path", cfg.HistoryDB, "err", err)
			return 1
		}
		defer func() { _ = l.Close() }()
		sweepOpts = append(sweepOpts, ingest.WithLedger(l))
		ledger = l
	}

	if cfg.Events.Enabled {
		pub, err := events.NewPublisher(cfg.Events.BrokerList(), cfg.Events.Topic, cfg.Events.QueueSize, appLog)
		if err != nil {
			appLog.Error("event publisher setup failed", "err", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
		sweepOpts = append(sweepOpts, ingest.WithEvents(pub))
		retainOpts = append(retainOpts, daemon.WithEvents(pub))
	}

	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr,
			redisstore.WithPoolSize(cfg.RedisPoolSize),
			redisstore.WithReadTimeout(cfg.CacheOpTimeout),
			redisstore.WithWriteTimeout(cfg.CacheOpTimeout))
		if err != nil {
			// responses are recomputed without a cache
			appLog.Warn("response cache disabled", "addr", cfg.RedisAddr, "err", err)
		} else {
			defer func() { _ = rc.Close() }()
			respCache = rc
			rasterOpts = append(rasterOpts, query.WithResponseCache(rc, cfg.CacheTTLDefault, cfg.CacheOpTimeout))
		}
	}

	rq := query.NewRaster(store, layout, engine, appLog, rasterOpts...)
	vq := query.NewVector(store, layout, appLog)
	deps := router.Deps{
		Store:   store,
		Raster:  rq,
		Vector:  vq,
		Formula: query.NewFormula(rq, httpclient.NewOutbound(cfg.EngineTimeout), cfg.FormulaMaxSources, cfg.FormulaFetchConcurrency, appLog),
		History: ledger,
		Logger:  appLog,
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsEnabled {
		p := metrics.Init(metrics.Config{
			Addr: cfg.MetricsAddr,
			Path: cfg.MetricsPath,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		g.Go(func() error { return p.Serve(gctx, appLog) })
	} else {
		deps.Metrics = promhttp.Handler()
	}

	web := server.NewManager(router.New(deps), appLog)
	watcher := catalog.NewWatcher(cfg.ConfigPath, store, appLog)
	watcher.OnApply(func(c *catalog.Catalog) {
		observability.SetCatalogLoaded(c != nil)
		if c == nil {
			return
		}
		if err := web.Apply(gctx, c.WebServer); err != nil {
			appLog.Error("webserver not started", "err", err)
		}
		if respCache != nil {
			// cached responses carry options of the previous catalog
			n, err := respCache.DeletePrefix(gctx, keys.Namespace)
			if err != nil {
				appLog.Warn("response cache purge failed", "err", err)
			} else if n > 0 {
				appLog.Info("response cache purged after reload", "keys", n)
			}
		}
	})

	sweeper := ingest.NewSweeper(layout, store, engine, appLog, sweepOpts...)
	if _, err := sweeper.RestoreWorking(ctx); err != nil {
		appLog.Warn("cannot inspect working folder", "err", err)
	}
	retention := daemon.NewRetention(layout, store, appLog, retainOpts...)

	loops := []*daemon.Loop{
		daemon.NewLoop("config", cfg.ConfigPollInterval, func(ctx context.Context) error {
			watcher.Poll(ctx)
			return nil
		}, appLog),
		daemon.NewLoop("import", cfg.ImportInterval, func(ctx context.Context) error {
			_, err := sweeper.Sweep(ctx)
			return err
		}, appLog),
		daemon.NewLoop("retention", cfg.RetentionInterval, func(ctx context.Context) error {
			n, err := retention.Sweep(ctx)
			if n > 0 {
				appLog.InfoContext(ctx, "retention sweep", "deleted", n)
			}
			return err
		}, appLog),
	}
	if cfg.Events.Enabled && cfg.Events.Group != "" {
		consumer := events.NewConsumer(events.ConsumerConfig{
			Brokers: cfg.Events.BrokerList(),
			Topic:   cfg.Events.Topic,
			GroupID: cfg.Events.Group,
		}, func(_ context.Context, ev events.Event) error {
			if ev.Path != "" && (ev.Kind == events.KindArchived || ev.Kind == events.KindDeleted) {
				vq.Forget(ev.DataSet, ev.Path)
			}
			return nil
		}, appLog)
		g.Go(func() error { return consumer.Start(gctx) })
	}
	for _, l := range loops {
		g.Go(func() error {
			l.Run(gctx)
			return nil
		})
	}

	<-gctx.Done()
	appLog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := web.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("webserver shutdown", "err", err)
	}
	if err := g.Wait(); err != nil {
		appLog.Error("stopped with error", "err", err)
		return 1
	}
	appLog.Info("geoarchive stopped")
	return 0
}
