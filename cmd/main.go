package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"

	"harvester/internal/config"
	"harvester/internal/core/extract"
	"harvester/internal/core/extractlog"
	"harvester/internal/core/reconcile"
	"harvester/internal/core/registry"
	"harvester/internal/core/run"
	"harvester/internal/core/store"
	"harvester/internal/logger"
	"harvester/internal/platform/postgres"
	rds "harvester/internal/platform/redis"
	tasks "harvester/internal/platform/tasks"
	"harvester/internal/server"
	"harvester/internal/worker"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: harvester <command> [flags]

commands:
  extract          run the discovery + detail pipeline for a site
  compare          reconcile registry against stored detail data
  analyze          alias for compare
  sweep            return stale processing leases to pending
  requeue-missing  requeue completed URLs that have no detail row
  serve            run the HTTP API, worker and scheduled reconciliation`)
	os.Exit(2)
}

func main() {
	os.Exit(realMain())
}

// realMain exists so deferred cleanup still fires before the exit code is set.
func realMain() int {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]

	cfg := config.Load()
	logr := logger.New("main")

	sites, err := config.LoadSites(cfg.SitesFile, cfg.DefaultMaxRetries)
	if err != nil {
		log.Fatalf("load sites: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, sites)
	if err != nil {
		log.Fatal(err)
	}
	defer app.close()

	switch cmd {
	case "extract":
		return app.cmdExtract(ctx, args)
	case "compare", "analyze":
		return app.cmdCompare(ctx, args)
	case "sweep":
		return app.cmdSweep(ctx)
	case "requeue-missing":
		return app.cmdRequeueMissing(ctx, args)
	case "serve":
		return app.cmdServe(ctx)
	default:
		logr.LogErrorf("unknown command %q", cmd)
		usage()
		return 2
	}
}

// application bundles every wired service. All commands share this setup.
type application struct {
	cfg   config.Config
	sites []config.Site
	log   *logger.Logger

	redis     *rds.Service
	db        *postgres.Service
	taskQueue *tasks.Client

	registry  *registry.Service
	store     *store.Service
	elog      *extractlog.Service
	runs      *run.Service
	extract   *extract.Service
	reconcile *reconcile.Service
}

func newApp(ctx context.Context, cfg config.Config, sites []config.Site) (*application, error) {
	redisSvc, err := rds.New(rds.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	dbSvc, err := postgres.New(ctx, &cfg)
	if err != nil {
		redisSvc.Close()
		return nil, err
	}
	if err := dbSvc.EnsureSchema(ctx); err != nil {
		redisSvc.Close()
		dbSvc.Close()
		return nil, err
	}

	taskClient := tasks.New(redisSvc)
	registrySvc := registry.NewService(dbSvc)
	storeSvc := store.NewService(dbSvc)
	elogSvc := extractlog.NewService(dbSvc)
	runSvc := run.NewService(redisSvc)

	extractSvc, err := extract.NewService(cfg, sites, registrySvc, storeSvc, elogSvc, runSvc, taskClient)
	if err != nil {
		return nil, err
	}
	reconcileSvc := reconcile.NewService(cfg, registrySvc, storeSvc)

	return &application{
		cfg:       cfg,
		sites:     sites,
		log:       logger.New("main"),
		redis:     redisSvc,
		db:        dbSvc,
		taskQueue: taskClient,
		registry:  registrySvc,
		store:     storeSvc,
		elog:      elogSvc,
		runs:      runSvc,
		extract:   extractSvc,
		reconcile: reconcileSvc,
	}, nil
}

func (a *application) close() {
	a.taskQueue.Close()
	a.db.Close()
	a.redis.Close()
}

// startWorker runs the asynq consumer with one weighted queue per site.
func (a *application) startWorker() *asynq.Server {
	concurrency := a.cfg.MaxActiveSites * a.cfg.WorkersPerSite
	if concurrency < 1 {
		concurrency = 1
	}
	srv := asynq.NewServer(a.redis.AsynqRedisOpt(), asynq.Config{
		Concurrency: concurrency,
		Queues:      worker.Queues(siteNames(a.sites)),
	})

	mux := worker.NewMux()
	mux.HandleFunc(tasks.TaskTypeDiscovery, a.extract.HandleDiscoveryTask)
	mux.HandleFunc(tasks.TaskTypeDetailBatch, a.extract.HandleDetailBatchTask)
	mux.HandleFunc(tasks.TaskTypeSweep, a.extract.HandleSweepTask)

	go func() {
		if err := srv.Start(mux.Mux()); err != nil {
			a.log.LogErrorf("worker stopped: %v", err)
		}
	}()
	return srv
}

func (a *application) cmdExtract(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	siteName := fs.String("site", "", "site to extract (default: all configured sites)")
	pages := fs.Int("pages", 0, "search pages to walk (default: DISCOVERY_PAGES)")
	fs.Parse(args)

	targets := siteNames(a.sites)
	if *siteName != "" {
		targets = []string{*siteName}
	}

	asynqSrv := a.startWorker()
	defer asynqSrv.Shutdown()

	for _, site := range targets {
		if _, err := a.extract.StartExtraction(ctx, site, *pages); err != nil {
			a.log.LogErrorf("start extraction for %s: %v", site, err)
			return 1
		}
	}

	exitCode := 0
	for _, site := range targets {
		counts, err := a.extract.WaitForCompletion(ctx, site, 2*time.Second)
		if err != nil {
			a.log.LogErrorf("wait for %s: %v", site, err)
			return 1
		}
		a.log.LogInfof("%s finished: %d completed, %d failed, %d exhausted",
			site, counts.Completed, counts.Failed, counts.Exhausted)
		if counts.Exhausted > int64(a.cfg.ExhaustedThreshold) {
			a.log.LogErrorf("%s exceeded the exhausted threshold (%d > %d)",
				site, counts.Exhausted, a.cfg.ExhaustedThreshold)
			exitCode = 1
		}
	}
	return exitCode
}

func (a *application) cmdCompare(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("compare", flag.ExitOnError)
	siteName := fs.String("site", "", "site to reconcile (default: all configured sites)")
	fs.Parse(args)

	targets := siteNames(a.sites)
	if *siteName != "" {
		targets = []string{*siteName}
	}

	reports, err := a.reconcile.CompareAll(ctx, targets)
	if err != nil {
		a.log.LogErrorf("reconcile: %v", err)
		return 1
	}

	exitCode := 0
	for _, r := range reports {
		fmt.Print(r.Render())
		if !r.Healthy(a.cfg.DriftTolerance) {
			exitCode = 1
		}
	}
	return exitCode
}

func (a *application) cmdSweep(ctx context.Context) int {
	n, err := a.registry.SweepStale(ctx, a.cfg.StaleProcessing)
	if err != nil {
		a.log.LogErrorf("sweep: %v", err)
		return 1
	}
	a.log.LogInfof("Swept %d stale leases (threshold %s)", n, a.cfg.StaleProcessing)
	return 0
}

func (a *application) cmdRequeueMissing(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("requeue-missing", flag.ExitOnError)
	siteName := fs.String("site", "", "site to requeue (default: all configured sites)")
	fs.Parse(args)

	targets := siteNames(a.sites)
	if *siteName != "" {
		targets = []string{*siteName}
	}

	for _, site := range targets {
		report, err := a.reconcile.Compare(ctx, site)
		if err != nil {
			a.log.LogErrorf("reconcile %s: %v", site, err)
			return 1
		}
		if len(report.MissingInDetail) == 0 {
			a.log.LogInfof("%s: nothing to requeue", site)
			continue
		}
		n, err := a.registry.Requeue(ctx, site, report.MissingInDetail)
		if err != nil {
			a.log.LogErrorf("requeue %s: %v", site, err)
			return 1
		}
		a.log.LogSuccessf("%s: requeued %d of %d missing URLs", site, n, len(report.MissingInDetail))
	}
	return 0
}

func (a *application) cmdServe(ctx context.Context) int {
	asynqSrv := a.startWorker()

	// Scheduled reconciliation and stale sweeps.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(a.cfg.ReconcileCron, func() {
		if _, err := a.reconcile.CompareAll(context.Background(), siteNames(a.sites)); err != nil {
			a.log.LogErrorf("scheduled reconcile: %v", err)
		}
	}); err != nil {
		a.log.LogErrorf("invalid RECONCILE_CRON %q: %v", a.cfg.ReconcileCron, err)
		return 1
	}
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", a.cfg.SweepInterval), func() {
		if err := a.extract.EnqueueSweep(); err != nil {
			a.log.LogErrorf("enqueue sweep: %v", err)
		}
	}); err != nil {
		a.log.LogErrorf("invalid sweep interval: %v", err)
		return 1
	}
	scheduler.Start()

	app := fiber.New(fiber.Config{
		AppName: "Harvester",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})
	// Serve saved reports from DATA_DIR under /files.
	app.Static("/files", a.cfg.DataDir)

	healthHandler := server.RegisterRoutes(app, server.Dependencies{
		Extract:   a.extract,
		Reconcile: a.reconcile,
		Registry:  a.registry,
		Runs:      a.runs,
		Redis:     a.redis,
		Postgres:  a.db,
	})
	go func() {
		time.Sleep(2 * time.Second)
		healthHandler.SetReady()
	}()

	go func() {
		<-ctx.Done()
		a.log.LogInfo("Shutting down...")
		scheduler.Stop()
		asynqSrv.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	a.log.LogInfof("Listening at %s (env=%s)", a.cfg.HTTPAddr, a.cfg.AppEnv)
	if err := app.Listen(a.cfg.HTTPAddr); err != nil {
		a.log.LogErrorf("server listen: %v", err)
		return 1
	}
	return 0
}

func siteNames(sites []config.Site) []string {
	names := make([]string, 0, len(sites))
	for _, s := range sites {
		names = append(names, s.Name)
	}
	return names
}
