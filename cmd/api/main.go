package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"provider-scout/internal/audit"
	"provider-scout/internal/auth"
	"provider-scout/internal/batch"
	"provider-scout/internal/calls"
	"provider-scout/internal/config"
	"provider-scout/internal/httpapi"
	"provider-scout/internal/jobs"
	"provider-scout/internal/lifecycle"
	"provider-scout/internal/reconcile"
	"provider-scout/internal/relay"
	"provider-scout/internal/resultcache"
	"provider-scout/internal/routing"
	"provider-scout/internal/scoring"
	"provider-scout/internal/store"
	"provider-scout/internal/telephony"
	"provider-scout/internal/workflow"
	"provider-scout/pkg/logger"
	"provider-scout/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)
	ctx := logger.With(rootCtx, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(ctx, stop, cfg, log); err != nil {
		log.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	driver := store.DriverPostgres
	if cfg.DB.Driver == "sqlite" {
		driver = store.DriverSQLite
	}
	db, err := store.Open(ctx, driver, cfg.DatabaseDSN(), utils.PoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db, driver); err != nil {
		return err
	}
	repo := store.NewSQLStore(db)
	auditLog := audit.NewService(audit.NewSQLRepo(db))

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		return err
	}
	defer rdb.Close()

	cache := resultcache.New(cfg.Cache.TTL, cfg.Cache.SweepInterval)
	publisher := relay.NewPublisher(rdb, relay.DefaultChannel)
	subscriber := relay.NewSubscriber(rdb, relay.DefaultChannel, cache)
	rec := reconcile.New(repo, auditLog)

	platform := telephony.NewHTTPPlatform(telephony.HTTPPlatformConfig{
		BaseURL:       cfg.Voice.BaseURL,
		APIKey:        cfg.Voice.APIKey,
		AssistantID:   cfg.Voice.AssistantID,
		PhoneNumberID: cfg.Voice.PhoneNumberID,
		CreateRate:    cfg.Voice.CreateRate,
		CreateBurst:   cfg.Voice.CreateBurst,
	}, nil)
	var slots *telephony.CallSlots
	if cfg.Voice.MaxLiveCalls > 0 {
		slots = telephony.NewCallSlots(rdb, "", cfg.Voice.MaxLiveCalls, cfg.Voice.CallTimeout+time.Minute, cfg.Voice.CallTimeout)
	}
	direct := telephony.NewDirectClient(platform, cache, slots, telephony.DirectConfig{
		CacheInterval: cfg.Voice.CacheInterval,
		MissThreshold: cfg.Voice.MissThreshold,
		PollInterval:  cfg.Voice.PollInterval,
		Ceiling:       cfg.Voice.CallTimeout,
	})
	direct.OnStarted = func(ctx context.Context, req calls.CallRequest, callID string) error {
		return rec.RecordStarted(ctx, req, callID, telephony.BackendDirect)
	}

	var wf routing.WorkflowBackend
	if cfg.Workflow.Enabled {
		wf = workflow.NewBackend(workflow.NewClient(workflow.Config{
			BaseURL:      cfg.Workflow.BaseURL,
			Namespace:    cfg.Workflow.Namespace,
			FlowID:       cfg.Workflow.FlowID,
			Username:     cfg.Workflow.Username,
			Password:     cfg.Workflow.Password,
			PollInterval: cfg.Workflow.PollInterval,
		}, nil), cfg.Workflow.PollTimeout)
	}
	directBackend := batch.NewDirectBackend(direct)
	directBackend.Systemic = telephony.IsSystemic
	router := routing.New(wf, directBackend, batch.New(cfg.Batch.Limit, rec), routing.Options{
		WorkflowEnabled: cfg.Workflow.Enabled,
		ProbeTimeout:    cfg.Workflow.ProbeTimeout,
	})

	scorer, err := newScorer(ctx, cfg.Scoring)
	if err != nil {
		return err
	}
	machine := lifecycle.New(repo, router, scorer, auditLog, lifecycle.Config{
		PollInterval:   cfg.Lifecycle.PollInterval,
		PollAttempts:   cfg.Lifecycle.PollAttempts,
		ScoringTimeout: cfg.Scoring.Timeout,
	})

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password}
	queue := jobs.NewClient(redisOpt, cfg.Lifecycle.Queue, taskTimeout(cfg))
	defer queue.Close()
	handler := jobs.NewHandler(machine, queue, jobs.RecheckPolicy{
		MaxAttempts: cfg.Lifecycle.RecheckMax,
		BaseDelay:   cfg.Lifecycle.RecheckBase,
		MaxDelay:    cfg.Lifecycle.RecheckMaxDelay,
	})
	worker := jobs.NewWorker(redisOpt, cfg.Lifecycle.Queue, cfg.Lifecycle.Concurrency, handler, log)

	if n, err := jobs.RequeueStale(ctx, repo, queue, cfg.Lifecycle.StaleAfter, time.Now()); err != nil {
		log.Warn("requeue_stale_failed", "err", err)
	} else if n > 0 {
		log.Info("requeue_stale", "requests", n)
	}

	r := newRouter(cfg, log, routeDeps{
		auth: auth.RequireAccessToken(authManager),
		webhook: telephony.WebhookHandler{
			Cache:  cache,
			Relay:  publisher,
			Sink:   rec,
			Secret: cfg.Voice.WebhookSecret,
		},
		api: httpapiHandlers(repo, queue, machine, auditLog),
		ready: func(ctx context.Context) error {
			return utils.HealthCheck(ctx, db, 2*time.Second)
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cache.Run(gctx)
		return nil
	})
	g.Go(func() error { return subscriber.Run(gctx) })
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			return err
		}
		return nil
	})

	<-gctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	stop()
	err = g.Wait()

	return err
}

// taskTimeout covers a run over the largest allowed batch: its waves, the
// completion loop and scoring. A workflow run is one wave bounded by the
// engine poll timeout.
func taskTimeout(cfg config.Config) time.Duration {
	tail := time.Duration(cfg.Lifecycle.PollAttempts)*cfg.Lifecycle.PollInterval + cfg.Scoring.Timeout
	d := jobs.TaskTimeout(httpapi.MaxProviders, cfg.Batch.Limit, cfg.Voice.CallTimeout, tail)
	if cfg.Workflow.Enabled {
		d = max(d, jobs.TaskTimeout(1, 1, cfg.Workflow.ProbeTimeout+cfg.Workflow.PollTimeout, tail))
	}
	return d
}

func newScorer(ctx context.Context, cfg config.ScoringConfig) (*scoring.Scorer, error) {
	weights := scoring.DefaultWeights()
	if cfg.WeightsPath != "" {
		w, err := scoring.LoadWeights(cfg.WeightsPath)
		if err != nil {
			return nil, err
		}
		weights = w
	}

	var reasoner scoring.Reasoner
	switch {
	case cfg.ReasonerURL != "":
		reasoner = scoring.NewHTTPReasoner(cfg.ReasonerURL, cfg.ReasonerAPIKey, nil)
	case cfg.GeminiAPIKey != "":
		g, err := scoring.NewGeminiReasoner(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		reasoner = g
	}
	return scoring.New(weights, cfg.TopK, reasoner)
}
