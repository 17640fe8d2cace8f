// Package app wires the evaluation service together: persistence, strategy
// cache, selection pipeline, grader, quota ledger, orchestrator, warmer, and
// the HTTP surface, plus the lifecycle that starts and stops them as one.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/repograde/repograde/internal/config"
	"github.com/repograde/repograde/internal/course"
	"github.com/repograde/repograde/internal/db"
	"github.com/repograde/repograde/internal/fetcher"
	"github.com/repograde/repograde/internal/grader"
	"github.com/repograde/repograde/internal/orchestrator"
	"github.com/repograde/repograde/internal/quota"
	"github.com/repograde/repograde/internal/selection"
	"github.com/repograde/repograde/internal/server"
	"github.com/repograde/repograde/internal/strategy"
	"github.com/repograde/repograde/internal/warmer"
)

// App is the assembled service.
type App struct {
	cfg config.Config
	log *slog.Logger

	dbConn *sql.DB
	ledger *quota.Ledger
	orch   *orchestrator.Service
	warm   *warmer.Warmer
	srv    *server.Server
}

// New builds every component from the configuration. The returned App owns
// the database connection; Close releases it.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	catalog, err := course.LoadCatalog(cfg.CoursesPath)
	if err != nil {
		return nil, fmt.Errorf("loading course catalog: %w", err)
	}
	shapes, err := warmer.LoadShapes(cfg.ShapesPath)
	if err != nil {
		return nil, fmt.Errorf("loading warm shapes: %w", err)
	}
	tokens, err := server.ParseStaticTokens(cfg.AuthTokens)
	if err != nil {
		return nil, fmt.Errorf("parsing auth tokens: %w", err)
	}
	if len(tokens) == 0 {
		log.Warn("no auth tokens configured, every authenticated endpoint will reject")
	}

	dbConn, err := db.Connect(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	queries := db.New(dbConn)

	strategies, err := strategy.NewService(ctx, queries, dbConn, catalog.Has, strategy.Options{
		MaxEntries:          cfg.MaxCacheEntries,
		SimilarityThreshold: cfg.SimilarityThreshold,
	}, log)
	if err != nil {
		dbConn.Close()
		return nil, err
	}

	// One chat-completions client serves both the selection pipeline and the
	// grader, so they share a circuit breaker.
	model := grader.NewHTTPClient(grader.ClientOptions{
		BaseURL: cfg.ModelAPIBase,
		APIKey:  cfg.ModelAPIKey,
		Model:   cfg.ModelName,
	}, log)

	pipeline := selection.NewPipeline(strategies, model, selection.Options{
		MaxFiles:            cfg.MaxFilesPerEval,
		SimilarityThreshold: cfg.SimilarityThreshold,
	}, log)

	gh := fetcher.NewGitHub(fetcher.Options{
		BaseURL:      cfg.GitHubAPIBase,
		Token:        cfg.GitHubToken,
		MaxFileBytes: cfg.MaxFileBytes,
	}, log)

	ledger := quota.NewLedger(queries, quota.Options{}, log)

	orch := orchestrator.NewService(orchestrator.Deps{
		Queries:  queries,
		Catalog:  catalog,
		Fetcher:  gh,
		Selector: pipeline,
		Grader:   grader.New(model, log),
		Ledger:   ledger,
		Outcomes: strategies,
	}, orchestrator.Options{
		Workers:           cfg.WorkerCount,
		QueueSize:         cfg.QueueSize,
		Deadline:          cfg.EvalDeadline,
		MaxAggregateBytes: cfg.MaxAggregateBytes,
		MaxListingFiles:   cfg.MaxListingFiles,
	}, log)

	warm := warmer.New(strategies, catalog, shapes, warmer.Options{
		Interval: cfg.WarmInterval,
		MaxFiles: cfg.MaxFilesPerEval,
	}, log)

	srv := server.New(orch, ledger, strategies, tokens, log)

	return &App{
		cfg:    cfg,
		log:    log,
		dbConn: dbConn,
		ledger: ledger,
		orch:   orch,
		warm:   warm,
		srv:    srv,
	}, nil
}

// Run starts the HTTP server, the evaluation workers, the cache warmer, and
// the usage sweeper, then blocks until ctx is canceled or a component fails.
func (a *App) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.orch.Run(ctx) })
	g.Go(func() error { return a.warm.Run(ctx) })
	g.Go(func() error { return a.sweepUsage(ctx) })

	err := g.Wait()
	a.log.Info("service stopped")
	return err
}

// WarmOnce runs a single cache-warming sweep and returns.
func (a *App) WarmOnce(ctx context.Context) {
	a.warm.RunOnce(ctx)
}

// Close releases the database connection.
func (a *App) Close() error {
	return a.dbConn.Close()
}

// sweepUsage periodically rolls expired usage windows forward so stale
// windows do not linger until their owner's next request.
func (a *App) sweepUsage(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.UsageSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.ledger.ResetExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("sweeping expired usage windows", "error", err)
			}
		}
	}
}
