// Package app initializes and holds the services of one run, acting as a
// dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/dealshuttle/internal/clock/system"
	"github.com/JakeFAU/dealshuttle/internal/config"
	"github.com/JakeFAU/dealshuttle/internal/enrich"
	"github.com/JakeFAU/dealshuttle/internal/id/uuid"
	"github.com/JakeFAU/dealshuttle/internal/ledger"
	"github.com/JakeFAU/dealshuttle/internal/metrics"
	"github.com/JakeFAU/dealshuttle/internal/pipeline"
	"github.com/JakeFAU/dealshuttle/internal/policy/ratelimit"
	"github.com/JakeFAU/dealshuttle/internal/product"
	"github.com/JakeFAU/dealshuttle/internal/query"
	"github.com/JakeFAU/dealshuttle/internal/signer"
	"github.com/JakeFAU/dealshuttle/internal/site"
	"github.com/JakeFAU/dealshuttle/internal/storage/gcs"
	"github.com/JakeFAU/dealshuttle/internal/storage/local"
)

// StorageClientFactory opens a GCS client. It is a variable in tests.
type StorageClientFactory func(ctx context.Context) (*storage.Client, error)

// DefaultStorageClient uses Application Default Credentials.
func DefaultStorageClient(ctx context.Context) (*storage.Client, error) {
	return storage.NewClient(ctx)
}

// App holds the shared services for a single invocation.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runner *pipeline.Runner
	ledger *ledger.Ledger
	gcs    *storage.Client
	ids    *uuid.Generator
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetRunner exposes the configured pipeline.
func (a *App) GetRunner() *pipeline.Runner {
	return a.runner
}

// New builds every component from cfg. It fails fast when the site directory
// cannot be created or the ledger cannot be opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, newStorage StorageClientFactory) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing services", zap.String("site_root", cfg.Site.RootDir))

	loc, err := cfg.Site.Location()
	if err != nil {
		return nil, err
	}
	clock := system.New(loc)

	store, err := local.New(local.Config{BaseDir: cfg.Site.RootDir})
	if err != nil {
		return nil, fmt.Errorf("init site storage: %w", err)
	}

	postsDir := filepath.Join(store.BaseDir(), filepath.FromSlash(cfg.Site.PostsDir))
	seen, err := ledger.Open(postsDir, site.Extension, filepath.Join(postsDir, cfg.Site.LedgerFile), logger.Named("ledger"))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a := &App{cfg: cfg, logger: logger, ledger: seen, ids: uuid.New()}

	deps, err := a.buildDeps(ctx, clock, store, newStorage)
	if err != nil {
		a.Close()
		return nil, err
	}
	deps.Ledger = seen

	a.runner, err = pipeline.New(deps, pipeline.Config{
		TargetCount:   cfg.Run.TargetCount,
		MaxQueries:    cfg.Run.MaxQueries,
		MaxPages:      cfg.Search.MaxPages,
		PageSize:      cfg.Search.PageSize,
		MirrorTimeout: cfg.Mirror.Timeout,
	}, logger.Named("pipeline"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	logger.Info("services initialized", zap.Int("known_products", seen.Len()))
	return a, nil
}

func (a *App) buildDeps(ctx context.Context, clock *system.Clock, store *local.BlobStore, newStorage StorageClientFactory) (pipeline.Deps, error) {
	cfg := a.cfg

	querier, err := query.NewGenerator(cfg.Query, nil)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("init query generator: %w", err)
	}

	searcher, err := a.buildSearcher(clock)
	if err != nil {
		return pipeline.Deps{}, err
	}

	describer, err := a.buildEnricher()
	if err != nil {
		return pipeline.Deps{}, err
	}

	writer, err := site.NewWriter(store, clock, site.WriterConfig{
		PostsDir:   cfg.Site.PostsDir,
		Disclosure: cfg.Site.Disclosure,
	})
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("init writer: %w", err)
	}
	rebuilder, err := site.NewRebuilder(store, site.RebuilderConfig{
		BaseURL:       cfg.Site.BaseURL,
		PostsDir:      cfg.Site.PostsDir,
		IndexLimit:    cfg.Site.IndexLimit,
		SiteTitle:     cfg.Site.Title,
		FallbackTitle: cfg.Site.FallbackTitle,
	}, a.logger.Named("rebuild"))
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("init rebuilder: %w", err)
	}

	deps := pipeline.Deps{
		Querier:   querier,
		Searcher:  searcher,
		Describer: describer,
		Writer:    writer,
		Rebuilder: rebuilder,
	}

	if cfg.Mirror.Enabled() {
		if newStorage == nil {
			newStorage = DefaultStorageClient
		}
		client, err := newStorage(ctx)
		if err != nil {
			return pipeline.Deps{}, fmt.Errorf("init gcs client: %w", err)
		}
		a.gcs = client
		mirror, err := gcs.New(client, gcs.Config{Bucket: cfg.Mirror.GCSBucket, Prefix: cfg.Mirror.Prefix})
		if err != nil {
			return pipeline.Deps{}, fmt.Errorf("init mirror: %w", err)
		}
		a.logger.Info("mirroring site to gcs", zap.String("bucket", cfg.Mirror.GCSBucket))
		deps.Mirror = mirror
		deps.Source = store
	}
	return deps, nil
}

func (a *App) buildSearcher(clock *system.Clock) (pipeline.Searcher, error) {
	cfg := a.cfg.Search
	if !cfg.HasCredentials() {
		a.logger.Error("search credentials missing; set COUPANG_ACCESS_KEY and COUPANG_SECRET_KEY. Only the site files will be rebuilt")
		return product.Unconfigured{}, nil
	}
	sign, err := signer.New(cfg.AccessKey, cfg.SecretKey, clock)
	if err != nil {
		return nil, fmt.Errorf("init signer: %w", err)
	}
	searcher, err := product.NewClient(product.Config{
		BaseURL: cfg.BaseURL,
		Path:    cfg.Path,
		SubID:   cfg.SubID,
		Timeout: cfg.Timeout,
	}, sign, nil, a.logger.Named("search"))
	if err != nil {
		return nil, fmt.Errorf("init search client: %w", err)
	}
	return searcher, nil
}

func (a *App) buildEnricher() (*enrich.Enricher, error) {
	cfg := a.cfg.Enrich
	opts := enrich.Options{
		PromptTemplate: cfg.Prompt,
		IncludePrice:   cfg.IncludePrice,
		Timeout:        cfg.Timeout,
	}
	logger := a.logger.Named("enrich")

	client, err := enrich.NewClient(enrich.ClientConfig{
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	}, nil)
	switch {
	case errors.Is(err, enrich.ErrDisabled):
		logger.Warn("no generation api key configured; every page gets fallback copy")
		return enrich.New(nil, nil, opts, logger), nil
	case err != nil:
		return nil, fmt.Errorf("init generation client: %w", err)
	}
	pacer := ratelimit.New(ratelimit.Config{Interval: cfg.Interval}, metrics.ObserveQuotaWait)
	return enrich.New(client, pacer, opts, logger), nil
}

// Run executes one pass and, when configured, pushes the run's metrics.
func (a *App) Run(ctx context.Context) (pipeline.Report, error) {
	runID, err := a.ids.NewID()
	if err != nil {
		return pipeline.Report{}, err
	}
	report, runErr := a.runner.Run(ctx, runID)

	if url := a.cfg.Metrics.PushgatewayURL; url != "" {
		if err := metrics.Push(context.WithoutCancel(ctx), url, a.cfg.Metrics.Job); err != nil {
			a.logger.Warn("metrics push failed", zap.Error(err))
		}
	}
	return report, runErr
}

// Close releases the ledger and any cloud client.
func (a *App) Close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("error closing ledger", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("error closing gcs client", zap.Error(err))
		}
	}
}
