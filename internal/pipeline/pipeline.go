// Package pipeline runs one syndication pass: generate queries, fetch
// products, drop the ones already published, describe the rest, write one page
// each, then rebuild the site-wide files.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dealshuttle/internal/enrich"
	"github.com/JakeFAU/dealshuttle/internal/metrics"
	"github.com/JakeFAU/dealshuttle/internal/product"
	"github.com/JakeFAU/dealshuttle/internal/site"
	"github.com/JakeFAU/dealshuttle/internal/storage/gcs"
)

// ErrLedger means a published id could not be made durable; the item loop
// stops because later runs could no longer be trusted to skip it.
var ErrLedger = errors.New("ledger append failed")

// Querier yields search keywords.
type Querier interface {
	Next() string
}

// Searcher fetches one page of products.
type Searcher interface {
	Search(ctx context.Context, req product.Request) ([]product.Record, error)
}

// Ledger tracks published product ids.
type Ledger interface {
	Seen(id string) bool
	Record(id string) error
}

// Describer produces prose for a product and never fails.
type Describer interface {
	Describe(ctx context.Context, name string, price int64) enrich.Content
}

// Writer persists a product page.
type Writer interface {
	Write(ctx context.Context, rec product.Record, content enrich.Content) (string, error)
}

// Rebuilder regenerates the aggregate site files.
type Rebuilder interface {
	Rebuild(ctx context.Context) (site.Summary, error)
}

// Mirror copies site files somewhere else.
type Mirror interface {
	Mirror(ctx context.Context, src gcs.Source, paths []string) ([]string, error)
}

// Deps are the collaborators of a Runner. Mirror and Source are optional.
type Deps struct {
	Querier   Querier
	Searcher  Searcher
	Ledger    Ledger
	Describer Describer
	Writer    Writer
	Rebuilder Rebuilder
	Mirror    Mirror
	Source    gcs.Source
}

// Config bounds one run.
type Config struct {
	// TargetCount is the number of new pages after which the run stops.
	TargetCount int
	// MaxQueries caps the keywords tried, so a run over a saturated catalogue
	// still ends.
	MaxQueries int
	// MaxPages is the number of result pages read per keyword.
	MaxPages int
	// PageSize is the number of results requested per page.
	PageSize int
	// MirrorTimeout bounds the whole mirror step.
	MirrorTimeout time.Duration
}

// Report summarizes a run.
type Report struct {
	RunID        string
	Queries      []string
	Searches     int
	Fetched      int
	Duplicates   int
	Written      []string
	Fallbacks    int
	Failed       int
	Unauthorized bool
	Rebuild      site.Summary
	Mirrored     []string
	Duration     time.Duration
}

// Runner executes runs. It is strictly sequential.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New validates deps and builds a Runner.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Querier == nil:
		return nil, errors.New("querier is required")
	case deps.Searcher == nil:
		return nil, errors.New("searcher is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.Describer == nil:
		return nil, errors.New("describer is required")
	case deps.Writer == nil:
		return nil, errors.New("writer is required")
	case deps.Rebuilder == nil:
		return nil, errors.New("rebuilder is required")
	case deps.Mirror != nil && deps.Source == nil:
		return nil, errors.New("mirror requires a source")
	}
	if cfg.TargetCount <= 0 {
		return nil, fmt.Errorf("target count must be > 0, got %d", cfg.TargetCount)
	}
	if cfg.MaxQueries <= 0 {
		return nil, fmt.Errorf("max queries must be > 0, got %d", cfg.MaxQueries)
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.PageSize <= 0 || cfg.PageSize > product.MaxPageSize {
		cfg.PageSize = product.MaxPageSize
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Run performs one pass. Item-level failures are logged and skipped. The
// returned error is non-nil when the item loop was cut short by cancellation,
// a rejected signature, or a ledger failure, or when the rebuild failed; the rebuild itself runs in
// every case, on a context that ignores cancellation.
func (r *Runner) Run(ctx context.Context, runID string) (Report, error) {
	start := r.now()
	report := Report{RunID: runID}
	logger := r.logger.With(zap.String("run_id", runID))
	logger.Info("run started",
		zap.Int("target", r.cfg.TargetCount),
		zap.Int("max_queries", r.cfg.MaxQueries),
	)

	loopErr := r.collect(ctx, logger, &report)

	rebuildCtx := context.WithoutCancel(ctx)
	summary, rebuildErr := r.deps.Rebuilder.Rebuild(rebuildCtx)
	report.Rebuild = summary
	if rebuildErr != nil {
		logger.Error("site rebuild incomplete", zap.Error(rebuildErr), zap.Strings("written", summary.Files))
		rebuildErr = fmt.Errorf("rebuild site: %w", rebuildErr)
	} else {
		logger.Info("site rebuilt", zap.Int("posts", summary.Posts), zap.Int("indexed", summary.Indexed))
	}

	if r.deps.Mirror != nil {
		r.mirror(rebuildCtx, logger, &report)
	}

	report.Duration = r.now().Sub(start)
	metrics.ObserveRun(report.Duration, r.now())
	logger.Info("run finished",
		zap.Int("written", len(report.Written)),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("fallbacks", report.Fallbacks),
		zap.Int("failed", report.Failed),
		zap.Bool("unauthorized", report.Unauthorized),
		zap.Duration("duration", report.Duration),
	)
	return report, errors.Join(loopErr, rebuildErr)
}

// collect runs the bounded query loop.
func (r *Runner) collect(ctx context.Context, logger *zap.Logger, report *Report) error {
	// Ids handled this run, so a product returned by two queries is processed once.
	handled := make(map[string]struct{})

	for q := 0; q < r.cfg.MaxQueries && len(report.Written) < r.cfg.TargetCount; q++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run interrupted: %w", err)
		}
		keyword := r.deps.Querier.Next()
		report.Queries = append(report.Queries, keyword)
		qlog := logger.With(zap.String("keyword", keyword))
		qlog.Info("searching")

	pages:
		for page := 1; page <= r.cfg.MaxPages && len(report.Written) < r.cfg.TargetCount; page++ {
			records, err := r.deps.Searcher.Search(ctx, product.Request{Keyword: keyword, Page: page, Limit: r.cfg.PageSize})
			report.Searches++
			switch {
			case errors.Is(err, product.ErrUnauthorized):
				// Every later call would be rejected the same way.
				metrics.ObserveSearch(metrics.OutcomeUnauthorized, 0)
				report.Unauthorized = true
				return fmt.Errorf("searching stopped: %w", err)
			case err != nil:
				metrics.ObserveSearch(metrics.OutcomeError, 0)
				if ctxErr := ctx.Err(); ctxErr != nil {
					return fmt.Errorf("run interrupted: %w", ctxErr)
				}
				break pages
			case len(records) == 0:
				metrics.ObserveSearch(metrics.OutcomeEmpty, 0)
				break pages
			}
			metrics.ObserveSearch(metrics.OutcomeOK, len(records))
			report.Fetched += len(records)

			if err := r.process(ctx, qlog, records, handled, report); err != nil {
				return err
			}
			if len(records) < r.cfg.PageSize {
				break
			}
		}
	}
	return nil
}

// process handles one page of records.
func (r *Runner) process(ctx context.Context, logger *zap.Logger, records []product.Record, handled map[string]struct{}, report *Report) error {
	for _, rec := range records {
		if len(report.Written) >= r.cfg.TargetCount {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run interrupted: %w", err)
		}
		ilog := logger.With(zap.String("product_id", rec.ID))

		if _, ok := handled[rec.ID]; ok || r.deps.Ledger.Seen(rec.ID) {
			report.Duplicates++
			metrics.ObserveDuplicate()
			ilog.Debug("already published")
			continue
		}
		handled[rec.ID] = struct{}{}

		if !site.ValidID(rec.ID) {
			report.Failed++
			ilog.Warn("skipping product with an id unusable in a file name")
			continue
		}

		content := r.deps.Describer.Describe(ctx, rec.Name, rec.Price)
		if content.Fallback {
			report.Fallbacks++
			metrics.ObserveEnrichment(metrics.OutcomeFallback)
		} else {
			metrics.ObserveEnrichment(metrics.OutcomeOK)
		}

		rel, err := r.deps.Writer.Write(ctx, rec, content)
		switch {
		case errors.Is(err, site.ErrExists):
			// Published earlier today by a run whose ledger append never landed.
			report.Duplicates++
			metrics.ObserveDuplicate()
			ilog.Info("page already exists; recording in ledger")
			if err := r.deps.Ledger.Record(rec.ID); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrLedger, rec.ID, err)
			}
			continue
		case err != nil:
			report.Failed++
			ilog.Warn("skipping product", zap.Error(err))
			continue
		}

		if err := r.deps.Ledger.Record(rec.ID); err != nil {
			ilog.Error("page written but ledger append failed", zap.String("page", rel), zap.Error(err))
			report.Written = append(report.Written, rel)
			return fmt.Errorf("%w: %s: %w", ErrLedger, rec.ID, err)
		}
		report.Written = append(report.Written, rel)
		metrics.ObserveArtifact()
		ilog.Info("page written", zap.String("page", rel), zap.Bool("fallback", content.Fallback))
	}
	return nil
}

// mirror uploads this run's pages and the aggregate files. Failures are
// logged and never fail the run.
func (r *Runner) mirror(ctx context.Context, logger *zap.Logger, report *Report) {
	paths := make([]string, 0, len(report.Written)+len(report.Rebuild.Files))
	paths = append(paths, report.Written...)
	paths = append(paths, report.Rebuild.Files...)
	if len(paths) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.MirrorTimeout)
	defer cancel()

	uris, err := r.deps.Mirror.Mirror(ctx, r.deps.Source, paths)
	report.Mirrored = uris
	if err != nil {
		logger.Warn("site mirror incomplete", zap.Error(err), zap.Int("uploaded", len(uris)))
		return
	}
	logger.Info("site mirrored", zap.Int("uploaded", len(uris)))
}
