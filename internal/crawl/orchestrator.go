// Package crawl drives the two-phase harvest: sequential listing enumeration
// followed by batched concurrent detail fetching with retry rounds, credential
// rotation and per-batch checkpointing.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thalysguimaraes/watchcollection/internal/challenge"
	"github.com/thalysguimaraes/watchcollection/internal/checkpoint"
	"github.com/thalysguimaraes/watchcollection/internal/config"
	"github.com/thalysguimaraes/watchcollection/internal/models"
	"github.com/thalysguimaraes/watchcollection/internal/parser"
	"github.com/thalysguimaraes/watchcollection/internal/ratelimit"
	"github.com/thalysguimaraes/watchcollection/internal/session"
	"github.com/thalysguimaraes/watchcollection/internal/transport"
)

// errTerminal stops listing pagination without becoming a run failure.
var errTerminal = errors.New("terminal http status")

// Sessions is the slice of the session manager the orchestrator drives.
type Sessions interface {
	Snapshot() session.State
	RefreshCookies(ctx context.Context) (bool, error)
	RotateCredentials(ctx context.Context, force bool) error
}

// HistoryFetcher enriches a harvested record with its price chart.
type HistoryFetcher interface {
	Fetch(ctx context.Context, record *models.Record, detailHTML string) (*models.PriceHistory, error)
}

type Orchestrator struct {
	cfg     config.HarvestConfig
	backend transport.Backend
	parser  parser.Parser
	session Sessions
	store   *checkpoint.Store
	pacer   ratelimit.Pacer
	history HistoryFetcher
	metrics *Metrics
	logger  *slog.Logger

	brand    string
	entryURL string

	have      map[string]struct{}
	records   []models.Record
	failures  []models.FailureEntry
	processed int
}

type Options struct {
	Config   config.HarvestConfig
	Backend  transport.Backend
	Parser   parser.Parser
	Session  Sessions
	Store    *checkpoint.Store
	Pacer    ratelimit.Pacer
	History  HistoryFetcher // nil disables the price-history sub-flow
	Metrics  *Metrics       // nil disables metrics
	Brand    string
	EntryURL string
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("crawl: transport backend is required")
	}
	if opts.Parser == nil {
		return nil, fmt.Errorf("crawl: parser is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("crawl: checkpoint store is required")
	}
	pacer := opts.Pacer
	if pacer == nil {
		pacer = ratelimit.NopPacer{}
	}
	return &Orchestrator{
		cfg:      opts.Config,
		backend:  opts.Backend,
		parser:   opts.Parser,
		session:  opts.Session,
		store:    opts.Store,
		pacer:    pacer,
		history:  opts.History,
		metrics:  opts.Metrics,
		logger:   slog.Default().With("component", "crawl"),
		brand:    opts.Brand,
		entryURL: opts.EntryURL,
		have:     make(map[string]struct{}),
	}, nil
}

// Summary is the run outcome reported to the caller. Failures are an
// outcome, not an error.
type Summary struct {
	Harvested  int
	Failed     int
	OutputPath string
	FailedPath string
}

// Run executes a full harvest: resume state, listing enumeration, batched
// detail fetching, final output. Returns an error only for unrecoverable
// conditions; partial results are always persisted first.
func (o *Orchestrator) Run(ctx context.Context, resume bool) (*Summary, error) {
	if err := o.seed(resume); err != nil {
		return nil, err
	}

	entries, err := o.EnumerateListings(ctx)
	if err != nil {
		return nil, err
	}

	candidates := o.dedupe(entries)
	if o.cfg.MaxModels > 0 && len(candidates) > o.cfg.MaxModels {
		candidates = candidates[:o.cfg.MaxModels]
	}
	o.logger.Info("detail phase starting",
		"run_id", o.store.RunID(),
		"listed", len(entries),
		"to_fetch", len(candidates),
		"already_have", len(o.have))

	if err := o.harvestAll(ctx, candidates); err != nil {
		return nil, err
	}
	return o.finish()
}

// RetryFailed re-runs only the outstanding failure entries from a previous
// run, merging recovered records into the existing output.
func (o *Orchestrator) RetryFailed(ctx context.Context) (*Summary, error) {
	if err := o.seed(true); err != nil {
		return nil, err
	}

	failed, err := o.store.LoadFailed()
	if err != nil {
		return nil, fmt.Errorf("load failed entries: %w", err)
	}
	if len(failed) == 0 {
		o.logger.Info("no outstanding failures to retry")
		return o.finish()
	}

	var entries []models.ListingEntry
	o.failures = nil
	for _, f := range failed {
		if _, ok := o.have[f.ExternalID]; ok {
			continue
		}
		listing := f.Listing
		if listing.ExternalID == "" {
			listing = models.ListingEntry{ExternalID: f.ExternalID, DetailURL: f.URL}
		}
		entries = append(entries, listing)
		// Keep the persisted entry so attempt counts accumulate across
		// retry-failed invocations instead of restarting at one.
		o.failures = append(o.failures, f)
	}
	o.logger.Info("retrying failed entries", "count", len(entries))

	if err := o.harvestAll(ctx, o.dedupe(entries)); err != nil {
		return nil, err
	}
	return o.finish()
}

// PriceHistoryOnly backfills price history for records already in the output
// that have none. Output is rewritten after every batch.
func (o *Orchestrator) PriceHistoryOnly(ctx context.Context) (*Summary, error) {
	if o.history == nil {
		return nil, fmt.Errorf("price-history mode requires a history fetcher")
	}

	catalog, err := o.store.LoadOutput()
	if err != nil {
		return nil, fmt.Errorf("load output: %w", err)
	}
	if len(catalog.Models) == 0 {
		return nil, fmt.Errorf("no existing output at %s", o.store.OutputPath())
	}

	var pending []int
	for i := range catalog.Models {
		if !catalog.Models[i].HasHistory() {
			pending = append(pending, i)
		}
	}
	o.logger.Info("price history backfill", "models", len(catalog.Models), "missing", len(pending))

	var histFailures []models.FailureEntry
	enriched := 0
	for start := 0; start < len(pending); start += o.cfg.BatchSize {
		end := min(start+o.cfg.BatchSize, len(pending))
		for _, idx := range pending[start:end] {
			rec := &catalog.Models[idx]
			status, body, err := o.fetch(ctx, rec.URL, "history")
			if err == nil && challenge.IsTerminalStatus(status) {
				err = fmt.Errorf("http %d", status)
			}
			if err == nil {
				var hist *models.PriceHistory
				hist, err = o.history.Fetch(ctx, rec, body)
				if err == nil && hist != nil {
					rec.History = hist
					enriched++
					continue
				}
			}
			if err != nil {
				histFailures = append(histFailures, models.FailureEntry{
					ExternalID: rec.ExternalID,
					URL:        rec.URL,
					Reason:     challenge.ClassifyFailure(err),
					Attempts:   1,
				})
			}
		}
		if err := o.store.SaveOutput(catalog); err != nil {
			return nil, err
		}
		o.logger.Info("history batch saved", "enriched", enriched, "failed", len(histFailures))
	}

	if err := o.store.SaveFailedHistory(histFailures); err != nil {
		return nil, err
	}
	return &Summary{
		Harvested:  enriched,
		Failed:     len(histFailures),
		OutputPath: o.store.OutputPath(),
		FailedPath: o.store.FailedHistoryPath(),
	}, nil
}

// seed pre-loads the have-set from prior output and, when resuming, merges
// checkpoint records and failures so no known-good record is re-fetched.
func (o *Orchestrator) seed(resume bool) error {
	catalog, err := o.store.LoadOutput()
	if err != nil {
		return fmt.Errorf("load prior output: %w", err)
	}
	o.records = models.MergeRecords(nil, catalog.Models)
	for _, rec := range o.records {
		o.have[rec.ExternalID] = struct{}{}
	}

	if !resume {
		// A fresh run must not inherit a crashed run's checkpoint or listing
		// cache, or its records and processed count would leak into this one.
		if err := o.store.Clear(); err != nil {
			return fmt.Errorf("clear stale checkpoint: %w", err)
		}
		return nil
	}
	cp, err := o.store.LoadCheckpoint()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return nil
	}
	o.records = models.MergeRecords(o.records, cp.Records)
	for _, rec := range cp.Records {
		o.have[rec.ExternalID] = struct{}{}
	}
	o.failures = cp.Failed
	o.processed = cp.ProcessedCount
	o.logger.Info("resuming from checkpoint",
		"records", len(cp.Records),
		"failures", len(cp.Failed),
		"processed", cp.ProcessedCount)
	return nil
}

// dedupe drops entries already harvested and duplicates within the slice,
// preserving listing order.
func (o *Orchestrator) dedupe(entries []models.ListingEntry) []models.ListingEntry {
	seen := make(map[string]struct{}, len(entries))
	var out []models.ListingEntry
	for _, e := range entries {
		if _, ok := o.have[e.ExternalID]; ok {
			continue
		}
		if _, ok := seen[e.ExternalID]; ok {
			continue
		}
		seen[e.ExternalID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// finish writes the final catalog, persists outstanding failures, clears the
// mid-run artifacts and reports totals.
func (o *Orchestrator) finish() (*Summary, error) {
	catalog := models.Catalog{
		Brand:          o.brand,
		BrandSlug:      o.slug(),
		Models:         o.records,
		CrawledAt:      time.Now().UTC(),
		Source:         "watchcharts",
		TotalAvailable: len(o.records),
		EntryURL:       o.entryURL,
	}
	if err := o.store.SaveOutput(catalog); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	if err := o.store.SaveFailed(o.failures); err != nil {
		return nil, fmt.Errorf("write failures: %w", err)
	}
	if err := o.store.Clear(); err != nil {
		return nil, err
	}

	summary := &Summary{
		Harvested:  len(o.records),
		Failed:     len(o.failures),
		OutputPath: o.store.OutputPath(),
		FailedPath: o.store.FailedPath(),
	}
	if summary.Failed > 0 {
		o.logger.Warn("run finished with failures",
			"harvested", summary.Harvested,
			"failed", summary.Failed,
			"failed_file", summary.FailedPath,
			"hint", "re-run with --retry-failed")
	} else {
		o.logger.Info("run finished", "harvested", summary.Harvested, "output", summary.OutputPath)
	}
	return summary, nil
}

func (o *Orchestrator) slug() string {
	// The store already owns the canonical slug via its file names.
	return o.store.Slug()
}

// fetch issues one paced, session-stamped request with the configured
// per-fetch timeout. Retry policy lives with the caller.
func (o *Orchestrator) fetch(ctx context.Context, url, phase string) (int, string, error) {
	if err := o.pacer.Wait(ctx, url); err != nil {
		return 0, "", err
	}

	fetchCtx := ctx
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	var headers map[string]string
	if o.session != nil {
		headers = o.session.Snapshot().Headers()
	}

	o.metrics.IncFetch(phase)
	start := time.Now()
	status, body, err := o.backend.FetchWithHeaders(fetchCtx, url, headers)
	o.metrics.ObserveFetch(time.Since(start))

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("fetch %s: timeout after %s", url, o.cfg.Timeout)
	}
	return status, body, err
}
