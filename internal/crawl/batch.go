package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/thalysguimaraes/watchcollection/internal/challenge"
	"github.com/thalysguimaraes/watchcollection/internal/models"
	"github.com/thalysguimaraes/watchcollection/internal/parser"
)

// ReasonEmpty marks a page that fetched cleanly but yielded no reference.
// Distinct from transport failures so it is never mistaken for a block.
const ReasonEmpty = "empty_reference"

type outcome struct {
	entry     models.ListingEntry
	record    *models.Record
	reason    string
	retryable bool
}

// failure pairs a persistable FailureEntry with the in-run retryability
// decision, which is not part of the persisted shape.
type failure struct {
	models.FailureEntry
	retryable bool
}

// harvestAll slices candidates into batches, runs each batch with its retry
// rounds, and checkpoints after every batch. Batch N's checkpoint write
// happens before batch N+1 is scheduled.
func (o *Orchestrator) harvestAll(ctx context.Context, candidates []models.ListingEntry) error {
	total := len(candidates)
	for start := 0; start < total; start += o.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+o.cfg.BatchSize, total)
		batch := candidates[start:end]

		records, failures := o.runBatch(ctx, batch)

		o.records = models.MergeRecords(o.records, records)
		for _, rec := range records {
			o.have[rec.ExternalID] = struct{}{}
			o.metrics.IncRecords()
		}
		o.applyFailures(failures)
		o.processed += len(batch)

		if err := o.store.SaveCheckpoint(o.processed, records, o.failures); err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}
		o.metrics.IncBatches()
		o.metrics.SetCheckpointSize(len(o.records))

		o.logger.Info("batch complete",
			"batch", start/o.cfg.BatchSize+1,
			"ok", len(records),
			"failed", len(failures),
			"processed", o.processed,
			"total", total)
	}
	return nil
}

// runBatch executes the initial concurrent pass plus up to RetryRounds
// passes over the leftovers. Each round halves the effective concurrency
// unless an override is configured, and rotates credentials first when the
// challenge fraction among failures crosses the threshold.
func (o *Orchestrator) runBatch(ctx context.Context, batch []models.ListingEntry) ([]models.Record, []models.FailureEntry) {
	var records []models.Record
	failed := o.harvestPass(ctx, batch, o.cfg.Concurrency, &records)

	for round := 1; round <= o.cfg.RetryRounds && len(failed) > 0; round++ {
		retryable := retryableEntries(failed)
		if len(retryable) == 0 {
			break
		}

		if o.shouldRotate(flatten(failed)) {
			o.metrics.IncRotations()
			o.logger.Info("challenge ratio reached, rotating credentials",
				"round", round, "failures", len(failed))
			if o.session != nil {
				if err := o.session.RotateCredentials(ctx, true); err != nil {
					o.logger.Warn("rotation failed", "error", err)
				}
			}
		}

		conc := o.retryRoundConcurrency(round)
		o.logger.Info("retry round", "round", round, "entries", len(retryable), "concurrency", conc)
		o.metrics.IncRetries()

		if o.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return records, flatten(failed)
			case <-time.After(o.cfg.RetryDelay):
			}
		}

		prior := failureIndex(failed)
		stillFailed := o.harvestPass(ctx, retryable, conc, &records)

		// Keep non-retryable leftovers, replace the retried ones with this
		// round's result, and bump attempt counts.
		var next []failure
		for _, f := range failed {
			if !f.retryable {
				next = append(next, f)
			}
		}
		for _, f := range stillFailed {
			f.Attempts += prior[f.ExternalID]
			next = append(next, f)
		}
		failed = next
	}
	return records, flatten(failed)
}

// harvestPass runs one semaphore-bounded concurrent pass over the entries,
// appending successes to records and returning the failures.
func (o *Orchestrator) harvestPass(ctx context.Context, entries []models.ListingEntry, concurrency int, records *[]models.Record) []failure {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	results := make(chan outcome, len(entries))
	var wg sync.WaitGroup

	for _, entry := range entries {
		wg.Add(1)
		go func(entry models.ListingEntry) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- outcome{entry: entry, reason: challenge.ClassifyFailure(ctx.Err()), retryable: true}
				return
			}
			defer func() { <-sem }()
			results <- o.harvestOne(ctx, entry)
		}(entry)
	}
	wg.Wait()
	close(results)

	var failures []failure
	for res := range results {
		if res.record != nil {
			*records = append(*records, *res.record)
			continue
		}
		o.metrics.IncFailure(res.reason)
		failures = append(failures, failure{
			FailureEntry: models.FailureEntry{
				ExternalID: res.entry.ExternalID,
				URL:        res.entry.DetailURL,
				Reason:     res.reason,
				Listing:    res.entry,
				Attempts:   1,
			},
			retryable: res.retryable,
		})
	}
	return failures
}

// harvestOne fetches and parses a single detail page, with a small inner
// fetch retry budget. The heavier recovery (rounds, rotation) is the batch
// machinery's job.
func (o *Orchestrator) harvestOne(ctx context.Context, entry models.ListingEntry) outcome {
	detailURL := o.resolveURL(entry.DetailURL)

	var lastReason string
	attempts := o.cfg.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		status, body, err := o.fetch(ctx, detailURL, "detail")
		if err != nil {
			lastReason = challenge.ClassifyFailure(err)
			continue
		}
		if challenge.IsTerminalStatus(status) {
			return outcome{entry: entry, reason: challenge.ReasonOther, retryable: false}
		}
		if verdict := challenge.Classify(status, body); verdict.Challenged {
			lastReason = challenge.ReasonChallenge
			continue
		}
		if status != 200 {
			lastReason = challenge.ClassifyFailure(fmt.Errorf("http %d", status))
			continue
		}

		rec, err := o.parser.ParseDetail(body, detailURL)
		if err != nil {
			if errors.Is(err, parser.ErrNoReference) {
				return outcome{entry: entry, reason: ReasonEmpty, retryable: true}
			}
			return outcome{entry: entry, reason: challenge.ReasonOther, retryable: true}
		}

		o.fillFromListing(rec, entry)
		rec.HarvestedAt = time.Now().UTC()

		if o.history != nil {
			hist, err := o.history.Fetch(ctx, rec, body)
			if err != nil {
				// History is enrichment; its failure never fails the record.
				o.logger.Debug("price history unavailable", "id", rec.ExternalID, "error", err)
			} else {
				rec.History = hist
			}
		}
		return outcome{entry: entry, record: rec}
	}
	return outcome{entry: entry, reason: lastReason, retryable: true}
}

// fillFromListing backfills record fields the detail page did not yield from
// the listing tile hints.
func (o *Orchestrator) fillFromListing(rec *models.Record, entry models.ListingEntry) {
	if rec.ExternalID == "" || rec.ExternalID == rec.URL {
		rec.ExternalID = entry.ExternalID
	}
	if rec.FullName == "" {
		rec.FullName = entry.Name
	}
	if rec.ImageURL == "" {
		rec.ImageURL = entry.ImageURL
	}
	if rec.Collection == "" {
		rec.Collection = entry.Collection
	}
	if rec.Brand == "" {
		rec.Brand = o.brand
	}
	if rec.MarketPriceUSD == nil {
		rec.MarketPriceUSD = entry.MarketPriceUSD
	}
	if rec.RetailPriceUSD == nil {
		rec.RetailPriceUSD = entry.RetailPriceUSD
	}
	if rec.IsCurrent == nil {
		rec.IsCurrent = entry.IsCurrent
	}
	if rec.Case == nil && entry.CaseDiameterMM != nil {
		rec.Case = &models.CaseSpecs{DiameterMM: entry.CaseDiameterMM}
	}
}

// shouldRotate implements the rotation trigger: enough failures on hand and
// a challenge fraction at or above the threshold. A handful of unrelated
// timeouts never rotates.
func (o *Orchestrator) shouldRotate(failures []models.FailureEntry) bool {
	if len(failures) < o.cfg.ChallengeMinSample {
		return false
	}
	challenged := 0
	for _, f := range failures {
		if f.Reason == challenge.ReasonChallenge {
			challenged++
		}
	}
	return float64(challenged)/float64(len(failures)) >= o.cfg.ChallengeRatio
}

// retryRoundConcurrency halves the base concurrency per round, floored at 1,
// unless an explicit override is configured.
func (o *Orchestrator) retryRoundConcurrency(round int) int {
	if o.cfg.RetryConcurrency > 0 {
		return o.cfg.RetryConcurrency
	}
	conc := o.cfg.Concurrency >> round
	if conc < 1 {
		conc = 1
	}
	return conc
}

// applyFailures folds a batch's final failures into the run-level set:
// recovered IDs drop out, repeated IDs accumulate attempts.
func (o *Orchestrator) applyFailures(failures []models.FailureEntry) {
	var kept []models.FailureEntry
	priorAttempts := make(map[string]int)
	for _, f := range o.failures {
		if _, recovered := o.have[f.ExternalID]; recovered {
			continue
		}
		priorAttempts[f.ExternalID] = f.Attempts
		kept = append(kept, f)
	}

	index := make(map[string]int, len(kept))
	for i, f := range kept {
		index[f.ExternalID] = i
	}
	for _, f := range failures {
		if i, ok := index[f.ExternalID]; ok {
			f.Attempts += kept[i].Attempts
			kept[i] = f
			continue
		}
		f.Attempts += priorAttempts[f.ExternalID]
		kept = append(kept, f)
	}
	o.failures = kept
}

func (o *Orchestrator) resolveURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.IsAbs() {
		return raw
	}
	base, err := url.Parse(o.entryURL)
	if err != nil {
		return raw
	}
	return base.ResolveReference(u).String()
}

func retryableEntries(failures []failure) []models.ListingEntry {
	var entries []models.ListingEntry
	for _, f := range failures {
		if f.retryable {
			entries = append(entries, f.Listing)
		}
	}
	return entries
}

func failureIndex(failures []failure) map[string]int {
	index := make(map[string]int, len(failures))
	for _, f := range failures {
		index[f.ExternalID] = f.Attempts
	}
	return index
}

func flatten(failures []failure) []models.FailureEntry {
	if len(failures) == 0 {
		return nil
	}
	out := make([]models.FailureEntry, 0, len(failures))
	for _, f := range failures {
		out = append(out, f.FailureEntry)
	}
	return out
}
