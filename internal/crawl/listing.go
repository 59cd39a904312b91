package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/thalysguimaraes/watchcollection/internal/challenge"
	"github.com/thalysguimaraes/watchcollection/internal/models"
)

// EnumerateListings walks listing pages strictly sequentially, since knowing
// whether page N was full decides whether page N+1 exists. Stops on an empty
// page, a short page, the page cap, or a terminal HTTP status. The result is
// cached so a resumed run skips this phase.
func (o *Orchestrator) EnumerateListings(ctx context.Context) ([]models.ListingEntry, error) {
	if cached, err := o.store.LoadListings(); err != nil {
		return nil, fmt.Errorf("load listing cache: %w", err)
	} else if len(cached) > 0 {
		o.logger.Info("using cached listing", "entries", len(cached))
		return cached, nil
	}

	var all []models.ListingEntry
	maxPages := o.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	for page := 1; page <= maxPages; page++ {
		pageURL, err := listingPageURL(o.entryURL, page)
		if err != nil {
			return nil, err
		}

		entries, err := o.fetchListingPage(ctx, pageURL)
		if errors.Is(err, errTerminal) {
			// Partial listing is accepted; the site trims its page range.
			o.logger.Warn("terminal status during pagination, accepting partial listing",
				"page", page, "entries", len(all))
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing page %d: %w", page, err)
		}

		for i := range entries {
			entries[i].OrderIdx = len(all) + i
			if entries[i].Collection == "" {
				entries[i].Collection = o.brand
			}
		}
		all = append(all, entries...)
		o.logger.Info("listing page parsed", "page", page, "entries", len(entries), "total", len(all))

		if len(entries) == 0 {
			break
		}
		if o.cfg.ListingPageSize > 0 && len(entries) < o.cfg.ListingPageSize {
			break
		}
		if o.cfg.MaxModels > 0 && len(all) >= o.cfg.MaxModels {
			break
		}
	}

	if err := o.store.SaveListings(all); err != nil {
		return nil, fmt.Errorf("cache listing: %w", err)
	}
	return all, nil
}

// fetchListingPage fetches and parses one page, retrying with linear backoff.
// A challenge-classified failure triggers credential rotation before the next
// attempt; a terminal HTTP status aborts immediately with errTerminal.
func (o *Orchestrator) fetchListingPage(ctx context.Context, pageURL string) ([]models.ListingEntry, error) {
	attempts := o.cfg.ListingRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * o.cfg.ListingRetryDelay
			o.logger.Info("retrying listing page", "url", pageURL, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		status, body, err := o.fetch(ctx, pageURL, "listing")
		if err == nil {
			if challenge.IsTerminalStatus(status) {
				return nil, errTerminal
			}
			if verdict := challenge.Classify(status, body); verdict.Challenged {
				err = fmt.Errorf("challenge page (markers %v)", verdict.Markers)
			} else if status != 200 {
				err = fmt.Errorf("http %d", status)
			} else {
				return o.parser.ParseListing(body)
			}
		}

		lastErr = err
		reason := challenge.ClassifyFailure(err)
		o.metrics.IncFailure(reason)
		if reason == challenge.ReasonChallenge && o.session != nil && attempt < attempts {
			o.metrics.IncRotations()
			if rerr := o.session.RotateCredentials(ctx, false); rerr != nil {
				o.logger.Warn("rotation during pagination failed", "error", rerr)
			}
		}
	}
	return nil, lastErr
}

// listingPageURL appends the pagination parameter, preserving any query the
// entry URL already carries. Page 1 is the entry URL itself.
func listingPageURL(entryURL string, page int) (string, error) {
	if page <= 1 {
		return entryURL, nil
	}
	u, err := url.Parse(entryURL)
	if err != nil {
		return "", fmt.Errorf("parse entry url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
