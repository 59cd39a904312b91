package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thalysguimaraes/watchcollection/internal/browser"
	"github.com/thalysguimaraes/watchcollection/internal/checkpoint"
	"github.com/thalysguimaraes/watchcollection/internal/config"
	"github.com/thalysguimaraes/watchcollection/internal/crawl"
	"github.com/thalysguimaraes/watchcollection/internal/parser"
	"github.com/thalysguimaraes/watchcollection/internal/pricehistory"
	"github.com/thalysguimaraes/watchcollection/internal/ratelimit"
	"github.com/thalysguimaraes/watchcollection/internal/session"
	"github.com/thalysguimaraes/watchcollection/internal/solver"
	"github.com/thalysguimaraes/watchcollection/internal/transport"
	"github.com/thalysguimaraes/watchcollection/pkg/logger"
)

func main() {
	var (
		entry            = flag.String("entry", "", "Entry listing URL to harvest (required)")
		brand            = flag.String("brand", "", "Brand name for the output catalog")
		slug             = flag.String("slug", "", "Output file slug (derived from brand or URL if empty)")
		maxModels        = flag.Int("max", 0, "Maximum number of models to harvest (0 = config default)")
		maxPages         = flag.Int("max-pages", 0, "Maximum listing pages to enumerate")
		batchSize        = flag.Int("batch", 0, "Detail batch size")
		resume           = flag.Bool("resume", false, "Resume from an existing checkpoint")
		retryFailed      = flag.Bool("retry-failed", false, "Re-run only the outstanding failed entries")
		concurrency      = flag.Int("concurrency", 0, "Concurrent detail fetches")
		backendName      = flag.String("backend", "impersonate", "Transport backend: impersonate, plain, unblocker, browser")
		profiles         = flag.String("impersonate", "", "Comma-separated impersonation profile rotation list")
		proxy            = flag.String("proxy", "", "Proxy URL for direct backends")
		cookiesFile      = flag.String("cookies-file", "", "Netscape cookies.txt to seed the session")
		timeout          = flag.Duration("timeout", 0, "Per-fetch timeout")
		retries          = flag.Int("retries", -1, "Fetch retries per detail page")
		retryRounds      = flag.Int("retry-rounds", -1, "Retry rounds per batch")
		retryDelay       = flag.Duration("retry-delay", 0, "Delay between retry rounds")
		retryConcurrency = flag.Int("retry-concurrency", -1, "Fixed retry-round concurrency (0 = halve per round)")
		priceHistory     = flag.Bool("price-history", false, "Fetch price history for each harvested record")
		priceHistoryOnly = flag.Bool("price-history-only", false, "Only backfill price history for an existing output")
		outputDir        = flag.String("output-dir", "", "Directory for output and checkpoint files")
		metricsAddr      = flag.String("metrics-addr", "", "Listen address for Prometheus metrics (empty = disabled)")
	)
	flag.Parse()

	if *entry == "" {
		log.Fatalf("--entry is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg, flagOverrides{
		maxModels:        *maxModels,
		maxPages:         *maxPages,
		batchSize:        *batchSize,
		concurrency:      *concurrency,
		timeout:          *timeout,
		retries:          *retries,
		retryRounds:      *retryRounds,
		retryDelay:       *retryDelay,
		retryConcurrency: *retryConcurrency,
		outputDir:        *outputDir,
		profiles:         *profiles,
		metricsAddr:      *metricsAddr,
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.ValidateBackend(*backendName); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *resume && *retryFailed {
		log.Fatalf("--resume and --retry-failed are mutually exclusive")
	}

	logg := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	logg.Info("starting harvester", "entry", *entry, "backend", *backendName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logg.Info("shutdown signal received")
		cancel()
	}()

	// The browser is optional everywhere: without it the session manager
	// cannot refresh cookies and the history fallback chain is shorter, but
	// direct fetching keeps working.
	var browserClient *browser.Client
	needBrowser := *backendName == "browser" || *priceHistory || *priceHistoryOnly ||
		cfg.Solver.APIKey != "" || *backendName == "impersonate"
	if needBrowser {
		browserClient, err = browser.New(browser.Options{
			Headless:       cfg.Browser.Headless,
			Timeout:        cfg.Browser.Timeout,
			UserAgent:      cfg.Browser.UserAgent,
			ViewportWidth:  cfg.Browser.ViewportWidth,
			ViewportHeight: cfg.Browser.ViewportHeight,
			Locale:         cfg.Browser.Locale,
			TimezoneID:     cfg.Browser.TimezoneID,
			ProxyServer:    *proxy,
		})
		if err != nil {
			if *backendName == "browser" {
				log.Fatalf("Backend %q needs a working browser: %v", *backendName, err)
			}
			logg.Warn("browser unavailable, session refresh disabled", "error", err)
		} else {
			defer browserClient.Close()
		}
	}

	var solverClient session.Solver
	if cfg.Solver.APIKey != "" {
		sv, err := solver.New(solver.Options{
			APIKey:  cfg.Solver.APIKey,
			BaseURL: cfg.Solver.BaseURL,
			Timeout: cfg.Solver.Timeout,
		})
		if err != nil {
			logg.Warn("solver unavailable", "error", err)
		} else {
			solverClient = sv
		}
	}

	var sessionBrowser session.Browser
	if browserClient != nil {
		sessionBrowser = browserClient
	}
	sess := session.NewManager(cfg.Session, *entry, *proxy, sessionBrowser, solverClient)
	if *cookiesFile != "" {
		cookies, err := session.LoadCookiesFile(*cookiesFile)
		if err != nil {
			log.Fatalf("Failed to read cookies file: %v", err)
		}
		sess.ImportCookies(cookies, "")
		logg.Info("seeded session cookies", "count", len(cookies))
	}

	pacer := ratelimit.NewHostPacer(cfg.Harvest.PaceMinDelay, cfg.Harvest.PaceMaxDelay)
	sessionHeaders := func() map[string]string { return sess.Snapshot().Headers() }

	// Pacing happens in exactly one layer. The orchestrator paces every fetch
	// it issues, so the backends run unpaced.
	backend, err := buildBackend(*backendName, cfg, *proxy, sess, browserClient, sessionHeaders)
	if err != nil {
		log.Fatalf("Failed to build %q backend: %v", *backendName, err)
	}

	store, err := checkpoint.NewStore(cfg.Harvest.OutputDir, deriveSlug(*slug, *brand, *entry))
	if err != nil {
		log.Fatalf("Failed to open checkpoint store: %v", err)
	}

	var history crawl.HistoryFetcher
	if *priceHistory || *priceHistoryOnly {
		var unblocker transport.Backend
		if cfg.Unblock.APIKey != "" && cfg.Unblock.Zone != "" && *backendName != "unblocker" {
			ub, err := transport.NewUnblockerClient(transport.UnblockerOptions{
				APIKey:   cfg.Unblock.APIKey,
				Zone:     cfg.Unblock.Zone,
				Endpoint: cfg.Unblock.Endpoint,
				Format:   cfg.Unblock.Format,
				Timeout:  cfg.Harvest.Timeout,
			})
			if err == nil {
				unblocker = ub
			}
		}
		var pageFetcher pricehistory.PageFetcher
		if browserClient != nil {
			pageFetcher = browserClient
		}
		history = pricehistory.NewClient(pricehistory.Options{
			BaseURL:   siteBase(*entry),
			Backend:   backend,
			Unblocker: unblocker,
			Refresher: sess,
			Browser:   pageFetcher,
			Headers:   sessionHeaders,
		})
	}

	metrics := crawl.NewMetrics()
	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, metrics, logg)
	}

	orch, err := crawl.NewOrchestrator(crawl.Options{
		Config:   cfg.Harvest,
		Backend:  backend,
		Parser:   parser.NewCatalogParser(),
		Session:  sess,
		Store:    store,
		Pacer:    pacer,
		History:  history,
		Metrics:  metrics,
		Brand:    *brand,
		EntryURL: *entry,
	})
	if err != nil {
		log.Fatalf("Failed to build orchestrator: %v", err)
	}

	var summary *crawl.Summary
	switch {
	case *priceHistoryOnly:
		summary, err = orch.PriceHistoryOnly(ctx)
	case *retryFailed:
		summary, err = orch.RetryFailed(ctx)
	default:
		summary, err = orch.Run(ctx, *resume)
	}
	if err != nil {
		logg.Error("harvest aborted", "error", err)
		os.Exit(1)
	}

	// A non-empty failure set is a reported outcome, not a process failure.
	logg.Info("harvest complete",
		"harvested", summary.Harvested,
		"failed", summary.Failed,
		"output", summary.OutputPath)
	if summary.Failed > 0 {
		fmt.Fprintf(os.Stderr, "%d entries failed; see %s and re-run with --retry-failed\n",
			summary.Failed, summary.FailedPath)
	}
}

type flagOverrides struct {
	maxModels        int
	maxPages         int
	batchSize        int
	concurrency      int
	timeout          time.Duration
	retries          int
	retryRounds      int
	retryDelay       time.Duration
	retryConcurrency int
	outputDir        string
	profiles         string
	metricsAddr      string
}

// applyFlags lets explicit CLI flags override the env-derived config.
func applyFlags(cfg *config.Config, f flagOverrides) {
	if f.maxModels > 0 {
		cfg.Harvest.MaxModels = f.maxModels
	}
	if f.maxPages > 0 {
		cfg.Harvest.MaxPages = f.maxPages
	}
	if f.batchSize > 0 {
		cfg.Harvest.BatchSize = f.batchSize
	}
	if f.concurrency > 0 {
		cfg.Harvest.Concurrency = f.concurrency
	}
	if f.timeout > 0 {
		cfg.Harvest.Timeout = f.timeout
	}
	if f.retries >= 0 {
		cfg.Harvest.Retries = f.retries
	}
	if f.retryRounds >= 0 {
		cfg.Harvest.RetryRounds = f.retryRounds
	}
	if f.retryDelay > 0 {
		cfg.Harvest.RetryDelay = f.retryDelay
	}
	if f.retryConcurrency >= 0 {
		cfg.Harvest.RetryConcurrency = f.retryConcurrency
	}
	if f.outputDir != "" {
		cfg.Harvest.OutputDir = f.outputDir
	}
	if f.profiles != "" {
		var list []string
		for _, p := range strings.Split(f.profiles, ",") {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		if len(list) > 0 {
			cfg.Session.ImpersonateProfiles = list
		}
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
}

func buildBackend(name string, cfg *config.Config, proxy string,
	sess *session.Manager, browserClient *browser.Client, headers func() map[string]string) (transport.Backend, error) {
	switch name {
	case "impersonate":
		return transport.NewImpersonateClient(transport.ImpersonateOptions{
			Timeout:  cfg.Harvest.Timeout,
			ProxyURL: proxy,
			Profile:  func() string { return sess.Snapshot().Profile },
			Headers:  headers,
		}), nil
	case "plain":
		return transport.NewPlainClient(transport.PlainOptions{
			Timeout:  cfg.Harvest.Timeout,
			ProxyURL: proxy,
			Headers:  headers,
		})
	case "unblocker":
		return transport.NewUnblockerClient(transport.UnblockerOptions{
			APIKey:   cfg.Unblock.APIKey,
			Zone:     cfg.Unblock.Zone,
			Endpoint: cfg.Unblock.Endpoint,
			Format:   cfg.Unblock.Format,
			Timeout:  cfg.Harvest.Timeout,
		})
	case "browser":
		if browserClient == nil {
			return nil, transport.ErrNotConfigured
		}
		return transport.NewBrowserBackend(browserClient), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// deriveSlug prefers the explicit flag, then the brand name, then the last
// path segment of the entry URL.
func deriveSlug(slug, brand, entry string) string {
	if slug != "" {
		return slug
	}
	src := brand
	if src == "" {
		if u, err := url.Parse(entry); err == nil {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) > 0 {
				src = parts[len(parts)-1]
			}
		}
	}
	if src == "" {
		src = "harvest"
	}
	return strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(src), "_"), "_")
}

func siteBase(entry string) string {
	u, err := url.Parse(entry)
	if err != nil || u.Host == "" {
		return entry
	}
	return u.Scheme + "://" + u.Host
}

func serveMetrics(addr string, metrics *crawl.Metrics, logg interface{ Warn(string, ...any) }) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logg.Warn("metrics listener stopped", "error", err)
	}
}
