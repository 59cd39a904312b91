package ratelimit

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Pacer enforces a minimum inter-request delay per target host, independent of
// however many workers are admitted by the concurrency semaphore.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
	SetDelay(min, max time.Duration)
}

// HostPacer tracks the last request time per host. The host map is bounded so
// a long crawl touching many hosts (detail pages, chart API, CDN image hosts)
// cannot grow it without limit.
type HostPacer struct {
	mu       sync.Mutex
	minDelay time.Duration
	maxDelay time.Duration
	jitter   bool
	lastSeen *expirable.LRU[string, time.Time]
}

const hostCacheSize = 128

func NewHostPacer(minDelay, maxDelay time.Duration) *HostPacer {
	return &HostPacer{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
		lastSeen: expirable.NewLRU[string, time.Time](hostCacheSize, nil, 10*time.Minute),
	}
}

// Wait blocks until at least the configured delay has elapsed since the last
// request to the URL's host, then records the new request time.
func (p *HostPacer) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)

	p.mu.Lock()
	delay := p.calculateDelay()
	var waitTime time.Duration
	if last, ok := p.lastSeen.Get(host); ok {
		if elapsed := time.Since(last); elapsed < delay {
			waitTime = delay - elapsed
		}
	}
	// Reserve the slot before sleeping so concurrent callers queue behind
	// each other instead of all passing the same elapsed check.
	p.lastSeen.Add(host, time.Now().Add(waitTime))
	p.mu.Unlock()

	if waitTime <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(waitTime):
		return nil
	}
}

func (p *HostPacer) SetDelay(min, max time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minDelay = min
	p.maxDelay = max
}

func (p *HostPacer) calculateDelay() time.Duration {
	if !p.jitter || p.maxDelay <= p.minDelay {
		return p.minDelay
	}
	delta := p.maxDelay - p.minDelay
	return p.minDelay + time.Duration(rand.Int63n(int64(delta)))
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// NopPacer disables pacing. Used by tests and by the unblocker backend, whose
// provider applies its own rate limits.
type NopPacer struct{}

func (NopPacer) Wait(context.Context, string) error    { return nil }
func (NopPacer) SetDelay(time.Duration, time.Duration) {}
