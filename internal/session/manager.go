// Package session owns the active fetch identity: cookies, TLS impersonation
// profile and proxy. Concurrent fetch tasks read immutable snapshots; refresh
// and rotation are serialized behind a single in-flight lock.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thalysguimaraes/watchcollection/internal/browser"
	"github.com/thalysguimaraes/watchcollection/internal/challenge"
	"github.com/thalysguimaraes/watchcollection/internal/config"
	"github.com/thalysguimaraes/watchcollection/internal/solver"
)

const clearanceCookie = "cf_clearance"

// State is an immutable snapshot of the current identity, taken at the start
// of every fetch.
type State struct {
	Profile   string
	Cookies   map[string]string
	UserAgent string
	Proxy     string
}

// CookieHeader renders the jar as a Cookie header value with stable ordering.
func (s State) CookieHeader() string {
	if len(s.Cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.Cookies))
	for name := range s.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+s.Cookies[name])
	}
	return strings.Join(pairs, "; ")
}

// Headers returns the per-request headers this identity contributes.
func (s State) Headers() map[string]string {
	headers := make(map[string]string, 2)
	if cookie := s.CookieHeader(); cookie != "" {
		headers["Cookie"] = cookie
	}
	if s.UserAgent != "" {
		headers["User-Agent"] = s.UserAgent
	}
	return headers
}

// Browser is the headless collaborator the manager drives during refresh.
type Browser interface {
	Navigate(ctx context.Context, url string) (string, error)
	Content() (string, error)
	Cookies() ([]browser.Cookie, error)
	InjectToken(kind, token string) error
	Reset() error
	UserAgent() string
}

// Solver turns a detected challenge widget into a token.
type Solver interface {
	Solve(ctx context.Context, ch solver.Challenge) (string, error)
}

type Manager struct {
	cfg          config.SessionConfig
	bootstrapURL string
	browser      Browser
	solver       Solver
	logger       *slog.Logger
	pollInterval time.Duration

	stateMu    sync.RWMutex
	state      State
	profileIdx int

	refreshMu   sync.Mutex
	lastRefresh time.Time

	solverMu       sync.Mutex
	solverFailures int
	cooldownUntil  time.Time

	nowFn func() time.Time
}

// NewManager builds a manager with the first configured impersonation profile
// active. Browser and solver may be nil; the corresponding capability is then
// simply unavailable and refresh reports not-refreshed.
func NewManager(cfg config.SessionConfig, bootstrapURL, proxy string, br Browser, sv Solver) *Manager {
	m := &Manager{
		cfg:          cfg,
		bootstrapURL: bootstrapURL,
		browser:      br,
		solver:       sv,
		logger:       slog.Default().With("component", "session"),
		pollInterval: 3 * time.Second,
		nowFn:        time.Now,
	}
	m.state = State{
		Profile: cfg.ImpersonateProfiles[0],
		Cookies: map[string]string{},
		Proxy:   proxy,
	}
	return m
}

// Snapshot returns the current identity. The returned cookie map is a copy.
func (m *Manager) Snapshot() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	st := m.state
	cookies := make(map[string]string, len(st.Cookies))
	for k, v := range st.Cookies {
		cookies[k] = v
	}
	st.Cookies = cookies
	return st
}

// ImportCookies merges cookies into the jar, e.g. from a cookies file given
// at startup.
func (m *Manager) ImportCookies(cookies map[string]string, userAgent string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	for k, v := range cookies {
		m.state.Cookies[k] = v
	}
	if userAgent != "" {
		m.state.UserAgent = userAgent
	}
}

// RefreshCookies drives the headless browser to the bootstrap URL and waits
// for the clearance cookie, attempting one solver call per wait cycle when a
// challenge widget is present. Throttled to at most one attempt per
// configured interval; during the throttle window it reports not-refreshed.
func (m *Manager) RefreshCookies(ctx context.Context) (bool, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if m.nowFn().Sub(m.lastRefresh) < m.cfg.RefreshInterval {
		return false, nil
	}
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) (bool, error) {
	if m.browser == nil {
		return false, nil
	}
	m.lastRefresh = m.nowFn()

	m.logger.Info("refreshing session", "url", m.bootstrapURL)
	if _, err := m.browser.Navigate(ctx, m.bootstrapURL); err != nil {
		return false, fmt.Errorf("bootstrap navigation: %w", err)
	}

	deadline := m.nowFn().Add(m.cfg.ClearanceTimeout)
	for {
		if cleared, err := m.tryImportClearance(); err != nil {
			return false, err
		} else if cleared {
			m.logger.Info("session refreshed", "profile", m.Snapshot().Profile)
			return true, nil
		}

		if m.nowFn().After(deadline) {
			return false, fmt.Errorf("clearance cookie did not appear within %s", m.cfg.ClearanceTimeout)
		}

		m.maybeSolve(ctx)

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// tryImportClearance imports the browser jar into the active state when the
// clearance cookie is present.
func (m *Manager) tryImportClearance() (bool, error) {
	cookies, err := m.browser.Cookies()
	if err != nil {
		return false, fmt.Errorf("read browser cookies: %w", err)
	}

	found := false
	jar := make(map[string]string, len(cookies))
	for _, ck := range cookies {
		jar[ck.Name] = ck.Value
		if ck.Name == clearanceCookie {
			found = true
		}
	}
	if !found {
		return false, nil
	}

	m.stateMu.Lock()
	for k, v := range jar {
		m.state.Cookies[k] = v
	}
	m.state.UserAgent = m.browser.UserAgent()
	m.stateMu.Unlock()
	return true, nil
}

// maybeSolve makes at most one solver attempt for the current wait cycle.
// Solver errors never abort the refresh; the poll loop keeps going in case
// the interstitial clears on its own.
func (m *Manager) maybeSolve(ctx context.Context) {
	if m.solver == nil || !m.solverAllowed() {
		return
	}
	content, err := m.browser.Content()
	if err != nil {
		return
	}
	captcha := challenge.DetectCaptcha(content)
	if captcha == nil {
		return
	}

	token, err := m.solver.Solve(ctx, solver.Challenge{
		Kind:    captcha.Kind,
		SiteKey: captcha.SiteKey,
		PageURL: m.bootstrapURL,
	})
	if err != nil {
		m.recordSolverFailure(err)
		m.logger.Warn("solver attempt failed", "kind", captcha.Kind, "error", err)
		return
	}
	m.recordSolverSuccess()
	if err := m.browser.InjectToken(captcha.Kind, token); err != nil {
		m.logger.Warn("token injection failed", "error", err)
	}
}

// RotateCredentials advances to the next impersonation profile (wrapping
// around), optionally discards the browser session, and re-runs the refresh
// flow bypassing the throttle. Triggered only by the orchestrator.
func (m *Manager) RotateCredentials(ctx context.Context, forceNewSession bool) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.stateMu.Lock()
	m.profileIdx = (m.profileIdx + 1) % len(m.cfg.ImpersonateProfiles)
	m.state.Profile = m.cfg.ImpersonateProfiles[m.profileIdx]
	profile := m.state.Profile
	m.stateMu.Unlock()

	m.logger.Info("rotating credentials", "profile", profile, "new_session", forceNewSession)

	if forceNewSession && m.browser != nil {
		if err := m.browser.Reset(); err != nil {
			return fmt.Errorf("reset browser session: %w", err)
		}
		m.stateMu.Lock()
		m.state.Cookies = map[string]string{}
		m.stateMu.Unlock()
	}

	if _, err := m.refreshLocked(ctx); err != nil {
		m.logger.Warn("refresh after rotation failed", "error", err)
	}
	return nil
}

func (m *Manager) solverAllowed() bool {
	m.solverMu.Lock()
	defer m.solverMu.Unlock()
	return m.nowFn().After(m.cooldownUntil)
}

func (m *Manager) recordSolverSuccess() {
	m.solverMu.Lock()
	defer m.solverMu.Unlock()
	m.solverFailures = 0
}

// recordSolverFailure applies the cooldown policy: a provider hard block
// disables the solver for the long window immediately, while repeated
// generic failures earn the short window.
func (m *Manager) recordSolverFailure(err error) {
	m.solverMu.Lock()
	defer m.solverMu.Unlock()

	if errors.Is(err, solver.ErrIPBlocked) {
		m.cooldownUntil = m.nowFn().Add(m.cfg.LongCooldown)
		m.solverFailures = 0
		m.logger.Warn("solver hard-blocked, long cooldown", "until", m.cooldownUntil)
		return
	}
	m.solverFailures++
	if m.solverFailures >= m.cfg.MaxFailures {
		m.cooldownUntil = m.nowFn().Add(m.cfg.ShortCooldown)
		m.solverFailures = 0
		m.logger.Warn("repeated solver failures, short cooldown", "until", m.cooldownUntil)
	}
}

// ParseNetscapeCookies reads a cookies.txt export (tab-separated Netscape
// format) into a name/value map. Comment and malformed lines are skipped.
func ParseNetscapeCookies(r io.Reader) (map[string]string, error) {
	cookies := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		name, value := fields[5], fields[6]
		if name != "" {
			cookies[name] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	return cookies, nil
}

// LoadCookiesFile reads a cookies.txt from disk.
func LoadCookiesFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cookies file: %w", err)
	}
	defer f.Close()
	return ParseNetscapeCookies(f)
}
