// Package browser drives a pooled headless Chrome for pages that refuse
// plain HTTP clients. One shared browser process serves all fetches; each
// fetch runs in its own incognito context and page, and a fixed pool caps
// how many pages are open at once.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"marketvane/internal/logging"
)

// Config holds headless browser configuration.
type Config struct {
	// DebuggerURL attaches to an already running Chrome. When empty a
	// new process is launched.
	DebuggerURL string
	// Launch overrides the launched binary and its flags: element 0 is
	// the binary path, the rest are raw Chrome flags.
	Launch         []string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	// NavigationTimeout bounds a single page load.
	NavigationTimeout time.Duration
	// SettleDelay is extra wait after load for client side rendering.
	SettleDelay time.Duration
	// PoolSize caps concurrently open pages.
	PoolSize int
}

// DefaultConfig returns the settings the scraping phase starts from.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		ViewportWidth:     1366,
		ViewportHeight:    768,
		NavigationTimeout: 30 * time.Second,
		SettleDelay:       2 * time.Second,
		PoolSize:          2,
	}
}

func (c Config) viewportWidth() int {
	if c.ViewportWidth <= 0 {
		return 1366
	}
	return c.ViewportWidth
}

func (c Config) viewportHeight() int {
	if c.ViewportHeight <= 0 {
		return 768
	}
	return c.ViewportHeight
}

func (c Config) navigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

func (c Config) poolSize() int {
	if c.PoolSize <= 0 {
		return 2
	}
	return c.PoolSize
}

// Snapshot is the rendered state of one fetched page.
type Snapshot struct {
	URL   string // final URL after redirects
	Title string
	HTML  string
}

// SessionManager owns the shared Chrome process and rations pages through
// a fixed pool. The browser starts lazily on first fetch and a stale
// connection heals on the next Start.
type SessionManager struct {
	cfg        Config
	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	slots      chan struct{}
}

// NewSessionManager creates a manager. No browser is launched until Start
// or the first fetch.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.poolSize()),
	}
}

// Start connects to an existing Chrome or launches a new one. Safe to call
// repeatedly; a healthy connection is reused, a stale one replaced.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("Stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.Headless)
		for _, rawFlag := range m.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Retry without the custom flags before giving up.
			alt, altErr := launcher.New().Bin(bin).Headless(m.cfg.Headless).Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			url = alt
		}
		controlURL = url
	}
	if controlURL == "" {
		url, err := launcher.New().Headless(m.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	m.browser = b
	m.controlURL = controlURL
	logging.Browser("Headless browser connected (pool size %d)", m.cfg.poolSize())
	return nil
}

func (m *SessionManager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

// IsConnected reports whether a browser is attached.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// ControlURL returns the DevTools websocket URL of the attached browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// Shutdown closes the browser process. The manager stays usable; the next
// fetch launches a fresh browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	return err
}

// FetchHTML renders url in a fresh incognito page and returns the final
// DOM. Blocks while the pool is fully busy.
func (m *SessionManager) FetchHTML(ctx context.Context, url string) (*Snapshot, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.slots }()

	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	defer func() { _ = page.Close() }()

	if ua := m.cfg.UserAgent; ua != "" {
		_ = (proto.NetworkSetUserAgentOverride{UserAgent: ua}).Call(page)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.viewportWidth(),
		Height:            m.cfg.viewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.BrowserWarn("Viewport override failed for %s: %v", url, err)
	}

	nav := page.Context(ctx).Timeout(m.cfg.navigationTimeout())
	if err := nav.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := nav.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for %s: %w", url, err)
	}
	if d := m.cfg.SettleDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	html, err := nav.HTML()
	if err != nil {
		return nil, fmt.Errorf("read dom for %s: %w", url, err)
	}
	snap := &Snapshot{URL: url, HTML: html}
	if info, err := nav.Info(); err == nil {
		snap.URL = info.URL
		snap.Title = info.Title
	}
	logging.BrowserDebug("Rendered %s (%d bytes)", snap.URL, len(html))
	return snap, nil
}
