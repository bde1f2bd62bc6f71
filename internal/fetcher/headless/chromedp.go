// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/metrics"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// SettleDelay is waited after the body is ready so client scripts can render.
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	MaxRedirects int           `mapstructure:"max_redirects"`
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and returns the fully rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.Page, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.Page{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()
	// Stop navigating when the worker is canceled.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	res, err := f.runHeadless(taskCtx, request)
	metrics.ObserveFetch("scripted", time.Since(start))
	if redirects := meta.redirectCount(); redirects > f.cfg.MaxRedirects {
		return crawler.Page{}, fmt.Errorf("fetch %s: %w", request.URL, crawler.ErrTooManyRedirects)
	}
	if err != nil {
		if ctx.Err() != nil {
			return crawler.Page{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return crawler.Page{}, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, res.finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	if status == http.StatusUnauthorized {
		return crawler.Page{}, fmt.Errorf("fetch %s: %w", request.URL, crawler.ErrAuthRequired)
	}
	body := []byte(res.html)
	if limit := request.MaxBytes; limit > 0 && int64(len(body)) > limit {
		return crawler.Page{}, &crawler.PageTooBigError{Size: int64(len(body)), Limit: limit}
	}

	return crawler.Page{
		URL:           responseURL,
		StatusCode:    status,
		Content:       body,
		Mimetype:      crawler.Mimetype(headers, body),
		Headers:       headers,
		RedirectCount: meta.redirectCount(),
		Cookies:       toHTTPCookies(res.cookies),
		Duration:      time.Since(start),
		UsedScripted:  true,
	}, nil
}

type headlessResult struct {
	html     string
	finalURL string
	cookies  []*network.Cookie
}

func (f *Fetcher) runHeadless(ctx context.Context, request crawler.FetchRequest) (headlessResult, error) {
	var res headlessResult
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&res.finalURL),
		chromedp.OuterHTML("html", &res.html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := network.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("get cookies: %w", err)
			}
			res.cookies = cookies
			return nil
		}),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return headlessResult{}, fmt.Errorf("chromedp run: %w", err)
	}
	return res, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// responseMeta follows the main frame navigation. Sub-frame documents are ignored.
type responseMeta struct {
	mu        sync.RWMutex
	frame     cdp.FrameID
	status    int
	headers   http.Header
	url       string
	redirects int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

// mainFrame reports whether frame is the navigated frame, adopting the first document frame seen.
func (m *responseMeta) mainFrame(frame cdp.FrameID) bool {
	if m.frame == "" {
		m.frame = frame
	}
	return m.frame == frame
}

func (m *responseMeta) captureRequest(event *network.EventRequestWillBeSent) {
	if event.Type != network.ResourceTypeDocument || event.RedirectResponse == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mainFrame(event.FrameID) {
		m.redirects++
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mainFrame(event.FrameID) {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) redirectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.redirects
}

func (m *responseMeta) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		m.captureRequest(e)
	case *network.EventResponseReceived:
		m.capture(e)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}

func toHTTPCookies(cookies []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		// Session cookies carry a negative expiry.
		if c.Expires > 0 && !math.IsInf(c.Expires, 0) {
			sec, frac := math.Modf(c.Expires)
			hc.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		out = append(out, hc)
	}
	return out
}

var _ crawler.Fetcher = (*Fetcher)(nil)
