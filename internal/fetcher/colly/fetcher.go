// Package collyfetcher implements the plain HTTP transport using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/recrawler/internal/crawler"
	"github.com/JakeFAU/recrawler/internal/metrics"
)

// DefaultMaxRedirects bounds the redirects followed inside one fetch.
const DefaultMaxRedirects = 10

// Config controls collector behavior.
type Config struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRedirects int           `mapstructure:"max_redirects"`
}

// Limiter delays requests for politeness.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	limiter   Limiter
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Limiter) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	return &Fetcher{
		cfg:       cfg,
		transport: &decodingTransport{base: newHTTPTransport()},
		limiter:   limiter,
	}
}

// fetchState collects what the collector callbacks observe during one Visit.
type fetchState struct {
	page      crawler.Page
	err       error
	redirects int
	responded bool
}

// Fetch executes a single HTTP GET using Colly. A 401 answer maps to crawler.ErrAuthRequired and a body
// above request.MaxBytes to *crawler.PageTooBigError; every other status is returned on the page.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.Page, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return crawler.Page{}, err
		}
	}
	start := time.Now()
	state := &fetchState{}
	collector := f.buildCollector(ctx, request, start, state)

	err := f.runCollector(ctx, collector, request.URL, state)
	metrics.ObserveFetch("plain", time.Since(start))
	if err != nil {
		return crawler.Page{}, err
	}
	page := state.page
	if page.StatusCode == http.StatusUnauthorized {
		return crawler.Page{}, fmt.Errorf("fetch %s: %w", request.URL, crawler.ErrAuthRequired)
	}
	if limit := request.MaxBytes; limit > 0 && int64(len(page.Content)) > limit {
		return crawler.Page{}, &crawler.PageTooBigError{Size: int64(len(page.Content)), Limit: limit}
	}
	return page, nil
}

// buildCollector creates a fresh collector per request. Collector clones share their HTTP client, so the
// per-request redirect handler would race across workers.
func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	state *fetchState,
) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false), colly.StdlibContext(ctx))
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	// robots.txt is enforced by the fetch router ahead of both transports.
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = 0
	if request.MaxBytes > 0 {
		// One extra byte distinguishes an exact fit from a truncated body.
		collector.MaxBodySize = int(request.MaxBytes) + 1
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	collector.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) > f.cfg.MaxRedirects {
			return crawler.ErrTooManyRedirects
		}
		state.redirects = len(via)
		return nil
	})

	f.configureCollectorHooks(collector, request, start, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	state *fetchState,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		body := append([]byte(nil), r.Body...)
		state.responded = true
		state.page = crawler.Page{
			URL:           r.Request.URL.String(),
			StatusCode:    r.StatusCode,
			Content:       body,
			Mimetype:      crawler.Mimetype(headers, body),
			Headers:       headers,
			RedirectCount: state.redirects,
			Cookies:       (&http.Response{Header: headers}).Cookies(),
			Duration:      time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		state.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, state *fetchState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = state.err
		}
		if err != nil {
			if errors.Is(err, crawler.ErrTooManyRedirects) {
				return fmt.Errorf("fetch %s: %w", url, crawler.ErrTooManyRedirects)
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if !state.responded {
			return fmt.Errorf("colly visit %s: no response", url)
		}
		return nil
	}
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
	if c := request.Conditional; c != nil {
		if c.ETag != "" {
			r.Headers.Set("If-None-Match", c.ETag)
		}
		if c.IfModifiedSince != nil {
			r.Headers.Set("If-Modified-Since", c.IfModifiedSince.UTC().Format(http.TimeFormat))
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		// decodingTransport negotiates compression itself.
		DisableCompression: true,
	}
}
