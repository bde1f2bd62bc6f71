package cache

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

var assetAttrs = []struct {
	selector string
	attr     string
}{
	{"img[src]", "src"},
	{"source[src]", "src"},
	{"video[src]", "src"},
	{"video[poster]", "poster"},
	{"audio[src]", "src"},
	{"embed[src]", "src"},
	{"input[type=image][src]", "src"},
	{`link[href][rel~="stylesheet"]`, "href"},
}

// droppedLinkRels are link relations that make no sense in an archived copy.
var droppedLinkRels = []string{"icon", "canonical", "alternate", "preload"}

// cssURL matches url(...) references in stylesheets and style attributes.
var cssURL = regexp.MustCompile(`(?i)\burl\(\s*([^)]*?)\s*\)`)

// Snapshotter archives a page together with the sub-assets it needs to render.
type Snapshotter struct {
	cache  *Cache
	logger *zap.Logger
}

// NewSnapshotter wires a Snapshotter on top of c.
func NewSnapshotter(c *Cache, logger *zap.Logger) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{cache: c, logger: logger}
}

// IsHTML reports whether mimetype carries an HTML document.
func IsHTML(mimetype string) bool {
	mt, _, err := mime.ParseMediaType(mimetype)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// Snapshot writes page to the cache and returns every filename it now references, the page itself
// first. HTML references to sub-assets are rewritten to their cached copies; an asset that cannot be
// fetched keeps its original reference.
func (s *Snapshotter) Snapshot(ctx context.Context, page crawler.Page) ([]string, error) {
	if !IsHTML(page.Mimetype) {
		asset, err := s.cache.Write(ctx, page.URL, page.Content, page.Mimetype, page.Headers)
		if err != nil {
			return nil, err
		}
		return []string{asset.Filename}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}
	sanitize(doc)

	run := &snapshotRun{s: s, base: base, resolved: map[string]string{}}
	for _, a := range assetAttrs {
		doc.Find(a.selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			ref, _ := sel.Attr(a.attr)
			if fn, ok := run.lookup(ctx, base, ref); ok {
				sel.SetAttr(a.attr, s.cache.cfg.URLPrefix+fn)
			}
			return run.err == nil
		})
		if run.err != nil {
			return nil, run.abort(ctx)
		}
	}
	doc.Find("img[srcset], source[srcset]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		srcset, _ := sel.Attr("srcset")
		sel.SetAttr("srcset", run.rewriteSrcset(ctx, srcset))
		return run.err == nil
	})
	if run.err != nil {
		return nil, run.abort(ctx)
	}
	doc.Find("style").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		for _, n := range sel.Nodes {
			for c := n.FirstChild; c != nil && run.err == nil; c = c.NextSibling {
				c.Data = run.rewriteCSS(ctx, base, c.Data)
			}
		}
		return run.err == nil
	})
	if run.err != nil {
		return nil, run.abort(ctx)
	}
	doc.Find("[style]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		style, _ := sel.Attr("style")
		sel.SetAttr("style", run.rewriteCSS(ctx, base, style))
		return run.err == nil
	})
	if run.err != nil {
		return nil, run.abort(ctx)
	}

	html, err := doc.Html()
	if err != nil {
		run.err = fmt.Errorf("render html: %w", err)
		return nil, run.abort(ctx)
	}
	headers := page.Headers
	if headers == nil {
		headers = http.Header{}
	}
	asset, err := s.cache.Write(ctx, page.URL, []byte(html), "text/html", headers)
	if err != nil {
		run.err = err
		return nil, run.abort(ctx)
	}
	return append([]string{asset.Filename}, run.files...), nil
}

type snapshotRun struct {
	s        *Snapshotter
	base     *url.URL
	resolved map[string]string
	files    []string
	err      error
}

// sanitize removes scripts and anything else that would run or resolve against the origin on replay.
func sanitize(doc *goquery.Document) {
	doc.Find("script, base").Remove()
	doc.Find("link").Each(func(_ int, sel *goquery.Selection) {
		if _, ok := sel.Attr("itemprop"); ok {
			sel.Remove()
			return
		}
		rel := strings.ToLower(sel.AttrOr("rel", ""))
		for _, v := range droppedLinkRels {
			if strings.Contains(rel, v) {
				sel.Remove()
				return
			}
		}
	})
	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		var drop []string
		for _, a := range sel.Nodes[0].Attr {
			key := strings.ToLower(a.Key)
			if strings.HasPrefix(key, "on") || key == "nonce" {
				drop = append(drop, a.Key)
			}
		}
		for _, k := range drop {
			sel.RemoveAttr(k)
		}
	})
}

// lookup caches the sub-asset at ref, resolved against base, once per snapshot and returns its filename.
func (r *snapshotRun) lookup(ctx context.Context, base *url.URL, ref string) (string, bool) {
	if strings.HasPrefix(strings.TrimSpace(ref), "data:") {
		return "", false
	}
	abs, ok := crawler.ResolveLink(base, ref)
	if !ok {
		return "", false
	}
	if fn, seen := r.resolved[abs]; seen {
		return fn, fn != ""
	}
	// in progress; a stylesheet importing itself keeps its original reference
	r.resolved[abs] = ""
	fn, err := r.asset(ctx, abs)
	if err != nil {
		if crawler.IsFatal(err) {
			r.err = err
			return "", false
		}
		r.s.logger.Warn("asset not cached", zap.String("url", abs), zap.Error(err))
	}
	r.resolved[abs] = fn
	if fn == "" {
		return "", false
	}
	r.files = append(r.files, fn)
	return fn, true
}

// rewriteCSS points every url() in css at its cached copy. Relative references resolve against base.
func (r *snapshotRun) rewriteCSS(ctx context.Context, base *url.URL, css string) string {
	return cssURL.ReplaceAllStringFunc(css, func(match string) string {
		if r.err != nil {
			return match
		}
		ref := strings.Trim(cssURL.FindStringSubmatch(match)[1], `"'`)
		if ref == "" || strings.HasPrefix(ref, "#") {
			return match
		}
		fn, ok := r.lookup(ctx, base, ref)
		if !ok {
			return match
		}
		return `url("` + r.s.cache.cfg.URLPrefix + fn + `")`
	})
}

func (r *snapshotRun) rewriteSrcset(ctx context.Context, srcset string) string {
	candidates := parseSrcset(srcset)
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ref := c.url
		if fn, ok := r.lookup(ctx, r.base, c.url); ok {
			ref = r.s.cache.cfg.URLPrefix + strings.ReplaceAll(fn, ",", "%2C")
		}
		if r.err != nil {
			return srcset
		}
		if c.descriptor != "" {
			ref += " " + c.descriptor
		}
		out = append(out, ref)
	}
	return strings.Join(out, ", ")
}

type srcsetCandidate struct {
	url        string
	descriptor string
}

// parseSrcset splits a srcset attribute. URLs may contain commas; a candidate ends at a comma that
// follows the descriptor or terminates the URL.
func parseSrcset(v string) []srcsetCandidate {
	var out []srcsetCandidate
	i := 0
	for i < len(v) {
		for i < len(v) && (isSpace(v[i]) || v[i] == ',') {
			i++
		}
		if i >= len(v) {
			break
		}
		start := i
		for i < len(v) && !isSpace(v[i]) {
			i++
		}
		u := v[start:i]
		if trimmed := strings.TrimRight(u, ","); trimmed != u {
			out = append(out, srcsetCandidate{url: trimmed})
			continue
		}
		start = i
		for i < len(v) && v[i] != ',' {
			i++
		}
		out = append(out, srcsetCandidate{url: u, descriptor: strings.TrimSpace(v[start:i])})
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// abort releases the references taken so far and returns the error that stopped the run.
func (r *snapshotRun) abort(ctx context.Context) error {
	for _, fn := range r.files {
		if err := r.s.cache.ReleaseFile(ctx, fn); err != nil {
			r.s.logger.Error("release after failed snapshot", zap.String("filename", fn), zap.Error(err))
		}
	}
	return r.err
}

// asset caches abs and returns its filename. Stylesheets are rewritten before they are stored; a cached
// stylesheet is fetched again so the files it points to gain references for this snapshot too.
func (r *snapshotRun) asset(ctx context.Context, abs string) (string, error) {
	c := r.s.cache
	res, err := c.GetOrFetch(ctx, abs, c.cfg.MaxAssetBytes)
	if err != nil {
		return "", err
	}
	if !res.Hit() {
		return r.store(ctx, abs, *res.Page)
	}
	if !strings.HasSuffix(res.Asset.Filename, ".css") {
		return res.Asset.Filename, nil
	}

	page, err := c.fetch(ctx, abs, c.cfg.MaxAssetBytes, nil)
	if err == nil {
		var fn string
		fn, err = r.store(ctx, abs, page)
		if err == nil {
			// the fresh write holds the reference now
			return fn, c.Release(ctx, res.Asset)
		}
	}
	if rerr := c.Release(ctx, res.Asset); rerr != nil {
		return "", rerr
	}
	return "", err
}

func (r *snapshotRun) store(ctx context.Context, abs string, page crawler.Page) (string, error) {
	if page.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("asset status %d", page.StatusCode)
	}
	content := page.Content
	if isCSS(page.Mimetype) {
		base, err := url.Parse(abs)
		if err != nil {
			return "", fmt.Errorf("parse stylesheet url: %w", err)
		}
		content = []byte(r.rewriteCSS(ctx, base, string(content)))
		if r.err != nil {
			return "", r.err
		}
	}
	asset, err := r.s.cache.Write(ctx, abs, content, page.Mimetype, page.Headers)
	if err != nil {
		return "", err
	}
	return asset.Filename, nil
}

func isCSS(mimetype string) bool {
	mt, _, err := mime.ParseMediaType(mimetype)
	return err == nil && mt == "text/css"
}
