package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

// applyHeaders fills the freshness metadata of asset from response headers. now is used when the
// response carries no Date.
func applyHeaders(asset *crawler.Asset, headers http.Header, now time.Time) {
	date := now
	if d, ok := parseHTTPDate(headers.Get("Date")); ok {
		date = d
	}
	asset.DownloadDate = &date
	asset.LastModified = nil
	asset.MaxAge = nil
	asset.HasCacheControl = false
	asset.ETag = nil

	if etag := strings.TrimSpace(headers.Get("ETag")); etag != "" {
		asset.ETag = &etag
	}

	if maxAge, ok := parseMaxAge(headers.Values("Cache-Control")); ok {
		age := int64(0)
		if v, err := strconv.ParseInt(strings.TrimSpace(headers.Get("Age")), 10, 64); err == nil && v > 0 {
			age = v
		}
		lastModified := date.Add(-time.Duration(age) * time.Second)
		asset.LastModified = &lastModified
		asset.MaxAge = &maxAge
		asset.HasCacheControl = true
		return
	}

	if lm, ok := parseHTTPDate(headers.Get("Last-Modified")); ok {
		asset.LastModified = &lm
	}
	if expires, ok := parseHTTPDate(headers.Get("Expires")); ok {
		base := date
		if asset.LastModified != nil {
			base = *asset.LastModified
		}
		maxAge := int64(expires.Sub(base) / time.Second)
		asset.MaxAge = &maxAge
		if asset.LastModified == nil {
			asset.LastModified = &base
		}
	}
}

func parseMaxAge(values []string) (int64, bool) {
	for _, v := range values {
		for _, directive := range strings.Split(v, ",") {
			name, arg, found := strings.Cut(strings.TrimSpace(directive), "=")
			if !found || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
				continue
			}
			n, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(arg), `"`), 10, 64)
			if err != nil || n < 0 {
				continue
			}
			return n, true
		}
	}
	return 0, false
}

func parseHTTPDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
