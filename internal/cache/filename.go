package cache

import (
	"mime"
	"strings"
)

// DefaultMaxFilenameLength is the per-segment limit of common filesystems.
const DefaultMaxFilenameLength = 255

var preferredExtensions = map[string]string{
	"text/html":              ".html",
	"application/xhtml+xml":  ".html",
	"text/plain":             ".txt",
	"text/css":               ".css",
	"text/javascript":        ".js",
	"application/javascript": ".js",
	"application/json":       ".json",
	"image/jpeg":             ".jpg",
	"image/png":              ".png",
	"image/gif":              ".gif",
	"image/svg+xml":          ".svg",
	"image/webp":             ".webp",
	"image/x-icon":           ".ico",
	"application/pdf":        ".pdf",
}

// Extension picks the file extension a static file server needs to serve content with the right type.
// The mimetype wins; the URL's own suffix is the fallback.
func Extension(rawURL, mimetype string) string {
	if mt, _, err := mime.ParseMediaType(mimetype); err == nil {
		if ext, ok := preferredExtensions[mt]; ok {
			return ext
		}
		if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	i := strings.LastIndexByte(rawURL, '.')
	if i < 0 {
		return ".bin"
	}
	ext := rawURL[i+1:]
	if q := strings.IndexByte(ext, '?'); q >= 0 {
		ext = ext[:q]
	}
	if ext == "" || strings.Contains(ext, "/") {
		return ".bin"
	}
	return "." + ext
}

// DeriveFilename maps a URL to a relative path below the cache root. Doubled slashes are collapsed, the
// URL is unescaped then re-escaped with "," in place of "%", and the final segment gets "_<hash><ext>".
// Segments longer than maxLen are truncated with the hash appended so distinct contents stay distinct.
func DeriveFilename(rawURL, hash, ext string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxFilenameLength
	}
	u := strings.ReplaceAll(rawURL, "//", "/")
	u = quote(unquotePlus(u))
	u = strings.ReplaceAll(u, "%", ",")

	parts := strings.Split(u, "/")
	last := len(parts) - 1
	for i, part := range parts {
		if i == last {
			suffix := "_" + hash + ext
			if len(part)+len(suffix) > maxLen {
				part = truncate(part, maxLen-len(suffix))
			}
			parts[i] = part + suffix
			continue
		}
		if len(part) > maxLen {
			parts[i] = truncate(part, maxLen-len(hash)-1) + "_" + hash
		}
	}
	return strings.Join(parts, "/")
}

// truncate cuts s to at most n bytes without splitting a ",XX" escape.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	s = s[:n]
	if i := strings.LastIndexByte(s, ','); i >= 0 && len(s)-i < 3 {
		s = s[:i]
	}
	return s
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// unquotePlus decodes "+" and valid %XX escapes, leaving malformed escapes untouched.
func unquotePlus(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s):
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if ok1 && ok2 {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func safeByte(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '_' || c == '.' || c == '-' || c == '~' || c == '/'
}

// quote escapes every byte outside the unreserved set and "/" as uppercase %XX.
func quote(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if safeByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}
