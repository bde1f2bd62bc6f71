package crawler

import (
	"mime"
	"net/http"
	"strings"
)

// Mimetype returns the media type announced by the Content-Type header, sniffing body when the header is
// missing or unparsable.
func Mimetype(headers http.Header, body []byte) string {
	if ct := headers.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			return strings.ToLower(mt)
		}
	}
	mt, _, err := mime.ParseMediaType(http.DetectContentType(body))
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}
