package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want string
	}{
		{"http://127.0.0.1/test.html", "http,3A/127.0.0.1/test.html_~~~.html"},
		{"http://127.0.0.1/test.html?a=b", "http,3A/127.0.0.1/test.html,3Fa,3Db_~~~.html"},
		{"http://127.0.0.1/", "http,3A/127.0.0.1/_~~~.html"},
		{"http://127.0.0.1/,", "http,3A/127.0.0.1/,2C_~~~.html"},
		{"http://127.0.0.1/a%20b", "http,3A/127.0.0.1/a,20b_~~~.html"},
		{"http://127.0.0.1/a+b", "http,3A/127.0.0.1/a,20b_~~~.html"},
		{"http://127.0.0.1//x/%zz", "http,3A/127.0.0.1/x/,25zz_~~~.html"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DeriveFilename(tt.url, "~~~", ".html", 255))
		})
	}
}

func TestDeriveFilenameTruncatesLongSegments(t *testing.T) {
	t.Parallel()

	const limit = 64
	long := strings.Repeat("a", 200)
	url := "http://127.0.0.1/" + long + "/" + long

	first := DeriveFilename(url, "0123456789", ".html", limit)
	second := DeriveFilename(url, "abcdefabcd", ".html", limit)

	assert.NotEqual(t, first, second)
	for _, name := range []string{first, second} {
		for _, part := range strings.Split(name, "/") {
			assert.LessOrEqual(t, len(part), limit, part)
		}
	}
	parts := strings.Split(first, "/")
	assert.True(t, strings.HasSuffix(parts[len(parts)-1], "_0123456789.html"))
	assert.True(t, strings.HasSuffix(parts[len(parts)-2], "_0123456789"))
}

func TestDeriveFilenameTruncationKeepsEscapesWhole(t *testing.T) {
	t.Parallel()

	url := "http://127.0.0.1/" + strings.Repeat(" ", 40)
	name := DeriveFilename(url, "h", ".bin", 20)
	last := name[strings.LastIndexByte(name, '/')+1:]
	assert.LessOrEqual(t, len(last), 20)
	assert.Equal(t, ",20,20,20,20_h.bin", last)
}

func TestExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, url, mimetype, want string
	}{
		{"html with charset", "http://a.com/", "text/html; charset=utf-8", ".html"},
		{"jpeg", "http://a.com/x", "image/jpeg", ".jpg"},
		{"css", "http://a.com/s", "text/css", ".css"},
		{"unknown mimetype uses url", "http://a.com/font.woff3?v=1", "application/x-unknown-thing", ".woff3"},
		{"no mimetype no suffix", "http://a.com/path/file", "", ".bin"},
		{"dot in host only", "http://a.com/", "", ".bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Extension(tt.url, tt.mimetype))
		})
	}
}
