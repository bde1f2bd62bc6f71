package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"HTTP://Example.COM:80", "http://example.com/"},
		{"https://example.com:443/a?b=2&a=1#frag", "https://example.com/a?a=1&b=2"},
		{"https://example.com:8443/x", "https://example.com:8443/x"},
	}
	for _, tc := range tests {
		got, err := NormalizeURL(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, err := NormalizeURL("mailto:someone@example.com")
	require.Error(t, err)
	_, err = NormalizeURL("/relative/path")
	require.Error(t, err)
}

func TestResolveLink(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://a.com/dir/page.html")
	require.NoError(t, err)

	got, ok := ResolveLink(base, "../other.html#top")
	require.True(t, ok)
	assert.Equal(t, "https://a.com/other.html", got)

	for _, href := range []string{"", "#top", "javascript:void(0)", "mailto:x@a.com"} {
		_, ok := ResolveLink(base, href)
		assert.False(t, ok, href)
	}
}

func TestDomain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a.com", Domain("https://A.com:8080/x"))
	assert.Equal(t, "", Domain("://bad"))
}
