package crawler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMimetype(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers http.Header
		body    string
		want    string
	}{
		{"header wins", http.Header{"Content-Type": {"Text/HTML; charset=utf-8"}}, "{}", "text/html"},
		{"sniffed html", http.Header{}, "<!DOCTYPE html><html></html>", "text/html"},
		{"bad header sniffs", http.Header{"Content-Type": {";;"}}, "plain words", "text/plain"},
		{"binary", nil, "\x00\x01\x02", "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Mimetype(tt.headers, []byte(tt.body)))
		})
	}
}
