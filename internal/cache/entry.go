package cache

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Entry is a cached downstream response.
type Entry struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// hopHeaders are never stored with a cached response.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Set-Cookie",
}

// NewEntry captures a response for caching, dropping hop-by-hop headers.
func NewEntry(status int, header http.Header, body []byte, now time.Time) *Entry {
	h := header.Clone()
	for _, name := range hopHeaders {
		h.Del(name)
	}
	return &Entry{
		StatusCode: status,
		Header:     h,
		Body:       body,
		CreatedAt:  now,
	}
}

// Encode serializes the entry.
func (e *Entry) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return b, nil
}

// DecodeEntry parses an encoded entry.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &e, nil
}

// Age returns how long ago the entry was created.
func (e *Entry) Age(now time.Time) time.Duration {
	if now.Before(e.CreatedAt) {
		return 0
	}
	return now.Sub(e.CreatedAt)
}
