package writer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPBackend writes a batch to a line-protocol-over-HTTP write endpoint
// (e.g. an InfluxDB /write URL). It is the one concrete BackendWriter
// this package ships; none of the retrieved example repos carry an
// HTTP write-path client, so this uses net/http directly rather than a
// speculative dependency pulled in only for this one call site — an
// outbound call to an external store is exactly the system boundary
// where stdlib is the right default.
type HTTPBackend struct {
	URL    string
	Client *http.Client
}

// NewHTTPBackend creates a backend posting batches to url with a
// bounded per-request client.
func NewHTTPBackend(url string) *HTTPBackend {
	return &HTTPBackend{URL: url, Client: &http.Client{Timeout: 15 * time.Second}}
}

// WriteBatch POSTs payload as a line-protocol body, treating any
// non-2xx response as a retryable failure.
func (b *HTTPBackend) WriteBatch(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := b.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("writer: backend returned status %d", resp.StatusCode)
	}
	return nil
}
