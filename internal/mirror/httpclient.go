package mirror

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
)

// HTTPTransport fetches catalog-relative paths from an origin base URL.
// It satisfies catalog.Transport and is the transport provider for the
// fetch scheduler.
type HTTPTransport struct {
	client *http.Client
	base   *url.URL
}

// NewHTTPTransport creates a transport for the given origin base URL.
func NewHTTPTransport(base *url.URL, tlsConfig *TLSConfig) *HTTPTransport {
	return &HTTPTransport{
		client: clonedTransport(tlsConfig),
		base:   base,
	}
}

// Get issues a GET for a catalog-relative path.  The caller owns the
// returned body.  A non-nil error means the request itself failed
// (connection, timeout); HTTP-level failures are reported via status.
func (t *HTTPTransport) Get(ctx context.Context, relpath string) (io.ReadCloser, int, error) {
	u := t.base.ResolveReference(&url.URL{Path: relpath})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "Get "+relpath)
	}
	req.Header.Set("Cache-Control", "max-age=0")
	req.Header.Set("User-Agent", "tcmirror/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.StatusCode, nil
}

// clonedTransport creates an HTTP client with pooled connections and
// the configured TLS settings.  No client timeout: cancellation is
// controlled by context so large artifact downloads are not cut short.
func clonedTransport(tlsConfig *TLSConfig) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	if tlsConfig != nil {
		customTLSConfig, err := tlsConfig.BuildTLSConfig()
		if err != nil {
			slog.Error("failed to build TLS config, using defaults", "error", err)
		} else {
			tr.TLSClientConfig = customTLSConfig
		}
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0,
	}
}
