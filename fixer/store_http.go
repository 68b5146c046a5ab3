package fixer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/rs/zerolog"
)

// LayerFetcher downloads GeoJSON layers over HTTP. The zero value is usable:
// three attempts, half a second before the first retry doubling up to
// MaxBackoff, and a 50 MB body limit.
type LayerFetcher struct {
	Client     *http.Client
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	MaxBytes   int64
	Log        zerolog.Logger
}

// NewOutboundClient returns the HTTP client used for layer downloads.
func NewOutboundClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		Timeout: 30 * time.Second,
	}
}

// errPermanent marks a download failure that retrying cannot fix.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

// Fetch downloads layerURL and decodes it into a read-only memory layer named
// name, or after the URL's last path element when name is empty. Network
// errors, 5xx, 408 and 429 responses are retried; other statuses and
// undecodable bodies fail at once.
func (f *LayerFetcher) Fetch(ctx context.Context, layerURL, name string) (*MemoryLayer, error) {
	if layerURL == "" {
		return nil, fmt.Errorf("fetch layer: URL is empty")
	}
	client := f.Client
	if client == nil {
		client = NewOutboundClient()
	}
	attempts := f.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	wait := orDefault(f.Backoff, 500*time.Millisecond)
	ceiling := orDefault(f.MaxBackoff, 10*time.Second)

	var err error
	for n := 1; n <= attempts; n++ {
		var body []byte
		body, err = f.get(ctx, client, layerURL)
		if err == nil {
			l, decErr := DecodeLayer(body, name)
			if decErr != nil {
				return nil, fmt.Errorf("fetch layer: %w", decErr)
			}
			if l.Name() == "" {
				l.name = layerNameFromURL(layerURL)
			}
			l.readOnly = true
			return l, nil
		}
		var perm errPermanent
		if errors.As(err, &perm) {
			return nil, fmt.Errorf("fetch layer: %w", perm.err)
		}
		if n == attempts {
			break
		}
		f.Log.Debug().Err(err).Int("attempt", n).Dur("wait", wait).Msg("layer download failed, retrying")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("fetch layer: %w", ctx.Err())
		case <-t.C:
		}
		wait = min(wait*2, ceiling)
	}
	return nil, fmt.Errorf("fetch layer: all %d attempts failed: %w", attempts, err)
}

func (f *LayerFetcher) get(ctx context.Context, client *http.Client, layerURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, layerURL, nil)
	if err != nil {
		return nil, errPermanent{err}
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch s := resp.StatusCode; {
	case s == http.StatusOK:
	case s >= 500, s == http.StatusTooManyRequests, s == http.StatusRequestTimeout:
		return nil, fmt.Errorf("GET %s: %s", layerURL, resp.Status)
	default:
		return nil, errPermanent{fmt.Errorf("GET %s: %s", layerURL, resp.Status)}
	}

	limit := orDefault(f.MaxBytes, 50<<20)
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("GET %s: reading body: %w", layerURL, err)
	}
	if int64(len(body)) > limit {
		return nil, errPermanent{fmt.Errorf("GET %s: body exceeds %d bytes", layerURL, limit)}
	}
	return body, nil
}

// orDefault returns v, or def when v is zero or negative.
func orDefault[T int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// FetchLayer downloads a layer with the default fetcher.
func FetchLayer(ctx context.Context, layerURL, name string) (*MemoryLayer, error) {
	return (&LayerFetcher{}).Fetch(ctx, layerURL, name)
}

func layerNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "remote"
	}
	return layerNameFromPath(path.Base(u.Path))
}
