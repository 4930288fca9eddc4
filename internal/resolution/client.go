// Package resolution talks to the image resolution service, which serves raw
// image bytes for a pid at a requested quality tier.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"illustpub/internal/apperr"
	"illustpub/internal/config"
)

var (
	// ErrTierUnavailable means the service has no image for the pid at a tier.
	ErrTierUnavailable = errors.New("tier unavailable")
	// ErrTooLarge means the payload exceeded the caller's byte ceiling.
	ErrTooLarge = errors.New("payload exceeds size ceiling")
)

// Source resolves and downloads one tier of an image.
type Source interface {
	Resolve(ctx context.Context, pid int64, tier string) (string, error)
	Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error)
}

// HTTPSource is the Source backed by the proxy-image endpoint.
type HTTPSource struct {
	base   *url.URL
	tiers  map[string]struct{}
	client *http.Client
}

// NewHTTPSource builds a client for cfg. A nil client gets one with the
// configured timeout.
func NewHTTPSource(cfg config.Resolution, client *http.Client) (*HTTPSource, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse resolution base url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	tiers := make(map[string]struct{}, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers[t] = struct{}{}
	}
	return &HTTPSource{base: base, tiers: tiers, client: client}, nil
}

// Resolve returns the fetch URL for pid at tier. Unknown tiers fail fast
// without touching the network.
func (s *HTTPSource) Resolve(_ context.Context, pid int64, tier string) (string, error) {
	if _, ok := s.tiers[tier]; !ok {
		return "", fmt.Errorf("%w: %q is not a configured tier", ErrTierUnavailable, tier)
	}
	u := *s.base
	q := u.Query()
	q.Set("action", "proxy-image")
	q.Set("pid", strconv.FormatInt(pid, 10))
	q.Set("size", tier)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Download fetches rawURL, reading at most maxBytes+1 bytes so oversized
// payloads are detected without buffering them whole.
func (s *HTTPSource) Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrUpstream, "resolution", "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.Wrap(apperr.ErrUpstream, "resolution", "service returned "+resp.Status, nil)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: service returned %s", ErrTierUnavailable, resp.Status)
	}

	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: content length %d > %d", ErrTooLarge, resp.ContentLength, maxBytes)
	}
	var body io.Reader = resp.Body
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrUpstream, "resolution", "read body", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrTierUnavailable)
	}
	return data, nil
}
