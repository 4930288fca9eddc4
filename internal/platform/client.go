// Package platform is a client for the content platform's media and draft
// APIs.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"illustpub/internal/apperr"
	"illustpub/internal/config"
)

// Error codes the platform uses for a missing, invalid or expired token.
const (
	codeInvalidCredential = 40001
	codeInvalidAppID      = 40013
	codeInvalidToken      = 40014
	codeTokenExpired      = 42001
	codeSystemBusy        = -1
)

// Credentials identify a destination account to the platform.
type Credentials struct {
	AppID     string
	AppSecret string
}

// Draft is one article submitted to the draft box.
type Draft struct {
	Title              string `json:"title"`
	Author             string `json:"author"`
	Digest             string `json:"digest"`
	Content            string `json:"content"`
	ThumbMediaID       string `json:"thumb_media_id"`
	NeedOpenComment    int    `json:"need_open_comment"`
	OnlyFansCanComment int    `json:"only_fans_can_comment"`
}

// APIError is a non-zero errcode answered by the platform.
type APIError struct {
	Code    int    `json:"errcode"`
	Message string `json:"errmsg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform error %d: %s", e.Code, e.Message)
}

// TokenInvalid reports whether re-authenticating may fix the call.
func (e *APIError) TokenInvalid() bool {
	switch e.Code {
	case codeInvalidCredential, codeInvalidToken, codeTokenExpired:
		return true
	}
	return false
}

// Permanent reports whether retrying the same call is pointless.
func (e *APIError) Permanent() bool {
	return e.Code != codeSystemBusy
}

// Client performs single platform calls. It holds no token state; see
// Session for per-attempt token caching.
type Client struct {
	base   *url.URL
	http   *http.Client
	retry  apperr.RetryPolicy
	logger *slog.Logger
}

// NewClient builds a client for cfg. A nil httpClient gets one with the
// configured timeout.
func NewClient(cfg config.Platform, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse platform base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base: base,
		http: httpClient,
		retry: apperr.RetryPolicy{
			Attempts: cfg.Retries,
			Backoff:  time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		},
		logger: logger.With("component", "platform"),
	}, nil
}

// Token exchanges credentials for an access token.
func (c *Client) Token(ctx context.Context, creds Credentials) (string, error) {
	if creds.AppID == "" || creds.AppSecret == "" {
		return "", apperr.Wrap(apperr.ErrUpstream, "platform", "destination has no credentials", &APIError{Code: codeInvalidAppID, Message: "missing app id or secret"})
	}
	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", creds.AppID)
	q.Set("secret", creds.AppSecret)

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/cgi-bin/token", q), nil)
		if err != nil {
			return err
		}
		return c.do(req, &resp)
	})
	if err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", apperr.Wrap(apperr.ErrUpstream, "platform", "token response without access_token", nil)
	}
	return resp.AccessToken, nil
}

// UploadImage uploads the file at path as article media and returns the
// platform URL referencing it.
func (c *Client) UploadImage(ctx context.Context, token, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	q := url.Values{}
	q.Set("access_token", token)

	var resp struct {
		URL string `json:"url"`
	}
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		body, contentType, err := multipartBody(filepath.Base(path), data)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/cgi-bin/media/uploadimg", q), body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)
		return c.do(req, &resp)
	})
	if err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", apperr.Wrap(apperr.ErrUpstream, "platform", "upload response without url", nil)
	}
	return resp.URL, nil
}

// AddDraft submits an article and returns the draft's media id.
func (c *Client) AddDraft(ctx context.Context, token string, d Draft) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string][]Draft{"articles": {d}}); err != nil {
		return "", fmt.Errorf("encode draft: %w", err)
	}
	payload := buf.Bytes()
	q := url.Values{}
	q.Set("access_token", token)

	var resp struct {
		MediaID string `json:"media_id"`
	}
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/cgi-bin/draft/add", q), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, &resp)
	})
	if err != nil {
		return "", err
	}
	if resp.MediaID == "" {
		return "", apperr.Wrap(apperr.ErrUpstream, "platform", "draft response without media_id", nil)
	}
	return resp.MediaID, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

// do sends req and decodes a JSON answer into out. Transport failures, 5xx
// answers and non-zero errcodes are all upstream failures.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.ErrUpstream, "platform", req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apperr.Wrap(apperr.ErrUpstream, "platform", "read response", err)
	}
	if resp.StatusCode >= 300 {
		return apperr.Wrap(apperr.ErrUpstream, "platform", req.URL.Path+" returned "+resp.Status, nil)
	}

	var apiErr APIError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Code != 0 {
		c.logger.Warn("platform rejected call", "path", req.URL.Path, "errcode", apiErr.Code, "errmsg", apiErr.Message)
		return apperr.Wrap(apperr.ErrUpstream, "platform", req.URL.Path, &apiErr)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.ErrUpstream, "platform", "decode response", err)
	}
	return nil
}

func multipartBody(filename string, data []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename=%q`, filename))
	h.Set("Content-Type", contentType(filename))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func contentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// IsTokenInvalid reports whether err carries a token rejection.
func IsTokenInvalid(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.TokenInvalid()
}
