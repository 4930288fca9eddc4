package platform

import (
	"context"
	"sync"
)

// Session caches one access token for the duration of a publish attempt and
// re-authenticates once when the platform rejects it. Safe for concurrent
// use by the upload workers of a single attempt.
type Session struct {
	client *Client
	creds  Credentials

	mu    sync.Mutex
	token string
}

// NewSession starts an attempt-scoped session for creds.
func (c *Client) NewSession(creds Credentials) *Session {
	return &Session{client: c, creds: creds}
}

// Token returns the cached token, exchanging credentials on first use.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	token, err := s.client.Token(ctx, s.creds)
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

// invalidate drops stale unless another caller already replaced it.
func (s *Session) invalidate(stale string) {
	s.mu.Lock()
	if s.token == stale {
		s.token = ""
	}
	s.mu.Unlock()
}

func (s *Session) withToken(ctx context.Context, call func(token string) error) error {
	token, err := s.Token(ctx)
	if err != nil {
		return err
	}
	err = call(token)
	if err == nil || !IsTokenInvalid(err) {
		return err
	}
	s.client.logger.Info("access token rejected, re-authenticating")
	s.invalidate(token)
	token, err = s.Token(ctx)
	if err != nil {
		return err
	}
	return call(token)
}

// UploadImage uploads path with the session token.
func (s *Session) UploadImage(ctx context.Context, path string) (string, error) {
	var url string
	err := s.withToken(ctx, func(token string) error {
		var err error
		url, err = s.client.UploadImage(ctx, token, path)
		return err
	})
	return url, err
}

// AddDraft submits d with the session token.
func (s *Session) AddDraft(ctx context.Context, d Draft) (string, error) {
	var mediaID string
	err := s.withToken(ctx, func(token string) error {
		var err error
		mediaID, err = s.client.AddDraft(ctx, token, d)
		return err
	})
	return mediaID, err
}
