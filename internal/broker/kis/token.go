package kis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// refreshCooldowns maps consecutive-failure count to the wait before the
// next refresh attempt. A successful refresh resets the counter.
var refreshCooldowns = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
}

// tokenManager owns the global access-token lifecycle: cache, refresh ahead
// of expiry, and a failure cooldown so repeated auth failures never hammer
// the token endpoint.
type tokenManager struct {
	http      *resty.Client
	baseURL   string
	appKey    string
	appSecret string
	logger    *slog.Logger

	mu            sync.Mutex
	token         string
	expires       time.Time
	failures      int
	cooldownUntil time.Time
}

func newTokenManager(http *resty.Client, baseURL, appKey, appSecret string, logger *slog.Logger) *tokenManager {
	return &tokenManager{
		http:      http,
		baseURL:   baseURL,
		appKey:    appKey,
		appSecret: appSecret,
		logger:    logger,
	}
}

// Token returns a valid access token, refreshing when it is within an hour
// of expiry. During a failure cooldown it returns an error immediately.
func (m *tokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && time.Now().Before(m.expires.Add(-time.Hour)) {
		return m.token, nil
	}

	if now := time.Now(); now.Before(m.cooldownUntil) {
		return "", fmt.Errorf("token refresh cooling down for %s after %d failures",
			m.cooldownUntil.Sub(now).Round(time.Second), m.failures)
	}

	if err := m.refresh(ctx); err != nil {
		m.failures++
		idx := m.failures - 1
		if idx >= len(refreshCooldowns) {
			idx = len(refreshCooldowns) - 1
		}
		m.cooldownUntil = time.Now().Add(refreshCooldowns[idx])
		return "", err
	}

	m.failures = 0
	m.cooldownUntil = time.Time{}
	return m.token, nil
}

func (m *tokenManager) refresh(ctx context.Context) error {
	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		ErrorDesc   string `json:"error_description"`
	}

	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     m.appKey,
			"appsecret":  m.appSecret,
		}).
		SetResult(&result).
		Post(m.baseURL + "/oauth2/tokenP")
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	if resp.IsError() || result.AccessToken == "" {
		return fmt.Errorf("token refresh rejected: status %d %s", resp.StatusCode(), result.ErrorDesc)
	}

	expiresIn := result.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 86400
	}
	m.token = result.AccessToken
	m.expires = time.Now().Add(time.Duration(expiresIn) * time.Second)
	m.logger.Info("access token refreshed", "expires", m.expires)
	return nil
}
