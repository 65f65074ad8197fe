package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrTokenRefresh is returned when a new access token cannot be obtained
var ErrTokenRefresh = errors.New("token refresh failed")

// TokenProvider supplies bearer tokens for sync requests
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenProvider always returns the same token and cannot refresh
type StaticTokenProvider struct {
	token string
}

// NewStaticTokenProvider creates a provider for a fixed token
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) Token(ctx context.Context) (string, error) { return p.token, nil }

func (p *StaticTokenProvider) Refresh(ctx context.Context) (string, error) {
	return "", fmt.Errorf("%w: static token cannot be refreshed", ErrTokenRefresh)
}

// RefreshingTokenProvider exchanges a refresh token for access tokens at an
// auth endpoint. Concurrent refreshes share one request.
type RefreshingTokenProvider struct {
	client       *http.Client
	refreshURL   string
	refreshToken string

	mu    sync.RWMutex
	token string
	group singleflight.Group
}

// NewRefreshingTokenProvider creates a provider starting from accessToken
func NewRefreshingTokenProvider(client *http.Client, refreshURL, refreshToken, accessToken string) *RefreshingTokenProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &RefreshingTokenProvider{
		client:       client,
		refreshURL:   refreshURL,
		refreshToken: refreshToken,
		token:        accessToken,
	}
}

// Token returns the current access token, refreshing when none is held
func (p *RefreshingTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()
	if token != "" {
		return token, nil
	}
	return p.Refresh(ctx)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

// Refresh obtains a new access token
func (p *RefreshingTokenProvider) Refresh(ctx context.Context) (string, error) {
	v, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		body, err := json.Marshal(refreshRequest{RefreshToken: p.refreshToken})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.refreshURL, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
		}
		var out refreshResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("failed to decode token response: %w", err)
		}
		if out.AccessToken == "" {
			return "", errors.New("auth endpoint returned an empty token")
		}

		p.mu.Lock()
		p.token = out.AccessToken
		p.mu.Unlock()
		return out.AccessToken, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}
	return v.(string), nil
}
