package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// expirySkew refreshes tokens slightly before their stated expiry so a
// token never dies mid-request.
const expirySkew = 2 * time.Minute

// RefreshFunc exchanges a refresh token for a fresh access token.
type RefreshFunc func(ctx context.Context, refreshToken string) (access string, expiry time.Time, err error)

// TokenSource issues valid provider access tokens for accounts,
// transparently refreshing and persisting rotated tokens. A refresh
// failure surfaces to the caller as a provider error.
type TokenSource struct {
	store      *Store
	refreshers map[string]RefreshFunc // provider → refresher

	mu       sync.Mutex
	inFlight map[string]*sync.Mutex // account id → refresh lock
}

// NewTokenSource creates a token source over the given store.
func NewTokenSource(store *Store) *TokenSource {
	return &TokenSource{
		store:      store,
		refreshers: make(map[string]RefreshFunc),
		inFlight:   make(map[string]*sync.Mutex),
	}
}

// RegisterRefresher installs the refresh exchange for a provider.
func (ts *TokenSource) RegisterRefresher(provider string, fn RefreshFunc) {
	ts.refreshers[provider] = fn
}

// Token returns a valid access token for the account, refreshing it
// first when expired or about to expire.
func (ts *TokenSource) Token(ctx context.Context, accountID string) (string, error) {
	a, err := ts.store.ByID(accountID)
	if err != nil {
		return "", err
	}

	if a.AccessToken != "" && time.Now().Add(expirySkew).Before(a.TokenExpiry) {
		return a.AccessToken, nil
	}

	// Serialize refreshes per account so concurrent tool calls don't
	// race the provider's token endpoint.
	lock := ts.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited.
	a, err = ts.store.ByID(accountID)
	if err != nil {
		return "", err
	}
	if a.AccessToken != "" && time.Now().Add(expirySkew).Before(a.TokenExpiry) {
		return a.AccessToken, nil
	}

	refresh, ok := ts.refreshers[a.Provider]
	if !ok {
		return "", fmt.Errorf("no token refresher for provider %q", a.Provider)
	}
	if a.RefreshToken == "" {
		return "", fmt.Errorf("account %s has no refresh token", accountID)
	}

	access, expiry, err := refresh(ctx, a.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh token for account %s: %w", accountID, err)
	}

	if err := ts.store.UpdateToken(accountID, access, expiry); err != nil {
		return "", err
	}

	slog.Info("access token refreshed",
		"account", accountID,
		"provider", a.Provider,
		"expires_in", time.Until(expiry).Round(time.Second),
	)
	return access, nil
}

func (ts *TokenSource) accountLock(accountID string) *sync.Mutex {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	lock, ok := ts.inFlight[accountID]
	if !ok {
		lock = &sync.Mutex{}
		ts.inFlight[accountID] = lock
	}
	return lock
}

// googleTokenEndpoint is the OAuth2 token exchange endpoint.
const googleTokenEndpoint = "https://oauth2.googleapis.com/token"

var refreshHTTPClient = &http.Client{Timeout: 15 * time.Second}

// GoogleRefresher returns a RefreshFunc against Google's OAuth2 token
// endpoint using the app's client credentials.
func GoogleRefresher(clientID, clientSecret string) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, time.Time, error) {
		form := url.Values{
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"refresh_token": {refreshToken},
			"grant_type":    {"refresh_token"},
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, googleTokenEndpoint,
			bytes.NewBufferString(form.Encode()))
		if err != nil {
			return "", time.Time{}, fmt.Errorf("build refresh request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := refreshHTTPClient.Do(req)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("token endpoint: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return "", time.Time{}, fmt.Errorf("read token response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", time.Time{}, fmt.Errorf("token endpoint HTTP %d: %s", resp.StatusCode, string(body))
		}

		var payload struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", time.Time{}, fmt.Errorf("parse token response: %w", err)
		}
		if payload.AccessToken == "" {
			return "", time.Time{}, fmt.Errorf("token endpoint returned empty access token")
		}

		return payload.AccessToken, time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second), nil
	}
}
