package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tradebench/broker-auth/internal/domain"
)

// Client encapsulates outbound HTTP calls to the brokerage API. 4xx responses
// are terminal credential failures; 5xx and transport errors are retryable.
type Client interface {
	ExchangeCode(ctx context.Context, apiKey, apiSecret, requestToken string) (*domain.TokenSet, error)
	Refresh(ctx context.Context, apiKey, apiSecret, refreshToken string) (*domain.TokenSet, error)
	Revoke(ctx context.Context, apiKey, accessToken string) (bool, error)
}

// HTTPClient is the default implementation.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient constructs the default Client against the broker base URL.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

// AuthorizeURL returns the URL the user is redirected to for consent.
func AuthorizeURL(baseURL, apiKey, state string) string {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/connect/login")
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("api_key", apiKey)
	q.Set("state", state)
	q.Set("v", "3")
	u.RawQuery = q.Encode()
	return u.String()
}

// ExchangeCode trades the one-time request token for a session token set.
// The checksum binds the exchange to this key/secret pair.
func (c *HTTPClient) ExchangeCode(ctx context.Context, apiKey, apiSecret, requestToken string) (*domain.TokenSet, error) {
	data := url.Values{}
	data.Set("api_key", apiKey)
	data.Set("request_token", requestToken)
	data.Set("checksum", sessionChecksum(apiKey, requestToken, apiSecret))
	return c.postTokenRequest(ctx, "/session/token", data)
}

// Refresh trades the refresh token for a new token set.
func (c *HTTPClient) Refresh(ctx context.Context, apiKey, apiSecret, refreshToken string) (*domain.TokenSet, error) {
	data := url.Values{}
	data.Set("api_key", apiKey)
	data.Set("refresh_token", refreshToken)
	data.Set("checksum", sessionChecksum(apiKey, refreshToken, apiSecret))
	return c.postTokenRequest(ctx, "/session/refresh_token", data)
}

// Revoke invalidates the session at the broker. Callers treat failure as
// non-fatal.
func (c *HTTPClient) Revoke(ctx context.Context, apiKey, accessToken string) (bool, error) {
	data := url.Values{}
	data.Set("api_key", apiKey)
	data.Set("access_token", accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/session/token?"+data.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("build revoke request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: revoke request: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	return resp.StatusCode < 300, nil
}

func (c *HTTPClient) postTokenRequest(ctx context.Context, path string, data url.Values) (*domain.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token request: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %v", domain.ErrNetwork, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: broker returned status %d", domain.ErrNetwork, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: broker returned status %d", domain.ErrCredential, resp.StatusCode)
	}

	var payload struct {
		Data struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
			TokenType    string `json:"token_type"`
			Scope        string `json:"scope"`
			UserID       string `json:"user_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(payload.Data.AccessToken) == "" {
		return nil, fmt.Errorf("%w: empty access token in broker response", domain.ErrCredential)
	}

	tokenType := payload.Data.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresIn := payload.Data.ExpiresIn
	if expiresIn <= 0 {
		// Brokers that omit expiry issue day sessions.
		expiresIn = int64((24 * time.Hour).Seconds())
	}

	return &domain.TokenSet{
		AccessToken:  payload.Data.AccessToken,
		RefreshToken: payload.Data.RefreshToken,
		ExpiresIn:    expiresIn,
		TokenType:    tokenType,
		Scope:        payload.Data.Scope,
		BrokerUserID: payload.Data.UserID,
	}, nil
}

func sessionChecksum(apiKey, token, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + token + apiSecret))
	return hex.EncodeToString(sum[:])
}
