package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tradebench/broker-auth/internal/domain"
)

func TestAuthorizeURL(t *testing.T) {
	u := AuthorizeURL("https://api.kite.trade/", "key123", "state-abc")
	require.Equal(t, "https://api.kite.trade/connect/login?api_key=key123&state=state-abc&v=3", u)
}

func TestExchangeCodeSendsChecksum(t *testing.T) {
	var gotChecksum, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotChecksum = r.PostForm.Get("checksum")
		gotToken = r.PostForm.Get("request_token")
		w.Write([]byte(`{"data":{"access_token":"acc","refresh_token":"ref","user_id":"ZD1"}}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	set, err := client.ExchangeCode(context.Background(), "key", "secret", "reqtok")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("key" + "reqtok" + "secret"))
	require.Equal(t, hex.EncodeToString(sum[:]), gotChecksum)
	require.Equal(t, "reqtok", gotToken)

	require.Equal(t, "acc", set.AccessToken)
	require.Equal(t, "ref", set.RefreshToken)
	require.Equal(t, "ZD1", set.BrokerUserID)
	require.Equal(t, "Bearer", set.TokenType)
	require.Equal(t, int64(24*3600), set.ExpiresIn)
}

func TestExchangeCodeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"error"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	_, err := client.ExchangeCode(context.Background(), "key", "secret", "reqtok")
	require.ErrorIs(t, err, domain.ErrCredential)
}

func TestExchangeCodeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	_, err := client.ExchangeCode(context.Background(), "key", "secret", "reqtok")
	require.ErrorIs(t, err, domain.ErrNetwork)
}

func TestExchangeCodeTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused

	client := NewHTTPClient(srv.URL, nil)
	_, err := client.ExchangeCode(context.Background(), "key", "secret", "reqtok")
	require.ErrorIs(t, err, domain.ErrNetwork)
}

func TestExchangeCodeEmptyAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"access_token":""}}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	_, err := client.ExchangeCode(context.Background(), "key", "secret", "reqtok")
	require.ErrorIs(t, err, domain.ErrCredential)
}

func TestRefreshPathAndExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/refresh_token", r.URL.Path)
		w.Write([]byte(`{"data":{"access_token":"acc2","expires_in":3600,"token_type":"bearer"}}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	set, err := client.Refresh(context.Background(), "key", "secret", "reftok")
	require.NoError(t, err)
	require.Equal(t, int64(3600), set.ExpiresIn)
	require.Equal(t, "bearer", set.TokenType)
	require.Empty(t, set.RefreshToken)
}

func TestRevoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/session/token", r.URL.Path)
		require.Equal(t, "acc", r.URL.Query().Get("access_token"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	ok, err := client.Revoke(context.Background(), "key", "acc")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRevokeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	ok, err := client.Revoke(context.Background(), "key", "acc")
	require.NoError(t, err)
	require.False(t, ok)
}
