package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryWindowStoreLimitAndRecovery(t *testing.T) {
	store := NewMemoryWindowStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := store.Hit(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed, "hit %d", i)
	}

	allowed, retryAfter, err := store.Hit(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Greater(t, retryAfter, time.Duration(0))
	require.LessOrEqual(t, retryAfter, time.Minute)

	// Once the window elapses the next call succeeds again.
	now = now.Add(time.Minute + time.Second)
	allowed, _, err = store.Hit(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestMemoryWindowStoreRefund(t *testing.T) {
	store := NewMemoryWindowStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := store.Hit(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	require.NoError(t, store.Refund(ctx, "k"))

	allowed, _, err := store.Hit(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestSlidingWindowHandlerRejectsOverLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	window := NewSlidingWindow(NewMemoryWindowStore(), "setup", 2, time.Minute, zap.NewNop())

	router := gin.New()
	// Handler returns 400 so the hits are not refunded.
	router.POST("/broker/setup-oauth", window.Handler(), func(c *gin.Context) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false})
	})

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/broker/setup-oauth?user_id=USR001", nil)
		router.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusBadRequest, do().Code)
	require.Equal(t, http.StatusBadRequest, do().Code)

	rec := do()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestSlidingWindowRefundsSuccessfulRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	window := NewSlidingWindow(NewMemoryWindowStore(), "refresh", 1, time.Minute, zap.NewNop())

	router := gin.New()
	router.POST("/broker/refresh-token", window.Handler(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/broker/refresh-token?user_id=USR001", nil)
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
}

func TestSlidingWindowIdentitySeparation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	window := NewSlidingWindow(NewMemoryWindowStore(), "setup", 1, time.Minute, zap.NewNop())

	router := gin.New()
	router.POST("/x", window.Handler(), func(c *gin.Context) {
		c.JSON(http.StatusBadRequest, gin.H{})
	})

	do := func(user string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/x?user_id="+user, nil)
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusBadRequest, do("alpha"))
	require.Equal(t, http.StatusTooManyRequests, do("alpha"))
	// A different identity still has a fresh window.
	require.Equal(t, http.StatusBadRequest, do("beta"))
}
