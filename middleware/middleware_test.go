package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	aws_pkg "atlas-payment-service/pkg/aws"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

type recordedMetric struct {
	name string
	dims map[string]string
}

type fakeRecorder struct {
	mu      sync.Mutex
	metrics []recordedMetric
}

func (r *fakeRecorder) add(name string, dims map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, recordedMetric{name: name, dims: dims})
	return nil
}

func (r *fakeRecorder) RecordCount(_ context.Context, name string, dims map[string]string) error {
	return r.add(name, dims)
}

func (r *fakeRecorder) RecordValue(_ context.Context, name string, _ float64, dims map[string]string) error {
	return r.add(name, dims)
}

func (r *fakeRecorder) RecordLatency(_ context.Context, name string, _ time.Duration, dims map[string]string) error {
	return r.add(name, dims)
}

func (r *fakeRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m.name)
	}
	return out
}

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/me", AuthMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})
	r.GET("/admin", AuthMiddleware(), RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	t.Run("Failure - missing user header", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/me", nil).Code)
	})

	t.Run("Success - user id exposed", func(t *testing.T) {
		w := serve(r, http.MethodGet, "/me", map[string]string{"X-User-ID": "u-1"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "u-1", w.Body.String())
	})

	t.Run("Failure - non admin", func(t *testing.T) {
		w := serve(r, http.MethodGet, "/admin", map[string]string{"X-User-ID": "u-1", "X-User-Role": "attendee"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Success - admin", func(t *testing.T) {
		w := serve(r, http.MethodGet, "/admin", map[string]string{"X-User-ID": "u-1", "X-User-Role": "admin"})
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, http.MethodGet, "/", nil)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 2, time.Minute)
	r := gin.New()
	r.Use(RateLimitMiddleware(rl))
	r.POST("/webhooks", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/webhooks", nil).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/webhooks", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodPost, "/webhooks", nil).Code)

	other := map[string]string{"X-Forwarded-For": "203.0.113.9"}
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/webhooks", other).Code)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(rate.Inf, 1, time.Millisecond)
	rl.GetLimiter("198.51.100.1")
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, rl.Cleanup())
	assert.Equal(t, 0, rl.Cleanup())
}

func TestTimeout(t *testing.T) {
	r := gin.New()
	r.Use(Timeout(50 * time.Millisecond))
	r.GET("/", func(c *gin.Context) {
		deadline, ok := c.Request.Context().Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 50*time.Millisecond)
		c.Status(http.StatusOK)
	})
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/", nil).Code)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	serve(r, http.MethodGet, "/ok", nil)
	serve(r, http.MethodGet, "/missing", nil)
	serve(r, http.MethodGet, "/boom", nil)
	r.POST("/webhooks/:provider/:eventId", func(c *gin.Context) { c.Status(http.StatusOK) })
	serve(r, http.MethodPost, "/webhooks/razorpay/e1?sig=abc", nil)

	entries := logs.TakeAll()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "/boom", entries[2].ContextMap()["route"])
	assert.Equal(t, "razorpay", entries[3].ContextMap()["provider"])
	assert.NotContains(t, entries[3].ContextMap(), "query")
}

func TestMetricsMiddleware(t *testing.T) {
	rec := &fakeRecorder{}
	r := gin.New()
	r.Use(MetricsMiddleware(rec, "payment-service"))
	r.GET("/payments/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	serve(r, http.MethodGet, "/payments/123", nil)

	assert.Eventually(t, func() bool { return len(rec.names()) == 3 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{aws_pkg.MetricHTTPRequests, aws_pkg.MetricHTTPLatency, aws_pkg.MetricHTTP4xx}, rec.names())
	rec.mu.Lock()
	assert.Equal(t, "/payments/:id", rec.metrics[0].dims["Path"])
	assert.Equal(t, "4xx", rec.metrics[0].dims["Status"])
	rec.mu.Unlock()
}
