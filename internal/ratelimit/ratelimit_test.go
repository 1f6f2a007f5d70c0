package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/authorityx/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAllow_Burst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, Burst: 3})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("ip:1.2.3.4"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ip:1.2.3.4"))
	assert.True(t, l.Allow("ip:5.6.7.8"), "buckets are per key")
}

func TestEvictIdle(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, Burst: 1, IdleTTL: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("user:usr_1"))
	assert.False(t, l.Allow("user:usr_1"))

	l.evictIdle(time.Now().Add(2 * time.Minute))
	assert.True(t, l.Allow("user:usr_1"), "evicted bucket starts full")
}

func TestStop_Twice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware_KeysByUser(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, Burst: 1})
	defer l.Stop()

	r := gin.New()
	r.Use(auth.Middleware(""), l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if user != "" {
			req.Header.Set(auth.HeaderUserID, user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("usr_1").Code)
	w := do("usr_1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do("usr_2").Code)
	assert.Equal(t, http.StatusOK, do("").Code, "anonymous callers use the IP bucket")
}
