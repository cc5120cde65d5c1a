package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLimiterConfig() *Config {
	return &Config{
		GlobalRPS:       1000,
		ProducerRPS:     2,
		UnAuthRPS:       1,
		ProducerBurst:   2,
		UnAuthBurst:     1,
		CleanupInterval: time.Minute,
		IdleTimeout:     time.Hour,
		MaxProducers:    100,
	}
}

func TestInMemoryRateLimiterAllow(t *testing.T) {
	t.Run("per-producer burst", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(testLimiterConfig())
		defer func() { _ = rl.Close() }()

		if !rl.Allow("web-storefront") || !rl.Allow("web-storefront") {
			t.Fatal("burst requests should be allowed")
		}

		if rl.Allow("web-storefront") {
			t.Error("third request within burst window should be limited")
		}
	})

	t.Run("producers are isolated", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(testLimiterConfig())
		defer func() { _ = rl.Close() }()

		for range 2 {
			rl.Allow("producer-a")
		}

		if !rl.Allow("producer-b") {
			t.Error("producer-b should not be limited by producer-a's traffic")
		}
	})

	t.Run("unauthenticated tier", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(testLimiterConfig())
		defer func() { _ = rl.Close() }()

		if !rl.Allow("") {
			t.Fatal("first unauthenticated request should be allowed")
		}

		if rl.Allow("") {
			t.Error("second unauthenticated request should be limited")
		}
	})

	t.Run("global limit caps everything", func(t *testing.T) {
		cfg := testLimiterConfig()
		cfg.GlobalRPS = 1
		cfg.GlobalBurst = 1

		rl := NewInMemoryRateLimiter(cfg)
		defer func() { _ = rl.Close() }()

		rl.Allow("producer-a")

		if rl.Allow("producer-b") {
			t.Error("global limit should apply across producers")
		}
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewInMemoryRateLimiter(testLimiterConfig())
	defer func() { _ = rl.Close() }()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, discardLogger())(inner)

	// Unauthenticated tier allows exactly one request.
	r := httptest.NewRequest(http.MethodGet, "/api/v1/funnel/current", nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
}
