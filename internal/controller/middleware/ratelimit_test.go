package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func rateMw(perSecond float64, burst int) func(http.Handler) http.Handler {
	return NewRateLimiter(perSecond, burst, WithTTL(5*time.Minute)).Middleware()
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = addr
	return req
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_AllowsRequestUnderLimit(t *testing.T) {
	handler := rateMw(100, 200)(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, requestFrom("10.0.0.1:4321"))

	if rr.Code != http.StatusOK {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestRateLimitMiddleware_RejectsRequestOverLimit(t *testing.T) {
	handler := rateMw(1, 1)(okHandler())

	// First request should succeed (uses the burst)
	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, requestFrom("10.0.0.1:4321"))
	if rr1.Code != http.StatusOK {
		t.Errorf("first request: got status %d, want %d", rr1.Code, http.StatusOK)
	}

	// Second request should be rate limited (burst exhausted), even from
	// another source port.
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, requestFrom("10.0.0.1:5555"))
	if rr2.Code != http.StatusTooManyRequests {
		t.Errorf("second request: got status %d, want %d", rr2.Code, http.StatusTooManyRequests)
	}
	if got := rr2.Header().Get("Retry-After"); got != "1" {
		t.Errorf("got Retry-After %q, want %q", got, "1")
	}
}

func TestRateLimitMiddleware_IndependentLimitsPerClient(t *testing.T) {
	handler := rateMw(1, 1)(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:1"))
	rrA := httptest.NewRecorder()
	handler.ServeHTTP(rrA, requestFrom("10.0.0.1:1"))
	if rrA.Code != http.StatusTooManyRequests {
		t.Errorf("client A second request: got status %d, want %d", rrA.Code, http.StatusTooManyRequests)
	}

	rrB := httptest.NewRecorder()
	handler.ServeHTTP(rrB, requestFrom("10.0.0.2:1"))
	if rrB.Code != http.StatusOK {
		t.Errorf("client B request: got status %d, want %d", rrB.Code, http.StatusOK)
	}
}

func TestRateLimitMiddleware_UnlimitedWhenRateZero(t *testing.T) {
	handlerCallCount := 0
	handler := rateMw(0, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	for i := range 10 {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, requestFrom("10.0.0.1:1"))
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: got status %d, want %d", i, rr.Code, http.StatusOK)
		}
	}

	if handlerCallCount != 10 {
		t.Errorf("expected 10 handler calls, got %d", handlerCallCount)
	}
}

func TestRateLimiter_ExpiredBucketIsReplaced(t *testing.T) {
	rl := NewRateLimiter(1, 1, WithTTL(time.Nanosecond))
	first := rl.limiter("client")
	first.Allow()
	time.Sleep(time.Millisecond)

	if second := rl.limiter("client"); second == first {
		t.Error("expected a fresh limiter after the TTL")
	}
}
