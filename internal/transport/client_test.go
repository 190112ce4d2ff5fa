package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testOptions() Options {
	return Options{
		Timeout:     2 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
	}
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(testOptions())
	resp, err := client.Do(context.Background(), &Request{Method: http.MethodPost, URL: server.URL})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("unexpected body %q", body)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestDo_AuthFailureNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(testOptions())
	_, err := client.Do(context.Background(), &Request{Method: http.MethodPost, URL: server.URL})

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", got)
	}
}

func TestDo_RateLimitCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	opts := testOptions()
	opts.MaxRetries = 0
	client := NewClient(opts)
	_, err := client.Do(context.Background(), &Request{Method: http.MethodPost, URL: server.URL})

	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rlErr.RetryAfter != 7*time.Second {
		t.Errorf("expected retry-after 7s, got %s", rlErr.RetryAfter)
	}
	if rlErr.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", rlErr.Remaining)
	}
}

func TestDo_RetryAfterHintHonoured(t *testing.T) {
	var attempts int32
	var secondAttempt time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		secondAttempt = time.Now()
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	opts := testOptions()
	opts.Retry429 = true
	client := NewClient(opts)

	start := time.Now()
	resp, err := client.Do(context.Background(), &Request{Method: http.MethodPost, URL: server.URL})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	resp.Body.Close()

	if elapsed := secondAttempt.Sub(start); elapsed < time.Second {
		t.Errorf("second attempt after %s, expected to wait at least the retry-after hint", elapsed)
	}
}

func TestDo_TimeoutClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond
	opts.MaxRetries = 0
	client := NewClient(opts)

	_, err := client.Do(context.Background(), &Request{Method: http.MethodPost, URL: server.URL})

	var toErr *TimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestDo_ExplicitCancelNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Do(ctx, &Request{Method: http.MethodPost, URL: server.URL})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("cancelled request was retried, %d attempts", got)
	}
}

func TestDo_ExhaustionWrapsLastError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	opts := testOptions()
	opts.MaxRetries = 2
	client := NewClient(opts)

	_, err := client.Do(context.Background(), &Request{Method: http.MethodPost, URL: server.URL})

	var exErr *ExhaustedError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exErr.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", exErr.Attempts)
	}

	var stErr *StatusError
	if !errors.As(err, &stErr) || stErr.StatusCode != http.StatusBadGateway {
		t.Errorf("exhaustion should wrap the last failure, got %v", exErr.Last)
	}
}

func TestRetryable_Classification(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		retry429 bool
		want     bool
	}{
		{"network", &NetworkError{Cause: errors.New("refused")}, false, true},
		{"timeout", &TimeoutError{Timeout: time.Second}, false, true},
		{"auth", &AuthError{StatusCode: 401}, false, false},
		{"rate limit off", &RateLimitError{}, false, false},
		{"rate limit on", &RateLimitError{}, true, true},
		{"server error", &StatusError{StatusCode: 503}, false, true},
		{"client error", &StatusError{StatusCode: 400}, false, false},
		{"cancel", context.Canceled, true, false},
		{"nil", nil, true, false},
	}

	for _, tc := range cases {
		if got := Retryable(tc.err, tc.retry429); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
