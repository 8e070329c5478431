package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoRequest_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if got := r.Header.Get("X-Request-ID"); got != "req-42" {
			t.Errorf("X-Request-ID = %q, want req-42", got)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ctx := WithRequestID(context.Background(), "req-42")
	body, err := DoRequest(ctx, srv.Client(), srv.URL, map[string]string{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("DoRequest: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}
}

func TestDoRequest_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	_, err := DoRequest(context.Background(), srv.Client(), srv.URL, nil, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("want StatusError, got %v", err)
	}
	if se.StatusCode != 503 || se.Body != "overloaded" || se.RetryAfterSecs != 42 {
		t.Errorf("unexpected StatusError %+v", se)
	}
}

func TestParseRetryAfter(t *testing.T) {
	var se StatusError
	se.ParseRetryAfter("60")
	if se.RetryAfterSecs != 60 {
		t.Errorf("RetryAfterSecs = %d, want 60", se.RetryAfterSecs)
	}

	se = StatusError{}
	se.ParseRetryAfter("")
	if se.RetryAfterSecs != 0 {
		t.Errorf("RetryAfterSecs = %d, want 0 for empty", se.RetryAfterSecs)
	}

	se = StatusError{}
	se.ParseRetryAfter("not-a-number")
	if se.RetryAfterSecs != 0 {
		t.Errorf("RetryAfterSecs = %d, want 0 for invalid value", se.RetryAfterSecs)
	}

	se = StatusError{}
	se.ParseRetryAfter(time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat))
	if se.RetryAfterSecs < 85 || se.RetryAfterSecs > 90 {
		t.Errorf("RetryAfterSecs = %d, want ~90 from HTTP-date", se.RetryAfterSecs)
	}
}

func TestClassifyHTTPError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		category  ErrorCategory
		retryable bool
	}{
		{"rate limit", &StatusError{StatusCode: 429, RetryAfterSecs: 10}, CategoryRateLimit, true},
		{"server error", &StatusError{StatusCode: 502}, CategoryProviderUnavailable, true},
		{"auth", &StatusError{StatusCode: 401}, CategoryAuthentication, false},
		{"bad request", &StatusError{StatusCode: 400}, CategoryValidation, false},
		{"teapot", &StatusError{StatusCode: 418}, CategoryProviderError, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			de := ClassifyHTTPError(tc.err)
			if de.Category != tc.category || de.Retryable != tc.retryable {
				t.Errorf("got %+v, want %s retryable=%t", de, tc.category, tc.retryable)
			}
		})
	}

	de := ClassifyHTTPError(&StatusError{StatusCode: 429, RetryAfterSecs: 10})
	if de.RetryAfter != 10*time.Second {
		t.Errorf("RetryAfter = %v, want 10s", de.RetryAfter)
	}
}

func TestRequestIDContext(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("bare context request id = %q, want empty", got)
	}
	ctx := WithRequestID(context.Background(), "first")
	ctx = WithRequestID(ctx, "second")
	if got := GetRequestID(ctx); got != "second" {
		t.Errorf("request id = %q, want second", got)
	}
}
