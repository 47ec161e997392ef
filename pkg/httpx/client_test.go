package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type brokenBody struct{}

func (brokenBody) Read(p []byte) (int, error) { return 0, errors.New("read failed") }
func (brokenBody) Close() error               { return nil }

func TestRequestJSONRetriesOn5xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"try again"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"prepared":true}`))
	}))
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{"k":"v"}`), nil, 1, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200 got %d", status)
	}
	if string(body) != `{"prepared":true}` {
		t.Fatalf("unexpected body: %s", string(body))
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts got %d", attempts)
	}
}

func TestRequestJSONNeverRetriesRejections(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"reason":"duplicate"}`))
	}))
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{"k":"v"}`), nil, 3, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != http.StatusConflict {
		t.Fatalf("expected 409 got %d", status)
	}
	if attempts != 1 {
		t.Fatalf("a business rejection must not be retried; got %d attempts", attempts)
	}
	if !strings.Contains(string(body), "duplicate") {
		t.Fatalf("expected rejection body returned, got %s", body)
	}
}

func TestRequestJSONSetsHeadersAndContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Correlation-ID"); got != "abc" {
			t.Fatalf("expected correlation header abc got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Fatalf("expected json content type, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	_, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{"x":"1"}`), map[string]string{"X-Correlation-ID": "abc"}, 0, 0)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
}

func TestRequestJSONNilClientDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	status, _, err := RequestJSON(context.Background(), nil, http.MethodPost, srv.URL, []byte(`{"x":"1"}`), nil, 0, 0)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
}

func TestRequestJSONBuildError(t *testing.T) {
	_, _, err := RequestJSON(context.Background(), http.DefaultClient, "bad method", "http://example.com", nil, nil, 0, 0)
	if err == nil {
		t.Fatal("expected invalid method error")
	}
}

func TestRequestJSONTransportErrorExhausted(t *testing.T) {
	client := &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("dial failed")
		}),
	}
	_, _, err := RequestJSON(context.Background(), client, http.MethodGet, "http://example.com", nil, nil, -3, 0)
	if err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestRequestJSONTransportErrorThenSuccess(t *testing.T) {
	attempts := 0
	client := &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("temporary network")
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
				Header:     http.Header{},
			}, nil
		}),
	}
	status, body, err := RequestJSON(context.Background(), client, http.MethodGet, "http://example.com", nil, nil, 1, 0)
	if err != nil {
		t.Fatalf("expected retry success, got %v", err)
	}
	if attempts != 2 || status != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("unexpected retry result attempts=%d status=%d body=%s", attempts, status, string(body))
	}
}

func TestRequestJSONReadErrorThenSuccess(t *testing.T) {
	attempts := 0
	client := &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			attempts++
			if attempts == 1 {
				return &http.Response{
					StatusCode: http.StatusOK,
					Body:       brokenBody{},
					Header:     http.Header{},
				}, nil
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
				Header:     http.Header{},
			}, nil
		}),
	}
	status, body, err := RequestJSON(context.Background(), client, http.MethodGet, "http://example.com", nil, nil, 1, 0)
	if err != nil {
		t.Fatalf("expected retry after read error, got %v", err)
	}
	if attempts != 2 || status != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("unexpected retry result attempts=%d status=%d body=%s", attempts, status, string(body))
	}
}

func TestRequestJSONReturns5xxAfterExhaustedRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"venue down"}`))
	}))
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, 2, 0)
	if err != nil {
		t.Fatalf("expected final 5xx returned without error, got %v", err)
	}
	if status != http.StatusBadGateway || attempts != 3 {
		t.Fatalf("expected 502 after 3 attempts, got status=%d attempts=%d", status, attempts)
	}
	if !strings.Contains(string(body), "venue down") {
		t.Fatalf("expected final body, got %s", body)
	}
}
