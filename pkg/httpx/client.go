package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// retryable reports whether another attempt may help: transport and read
// errors always qualify, 5xx responses qualify, anything else is final.
func retryable(status int, err error) bool {
	if err != nil {
		return true
	}
	return status >= 500
}

// RequestJSON performs one JSON request with bounded retries. Business
// rejections (4xx) are returned to the caller immediately; only transient
// failures are retried. The fast path calls this with retries=0 because a
// duplicate PREPARE is cheaper to reconcile than a late one.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}

	var (
		status   int
		respBody []byte
		lastErr  error
	)
	for attempt := 0; attempt <= retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		status, respBody, lastErr = doOnce(client, req)
		if !retryable(status, lastErr) {
			return status, respBody, nil
		}
		if attempt < retries {
			time.Sleep(retryDelay)
		}
	}
	if lastErr != nil {
		return 0, nil, lastErr
	}
	return status, respBody, nil
}

func doOnce(client *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
