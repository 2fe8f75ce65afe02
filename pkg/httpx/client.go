package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors and 5xx responses only and stop early
// when ctx ends.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	attempts := retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay); err != nil {
				return 0, nil, err
			}
		}
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

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// APIClient talks to the installguard admin API.
type APIClient struct {
	BaseURL    string
	Token      string
	HTTP       *http.Client
	Retries    int
	RetryDelay time.Duration
}

// GetJSON fetches path and decodes a 2xx body into out. Non-2xx responses
// are returned as errors carrying the server's error message.
func (c *APIClient) GetJSON(ctx context.Context, path string, out interface{}) error {
	headers := map[string]string{"Accept": "application/json"}
	if c.Token != "" {
		headers["Authorization"] = "Bearer " + c.Token
	}
	url := strings.TrimRight(c.BaseURL, "/") + path
	status, body, err := RequestJSON(ctx, c.HTTP, http.MethodGet, url, nil, headers, c.Retries, c.RetryDelay)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %d %s", path, status, e.Error)
		}
		return fmt.Errorf("%s: status %d", path, status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
