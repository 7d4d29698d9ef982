// Package restutil is the shared HTTP plumbing for REST provider backends.
// Transient provider errors are retried once with exponential backoff capped
// at one second; fatal provider errors are never retried.
package restutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/polyglotcast/polyglotcast/pkg/fault"
)

var client = &http.Client{Timeout: 30 * time.Second}

const maxTries = 2

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

// DoJSON sends a JSON request and decodes the JSON response into dest.
func DoJSON(ctx context.Context, method, url string, headers map[string]string, body any, dest any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	raw, err := backoff.Retry(ctx, func() ([]byte, error) {
		return doOnce(ctx, method, url, headers, payload, body != nil)
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxTries(maxTries))
	if err != nil {
		return err
	}

	if dest != nil {
		if err := json.Unmarshal(raw, dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// DoRaw sends a request with a raw body and returns the raw response bytes.
func DoRaw(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, error) {
	return backoff.Retry(ctx, func() ([]byte, error) {
		return doOnce(ctx, method, url, headers, body, false)
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxTries(maxTries))
}

// DoRawJSON sends a JSON request and returns the raw (typically binary)
// response bytes.
func DoRawJSON(ctx context.Context, method, url string, headers map[string]string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return backoff.Retry(ctx, func() ([]byte, error) {
		return doOnce(ctx, method, url, headers, payload, true)
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxTries(maxTries))
}

func doOnce(ctx context.Context, method, url string, headers map[string]string, payload []byte, isJSON bool) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fault.Wrap(fault.ProviderTransient, "do request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.ProviderTransient, "read response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fault.Wrap(fault.ProviderTransient,
			fmt.Sprintf("HTTP %d", resp.StatusCode), fmt.Errorf("%s", truncate(raw, 512)))
	default:
		return nil, backoff.Permanent(fault.Wrap(fault.ProviderFatal,
			fmt.Sprintf("HTTP %d", resp.StatusCode), fmt.Errorf("%s", truncate(raw, 512))))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
