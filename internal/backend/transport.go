package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	contentJSON = "application/json"
	contentMLS  = "message/mls"
)

// Transport handles low-level HTTP communication with the backend.
// It manages rate limiting, bearer auth, and request logging.
type Transport struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger

	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// NewTransport creates an HTTP transport for the backend API.
func NewTransport(baseURL, token string, tlsConf *tls.Config, logger zerolog.Logger) *Transport {
	client := &http.Client{Timeout: 30 * time.Second}
	if tlsConf != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	}
	return &Transport{
		baseURL:    baseURL,
		token:      token,
		client:     client,
		logger:     logger,
		maxRetries: 3,
		baseWait:   5 * time.Second,
		maxWait:    10 * time.Minute,
	}
}

// Do executes an HTTP request with automatic retry on 429 (Too Many Requests).
// It respects the Retry-After header, capping the wait at maxWait. Network
// failures are returned as *TransportError.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: read request body: %w", err)
		}
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	for attempt := range t.maxRetries + 1 {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, &TransportError{Op: req.Method + " " + req.URL.Path, Err: err}
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			t.logger.Debug().Str("method", req.Method).Str("path", req.URL.Path).
				Int("status", resp.StatusCode).Msg("http")
			return resp, nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		wait := t.baseWait << attempt
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		wait = min(wait, t.maxWait)

		if attempt == t.maxRetries {
			t.logger.Warn().Str("method", req.Method).Str("path", req.URL.Path).
				Str("retry_after", resp.Header.Get("Retry-After")).Msg("http 429, no retries left")
			return &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Header:     resp.Header,
				Body:       io.NopCloser(bytes.NewReader(respBody)),
				Request:    req,
			}, nil
		}

		t.logger.Info().Str("method", req.Method).Str("path", req.URL.Path).
			Dur("wait", wait).Int("attempt", attempt+1).Msg("http 429, retrying")

		select {
		case <-time.After(wait):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	return nil, fmt.Errorf("transport: retry loop exhausted")
}

func (t *Transport) request(ctx context.Context, method, path, contentType string, body []byte) ([]byte, int, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, r)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", contentJSON)
	return t.doAndRead(req)
}

// Get performs a GET request.
func (t *Transport) Get(ctx context.Context, path string) ([]byte, int, error) {
	return t.request(ctx, http.MethodGet, path, "", nil)
}

// Post performs a POST request with the given content type.
func (t *Transport) Post(ctx context.Context, path, contentType string, body []byte) ([]byte, int, error) {
	return t.request(ctx, http.MethodPost, path, contentType, body)
}

// Put performs a PUT request with a JSON body.
func (t *Transport) Put(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	return t.request(ctx, http.MethodPut, path, contentJSON, body)
}

// Delete performs a DELETE request.
func (t *Transport) Delete(ctx context.Context, path string) ([]byte, int, error) {
	return t.request(ctx, http.MethodDelete, path, "", nil)
}

func (t *Transport) doAndRead(req *http.Request) ([]byte, int, error) {
	resp, err := t.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Op: "read response", Err: err}
	}
	return body, resp.StatusCode, nil
}

// GetJSON performs a GET request and unmarshals the response into result.
func (t *Transport) GetJSON(ctx context.Context, path string, result any) (int, error) {
	body, status, err := t.Get(ctx, path)
	if err != nil {
		return status, err
	}
	if status >= 300 {
		return status, classify(status, body)
	}
	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return status, fmt.Errorf("transport: unmarshal response: %w", err)
		}
	}
	return status, nil
}

// PostJSON performs a POST with a JSON body and unmarshals the response
// into result when result is non-nil.
func (t *Transport) PostJSON(ctx context.Context, path string, body, result any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("transport: marshal request: %w", err)
	}
	resp, status, err := t.Post(ctx, path, contentJSON, data)
	if err != nil {
		return status, err
	}
	if status >= 300 {
		return status, classify(status, resp)
	}
	if result != nil && len(resp) > 0 {
		if err := json.Unmarshal(resp, result); err != nil {
			return status, fmt.Errorf("transport: unmarshal response: %w", err)
		}
	}
	return status, nil
}

// PutJSON performs a PUT with a JSON body.
func (t *Transport) PutJSON(ctx context.Context, path string, body any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("transport: marshal request: %w", err)
	}
	resp, status, err := t.Put(ctx, path, data)
	if err != nil {
		return status, err
	}
	if status >= 300 {
		return status, classify(status, resp)
	}
	return status, nil
}
