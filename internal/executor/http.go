package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// HTTPExecutor performs an HTTP request. The status code is a result, not
// an error: a 500 response is a successful execution whose status_code
// field says 500.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor returns an HTTP executor with a default client.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: &http.Client{Timeout: 5 * time.Minute}}
}

// NewHTTPExecutorWithClient returns an HTTP executor with a custom client.
func NewHTTPExecutorWithClient(client *http.Client) *HTTPExecutor {
	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) Execute(ctx context.Context, params, _ map[string]interface{}) (map[string]interface{}, error) {
	url, err := stringParam(params, "url")
	if err != nil {
		return nil, err
	}

	method := "GET"
	if raw, ok := params["method"]; ok {
		m, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("param \"method\" must be a string, got %T", raw)
		}
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if raw, ok := params["body"]; ok {
		switch b := raw.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			body = strings.NewReader(string(data))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if raw, ok := params["headers"]; ok {
		headers, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("param \"headers\" must be a map, got %T", raw)
		}
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	log.Printf("Executing HTTP request: %s %s", method, url)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}, nil
}
