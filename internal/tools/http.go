package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

const httpMaxResponseBytes = 4 << 20

// HTTPTool performs HTTP requests. Parameters:
//
//	url     (string, required)
//	method  (string, default GET)
//	headers (map[string]any, optional)
//	body    (any, optional; maps and slices are sent as JSON)
//
// Output: status_code, headers, body (decoded JSON when the response is
// JSON, raw string otherwise).
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool creates the http.request tool. A nil client gets a default
// with a 30 second timeout.
func NewHTTPTool(client *http.Client) *HTTPTool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTool{client: client}
}

func (t *HTTPTool) Name() string        { return "http.request" }
func (t *HTTPTool) Description() string { return "performs an HTTP request" }

func (t *HTTPTool) Call(ctx context.Context, params map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request requires a url parameter")
	}

	method := http.MethodGet
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	contentType := ""
	if raw, ok := params["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "http.request body is not encodable").WithCause(err)
			}
			body = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid http request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolInvocation, "http request to %s failed", url).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxResponseBytes))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeToolInvocation, "failed to read http response").WithCause(err)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	var decoded any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var doc any
		if err := json.Unmarshal(raw, &doc); err == nil {
			decoded = doc
		}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        decoded,
	}, nil
}
