// Package httprequest provides the outbound HTTP request node.
package httprequest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/reactor/pkg/models"
)

const (
	ID = "http_request"

	defaultTimeout = 30 * time.Second
)

var errURLRequired = errors.New("url is required")

// StatusError is returned for responses with a 4xx or 5xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Node performs one HTTP call per invocation. Server errors and network failures are retried
// up to the configured number of times, client errors are not.
type Node struct {
	client     *http.Client
	newBackOff func() backoff.BackOff
}

func NewNode(client *http.Client) *Node {
	if client == nil {
		client = &http.Client{}
	}

	return &Node{
		client: client,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

func (n *Node) Definition() models.NodeDefinition {
	return models.NodeDefinition{
		ID:          ID,
		Name:        "HTTP Request",
		Description: "Calls an HTTP endpoint and outputs the response.",
		Type:        models.CategoryTypeAction,
		Fields: []models.FieldSpec{
			{Name: "url", Type: "string", Required: true},
			{Name: "method", Type: "string", Description: "Defaults to GET"},
			{Name: "headers", Type: "object"},
			{Name: "body", Type: "any", Description: "Sent as is when a string, JSON encoded otherwise"},
			{Name: "auth_token", Type: "string", Description: "Bearer token", Secret: true},
			{Name: "timeout_seconds", Type: "integer"},
			{Name: "retries", Type: "integer", Description: "Retries on server errors, defaults to 0"},
		},
	}
}

type request struct {
	url     string
	method  string
	headers map[string]string
	body    []byte
	timeout time.Duration
	retries uint64
}

func (n *Node) Execute(ctx context.Context, execCtx *models.ExecutionContext) (any, error) {
	req, err := parseRequest(execCtx)
	if err != nil {
		return nil, err
	}

	var output map[string]any

	operation := func() error {
		result, err := n.do(ctx, execCtx, req)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}

			return err
		}

		output = result

		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(n.newBackOff(), req.retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	return output, nil
}

func (n *Node) do(ctx context.Context, execCtx *models.ExecutionContext, req request) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	var body io.Reader
	if len(req.body) > 0 {
		body = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}

	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	execCtx.AddTransfer(int64(len(req.body)), int64(len(data)))

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        decodeBody(resp.Header.Get("Content-Type"), data),
	}, nil
}

func parseRequest(execCtx *models.ExecutionContext) (request, error) {
	req := request{
		url:     execCtx.ConfigString("url", ""),
		method:  strings.ToUpper(execCtx.ConfigString("method", http.MethodGet)),
		headers: make(map[string]string),
		timeout: defaultTimeout,
	}

	if req.url == "" {
		return req, errURLRequired
	}

	if headers, ok := execCtx.Config["headers"].(map[string]any); ok {
		for key, value := range headers {
			req.headers[key] = fmt.Sprint(value)
		}
	}

	switch body := execCtx.Config["body"].(type) {
	case nil:
	case string:
		req.body = []byte(body)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return req, fmt.Errorf("failed to encode body: %w", err)
		}

		req.body = data

		if _, ok := req.headers["Content-Type"]; !ok {
			req.headers["Content-Type"] = "application/json"
		}
	}

	if token := execCtx.ConfigString("auth_token", ""); token != "" {
		req.headers["Authorization"] = "Bearer " + token
	}

	if seconds, ok := number(execCtx.Config["timeout_seconds"]); ok && seconds > 0 {
		req.timeout = time.Duration(seconds) * time.Second
	}

	if retries, ok := number(execCtx.Config["retries"]); ok && retries > 0 {
		req.retries = uint64(retries)
	}

	return req, nil
}

// number accepts the numeric shapes config values take after JSON decoding or interpolation.
func number(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func decodeBody(contentType string, data []byte) any {
	if strings.Contains(contentType, "json") {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			return decoded
		}
	}

	return string(data)
}
