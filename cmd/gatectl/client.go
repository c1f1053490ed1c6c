package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type gatewayClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// apiError is the gateway's failure body.
type apiError struct {
	Status      int               `json:"-"`
	ErrorCode   string            `json:"error_code"`
	Message     string            `json:"message"`
	Remediation string            `json:"remediation,omitempty"`
	Step        int               `json:"step,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	var b strings.Builder
	b.WriteString(e.ErrorCode)
	if e.Step > 0 {
		fmt.Fprintf(&b, " at step %d", e.Step)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Remediation != "" {
		b.WriteString(" (")
		b.WriteString(e.Remediation)
		b.WriteString(")")
	}
	return b.String()
}

func (c *gatewayClient) Prepare(ctx context.Context, body map[string]any, format string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodPost, withFormat("/v1/prepare", nil, format), body)
}

func (c *gatewayClient) Approve(ctx context.Context, code, approver, format string) ([]byte, error) {
	req := map[string]string{"code": code}
	if approver != "" {
		req["approver"] = approver
	}
	return c.doRequest(ctx, http.MethodPost, withFormat("/v1/approve", nil, format), req)
}

func (c *gatewayClient) Commit(ctx context.Context, planID, code, actor, format string) ([]byte, error) {
	req := map[string]string{"plan_id": planID}
	if strings.TrimSpace(code) != "" {
		req["approval_code"] = code
	}
	if actor != "" {
		req["actor"] = actor
	}
	return c.doRequest(ctx, http.MethodPost, withFormat("/v1/commit", nil, format), req)
}

func (c *gatewayClient) Explain(ctx context.Context, id, format string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, withFormat("/v1/explain/"+id, nil, format), nil)
}

func (c *gatewayClient) Invalidate(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/v1/plans/"+id, nil)
	return err
}

func (c *gatewayClient) ListPlans(ctx context.Context, query url.Values, format string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, withFormat("/v1/plans", query, format), nil)
}

func withFormat(path string, query url.Values, format string) string {
	if query == nil {
		query = url.Values{}
	}
	if format != "" {
		query.Set("format", format)
	}
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

func (c *gatewayClient) doRequest(ctx context.Context, method, path string, req any) ([]byte, error) {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	rawQuery := ""
	if idx := strings.Index(path, "?"); idx != -1 {
		rawQuery = path[idx+1:]
		path = path[:idx]
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = rawQuery
	request, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if req != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		request.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.Client.Do(request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(payload, apiErr) == nil && apiErr.ErrorCode != "" {
			return nil, apiErr
		}
		return nil, fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}
