package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the capture service that owns the live targets.
type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (c *Client) Observe(ctx context.Context, id string) (Snapshot, error) {
	var out Snapshot
	if err := c.doJSON(ctx, http.MethodGet, "/v1/targets/"+url.PathEscape(id), nil, &out); err != nil {
		return Snapshot{}, err
	}
	if out.TargetID == "" {
		out.TargetID = id
	}
	return out, nil
}

func (c *Client) SendInput(ctx context.Context, id, text string) error {
	req := map[string]string{"text": text}
	return c.doJSON(ctx, http.MethodPost, "/v1/targets/"+url.PathEscape(id)+"/input", req, nil)
}

func (c *Client) MarkEventHandled(ctx context.Context, workspace, eventID, note string) error {
	req := map[string]string{"workspace": workspace, "note": note}
	return c.doJSON(ctx, http.MethodPost, "/v1/events/"+url.PathEscape(eventID)+"/handled", req, nil)
}

func (c *Client) RunCustom(ctx context.Context, name, target string, payload json.RawMessage) (json.RawMessage, error) {
	req := map[string]any{"target": target, "payload": payload}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, "/v1/actions/"+url.PathEscape(name), req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunWorkflow starts a named workflow in the capture service and returns its
// result document.
func (c *Client) RunWorkflow(ctx context.Context, workspace, name string, params map[string]string) (json.RawMessage, error) {
	req := map[string]any{"workspace": workspace, "params": params}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, "/v1/workflows/"+url.PathEscape(name)+"/runs", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, req any, out any) error {
	respBytes, err := c.doRequest(ctx, method, path, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(respBytes)) == 0 {
		return nil
	}
	return json.Unmarshal(respBytes, out)
}

func (c *Client) doRequest(ctx context.Context, method, path string, req any) ([]byte, error) {
	if strings.TrimSpace(c.BaseURL) == "" {
		return nil, errors.New("base url required")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 5 * time.Second}
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
	u = u.JoinPath(path)
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
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("capture service status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return io.ReadAll(resp.Body)
}
