package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrUndefined means OPA has no result for the package, usually because the
// policy is not loaded. Callers treat it like an outage.
var ErrUndefined = errors.New("opa: policy result undefined")

// PolicyService asks an OPA server for an additional verdict on a plan.
// Only "deny" has an effect; it becomes a hard override.
type PolicyService struct {
	OPAURL        string
	PolicyPackage string
	// Token is sent as a bearer token when OPA runs with authentication.
	Token      string
	HTTPClient *http.Client

	once     sync.Once
	endpoint string
}

// PolicyDecision is the OPA result document.
type PolicyDecision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func (p *PolicyService) init() {
	p.once.Do(func() {
		if p.HTTPClient == nil {
			p.HTTPClient = &http.Client{Timeout: 5 * time.Second}
		}
		pkg := strings.ReplaceAll(strings.Trim(strings.TrimSpace(p.PolicyPackage), "/"), ".", "/")
		p.endpoint = strings.TrimRight(strings.TrimSpace(p.OPAURL), "/") + "/v1/data/" + pkg
	})
}

// Evaluate posts input to the package's data endpoint.
func (p *PolicyService) Evaluate(ctx context.Context, input PolicyInput) (PolicyDecision, error) {
	p.init()
	body, err := json.Marshal(struct {
		Input PolicyInput `json:"input"`
	}{input})
	if err != nil {
		return PolicyDecision{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return PolicyDecision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("opa request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return PolicyDecision{}, fmt.Errorf("opa status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out struct {
		Result *PolicyDecision `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PolicyDecision{}, fmt.Errorf("opa response: %w", err)
	}
	if out.Result == nil {
		return PolicyDecision{}, ErrUndefined
	}
	out.Result.Decision = strings.ToLower(strings.TrimSpace(out.Result.Decision))
	return *out.Result, nil
}
