package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultStatusPath = "/tasks/{id}"
	defaultTimeout    = 10 * time.Second
)

// HTTPConfig configures an HTTPStatusProvider
type HTTPConfig struct {
	ID      string        `mapstructure:"id"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`

	// StatusPath is appended to BaseURL; {id} is replaced by the external task id
	StatusPath string `mapstructure:"status_path"`

	APIKey       string `mapstructure:"api_key"`
	APIKeyHeader string `mapstructure:"api_key_header"`
	APIKeyPrefix string `mapstructure:"api_key_prefix"`

	// Capabilities served by this provider; empty means it is the fallback
	Capabilities []string `mapstructure:"capabilities"`
}

// statusResponse is the JSON document returned by the status endpoint
type statusResponse struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result"`
	Error  string         `json:"error"`
}

// HTTPStatusProvider polls a JSON status endpoint:
//
//	GET {base_url}/tasks/{id} -> {"status": "succeeded", "result": {...}}
//
// 404 means the task is unknown upstream. 5xx, 429 and transport errors
// mean the status is unknown and yield ErrUnavailable.
type HTTPStatusProvider struct {
	id         string
	client     *resty.Client
	statusPath string
}

// NewHTTPStatusProvider creates a provider for one upstream
func NewHTTPStatusProvider(cfg HTTPConfig) (*HTTPStatusProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required for HTTP status provider %q", cfg.ID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = defaultStatusPath
	}
	if cfg.ID == "" {
		cfg.ID = cfg.BaseURL
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	if cfg.APIKey != "" {
		header := cfg.APIKeyHeader
		prefix := cfg.APIKeyPrefix
		if header == "" {
			header = "Authorization"
			if prefix == "" {
				prefix = "Bearer "
			}
		}
		client.SetHeader(header, prefix+cfg.APIKey)
	}

	return &HTTPStatusProvider{
		id:         cfg.ID,
		client:     client,
		statusPath: cfg.StatusPath,
	}, nil
}

// ID returns the provider ID
func (p *HTTPStatusProvider) ID() string {
	return p.id
}

// QueryStatus fetches the upstream status of a task
func (p *HTTPStatusProvider) QueryStatus(ctx context.Context, externalTaskID string) (*TaskStatus, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("id", externalTaskID).
		Get(p.statusPath)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, fmt.Errorf("GET %s: %w", externalTaskID, err))
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return &TaskStatus{Status: StatusNotFound}, nil
	case code == http.StatusTooManyRequests || code >= 500:
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnavailable, p.id, code)
	case code < 200 || code >= 300:
		return nil, fmt.Errorf("status query for %s returned %d: %s", externalTaskID, code, truncate(resp.String(), 200))
	}

	var body statusResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("failed to decode status of %s: %w", externalTaskID, err)
	}

	status, err := parseStatus(body.Status)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", externalTaskID, err)
	}
	return &TaskStatus{Status: status, ResultParams: body.Result, Error: body.Error}, nil
}

// parseStatus maps the upstream vocabulary onto Status
func parseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "running", "processing", "in_progress":
		return StatusPending, nil
	case "succeeded", "success", "completed", "done":
		return StatusSucceeded, nil
	case "failed", "failure", "error", "cancelled", "canceled":
		return StatusFailed, nil
	case "not_found":
		return StatusNotFound, nil
	}
	return "", fmt.Errorf("unrecognized upstream status %q", s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// NewRegistryFromConfig builds HTTP providers and binds them to their
// capabilities. At most one provider may omit capabilities and act as the fallback.
func NewRegistryFromConfig(cfgs []HTTPConfig) (*Registry, error) {
	var fallback StatusProvider
	bindings := make(map[string]StatusProvider)

	for _, cfg := range cfgs {
		p, err := NewHTTPStatusProvider(cfg)
		if err != nil {
			return nil, err
		}
		if len(cfg.Capabilities) == 0 {
			if fallback != nil {
				return nil, fmt.Errorf("providers %q and %q both lack capabilities; only one fallback is allowed", fallback.ID(), p.ID())
			}
			fallback = p
			continue
		}
		for _, capabilityID := range cfg.Capabilities {
			if prev, dup := bindings[capabilityID]; dup {
				return nil, fmt.Errorf("capability %q is served by both %q and %q", capabilityID, prev.ID(), p.ID())
			}
			bindings[capabilityID] = p
		}
	}

	r := NewRegistry(fallback)
	for capabilityID, p := range bindings {
		r.Register(capabilityID, p)
	}
	return r, nil
}
