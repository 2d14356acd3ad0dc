// Package provider implements the outbound client for the plagiarism
// detection provider: authentication, scan submission, and bulk result
// export requests. Callbacks flow back in through internal/api.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config captures provider endpoints and credentials.
type Config struct {
	APIBaseURL     string
	IdentityURL    string
	Email          string
	Key            string
	WebhookBaseURL string
	Timeout        time.Duration
	Sandbox        bool
}

// Client talks to the provider API. It refreshes its access token lazily
// and is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		logger:     logger,
	}
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	Expires     string `json:"expires"`
}

// Login fetches a fresh access token from the identity endpoint.
func (c *Client) Login(ctx context.Context) error {
	body := map[string]string{
		"email": c.cfg.Email,
		"key":   c.cfg.Key,
	}
	var resp loginResponse
	err := c.doJSON(ctx, http.MethodPost, c.cfg.IdentityURL+"/v3/account/login/api", body, &resp, false)
	if err != nil {
		return fmt.Errorf("provider login: %w", err)
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("provider login: empty access token")
	}

	expiry := time.Now().Add(24 * time.Hour)
	if resp.Expires != "" {
		if parsed, parseErr := time.Parse(time.RFC3339, resp.Expires); parseErr == nil {
			expiry = parsed
		}
	}

	c.mu.Lock()
	c.token = resp.AccessToken
	c.tokenExpiry = expiry
	c.mu.Unlock()

	c.logger.Info("provider authentication ready", zap.Time("token_expiry", expiry))
	return nil
}

// Submission is a document handed to the provider for scanning.
type Submission struct {
	Base64   string `json:"base64"`
	Filename string `json:"filename"`
}

// SubmitScan submits a document under the given scan ID and registers the
// webhook endpoints the provider will call back on.
func (c *Client) SubmitScan(ctx context.Context, scanID string, sub Submission) error {
	hooks := strings.TrimRight(c.cfg.WebhookBaseURL, "/")
	body := map[string]any{
		"base64":   sub.Base64,
		"filename": sub.Filename,
		"properties": map[string]any{
			"sandbox": c.cfg.Sandbox,
			"webhooks": map[string]any{
				// The provider substitutes {STATUS} per callback kind.
				"status":    fmt.Sprintf("%s/webhooks/%s/status/{STATUS}", hooks, scanID),
				"newResult": fmt.Sprintf("%s/webhooks/%s/results/new", hooks, scanID),
			},
		},
	}
	url := fmt.Sprintf("%s/v3/scans/submit/file/%s", c.cfg.APIBaseURL, scanID)
	if err := c.doJSON(ctx, http.MethodPut, url, body, nil, true); err != nil {
		return fmt.Errorf("submit scan %s: %w", scanID, err)
	}
	return nil
}

// ExportResults requests the detailed per-result comparison data for the
// given result IDs in one export batch. The export ID is derived from the
// scan ID, so a repeated call targets the same batch.
func (c *Client) ExportResults(ctx context.Context, scanID string, resultIDs []string) error {
	hooks := strings.TrimRight(c.cfg.WebhookBaseURL, "/")
	results := make([]map[string]any, 0, len(resultIDs))
	for _, id := range resultIDs {
		results = append(results, map[string]any{
			"id":       id,
			"verb":     "POST",
			"endpoint": fmt.Sprintf("%s/webhooks/%s/results/%s/export", hooks, scanID, id),
		})
	}
	body := map[string]any{
		"results": results,
		"crawledVersion": map[string]any{
			"verb":     "POST",
			"endpoint": fmt.Sprintf("%s/webhooks/%s/crawled", hooks, scanID),
		},
		"pdfReport": map[string]any{
			"verb":     "POST",
			"endpoint": fmt.Sprintf("%s/webhooks/%s/pdf", hooks, scanID),
		},
		"completionWebhook": fmt.Sprintf("%s/webhooks/%s/export/completed", hooks, scanID),
		"maxRetries":        3,
	}
	url := fmt.Sprintf("%s/v3/downloads/%s/export/export-%s", c.cfg.APIBaseURL, scanID, scanID)
	if err := c.doJSON(ctx, http.MethodPost, url, body, nil, true); err != nil {
		return fmt.Errorf("export results for scan %s: %w", scanID, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body, out any, authed bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		token, tokenErr := c.currentToken(ctx)
		if tokenErr != nil {
			return tokenErr
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// currentToken returns a valid token, re-authenticating when the cached one
// is missing or about to expire.
func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.token
	expiry := c.tokenExpiry
	c.mu.RUnlock()

	if token != "" && time.Until(expiry) > time.Minute {
		return token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, nil
}
