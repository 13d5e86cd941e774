// Package reasoning is the HTTP client for the external reasoning service
// that performs the expensive per-ticket analysis.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tkardel/ticketwatch/internal/retry"
)

// CredentialSource supplies the API credential and can mint a fresh one
// when the service rejects the current credential as expired.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticKey is a CredentialSource for a fixed API key. Refresh returns the
// same key, so an auth failure escalates to Permanent after one retry.
type StaticKey string

func (k StaticKey) Token(context.Context) (string, error)   { return string(k), nil }
func (k StaticKey) Refresh(context.Context) (string, error) { return string(k), nil }

// Options configures a Client.
type Options struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	Policy  retry.Policy
}

// Client submits prompts to the reasoning service.
type Client struct {
	baseURL string
	model   string
	creds   CredentialSource
	http    *http.Client
	policy  retry.Policy
	logger  *slog.Logger
}

// NewClient creates a reasoning service client.
func NewClient(opts Options, creds CredentialSource, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = retry.DefaultPolicy()
	}
	return &Client{
		baseURL: opts.BaseURL,
		model:   opts.Model,
		creds:   creds,
		http:    &http.Client{Timeout: opts.Timeout},
		policy:  opts.Policy,
		logger:  logger,
	}
}

// Generate submits prompt and returns the completion text. Timeouts, 5xx
// and 429 are retried as Transient; an auth rejection triggers exactly one
// forced credential refresh and one retry before escalating to Permanent;
// an empty completion is Permanent.
func (c *Client) Generate(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return "", retry.NewPermanent("loading credential", err)
	}

	var text string
	err = retry.Do(ctx, c.policy, func() error {
		var callErr error
		text, callErr = c.call(ctx, token, prompt, jsonMode)
		return callErr
	})
	if err == nil {
		return text, nil
	}
	if !isAuthError(err) {
		return "", err
	}

	// One forced refresh, one retry. No loop: a second rejection means the
	// credential is genuinely bad.
	c.logger.Info("credential rejected, refreshing once")
	token, refreshErr := c.creds.Refresh(ctx)
	if refreshErr != nil {
		return "", retry.NewPermanent("refreshing credential", refreshErr)
	}
	text, err = c.call(ctx, token, prompt, jsonMode)
	if err != nil {
		return "", retry.NewPermanent("credential rejected after refresh", err)
	}
	return text, nil
}

func (c *Client) call(ctx context.Context, token, prompt string, jsonMode bool) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model":     c.model,
		"prompt":    prompt,
		"json_mode": jsonMode,
	})
	if err != nil {
		return "", retry.NewPermanent("encoding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/completions", bytes.NewReader(payload))
	if err != nil {
		return "", retry.NewPermanent("building request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", retry.NewTransient("calling reasoning service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", retry.FromStatusCode(resp.StatusCode, "reasoning call")
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", retry.NewPermanent("decoding response", err)
	}
	if strings.TrimSpace(body.Text) == "" {
		return "", retry.NewPermanent("empty completion", nil)
	}
	return body.Text, nil
}

func isAuthError(err error) bool {
	var re *retry.Error
	if !errors.As(err, &re) {
		return false
	}
	return re.StatusCode == http.StatusUnauthorized || re.StatusCode == http.StatusForbidden
}
