// Package gateway implements external API adapters
// Following Hexagonal Architecture: Outbound adapters for external services
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
)

var _ ports.ProviderGateway = (*ProviderClient)(nil)

const maxErrorBody = 4 << 10

// ProviderError is a non-2xx answer or transport failure from the provider.
// Kind is one of the domain provider error classes.
type ProviderError struct {
	StatusCode int
	Body       string
	RetryDelay time.Duration
	Kind       error
	Cause      error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
	case e.Body != "":
		return fmt.Sprintf("%v (status %d): %s", e.Kind, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%v (status %d)", e.Kind, e.StatusCode)
	}
}

// Unwrap exposes the error class to errors.Is
func (e *ProviderError) Unwrap() error {
	return e.Kind
}

// RetryAfter is the provider's Retry-After hint, zero when absent
func (e *ProviderError) RetryAfter() time.Duration {
	return e.RetryDelay
}

// ProviderClient handles communication with the messaging provider HTTP API
type ProviderClient struct {
	httpClient *http.Client
	now        func() time.Time
}

// NewProviderClient creates a client; per-call deadlines come from ctx
func NewProviderClient(timeout time.Duration) *ProviderClient {
	return &ProviderClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

type stateResponse struct {
	State string `json:"state"`
}

// SendMessageRequest represents the provider send payload
type SendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// SendMessageResponse represents the provider's answer to a send
type SendMessageResponse struct {
	ProviderMessageID string `json:"providerMessageId"`
}

// GetState returns the raw provider state of the instance
func (c *ProviderClient) GetState(ctx context.Context, inst *domain.Instance) (string, error) {
	var resp stateResponse
	if err := c.do(ctx, inst, http.MethodGet, "state", nil, &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

// Send delivers one message and returns the provider message id
func (c *ProviderClient) Send(ctx context.Context, inst *domain.Instance, msg ports.OutboundMessage) (string, error) {
	payload := SendMessageRequest{
		ChatID:  msg.ChatID,
		Type:    msg.Type,
		Content: msg.Content,
	}

	slog.Debug("Sending message to provider",
		"instance_id", inst.ID,
		"chat_id", msg.ChatID,
		"content_length", len(msg.Content),
	)

	var resp SendMessageResponse
	if err := c.do(ctx, inst, http.MethodPost, "send", payload, &resp); err != nil {
		return "", err
	}
	if resp.ProviderMessageID == "" {
		// 2xx without an id still means it went out
		slog.Warn("Provider send response carried no message id", "instance_id", inst.ID)
	}
	return resp.ProviderMessageID, nil
}

func (c *ProviderClient) endpoint(inst *domain.Instance, action string) string {
	return fmt.Sprintf("%s/instance/%s/%s",
		strings.TrimRight(inst.HostURL, "/"),
		url.PathEscape(inst.Identifier),
		action,
	)
}

func (c *ProviderClient) do(ctx context.Context, inst *domain.Instance, method, action string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(inst, action), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+inst.Credential)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Kind: domain.ErrTransient, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		perr := &ProviderError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
			Kind:       classifyStatus(resp.StatusCode),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			perr.RetryDelay = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		}
		slog.Warn("Provider API error",
			"instance_id", inst.ID,
			"action", action,
			"status_code", resp.StatusCode,
			"retry_after", perr.RetryDelay,
		)
		return perr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &ProviderError{StatusCode: resp.StatusCode, Kind: domain.ErrTransient, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case code == http.StatusForbidden:
		return domain.ErrInstanceBlocked
	case code == http.StatusRequestTimeout:
		return domain.ErrTransient
	case code >= 400 && code < 500:
		return domain.ErrRejected
	default:
		return domain.ErrTransient
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
