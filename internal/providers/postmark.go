package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 4 << 10

// PostmarkClient sends email through the Postmark HTTP API.
type PostmarkClient struct {
	httpClient *http.Client
	baseURL    string
	sender     string
	token      string
}

type postmarkRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

func NewPostmarkClient(baseURL, sender, token string, timeout time.Duration) *PostmarkClient {
	return &PostmarkClient{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		sender:  sender,
		token:   token,
	}
}

func (c *PostmarkClient) Name() string { return "postmark" }

func (c *PostmarkClient) Send(ctx context.Context, email Email) error {
	payload, err := json.Marshal(postmarkRequest{
		From:     c.sender,
		To:       email.To,
		Subject:  email.Subject,
		HtmlBody: email.HTMLBody,
		TextBody: email.TextBody,
	})
	if err != nil {
		return domainErrors.NewTerminalDeliveryError(fmt.Errorf("marshal email: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(payload))
	if err != nil {
		return domainErrors.NewTerminalDeliveryError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domainErrors.NewTransientDeliveryError(fmt.Errorf("postmark request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return classifyStatus(resp.StatusCode, strings.TrimSpace(string(body)))
}

// classifyStatus maps a non-2xx provider response to a delivery error.
// Only a 4xx that rejects the message itself is terminal. Credential failures point at
// the channel configuration and stay transient so the breaker can open.
func classifyStatus(status int, body string) error {
	err := fmt.Errorf("postmark responded %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return domainErrors.NewTransientDeliveryError(err)
	default:
		return domainErrors.NewTerminalDeliveryError(err)
	}
}
