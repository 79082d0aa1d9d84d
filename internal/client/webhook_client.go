package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

// Delivery is one message handed to a downstream provider.
type Delivery struct {
	ID          string            `json:"id"`
	Channel     model.Channel     `json:"channel"`
	Subject     string            `json:"subject,omitempty"`
	Body        string            `json:"body"`
	Recipients  []model.Recipient `json:"recipients"`
	Attachments []File            `json:"attachments"`
}

// File carries attachment content; encoding/json writes Content as base64.
type File struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

type WebhookClient struct {
	url    string
	client *http.Client
}

func NewWebhookClient(url string) *WebhookClient {
	return &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type deliverResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// Deliver posts d to the webhook and returns the provider's message id. Only
// 202 Accepted counts as success.
func (c *WebhookClient) Deliver(ctx context.Context, d Delivery) (string, error) {
	if d.Attachments == nil {
		d.Attachments = []File{}
	}
	reqBody, err := json.Marshal(d)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-Channel", string(d.Channel))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var dr deliverResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if dr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return dr.MessageID, nil
}
