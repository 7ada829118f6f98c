// Package mailer delivers account notifications through an HTTP mail
// relay (Mailgun-compatible message endpoint).
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	apiURL     string
	apiKey     string
	from       string
	subject    string
	httpClient *http.Client
}

type sendMessageRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type relayResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func NewClient(apiURL, apiKey, from, subject string, httpClient *http.Client) *Client {
	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		apiURL:     strings.TrimRight(strings.TrimSpace(apiURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		from:       strings.TrimSpace(from),
		subject:    subject,
		httpClient: client,
	}
}

// Send satisfies the notifier's sender contract.
func (c *Client) Send(ctx context.Context, email, body string) error {
	if c == nil {
		return errors.New("mailer client is nil")
	}
	if c.apiURL == "" {
		return errors.New("mail relay url is empty")
	}
	if strings.TrimSpace(email) == "" {
		return errors.New("recipient is required")
	}
	if strings.TrimSpace(body) == "" {
		return errors.New("message is empty")
	}

	payload, err := json.Marshal(sendMessageRequest{
		From:    c.from,
		To:      email,
		Subject: c.subject,
		Text:    body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("api", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiResp relayResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiResp); decodeErr == nil && apiResp.Message != "" {
			return fmt.Errorf("mail relay rejected message: %s", apiResp.Message)
		}
		return fmt.Errorf("mail relay returned status %d", resp.StatusCode)
	}
	return nil
}
