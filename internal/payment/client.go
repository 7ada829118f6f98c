// Package payment talks to the external payment processor. The
// processor is treated as a generic invoice API: we create invoices
// and poll their status; vendor specifics live behind its endpoint.
package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Vendor-side invoice states we act on.
const (
	StatusPending = "pending"
	StatusSettled = "settled"
	StatusFailed  = "failed"
	StatusExpired = "expired"
)

var ErrInvoiceNotFound = errors.New("invoice not found")

type Invoice struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Currency      string  `json:"currency"`
	ValueCurrency float64 `json:"valueCurrency"`
	ValueUSD      float64 `json:"valueUSD"`
	InvoiceURL    string  `json:"invoiceURL"`
}

type CreateInvoiceRequest struct {
	Reference string  `json:"reference"`
	Currency  string  `json:"currency"`
	ValueUSD  float64 `json:"valueUSD"`
	ItemName  string  `json:"itemName"`
}

type Client struct {
	apiURL     string
	accountID  string
	secretKey  string
	httpClient *http.Client
}

func NewClient(apiURL, accountID, secretKey string) *Client {
	return &Client{
		apiURL:     apiURL,
		accountID:  accountID,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	url := c.apiURL + path
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	auth := base64.StdEncoding.EncodeToString([]byte(c.accountID + ":" + c.secretKey))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) CreateInvoice(ctx context.Context, params CreateInvoiceRequest) (*Invoice, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/invoices", params)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create invoice: unexpected status %s", resp.Status)
	}

	var inv Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/invoices/"+invoiceID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrInvoiceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get invoice: unexpected status %s", resp.Status)
	}

	var inv Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, err
	}
	return &inv, nil
}
