// Package authority is the agent-side client for the accounting
// service. The wire contract is deliberately thin: connect and
// disconnect answer with a bare status code, stats answers with the
// eviction list.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/psiphi75/SwirlVPN/internal/model"
)

const headerGatewayKey = "X-Gateway-Key"

// ErrDenied means the authority answered the connect request with a
// non-200: the user must not be admitted.
var ErrDenied = errors.New("connection denied by authority")

type ConnectRequest struct {
	UserID            string `json:"userId"`
	ConnectionKey     string `json:"connectionKey"`
	DateConnectedUnix int64  `json:"dateConnectedUnix"`
	AssignedIP        string `json:"assignedIP,omitempty"`
	ClientIP          string `json:"clientIP,omitempty"`
	ClientIPv6        string `json:"clientIPv6,omitempty"`
	ServerHostname    string `json:"serverHostname,omitempty"`
	ServerNetDev      string `json:"serverNetDev,omitempty"`
}

type DisconnectRequest struct {
	UserID            string `json:"userId"`
	DateConnectedUnix int64  `json:"dateConnectedUnix"`
	Reason            string `json:"reason,omitempty"`

	// Final counters from the daemon; the authority archives these, not
	// the last polled values.
	BytesToClient      int64 `json:"bytesToClient"`
	BytesFromClient    int64 `json:"bytesFromClient"`
	BytesToClientSaved int64 `json:"bytesToClientSaved"`
}

type Client struct {
	baseURL    string
	gatewayKey string
	httpClient *http.Client
}

func NewClient(baseURL, gatewayKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		gatewayKey: gatewayKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Connect asks the authority whether the user may come online. A nil
// error admits; ErrDenied is a deliberate refusal; any other error is
// infrastructure and the caller decides what failing open means.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) error {
	resp, err := c.post(ctx, "/gateway/connect", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrDenied
	}
	return nil
}

// Disconnect reports a closed tunnel. The authority always answers
// 200; anything else is a transport-level problem.
func (c *Client) Disconnect(ctx context.Context, req DisconnectRequest) error {
	resp, err := c.post(ctx, "/gateway/disconnect", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("disconnect: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ReportStats posts a usage batch and returns the users the authority
// wants evicted.
func (c *Client) ReportStats(ctx context.Context, report model.UsageReport) (model.EvictionList, error) {
	resp, err := c.post(ctx, "/gateway/stats", report)
	if err != nil {
		return model.EvictionList{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.EvictionList{}, fmt.Errorf("stats: unexpected status %d", resp.StatusCode)
	}

	var evictions model.EvictionList
	if err := json.NewDecoder(resp.Body).Decode(&evictions); err != nil {
		return model.EvictionList{}, fmt.Errorf("decode eviction list: %w", err)
	}
	return evictions, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerGatewayKey, c.gatewayKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	return resp, nil
}
