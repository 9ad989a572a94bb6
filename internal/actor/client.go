package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBody bounds how much of a failed response body is kept on a StatusError.
const maxErrorBody = 4096

// StatusError is returned when an actor answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("actor error (status %d): %s", e.Status, e.Body)
}

// ClientConfig holds the settings shared by the actor clients.
type ClientConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// rpcClient issues POST {base}/{id}/{method} calls with a JSON body.
type rpcClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

func newRPCClient(config ClientConfig) *rpcClient {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &rpcClient{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		authToken: config.AuthToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// call invokes one actor method and decodes the response into out when out is non-nil.
func (c *rpcClient) call(ctx context.Context, id, method string, in, out any) error {
	if id == "" {
		return fmt.Errorf("calling %s: empty actor id", method)
	}

	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, "/"+url.PathEscape(id)+"/"+method, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Status: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	return nil
}

// newRequest creates a new HTTP request with authentication.
func (c *rpcClient) newRequest(ctx context.Context, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return req, nil
}

// AccountClient talks to account actors over HTTP.
type AccountClient struct {
	rpc *rpcClient
}

// NewAccountClient creates a new account actor client.
func NewAccountClient(config ClientConfig) *AccountClient {
	return &AccountClient{rpc: newRPCClient(config)}
}

// GetHealth returns the health snapshot of an account.
func (c *AccountClient) GetHealth(ctx context.Context, accountID string) (*AccountHealth, error) {
	var health AccountHealth
	if err := c.rpc.call(ctx, accountID, "getHealth", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetAccessToken returns a valid provider access token, refreshing it if needed.
func (c *AccountClient) GetAccessToken(ctx context.Context, accountID string) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.rpc.call(ctx, accountID, "getAccessToken", nil, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("getAccessToken: empty token")
	}
	return resp.AccessToken, nil
}

// ListSubscriptions returns the Microsoft subscriptions held by an account.
func (c *AccountClient) ListSubscriptions(ctx context.Context, accountID string) ([]Subscription, error) {
	var resp struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := c.rpc.call(ctx, accountID, "listSubscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// RenewSubscription extends one subscription.
func (c *AccountClient) RenewSubscription(ctx context.Context, accountID, subscriptionID string) (*Subscription, error) {
	req := map[string]any{"subscription_id": subscriptionID}
	var sub Subscription
	if err := c.rpc.call(ctx, accountID, "renewSubscription", req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// StoreSubscription records new channel metadata on the account actor.
func (c *AccountClient) StoreSubscription(ctx context.Context, accountID string, sub StoredSubscription) error {
	return c.rpc.call(ctx, accountID, "storeSubscription", sub, nil)
}

// UserGraphClient talks to user graph actors over HTTP.
type UserGraphClient struct {
	rpc *rpcClient
}

// NewUserGraphClient creates a new user graph actor client.
func NewUserGraphClient(config ClientConfig) *UserGraphClient {
	return &UserGraphClient{rpc: newRPCClient(config)}
}

// RecomputeProjections asks the graph to rebuild mirror projections for the user.
func (c *UserGraphClient) RecomputeProjections(ctx context.Context, userID string, forceRequeueNonActive bool) error {
	req := map[string]any{"force_requeue_non_active": forceRequeueNonActive}
	return c.rpc.call(ctx, userID, "recomputeProjections", req, nil)
}

// GetExpiredHolds returns the tentative holds past their expiry.
func (c *UserGraphClient) GetExpiredHolds(ctx context.Context, userID string) ([]Hold, error) {
	var resp struct {
		Holds []Hold `json:"holds"`
	}
	if err := c.rpc.call(ctx, userID, "getExpiredHolds", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Holds, nil
}

// UpdateHoldStatus sets the status of one hold.
func (c *UserGraphClient) UpdateHoldStatus(ctx context.Context, userID, holdID, status string) error {
	req := map[string]any{"hold_id": holdID, "status": status}
	return c.rpc.call(ctx, userID, "updateHoldStatus", req, nil)
}

// ExpireSessionIfAllHoldsTerminal expires a session once none of its holds are tentative.
func (c *UserGraphClient) ExpireSessionIfAllHoldsTerminal(ctx context.Context, userID, sessionID string) (bool, error) {
	req := map[string]any{"session_id": sessionID}
	var resp struct {
		Expired bool `json:"expired"`
	}
	if err := c.rpc.call(ctx, userID, "expireSessionIfAllHoldsTerminal", req, &resp); err != nil {
		return false, err
	}
	return resp.Expired, nil
}

// GetDriftReport computes the relationship drift report for the user.
func (c *UserGraphClient) GetDriftReport(ctx context.Context, userID string) (*DriftReport, error) {
	var report DriftReport
	if err := c.rpc.call(ctx, userID, "getDriftReport", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// StoreDriftAlerts persists a drift report as the user's current alerts.
func (c *UserGraphClient) StoreDriftAlerts(ctx context.Context, userID string, report *DriftReport) error {
	req := map[string]any{"report": report}
	return c.rpc.call(ctx, userID, "storeDriftAlerts", req, nil)
}

// ApplyProviderDelta feeds provider-side changes of one account into the graph.
func (c *UserGraphClient) ApplyProviderDelta(ctx context.Context, userID, accountID string, deltas []ProviderDelta) error {
	req := map[string]any{"account_id": accountID, "deltas": deltas}
	return c.rpc.call(ctx, userID, "applyProviderDelta", req, nil)
}

var (
	_ AccountActor = (*AccountClient)(nil)
	_ UserGraph    = (*UserGraphClient)(nil)
)
