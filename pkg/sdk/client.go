// Package sdk is the Go client for community probers.
//
// Quick Start:
//
//	client := sdk.NewClient("https://api.watchmesh.example", "prb-berlin-1")
//
//	targets, err := client.ListAvailable(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, t := range targets {
//		check, err := client.Submit(ctx, t.ID, "berlin", nil)
//		if sdk.IsCooldown(err) {
//			continue // try again after RetryAfter(err)
//		}
//		log.Printf("submitted %s success=%v", check.ID, check.Success)
//	}
//
//	wallet, _ := client.Wallet(ctx)
//	log.Printf("balance: %d", wallet.Wallet.BalanceMinorUnits)
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// AvailableTarget is a target open for ad-hoc probing.
type AvailableTarget struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	URL     string   `json:"url"`
	Kind    string   `json:"kind"`
	Regions []string `json:"regions,omitempty"`
}

// LocationDetails is the optional geographic enrichment sent with a
// submission.
type LocationDetails struct {
	City    string  `json:"city,omitempty"`
	Country string  `json:"country,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
	IP      string  `json:"ip,omitempty"`
}

// Check is the persisted probe record the engine returns on acceptance.
type Check struct {
	ID             string    `json:"id"`
	TargetID       string    `json:"target_id"`
	Success        bool      `json:"success"`
	StatusCode     int       `json:"status_code,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Location       string    `json:"location"`
	ProberID       string    `json:"prober_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	PaymentSettled bool      `json:"payment_settled"`
}

// WalletStatement is a prober's balance plus the tail of its ledger.
type WalletStatement struct {
	Wallet struct {
		ProberID          string    `json:"prober_id"`
		BalanceMinorUnits int64     `json:"balance_minor_units"`
		UpdatedAt         time.Time `json:"updated_at"`
	} `json:"wallet"`
	Ledger []struct {
		CheckID          string    `json:"check_id"`
		AmountMinorUnits int64     `json:"amount_minor_units"`
		CreditedAt       time.Time `json:"credited_at"`
	} `json:"ledger"`
}

// APIError is a non-2xx engine response.
type APIError struct {
	StatusCode int
	Kind       string `json:"kind"`
	Message    string `json:"error"`

	// RetryAfter carries the cooldown hint on 409 responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("watchmesh: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

// IsCooldown reports whether err is a cooldown rejection.
func IsCooldown(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusConflict
}

// RetryAfter extracts the cooldown wait from err, or zero.
func RetryAfter(err error) time.Duration {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.RetryAfter
	}
	return 0
}

// Client talks to a watchmesh engine on behalf of one prober.
type Client struct {
	baseURL  string
	proberID string
	apiKey   string
	http     *http.Client
}

// Option tweaks client construction.
type Option func(*Client)

// WithHTTPClient swaps the underlying transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey attaches an issued key to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func NewClient(baseURL, proberID string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		proberID: proberID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListAvailable returns the targets this prober may currently submit
// checks for (targets inside a cooldown window are filtered out).
func (c *Client) ListAvailable(ctx context.Context) ([]AvailableTarget, error) {
	var targets []AvailableTarget
	if err := c.do(ctx, "GET", "/api/v1/probes/available", nil, &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// Submit executes a server-side probe of the target attributed to this
// prober. location is a free-form tag like "berlin"; loc is optional.
func (c *Client) Submit(ctx context.Context, targetID, location string, loc *LocationDetails) (*Check, error) {
	body := map[string]interface{}{
		"target_id": targetID,
		"location":  location,
	}
	if loc != nil {
		body["location_info"] = loc
	}
	var check Check
	if err := c.do(ctx, "POST", "/api/v1/probes/submit", body, &check); err != nil {
		return nil, err
	}
	return &check, nil
}

// Wallet fetches this prober's balance and recent ledger entries.
func (c *Client) Wallet(ctx context.Context) (*WalletStatement, error) {
	var stmt WalletStatement
	if err := c.do(ctx, "GET", "/api/v1/wallets/"+c.proberID, nil, &stmt); err != nil {
		return nil, err
	}
	return &stmt, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Prober-ID", c.proberID)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(apiErr)
		if raw := resp.Header.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
