// Package directory is the HTTP client for the external Directory service,
// which owns user profiles (topics, seniority, onboarding state) and the
// search policy (block/flag-count checks). The core never implements these;
// it only asks.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Profile is the matching-relevant slice of a user's profile.
type Profile struct {
	Topics    []string `json:"topics"`
	Seniority string   `json:"seniority"`
	Onboarded bool     `json:"onboarded"`
}

// SearchPolicy is the Directory's verdict on whether a user may search.
// When Allowed is false, Reason and FlagCount explain why (e.g. five or
// more accumulated flags).
type SearchPolicy struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
	FlagCount int    `json:"flag_count"`
}

// Client calls the Directory service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the Directory at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetProfile fetches the user's profile.
func (c *Client) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	if err := c.get(ctx, fmt.Sprintf("%s/users/%s/profile", c.baseURL, userID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CanSearch asks whether the user is currently allowed to search.
func (c *Client) CanSearch(ctx context.Context, userID string) (*SearchPolicy, error) {
	var p SearchPolicy
	if err := c.get(ctx, fmt.Sprintf("%s/users/%s/can-search", c.baseURL, userID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("directory: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory: unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("directory: decode response: %w", err)
	}
	return nil
}
