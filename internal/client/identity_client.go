package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// IdentityHTTPClient implements service.IdentityClient against the platform
// identity service's REST API.
type IdentityHTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewIdentityHTTPClient creates a client for the identity service.
func NewIdentityHTTPClient(baseURL string) *IdentityHTTPClient {
	return &IdentityHTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// GetUserRoles returns the role names a user holds.
func (c *IdentityHTTPClient) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	var resp struct {
		Roles []string `json:"roles"`
	}
	endpoint := fmt.Sprintf("%s/api/v1/users/roles?user_id=%s", c.baseURL, url.QueryEscape(userID))
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Roles, nil
}

// GetUsersWithRole returns user IDs holding the given role.
func (c *IdentityHTTPClient) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	var resp struct {
		UserIDs []string `json:"user_ids"`
	}
	endpoint := fmt.Sprintf("%s/api/v1/users?role=%s", c.baseURL, url.QueryEscape(role))
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.UserIDs, nil
}

func (c *IdentityHTTPClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
