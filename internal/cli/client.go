package cli

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

	"github.com/better-wallet/provider-bridge/internal/approval"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
)

// Client talks to the bridge administration API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newClient(baseURL, token string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("admin url is required (--admin-url or BRIDGECTL_ADMIN_URL)")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse admin url: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("admin token is required (--token or BRIDGECTL_ADMIN_TOKEN)")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, httpClient: httpClient}, nil
}

type sessionsResponse struct {
	Data    []types.Session        `json:"data"`
	Pending []types.PendingRequest `json:"pending"`
}

func (c *Client) Grants(ctx context.Context) ([]types.PermissionGrant, error) {
	var out struct {
		Data []types.PermissionGrant `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/permissions", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Revoke(ctx context.Context, origin string) error {
	return c.do(ctx, http.MethodDelete, "/v1/permissions?origin="+url.QueryEscape(origin), nil, nil)
}

func (c *Client) Sessions(ctx context.Context) (*sessionsResponse, error) {
	var out sessionsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Approvals(ctx context.Context) ([]approval.Prompt, error) {
	var out struct {
		Data []approval.Prompt `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/approvals", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Resolve(ctx context.Context, id string, d approval.Decision) error {
	return c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(id), d, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var appErr apperrors.AppError
		if err := json.NewDecoder(resp.Body).Decode(&appErr); err != nil || appErr.Code == "" {
			return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		appErr.StatusCode = resp.StatusCode
		return &appErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
