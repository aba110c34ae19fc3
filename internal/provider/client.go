// Package provider wraps the external bank-data aggregator. The client
// is a thin translation layer: one HTTP call per method, no retries, and
// every failure surfaces as a *Error for the caller to classify.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bilancio/internal/core"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
}

// NewClient creates a client for the aggregator API. baseURL selects the
// provider environment (sandbox or production).
func NewClient(baseURL, clientID, secret string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		secret:     secret,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// FetchChanges retrieves a single changefeed page for the given access
// token, starting at cursor. An empty cursor means "from the beginning".
// The caller drives pagination off ChangesPage.HasMore.
func (c *Client) FetchChanges(ctx context.Context, accessToken, cursor string) (*ChangesPage, error) {
	req := struct {
		AccessToken string `json:"access_token"`
		Cursor      string `json:"cursor,omitempty"`
	}{AccessToken: accessToken, Cursor: cursor}

	var page ChangesPage
	if err := c.post(ctx, "/transactions/sync", req, &page); err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "Fetched changefeed page",
		"added", len(page.Added),
		"modified", len(page.Modified),
		"removed", len(page.Removed),
		"has_more", page.HasMore)

	return &page, nil
}

// CreateLinkToken requests a short-lived token the UI needs to open the
// provider's account link flow for the given owner.
func (c *Client) CreateLinkToken(ctx context.Context, ownerID core.OwnerID) (*LinkToken, error) {
	req := struct {
		User struct {
			ClientUserID string `json:"client_user_id"`
		} `json:"user"`
		ClientName string   `json:"client_name"`
		Products   []string `json:"products"`
	}{
		ClientName: "bilancio",
		Products:   []string{"transactions"},
	}
	req.User.ClientUserID = ownerID.String()

	var token LinkToken
	if err := c.post(ctx, "/link/token/create", req, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// ExchangePublicToken trades the public token produced by a completed
// link flow for the durable access token stored per owner.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*AccessGrant, error) {
	req := struct {
		PublicToken string `json:"public_token"`
	}{PublicToken: publicToken}

	var grant AccessGrant
	if err := c.post(ctx, "/item/public_token/exchange", req, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Provider-Client-Id", c.clientID)
	req.Header.Set("Provider-Secret", c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Status: resp.StatusCode, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		perr := &Error{Status: resp.StatusCode}
		// Best effort: the provider sends {error_code, error_message} on failure.
		_ = json.Unmarshal(raw, perr)
		return perr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Status: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	return nil
}
