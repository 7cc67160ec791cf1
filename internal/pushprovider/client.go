// Package pushprovider requests device tokens from the push-delivery provider.
package pushprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrNoToken = errors.New("pushprovider: provider returned no token")

// Client issues tokens that make the provider deliver to Endpoint.
type Client struct {
	BaseURL  string
	Endpoint string
	HTTP     *http.Client
}

type tokenRequest struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// RequestToken asks the provider for a token scoped to userID.
func (c *Client) RequestToken(ctx context.Context, userID string) (string, error) {
	if c.BaseURL == "" {
		return "", errors.New("pushprovider: no provider url configured")
	}
	body, err := json.Marshal(tokenRequest{UserID: userID, Endpoint: c.Endpoint})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.BaseURL, "/")+"/v1/tokens", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("pushprovider: request token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("pushprovider: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("pushprovider: decode: %w", err)
	}
	if out.Token == "" {
		return "", ErrNoToken
	}
	return out.Token, nil
}
