package api

import (
	"context"
	"fmt"
	"net/url"
)

// Authenticate exchanges account credentials for a token. The discovery
// endpoint names the token service; its absence aborts before any
// credentials are sent.
func (c *Client) Authenticate(ctx context.Context, username, password string) (string, error) {
	var info struct {
		AuthInfo struct {
			TokenServicesURL string `json:"tokenServicesUrl"`
		} `json:"authInfo"`
	}
	if err := c.postForm(ctx, c.DiscoveryURL, nil, &info); err != nil {
		return "", fmt.Errorf("discovery: %w", err)
	}
	tokenURL := info.AuthInfo.TokenServicesURL
	if tokenURL == "" {
		return "", ErrMissingTokenService
	}

	form := url.Values{
		"username": {username},
		"password": {password},
		"client":   {"referer"},
		"referer":  {"batchGeocode"},
		"f":        {"json"},
	}
	var response struct {
		Token string `json:"token"`
	}
	if err := c.postForm(ctx, tokenURL, form, &response); err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	if response.Token == "" {
		return "", ErrMissingToken
	}
	return response.Token, nil
}
