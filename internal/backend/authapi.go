package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/fieldscout/synccore/internal/models"
)

// TokenPair is the result of a password or refresh grant.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
}

// tokenResponse is the wire shape of the auth token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

// SignIn exchanges credentials for a token pair.
func (c *Client) SignIn(ctx context.Context, email, password string) (TokenPair, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return TokenPair{}, fmt.Errorf("backend: encoding sign-in: %w", err)
	}
	return c.tokenGrant(ctx, "password", body)
}

// RefreshGrant exchanges a refresh token for a fresh token pair.
func (c *Client) RefreshGrant(ctx context.Context, refreshToken string) (TokenPair, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return TokenPair{}, fmt.Errorf("backend: encoding refresh: %w", err)
	}
	return c.tokenGrant(ctx, "refresh_token", body)
}

// tokenGrant posts to the token endpoint with the given grant type.
// Token calls skip the resource path and carry no bearer header beyond
// the api key; a stale bearer must not poison a refresh.
func (c *Client) tokenGrant(ctx context.Context, grantType string, body []byte) (TokenPair, error) {
	q := url.Values{}
	q.Set("grant_type", grantType)

	respBody, err := c.doUnauthenticated(ctx, http.MethodPost, "/auth/v1/token", q, body)
	if err != nil {
		return TokenPair{}, err
	}

	var decoded tokenResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return TokenPair{}, fmt.Errorf("backend: decoding token response: %w", err)
	}
	return TokenPair{
		AccessToken:  decoded.AccessToken,
		RefreshToken: decoded.RefreshToken,
		UserID:       decoded.User.ID,
	}, nil
}

// tenantBindingRow is the wire shape of the user-to-tenant binding.
type tenantBindingRow struct {
	UserID   models.UUID `json:"user_id"`
	TenantID models.UUID `json:"tenant_id"`
}

// FetchTenantBinding returns the tenant id bound to a user. The bearer
// token is passed explicitly because this runs during sign-in, before
// the token provider holds a credential.
func (c *Client) FetchTenantBinding(ctx context.Context, accessToken string, userID models.UUID) (models.UUID, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID.String())
	q.Set("select", "user_id,tenant_id")

	respBody, err := c.doWithBearer(ctx, http.MethodGet, c.resourcePath("tenant_members"), q, nil, accessToken)
	if err != nil {
		return "", err
	}

	var rows []tenantBindingRow
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return "", fmt.Errorf("backend: decoding tenant binding: %w", err)
	}
	if len(rows) == 0 || rows[0].TenantID == "" {
		return "", fmt.Errorf("backend: no tenant binding for user %s", userID)
	}
	return rows[0].TenantID, nil
}

// tenantRow is the wire shape of tenant display metadata.
type tenantRow struct {
	ID   models.UUID `json:"id"`
	Name string      `json:"name"`
}

// FetchTenantName returns the tenant display name. Callers treat a
// failure here as soft; sign-in proceeds without a name.
func (c *Client) FetchTenantName(ctx context.Context, accessToken string, tenantID models.UUID) (string, error) {
	q := url.Values{}
	q.Set("id", "eq."+tenantID.String())
	q.Set("select", "id,name")

	respBody, err := c.doWithBearer(ctx, http.MethodGet, c.resourcePath("tenants"), q, nil, accessToken)
	if err != nil {
		return "", err
	}

	var rows []tenantRow
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return "", fmt.Errorf("backend: decoding tenant row: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("backend: tenant %s not found", tenantID)
	}
	return rows[0].Name, nil
}

// doUnauthenticated executes a request with the api key only.
func (c *Client) doUnauthenticated(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	return c.doBearer(ctx, method, path, query, body, "", c.config.RequestTimeout, "")
}

// doWithBearer executes a request with an explicit bearer token,
// bypassing the token provider. Used during sign-in, before the
// provider holds a credential.
func (c *Client) doWithBearer(ctx context.Context, method, path string, query url.Values, body []byte, bearer string) ([]byte, error) {
	return c.doBearer(ctx, method, path, query, body, "", c.config.RequestTimeout, bearer)
}
