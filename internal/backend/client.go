// Package backend provides the tenant-scoped cloud API client.
//
// Resource calls are PostgREST-style: filters in the query string,
// bearer token plus api key headers, Prefer headers controlling write
// behavior. Every call carries an explicit timeout so a stalled socket
// cannot block a poll cycle indefinitely. Non-2xx responses surface as
// *errors.HTTPError for the caller's outcome classification.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/fieldscout/synccore/internal/errors"
	"github.com/fieldscout/synccore/internal/models"
)

// TokenProvider supplies the current bearer token and tenant binding.
// Implemented by the credential lifecycle manager.
type TokenProvider interface {
	AccessToken() string
	TenantID() models.UUID
}

// Config holds backend connection configuration.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration // writes and auth calls
	PullTimeout    time.Duration // list pulls
}

// Client is the tenant-scoped REST client.
type Client struct {
	config     Config
	httpClient *http.Client
	tokens     TokenProvider
}

// NewClient creates a backend client. tokens may be nil for auth-only
// usage (sign-in happens before any token exists).
func NewClient(config Config, tokens TokenProvider) *Client {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.PullTimeout <= 0 {
		config.PullTimeout = 30 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		tokens: tokens,
	}
}

// SetTokenProvider attaches the token source after construction. The
// lifecycle manager and the client reference each other, so one side is
// wired late.
func (c *Client) SetTokenProvider(tokens TokenProvider) {
	c.tokens = tokens
}

// List performs a tenant-filtered GET on a resource and returns the raw
// JSON array body.
func (c *Client) List(ctx context.Context, resource string, filters url.Values) ([]byte, error) {
	q := url.Values{}
	for k, vs := range filters {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if c.tokens != nil {
		if tenant := c.tokens.TenantID(); tenant != "" {
			q.Set("tenant_id", "eq."+tenant.String())
		}
	}
	return c.do(ctx, http.MethodGet, c.resourcePath(resource), q, nil, "", c.config.PullTimeout)
}

// Insert POSTs a new record. upsert adds the merge-duplicates preference
// so replaying an accepted create is harmless.
func (c *Client) Insert(ctx context.Context, resource string, body []byte, upsert bool) error {
	prefer := "return=minimal"
	if upsert {
		prefer = "return=minimal,resolution=merge-duplicates"
	}
	_, err := c.do(ctx, http.MethodPost, c.resourcePath(resource), nil, body, prefer, c.config.RequestTimeout)
	return err
}

// Update PATCHes a record by id within the tenant scope.
func (c *Client) Update(ctx context.Context, resource string, id models.UUID, body []byte) error {
	q := c.idFilter(id)
	_, err := c.do(ctx, http.MethodPatch, c.resourcePath(resource), q, body, "return=minimal", c.config.RequestTimeout)
	return err
}

// Delete removes a record by id within the tenant scope.
func (c *Client) Delete(ctx context.Context, resource string, id models.UUID) error {
	q := c.idFilter(id)
	_, err := c.do(ctx, http.MethodDelete, c.resourcePath(resource), q, nil, "", c.config.RequestTimeout)
	return err
}

// idFilter builds the id + tenant query filter for a single record.
func (c *Client) idFilter(id models.UUID) url.Values {
	q := url.Values{}
	q.Set("id", "eq."+id.String())
	if c.tokens != nil {
		if tenant := c.tokens.TenantID(); tenant != "" {
			q.Set("tenant_id", "eq."+tenant.String())
		}
	}
	return q
}

// resourcePath maps a resource name onto the REST route.
func (c *Client) resourcePath(resource string) string {
	return "/rest/v1/" + strings.TrimPrefix(resource, "/")
}

// do executes one request with the current provider token and returns
// the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, prefer string, timeout time.Duration) ([]byte, error) {
	bearer := ""
	if c.tokens != nil {
		bearer = c.tokens.AccessToken()
	}
	return c.doBearer(ctx, method, path, query, body, prefer, timeout, bearer)
}

// doBearer executes one request with an explicit bearer token. Non-2xx
// responses return *errors.HTTPError carrying the status and body.
func (c *Client) doBearer(ctx context.Context, method, path string, query url.Values, body []byte, prefer string, timeout time.Duration, bearer string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("backend: building request: %w", err)
	}

	req.Header.Set("apikey", c.config.APIKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("backend: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apperrors.HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
