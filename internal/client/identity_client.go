package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/campusworks/be-travel-requests/internal/httpclient"
	"github.com/campusworks/be-travel-requests/internal/service"
)

// IdentityClient implements service.IdentityResolver against the campus
// identity HTTP service. Lookups are read-only and idempotent; per-call
// timeouts come from the underlying HTTP client.
type IdentityClient struct {
	client *httpclient.Client
}

// NewIdentityClient creates a new identity service client.
func NewIdentityClient(baseURL string, timeout time.Duration) *IdentityClient {
	return &IdentityClient{
		client: httpclient.NewClient(baseURL, timeout),
	}
}

// Resolve returns the identity record for a person id of the given type.
func (c *IdentityClient) Resolve(ctx context.Context, id, idType string) (*service.Identity, error) {
	path := fmt.Sprintf("/api/v1/people/resolve?id=%s&id_type=%s",
		url.QueryEscape(id), url.QueryEscape(idType))

	var identity service.Identity
	if err := c.client.Get(ctx, path, &identity); err != nil {
		return nil, fmt.Errorf("failed to resolve identity %s:%s: %w", idType, id, err)
	}
	return &identity, nil
}
