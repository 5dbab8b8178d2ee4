package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"golang.org/x/sync/singleflight"
)

// DefaultDiscoveryTTL is how long provider metadata is cached.
const DefaultDiscoveryTTL = 30 * time.Minute

// ProviderMetadata is the subset of the OpenID provider configuration
// the agent uses.
type ProviderMetadata struct {
	Issuer                      string   `json:"issuer"`
	AuthorizationEndpoint       string   `json:"authorization_endpoint"`
	TokenEndpoint               string   `json:"token_endpoint"`
	RegistrationEndpoint        string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint          string   `json:"revocation_endpoint,omitempty"`
	DeviceAuthorizationEndpoint string   `json:"device_authorization_endpoint,omitempty"`
	GrantTypesSupported         []string `json:"grant_types_supported,omitempty"`
	ScopesSupported             []string `json:"scopes_supported,omitempty"`
}

type metadataCacheEntry struct {
	metadata  *ProviderMetadata
	fetchedAt time.Time
}

// Discovery resolves issuer URLs to provider metadata. Results are
// cached and concurrent lookups for one issuer share a single fetch.
type Discovery struct {
	httpClient *http.Client
	logger     *slog.Logger
	ttl        time.Duration

	mu    sync.RWMutex
	cache map[string]*metadataCacheEntry
	group singleflight.Group
}

// NewDiscovery creates a metadata resolver.
func NewDiscovery(httpClient *http.Client, logger *slog.Logger, ttl time.Duration) *Discovery {
	if ttl <= 0 {
		ttl = DefaultDiscoveryTTL
	}

	return &Discovery{
		httpClient: httpClient,
		logger:     logger,
		ttl:        ttl,
		cache:      make(map[string]*metadataCacheEntry),
	}
}

// Discover fetches the provider configuration for issuer. It tries
// OpenID Connect discovery first and falls back to RFC 8414.
func (d *Discovery) Discover(ctx context.Context, issuer string) (*ProviderMetadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")
	if issuer == "" {
		return nil, fmt.Errorf("%w: issuer url is empty", apperrors.ErrConfig)
	}

	if md := d.cached(issuer); md != nil {
		return md, nil
	}

	result, err, _ := d.group.Do(issuer, func() (interface{}, error) {
		if md := d.cached(issuer); md != nil {
			return md, nil
		}

		return d.fetch(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}

	return result.(*ProviderMetadata), nil
}

// Forget drops a cached entry so the next lookup refetches it.
func (d *Discovery) Forget(issuer string) {
	d.mu.Lock()
	delete(d.cache, strings.TrimSuffix(issuer, "/"))
	d.mu.Unlock()
}

func (d *Discovery) cached(issuer string) *ProviderMetadata {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.cache[issuer]
	if !ok || time.Since(entry.fetchedAt) >= d.ttl {
		return nil
	}

	return entry.metadata
}

func (d *Discovery) fetch(ctx context.Context, issuer string) (*ProviderMetadata, error) {
	md, err := d.fetchMetadata(ctx, issuer+"/.well-known/openid-configuration")
	if err != nil {
		d.logger.Debug("openid configuration fetch failed, trying RFC 8414",
			slog.String("issuer", issuer),
			slog.String("error", err.Error()),
		)

		md, err = d.fetchMetadata(ctx, issuer+"/.well-known/oauth-authorization-server")
		if err != nil {
			return nil, fmt.Errorf("%w: could not discover configuration for %s: %v", apperrors.ErrConfig, issuer, err)
		}
	}

	d.mu.Lock()
	d.cache[issuer] = &metadataCacheEntry{metadata: md, fetchedAt: time.Now()}
	d.mu.Unlock()

	d.logger.Debug("cached provider metadata",
		slog.String("issuer", issuer),
		slog.String("token_endpoint", md.TokenEndpoint),
	)

	return md, nil
}

func (d *Discovery) fetchMetadata(ctx context.Context, metadataURL string) (*ProviderMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	var md ProviderMetadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}

	if md.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata has no token_endpoint")
	}

	return &md, nil
}
