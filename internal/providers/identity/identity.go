// Package identity authenticates callers and resolves wallet handles against
// the identity provider.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/smallbiznis/mintflow/internal/providers/httpjson"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.identity",
	fx.Provide(NewFromConfig),
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnavailable     = errors.New("identity_unavailable")
)

const defaultCacheSize = 4096

type Account struct {
	AccountID string `json:"accountId"`
	Handle    string `json:"handle"`
}

type Provider interface {
	Authenticate(ctx context.Context, token string) (Account, error)
	// ResolveAccount returns "" when the handle has no account.
	ResolveAccount(ctx context.Context, handle string) (string, error)
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// handle -> account id; only positive resolutions are cached
	resolved *lru.Cache
}

func NewFromConfig(cfg config.Config) (Provider, error) {
	return New(cfg.Identity)
}

func New(cfg config.IdentityConfig) (*Client, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    strings.TrimSpace(cfg.BaseURL),
		apiKey:     cfg.APIKey,
		httpClient: httpjson.NewClient(cfg.Timeout),
		resolved:   cache,
	}, nil
}

func (c *Client) Authenticate(ctx context.Context, token string) (Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Account{}, ErrUnauthenticated
	}

	var out Account
	err := httpjson.Do(ctx, c.httpClient, http.MethodGet,
		httpjson.JoinURL(c.baseURL, "/v1/me"), httpjson.Bearer(token), nil, &out)
	if err != nil {
		var statusErr *httpjson.StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
			return Account{}, ErrUnauthenticated
		}
		return Account{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(out.AccountID) == "" || strings.TrimSpace(out.Handle) == "" {
		return Account{}, ErrUnauthenticated
	}
	return out, nil
}

func (c *Client) ResolveAccount(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return "", nil
	}
	if cached, ok := c.resolved.Get(handle); ok {
		return cached.(string), nil
	}

	var out Account
	endpoint := httpjson.JoinURL(c.baseURL, "/v1/accounts/resolve") + "?handle=" + url.QueryEscape(handle)
	err := httpjson.Do(ctx, c.httpClient, http.MethodGet, endpoint, httpjson.Bearer(c.apiKey), nil, &out)
	if err != nil {
		var statusErr *httpjson.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	accountID := strings.TrimSpace(out.AccountID)
	if accountID != "" {
		c.resolved.Add(handle, accountID)
	}
	return accountID, nil
}
