// Package identity is the boundary to the platform identity/authorization
// service: role membership and account lookup. Results are cached in Redis
// with a short TTL; calls to the service authenticate with a cached
// machine-to-machine token.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/errs"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
)

const (
	m2mTokenKey   = "fulfillment:m2m_token"
	roleCacheKey  = "fulfillment:roles:"
	roleCacheTTL  = 2 * time.Minute
	tokenCacheTTL = 4 * time.Minute
)

// Service is what the API layer and the transfer engine depend on.
type Service interface {
	Roles(ctx context.Context, accountID string) ([]models.Role, error)
	AccountByEmail(ctx context.Context, email string) (string, error)
}

// Authorize is the single centralized role check performed before any
// handler mutates state. No component performs its own ad-hoc check.
func Authorize(actor models.Actor, required models.Role) error {
	if actor.HasRole(required) {
		return nil
	}
	return errs.Authorization("missing_role",
		fmt.Sprintf("role %q required", required))
}

// AuthorizeAny passes when the actor holds at least one of the given roles.
func AuthorizeAny(actor models.Actor, roles ...models.Role) error {
	for _, role := range roles {
		if actor.HasRole(role) {
			return nil
		}
	}
	return errs.Authorization("missing_role",
		fmt.Sprintf("one of roles %v required", roles))
}

type Client struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTP         *http.Client
	Redis        *redis.Client
	Logger       *logger.Logger
}

func NewClient(cfg config.AuthConfig, rdb *redis.Client, httpClient *http.Client, log *logger.Logger) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(cfg.IdentityBaseURL, "/"),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		HTTP:         httpClient,
		Redis:        rdb,
		Logger:       log,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// m2mToken returns a cached machine-to-machine token, fetching a fresh one
// via client credentials when the cache is cold.
func (c *Client) m2mToken(ctx context.Context) (string, error) {
	if cached, err := c.Redis.Get(ctx, m2mTokenKey).Result(); err == nil && cached != "" {
		return cached, nil
	}

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", c.ClientID)
	data.Set("client_secret", c.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/oauth/token", strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("m2m token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("m2m token request failed with status %s", resp.Status)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}

	if err := c.Redis.Set(ctx, m2mTokenKey, tok.AccessToken, tokenCacheTTL).Err(); err != nil {
		c.Logger.Warn("IDENTITY", fmt.Sprintf("failed to cache m2m token: %v", err))
	}
	return tok.AccessToken, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	token, err := c.m2mToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusNotFound:
		return errs.NotFound("identity_not_found", "identity not found")
	default:
		return fmt.Errorf("identity service returned %s for %s", resp.Status, path)
	}
}

// Roles returns the roles of an account, served from Redis when warm.
func (c *Client) Roles(ctx context.Context, accountID string) ([]models.Role, error) {
	cacheKey := roleCacheKey + accountID
	if cached, err := c.Redis.Get(ctx, cacheKey).Result(); err == nil && cached != "" {
		var roles []models.Role
		if err := json.Unmarshal([]byte(cached), &roles); err == nil {
			return roles, nil
		}
	}

	var payload struct {
		Roles []models.Role `json:"roles"`
	}
	if err := c.get(ctx, "/accounts/"+url.PathEscape(accountID)+"/roles", &payload); err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(payload.Roles); err == nil {
		if err := c.Redis.Set(ctx, cacheKey, encoded, roleCacheTTL).Err(); err != nil {
			c.Logger.Warn("IDENTITY", fmt.Sprintf("failed to cache roles for %s: %v", accountID, err))
		}
	}
	return payload.Roles, nil
}

// AccountByEmail resolves an email to an account ID. Used by the transfer
// engine's recipient resolution fallback.
func (c *Client) AccountByEmail(ctx context.Context, email string) (string, error) {
	var payload struct {
		AccountID string `json:"account_id"`
	}
	if err := c.get(ctx, "/accounts/lookup?email="+url.QueryEscape(email), &payload); err != nil {
		return "", err
	}
	return payload.AccountID, nil
}
