// Package stats is the Riot Games API client used to resolve players and
// discover their recent TFT matches.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/drblury/matchwatch/internal/runtime/jsoncodec"
)

// ErrNotFound is returned when the API answers 404, for example for an
// unknown Riot ID.
var ErrNotFound = errors.New("stats: not found")

// StatusError carries a non-success HTTP status from the API.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stats: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Config configures the Client.
type Config struct {
	APIKey string
	// Region is the platform routing value (na1, euw1, kr, ...).
	Region string
	// BaseURL replaces the regional Riot hosts, for tests and proxies.
	BaseURL    string
	HTTPClient *http.Client
	// Limiter throttles every request. Nil uses the development key budget
	// of 100 requests per two minutes with a burst of 20.
	Limiter *rate.Limiter
}

// Client calls the account-v1 and tft-match-v1 endpoints.
type Client struct {
	apiKey      string
	accountHost string
	matchHost   string
	httpClient  *http.Client
	limiter     *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("stats: api key is required")
	}
	region := strings.ToLower(cfg.Region)
	if region == "" {
		region = "na1"
	}
	regional, ok := RegionalRoute(region)
	if !ok {
		return nil, fmt.Errorf("stats: unknown region %q", cfg.Region)
	}

	c := &Client{
		apiKey:      cfg.APIKey,
		accountHost: "https://" + accountRoute(regional) + ".api.riotgames.com",
		matchHost:   "https://" + regional + ".api.riotgames.com",
		httpClient:  cfg.HTTPClient,
		limiter:     cfg.Limiter,
	}
	if cfg.BaseURL != "" {
		base := strings.TrimRight(cfg.BaseURL, "/")
		c.accountHost, c.matchHost = base, base
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
				MaxIdleConns:        16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		}
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Every(1200*time.Millisecond), 20)
	}
	return c, nil
}

var regionalRoutes = map[string]string{
	"na1":  "americas",
	"br1":  "americas",
	"la1":  "americas",
	"la2":  "americas",
	"euw1": "europe",
	"eun1": "europe",
	"tr1":  "europe",
	"ru":   "europe",
	"me1":  "europe",
	"kr":   "asia",
	"jp1":  "asia",
	"oc1":  "sea",
	"ph2":  "sea",
	"sg2":  "sea",
	"th2":  "sea",
	"tw2":  "sea",
	"vn2":  "sea",
}

// RegionalRoute maps a platform region to the regional routing value the
// match endpoints are served from.
func RegionalRoute(platform string) (string, bool) {
	r, ok := regionalRoutes[strings.ToLower(platform)]
	return r, ok
}

// account-v1 is not served from sea.
func accountRoute(regional string) string {
	if regional == "sea" {
		return "asia"
	}
	return regional
}

// ResolveIdentity returns the PUUID for a Riot ID.
func (c *Client) ResolveIdentity(ctx context.Context, name, tagline string) (string, error) {
	endpoint := fmt.Sprintf("%s/riot/account/v1/accounts/by-riot-id/%s/%s",
		c.accountHost, url.PathEscape(name), url.PathEscape(tagline))

	var account struct {
		PUUID string `json:"puuid"`
	}
	if err := c.getJSON(ctx, "resolve identity", endpoint, &account); err != nil {
		return "", err
	}
	if account.PUUID == "" {
		return "", fmt.Errorf("stats: resolve identity: %w", ErrNotFound)
	}
	return account.PUUID, nil
}

// ListRecentEventIDs returns up to limit match ids played since the given
// time, newest first.
func (c *Client) ListRecentEventIDs(ctx context.Context, stableID string, since time.Time, limit int) ([]string, error) {
	q := url.Values{}
	q.Set("start_time", strconv.FormatInt(since.Unix(), 10))
	q.Set("count", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("%s/tft/match/v1/matches/by-puuid/%s/ids?%s",
		c.matchHost, url.PathEscape(stableID), q.Encode())

	var ids []string
	if err := c.getJSON(ctx, "list matches", endpoint, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetEventDetails returns the raw match document.
func (c *Client) GetEventDetails(ctx context.Context, eventID string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/tft/match/v1/matches/%s", c.matchHost, url.PathEscape(eventID))

	var raw json.RawMessage
	if err := c.getJSON(ctx, "match details", endpoint, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("stats: %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Riot-Token", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stats: %s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("stats: %s: %w", op, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := jsoncodec.Decode(resp.Body, v); err != nil {
		return fmt.Errorf("stats: %s: decode: %w", op, err)
	}
	return nil
}
