package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/drblury/matchwatch/internal/model"
	"github.com/drblury/matchwatch/internal/runtime/jsoncodec"
)

// NewHTTPClient returns an http.Client with dial and handshake timeouts.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// HTTPStore talks to the registry service.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore targets the registry service at baseURL. A bare host:port is
// treated as http.
func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	return &HTTPStore{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *HTTPStore) List(ctx context.Context) ([]model.TrackedEntity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/get_summoners", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list", resp)
	}
	var entities []model.TrackedEntity
	if err := jsoncodec.Decode(resp.Body, &entities); err != nil {
		return nil, fmt.Errorf("registry: decode list: %w", err)
	}
	return entities, nil
}

func (s *HTTPStore) Add(ctx context.Context, reg Registration) error {
	return s.post(ctx, "/add_summoner", reg, http.StatusCreated)
}

func (s *HTTPStore) Update(ctx context.Context, reg Registration) error {
	return s.post(ctx, "/update_summoner", reg, http.StatusOK)
}

func (s *HTTPStore) post(ctx context.Context, path string, reg Registration, want int) error {
	body, err := jsoncodec.Marshal(reg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("registry: %s: %w", strings.TrimPrefix(path, "/"), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return statusError(strings.TrimPrefix(path, "/"), resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(msg))
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s: %s", ErrValidation, op, detail)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	default:
		return fmt.Errorf("registry: %s: unexpected status %d: %s", op, resp.StatusCode, detail)
	}
}
