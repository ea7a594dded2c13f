package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
)

// Envelope is the response wrapper used by the session state endpoint.
type Envelope[T any] struct {
	Result int    `json:"result"`
	Msg    string `json:"msg"`
	Data   T      `json:"data"`
}

// Client fetches session state from the classroom REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client for baseURL (for example
// http://localhost:8080/api) authenticating with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchSnapshot returns the roster and stored strokes of a session.
func (c *Client) FetchSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	endpoint := c.baseURL + "/sessions/" + url.PathEscape(sessionID) + "/state"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create http request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "http request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env Envelope[domain.Snapshot]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(err, "unmarshal response")
	}
	if env.Result != 0 {
		return nil, errors.Errorf("API error (result=%d): %s", env.Result, env.Msg)
	}
	return &env.Data, nil
}
