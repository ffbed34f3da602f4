// Package edgegap implements provision.Client against the Edgegap
// REST API.
package edgegap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edgelobby/edgelobby/provision"
	"github.com/joeshaw/envdecode"
)

// Config for the Edgegap API client. Defaults can be loaded via
// envdecode.
type Config struct {
	// BaseURL of the API. ENV: EDGEGAP_BASE_URL
	BaseURL string `env:"EDGEGAP_BASE_URL,default=https://api.edgegap.com/"`
	// APIKey used in the authorization header. ENV: EDGEGAP_API_KEY
	APIKey string `env:"EDGEGAP_API_KEY"`
	// Timeout per HTTP round trip.
	Timeout time.Duration `env:"EDGEGAP_HTTP_TIMEOUT,default=10s"`
}

// Client talks to the Edgegap sessions and applications APIs.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ provision.Client = (*Client)(nil)

// New builds a Client. The API key must be set.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("edgegap: missing API key")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.edgegap.com/"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(base, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// NewFromEnv builds a Client using envdecode to populate Config.
func NewFromEnv() (*Client, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (c *Client) CreateSession(ctx context.Context, req provision.CreateSessionRequest) (*provision.Session, error) {
	var out provision.Session
	if err := c.do(ctx, http.MethodPost, "/v1/session", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*provision.Session, error) {
	var out provision.Session
	if err := c.do(ctx, http.MethodGet, "/v1/session/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/session/"+url.PathEscape(sessionID), nil, nil)
}

func (c *Client) GetApplication(ctx context.Context, appName string) (*provision.Application, error) {
	var out provision.Application
	if err := c.do(ctx, http.MethodGet, "/v1/app/"+url.PathEscape(appName), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetAppVersion(ctx context.Context, appName, version string) (*provision.AppVersion, error) {
	var out provision.AppVersion
	path := "/v1/app/" + url.PathEscape(appName) + "/version/" + url.PathEscape(version)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type errorBody struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &provision.APIError{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Message != "" {
			apiErr.Message = eb.Message
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
