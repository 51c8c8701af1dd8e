// Package rest is a minimal Signal K REST client.
//
// see also
// - api: https://signalk.org/specification/1.7.0/doc/rest_api.html
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dratasich/signalk-go-client-sdk/events"
)

var (
	ErrUnauthorized = errors.New("rest: unauthorized")
	ErrNotFound     = errors.New("rest: not found")
)

const (
	discoveryPath   = "/signalk"
	selfPath        = "/signalk/v1/api/vessels/self"
	vesselsPath     = "/signalk/v1/api/vessels"
	sourcesPath     = "/signalk/v1/api/sources"
	conversionsPath = "/plugins/signalk-units-preference/conversions"
)

// StatusError is returned for any non successful response
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rest: http %d", e.StatusCode)
	}
	return fmt.Sprintf("rest: http %d: %s", e.StatusCode, e.Message)
}

// Client of a Signal K server
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient constructs a client for e.g. `http://localhost:3000`
func NewClient(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("rest: empty base url")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Discovery document served at `/signalk`
type Discovery struct {
	Endpoints map[string]Endpoint `json:"endpoints"`
	Server    ServerInfo          `json:"server"`
}

type Endpoint struct {
	Version string `json:"version"`
	HTTP    string `json:"signalk-http"`
	WS      string `json:"signalk-ws"`
	TCP     string `json:"signalk-tcp,omitempty"`
}

type ServerInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// StreamURL returns the websocket url of the v1 api, empty if not advertised
func (d Discovery) StreamURL() string {
	return d.Endpoints["v1"].WS
}

// Discover fetches the discovery document
func (c *Client) Discover(ctx context.Context) (Discovery, error) {
	var d Discovery
	if err := c.doJSON(ctx, http.MethodGet, discoveryPath, nil, &d); err != nil {
		return Discovery{}, err
	}
	return d, nil
}

// FetchSelf fetches the full data tree of the own vessel
func (c *Client) FetchSelf(ctx context.Context) (map[string]any, error) {
	var tree map[string]any
	if err := c.doJSON(ctx, http.MethodGet, selfPath, nil, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// FetchVessels fetches the data trees of all known vessels keyed by id
func (c *Client) FetchVessels(ctx context.Context) (map[string]any, error) {
	var vessels map[string]any
	if err := c.doJSON(ctx, http.MethodGet, vesselsPath, nil, &vessels); err != nil {
		return nil, err
	}
	return vessels, nil
}

// FetchSources fetches the source/metadata tree
func (c *Client) FetchSources(ctx context.Context) (map[string]any, error) {
	var sources map[string]any
	if err := c.doJSON(ctx, http.MethodGet, sourcesPath, nil, &sources); err != nil {
		return nil, err
	}
	return sources, nil
}

// FetchConversions fetches the units preference snapshot
//
// The plugin answers either with the bare path map or wrapped in
// `{"conversions": {...}}`.
func (c *Client) FetchConversions(ctx context.Context) (map[string]events.PathConversion, error) {
	var raw map[string]any
	if err := c.doJSON(ctx, http.MethodGet, conversionsPath, nil, &raw); err != nil {
		return nil, err
	}
	if inner, ok := raw["conversions"].(map[string]any); ok {
		raw = inner
	}
	conv, err := events.DecodeConversions(raw)
	if err != nil {
		return nil, fmt.Errorf("rest: decode conversions: %w", err)
	}
	return conv, nil
}

// Put writes a value to a path of the own vessel
//
// The server may answer 200 (done) or 202 (accepted, pending); both are
// treated as success.
func (c *Client) Put(ctx context.Context, path string, value any) error {
	if path == "" {
		return errors.New("rest: empty path")
	}
	body := map[string]any{"value": value}
	log.Debug().Msgf("PUT %s: %v", path, value)
	return c.doJSON(ctx, http.MethodPut, selfPath+"/"+PathToURL(path), body, nil)
}

// PathToURL turns `steering.autopilot.target` into `steering/autopilot/target`
func PathToURL(path string) string {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode >= 300:
		return &StatusError{StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// readMessage extracts the message of an error response
func readMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var m struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &m) == nil && m.Message != "" {
		return m.Message
	}
	return strings.TrimSpace(string(data))
}
