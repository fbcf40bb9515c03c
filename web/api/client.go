// Package api provides a client for communicating with the topology API.
package api

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

	"github.com/narvanalabs/topology-console/internal/models"
)

// Client is an API client for the topology API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithToken returns a new client that sends token as a bearer credential,
// for deployments behind an authenticating proxy.
func (c *Client) WithToken(token string) *Client {
	return &Client{
		baseURL:    c.baseURL,
		httpClient: c.httpClient,
		token:      token,
	}
}

// Close releases idle connections held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Error is a non-2xx response from the API.
type Error struct {
	StatusCode int            `json:"-"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RequestID  string         `json:"request_id"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsMalformedTopology reports whether err says the registry is not a single
// rooted tree.
func IsMalformedTopology(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity
}

// ListNodes fetches all nodes ordered by ascending id.
func (c *Client) ListNodes(ctx context.Context) ([]models.NodeRecord, error) {
	var nodes []models.NodeRecord
	err := c.get(ctx, "/v1/nodes", &nodes)
	return nodes, err
}

// GetNode fetches a single node.
func (c *Client) GetNode(ctx context.Context, id models.NodeID) (*models.NodeRecord, error) {
	var node models.NodeRecord
	if err := c.get(ctx, "/v1/nodes/"+id.String(), &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// RegisterNode registers or updates a node.
func (c *Client) RegisterNode(ctx context.Context, node models.NodeRecord) (*models.NodeRecord, error) {
	body := map[string]any{
		"id":        node.ID,
		"parent_id": node.ParentID,
		"hostname":  node.Hostname,
		"address":   node.Address,
	}
	var created models.NodeRecord
	if err := c.do(ctx, http.MethodPost, "/v1/nodes", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteNode removes a leaf node.
func (c *Client) DeleteNode(ctx context.Context, id models.NodeID) error {
	return c.do(ctx, http.MethodDelete, "/v1/nodes/"+id.String(), nil, nil)
}

// GetTree fetches the registry as a rooted tree.
func (c *Client) GetTree(ctx context.Context) (*models.TreeNode, error) {
	var tree models.TreeNode
	if err := c.get(ctx, "/v1/nodes/tree", &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

// ListEvents fetches the event log in append order, restricted to groups
// when any are given.
func (c *Client) ListEvents(ctx context.Context, groups ...string) ([]models.EventRecord, error) {
	path := "/v1/events"
	if len(groups) > 0 {
		q := url.Values{}
		for _, g := range groups {
			q.Add("group", g)
		}
		path += "?" + q.Encode()
	}
	var events []models.EventRecord
	err := c.get(ctx, path, &events)
	return events, err
}

// FetchEvents fetches the events of one group. It lets a Client serve as the
// event source of a status sync.
func (c *Client) FetchEvents(ctx context.Context, groupKey string) ([]models.EventRecord, error) {
	return c.ListEvents(ctx, groupKey)
}

// AppendEvent appends an install event.
func (c *Client) AppendEvent(ctx context.Context, nodeID models.NodeID, groupKey string, status models.StatusLabel) (*models.EventRecord, error) {
	body := map[string]any{
		"node_id":   nodeID,
		"group_key": groupKey,
		"status":    status,
	}
	var created models.EventRecord
	if err := c.do(ctx, http.MethodPost, "/v1/events", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListGroups fetches the distinct group keys of the event log.
func (c *Client) ListGroups(ctx context.Context) ([]string, error) {
	var groups []string
	err := c.get(ctx, "/v1/groups", &groups)
	return groups, err
}

// Ping checks that the API answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var body map[string]any
	return c.get(ctx, "/health", &body)
}

// get performs a GET request and unmarshals the response.
func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

// do performs a request with an optional JSON body and unmarshals a 2xx
// response into result when result is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &Error{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
