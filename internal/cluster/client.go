package cluster

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

	"github.com/lazypower/strata/internal/graph"
	"github.com/lazypower/strata/internal/registry"
)

// Transport is the peer protocol as seen by the coordinator. Every call
// addresses one peer by its base endpoint.
type Transport interface {
	PushNode(ctx context.Context, endpoint string, n graph.Node) error
	PushEdge(ctx context.Context, endpoint string, e graph.Edge) error
	DeleteNode(ctx context.Context, endpoint, id string) error
	DeleteEdge(ctx context.Context, endpoint string, k graph.EdgeKey) error
	FetchNodes(ctx context.Context, endpoint string) ([]graph.Node, error)
	FetchEdges(ctx context.Context, endpoint string) ([]graph.EdgeRecord, error)
	FetchMembers(ctx context.Context, endpoint string) ([]Member, error)
	Join(ctx context.Context, endpoint string, self Member) ([]Member, error)
	Leave(ctx context.Context, endpoint, nodeID string) error
	Ping(ctx context.Context, endpoint string) error
}

// Wire envelopes for the list endpoints.
type (
	NodesResponse struct {
		Nodes []graph.Node `json:"nodes"`
	}
	EdgesResponse struct {
		Edges []graph.EdgeRecord `json:"edges"`
	}
	MembersResponse struct {
		Members []Member `json:"members"`
	}
)

const defaultPeerTimeout = 2 * time.Second

// StatusError is returned when a peer answers with a non-2xx status.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Client is the HTTP implementation of Transport.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient returns a client whose requests are each bounded by timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultPeerTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}, timeout: timeout}
}

func (c *Client) PushNode(ctx context.Context, endpoint string, n graph.Node) error {
	return c.do(ctx, http.MethodPost, endpoint, "/storage/nodes", n, nil)
}

func (c *Client) PushEdge(ctx context.Context, endpoint string, e graph.Edge) error {
	return c.do(ctx, http.MethodPost, endpoint, "/storage/edges", e, nil)
}

func (c *Client) DeleteNode(ctx context.Context, endpoint, id string) error {
	return c.do(ctx, http.MethodDelete, endpoint, "/storage/nodes/"+url.PathEscape(id), nil, nil)
}

func (c *Client) DeleteEdge(ctx context.Context, endpoint string, k graph.EdgeKey) error {
	return c.do(ctx, http.MethodDelete, endpoint, "/storage/edges/"+url.PathEscape(k.String()), nil, nil)
}

func (c *Client) FetchNodes(ctx context.Context, endpoint string) ([]graph.Node, error) {
	var out NodesResponse
	if err := c.do(ctx, http.MethodGet, endpoint, "/storage/nodes", nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// FetchNode resolves one node on a peer. A 404 is reported as ok=false.
func (c *Client) FetchNode(ctx context.Context, endpoint, id string) (graph.Node, bool, error) {
	var n graph.Node
	err := c.do(ctx, http.MethodGet, endpoint, "/storage/nodes/"+url.PathEscape(id), nil, &n)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return graph.Node{}, false, nil
	}
	if err != nil {
		return graph.Node{}, false, err
	}
	return n, true, nil
}

func (c *Client) FetchEdges(ctx context.Context, endpoint string) ([]graph.EdgeRecord, error) {
	var out EdgesResponse
	if err := c.do(ctx, http.MethodGet, endpoint, "/storage/edges", nil, &out); err != nil {
		return nil, err
	}
	return out.Edges, nil
}

// FetchStats reads a peer's registry stats.
func (c *Client) FetchStats(ctx context.Context, endpoint string) (registry.Stats, error) {
	var out registry.Stats
	err := c.do(ctx, http.MethodGet, endpoint, "/storage/stats", nil, &out)
	return out, err
}

func (c *Client) FetchMembers(ctx context.Context, endpoint string) ([]Member, error) {
	var out MembersResponse
	if err := c.do(ctx, http.MethodGet, endpoint, "/cluster/nodes", nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

// FetchHealth reads a peer's cluster health report.
func (c *Client) FetchHealth(ctx context.Context, endpoint string) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, endpoint, "/cluster/health", nil, &out)
	return out, err
}

// TriggerRepair asks a node to run a repair pass and returns its report.
func (c *Client) TriggerRepair(ctx context.Context, endpoint string) (RepairReport, error) {
	var out RepairReport
	err := c.do(ctx, http.MethodPost, endpoint, "/cluster/repair", nil, &out)
	return out, err
}

func (c *Client) Join(ctx context.Context, endpoint string, self Member) ([]Member, error) {
	var out JoinResponse
	if err := c.do(ctx, http.MethodPost, endpoint, "/cluster/join", JoinRequest{Member: self}, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *Client) Leave(ctx context.Context, endpoint, nodeID string) error {
	return c.do(ctx, http.MethodPost, endpoint, "/cluster/leave", LeaveRequest{NodeID: nodeID}, nil)
}

func (c *Client) Ping(ctx context.Context, endpoint string) error {
	return c.do(ctx, http.MethodGet, endpoint, "/api/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	target := strings.TrimRight(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, URL: target, Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, target, err)
	}
	return nil
}
