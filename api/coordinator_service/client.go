package coordinatorservice

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

	"github.com/sushant-115/gojodb-txncoord/core/transaction"
)

// StatusError is a non-2xx answer from the coordinator API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Code, e.Message)
}

// Client calls the coordinator API of one node.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the node at addr, given as host:port or as
// a URL.
func NewClient(addr string, httpClient *http.Client) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(addr, "/"), http: httpClient}
}

func (c *Client) Create(ctx context.Context, req TxnRequest) error {
	return c.do(ctx, http.MethodPost, "/txn/create", req, nil)
}

// Commit blocks until the node answers with a decision.
func (c *Client) Commit(ctx context.Context, req TxnRequest) (transaction.Decision, error) {
	return c.decision(ctx, "/txn/commit", req)
}

func (c *Client) Recover(ctx context.Context, req TxnRequest) (transaction.Decision, error) {
	return c.decision(ctx, "/txn/recover", req)
}

func (c *Client) Cancel(ctx context.Context, req TxnRequest) error {
	return c.do(ctx, http.MethodPost, "/txn/cancel", req, nil)
}

func (c *Client) Coordinators(ctx context.Context, includeIdle bool) ([]transaction.CoordinatorReport, error) {
	var reports []transaction.CoordinatorReport
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/txn/coordinators?includeIdle=%t", includeIdle), nil, &reports)
	return reports, err
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var status StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

func (c *Client) Join(ctx context.Context, nodeID, raftAddr string) error {
	q := url.Values{"nodeId": {nodeID}, "peerAddress": {raftAddr}}
	return c.do(ctx, http.MethodPost, "/join?"+q.Encode(), nil, nil)
}

func (c *Client) RemovePeer(ctx context.Context, nodeID string) error {
	q := url.Values{"nodeId": {nodeID}}
	return c.do(ctx, http.MethodPost, "/remove_peer?"+q.Encode(), nil, nil)
}

func (c *Client) decision(ctx context.Context, path string, req TxnRequest) (transaction.Decision, error) {
	var resp DecisionResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return transaction.Decision{}, err
	}
	if resp.Decision == nil {
		return transaction.Decision{}, errors.New("coordinator answered without a decision")
	}
	return *resp.Decision, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(raw))
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
