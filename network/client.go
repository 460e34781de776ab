// Package network implements the HTTP overlay of a node: peer handshakes,
// discovery, gossip of transactions, slices and blocks, and retrieval of
// objects the local pipeline is missing.
package network

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/core/types"
	"github.com/bywise/go-bywise/params"
)

// NodeInfo is exchanged during the handshake and returned by discovery.
type NodeInfo struct {
	Host    string   `json:"host"`
	Address string   `json:"address,omitempty"`
	Version string   `json:"version"`
	Chains  []string `json:"chains"`
	Token   string   `json:"token,omitempty"`
}

// HostHeader carries the sender's public URL on node-to-node calls so the
// receiver can attribute gossip to a live peer.
const HostHeader = "X-Node-Host"

// Client speaks the node web API of remote peers. All calls share one HTTP
// client with the overlay request timeout.
type Client struct {
	selfHost string
	http     *http.Client
}

// NewClient creates a peer API client announcing selfHost on every call;
// empty for anonymous callers.
func NewClient(selfHost string) *Client {
	return &Client{
		selfHost: selfHost,
		http:     &http.Client{Timeout: time.Duration(params.PeerRequestTimeoutSeconds) * time.Second},
	}
}

func (c *Client) do(method, url, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		enc, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(enc)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Node "+token)
	}
	if c.selfHost != "" {
		req.Header.Set(HostHeader, c.selfHost)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer %s %s: status %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Handshake introduces the local node and returns the peer's info, token
// included.
func (c *Client) Handshake(host string, self NodeInfo) (NodeInfo, error) {
	var peer NodeInfo
	err := c.do(http.MethodPost, host+"/api/v2/nodes/handshake", "", self, &peer)
	return peer, err
}

// TryToken verifies that a previously issued token is still accepted.
func (c *Client) TryToken(host, token string) error {
	return c.do(http.MethodGet, host+"/api/v2/nodes/try-token", token, nil, nil)
}

// ListNodes returns the peers a node is connected to.
func (c *Client) ListNodes(host, token string) ([]NodeInfo, error) {
	var nodes []NodeInfo
	err := c.do(http.MethodGet, host+"/api/v2/nodes", token, nil, &nodes)
	return nodes, err
}

// SendTx gossips a transaction.
func (c *Client) SendTx(host, token string, tx *types.Tx) error {
	return c.do(http.MethodPost, host+"/api/v2/transactions", token, tx, nil)
}

// GetTx fetches a transaction by hash.
func (c *Client) GetTx(host, token string, hash common.Hash) (*types.Tx, error) {
	var tx types.Tx
	if err := c.do(http.MethodGet, fmt.Sprintf("%s/api/v2/transactions/hash/%s", host, hash.Hex()), token, nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// SendSlice gossips a slice.
func (c *Client) SendSlice(host, token string, s *types.Slice) error {
	return c.do(http.MethodPost, host+"/api/v2/slices", token, s, nil)
}

// GetSlice fetches a slice by hash.
func (c *Client) GetSlice(host, token string, hash common.Hash) (*types.Slice, error) {
	var s types.Slice
	if err := c.do(http.MethodGet, fmt.Sprintf("%s/api/v2/slices/hash/%s", host, hash.Hex()), token, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SendBlock gossips a block.
func (c *Client) SendBlock(host, token string, b *types.Block) error {
	return c.do(http.MethodPost, host+"/api/v2/blocks", token, b, nil)
}

// GetBlock fetches a block by hash.
func (c *Client) GetBlock(host, token string, hash common.Hash) (*types.Block, error) {
	var b types.Block
	if err := c.do(http.MethodGet, fmt.Sprintf("%s/api/v2/blocks/hash/%s", host, hash.Hex()), token, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetLastBlock fetches the canonical tip block of a chain.
func (c *Client) GetLastBlock(host, token, chain string) (*types.Block, error) {
	var b types.Block
	if err := c.do(http.MethodGet, fmt.Sprintf("%s/api/v2/blocks/last/%s", host, chain), token, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBlocksPack fetches a range of persisted blocks starting at a height,
// used for initial sync.
func (c *Client) GetBlocksPack(host, token, chain string, from uint64) ([]*types.Block, error) {
	var blocks []*types.Block
	err := c.do(http.MethodGet, fmt.Sprintf("%s/api/v2/blocks/pack/%s/%d", host, chain, from), token, nil, &blocks)
	return blocks, err
}
