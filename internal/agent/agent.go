// Package agent is a typed client over the remote node-agent's file,
// process, config, info, and request RPCs (spec.md §4.2, §6). It mirrors
// internal/chain's JSON-over-HTTP request/response shape (see
// internal/chain/client.go) but targets the fixed operation set the
// node-agent protocol exposes rather than Neo N3's JSON-RPC methods.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/openxai-network/miniapp-factory/internal/crypto"
)

// Client talks to one node-agent instance identified by a base URL (an IP
// or hostname resolved from a worker's hardware handle, or the downstream
// host node's well-known domain).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agent base URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Session is an authenticated handle obtained via Login: a base URL plus a
// bearer credential, held only for the lifetime of a batch of operations
// (spec.md §5: "the pipeline creates a fresh session per batch of
// operations on a given worker, never caches them across ticks").
type Session struct {
	client *Client
	token  string
}

type loginRequest struct {
	User      string `json:"user"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login performs the signed-challenge login described in spec.md §4.2:
// sign "Xnode Auth authenticate <domain> at <t>" with the local secp256k1
// key and POST it to the agent's login endpoint.
func Login(ctx context.Context, c *Client, priv *secp256k1.PrivateKey, domain string) (*Session, error) {
	t := time.Now().Unix()
	_, signature := crypto.SignLoginChallenge(priv, domain, t)

	body, err := json.Marshal(loginRequest{
		User:      crypto.Address(priv),
		Signature: signature,
		Timestamp: fmt.Sprintf("%d", t),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal login request: %w", err)
	}

	var resp loginResponse
	if err := c.post(ctx, "login", body, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &Session{client: c, token: resp.Token}, nil
}

// rpcRequest is the envelope every operation is sent under: a dotted
// method name ("config.set", "file.write_file", ...) and its params.
type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// call invokes method with params and decodes the result into out (which
// may be nil for operations with no meaningful response body).
func (s *Session) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	if err := s.client.postAuthed(ctx, s.token, "rpc", body, out); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	return c.postAuthed(ctx, "", path, body, out)
}

func (c *Client) postAuthed(ctx context.Context, token, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
