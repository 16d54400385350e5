package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/openxai-network/miniapp-factory/internal/deployer"
)

// Dialer resolves a worker's hardware handle to a live, authenticated
// Session, the step every one of the fleet manager/dispatcher/completion
// watcher's ticks performs before issuing RPCs (spec.md §4.4-§4.6). A
// fresh session is created per batch of operations and never cached
// across ticks (spec.md §5).
type Dialer struct {
	Deployer deployer.Deployer
	Key      *secp256k1.PrivateKey
	Port     int
	Domain   string
	Scheme   string
}

// DefaultPort is the node-agent's listening port, used when Dialer.Port is
// zero.
const DefaultPort = 7654

// Dial resolves handle's address via the deployer, then logs in. Callers
// are expected to treat any error here as transient: the worker may not
// have an address yet, or its agent may not be reachable, and the calling
// tick should simply retry later.
func (d Dialer) Dial(ctx context.Context, handle deployer.Handle) (*Session, error) {
	result, err := d.Deployer.IPv4(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("resolve worker address: %w", err)
	}
	if !result.Supported || result.Address == nil {
		return nil, fmt.Errorf("worker address not yet available")
	}

	scheme := d.Scheme
	if scheme == "" {
		scheme = "https"
	}
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}

	client, err := New(Config{
		BaseURL: fmt.Sprintf("%s://%s:%d", scheme, *result.Address, port),
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	return Login(ctx, client, d.Key, d.Domain)
}

// DialURL opens a session directly against a known base URL, bypassing
// handle resolution. Used to reach the downstream host node, which is
// addressed by a fixed well-known domain rather than a worker handle
// (spec.md §4.6 step 3).
func (d Dialer) DialURL(ctx context.Context, baseURL string) (*Session, error) {
	client, err := New(Config{BaseURL: baseURL, Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	return Login(ctx, client, d.Key, d.Domain)
}
