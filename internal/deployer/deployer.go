// Package deployer abstracts the GPU VM provisioner (spec.md §2 C3, §4.3).
// The concrete provisioner is out of core scope; this package defines the
// interface the fleet manager drives plus a randomised-name generator used
// to keep deploy idempotent across restarts.
package deployer

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
)

// nameAlphabet is the character set for randomised VM name suffixes.
const nameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// nameSuffixLength is the length of the randomised suffix (spec.md §4.3).
const nameSuffixLength = 10

// RandomNameSuffix generates a random alphanumeric suffix for a new VM
// name, so a retried deploy after a crash never collides with a handle
// already persisted in the store.
func RandomNameSuffix() (string, error) {
	suffix := make([]byte, nameSuffixLength)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(nameAlphabet))))
		if err != nil {
			return "", err
		}
		suffix[i] = nameAlphabet[n.Int64()]
	}
	return string(suffix), nil
}

// InitialConfig is the optional OS configuration fragment passed to Deploy.
type InitialConfig struct {
	ACMEEmail  string `json:"acme_email,omitempty"`
	Domain     string `json:"domain,omitempty"`
	Encrypted  bool   `json:"encrypted,omitempty"`
	UserPasswd string `json:"user_passwd,omitempty"`
	XnodeOwner string `json:"xnode_owner,omitempty"`
}

// Handle is the opaque, JSON-serialisable provisioner reference persisted
// on a worker row (spec.md §4.3: "Handles are opaque JSON-serialisable
// values that round-trip through the store").
type Handle json.RawMessage

// IPv4Result is the three-valued outcome of resolving a handle's address:
// the provisioner either supports IPv4 resolution (with an address that
// may still be pending allocation) or it doesn't support it at all.
type IPv4Result struct {
	Supported bool
	Address   *string
}

// Deployer provisions and tears down GPU VMs. The concrete implementation
// (e.g. a specific cloud API) is outside this module's scope; the pipeline
// only depends on this interface.
type Deployer interface {
	// Deploy provisions a new VM and returns its opaque handle. It blocks
	// until the provisioner has accepted the request, not until the VM is
	// actually ready.
	Deploy(ctx context.Context, cfg InitialConfig) (Handle, error)
	// Undeploy tears down the VM referenced by handle.
	Undeploy(ctx context.Context, handle Handle) error
	// IPv4 resolves handle's current address, if the provisioner supports
	// it and allocation has completed.
	IPv4(ctx context.Context, handle Handle) (IPv4Result, error)
	// Identify reports the provisioner-side name of the VM referenced by
	// handle, for operator-facing listings and log lines.
	Identify(ctx context.Context, handle Handle) (string, error)
}
