// Package crypto provides the secp256k1 signing and Ethereum-style address
// encoding the node-agent client (C2) and NFT sync (C8) need: loading the
// factory's local signing key, signing the agent login challenge, and
// normalising on-chain addresses to the "eth:<40 hex>" form used throughout
// the data model.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// PrivateKeySize is the length in bytes of a raw secp256k1 private key, as
// persisted at $DATADIR/secret.key.
const PrivateKeySize = 32

// Keccak256 hashes data with Keccak-256 (the Ethereum variant of SHA-3, not
// NIST SHA3-256).
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// LoadOrCreateKey reads the 32 raw secp256k1 private key bytes at path,
// generating and persisting a fresh key on first boot if the file is
// absent, per spec.md §6's persisted-state layout.
func LoadOrCreateKey(path string) (*secp256k1.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != PrivateKeySize {
			return nil, fmt.Errorf("secret key at %s: want %d bytes, got %d", path, PrivateKeySize, len(raw))
		}
		return secp256k1.PrivKeyFromBytes(raw), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read secret key: %w", err)
	}

	raw = make([]byte, PrivateKeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write secret key: %w", err)
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// Address renders priv's public key as the "eth:<40 hex>" owner string used
// by project.Owner and credit.Entry.Account.
func Address(priv *secp256k1.PrivateKey) string {
	return PublicKeyToAddress(priv.PubKey())
}

// PublicKeyToAddress derives the lowercase "eth:<40 hex>" address from an
// uncompressed public key: the low 20 bytes of the Keccak-256 hash of the
// 64-byte X||Y coordinate pair (Ethereum's address derivation, without the
// leading 0x04 tag byte).
func PublicKeyToAddress(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	hash := Keccak256(uncompressed[1:])
	return "eth:" + hex.EncodeToString(hash[12:])
}

// NormalizeHexAddress converts a "0x"-prefixed hex address (as emitted by an
// on-chain event) into the "eth:<40 hex>" form, lowercasing it.
func NormalizeHexAddress(hexAddr string) string {
	trimmed := strings.TrimPrefix(strings.ToLower(hexAddr), "0x")
	return "eth:" + trimmed
}

// IsZeroAddress reports whether a "0x"-prefixed address is the all-zero
// address used to signal a fresh NFT mint.
func IsZeroAddress(hexAddr string) bool {
	trimmed := strings.TrimPrefix(strings.ToLower(hexAddr), "0x")
	for _, c := range trimmed {
		if c != '0' {
			return false
		}
	}
	return true
}

// SignLoginChallenge signs the agent's challenge/response login message
// ("Xnode Auth authenticate <domain> at <t>") with priv and returns the
// message alongside its signature encoded as "0x" + r||s||v in hex, per
// spec.md §4.2.
func SignLoginChallenge(priv *secp256k1.PrivateKey, domain string, t int64) (message, signature string) {
	message = fmt.Sprintf("Xnode Auth authenticate %s at %d", domain, t)
	hash := Keccak256([]byte(message))

	// SignCompact returns a 65-byte recoverable signature laid out as
	// recovery-id-plus-27 || R || S; Ethereum's convention instead wants
	// R || S || recovery-id, so the leading byte moves to the end.
	compact := ecdsa.SignCompact(priv, hash, false)
	recoveryID := compact[0] - 27

	sig := make([]byte, 65)
	copy(sig[0:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = recoveryID

	return message, "0x" + hex.EncodeToString(sig)
}

// RecoverAddress recovers the "eth:<40 hex>" address that produced an
// "0x" + r||s||v signature over message's Keccak-256 hash, undoing
// SignLoginChallenge's encoding.
func RecoverAddress(message []byte, signature string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != 65 {
		return "", fmt.Errorf("signature: want 65 bytes, got %d", len(raw))
	}

	compact := make([]byte, 65)
	compact[0] = raw[64] + 27
	copy(compact[1:], raw[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, Keccak256(message))
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return PublicKeyToAddress(pub), nil
}
