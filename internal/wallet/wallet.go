// Package wallet resolves the EVM signing identity a session pays with.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidKeyFormat = errors.New("invalid private key format")
	ErrMissingIdentity  = errors.New("missing wallet key")
)

const keyHexLen = 64

// Identity signs payment authorizations. It never exposes the private key
// once parsed.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// Parse accepts a 32-byte hex key with or without a 0x prefix.
func Parse(hexKey string) (*Identity, error) {
	raw := strings.TrimSpace(hexKey)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw = raw[2:]
	}
	if len(raw) != keyHexLen {
		return nil, ErrInvalidKeyFormat
	}

	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	return newIdentity(key), nil
}

// Resolve prefers the per-session key and falls back to the process key.
func Resolve(sessionKey, fallbackKey string) (*Identity, error) {
	if k := strings.TrimSpace(sessionKey); k != "" {
		return Parse(k)
	}
	if k := strings.TrimSpace(fallbackKey); k != "" {
		return Parse(k)
	}
	return nil, ErrMissingIdentity
}

// Generate creates a fresh identity and returns it along with its
// 0x-prefixed hex key.
func Generate() (*Identity, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	return newIdentity(key), hexutil.Encode(crypto.FromECDSA(key)), nil
}

func newIdentity(key *ecdsa.PrivateKey) *Identity {
	return &Identity{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (i *Identity) Address() common.Address {
	return i.address
}

// SignHash signs a 32-byte digest. The recovery id is shifted to 27/28 as
// EIP-712 verifiers expect.
func (i *Identity) SignHash(hash []byte) ([]byte, error) {
	sig, err := crypto.Sign(hash, i.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (i *Identity) String() string {
	return i.address.Hex()
}
