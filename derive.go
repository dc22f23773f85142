package main

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// deriveIterations is the PBKDF2 work factor. Derivation is CPU-bound
	// on purpose: it only happens when a key is materialized on demand.
	deriveIterations = 210_000

	// deriveSalt is fixed: determinism requires the same salt for the same
	// (master secret, identity, path) coordinates across restarts.
	deriveSalt = "vaultnode/reward-key/v1"

	// seedLen is the secp256k1 private key seed size in bytes
	seedLen = 32
)

// ErrMissingMasterSecret indicates the process was started without the root
// secret. Nothing can be derived or signed; startup must abort.
var ErrMissingMasterSecret = errors.New("master secret is not configured")

// KeyDeriver is the secret derivation unit. It deterministically stretches
// the master secret into per-identity signing keypairs. It holds the only
// reference to the master secret and never exposes it.
type KeyDeriver struct {
	masterSecret []byte
}

// NewKeyDeriver creates a derivation unit over the process master secret.
func NewKeyDeriver(masterSecret []byte) (*KeyDeriver, error) {
	if len(masterSecret) == 0 {
		return nil, ErrMissingMasterSecret
	}
	return &KeyDeriver{masterSecret: masterSecret}, nil
}

// Derive produces the secp256k1 keypair for (identity, derivation path).
// The same coordinates always yield the same keypair; a different path
// yields an unrelated one. Pure function of its inputs, no state is kept.
func (d *KeyDeriver) Derive(identityID, derivationPath string) (*ecdsa.PrivateKey, error) {
	if identityID == "" || derivationPath == "" {
		return nil, fmt.Errorf("identity and derivation path are required")
	}

	material := make([]byte, 0, len(d.masterSecret)+len(derivationPath)+len(identityID)+2)
	material = append(material, d.masterSecret...)
	material = append(material, 0x1f)
	material = append(material, []byte(derivationPath)...)
	material = append(material, 0x1f)
	material = append(material, []byte(identityID)...)

	// A 32-byte seed can fall outside the curve order with probability
	// around 2^-128. Bump a counter byte and re-stretch instead of failing.
	for counter := byte(0); counter < 8; counter++ {
		seed := pbkdf2.Key(append(material, counter), []byte(deriveSalt), deriveIterations, seedLen, sha512.New)
		key, err := ethcrypto.ToECDSA(seed)
		if err == nil {
			return key, nil
		}
	}

	return nil, fmt.Errorf("derived seed rejected by curve for identity %s", identityID)
}
