package main

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signature is a 65-byte secp256k1 signature (r, s, v).
type Signature []byte

// String implements the fmt.Stringer interface
func (s Signature) String() string {
	return hexutil.Encode(s)
}

// Signer handles signing operations for one materialized key version.
// It wraps the derived private key; the key never leaves this type.
type Signer struct {
	privateKey *ecdsa.PrivateKey
}

// NewSigner wraps a derived private key
func NewSigner(privateKey *ecdsa.PrivateKey) (*Signer, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	return &Signer{privateKey: privateKey}, nil
}

// Sign creates an ECDSA signature over the Keccak256 hash of the data
func (s *Signer) Sign(data []byte) (Signature, error) {
	hash := crypto.Keccak256Hash(data)
	sig, err := crypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return nil, err
	}
	// Adjust V from 0/1 to 27/28 for Ethereum compatibility
	if sig[64] < 27 {
		sig[64] += 27
	}
	return Signature(sig), nil
}

// GetPublicKey returns the public key associated with the signer
func (s *Signer) GetPublicKey() *ecdsa.PublicKey {
	return s.privateKey.Public().(*ecdsa.PublicKey)
}

// GetPrivateKey returns the private key used by the signer.
// Only the settlement client should need it, to sign network transactions.
func (s *Signer) GetPrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// GetAddress returns the address derived from the signer's public key
func (s *Signer) GetAddress() common.Address {
	return crypto.PubkeyToAddress(*s.GetPublicKey())
}

// PublicKeyHex returns the uncompressed public key as a hex string.
// Safe to log and persist; private material never is.
func (s *Signer) PublicKeyHex() string {
	return hexutil.Encode(crypto.FromECDSAPub(s.GetPublicKey()))
}

// RecoverAddress takes the original message and its signature, and returns
// the hex address of the signer.
func RecoverAddress(message []byte, sig Signature) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("invalid signature length: got %d, want 65", len(sig))
	}

	localSig := make([]byte, 65)
	copy(localSig, sig)
	if localSig[64] >= 27 {
		localSig[64] -= 27
	}

	msgHash := crypto.Keccak256Hash(message)

	pubkey, err := crypto.SigToPub(msgHash.Bytes(), localSig)
	if err != nil {
		return "", fmt.Errorf("signature recovery failed: %w", err)
	}

	addr := crypto.PubkeyToAddress(*pubkey)
	return addr.Hex(), nil
}
