package main

import (
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSignerRejectsNilKey(t *testing.T) {
	_, err := NewSigner(nil)
	require.Error(t, err)
}

func TestSignerSignAndRecover(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(key)
	require.NoError(t, err)

	message := []byte("transfer 100 to 0x7099")
	sig, err := signer.Sign(message)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	recovered, err := RecoverAddress(message, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.GetAddress().Hex(), recovered)
}

func TestSignerRecoverRejectsTamperedMessage(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(key)
	require.NoError(t, err)

	sig, err := signer.Sign([]byte("original"))
	require.NoError(t, err)

	recovered, err := RecoverAddress([]byte("tampered"), sig)
	if err == nil {
		assert.NotEqual(t, signer.GetAddress().Hex(), recovered)
	}
}

func TestSignerPublicKeyHex(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(key)
	require.NoError(t, err)

	assert.NotEmpty(t, signer.PublicKeyHex())
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), signer.GetAddress())
}
