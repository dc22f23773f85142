package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrTransferReverted indicates the network mined the transaction but the
// token contract rejected it. Definite failure, safe to retry as a new
// request.
var ErrTransferReverted = errors.New("settlement transaction reverted")

const receiptPollInterval = 3 * time.Second

// SettlementReceipt is the confirmed outcome of a submitted transfer.
type SettlementReceipt struct {
	TxHash      string
	BlockNumber uint64
}

// SettlementClient abstracts the distributed-ledger network the transfers
// settle on. Submit broadcasts a signed token transfer; WaitConfirmation
// blocks until the network irreversibly accepts it or ctx expires.
type SettlementClient interface {
	Submit(ctx context.Context, signer *Signer, destination common.Address, rawAmount *big.Int) (string, error)
	WaitConfirmation(ctx context.Context, txHash string) (*SettlementReceipt, error)
	// LookupReceipt reports the settlement status of a previously broadcast
	// transaction: (receipt, nil) when mined, (nil, nil) when still unknown.
	LookupReceipt(ctx context.Context, txHash string) (*SettlementReceipt, error)
}

// EthereumSettlement submits ERC-20 reward-token transfers over JSON-RPC.
type EthereumSettlement struct {
	client       *ethclient.Client
	tokenAddress common.Address
	chainID      *big.Int
	logger       Logger
}

// NewEthereumSettlement dials the settlement network RPC endpoint.
func NewEthereumSettlement(rpcURL, tokenAddress string, chainID uint64, logger Logger) (*EthereumSettlement, error) {
	if !common.IsHexAddress(tokenAddress) {
		return nil, fmt.Errorf("invalid token contract address: %s", tokenAddress)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to settlement network: %w", err)
	}

	return &EthereumSettlement{
		client:       client,
		tokenAddress: common.HexToAddress(tokenAddress),
		chainID:      new(big.Int).SetUint64(chainID),
		logger:       logger.NewSystem("settlement"),
	}, nil
}

// erc20TransferData packs calldata for transfer(address,uint256).
func erc20TransferData(destination common.Address, rawAmount *big.Int) []byte {
	methodID := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

	data := make([]byte, 0, 4+32+32)
	data = append(data, methodID...)
	data = append(data, common.LeftPadBytes(destination.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(rawAmount.Bytes(), 32)...)
	return data
}

// Submit signs the token transfer with the vault key and broadcasts it.
// An error here means the transaction was not accepted into the mempool;
// once Submit returns a hash, the outcome must be resolved via
// WaitConfirmation or LookupReceipt.
func (s *EthereumSettlement) Submit(ctx context.Context, signer *Signer, destination common.Address, rawAmount *big.Int) (string, error) {
	from := signer.GetAddress()

	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("failed to fetch account nonce: %w", err)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}

	data := erc20TransferData(destination, rawAmount)

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &s.tokenAddress,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, s.tokenAddress, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), signer.GetPrivateKey())
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to broadcast transaction: %w", err)
	}

	txHash := signedTx.Hash().Hex()
	s.logger.Info("broadcast token transfer", "txHash", txHash, "destination", destination.Hex())
	return txHash, nil
}

// WaitConfirmation polls for the transaction receipt until the network
// confirms it or ctx expires. A ctx deadline here is an ambiguous outcome:
// the transaction was broadcast and may still settle.
func (s *EthereumSettlement) WaitConfirmation(ctx context.Context, txHash string) (*SettlementReceipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	hash := common.HexToHash(txHash)
	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, ErrTransferReverted
			}
			return &SettlementReceipt{TxHash: txHash, BlockNumber: receipt.BlockNumber.Uint64()}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LookupReceipt checks once whether a broadcast transaction has settled.
func (s *EthereumSettlement) LookupReceipt(ctx context.Context, txHash string) (*SettlementReceipt, error) {
	receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, ErrTransferReverted
	}
	return &SettlementReceipt{TxHash: txHash, BlockNumber: receipt.BlockNumber.Uint64()}, nil
}
