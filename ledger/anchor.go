// Package ledger anchors stored-file content hashes on an external ledger.
// Anchoring is strictly best-effort: confirmations drain from a durable
// queue in the background and never block, or surface errors to, foreground
// upload and download paths.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// Anchor records a content hash externally and returns an opaque reference
// to the confirmation (a transaction hash, receipt id, or similar).
type Anchor interface {
	Confirm(ctx context.Context, fileID string, contentHash interfaces.ContentHash) (externalRef string, err error)
}

// EthereumAnchor anchors hashes by sending a zero-value self-transaction
// whose data payload is the content hash. The transaction hash becomes the
// external reference.
type EthereumAnchor struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	chainID *big.Int

	// nonceMu serializes nonce acquisition so concurrent confirmations do
	// not race for the same account nonce.
	nonceMu sync.Mutex
}

// NewEthereumAnchor connects to the RPC endpoint and validates the signing
// key against the chain.
func NewEthereumAnchor(ctx context.Context, rpcURL, privateKeyHex string) (*EthereumAnchor, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger RPC: %w", err)
	}

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger signing key: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}

	return &EthereumAnchor{client: client, key: key, chainID: chainID}, nil
}

func (a *EthereumAnchor) Confirm(ctx context.Context, fileID string, contentHash interfaces.ContentHash) (string, error) {
	from := crypto.PubkeyToAddress(a.key.PublicKey)

	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("failed to fetch account nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, from, big.NewInt(0), 30000, gasPrice, contentHash.Bytes())
	signed, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign anchor transaction: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send anchor transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// MockAnchor confirms instantly with a synthetic reference. Used when no
// ledger RPC is configured and in tests; FailFor injects failures per file.
type MockAnchor struct {
	mu      sync.Mutex
	failFor map[string]error
	// Confirmed records every successful confirmation by file id.
	Confirmed map[string]interfaces.ContentHash
}

// NewMockAnchor creates a mock ledger anchor.
func NewMockAnchor() *MockAnchor {
	return &MockAnchor{
		failFor:   make(map[string]error),
		Confirmed: make(map[string]interfaces.ContentHash),
	}
}

// FailFor makes confirmations for fileID return err until cleared with a
// nil err.
func (a *MockAnchor) FailFor(fileID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failFor, fileID)
		return
	}
	a.failFor[fileID] = err
}

func (a *MockAnchor) Confirm(ctx context.Context, fileID string, contentHash interfaces.ContentHash) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err, ok := a.failFor[fileID]; ok {
		return "", err
	}
	a.Confirmed[fileID] = contentHash
	return "mock:" + contentHash.String()[:16], nil
}
