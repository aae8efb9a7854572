// Package ledger is the outbound boundary to the remote ledger node:
// thin submit/query wrappers around the node API. Everything protocol-
// critical happens above this layer.
package ledger

import (
	"context"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// PendingInfo reports what the node knows about a submitted
// transaction. ConfirmedRound is zero until the transaction reaches
// finality; PoolError is a definitive rejection and will never clear.
type PendingInfo struct {
	ConfirmedRound uint64
	PoolError      string
	AssetIndex     uint64
}

// AssetInfo is the subset of on-chain asset parameters the protocol
// verifies against.
type AssetInfo struct {
	Name         string
	UnitName     string
	Total        uint64
	Decimals     uint32
	Creator      string
	Manager      string
	Reserve      string
	Freeze       string
	Clawback     string
	MetadataHash []byte
	Note         []byte
}

// Ledger is the remote node as the protocol core sees it.
type Ledger interface {
	// Compile sends program source to the node's compiler and returns
	// the compiled bytes plus the node-reported address.
	Compile(ctx context.Context, source string) (program []byte, address string, err error)

	// SubmitRaw broadcasts one or more signed transactions (a group is
	// submitted as one concatenated blob) and returns the txid to wait on.
	SubmitRaw(ctx context.Context, stx []byte) (txid string, err error)

	// PendingInfo queries a submitted transaction by ID.
	PendingInfo(ctx context.Context, txid string) (PendingInfo, error)

	// AccountBalance returns an account's µunit balance.
	AccountBalance(ctx context.Context, addr string) (uint64, error)

	// AssetHolding returns how many units of an asset an account holds.
	// An account that has not opted in holds zero.
	AssetHolding(ctx context.Context, addr string, assetID uint64) (uint64, error)

	// AssetParams returns the on-chain parameters of an asset.
	AssetParams(ctx context.Context, assetID uint64) (AssetInfo, error)

	// SuggestedParams returns current fee and validity-window parameters
	// for building transactions.
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
}
