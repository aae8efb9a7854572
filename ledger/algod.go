package ledger

import (
	"context"
	"encoding/base64"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/indexer"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/pkg/errors"
)

// AlgodLedger implements Ledger over a node's algod API, plus an
// optional indexer for queries algod cannot answer (an asset's
// creation note).
type AlgodLedger struct {
	client  *algod.Client
	indexer *indexer.Client
}

// Dial connects to an algod endpoint.
func Dial(url, token string) (*AlgodLedger, error) {
	c, err := algod.MakeClient(url, token)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to algod at %s", url)
	}
	return &AlgodLedger{client: c}, nil
}

// DialWithIndexer connects to algod and an indexer endpoint. Without
// the indexer, AssetParams cannot recover creation notes and
// re-verification from a bare asset ID is unavailable.
func DialWithIndexer(url, token, indexerURL, indexerToken string) (*AlgodLedger, error) {
	l, err := Dial(url, token)
	if err != nil {
		return nil, err
	}
	ic, err := indexer.MakeClient(indexerURL, indexerToken)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to indexer at %s", indexerURL)
	}
	l.indexer = ic
	return l, nil
}

func (l *AlgodLedger) Compile(ctx context.Context, source string) ([]byte, string, error) {
	resp, err := l.client.TealCompile([]byte(source)).Do(ctx)
	if err != nil {
		return nil, "", errors.Wrap(err, "compiling program source")
	}
	program, err := base64.StdEncoding.DecodeString(resp.Result)
	if err != nil {
		return nil, "", errors.Wrap(err, "decoding compiled program")
	}
	return program, resp.Hash, nil
}

func (l *AlgodLedger) SubmitRaw(ctx context.Context, stx []byte) (string, error) {
	txid, err := l.client.SendRawTransaction(stx).Do(ctx)
	return txid, errors.Wrap(err, "submitting raw transaction")
}

func (l *AlgodLedger) PendingInfo(ctx context.Context, txid string) (PendingInfo, error) {
	info, _, err := l.client.PendingTransactionInformation(txid).Do(ctx)
	if err != nil {
		return PendingInfo{}, errors.Wrapf(err, "querying pending txn %s", txid)
	}
	return PendingInfo{
		ConfirmedRound: info.ConfirmedRound,
		PoolError:      info.PoolError,
		AssetIndex:     info.AssetIndex,
	}, nil
}

func (l *AlgodLedger) AccountBalance(ctx context.Context, addr string) (uint64, error) {
	acct, err := l.client.AccountInformation(addr).Do(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "querying account %s", addr)
	}
	return acct.Amount, nil
}

func (l *AlgodLedger) AssetHolding(ctx context.Context, addr string, assetID uint64) (uint64, error) {
	resp, err := l.client.AccountAssetInformation(addr, assetID).Do(ctx)
	if err != nil {
		// A 404 here means the account never opted in.
		return 0, nil
	}
	return resp.AssetHolding.Amount, nil
}

func (l *AlgodLedger) AssetParams(ctx context.Context, assetID uint64) (AssetInfo, error) {
	asset, err := l.client.GetAssetByID(assetID).Do(ctx)
	if err != nil {
		return AssetInfo{}, errors.Wrapf(err, "querying asset %d", assetID)
	}
	note, err := l.creationNote(ctx, assetID)
	if err != nil {
		return AssetInfo{}, err
	}
	return AssetInfo{
		Name:         asset.Params.Name,
		UnitName:     asset.Params.UnitName,
		Total:        asset.Params.Total,
		Decimals:     uint32(asset.Params.Decimals),
		Creator:      asset.Params.Creator,
		Manager:      asset.Params.Manager,
		Reserve:      asset.Params.Reserve,
		Freeze:       asset.Params.Freeze,
		Clawback:     asset.Params.Clawback,
		MetadataHash: asset.Params.MetadataHash,
		Note:         note,
	}, nil
}

// creationNote recovers the note field of the asset-config transaction
// that created the asset. Algod does not retain notes, so this needs
// the indexer; without one the note is simply absent and callers that
// require it report that.
func (l *AlgodLedger) creationNote(ctx context.Context, assetID uint64) ([]byte, error) {
	if l.indexer == nil {
		return nil, nil
	}
	resp, err := l.indexer.LookupAssetTransactions(assetID).TxType("acfg").Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "querying creation txn of asset %d", assetID)
	}
	for _, txn := range resp.Transactions {
		if txn.CreatedAssetIndex == assetID {
			return txn.Note, nil
		}
	}
	return nil, nil
}

func (l *AlgodLedger) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	sp, err := l.client.SuggestedParams().Do(ctx)
	return sp, errors.Wrap(err, "querying suggested params")
}
