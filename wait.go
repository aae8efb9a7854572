package escrow

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"dynft/escrow/ledger"
)

// FinalizedInfo describes a transaction that reached finality.
type FinalizedInfo struct {
	TxID           string
	ConfirmedRound uint64
	AssetIndex     uint64
}

// Waiter blocks until a submitted transaction is finalized or the wait
// window elapses. It polls; it does not submit. A timed-out wait leaves
// the transaction in flight, so the same txid may be waited on again:
// the remote ledger, not this process, is the source of truth.
type Waiter struct {
	Ledger   ledger.Ledger
	Interval time.Duration
}

// AwaitFinality polls the node until txid reports a nonzero
// finalization round. A pool-level rejection is definitive and surfaces
// immediately as ErrTransactionRejected; an elapsed timeout surfaces as
// ErrConfirmationTimeout. Cancelling ctx never invalidates the remote
// transaction.
func (w *Waiter) AwaitFinality(ctx context.Context, txid string, timeout time.Duration) (FinalizedInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info, err := w.Ledger.PendingInfo(ctx, txid)
		switch {
		case err != nil:
			// The node may not have seen the txid yet; keep polling
			// until the window closes.
		case info.PoolError != "":
			return FinalizedInfo{}, errors.Wrapf(ErrTransactionRejected, "txid %s: %s", txid, info.PoolError)
		case info.ConfirmedRound > 0:
			return FinalizedInfo{
				TxID:           txid,
				ConfirmedRound: info.ConfirmedRound,
				AssetIndex:     info.AssetIndex,
			}, nil
		}

		select {
		case <-ctx.Done():
			return FinalizedInfo{}, errors.Wrapf(ErrConfirmationTimeout, "txid %s", txid)
		case <-ticker.C:
		}
	}
}
