package escrow

import (
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/pkg/errors"

	"dynft/escrow/store"
)

// The builders below produce exactly the transaction shapes the escrow
// program admits. Single-operation builders return one transaction;
// BuildRedeemGroup returns the two-transaction atomic pair with the
// group digest already stamped into both members, which is what makes
// the swap all-or-nothing on the ledger.

// BuildFunding is the creator's payment into a new escrow. It is
// returned unsigned for the wallet to sign.
func BuildFunding(creator, escrowAddr string, amount uint64, sp types.SuggestedParams) (types.Transaction, error) {
	if amount == 0 {
		return types.Transaction{}, errors.Wrap(ErrInvalidParameter, "funding amount must be positive")
	}
	txn, err := transaction.MakePaymentTxn(creator, escrowAddr, amount, nil, "", sp)
	return txn, errors.Wrap(err, "building funding txn")
}

// BuildMint is the asset-config transaction creating the one-of-one
// asset from the escrow account: total 1, decimals 0, manager and
// reserve kept by the escrow, freeze and clawback burned, fingerprint
// in the metadata-hash field and the self-describing blob in the note.
func BuildMint(r *store.Record, note []byte, sp types.SuggestedParams) (types.Transaction, error) {
	if len(r.Fingerprint) != FingerprintSize {
		return types.Transaction{}, errors.Wrapf(ErrInvalidParameter, "fingerprint must be %d bytes", FingerprintSize)
	}
	txn, err := transaction.MakeAssetCreateTxn(
		r.EscrowAddress, note, sp,
		1,     // total supply
		0,     // decimals
		false, // defaultFrozen
		r.EscrowAddress, // manager
		r.EscrowAddress, // reserve
		"",              // freeze: zero address
		"",              // clawback: zero address
		r.AssetUnit, r.AssetName, FormatVersion, string(r.Fingerprint))
	return txn, errors.Wrap(err, "building mint txn")
}

// BuildOptIn is the recipient's zero-amount self-transfer accepting the
// asset. Returned unsigned for the wallet to sign.
func BuildOptIn(recipient string, assetID uint64, sp types.SuggestedParams) (types.Transaction, error) {
	txn, err := transaction.MakeAssetAcceptanceTxn(recipient, nil, sp, assetID)
	return txn, errors.Wrap(err, "building opt-in txn")
}

// BuildTransfer issues the single unit from the escrow's reserve to the
// recipient.
func BuildTransfer(r *store.Record, recipient string, sp types.SuggestedParams) (types.Transaction, error) {
	if r.AssetID == 0 {
		return types.Transaction{}, errors.Wrap(ErrInvalidParameter, "escrow has no minted asset")
	}
	txn, err := transaction.MakeAssetTransferTxn(r.EscrowAddress, recipient, 1, nil, sp, "", r.AssetID)
	return txn, errors.Wrap(err, "building transfer txn")
}

// BuildRedeemGroup constructs the atomic swap: index 0 returns the
// asset from its owner to the escrow, index 1 pays the owner from the
// escrow. Both are stamped with the shared group ID before signing, so
// the ledger applies both or neither.
//
// The payout must be at least the recorded minimum, and the record's
// address must match the address derived from the program on file.
func BuildRedeemGroup(r *store.Record, owner string, payout uint64, sp types.SuggestedParams) ([]types.Transaction, error) {
	if payout < r.LockedAmount {
		return nil, errors.Wrapf(ErrAmountMismatch,
			"payout %d below recorded minimum %d", payout, r.LockedAmount)
	}
	if derived := DerivedAddress(r.Program).String(); derived != r.EscrowAddress {
		return nil, errors.Wrapf(ErrAddressMismatch,
			"escrow %s does not match program-derived address %s", r.EscrowAddress, derived)
	}
	ret, err := transaction.MakeAssetTransferTxn(owner, r.EscrowAddress, 1, nil, sp, "", r.AssetID)
	if err != nil {
		return nil, errors.Wrap(err, "building asset-return txn")
	}
	pay, err := transaction.MakePaymentTxn(r.EscrowAddress, owner, payout, nil, "", sp)
	if err != nil {
		return nil, errors.Wrap(err, "building payout txn")
	}
	group, err := transaction.AssignGroupID([]types.Transaction{ret, pay}, "")
	return group, errors.Wrap(err, "stamping group id")
}

// BuildDestroy removes the asset: an asset-config on the existing asset
// with every role address zeroed.
func BuildDestroy(r *store.Record, sp types.SuggestedParams) (types.Transaction, error) {
	if r.AssetID == 0 {
		return types.Transaction{}, errors.Wrap(ErrInvalidParameter, "escrow has no minted asset")
	}
	txn, err := transaction.MakeAssetDestroyTxn(r.EscrowAddress, nil, sp, r.AssetID)
	return txn, errors.Wrap(err, "building destroy txn")
}

// BuildClose is the zero-amount payment that closes the escrow's
// remaining balance out to closeTo.
func BuildClose(r *store.Record, closeTo string, sp types.SuggestedParams) (types.Transaction, error) {
	if closeTo == "" {
		return types.Transaction{}, errors.Wrap(ErrInvalidParameter, "close-out target must be set")
	}
	txn, err := transaction.MakePaymentTxn(r.EscrowAddress, closeTo, 0, nil, closeTo, sp)
	return txn, errors.Wrap(err, "building close-out txn")
}
