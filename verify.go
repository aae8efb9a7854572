package escrow

import (
	"context"

	"github.com/pkg/errors"
)

// VerifyAsset audits an on-chain asset from nothing but its ID. The
// asset is self-describing: the note blob carries the program and
// nonce, so the verifier re-derives the escrow address, requires the
// asset's reserve to be that address, recomputes the fingerprint, and
// compares it to the on-chain metadata hash. Any divergence is a
// security alarm, reported as an error rather than a boolean.
func (iss *Issuer) VerifyAsset(ctx context.Context, assetID uint64) (*Descriptor, error) {
	if assetID == 0 {
		return nil, errors.Wrap(ErrInvalidParameter, "asset id must be set")
	}
	ai, err := iss.Ledger.AssetParams(ctx, assetID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading asset %d", assetID)
	}
	if ai.Total != 1 || ai.Decimals != 0 {
		return nil, errors.Wrapf(ErrInvalidParameter, "asset %d is not a one-of-one asset", assetID)
	}

	if len(ai.Note) == 0 {
		return nil, errors.Wrapf(ErrInvalidParameter,
			"asset %d creation note unavailable from the ledger (indexer not configured, or asset not minted by this protocol)", assetID)
	}
	note, program, err := DecodeAssetNote(ai.Note)
	if err != nil {
		return nil, errors.Wrapf(err, "recovering note of asset %d", assetID)
	}
	if note.LockedAmount == 0 {
		return nil, errors.Wrapf(ErrInvalidParameter, "asset %d predates recorded locked amounts and cannot be re-verified", assetID)
	}

	addr := DerivedAddress(program).String()
	if ai.Reserve != addr {
		return nil, errors.Wrapf(ErrAddressMismatch,
			"asset %d reserve %s is not the program-derived escrow %s", assetID, ai.Reserve, addr)
	}

	ok, err := VerifyFingerprint(ai.MetadataHash, program, ai.Name, ai.UnitName, note.LockedAmount, addr, note.Nonce)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrFingerprintMismatch,
			"asset %d metadata hash does not match its recomputed fingerprint", assetID)
	}

	_, desc, err := ComputeFingerprint(program, ai.Name, ai.UnitName, note.LockedAmount, addr, note.Nonce)
	return desc, err
}
