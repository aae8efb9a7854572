package escrow

import (
	"bytes"
	"context"
	"log"

	"github.com/pkg/errors"

	"dynft/escrow/store"
)

// The operations in this file are the escrow lifecycle. Each follows
// the same discipline: admit at most one in-flight operation per
// address, verify the precondition state, do the remote work with no
// lock held, then commit through the store's compare-and-swap. A guard
// failure at any point leaves the record untouched.

const (
	maxAssetNameLen = 32
	maxAssetUnitLen = 8
)

// MintOffer is the reply to a mint request: a freshly provisioned
// escrow and the unsigned funding payment the creator's wallet must
// sign and return.
type MintOffer struct {
	EscrowAddress   string      `json:"escrow_address"`
	FundingTxn      string      `json:"funding_txn"` // base64 msgpack, unsigned
	FundingRequired uint64      `json:"funding_required"`
	Nonce           uint64      `json:"nonce"`
	Descriptor      *Descriptor `json:"descriptor"`
}

// RequestMint provisions a new escrow: draws a nonce, compiles the
// authorization program, derives the escrow address, computes the
// fingerprint, and records the escrow as Created. Nothing is submitted
// to the ledger; the returned funding payment is for the creator's
// wallet to sign.
func (iss *Issuer) RequestMint(ctx context.Context, creator, assetName, assetUnit string, lockedAmount uint64) (*MintOffer, error) {
	switch {
	case creator == "":
		return nil, errors.Wrap(ErrInvalidParameter, "creator address must be set")
	case assetName == "" || len(assetName) > maxAssetNameLen:
		return nil, errors.Wrapf(ErrInvalidParameter, "asset name must be 1..%d bytes", maxAssetNameLen)
	case assetUnit == "" || len(assetUnit) > maxAssetUnitLen:
		return nil, errors.Wrapf(ErrInvalidParameter, "asset unit must be 1..%d bytes", maxAssetUnitLen)
	case lockedAmount < iss.Conf.MinLockedAmount:
		return nil, errors.Wrapf(ErrInvalidParameter, "locked amount %d below minimum %d", lockedAmount, iss.Conf.MinLockedAmount)
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	_, program, addr, err := CompileEscrowProgram(ctx, iss.Ledger, lockedAmount, nonce)
	if err != nil {
		return nil, err
	}
	fingerprint, desc, err := ComputeFingerprint(program, assetName, assetUnit, lockedAmount, addr.String(), nonce)
	if err != nil {
		return nil, err
	}

	rec := &store.Record{
		EscrowAddress: addr.String(),
		Program:       program,
		Fingerprint:   fingerprint,
		AssetName:     assetName,
		AssetUnit:     assetUnit,
		LockedAmount:  lockedAmount,
		Creator:       creator,
		Nonce:         nonce,
		State:         store.Created,
	}
	err = iss.Store.Insert(ctx, rec)
	if err != nil {
		return nil, err
	}

	sp, err := iss.Ledger.SuggestedParams(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting suggested params")
	}
	required := iss.Conf.FundingRequired(lockedAmount)
	fund, err := BuildFunding(creator, addr.String(), required, sp)
	if err != nil {
		return nil, err
	}

	log.Printf("provisioned escrow %s for asset %q (nonce %d, locked %d)", addr, assetName, nonce, lockedAmount)
	return &MintOffer{
		EscrowAddress:   addr.String(),
		FundingTxn:      encodeTxn(fund),
		FundingRequired: required,
		Nonce:           nonce,
		Descriptor:      desc,
	}, nil
}

// ConfirmFunding submits the creator-signed funding payment, waits for
// finality, and verifies the escrow now holds enough to cover the
// locked payout plus reserve and fee buffer. An underfunded escrow
// stays Created and the shortfall is reported; a sufficient balance
// commits Created to Funded.
func (iss *Issuer) ConfirmFunding(ctx context.Context, raw []byte) (*store.Record, error) {
	stx, err := decodeSignedTxn(raw)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidParameter, err.Error())
	}
	addr := stx.Txn.Receiver.String()

	rec, err := iss.beginOp(ctx, addr, store.Created)
	if err != nil {
		return nil, err
	}
	defer iss.endOp(addr)

	info, err := iss.submitOrResume(ctx, rec, raw, "")
	if err != nil {
		return nil, err
	}

	balance, err := iss.Ledger.AccountBalance(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "checking balance of escrow %s", addr)
	}
	need := iss.Conf.FundingRequired(rec.LockedAmount)
	if balance < need {
		return nil, errors.Wrapf(ErrInsufficientEscrowBalance,
			"escrow %s holds %d, needs %d", addr, balance, need)
	}

	err = iss.commitTransition(addr, store.Funded, func() error {
		return iss.Store.SetFunded(ctx, addr, balance)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("escrow %s funded with %d at round %d", addr, balance, info.ConfirmedRound)
	return iss.Store.Get(ctx, addr)
}

// CommitMint submits the asset-create transaction from the escrow
// account, signed by its own program. After finality it re-reads the
// on-chain asset and requires the metadata hash to equal the recorded
// fingerprint before committing Funded to Minted.
func (iss *Issuer) CommitMint(ctx context.Context, addr string) (uint64, error) {
	rec, err := iss.beginOp(ctx, addr, store.Funded)
	if err != nil {
		return 0, err
	}
	defer iss.endOp(addr)

	note, err := EncodeAssetNote(rec.Program, rec.Nonce, rec.LockedAmount)
	if err != nil {
		return 0, err
	}
	sp, err := iss.Ledger.SuggestedParams(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "getting suggested params")
	}
	txn, err := BuildMint(rec, note, sp)
	if err != nil {
		return 0, err
	}
	txid, stx, err := signEscrow(rec.Program, txn)
	if err != nil {
		return 0, err
	}

	info, err := iss.submitOrResume(ctx, rec, stx, txid)
	if err != nil {
		return 0, err
	}
	if info.AssetIndex == 0 {
		return 0, errors.Errorf("mint txn %s confirmed but node reported no asset index", txid)
	}

	onchain, err := iss.Ledger.AssetParams(ctx, info.AssetIndex)
	if err != nil {
		return 0, errors.Wrapf(err, "reading minted asset %d", info.AssetIndex)
	}
	if !bytes.Equal(onchain.MetadataHash, rec.Fingerprint) {
		return 0, errors.Wrapf(ErrFingerprintMismatch,
			"asset %d metadata hash diverges from recorded fingerprint for escrow %s", info.AssetIndex, addr)
	}

	err = iss.commitTransition(addr, store.Minted, func() error {
		return iss.Store.SetMinted(ctx, addr, info.AssetIndex)
	})
	if err != nil {
		return 0, err
	}
	iss.Metrics.MintedAsset()
	log.Printf("escrow %s minted asset %d at round %d", addr, info.AssetIndex, info.ConfirmedRound)
	return info.AssetIndex, nil
}

// OptInTxn builds the recipient's unsigned opt-in (a zero-amount
// self-transfer of the asset) for their wallet to sign.
func (iss *Issuer) OptInTxn(ctx context.Context, recipient string, assetID uint64) (string, error) {
	if recipient == "" {
		return "", errors.Wrap(ErrInvalidParameter, "recipient address must be set")
	}
	if _, err := iss.Store.GetByAsset(ctx, assetID); err != nil {
		return "", err
	}
	sp, err := iss.Ledger.SuggestedParams(ctx)
	if err != nil {
		return "", errors.Wrap(err, "getting suggested params")
	}
	txn, err := BuildOptIn(recipient, assetID, sp)
	if err != nil {
		return "", err
	}
	return encodeTxn(txn), nil
}

// ConfirmOptIn submits a signed opt-in and flags the escrow once it is
// final. The flag is not a lifecycle transition; it gates the transfer.
func (iss *Issuer) ConfirmOptIn(ctx context.Context, raw []byte) error {
	stx, err := decodeSignedTxn(raw)
	if err != nil {
		return errors.Wrap(ErrInvalidParameter, err.Error())
	}
	assetID := uint64(stx.Txn.XferAsset)
	rec, err := iss.Store.GetByAsset(ctx, assetID)
	if err != nil {
		return err
	}
	_, err = iss.submitAndWait(ctx, raw, "")
	if err != nil {
		return err
	}
	err = iss.Store.SetOptedIn(ctx, rec.EscrowAddress)
	if err != nil {
		return err
	}
	log.Printf("recipient %s opted in to asset %d (escrow %s)", stx.Txn.Sender, assetID, rec.EscrowAddress)
	return nil
}

// Transfer issues the single asset unit from the escrow's reserve to
// the recipient and commits Minted to Transferred. The recipient must
// have opted in first or the node will reject the transfer; the
// recorded flag catches that before anything is submitted.
func (iss *Issuer) Transfer(ctx context.Context, addr, recipient string) error {
	if recipient == "" {
		return errors.Wrap(ErrInvalidParameter, "recipient address must be set")
	}
	rec, err := iss.beginOp(ctx, addr, store.Minted)
	if err != nil {
		return err
	}
	defer iss.endOp(addr)

	if !rec.OptedIn {
		return errors.Wrapf(ErrInvalidParameter, "no confirmed opt-in for asset %d", rec.AssetID)
	}
	sp, err := iss.Ledger.SuggestedParams(ctx)
	if err != nil {
		return errors.Wrap(err, "getting suggested params")
	}
	txn, err := BuildTransfer(rec, recipient, sp)
	if err != nil {
		return err
	}
	txid, stx, err := signEscrow(rec.Program, txn)
	if err != nil {
		return err
	}
	info, err := iss.submitOrResume(ctx, rec, stx, txid)
	if err != nil {
		return err
	}
	err = iss.commitTransition(addr, store.Transferred, func() error {
		return iss.Store.SetState(ctx, addr, store.Minted, store.Transferred)
	})
	if err != nil {
		return err
	}
	log.Printf("escrow %s transferred asset %d to %s at round %d", addr, rec.AssetID, recipient, info.ConfirmedRound)
	return nil
}

// RedeemOffer is the reply to a redemption request: the unsigned
// asset-return half of the atomic group for the owner's wallet to sign.
// The payout half is already escrow-signed and retained server-side.
type RedeemOffer struct {
	EscrowAddress string `json:"escrow_address"`
	ReturnTxn     string `json:"return_txn"` // base64 msgpack, unsigned
	Payout        uint64 `json:"payout"`
}

// RequestRedeem builds the two-transaction atomic swap for an escrow in
// Transferred: index 0 returns the asset from its owner, index 1 pays
// the owner from the escrow. It verifies the owner actually holds the
// asset and that the escrow can cover the payout on top of its reserve
// and fee buffer. Nothing is submitted and no state changes.
func (iss *Issuer) RequestRedeem(ctx context.Context, addr, owner string) (*RedeemOffer, error) {
	if owner == "" {
		return nil, errors.Wrap(ErrInvalidParameter, "owner address must be set")
	}
	rec, err := iss.precheck(ctx, addr, store.Transferred)
	if err != nil {
		return nil, err
	}

	units, err := iss.Ledger.AssetHolding(ctx, owner, rec.AssetID)
	if err != nil {
		return nil, errors.Wrapf(err, "checking holding of asset %d", rec.AssetID)
	}
	if units == 0 {
		return nil, errors.Wrapf(ErrInvalidParameter, "owner %s does not hold asset %d", owner, rec.AssetID)
	}

	balance, err := iss.Ledger.AccountBalance(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "checking balance of escrow %s", addr)
	}
	payout := rec.LockedAmount
	if payout == 0 {
		// Assets minted before the locked amount was recorded on-chain:
		// pay out everything above the reserve and fee buffer.
		if balance <= iss.Conf.ReserveMin+iss.Conf.FeeBuffer {
			return nil, errors.Wrapf(ErrInsufficientEscrowBalance,
				"escrow %s holds %d, nothing above reserve to pay out", addr, balance)
		}
		payout = balance - iss.Conf.ReserveMin - iss.Conf.FeeBuffer
	}
	if balance < payout+iss.Conf.ReserveMin+iss.Conf.FeeBuffer {
		return nil, errors.Wrapf(ErrInsufficientEscrowBalance,
			"escrow %s holds %d, needs %d for payout", addr, balance, payout+iss.Conf.ReserveMin+iss.Conf.FeeBuffer)
	}

	sp, err := iss.Ledger.SuggestedParams(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting suggested params")
	}
	group, err := BuildRedeemGroup(rec, owner, payout, sp)
	if err != nil {
		return nil, err
	}
	_, payStx, err := signEscrow(rec.Program, group[1])
	if err != nil {
		return nil, err
	}

	iss.prMu.Lock()
	iss.pendingRedeems[addr] = &pendingRedeem{payoutStx: payStx, payout: payout, owner: owner}
	iss.prMu.Unlock()

	log.Printf("escrow %s redemption built: payout %d to %s", addr, payout, owner)
	return &RedeemOffer{EscrowAddress: addr, ReturnTxn: encodeTxn(group[0]), Payout: payout}, nil
}

// RedeemResult reports a completed redemption.
type RedeemResult struct {
	EscrowAddress string `json:"escrow_address"`
	Payout        uint64 `json:"payout"`
	Remainder     uint64 `json:"remainder"`
	RedeemRound   uint64 `json:"redeem_round"`
}

// SubmitRedeem completes a built redemption: it joins the owner-signed
// asset-return half with the retained escrow-signed payout half,
// submits the group as one unit, and after finality commits Transferred
// to Redeemed. It then runs the cleanup transitions in order: destroy
// the returned asset, then close the escrow's remainder out to the
// owner.
func (iss *Issuer) SubmitRedeem(ctx context.Context, addr string, signedReturn []byte) (*RedeemResult, error) {
	iss.prMu.Lock()
	pr := iss.pendingRedeems[addr]
	iss.prMu.Unlock()
	if pr == nil {
		return nil, errors.Wrapf(ErrInvalidStateTransition, "escrow %s has no redemption in progress", addr)
	}

	rec, err := iss.beginOp(ctx, addr, store.Transferred)
	if err != nil {
		return nil, err
	}
	defer iss.endOp(addr)

	group := make([]byte, 0, len(signedReturn)+len(pr.payoutStx))
	group = append(group, signedReturn...)
	group = append(group, pr.payoutStx...)

	info, err := iss.submitOrResume(ctx, rec, group, "")
	if err != nil {
		return nil, err
	}
	err = iss.commitTransition(addr, store.Redeemed, func() error {
		return iss.Store.SetRedeemed(ctx, addr, pr.payout)
	})
	if err != nil {
		return nil, err
	}
	iss.Metrics.RedeemedAsset()

	iss.prMu.Lock()
	delete(iss.pendingRedeems, addr)
	iss.prMu.Unlock()
	log.Printf("escrow %s redeemed: paid %d to %s at round %d", addr, pr.payout, pr.owner, info.ConfirmedRound)

	err = iss.destroyAsset(ctx, rec)
	if err != nil {
		return nil, err
	}
	remainder, err := iss.closeOut(ctx, rec, pr.owner)
	if err != nil {
		return nil, err
	}
	return &RedeemResult{
		EscrowAddress: addr,
		Payout:        pr.payout,
		Remainder:     remainder,
		RedeemRound:   info.ConfirmedRound,
	}, nil
}

// Destroy removes a redeemed escrow's asset from the ledger, committing
// Redeemed to Destroyed.
func (iss *Issuer) Destroy(ctx context.Context, addr string) error {
	rec, err := iss.beginOp(ctx, addr, store.Redeemed)
	if err != nil {
		return err
	}
	defer iss.endOp(addr)
	return iss.destroyAsset(ctx, rec)
}

// CloseOut empties a destroyed escrow, closing its remaining balance
// out to closeTo and committing Destroyed to Closed. It is refused in
// any earlier state: the asset must be gone before the account that
// anchors it is.
func (iss *Issuer) CloseOut(ctx context.Context, addr, closeTo string) (uint64, error) {
	rec, err := iss.beginOp(ctx, addr, store.Destroyed)
	if err != nil {
		return 0, err
	}
	defer iss.endOp(addr)
	return iss.closeOut(ctx, rec, closeTo)
}

func (iss *Issuer) destroyAsset(ctx context.Context, rec *store.Record) error {
	sp, err := iss.Ledger.SuggestedParams(ctx)
	if err != nil {
		return errors.Wrap(err, "getting suggested params")
	}
	txn, err := BuildDestroy(rec, sp)
	if err != nil {
		return err
	}
	txid, stx, err := signEscrow(rec.Program, txn)
	if err != nil {
		return err
	}
	_, err = iss.submitOrResume(ctx, rec, stx, txid)
	if err != nil {
		return err
	}
	err = iss.commitTransition(rec.EscrowAddress, store.Destroyed, func() error {
		return iss.Store.SetState(ctx, rec.EscrowAddress, store.Redeemed, store.Destroyed)
	})
	if err != nil {
		return err
	}
	log.Printf("escrow %s destroyed asset %d", rec.EscrowAddress, rec.AssetID)
	return nil
}

func (iss *Issuer) closeOut(ctx context.Context, rec *store.Record, closeTo string) (uint64, error) {
	remainder, err := iss.Ledger.AccountBalance(ctx, rec.EscrowAddress)
	if err != nil {
		return 0, errors.Wrapf(err, "checking balance of escrow %s", rec.EscrowAddress)
	}
	sp, err := iss.Ledger.SuggestedParams(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "getting suggested params")
	}
	txn, err := BuildClose(rec, closeTo, sp)
	if err != nil {
		return 0, err
	}
	txid, stx, err := signEscrow(rec.Program, txn)
	if err != nil {
		return 0, err
	}
	_, err = iss.submitOrResume(ctx, rec, stx, txid)
	if err != nil {
		return 0, err
	}
	err = iss.commitTransition(rec.EscrowAddress, store.Closed, func() error {
		return iss.Store.SetClosed(ctx, rec.EscrowAddress, remainder)
	})
	if err != nil {
		return 0, err
	}
	log.Printf("escrow %s closed, %d returned to %s (txid %s)", rec.EscrowAddress, remainder, closeTo, txid)
	return remainder, nil
}
