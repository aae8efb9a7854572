package escrow

import (
	"context"
	"database/sql"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"dynft/escrow/mockledger"
	"dynft/escrow/store"

	_ "github.com/mattn/go-sqlite3"
)

func testIssuer(t *testing.T) (*Issuer, *mockledger.Ledger) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	conf := DefaultConfig()
	conf.PollInterval = duration{time.Millisecond}
	conf.ConfirmTimeout = duration{2 * time.Second}
	ld := mockledger.New()
	return NewIssuer(conf, st, ld), ld
}

// walletSign plays the wallet: it decodes an unsigned transaction from
// its base64 wire form and wraps it as a signed blob. The mock ledger
// does not check signatures.
func walletSign(t *testing.T, b64txn string) []byte {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64txn)
	if err != nil {
		t.Fatal(err)
	}
	var txn types.Transaction
	err = msgpack.Decode(raw, &txn)
	if err != nil {
		t.Fatal(err)
	}
	stx := types.SignedTxn{Txn: txn}
	return msgpack.Encode(&stx)
}

func mustState(t *testing.T, iss *Issuer, addr string, want store.State) {
	t.Helper()
	rec, err := iss.Store.Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != want {
		t.Fatalf("escrow %s is %s, want %s; record:\n%s", addr, rec.State, want, spew.Sdump(rec))
	}
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	iss, ld := testIssuer(t)
	creator := crypto.GenerateAccount().Address.String()
	owner := crypto.GenerateAccount().Address.String()
	ld.Fund(creator, 10_000_000)

	offer, err := iss.RequestMint(ctx, creator, "Ticket", "TKT", 500_000)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(500_000) + iss.Conf.ReserveMin + iss.Conf.FeeBuffer; offer.FundingRequired != want {
		t.Errorf("funding required %d, want %d", offer.FundingRequired, want)
	}
	mustState(t, iss, offer.EscrowAddress, store.Created)

	rec, err := iss.ConfirmFunding(ctx, walletSign(t, offer.FundingTxn))
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != store.Funded || rec.FundedAmount != offer.FundingRequired {
		t.Fatalf("after funding: %+v", rec)
	}

	assetID, err := iss.CommitMint(ctx, offer.EscrowAddress)
	if err != nil {
		t.Fatal(err)
	}
	ai, err := ld.AssetParams(ctx, assetID)
	if err != nil {
		t.Fatal(err)
	}
	if ai.Total != 1 || ai.Decimals != 0 || ai.Reserve != offer.EscrowAddress {
		t.Errorf("minted asset params %+v", ai)
	}
	mustState(t, iss, offer.EscrowAddress, store.Minted)

	// The asset must be auditable from the chain alone.
	desc, err := iss.VerifyAsset(ctx, assetID)
	if err != nil {
		t.Fatal(err)
	}
	if desc.EscrowAddress != offer.EscrowAddress || desc.Nonce != offer.Nonce {
		t.Errorf("re-verified descriptor %+v", desc)
	}

	// No transfer before the recipient opts in.
	err = iss.Transfer(ctx, offer.EscrowAddress, owner)
	if errors.Cause(err) != ErrInvalidParameter {
		t.Fatalf("transfer before opt-in: got %v, want ErrInvalidParameter", err)
	}

	optinTxn, err := iss.OptInTxn(ctx, owner, assetID)
	if err != nil {
		t.Fatal(err)
	}
	err = iss.ConfirmOptIn(ctx, walletSign(t, optinTxn))
	if err != nil {
		t.Fatal(err)
	}
	err = iss.Transfer(ctx, offer.EscrowAddress, owner)
	if err != nil {
		t.Fatal(err)
	}
	units, err := ld.AssetHolding(ctx, owner, assetID)
	if err != nil {
		t.Fatal(err)
	}
	if units != 1 {
		t.Fatalf("owner holds %d units after transfer", units)
	}
	mustState(t, iss, offer.EscrowAddress, store.Transferred)

	roffer, err := iss.RequestRedeem(ctx, offer.EscrowAddress, owner)
	if err != nil {
		t.Fatal(err)
	}
	if roffer.Payout != 500_000 {
		t.Errorf("payout %d, want 500000", roffer.Payout)
	}
	result, err := iss.SubmitRedeem(ctx, offer.EscrowAddress, walletSign(t, roffer.ReturnTxn))
	if err != nil {
		t.Fatal(err)
	}
	if result.Payout != 500_000 {
		t.Errorf("redeemed payout %d, want 500000", result.Payout)
	}
	mustState(t, iss, offer.EscrowAddress, store.Closed)

	// The owner got the payout plus the closed-out remainder, the
	// escrow is empty, the asset is gone.
	ownerBal, err := ld.AccountBalance(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if want := result.Payout + result.Remainder; ownerBal != want {
		t.Errorf("owner balance %d, want %d", ownerBal, want)
	}
	escrowBal, err := ld.AccountBalance(ctx, offer.EscrowAddress)
	if err != nil {
		t.Fatal(err)
	}
	if escrowBal != 0 {
		t.Errorf("escrow retains %d after close-out", escrowBal)
	}
	_, err = ld.AssetParams(ctx, assetID)
	if err == nil {
		t.Error("asset still exists after destroy")
	}

	// A second redemption attempt must find nothing to redeem.
	_, err = iss.RequestRedeem(ctx, offer.EscrowAddress, owner)
	if errors.Cause(err) != ErrInvalidStateTransition {
		t.Errorf("second redeem: got %v, want ErrInvalidStateTransition", err)
	}
}

func TestUnderfundedEscrowStaysCreated(t *testing.T) {
	ctx := context.Background()
	iss, ld := testIssuer(t)
	creator := crypto.GenerateAccount().Address.String()
	ld.Fund(creator, 10_000_000)

	offer, err := iss.RequestMint(ctx, creator, "Ticket", "TKT", 500_000)
	if err != nil {
		t.Fatal(err)
	}

	sp, err := ld.SuggestedParams(ctx)
	if err != nil {
		t.Fatal(err)
	}
	short, err := transaction.MakePaymentTxn(creator, offer.EscrowAddress, offer.FundingRequired-1, nil, "", sp)
	if err != nil {
		t.Fatal(err)
	}
	stx := types.SignedTxn{Txn: short}
	_, err = iss.ConfirmFunding(ctx, msgpack.Encode(&stx))
	if errors.Cause(err) != ErrInsufficientEscrowBalance {
		t.Fatalf("short funding: got %v, want ErrInsufficientEscrowBalance", err)
	}
	mustState(t, iss, offer.EscrowAddress, store.Created)

	// Minting is refused until the escrow is actually funded.
	_, err = iss.CommitMint(ctx, offer.EscrowAddress)
	if errors.Cause(err) != ErrInvalidStateTransition {
		t.Fatalf("mint on created escrow: got %v, want ErrInvalidStateTransition", err)
	}

	// Topping up makes the original transition possible.
	topup, err := transaction.MakePaymentTxn(creator, offer.EscrowAddress, 1, nil, "", sp)
	if err != nil {
		t.Fatal(err)
	}
	stx = types.SignedTxn{Txn: topup}
	rec, err := iss.ConfirmFunding(ctx, msgpack.Encode(&stx))
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != store.Funded {
		t.Fatalf("after top-up: %+v", rec)
	}
}

func TestCleanupOrdering(t *testing.T) {
	ctx := context.Background()
	iss, ld := testIssuer(t)
	creator := crypto.GenerateAccount().Address.String()
	owner := crypto.GenerateAccount().Address.String()
	ld.Fund(creator, 10_000_000)

	offer, err := iss.RequestMint(ctx, creator, "Ticket", "TKT", 500_000)
	if err != nil {
		t.Fatal(err)
	}
	_, err = iss.ConfirmFunding(ctx, walletSign(t, offer.FundingTxn))
	if err != nil {
		t.Fatal(err)
	}
	_, err = iss.CommitMint(ctx, offer.EscrowAddress)
	if err != nil {
		t.Fatal(err)
	}

	// While the asset is live, neither cleanup transition is allowed:
	// the asset must be redeemed before it is destroyed, and destroyed
	// before the account that anchors it is closed.
	err = iss.Destroy(ctx, offer.EscrowAddress)
	if errors.Cause(err) != ErrInvalidStateTransition {
		t.Errorf("destroy on minted escrow: got %v, want ErrInvalidStateTransition", err)
	}
	_, err = iss.CloseOut(ctx, offer.EscrowAddress, owner)
	if errors.Cause(err) != ErrInvalidStateTransition {
		t.Errorf("close-out on minted escrow: got %v, want ErrInvalidStateTransition", err)
	}
	mustState(t, iss, offer.EscrowAddress, store.Minted)
}

func TestConcurrentMintCommitsOnce(t *testing.T) {
	ctx := context.Background()
	iss, ld := testIssuer(t)
	creator := crypto.GenerateAccount().Address.String()
	ld.Fund(creator, 10_000_000)

	offer, err := iss.RequestMint(ctx, creator, "Ticket", "TKT", 500_000)
	if err != nil {
		t.Fatal(err)
	}
	_, err = iss.ConfirmFunding(ctx, walletSign(t, offer.FundingTxn))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := iss.CommitMint(ctx, offer.EscrowAddress)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Cause(err) == ErrInvalidStateTransition:
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Errorf("got %d successes and %d rejections, want 1 and 1", ok, rejected)
	}
	mustState(t, iss, offer.EscrowAddress, store.Minted)

	// Exactly one asset may exist.
	if _, err := ld.AssetParams(ctx, 1); err != nil {
		t.Errorf("first asset missing: %v", err)
	}
	if _, err := ld.AssetParams(ctx, 2); err == nil {
		t.Error("a second asset was minted")
	}
}

func TestCommitMintResumesAfterTimeout(t *testing.T) {
	ctx := context.Background()
	iss, ld := testIssuer(t)
	iss.Conf.ConfirmTimeout = duration{50 * time.Millisecond}
	creator := crypto.GenerateAccount().Address.String()
	ld.Fund(creator, 10_000_000)

	offer, err := iss.RequestMint(ctx, creator, "Ticket", "TKT", 500_000)
	if err != nil {
		t.Fatal(err)
	}
	_, err = iss.ConfirmFunding(ctx, walletSign(t, offer.FundingTxn))
	if err != nil {
		t.Fatal(err)
	}

	// The mint submits but does not finalize inside the wait window.
	// The escrow stays Funded and remembers the in-flight txid.
	ld.StallNext = true
	_, err = iss.CommitMint(ctx, offer.EscrowAddress)
	if errors.Cause(err) != ErrConfirmationTimeout {
		t.Fatalf("stalled mint: got %v, want ErrConfirmationTimeout", err)
	}
	rec, err := iss.Store.Get(ctx, offer.EscrowAddress)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != store.Funded || rec.PendingTxID == "" {
		t.Fatalf("after timeout: state %s, pending txid %q", rec.State, rec.PendingTxID)
	}

	// The original transaction finalizes on the ledger. The retried
	// commit must resume waiting on that txid rather than submit a
	// second mint, which could confirm alongside the first.
	err = ld.Release(rec.PendingTxID)
	if err != nil {
		t.Fatal(err)
	}
	assetID, err := iss.CommitMint(ctx, offer.EscrowAddress)
	if err != nil {
		t.Fatal(err)
	}
	mustState(t, iss, offer.EscrowAddress, store.Minted)

	rec, err = iss.Store.Get(ctx, offer.EscrowAddress)
	if err != nil {
		t.Fatal(err)
	}
	if rec.PendingTxID != "" {
		t.Errorf("pending txid %q survives a finished wait", rec.PendingTxID)
	}
	if rec.AssetID != assetID {
		t.Errorf("recorded asset %d, commit returned %d", rec.AssetID, assetID)
	}
	if _, err := ld.AssetParams(ctx, assetID); err != nil {
		t.Errorf("minted asset missing: %v", err)
	}
	if _, err := ld.AssetParams(ctx, assetID+1); err == nil {
		t.Error("the retry minted a second asset")
	}
}

func TestVerifyAssetRequiresNote(t *testing.T) {
	ctx := context.Background()
	iss, ld := testIssuer(t)
	creator := crypto.GenerateAccount().Address.String()

	sp, err := ld.SuggestedParams(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// A one-of-one asset whose creation carried no note blob, as when
	// the ledger client cannot see creation transactions at all.
	txn, err := transaction.MakeAssetCreateTxn(
		creator, nil, sp, 1, 0, false,
		creator, creator, "", "",
		"TKT", "Ticket", "", "")
	if err != nil {
		t.Fatal(err)
	}
	stx := types.SignedTxn{Txn: txn}
	txid, err := ld.SubmitRaw(ctx, msgpack.Encode(&stx))
	if err != nil {
		t.Fatal(err)
	}
	pi, err := ld.PendingInfo(ctx, txid)
	if err != nil {
		t.Fatal(err)
	}

	_, err = iss.VerifyAsset(ctx, pi.AssetIndex)
	if errors.Cause(err) != ErrInvalidParameter {
		t.Fatalf("noteless asset: got %v, want ErrInvalidParameter", err)
	}
	if !strings.Contains(err.Error(), "note unavailable") {
		t.Errorf("error %q does not say the note is unavailable", err)
	}
}

func TestVerifyAssetDetectsTampering(t *testing.T) {
	ctx := context.Background()
	iss, ld := testIssuer(t)
	creator := crypto.GenerateAccount().Address.String()

	_, program, addr, err := CompileEscrowProgram(ctx, ld, 500_000, 99)
	if err != nil {
		t.Fatal(err)
	}
	note, err := EncodeAssetNote(program, 99, 500_000)
	if err != nil {
		t.Fatal(err)
	}
	sp, err := ld.SuggestedParams(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// An asset whose note and reserve are consistent but whose metadata
	// hash is not the recomputed fingerprint.
	bogus := make([]byte, FingerprintSize)
	bogus[0] = 1
	txn, err := transaction.MakeAssetCreateTxn(
		creator, note, sp, 1, 0, false,
		addr.String(), addr.String(), "", "",
		"TKT", "Ticket", FormatVersion, string(bogus))
	if err != nil {
		t.Fatal(err)
	}
	stx := types.SignedTxn{Txn: txn}
	txid, err := ld.SubmitRaw(ctx, msgpack.Encode(&stx))
	if err != nil {
		t.Fatal(err)
	}
	pi, err := ld.PendingInfo(ctx, txid)
	if err != nil {
		t.Fatal(err)
	}
	_, err = iss.VerifyAsset(ctx, pi.AssetIndex)
	if errors.Cause(err) != ErrFingerprintMismatch {
		t.Errorf("forged metadata hash: got %v, want ErrFingerprintMismatch", err)
	}

	// An asset whose reserve is not the address derived from the
	// program in its own note.
	txn, err = transaction.MakeAssetCreateTxn(
		creator, note, sp, 1, 0, false,
		creator, creator, "", "",
		"TKT", "Ticket", FormatVersion, string(bogus))
	if err != nil {
		t.Fatal(err)
	}
	stx = types.SignedTxn{Txn: txn}
	txid, err = ld.SubmitRaw(ctx, msgpack.Encode(&stx))
	if err != nil {
		t.Fatal(err)
	}
	pi, err = ld.PendingInfo(ctx, txid)
	if err != nil {
		t.Fatal(err)
	}
	_, err = iss.VerifyAsset(ctx, pi.AssetIndex)
	if errors.Cause(err) != ErrAddressMismatch {
		t.Errorf("foreign reserve: got %v, want ErrAddressMismatch", err)
	}
}
