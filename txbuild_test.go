package escrow

import (
	"context"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/pkg/errors"

	"dynft/escrow/mockledger"
	"dynft/escrow/store"
)

func testRecord(t *testing.T) (*store.Record, types.SuggestedParams) {
	t.Helper()
	ctx := context.Background()
	ld := mockledger.New()
	_, program, addr, err := CompileEscrowProgram(ctx, ld, 500_000, 42)
	if err != nil {
		t.Fatal(err)
	}
	fingerprint, _, err := ComputeFingerprint(program, "Ticket", "TKT", 500_000, addr.String(), 42)
	if err != nil {
		t.Fatal(err)
	}
	sp, err := ld.SuggestedParams(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return &store.Record{
		EscrowAddress: addr.String(),
		Program:       program,
		Fingerprint:   fingerprint,
		AssetName:     "Ticket",
		AssetUnit:     "TKT",
		LockedAmount:  500_000,
		Nonce:         42,
		AssetID:       7,
	}, sp
}

func TestRedeemGroupIsStamped(t *testing.T) {
	rec, sp := testRecord(t)
	owner := crypto.GenerateAccount().Address.String()

	group, err := BuildRedeemGroup(rec, owner, rec.LockedAmount, sp)
	if err != nil {
		t.Fatal(err)
	}
	if len(group) != 2 {
		t.Fatalf("got %d group members, want 2", len(group))
	}
	if group[0].Group == (types.Digest{}) {
		t.Fatal("group id not stamped")
	}
	if group[0].Group != group[1].Group {
		t.Error("group members carry different group ids")
	}
	if group[0].Type != types.AssetTransferTx || group[1].Type != types.PaymentTx {
		t.Errorf("group shape %s/%s, want axfer/pay", group[0].Type, group[1].Type)
	}
	if got := group[1].Receiver.String(); got != owner {
		t.Errorf("payout goes to %s, want %s", got, owner)
	}
}

func TestRedeemGroupRejectsShortPayout(t *testing.T) {
	rec, sp := testRecord(t)
	owner := crypto.GenerateAccount().Address.String()

	_, err := BuildRedeemGroup(rec, owner, rec.LockedAmount-1, sp)
	if errors.Cause(err) != ErrAmountMismatch {
		t.Errorf("short payout: got %v, want ErrAmountMismatch", err)
	}
}

func TestRedeemGroupRejectsForeignAddress(t *testing.T) {
	rec, sp := testRecord(t)
	owner := crypto.GenerateAccount().Address.String()

	rec.EscrowAddress = crypto.GenerateAccount().Address.String()
	_, err := BuildRedeemGroup(rec, owner, rec.LockedAmount, sp)
	if errors.Cause(err) != ErrAddressMismatch {
		t.Errorf("foreign address: got %v, want ErrAddressMismatch", err)
	}
}

func TestBuildMintRequiresFingerprint(t *testing.T) {
	rec, sp := testRecord(t)
	rec.Fingerprint = rec.Fingerprint[:16]
	_, err := BuildMint(rec, nil, sp)
	if errors.Cause(err) != ErrInvalidParameter {
		t.Errorf("truncated fingerprint: got %v, want ErrInvalidParameter", err)
	}
}
