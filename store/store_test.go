package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

func testStore(t *testing.T) *EscrowStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testRecord() *Record {
	return &Record{
		EscrowAddress: "ESCROW1",
		Program:       []byte{0x06, 0x01},
		Fingerprint:   []byte{0xaa, 0xbb},
		AssetName:     "Ticket",
		AssetUnit:     "TKT",
		LockedAmount:  500_000,
		Creator:       "CREATOR1",
		Nonce:         42,
		State:         Created,
	}
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	err := s.Insert(ctx, testRecord())
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "ESCROW1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AssetName != "Ticket" || got.LockedAmount != 500_000 || got.Nonce != 42 || got.State != Created {
		t.Errorf("round-tripped record %+v", got)
	}

	_, err = s.Get(ctx, "NOSUCH")
	if errors.Cause(err) != ErrNotFound {
		t.Errorf("missing record: got %v, want ErrNotFound", err)
	}
}

func TestGuardedTransitions(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	err := s.Insert(ctx, testRecord())
	if err != nil {
		t.Fatal(err)
	}

	err = s.SetFunded(ctx, "ESCROW1", 603_000)
	if err != nil {
		t.Fatal(err)
	}
	err = s.SetMinted(ctx, "ESCROW1", 7)
	if err != nil {
		t.Fatal(err)
	}

	// The record is Minted now; re-running the Funded transition must
	// find zero matching rows.
	err = s.SetFunded(ctx, "ESCROW1", 603_000)
	if errors.Cause(err) != ErrStale {
		t.Errorf("stale transition: got %v, want ErrStale", err)
	}

	got, err := s.Get(ctx, "ESCROW1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != Minted || got.AssetID != 7 || got.FundedAmount != 603_000 {
		t.Errorf("record after transitions %+v", got)
	}
}

func TestGetByAsset(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	err := s.Insert(ctx, testRecord())
	if err != nil {
		t.Fatal(err)
	}
	err = s.SetFunded(ctx, "ESCROW1", 603_000)
	if err != nil {
		t.Fatal(err)
	}
	err = s.SetMinted(ctx, "ESCROW1", 7)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByAsset(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if got.EscrowAddress != "ESCROW1" {
		t.Errorf("asset 7 resolved to %s", got.EscrowAddress)
	}
	_, err = s.GetByAsset(ctx, 8)
	if errors.Cause(err) != ErrNotFound {
		t.Errorf("unknown asset: got %v, want ErrNotFound", err)
	}
}

func TestForEachInState(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for _, addr := range []string{"A", "B", "C"} {
		r := testRecord()
		r.EscrowAddress = addr
		err := s.Insert(ctx, r)
		if err != nil {
			t.Fatal(err)
		}
	}
	err := s.SetFunded(ctx, "B", 603_000)
	if err != nil {
		t.Fatal(err)
	}

	var created []string
	err = s.ForEachInState(ctx, Created, func(addr string) error {
		created = append(created, addr)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Errorf("got %d created escrows, want 2: %v", len(created), created)
	}
}

func TestParseState(t *testing.T) {
	for s := Created; s <= Closed; s++ {
		got, ok := ParseState(s.String())
		if !ok || got != s {
			t.Errorf("ParseState(%q) = %v, %v", s.String(), got, ok)
		}
	}
	if _, ok := ParseState("limbo"); ok {
		t.Error("ParseState accepted an unknown name")
	}
}
