// Package store persists escrow records in sqlite. It is the only owner
// of escrow rows: there is no module-level registry, callers inject one
// EscrowStore at process start.
package store

import (
	"context"
	"database/sql"

	"github.com/bobg/sqlutil"
	"github.com/pkg/errors"
)

// State is an escrow's lifecycle position, the local mirror of its
// on-chain progress.
type State int

const (
	Created State = iota
	Funded
	Minted
	Transferred
	Redeemed
	Destroyed
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Funded:
		return "funded"
	case Minted:
		return "minted"
	case Transferred:
		return "transferred"
	case Redeemed:
		return "redeemed"
	case Destroyed:
		return "destroyed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ParseState maps a state name back to its value.
func ParseState(name string) (State, bool) {
	for s := Created; s <= Closed; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// ErrNotFound is returned for addresses with no escrow row.
var ErrNotFound = errors.New("escrow not found")

// ErrStale is returned when a guarded update finds the row no longer in
// the expected state.
var ErrStale = errors.New("escrow state changed concurrently")

// Record is one escrow instance. One record corresponds to exactly one
// program, one derived address, and at most one minted asset.
type Record struct {
	EscrowAddress string
	Program       []byte
	Fingerprint   []byte
	AssetName     string
	AssetUnit     string
	LockedAmount  uint64
	Creator       string
	Nonce         uint64
	State         State
	AssetID       uint64 // zero until minted
	FundedAmount  uint64
	OptedIn       bool
	Payout        uint64 // amount actually paid at redemption
	Remainder     uint64 // amount recovered at close-out

	// PendingTxID is the txid of a submitted transaction whose
	// confirmation wait timed out. Empty when no wait is resumable.
	PendingTxID string
}

// EscrowStore wraps the sql handle.
type EscrowStore struct {
	db *sql.DB
}

// New creates the schema if needed and returns the store.
func New(db *sql.DB) (*EscrowStore, error) {
	_, err := db.Exec(schema)
	if err != nil {
		return nil, errors.Wrap(err, "creating db schema")
	}
	return &EscrowStore{db: db}, nil
}

// Insert records a freshly created escrow.
func (s *EscrowStore) Insert(ctx context.Context, r *Record) error {
	const q = `INSERT INTO escrows
		(escrow_address, program, fingerprint, asset_name, asset_unit, locked_amount, creator, nonce, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, q,
		r.EscrowAddress, r.Program, r.Fingerprint, r.AssetName, r.AssetUnit,
		int64(r.LockedAmount), r.Creator, int64(r.Nonce), int(r.State))
	return errors.Wrapf(err, "inserting escrow %s", r.EscrowAddress)
}

// Get loads one record by escrow address.
func (s *EscrowStore) Get(ctx context.Context, addr string) (*Record, error) {
	const q = `SELECT program, fingerprint, asset_name, asset_unit, locked_amount, creator, nonce,
		state, asset_id, funded_amount, opted_in, payout, remainder, pending_txid
		FROM escrows WHERE escrow_address = $1`
	var (
		r                                                 = Record{EscrowAddress: addr}
		locked, nonce, assetID, funded, payout, remainder int64
		state, optedIn                                    int
	)
	err := s.db.QueryRowContext(ctx, q, addr).Scan(
		&r.Program, &r.Fingerprint, &r.AssetName, &r.AssetUnit, &locked, &r.Creator, &nonce,
		&state, &assetID, &funded, &optedIn, &payout, &remainder, &r.PendingTxID)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "escrow %s", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading escrow %s", addr)
	}
	r.LockedAmount = uint64(locked)
	r.Nonce = uint64(nonce)
	r.State = State(state)
	r.AssetID = uint64(assetID)
	r.FundedAmount = uint64(funded)
	r.OptedIn = optedIn != 0
	r.Payout = uint64(payout)
	r.Remainder = uint64(remainder)
	return &r, nil
}

// GetByAsset loads the record for a minted asset.
func (s *EscrowStore) GetByAsset(ctx context.Context, assetID uint64) (*Record, error) {
	const q = `SELECT escrow_address FROM escrows WHERE asset_id = $1`
	var addr string
	err := s.db.QueryRowContext(ctx, q, int64(assetID)).Scan(&addr)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "asset %d", assetID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading escrow for asset %d", assetID)
	}
	return s.Get(ctx, addr)
}

// SetState advances a record from one state to another. The WHERE guard
// makes the transition a compare-and-swap: a concurrent writer that got
// there first leaves this update affecting zero rows, reported as
// ErrStale.
func (s *EscrowStore) SetState(ctx context.Context, addr string, from, to State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escrows SET state = $1 WHERE escrow_address = $2 AND state = $3`,
		int(to), addr, int(from))
	if err != nil {
		return errors.Wrapf(err, "updating state of escrow %s", addr)
	}
	return s.oneRow(res, addr, from)
}

// SetFunded records the observed funding amount alongside the
// Created→Funded transition.
func (s *EscrowStore) SetFunded(ctx context.Context, addr string, amount uint64) error {
	return s.guarded(ctx, addr, Created, Funded, `funded_amount = $2`, int64(amount))
}

// SetMinted stores the assigned asset ID alongside Funded→Minted.
func (s *EscrowStore) SetMinted(ctx context.Context, addr string, assetID uint64) error {
	return s.guarded(ctx, addr, Funded, Minted, `asset_id = $2`, int64(assetID))
}

// SetPendingTxID records (or, with an empty txid, clears) the
// transaction a timed-out confirmation wait may be resumed on. Not a
// lifecycle transition.
func (s *EscrowStore) SetPendingTxID(ctx context.Context, addr, txid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE escrows SET pending_txid = $1 WHERE escrow_address = $2`, txid, addr)
	return errors.Wrapf(err, "recording pending txid for escrow %s", addr)
}

// SetOptedIn flags the recipient's opt-in; not a lifecycle transition.
func (s *EscrowStore) SetOptedIn(ctx context.Context, addr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE escrows SET opted_in = 1 WHERE escrow_address = $1`, addr)
	return errors.Wrapf(err, "flagging opt-in for escrow %s", addr)
}

// SetRedeemed records the payout actually paid alongside
// Transferred→Redeemed.
func (s *EscrowStore) SetRedeemed(ctx context.Context, addr string, payout uint64) error {
	return s.guarded(ctx, addr, Transferred, Redeemed, `payout = $2`, int64(payout))
}

// SetClosed records the recovered remainder alongside Destroyed→Closed.
func (s *EscrowStore) SetClosed(ctx context.Context, addr string, remainder uint64) error {
	return s.guarded(ctx, addr, Destroyed, Closed, `remainder = $2`, int64(remainder))
}

func (s *EscrowStore) guarded(ctx context.Context, addr string, from, to State, set string, arg interface{}) error {
	q := `UPDATE escrows SET state = $1, ` + set + ` WHERE escrow_address = $3 AND state = $4`
	res, err := s.db.ExecContext(ctx, q, int(to), arg, addr, int(from))
	if err != nil {
		return errors.Wrapf(err, "updating escrow %s", addr)
	}
	return s.oneRow(res, addr, from)
}

func (s *EscrowStore) oneRow(res sql.Result, addr string, from State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "checking rows affected by guarded update")
	}
	if n != 1 {
		return errors.Wrapf(ErrStale, "escrow %s not in state %s", addr, from)
	}
	return nil
}

// ForEachInState walks the addresses of all records currently in a
// state.
func (s *EscrowStore) ForEachInState(ctx context.Context, state State, f func(addr string) error) error {
	const q = `SELECT escrow_address FROM escrows WHERE state = $1`
	return sqlutil.ForQueryRows(ctx, s.db, q, int(state), f)
}
