package escrow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"log"
	"sync"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/bobg/multichan"
	"github.com/pkg/errors"

	"dynft/escrow/ledger"
	"dynft/escrow/store"
)

// Issuer orchestrates escrow lifecycles. It is the sole owner of
// mutable per-escrow state: all transitions go through it, one at a
// time per escrow address. Distinct escrows are independent and
// progress in parallel.
type Issuer struct {
	Conf   Config
	Store  *store.EscrowStore
	Ledger ledger.Ledger
	Waiter *Waiter

	Metrics *Metrics

	// w broadcasts committed StateChanges to any number of watchers.
	w *multichan.W

	mu   sync.Mutex
	busy map[string]bool

	// pendingRedeems holds the escrow-signed payout half of a built
	// redemption group until the wallet-signed return half arrives.
	prMu           sync.Mutex
	pendingRedeems map[string]*pendingRedeem
}

type pendingRedeem struct {
	payoutStx []byte
	payout    uint64
	owner     string
}

// StateChange is the event emitted after every committed transition.
type StateChange struct {
	EscrowAddress string
	State         store.State
}

// NewIssuer wires an issuer from its injected collaborators.
func NewIssuer(conf Config, st *store.EscrowStore, ld ledger.Ledger) *Issuer {
	return &Issuer{
		Conf:   conf,
		Store:  st,
		Ledger: ld,
		Waiter: &Waiter{Ledger: ld, Interval: conf.PollInterval.Duration},
		w:      multichan.New((*StateChange)(nil)),

		busy:           make(map[string]bool),
		pendingRedeems: make(map[string]*pendingRedeem),
	}
}

// Watch returns a reader of future state changes.
func (iss *Issuer) Watch() *multichan.R {
	return iss.w.Reader()
}

func (iss *Issuer) broadcast(addr string, state store.State) {
	iss.w.Write(&StateChange{EscrowAddress: addr, State: state})
}

// precheck loads a record and verifies its lifecycle precondition.
// Failing the guard has no side effect.
func (iss *Issuer) precheck(ctx context.Context, addr string, want store.State) (*store.Record, error) {
	rec, err := iss.Store.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if rec.State != want {
		return nil, errors.Wrapf(ErrInvalidStateTransition,
			"escrow %s is %s, operation requires %s", addr, rec.State, want)
	}
	return rec, nil
}

// beginOp admits one operation for an escrow: it marks the address
// busy, then verifies the lifecycle precondition. A second operation
// arriving while the first is awaiting confirmation is rejected rather
// than queued. The busy mark is not held as a lock across the
// confirmation wait; status reads never consult it.
func (iss *Issuer) beginOp(ctx context.Context, addr string, want store.State) (*store.Record, error) {
	iss.mu.Lock()
	if iss.busy[addr] {
		iss.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidStateTransition, "escrow %s has an operation in flight", addr)
	}
	iss.busy[addr] = true
	iss.mu.Unlock()

	rec, err := iss.precheck(ctx, addr, want)
	if err != nil {
		iss.endOp(addr)
		return nil, err
	}
	return rec, nil
}

func (iss *Issuer) endOp(addr string) {
	iss.mu.Lock()
	delete(iss.busy, addr)
	iss.mu.Unlock()
}

// commitTransition applies a guarded store update and, on success,
// publishes the transition. The store's compare-and-swap is the
// authoritative re-check: if the row left the expected state while the
// operation was awaiting confirmation, the commit reports
// ErrInvalidStateTransition and writes nothing.
func (iss *Issuer) commitTransition(addr string, to store.State, apply func() error) error {
	err := apply()
	if errors.Cause(err) == store.ErrStale {
		return errors.Wrap(ErrInvalidStateTransition, err.Error())
	}
	if err != nil {
		return err
	}
	iss.Metrics.Transition(to.String())
	iss.broadcast(addr, to)
	return nil
}

// newNonce draws the 64-bit per-asset nonce.
func newNonce() (uint64, error) {
	for {
		var b [NonceWidth]byte
		_, err := rand.Read(b[:])
		if err != nil {
			return 0, errors.Wrap(err, "generating nonce")
		}
		n := binary.BigEndian.Uint64(b[:])
		if n != 0 {
			return n, nil
		}
	}
}

// signEscrow signs a transaction sent from the escrow address with the
// program as a logicsig escrow account.
func signEscrow(program []byte, txn types.Transaction) (string, []byte, error) {
	lsa, err := crypto.MakeLogicSigAccountEscrowChecked(program, nil)
	if err != nil {
		return "", nil, errors.Wrap(err, "building logicsig account")
	}
	txid, stx, err := crypto.SignLogicSigAccountTransaction(lsa, txn)
	return txid, stx, errors.Wrap(err, "signing with logicsig")
}

// encodeTxn serializes an unsigned transaction for a wallet to sign.
func encodeTxn(txn types.Transaction) string {
	return base64.StdEncoding.EncodeToString(msgpack.Encode(&txn))
}

// decodeSignedTxn parses a wallet-signed transaction blob.
func decodeSignedTxn(raw []byte) (types.SignedTxn, error) {
	var stx types.SignedTxn
	err := msgpack.Decode(raw, &stx)
	return stx, errors.Wrap(err, "decoding signed txn")
}

// submitAndWait broadcasts a signed blob and blocks until finality. No
// per-escrow lock is held across this call.
func (iss *Issuer) submitAndWait(ctx context.Context, stx []byte, txid string) (FinalizedInfo, error) {
	sent, err := iss.Ledger.SubmitRaw(ctx, stx)
	if err != nil {
		iss.Metrics.Rejected()
		return FinalizedInfo{}, errors.Wrap(ErrTransactionRejected, err.Error())
	}
	if txid == "" {
		txid = sent
	}
	info, err := iss.Waiter.AwaitFinality(ctx, txid, iss.Conf.ConfirmTimeout.Duration)
	if err != nil {
		switch errors.Cause(err) {
		case ErrTransactionRejected:
			iss.Metrics.Rejected()
		case ErrConfirmationTimeout:
			iss.Metrics.Timeout()
		}
		return FinalizedInfo{}, err
	}
	return info, nil
}

// submitOrResume is submitAndWait for escrow-state transitions. The
// txid of every submission is persisted on the record before waiting;
// a timed-out wait leaves it there, so retrying the operation re-enters
// the wait on the original transaction instead of building and
// submitting a second one that could also confirm. A definitive outcome
// (finalized or pool-rejected) clears the stored txid.
func (iss *Issuer) submitOrResume(ctx context.Context, rec *store.Record, stx []byte, txid string) (FinalizedInfo, error) {
	addr := rec.EscrowAddress
	if rec.PendingTxID == "" {
		sent, err := iss.Ledger.SubmitRaw(ctx, stx)
		if err != nil {
			iss.Metrics.Rejected()
			return FinalizedInfo{}, errors.Wrap(ErrTransactionRejected, err.Error())
		}
		if txid == "" {
			txid = sent
		}
		err = iss.Store.SetPendingTxID(ctx, addr, txid)
		if err != nil {
			return FinalizedInfo{}, err
		}
	} else {
		txid = rec.PendingTxID
		log.Printf("escrow %s resuming wait on txid %s", addr, txid)
	}

	info, err := iss.Waiter.AwaitFinality(ctx, txid, iss.Conf.ConfirmTimeout.Duration)
	switch errors.Cause(err) {
	case nil:
		rec.PendingTxID = ""
		err = iss.Store.SetPendingTxID(ctx, addr, "")
		if err != nil {
			return FinalizedInfo{}, err
		}
		return info, nil
	case ErrTransactionRejected:
		iss.Metrics.Rejected()
		rec.PendingTxID = ""
		clearErr := iss.Store.SetPendingTxID(ctx, addr, "")
		if clearErr != nil {
			return FinalizedInfo{}, clearErr
		}
		return FinalizedInfo{}, err
	case ErrConfirmationTimeout:
		iss.Metrics.Timeout()
		return FinalizedInfo{}, err
	}
	return FinalizedInfo{}, err
}
