package escrow

import "github.com/pkg/errors"

// Protocol failure kinds. Callers can test for them with errors.Cause
// (or errors.Is); everything else layered on top is message context.
var (
	// ErrInvalidParameter means a request field failed local validation.
	// It is always produced before any network call.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrCompilationFailure means the node rejected generated program
	// source. Fatal: the same source will never compile later.
	ErrCompilationFailure = errors.New("program compilation failed")

	// ErrTransactionRejected means the node's pool or validator refused
	// a submitted transaction. Fatal for that attempt; the caller must
	// rebuild rather than resubmit.
	ErrTransactionRejected = errors.New("transaction rejected")

	// ErrConfirmationTimeout means a submitted transaction was not
	// finalized within the wait window. Transient: the same txid may be
	// waited on again.
	ErrConfirmationTimeout = errors.New("confirmation timed out")

	// ErrInvalidStateTransition means an operation's precondition state
	// did not match the escrow record. No side effect was performed.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrFingerprintMismatch means an on-chain digest does not match the
	// recomputed expectation. Treated as a security alarm, never ignored.
	ErrFingerprintMismatch = errors.New("fingerprint mismatch")

	// ErrInsufficientEscrowBalance means the escrow cannot cover the
	// payout plus its reserve minimum and fee buffer.
	ErrInsufficientEscrowBalance = errors.New("insufficient escrow balance")

	// ErrAddressMismatch means a supplied escrow address does not match
	// the address derived from the program on file.
	ErrAddressMismatch = errors.New("address mismatch")

	// ErrAmountMismatch means a redemption was requested for less than
	// the recorded minimum payout.
	ErrAmountMismatch = errors.New("amount mismatch")
)

// errKinds maps each sentinel to the stable name reported at the HTTP
// boundary.
var errKinds = map[error]string{
	ErrInvalidParameter:          "InvalidParameter",
	ErrCompilationFailure:        "CompilationFailure",
	ErrTransactionRejected:       "TransactionRejected",
	ErrConfirmationTimeout:       "ConfirmationTimeout",
	ErrInvalidStateTransition:    "InvalidStateTransition",
	ErrFingerprintMismatch:       "FingerprintMismatch",
	ErrInsufficientEscrowBalance: "InsufficientEscrowBalance",
	ErrAddressMismatch:           "AddressMismatch",
	ErrAmountMismatch:            "AmountMismatch",
}

// ErrKind returns the taxonomy name for err, or "" if err carries no
// protocol kind.
func ErrKind(err error) string {
	return errKinds[errors.Cause(err)]
}
