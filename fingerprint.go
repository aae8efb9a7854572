package escrow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// FormatVersion tags the fingerprint/note layout so assets remain
// recoverable across format changes.
const FormatVersion = "v1"

// FingerprintSize is the digest width; it matches the ledger's asset
// metadata-hash field.
const FingerprintSize = sha256.Size

// Descriptor is the audit record behind a fingerprint: every bound
// input, plus a digest and length of the program bytes alone. Field
// order is the canonical encoding order; do not reorder.
type Descriptor struct {
	AssetName     string `json:"asset_name"`
	AssetUnit     string `json:"asset_unit"`
	EscrowAddress string `json:"escrow_address"`
	LockedAmount  uint64 `json:"locked_amount"`
	ProgramSHA256 string `json:"program_sha256"`
	ProgramSize   int    `json:"program_size"`
	Nonce         uint64 `json:"nonce"`
	Version       string `json:"version"`
}

// ComputeFingerprint binds a compiled program to its asset's economic
// parameters. Recomputing over identical inputs always yields the same
// digest; changing any single input changes it. No input may be empty.
func ComputeFingerprint(program []byte, assetName, assetUnit string, lockedAmount uint64, escrowAddr string, nonce uint64) ([]byte, *Descriptor, error) {
	switch {
	case len(program) == 0:
		return nil, nil, errors.Wrap(ErrInvalidParameter, "fingerprint: empty program")
	case assetName == "":
		return nil, nil, errors.Wrap(ErrInvalidParameter, "fingerprint: empty asset name")
	case assetUnit == "":
		return nil, nil, errors.Wrap(ErrInvalidParameter, "fingerprint: empty asset unit")
	case lockedAmount == 0:
		return nil, nil, errors.Wrap(ErrInvalidParameter, "fingerprint: zero locked amount")
	case escrowAddr == "":
		return nil, nil, errors.Wrap(ErrInvalidParameter, "fingerprint: empty escrow address")
	case nonce == 0:
		return nil, nil, errors.Wrap(ErrInvalidParameter, "fingerprint: zero nonce")
	}

	progDigest := sha256.Sum256(program)
	desc := &Descriptor{
		AssetName:     assetName,
		AssetUnit:     assetUnit,
		EscrowAddress: escrowAddr,
		LockedAmount:  lockedAmount,
		ProgramSHA256: hex.EncodeToString(progDigest[:]),
		ProgramSize:   len(program),
		Nonce:         nonce,
		Version:       FormatVersion,
	}

	// json.Marshal of a struct emits fields in declaration order, so the
	// hashed encoding is canonical.
	enc, err := json.Marshal(desc)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encoding fingerprint descriptor")
	}
	digest := sha256.Sum256(enc)
	return digest[:], desc, nil
}

// VerifyFingerprint recomputes the digest from the expected inputs and
// compares exactly. There is no partial match.
func VerifyFingerprint(observed, program []byte, assetName, assetUnit string, lockedAmount uint64, escrowAddr string, nonce uint64) (bool, error) {
	want, _, err := ComputeFingerprint(program, assetName, assetUnit, lockedAmount, escrowAddr, nonce)
	if err != nil {
		return false, err
	}
	return bytes.Equal(observed, want), nil
}
