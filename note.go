package escrow

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MaxNoteSize is the ledger's bound on a transaction note.
const MaxNoteSize = 1024

// AssetNote is the auxiliary blob carried in the asset-create
// transaction's note field. Together with the fingerprint in the
// metadata-hash field it makes the asset self-describing: any party
// holding only the asset ID can recover the program, re-derive the
// escrow address, and re-verify the binding.
type AssetNote struct {
	Program      string `json:"program"` // base64 compiled program
	Nonce        uint64 `json:"nonce"`
	LockedAmount uint64 `json:"locked_amount"`
	Version      string `json:"version"`
	CreatedAt    int64  `json:"created_at"`
}

// EncodeAssetNote builds the note blob for a mint transaction.
func EncodeAssetNote(program []byte, nonce, lockedAmount uint64) ([]byte, error) {
	if len(program) == 0 {
		return nil, errors.Wrap(ErrInvalidParameter, "note: empty program")
	}
	note := AssetNote{
		Program:      base64.StdEncoding.EncodeToString(program),
		Nonce:        nonce,
		LockedAmount: lockedAmount,
		Version:      FormatVersion,
		CreatedAt:    time.Now().Unix(),
	}
	enc, err := json.Marshal(note)
	if err != nil {
		return nil, errors.Wrap(err, "encoding asset note")
	}
	if len(enc) > MaxNoteSize {
		return nil, errors.Wrapf(ErrInvalidParameter, "note: %d bytes exceeds %d-byte limit", len(enc), MaxNoteSize)
	}
	return enc, nil
}

// DecodeAssetNote parses a note blob recovered from the chain and
// returns it with the decoded program bytes. LockedAmount may be zero
// for assets minted before the amount was recorded on-chain; callers
// must fall back to the balance-derived payout in that case.
func DecodeAssetNote(raw []byte) (*AssetNote, []byte, error) {
	var note AssetNote
	err := json.Unmarshal(raw, &note)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decoding asset note")
	}
	if note.Program == "" || note.Nonce == 0 {
		return nil, nil, errors.Wrap(ErrInvalidParameter, "note: missing program or nonce")
	}
	program, err := base64.StdEncoding.DecodeString(note.Program)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decoding program from note")
	}
	return &note, program, nil
}
