package escrow

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/pkg/errors"

	"dynft/escrow/ledger"
)

// escrowSrcFmt is the authorization program evaluated by the node on
// every transaction sent from the escrow address. It admits exactly five
// operation shapes and rejects everything else. The first placeholder is
// the per-asset nonce, pushed and immediately dropped: it never reaches
// control flow and exists only to make the compiled bytes, and therefore
// the derived address, unique. The second is the minimum payout enforced
// on the redemption swap.
const escrowSrcFmt = `#pragma version 6
byte base64 %s
pop
global GroupSize
int 1
==
bnz single
global GroupSize
int 2
==
bnz pair
err

single:
callsub mint
callsub xfernft
||
callsub destroy
||
callsub closeout
||
return

pair:
callsub redeem
callsub destroy
||
callsub closeout
||
return

// mint: create the one-of-one asset; escrow keeps manager and reserve,
// freeze and clawback are burned to the zero address
mint:
txn TypeEnum
int acfg
==
txn ConfigAssetTotal
int 1
==
&&
txn ConfigAssetDecimals
int 0
==
&&
txn ConfigAssetManager
txn Sender
==
&&
txn ConfigAssetReserve
txn Sender
==
&&
txn ConfigAssetFreeze
global ZeroAddress
==
&&
txn ConfigAssetClawback
global ZeroAddress
==
&&
retsub

// xfernft: issue the single unit out of reserve
xfernft:
txn TypeEnum
int axfer
==
txn AssetAmount
int 1
==
&&
txn XferAsset
int 0
!=
&&
txn AssetSender
global ZeroAddress
==
&&
retsub

// redeem: two-transaction atomic swap, this program authorizes index 1.
// Index 0 returns the asset to the escrow; index 1 pays the returner at
// least the minimum payout, with no close-out and no rekey.
redeem:
txn GroupIndex
int 1
==
gtxn 0 TypeEnum
int axfer
==
&&
gtxn 0 AssetAmount
int 1
==
&&
gtxn 0 AssetReceiver
txn Sender
==
&&
gtxn 0 AssetSender
global ZeroAddress
==
&&
gtxn 0 XferAsset
int 0
!=
&&
txn TypeEnum
int pay
==
&&
txn Receiver
gtxn 0 Sender
==
&&
txn Amount
int %d
>=
&&
txn CloseRemainderTo
global ZeroAddress
==
&&
txn RekeyTo
global ZeroAddress
==
&&
retsub

// destroy: remove the existing asset, every role burned
destroy:
txn TypeEnum
int acfg
==
txn ConfigAsset
int 0
!=
&&
txn ConfigAssetManager
global ZeroAddress
==
&&
txn ConfigAssetReserve
global ZeroAddress
==
&&
txn ConfigAssetFreeze
global ZeroAddress
==
&&
txn ConfigAssetClawback
global ZeroAddress
==
&&
txn RekeyTo
global ZeroAddress
==
&&
retsub

// closeout: zero-amount payment that closes the remainder out
closeout:
txn TypeEnum
int pay
==
txn Amount
int 0
==
&&
txn CloseRemainderTo
global ZeroAddress
!=
&&
txn RekeyTo
global ZeroAddress
==
&&
retsub
`

// NonceWidth is the agreed nonce size in bytes.
const NonceWidth = 8

// EscrowProgramSrc generates the program source for one asset. It is a
// pure function: the same (minPayout, nonce) pair always yields
// byte-identical source, and distinct nonces always yield distinct
// compiled programs.
func EscrowProgramSrc(minPayout, nonce uint64) (string, error) {
	if minPayout == 0 {
		return "", errors.Wrap(ErrInvalidParameter, "minPayout must be positive")
	}
	if nonce == 0 {
		return "", errors.Wrap(ErrInvalidParameter, "nonce must be a nonzero 64-bit value")
	}
	return fmt.Sprintf(escrowSrcFmt, base64.StdEncoding.EncodeToString(nonceBytes(nonce)), minPayout), nil
}

func nonceBytes(nonce uint64) []byte {
	var b [NonceWidth]byte
	binary.BigEndian.PutUint64(b[:], nonce)
	return b[:]
}

// DerivedAddress computes the escrow address of a compiled program
// without consulting the node.
func DerivedAddress(program []byte) types.Address {
	return crypto.AddressFromProgram(program)
}

// CompileEscrowProgram generates and remotely compiles the program for
// (minPayout, nonce), cross-checking the node-reported address against
// the locally derived one.
func CompileEscrowProgram(ctx context.Context, ld ledger.Ledger, minPayout, nonce uint64) (src string, program []byte, addr types.Address, err error) {
	src, err = EscrowProgramSrc(minPayout, nonce)
	if err != nil {
		return "", nil, types.Address{}, err
	}
	program, compiledAddr, err := ld.Compile(ctx, src)
	if err != nil {
		return "", nil, types.Address{}, errors.Wrap(ErrCompilationFailure, err.Error())
	}
	addr = DerivedAddress(program)
	if compiledAddr != "" && compiledAddr != addr.String() {
		return "", nil, types.Address{}, errors.Wrapf(ErrCompilationFailure,
			"node-reported address %s does not match derived %s", compiledAddr, addr)
	}
	return src, program, addr, nil
}
