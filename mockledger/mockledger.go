// Package mockledger is an in-memory ledger node for tests. It applies
// submitted transactions to real balances and holdings, atomically per
// blob, and advances a round counter on every apply, so confirmation
// waiting and atomic-group semantics can be exercised without a node.
// It does not evaluate programs or check signatures, and it ignores
// fees.
package mockledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"sync"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/pkg/errors"

	"dynft/escrow/ledger"
)

type txResult struct {
	confirmedRound uint64
	poolError      string
	assetIndex     uint64
	stalled        bool
	txns           []types.Transaction // held while stalled
}

// Ledger implements ledger.Ledger in memory.
type Ledger struct {
	mu        sync.Mutex
	round     uint64
	nextAsset uint64
	balances  map[string]uint64
	holdings  map[string]map[uint64]uint64
	optedIn   map[string]map[uint64]bool
	assets    map[uint64]ledger.AssetInfo
	pending   map[string]*txResult

	// RejectNext makes the next submitted blob fail with this pool
	// error. StallNext makes it submit but never confirm.
	RejectNext string
	StallNext  bool
}

// New returns an empty mock ledger.
func New() *Ledger {
	return &Ledger{
		round:     1,
		nextAsset: 1,
		balances:  make(map[string]uint64),
		holdings:  make(map[string]map[uint64]uint64),
		optedIn:   make(map[string]map[uint64]bool),
		assets:    make(map[uint64]ledger.AssetInfo),
		pending:   make(map[string]*txResult),
	}
}

// Fund seeds an account balance.
func (l *Ledger) Fund(addr string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] += amount
}

// Compile "compiles" by hashing the source into a short byte string
// standing in for bytecode. Distinct sources yield distinct programs
// and therefore distinct derived addresses, exactly the property the
// protocol relies on, and the result is small enough to travel in a
// transaction note.
func (l *Ledger) Compile(ctx context.Context, source string) ([]byte, string, error) {
	if source == "" {
		return nil, "", errors.New("empty program source")
	}
	sum := sha256.Sum256([]byte(source))
	program := append([]byte{0x06}, sum[:]...)
	return program, crypto.AddressFromProgram(program).String(), nil
}

// SubmitRaw decodes one or more concatenated signed transactions and
// applies them as one atomic unit: every member validates or none
// applies.
func (l *Ledger) SubmitRaw(ctx context.Context, stx []byte) (string, error) {
	var txns []types.Transaction
	dec := msgpack.NewDecoder(bytes.NewReader(stx))
	for {
		var s types.SignedTxn
		err := dec.Decode(&s)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "decoding submitted blob")
		}
		txns = append(txns, s.Txn)
	}
	if len(txns) == 0 {
		return "", errors.New("empty submission")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	txid := crypto.TransactionIDString(txns[0])
	if l.RejectNext != "" {
		l.pending[txid] = &txResult{poolError: l.RejectNext}
		l.RejectNext = ""
		return txid, nil
	}
	if l.StallNext {
		l.pending[txid] = &txResult{stalled: true, txns: txns}
		l.StallNext = false
		return txid, nil
	}

	for _, txn := range txns {
		err := l.validate(txn)
		if err != nil {
			return "", err
		}
	}

	l.round++
	res := &txResult{confirmedRound: l.round}
	for _, txn := range txns {
		l.apply(txn, res)
	}
	l.pending[txid] = res
	return txid, nil
}

func (l *Ledger) validate(txn types.Transaction) error {
	sender := txn.Sender.String()
	switch txn.Type {
	case types.PaymentTx:
		if l.balances[sender] < uint64(txn.Amount) {
			return errors.Errorf("overspend: %s has %d, needs %d", sender, l.balances[sender], txn.Amount)
		}
	case types.AssetTransferTx:
		id := uint64(txn.XferAsset)
		if txn.AssetAmount > 0 && l.holdings[sender][id] < txn.AssetAmount {
			return errors.Errorf("%s does not hold %d units of asset %d", sender, txn.AssetAmount, id)
		}
		receiver := txn.AssetReceiver.String()
		if txn.AssetAmount > 0 && receiver != sender && !l.optedIn[receiver][id] {
			return errors.Errorf("%s has not opted in to asset %d", receiver, id)
		}
	case types.AssetConfigTx:
		if txn.ConfigAsset != 0 {
			if _, ok := l.assets[uint64(txn.ConfigAsset)]; !ok {
				return errors.Errorf("asset %d does not exist", txn.ConfigAsset)
			}
		}
	}
	return nil
}

func (l *Ledger) apply(txn types.Transaction, res *txResult) {
	sender := txn.Sender.String()
	switch txn.Type {
	case types.PaymentTx:
		amount := uint64(txn.Amount)
		l.balances[sender] -= amount
		l.balances[txn.Receiver.String()] += amount
		if !txn.CloseRemainderTo.IsZero() {
			l.balances[txn.CloseRemainderTo.String()] += l.balances[sender]
			delete(l.balances, sender)
		}
	case types.AssetTransferTx:
		id := uint64(txn.XferAsset)
		receiver := txn.AssetReceiver.String()
		if l.optedIn[receiver] == nil {
			l.optedIn[receiver] = make(map[uint64]bool)
		}
		l.optedIn[receiver][id] = true
		if txn.AssetAmount > 0 {
			l.holdings[sender][id] -= txn.AssetAmount
			if l.holdings[receiver] == nil {
				l.holdings[receiver] = make(map[uint64]uint64)
			}
			l.holdings[receiver][id] += txn.AssetAmount
		}
	case types.AssetConfigTx:
		if txn.ConfigAsset == 0 {
			id := l.nextAsset
			l.nextAsset++
			p := txn.AssetParams
			var hash []byte
			if p.MetadataHash != [32]byte{} {
				hash = append(hash, p.MetadataHash[:]...)
			}
			l.assets[id] = ledger.AssetInfo{
				Name:         p.AssetName,
				UnitName:     p.UnitName,
				Total:        p.Total,
				Decimals:     p.Decimals,
				Creator:      sender,
				Manager:      p.Manager.String(),
				Reserve:      p.Reserve.String(),
				Freeze:       p.Freeze.String(),
				Clawback:     p.Clawback.String(),
				MetadataHash: hash,
				Note:         append([]byte(nil), txn.Note...),
			}
			if l.holdings[sender] == nil {
				l.holdings[sender] = make(map[uint64]uint64)
			}
			l.holdings[sender][id] = p.Total
			if l.optedIn[sender] == nil {
				l.optedIn[sender] = make(map[uint64]bool)
			}
			l.optedIn[sender][id] = true
			res.assetIndex = id
		} else {
			delete(l.assets, uint64(txn.ConfigAsset))
		}
	}
}

// Release finalizes a transaction that was submitted while StallNext
// was set, applying its held transactions now.
func (l *Ledger) Release(txid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.pending[txid]
	if !ok {
		return errors.Errorf("unknown txid %s", txid)
	}
	if !res.stalled {
		return errors.Errorf("txid %s is not stalled", txid)
	}
	for _, txn := range res.txns {
		err := l.validate(txn)
		if err != nil {
			return err
		}
	}
	l.round++
	res.confirmedRound = l.round
	res.stalled = false
	for _, txn := range res.txns {
		l.apply(txn, res)
	}
	res.txns = nil
	return nil
}

func (l *Ledger) PendingInfo(ctx context.Context, txid string) (ledger.PendingInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.pending[txid]
	if !ok {
		return ledger.PendingInfo{}, errors.Errorf("unknown txid %s", txid)
	}
	if res.stalled {
		return ledger.PendingInfo{}, nil
	}
	return ledger.PendingInfo{
		ConfirmedRound: res.confirmedRound,
		PoolError:      res.poolError,
		AssetIndex:     res.assetIndex,
	}, nil
}

func (l *Ledger) AccountBalance(ctx context.Context, addr string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr], nil
}

func (l *Ledger) AssetHolding(ctx context.Context, addr string, assetID uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holdings[addr][assetID], nil
}

func (l *Ledger) AssetParams(ctx context.Context, assetID uint64) (ledger.AssetInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.assets[assetID]
	if !ok {
		return ledger.AssetInfo{}, errors.Errorf("asset %d does not exist", assetID)
	}
	return info, nil
}

func (l *Ledger) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var gh [32]byte
	copy(gh[:], "mockledger-genesis-hash-00000000")
	return types.SuggestedParams{
		Fee:             1000,
		GenesisID:       "mock-v1",
		GenesisHash:     gh[:],
		FirstRoundValid: types.Round(l.round),
		LastRoundValid:  types.Round(l.round + 1000),
		FlatFee:         true,
	}, nil
}
