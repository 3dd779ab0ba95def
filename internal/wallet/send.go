// Package wallet - Transaction completion: fee categories, change handling,
// input selection.
package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MissingSigsMode controls what happens when signing hits an input whose
// private key the wallet does not hold.
type MissingSigsMode int

const (
	// MissingSigsFail propagates ErrMissingPrivateKey.
	MissingSigsFail MissingSigsMode = iota

	// MissingSigsDummy substitutes a fixed-size placeholder signature so
	// size and fee arithmetic stay accurate.
	MissingSigsDummy

	// MissingSigsEmpty substitutes a zero-length placeholder.
	MissingSigsEmpty
)

// SendRequest describes a transaction to be completed by the wallet. The
// embedded transaction may already carry outputs, and may carry inputs the
// caller attached manually; completion adds whatever coin selection, change,
// and signatures are still needed.
type SendRequest struct {
	// Tx is the transaction being completed. Mutated in place.
	Tx *wire.MsgTx

	// FeePerKb is the fee rate. Zero is allowed; the free-relay category
	// may then produce a zero fee.
	FeePerKb btcutil.Amount

	// ChangeAddress receives any change. When nil a fresh wallet address
	// is used.
	ChangeAddress btcutil.Address

	// EnsureMinRequiredFee enforces the network relay floor: dusty sends
	// are rejected and the fee never drops below the reference minimum
	// unless the transaction qualifies for free relay.
	EnsureMinRequiredFee bool

	// EmptyWallet sends everything: the single output is resized to the
	// gathered value minus fee.
	EmptyWallet bool

	// Selector overrides the wallet's default coin selector.
	Selector CoinSelector

	// SignInputs controls whether completion signs what it can.
	SignInputs bool

	// MissingSigs selects the placeholder policy for keys we do not hold.
	MissingSigs MissingSigsMode

	// InputAmounts carries the value of caller-attached inputs, keyed by
	// outpoint. Attached inputs without an entry are accepted
	// optimistically; their unknown value is effectively donated to fee.
	InputAmounts map[wire.OutPoint]btcutil.Amount

	// InputScripts maps caller-attached inputs to their previous output
	// script, for signing.
	InputScripts map[wire.OutPoint][]byte

	// Fee is set by CompleteTx to the fee actually attached.
	Fee btcutil.Amount

	completed bool
}

// NewSendRequest returns a request with the default policy: relay rules
// enforced, inputs signed, default fee rate.
func NewSendRequest(tx *wire.MsgTx) *SendRequest {
	return &SendRequest{
		Tx:                   tx,
		FeePerKb:             DefaultFeePerKb,
		EnsureMinRequiredFee: true,
		SignInputs:           true,
	}
}

// CompleteTx makes the request's transaction valid by adding inputs, change,
// and signatures per the fee policy. On return the transaction is ready for
// broadcast (up to signatures for keys the wallet does not hold).
//
// Fee categories, in priority order:
//  1. size under the free-relay threshold with enough input priority: the
//     fee is whatever the caller's rate demands, possibly zero;
//  2. otherwise the floor fee (size rounded up to the next KB times the
//     rate, never below the reference minimum) with a change output;
//  3. change that would itself be dust is dropped and added to the fee,
//     which can push the fee above the nominal floor.
func (w *Wallet) CompleteTx(req *SendRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if req.completed {
		return ErrRequestCompleted
	}

	// Value the outputs need, minus what caller-attached inputs provide.
	var value btcutil.Amount
	for _, out := range req.Tx.TxOut {
		value += btcutil.Amount(out.Value)
	}
	for _, in := range req.Tx.TxIn {
		if amt, ok := req.InputAmounts[in.PreviousOutPoint]; ok {
			value -= amt
		} else {
			w.log.Warn("attached input has unknown value, it will be counted towards fee",
				"outpoint", in.PreviousOutPoint.String())
		}
	}
	if value < 0 {
		value = 0
	}

	w.log.Info("completing tx",
		"outputs", len(req.Tx.TxOut), "value", value, "fee_per_kb", req.FeePerKb)

	if req.EnsureMinRequiredFee && !req.EmptyWallet {
		dataOutputs := 0
		for _, out := range req.Tx.TxOut {
			if isDataOutput(out) {
				dataOutputs++
				continue
			}
			if isDustOutput(out) {
				return ErrDustySend
			}
		}
		if dataOutputs > 1 {
			return ErrMultipleDataOutputs
		}
	}

	selector := req.Selector
	if selector == nil {
		selector = w.selector
	}
	candidates := w.unspentCoinsLocked()
	originalInputs := make([]*wire.TxIn, len(req.Tx.TxIn))
	copy(originalInputs, req.Tx.TxIn)

	var sel *Selection
	var err error
	if req.EmptyWallet {
		sel, err = w.adjustDownwards(req, selector, candidates, originalInputs)
	} else {
		sel, err = w.planFee(req, selector, candidates, originalInputs, value)
	}
	if err != nil {
		return err
	}

	if req.SignInputs {
		if err := w.signRequestLocked(req, sel); err != nil {
			return err
		}
	}

	if size := req.Tx.SerializeSize(); size > MaxStandardTxSize {
		return ErrExceedsMaxSize
	}

	req.completed = true
	w.log.Info("completed tx", "txid", req.Tx.TxHash().String(), "fee", req.Fee)
	return nil
}

// planFee runs the fee-category loop: select coins, place change, grow the
// fee until it covers the category the transaction lands in.
func (w *Wallet) planFee(req *SendRequest, selector CoinSelector, candidates []*Coin,
	originalInputs []*wire.TxIn, value btcutil.Amount) (*Selection, error) {

	changeScript, err := w.changeScriptLocked(req)
	if err != nil {
		return nil, err
	}

	fee := btcutil.Amount(0)
	for {
		// Re-plan from scratch: clear and rebuild inputs so a category
		// shift can pick an entirely different input set.
		req.Tx.TxIn = append(req.Tx.TxIn[:0], originalInputs...)

		valueNeeded := value + fee
		sel := selector.Select(valueNeeded, candidates)
		if sel.Total < valueNeeded {
			return nil, &InsufficientFundsError{Missing: valueNeeded - sel.Total}
		}

		change := sel.Total - valueNeeded
		var changeOut *wire.TxOut
		if change > 0 {
			changeOut = wire.NewTxOut(int64(change), changeScript)
			if req.EnsureMinRequiredFee && isDustOutput(changeOut) {
				// Change too small to keep: throw it to the miners.
				// The fee can now exceed the nominal floor.
				w.log.Debug("change would be dust, absorbing into fee", "change", change)
				fee += change
				changeOut = nil
				change = 0
			}
		}

		for _, c := range sel.Coins {
			req.Tx.AddTxIn(wire.NewTxIn(&c.OutPoint, nil, nil))
		}

		size := req.Tx.SerializeSize() + estimateSigningBytes(sel)
		if changeOut != nil {
			size += changeOut.SerializeSize()
		}

		feeNeeded := w.requiredFee(req, size, sel)
		if fee >= feeNeeded {
			if changeOut != nil {
				req.Tx.AddTxOut(changeOut)
				w.log.Debug("adding change output", "change", change)
			}
			req.Fee = fee
			return sel, nil
		}

		// Category shifted upward; try again with the bigger fee.
		fee = feeNeeded
	}
}

// requiredFee returns the fee the transaction's category demands.
func (w *Wallet) requiredFee(req *SendRequest, size int, sel *Selection) btcutil.Amount {
	fee := feeForSize(req.FeePerKb, size)
	if !req.EnsureMinRequiredFee {
		return fee
	}
	if size < FreeTxRelaySize && sel.Priority(size) >= FreePriorityThreshold {
		// Free-relay category: no floor applies.
		return fee
	}
	if fee < MinTxFloorFee {
		fee = MinTxFloorFee
	}
	return fee
}

// adjustDownwards implements the empty-wallet path: gather everything and
// shrink the single output by the fee.
func (w *Wallet) adjustDownwards(req *SendRequest, selector CoinSelector,
	candidates []*Coin, originalInputs []*wire.TxIn) (*Selection, error) {

	if len(req.Tx.TxOut) != 1 {
		return nil, fmt.Errorf("%w: emptying requires exactly one output, got %d",
			ErrCouldNotAdjustDownwards, len(req.Tx.TxOut))
	}

	req.Tx.TxIn = append(req.Tx.TxIn[:0], originalInputs...)
	sel := selector.Select(btcutil.MaxSatoshi, candidates)
	if sel.Total == 0 {
		return nil, &InsufficientFundsError{Missing: 1}
	}
	for _, c := range sel.Coins {
		req.Tx.AddTxIn(wire.NewTxIn(&c.OutPoint, nil, nil))
	}

	size := req.Tx.SerializeSize() + estimateSigningBytes(sel)
	fee := w.requiredFee(req, size, sel)

	remaining := sel.Total - fee
	out := req.Tx.TxOut[0]
	if remaining <= 0 || isDustAmount(remaining, len(out.PkScript)) {
		return nil, ErrCouldNotAdjustDownwards
	}
	out.Value = int64(remaining)
	req.Fee = fee
	w.log.Info("emptying wallet", "gathered", sel.Total, "fee", fee)
	return sel, nil
}

// changeScriptLocked resolves the script change should pay to.
func (w *Wallet) changeScriptLocked(req *SendRequest) ([]byte, error) {
	addr := req.ChangeAddress
	if addr == nil {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate change key: %w", err)
		}
		addr, err = w.importKeyLocked(key)
		if err != nil {
			return nil, err
		}
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build change script: %w", err)
	}
	return script, nil
}

// signRequestLocked signs every input the wallet holds a key for. Inputs
// that already carry a signature script are left alone: their existing
// signature is assumed to use flags that survive completion.
func (w *Wallet) signRequestLocked(req *SendRequest, sel *Selection) error {
	scripts := make(map[wire.OutPoint][]byte, len(sel.Coins))
	for _, c := range sel.Coins {
		scripts[c.OutPoint] = c.PkScript
	}
	for op, script := range req.InputScripts {
		scripts[op] = script
	}

	for i, in := range req.Tx.TxIn {
		if len(in.SignatureScript) > 0 {
			continue
		}
		pkScript, ok := scripts[in.PreviousOutPoint]
		if !ok {
			if c, found := w.coins[in.PreviousOutPoint]; found {
				pkScript = c.PkScript
			}
		}
		if pkScript == nil {
			continue
		}

		key := w.keyForScriptLocked(pkScript)
		if key == nil {
			placeholder, err := missingSigScript(req.MissingSigs, in.PreviousOutPoint)
			if err != nil {
				return err
			}
			in.SignatureScript = placeholder
			continue
		}

		sigScript, err := txscript.SignatureScript(
			req.Tx, i, pkScript, txscript.SigHashAll, key, true)
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		in.SignatureScript = sigScript
	}
	return nil
}

// missingSigScript builds the placeholder signature script for an input we
// cannot sign.
func missingSigScript(mode MissingSigsMode, op wire.OutPoint) ([]byte, error) {
	switch mode {
	case MissingSigsDummy:
		return txscript.NewScriptBuilder().
			AddData(DummySignature(txscript.SigHashAll)).Script()
	case MissingSigsEmpty:
		return txscript.NewScriptBuilder().AddData(nil).Script()
	default:
		return nil, fmt.Errorf("%w: input %s", ErrMissingPrivateKey, op.String())
	}
}
