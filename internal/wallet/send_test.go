package wallet

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func paymentTx(t *testing.T, w *Wallet, value int64) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(value, foreignScript(t, w.Params())))
	return tx
}

// feePaid returns inputs minus outputs for a completed transaction, looking
// input values up in the wallet's records.
func feePaid(t *testing.T, w *Wallet, tx *wire.MsgTx, inputValues map[wire.OutPoint]btcutil.Amount) btcutil.Amount {
	t.Helper()
	var in, out btcutil.Amount
	for _, txIn := range tx.TxIn {
		v, ok := inputValues[txIn.PreviousOutPoint]
		if !ok {
			t.Fatalf("unknown input %s", txIn.PreviousOutPoint.String())
		}
		in += v
	}
	for _, txOut := range tx.TxOut {
		out += btcutil.Amount(txOut.Value)
	}
	return in - out
}

func TestCompleteTxFreeRelay(t *testing.T) {
	w := testWallet(t)
	c := fund(t, w, btcutil.SatoshiPerBitcoin, 144)

	tx := paymentTx(t, w, 100000)
	req := NewSendRequest(tx)
	req.FeePerKb = 0
	if err := w.CompleteTx(req); err != nil {
		t.Fatalf("CompleteTx: %v", err)
	}

	if req.Fee != 0 {
		t.Fatalf("fee = %d, want 0 for a high-priority small tx", req.Fee)
	}
	if len(tx.TxIn) != 1 || tx.TxIn[0].PreviousOutPoint != c.OutPoint {
		t.Fatal("expected the single funded coin as input")
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want payment plus change", len(tx.TxOut))
	}
	if got := btcutil.Amount(tx.TxOut[1].Value); got != c.Value-100000 {
		t.Fatalf("change = %d, want %d", got, c.Value-100000)
	}
	if len(tx.TxIn[0].SignatureScript) == 0 {
		t.Fatal("input not signed")
	}
}

func TestCompleteTxFloorFee(t *testing.T) {
	w := testWallet(t)
	c := fund(t, w, btcutil.SatoshiPerBitcoin, 1)

	tx := paymentTx(t, w, 100000)
	req := NewSendRequest(tx)
	if err := w.CompleteTx(req); err != nil {
		t.Fatalf("CompleteTx: %v", err)
	}

	if req.Fee != MinTxFloorFee {
		t.Fatalf("fee = %d, want the floor %d for a low-priority tx", req.Fee, MinTxFloorFee)
	}
	vals := map[wire.OutPoint]btcutil.Amount{c.OutPoint: c.Value}
	if got := feePaid(t, w, tx, vals); got != req.Fee {
		t.Fatalf("inputs minus outputs = %d, want attached fee %d", got, req.Fee)
	}
}

func TestCompleteTxDustChangeAbsorbed(t *testing.T) {
	w := testWallet(t)
	// Exactly the payment plus floor fee plus a sliver that is too small
	// to keep as change.
	sliver := MinNonDustValue() - 1
	fund(t, w, 100000+MinTxFloorFee+sliver, 1)

	tx := paymentTx(t, w, 100000)
	req := NewSendRequest(tx)
	if err := w.CompleteTx(req); err != nil {
		t.Fatalf("CompleteTx: %v", err)
	}

	if len(tx.TxOut) != 1 {
		t.Fatalf("outputs = %d, want dust change dropped", len(tx.TxOut))
	}
	if want := MinTxFloorFee + sliver; req.Fee != want {
		t.Fatalf("fee = %d, want floor plus absorbed change %d", req.Fee, want)
	}
}

func TestCompleteTxInsufficientFunds(t *testing.T) {
	w := testWallet(t)
	fund(t, w, 50000, 144)

	tx := paymentTx(t, w, 51234)
	req := NewSendRequest(tx)
	req.FeePerKb = 0
	err := w.CompleteTx(req)

	var insufficient *InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}
	if insufficient.Missing != 1234 {
		t.Fatalf("missing = %d, want 1234", insufficient.Missing)
	}
}

func TestCompleteTxRejectsDustySend(t *testing.T) {
	w := testWallet(t)
	fund(t, w, btcutil.SatoshiPerBitcoin, 144)

	tx := paymentTx(t, w, int64(MinNonDustValue())-1)
	err := w.CompleteTx(NewSendRequest(tx))
	if !errors.Is(err, ErrDustySend) {
		t.Fatalf("err = %v, want ErrDustySend", err)
	}
}

func TestCompleteTxRejectsMultipleDataOutputs(t *testing.T) {
	w := testWallet(t)
	fund(t, w, btcutil.SatoshiPerBitcoin, 144)

	script, err := txscript.NullDataScript([]byte("x"))
	if err != nil {
		t.Fatalf("NullDataScript: %v", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(0, script))
	tx.AddTxOut(wire.NewTxOut(0, script))

	if err := w.CompleteTx(NewSendRequest(tx)); !errors.Is(err, ErrMultipleDataOutputs) {
		t.Fatalf("err = %v, want ErrMultipleDataOutputs", err)
	}
}

func TestCompleteTxEmptyWallet(t *testing.T) {
	w := testWallet(t)
	a := fund(t, w, 60000, 1)
	b := fund(t, w, 40000, 1)

	tx := paymentTx(t, w, 0)
	req := NewSendRequest(tx)
	req.EmptyWallet = true
	if err := w.CompleteTx(req); err != nil {
		t.Fatalf("CompleteTx: %v", err)
	}

	if len(tx.TxIn) != 2 {
		t.Fatalf("inputs = %d, want both coins", len(tx.TxIn))
	}
	want := a.Value + b.Value - req.Fee
	if got := btcutil.Amount(tx.TxOut[0].Value); got != want {
		t.Fatalf("swept output = %d, want %d", got, want)
	}
	if req.Fee != MinTxFloorFee {
		t.Fatalf("fee = %d, want %d", req.Fee, MinTxFloorFee)
	}
}

func TestCompleteTxEmptyWalletTooSmall(t *testing.T) {
	w := testWallet(t)
	fund(t, w, MinTxFloorFee+MinNonDustValue()-1, 1)

	tx := paymentTx(t, w, 0)
	req := NewSendRequest(tx)
	req.EmptyWallet = true
	if err := w.CompleteTx(req); !errors.Is(err, ErrCouldNotAdjustDownwards) {
		t.Fatalf("err = %v, want ErrCouldNotAdjustDownwards", err)
	}
}

func TestCompleteTxRequestReuse(t *testing.T) {
	w := testWallet(t)
	fund(t, w, btcutil.SatoshiPerBitcoin, 144)

	req := NewSendRequest(paymentTx(t, w, 100000))
	if err := w.CompleteTx(req); err != nil {
		t.Fatalf("first CompleteTx: %v", err)
	}
	if err := w.CompleteTx(req); !errors.Is(err, ErrRequestCompleted) {
		t.Fatalf("err = %v, want ErrRequestCompleted", err)
	}
}

func TestCompleteTxSignaturesVerify(t *testing.T) {
	w := testWallet(t)
	c := fund(t, w, btcutil.SatoshiPerBitcoin, 144)

	tx := paymentTx(t, w, 100000)
	req := NewSendRequest(tx)
	if err := w.CompleteTx(req); err != nil {
		t.Fatalf("CompleteTx: %v", err)
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(c.PkScript, int64(c.Value))
	vm, err := txscript.NewEngine(c.PkScript, tx, 0, txscript.StandardVerifyFlags,
		nil, nil, int64(c.Value), fetcher)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Fatalf("signature script does not verify: %v", err)
	}
}

func TestCompleteTxAttachedInputValueCounted(t *testing.T) {
	w := testWallet(t)
	fund(t, w, btcutil.SatoshiPerBitcoin, 144)

	// The attached input covers most of the payment, so selection only
	// needs the remainder.
	attached := wire.OutPoint{Index: 7}
	tx := paymentTx(t, w, 100000)
	tx.AddTxIn(wire.NewTxIn(&attached, []byte{txscript.OP_TRUE}, nil))

	req := NewSendRequest(tx)
	req.FeePerKb = 0
	req.EnsureMinRequiredFee = false
	req.InputAmounts = map[wire.OutPoint]btcutil.Amount{attached: 90000}
	if err := w.CompleteTx(req); err != nil {
		t.Fatalf("CompleteTx: %v", err)
	}

	// One selected input plus the attached one, change for everything
	// beyond the uncovered 10000.
	if len(tx.TxIn) != 2 {
		t.Fatalf("inputs = %d, want 2", len(tx.TxIn))
	}
	change := btcutil.Amount(tx.TxOut[len(tx.TxOut)-1].Value)
	if want := btcutil.Amount(btcutil.SatoshiPerBitcoin) - 10000; change != want {
		t.Fatalf("change = %d, want %d", change, want)
	}
}

func TestCompleteTxMissingKeyModes(t *testing.T) {
	w := testWallet(t)
	fund(t, w, btcutil.SatoshiPerBitcoin, 144)

	foreign := foreignScript(t, w.Params())
	newReq := func(mode MissingSigsMode) *SendRequest {
		attached := wire.OutPoint{Index: 3}
		tx := paymentTx(t, w, 100000)
		tx.AddTxIn(wire.NewTxIn(&attached, nil, nil))
		req := NewSendRequest(tx)
		req.FeePerKb = 0
		req.MissingSigs = mode
		req.InputAmounts = map[wire.OutPoint]btcutil.Amount{attached: 90000}
		req.InputScripts = map[wire.OutPoint][]byte{attached: foreign}
		return req
	}

	if err := w.CompleteTx(newReq(MissingSigsFail)); !errors.Is(err, ErrMissingPrivateKey) {
		t.Fatalf("fail mode err = %v, want ErrMissingPrivateKey", err)
	}

	req := newReq(MissingSigsDummy)
	if err := w.CompleteTx(req); err != nil {
		t.Fatalf("dummy mode: %v", err)
	}
	if got := len(req.Tx.TxIn[0].SignatureScript); got != 74 {
		t.Fatalf("dummy placeholder script length = %d, want 74", got)
	}

	req = newReq(MissingSigsEmpty)
	if err := w.CompleteTx(req); err != nil {
		t.Fatalf("empty mode: %v", err)
	}
	if got := len(req.Tx.TxIn[0].SignatureScript); got != 1 {
		t.Fatalf("empty placeholder script length = %d, want 1", got)
	}
}
