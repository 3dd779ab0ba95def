package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingpay/internal/wallet"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	txs  []*wire.MsgTx
	fail bool

	// hold leaves futures unresolved, like a network that never answers.
	hold bool
}

func (b *fakeBroadcaster) Broadcast(tx *wire.MsgTx) *BroadcastFuture {
	b.mu.Lock()
	b.txs = append(b.txs, tx)
	fail := b.fail
	hold := b.hold
	b.mu.Unlock()

	f := NewBroadcastFuture(tx)
	if hold {
		return f
	}
	if fail {
		f.Resolve(errors.New("rejected by network"))
	} else {
		f.Resolve(nil)
	}
	return f
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.txs)
}

type fakeOracle struct {
	mu     sync.Mutex
	height int32
	now    time.Time
}

func (o *fakeOracle) Height() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.height
}

func (o *fakeOracle) MedianTime() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOracle) advanceTo(t time.Time) {
	o.mu.Lock()
	o.now = t
	o.mu.Unlock()
}

// fundedWallet returns a wallet holding one confirmed coin of the given
// value.
func fundedWallet(t *testing.T, value btcutil.Amount) *wallet.Wallet {
	t.Helper()
	w := wallet.New(&chaincfg.RegressionNetParams)
	key, err := w.FreshKey()
	if err != nil {
		t.Fatalf("FreshKey: %v", err)
	}
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), w.Params())
	if err != nil {
		t.Fatalf("NewAddressPubKeyHash: %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}
	w.AddCoin(&wallet.Coin{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{0xaa}, Index: 0},
		Value:    value,
		PkScript: script,
		Depth:    144,
	})
	return w
}

type testChannel struct {
	client      *Client
	server      *Server
	oracle      *fakeOracle
	broadcaster *fakeBroadcaster
	clientKey   *btcec.PrivateKey
	serverKey   *btcec.PrivateKey
}

// openChannel runs the full handshake for the given variant and leaves both
// sides ready for payments.
func openChannel(t *testing.T, variant Variant, totalValue btcutil.Amount) *testChannel {
	t.Helper()

	oracle := &fakeOracle{height: 1000, now: time.Unix(1800000000, 0)}
	broadcaster := &fakeBroadcaster{}
	expiry := oracle.MedianTime().Add(24 * time.Hour)

	clientKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	serverKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	client, err := NewClient(ClientConfig{
		Variant:      variant,
		Wallet:       fundedWallet(t, btcutil.SatoshiPerBitcoin),
		Broadcaster:  broadcaster,
		Oracle:       oracle,
		Key:          clientKey,
		ServerPubKey: serverKey.PubKey().SerializeCompressed(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	server, err := NewServer(ServerConfig{
		Variant:      variant,
		Wallet:       wallet.New(&chaincfg.RegressionNetParams),
		Broadcaster:  broadcaster,
		Oracle:       oracle,
		Key:          serverKey,
		ClientPubKey: clientKey.PubKey().SerializeCompressed(),
		MinExpiry:    oracle.MedianTime().Add(time.Hour),
		Expiry:       expiry,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	if err := client.Initiate(totalValue, expiry); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	if variant.RequiresRefundExchange() {
		refund, err := client.IncompleteRefundTx()
		if err != nil {
			t.Fatalf("IncompleteRefundTx: %v", err)
		}
		serverSig, err := server.ProvideRefundTransaction(refund)
		if err != nil {
			t.Fatalf("ProvideRefundTransaction: %v", err)
		}
		if err := client.ProvideRefundSignature(serverSig); err != nil {
			t.Fatalf("ProvideRefundSignature: %v", err)
		}
	}
	if err := client.MarkSaved(); err != nil {
		t.Fatalf("MarkSaved: %v", err)
	}
	contract, err := client.Contract()
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}

	future, err := server.ProvideContract(contract)
	if err != nil {
		t.Fatalf("ProvideContract: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := future.Wait(ctx); err != nil {
		t.Fatalf("contract broadcast: %v", err)
	}
	waitFor(t, func() bool { return server.State() == ServerReady })

	return &testChannel{
		client:      client,
		server:      server,
		oracle:      oracle,
		broadcaster: broadcaster,
		clientKey:   clientKey,
		serverKey:   serverKey,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// pay runs one increment end to end and returns the amount applied.
func (tc *testChannel) pay(t *testing.T, amount btcutil.Amount) btcutil.Amount {
	t.Helper()
	sig, applied, err := tc.client.IncrementPaymentBy(amount)
	if err != nil {
		t.Fatalf("IncrementPaymentBy(%d): %v", amount, err)
	}
	if _, err := tc.server.IncrementPayment(tc.client.ValueToMe(), sig); err != nil {
		t.Fatalf("IncrementPayment: %v", err)
	}
	return applied
}

func TestChannelLifecycle(t *testing.T) {
	for _, variant := range []Variant{VariantMultisig, VariantCLTV} {
		t.Run(variant.String(), func(t *testing.T) {
			tc := openChannel(t, variant, 1000000)

			if got := tc.pay(t, 10000); got != 10000 {
				t.Fatalf("applied = %d, want 10000", got)
			}
			tc.pay(t, 25000)
			if got := tc.server.BestValue(); got != 35000 {
				t.Fatalf("server best value = %d, want 35000", got)
			}
			if got := tc.client.ValueSpent(); got != 35000 {
				t.Fatalf("client value spent = %d, want 35000", got)
			}

			future, err := tc.server.Close()
			if err != nil {
				t.Fatalf("Close: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := future.Wait(ctx); err != nil {
				t.Fatalf("settlement broadcast: %v", err)
			}
			waitFor(t, func() bool { return tc.server.State() == ServerClosed })

			settlement := tc.server.Settlement()
			verifySpendsContract(t, tc, settlement)

			tc.client.ObserveSpend(settlement)
			if tc.client.State() != ClientClosed {
				t.Fatalf("client state = %s, want closed after settlement", tc.client.State())
			}
		})
	}
}

// verifySpendsContract runs the settlement's signature script against the
// contract output under consensus script rules.
func verifySpendsContract(t *testing.T, tc *testChannel, spend *wire.MsgTx) {
	t.Helper()
	contractTx := tc.broadcaster.txs[0]
	idx := spend.TxIn[0].PreviousOutPoint.Index
	out := contractTx.TxOut[idx]

	fetcher := txscript.NewCannedPrevOutputFetcher(out.PkScript, out.Value)
	vm, err := txscript.NewEngine(out.PkScript, spend, 0, txscript.StandardVerifyFlags,
		nil, nil, out.Value, fetcher)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Fatalf("settlement does not satisfy the contract script: %v", err)
	}
}

func TestIncrementDustAbsorb(t *testing.T) {
	tc := openChannel(t, VariantMultisig, 1000000)

	remaining := tc.client.ValueToMe()
	sliver := wallet.MinNonDustValue() - 1
	applied := tc.pay(t, remaining-sliver)
	if applied != remaining {
		t.Fatalf("applied = %d, want the dust remainder swept (%d)", applied, remaining)
	}
	if tc.client.ValueToMe() != 0 {
		t.Fatalf("value to me = %d, want 0", tc.client.ValueToMe())
	}
	if tc.server.BestValue() != remaining {
		t.Fatalf("server best value = %d, want %d", tc.server.BestValue(), remaining)
	}
}

func TestServerRejectsValueRegression(t *testing.T) {
	tc := openChannel(t, VariantMultisig, 1000000)
	tc.pay(t, 50000)

	// Re-sign an older, smaller split and replay it.
	if _, _, err := tc.client.IncrementPaymentBy(10000); err != nil {
		t.Fatalf("IncrementPaymentBy: %v", err)
	}
	staleRefund := tc.client.ValueToMe() + 20000
	staleSig := signSettlementFor(t, tc, staleRefund)
	if _, err := tc.server.IncrementPayment(staleRefund, staleSig); !errors.Is(err, ErrValueOutOfRange) {
		t.Fatalf("err = %v, want ErrValueOutOfRange for a regression", err)
	}
}

// signSettlementFor produces a client signature for an arbitrary refund
// value, bypassing the client machine's own monotonic bookkeeping.
func signSettlementFor(t *testing.T, tc *testChannel, refundValue btcutil.Amount) []byte {
	t.Helper()
	contractTx := tc.broadcaster.txs[0]
	scripts, err := BuildContractScripts(VariantMultisig,
		tc.clientKey.PubKey().SerializeCompressed(),
		tc.serverKey.PubKey().SerializeCompressed(),
		tc.client.Expiry(), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("BuildContractScripts: %v", err)
	}
	idx, err := FindContractOutput(contractTx, scripts.Output)
	if err != nil {
		t.Fatalf("FindContractOutput: %v", err)
	}

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(tc.clientKey.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewAddressPubKeyHash: %v", err)
	}
	clientScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	outPoint := wire.OutPoint{Hash: contractTx.TxHash(), Index: uint32(idx)}
	tx.AddTxIn(wire.NewTxIn(&outPoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(refundValue), clientScript))

	sig, err := wallet.SignInput(tx, 0, scripts.Redeem,
		txscript.SigHashSingle|txscript.SigHashAnyOneCanPay, tc.clientKey)
	if err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	return sig
}

func TestServerRejectsWrongSighashMode(t *testing.T) {
	tc := openChannel(t, VariantMultisig, 1000000)

	// A SIGHASH_ALL signature over the right template still gets rejected:
	// it would freeze the settlement shape.
	contractTx := tc.broadcaster.txs[0]
	scripts, _ := BuildContractScripts(VariantMultisig,
		tc.clientKey.PubKey().SerializeCompressed(),
		tc.serverKey.PubKey().SerializeCompressed(),
		tc.client.Expiry(), &chaincfg.RegressionNetParams)
	idx, err := FindContractOutput(contractTx, scripts.Output)
	if err != nil {
		t.Fatalf("FindContractOutput: %v", err)
	}
	outPoint := wire.OutPoint{Hash: contractTx.TxHash(), Index: uint32(idx)}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&outPoint, nil, nil))

	sig, err := wallet.SignInput(tx, 0, scripts.Redeem, txscript.SigHashAll, tc.clientKey)
	if err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	var verr *VerificationError
	if _, err := tc.server.IncrementPayment(0, sig); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want VerificationError for wrong sighash mode", err)
	}
}

func TestClientRejectsWrongRefundSignatureFlags(t *testing.T) {
	oracle := &fakeOracle{now: time.Unix(1800000000, 0)}
	broadcaster := &fakeBroadcaster{}
	expiry := oracle.MedianTime().Add(24 * time.Hour)

	clientKey, _ := btcec.NewPrivateKey()
	serverKey, _ := btcec.NewPrivateKey()
	client, err := NewClient(ClientConfig{
		Variant:      VariantMultisig,
		Wallet:       fundedWallet(t, btcutil.SatoshiPerBitcoin),
		Broadcaster:  broadcaster,
		Oracle:       oracle,
		Key:          clientKey,
		ServerPubKey: serverKey.PubKey().SerializeCompressed(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Initiate(1000000, expiry); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	refund, err := client.IncompleteRefundTx()
	if err != nil {
		t.Fatalf("IncompleteRefundTx: %v", err)
	}

	scripts, _ := BuildContractScripts(VariantMultisig,
		clientKey.PubKey().SerializeCompressed(),
		serverKey.PubKey().SerializeCompressed(),
		expiry, &chaincfg.RegressionNetParams)
	allSig, err := wallet.SignInput(refund, 0, scripts.Redeem, txscript.SigHashAll, serverKey)
	if err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	var verr *VerificationError
	if err := client.ProvideRefundSignature(allSig); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want VerificationError for SIGHASH_ALL refund sig", err)
	}
}

func TestIncrementAfterDoubleSpend(t *testing.T) {
	tc := openChannel(t, VariantMultisig, 1000000)
	tc.pay(t, 40000)

	// A conflicting spend of the contract's own funding input reaches the
	// server's wallet, killing the contract.
	contractTx := tc.broadcaster.txs[0]
	conflict := wire.NewMsgTx(wire.TxVersion)
	conflict.AddTxIn(wire.NewTxIn(&contractTx.TxIn[0].PreviousOutPoint, nil, nil))
	conflict.AddTxOut(wire.NewTxOut(900000, []byte{txscript.OP_TRUE}))
	tc.server.cfg.Wallet.Observe(conflict)

	sig, _, err := tc.client.IncrementPaymentBy(1000)
	if err != nil {
		t.Fatalf("IncrementPaymentBy: %v", err)
	}
	_, err = tc.server.IncrementPayment(tc.client.ValueToMe(), sig)
	if !errors.Is(err, ErrContractDoubleSpent) {
		t.Fatalf("err = %v, want ErrContractDoubleSpent", err)
	}
	if tc.server.State() != ServerError {
		t.Fatalf("server state = %s, want error", tc.server.State())
	}
}

func TestCloseIdempotent(t *testing.T) {
	tc := openChannel(t, VariantMultisig, 1000000)
	tc.pay(t, 50000)

	first, err := tc.server.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, func() bool { return tc.server.State() == ServerClosed })
	broadcasts := tc.broadcaster.count()

	second, err := tc.server.Close()
	if err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if second != first {
		t.Fatal("second Close returned a different future")
	}
	if tc.broadcaster.count() != broadcasts {
		t.Fatal("second Close broadcast again")
	}
}

func TestCloseBeforeContractConfirmation(t *testing.T) {
	oracle := &fakeOracle{now: time.Unix(1800000000, 0)}
	broadcaster := &fakeBroadcaster{hold: true}
	expiry := oracle.MedianTime().Add(24 * time.Hour)
	clientKey, _ := btcec.NewPrivateKey()
	serverKey, _ := btcec.NewPrivateKey()

	client, err := NewClient(ClientConfig{
		Variant: VariantCLTV, Wallet: fundedWallet(t, btcutil.SatoshiPerBitcoin),
		Broadcaster: broadcaster, Oracle: oracle,
		Key: clientKey, ServerPubKey: serverKey.PubKey().SerializeCompressed(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	server, err := NewServer(ServerConfig{
		Variant: VariantCLTV, Wallet: wallet.New(&chaincfg.RegressionNetParams),
		Broadcaster: broadcaster, Oracle: oracle,
		Key: serverKey, ClientPubKey: clientKey.PubKey().SerializeCompressed(),
		MinExpiry: oracle.MedianTime().Add(time.Hour), Expiry: expiry,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	if err := client.Initiate(1000000, expiry); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := client.MarkSaved(); err != nil {
		t.Fatalf("MarkSaved: %v", err)
	}
	contract, err := client.Contract()
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}
	if _, err := server.ProvideContract(contract); err != nil {
		t.Fatalf("ProvideContract: %v", err)
	}
	if got := server.State(); got != ServerWaitingForContractAcceptance {
		t.Fatalf("state = %s, want %s", got, ServerWaitingForContractAcceptance)
	}
	broadcasts := broadcaster.count()

	// The contract broadcast never resolved: closing must not settle,
	// just end the channel so the client can fall back on its refund.
	future, err := server.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := future.Wait(ctx); err != nil {
		t.Fatalf("close future: %v", err)
	}
	if got := server.State(); got != ServerClosed {
		t.Fatalf("state = %s, want %s", got, ServerClosed)
	}
	if broadcaster.count() != broadcasts {
		t.Fatal("close of an unconfirmed channel broadcast a settlement")
	}

	second, err := server.Close()
	if err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if second != future {
		t.Fatal("second Close returned a different future")
	}
	if _, err := server.IncrementPayment(900000, nil); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("IncrementPayment after close = %v, want ErrChannelClosed", err)
	}
}

func TestCloseFeeExceedsEarnings(t *testing.T) {
	oracle := &fakeOracle{now: time.Unix(1800000000, 0)}
	broadcaster := &fakeBroadcaster{}
	expiry := oracle.MedianTime().Add(24 * time.Hour)
	clientKey, _ := btcec.NewPrivateKey()
	serverKey, _ := btcec.NewPrivateKey()

	client, err := NewClient(ClientConfig{
		Variant: VariantMultisig, Wallet: fundedWallet(t, btcutil.SatoshiPerBitcoin),
		Broadcaster: broadcaster, Oracle: oracle,
		Key: clientKey, ServerPubKey: serverKey.PubKey().SerializeCompressed(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	server, err := NewServer(ServerConfig{
		Variant: VariantMultisig, Wallet: wallet.New(&chaincfg.RegressionNetParams),
		Broadcaster: broadcaster, Oracle: oracle,
		Key: serverKey, ClientPubKey: clientKey.PubKey().SerializeCompressed(),
		MinExpiry: oracle.MedianTime().Add(time.Hour),
		FeePerKb:  10 * btcutil.SatoshiPerBitcoin / 1000,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	if err := client.Initiate(1000000, expiry); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	refund, _ := client.IncompleteRefundTx()
	serverSig, err := server.ProvideRefundTransaction(refund)
	if err != nil {
		t.Fatalf("ProvideRefundTransaction: %v", err)
	}
	if err := client.ProvideRefundSignature(serverSig); err != nil {
		t.Fatalf("ProvideRefundSignature: %v", err)
	}
	if err := client.MarkSaved(); err != nil {
		t.Fatalf("MarkSaved: %v", err)
	}
	contract, _ := client.Contract()
	future, err := server.ProvideContract(contract)
	if err != nil {
		t.Fatalf("ProvideContract: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := future.Wait(ctx); err != nil {
		t.Fatalf("contract broadcast: %v", err)
	}
	waitFor(t, func() bool { return server.State() == ServerReady })

	sig, _, err := client.IncrementPaymentBy(10000)
	if err != nil {
		t.Fatalf("IncrementPaymentBy: %v", err)
	}
	if _, err := server.IncrementPayment(client.ValueToMe(), sig); err != nil {
		t.Fatalf("IncrementPayment: %v", err)
	}

	if _, err := server.Close(); !errors.Is(err, ErrInsufficientValueForFee) {
		t.Fatalf("err = %v, want ErrInsufficientValueForFee", err)
	}
}

func TestClientExpiry(t *testing.T) {
	tc := openChannel(t, VariantMultisig, 1000000)
	tc.oracle.advanceTo(tc.client.Expiry().Add(time.Second))

	if _, _, err := tc.client.IncrementPaymentBy(1000); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("err = %v, want ErrIllegalState after expiry", err)
	}
	if tc.client.State() != ClientExpired {
		t.Fatalf("client state = %s, want expired", tc.client.State())
	}
}

func TestRefundScriptExecutes(t *testing.T) {
	tc := openChannel(t, VariantMultisig, 1000000)

	refund, err := tc.client.RefundTx()
	if err != nil {
		t.Fatalf("RefundTx: %v", err)
	}
	contractTx := tc.broadcaster.txs[0]
	out := contractTx.TxOut[refund.TxIn[0].PreviousOutPoint.Index]

	fetcher := txscript.NewCannedPrevOutputFetcher(out.PkScript, out.Value)
	vm, err := txscript.NewEngine(out.PkScript, refund, 0, txscript.StandardVerifyFlags,
		nil, nil, out.Value, fetcher)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Fatalf("refund does not satisfy the contract script: %v", err)
	}
}

func TestTimeoutReclaimExecutes(t *testing.T) {
	tc := openChannel(t, VariantCLTV, 1000000)
	tc.oracle.advanceTo(tc.client.Expiry().Add(time.Hour))

	reclaim, err := tc.client.TimeoutReclaim()
	if err != nil {
		t.Fatalf("TimeoutReclaim: %v", err)
	}
	contractTx := tc.broadcaster.txs[0]
	out := contractTx.TxOut[reclaim.TxIn[0].PreviousOutPoint.Index]

	fetcher := txscript.NewCannedPrevOutputFetcher(out.PkScript, out.Value)
	vm, err := txscript.NewEngine(out.PkScript, reclaim, 0, txscript.StandardVerifyFlags,
		nil, nil, out.Value, fetcher)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Fatalf("timeout reclaim does not satisfy the contract script: %v", err)
	}
}

func TestInitiateInsufficientFunds(t *testing.T) {
	oracle := &fakeOracle{now: time.Unix(1800000000, 0)}
	clientKey, _ := btcec.NewPrivateKey()
	serverKey, _ := btcec.NewPrivateKey()

	client, err := NewClient(ClientConfig{
		Variant: VariantMultisig, Wallet: fundedWallet(t, btcutil.SatoshiPerBitcoin),
		Broadcaster: &fakeBroadcaster{}, Oracle: oracle,
		Key: clientKey, ServerPubKey: serverKey.PubKey().SerializeCompressed(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	err = client.Initiate(btcutil.SatoshiPerBitcoin+5000, oracle.MedianTime().Add(24*time.Hour))
	var insufficient *wallet.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}
	if insufficient.Missing <= 0 {
		t.Fatalf("missing = %d, want positive shortfall", insufficient.Missing)
	}
}

func TestInitiateTooSmall(t *testing.T) {
	oracle := &fakeOracle{now: time.Unix(1800000000, 0)}
	clientKey, _ := btcec.NewPrivateKey()
	serverKey, _ := btcec.NewPrivateKey()

	client, err := NewClient(ClientConfig{
		Variant: VariantMultisig, Wallet: fundedWallet(t, btcutil.SatoshiPerBitcoin),
		Broadcaster: &fakeBroadcaster{}, Oracle: oracle,
		Key: clientKey, ServerPubKey: serverKey.PubKey().SerializeCompressed(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = client.Initiate(100, oracle.MedianTime().Add(24*time.Hour))
	if !errors.Is(err, ErrValueOutOfRange) {
		t.Fatalf("err = %v, want ErrValueOutOfRange", err)
	}
}

func TestProvideContractReentry(t *testing.T) {
	tc := openChannel(t, VariantMultisig, 1000000)
	if _, err := tc.server.ProvideContract(tc.broadcaster.txs[0]); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("err = %v, want ErrIllegalState on re-entry", err)
	}
}
