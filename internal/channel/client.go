// Package channel - Client (payer) state machine.
package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingpay/internal/wallet"
	"github.com/klingon-exchange/klingpay/pkg/helpers"
	"github.com/klingon-exchange/klingpay/pkg/logging"
)

// ClientState is the client machine's protocol phase.
type ClientState string

const (
	ClientNew                    ClientState = "new"
	ClientInitiated              ClientState = "initiated"
	ClientWaitingForSignedRefund ClientState = "waiting_for_signed_refund"
	ClientSaveState              ClientState = "save_state"
	ClientProvideContract        ClientState = "provide_contract"
	ClientReady                  ClientState = "ready"
	ClientExpired                ClientState = "expired"
	ClientClosed                 ClientState = "closed"
)

// clientTransitions is the allowed successor set for each state. Every
// transition goes through transitionTo, which rejects anything not listed.
var clientTransitions = map[ClientState][]ClientState{
	ClientNew:                    {ClientInitiated},
	ClientInitiated:              {ClientWaitingForSignedRefund, ClientSaveState},
	ClientWaitingForSignedRefund: {ClientSaveState},
	ClientSaveState:              {ClientProvideContract},
	ClientProvideContract:        {ClientReady},
	ClientReady:                  {ClientReady, ClientExpired, ClientClosed},
	ClientExpired:                {ClientClosed},
}

// ClientConfig carries everything a client channel needs from its host
// application.
type ClientConfig struct {
	Variant     Variant
	Wallet      *wallet.Wallet
	Broadcaster Broadcaster
	Oracle      ChainOracle

	// Key is the client's channel key. ServerPubKey is the counterparty's
	// compressed public key, learned during the protocol handshake.
	Key          *btcec.PrivateKey
	ServerPubKey []byte

	// FeePerKb prices the contract and refund transactions.
	FeePerKb btcutil.Amount
}

// Client drives the payer side of a channel. Methods must not be called
// concurrently for the same protocol step; the internal mutex only
// guarantees memory visibility and rejects out-of-order calls via the state
// table.
type Client struct {
	mu  sync.Mutex
	cfg ClientConfig

	state      ClientState
	totalValue btcutil.Amount

	// valueToMe is the part of totalValue not yet paid to the server.
	valueToMe btcutil.Amount

	expiry   time.Time
	scripts  *ContractScripts
	contract *wire.MsgTx

	// contractOutput indexes the channel output inside contract.
	contractOutput int

	refundTx  *wire.MsgTx
	refundFee btcutil.Amount

	// clientScript receives refunds and settlement change.
	clientScript []byte

	events chan Event
	log    *logging.Logger
}

// NewClient creates a client channel in the new state.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Wallet == nil || cfg.Broadcaster == nil || cfg.Oracle == nil {
		return nil, fmt.Errorf("wallet, broadcaster, and oracle are required")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("client key is required")
	}
	if len(cfg.ServerPubKey) != compressedPubKeyLen {
		return nil, fmt.Errorf("server pubkey must be %d bytes, got %d",
			compressedPubKeyLen, len(cfg.ServerPubKey))
	}
	if cfg.FeePerKb == 0 {
		cfg.FeePerKb = wallet.DefaultFeePerKb
	}

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(cfg.Key.PubKey().SerializeCompressed()), cfg.Wallet.Params())
	if err != nil {
		return nil, fmt.Errorf("failed to derive client address: %w", err)
	}
	clientScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build client script: %w", err)
	}

	return &Client{
		cfg:          cfg,
		state:        ClientNew,
		clientScript: clientScript,
		events:       make(chan Event, 16),
		log: logging.GetDefault().Component("channel-client").
			With("variant", cfg.Variant.String()),
	}, nil
}

// State returns the current protocol phase.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the client's event stream.
func (c *Client) Events() <-chan Event { return c.events }

// TotalValue returns the value locked in the contract.
func (c *Client) TotalValue() btcutil.Amount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalValue
}

// ValueToMe returns the part of the locked value not yet paid out.
func (c *Client) ValueToMe() btcutil.Amount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valueToMe
}

// ValueSpent returns how much has been paid to the server so far.
func (c *Client) ValueSpent() btcutil.Amount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalValue - c.valueToMe
}

// Expiry returns the channel's expiry time.
func (c *Client) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiry
}

func (c *Client) transitionTo(next ClientState) error {
	for _, allowed := range clientTransitions[c.state] {
		if allowed == next {
			c.log.Info("state transition", "from", c.state, "to", next)
			c.state = next
			c.emit(Event{Type: EventStateChanged, State: string(next)})
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move from %s to %s", ErrIllegalState, c.state, next)
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// refundTxSize is a worst-case serialized size of the one-input one-output
// refund: the multisig scriptSig dominates with two 73-byte signatures.
const refundTxSize = 10 + 41 + 2*75 + 34

// Initiate funds and builds the contract transaction locking totalValue
// until expiry, along with the time-locked refund for variants that exchange
// one. The wallet may spend unconfirmed coins; a channel open is not worth
// waiting a block for.
func (c *Client) Initiate(totalValue btcutil.Amount, expiry time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientNew {
		return fmt.Errorf("%w: initiate called in state %s", ErrIllegalState, c.state)
	}
	if !expiry.After(c.cfg.Oracle.MedianTime()) {
		return fmt.Errorf("%w: expiry %v is already in the past", ErrValueOutOfRange, expiry)
	}

	refundFee := wallet.FeeForSize(c.cfg.FeePerKb, refundTxSize)
	minValue := refundFee + wallet.MinNonDustValue()
	if totalValue < minValue {
		return fmt.Errorf("%w: channel of %s cannot cover the refund fee plus dust floor %s",
			ErrValueOutOfRange, totalValue, minValue)
	}

	clientPubKey := c.cfg.Key.PubKey().SerializeCompressed()
	scripts, err := BuildContractScripts(c.cfg.Variant, clientPubKey,
		c.cfg.ServerPubKey, expiry, c.cfg.Wallet.Params())
	if err != nil {
		return err
	}

	contract := wire.NewMsgTx(wire.TxVersion)
	contract.AddTxOut(wire.NewTxOut(int64(totalValue), scripts.Output))

	req := wallet.NewSendRequest(contract)
	req.FeePerKb = c.cfg.FeePerKb
	req.Selector = &wallet.DefaultSelector{AllowUnconfirmed: true}
	if err := c.cfg.Wallet.CompleteTx(req); err != nil {
		return fmt.Errorf("failed to fund contract: %w", err)
	}

	idx, err := FindContractOutput(contract, scripts.Output)
	if err != nil {
		return err
	}

	c.totalValue = totalValue
	c.valueToMe = totalValue
	c.expiry = expiry
	c.scripts = scripts
	c.contract = contract
	c.contractOutput = idx
	c.log.Info("channel initiated",
		"value", helpers.FormatSatoshis(int64(totalValue)),
		"expiry", expiry.Unix(), "fee", req.Fee)

	if err := c.transitionTo(ClientInitiated); err != nil {
		return err
	}
	if c.cfg.Variant.RequiresRefundExchange() {
		outPoint := wire.OutPoint{Hash: contract.TxHash(), Index: uint32(idx)}
		c.refundFee = refundFee
		c.refundTx = BuildRefundTx(outPoint, totalValue-refundFee, c.clientScript, expiry)
		return c.transitionTo(ClientWaitingForSignedRefund)
	}
	// The time-lock lives inside the contract script, so the client can
	// reclaim alone after expiry and no refund exchange is needed.
	return c.transitionTo(ClientSaveState)
}

// IncompleteRefundTx returns the unsigned refund to send to the server for
// counter-signing.
func (c *Client) IncompleteRefundTx() (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientWaitingForSignedRefund {
		return nil, fmt.Errorf("%w: no refund pending in state %s", ErrIllegalState, c.state)
	}
	return c.refundTx, nil
}

// ProvideRefundSignature accepts the server's counter-signature over the
// refund transaction. The signature must use the NONE plus only-this-input
// sighash mode so the client can later adjust the refund's output (for
// example to add a fee bump) without invalidating it. Any other mode would
// let the server pin the refund and is rejected.
func (c *Client) ProvideRefundSignature(serverSig []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientWaitingForSignedRefund {
		return fmt.Errorf("%w: refund signature provided in state %s", ErrIllegalState, c.state)
	}

	hashType, err := wallet.VerifySignature(
		c.refundTx, 0, c.scripts.Redeem, serverSig, c.cfg.ServerPubKey)
	if err != nil {
		return verificationErrorf(err, "refund counter-signature rejected")
	}
	want := txscript.SigHashNone | txscript.SigHashAnyOneCanPay
	if hashType != want {
		return verificationErrorf(nil,
			"refund signature uses sighash mode %#x, require NONE|ANYONECANPAY (%#x)",
			int(hashType), int(want))
	}

	clientSig, err := wallet.SignInput(
		c.refundTx, 0, c.scripts.Redeem, txscript.SigHashAll, c.cfg.Key)
	if err != nil {
		return err
	}
	scriptSig, err := CooperativeScriptSig(c.cfg.Variant, clientSig, serverSig, c.scripts.Redeem)
	if err != nil {
		return err
	}
	c.refundTx.TxIn[0].SignatureScript = scriptSig
	c.log.Info("refund fully signed", "txid", c.refundTx.TxHash().String())
	return c.transitionTo(ClientSaveState)
}

// MarkSaved acknowledges that the channel has been durably persisted. The
// contract must never reach the server before the refund (or the channel
// record) survives a crash, or funds could be stranded.
func (c *Client) MarkSaved() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientSaveState {
		return fmt.Errorf("%w: nothing to save in state %s", ErrIllegalState, c.state)
	}
	return c.transitionTo(ClientProvideContract)
}

// Contract commits the funded contract to the wallet and returns it for
// delivery to the server. After this the channel is ready for payments.
func (c *Client) Contract() (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientProvideContract {
		return nil, fmt.Errorf("%w: contract requested in state %s", ErrIllegalState, c.state)
	}
	c.cfg.Wallet.Commit(c.contract)
	if err := c.transitionTo(ClientReady); err != nil {
		return nil, err
	}
	c.emit(Event{Type: EventContractBroadcast, Tx: c.contract, Value: c.totalValue})
	return c.contract, nil
}

// RefundTx returns the fully signed refund, available once the server has
// counter-signed.
func (c *Client) RefundTx() (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refundTx == nil || c.state == ClientNew ||
		c.state == ClientInitiated || c.state == ClientWaitingForSignedRefund {
		return nil, fmt.Errorf("%w: refund not complete in state %s", ErrIllegalState, c.state)
	}
	return c.refundTx, nil
}

// RefundFee returns the fee the refund transaction will pay.
func (c *Client) RefundFee() btcutil.Amount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refundFee
}

// IncrementPaymentBy moves amount from the client's share to the server's
// and returns the signature authorizing the new split, plus the amount
// actually applied. When the leftover refund would be dust the applied
// amount is silently enlarged to sweep it, so the return value can exceed
// the request.
func (c *Client) IncrementPaymentBy(amount btcutil.Amount) ([]byte, btcutil.Amount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ClientReady {
		return nil, 0, fmt.Errorf("%w: payment attempted in state %s", ErrIllegalState, c.state)
	}
	if err := c.checkNotExpiredLocked(); err != nil {
		return nil, 0, err
	}
	if amount <= 0 {
		return nil, 0, fmt.Errorf("%w: increment %s is not positive", ErrValueOutOfRange, amount)
	}

	newValueToMe := c.valueToMe - amount
	if newValueToMe < 0 {
		return nil, 0, fmt.Errorf("%w: increment %s exceeds remaining value %s",
			ErrValueOutOfRange, amount, c.valueToMe)
	}
	applied := amount
	if newValueToMe > 0 && newValueToMe < wallet.MinNonDustValue() {
		// A dust refund could never be claimed; sweep it to the server.
		applied += newValueToMe
		newValueToMe = 0
	}

	sig, err := c.signSettlementLocked(newValueToMe)
	if err != nil {
		return nil, 0, err
	}
	c.valueToMe = newValueToMe
	c.log.Info("payment incremented",
		"requested", amount, "applied", applied,
		"value_to_me", helpers.FormatSatoshis(int64(newValueToMe)))
	c.emit(Event{Type: EventPaymentApplied, Value: applied})
	return sig, applied, nil
}

// signSettlementLocked signs a settlement template whose first output
// refunds newValueToMe to the client. SINGLE|ANYONECANPAY commits only to
// this input and that one output, leaving the server free to append its own
// payout. When the client's share hits zero there is no output to protect
// and the mode degrades to NONE|ANYONECANPAY.
func (c *Client) signSettlementLocked(newValueToMe btcutil.Amount) ([]byte, error) {
	tx := c.settlementTemplateLocked(newValueToMe)
	hashType := txscript.SigHashSingle | txscript.SigHashAnyOneCanPay
	if newValueToMe == 0 {
		hashType = txscript.SigHashNone | txscript.SigHashAnyOneCanPay
	}
	return wallet.SignInput(tx, 0, c.scripts.Redeem, hashType, c.cfg.Key)
}

func (c *Client) settlementTemplateLocked(valueToMe btcutil.Amount) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	outPoint := wire.OutPoint{Hash: c.contract.TxHash(), Index: uint32(c.contractOutput)}
	tx.AddTxIn(wire.NewTxIn(&outPoint, nil, nil))
	if valueToMe > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(valueToMe), c.clientScript))
	}
	return tx
}

func (c *Client) checkNotExpiredLocked() error {
	if !c.cfg.Oracle.MedianTime().Before(c.expiry) {
		c.state = ClientExpired
		c.emit(Event{Type: EventStateChanged, State: string(ClientExpired)})
		return fmt.Errorf("%w: channel expired at %v", ErrIllegalState, c.expiry)
	}
	return nil
}

// ObserveSpend inspects a network transaction and, if it spends the contract
// output, treats it as the settlement and closes the channel.
func (c *Client) ObserveSpend(tx *wire.MsgTx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.contract == nil || c.state == ClientClosed {
		return
	}
	outPoint := wire.OutPoint{Hash: c.contract.TxHash(), Index: uint32(c.contractOutput)}
	for _, in := range tx.TxIn {
		if in.PreviousOutPoint != outPoint {
			continue
		}
		c.cfg.Wallet.Observe(tx)
		c.log.Info("settlement observed", "txid", tx.TxHash().String())
		c.state = ClientClosed
		c.emit(Event{Type: EventSettlementSeen, State: string(ClientClosed), Tx: tx})
		return
	}
}

// TimeoutReclaim builds and signs the client's solo reclaim of a CLTV
// contract after expiry. The transaction carries the expiry as locktime so
// CHECKLOCKTIMEVERIFY accepts it, and pays everything minus the refund fee
// back to the client.
func (c *Client) TimeoutReclaim() (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Variant.Form != ScriptP2SHCLTV {
		return nil, fmt.Errorf("%w: contract has no timeout branch", ErrIllegalState)
	}
	if c.contract == nil || c.state == ClientClosed {
		return nil, fmt.Errorf("%w: no reclaimable contract in state %s", ErrIllegalState, c.state)
	}

	fee := wallet.FeeForSize(c.cfg.FeePerKb, refundTxSize)
	value := c.totalValue - fee
	if value < wallet.MinNonDustValue() {
		return nil, fmt.Errorf("%w: reclaim of %s would be dust after fee %s",
			ErrValueOutOfRange, value, fee)
	}

	outPoint := wire.OutPoint{Hash: c.contract.TxHash(), Index: uint32(c.contractOutput)}
	tx := BuildRefundTx(outPoint, value, c.clientScript, c.expiry)
	sig, err := wallet.SignInput(tx, 0, c.scripts.Redeem, txscript.SigHashAll, c.cfg.Key)
	if err != nil {
		return nil, err
	}
	scriptSig, err := TimeoutScriptSig(sig, c.scripts.Redeem)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript = scriptSig
	return tx, nil
}

// ReclaimExpired recovers the client's funds after expiry through whichever
// path the variant offers: broadcasting the counter-signed refund, or the
// contract's own timeout branch.
func (c *Client) ReclaimExpired() (*BroadcastFuture, error) {
	if c.cfg.Variant.RequiresRefundExchange() {
		return c.BroadcastRefund()
	}
	tx, err := c.TimeoutReclaim()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.state = ClientExpired
	c.emit(Event{Type: EventRefundBroadcast, Tx: tx})
	c.mu.Unlock()
	return c.cfg.Broadcaster.Broadcast(tx), nil
}

// BroadcastRefund pushes the time-locked refund to the network. Called by
// the expiry watcher once the locktime has matured and the server has not
// settled.
func (c *Client) BroadcastRefund() (*BroadcastFuture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refundTx == nil || len(c.refundTx.TxIn[0].SignatureScript) == 0 {
		return nil, fmt.Errorf("%w: refund is not fully signed", ErrIllegalState)
	}
	if c.state == ClientClosed {
		return nil, ErrChannelClosed
	}
	c.state = ClientExpired
	c.log.Warn("broadcasting refund", "txid", c.refundTx.TxHash().String())
	c.emit(Event{Type: EventRefundBroadcast, Tx: c.refundTx})
	return c.cfg.Broadcaster.Broadcast(c.refundTx), nil
}
