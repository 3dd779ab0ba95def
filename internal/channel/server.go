// Package channel - Server (payee) state machine.
package channel

import (
	"errors"
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

// ServerState is the server machine's protocol phase.
type ServerState string

const (
	ServerWaitingForRefund             ServerState = "waiting_for_refund"
	ServerWaitingForContract           ServerState = "waiting_for_contract"
	ServerWaitingForContractAcceptance ServerState = "waiting_for_contract_acceptance"
	ServerReady                        ServerState = "ready"
	ServerClosing                      ServerState = "closing"
	ServerClosed                       ServerState = "closed"
	ServerError                        ServerState = "error"
)

var serverTransitions = map[ServerState][]ServerState{
	ServerWaitingForRefund:             {ServerWaitingForContract, ServerClosed, ServerError},
	ServerWaitingForContract:           {ServerWaitingForContractAcceptance, ServerClosed, ServerError},
	ServerWaitingForContractAcceptance: {ServerReady, ServerClosed, ServerError},
	ServerReady:                        {ServerReady, ServerClosing, ServerError},
	ServerClosing:                      {ServerClosed, ServerError},
}

// ServerConfig carries a server channel's collaborators and negotiated
// parameters.
type ServerConfig struct {
	Variant     Variant
	Wallet      *wallet.Wallet
	Broadcaster Broadcaster
	Oracle      ChainOracle

	// Key is the server's channel key. ClientPubKey is learned during the
	// handshake.
	Key          *btcec.PrivateKey
	ClientPubKey []byte

	// MinExpiry is the earliest refund locktime the server accepts. A
	// locktime in the past would let the client reclaim immediately.
	MinExpiry time.Time

	// Expiry is the agreed channel expiry. For the refund-exchanging
	// variant it is taken from the refund's locktime instead.
	Expiry time.Time

	// FeePerKb prices the settlement transaction.
	FeePerKb btcutil.Amount
}

// Server drives the payee side of a channel: counter-sign the refund,
// accept and broadcast the contract, validate each payment increment, and
// settle.
type Server struct {
	mu  sync.Mutex
	cfg ServerConfig

	state   ServerState
	expiry  time.Time
	scripts *ContractScripts

	contract       *wire.MsgTx
	contractOutput int
	totalValue     btcutil.Amount

	// clientScript is where the settlement returns the client's share.
	// With a refund exchange it comes from the refund's output; otherwise
	// it is the client key's P2PKH script.
	clientScript []byte

	// bestValueToMe only moves up; bestValueSig authorizes it.
	bestValueToMe btcutil.Amount
	bestValueSig  []byte

	contractFuture *BroadcastFuture
	closeFuture    *BroadcastFuture
	settlement     *wire.MsgTx

	events chan Event
	log    *logging.Logger
}

// NewServer creates a server channel waiting for the client's first
// artifact: a refund transaction, or directly the contract for variants
// whose script embeds the time-lock.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Wallet == nil || cfg.Broadcaster == nil || cfg.Oracle == nil {
		return nil, fmt.Errorf("wallet, broadcaster, and oracle are required")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("server key is required")
	}
	if len(cfg.ClientPubKey) != compressedPubKeyLen {
		return nil, fmt.Errorf("client pubkey must be %d bytes, got %d",
			compressedPubKeyLen, len(cfg.ClientPubKey))
	}
	if cfg.FeePerKb == 0 {
		cfg.FeePerKb = wallet.DefaultFeePerKb
	}

	s := &Server{
		cfg:    cfg,
		events: make(chan Event, 16),
		log: logging.GetDefault().Component("channel-server").
			With("variant", cfg.Variant.String()),
	}

	if cfg.Variant.RequiresRefundExchange() {
		s.state = ServerWaitingForRefund
		return s, nil
	}

	// The expiry is negotiated up front; derive the contract script now so
	// ProvideContract can byte-compare against it.
	if cfg.Expiry.IsZero() {
		return nil, fmt.Errorf("expiry is required for the %s variant", cfg.Variant)
	}
	scripts, err := BuildContractScripts(cfg.Variant, cfg.ClientPubKey,
		cfg.Key.PubKey().SerializeCompressed(), cfg.Expiry, cfg.Wallet.Params())
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(cfg.ClientPubKey), cfg.Wallet.Params())
	if err != nil {
		return nil, fmt.Errorf("failed to derive client address: %w", err)
	}
	clientScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build client script: %w", err)
	}
	s.scripts = scripts
	s.clientScript = clientScript
	s.expiry = cfg.Expiry
	s.state = ServerWaitingForContract
	return s, nil
}

// State returns the current protocol phase.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the server's event stream.
func (s *Server) Events() <-chan Event { return s.events }

// BestValue returns the highest payment total the server has accepted.
func (s *Server) BestValue() btcutil.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bestValueToMe
}

// Expiry returns the channel expiry the server is holding the client to.
func (s *Server) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

func (s *Server) transitionTo(next ServerState) error {
	for _, allowed := range serverTransitions[s.state] {
		if allowed == next {
			s.log.Info("state transition", "from", s.state, "to", next)
			s.state = next
			s.emit(Event{Type: EventStateChanged, State: string(next)})
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move from %s to %s", ErrIllegalState, s.state, next)
}

func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Server) failLocked(err error) error {
	s.log.Error("channel failed", "err", err)
	s.state = ServerError
	s.emit(Event{Type: EventStateChanged, State: string(ServerError)})
	return err
}

// ProvideRefundTransaction counter-signs the client's time-locked refund.
// The signature uses NONE|ANYONECANPAY: it commits to nothing the client
// might legitimately change later, yet the time-lock it rides on cannot be
// stripped because the input sequence is checked to be non-final. The
// refund's locktime becomes the channel expiry.
func (s *Server) ProvideRefundTransaction(refundTx *wire.MsgTx) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerWaitingForRefund {
		return nil, fmt.Errorf("%w: refund provided in state %s", ErrIllegalState, s.state)
	}
	if len(refundTx.TxIn) != 1 {
		return nil, verificationErrorf(nil, "refund has %d inputs, want 1", len(refundTx.TxIn))
	}
	if len(refundTx.TxOut) != 1 {
		return nil, verificationErrorf(nil, "refund has %d outputs, want 1", len(refundTx.TxOut))
	}
	if refundTx.TxIn[0].Sequence == wire.MaxTxInSequenceNum {
		return nil, verificationErrorf(nil, "refund input sequence is final, locktime would be ignored")
	}
	lockTime := time.Unix(int64(refundTx.LockTime), 0)
	if refundTx.LockTime == 0 || lockTime.Before(s.cfg.MinExpiry) {
		return nil, verificationErrorf(nil,
			"refund locktime %d is before the minimum acceptable expiry %d",
			refundTx.LockTime, s.cfg.MinExpiry.Unix())
	}

	scripts, err := BuildContractScripts(s.cfg.Variant, s.cfg.ClientPubKey,
		s.cfg.Key.PubKey().SerializeCompressed(), lockTime, s.cfg.Wallet.Params())
	if err != nil {
		return nil, err
	}

	sig, err := wallet.SignInput(refundTx, 0, scripts.Redeem,
		txscript.SigHashNone|txscript.SigHashAnyOneCanPay, s.cfg.Key)
	if err != nil {
		return nil, err
	}

	s.scripts = scripts
	s.expiry = lockTime
	s.clientScript = refundTx.TxOut[0].PkScript
	s.log.Info("refund counter-signed",
		"locktime", refundTx.LockTime, "refund_value", refundTx.TxOut[0].Value)
	if err := s.transitionTo(ServerWaitingForContract); err != nil {
		return nil, err
	}
	return sig, nil
}

// ProvideContract validates the client's contract transaction and hands it
// to the broadcaster. The returned future resolves once the network accepts
// it and the channel is ready for payments. Calling again while a broadcast
// is pending, or after one succeeded, is an illegal-state error.
func (s *Server) ProvideContract(contract *wire.MsgTx) (*BroadcastFuture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerWaitingForContract {
		return nil, fmt.Errorf("%w: contract provided in state %s", ErrIllegalState, s.state)
	}

	idx, err := FindContractOutput(contract, s.scripts.Output)
	if err != nil {
		return nil, err
	}
	if s.cfg.Variant.Form == ScriptMultisig {
		clientKey, serverKey, err := ParseMultisigPubKeys(contract.TxOut[idx].PkScript)
		if err != nil {
			return nil, err
		}
		if string(clientKey) != string(s.cfg.ClientPubKey) ||
			string(serverKey) != string(s.cfg.Key.PubKey().SerializeCompressed()) {
			return nil, verificationErrorf(nil, "contract multisig keys are not ours, in order")
		}
	}

	s.contract = contract
	s.contractOutput = idx
	s.totalValue = btcutil.Amount(contract.TxOut[idx].Value)
	if err := s.transitionTo(ServerWaitingForContractAcceptance); err != nil {
		return nil, err
	}

	s.log.Info("broadcasting contract",
		"txid", contract.TxHash().String(),
		"value", helpers.FormatSatoshis(int64(s.totalValue)))
	future := s.cfg.Broadcaster.Broadcast(contract)
	s.contractFuture = future
	go s.awaitContract(future)
	return future, nil
}

func (s *Server) awaitContract(future *BroadcastFuture) {
	<-future.Done()
	s.mu.Lock()
	defer s.mu.Unlock()

	// Closed while the broadcast was pending; the outcome no longer
	// matters.
	if s.state == ServerClosed {
		return
	}
	if err := future.Err(); err != nil {
		s.failLocked(fmt.Errorf("contract broadcast failed: %w", err))
		return
	}
	s.cfg.Wallet.Observe(s.contract)
	if err := s.transitionTo(ServerReady); err != nil {
		s.log.Error("contract accepted in unexpected state", "err", err)
		return
	}
	s.emit(Event{Type: EventContractBroadcast, Tx: s.contract, Value: s.totalValue})
}

// IncrementPayment validates the client's new settlement signature moving
// the server's share up to totalValue minus refundValue. The server keeps
// only the best (highest) value it has seen; anything lower is rejected, as
// is any signature whose encoding or sighash mode is off, and everything
// once the contract's funding has been double spent.
func (s *Server) IncrementPayment(refundValue btcutil.Amount, sig []byte) (btcutil.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case ServerReady:
	case ServerClosing, ServerClosed:
		return 0, ErrChannelClosed
	default:
		return 0, fmt.Errorf("%w: payment received in state %s", ErrIllegalState, s.state)
	}

	if s.cfg.Wallet.IsDead(s.contract.TxHash()) {
		err := verificationErrorf(ErrContractDoubleSpent,
			"contract %s conflicts with a confirmed spend", s.contract.TxHash())
		s.failLocked(err)
		return 0, err
	}

	if refundValue < 0 {
		return 0, fmt.Errorf("%w: negative refund value %s", ErrValueOutOfRange, refundValue)
	}
	if refundValue > 0 && refundValue < wallet.MinNonDustValue() {
		return 0, fmt.Errorf("%w: refund value %s is dust", ErrValueOutOfRange, refundValue)
	}
	newValueToMe := s.totalValue - refundValue
	if newValueToMe < 0 {
		return 0, fmt.Errorf("%w: refund value %s exceeds channel value %s",
			ErrValueOutOfRange, refundValue, s.totalValue)
	}
	if newValueToMe < s.bestValueToMe {
		return 0, fmt.Errorf("%w: payment of %s regresses from the best seen %s",
			ErrValueOutOfRange, newValueToMe, s.bestValueToMe)
	}

	template := s.settlementTemplateLocked(refundValue)
	hashType, err := wallet.VerifySignature(
		template, 0, s.scripts.Redeem, sig, s.cfg.ClientPubKey)
	if err != nil {
		if errors.Is(err, wallet.ErrSigNotCanonical) {
			return 0, verificationErrorf(err, "payment signature is not canonical")
		}
		return 0, verificationErrorf(err, "payment signature rejected")
	}
	want := txscript.SigHashSingle | txscript.SigHashAnyOneCanPay
	if refundValue == 0 {
		want = txscript.SigHashNone | txscript.SigHashAnyOneCanPay
	}
	if hashType != want {
		return 0, verificationErrorf(nil,
			"payment signature uses sighash mode %#x, require %#x", int(hashType), int(want))
	}

	s.bestValueToMe = newValueToMe
	s.bestValueSig = sig
	s.log.Info("payment accepted",
		"value_to_me", helpers.FormatSatoshis(int64(newValueToMe)), "refund", refundValue)
	s.emit(Event{Type: EventPaymentApplied, Value: newValueToMe})
	return newValueToMe, nil
}

// settlementTemplateLocked mirrors the transaction the client signed: the
// contract input plus, when the client keeps a share, one output refunding
// it.
func (s *Server) settlementTemplateLocked(refundValue btcutil.Amount) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	outPoint := wire.OutPoint{Hash: s.contract.TxHash(), Index: uint32(s.contractOutput)}
	tx.AddTxIn(wire.NewTxIn(&outPoint, nil, nil))
	if refundValue > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(refundValue), s.clientScript))
	}
	return tx
}

// Close settles the channel: it completes the settlement transaction with
// the best client signature plus the server's own, and broadcasts it. The
// fee comes out of the server's share; if the share does not cover it the
// close fails instead of settling at a loss. After a successful call,
// further calls return the same future without broadcasting again.
func (s *Server) Close() (*BroadcastFuture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeFuture != nil {
		return s.closeFuture, nil
	}

	// The channel never became usable: no confirmed contract means there
	// is nothing to settle. Mark it closed without broadcasting; the
	// client recovers its funds through its refund.
	switch s.state {
	case ServerWaitingForRefund, ServerWaitingForContract, ServerWaitingForContractAcceptance:
		if err := s.transitionTo(ServerClosed); err != nil {
			return nil, err
		}
		s.log.Info("closed before contract confirmation, nothing to settle")
		future := NewBroadcastFuture(nil)
		future.Resolve(nil)
		s.closeFuture = future
		return future, nil
	}

	if s.state != ServerReady {
		return nil, fmt.Errorf("%w: close called in state %s", ErrIllegalState, s.state)
	}
	if s.bestValueSig == nil {
		return nil, fmt.Errorf("%w: no payment to settle", ErrIllegalState)
	}

	serverAddr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(s.cfg.Key.PubKey().SerializeCompressed()), s.cfg.Wallet.Params())
	if err != nil {
		return nil, fmt.Errorf("failed to derive settlement address: %w", err)
	}
	serverScript, err := txscript.PayToAddrScript(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to build settlement script: %w", err)
	}

	refundValue := s.totalValue - s.bestValueToMe
	tx := s.settlementTemplateLocked(refundValue)
	tx.AddTxOut(wire.NewTxOut(int64(s.bestValueToMe), serverScript))

	// Size the fee with placeholder signatures, then pay it from the
	// server output. The client output is untouchable: the client's
	// signature commits to it.
	dummy, err := CooperativeScriptSig(s.cfg.Variant,
		wallet.DummySignature(txscript.SigHashAll),
		wallet.DummySignature(txscript.SigHashAll), s.scripts.Redeem)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript = dummy
	fee := wallet.FeeForSize(s.cfg.FeePerKb, tx.SerializeSize())
	if fee >= s.bestValueToMe {
		return nil, fmt.Errorf("%w: fee %s, earned %s",
			ErrInsufficientValueForFee, fee, s.bestValueToMe)
	}
	serverOut := tx.TxOut[len(tx.TxOut)-1]
	serverOut.Value = int64(s.bestValueToMe - fee)

	serverSig, err := wallet.SignInput(tx, 0, s.scripts.Redeem, txscript.SigHashAll, s.cfg.Key)
	if err != nil {
		return nil, err
	}
	scriptSig, err := CooperativeScriptSig(s.cfg.Variant, s.bestValueSig, serverSig, s.scripts.Redeem)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript = scriptSig

	if err := s.transitionTo(ServerClosing); err != nil {
		return nil, err
	}
	s.settlement = tx
	s.log.Info("broadcasting settlement",
		"txid", tx.TxHash().String(),
		"value_to_me", helpers.FormatSatoshis(int64(s.bestValueToMe)), "fee", fee)
	future := s.cfg.Broadcaster.Broadcast(tx)
	s.closeFuture = future
	go s.awaitClose(future)
	return future, nil
}

func (s *Server) awaitClose(future *BroadcastFuture) {
	<-future.Done()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := future.Err(); err != nil {
		// Allow a retry with a rebuilt settlement.
		s.closeFuture = nil
		s.failLocked(fmt.Errorf("settlement broadcast failed: %w", err))
		return
	}
	s.cfg.Wallet.Commit(s.settlement)
	if err := s.transitionTo(ServerClosed); err != nil {
		s.log.Error("settlement accepted in unexpected state", "err", err)
		return
	}
	s.emit(Event{Type: EventSettlementSeen, Tx: s.settlement, Value: s.bestValueToMe})
}

// Settlement returns the broadcast settlement transaction, once Close has
// built it.
func (s *Server) Settlement() *wire.MsgTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settlement
}
