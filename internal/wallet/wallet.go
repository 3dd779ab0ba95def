// Package wallet implements the coin and key management layer under the
// payment channel protocol: unspent output tracking, coin selection, fee
// policy, transaction completion and signing.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingpay/pkg/logging"
)

// Coin is a spendable transaction output tracked by the wallet.
type Coin struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// Depth is the confirmation depth. Zero means unconfirmed.
	Depth int32

	// FromSelf marks unconfirmed outputs of our own transactions, which
	// the default selector treats as spendable.
	FromSelf bool
}

// EventType identifies a wallet event.
type EventType string

const (
	EventCoinsReceived EventType = "coins_received"
	EventCoinsSent     EventType = "coins_sent"
	EventTxDead        EventType = "tx_dead"
)

// Event is published on the wallet's event channel when its coin set changes.
// Consumers read from Events; the wallet never blocks on a slow consumer.
type Event struct {
	Type  EventType
	TxID  chainhash.Hash
	Tx    *wire.MsgTx
	Value btcutil.Amount
}

// Wallet tracks keys and unspent outputs and completes transactions against
// them. All exported methods are safe for concurrent use; coin selection and
// input marking happen under one lock so two transactions can never claim the
// same output.
type Wallet struct {
	mu sync.Mutex

	params *chaincfg.Params

	// keys indexed by the hash160 of the compressed pubkey.
	keys map[[20]byte]*btcec.PrivateKey

	coins map[wire.OutPoint]*Coin

	// spentBy records which transaction consumed an outpoint.
	spentBy map[wire.OutPoint]chainhash.Hash

	// txs holds every transaction the wallet has committed or observed.
	txs map[chainhash.Hash]*wire.MsgTx

	// dead marks transactions whose inputs were observed spent elsewhere.
	dead map[chainhash.Hash]bool

	selector CoinSelector
	events   chan Event
	log      *logging.Logger
}

// New creates an empty wallet for the given network.
func New(params *chaincfg.Params) *Wallet {
	return &Wallet{
		params:   params,
		keys:     make(map[[20]byte]*btcec.PrivateKey),
		coins:    make(map[wire.OutPoint]*Coin),
		spentBy:  make(map[wire.OutPoint]chainhash.Hash),
		txs:      make(map[chainhash.Hash]*wire.MsgTx),
		dead:     make(map[chainhash.Hash]bool),
		selector: &DefaultSelector{},
		events:   make(chan Event, 64),
		log:      logging.GetDefault().Component("wallet"),
	}
}

// Params returns the chain parameters the wallet was created with.
func (w *Wallet) Params() *chaincfg.Params {
	return w.params
}

// Events returns the wallet's event channel.
func (w *Wallet) Events() <-chan Event {
	return w.events
}

// ImportKey adds a private key to the wallet and returns the P2PKH address
// derived from it.
func (w *Wallet) ImportKey(key *btcec.PrivateKey) (btcutil.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.importKeyLocked(key)
}

// FreshKey generates a new private key, adds it to the wallet, and returns it.
func (w *Wallet) FreshKey() (*btcec.PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if _, err := w.ImportKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// FreshChangeAddress generates a new key and returns its P2PKH address.
func (w *Wallet) FreshChangeAddress() (btcutil.Address, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate change key: %w", err)
	}
	return w.ImportKey(key)
}

func (w *Wallet) importKeyLocked(key *btcec.PrivateKey) (btcutil.Address, error) {
	pubKeyHash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	var id [20]byte
	copy(id[:], pubKeyHash)
	w.keys[id] = key

	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, w.params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %w", err)
	}
	return addr, nil
}

// PrivateKeyFor returns the private key matching a serialized public key, or
// nil if the wallet does not hold it.
func (w *Wallet) PrivateKeyFor(pubKey []byte) *btcec.PrivateKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.keyForPubKeyLocked(pubKey)
}

func (w *Wallet) keyForPubKeyLocked(pubKey []byte) *btcec.PrivateKey {
	var id [20]byte
	copy(id[:], btcutil.Hash160(pubKey))
	return w.keys[id]
}

// keyForScript resolves the private key able to sign a P2PKH output script.
func (w *Wallet) keyForScriptLocked(pkScript []byte) *btcec.PrivateKey {
	if txscript.GetScriptClass(pkScript) != txscript.PubKeyHashTy {
		return nil
	}
	// OP_DUP OP_HASH160 <20 bytes> OP_EQUALVERIFY OP_CHECKSIG
	var id [20]byte
	copy(id[:], pkScript[3:23])
	return w.keys[id]
}

// AddCoin registers an externally funded output as spendable.
func (w *Wallet) AddCoin(coin *Coin) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.coins[coin.OutPoint] = coin
}

// UnspentCoins returns a snapshot of all spendable outputs.
func (w *Wallet) UnspentCoins() []*Coin {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unspentCoinsLocked()
}

func (w *Wallet) unspentCoinsLocked() []*Coin {
	coins := make([]*Coin, 0, len(w.coins))
	for _, c := range w.coins {
		coins = append(coins, c)
	}
	return coins
}

// Balance returns the total value of all spendable outputs.
func (w *Wallet) Balance() btcutil.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total btcutil.Amount
	for _, c := range w.coins {
		total += c.Value
	}
	return total
}

// Transaction returns a transaction the wallet has committed or observed.
func (w *Wallet) Transaction(txid chainhash.Hash) *wire.MsgTx {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.txs[txid]
}

// IsDead reports whether a transaction's inputs were observed spent by a
// conflicting transaction.
func (w *Wallet) IsDead(txid chainhash.Hash) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dead[txid]
}

// Commit records a transaction built by this wallet: its inputs are marked
// spent and any outputs paying to wallet keys become spendable (unconfirmed,
// from self).
func (w *Wallet) Commit(tx *wire.MsgTx) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ingestLocked(tx, true)
}

// Observe ingests a transaction seen on the network. Outputs paying to wallet
// keys become spendable, and inputs conflicting with previously recorded
// spends mark the earlier spender dead (double-spend detection).
func (w *Wallet) Observe(tx *wire.MsgTx) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ingestLocked(tx, false)
}

func (w *Wallet) ingestLocked(tx *wire.MsgTx, fromSelf bool) {
	txid := tx.TxHash()
	if _, seen := w.txs[txid]; seen {
		return
	}
	w.txs[txid] = tx

	var spent btcutil.Amount
	for _, in := range tx.TxIn {
		if prev, ok := w.spentBy[in.PreviousOutPoint]; ok && prev != txid {
			// Two transactions spending the same outpoint: the earlier
			// one is dead as far as the chain is concerned.
			w.dead[prev] = true
			w.log.Warn("double spend detected",
				"outpoint", in.PreviousOutPoint.String(),
				"dead", prev.String(), "by", txid.String())
			w.emitLocked(Event{Type: EventTxDead, TxID: prev, Tx: w.txs[prev]})
		}
		if c, ok := w.coins[in.PreviousOutPoint]; ok {
			spent += c.Value
			delete(w.coins, in.PreviousOutPoint)
		}
		w.spentBy[in.PreviousOutPoint] = txid
	}

	var received btcutil.Amount
	for i, out := range tx.TxOut {
		if w.keyForScriptLocked(out.PkScript) == nil {
			continue
		}
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		if _, alreadySpent := w.spentBy[op]; alreadySpent {
			continue
		}
		w.coins[op] = &Coin{
			OutPoint: op,
			Value:    btcutil.Amount(out.Value),
			PkScript: out.PkScript,
			FromSelf: fromSelf,
		}
		received += btcutil.Amount(out.Value)
	}

	if spent > 0 {
		w.emitLocked(Event{Type: EventCoinsSent, TxID: txid, Tx: tx, Value: spent})
	}
	if received > 0 {
		w.emitLocked(Event{Type: EventCoinsReceived, TxID: txid, Tx: tx, Value: received})
	}
}

// Confirm records the confirmation depth for all coins created by txid.
func (w *Wallet) Confirm(txid chainhash.Hash, depth int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for op, c := range w.coins {
		if op.Hash == txid {
			c.Depth = depth
		}
	}
}

func (w *Wallet) emitLocked(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.Debug("event channel full, dropping event", "type", ev.Type)
	}
}
