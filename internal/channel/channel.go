// Package channel implements a two-party micropayment channel: a client and
// a server state machine exchanging incremental payment signatures over a
// single on-chain multisig contract, with a time-locked refund guaranteeing
// the client recovers unpaid value if the server disappears.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrIllegalState is returned when an operation is invoked in the
	// wrong protocol phase.
	ErrIllegalState = errors.New("operation not valid in current channel state")

	// ErrValueOutOfRange is returned when a channel value or payment
	// increment violates negotiated bounds.
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrChannelClosed is returned for payment attempts on a settled
	// channel.
	ErrChannelClosed = errors.New("channel is closed")

	// ErrInsufficientValueForFee is returned when settling would cost more
	// in fees than the server has earned.
	ErrInsufficientValueForFee = errors.New("earned value does not cover settlement fee")
)

// VerificationError is returned when a counterparty artifact fails
// validation: a bad signature, disallowed sighash flags, a malformed
// contract, or a detected double spend.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("verification failed: %s", e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func verificationErrorf(err error, format string, args ...any) error {
	return &VerificationError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// ErrContractDoubleSpent marks the specific verification failure where the
// contract's funding was spent by a conflicting transaction.
var ErrContractDoubleSpent = errors.New("contract transaction was double spent")

// ScriptForm selects the shape of the contract output.
type ScriptForm int

const (
	// ScriptMultisig is a raw 2-of-2 CHECKMULTISIG output, client key
	// first, paired with a separately exchanged time-locked refund.
	ScriptMultisig ScriptForm = iota

	// ScriptP2SHCLTV wraps a CHECKLOCKTIMEVERIFY contract in P2SH: the
	// refund path lives inside the script, so no refund exchange happens.
	ScriptP2SHCLTV
)

// Variant describes a protocol version's capabilities. The two deployed
// variants differ only in script form and whether a refund transaction is
// exchanged before the contract is revealed.
type Variant struct {
	Form ScriptForm
}

// RequiresRefundExchange reports whether this variant exchanges a signed
// refund transaction before the client reveals the contract.
func (v Variant) RequiresRefundExchange() bool {
	return v.Form == ScriptMultisig
}

func (v Variant) String() string {
	switch v.Form {
	case ScriptMultisig:
		return "multisig"
	case ScriptP2SHCLTV:
		return "p2sh-cltv"
	default:
		return fmt.Sprintf("unknown(%d)", int(v.Form))
	}
}

// VariantMultisig is the refund-exchanging raw multisig protocol.
var VariantMultisig = Variant{Form: ScriptMultisig}

// VariantCLTV is the P2SH CHECKLOCKTIMEVERIFY protocol.
var VariantCLTV = Variant{Form: ScriptP2SHCLTV}

// EventType identifies a channel event.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventContractBroadcast EventType = "contract_broadcast"
	EventPaymentApplied    EventType = "payment_applied"
	EventSettlementSeen    EventType = "settlement_seen"
	EventRefundBroadcast   EventType = "refund_broadcast"
)

// Event is published on a channel's event stream as the protocol advances.
type Event struct {
	Type  EventType
	State string
	Tx    *wire.MsgTx
	Value btcutil.Amount
}

// Broadcaster sends transactions to the network. Broadcast returns
// immediately; the future resolves when the network has accepted the
// transaction, or fails if it was rejected.
type Broadcaster interface {
	Broadcast(tx *wire.MsgTx) *BroadcastFuture
}

// BroadcastFuture is the pending result of a broadcast.
type BroadcastFuture struct {
	done chan struct{}
	tx   *wire.MsgTx
	err  error
}

// NewBroadcastFuture returns an unresolved future for tx.
func NewBroadcastFuture(tx *wire.MsgTx) *BroadcastFuture {
	return &BroadcastFuture{done: make(chan struct{}), tx: tx}
}

// Resolve completes the future. err non-nil marks the broadcast failed.
// Resolving twice panics; a future has exactly one outcome.
func (f *BroadcastFuture) Resolve(err error) {
	f.err = err
	close(f.done)
}

// Wait blocks until the broadcast completes or ctx is done, returning the
// broadcast transaction.
func (f *BroadcastFuture) Wait(ctx context.Context) (*wire.MsgTx, error) {
	select {
	case <-f.done:
		return f.tx, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed once the broadcast has resolved.
func (f *BroadcastFuture) Done() <-chan struct{} { return f.done }

// Err returns the broadcast outcome. Only valid after Done is closed.
func (f *BroadcastFuture) Err() error { return f.err }

// ChainOracle supplies the chain view the expiry logic measures against.
type ChainOracle interface {
	// Height returns the current best block height.
	Height() int32

	// MedianTime returns the chain's median time past, the clock
	// CHECKLOCKTIMEVERIFY and tx locktimes are compared to.
	MedianTime() time.Time
}
