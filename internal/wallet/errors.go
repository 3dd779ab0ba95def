// Package wallet - Error taxonomy for transaction completion and signing.
package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Common errors
var (
	// ErrDustySend is returned when a requested output is below the dust
	// floor and not a zero-value data output.
	ErrDustySend = errors.New("transaction output is dust")

	// ErrMultipleDataOutputs is returned when a transaction requests more
	// than one zero-value data-carrying output.
	ErrMultipleDataOutputs = errors.New("only one data output allowed per transaction")

	// ErrCouldNotAdjustDownwards is returned when emptying the wallet and
	// the single output cannot shed enough value for fees without becoming
	// dust.
	ErrCouldNotAdjustDownwards = errors.New("could not adjust output value downwards for fee")

	// ErrMissingPrivateKey is returned when signing requires a private key
	// the wallet does not hold and the request demanded a real signature.
	ErrMissingPrivateKey = errors.New("missing private key")

	// ErrRequestCompleted is returned when a send request is completed twice.
	ErrRequestCompleted = errors.New("send request has already been completed")

	// ErrExceedsMaxSize is returned when the completed transaction exceeds
	// the maximum standard transaction size.
	ErrExceedsMaxSize = errors.New("transaction exceeds maximum standard size")

	// ErrSigNotCanonical is returned when a signature fails the strict
	// DER/low-S/sighash-byte encoding rules. It is distinct from
	// ErrSigInvalid so callers can tell malleated encodings apart from
	// cryptographically wrong signatures.
	ErrSigNotCanonical = errors.New("signature is not canonical")

	// ErrSigInvalid is returned when a well-encoded signature does not
	// verify against the transaction digest.
	ErrSigInvalid = errors.New("signature does not verify")
)

// InsufficientFundsError is returned when the wallet cannot gather enough
// value to complete a transaction. Missing carries the shortfall.
type InsufficientFundsError struct {
	Missing btcutil.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: missing %s", e.Missing)
}

// IsInsufficientFunds reports whether err is an InsufficientFundsError.
func IsInsufficientFunds(err error) bool {
	var e *InsufficientFundsError
	return errors.As(err, &e)
}
