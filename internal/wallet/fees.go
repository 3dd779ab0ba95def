// Package wallet - Fee policy constants and arithmetic.
package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

const (
	// MaxStandardTxSize is the largest transaction relay nodes accept.
	MaxStandardTxSize = 100000

	// FreeTxRelaySize is the size under which a transaction with enough
	// input priority may be relayed without a fee.
	FreeTxRelaySize = 1000

	// MinTxFloorFee is the reference minimum fee for transactions that do
	// not qualify for free relay.
	MinTxFloorFee = btcutil.Amount(10000)

	// DefaultFeePerKb is the fee rate used when a request does not supply
	// one.
	DefaultFeePerKb = btcutil.Amount(1000)

	// sigScriptEstimate is a worst-case P2PKH signature script: a 73-byte
	// DER signature with hash type byte, a 33-byte compressed pubkey, and a
	// data push opcode for each.
	sigScriptEstimate = 1 + 73 + 1 + 33

	// p2pkhScriptSize is the byte size of a pay-to-pubkey-hash output
	// script.
	p2pkhScriptSize = 25
)

// FreePriorityThreshold is the input priority (value * depth / size) above
// which a small transaction qualifies for free relay: one coin confirmed for
// a day, spent in a 250-byte transaction.
const FreePriorityThreshold = float64(btcutil.SatoshiPerBitcoin) * 144 / 250

// feeForSize computes the fee for a serialized size at the given rate, with
// the size rounded up to the next whole kilobyte. A transaction of exactly
// 1000 bytes over-pays slightly; that case is rare and harmless.
func feeForSize(feePerKb btcutil.Amount, size int) btcutil.Amount {
	return btcutil.Amount(size/1000+1) * feePerKb
}

// FeeForSize exposes the size-based fee rule for callers building
// transactions outside CompleteTx, such as channel settlement.
func FeeForSize(feePerKb btcutil.Amount, size int) btcutil.Amount {
	return feeForSize(feePerKb, size)
}

// isDustOutput reports whether the output would be rejected as dust under
// the default relay policy. Zero-value data-carrying outputs are never dust.
func isDustOutput(out *wire.TxOut) bool {
	if isDataOutput(out) {
		return false
	}
	return txrules.IsDustOutput(out, txrules.DefaultRelayFeePerKb)
}

// isDustAmount reports whether an amount paying to a script of the given
// size would be dust.
func isDustAmount(amount btcutil.Amount, scriptSize int) bool {
	out := wire.NewTxOut(int64(amount), make([]byte, scriptSize))
	return mempool.IsDust(out, mempool.DefaultMinRelayTxFee)
}

// MinNonDustValue returns the smallest amount a standard P2PKH output can
// carry without being rejected as dust. mempool.GetDustThreshold scales the
// output's spend cost by 3; the relay rate converts that into satoshis,
// rounded up so the result itself clears the dust check.
func MinNonDustValue() btcutil.Amount {
	out := wire.NewTxOut(0, make([]byte, p2pkhScriptSize))
	threshold := btcutil.Amount(mempool.GetDustThreshold(out))
	return (threshold*mempool.DefaultMinRelayTxFee + 999) / 1000
}

// isDataOutput reports whether the output is a zero-value data carrier
// (OP_RETURN script).
func isDataOutput(out *wire.TxOut) bool {
	return out.Value == 0 && txscript.GetScriptClass(out.PkScript) == txscript.NullDataTy
}

// estimateSigningBytes returns an upper bound on the bytes that signing the
// selected coins will add to the transaction.
func estimateSigningBytes(sel *Selection) int {
	return len(sel.Coins) * sigScriptEstimate
}
