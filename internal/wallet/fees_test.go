package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func TestFeeForSize(t *testing.T) {
	tests := []struct {
		name     string
		feePerKb btcutil.Amount
		size     int
		want     btcutil.Amount
	}{
		{"tiny tx one unit", 1000, 250, 1000},
		{"just under a kb", 1000, 999, 1000},
		{"exactly a kb rounds up", 1000, 1000, 2000},
		{"two kb", 1000, 1500, 2000},
		{"zero rate", 0, 250, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := feeForSize(tc.feePerKb, tc.size); got != tc.want {
				t.Fatalf("feeForSize(%d, %d) = %d, want %d",
					tc.feePerKb, tc.size, got, tc.want)
			}
		})
	}
}

func TestMinNonDustValue(t *testing.T) {
	min := MinNonDustValue()
	if min <= 0 {
		t.Fatalf("MinNonDustValue = %d, want positive", min)
	}
	script := make([]byte, p2pkhScriptSize)
	script[0] = txscript.OP_DUP
	script[1] = txscript.OP_HASH160
	script[2] = 20
	script[23] = txscript.OP_EQUALVERIFY
	script[24] = txscript.OP_CHECKSIG

	if !isDustOutput(wire.NewTxOut(int64(min)-1, script)) {
		t.Fatalf("%d should be dust", min-1)
	}
	if isDustOutput(wire.NewTxOut(int64(min), script)) {
		t.Fatalf("%d should not be dust", min)
	}

	// The well-known floor for a P2PKH output at the 1000 sat/kb relay
	// rate. The relay-policy and wallet dust formulas must agree here.
	if min != 546 {
		t.Fatalf("MinNonDustValue = %d, want 546", min)
	}
	if !isDustAmount(min-1, p2pkhScriptSize) {
		t.Fatalf("isDustAmount(%d) = false, want true", min-1)
	}
	if isDustAmount(min, p2pkhScriptSize) {
		t.Fatalf("isDustAmount(%d) = true, want false", min)
	}
}

func TestDataOutputsAreNeverDust(t *testing.T) {
	script, err := txscript.NullDataScript([]byte("klingpay"))
	if err != nil {
		t.Fatalf("NullDataScript: %v", err)
	}
	out := wire.NewTxOut(0, script)
	if !isDataOutput(out) {
		t.Fatal("zero-value OP_RETURN output not recognized as data output")
	}
	if isDustOutput(out) {
		t.Fatal("data output wrongly flagged as dust")
	}
}
