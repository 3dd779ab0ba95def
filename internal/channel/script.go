// Package channel - Contract, refund, and settlement script construction.
package channel

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const compressedPubKeyLen = 33

// refundSequence keeps the refund input below the final sentinel so the
// transaction stays replaceable until its locktime matures.
const refundSequence = wire.MaxTxInSequenceNum - 1

// MultisigScript builds the raw 2-of-2 CHECKMULTISIG contract output script.
// The client key always comes first; both sides derive the same script
// independently and byte-compare it.
func MultisigScript(clientPubKey, serverPubKey []byte) ([]byte, error) {
	if len(clientPubKey) != compressedPubKeyLen {
		return nil, fmt.Errorf("client pubkey must be %d bytes, got %d",
			compressedPubKeyLen, len(clientPubKey))
	}
	if len(serverPubKey) != compressedPubKeyLen {
		return nil, fmt.Errorf("server pubkey must be %d bytes, got %d",
			compressedPubKeyLen, len(serverPubKey))
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_2).
		AddData(clientPubKey).
		AddData(serverPubKey).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
}

// CLTVRedeemScript builds the time-locked contract redeem script:
//
//	OP_IF
//	    OP_2 <client> <server> OP_2 OP_CHECKMULTISIG
//	OP_ELSE
//	    <expiry> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <client> OP_CHECKSIG
//	OP_ENDIF
//
// The cooperative path needs both signatures; after expiry the client can
// reclaim alone, which is why this variant exchanges no refund transaction.
func CLTVRedeemScript(clientPubKey, serverPubKey []byte, expiry time.Time) ([]byte, error) {
	if len(clientPubKey) != compressedPubKeyLen {
		return nil, fmt.Errorf("client pubkey must be %d bytes, got %d",
			compressedPubKeyLen, len(clientPubKey))
	}
	if len(serverPubKey) != compressedPubKeyLen {
		return nil, fmt.Errorf("server pubkey must be %d bytes, got %d",
			compressedPubKeyLen, len(serverPubKey))
	}
	if expiry.Unix() <= 0 {
		return nil, fmt.Errorf("expiry %v is not a valid locktime", expiry)
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_2).
		AddData(clientPubKey).
		AddData(serverPubKey).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		AddOp(txscript.OP_ELSE).
		AddInt64(expiry.Unix()).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(clientPubKey).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF).
		Script()
}

// ContractScripts bundles the output script of a contract with the script
// that must be satisfied to spend it. For raw multisig the two are the same;
// for P2SH the output script commits to the redeem script's hash.
type ContractScripts struct {
	// Output is the contract output's pkScript.
	Output []byte

	// Redeem is the script signatures are made over.
	Redeem []byte
}

// BuildContractScripts derives both scripts for the given variant.
func BuildContractScripts(variant Variant, clientPubKey, serverPubKey []byte,
	expiry time.Time, params *chaincfg.Params) (*ContractScripts, error) {

	switch variant.Form {
	case ScriptMultisig:
		script, err := MultisigScript(clientPubKey, serverPubKey)
		if err != nil {
			return nil, err
		}
		return &ContractScripts{Output: script, Redeem: script}, nil

	case ScriptP2SHCLTV:
		redeem, err := CLTVRedeemScript(clientPubKey, serverPubKey, expiry)
		if err != nil {
			return nil, err
		}
		addr, err := btcutil.NewAddressScriptHash(redeem, params)
		if err != nil {
			return nil, fmt.Errorf("failed to derive contract address: %w", err)
		}
		output, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to build contract output script: %w", err)
		}
		return &ContractScripts{Output: output, Redeem: redeem}, nil

	default:
		return nil, fmt.Errorf("unknown script form %d", int(variant.Form))
	}
}

// FindContractOutput locates the contract output inside a candidate contract
// transaction, comparing against the expected script byte for byte. Returns
// the output index.
func FindContractOutput(tx *wire.MsgTx, expected []byte) (int, error) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, expected) {
			if out.Value <= 0 {
				return 0, verificationErrorf(nil,
					"contract output %d has non-positive value %d", i, out.Value)
			}
			return i, nil
		}
	}
	return 0, verificationErrorf(nil, "no output matches the agreed contract script")
}

// ParseMultisigPubKeys extracts the two compressed public keys from a 2-of-2
// CHECKMULTISIG script, in script order.
func ParseMultisigPubKeys(script []byte) (clientPubKey, serverPubKey []byte, err error) {
	if txscript.GetScriptClass(script) != txscript.MultiSigTy {
		return nil, nil, verificationErrorf(nil, "script is not a multisig output")
	}
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	var keys [][]byte
	for tokenizer.Next() {
		if data := tokenizer.Data(); len(data) == compressedPubKeyLen {
			keys = append(keys, data)
		}
	}
	if err := tokenizer.Err(); err != nil {
		return nil, nil, verificationErrorf(err, "malformed multisig script")
	}
	if len(keys) != 2 {
		return nil, nil, verificationErrorf(nil,
			"multisig script has %d compressed keys, want 2", len(keys))
	}
	return keys[0], keys[1], nil
}

// BuildRefundTx constructs the unsigned time-locked refund: a single input
// spending the contract output, a single output returning value to the
// client. The locktime holds it off-chain until expiry; the below-final
// sequence keeps the locktime enforceable.
func BuildRefundTx(contractOutPoint wire.OutPoint, value btcutil.Amount,
	clientScript []byte, expiry time.Time) *wire.MsgTx {

	tx := wire.NewMsgTx(wire.TxVersion)
	in := wire.NewTxIn(&contractOutPoint, nil, nil)
	in.Sequence = refundSequence
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(int64(value), clientScript))
	tx.LockTime = uint32(expiry.Unix())
	return tx
}

// CheckRefundShape validates the structural invariants of a refund
// transaction before it is signed: one input spending the expected contract
// outpoint with a non-final sequence, one output, and a locktime no earlier
// than the agreed expiry.
func CheckRefundShape(tx *wire.MsgTx, contractOutPoint wire.OutPoint, minExpiry time.Time) error {
	if len(tx.TxIn) != 1 {
		return verificationErrorf(nil, "refund has %d inputs, want 1", len(tx.TxIn))
	}
	if len(tx.TxOut) != 1 {
		return verificationErrorf(nil, "refund has %d outputs, want 1", len(tx.TxOut))
	}
	if tx.TxIn[0].PreviousOutPoint != contractOutPoint {
		return verificationErrorf(nil, "refund does not spend the contract output")
	}
	if tx.TxIn[0].Sequence == wire.MaxTxInSequenceNum {
		return verificationErrorf(nil, "refund input sequence is final, locktime would be ignored")
	}
	if tx.LockTime == 0 || int64(tx.LockTime) < minExpiry.Unix() {
		return verificationErrorf(nil, "refund locktime %d is before the agreed expiry %d",
			tx.LockTime, minExpiry.Unix())
	}
	return nil
}

// CooperativeScriptSig assembles the signature script for the two-signature
// spend path. The leading OP_0 feeds CHECKMULTISIG's extra pop; signatures
// follow key order, client first. For the P2SH variant the redeem script and
// branch selector are appended.
func CooperativeScriptSig(variant Variant, clientSig, serverSig, redeem []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(clientSig).
		AddData(serverSig)
	if variant.Form == ScriptP2SHCLTV {
		builder.AddOp(txscript.OP_TRUE).AddData(redeem)
	}
	return builder.Script()
}

// TimeoutScriptSig assembles the signature script for the client's solo
// reclaim path of a P2SH CLTV contract.
func TimeoutScriptSig(clientSig, redeem []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(clientSig).
		AddOp(txscript.OP_FALSE).
		AddData(redeem).
		Script()
}
