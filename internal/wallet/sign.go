package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SignInput produces a DER signature plus appended hash-type byte for the
// given input, spending the provided previous output script.
func SignInput(tx *wire.MsgTx, idx int, pkScript []byte,
	hashType txscript.SigHashType, key *btcec.PrivateKey) ([]byte, error) {

	sig, err := txscript.RawTxInSignature(tx, idx, pkScript, hashType, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign input %d: %w", idx, err)
	}
	return sig, nil
}

// SignatureFor signs input idx with the key matching the given compressed
// public key. The missing-key policy follows mode: a dummy or empty
// placeholder, or ErrMissingPrivateKey.
func (w *Wallet) SignatureFor(tx *wire.MsgTx, idx int, pkScript []byte,
	hashType txscript.SigHashType, pubKey []byte, mode MissingSigsMode) ([]byte, error) {

	w.mu.Lock()
	key := w.keyForPubKeyLocked(pubKey)
	w.mu.Unlock()

	if key == nil {
		switch mode {
		case MissingSigsDummy:
			return DummySignature(hashType), nil
		case MissingSigsEmpty:
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: no key for pubkey %x", ErrMissingPrivateKey, pubKey)
		}
	}
	return SignInput(tx, idx, pkScript, hashType, key)
}

// DummySignature returns a maximum-length placeholder that parses as a
// signature push for size estimation but can never verify.
func DummySignature(hashType txscript.SigHashType) []byte {
	// 0x30 <len> 0x02 <33-byte R> 0x02 <33-byte S> <hashtype>, 72 bytes
	// before the flag byte, matching a worst-case real signature.
	sig := make([]byte, 73)
	sig[0] = 0x30
	sig[1] = 70
	sig[2] = 0x02
	sig[3] = 33
	sig[4] = 0x01
	sig[37] = 0x02
	sig[38] = 33
	sig[39] = 0x01
	sig[72] = byte(hashType)
	return sig
}

// halfOrder is the secp256k1 group order divided by two, big-endian. S values
// above this are malleable and rejected as non-canonical.
var halfOrder = [32]byte{
	0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0x5d, 0x57, 0x6e, 0x73, 0x57, 0xa4, 0x50, 0x1d,
	0xdf, 0xe9, 0x2f, 0x46, 0x68, 0x1b, 0x20, 0xa0,
}

// CheckSignatureEncoding validates that sig is a canonical DER signature
// with an appended hash-type byte: bounded length, a recognized hash type,
// strict DER structure with no negative or padded integers, and a low S
// value. Returns nil or an error wrapping ErrSigNotCanonical naming the
// specific defect.
func CheckSignatureEncoding(sig []byte) error {
	bad := func(reason string) error {
		return fmt.Errorf("%w: %s", ErrSigNotCanonical, reason)
	}

	if len(sig) < 9 {
		return bad("too short")
	}
	if len(sig) > 73 {
		return bad("too long")
	}

	hashType := sig[len(sig)-1] &^ 0x80
	if hashType < byte(txscript.SigHashAll) || hashType > byte(txscript.SigHashSingle) {
		return bad("unknown hash type")
	}

	if sig[0] != 0x30 {
		return bad("missing sequence tag")
	}
	if int(sig[1]) != len(sig)-3 {
		return bad("wrong length marker")
	}

	rLen := int(sig[3])
	if 5+rLen >= len(sig) {
		return bad("R length overruns signature")
	}
	sLen := int(sig[5+rLen])
	if rLen+sLen+7 != len(sig) {
		return bad("R and S lengths do not cover signature")
	}

	if sig[2] != 0x02 {
		return bad("R is not an integer")
	}
	if rLen == 0 {
		return bad("R is empty")
	}
	if sig[4]&0x80 != 0 {
		return bad("R is negative")
	}
	if rLen > 1 && sig[4] == 0 && sig[5]&0x80 == 0 {
		return bad("R has excess padding")
	}

	sOff := 6 + rLen
	if sig[4+rLen] != 0x02 {
		return bad("S is not an integer")
	}
	if sLen == 0 {
		return bad("S is empty")
	}
	if sig[sOff]&0x80 != 0 {
		return bad("S is negative")
	}
	if sLen > 1 && sig[sOff] == 0 && sig[sOff+1]&0x80 == 0 {
		return bad("S has excess padding")
	}

	if !isLowS(sig[sOff : sOff+sLen]) {
		return bad("S is not low")
	}
	return nil
}

// isLowS reports whether the big-endian S value is at most half the group
// order.
func isLowS(s []byte) bool {
	for len(s) > 0 && s[0] == 0 {
		s = s[1:]
	}
	if len(s) > 32 {
		return false
	}
	// Left-pad to 32 bytes and compare against the half order.
	var padded [32]byte
	copy(padded[32-len(s):], s)
	for i := range padded {
		if padded[i] < halfOrder[i] {
			return true
		}
		if padded[i] > halfOrder[i] {
			return false
		}
	}
	return true
}

// ParseSignature splits a signature-plus-hashtype blob into the parsed ECDSA
// signature and its hash type. The encoding must be canonical.
func ParseSignature(sig []byte) (*ecdsa.Signature, txscript.SigHashType, error) {
	if err := CheckSignatureEncoding(sig); err != nil {
		return nil, 0, err
	}
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrSigNotCanonical, err)
	}
	return parsed, txscript.SigHashType(sig[len(sig)-1]), nil
}

// VerifySignature checks sig (DER plus hash-type byte) against the given
// transaction input and public key. Returns ErrSigNotCanonical for encoding
// defects and ErrSigInvalid when the signature does not verify.
func VerifySignature(tx *wire.MsgTx, idx int, pkScript []byte,
	sig []byte, pubKey []byte) (txscript.SigHashType, error) {

	parsed, hashType, err := ParseSignature(sig)
	if err != nil {
		return 0, err
	}
	pub, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return 0, fmt.Errorf("%w: bad public key: %s", ErrSigInvalid, err)
	}
	hash, err := txscript.CalcSignatureHash(pkScript, hashType, tx, idx)
	if err != nil {
		return 0, fmt.Errorf("failed to compute signature hash: %w", err)
	}
	if !parsed.Verify(hash, pub) {
		return 0, ErrSigInvalid
	}
	return hashType, nil
}
