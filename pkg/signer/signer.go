// Package signer defines the signing capability shared by the keystore and
// hardware wallet backends. Call sites hold a Signer and do not care which
// backend produced a signature; both are verified with the same recovery
// procedure.
package signer

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kiwinews/kiwinews-go/pkg/message"
)

// ErrSignerMismatch reports a signature that recovers to a different
// address than the expected signer. This is never corrected silently.
var ErrSignerMismatch = errors.New("signature does not recover to the expected signer address")

// Signer produces a signature over the typed data's signing digest.
type Signer interface {
	// Address returns the address the signer claims to sign for.
	Address() common.Address

	// SignTypedData signs the EIP-712 payload. Exactly one signing
	// attempt is made per call; retry policy belongs to the caller.
	SignTypedData(data *message.TypedData) (*Signature, error)
}

// Signature is a secp256k1 ECDSA signature in its Ethereum wire form.
// V is normalized to 27/28.
type Signature struct {
	R [32]byte
	S [32]byte
	V byte
}

// ParseSignature decodes a 65-byte r ‖ s ‖ v signature, accepting both
// recovery-id (0/1) and legacy (27/28) v values.
func ParseSignature(sig []byte) (*Signature, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length %d, want 65", len(sig))
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return nil, fmt.Errorf("invalid signature recovery id %d", sig[64])
	}

	s := &Signature{V: v}
	copy(s.R[:], sig[:32])
	copy(s.S[:], sig[32:64])
	return s, nil
}

// Bytes returns the 65-byte r ‖ s ‖ v form with v as 27/28.
func (s *Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// String returns the 0x-prefixed hex form sent to the node.
func (s *Signature) String() string {
	return hexutil.Encode(s.Bytes())
}

// RecoverAddress derives the address that produced sig over digest.
func RecoverAddress(digest common.Hash, sig *Signature) (common.Address, error) {
	raw := sig.Bytes()
	raw[64] -= 27

	pubKey, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}
