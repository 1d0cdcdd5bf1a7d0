// Package envelope pairs a message with its signature for submission. An
// envelope is only ever produced by Assemble, which re-derives the typed
// data and checks that the signature actually recovers to the claimed
// address, so a stored envelope is always internally consistent.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kiwinews/kiwinews-go/pkg/message"
	"github.com/kiwinews/kiwinews-go/pkg/signer"
)

// Envelope is a signed message ready for the wire.
type Envelope struct {
	Message   *message.Message
	Address   common.Address
	Signature *signer.Signature
}

// Assemble binds a signature to a message. It recomputes the signing
// digest from the message alone and verifies recovery, so a signature
// produced over different content (or by a different key) is rejected
// here rather than by the node.
func Assemble(msg *message.Message, address common.Address, sig *signer.Signature) (*Envelope, error) {
	if msg == nil || sig == nil {
		return nil, fmt.Errorf("%w: message and signature are required", message.ErrInvalidInput)
	}

	td, err := msg.TypedData()
	if err != nil {
		return nil, err
	}
	recovered, err := signer.RecoverAddress(td.SigningDigest(), sig)
	if err != nil {
		return nil, err
	}
	if recovered != address {
		return nil, fmt.Errorf("%w: signature recovers to %s, not %s",
			signer.ErrSignerMismatch, recovered.Hex(), address.Hex())
	}

	return &Envelope{Message: msg, Address: address, Signature: sig}, nil
}

// wireEnvelope is the node's expected JSON body. The address is not sent;
// the node recovers it from the signature.
type wireEnvelope struct {
	Title     string `json:"title"`
	Href      string `json:"href"`
	Type      string `json:"type"`
	Timestamp uint64 `json:"timestamp"`
	Signature string `json:"signature"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Title:     e.Message.Title,
		Href:      e.Message.Href,
		Type:      e.Message.Type,
		Timestamp: e.Message.Timestamp,
		Signature: e.Signature.String(),
	})
}
