package message

import (
	"errors"
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Constants of the kiwinews EIP-712 domain. The node accepts a single
// primary type, "amplify": a submission is an amplify message with a title,
// a vote is the same message with an empty title.
const (
	DomainName    = "kiwinews"
	DomainVersion = "1.0.0"

	// domainSaltSeed is hashed into the bytes32 salt of the domain
	// separator.
	domainSaltSeed = "kiwinews domain separator salt"

	TypeAmplify = "amplify"
)

var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,bytes32 salt)"))
	messageTypeHash      = crypto.Keccak256Hash([]byte("Message(string title,string href,string type,uint256 timestamp)"))

	domainSalt      = crypto.Keccak256Hash([]byte(domainSaltSeed))
	domainSeparator = crypto.Keccak256Hash(
		eip712DomainTypeHash.Bytes(),
		crypto.Keccak256([]byte(DomainName)),
		crypto.Keccak256([]byte(DomainVersion)),
		domainSalt.Bytes(),
	)
)

// ErrInvalidInput is returned for malformed or missing message fields. It is
// surfaced before any cryptographic work happens.
var ErrInvalidInput = errors.New("invalid message input")

// Kind selects which action a message authorizes.
type Kind string

const (
	KindSubmit Kind = "submit"
	KindVote   Kind = "vote"
)

// Message is the canonical kiwinews message. Field order matches the
// declared EIP-712 struct layout and must not change.
type Message struct {
	Title     string `json:"title"`
	Href      string `json:"href"`
	Type      string `json:"type"`
	Timestamp uint64 `json:"timestamp"`
}

// TypedData holds the two hashes that make up an EIP-712 signing request.
// Identical messages always produce identical TypedData.
type TypedData struct {
	DomainSeparator common.Hash
	StructHash      common.Hash
}

// SigningDigest returns keccak256(0x19 0x01 ‖ domainSeparator ‖ structHash),
// the 32-byte value every signer backend actually signs.
func (td *TypedData) SigningDigest() common.Hash {
	return crypto.Keccak256Hash(td.Raw())
}

// Raw returns the 66-byte 0x1901-prefixed payload. Hardware wallets that
// support structured signing take this form instead of the final digest.
func (td *TypedData) Raw() []byte {
	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, td.DomainSeparator.Bytes()...)
	raw = append(raw, td.StructHash.Bytes()...)
	return raw
}

// DomainSalt returns the bytes32 salt of the kiwinews domain.
func DomainSalt() common.Hash {
	return domainSalt
}

// DomainSeparator returns the hashStruct of the kiwinews EIP712Domain.
func DomainSeparator() common.Hash {
	return domainSeparator
}

// Builder constructs canonical messages and their signing digests. The
// timestamp source is injectable so tests can pin the clock; production
// builders stamp wall-clock time.
type Builder struct {
	now func() time.Time
}

func NewBuilder() *Builder {
	return NewBuilderWithClock(time.Now)
}

func NewBuilderWithClock(now func() time.Time) *Builder {
	return &Builder{now: now}
}

// Build validates the action parameters, stamps the current time and
// returns the message together with its typed-data hashes. The timestamp is
// taken at call time, not caller-supplied, so the same link can be signed
// again later without producing a byte-identical message.
func (b *Builder) Build(kind Kind, href string, title string) (*Message, *TypedData, error) {
	if err := validateHref(href); err != nil {
		return nil, nil, err
	}

	switch kind {
	case KindSubmit:
		if title == "" {
			return nil, nil, fmt.Errorf("%w: title is required for submit", ErrInvalidInput)
		}
	case KindVote:
		// Votes carry an empty title on the wire; whatever the caller
		// passed is ignored.
		title = ""
	default:
		return nil, nil, fmt.Errorf("%w: unknown message kind %q", ErrInvalidInput, kind)
	}

	msg := &Message{
		Title:     title,
		Href:      href,
		Type:      TypeAmplify,
		Timestamp: uint64(b.now().Unix()),
	}

	td, err := msg.TypedData()
	if err != nil {
		return nil, nil, err
	}
	return msg, td, nil
}

// TypedData computes the EIP-712 hashes for the message. Pure function of
// the message fields and the fixed domain.
func (m *Message) TypedData() (*TypedData, error) {
	structHash, err := hashStruct(m)
	if err != nil {
		return nil, err
	}
	return &TypedData{
		DomainSeparator: domainSeparator,
		StructHash:      structHash,
	}, nil
}

// hashStruct implements EIP-712 encodeData for the Message type: the type
// hash followed by each field value encoded per its declared type, in
// declared order, then hashed.
func hashStruct(m *Message) (common.Hash, error) {
	timestamp, err := encodeUint256(m.Timestamp)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode timestamp: %w", err)
	}

	encoded := make([]byte, 0, 160)
	encoded = append(encoded, messageTypeHash.Bytes()...)
	encoded = append(encoded, crypto.Keccak256([]byte(m.Title))...)
	encoded = append(encoded, crypto.Keccak256([]byte(m.Href))...)
	encoded = append(encoded, crypto.Keccak256([]byte(m.Type))...)
	encoded = append(encoded, timestamp...)

	return crypto.Keccak256Hash(encoded), nil
}

func validateHref(href string) error {
	if href == "" {
		return fmt.Errorf("%w: href must not be empty", ErrInvalidInput)
	}
	if !utf8.ValidString(href) {
		return fmt.Errorf("%w: href is not valid UTF-8", ErrInvalidInput)
	}
	u, err := url.Parse(href)
	if err != nil {
		return fmt.Errorf("%w: href is not a valid URL: %v", ErrInvalidInput, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: href must be an absolute URL, got %q", ErrInvalidInput, href)
	}
	return nil
}
