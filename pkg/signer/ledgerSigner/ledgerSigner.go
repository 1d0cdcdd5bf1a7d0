// Package ledgerSigner signs typed data with a Ledger hardware wallet. The
// private key never leaves the device; this package only marshals the two
// 32-byte hashes to it and parses the returned signature.
package ledgerSigner

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/kiwinews/kiwinews-go/pkg/message"
	"github.com/kiwinews/kiwinews-go/pkg/signer"
)

// DerivationPath is a BIP-32 path, hardened components offset by 2^31.
type DerivationPath []uint32

// LiveDerivationPath returns the Ledger Live path for an address index:
// m/44'/60'/index'/0/0.
func LiveDerivationPath(index uint32) DerivationPath {
	return DerivationPath{0x80000000 + 44, 0x80000000 + 60, 0x80000000 + index, 0, 0}
}

func (p DerivationPath) String() string {
	out := "m"
	for _, component := range p {
		if component >= 0x80000000 {
			out += fmt.Sprintf("/%d'", component-0x80000000)
		} else {
			out += fmt.Sprintf("/%d", component)
		}
	}
	return out
}

// DeviceSession is one open exchange channel to a signing device. Both
// calls block until the device (and possibly the user) responds; failures
// are *signer.DeviceError values.
type DeviceSession interface {
	// Derive asks the device for the address at path.
	Derive(path DerivationPath) (common.Address, error)

	// SignTypedData asks the device to sign the EIP-712 pair and
	// returns the 65-byte r ‖ s ‖ v signature.
	SignTypedData(path DerivationPath, domainHash common.Hash, structHash common.Hash) ([]byte, error)

	Close() error
}

// LedgerSigner binds a device session to a single derivation path. The
// device-derived address is authoritative: any signature that recovers to
// something else is rejected, never patched up.
type LedgerSigner struct {
	session DeviceSession
	path    DerivationPath
	address common.Address
	logger  *zap.Logger
}

// NewLedgerSigner derives the address at the given Ledger Live index
// (index 0 being the device's first address) and binds the signer to it.
func NewLedgerSigner(session DeviceSession, index uint32, logger *zap.Logger) (*LedgerSigner, error) {
	if session == nil {
		return nil, fmt.Errorf("device session cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	path := LiveDerivationPath(index)
	address, err := session.Derive(path)
	if err != nil {
		return nil, signer.NewDeviceError(signer.DeviceTransport, err)
	}

	logger.Debug("derived ledger address",
		zap.String("path", path.String()),
		zap.String("address", address.Hex()),
	)
	return &LedgerSigner{
		session: session,
		path:    path,
		address: address,
		logger:  logger,
	}, nil
}

func (s *LedgerSigner) Address() common.Address {
	return s.address
}

// SignTypedData sends the typed-data hashes to the device and blocks until
// the user confirms or declines. One attempt per call; a declined request
// comes back as a DeviceError with reason "rejected".
func (s *LedgerSigner) SignTypedData(data *message.TypedData) (*signer.Signature, error) {
	raw, err := s.session.SignTypedData(s.path, data.DomainSeparator, data.StructHash)
	if err != nil {
		return nil, signer.NewDeviceError(signer.DeviceTransport, err)
	}

	sig, err := signer.ParseSignature(raw)
	if err != nil {
		return nil, fmt.Errorf("device returned an unusable signature: %w", err)
	}

	digest := data.SigningDigest()
	recovered, err := signer.RecoverAddress(digest, sig)
	if err != nil {
		return nil, err
	}
	if recovered != s.address {
		return nil, fmt.Errorf("%w: got %s, want %s", signer.ErrSignerMismatch, recovered.Hex(), s.address.Hex())
	}

	s.logger.Debug("signed typed data with ledger",
		zap.String("address", s.address.Hex()),
		zap.String("digest", digest.Hex()),
	)
	return sig, nil
}

// Close releases the underlying device session.
func (s *LedgerSigner) Close() error {
	return s.session.Close()
}
