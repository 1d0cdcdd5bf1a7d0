package keystoreSigner

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/kiwinews/kiwinews-go/pkg/keystore"
	"github.com/kiwinews/kiwinews-go/pkg/message"
	"github.com/kiwinews/kiwinews-go/pkg/signer"
)

// KeystoreSigner signs digests with a password-protected key container.
// The private key is decrypted inside each Sign call and wiped before the
// call returns; nothing secret is retained on the struct.
type KeystoreSigner struct {
	container *keystore.EncryptedKey
	password  string
	logger    *zap.Logger
}

func NewKeystoreSigner(container *keystore.EncryptedKey, password string, logger *zap.Logger) (*KeystoreSigner, error) {
	if container == nil {
		return nil, fmt.Errorf("key container cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeystoreSigner{
		container: container,
		password:  password,
		logger:    logger,
	}, nil
}

// NewKeystoreSignerFromFile loads the key container at path. The password
// is not checked here; the first Sign call does that via the MAC.
func NewKeystoreSignerFromFile(path string, password string, logger *zap.Logger) (*KeystoreSigner, error) {
	container, err := keystore.Load(path)
	if err != nil {
		return nil, err
	}
	return NewKeystoreSigner(container, password, logger)
}

// Address returns the address stored in the container, without decrypting.
func (s *KeystoreSigner) Address() common.Address {
	return common.HexToAddress(s.container.Address)
}

// SignTypedData decrypts the key, signs the digest with deterministic
// ECDSA and zeroes the key again. Signing the same digest twice yields
// byte-identical signatures.
func (s *KeystoreSigner) SignTypedData(data *message.TypedData) (*signer.Signature, error) {
	key, err := keystore.Decrypt(s.container, s.password)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	digest := data.SigningDigest()
	raw, err := crypto.Sign(digest.Bytes(), key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}

	sig, err := signer.ParseSignature(raw)
	if err != nil {
		return nil, fmt.Errorf("keystore produced an unusable signature: %w", err)
	}

	recovered, err := signer.RecoverAddress(digest, sig)
	if err != nil {
		return nil, err
	}
	if recovered != key.Address {
		return nil, fmt.Errorf("%w: got %s, want %s", signer.ErrSignerMismatch, recovered.Hex(), key.Address.Hex())
	}

	s.logger.Debug("signed typed data with keystore",
		zap.String("address", key.Address.Hex()),
		zap.String("digest", digest.Hex()),
	)
	return sig, nil
}
