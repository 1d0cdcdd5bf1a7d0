// Package keystore implements the standard Ethereum encrypted secret
// storage format (version 3). Containers written here are byte-compatible
// with keystores produced by other Ethereum tooling and vice versa.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	version = 3

	cipherAES128CTR = "aes-128-ctr"
	kdfScrypt       = "scrypt"
	kdfPBKDF2       = "pbkdf2"

	// Standard and light scrypt parameters of the secret storage format.
	StandardScryptN = 1 << 18
	StandardScryptP = 1
	LightScryptN    = 1 << 12
	LightScryptP    = 6

	scryptR     = 8
	scryptDKLen = 32
)

var (
	// ErrDecode reports a structurally invalid key container: bad JSON,
	// unsupported version, cipher or KDF, or undecodable parameters.
	ErrDecode = errors.New("malformed key container")

	// ErrAuthenticationFailed reports a MAC mismatch during decryption.
	// Wrong password and corrupted ciphertext are indistinguishable here;
	// the MAC is the only password-correctness check the format has.
	ErrAuthenticationFailed = errors.New("could not decrypt key container: MAC mismatch")
)

// EncryptedKey is the on-disk JSON form of an encrypted private key.
type EncryptedKey struct {
	Address string     `json:"address"`
	Crypto  CryptoJSON `json:"crypto"`
	ID      string     `json:"id"`
	Version int        `json:"version"`
}

type CryptoJSON struct {
	Cipher       string                 `json:"cipher"`
	CipherText   string                 `json:"ciphertext"`
	CipherParams CipherParamsJSON       `json:"cipherparams"`
	KDF          string                 `json:"kdf"`
	KDFParams    map[string]interface{} `json:"kdfparams"`
	MAC          string                 `json:"mac"`
}

type CipherParamsJSON struct {
	IV string `json:"iv"`
}

// Key is a decrypted private key. It is short-lived: callers zero it as
// soon as the signature has been produced.
type Key struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// Zero wipes the private scalar. Safe to call multiple times.
func (k *Key) Zero() {
	if k == nil || k.PrivateKey == nil {
		return
	}
	b := k.PrivateKey.D.Bits()
	for i := range b {
		b[i] = 0
	}
}

// Parse decodes a JSON key container and checks its structure.
func Parse(data []byte) (*EncryptedKey, error) {
	k := new(EncryptedKey)
	if err := json.Unmarshal(data, k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if k.Version != version {
		return nil, fmt.Errorf("%w: unsupported version %d, want %d", ErrDecode, k.Version, version)
	}
	if k.Crypto.CipherText == "" || k.Crypto.MAC == "" {
		return nil, fmt.Errorf("%w: missing ciphertext or mac", ErrDecode)
	}
	return k, nil
}

// Decrypt recovers the private key protected by password. The stored MAC is
// recomputed over the second half of the derived key and the ciphertext;
// any disagreement aborts with ErrAuthenticationFailed before decryption.
func Decrypt(k *EncryptedKey, password string) (*Key, error) {
	if k.Version != version {
		return nil, fmt.Errorf("%w: unsupported version %d, want %d", ErrDecode, k.Version, version)
	}
	if k.Crypto.Cipher != cipherAES128CTR {
		return nil, fmt.Errorf("%w: unsupported cipher %q", ErrDecode, k.Crypto.Cipher)
	}

	mac, err := hex.DecodeString(k.Crypto.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mac encoding: %v", ErrDecode, err)
	}
	iv, err := hex.DecodeString(k.Crypto.CipherParams.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid iv encoding: %v", ErrDecode, err)
	}
	cipherText, err := hex.DecodeString(k.Crypto.CipherText)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding: %v", ErrDecode, err)
	}

	derivedKey, err := deriveKey(&k.Crypto, password)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(derivedKey)

	calculatedMAC := crypto.Keccak256(derivedKey[16:32], cipherText)
	if subtle.ConstantTimeCompare(calculatedMAC, mac) != 1 {
		return nil, ErrAuthenticationFailed
	}

	keyBytes, err := aesCTRXOR(derivedKey[:16], cipherText, iv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer zeroBytes(keyBytes)

	privateKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypted bytes are not a valid private key: %v", ErrDecode, err)
	}

	return &Key{
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		PrivateKey: privateKey,
	}, nil
}

// Encrypt wraps privateKey into a version 3 container protected by password
// using the scrypt KDF with the given cost parameters.
func Encrypt(privateKey *ecdsa.PrivateKey, password string, scryptN, scryptP int) (*EncryptedKey, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate kdf salt: %w", err)
	}
	derivedKey, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptDKLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt key derivation failed: %w", err)
	}
	defer zeroBytes(derivedKey)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate cipher iv: %w", err)
	}

	keyBytes := crypto.FromECDSA(privateKey)
	defer zeroBytes(keyBytes)

	cipherText, err := aesCTRXOR(derivedKey[:16], keyBytes, iv)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	mac := crypto.Keccak256(derivedKey[16:32], cipherText)

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	return &EncryptedKey{
		Address: hex.EncodeToString(address[:]),
		Crypto: CryptoJSON{
			Cipher:     cipherAES128CTR,
			CipherText: hex.EncodeToString(cipherText),
			CipherParams: CipherParamsJSON{
				IV: hex.EncodeToString(iv),
			},
			KDF: kdfScrypt,
			KDFParams: map[string]interface{}{
				"n":     scryptN,
				"r":     scryptR,
				"p":     scryptP,
				"dklen": scryptDKLen,
				"salt":  hex.EncodeToString(salt),
			},
			MAC: hex.EncodeToString(mac),
		},
		ID:      uuid.New().String(),
		Version: version,
	}, nil
}

// deriveKey runs the container's configured KDF over the password.
func deriveKey(cryptoJSON *CryptoJSON, password string) ([]byte, error) {
	salt, err := hex.DecodeString(paramString(cryptoJSON.KDFParams, "salt"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid kdf salt encoding: %v", ErrDecode, err)
	}
	dkLen, err := paramInt(cryptoJSON.KDFParams, "dklen")
	if err != nil {
		return nil, err
	}
	if dkLen < 32 {
		return nil, fmt.Errorf("%w: dklen %d too short", ErrDecode, dkLen)
	}

	switch cryptoJSON.KDF {
	case kdfScrypt:
		n, err := paramInt(cryptoJSON.KDFParams, "n")
		if err != nil {
			return nil, err
		}
		r, err := paramInt(cryptoJSON.KDFParams, "r")
		if err != nil {
			return nil, err
		}
		p, err := paramInt(cryptoJSON.KDFParams, "p")
		if err != nil {
			return nil, err
		}
		derivedKey, err := scrypt.Key([]byte(password), salt, n, r, p, dkLen)
		if err != nil {
			return nil, fmt.Errorf("%w: bad scrypt parameters: %v", ErrDecode, err)
		}
		return derivedKey, nil

	case kdfPBKDF2:
		c, err := paramInt(cryptoJSON.KDFParams, "c")
		if err != nil {
			return nil, err
		}
		if prf := paramString(cryptoJSON.KDFParams, "prf"); prf != "hmac-sha256" {
			return nil, fmt.Errorf("%w: unsupported pbkdf2 prf %q", ErrDecode, prf)
		}
		return pbkdf2.Key([]byte(password), salt, c, dkLen, sha256.New), nil

	default:
		return nil, fmt.Errorf("%w: unsupported kdf %q", ErrDecode, cryptoJSON.KDF)
	}
}

func aesCTRXOR(key, inText, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv)
	outText := make([]byte, len(inText))
	stream.XORKeyStream(outText, inText)
	return outText, nil
}

func paramString(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

// paramInt reads a numeric KDF parameter, accepting both JSON numbers and
// the int values set by Encrypt.
func paramInt(params map[string]interface{}, key string) (int, error) {
	switch v := params[key].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("%w: kdf parameter %q missing or not a number", ErrDecode, key)
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
