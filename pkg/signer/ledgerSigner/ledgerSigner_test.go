package ledgerSigner

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kiwinews/kiwinews-go/pkg/message"
	"github.com/kiwinews/kiwinews-go/pkg/signer"
)

const (
	goldenKeyHex    = "ad54bdeade5537fb0a553190159783e45d02d316a992db05cbed606d3ca36b39"
	goldenAddress   = "0x0f6A79A579658E401E0B81c6dde1F2cd51d97176"
	goldenSignature = "0x1df128dfe1f86df4e20ecc6ebbd586e0ab56e3fc8d0db9210422c3c765633ad8793af68aa232cf39cc3f75ea18f03260258f7276c2e0d555f98e1cf16672dd201c"
	goldenTimestamp = int64(1676559616)
)

// fakeSession emulates the device protocol in software: it holds a private
// key and produces exactly the bytes a real device would hand back.
type fakeSession struct {
	key      *ecdsa.PrivateKey
	signErr  error
	closed   bool
	lastPath DerivationPath
}

func newFakeSession(t *testing.T, keyHex string) *fakeSession {
	t.Helper()
	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)
	return &fakeSession{key: key}
}

func (f *fakeSession) Derive(path DerivationPath) (common.Address, error) {
	f.lastPath = path
	return crypto.PubkeyToAddress(f.key.PublicKey), nil
}

func (f *fakeSession) SignTypedData(path DerivationPath, domainHash common.Hash, structHash common.Hash) ([]byte, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	payload := append([]byte{0x19, 0x01}, domainHash.Bytes()...)
	payload = append(payload, structHash.Bytes()...)
	sig, err := crypto.Sign(crypto.Keccak256(payload), f.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func goldenTypedData(t *testing.T) *message.TypedData {
	t.Helper()
	builder := message.NewBuilderWithClock(func() time.Time { return time.Unix(goldenTimestamp, 0) })
	_, td, err := builder.Build(message.KindSubmit, "https://example.com", "hello world")
	require.NoError(t, err)
	return td
}

// TestNewLedgerSigner_DerivesAddress checks that construction derives the
// address over the Ledger Live path for the requested index.
func TestNewLedgerSigner_DerivesAddress(t *testing.T) {
	session := newFakeSession(t, goldenKeyHex)
	ls, err := NewLedgerSigner(session, 3, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress(goldenAddress), ls.Address())
	assert.Equal(t, LiveDerivationPath(3), session.lastPath)
}

// TestSignTypedData_MatchesKeystorePath checks that signing through the
// device session yields the exact signature a software key produces for
// the same message; the two backends are interchangeable on the wire.
func TestSignTypedData_MatchesKeystorePath(t *testing.T) {
	ls, err := NewLedgerSigner(newFakeSession(t, goldenKeyHex), 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	sig, err := ls.SignTypedData(goldenTypedData(t))
	require.NoError(t, err)
	assert.Equal(t, goldenSignature, sig.String())
}

// TestSignTypedData_RecoversToDeviceAddress signs with a throwaway key
// and checks recovery against the derived address.
func TestSignTypedData_RecoversToDeviceAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	session := &fakeSession{key: key}

	ls, err := NewLedgerSigner(session, 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	td := goldenTypedData(t)
	sig, err := ls.SignTypedData(td)
	require.NoError(t, err)

	recovered, err := signer.RecoverAddress(td.SigningDigest(), sig)
	require.NoError(t, err)
	assert.Equal(t, ls.Address(), recovered)
}

// TestSignTypedData_Rejected checks that a user declining on the device
// surfaces as a DeviceError with the rejection reason intact.
func TestSignTypedData_Rejected(t *testing.T) {
	session := newFakeSession(t, goldenKeyHex)
	ls, err := NewLedgerSigner(session, 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	session.signErr = signer.NewDeviceError(signer.DeviceRejected, errors.New("request declined on the device"))
	sig, err := ls.SignTypedData(goldenTypedData(t))
	assert.Nil(t, sig)

	var deviceErr *signer.DeviceError
	require.ErrorAs(t, err, &deviceErr)
	assert.Equal(t, signer.DeviceRejected, deviceErr.Reason)
}

func TestNewLedgerSigner_NilSession(t *testing.T) {
	_, err := NewLedgerSigner(nil, 0, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestLiveDerivationPath(t *testing.T) {
	path := LiveDerivationPath(7)
	assert.Equal(t, DerivationPath{0x8000002c, 0x8000003c, 0x80000007, 0, 0}, path)
	assert.Equal(t, "m/44'/60'/7'/0/0", path.String())
}

func TestClose_ReleasesSession(t *testing.T) {
	session := newFakeSession(t, goldenKeyHex)
	ls, err := NewLedgerSigner(session, 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, ls.Close())
	assert.True(t, session.closed)
}
