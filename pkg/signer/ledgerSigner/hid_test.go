package ledgerSigner

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/karalabe/hid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwinews/kiwinews-go/pkg/signer"
)

// fakeDevice scripts the USB side of a session: it records written frames
// and replays queued reply frames.
type fakeDevice struct {
	written [][]byte
	replies [][]byte
	closed  bool
}

var _ hid.Device = (*fakeDevice)(nil)

func (d *fakeDevice) Write(b []byte) (int, error) {
	frame := make([]byte, len(b))
	copy(frame, b)
	d.written = append(d.written, frame)
	return len(b), nil
}

func (d *fakeDevice) Read(b []byte) (int, error) {
	if len(d.replies) == 0 {
		return 0, errors.New("no reply frames queued")
	}
	n := copy(b, d.replies[0])
	d.replies = d.replies[1:]
	return n, nil
}

func (d *fakeDevice) ReadTimeout(b []byte, timeout int) (int, error) {
	return d.Read(b)
}

func (d *fakeDevice) GetFeatureReport(b []byte) (int, error) {
	return 0, errors.New("not implemented")
}

func (d *fakeDevice) SendFeatureReport(b []byte) (int, error) {
	return 0, errors.New("not implemented")
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// replyFrames chunks an APDU reply (data plus status word) into the HID
// frames a device would send back.
func replyFrames(data []byte, status uint16) [][]byte {
	payload := append(append([]byte{}, data...), byte(status>>8), byte(status))
	stream := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(stream, uint16(len(payload)))
	copy(stream[2:], payload)

	var frames [][]byte
	var sequence uint16
	for len(stream) > 0 {
		frame := make([]byte, hidPacketSize)
		binary.BigEndian.PutUint16(frame, hidChannel)
		frame[2] = hidTag
		binary.BigEndian.PutUint16(frame[3:], sequence)
		n := copy(frame[5:], stream)
		stream = stream[n:]
		frames = append(frames, frame)
		sequence++
	}
	return frames
}

// TestHIDSession_SignTypedData checks the full exchange: APDU framing of
// the request and reordering of the device's v ‖ r ‖ s reply.
func TestHIDSession_SignTypedData(t *testing.T) {
	r := bytes.Repeat([]byte{0x11}, 32)
	s := bytes.Repeat([]byte{0x22}, 32)
	reply := append([]byte{28}, append(append([]byte{}, r...), s...)...)

	device := &fakeDevice{replies: replyFrames(reply, swOK)}
	session := &HIDSession{device: device}

	domainHash := common.HexToHash("0x4c02102d8137f164c442b99b84d4232c9dfef13c092e26408884ddfcb47fc2a7")
	structHash := common.HexToHash("0x86057d964b91d8f4f72cfa355afe066580e06e913bcff0746ac2f6406d4598c4")
	sig, err := session.SignTypedData(LiveDerivationPath(0), domainHash, structHash)
	require.NoError(t, err)

	require.Len(t, sig, 65)
	assert.Equal(t, r, sig[:32])
	assert.Equal(t, s, sig[32:64])
	assert.Equal(t, byte(28), sig[64])

	// Inspect the request the device saw.
	require.NotEmpty(t, device.written)
	frame := device.written[0]
	assert.Equal(t, uint16(hidChannel), binary.BigEndian.Uint16(frame))
	assert.Equal(t, byte(hidTag), frame[2])
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(frame[3:]))

	apdu := frame[7:]
	assert.Equal(t, byte(claEthereum), apdu[0])
	assert.Equal(t, byte(insSignTypedData), apdu[1])
	// Payload: 21-byte path encoding plus the two hashes.
	assert.Equal(t, byte(21+64), apdu[4])
	assert.Equal(t, domainHash.Bytes(), apdu[5+21:5+21+32])
}

// TestHIDSession_Derive checks address parsing; the reply is long enough
// to span two HID frames, covering reassembly.
func TestHIDSession_Derive(t *testing.T) {
	address := common.HexToAddress("0x0f6A79A579658E401E0B81c6dde1F2cd51d97176")

	reply := []byte{65}
	reply = append(reply, bytes.Repeat([]byte{0x04}, 65)...)
	hexAddr := hex.EncodeToString(address[:])
	reply = append(reply, byte(len(hexAddr)))
	reply = append(reply, []byte(hexAddr)...)

	device := &fakeDevice{replies: replyFrames(reply, swOK)}
	require.Greater(t, len(device.replies), 1)
	session := &HIDSession{device: device}

	got, err := session.Derive(LiveDerivationPath(0))
	require.NoError(t, err)
	assert.Equal(t, address, got)
}

// TestHIDSession_StatusWords checks the mapping of the app's failure
// status words onto device error reasons.
func TestHIDSession_StatusWords(t *testing.T) {
	tests := []struct {
		name   string
		status uint16
		reason signer.DeviceErrorReason
	}{
		{"declined on device", swConditionsNotMet, signer.DeviceRejected},
		{"device locked", swDeviceLocked, signer.DeviceLocked},
		{"app not open", swAppNotOpen, signer.DeviceLocked},
		{"unknown status", 0x6a80, signer.DeviceTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := &fakeDevice{replies: replyFrames(nil, tt.status)}
			session := &HIDSession{device: device}

			_, err := session.SignTypedData(LiveDerivationPath(0), common.Hash{}, common.Hash{})
			var deviceErr *signer.DeviceError
			require.ErrorAs(t, err, &deviceErr)
			assert.Equal(t, tt.reason, deviceErr.Reason)
		})
	}
}

func TestHIDSession_TruncatedSignature(t *testing.T) {
	device := &fakeDevice{replies: replyFrames(bytes.Repeat([]byte{0x01}, 64), swOK)}
	session := &HIDSession{device: device}

	_, err := session.SignTypedData(LiveDerivationPath(0), common.Hash{}, common.Hash{})
	var deviceErr *signer.DeviceError
	require.ErrorAs(t, err, &deviceErr)
	assert.Equal(t, signer.DeviceTransport, deviceErr.Reason)
}

func TestHIDSession_Close(t *testing.T) {
	device := &fakeDevice{}
	session := &HIDSession{device: device}
	require.NoError(t, session.Close())
	assert.True(t, device.closed)
}
