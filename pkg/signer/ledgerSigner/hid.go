package ledgerSigner

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/karalabe/hid"
	"github.com/pkg/errors"

	"github.com/kiwinews/kiwinews-go/pkg/signer"
)

const (
	ledgerVendorID  = 0x2c97
	ledgerUsagePage = 0xffa0

	claEthereum      = 0xe0
	insGetAddress    = 0x02
	insSignTypedData = 0x0c

	// HID report framing for Ledger devices.
	hidChannel    = 0x0101
	hidTag        = 0x05
	hidPacketSize = 64
)

// Status words the Ethereum app replies with.
const (
	swOK                 = 0x9000
	swConditionsNotMet   = 0x6985
	swDeviceLocked       = 0x6b0c
	swDeviceLockedLegacy = 0x6511
	swAppNotOpen         = 0x6e00
	swInsNotSupported    = 0x6d00
)

// HIDSession talks to a Ledger's Ethereum app over raw USB HID.
type HIDSession struct {
	device hid.Device
}

var _ DeviceSession = (*HIDSession)(nil)

// OpenHID enumerates attached Ledger devices and opens the first one
// exposing the Ethereum app's HID interface. The device must be unlocked
// with the Ethereum app open.
func OpenHID() (*HIDSession, error) {
	infos, err := hid.Enumerate(ledgerVendorID, 0)
	if err != nil {
		return nil, signer.NewDeviceError(signer.DeviceTransport, errors.Wrap(err, "enumerating usb devices"))
	}
	for _, info := range infos {
		// On platforms reporting usage pages, filter on the Ledger
		// page; elsewhere fall back to the first interface.
		if info.UsagePage != ledgerUsagePage && info.Interface != 0 {
			continue
		}
		device, err := info.Open()
		if err != nil {
			return nil, signer.NewDeviceError(signer.DeviceTransport, errors.Wrap(err, "opening ledger device"))
		}
		return &HIDSession{device: device}, nil
	}
	return nil, signer.NewDeviceError(signer.DeviceNotFound,
		errors.New("no ledger device found; connect it, unlock it and open the Ethereum app"))
}

// Derive asks the device for the address at path. No user confirmation is
// requested.
func (s *HIDSession) Derive(path DerivationPath) (common.Address, error) {
	reply, err := s.exchange(claEthereum, insGetAddress, 0, 0, encodePath(path))
	if err != nil {
		return common.Address{}, err
	}

	// Reply layout: [pubkey len][pubkey][address len][ascii-hex address].
	if len(reply) < 1 || len(reply) < 1+int(reply[0]) {
		return common.Address{}, signer.NewDeviceError(signer.DeviceTransport,
			errors.New("malformed get-address reply"))
	}
	reply = reply[1+int(reply[0]):]
	if len(reply) < 1 || len(reply) < 1+int(reply[0]) {
		return common.Address{}, signer.NewDeviceError(signer.DeviceTransport,
			errors.New("malformed get-address reply"))
	}
	hexAddr := reply[1 : 1+int(reply[0])]
	raw, err := hex.DecodeString(string(hexAddr))
	if err != nil || len(raw) != common.AddressLength {
		return common.Address{}, signer.NewDeviceError(signer.DeviceTransport,
			errors.New("device returned an invalid address"))
	}
	return common.BytesToAddress(raw), nil
}

// SignTypedData asks the device to sign the EIP-712 domain and message
// hashes. The user must confirm on the device; its v ‖ r ‖ s reply is
// reordered to the conventional r ‖ s ‖ v.
func (s *HIDSession) SignTypedData(path DerivationPath, domainHash common.Hash, structHash common.Hash) ([]byte, error) {
	payload := encodePath(path)
	payload = append(payload, domainHash.Bytes()...)
	payload = append(payload, structHash.Bytes()...)

	reply, err := s.exchange(claEthereum, insSignTypedData, 0, 0, payload)
	if err != nil {
		return nil, err
	}
	if len(reply) != 65 {
		return nil, signer.NewDeviceError(signer.DeviceTransport,
			errors.Errorf("device returned %d signature bytes, want 65", len(reply)))
	}

	sig := make([]byte, 65)
	copy(sig, reply[1:])
	sig[64] = reply[0]
	return sig, nil
}

// Close releases the USB handle.
func (s *HIDSession) Close() error {
	return s.device.Close()
}

// exchange sends one APDU and reads its reply, mapping non-OK status words
// to device errors.
func (s *HIDSession) exchange(cla, ins, p1, p2 byte, data []byte) ([]byte, error) {
	if len(data) > 255 {
		return nil, errors.Errorf("apdu payload too large: %d bytes", len(data))
	}
	apdu := append([]byte{cla, ins, p1, p2, byte(len(data))}, data...)

	if err := s.write(apdu); err != nil {
		return nil, signer.NewDeviceError(signer.DeviceTransport, err)
	}
	reply, err := s.read()
	if err != nil {
		return nil, signer.NewDeviceError(signer.DeviceTransport, err)
	}
	if len(reply) < 2 {
		return nil, signer.NewDeviceError(signer.DeviceTransport, errors.New("truncated apdu reply"))
	}

	status := binary.BigEndian.Uint16(reply[len(reply)-2:])
	reply = reply[:len(reply)-2]
	switch status {
	case swOK:
		return reply, nil
	case swConditionsNotMet:
		return nil, signer.NewDeviceError(signer.DeviceRejected,
			errors.New("request declined on the device"))
	case swDeviceLocked, swDeviceLockedLegacy, swAppNotOpen, swInsNotSupported:
		return nil, signer.NewDeviceError(signer.DeviceLocked,
			errors.Errorf("device locked or Ethereum app not open (status %#04x)", status))
	default:
		return nil, signer.NewDeviceError(signer.DeviceTransport,
			errors.Errorf("device returned status %#04x", status))
	}
}

// write frames an APDU into 64-byte HID reports. The first report carries
// a big-endian length prefix; all reports carry channel, tag and sequence.
func (s *HIDSession) write(apdu []byte) error {
	var sequence uint16
	payload := make([]byte, 2+len(apdu))
	binary.BigEndian.PutUint16(payload, uint16(len(apdu)))
	copy(payload[2:], apdu)

	frame := make([]byte, hidPacketSize)
	for len(payload) > 0 {
		binary.BigEndian.PutUint16(frame, hidChannel)
		frame[2] = hidTag
		binary.BigEndian.PutUint16(frame[3:], sequence)
		n := copy(frame[5:], payload)
		payload = payload[n:]
		for i := 5 + n; i < hidPacketSize; i++ {
			frame[i] = 0
		}

		if _, err := s.device.Write(frame); err != nil {
			return errors.Wrap(err, "writing hid frame")
		}
		sequence++
	}
	return nil
}

// read reassembles a reply from its HID reports.
func (s *HIDSession) read() ([]byte, error) {
	frame := make([]byte, hidPacketSize)
	var reply []byte
	var want int
	var sequence uint16

	for {
		if _, err := s.device.Read(frame); err != nil {
			return nil, errors.Wrap(err, "reading hid frame")
		}
		if binary.BigEndian.Uint16(frame) != hidChannel || frame[2] != hidTag {
			return nil, errors.New("unexpected hid frame header")
		}
		if binary.BigEndian.Uint16(frame[3:]) != sequence {
			return nil, errors.New("hid frame out of sequence")
		}

		chunk := frame[5:]
		if sequence == 0 {
			want = int(binary.BigEndian.Uint16(chunk))
			chunk = chunk[2:]
		}
		sequence++

		if remaining := want - len(reply); len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		reply = append(reply, chunk...)
		if len(reply) == want {
			return reply, nil
		}
	}
}

// encodePath serializes a derivation path as the app expects: component
// count followed by big-endian uint32 components.
func encodePath(path DerivationPath) []byte {
	out := make([]byte, 1+4*len(path))
	out[0] = byte(len(path))
	for i, component := range path {
		binary.BigEndian.PutUint32(out[1+4*i:], component)
	}
	return out
}
