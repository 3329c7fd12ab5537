package bacnet

import (
	"encoding/binary"
	"fmt"
)

// BACnet/IP framing: every UDP datagram starts with a BVLC header,
// followed by the NPDU and the APDU.

const bvlcType = 0x81

const (
	bvlcResult              = 0x00
	bvlcRegisterForeignDev  = 0x05
	bvlcDistributeBroadcast = 0x09
	bvlcOriginalUnicast     = 0x0A
	bvlcOriginalBroadcast   = 0x0B
)

const npduVersion = 0x01

// npdu control bits we care about
const (
	npduExpectingReply = 0x04
	npduHasDestination = 0x20
	npduHasSource      = 0x08
	npduNetworkMessage = 0x80
)

// encodeFrame wraps an APDU into BVLC+NPDU. expectingReply is set for
// confirmed services.
func encodeFrame(function byte, expectingReply bool, apdu []byte) []byte {
	control := byte(0)
	if expectingReply {
		control |= npduExpectingReply
	}
	total := 4 + 2 + len(apdu) // bvlc + npdu(version+control) + apdu
	out := make([]byte, 0, total)
	out = append(out, bvlcType, function)
	out = binary.BigEndian.AppendUint16(out, uint16(total))
	out = append(out, npduVersion, control)
	out = append(out, apdu...)
	return out
}

// encodeForeignRegistration builds the Register-Foreign-Device frame
// used when a BBMD relays our broadcasts across subnets.
func encodeForeignRegistration(ttlSeconds uint16) []byte {
	out := make([]byte, 0, 6)
	out = append(out, bvlcType, bvlcRegisterForeignDev)
	out = binary.BigEndian.AppendUint16(out, 6)
	out = binary.BigEndian.AppendUint16(out, ttlSeconds)
	return out
}

// decodeFrame strips BVLC and NPDU and returns the APDU. BVLC-Result
// and BVLC functions other than original unicast/broadcast and
// forwarded NPDU, as well as network-layer messages, are skipped
// (err == errNotForUs). NPDU destination/source blocks are stepped
// over and the APDU behind them is returned.
var errNotForUs = fmt.Errorf("frame not addressed to the application layer")

func decodeFrame(data []byte) ([]byte, error) {
	if len(data) < 4 || data[0] != bvlcType {
		return nil, fmt.Errorf("not a BVLC frame")
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length > len(data) {
		return nil, fmt.Errorf("BVLC length %d exceeds datagram %d", length, len(data))
	}
	data = data[:length]

	switch data[1] {
	case bvlcOriginalUnicast, bvlcOriginalBroadcast:
		data = data[4:]
	case bvlcResult:
		return nil, errNotForUs
	case 0x04: // forwarded NPDU carries the originator address first
		if len(data) < 10 {
			return nil, fmt.Errorf("short forwarded NPDU")
		}
		data = data[10:]
	default:
		return nil, errNotForUs
	}

	if len(data) < 2 {
		return nil, fmt.Errorf("short NPDU")
	}
	if data[0] != npduVersion {
		return nil, fmt.Errorf("unsupported NPDU version %d", data[0])
	}
	control := data[1]
	if control&npduNetworkMessage != 0 {
		return nil, errNotForUs
	}
	pos := 2
	if control&npduHasDestination != 0 {
		if len(data) < pos+3 {
			return nil, fmt.Errorf("short NPDU destination")
		}
		dlen := int(data[pos+2])
		pos += 3 + dlen
	}
	if control&npduHasSource != 0 {
		if len(data) < pos+3 {
			return nil, fmt.Errorf("short NPDU source")
		}
		slen := int(data[pos+2])
		pos += 3 + slen
	}
	if control&npduHasDestination != 0 {
		pos++ // hop count trails the addressing block
	}
	if pos > len(data) {
		return nil, fmt.Errorf("malformed NPDU addressing")
	}
	return data[pos:], nil
}
