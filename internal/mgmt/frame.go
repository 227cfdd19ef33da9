package mgmt

import "encoding/binary"

// Event and command opcodes, per spec.md §4.3.
const (
	EventDeviceFound           uint16 = 0x0012
	EventAdvMonitorDeviceFound uint16 = 0x002F
	EventCommandComplete       uint16 = 0x0001
	EventCommandStatus         uint16 = 0x0002

	OpLoadConnParam  uint16 = 0x0035
	OpGetConnections uint16 = 0x0015
)

// headerSize is the fixed 6-byte MGMT frame header:
// event_code:u16 | controller_idx:u16 | param_len:u16, all little-endian.
const headerSize = 6

// header is the decoded form of a frame's fixed 6-byte prefix.
type header struct {
	EventCode     uint16
	ControllerIdx uint16
	ParamLen      uint16
}

func decodeHeader(b []byte) header {
	return header{
		EventCode:     binary.LittleEndian.Uint16(b[0:2]),
		ControllerIdx: binary.LittleEndian.Uint16(b[2:4]),
		ParamLen:      binary.LittleEndian.Uint16(b[4:6]),
	}
}

func encodeCommandHeader(opcode, controllerIdx, paramLen uint16) []byte {
	b := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(b[0:2], opcode)
	binary.LittleEndian.PutUint16(b[2:4], controllerIdx)
	binary.LittleEndian.PutUint16(b[4:6], paramLen)
	return b
}

// deviceFoundPayload decodes the body shared by DeviceFound and
// AdvMonitorDeviceFound (the latter skips a 2-byte monitor handle first —
// callers pass offset=2 for that event).
//
// Layout: addr:6 | addr_type:1 | rssi:i8 | flags:u32 | ad_len:u16 | ad_data:ad_len
type deviceFoundPayload struct {
	Addr     [6]byte
	AddrType uint8
	RSSI     int8
	Flags    uint32
	AdData   []byte
}

func decodeDeviceFound(payload []byte, offset int) (deviceFoundPayload, bool) {
	b := payload[offset:]
	const fixedLen = 6 + 1 + 1 + 4 + 2
	if len(b) < fixedLen {
		return deviceFoundPayload{}, false
	}

	var out deviceFoundPayload
	copy(out.Addr[:], b[0:6])
	out.AddrType = b[6]

	rawRSSI := b[7]
	rssi := int16(rawRSSI)
	if rawRSSI > 127 {
		rssi -= 256
	}
	out.RSSI = int8(rssi)

	out.Flags = binary.LittleEndian.Uint32(b[8:12])
	adLen := binary.LittleEndian.Uint16(b[12:14])
	if len(b) < fixedLen+int(adLen) {
		return deviceFoundPayload{}, false
	}
	out.AdData = b[fixedLen : fixedLen+int(adLen)]
	return out, true
}

// addrString renders a wire-order (reversed) 6-byte MAC as the usual
// colon-separated textual form, e.g. FF EE DD CC BB AA -> AA:BB:CC:DD:EE:FF.
func addrString(wire [6]byte) string {
	const hex = "0123456789ABCDEF"
	b := make([]byte, 0, 17)
	for i := 5; i >= 0; i-- {
		c := wire[i]
		b = append(b, hex[c>>4], hex[c&0xF])
		if i != 0 {
			b = append(b, ':')
		}
	}
	return string(b)
}

// addrBytes parses a colon-separated MAC address into wire order (reversed
// relative to textual form).
func addrBytes(addr string) ([6]byte, bool) {
	var out [6]byte
	if len(addr) != 17 {
		return out, false
	}
	hexVal := func(c byte) (byte, bool) {
		switch {
		case c >= '0' && c <= '9':
			return c - '0', true
		case c >= 'a' && c <= 'f':
			return c - 'a' + 10, true
		case c >= 'A' && c <= 'F':
			return c - 'A' + 10, true
		default:
			return 0, false
		}
	}
	for i := 0; i < 6; i++ {
		base := i * 3
		if i < 5 && addr[base+2] != ':' {
			return out, false
		}
		hi, ok1 := hexVal(addr[base])
		lo, ok2 := hexVal(addr[base+1])
		if !ok1 || !ok2 {
			return out, false
		}
		// wire order is reversed: last octet of the textual address goes
		// into byte 0 of the wire representation.
		out[5-i] = hi<<4 | lo
	}
	return out, true
}
