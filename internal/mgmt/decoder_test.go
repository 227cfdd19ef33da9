package mgmt

import (
	"encoding/binary"
	"testing"
)

func buildDeviceFoundFrame(controllerIdx uint16, addr [6]byte, addrType uint8, rssi int8, flags uint32, ad []byte) []byte {
	body := make([]byte, 6+1+1+4+2+len(ad))
	copy(body[0:6], addr[:])
	body[6] = addrType
	body[7] = byte(rssi)
	binary.LittleEndian.PutUint32(body[8:12], flags)
	binary.LittleEndian.PutUint16(body[12:14], uint16(len(ad)))
	copy(body[14:], ad)

	frame := encodeCommandHeader(EventDeviceFound, controllerIdx, uint16(len(body)))
	return append(frame, body...)
}

// Scenario 8: the decoder must reassemble a frame correctly regardless of
// how the underlying transport splits it across Feed calls.
func TestDecoderFeedIdempotentUnderByteSplitting(t *testing.T) {
	full := buildDeviceFoundFrame(0, [6]byte{1, 2, 3, 4, 5, 6}, 0, -40, 0, []byte{0x02, 0x01, 0x06})

	splits := [][]int{
		{len(full)},
		{1, len(full) - 1},
		{3, 3, len(full) - 6},
		{headerSize},
		{headerSize - 1, 1},
		{headerSize + 1},
	}

	for _, split := range splits {
		var d Decoder
		var got []Frame
		offset := 0
		for _, n := range split {
			if offset+n > len(full) {
				n = len(full) - offset
			}
			got = append(got, d.Feed(full[offset:offset+n])...)
			offset += n
		}
		if offset < len(full) {
			got = append(got, d.Feed(full[offset:])...)
		}

		if len(got) != 1 {
			t.Fatalf("split %v: expected 1 frame, got %d", split, len(got))
		}
		if got[0].EventCode != EventDeviceFound {
			t.Errorf("split %v: wrong event code %#x", split, got[0].EventCode)
		}
		if len(got[0].Payload) != len(full)-headerSize {
			t.Errorf("split %v: wrong payload length %d", split, len(got[0].Payload))
		}
	}
}

func TestDecoderFeedMultipleFramesInOneCall(t *testing.T) {
	f1 := buildDeviceFoundFrame(0, [6]byte{1, 1, 1, 1, 1, 1}, 0, -50, 0, nil)
	f2 := buildDeviceFoundFrame(1, [6]byte{2, 2, 2, 2, 2, 2}, 1, -60, 0, nil)

	var d Decoder
	got := d.Feed(append(append([]byte{}, f1...), f2...))

	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if got[0].ControllerIdx != 0 || got[1].ControllerIdx != 1 {
		t.Errorf("frames decoded out of order: %+v", got)
	}
}

func TestDecodeDeviceFoundRSSISignConversion(t *testing.T) {
	body := make([]byte, 6+1+1+4+2)
	body[6] = 0
	body[7] = 0xD8 // 216 unsigned -> -40 signed
	binary.LittleEndian.PutUint32(body[8:12], 0)
	binary.LittleEndian.PutUint16(body[12:14], 0)

	p, ok := decodeDeviceFound(body, 0)
	if !ok {
		t.Fatal("expected successful decode")
	}
	if p.RSSI != -40 {
		t.Errorf("RSSI = %d, want -40", p.RSSI)
	}
}

func TestDecodeDeviceFoundAdvMonitorOffset(t *testing.T) {
	ad := []byte{0x02, 0x01, 0x06}
	body := make([]byte, 2+6+1+1+4+2+len(ad))
	binary.LittleEndian.PutUint16(body[0:2], 7) // monitor handle, skipped
	copy(body[2:8], []byte{9, 9, 9, 9, 9, 9})
	body[8] = 1
	body[9] = byte(int8(-70))
	binary.LittleEndian.PutUint32(body[10:14], 0)
	binary.LittleEndian.PutUint16(body[14:16], uint16(len(ad)))
	copy(body[16:], ad)

	p, ok := decodeDeviceFound(body, 2)
	if !ok {
		t.Fatal("expected successful decode")
	}
	if p.RSSI != -70 {
		t.Errorf("RSSI = %d, want -70", p.RSSI)
	}
	if p.AddrType != 1 {
		t.Errorf("AddrType = %d, want 1", p.AddrType)
	}
	if string(p.AdData) != string(ad) {
		t.Errorf("AdData = %v, want %v", p.AdData, ad)
	}
}

func TestAddrStringRoundTrip(t *testing.T) {
	const text = "AA:BB:CC:DD:EE:FF"
	wire, ok := addrBytes(text)
	if !ok {
		t.Fatal("expected parse success")
	}
	if got := addrString(wire); got != text {
		t.Errorf("round trip = %q, want %q", got, text)
	}
}
