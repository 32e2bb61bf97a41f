package hal

import (
	"bytes"
	"testing"
)

// =============================================================================
// Speed Tests
// =============================================================================

func TestSpeed_String(t *testing.T) {
	tests := []struct {
		speed    Speed
		expected string
	}{
		{SpeedUnknown, "Unknown"},
		{SpeedLow, "Low Speed"},
		{SpeedFull, "Full Speed"},
		{SpeedHigh, "High Speed"},
		{Speed(255), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.speed.String(); got != tt.expected {
				t.Errorf("Speed(%d).String() = %q, want %q", tt.speed, got, tt.expected)
			}
		})
	}
}

func TestSpeed_DefaultMaxPacket0(t *testing.T) {
	for speed, want := range map[Speed]uint16{SpeedLow: 8, SpeedFull: 8, SpeedHigh: 64} {
		if got := speed.DefaultMaxPacket0(); got != want {
			t.Errorf("%v.DefaultMaxPacket0() = %d, want %d", speed, got, want)
		}
	}
}

// =============================================================================
// Direction Tests
// =============================================================================

func TestDirection(t *testing.T) {
	if DirIn.String() != "in" || DirOut.String() != "out" {
		t.Errorf("String() = %q/%q", DirIn, DirOut)
	}
	if DirIn.Opposite() != DirOut || DirOut.Opposite() != DirIn {
		t.Error("Opposite() does not swap directions")
	}
	if DirectionOf(0x81) != DirIn || DirectionOf(0x01) != DirOut {
		t.Error("DirectionOf ignores bit 7")
	}
}

// =============================================================================
// SetupPacket Tests
// =============================================================================

func TestParseSetupPacket(t *testing.T) {
	data := []byte{0x80, 0x06, 0x00, 0x01, 0x09, 0x04, 0x12, 0x00}

	var setup SetupPacket
	if !ParseSetupPacket(data, &setup) {
		t.Fatal("ParseSetupPacket returned false")
	}
	want := SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Index: 0x0409, Length: 18}
	if setup != want {
		t.Errorf("parsed %+v, want %+v", setup, want)
	}
	if setup.DataDirection() != DirIn {
		t.Error("GET_DESCRIPTOR data stage not IN")
	}

	out := make([]byte, SetupPacketSize)
	if n := setup.MarshalTo(out); n != SetupPacketSize || !bytes.Equal(out, data) {
		t.Errorf("MarshalTo = %d % x", n, out)
	}
}

func TestSetupPacket_Short(t *testing.T) {
	var setup SetupPacket
	if ParseSetupPacket(make([]byte, 7), &setup) {
		t.Error("ParseSetupPacket accepted 7 bytes")
	}
	if n := setup.MarshalTo(make([]byte, 7)); n != 0 {
		t.Errorf("MarshalTo into 7 bytes = %d", n)
	}
}

// =============================================================================
// Endpoint Tests
// =============================================================================

func TestTransferType_String(t *testing.T) {
	for tt, want := range map[TransferType]string{
		TransferControl:     "control",
		TransferIsochronous: "isochronous",
		TransferBulk:        "bulk",
		TransferInterrupt:   "interrupt",
		TransferType(9):     "unknown",
	} {
		if got := tt.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestEndpointDescriptor(t *testing.T) {
	tests := []struct {
		ep     EndpointDescriptor
		number uint8
		in     bool
		typ    TransferType
	}{
		{EndpointDescriptor{Address: 0x81, Attributes: 0x03}, 1, true, TransferInterrupt},
		{EndpointDescriptor{Address: 0x02, Attributes: 0x02}, 2, false, TransferBulk},
		{EndpointDescriptor{Address: 0x8F, Attributes: 0x0D}, 15, true, TransferIsochronous},
		{EndpointDescriptor{}, 0, false, TransferControl},
	}

	for _, tt := range tests {
		if got := tt.ep.Number(); got != tt.number {
			t.Errorf("%#02x Number() = %d, want %d", tt.ep.Address, got, tt.number)
		}
		if got := tt.ep.IsIn(); got != tt.in {
			t.Errorf("%#02x IsIn() = %v", tt.ep.Address, got)
		}
		if got := tt.ep.TransferType(); got != tt.typ {
			t.Errorf("%#02x TransferType() = %v, want %v", tt.ep.Address, got, tt.typ)
		}
	}
}
