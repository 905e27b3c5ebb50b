package rplidar

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeCommand(t *testing.T) {
	if got := encodeCommand(cmdScan, nil); !bytes.Equal(got, []byte{0xA5, 0x20}) {
		t.Errorf("scan = % x", got)
	}
	// SET_PWM 660: A5 F0 02 94 02 checksum
	got := encodeCommand(cmdSetPWM, []byte{0x94, 0x02})
	want := []byte{0xA5, 0xF0, 0x02, 0x94, 0x02, 0xA5 ^ 0xF0 ^ 0x02 ^ 0x94 ^ 0x02}
	if !bytes.Equal(got, want) {
		t.Errorf("set pwm = % x, want % x", got, want)
	}
}

func TestParseDescriptor(t *testing.T) {
	d, err := parseDescriptor([]byte{0xA5, 0x5A, 0x05, 0x00, 0x00, 0x40, 0x81})
	if err != nil {
		t.Fatal(err)
	}
	if d.Length != 5 || d.SendMode != sendModeMulti || d.DataType != typeScan {
		t.Errorf("scan descriptor = %+v", d)
	}

	d, err = parseDescriptor([]byte{0xA5, 0x5A, 0x14, 0x00, 0x00, 0x00, 0x04})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.expect(infoLen, sendModeSingle, typeInfo); err != nil {
		t.Errorf("info descriptor: %v", err)
	}
	if err := d.expect(healthLen, sendModeSingle, typeHealth); !errors.Is(err, ErrProtocol) {
		t.Errorf("expect(health) = %v, want ErrProtocol", err)
	}

	if _, err := parseDescriptor([]byte{0xA5, 0x00, 0, 0, 0, 0, 0}); !errors.Is(err, ErrProtocol) {
		t.Errorf("bad sync: %v", err)
	}
	if _, err := parseDescriptor([]byte{0xA5}); !errors.Is(err, ErrProtocol) {
		t.Errorf("short: %v", err)
	}
}

func TestDecodeNode(t *testing.T) {
	n, err := DecodeNode([]byte{0x3D, 0x01, 0x2D, 0xA0, 0x0F})
	if err != nil {
		t.Fatal(err)
	}
	want := Node{StartFlag: true, Quality: 15, AngleDeg: 90, DistanceMM: 1000}
	if n != want {
		t.Errorf("DecodeNode() = %+v, want %+v", n, want)
	}

	bad := []struct {
		name string
		b    []byte
		want error
	}{
		{"both flags", []byte{0x03, 0x01, 0, 0, 0}, errStartFlags},
		{"no flags", []byte{0x00, 0x01, 0, 0, 0}, errStartFlags},
		{"check bit", []byte{0x02, 0x00, 0, 0, 0}, errCheckBit},
		{"short", []byte{0x02}, ErrProtocol},
	}
	for _, tt := range bad {
		if _, err := DecodeNode(tt.b); !errors.Is(err, tt.want) {
			t.Errorf("%s: DecodeNode() = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestEncodeNodeDecodes(t *testing.T) {
	for _, n := range []Node{
		{StartFlag: true, Quality: 47, AngleDeg: 0, DistanceMM: 250.25},
		{Quality: 10, AngleDeg: 359.984375, DistanceMM: 12000},
		{Quality: 0, AngleDeg: 123.5, DistanceMM: 0},
	} {
		got, err := DecodeNode(EncodeNode(n))
		if err != nil {
			t.Fatalf("DecodeNode(EncodeNode(%+v)): %v", n, err)
		}
		if got != n {
			t.Errorf("got %+v, want %+v", got, n)
		}
	}
}

func TestParseInfoAndHealth(t *testing.T) {
	raw := []byte{0x18, 0x1D, 0x01, 0x07}
	raw = append(raw, bytes.Repeat([]byte{0xAB}, 16)...)
	info := parseInfo(raw)
	if info.Model != 0x18 || info.FirmwareMajor != 1 || info.FirmwareMinor != 29 || info.Hardware != 7 {
		t.Errorf("parseInfo() = %+v", info)
	}
	if info.SerialNumberHex != "ABABABABABABABABABABABABABABABAB" {
		t.Errorf("serial = %s", info.SerialNumberHex)
	}
	if info.String() != "model=24 firmware=1.29 hardware=7 serial=ABABABABABABABABABABABABABABABAB" {
		t.Errorf("String() = %s", info)
	}

	h := parseHealth([]byte{0x02, 0x34, 0x12})
	if h.Status != HealthError || h.ErrorCode != 0x1234 {
		t.Errorf("parseHealth() = %+v", h)
	}
	if HealthWarning.String() != "Warning" || HealthStatus(9).String() != "HealthStatus(9)" {
		t.Error("HealthStatus.String()")
	}
}
