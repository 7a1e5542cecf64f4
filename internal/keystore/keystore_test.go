package keystore

import "testing"

var testSerial = [9]byte{0x01, 0x23, 0x8A, 0x3C, 0x11, 0x22, 0x33, 0x44, 0xEE}

func TestSimIdentity(t *testing.T) {
	s, err := NewSim(SimConfig{
		Serial:       testSerial,
		JoinEUI:      [8]byte{0x70, 0xB3, 0xD5, 0x7E, 0xD0, 0x00, 0x00, 0x01},
		CustomDevEUI: [8]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11},
		Info:         [2]byte{0x00, 0x03},
		Root:         []byte("factory secret"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.DevEUI() != [8]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11} {
		t.Errorf("DevEUI = %X", s.DevEUI())
	}
	want := [10]byte{0x00, 0x03, 0x01, 0x23, 0x8A, 0x3C, 0x11, 0x22, 0x33, 0x44}
	if s.TKMInfo() != want {
		t.Errorf("TKMInfo = %X, want %X", s.TKMInfo(), want)
	}
}

func TestSimSerialAsDevEUI(t *testing.T) {
	s, err := NewSim(SimConfig{Serial: testSerial, SerialAsDevEUI: true, Root: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	want := [8]byte{0x01, 0x23, 0x8A, 0x3C, 0x11, 0x22, 0x33, 0x44}
	if s.DevEUI() != want {
		t.Errorf("DevEUI = %X, want %X", s.DevEUI(), want)
	}
}

func TestSimAppKeyPerDevice(t *testing.T) {
	a, _ := NewSim(SimConfig{Serial: testSerial, Root: []byte("root")})
	a2, _ := NewSim(SimConfig{Serial: testSerial, Root: []byte("root")})
	other := testSerial
	other[8] ^= 0xFF
	b, _ := NewSim(SimConfig{Serial: other, Root: []byte("root")})

	if a.AppKey() != a2.AppKey() {
		t.Error("derivation is not deterministic")
	}
	if a.AppKey() == b.AppKey() {
		t.Error("different serials derived the same key")
	}
	if a.AppKey() == [16]byte{} {
		t.Error("zero key")
	}
}

func TestSimRequiresRoot(t *testing.T) {
	if _, err := NewSim(SimConfig{Serial: testSerial}); err == nil {
		t.Fatal("expected error without root secret")
	}
}
