package compliance

import (
	"bytes"
	"testing"
	"time"

	"lorawan-node/internal/mac"
)

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		cmd  []byte
		want bool
	}{
		{"empty", nil, false},
		{"unknown opcode", []byte{0x55}, false},
		{"package version", []byte{0x00}, true},
		{"package version with extra byte", []byte{0x00, 0x01}, false},
		{"switch class", []byte{0x03, 0x02}, true},
		{"switch class short", []byte{0x03}, false},
		{"echo opcode only", []byte{0x08}, true},
		{"echo with data", []byte{0x08, 1, 2, 3, 4}, true},
		{"frames ctrl long", []byte{0x07, 1, 2}, true},
		{"tx cw exact", []byte{0x7D, 0, 10, 0x84, 0x7B, 0x90, 14}, true},
		{"tx cw short", []byte{0x7D, 0, 10, 0x84, 0x7B, 0x90}, false},
		{"tx cw long", []byte{0x7D, 0, 10, 0x84, 0x7B, 0x90, 14, 0}, false},
		{"ping slot", []byte{0x22, 0}, true},
		{"versions", []byte{0x7F}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.cmd); got != tt.want {
				t.Errorf("Valid(% X) = %v, want %v", tt.cmd, got, tt.want)
			}
		})
	}
}

func TestPeriodicity(t *testing.T) {
	want := []time.Duration{5, 5, 10, 20, 30, 40, 50, 60, 120, 240, 480}
	for sel, sec := range want {
		got, ok := Periodicity(byte(sel))
		if !ok || got != sec*time.Second {
			t.Errorf("Periodicity(%d) = %v %v, want %v", sel, got, ok, sec*time.Second)
		}
	}
	if got, _ := Periodicity(10); got.Milliseconds() != 480000 {
		t.Errorf("selector 10 = %v", got)
	}
	if _, ok := Periodicity(11); ok {
		t.Error("selector 11 accepted")
	}
}

func TestEchoIncrement(t *testing.T) {
	tests := []struct {
		name  string
		cmd   []byte
		avail int
		want  []byte
	}{
		{"increments", []byte{0x08, 0x01, 0x10}, 51, []byte{0x08, 0x02, 0x11}},
		{"wraps", []byte{0x08, 0xFF}, 51, []byte{0x08, 0x00}},
		{"truncated to available size", []byte{0x08, 1, 2, 3, 4}, 3, []byte{0x08, 2, 3}},
		{"opcode only", []byte{0x08}, 51, []byte{0x08}},
		{"no room", []byte{0x08, 1}, 0, []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EchoIncrement(tt.cmd, tt.avail)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got % X, want % X", got, tt.want)
			}
		})
	}
}

func TestEchoDoesNotMutateCommand(t *testing.T) {
	cmd := []byte{0x08, 0x01}
	EchoIncrement(cmd, 10)
	if cmd[1] != 0x01 {
		t.Error("command buffer modified")
	}
}

func TestParseCW(t *testing.T) {
	// 10 s at 868.1 MHz, 14 dBm.
	cw, err := ParseCW([]byte{0x7D, 0x00, 0x0A, 0x84, 0x76, 0x0A, 14})
	if err != nil {
		t.Fatal(err)
	}
	if cw.Timeout != 10*time.Second {
		t.Errorf("timeout = %v", cw.Timeout)
	}
	if cw.Frequency != 0x84760A*100 {
		t.Errorf("frequency = %d", cw.Frequency)
	}
	if cw.Power != 14 {
		t.Errorf("power = %d", cw.Power)
	}
	if _, err := ParseCW([]byte{0x7D, 0, 1}); err == nil {
		t.Error("expected error for short command")
	}
}

func TestFrameControl(t *testing.T) {
	tests := []struct {
		sel  byte
		cur  bool
		want bool
	}{
		{0, true, true},
		{0, false, false},
		{1, true, false},
		{2, false, true},
		{3, true, true},
	}
	for _, tt := range tests {
		if got := FrameControl(tt.sel, tt.cur); got != tt.want {
			t.Errorf("FrameControl(%d, %v) = %v", tt.sel, tt.cur, got)
		}
	}
}

func TestClassFromSelector(t *testing.T) {
	if ClassFromSelector(0) != mac.ClassA || ClassFromSelector(1) != mac.ClassB || ClassFromSelector(2) != mac.ClassC {
		t.Error("class mapping")
	}
	if ClassFromSelector(9) != 0 {
		t.Error("out of range selector")
	}
}

func TestAnswers(t *testing.T) {
	if got := PackageVersionAns(); !bytes.Equal(got, []byte{0x00, 6, 1}) {
		t.Errorf("package version = % X", got)
	}
	if got := RxAppCntAns(0x0102); !bytes.Equal(got, []byte{0x09, 0x02, 0x01}) {
		t.Errorf("rx count = % X", got)
	}
	if got := AppCounterPayload(0x0102); !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Errorf("app counter = % X", got)
	}
	v := Version{1, 0, 4}
	got := VersionsAns(v, Version{1, 0, 3}, Version{1, 0, 2})
	want := []byte{0x7F, 1, 0, 4, 1, 0, 3, 1, 0, 2}
	if !bytes.Equal(got, want) {
		t.Errorf("versions = % X, want % X", got, want)
	}
	if got[0] != MinDatarateMarker {
		t.Error("versions answer should carry the datarate marker")
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.0.4")
	if err != nil || v != (Version{1, 0, 4}) {
		t.Fatalf("got %v %v", v, err)
	}
	if v.String() != "1.0.4" {
		t.Errorf("String() = %q", v.String())
	}
	if _, err := ParseVersion("one"); err == nil {
		t.Error("expected error")
	}
}
