package dfu

import "testing"

var degradeTests = []struct {
	packetSize, prnInterval             int
	wantPacketSize, wantPRNInterval     int
	wantChanged                         bool
}{
	{packetSize: 100, prnInterval: 10, wantPacketSize: 50, wantPRNInterval: 10, wantChanged: true},
	{packetSize: 20, prnInterval: 10, wantPacketSize: 20, wantPRNInterval: 5, wantChanged: true},
	{packetSize: 21, prnInterval: 10, wantPacketSize: 20, wantPRNInterval: 10, wantChanged: true},
	{packetSize: 20, prnInterval: 1, wantPacketSize: 20, wantPRNInterval: 1, wantChanged: false},
	{packetSize: 20, prnInterval: 0, wantPacketSize: 20, wantPRNInterval: 12, wantChanged: true},
}

func TestDefaultDegrade(t *testing.T) {
	for _, tt := range degradeTests {
		gotSize, gotPRN, changed := defaultDegrade(tt.packetSize, tt.prnInterval)
		if changed != tt.wantChanged {
			t.Errorf("defaultDegrade(%d, %d) changed = %v, want %v", tt.packetSize, tt.prnInterval, changed, tt.wantChanged)
			continue
		}
		if !changed {
			continue
		}
		if gotSize != tt.wantPacketSize || gotPRN != tt.wantPRNInterval {
			t.Errorf("defaultDegrade(%d, %d) = (%d, %d), want (%d, %d)",
				tt.packetSize, tt.prnInterval, gotSize, gotPRN, tt.wantPacketSize, tt.wantPRNInterval)
		}
	}
}

func TestRecoverableBySmartSpeed(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&CrcMismatchError{}, true},
		{&DfuError{}, true},
		{&DisconnectedError{}, false},
		{&TransportBusyError{}, false},
		{&ProtocolViolationError{}, false},
	}
	for _, c := range cases {
		if got := recoverableBySmartSpeed(c.err); got != c.want {
			t.Errorf("recoverableBySmartSpeed(%T) = %v, want %v", c.err, got, c.want)
		}
	}
}
