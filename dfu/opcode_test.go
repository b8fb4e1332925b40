package dfu

import (
	"encoding/binary"
	"testing"
)

func TestCreateCommandEncoding(t *testing.T) {
	b := createCommand(ImageFirmware, 4096)
	if b[0] != opByteCreate || b[1] != subData {
		t.Fatalf("got opcode bytes %v, want create/data", b[:2])
	}
	if got := binary.LittleEndian.Uint32(b[2:]); got != 4096 {
		t.Errorf("size = %d, want 4096", got)
	}
}

func TestSelectResponseRoundTrip(t *testing.T) {
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:4], 4096)
	binary.LittleEndian.PutUint32(payload[4:8], 128)
	var negOne int32 = -1
	binary.LittleEndian.PutUint32(payload[8:12], uint32(negOne))

	sel, err := decodeSelectResponse(payload)
	if err != nil {
		t.Fatalf("decodeSelectResponse: %v", err)
	}
	if sel.MaxObjectSize != 4096 || sel.Offset != 128 || sel.Crc != -1 {
		t.Errorf("got %+v, want {4096 128 -1}", sel)
	}
}

func TestSelectResponseRejectsShortPayload(t *testing.T) {
	if _, err := decodeSelectResponse([]byte{1, 2, 3}); err == nil {
		t.Error("expected an error for a short SELECT payload")
	}
}

func TestChecksumResponseRoundTrip(t *testing.T) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], 256)
	binary.LittleEndian.PutUint32(payload[4:8], 0xdeadbeef)

	sum, err := decodeChecksumResponse(payload)
	if err != nil {
		t.Fatalf("decodeChecksumResponse: %v", err)
	}
	if sum.Offset != 256 || uint32(sum.Crc) != 0xdeadbeef {
		t.Errorf("got %+v", sum)
	}
}

func TestDecodePRNNotification(t *testing.T) {
	frame := make([]byte, 5)
	frame[0] = notifyPacketReceipt
	binary.LittleEndian.PutUint32(frame[1:5], 512)

	offset, err := decodePRNNotification(frame)
	if err != nil {
		t.Fatalf("decodePRNNotification: %v", err)
	}
	if offset != 512 {
		t.Errorf("offset = %d, want 512", offset)
	}
}

func TestDecodePRNNotificationRejectsWrongHeader(t *testing.T) {
	frame := []byte{responseHeader, 0, 0, 0, 0}
	if _, err := decodePRNNotification(frame); err == nil {
		t.Error("expected an error for a non-PRN header byte")
	}
}

func TestImageKindSubOpcode(t *testing.T) {
	if ImageInit.subOpcode() != subCommand {
		t.Errorf("ImageInit.subOpcode() = %#x, want subCommand", ImageInit.subOpcode())
	}
	if ImageFirmware.subOpcode() != subData {
		t.Errorf("ImageFirmware.subOpcode() = %#x, want subData", ImageFirmware.subOpcode())
	}
}
