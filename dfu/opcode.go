package dfu

import "encoding/binary"

// GATT identifiers for the Secure DFU service, fixed by the protocol.
const (
	ServiceUUID       = "fe59"
	ControlCharUUID   = "8ec90001-f315-4f60-9fb8-838830daea50"
	PacketCharUUID    = "8ec90002-f315-4f60-9fb8-838830daea50"
	ButtonlessCharUUID = "8ec90003-f315-4f60-9fb8-838830daea50"
)

// Control opcode bytes. Some opcodes are two bytes (a sub-opcode follows the
// first), matching the CREATE/SELECT split between the init ("command")
// object and the firmware ("data") object.
const (
	opByteCreate            byte = 0x01
	opByteSetPRN            byte = 0x02
	opByteCalculateChecksum byte = 0x03
	opByteExecute           byte = 0x04
	opByteSelect            byte = 0x06
	opByteButtonCommand     byte = 0x01 // button char's own opcode space

	subCommand byte = 0x01 // init packet
	subData    byte = 0x02 // firmware image
)

// Response framing.
const (
	responseHeader      byte = 0x60
	notifyPacketReceipt byte = 0x03

	resultSuccess       byte = 0x01
	resultExtendedError byte = 0x0B

	resultInvalidOpcode       byte = 0x00
	resultOpcodeNotSupported  byte = 0x02
	resultInvalidParameter    byte = 0x03
	resultOutOfMemory         byte = 0x04
	resultInvalidObject       byte = 0x05
	resultInvalidType         byte = 0x07
	resultWrongState          byte = 0x08
	resultOperationFailed     byte = 0x0A
)

// Extended error codes, selected by the byte following resultExtendedError.
const (
	extErrNoError            byte = 0x00
	extErrInvalidErrorCode   byte = 0x01
	extErrWrongCommandFormat byte = 0x02
	extErrUnknownCommand     byte = 0x03
	extErrInitCommandInvalid byte = 0x04
	extErrFwVersionFailure   byte = 0x05
	extErrHwVersionFailure   byte = 0x06
	extErrSdVersionFailure   byte = 0x07
	extErrSignatureMissing   byte = 0x08
	extErrWrongHashType      byte = 0x09
	extErrHashFailed         byte = 0x0A
	extErrWrongSignatureType byte = 0x0B
	extErrCrcMismatch        byte = 0x0C
	extErrInsufficientSpace  byte = 0x0D
)

// ImageKind tags which object (init packet or firmware image) an operation
// concerns; it selects the SELECT/CREATE sub-opcode per spec §3.
type ImageKind int

const (
	ImageInit ImageKind = iota
	ImageFirmware
)

func (k ImageKind) String() string {
	if k == ImageInit {
		return "init"
	}
	return "firmware"
}

func (k ImageKind) subOpcode() byte {
	if k == ImageInit {
		return subCommand
	}
	return subData
}

func createCommand(kind ImageKind, size uint32) []byte {
	b := make([]byte, 6)
	b[0] = opByteCreate
	b[1] = kind.subOpcode()
	binary.LittleEndian.PutUint32(b[2:], size)
	return b
}

func selectCommand(kind ImageKind) []byte {
	return []byte{opByteSelect, kind.subOpcode()}
}

func setPRNCommand(interval uint16) []byte {
	b := make([]byte, 3)
	b[0] = opByteSetPRN
	binary.LittleEndian.PutUint16(b[1:], interval)
	return b
}

func calculateChecksumCommand() []byte {
	return []byte{opByteCalculateChecksum}
}

func executeCommand() []byte {
	return []byte{opByteExecute}
}

func buttonCommand() []byte {
	return []byte{opByteButtonCommand}
}

// selectResponse decodes the SELECT_COMMAND/SELECT_DATA response payload:
// u32 maxSize, u32 offset, i32 crc.
type selectResponse struct {
	MaxObjectSize uint32
	Offset        uint32
	Crc           int32
}

func decodeSelectResponse(payload []byte) (selectResponse, error) {
	if len(payload) < 12 {
		return selectResponse{}, &ProtocolViolationError{Reason: "short SELECT response"}
	}
	return selectResponse{
		MaxObjectSize: binary.LittleEndian.Uint32(payload[0:4]),
		Offset:        binary.LittleEndian.Uint32(payload[4:8]),
		Crc:           int32(binary.LittleEndian.Uint32(payload[8:12])),
	}, nil
}

// checksumResponse decodes the CALCULATE_CHECKSUM response payload:
// u32 offset, i32 crc.
type checksumResponse struct {
	Offset uint32
	Crc    int32
}

func decodeChecksumResponse(payload []byte) (checksumResponse, error) {
	if len(payload) < 8 {
		return checksumResponse{}, &ProtocolViolationError{Reason: "short CHECKSUM response"}
	}
	return checksumResponse{
		Offset: binary.LittleEndian.Uint32(payload[0:4]),
		Crc:    int32(binary.LittleEndian.Uint32(payload[4:8])),
	}, nil
}

// decodePRNNotification decodes the alternate-header PRN notification:
// byte 0 is notifyPacketReceipt, followed by u32 validated offset.
func decodePRNNotification(b []byte) (uint32, error) {
	if len(b) < 5 || b[0] != notifyPacketReceipt {
		return 0, &ProtocolViolationError{Reason: "malformed PRN notification"}
	}
	return binary.LittleEndian.Uint32(b[1:5]), nil
}
