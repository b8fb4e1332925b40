package dfu

import "fmt"

// MalformedPackageError indicates the firmware ZIP is missing manifest.json,
// the manifest isn't valid JSON, lacks the "manifest" key, or references a
// file that isn't present in the archive.
type MalformedPackageError struct {
	Reason string
}

func (e *MalformedPackageError) Error() string {
	return fmt.Sprintf("malformed package: %s", e.Reason)
}

// MissingCharacteristicsError indicates the Control or Packet characteristic
// was not found on the Secure DFU service.
type MissingCharacteristicsError struct {
	Missing []string
}

func (e *MissingCharacteristicsError) Error() string {
	return fmt.Sprintf("missing characteristics: %v", e.Missing)
}

// UnsupportedDeviceError indicates the peer exposes neither a buttonless
// characteristic nor the Control/Packet pair.
type UnsupportedDeviceError struct {
	Reason string
}

func (e *UnsupportedDeviceError) Error() string {
	return fmt.Sprintf("unsupported device: %s", e.Reason)
}

// DisconnectedError indicates the peer dropped the link while one or more
// control operations were pending.
type DisconnectedError struct{}

func (e *DisconnectedError) Error() string { return "disconnected" }

// TransportBusyError indicates the write serializer exhausted its retry
// budget against a persistently busy transport.
type TransportBusyError struct {
	Attempts int
}

func (e *TransportBusyError) Error() string {
	return fmt.Sprintf("transport busy after %d attempts", e.Attempts)
}

// ProtocolViolationError indicates a notification that doesn't match any
// recognised framing.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// CrcMismatchError indicates the device-reported CRC-32 at a checksum
// boundary disagrees with the locally computed one.
type CrcMismatchError struct {
	Offset   uint32
	Expected int32
	Actual   int32
}

func (e *CrcMismatchError) Error() string {
	return fmt.Sprintf("crc mismatch at offset %d: device reported 0x%08X, expected 0x%08X",
		e.Offset, uint32(e.Actual), uint32(e.Expected))
}

// DfuError wraps a non-success result code from a control response,
// optionally carrying an extended error code.
type DfuError struct {
	Opcode       byte
	Result       byte
	ExtendedCode byte
	HasExtended  bool
}

func (e *DfuError) Error() string {
	if e.HasExtended {
		return fmt.Sprintf("Error 0x%02X: %s", e.Result, extendedErrorName(e.ExtendedCode))
	}
	return fmt.Sprintf("Error 0x%02X: %s", e.Result, resultName(e.Result))
}

// resultName maps a control response result byte to a human-readable
// description, mirroring the table in spec §7/§6.
func resultName(result byte) string {
	switch result {
	case resultInvalidOpcode:
		return "invalid opcode"
	case resultOpcodeNotSupported:
		return "opcode not supported"
	case resultInvalidParameter:
		return "invalid parameter"
	case resultOutOfMemory:
		return "out of memory"
	case resultInvalidObject:
		return "invalid object"
	case resultInvalidType:
		return "invalid type"
	case resultWrongState:
		return "wrong state"
	case resultOperationFailed:
		return "operation failed"
	case resultExtendedError:
		return "extended error"
	default:
		return fmt.Sprintf("unknown result 0x%02X", result)
	}
}

// extendedErrorName maps an extended-error byte (only meaningful when the
// result code is resultExtendedError) to a human-readable description.
func extendedErrorName(code byte) string {
	switch code {
	case extErrNoError:
		return "no error"
	case extErrInvalidErrorCode:
		return "invalid error code"
	case extErrWrongCommandFormat:
		return "wrong command format"
	case extErrUnknownCommand:
		return "unknown command"
	case extErrInitCommandInvalid:
		return "init command invalid"
	case extErrFwVersionFailure:
		return "Firmware version failure"
	case extErrHwVersionFailure:
		return "hardware version failure"
	case extErrSdVersionFailure:
		return "softdevice version failure"
	case extErrSignatureMissing:
		return "signature missing"
	case extErrWrongHashType:
		return "wrong hash type"
	case extErrHashFailed:
		return "hash failed"
	case extErrWrongSignatureType:
		return "wrong signature type"
	case extErrInsufficientSpace:
		return "insufficient space"
	case extErrCrcMismatch:
		return "CRC mismatch"
	default:
		return fmt.Sprintf("unknown extended error 0x%02X", code)
	}
}
