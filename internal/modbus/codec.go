// Package modbus implements the Modbus/TCP frame codec: MBAP header
// framing, register-read PDU encoding/decoding and exception handling.
package modbus

import (
	"encoding/binary"
	"fmt"
)

// Function codes this codec speaks.
const (
	FuncReadHoldingRegisters byte = 0x03
	FuncReadInputRegisters   byte = 0x04
)

const mbapHeaderLen = 7 // transaction(2) + protocol(2) + length(2) + unit(1)

// Exception is a Modbus exception sub-code surfaced in a Protocol error.
type Exception byte

func (e Exception) Error() string {
	switch e {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "slave device failure"
	case 0x05:
		return "acknowledge"
	case 0x06:
		return "slave device busy"
	case 0x08:
		return "memory parity error"
	case 0x0A:
		return "gateway path unavailable"
	case 0x0B:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("exception 0x%02X", byte(e))
	}
}

// ProtocolError wraps a framing/decoding failure distinct from an
// Exception response; both map to Quality.Bad at the poller.
type ProtocolError struct{ Msg string }

func (e *ProtocolError) Error() string { return "modbus protocol: " + e.Msg }

func protoErr(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// Codec builds and parses Modbus/TCP ADUs (MBAP header + PDU). It is
// stateless except for the per-client transaction id counter, which
// callers own (see poller.ModbusReader) — the codec itself is safe for
// concurrent use across independent transaction ids.
type Codec struct{}

// EncodeReadRequest builds a full MBAP ADU for a register-read request.
func (Codec) EncodeReadRequest(transactionID uint16, unitID byte, funcCode byte, startRegister, count int) ([]byte, error) {
	if funcCode != FuncReadHoldingRegisters && funcCode != FuncReadInputRegisters {
		return nil, protoErr("unsupported function code 0x%02X", funcCode)
	}
	if startRegister < 0 || startRegister > 0xFFFF {
		return nil, protoErr("start register %d out of range", startRegister)
	}
	if count < 1 || count > 125 {
		return nil, protoErr("register count %d out of range [1,125]", count)
	}
	pdu := make([]byte, 5)
	pdu[0] = funcCode
	binary.BigEndian.PutUint16(pdu[1:3], uint16(startRegister))
	binary.BigEndian.PutUint16(pdu[3:5], uint16(count))

	adu := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(adu[0:2], transactionID)
	binary.BigEndian.PutUint16(adu[2:4], 0) // protocol id, always 0
	binary.BigEndian.PutUint16(adu[4:6], uint16(1+len(pdu)))
	adu[6] = unitID
	copy(adu[7:], pdu)
	return adu, nil
}

// ReadResponse is the decoded result of a register-read response.
type ReadResponse struct {
	TransactionID uint16
	UnitID        byte
	FuncCode      byte
	Registers     []uint16
}

// DecodeReadResponse parses and validates a full MBAP ADU response
// against the transaction id and function code it expects. Exception
// responses (function code with the high bit set) yield an Exception
// error; malformed framing yields a *ProtocolError.
func (Codec) DecodeReadResponse(adu []byte, wantTransactionID uint16, wantFuncCode byte) (ReadResponse, error) {
	var out ReadResponse
	if len(adu) < mbapHeaderLen+2 {
		return out, protoErr("response too short: %d bytes", len(adu))
	}
	txID := binary.BigEndian.Uint16(adu[0:2])
	protoID := binary.BigEndian.Uint16(adu[2:4])
	length := binary.BigEndian.Uint16(adu[4:6])
	unitID := adu[6]
	if protoID != 0 {
		return out, protoErr("unexpected protocol id %d", protoID)
	}
	if int(length)+6 != len(adu) {
		return out, protoErr("length field %d does not match ADU size %d", length, len(adu))
	}
	if txID != wantTransactionID {
		return out, protoErr("transaction id mismatch: got %d want %d", txID, wantTransactionID)
	}
	pdu := adu[mbapHeaderLen:]
	funcCode := pdu[0]
	if funcCode&0x80 != 0 {
		if len(pdu) < 2 {
			return out, protoErr("truncated exception response")
		}
		return out, Exception(pdu[1])
	}
	if funcCode != wantFuncCode {
		return out, protoErr("function code mismatch: got 0x%02X want 0x%02X", funcCode, wantFuncCode)
	}
	if len(pdu) < 2 {
		return out, protoErr("truncated response")
	}
	byteCount := int(pdu[1])
	if byteCount%2 != 0 || len(pdu) < 2+byteCount {
		return out, protoErr("invalid byte count %d", byteCount)
	}
	regs := make([]uint16, byteCount/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(pdu[2+2*i : 4+2*i])
	}
	out.TransactionID = txID
	out.UnitID = unitID
	out.FuncCode = funcCode
	out.Registers = regs
	return out, nil
}

// ResponseLength inspects the 7-byte MBAP header (already read from the
// stream) and reports how many more bytes make up the rest of the ADU,
// letting a TransportClient issue exactly one more read of known size —
// TCP Modbus framing carries its own explicit length field, unlike the
// preamble-search framing the scale codec needs.
func ResponseLength(header []byte) (int, error) {
	if len(header) < 6 {
		return 0, protoErr("short header: %d bytes", len(header))
	}
	length := binary.BigEndian.Uint16(header[4:6])
	if length < 1 {
		return 0, protoErr("invalid length field %d", length)
	}
	return int(length) - 1, nil // minus the unit id byte already counted in header
}

// AssembleCounter combines 1-4 16-bit registers into a counter value,
// high word first unless the channel marks little-endian word order.
// Generalized beyond the fixed 2-register/32-bit case so a ChannelSpec's
// configurable register_count (1-4) and counter width are both honored.
// One to three registers always yield a non-negative int64; a
// four-register value with its top bit set comes out negative.
func AssembleCounter(regs []uint16, littleEndianWords bool) (int64, error) {
	if len(regs) < 1 || len(regs) > 4 {
		return 0, protoErr("counter assembly supports 1-4 registers, got %d", len(regs))
	}
	ordered := regs
	if littleEndianWords {
		ordered = make([]uint16, len(regs))
		for i, r := range regs {
			ordered[len(regs)-1-i] = r
		}
	}
	var v uint64
	for _, r := range ordered {
		v = v<<16 | uint64(r)
	}
	return int64(v), nil
}
