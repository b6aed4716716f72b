package modbus

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodeReadRequestResponse(t *testing.T) {
	var codec Codec
	req, err := codec.EncodeReadRequest(7, 1, FuncReadHoldingRegisters, 0, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(req) != mbapHeaderLen+5 {
		t.Fatalf("unexpected request length %d", len(req))
	}

	// Registers 0x0000, 0x0064 (100).
	pdu := []byte{FuncReadHoldingRegisters, 4, 0x00, 0x00, 0x00, 0x64}
	adu := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(adu[0:2], 7)
	binary.BigEndian.PutUint16(adu[4:6], uint16(1+len(pdu)))
	adu[6] = 1
	copy(adu[7:], pdu)

	resp, err := codec.DecodeReadResponse(adu, 7, FuncReadHoldingRegisters)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Registers) != 2 || resp.Registers[0] != 0 || resp.Registers[1] != 0x64 {
		t.Fatalf("unexpected registers: %v", resp.Registers)
	}
}

func TestDecodeReadResponseException(t *testing.T) {
	var codec Codec
	adu := make([]byte, mbapHeaderLen+2)
	binary.BigEndian.PutUint16(adu[4:6], 3)
	adu[mbapHeaderLen] = FuncReadHoldingRegisters | 0x80
	adu[mbapHeaderLen+1] = 0x02

	_, err := codec.DecodeReadResponse(adu, 0, FuncReadHoldingRegisters)
	var exc Exception
	if !errors.As(err, &exc) {
		t.Fatalf("expected Exception error, got %v", err)
	}
	if exc != 0x02 {
		t.Fatalf("expected exception code 0x02, got 0x%02X", byte(exc))
	}
}

func TestDecodeReadResponseTransactionMismatch(t *testing.T) {
	var codec Codec
	pdu := []byte{FuncReadHoldingRegisters, 2, 0, 1}
	adu := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(adu[0:2], 5)
	binary.BigEndian.PutUint16(adu[4:6], uint16(1+len(pdu)))
	copy(adu[7:], pdu)

	_, err := codec.DecodeReadResponse(adu, 9, FuncReadHoldingRegisters)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError for transaction id mismatch, got %v", err)
	}
}

func TestResponseLength(t *testing.T) {
	header := make([]byte, 7)
	binary.BigEndian.PutUint16(header[4:6], 6)
	n, err := ResponseLength(header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 remaining bytes, got %d", n)
	}
}

func TestAssembleCounter(t *testing.T) {
	cases := []struct {
		name       string
		regs       []uint16
		littleWord bool
		want       int64
	}{
		{"single register", []uint16{100}, false, 100},
		{"big-endian word order", []uint16{0x0000, 0x0064}, false, 100},
		{"little-endian word order", []uint16{0x0064, 0x0000}, true, 100},
		{"four registers", []uint16{0, 0, 0, 1}, false, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := AssembleCounter(tc.regs, tc.littleWord)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("AssembleCounter(%v, %v) = %d, want %d", tc.regs, tc.littleWord, got, tc.want)
			}
		})
	}
}

func TestAssembleCounterRejectsBadCount(t *testing.T) {
	if _, err := AssembleCounter(nil, false); err == nil {
		t.Fatalf("expected error for zero registers")
	}
	if _, err := AssembleCounter(make([]uint16, 5), false); err == nil {
		t.Fatalf("expected error for too many registers")
	}
}
