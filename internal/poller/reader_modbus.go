package poller

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/grantwise/adam-acquisition/internal/modbus"
	"github.com/grantwise/adam-acquisition/internal/transport"
	"github.com/grantwise/adam-acquisition/internal/types"
)

// ModbusReader reads counter channels via Modbus/TCP ReadHoldingRegisters.
// One ModbusReader is owned by exactly one DevicePoller, so its
// transaction id counter never collides across devices even though it
// is process-wide monotonic per instance.
type ModbusReader struct {
	codec  modbus.Codec
	unitID byte
	txID   uint32
}

// NewModbusReader creates a reader bound to one Modbus unit id.
func NewModbusReader(unitID byte) *ModbusReader {
	return &ModbusReader{unitID: unitID}
}

// ReadChannel issues one ReadHoldingRegisters request covering the
// channel's configured register range and assembles the result into a
// counter value.
func (r *ModbusReader) ReadChannel(client *transport.Client, deadline time.Time, ch types.ChannelSpec) (int64, error) {
	txID := uint16(atomic.AddUint32(&r.txID, 1))
	req, err := r.codec.EncodeReadRequest(txID, r.unitID, modbus.FuncReadHoldingRegisters, ch.StartRegister, ch.RegisterCount)
	if err != nil {
		return 0, err
	}
	read := func(conn net.Conn) ([]byte, error) {
		header := make([]byte, 7)
		if _, err := io.ReadFull(conn, header); err != nil {
			return nil, err
		}
		rest, err := modbus.ResponseLength(header)
		if err != nil {
			return nil, err
		}
		body := make([]byte, rest)
		if rest > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return nil, err
			}
		}
		return append(header, body...), nil
	}
	resp, err := client.Request(req, deadline, read)
	if err != nil {
		return 0, err
	}
	decoded, err := r.codec.DecodeReadResponse(resp, txID, modbus.FuncReadHoldingRegisters)
	if err != nil {
		return 0, err
	}
	return modbus.AssembleCounter(decoded.Registers, ch.LittleEndianWords)
}
