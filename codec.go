package modbus

import (
	"encoding/binary"
)

// frameHeaderSize is the size of the 7-byte header every frame of this
// dialect begins with: transaction id (2), protocol (2), length (2),
// device id (1). Function code follows immediately after.
const frameHeaderSize = 7

// encode renders req as a wire frame of this gateway's dialect.
//
//	[tid_hi, tid_lo, 0, 0, 0, 0, device_id, function_code, address_hi, address_lo, ...]
//
// The length field is always written as zero — this dialect's gateway
// ignores it on requests; only response length fields are trustworthy (and
// even then, only the header length, see decoder.next).
func encode(req Request) []byte {
	switch op := req.Operation.(type) {
	case GetHoldings:
		buf := make([]byte, 0, frameHeaderSize+1+4)
		buf = appendHeader(buf, req.TransactionID, req.DeviceID, FuncCodeReadHoldingRegisters)
		buf = binary.BigEndian.AppendUint16(buf, op.Address-1)
		buf = binary.BigEndian.AppendUint16(buf, op.Count)
		return buf
	case SetHoldings:
		if len(op.Values) == 1 {
			buf := make([]byte, 0, frameHeaderSize+1+4)
			buf = appendHeader(buf, req.TransactionID, req.DeviceID, FuncCodeWriteSingleRegister)
			buf = binary.BigEndian.AppendUint16(buf, op.Address-1)
			buf = binary.BigEndian.AppendUint16(buf, op.Values[0])
			return buf
		}
		buf := make([]byte, 0, frameHeaderSize+6+2*len(op.Values))
		buf = appendHeader(buf, req.TransactionID, req.DeviceID, FuncCodeWriteMultipleRegisters)
		buf = binary.BigEndian.AppendUint16(buf, op.Address-1)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(op.Values)))
		buf = append(buf, byte(2*len(op.Values)))
		for _, v := range op.Values {
			buf = binary.BigEndian.AppendUint16(buf, v)
		}
		return buf
	default:
		panic("modbus: unknown operation")
	}
}

func appendHeader(buf []byte, transactionID uint16, deviceID, functionCode byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, transactionID)
	buf = append(buf, 0, 0, 0, 0, deviceID, functionCode)
	return buf
}

// decoder incrementally decodes a byte stream of this dialect into
// [Response] values, tolerating a gateway whose length byte cannot be
// trusted for large payloads.
type decoder struct {
	buf []byte
}

// feed appends newly-read bytes to the decode buffer.
func (d *decoder) feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// next pops the next decodable [Response] off the buffer, if one is
// present. It returns ok == false when more data is needed; the caller
// should read more and call feed then next again.
func (d *decoder) next() (resp Response, ok bool) {
	for {
		if len(d.buf) < 6 {
			return Response{}, false
		}
		transactionID := binary.BigEndian.Uint16(d.buf[0:2])
		protocol := binary.BigEndian.Uint16(d.buf[2:4])
		if protocol != 0 {
			// Dialect-specific resync: discard one byte and try again.
			d.buf = d.buf[1:]
			continue
		}
		length := binary.BigEndian.Uint16(d.buf[4:6])
		if len(d.buf) < int(length)+6 {
			return Response{}, false
		}
		data := d.buf[6 : 6+int(length)]
		if len(data) < 3 {
			// Need a device id, function code and at least one payload byte.
			d.buf = d.buf[1:]
			continue
		}
		deviceID, functionCode := data[0], data[1]
		if functionCode&funcCodeExceptionBit != 0 {
			code := data[2]
			// Observed dialect behavior: an exception frame is always 9
			// bytes regardless of the declared length.
			d.buf = d.buf[9:]
			return Response{
				DeviceID:      deviceID,
				TransactionID: transactionID,
				Kind:          ErrorCode(code),
			}, true
		}
		switch functionCode {
		case FuncCodeReadHoldingRegisters:
			// data[2] nominally carries a payload byte count, but it is
			// unreliable for payloads > 254 bytes; the header length
			// already tells us where the frame ends, so ignore it.
			values := append([]byte(nil), data[3:]...)
			d.buf = d.buf[6+int(length):]
			return Response{
				DeviceID:      deviceID,
				TransactionID: transactionID,
				Kind:          GetHoldingsResult{Values: values},
			}, true
		case FuncCodeWriteSingleRegister, FuncCodeWriteMultipleRegisters:
			if len(data) < 6 {
				d.buf = d.buf[1:]
				continue
			}
			address := binary.BigEndian.Uint16(data[2:4])
			words := binary.BigEndian.Uint16(data[4:6])
			d.buf = d.buf[6+int(length):]
			return Response{
				DeviceID:      deviceID,
				TransactionID: transactionID,
				Kind:          SetHoldingsResult{Address: address + 1, Words: words},
			}, true
		default:
			// Unknown function code: advance one byte and retry.
			d.buf = d.buf[1:]
			continue
		}
	}
}
