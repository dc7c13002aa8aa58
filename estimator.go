package modbus

import "math"

// expectedResponseLength estimates how many bytes of response the gateway's
// serial backhaul will need to produce for req, in order to pace the next
// send. This is the dominant latency in the system (serial, not TCP) and
// is the central insight behind the pacing model in streaming_worker.go.
//
// The serial payload for a GetHoldings of count registers is 2*count
// bytes; a write always answers with a fixed 2-byte payload. That payload
// is broken into 255-byte serial frames, each carrying 5 bytes of overhead
// (address, function, CRC, framing).
func expectedResponseLength(op Operation) uint16 {
	var payload uint32
	switch op := op.(type) {
	case GetHoldings:
		payload = uint32(op.Count) * 2
	case SetHoldings:
		payload = 2
	}
	blocks := (payload + 0xFE) / 0xFF
	total := blocks*5 + payload
	if total > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(total)
}
