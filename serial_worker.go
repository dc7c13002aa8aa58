package modbus

import (
	"log/slog"

	"github.com/grid-x/serial"
)

// serialDefaultBaud is used only to open the device for the existence/
// permission check below; the reserved transport does not otherwise touch
// the port.
const serialDefaultBaud = 9600

// openSerialStub opens devicePath to surface a real open/permissions error
// to the caller, then rejects the transport: RTU-over-serial framing is
// not implemented. Direct serial is reserved per the upstream tool's own
// `todo!("Modbus RTU over direct serial is not implemented yet")`, and this
// spec leaves its exact framing undefined (see DESIGN.md's Open Question
// decisions).
func openSerialStub(devicePath string, logger *slog.Logger) error {
	port, err := serial.Open(&serial.Config{
		Address:  devicePath,
		BaudRate: serialDefaultBaud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
	})
	if err != nil {
		return &OpenDeviceError{Path: devicePath, Err: err}
	}
	if logger != nil {
		logger.Warn("opened reserved serial device, but RTU transport is not implemented", "path", devicePath)
	}
	_ = port.Close()
	return ErrNotImplemented
}
