// Transport wiring. The real machine talks over a serial device; tests
// and the console mode run over any ReadWriteCloser.
package project

import (
	"io"
	"os"

	"github.com/tarm/serial"

	"i3go/common/config"
)

// OpenSerial opens the configured serial device.
func OpenSerial(cfg config.SerialConfig) (io.ReadWriteCloser, error) {
	port, err := serial.OpenPort(&serial.Config{Name: cfg.Device, Baud: cfg.Baud})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// StdioTransport binds the dispatcher to the terminal for bench runs
// without a board attached.
type StdioTransport struct{}

func (StdioTransport) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (StdioTransport) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (StdioTransport) Close() error                { return nil }
