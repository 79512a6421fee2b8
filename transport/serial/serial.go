// Package serial implements acquisition.Transport over a raw serial
// line, for the older SDS models that expose SCPI via RS-232 (or a
// USB-serial adapter) rather than USBTMC. Grounded on the teacher's
// serial_port.go, which wraps the same github.com/pkg/term library.
package serial

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/term"

	"github.com/mgrimberger/siglent-sds-core/acquisition"
)

// Transport is a line-oriented SCPI transport over a serial port.
// Queries terminate the response on "\n"; binary waveform blocks are
// read in raw chunks bounded by USBTMCMaxPacket, matching the size the
// device itself uses to pace USBTMC transfers (spec §4.1).
type Transport struct {
	port   *term.Term
	reader *bufio.Reader
}

// Open opens devicename (e.g. "/dev/ttyUSB0") at baud and puts it in raw
// mode, the same two steps serial_port_open performs.
func Open(devicename string, baud int) (*Transport, error) {
	port, err := term.Open(devicename, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", devicename, err)
	}
	if baud != 0 {
		if err := port.SetSpeed(baud); err != nil {
			port.Close()
			return nil, fmt.Errorf("serial: set speed %d: %w", baud, err)
		}
	}
	return &Transport{port: port, reader: bufio.NewReader(port)}, nil
}

// Close closes the underlying serial port.
func (t *Transport) Close() error {
	return t.port.Close()
}

// Send writes a formatted SCPI command terminated with a newline.
func (t *Transport) Send(format string, args ...any) error {
	line := fmt.Sprintf(format, args...) + "\n"
	n, err := t.port.Write([]byte(line))
	if err != nil {
		return err
	}
	if n != len(line) {
		return fmt.Errorf("serial: short write (%d of %d bytes)", n, len(line))
	}
	return nil
}

func (t *Transport) readLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// GetString issues a query and returns its trimmed text response.
func (t *Transport) GetString(query string) (string, error) {
	if err := t.Send(query); err != nil {
		return "", err
	}
	return t.readLine()
}

// GetInt issues a query and parses the text response as an integer.
func (t *Transport) GetInt(query string) (int, error) {
	s, err := t.GetString(query)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

// GetFloat issues a query and parses the text response as a float.
func (t *Transport) GetFloat(query string) (float64, error) {
	s, err := t.GetString(query)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// GetBool issues a query and parses an "ON"/"OFF" style text response.
func (t *Transport) GetBool(query string) (bool, error) {
	s, err := t.GetString(query)
	if err != nil {
		return false, err
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	return s == "ON" || s == "1", nil
}

// ReadBegin marks the start of a binary waveform response. Serial has no
// framing of its own, so there is nothing to do here.
func (t *Transport) ReadBegin() error {
	return nil
}

// ReadData reads up to len(buf) bytes, bounded to USBTMCMaxPacket per
// call to mirror the chunking the USBTMC transport exhibits (spec §4.1
// notes the driver must tolerate this regardless of physical transport).
// A read deadline that expires maps to the transient -1 drain signal.
func (t *Transport) ReadData(buf []byte) (int, error) {
	if len(buf) > acquisition.USBTMCMaxPacket {
		buf = buf[:acquisition.USBTMCMaxPacket]
	}
	if err := t.port.SetReadTimeout(2 * time.Second); err != nil {
		return 0, err
	}
	n, err := t.reader.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return -1, nil
		}
		return 0, err
	}
	return n, nil
}

// ReadComplete always reports true: unlike USBTMC's EOM bit, the serial
// line carries no end-of-message framing, so block completeness is
// determined entirely by the byte counts the acquisition state machine
// already tracks.
func (t *Transport) ReadComplete() bool {
	return true
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
