// Package usbtmc implements acquisition.Transport over a USB-TMC bulk
// endpoint pair, grounded on the gousb device-open/claim-interface/
// endpoint pattern used elsewhere in this dependency pack (see
// guiperry-HASHER's internal/driver/device/usb_device.go).
package usbtmc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/gousb"

	"github.com/mgrimberger/siglent-sds-core/acquisition"
)

// Vendor/product IDs for the Siglent SDS family's USBTMC interface, per
// the vendor's remote-control programming guide.
const (
	siglentVendorID  = gousb.ID(0xf4ec)
	siglentProductID = gousb.ID(0x1101)

	readTimeout  = 5 * time.Second
	writeTimeout = 2 * time.Second
)

// Transport is a USB-TMC-backed acquisition.Transport. It claims bulk
// IN/OUT endpoints directly rather than going through a generic USBTMC
// kernel driver, the same bypass-the-driver approach the pack's USB
// examples use.
type Transport struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint

	inProgress bool // true while a binary response is being streamed
	tagCounter byte
}

// Open claims the first USBTMC interface on the first Siglent device
// found, by default VID/PID. Pass vid/pid of 0 to use the default.
func Open(vid, pid uint16) (*Transport, error) {
	vendorID := siglentVendorID
	productID := siglentProductID
	if vid != 0 {
		vendorID = gousb.ID(vid)
	}
	if pid != 0 {
		productID = gousb.ID(pid)
	}

	ctx := gousb.NewContext()
	device, err := ctx.OpenDeviceWithVIDPID(vendorID, productID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usbtmc: open device: %w", err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("usbtmc: no device found for VID:0x%04x PID:0x%04x", vendorID, productID)
	}

	if err := device.SetAutoDetach(true); err != nil {
		log.Debug("usbtmc: SetAutoDetach failed, continuing", "err", err)
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtmc: set config: %w", err)
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtmc: claim interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(2)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtmc: open OUT endpoint: %w", err)
	}

	epIn, err := intf.InEndpoint(1)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtmc: open IN endpoint: %w", err)
	}

	log.Info("usbtmc: device opened", "vid", vendorID, "pid", productID)
	return &Transport{ctx: ctx, device: device, config: config, intf: intf, epOut: epOut, epIn: epIn}, nil
}

// Close releases the USB interface and device handle, in reverse claim
// order.
func (t *Transport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.device != nil {
		t.device.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}

func (t *Transport) nextTag() byte {
	t.tagCounter++
	if t.tagCounter == 0 {
		t.tagCounter = 1
	}
	return t.tagCounter
}

// usbtmcBulkOutHeader builds a DEV_DEP_MSG_OUT bulk-OUT transfer header
// (USBTMC spec table 3), the framing every SCPI command is wrapped in.
func usbtmcBulkOutHeader(tag byte, payloadLen int, eom bool) []byte {
	hdr := make([]byte, 12)
	hdr[0] = 1 // DEV_DEP_MSG_OUT
	hdr[1] = tag
	hdr[2] = ^tag
	hdr[3] = 0
	hdr[4] = byte(payloadLen)
	hdr[5] = byte(payloadLen >> 8)
	hdr[6] = byte(payloadLen >> 16)
	hdr[7] = byte(payloadLen >> 24)
	if eom {
		hdr[8] = 1
	}
	return hdr
}

func (t *Transport) writeMessage(s string) error {
	payload := []byte(s)
	hdr := usbtmcBulkOutHeader(t.nextTag(), len(payload), true)
	frame := append(hdr, payload...)
	for len(frame)%4 != 0 {
		frame = append(frame, 0)
	}
	_, err := t.epOut.WriteContext(contextWithTimeout(writeTimeout), frame)
	return err
}

// Send issues a formatted SCPI command. No response is read.
func (t *Transport) Send(format string, args ...any) error {
	return t.writeMessage(fmt.Sprintf(format, args...))
}

// requestIn issues a DEV_DEP_MSG_IN bulk-OUT request asking the device to
// return up to maxLen bytes of its pending response.
func (t *Transport) requestIn(maxLen int) error {
	hdr := usbtmcBulkOutHeader(t.nextTag(), 0, true)
	hdr[4] = byte(maxLen)
	hdr[5] = byte(maxLen >> 8)
	hdr[6] = byte(maxLen >> 16)
	hdr[7] = byte(maxLen >> 24)
	hdr[0] = 2 // REQUEST_DEV_DEP_MSG_IN
	_, err := t.epOut.WriteContext(contextWithTimeout(writeTimeout), hdr)
	return err
}

func (t *Transport) readQuery(query string) (string, error) {
	if err := t.writeMessage(query); err != nil {
		return "", err
	}
	if err := t.requestIn(4096); err != nil {
		return "", err
	}
	buf := make([]byte, 4096)
	n, err := t.epIn.ReadContext(contextWithTimeout(readTimeout), buf)
	if err != nil {
		return "", err
	}
	if n < 12 {
		return "", fmt.Errorf("usbtmc: short response header (%d bytes)", n)
	}
	return strings.TrimRight(string(buf[12:n]), "\r\n"), nil
}

// GetString issues a query and returns its trimmed text response.
func (t *Transport) GetString(query string) (string, error) {
	return t.readQuery(query)
}

// GetInt issues a query and parses the text response as an integer.
func (t *Transport) GetInt(query string) (int, error) {
	s, err := t.readQuery(query)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

// GetFloat issues a query and parses the text response as a float.
func (t *Transport) GetFloat(query string) (float64, error) {
	s, err := t.readQuery(query)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// GetBool issues a query and parses an "ON"/"OFF" style text response.
func (t *Transport) GetBool(query string) (bool, error) {
	s, err := t.readQuery(query)
	if err != nil {
		return false, err
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	return s == "ON" || s == "1", nil
}

// ReadBegin issues the first REQUEST_DEV_DEP_MSG_IN of a binary response
// and marks one as in progress.
func (t *Transport) ReadBegin() error {
	t.inProgress = true
	return t.requestIn(acquisition.USBTMCMaxPacket)
}

// ReadData reads up to len(buf) bytes of the in-progress binary response.
// A short packet with EOM set completes the transfer; a timeout maps to
// the transient -1 drain signal per acquisition.Transport's contract.
func (t *Transport) ReadData(buf []byte) (int, error) {
	if !t.inProgress {
		return 0, fmt.Errorf("usbtmc: ReadData called without ReadBegin")
	}

	raw := make([]byte, 12+len(buf))
	n, err := t.epIn.ReadContext(contextWithTimeout(readTimeout), raw)
	if err != nil {
		if isTimeout(err) {
			return -1, nil
		}
		return 0, err
	}
	if n < 12 {
		return 0, nil
	}

	eom := raw[8]&1 != 0
	payload := raw[12:n]
	copy(buf, payload)

	if eom {
		t.inProgress = false
	} else if err := t.requestIn(len(buf)); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// ReadComplete reports whether the most recent binary response has been
// fully consumed.
func (t *Transport) ReadComplete() bool {
	return !t.inProgress
}

func contextWithTimeout(d time.Duration) context.Context {
	ctx, _ := context.WithTimeout(context.Background(), d) //nolint:lostcancel
	return ctx
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}
