// Package acquisition implements the core of a Siglent SDS-family
// oscilloscope driver: the acquisition state machine and waveform block
// decoder that turns SCPI-over-USBTMC traffic into a stream of decoded
// analog and logic samples.
package acquisition

import "fmt"

// ProtocolVariant selects command wording and trigger/stop detection.
// It is fixed once a device has been identified and never changes for
// the lifetime of a device handle.
type ProtocolVariant int

const (
	SpoModel ProtocolVariant = iota
	NonSpoModel
	ESeries
)

func (p ProtocolVariant) String() string {
	switch p {
	case SpoModel:
		return "SpoModel"
	case NonSpoModel:
		return "NonSpoModel"
	case ESeries:
		return "ESeries"
	default:
		return fmt.Sprintf("ProtocolVariant(%d)", int(p))
	}
}

// DataSource selects which arming sequence capture_start executes.
type DataSource int

const (
	Screen DataSource = iota
	History
	ReadOnly
)

func (d DataSource) String() string {
	switch d {
	case Screen:
		return "Screen"
	case History:
		return "History"
	case ReadOnly:
		return "ReadOnly"
	default:
		return fmt.Sprintf("DataSource(%d)", int(d))
	}
}

// WaitEvent is the ASM's principal state variable.
type WaitEvent int

const (
	WaitNone WaitEvent = iota
	WaitTrigger
	WaitBlock
	WaitStop
)

func (w WaitEvent) String() string {
	switch w {
	case WaitNone:
		return "None"
	case WaitTrigger:
		return "Trigger"
	case WaitBlock:
		return "Block"
	case WaitStop:
		return "Stop"
	default:
		return fmt.Sprintf("WaitEvent(%d)", int(w))
	}
}

// WaitStatus disambiguates "wait for trigger" (1) from "wait for stop" (2),
// in combination with WaitEvent and ProtocolVariant. See spec invariant I4.
type WaitStatus int

const (
	WaitStatusNone WaitStatus = 0
	WaitStatusTrigger WaitStatus = 1
	WaitStatusStop WaitStatus = 2
)

// ChannelKind distinguishes analog probe inputs from logic-analyzer pins.
type ChannelKind int

const (
	Analog ChannelKind = iota
	Logic
)

func (k ChannelKind) String() string {
	if k == Logic {
		return "Logic"
	}
	return "Analog"
}

// ChannelDescriptor identifies a single analog or logic channel.
type ChannelDescriptor struct {
	Index   int // 0..7 for analog, 0..15 for logic
	Kind    ChannelKind
	Enabled bool
	Name    string
}

// Device-status bits returned by ":INR?", per the SDS2000X/3000X series
// remote-control programming guide. Only bit 0 (signal-acquired) and the
// two composite ARM-response values below are meaningful to this driver.
const (
	DeviceStateTrigReady     = 0x2000
	DeviceStateDataTrigReady = 0x7001
)

// Protocol/timing constants. Named per spec so no magic numbers appear in
// the state machine.
const (
	MaxReadRetries     = 5
	MaxEmptyRetries    = 5
	TriggerWaitSeconds = 3
	PollIntervalUS     = 10000

	// SiglentHeaderSize is the exact, fixed byte count of the block prefix
	// before payload interpretation begins (spec invariant I6). The
	// original C driver's comment calls this "361" in one place and reads
	// 363 bytes in the code; this constant is the single source of truth.
	SiglentHeaderSize = 363

	// DescriptorBlockOffset is how far into the 363-byte prefix the
	// WaveDescriptor itself begins (transport framing occupies the first
	// 15 bytes).
	DescriptorBlockOffset = 15

	// USBTMCMaxPacket is the largest chunk a single USBTMC bulk transfer
	// can return on this hardware.
	USBTMCMaxPacket = 64

	// SiglentSendBufferSize is the device's internal USBTMC send buffer;
	// every SiglentSendBufferSize bytes of a block transfer, a read may
	// transiently fail with -1 while the buffer refills (spec invariant
	// I8).
	SiglentSendBufferSize = 61440
)

// kptsScale converts a bare "Kpts" SANU? suffix to a sample count. The
// decimal suffix implies ×1e3; the source instead uses ×1e4. Kept as
// observed rather than "corrected" — see SPEC_FULL.md §9, decision 2.
const kptsScale = 1e4

const mptsScale = 1e6

// triggerDelayDenominators maps the unit suffix on the TRSE? field[4]
// trigger-delay value to the divisor applied to the raw number. These
// denominators are carried over literally from the original driver even
// though the unit labels and the power-of-ten look swapped (a delay
// reported in "us" divided by 1e9 does not yield seconds) — see
// SPEC_FULL.md §9, decision 1. TriggerDelay on DeviceConfiguration is
// documented as a raw, source-compatible value rather than a verified
// physical quantity.
var triggerDelayDenominators = map[string]float64{
	"us": 1e9,
	"ns": 1e6,
	"ms": 1e3,
	"s":  1,
}

// AcquisitionContext holds all per-acquisition state. There is exactly one
// writer — the poll handler — so no locking is required (spec §5, §9).
type AcquisitionContext struct {
	Protocol    ProtocolVariant
	DataSource  DataSource
	LimitFrames uint64
	LimitSamples uint64 // 0 means unbounded; see SPEC_FULL.md §4.4 expansion
	NumFrames   uint64

	EnabledChannels []ChannelDescriptor
	ChannelCursor   int // index into EnabledChannels; -1 iff no acquisition running (I3)

	Model  DeviceModel
	Config DeviceConfiguration

	WaitEvent  WaitEvent
	WaitStatus WaitStatus

	// Block progress (I1: NumBlockBytes <= NumSamples while in progress).
	NumHeaderBytes  int
	NumBlockBytes   uint64
	NumSamples      uint64
	NumBlockRead    int
	NumChannelBytes uint64 // cumulative diagnostic counter, see SPEC_FULL.md §3

	RetryCount int

	CloseHistory bool

	// Buffer is scratch space for in-flight block reads. It is reset at
	// channel start and grown as needed; sized at least
	// 2*USBTMCMaxPacket+SiglentHeaderSize up front to avoid reallocation
	// during the header read.
	Buffer []byte

	// Digital accumulators: low channels D0..D7, high channels D8..D15.
	// The state machine does not write these; processLogicChannel builds a
	// LogicAccumulator for each logic sweep instead.
	DigitalLow  []byte
	DigitalHigh []byte

	// headerBytesSoFar/blockHeaderSize track in-progress header assembly
	// across Poll invocations; see ReadHeader in waveform.go.
	headerBytesSoFar int
	blockHeaderSize  int

	cancelRequested bool
}

// CurrentChannel returns the channel the cursor currently points at, or
// nil if no acquisition is running.
func (a *AcquisitionContext) CurrentChannel() *ChannelDescriptor {
	if a.ChannelCursor < 0 || a.ChannelCursor >= len(a.EnabledChannels) {
		return nil
	}
	return &a.EnabledChannels[a.ChannelCursor]
}

// NewAcquisitionContext creates a fresh context with no running
// acquisition (I3: ChannelCursor is -1 iff no acquisition is running).
func NewAcquisitionContext() *AcquisitionContext {
	return &AcquisitionContext{
		ChannelCursor: -1,
		Buffer:        make([]byte, 0, 2*USBTMCMaxPacket+SiglentHeaderSize),
	}
}

// RequestCancel marks the acquisition for cooperative cancellation. It is
// honored at the next poll boundary (spec §5).
func (a *AcquisitionContext) RequestCancel() {
	a.cancelRequested = true
}

func (a *AcquisitionContext) cancelled() bool {
	return a.cancelRequested
}
