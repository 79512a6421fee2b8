package acquisition

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// StateMachine is the cooperative acquisition state machine (ASM). It owns
// no goroutines and no locks: Start and Poll are called from a single host
// loop, and Poll must never be re-entered concurrently (spec §5).
type StateMachine struct {
	t        Transport
	clock    Clock
	emitter  Emitter
	model    DeviceModel
	ops      protocolOps
	ctx      *AcquisitionContext

	frameOpen bool
}

// NewStateMachine constructs an ASM bound to a Transport, a Clock (pass
// RealClock in production; a fake in tests) and an Emitter that receives
// the decoded event stream.
func NewStateMachine(t Transport, clock Clock, emitter Emitter, model DeviceModel) *StateMachine {
	return &StateMachine{t: t, clock: clock, emitter: emitter, model: model}
}

func (sm *StateMachine) emit(e Event) { sm.emitter.Emit(e) }

// Running reports whether an acquisition is currently in progress.
func (sm *StateMachine) Running() bool { return sm.ctx != nil }

// Cancel requests cooperative cancellation of the in-progress acquisition.
// It is a no-op if no acquisition is running. The cancellation is honored
// at the next Poll call, which emits FrameEndEvent/EndEvent and returns
// (false, nil) (spec §5).
func (sm *StateMachine) Cancel() {
	if sm.ctx != nil {
		sm.ctx.RequestCancel()
	}
}

// Start reads device configuration, builds the enabled-channel list, arms
// the device for the first frame and emits the header/meta/frame-begin
// events (spec §4.4 "Arming"). Poll must be called repeatedly afterward
// until it returns false.
func (sm *StateMachine) Start(dataSource DataSource, limitFrames, limitSamples uint64) error {
	cfg, err := ReadConfig(sm.t, sm.model)
	if err != nil {
		return err
	}

	ctx := NewAcquisitionContext()
	ctx.Protocol = sm.model.Protocol
	ctx.Model = sm.model
	ctx.Config = cfg
	ctx.DataSource = dataSource
	ctx.LimitFrames = limitFrames
	ctx.LimitSamples = limitSamples
	ctx.EnabledChannels = BuildEnabledChannels(cfg, sm.model)
	if len(ctx.EnabledChannels) == 0 {
		return &ProtocolMalformedError{Reason: "no channels enabled"}
	}
	ctx.ChannelCursor = 0

	sm.ctx = ctx
	sm.ops = opsFor(sm.model.Protocol)

	sm.emit(&HeaderEvent{FeedVersion: FeedVersion, StartTime: sm.clock.Now()})
	sm.emit(buildMetaAnalogEvent(ctx.EnabledChannels))

	if err := sm.ops.arm(ctx, sm.t, sm.clock, sm.ops); err != nil {
		sm.ctx = nil
		return err
	}
	sm.emit(&FrameBeginEvent{})
	sm.frameOpen = true
	return nil
}

// BuildEnabledChannels constructs the channel cursor sequence: every
// enabled analog channel in index order, followed — for protocols other
// than ESeries, whose channel_start only ever knows how to fetch analog
// data — by every enabled logic channel in index order (spec §4.3, §4.4).
func BuildEnabledChannels(cfg DeviceConfiguration, model DeviceModel) []ChannelDescriptor {
	var out []ChannelDescriptor
	for i, enabled := range cfg.AnalogChannels {
		if enabled {
			out = append(out, ChannelDescriptor{Index: i, Kind: Analog, Enabled: true, Name: fmt.Sprintf("C%d", i+1)})
		}
	}
	if model.HasDigital && model.Protocol != ESeries && cfg.LAEnabled {
		for i, enabled := range cfg.DigitalChannels {
			if enabled {
				out = append(out, ChannelDescriptor{Index: i, Kind: Logic, Enabled: true, Name: fmt.Sprintf("D%d", i)})
			}
		}
	}
	return out
}

func buildMetaAnalogEvent(channels []ChannelDescriptor) *MetaAnalogEvent {
	var analog []ChannelDescriptor
	for _, ch := range channels {
		if ch.Kind == Analog {
			analog = append(analog, ch)
		}
	}
	return &MetaAnalogEvent{NumProbes: len(analog), Channels: analog}
}

// Poll advances the state machine by one step. It returns (true, nil) if
// the caller should poll again, and (false, err) once the acquisition has
// ended — cleanly (err == nil) or because of an unrecoverable error.
func (sm *StateMachine) Poll() (bool, error) {
	ctx := sm.ctx
	if ctx == nil {
		return false, nil
	}
	if ctx.cancelled() {
		return sm.abortClean()
	}

	switch ctx.WaitEvent {
	case WaitNone:
		// already mid-block; fall through to the payload phase below.
	case WaitTrigger:
		if err := sm.triggerWait(); err != nil {
			return sm.abortError(err)
		}
		if err := startChannel(ctx, sm.t, sm.ops); err != nil {
			return sm.abortError(err)
		}
	case WaitBlock:
		if err := startChannel(ctx, sm.t, sm.ops); err != nil {
			return sm.abortError(err)
		}
	case WaitStop:
		if err := sm.stopWait(); err != nil {
			return sm.abortError(err)
		}
		if err := startChannel(ctx, sm.t, sm.ops); err != nil {
			return sm.abortError(err)
		}
	default:
		return sm.abortError(&StateBugError{Event: ctx.WaitEvent})
	}

	ch := ctx.CurrentChannel()
	if ch == nil {
		return sm.abortError(&StateBugError{Event: ctx.WaitEvent})
	}

	if ch.Kind == Logic {
		return sm.processLogicChannel(*ch)
	}
	return sm.processAnalogBlock(*ch)
}

// triggerWait polls ":INR?" bit 0 until the trigger has fired or
// TriggerWaitSeconds elapses (spec §4.4 "Trigger wait", §9 Open Question
// 3: all protocols share this same trigger-detection path). On success, at
// slow-to-moderate timebases (1µs < timebase < 0.51s) it applies the same
// settle sleep the source performs before the first channel_start of a new
// frame; outside that band the source skips the sleep entirely.
func (sm *StateMachine) triggerWait() error {
	start := sm.clock.Now()
	for {
		state, err := sm.t.GetInt(":INR?")
		if err != nil {
			return &TransportError{Err: err}
		}
		if state&1 == 1 {
			break
		}
		if sm.clock.Now().Sub(start) >= TriggerWaitSeconds*time.Second {
			return &TimeoutError{Waiting: WaitTrigger}
		}
		sm.clock.Sleep(microseconds(PollIntervalUS))
	}

	tb := sm.ctx.Config.Timebase
	if tb > 1e-6 && tb < 0.51 {
		settleMs := tb * float64(sm.ctx.Model.NumHorizontalDivs) * 10
		sm.clock.Sleep(time.Duration(settleMs * float64(time.Millisecond)))
	}
	return nil
}

// stopWait polls the variant's stop probe until the acquisition has
// stopped or TriggerWaitSeconds elapses (spec §4.4 "Stop wait").
func (sm *StateMachine) stopWait() error {
	start := sm.clock.Now()
	for {
		stopped, err := sm.ops.waitStopProbe(sm.t)
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}
		if sm.clock.Now().Sub(start) >= TriggerWaitSeconds*time.Second {
			return &TimeoutError{Waiting: WaitStop}
		}
		sm.clock.Sleep(microseconds(PollIntervalUS))
	}
}

// startChannel issues the waveform-fetch command for the channel the
// cursor currently points to and resets per-block progress counters
// (spec §4.4 "Channel start").
func startChannel(ctx *AcquisitionContext, t Transport, ops protocolOps) error {
	ch := ctx.CurrentChannel()
	if ch == nil {
		return &StateBugError{Event: ctx.WaitEvent}
	}
	cmd := ops.channelFetchCmd(*ch)
	if cmd == "" {
		return &ProtocolMalformedError{Reason: "no fetch command for channel " + ch.Name}
	}
	if err := t.Send(cmd); err != nil {
		return &TransportError{Err: err}
	}
	ctx.NumChannelBytes = 0
	ctx.ResetHeader()
	ctx.NumBlockBytes = 0
	ctx.NumBlockRead = 0
	setWaitEvent(ctx, WaitNone)
	return nil
}

// processAnalogBlock performs one poll's worth of work on the current
// analog channel's block: assembling the header if one isn't complete
// yet, then reading up to one bounded chunk of payload (spec §4.4
// "Per-poll body (block phase)").
func (sm *StateMachine) processAnalogBlock(ch ChannelDescriptor) (bool, error) {
	ctx := sm.ctx

	if ctx.blockHeaderSize == 0 {
		if ctx.headerBytesSoFar == 0 {
			if err := sm.ops.preReadSleep(ctx, sm.t, sm.clock); err != nil {
				return sm.abortError(err)
			}
		}
		n, err := ctx.ReadHeader(sm.t)
		if err != nil {
			if _, ok := err.(*EmptyWaveformError); ok {
				return sm.retryEmptyChannel(err)
			}
			return sm.abortError(err)
		}
		if n < SiglentHeaderSize {
			return true, nil
		}
	}

	target := int64(ctx.NumSamples) - int64(ctx.NumBlockBytes)
	if target < 0 {
		return sm.abortError(&ProtocolMalformedError{Reason: "negative waveform length remaining"})
	}
	if target > 10240 {
		target = 10240
	}

	chunk := make([]byte, 0, target)
	for int64(len(chunk)) < target {
		readBuf := make([]byte, target-int64(len(chunk)))
		n, err := sm.t.ReadData(readBuf)
		if err != nil {
			return sm.abortError(&TransportError{Err: err})
		}

		switch {
		case n < 0:
			if len(chunk) > 0 {
				target = int64(len(chunk)) // flush what we have this poll
				continue
			}
			if ctx.RetryCount < MaxReadRetries {
				ctx.RetryCount++
				log.Warn("transient drain on channel read, retrying", "channel", ch.Name, "attempt", ctx.RetryCount)
				sm.clock.Sleep(time.Millisecond)
				return true, nil
			}
			return sm.abortError(&TransportError{Err: &transientDrainError{}})

		case n == 0:
			return sm.abortError(&TransportError{Err: errEOF})

		case n == 2 && ctx.NumBlockRead == 0 && len(chunk) == 0:
			return sm.retryEmptyChannel(&EmptyWaveformError{})
		}

		ctx.RetryCount = 0
		chunk = append(chunk, readBuf[:n]...)
		ctx.NumBlockBytes += uint64(n)
		ctx.NumChannelBytes += uint64(n)
		ctx.NumBlockRead++
	}

	if len(chunk) == 0 {
		return sm.advanceChannelOrFrame()
	}

	vdiv := ctx.Config.VDiv[ch.Index]
	offset := ctx.Config.VertOffset[ch.Index]
	samples := DecodeAnalog(chunk, vdiv, offset)
	sm.emit(&AnalogEvent{Channel: ch, Samples: samples, Unit: "volt", Digits: AnalogDigits(vdiv)})

	blockDone := ctx.NumBlockBytes >= ctx.NumSamples
	if ctx.LimitSamples > 0 && ctx.NumBlockBytes >= ctx.LimitSamples {
		blockDone = true
	}
	if !blockDone {
		return true, nil
	}
	if ctx.NumBlockBytes < ctx.NumSamples {
		// LimitSamples cut the block short: discard the rest of the payload
		// so the terminator check below reads the real terminator.
		rest := make([]byte, ctx.NumSamples-ctx.NumBlockBytes)
		if err := readFully(sm.t, rest); err != nil {
			return sm.abortError(err)
		}
	}

	term := make([]byte, 3)
	n, err := sm.t.ReadData(term)
	if err != nil {
		return sm.abortError(&TransportError{Err: err})
	}
	if n != 2 || !sm.t.ReadComplete() {
		return sm.abortError(&ProtocolMalformedError{Reason: "waveform block terminator missing or malformed"})
	}
	ctx.ResetHeader()
	ctx.NumBlockBytes = 0
	ctx.NumBlockRead = 0
	return sm.advanceChannelOrFrame()
}

// retryEmptyChannel implements the empty-waveform retry policy (spec §4.3,
// §7): up to MaxEmptyRetries attempts spaced 100ms apart, rewinding to
// WaitBlock each time, before the channel is silently skipped.
func (sm *StateMachine) retryEmptyChannel(cause error) (bool, error) {
	ctx := sm.ctx
	retryErr := &emptyWaveformRetryError{cause: cause}
	if ctx.RetryCount < MaxEmptyRetries {
		ctx.RetryCount++
		log.Warn("empty waveform, retrying", "channel", ctx.CurrentChannel().Name, "attempt", ctx.RetryCount, "err", retryErr)
		sm.clock.Sleep(100 * time.Millisecond)
		setWaitEvent(ctx, WaitBlock)
		return true, nil
	}
	log.Warn("empty waveform after max retries, skipping channel", "channel", ctx.CurrentChannel().Name, "err", retryErr)
	ctx.RetryCount = 0
	return sm.advanceChannelOrFrame()
}

// processLogicChannel performs the entire logic sweep in one step: every
// enabled logic channel is fetched and bit-planed into the accumulator,
// then a single combined logic event is emitted (spec §4.3 "Logic
// payload"). Matching the source, reaching any logic channel entry
// consumes every remaining logic entry in the cursor at once.
func (sm *StateMachine) processLogicChannel(ch ChannelDescriptor) (bool, error) {
	ctx := sm.ctx
	depth := int(ctx.Config.MemoryDepthDigital)
	acc := NewLogicAccumulator(depth)

	for _, lch := range ctx.EnabledChannels {
		if lch.Kind != Logic {
			continue
		}
		raw, err := sm.fetchLogicChannel(lch.Index)
		if err != nil {
			return sm.abortError(err)
		}
		acc.AddChannel(lch.Index, raw)
	}

	sm.emit(&LogicEvent{Data: acc.Interleave(), UnitSize: 2})
	ctx.ChannelCursor = len(ctx.EnabledChannels) - 1 // consume remaining logic entries
	return sm.advanceChannelOrFrame()
}

func (sm *StateMachine) fetchLogicChannel(index int) ([]byte, error) {
	if err := sm.t.Send("D%d:WF? DAT2", index); err != nil {
		return nil, &TransportError{Err: err}
	}
	if err := sm.t.ReadBegin(); err != nil {
		return nil, &TransportError{Err: err}
	}

	var all []byte
	for {
		buf := make([]byte, 4096)
		n, err := sm.t.ReadData(buf)
		if err != nil {
			return nil, &TransportError{Err: err}
		}
		if n < 0 || n == 0 {
			break
		}
		all = append(all, buf[:n]...)
	}
	if len(all) < DescriptorBlockOffset {
		return nil, &ProtocolMalformedError{Reason: "logic channel response shorter than its header"}
	}
	return all[DescriptorBlockOffset:], nil
}

// advanceChannelOrFrame moves the cursor to the next enabled channel, or —
// if the current channel was the last one — closes out the frame and
// either arms the next one or ends the acquisition (spec §4.4 "Channel/
// frame progression").
func (sm *StateMachine) advanceChannelOrFrame() (bool, error) {
	ctx := sm.ctx
	if ctx.ChannelCursor+1 < len(ctx.EnabledChannels) {
		ctx.ChannelCursor++
		setWaitEvent(ctx, WaitBlock)
		return true, nil
	}

	sm.emit(&FrameEndEvent{})
	sm.frameOpen = false
	ctx.NumFrames++

	if ctx.LimitFrames > 0 && ctx.NumFrames >= ctx.LimitFrames {
		if ctx.Protocol == ESeries && ctx.DataSource == History && ctx.CloseHistory {
			_ = sm.t.Send(":HSMD OFF") // best-effort, matches source's log-and-continue
		}
		sm.finish()
		sm.emit(&EndEvent{})
		return false, nil
	}

	ctx.ChannelCursor = 0

	if ctx.Protocol == ESeries {
		if err := sm.t.Send(":FRAM %d", ctx.NumFrames+1); err != nil {
			sm.finish()
			sm.emit(&EndEvent{Err: &TransportError{Err: err}})
			return false, &TransportError{Err: err}
		}
		sm.emit(&FrameBeginEvent{})
		sm.frameOpen = true
		setWaitEvent(ctx, WaitBlock)
		return true, nil
	}

	if err := sm.ops.arm(ctx, sm.t, sm.clock, sm.ops); err != nil {
		sm.finish()
		sm.emit(&EndEvent{Err: err})
		return false, err
	}
	sm.emit(&FrameBeginEvent{})
	sm.frameOpen = true
	return true, nil
}

func (sm *StateMachine) abortError(err error) (bool, error) {
	log.Error("acquisition aborted", "err", err)
	if sm.frameOpen {
		sm.emit(&FrameEndEvent{})
		sm.frameOpen = false
	}
	sm.finish()
	sm.emit(&EndEvent{Err: err})
	return false, err
}

func (sm *StateMachine) abortClean() (bool, error) {
	if sm.frameOpen {
		sm.emit(&FrameEndEvent{})
		sm.frameOpen = false
	}
	sm.finish()
	sm.emit(&EndEvent{})
	return false, nil
}

// finish marks no acquisition as running (invariant I3).
func (sm *StateMachine) finish() {
	if sm.ctx != nil {
		sm.ctx.ChannelCursor = -1
	}
	sm.ctx = nil
}
