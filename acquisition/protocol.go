package acquisition

import "strconv"

// protocolOps is the small per-variant vtable called out in
// SPEC_FULL.md/spec.md §9 ("Polymorphism over protocol"): the three
// protocol variants differ only in how they arm, how they detect the
// stop condition, and how they word the channel fetch command. The ASM's
// top-level poll logic (state_machine.go) stays variant-agnostic and
// only ever calls through this table.
type protocolOps struct {
	// arm executes the capture_start sequence for this variant, setting
	// ctx.WaitEvent/WaitStatus (and, for history sources, issuing the
	// frame-select command) as spec.md §4.4 "Arming" describes. It receives
	// its own vtable back so History arming can call startChannel.
	arm func(ctx *AcquisitionContext, t Transport, clock Clock, ops protocolOps) error

	// waitStopProbe polls once and reports whether the stop condition has
	// been reached. For ESeries this is ":TRMD?"=="STOP"; for the older
	// protocols it falls back to ":INR?" bit 0, an acknowledged imprecise
	// proxy (spec.md §9).
	waitStopProbe func(t Transport) (bool, error)

	// channelFetchCmd returns the waveform-fetch command for the given
	// channel.
	channelFetchCmd func(ch ChannelDescriptor) string

	// preReadSleep performs the variant-specific settle sleep (and, for
	// ESeries, the read_begin-before-sleep ordering) ahead of a fresh
	// block's header read.
	preReadSleep func(ctx *AcquisitionContext, t Transport, clock Clock) error
}

func opsFor(variant ProtocolVariant) protocolOps {
	switch variant {
	case ESeries:
		return protocolOps{
			arm:           armESeries,
			waitStopProbe: waitStopProbeESeries,
			channelFetchCmd: func(ch ChannelDescriptor) string {
				if ch.Kind != Analog {
					return "" // ESeries channel_start is analog-only, spec §4.4
				}
				return "C" + strconv.Itoa(ch.Index+1) + ":WF? ALL"
			},
			preReadSleep: preReadSleepESeries,
		}
	default: // SpoModel, NonSpoModel
		return protocolOps{
			arm:           armSpoOrNonSpo(variant),
			waitStopProbe: waitStopProbeLegacy,
			channelFetchCmd: func(ch ChannelDescriptor) string {
				if ch.Kind == Logic {
					return "D" + strconv.Itoa(ch.Index) + ":WF?"
				}
				return "C" + strconv.Itoa(ch.Index+1) + ":WF? ALL"
			},
			preReadSleep: preReadSleepLegacy,
		}
	}
}

// setWaitEvent is the shared helper the original driver calls
// siglent_sds_set_wait_event: WaitStop always sets WaitStatus 2 and, only
// for ESeries, also sets WaitEvent to WaitStop (the original driver's
// comment notes it is "unsure why" WAIT_STOP doesn't set wait_event for
// the other protocols — kept as observed). Any other event sets
// WaitStatus 1 and WaitEvent to that value.
func setWaitEvent(ctx *AcquisitionContext, event WaitEvent) {
	if event == WaitStop {
		ctx.WaitStatus = WaitStatusStop
		if ctx.Protocol == ESeries {
			ctx.WaitEvent = WaitStop
		}
		return
	}
	ctx.WaitStatus = WaitStatusTrigger
	ctx.WaitEvent = event
}

func armSpoOrNonSpo(variant ProtocolVariant) func(*AcquisitionContext, Transport, Clock, protocolOps) error {
	return func(ctx *AcquisitionContext, t Transport, clock Clock, ops protocolOps) error {
		if variant == NonSpoModel {
			if ctx.LimitFrames == 0 {
				ctx.LimitFrames = 1
			}
			setWaitEvent(ctx, WaitTrigger)
			return nil
		}

		switch ctx.DataSource {
		case Screen:
			if ctx.LimitFrames == 0 {
				ctx.LimitFrames = 1
			}
			if err := t.Send("ARM"); err != nil {
				return &TransportError{Err: err}
			}
			state, err := t.GetInt(":INR?")
			if err != nil {
				return &TransportError{Err: err}
			}
			switch state {
			case DeviceStateTrigReady:
				setWaitEvent(ctx, WaitTrigger)
			case DeviceStateDataTrigReady:
				setWaitEvent(ctx, WaitBlock)
			default:
				return &ProtocolMalformedError{Reason: "device did not enter ARM mode"}
			}
			return nil

		case History:
			if err := t.Send("FPAR?"); err != nil {
				return &TransportError{Err: err}
			}
			header := make([]byte, 200)
			if err := readFully(t, header); err != nil {
				return err
			}
			framecount := int32(header[40]) | int32(header[41])<<8 | int32(header[42])<<16 | int32(header[43])<<24
			if framecount < 1 {
				return &ProtocolMalformedError{Reason: "FPAR? framecount was less than 1"}
			}

			if ctx.LimitFrames == 0 {
				ctx.LimitFrames = uint64(framecount)
			}
			// else: requested limit stands even if it exceeds framecount,
			// matching the source's behavior of logging and continuing.

			if err := t.Send("FRAM %d", ctx.NumFrames+1); err != nil {
				return &TransportError{Err: err}
			}
			if err := startChannel(ctx, t, ops); err != nil {
				return err
			}
			setWaitEvent(ctx, WaitStop)
			return nil

		case ReadOnly:
			if ctx.LimitFrames == 0 {
				ctx.LimitFrames = 1
			}
			setWaitEvent(ctx, WaitStop)
			return nil
		}
		return &StateBugError{Event: ctx.WaitEvent}
	}
}

func armESeries(ctx *AcquisitionContext, t Transport, clock Clock, ops protocolOps) error {
	switch ctx.DataSource {
	case Screen:
		ctx.LimitFrames = 1
		ctx.CloseHistory = false
		if err := t.Send(":TRMD SINGLE"); err != nil {
			return &TransportError{Err: err}
		}
		setWaitEvent(ctx, WaitStop)
		return nil

	case History:
		mode, err := t.GetString(":TRMD?")
		if err != nil {
			return &TransportError{Err: err}
		}
		ctx.CloseHistory = mode != "STOP"

		hsmd, err := t.GetString(":HSMD?")
		if err != nil {
			return &TransportError{Err: err}
		}
		if hsmd == "OFF" {
			if err := t.Send(":HSMD ON"); err != nil {
				return &TransportError{Err: err}
			}
		} else {
			// History already open: FRAM? can't be trusted for the total
			// count, so force-clamp to the device's maximum first.
			if err := t.Send(":FRAM 10000000"); err != nil {
				return &TransportError{Err: err}
			}
		}

		framecount, err := t.GetInt(":FRAM?")
		if err != nil {
			return &TransportError{Err: err}
		}
		if framecount < 1 {
			return &ProtocolMalformedError{Reason: "history framecount was less than 1"}
		}
		ctx.LimitFrames = uint64(framecount)

		if err := t.Send(":FRAM 1"); err != nil {
			return &TransportError{Err: err}
		}
		setWaitEvent(ctx, WaitStop)
		return nil

	case ReadOnly:
		ctx.CloseHistory = false
		ctx.LimitFrames = 1
		setWaitEvent(ctx, WaitStop)
		return nil
	}
	return &StateBugError{Event: ctx.WaitEvent}
}

func waitStopProbeESeries(t Transport) (bool, error) {
	mode, err := t.GetString(":TRMD?")
	if err != nil {
		return false, &TransportError{Err: err}
	}
	return mode == "STOP", nil
}

// waitStopProbeLegacy falls back to :INR? bit 0 — the trigger-acquired
// bit, not a true "stopped" bit. Acknowledged imprecise (spec.md §9);
// used only because these older protocols expose nothing better.
func waitStopProbeLegacy(t Transport) (bool, error) {
	state, err := t.GetInt(":INR?")
	if err != nil {
		return false, &TransportError{Err: err}
	}
	return state&1 == 1, nil
}

func preReadSleepLegacy(ctx *AcquisitionContext, t Transport, clock Clock) error {
	waitMicros := ctx.Config.MemoryDepthAnalog * 2.5
	clock.Sleep(microseconds(waitMicros))
	if err := t.ReadBegin(); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

func preReadSleepESeries(ctx *AcquisitionContext, t Transport, clock Clock) error {
	if err := t.ReadBegin(); err != nil {
		return &TransportError{Err: err}
	}
	waitMicros := ctx.Config.Timebase * float64(ctx.Model.NumHorizontalDivs) * 100000
	if waitMicros > 10000 {
		waitMicros = 10000
	}
	clock.Sleep(microseconds(waitMicros))
	return nil
}

// readFully reads exactly len(buf) bytes, tolerating short reads and the
// transient -1 drain signal up to MaxReadRetries times.
func readFully(t Transport, buf []byte) error {
	total := 0
	retries := 0
	for total < len(buf) {
		n, err := t.ReadData(buf[total:])
		if err != nil {
			return &TransportError{Err: err}
		}
		if n < 0 {
			if retries >= MaxReadRetries {
				return &TransportError{Err: &transientDrainError{}}
			}
			retries++
			continue
		}
		if n == 0 {
			return &TransportError{Err: errEOF}
		}
		total += n
		retries = 0
	}
	return nil
}
