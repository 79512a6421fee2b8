// Command scope-capture runs one acquisition against a Siglent SDS-family
// scope and writes the decoded event stream to stdout, one line per
// event. Flags follow the teacher's pflag style (see kissutil.go).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"github.com/spf13/pflag"

	"github.com/mgrimberger/siglent-sds-core/acquisition"
	"github.com/mgrimberger/siglent-sds-core/config"
	"github.com/mgrimberger/siglent-sds-core/transport/serial"
	"github.com/mgrimberger/siglent-sds-core/transport/usbtmc"
)

// timestampFormat is an strftime layout, matching the teacher's
// "-T/--timestamp-format" convention (kissutil.go) rather than a Go
// time.Format layout string.
const timestampFormat = "%Y-%m-%d %H:%M:%S"

func main() {
	sessionPath := pflag.StringP("session", "s", "", "Session YAML file (searches scope-session.yaml if omitted)")
	jsonOutput := pflag.BoolP("json", "j", false, "Emit newline-delimited JSON instead of a human-readable summary")
	help := pflag.BoolP("help", "h", false, "Display help text")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - Run one acquisition against a Siglent SDS-family scope.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	session, err := config.Load(*sessionPath)
	if err != nil {
		log.Fatal("failed to load session", "err", err)
	}

	if session.Logging.Level != "" {
		if lvl, parseErr := log.ParseLevel(session.Logging.Level); parseErr == nil {
			log.SetLevel(lvl)
		}
	}
	if session.Logging.JSON {
		log.SetFormatter(log.JSONFormatter)
	}

	t, closeFn, err := openTransport(session)
	if err != nil {
		log.Fatal("failed to open transport", "err", err)
	}
	defer func() {
		if err := closeFn(); err != nil {
			log.Warn("error closing transport", "err", err)
		}
	}()

	emitter := &stdoutEmitter{asJSON: *jsonOutput}
	sm := acquisition.NewStateMachine(t, acquisition.RealClock, emitter, session.DeviceModel())

	if err := sm.Start(session.DataSource(), session.Capture.LimitFrames, session.Capture.LimitSamples); err != nil {
		log.Fatal("failed to start acquisition", "err", err)
	}

	for {
		more, err := sm.Poll()
		if err != nil {
			log.Error("acquisition ended with an error", "err", err)
			os.Exit(1)
		}
		if !more {
			break
		}
	}
}

func openTransport(session config.Session) (acquisition.Transport, func() error, error) {
	switch session.Device.Transport {
	case "usbtmc":
		t, err := usbtmc.Open(session.Device.VendorID, session.Device.ProductID)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	case "serial":
		t, err := serial.Open(session.Device.Port, session.Device.Baud)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported transport %q", session.Device.Transport)
	}
}

// stdoutEmitter prints each event to stdout, either as a one-line human
// summary or as newline-delimited JSON.
type stdoutEmitter struct {
	asJSON bool
}

func (e *stdoutEmitter) Emit(ev acquisition.Event) {
	if e.asJSON {
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(describeEvent(ev))
		return
	}
	fmt.Println(summarizeEvent(ev))
}

// formatStartTime renders a HeaderEvent's start time with an strftime
// layout rather than Go's time.Format layout strings.
func formatStartTime(t time.Time) string {
	formatted, err := strftime.Format(timestampFormat, t)
	if err != nil {
		return t.UTC().String()
	}
	return formatted
}

func describeEvent(ev acquisition.Event) map[string]any {
	switch e := ev.(type) {
	case *acquisition.HeaderEvent:
		return map[string]any{"type": "header", "feed_version": e.FeedVersion, "start": formatStartTime(e.StartTime)}
	case *acquisition.MetaAnalogEvent:
		return map[string]any{"type": "meta_analog", "num_probes": e.NumProbes}
	case *acquisition.AnalogEvent:
		return map[string]any{"type": "analog", "channel": e.Channel.Name, "samples": len(e.Samples), "unit": e.Unit, "digits": e.Digits}
	case *acquisition.LogicEvent:
		return map[string]any{"type": "logic", "bytes": len(e.Data), "unit_size": e.UnitSize}
	case *acquisition.FrameBeginEvent:
		return map[string]any{"type": "frame_begin"}
	case *acquisition.FrameEndEvent:
		return map[string]any{"type": "frame_end"}
	case *acquisition.EndEvent:
		if e.Err != nil {
			return map[string]any{"type": "end", "err": e.Err.Error()}
		}
		return map[string]any{"type": "end"}
	default:
		return map[string]any{"type": "unknown"}
	}
}

func summarizeEvent(ev acquisition.Event) string {
	switch e := ev.(type) {
	case *acquisition.HeaderEvent:
		return fmt.Sprintf("header feed_version=%d start=%s", e.FeedVersion, formatStartTime(e.StartTime))
	case *acquisition.MetaAnalogEvent:
		return fmt.Sprintf("meta_analog num_probes=%d", e.NumProbes)
	case *acquisition.AnalogEvent:
		return fmt.Sprintf("analog channel=%s samples=%d digits=%d", e.Channel.Name, len(e.Samples), e.Digits)
	case *acquisition.LogicEvent:
		return fmt.Sprintf("logic bytes=%d unit_size=%d", len(e.Data), e.UnitSize)
	case *acquisition.FrameBeginEvent:
		return "frame_begin"
	case *acquisition.FrameEndEvent:
		return "frame_end"
	case *acquisition.EndEvent:
		if e.Err != nil {
			return fmt.Sprintf("end err=%v", e.Err)
		}
		return "end"
	default:
		return "unknown event"
	}
}
