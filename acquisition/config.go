package acquisition

import (
	"strconv"
	"strings"
)

// DeviceModel describes the fixed capabilities of an identified scope —
// the handful of facts the excluded sibling discovery subsystem (spec §1)
// would have already determined before the core ever runs. The core only
// consumes these; it never decides them.
type DeviceModel struct {
	Protocol          ProtocolVariant
	AnalogChannels    int // usually 2 or 4
	HasDigital        bool
	NumHorizontalDivs int // typically 10 or 14, model-dependent
}

// DeviceConfiguration is the one-shot snapshot of device configuration
// taken at acquisition start and treated as read-only thereafter (spec
// §3, "Lifecycle").
type DeviceConfiguration struct {
	AnalogChannels  []bool
	DigitalChannels []bool // length 16: D0..D15
	LAEnabled       bool

	Timebase float64 // seconds/div

	Attenuation []float64
	VDiv        []float64
	VertOffset  []float64
	Coupling    []string

	TriggerSource string
	// TriggerDelay is carried over using the source's literal (and
	// possibly unit-inverted) arithmetic — see SPEC_FULL.md §9 decision 1.
	// It is NOT a verified physical delay in seconds.
	TriggerDelay     float64
	TriggerSlope     string
	TriggerLevel     float64
	HasTriggerLevel  bool
	HorizTriggerPos  float64

	MemoryDepthAnalog  float64
	MemoryDepthDigital float64
	SampleRate         float64
}

// ReadConfig performs the one-shot query sequence described in spec §4.2:
// channel enablement, timebase, vertical gain/offset, coupling, probe
// attenuation, trigger source/slope/level, and memory depth.
func ReadConfig(t Transport, model DeviceModel) (DeviceConfiguration, error) {
	var cfg DeviceConfiguration
	cfg.AnalogChannels = make([]bool, model.AnalogChannels)
	cfg.Attenuation = make([]float64, model.AnalogChannels)
	cfg.VDiv = make([]float64, model.AnalogChannels)
	cfg.VertOffset = make([]float64, model.AnalogChannels)
	cfg.Coupling = make([]string, model.AnalogChannels)
	cfg.DigitalChannels = make([]bool, 16)

	for i := 0; i < model.AnalogChannels; i++ {
		enabled, err := t.GetBool(formatChannelQuery(i, "TRA?"))
		if err != nil {
			return cfg, &TransportError{Err: err}
		}
		cfg.AnalogChannels[i] = enabled

		attn, err := t.GetFloat(formatChannelQuery(i, "ATTN?"))
		if err != nil {
			return cfg, &TransportError{Err: err}
		}
		cfg.Attenuation[i] = attn

		vdiv, err := t.GetFloat(formatChannelQuery(i, "VDIV?"))
		if err != nil {
			return cfg, &TransportError{Err: err}
		}
		cfg.VDiv[i] = vdiv

		offset, err := t.GetFloat(formatChannelQuery(i, "OFST?"))
		if err != nil {
			return cfg, &TransportError{Err: err}
		}
		cfg.VertOffset[i] = offset

		coupling, err := t.GetString(formatChannelQuery(i, "CPL?"))
		if err != nil {
			return cfg, &TransportError{Err: err}
		}
		cfg.Coupling[i] = coupling
	}

	if model.HasDigital {
		laOn, err := t.GetBool("DI:SW?")
		if err != nil {
			return cfg, &TransportError{Err: err}
		}
		cfg.LAEnabled = laOn

		if laOn {
			for i := 0; i < 16; i++ {
				enabled, err := t.GetBool("D" + strconv.Itoa(i) + ":TRA?")
				if err != nil {
					return cfg, &TransportError{Err: err}
				}
				cfg.DigitalChannels[i] = enabled
			}
		}
	}

	timebase, err := t.GetFloat(":TDIV?")
	if err != nil {
		return cfg, &TransportError{Err: err}
	}
	cfg.Timebase = timebase

	trse, err := t.GetString("TRSE?")
	if err != nil {
		return cfg, &TransportError{Err: err}
	}
	tokens := strings.Split(trse, ",")
	if len(tokens) < 4 {
		return cfg, &ProtocolMalformedError{Reason: "TRSE? returned fewer than 4 fields: " + trse}
	}
	cfg.TriggerSource = strings.TrimSpace(tokens[2])

	if len(tokens) > 4 {
		delayField := strings.TrimSpace(tokens[4])
		cfg.TriggerDelay = parseTriggerDelay(delayField)
		cfg.HorizTriggerPos = cfg.TriggerDelay
	}

	slope, err := t.GetString(cfg.TriggerSource + ":TRSL?")
	if err != nil {
		return cfg, &TransportError{Err: err}
	}
	cfg.TriggerSlope = slope

	if strings.HasPrefix(cfg.TriggerSource, "C") {
		level, err := t.GetFloat(cfg.TriggerSource + ":TRLV?")
		if err != nil {
			return cfg, &TransportError{Err: err}
		}
		cfg.TriggerLevel = level
		cfg.HasTriggerLevel = true
	}

	depthAnalog, depthDigital, err := readMemoryDepth(t, model, cfg.LAEnabled)
	if err != nil {
		return cfg, err
	}
	cfg.MemoryDepthAnalog = depthAnalog
	cfg.MemoryDepthDigital = depthDigital

	cfg.SampleRate = cfg.MemoryDepthAnalog / (cfg.Timebase * float64(model.NumHorizontalDivs))

	return cfg, nil
}

func formatChannelQuery(index int, suffix string) string {
	return "C" + strconv.Itoa(index+1) + ":" + suffix
}

// parseTriggerDelay parses a TRSE? field[4] value like "100.0ns" using the
// source's (possibly unit-inverted) denominator table. Returns 0 if the
// suffix is unrecognized.
func parseTriggerDelay(field string) float64 {
	if len(field) < 2 {
		return 0
	}

	for _, unit := range []string{"us", "ns", "ms", "s"} {
		if strings.HasSuffix(strings.ToLower(field), unit) {
			numeric := field[:len(field)-len(unit)]
			value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
			if err != nil {
				return 0
			}
			return value / triggerDelayDenominators[unit]
		}
	}

	return 0
}

func readMemoryDepth(t Transport, model DeviceModel, laEnabled bool) (analog, digital float64, err error) {
	switch model.Protocol {
	case ESeries:
		analog, err = t.GetFloat("SANU? C1")
		if err != nil {
			return 0, 0, &TransportError{Err: err}
		}
		if model.HasDigital && laEnabled {
			digital, err = t.GetFloat("SANU? D0")
			if err != nil {
				return 0, 0, &TransportError{Err: err}
			}
		}
		return analog, digital, nil

	default: // SpoModel, NonSpoModel
		raw, err := t.GetString("SANU? C1")
		if err != nil {
			return 0, 0, &TransportError{Err: err}
		}
		analog = parseSampleCount(raw)
		return analog, 0, nil
	}
}

// parseSampleCount interprets the SANU? response for SPO/non-SPO models:
// a string suffixed "Mpts" (x1e6), "Kpts" (x1e4 — see SPEC_FULL.md §9
// decision 2), or a bare number.
func parseSampleCount(raw string) float64 {
	switch {
	case strings.HasSuffix(raw, "Mpts"):
		numeric := strings.TrimSuffix(raw, "Mpts")
		v, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
		if err != nil {
			return 0
		}
		return v * mptsScale
	case strings.HasSuffix(raw, "Kpts"):
		numeric := strings.TrimSuffix(raw, "Kpts")
		v, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
		if err != nil {
			return 0
		}
		return v * kptsScale
	default:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return 0
		}
		return v
	}
}
