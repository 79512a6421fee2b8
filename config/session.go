// Package config loads the YAML session file a host uses to describe
// which device to connect to and how to run an acquisition, in the
// search-path-then-parse style the teacher repo uses for its own YAML
// data file (see doismellburning-samoyed's src/deviceid.go, which loads
// tocalls.yaml the same way).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mgrimberger/siglent-sds-core/acquisition"
)

// Session describes one capture run: how to reach the device and what
// to ask the acquisition state machine to do once connected.
type Session struct {
	Device  DeviceSection  `yaml:"device"`
	Capture CaptureSection `yaml:"capture"`
	Logging LoggingSection `yaml:"logging"`
}

// DeviceSection identifies the transport and, for protocols where it
// can't be auto-detected, the protocol variant (spec §1: discovery is
// explicitly out of scope for this core, so the session file is where a
// host records what it already determined).
type DeviceSection struct {
	Transport string `yaml:"transport"` // "usbtmc" or "serial"

	// usbtmc
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`

	// serial
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`

	Protocol          string `yaml:"protocol"` // "spo", "nonspo", "eseries"
	AnalogChannels    int    `yaml:"analog_channels"`
	HasDigital        bool   `yaml:"has_digital"`
	NumHorizontalDivs int    `yaml:"num_horizontal_divs"`
}

// CaptureSection configures one acquisition (spec §3 AcquisitionContext
// fields a host is expected to supply).
type CaptureSection struct {
	DataSource   string `yaml:"data_source"` // "screen", "history", "readonly"
	LimitFrames  uint64 `yaml:"limit_frames"`
	LimitSamples uint64 `yaml:"limit_samples"`
}

// LoggingSection configures the ambient structured logger.
type LoggingSection struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
	JSON  bool   `yaml:"json"`
}

var searchLocations = []string{
	"scope-session.yaml",
	"config/scope-session.yaml",
	"/etc/siglent-sds-core/scope-session.yaml",
}

// Load reads path, or — if path is empty — the first file found on
// searchLocations.
func Load(path string) (Session, error) {
	var data []byte
	var err error

	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return Session{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		var opened bool
		for _, candidate := range searchLocations {
			data, err = os.ReadFile(candidate)
			if err == nil {
				opened = true
				break
			}
		}
		if !opened {
			return Session{}, fmt.Errorf("config: no session file found in %v", searchLocations)
		}
	}

	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Validate checks the handful of fields that must have a recognized
// value before a DeviceModel/DataSource can be derived from them.
func (s Session) Validate() error {
	switch s.Device.Transport {
	case "usbtmc", "serial":
	default:
		return fmt.Errorf("config: device.transport must be \"usbtmc\" or \"serial\", got %q", s.Device.Transport)
	}
	switch s.Device.Protocol {
	case "spo", "nonspo", "eseries":
	default:
		return fmt.Errorf("config: device.protocol must be \"spo\", \"nonspo\" or \"eseries\", got %q", s.Device.Protocol)
	}
	switch s.Capture.DataSource {
	case "screen", "history", "readonly":
	default:
		return fmt.Errorf("config: capture.data_source must be \"screen\", \"history\" or \"readonly\", got %q", s.Capture.DataSource)
	}
	if s.Device.AnalogChannels <= 0 {
		return fmt.Errorf("config: device.analog_channels must be positive")
	}
	return nil
}

// DeviceModel builds the acquisition.DeviceModel this session describes.
func (s Session) DeviceModel() acquisition.DeviceModel {
	var variant acquisition.ProtocolVariant
	switch s.Device.Protocol {
	case "nonspo":
		variant = acquisition.NonSpoModel
	case "eseries":
		variant = acquisition.ESeries
	default:
		variant = acquisition.SpoModel
	}
	return acquisition.DeviceModel{
		Protocol:          variant,
		AnalogChannels:    s.Device.AnalogChannels,
		HasDigital:        s.Device.HasDigital,
		NumHorizontalDivs: s.Device.NumHorizontalDivs,
	}
}

// DataSource parses the capture.data_source field.
func (s Session) DataSource() acquisition.DataSource {
	switch s.Capture.DataSource {
	case "history":
		return acquisition.History
	case "readonly":
		return acquisition.ReadOnly
	default:
		return acquisition.Screen
	}
}
