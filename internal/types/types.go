// Package types holds the data model shared by every acquisition
// component: device/channel configuration, readings, quality
// classification and device health.
package types

import (
	"fmt"
	"time"
)

// Quality classifies how trustworthy a Reading is. It is never a numeric
// confidence value.
type Quality int

const (
	Good Quality = iota
	Uncertain
	Bad
	Timeout
	DeviceFailure
	ConfigurationError
	Overflow
)

func (q Quality) String() string {
	switch q {
	case Good:
		return "Good"
	case Uncertain:
		return "Uncertain"
	case Bad:
		return "Bad"
	case Timeout:
		return "Timeout"
	case DeviceFailure:
		return "DeviceFailure"
	case ConfigurationError:
		return "ConfigurationError"
	case Overflow:
		return "Overflow"
	default:
		return "Unknown"
	}
}

// DeviceFamily selects the transport/codec pairing a DevicePoller binds to.
type DeviceFamily int

const (
	FamilyCounter DeviceFamily = iota // Modbus/TCP multi-channel counter module
	FamilyScale                       // raw TCP serial-bridge to a weight scale
)

// ChannelSpec describes one acquired value within a device.
type ChannelSpec struct {
	ChannelNumber   int
	Name            string
	StartRegister   int
	RegisterCount   int // 1..4
	LittleEndianWords bool
	ScaleFactor     float64
	Offset          float64
	DecimalPlaces   int
	Unit            string
	MinValue        *float64
	MaxValue        *float64
	MaxRateOfChange *float64
	Enabled         bool
	Tags            map[string]string
	CounterWidth    uint // bit width for overflow detection; 0 means "use default (32)"
}

// Width returns the configured counter width, defaulting to 32 bits.
func (c ChannelSpec) Width() uint {
	if c.CounterWidth == 0 {
		return 32
	}
	return c.CounterWidth
}

// Validate checks the invariants placed on a ChannelSpec.
func (c ChannelSpec) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("channel %d: name is required", c.ChannelNumber)
	}
	if len(c.Name) > 100 {
		return fmt.Errorf("channel %q: name exceeds 100 chars", c.Name)
	}
	if c.ChannelNumber < 0 || c.ChannelNumber > 255 {
		return fmt.Errorf("channel %q: channel_number out of range [0,255]", c.Name)
	}
	if c.StartRegister < 0 || c.StartRegister > 65535 {
		return fmt.Errorf("channel %q: start_register out of range [0,65535]", c.Name)
	}
	if c.RegisterCount < 1 || c.RegisterCount > 4 {
		return fmt.Errorf("channel %q: register_count must be 1..4", c.Name)
	}
	if c.StartRegister+c.RegisterCount > 65536 {
		return fmt.Errorf("channel %q: start_register + register_count exceeds 65536", c.Name)
	}
	if c.ScaleFactor == 0 {
		return fmt.Errorf("channel %q: scale_factor must be non-zero", c.Name)
	}
	if c.DecimalPlaces < 0 || c.DecimalPlaces > 10 {
		return fmt.Errorf("channel %q: decimal_places out of range [0,10]", c.Name)
	}
	if c.MinValue != nil && c.MaxValue != nil && *c.MinValue > *c.MaxValue {
		return fmt.Errorf("channel %q: min_value > max_value", c.Name)
	}
	if c.MaxRateOfChange != nil && *c.MaxRateOfChange <= 0 {
		return fmt.Errorf("channel %q: max_rate_of_change must be > 0", c.Name)
	}
	return nil
}

// HasRange reports whether both min and max are configured.
func (c ChannelSpec) HasRange() bool { return c.MinValue != nil && c.MaxValue != nil }

// InRange reports whether raw is within [min,max] when a range is configured.
// Absent a configured range every value is considered in range.
func (c ChannelSpec) InRange(raw float64) bool {
	if c.MinValue != nil && raw < *c.MinValue {
		return false
	}
	if c.MaxValue != nil && raw > *c.MaxValue {
		return false
	}
	return true
}

// RateExceeded reports whether |rate| exceeds the configured max, if any.
func (c ChannelSpec) RateExceeded(rate float64) bool {
	if c.MaxRateOfChange == nil {
		return false
	}
	if rate < 0 {
		rate = -rate
	}
	return rate > *c.MaxRateOfChange
}

// DeviceSpec is immutable device configuration after load.
type DeviceSpec struct {
	DeviceID         string
	DeviceName       string
	Family           DeviceFamily
	Host             string
	Port             int
	UnitID           byte // Modbus unit id; unused for scale family
	TimeoutMS        int  // [1000,30000]
	MaxRetryAttempts int  // [1,10]
	RetryDelayMS     int  // [100,10000]
	Channels         []ChannelSpec
	Tags             map[string]string
}

// Timeout returns the per-request deadline as a duration.
func (d DeviceSpec) Timeout() time.Duration { return time.Duration(d.TimeoutMS) * time.Millisecond }

// RetryDelay returns the base retry delay as a duration.
func (d DeviceSpec) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelayMS) * time.Millisecond
}

// Validate checks DeviceSpec and all of its channels.
func (d DeviceSpec) Validate() error {
	if d.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if d.Host == "" {
		return fmt.Errorf("device %q: host is required", d.DeviceID)
	}
	if d.TimeoutMS < 1000 || d.TimeoutMS > 30000 {
		return fmt.Errorf("device %q: timeout_ms out of range [1000,30000]", d.DeviceID)
	}
	if d.MaxRetryAttempts < 1 || d.MaxRetryAttempts > 10 {
		return fmt.Errorf("device %q: max_retry_attempts out of range [1,10]", d.DeviceID)
	}
	if d.RetryDelayMS < 100 || d.RetryDelayMS > 10000 {
		return fmt.Errorf("device %q: retry_delay_ms out of range [100,10000]", d.DeviceID)
	}
	seen := make(map[int]struct{}, len(d.Channels))
	for _, ch := range d.Channels {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("device %q: %w", d.DeviceID, err)
		}
		if _, dup := seen[ch.ChannelNumber]; dup {
			return fmt.Errorf("device %q: duplicate channel_number %d", d.DeviceID, ch.ChannelNumber)
		}
		seen[ch.ChannelNumber] = struct{}{}
	}
	return nil
}

// Reading is one (device, channel) observation. Immutable after construction.
type Reading struct {
	DeviceID        string
	Channel         int
	ChannelName     string
	RawValue        int64
	Timestamp       time.Time
	ProcessedValue  *float64
	Rate            *float64
	Quality         Quality
	Unit            string
	AcquisitionTime time.Duration
	Tags            map[string]string
	Error           string
}

// DeviceStatus summarizes derived device health.
type DeviceStatus int

const (
	Online DeviceStatus = iota
	Warning
	Error
	Offline
	Unknown
)

func (s DeviceStatus) String() string {
	switch s {
	case Online:
		return "Online"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Offline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// DeviceHealth is derived, not stored; emitted on change or heartbeat.
type DeviceHealth struct {
	DeviceID               string
	Timestamp              time.Time
	Status                 DeviceStatus
	IsConnected            bool
	LastSuccessfulReadAge  *time.Duration
	ConsecutiveFailures    int
	AvgLatencyMS           *float64
	LastError              string
	TotalReads             uint64
	SuccessfulReads        uint64
	ActiveProtocol         string
}

// RateSample is one (timestamp, raw_value) observation kept for rate
// computation within a sliding window.
type RateSample struct {
	Timestamp time.Time
	RawValue  int64
}

// BatchEnvelope is owned exclusively by the TimeSeriesWriter.
type BatchEnvelope struct {
	Readings []Reading
	Points   [][]byte // pre-serialized line-protocol points, 1:1 with Readings
	Bytes    int
}

// Len reports the number of buffered items.
func (b *BatchEnvelope) Len() int { return len(b.Readings) }
