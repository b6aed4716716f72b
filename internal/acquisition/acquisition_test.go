package acquisition

import (
	"testing"
	"time"

	"github.com/grantwise/adam-acquisition/internal/template"
	"github.com/grantwise/adam-acquisition/internal/types"
)

func counterDevice(id string) types.DeviceSpec {
	return types.DeviceSpec{
		DeviceID:         id,
		Family:           types.FamilyCounter,
		Host:             "127.0.0.1",
		Port:             15999,
		TimeoutMS:        1000,
		MaxRetryAttempts: 1,
		RetryDelayMS:     100,
		Channels: []types.ChannelSpec{
			{ChannelNumber: 0, Name: "ch0", RegisterCount: 1, ScaleFactor: 1, Enabled: true},
		},
	}
}

func scaleDevice(id string) types.DeviceSpec {
	return types.DeviceSpec{
		DeviceID:         id,
		Family:           types.FamilyScale,
		Host:             "127.0.0.1",
		Port:             16999,
		TimeoutMS:        1000,
		MaxRetryAttempts: 1,
		RetryDelayMS:     100,
		Channels: []types.ChannelSpec{
			{ChannelNumber: 0, Name: "weight", RegisterCount: 1, ScaleFactor: 1, Enabled: true},
		},
	}
}

func scaleProtocolTemplate(id string) template.ProtocolTemplate {
	decimals := 2
	return template.ProtocolTemplate{
		TemplateID: id,
		Name:       "test scale",
		Delimiter:  "\r\n",
		Encoding:   "ASCII",
		Fields: []template.FieldSpec{
			{Name: "weight", Start: 0, Length: 8, FieldType: template.KindNumeric, DecimalPlaces: &decimals},
		},
	}
}

func baseConfig(devices ...types.DeviceSpec) Config {
	return Config{
		Devices:             devices,
		PollInterval:        time.Minute,
		HealthCheckInterval: 5 * time.Minute,
	}
}

func TestConfigValidateRejectsEmptyDevices(t *testing.T) {
	cfg := Config{PollInterval: time.Second, HealthCheckInterval: 5 * time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for an empty device list")
	}
}

func TestConfigValidateRejectsOutOfRangeIntervals(t *testing.T) {
	cfg := baseConfig(counterDevice("d1"))
	cfg.PollInterval = 500 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for a poll_interval below 1s")
	}

	cfg = baseConfig(counterDevice("d1"))
	cfg.HealthCheckInterval = time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for a health_check_interval below 5s")
	}
}

func TestConfigValidateRejectsDuplicateDeviceID(t *testing.T) {
	cfg := baseConfig(counterDevice("d1"), counterDevice("d1"))
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for a duplicate device_id")
	}
}

func TestConfigValidateRequiresScaleTemplateForScaleFamily(t *testing.T) {
	cfg := baseConfig(scaleDevice("s1"))
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when a FamilyScale device has no ScaleTemplates entry")
	}

	cfg.ScaleTemplates = map[string]template.ProtocolTemplate{"s1": scaleProtocolTemplate("scale-v1")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a configured template to satisfy validation, got %v", err)
	}
}

func TestStartReturnsHandleAfterReadyAndStopTearsDown(t *testing.T) {
	cfg := baseConfig(counterDevice("d1"))

	h, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h == nil {
		t.Fatalf("expected a non-nil handle")
	}

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return in time")
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig() // no devices
	if _, err := Start(cfg); err == nil {
		t.Fatalf("expected Start to reject an invalid config")
	}
}

func TestStartPreloadsScaleTemplates(t *testing.T) {
	cfg := baseConfig(scaleDevice("s1"))
	cfg.ScaleTemplates = map[string]template.ProtocolTemplate{"s1": scaleProtocolTemplate("scale-v1")}

	h, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	got, err := h.Templates().Get("scale-v1")
	if err != nil {
		t.Fatalf("expected the scale template to be preloaded: %v", err)
	}
	if got.TemplateID != "scale-v1" {
		t.Fatalf("unexpected template: %+v", got)
	}
}

func TestLatestReadingUnknownDevice(t *testing.T) {
	cfg := baseConfig(counterDevice("d1"))
	h, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	if _, ok := h.LatestReading("unknown", 0); ok {
		t.Fatalf("expected LatestReading to report false for an unknown device")
	}
}

func TestSubscribeAndUnsubscribeReadingsAndHealth(t *testing.T) {
	cfg := baseConfig(counterDevice("d1"))
	h, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	rsub := h.SubscribeReadings()
	if rsub == nil {
		t.Fatalf("expected a non-nil reading subscription")
	}
	h.UnsubscribeReadings(rsub)

	hsub := h.SubscribeHealth()
	if hsub == nil {
		t.Fatalf("expected a non-nil health subscription")
	}
	h.UnsubscribeHealth(hsub)
}

func TestStartDiscoveryReturnsUsableSession(t *testing.T) {
	cfg := baseConfig(counterDevice("d1"))
	h, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	sess := h.StartDiscovery(scaleDevice("new-scale"))
	if sess == nil {
		t.Fatalf("expected a non-nil discovery session")
	}
	sess.Cancel()
}

func TestStartDiscoveryRemovesDeviceFromPollerSet(t *testing.T) {
	cfg := baseConfig(counterDevice("d1"))
	h, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	if _, ok := h.pollers["d1"]; !ok {
		t.Fatalf("expected d1 to have an active poller before discovery")
	}

	sess := h.StartDiscovery(counterDevice("d1"))
	defer sess.Cancel()

	if _, ok := h.pollers["d1"]; ok {
		t.Fatalf("expected StartDiscovery to remove d1's poller from the poller set")
	}
}

func TestRemoveDeviceIsNoOpForUnknownDevice(t *testing.T) {
	cfg := baseConfig(counterDevice("d1"))
	h, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	h.RemoveDevice("unknown")
	if _, ok := h.pollers["d1"]; !ok {
		t.Fatalf("expected RemoveDevice on an unknown id to leave other pollers intact")
	}
}

func TestBuildReaderSelectsByFamily(t *testing.T) {
	h := &Handle{cfg: Config{ScaleTemplates: map[string]template.ProtocolTemplate{
		"s1": scaleProtocolTemplate("scale-v1"),
	}}}

	if _, proto, err := h.buildReader(counterDevice("d1")); err != nil || proto != "modbus-tcp" {
		t.Fatalf("expected modbus-tcp for FamilyCounter, got proto=%q err=%v", proto, err)
	}
	if _, proto, err := h.buildReader(scaleDevice("s1")); err != nil || proto != "scale-raw-socket" {
		t.Fatalf("expected scale-raw-socket for FamilyScale, got proto=%q err=%v", proto, err)
	}
	if _, _, err := h.buildReader(scaleDevice("missing-template")); err == nil {
		t.Fatalf("expected an error when no template is configured for a scale device")
	}
	unknown := counterDevice("d2")
	unknown.Family = types.DeviceFamily(99)
	if _, _, err := h.buildReader(unknown); err == nil {
		t.Fatalf("expected an error for an unknown device family")
	}
}
