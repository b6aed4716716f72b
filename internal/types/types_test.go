package types

import "testing"

func float64p(v float64) *float64 { return &v }

func TestChannelSpecValidate(t *testing.T) {
	valid := ChannelSpec{
		Name:          "counter1",
		ChannelNumber: 1,
		StartRegister: 0,
		RegisterCount: 2,
		ScaleFactor:   1,
		DecimalPlaces: 2,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid channel, got %v", err)
	}

	cases := []struct {
		name string
		mod  func(c ChannelSpec) ChannelSpec
	}{
		{"empty name", func(c ChannelSpec) ChannelSpec { c.Name = ""; return c }},
		{"register_count too high", func(c ChannelSpec) ChannelSpec { c.RegisterCount = 5; return c }},
		{"start+count overflow", func(c ChannelSpec) ChannelSpec { c.StartRegister = 65535; c.RegisterCount = 4; return c }},
		{"zero scale", func(c ChannelSpec) ChannelSpec { c.ScaleFactor = 0; return c }},
		{"min > max", func(c ChannelSpec) ChannelSpec {
			c.MinValue, c.MaxValue = float64p(10), float64p(1)
			return c
		}},
		{"negative max rate", func(c ChannelSpec) ChannelSpec { c.MaxRateOfChange = float64p(-1); return c }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.mod(valid).Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestChannelSpecWidthDefault(t *testing.T) {
	c := ChannelSpec{}
	if c.Width() != 32 {
		t.Fatalf("expected default width 32, got %d", c.Width())
	}
	c.CounterWidth = 16
	if c.Width() != 16 {
		t.Fatalf("expected configured width 16, got %d", c.Width())
	}
}

func TestChannelSpecInRange(t *testing.T) {
	c := ChannelSpec{MinValue: float64p(0), MaxValue: float64p(100)}
	if !c.InRange(50) || c.InRange(150) || c.InRange(-1) {
		t.Fatalf("InRange behaved unexpectedly")
	}
	unbounded := ChannelSpec{}
	if !unbounded.InRange(1e9) {
		t.Fatalf("absent range should accept any value")
	}
}

func TestDeviceSpecValidateDuplicateChannel(t *testing.T) {
	d := DeviceSpec{
		DeviceID:         "d1",
		Host:             "127.0.0.1",
		TimeoutMS:        5000,
		MaxRetryAttempts: 3,
		RetryDelayMS:     500,
		Channels: []ChannelSpec{
			{Name: "a", ChannelNumber: 1, RegisterCount: 1, ScaleFactor: 1},
			{Name: "b", ChannelNumber: 1, RegisterCount: 1, ScaleFactor: 1},
		},
	}
	if err := d.Validate(); err == nil {
		t.Fatalf("expected duplicate channel_number to fail validation")
	}
}

func TestQualityString(t *testing.T) {
	if Good.String() != "Good" || Overflow.String() != "Overflow" {
		t.Fatalf("unexpected Quality.String() output")
	}
}
