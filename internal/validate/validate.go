// Package validate implements pure range/rate classification plus
// scale-and-offset transformation and tag enrichment. Kept as small
// composable functions and explicit capability interfaces rather than a
// dynamic-proxy rule engine built on reflection.
package validate

import (
	"fmt"
	"math"

	"github.com/grantwise/adam-acquisition/internal/types"
)

// Rule is a custom quality rule a caller may inject in addition to the
// built-in range/rate checks. A Rule that panics is not recovered by
// this package — SafeTransform recovers only from user Transformer panics,
// which are always caught rather than crashing the poller.
type Rule func(reading types.Reading, spec types.ChannelSpec) bool

// Classify derives a Quality from a reading and its channel spec.
// rate is nil when no rate could yet be computed (first sample).
func Classify(spec types.ChannelSpec, raw int64, rate *float64, overflowDetected bool, extra ...Rule) types.Quality {
	if err := spec.Validate(); err != nil {
		return types.ConfigurationError
	}
	rawF := float64(raw)
	if overflowDetected && spec.HasRange() && !spec.InRange(rawF) {
		return types.Overflow
	}
	if spec.HasRange() && !spec.InRange(rawF) {
		return types.Bad
	}
	if rate != nil && spec.RateExceeded(*rate) {
		return types.Uncertain
	}
	for _, rule := range extra {
		// extra rules narrow quality further but never upgrade a
		// failing built-in check back to Good.
		r := types.Reading{RawValue: raw, Rate: rate}
		if !rule(r, spec) {
			return types.Bad
		}
	}
	return types.Good
}

// RangeOK is an independent boolean query usable by rule engines.
func RangeOK(spec types.ChannelSpec, raw float64) bool { return spec.InRange(raw) }

// RateOK is an independent boolean query usable by rule engines.
func RateOK(spec types.ChannelSpec, rate float64) bool { return !spec.RateExceeded(rate) }

// Transform applies processed = raw*scale + offset. Presentation
// rounding to decimal_places happens only at display time via Round;
// storage always keeps the full-precision value.
func Transform(spec types.ChannelSpec, raw int64) float64 {
	return float64(raw)*spec.ScaleFactor + spec.Offset
}

// Round rounds a processed value to the channel's configured
// decimal_places for presentation purposes only.
func Round(spec types.ChannelSpec, value float64) float64 {
	factor := math.Pow(10, float64(spec.DecimalPlaces))
	return math.Round(value*factor) / factor
}

// Transformer is user-supplied processing logic that may replace the
// default linear transform. Its panics are converted to Quality.Bad
// with the panic message.
type Transformer func(spec types.ChannelSpec, raw int64) (float64, error)

// DefaultTransformer wraps Transform as a Transformer; it does not round.
func DefaultTransformer(spec types.ChannelSpec, raw int64) (float64, error) {
	return Transform(spec, raw), nil
}

// SafeTransform runs fn, converting a panic into an error so the caller
// can fall back to Quality.Bad instead of crashing the poller.
func SafeTransform(fn Transformer, spec types.ChannelSpec, raw int64) (value float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transformer panic: %v", r)
		}
	}()
	return fn(spec, raw)
}

// EnrichTags merges channel tags, device tags and writer-injected
// context (source, channel_name, device_id, timestamp-iso) into one
// map. Later maps win on key collision in the order channel < device <
// context.
func EnrichTags(channelTags, deviceTags map[string]string, deviceID, channelName string, ts fmt.Stringer) map[string]string {
	out := make(map[string]string, len(channelTags)+len(deviceTags)+4)
	for k, v := range channelTags {
		out[k] = v
	}
	for k, v := range deviceTags {
		out[k] = v
	}
	out["source"] = "acquisition"
	out["channel_name"] = channelName
	out["device_id"] = deviceID
	if ts != nil {
		out["timestamp-iso"] = ts.String()
	}
	return out
}
