package poller

import (
	"bytes"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/grantwise/adam-acquisition/internal/scaleproto"
	"github.com/grantwise/adam-acquisition/internal/template"
	"github.com/grantwise/adam-acquisition/internal/transport"
	"github.com/grantwise/adam-acquisition/internal/types"
)

// ScaleReader reads the latest weight frame from a scale's raw-socket
// line protocol and extracts a named field per a ProtocolTemplate. It
// owns the stream accumulation buffer across calls since a scale's
// frames are continuous and unsolicited, unlike Modbus's
// request-per-register model — grounded on the same accumulate-then-
// scan idiom as scaleproto.Codec itself.
type ScaleReader struct {
	codec     scaleproto.Codec
	tmpl      template.ProtocolTemplate
	delimiter []byte
	buf       bytes.Buffer
}

// NewScaleReader creates a reader that parses frames with tmpl.
func NewScaleReader(tmpl template.ProtocolTemplate) *ScaleReader {
	delim := []byte(tmpl.Delimiter)
	if len(delim) == 0 {
		delim = scaleproto.DefaultDelimiter
	}
	return &ScaleReader{tmpl: tmpl, delimiter: delim}
}

// ReadChannel blocks until at least one complete frame is available,
// parses it, and returns the named field converted to a fixed-point
// int64 scaled by the channel's decimal_places — the same
// presentation-precision convention ChannelSpec.DecimalPlaces uses for
// counters, so both families flow through one Reading shape.
func (r *ScaleReader) ReadChannel(client *transport.Client, deadline time.Time, ch types.ChannelSpec) (int64, error) {
	read := func(conn net.Conn) ([]byte, error) {
		tmp := make([]byte, 512)
		for {
			var frame []byte
			found := false
			r.codec.DecodeStream(&r.buf, r.delimiter, func(f []byte) {
				frame = f
				found = true
			})
			if found {
				return frame, nil
			}
			n, err := conn.Read(tmp)
			if n > 0 {
				r.buf.Write(tmp[:n])
			}
			if err != nil {
				return nil, err
			}
		}
	}
	frame, err := client.Request(nil, deadline, read)
	if err != nil {
		return 0, err
	}
	parsed, err := r.tmpl.Apply(frame)
	if err != nil {
		return 0, err
	}
	val, ok := parsed.Values[ch.Name]
	if !ok {
		return 0, fmt.Errorf("scale field %q not present in template %q", ch.Name, r.tmpl.TemplateID)
	}
	f, ok := val.(float64)
	if !ok {
		return 0, fmt.Errorf("scale field %q is not numeric", ch.Name)
	}
	scale := math.Pow(10, float64(ch.DecimalPlaces))
	return int64(math.Round(f * scale)), nil
}
