// Package writer batches Readings off the pipeline bus, serializes them
// to InfluxDB line protocol via
// github.com/influxdata/line-protocol/v2/lineprotocol, and drains them
// into a pluggable backend with bounded, exponential backoff retry using
// an injectable sleepFn test seam and a doubling-with-cap backoff shape.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/grantwise/adam-acquisition/internal/bus"
	"github.com/grantwise/adam-acquisition/internal/metrics"
	"github.com/grantwise/adam-acquisition/internal/types"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

const (
	writerBackoffBase = 500 * time.Millisecond
	writerBackoffCap  = 30 * time.Second
)

// reservedTagKeys are enrichment tags carried on a Reading that are
// either promoted to a fixed tag under a different name (device_id,
// channel) or are not part of the wire tag set at all (source,
// timestamp-iso, overflow promotes to a field instead).
var reservedTagKeys = map[string]struct{}{
	"source":        {},
	"channel_name":  {},
	"device_id":     {},
	"timestamp-iso": {},
	"overflow":      {},
}

// BackendWriter persists one pre-serialized line-protocol batch. Kept as
// a single-method interface so tests substitute a fake without any
// mocking framework.
type BackendWriter interface {
	WriteBatch(ctx context.Context, payload []byte) error
}

// Config holds the batching/backoff knobs.
type Config struct {
	BatchSize           int
	FlushInterval       time.Duration
	MaxBufferedBatches  int
	FlushTimeout        time.Duration // hard deadline for the shutdown flush
}

// DeviceMeta supplies the tag values a Reading alone doesn't carry.
// Manufacturer/Model/Protocol are added to scale_weight points only.
type DeviceMeta struct {
	DeviceName   string
	Family       types.DeviceFamily
	Manufacturer string
	Model        string
	Protocol     string
}

type pendingBatch struct {
	bytes  []byte
	points int
}

// Writer drains one ReadingSub, batches points by size or interval, and
// writes them through backend with retry.
type Writer struct {
	cfg     Config
	backend BackendWriter
	sub     *bus.ReadingSub
	meta    map[string]DeviceMeta
	log     *slog.Logger

	mu       sync.Mutex
	enc      lineprotocol.Encoder
	current  int
	buffered []pendingBatch
	backoff  time.Duration
}

// New creates a Writer consuming from sub. meta maps device_id to the
// display name and family used for measurement/tag selection.
func New(cfg Config, backend BackendWriter, sub *bus.ReadingSub, meta map[string]DeviceMeta, log *slog.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxBufferedBatches <= 0 {
		cfg.MaxBufferedBatches = 6
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{cfg: cfg, backend: backend, sub: sub, meta: meta, log: log, backoff: writerBackoffBase}
	w.enc.SetPrecision(lineprotocol.Millisecond)
	return w
}

// Run drains the subscriber until ctx is cancelled, batching by size or
// interval and writing through the backend with backoff. On
// cancellation it attempts one final flush within cfg.FlushTimeout.
func (w *Writer) Run(ctx context.Context) {
	flushTicker := time.NewTicker(w.cfg.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdownFlush()
			return
		case r, ok := <-w.sub.Out:
			if !ok {
				w.shutdownFlush()
				return
			}
			w.addReading(r)
			if w.pendingCount() >= w.cfg.BatchSize {
				w.rotateBatch()
			}
		case <-flushTicker.C:
			w.rotateBatch()
		}
		w.drainBuffered(ctx)
	}
}

func (w *Writer) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// addReading serializes r into the in-progress batch iff its quality
// makes it point-worthy.
func (w *Writer) addReading(r types.Reading) {
	if r.Quality != types.Good && r.Quality != types.Uncertain {
		return
	}
	p := w.pointFor(r)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := encodePoint(&w.enc, p); err != nil {
		w.log.Error("writer_encode_failed", "device", r.DeviceID, "channel", r.Channel, "error", err)
		return
	}
	w.current++
}

func (w *Writer) pointFor(r types.Reading) point {
	measurement := "adam_counter"
	if meta, ok := w.meta[r.DeviceID]; ok && meta.Family == types.FamilyScale {
		measurement = "scale_weight"
	}
	tags := map[string]string{
		"device_id": r.DeviceID,
		"channel":   fmt.Sprintf("%d", r.Channel),
		"unit":      r.Unit,
		"quality":   r.Quality.String(),
	}
	if meta, ok := w.meta[r.DeviceID]; ok {
		if meta.DeviceName != "" {
			tags["device_name"] = meta.DeviceName
		}
		if meta.Family == types.FamilyScale {
			if meta.Manufacturer != "" {
				tags["manufacturer"] = meta.Manufacturer
			}
			if meta.Model != "" {
				tags["model"] = meta.Model
			}
			if meta.Protocol != "" {
				tags["protocol"] = meta.Protocol
			}
		}
	}
	for k, v := range r.Tags {
		if _, reserved := reservedTagKeys[k]; reserved {
			continue
		}
		if v != "" {
			tags[k] = v
		}
	}

	fields := map[string]any{"raw_value": r.RawValue}
	if r.ProcessedValue != nil {
		fields["processed_value"] = *r.ProcessedValue
	}
	if r.Rate != nil {
		fields["rate"] = *r.Rate
	}
	if r.Tags["overflow"] == "true" {
		fields["overflow"] = true
	}

	return point{measurement: measurement, tags: tags, fields: fields, timestampMS: r.Timestamp.UnixMilli()}
}

// rotateBatch cuts the in-progress encoder buffer into a pendingBatch
// and enqueues it, applying drop-oldest once max_buffered_batches is
// exceeded.
func (w *Writer) rotateBatch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == 0 {
		return
	}
	raw := w.enc.Bytes()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	w.enc.Reset()
	batch := pendingBatch{bytes: cp, points: w.current}
	w.current = 0

	if len(w.buffered) >= w.cfg.MaxBufferedBatches {
		dropped := w.buffered[0]
		w.buffered = w.buffered[1:]
		metrics.AddWriterPointsDropped(dropped.points)
		w.log.Warn("writer_batch_dropped", "points", dropped.points)
	}
	w.buffered = append(w.buffered, batch)
}

// drainBuffered attempts to write buffered batches in order, stopping
// at the first failure after sleeping the current backoff. Exponential
// backoff, base 500ms, cap 30s.
func (w *Writer) drainBuffered(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.buffered) == 0 {
			w.mu.Unlock()
			return
		}
		next := w.buffered[0]
		w.mu.Unlock()

		if err := w.backend.WriteBatch(ctx, next.bytes); err != nil {
			metrics.IncWriterBackendError()
			w.log.Warn("writer_backend_error", "error", err, "backoff", w.backoff)
			select {
			case <-ctx.Done():
			default:
				sleepFn(w.backoff)
			}
			w.mu.Lock()
			w.backoff *= 2
			if w.backoff > writerBackoffCap {
				w.backoff = writerBackoffCap
			}
			w.mu.Unlock()
			return
		}

		w.mu.Lock()
		w.backoff = writerBackoffBase
		w.buffered = w.buffered[1:]
		w.mu.Unlock()
		metrics.IncWriterBatch()
		metrics.AddWriterPointsWritten(next.points)
	}
}

// shutdownFlush rotates any in-progress batch and attempts one final
// write of everything buffered, bounded by cfg.FlushTimeout.
func (w *Writer) shutdownFlush() {
	w.rotateBatch()
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()
	w.drainBuffered(ctx)
}

type point struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
	timestampMS int64
}

func encodePoint(enc *lineprotocol.Encoder, p point) error {
	enc.StartLine(p.measurement)

	tagKeys := make([]string, 0, len(p.tags))
	for k := range p.tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		enc.AddTag(k, p.tags[k])
	}

	fieldKeys := make([]string, 0, len(p.fields))
	for k := range p.fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	for _, k := range fieldKeys {
		v, err := fieldValue(p.fields[k])
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		enc.AddField(k, v)
	}

	enc.EndLine(time.UnixMilli(p.timestampMS))
	return enc.Err()
}

// fieldValue maps Go values into a closed field-type set rather than
// dispatching on type at run time: string -> tag only (never reaches
// here), bool/float/int -> field, anything else is rejected rather than
// silently dropped.
func fieldValue(v any) (lineprotocol.Value, error) {
	switch t := v.(type) {
	case int64:
		return lineprotocol.IntValue(t), nil
	case int:
		return lineprotocol.IntValue(int64(t)), nil
	case float64:
		return lineprotocol.FloatValue(t), nil
	case bool:
		return lineprotocol.BoolValue(t), nil
	default:
		return lineprotocol.Value{}, fmt.Errorf("unsupported field type %T", v)
	}
}
