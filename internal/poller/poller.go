// Package poller implements the supervised per-device acquisition loop:
// connect, read, decode, process, publish; retry/backoff; health
// accounting. Uses an injectable sleepFn test seam and an
// exponential-backoff-with-cap shape, structured as an explicit
// Disconnected/Connected/Reading/Backoff/Terminated state machine ticked
// by a wall-clock timer.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grantwise/adam-acquisition/internal/bus"
	"github.com/grantwise/adam-acquisition/internal/health"
	"github.com/grantwise/adam-acquisition/internal/metrics"
	"github.com/grantwise/adam-acquisition/internal/ratetracker"
	"github.com/grantwise/adam-acquisition/internal/transport"
	"github.com/grantwise/adam-acquisition/internal/types"
	"github.com/grantwise/adam-acquisition/internal/validate"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// retryBackoffCap bounds the per-channel in-tick retry backoff, reusing
// the writer's backend backoff cap rather than growing unbounded under
// a long max_retry_attempts.
const retryBackoffCap = 30 * time.Second

// State is one of the DevicePoller's explicit lifecycle states.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReading
	StateBackoff
	StateTerminated
)

// Poller runs the supervised acquisition loop for one device.
type Poller struct {
	spec         types.DeviceSpec
	client       *transport.Client
	reader       ChannelReader
	transformer  validate.Transformer
	readingBus   *bus.ReadingBus
	health       *health.Monitor
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	clock             func() time.Time
	log               *slog.Logger

	mu       sync.Mutex
	state    State
	trackers map[int]*ratetracker.Tracker
	latest   map[int]types.Reading

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Poller for spec, reading channels via reader and
// publishing to readingBus/healthBus. pollInterval and
// heartbeatInterval come from the caller's top-level configuration
// (poll_interval_ms / health_check_interval_ms).
func New(spec types.DeviceSpec, reader ChannelReader, transformer validate.Transformer, readingBus *bus.ReadingBus, healthBus *bus.HealthBus, pollInterval, heartbeatInterval time.Duration, activeProtocol string, log *slog.Logger) *Poller {
	if transformer == nil {
		transformer = validate.DefaultTransformer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		spec:              spec,
		client:            transport.NewClient(spec.Host, spec.Port),
		reader:            reader,
		transformer:       transformer,
		readingBus:        readingBus,
		health:            health.NewMonitor(spec.DeviceID, activeProtocol, spec.MaxRetryAttempts, heartbeatInterval, healthBus),
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		clock:             time.Now,
		log:               log,
		state:             StateDisconnected,
		trackers:          make(map[int]*ratetracker.Tracker),
		latest:            make(map[int]types.Reading),
		ready:             make(chan struct{}),
	}
}

// Ready is closed once the poller's initial health event has been
// emitted by Run; callers that need to know the poller is past its
// startup gate before proceeding select on it.
func (p *Poller) Ready() <-chan struct{} { return p.ready }

// SetClock overrides the time source; used by tests.
func (p *Poller) SetClock(fn func() time.Time) { p.clock = fn }

// Client exposes the underlying TransportClient so tests can call
// SetDialFunc on it directly to inject a fake connection.
func (p *Poller) Client() *transport.Client { return p.client }

// State reports the poller's current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Latest returns the most recently emitted Reading for a channel.
func (p *Poller) Latest(channel int) (types.Reading, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.latest[channel]
	return r, ok
}

func (p *Poller) storeLatest(channel int, r types.Reading) {
	p.mu.Lock()
	p.latest[channel] = r
	p.mu.Unlock()
}

func (p *Poller) trackerFor(channel int, width uint) *ratetracker.Tracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trackers[channel]
	if !ok {
		t = ratetracker.New(60*time.Second, width)
		p.trackers[channel] = t
	}
	return t
}

// Run drives the poller loop until ctx is cancelled. The initial health
// event is emitted before any ticking begins.
func (p *Poller) Run(ctx context.Context) {
	p.health.Start(p.clock())
	p.readyOnce.Do(func() { close(p.ready) })

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	heartbeatInterval := p.heartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case now := <-ticker.C:
			p.tick(ctx, now)
		case now := <-heartbeat.C:
			p.health.Heartbeat(now)
		}
	}
}

func (p *Poller) shutdown() {
	p.setState(StateTerminated)
	_ = p.client.Close()
}

func (p *Poller) tick(ctx context.Context, now time.Time) {
	if ctx.Err() != nil {
		return
	}
	if !p.client.IsConnected() {
		p.setState(StateDisconnected)
		deadline := now.Add(p.spec.Timeout())
		if err := p.client.Connect(deadline); err != nil {
			p.health.SetConnected(now, false)
			p.setState(StateBackoff)
			p.log.Warn("device_connect_failed", "device", p.spec.DeviceID, "error", err)
			return
		}
		p.health.SetConnected(now, true)
	}
	p.setState(StateConnected)
	for _, ch := range p.spec.Channels {
		if !ch.Enabled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.setState(StateReading)
		p.pollChannel(ctx, ch, now)
	}
	p.setState(StateConnected)
}

func (p *Poller) pollChannel(ctx context.Context, ch types.ChannelSpec, tickTime time.Time) {
	metrics.IncReadsTotal(p.spec.DeviceID, ch.Name)
	start := p.clock()

	var raw int64
	var readErr error
	attempt := 0
	for {
		attempt++
		deadline := p.clock().Add(p.spec.Timeout())
		raw, readErr = p.reader.ReadChannel(p.client, deadline, ch)
		if readErr == nil {
			break
		}
		if !isRetryable(readErr) {
			break
		}
		if attempt >= p.spec.MaxRetryAttempts {
			break
		}
		delay := backoffDelay(p.spec.RetryDelay(), attempt)
		select {
		case <-ctx.Done():
			return
		default:
			sleepFn(delay)
		}
	}

	latency := p.clock().Sub(start)
	if readErr != nil {
		p.emitFailure(ch, tickTime, latency, readErr)
		return
	}
	p.emitSuccess(ch, tickTime, latency, raw)
}

func isRetryable(err error) bool {
	return errors.Is(err, transport.ErrTimeout) || errors.Is(err, transport.ErrTransport)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryBackoffCap {
			return retryBackoffCap
		}
	}
	return d
}

func (p *Poller) emitFailure(ch types.ChannelSpec, ts time.Time, latency time.Duration, err error) {
	quality := types.Bad
	switch {
	case errors.Is(err, transport.ErrTimeout):
		quality = types.Timeout
	case errors.Is(err, transport.ErrTransport):
		quality = types.DeviceFailure
	}
	metrics.IncReadError(p.spec.DeviceID, ch.Name, quality.String())
	metrics.ReadingQuality.WithLabelValues(quality.String()).Inc()

	r := types.Reading{
		DeviceID:        p.spec.DeviceID,
		Channel:         ch.ChannelNumber,
		ChannelName:     ch.Name,
		Timestamp:       ts,
		Quality:         quality,
		Unit:            ch.Unit,
		AcquisitionTime: latency,
		Tags:            validate.EnrichTags(ch.Tags, p.spec.Tags, p.spec.DeviceID, ch.Name, isoStamp(ts)),
		Error:           err.Error(),
	}
	p.storeLatest(ch.ChannelNumber, r)
	if p.readingBus != nil {
		p.readingBus.Publish(r)
	}
	p.health.RecordFailure(ts, err.Error())

	if quality == types.Timeout || quality == types.DeviceFailure {
		_ = p.client.Close()
	}
}

func (p *Poller) emitSuccess(ch types.ChannelSpec, ts time.Time, latency time.Duration, raw int64) {
	tracker := p.trackerFor(ch.ChannelNumber, ch.Width())
	result := tracker.Insert(ts, raw)

	processed, terr := validate.SafeTransform(p.transformer, ch, raw)
	var quality types.Quality
	errMsg := ""
	if terr != nil {
		quality = types.Bad
		errMsg = terr.Error()
	} else {
		quality = validate.Classify(ch, raw, result.Rate, result.Overflow)
	}

	tags := validate.EnrichTags(ch.Tags, p.spec.Tags, p.spec.DeviceID, ch.Name, isoStamp(ts))
	if result.Overflow {
		tags["overflow"] = "true"
	}

	r := types.Reading{
		DeviceID:        p.spec.DeviceID,
		Channel:         ch.ChannelNumber,
		ChannelName:     ch.Name,
		RawValue:        raw,
		Timestamp:       ts,
		ProcessedValue:  &processed,
		Rate:            result.Rate,
		Quality:         quality,
		Unit:            ch.Unit,
		AcquisitionTime: latency,
		Tags:            tags,
		Error:           errMsg,
	}
	metrics.ReadingQuality.WithLabelValues(quality.String()).Inc()
	p.storeLatest(ch.ChannelNumber, r)
	if p.readingBus != nil {
		p.readingBus.Publish(r)
	}
	p.health.RecordSuccess(ts, latency)
}

// Heartbeat lets an external ticker drive periodic health emission
// independent of the poll interval. Run does not need it: it drives
// heartbeats from its own ticker (30s when heartbeatInterval <= 0).
func (p *Poller) Heartbeat(now time.Time) { p.health.Heartbeat(now) }

type isoStamp time.Time

func (t isoStamp) String() string { return time.Time(t).UTC().Format(time.RFC3339Nano) }

var _ fmt.Stringer = isoStamp{}
