// Package acquisition wires the core acquisition components into the
// library surface external collaborators consume: Start/Stop a
// supervised fleet of DevicePollers, subscribe to the pipeline bus, read
// back the latest value per channel, and run interactive protocol
// discovery. It owns no HTTP/CLI/config-file surface of its own — those
// are explicitly out of scope collaborators that call into this
// package.
package acquisition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grantwise/adam-acquisition/internal/bus"
	"github.com/grantwise/adam-acquisition/internal/discovery"
	"github.com/grantwise/adam-acquisition/internal/metrics"
	"github.com/grantwise/adam-acquisition/internal/poller"
	"github.com/grantwise/adam-acquisition/internal/template"
	"github.com/grantwise/adam-acquisition/internal/transport"
	"github.com/grantwise/adam-acquisition/internal/types"
	"github.com/grantwise/adam-acquisition/internal/validate"
	"github.com/grantwise/adam-acquisition/internal/writer"
)

// Config is the top-level configuration for one acquisition core
// instance, minus the file-format/env-loading concerns left to the
// caller.
type Config struct {
	Devices                []types.DeviceSpec
	PollInterval           time.Duration // [1s,60s]
	HealthCheckInterval    time.Duration // [5s,300s]
	ReadingBusBufferSize   int
	Writer                 writer.Config
	Backend                writer.BackendWriter
	DeviceMeta             map[string]writer.DeviceMeta
	ScaleTemplates         map[string]template.ProtocolTemplate // device_id -> template, FamilyScale devices only
	DiscoveryThreshold     float64
	Logger                 *slog.Logger
}

// Validate enforces the range invariants on the top-level knobs before
// anything is started; a loader/CLI collaborator is expected to have
// already validated each DeviceSpec individually.
func (c Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("acquisition: at least one device is required")
	}
	if c.PollInterval < time.Second || c.PollInterval > 60*time.Second {
		return fmt.Errorf("acquisition: poll_interval out of range [1s,60s]")
	}
	if c.HealthCheckInterval < 5*time.Second || c.HealthCheckInterval > 300*time.Second {
		return fmt.Errorf("acquisition: health_check_interval out of range [5s,300s]")
	}
	seen := make(map[string]struct{}, len(c.Devices))
	var errs []error
	for _, d := range c.Devices {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[d.DeviceID]; dup {
			errs = append(errs, fmt.Errorf("duplicate device_id %q", d.DeviceID))
			continue
		}
		seen[d.DeviceID] = struct{}{}
		if d.Family == types.FamilyScale {
			if _, ok := c.ScaleTemplates[d.DeviceID]; !ok {
				errs = append(errs, fmt.Errorf("device %q: family scale requires a ScaleTemplates entry", d.DeviceID))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("acquisition: %d configuration violation(s): %w", len(errs), firstErr(errs))
	}
	return nil
}

func firstErr(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// Handle is the running acquisition core. Stop tears every worker down
// and waits for teardown to complete before returning.
type Handle struct {
	cfg        Config
	readingBus *bus.ReadingBus
	healthBus  *bus.HealthBus
	templates  *template.Repository
	engine     *discovery.Engine

	pollersMu    sync.Mutex
	pollers      map[string]*poller.Poller
	pollerCancel map[string]context.CancelFunc
	pollerDone   map[string]chan struct{}
	writer       *writer.Writer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// Start validates cfg, builds one Poller per device, a Writer draining
// the reading bus into cfg.Backend, and launches every worker. It
// returns only after every poller has emitted its initial health event —
// no fire-and-forget startup.
func Start(cfg Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	readingBus := bus.NewReadingBus(cfg.ReadingBusBufferSize)
	healthBus := bus.NewHealthBus()
	templates := template.NewRepository()
	for _, t := range cfg.ScaleTemplates {
		if err := templates.Put(t); err != nil {
			return nil, fmt.Errorf("acquisition: preloading template %q: %w", t.TemplateID, err)
		}
	}

	if cfg.DeviceMeta == nil {
		cfg.DeviceMeta = make(map[string]writer.DeviceMeta, len(cfg.Devices))
	}

	h := &Handle{
		cfg:          cfg,
		readingBus:   readingBus,
		healthBus:    healthBus,
		templates:    templates,
		engine:       discovery.NewEngine(cfg.DiscoveryThreshold),
		pollers:      make(map[string]*poller.Poller, len(cfg.Devices)),
		pollerCancel: make(map[string]context.CancelFunc, len(cfg.Devices)),
		pollerDone:   make(map[string]chan struct{}, len(cfg.Devices)),
		log:          log,
	}

	for _, spec := range cfg.Devices {
		reader, activeProtocol, err := h.buildReader(spec)
		if err != nil {
			return nil, fmt.Errorf("acquisition: device %q: %w", spec.DeviceID, err)
		}
		p := poller.New(spec, reader, validate.DefaultTransformer, readingBus, healthBus, cfg.PollInterval, cfg.HealthCheckInterval, activeProtocol, log.With("device", spec.DeviceID))
		h.pollers[spec.DeviceID] = p

		channelNames := make([]string, 0, len(spec.Channels))
		for _, ch := range spec.Channels {
			channelNames = append(channelNames, ch.Name)
		}
		metrics.InitDeviceSeries(spec.DeviceID, channelNames)

		meta := cfg.DeviceMeta[spec.DeviceID]
		meta.Protocol = activeProtocol
		cfg.DeviceMeta[spec.DeviceID] = meta
	}
	h.cfg.DeviceMeta = cfg.DeviceMeta

	if cfg.Backend != nil {
		sub := readingBus.Subscribe()
		h.writer = writer.New(cfg.Writer, cfg.Backend, sub, cfg.DeviceMeta, log.With("component", "writer"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	h.cancel = cancel

	for id, p := range h.pollers {
		h.launchPoller(id, p)
	}
	if h.writer != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.writer.Run(ctx)
		}()
	}

	// Start returns only once every poller has emitted its initial
	// health event, rather than publishing health fire-and-forget from
	// constructors.
	for _, p := range h.pollers {
		<-p.Ready()
	}

	return h, nil
}

// launchPoller starts p under its own cancellable child context so it
// can later be torn down individually via RemoveDevice without
// affecting the rest of the fleet. Must be called with h.pollersMu
// held or during Start before any goroutine can observe the maps.
func (h *Handle) launchPoller(deviceID string, p *poller.Poller) {
	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan struct{})
	h.pollerCancel[deviceID] = cancel
	h.pollerDone[deviceID] = done
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(done)
		p.Run(ctx)
	}()
}

// Stop cancels every worker and waits for teardown (flush writer,
// close transports) to finish. The reading and health buses are not
// closed; their subscribers stay registered.
func (h *Handle) Stop() {
	h.cancel()
	h.wg.Wait()
}

// RemoveDevice stops and forgets the named device's poller, if one is
// running, waiting for its goroutine to exit before returning. It is a
// no-op if the device has no active poller. Used before starting
// discovery against a device so the discovery session never shares
// transport/state with a concurrently running poller.
func (h *Handle) RemoveDevice(deviceID string) {
	h.pollersMu.Lock()
	cancel, ok := h.pollerCancel[deviceID]
	done := h.pollerDone[deviceID]
	if ok {
		delete(h.pollers, deviceID)
		delete(h.pollerCancel, deviceID)
		delete(h.pollerDone, deviceID)
	}
	h.pollersMu.Unlock()
	if !ok {
		return
	}
	cancel()
	<-done
}

// buildReader selects the family-specific ChannelReader and the string
// recorded as the device's active protocol in DeviceHealth.
func (h *Handle) buildReader(spec types.DeviceSpec) (poller.ChannelReader, string, error) {
	switch spec.Family {
	case types.FamilyCounter:
		return poller.NewModbusReader(spec.UnitID), "modbus-tcp", nil
	case types.FamilyScale:
		tmpl, ok := h.cfg.ScaleTemplates[spec.DeviceID]
		if !ok {
			return nil, "", fmt.Errorf("no protocol template configured")
		}
		return poller.NewScaleReader(tmpl), "scale-raw-socket", nil
	default:
		return nil, "", fmt.Errorf("unknown device family %d", spec.Family)
	}
}

// SubscribeReadings registers a new Reading consumer. Callers must read
// from Out promptly; a slow consumer only loses its own oldest queued
// Reading under the drop-oldest policy.
func (h *Handle) SubscribeReadings() *bus.ReadingSub { return h.readingBus.Subscribe() }

// UnsubscribeReadings removes a consumer registered via SubscribeReadings.
func (h *Handle) UnsubscribeReadings(s *bus.ReadingSub) { h.readingBus.Unsubscribe(s) }

// SubscribeHealth registers a new DeviceHealth consumer.
func (h *Handle) SubscribeHealth() *bus.HealthSub { return h.healthBus.Subscribe() }

// UnsubscribeHealth removes a consumer registered via SubscribeHealth.
func (h *Handle) UnsubscribeHealth(s *bus.HealthSub) { h.healthBus.Unsubscribe(s) }

// LatestReading returns the most recent Reading the named device's
// poller produced for channel, if any.
func (h *Handle) LatestReading(deviceID string, channel int) (types.Reading, bool) {
	h.pollersMu.Lock()
	p, ok := h.pollers[deviceID]
	h.pollersMu.Unlock()
	if !ok {
		return types.Reading{}, false
	}
	return p.Latest(channel)
}

// Templates exposes the shared TemplateRepository to collaborators.
func (h *Handle) Templates() *template.Repository { return h.templates }

// StartDiscovery begins an interactive discovery session against
// spec's transport, independent of any running poller for that device.
// If spec.DeviceID has an active poller it is stopped and removed from
// the poller set first, so the discovery session never shares
// transport/state with a concurrently running poller on the same
// device.
func (h *Handle) StartDiscovery(spec types.DeviceSpec) *discovery.Session {
	h.RemoveDevice(spec.DeviceID)
	metrics.IncDiscoverySession()
	client := transport.NewClient(spec.Host, spec.Port)
	return discovery.NewSession(client, h.engine, h.templates)
}
