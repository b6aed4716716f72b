// Package metrics exposes acquisition-side Prometheus series and a
// readiness endpoint: promauto-registered series plus small increment
// helpers so call sites never touch label plumbing directly.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grantwise/adam-acquisition/internal/logging"
)

// Error category label values read errors are pre-registered under, so
// the first real failure for a device/channel doesn't pay Prometheus's
// first-sample registration cost.
const (
	CategoryBad           = "Bad"
	CategoryTimeout       = "Timeout"
	CategoryDeviceFailure = "DeviceFailure"
)

var knownErrorCategories = [...]string{CategoryBad, CategoryTimeout, CategoryDeviceFailure}

var (
	ReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acquisition_reads_total",
		Help: "Total channel reads attempted, by device and channel.",
	}, []string{"device", "channel"})

	ReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acquisition_read_errors_total",
		Help: "Channel read failures by device, channel and error category.",
	}, []string{"device", "channel", "category"})

	ReadingQuality = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acquisition_reading_quality_total",
		Help: "Readings emitted by quality classification.",
	}, []string{"quality"})

	BusReadingDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acquisition_bus_reading_drops_total",
		Help: "Readings dropped by the pipeline bus under the drop-oldest policy.",
	})

	BusHealthCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acquisition_bus_health_coalesced_total",
		Help: "Health events coalesced (superseded before a subscriber read them).",
	})

	BusReadingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "acquisition_bus_reading_queue_depth",
		Help: "Max observed reading-subscriber queue depth at last publish.",
	})

	WriterBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acquisition_writer_batches_total",
		Help: "Batches successfully written to the time-series backend.",
	})

	WriterPointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acquisition_writer_points_written_total",
		Help: "Points successfully written to the time-series backend.",
	})

	WriterPointsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acquisition_writer_points_dropped_total",
		Help: "Points dropped after exceeding max_buffered_batches.",
	})

	WriterBackendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acquisition_writer_backend_errors_total",
		Help: "Failed batch write attempts against the time-series backend.",
	})

	DeviceConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "acquisition_device_consecutive_failures",
		Help: "Current consecutive failed ticks per device.",
	}, []string{"device"})

	DeviceLatencyMS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "acquisition_device_latency_ms",
		Help: "EWMA acquisition latency in milliseconds per device.",
	}, []string{"device"})

	DeviceStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "acquisition_device_status",
		Help: "Current DeviceStatus per device (0=Online,1=Warning,2=Error,3=Offline,4=Unknown).",
	}, []string{"device"})

	DiscoverySessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acquisition_discovery_sessions_total",
		Help: "Discovery sessions started.",
	})

	DiscoveryConfidence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "acquisition_discovery_confidence",
		Help: "Overall confidence score of the most recent discovery attempt per template id.",
	}, []string{"template_id"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// StartHTTP serves Prometheus metrics and a readiness probe on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	log := logging.Component("metrics")
	go func() {
		log.Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function, defaulting to ready
// when none has been set yet.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

func statusValue(s string) float64 {
	switch s {
	case "Online":
		return 0
	case "Warning":
		return 1
	case "Error":
		return 2
	case "Offline":
		return 3
	default:
		return 4
	}
}

// SetDeviceStatus records the current status for a device.
func SetDeviceStatus(deviceID, status string) {
	DeviceStatus.WithLabelValues(deviceID).Set(statusValue(status))
}

// InitDeviceSeries pre-registers the per-device/channel error-label
// series for every known category, and the read-attempt counter, ahead
// of the first tick so a device's first real failure doesn't pay
// Prometheus's first-sample registration cost.
func InitDeviceSeries(deviceID string, channelNames []string) {
	for _, ch := range channelNames {
		ReadsTotal.WithLabelValues(deviceID, ch).Add(0)
		for _, category := range knownErrorCategories {
			ReadErrors.WithLabelValues(deviceID, ch, category).Add(0)
		}
	}
}

// Local mirrored counters, cheap to read for periodic status logging
// without going through the Prometheus registry.
var (
	localReadsTotal          uint64
	localReadErrors          uint64
	localBusReadingDrops     uint64
	localBusHealthCoalesced  uint64
	localWriterBatches       uint64
	localWriterPointsWritten uint64
	localWriterPointsDropped uint64
	localWriterBackendErrors uint64
	localDiscoverySessions   uint64
)

// Snapshot is a cheap copy of the local mirrored counters.
type Snapshot struct {
	ReadsTotal          uint64
	ReadErrors          uint64 // sum across device/channel/category
	BusReadingDrops     uint64
	BusHealthCoalesced  uint64
	WriterBatches       uint64
	WriterPointsWritten uint64
	WriterPointsDropped uint64
	WriterBackendErrors uint64
	DiscoverySessions   uint64
}

// Snap returns the current Snapshot.
func Snap() Snapshot {
	return Snapshot{
		ReadsTotal:          atomic.LoadUint64(&localReadsTotal),
		ReadErrors:          atomic.LoadUint64(&localReadErrors),
		BusReadingDrops:     atomic.LoadUint64(&localBusReadingDrops),
		BusHealthCoalesced:  atomic.LoadUint64(&localBusHealthCoalesced),
		WriterBatches:       atomic.LoadUint64(&localWriterBatches),
		WriterPointsWritten: atomic.LoadUint64(&localWriterPointsWritten),
		WriterPointsDropped: atomic.LoadUint64(&localWriterPointsDropped),
		WriterBackendErrors: atomic.LoadUint64(&localWriterBackendErrors),
		DiscoverySessions:   atomic.LoadUint64(&localDiscoverySessions),
	}
}

// IncReadsTotal records one channel read attempt.
func IncReadsTotal(deviceID, channel string) {
	ReadsTotal.WithLabelValues(deviceID, channel).Inc()
	atomic.AddUint64(&localReadsTotal, 1)
}

// IncReadError records one channel read failure under category.
func IncReadError(deviceID, channel, category string) {
	ReadErrors.WithLabelValues(deviceID, channel, category).Inc()
	atomic.AddUint64(&localReadErrors, 1)
}

// IncBusReadingDrop records one reading dropped under the bus's
// drop-oldest policy.
func IncBusReadingDrop() {
	BusReadingDrops.Inc()
	atomic.AddUint64(&localBusReadingDrops, 1)
}

// IncBusHealthCoalesced records one health event superseded before a
// subscriber read it.
func IncBusHealthCoalesced() {
	BusHealthCoalesced.Inc()
	atomic.AddUint64(&localBusHealthCoalesced, 1)
}

// IncWriterBatch records one batch successfully written.
func IncWriterBatch() {
	WriterBatches.Inc()
	atomic.AddUint64(&localWriterBatches, 1)
}

// AddWriterPointsWritten records n points successfully written.
func AddWriterPointsWritten(n int) {
	WriterPointsWritten.Add(float64(n))
	atomic.AddUint64(&localWriterPointsWritten, uint64(n))
}

// AddWriterPointsDropped records n points dropped under
// max_buffered_batches.
func AddWriterPointsDropped(n int) {
	WriterPointsDropped.Add(float64(n))
	atomic.AddUint64(&localWriterPointsDropped, uint64(n))
}

// IncWriterBackendError records one failed batch write attempt.
func IncWriterBackendError() {
	WriterBackendErrors.Inc()
	atomic.AddUint64(&localWriterBackendErrors, 1)
}

// IncDiscoverySession records one discovery session started.
func IncDiscoverySession() {
	DiscoverySessions.Inc()
	atomic.AddUint64(&localDiscoverySessions, 1)
}
