package walstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the store collectors. A nil *Metrics records nothing.
type Metrics struct {
	appendedRecords  prometheus.Counter
	appendBatches    *prometheus.CounterVec
	appendDuration   prometheus.Histogram
	fsyncDuration    prometheus.Histogram
	rotations        prometheus.Counter
	removes          *prometheus.CounterVec
	writeErrors      *prometheus.CounterVec
	readRecords      prometheus.Counter
	readerResyncs    *prometheus.CounterVec
	mappedSegments   prometheus.Gauge
	lastIndex        prometheus.Gauge
	segmentsOnDisk   prometheus.Gauge
	metadataRewrites prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
// Collectors that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		appendedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hqwal",
			Subsystem: "writer",
			Name:      "appended_records_total",
			Help:      "Records durably appended to the log.",
		}),
		appendBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hqwal",
			Subsystem: "writer",
			Name:      "append_batches_total",
			Help:      "Append batches by result.",
		}, []string{"result"}),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hqwal",
			Subsystem: "writer",
			Name:      "append_duration_seconds",
			Help:      "Time from the first record of a batch to its acknowledgement.",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		fsyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hqwal",
			Subsystem: "writer",
			Name:      "fsync_duration_seconds",
			Help:      "Time spent in fdatasync of segment files.",
			Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hqwal",
			Subsystem: "writer",
			Name:      "segment_rotations_total",
			Help:      "Active segment rotations.",
		}),
		removes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hqwal",
			Subsystem: "writer",
			Name:      "removes_total",
			Help:      "Remove requests by kind.",
		}, []string{"kind"}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hqwal",
			Subsystem: "writer",
			Name:      "errors_total",
			Help:      "Failed writer requests by operation.",
		}, []string{"op"}),
		readRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hqwal",
			Subsystem: "reader",
			Name:      "records_total",
			Help:      "Records streamed to range reads.",
		}),
		readerResyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hqwal",
			Subsystem: "reader",
			Name:      "resyncs_total",
			Help:      "Reader view refreshes by kind.",
		}, []string{"kind"}),
		mappedSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hqwal",
			Subsystem: "reader",
			Name:      "mapped_segments",
			Help:      "Segments currently memory mapped by readers.",
		}),
		lastIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hqwal",
			Subsystem: "log",
			Name:      "last_index",
			Help:      "Highest durable log index.",
		}),
		segmentsOnDisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hqwal",
			Subsystem: "log",
			Name:      "segments",
			Help:      "Segment files in the log directory.",
		}),
		metadataRewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hqwal",
			Subsystem: "log",
			Name:      "metadata_writes_total",
			Help:      "Metadata file replacements.",
		}),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) register(reg prometheus.Registerer) error {
	if err := registerOrReuse(reg, &m.appendedRecords); err != nil {
		return fmt.Errorf("register appended records counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.appendBatches); err != nil {
		return fmt.Errorf("register append batches counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.appendDuration); err != nil {
		return fmt.Errorf("register append duration histogram: %w", err)
	}
	if err := registerOrReuse(reg, &m.fsyncDuration); err != nil {
		return fmt.Errorf("register fsync duration histogram: %w", err)
	}
	if err := registerOrReuse(reg, &m.rotations); err != nil {
		return fmt.Errorf("register rotations counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.removes); err != nil {
		return fmt.Errorf("register removes counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.writeErrors); err != nil {
		return fmt.Errorf("register write errors counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.readRecords); err != nil {
		return fmt.Errorf("register read records counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.readerResyncs); err != nil {
		return fmt.Errorf("register reader resyncs counter: %w", err)
	}
	if err := registerOrReuse(reg, &m.mappedSegments); err != nil {
		return fmt.Errorf("register mapped segments gauge: %w", err)
	}
	if err := registerOrReuse(reg, &m.lastIndex); err != nil {
		return fmt.Errorf("register last index gauge: %w", err)
	}
	if err := registerOrReuse(reg, &m.segmentsOnDisk); err != nil {
		return fmt.Errorf("register segments gauge: %w", err)
	}
	if err := registerOrReuse(reg, &m.metadataRewrites); err != nil {
		return fmt.Errorf("register metadata writes counter: %w", err)
	}
	return nil
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(C)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func (m *Metrics) observeAppend(records int, d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.appendBatches.WithLabelValues("error").Inc()
		m.writeErrors.WithLabelValues("append").Inc()
		return
	}
	m.appendBatches.WithLabelValues("ok").Inc()
	m.appendedRecords.Add(float64(records))
	m.appendDuration.Observe(d.Seconds())
}

func (m *Metrics) observeFsync(d time.Duration) {
	if m == nil {
		return
	}
	m.fsyncDuration.Observe(d.Seconds())
}

func (m *Metrics) incRotation() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}

func (m *Metrics) observeRemove(kind string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.writeErrors.WithLabelValues("remove").Inc()
		return
	}
	m.removes.WithLabelValues(kind).Inc()
}

func (m *Metrics) incWriteError(op string) {
	if m == nil {
		return
	}
	m.writeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) addReadRecords(n int) {
	if m == nil || n == 0 {
		return
	}
	m.readRecords.Add(float64(n))
}

func (m *Metrics) incResync(kind string) {
	if m == nil {
		return
	}
	m.readerResyncs.WithLabelValues(kind).Inc()
}

func (m *Metrics) addMapped(delta int) {
	if m == nil {
		return
	}
	m.mappedSegments.Add(float64(delta))
}

func (m *Metrics) setLogState(lastIndex uint64, segments int) {
	if m == nil {
		return
	}
	m.lastIndex.Set(float64(lastIndex))
	m.segmentsOnDisk.Set(float64(segments))
}

func (m *Metrics) incMetadataWrite() {
	if m == nil {
		return
	}
	m.metadataRewrites.Inc()
}
