package progress

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of a sync engine. A nil *Metrics
// records nothing.
type Metrics struct {
	Height             prometheus.Gauge
	Target             prometheus.Gauge
	Stage              prometheus.Gauge
	BlocksProcessed    prometheus.Counter
	NotesDecrypted     prometheus.Counter
	CommitmentsApplied prometheus.Counter
	BatchDuration      prometheus.Histogram
	Retries            prometheus.Counter
	Reorgs             prometheus.Counter
	Rollbacks          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Height: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lightsync_height",
			Help: "Last fully applied block height",
		}),
		Target: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lightsync_target_height",
			Help: "Chain tip the session syncs towards",
		}),
		Stage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lightsync_stage",
			Help: "Current stage (0=headers, 1=notes, 2=witness, 3=verify, 4=complete)",
		}),
		BlocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lightsync_blocks_processed_total",
			Help: "Blocks applied to the commitment trees",
		}),
		NotesDecrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lightsync_notes_decrypted_total",
			Help: "Outputs that decrypted with a wallet key",
		}),
		CommitmentsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lightsync_commitments_applied_total",
			Help: "Note commitments appended to the commitment trees",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lightsync_batch_duration_seconds",
			Help:    "Time to fetch, decrypt and apply one batch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lightsync_fetch_retries_total",
			Help: "Block range fetches retried after a transient failure",
		}),
		Reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lightsync_reorgs_total",
			Help: "Chain reorganizations detected",
		}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightsync_rollbacks_total",
			Help: "Rollbacks to a checkpoint",
		}, []string{"reason"}), // reason: reorg, corruption, resume
	}
	if reg != nil {
		reg.MustRegister(m.Height, m.Target, m.Stage, m.BlocksProcessed, m.NotesDecrypted,
			m.CommitmentsApplied, m.BatchDuration, m.Retries, m.Reorgs, m.Rollbacks)
	}
	return m
}

func (m *Metrics) setHeights(height, target uint64) {
	if m == nil {
		return
	}
	m.Height.Set(float64(height))
	m.Target.Set(float64(target))
}

func (m *Metrics) setStage(s Stage) {
	if m == nil {
		return
	}
	m.Stage.Set(float64(s))
}

func (m *Metrics) observeBatch(b BatchSample) {
	if m == nil {
		return
	}
	m.BlocksProcessed.Add(float64(b.End - b.Start + 1))
	m.NotesDecrypted.Add(float64(b.Notes))
	m.CommitmentsApplied.Add(float64(b.Commitments))
	m.BatchDuration.Observe(b.Duration.Seconds())
}

// IncRetry counts a retried fetch.
func (m *Metrics) IncRetry() {
	if m != nil {
		m.Retries.Inc()
	}
}

// IncReorg counts a detected reorganization.
func (m *Metrics) IncReorg() {
	if m != nil {
		m.Reorgs.Inc()
	}
}

// IncRollback counts a rollback for reason.
func (m *Metrics) IncRollback(reason string) {
	if m != nil {
		m.Rollbacks.WithLabelValues(reason).Inc()
	}
}
