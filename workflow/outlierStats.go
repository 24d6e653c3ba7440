package workflow

import (
	"sync/atomic"

	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/prometheus/client_golang/prometheus"
)

// OutlierStats counts classification outcomes for the process.
// It is injected into the service so tests can reset or replace it.
type OutlierStats struct {
	none     atomic.Int64
	soft     atomic.Int64
	hard     atomic.Int64
	rejected atomic.Int64

	classified *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

type OutlierSnapshot struct {
	None      int64   `json:"none"`
	Soft      int64   `json:"soft"`
	Hard      int64   `json:"hard"`
	Rejected  int64   `json:"rejected"`
	Total     int64   `json:"total"`
	HardRatio float64 `json:"hard_ratio"`
}

func NewOutlierStats() *OutlierStats {
	return &OutlierStats{}
}

// NewPrometheusOutlierStats also exports the counters and the review queue depth on reg.
func NewPrometheusOutlierStats(reg prometheus.Registerer) (*OutlierStats, error) {
	s := &OutlierStats{
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mileage",
			Name:      "observations_total",
			Help:      "Odometer observations by outlier class; rejected means past the absolute ceiling.",
		}, []string{"class"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mileage",
			Name:      "pending_review_depth",
			Help:      "Open hard-outlier reviews.",
		}),
	}
	for _, c := range []prometheus.Collector{s.classified, s.queueDepth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *OutlierStats) Observe(class models.OutlierClass) {
	if s == nil {
		return
	}
	switch class {
	case models.OutlierClassSoft:
		s.soft.Add(1)
	case models.OutlierClassHard:
		s.hard.Add(1)
	default:
		class = models.OutlierClassNone
		s.none.Add(1)
	}
	if s.classified != nil {
		s.classified.WithLabelValues(string(class)).Inc()
	}
}

func (s *OutlierStats) ObserveRejected() {
	if s == nil {
		return
	}
	s.rejected.Add(1)
	if s.classified != nil {
		s.classified.WithLabelValues("rejected").Inc()
	}
}

func (s *OutlierStats) ObserveQueueDepth(depth int64) {
	if s == nil || s.queueDepth == nil {
		return
	}
	s.queueDepth.Set(float64(depth))
}

func (s *OutlierStats) Snapshot() OutlierSnapshot {
	if s == nil {
		return OutlierSnapshot{}
	}
	snap := OutlierSnapshot{
		None:     s.none.Load(),
		Soft:     s.soft.Load(),
		Hard:     s.hard.Load(),
		Rejected: s.rejected.Load(),
	}
	snap.Total = snap.None + snap.Soft + snap.Hard + snap.Rejected
	if snap.Total > 0 {
		snap.HardRatio = float64(snap.Hard+snap.Rejected) / float64(snap.Total)
	}
	return snap
}

// Reset zeroes the in-process counters; exported prometheus series are left alone.
func (s *OutlierStats) Reset() {
	if s == nil {
		return
	}
	s.none.Store(0)
	s.soft.Store(0)
	s.hard.Store(0)
	s.rejected.Store(0)
}
