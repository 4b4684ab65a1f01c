package backpressure

import (
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/metrics"
)

// RunReport aggregates all live subscribers of one run.
type RunReport struct {
	RunID              string     `json:"run_id"`
	Subscribers        int        `json:"subscribers"`
	FramesDropped      int64      `json:"frames_dropped"`
	FramesTransmitted  int64      `json:"frames_transmitted"`
	KeyframesPreserved int64      `json:"keyframes_preserved"`
	Queues             []Snapshot `json:"queues"`
}

// Report is the fleet-wide view returned by the stats endpoint.
// BandwidthEfficiency is the fraction of published frames the policy shed
// instead of transmitting; zero when nothing has flowed yet.
type Report struct {
	Subscribers         int         `json:"subscribers"`
	FramesDropped       int64       `json:"frames_dropped"`
	FramesTransmitted   int64       `json:"frames_transmitted"`
	KeyframesPreserved  int64       `json:"keyframes_preserved"`
	BandwidthEfficiency float64     `json:"bandwidth_efficiency"`
	Runs                []RunReport `json:"runs"`
}

// Monitor tracks every live controller and folds the counts of departed
// ones into running totals, so fleet numbers survive subscriber churn.
type Monitor struct {
	logger hclog.Logger
	met    *metrics.Metrics

	mu          sync.Mutex
	byRun       map[string]map[*Controller]struct{}
	dropped     int64
	transmitted int64
	preserved   int64
}

// NewMonitor builds an empty monitor.
func NewMonitor(logger hclog.Logger, met *metrics.Metrics) *Monitor {
	return &Monitor{
		logger: logger.Named("backpressure"),
		met:    met,
		byRun:  make(map[string]map[*Controller]struct{}),
	}
}

// Track registers a live controller.
func (m *Monitor) Track(c *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byRun[c.RunID()]
	if !ok {
		set = make(map[*Controller]struct{})
		m.byRun[c.RunID()] = set
	}
	set[c] = struct{}{}
}

// Untrack removes a controller, folding its final counts into the retained
// totals. When the last subscriber of a run departs the per-run gauges are
// released so Prometheus does not accumulate stale run_id series.
func (m *Monitor) Untrack(c *Controller) {
	final := c.Metrics()

	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byRun[c.RunID()]
	if !ok {
		return
	}
	if _, tracked := set[c]; !tracked {
		return
	}
	delete(set, c)
	m.dropped += final.FramesDropped
	m.transmitted += final.FramesTransmitted
	m.preserved += final.KeyframesPreserved
	if len(set) == 0 {
		delete(m.byRun, c.RunID())
		if m.met != nil {
			m.met.ForgetRun(c.RunID())
		}
	}
}

// Report snapshots every live queue plus the retained totals.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep := Report{
		FramesDropped:      m.dropped,
		FramesTransmitted:  m.transmitted,
		KeyframesPreserved: m.preserved,
		Runs:               make([]RunReport, 0, len(m.byRun)),
	}
	for runID, set := range m.byRun {
		rr := RunReport{RunID: runID, Subscribers: len(set)}
		for c := range set {
			snap := c.Metrics()
			rr.FramesDropped += snap.FramesDropped
			rr.FramesTransmitted += snap.FramesTransmitted
			rr.KeyframesPreserved += snap.KeyframesPreserved
			rr.Queues = append(rr.Queues, snap)
		}
		rep.Subscribers += rr.Subscribers
		rep.FramesDropped += rr.FramesDropped
		rep.FramesTransmitted += rr.FramesTransmitted
		rep.KeyframesPreserved += rr.KeyframesPreserved
		rep.Runs = append(rep.Runs, rr)
	}
	sort.Slice(rep.Runs, func(i, j int) bool { return rep.Runs[i].RunID < rep.Runs[j].RunID })
	if total := rep.FramesDropped + rep.FramesTransmitted; total > 0 {
		rep.BandwidthEfficiency = float64(rep.FramesDropped) / float64(total)
	}
	return rep
}
