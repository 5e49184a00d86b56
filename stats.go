package dcnsim

// stats.go holds the counters and completion-time records accumulated
// during a run, and the summary aggregates computed from them after it.

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// FlowRecord tracks one transport flow from open to last-byte ack
type FlowRecord struct {
	FlowID  int64
	Src     int
	Dst     int
	Bytes   int64
	StartAt SimTime
	DoneAt  SimTime
	Done    bool
}

// FctNs returns the flow completion time in nanoseconds
func (fr *FlowRecord) FctNs() int64 {
	return int64(fr.DoneAt - fr.StartAt)
}

// CollectiveRecord tracks one collective invocation
type CollectiveRecord struct {
	CollID    int64
	CommID    string
	Op        CollectiveOp
	Ranks     []int
	Bytes     int64
	Steps     int
	StartAt   SimTime
	DoneAt    SimTime
	Done      bool
	PerRankNs map[int]int64
}

// NetStats aggregates the observable counters of one run
type NetStats struct {
	DeliveredPckts int64
	DeliveredBytes int64
	DroppedPckts   int64
	DropsByReason  map[string]int64
	EcnMarkedPckts int64

	// routing failures (NoRoute, NoLink), a subset of drops
	RoutingDrops int64

	// out-of-window ACKs, stray timers, unknown connection ids
	TransportEdge int64

	Flows       map[int64]*FlowRecord
	Collectives []*CollectiveRecord
}

// CreateNetStats is a constructor
func CreateNetStats() *NetStats {
	ns := new(NetStats)
	ns.DropsByReason = make(map[string]int64)
	ns.Flows = make(map[int64]*FlowRecord)
	ns.Collectives = make([]*CollectiveRecord, 0)
	return ns
}

// recordDrop tallies a drop by reason
func (ns *NetStats) recordDrop(reason string) {
	ns.DroppedPckts += 1
	ns.DropsByReason[reason] += 1
	if reason == DropNoRoute || reason == DropNoLink {
		ns.RoutingDrops += 1
	}
}

// OpenFlow registers a flow at the time its first byte may be sent
func (ns *NetStats) OpenFlow(flowID int64, src, dst int, bytes int64, at SimTime) {
	ns.Flows[flowID] = &FlowRecord{FlowID: flowID, Src: src, Dst: dst, Bytes: bytes, StartAt: at}
}

// CloseFlow marks a flow complete at the time its last byte was acked
func (ns *NetStats) CloseFlow(flowID int64, at SimTime) {
	fr, present := ns.Flows[flowID]
	if !present {
		return
	}
	fr.DoneAt = at
	fr.Done = true
}

// FctSummary holds distribution aggregates over completion times
type FctSummary struct {
	Count  int
	MeanNs float64
	P50Ns  float64
	P99Ns  float64
	MaxNs  int64
}

// summarize computes aggregates from a slice of nanosecond samples
func summarize(samples []int64) FctSummary {
	fs := FctSummary{Count: len(samples)}
	if len(samples) == 0 {
		return fs
	}
	xs := make([]float64, len(samples))
	for idx, s := range samples {
		xs[idx] = float64(s)
		if s > fs.MaxNs {
			fs.MaxNs = s
		}
	}
	sort.Float64s(xs)
	fs.MeanNs = stat.Mean(xs, nil)
	fs.P50Ns = stat.Quantile(0.50, stat.Empirical, xs, nil)
	fs.P99Ns = stat.Quantile(0.99, stat.Empirical, xs, nil)
	return fs
}

// FlowFctSummary aggregates the completion times of all finished flows
func (ns *NetStats) FlowFctSummary() FctSummary {
	samples := []int64{}
	for _, fr := range ns.Flows {
		if fr.Done {
			samples = append(samples, fr.FctNs())
		}
	}
	return summarize(samples)
}

// CollectiveFctSummary aggregates per-rank completion times over all
// finished collectives
func (ns *NetStats) CollectiveFctSummary() FctSummary {
	samples := []int64{}
	for _, cr := range ns.Collectives {
		if !cr.Done {
			continue
		}
		for _, fct := range cr.PerRankNs {
			samples = append(samples, fct)
		}
	}
	return summarize(samples)
}
