package dcnsim

// topo.go holds the builders for the two canonical experiment
// topologies, thin wiring over the network data model.  The dumbbell
// joins two host groups through a bottleneck pair of switches; the
// fat-tree is the standard k-ary three-tier fabric with (k/2)^2 cores
// and k^3/4 hosts.

import "fmt"

const gbpsToBps int64 = 1000000000

// DumbbellOpts parameterizes a dumbbell build
type DumbbellOpts struct {
	NumHosts       int
	HostLinkGbps   int64
	BottleneckGbps int64
	LinkLatency    SimTime

	// queue settings applied to the two bottleneck links; zero
	// capacities leave them unbounded, zero EcnK disables marking
	QueuePckts int
	EcnK       int
	Priority   bool
}

// DefaultDumbbellOpts mirrors the common throughput-study setup
func DefaultDumbbellOpts() DumbbellOpts {
	return DumbbellOpts{
		NumHosts:       2,
		HostLinkGbps:   100,
		BottleneckGbps: 10,
		LinkLatency:    MicrosToTime(2),
	}
}

// bottleneckQueue builds a queue with the dumbbell's bottleneck settings
func (opts *DumbbellOpts) bottleneckQueue() *DropTailQueue {
	dtq := CreateDropTailQueue(0, opts.QueuePckts, opts.EcnK)
	dtq.Priority = opts.Priority
	return dtq
}

// BuildDumbbell wires h_i <-> s0 <-> s1 <-> h_j and returns the host
// node ids.  The first half of the hosts attach to s0, the rest to s1
func BuildDumbbell(net *Network, opts DumbbellOpts) []int {
	numHosts := opts.NumHosts
	if numHosts < 2 {
		numHosts = 2
	}
	s0 := net.AddSwitch("s0")
	s1 := net.AddSwitch("s1")

	hosts := make([]int, 0, numHosts)
	left := (numHosts + 1) / 2
	for idx := 0; idx < numHosts; idx += 1 {
		host := net.AddHost(fmt.Sprintf("h%d", idx))
		hosts = append(hosts, host)
		attach := s0
		if idx >= left {
			attach = s1
		}
		net.ConnectPair(host, attach, opts.LinkLatency, opts.HostLinkGbps*gbpsToBps, nil, nil)
	}

	net.ConnectPair(s0, s1, opts.LinkLatency, opts.BottleneckGbps*gbpsToBps,
		opts.bottleneckQueue(), opts.bottleneckQueue())
	return hosts
}

// FatTreeOpts parameterizes a fat-tree build
type FatTreeOpts struct {
	K           int
	LinkGbps    int64
	LinkLatency SimTime

	// queue settings applied to every switch-to-switch and
	// switch-to-host link
	QueuePckts int
	EcnK       int
	Priority   bool
}

// DefaultFatTreeOpts is the k=4 fabric used by collective experiments
func DefaultFatTreeOpts() FatTreeOpts {
	return FatTreeOpts{
		K:           4,
		LinkGbps:    100,
		LinkLatency: MicrosToTime(2),
	}
}

func (opts *FatTreeOpts) fabricQueue() *DropTailQueue {
	dtq := CreateDropTailQueue(0, opts.QueuePckts, opts.EcnK)
	dtq.Priority = opts.Priority
	return dtq
}

// BuildFatTree wires a k-ary fat-tree and returns the host node ids in
// (pod, edge, host) order.  k must be even and at least 2
func BuildFatTree(net *Network, opts FatTreeOpts) ([]int, error) {
	k := opts.K
	if k < 2 || k%2 != 0 {
		return nil, configErrorf("fat_tree k must be even and >= 2, got %d", k)
	}
	half := k / 2
	linkBps := opts.LinkGbps * gbpsToBps
	latency := opts.LinkLatency

	cores := make([]int, 0, half*half)
	for group := 0; group < half; group += 1 {
		for index := 0; index < half; index += 1 {
			cores = append(cores, net.AddSwitch(fmt.Sprintf("c%d_%d", group, index)))
		}
	}

	hosts := make([]int, 0, k*half*half)
	podEdges := make([][]int, k)
	podAggs := make([][]int, k)

	for pod := 0; pod < k; pod += 1 {
		edges := make([]int, 0, half)
		aggs := make([]int, 0, half)
		for edge := 0; edge < half; edge += 1 {
			edges = append(edges, net.AddSwitch(fmt.Sprintf("p%d_e%d", pod, edge)))
		}
		for agg := 0; agg < half; agg += 1 {
			aggs = append(aggs, net.AddSwitch(fmt.Sprintf("p%d_a%d", pod, agg)))
		}

		for edgeIdx, edgeID := range edges {
			for hostIdx := 0; hostIdx < half; hostIdx += 1 {
				host := net.AddHost(fmt.Sprintf("h%d_%d_%d", pod, edgeIdx, hostIdx))
				net.ConnectPair(host, edgeID, latency, linkBps,
					opts.fabricQueue(), opts.fabricQueue())
				hosts = append(hosts, host)
			}
		}
		podEdges[pod] = edges
		podAggs[pod] = aggs
	}

	for pod := 0; pod < k; pod += 1 {
		for edge := 0; edge < half; edge += 1 {
			for agg := 0; agg < half; agg += 1 {
				net.ConnectPair(podEdges[pod][edge], podAggs[pod][agg], latency, linkBps,
					opts.fabricQueue(), opts.fabricQueue())
			}
		}
	}

	for pod := 0; pod < k; pod += 1 {
		for agg := 0; agg < half; agg += 1 {
			for index := 0; index < half; index += 1 {
				coreID := cores[agg*half+index]
				net.ConnectPair(podAggs[pod][agg], coreID, latency, linkBps,
					opts.fabricQueue(), opts.fabricQueue())
			}
		}
	}
	return hosts, nil
}
