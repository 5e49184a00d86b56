package dcnsim

// build.go assembles a runnable experiment from a validated workload
// description: topology, routing, transport defaults, the collective
// scheduler, and the workload driver, wired to one kernel.

import "github.com/apex/log"

// Experiment gathers everything one run owns
type Experiment struct {
	EvtMgr *EventManager
	Net    *Network
	Coll   *CollectiveScheduler
	Driver *WorkloadDriver
	Viz    *VizManager

	// workload host id -> node id
	HostNode map[int]int
}

// BuildExperiment validates the workload description and constructs the
// experiment.  A nil viz manager gets an inactive one
func BuildExperiment(wc *WorkloadCfg, viz *VizManager) (*Experiment, error) {
	if err := wc.Validate(); err != nil {
		return nil, err
	}
	if viz == nil {
		viz = CreateVizManager("experiment", false)
	}

	evtMgr := CreateEventManager()
	net := CreateNetwork(evtMgr, viz)

	latency := MicrosToTime(wc.Topology.LinkLatencyUs)
	if wc.Topology.LinkLatencyUs == 0 {
		latency = MicrosToTime(2)
	}
	priority := wc.Topology.Queue == "priority"

	var topoHosts []int
	switch wc.Topology.Kind {
	case "dumbbell":
		opts := DefaultDumbbellOpts()
		opts.NumHosts = len(wc.Hosts)
		if wc.Topology.HostLinkGbps > 0 {
			opts.HostLinkGbps = wc.Topology.HostLinkGbps
		}
		if wc.Topology.BottleneckGbps > 0 {
			opts.BottleneckGbps = wc.Topology.BottleneckGbps
		}
		opts.LinkLatency = latency
		opts.QueuePckts = wc.Topology.QueuePckts
		opts.EcnK = wc.Topology.EcnK
		opts.Priority = priority
		topoHosts = BuildDumbbell(net, opts)
	case "fat_tree":
		opts := DefaultFatTreeOpts()
		opts.K = wc.Topology.K
		if wc.Topology.LinkGbps > 0 {
			opts.LinkGbps = wc.Topology.LinkGbps
		}
		opts.LinkLatency = latency
		opts.QueuePckts = wc.Topology.QueuePckts
		opts.EcnK = wc.Topology.EcnK
		opts.Priority = priority
		var err error
		topoHosts, err = BuildFatTree(net, opts)
		if err != nil {
			return nil, err
		}
	}

	hostNode := make(map[int]int)
	for idx, host := range wc.Hosts {
		topoIdx := host.TopoIndex
		if topoIdx == 0 && idx < len(topoHosts) {
			topoIdx = idx
		}
		if topoIdx < 0 || topoIdx >= len(topoHosts) {
			return nil, configErrorf("host %d: topo_index %d out of range", host.ID, topoIdx)
		}
		hostNode[host.ID] = topoHosts[topoIdx]
	}

	net.BuildRoutes()
	if wc.Defaults.Routing == "per_packet" {
		net.HashMode = PerPckt
	}

	transport, err := TransportKindFromStr(wc.Defaults.Protocol)
	if err != nil {
		return nil, err
	}
	cs := CreateCollectiveScheduler(net, transport, DefaultTcpConfig())

	progs := make([]*RankProg, 0, len(wc.Ranks))
	for _, rank := range wc.Ranks {
		node, present := hostNode[rank.ID]
		if !present {
			return nil, configErrorf("rank %d has no host with the same id", rank.ID)
		}
		steps, err := convertSteps(rank, hostNode)
		if err != nil {
			return nil, err
		}
		progs = append(progs, &RankProg{RankID: rank.ID, Host: node, Steps: steps})
	}

	driver := CreateWorkloadDriver(net, cs, progs)
	viz.EmitMeta(net)

	Logger.WithFields(log.Fields{
		"topology": wc.Topology.Kind, "hosts": len(wc.Hosts), "ranks": len(wc.Ranks),
		"protocol": wc.Defaults.Protocol,
	}).Info("experiment built")

	return &Experiment{
		EvtMgr: evtMgr, Net: net, Coll: cs, Driver: driver, Viz: viz, HostNode: hostNode,
	}, nil
}

// convertSteps translates a rank's serialized steps into interpreter
// steps, resolving workload host ids to node ids
func convertSteps(rank RankCfg, hostNode map[int]int) ([]RankStep, error) {
	steps := make([]RankStep, 0, len(rank.Steps))
	for idx, sc := range rank.Steps {
		switch sc.Kind {
		case StepKindCompute:
			steps = append(steps, RankStep{Kind: StepCompute, ComputeMs: sc.ComputeMs})
		case StepKindCollective:
			op, async, err := CollectiveOpFromStr(sc.Op)
			if err != nil {
				return nil, err
			}
			nodes := make([]int, 0, len(sc.Hosts))
			for _, hostID := range sc.Hosts {
				node, present := hostNode[hostID]
				if !present {
					return nil, configErrorf("rank %d step %d: unknown host %d", rank.ID, idx, hostID)
				}
				nodes = append(nodes, node)
			}
			steps = append(steps, RankStep{
				Kind: StepCollective, Op: op, CommBytes: sc.CommBytes,
				Hosts: nodes, CommID: sc.CommID, Async: async || sc.Async,
			})
		case StepKindSendRecv:
			dir := DirSend
			if sc.Direction == "recv" {
				dir = DirRecv
			}
			steps = append(steps, RankStep{
				Kind: StepSendRecv, CommBytes: sc.CommBytes,
				CommID: sc.CommID, Peer: sc.Peer, Dir: dir,
			})
		case StepKindCollectiveWait:
			steps = append(steps, RankStep{Kind: StepCollectiveWait, CommID: sc.CommID})
		}
	}
	return steps, nil
}

// Run starts the workload and executes events until the limit
func (ex *Experiment) Run(limit SimTime) error {
	if err := ex.Driver.Start(); err != nil {
		return err
	}
	return ex.EvtMgr.RunUntil(limit)
}

// RunToCompletion starts the workload and drains the event queue
func (ex *Experiment) RunToCompletion() error {
	if err := ex.Driver.Start(); err != nil {
		return err
	}
	return ex.EvtMgr.RunUntilIdle()
}
