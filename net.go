package dcnsim

// net.go contains code and data structures supporting the passage of
// discrete packets through the communication network.  Packets pass
// along directional links on either a preset route or the shortest-hop
// route chosen hop by hop, accumulating serialization delay at each
// link and propagation delay across it.
//
// Two assumptions simplify the implementation.  Routing is static: the
// next-hop table is built once per topology, and ECMP choice is a pure
// function of the flow (or packet) identity.  And links serialize one
// packet at a time: the busyUntil timestamp of a link marks when its
// next transmission may begin, so queueing delay emerges from arrivals
// outpacing the serialization rate.

import (
	"math"

	"github.com/apex/log"
	"github.com/iti/rngstream"
)

// DevCode is the base type for the enumerated network device roles
type DevCode int

const (
	HostCode DevCode = iota
	SwitchCode
)

// DevCodeToStr returns a string corresponding to an input DevCode
func DevCodeToStr(code DevCode) string {
	switch code {
	case HostCode:
		return "host"
	case SwitchCode:
		return "switch"
	}
	return "unknown"
}

// Node is a network device.  Hosts are endpoints; switches forward only
type Node struct {
	ID   int
	Kind DevCode
	Name string

	// every device has its own RNG stream; creation in topology order
	// keeps draws identical from run to run
	Rngstrm *rngstream.RngStream

	// hosts carry a compute scheduler for workload compute steps
	Sched *TaskScheduler
}

// Link is a one-way edge; a bidirectional cable is two link records
type Link struct {
	ID         int
	From       int
	To         int
	Latency    SimTime
	BndwdthBps int64
	Queue      *DropTailQueue

	// when the next serialization onto this link may begin;
	// monotonically non-decreasing during a run
	BusyUntil SimTime

	EnqueuedPckts int64
	DequeuedPckts int64
	DroppedPckts  int64
	TxBytes       int64
}

// EcmpHashMode selects the ECMP key: per-flow keeps a flow on one path,
// per-packet (scatter) sprays packets across all equal-cost paths
type EcmpHashMode int

const (
	PerFlow EcmpHashMode = iota
	PerPckt
)

// default bound on hops a packet may take before the loop guard drops it
const defaultMaxHops = 64

// dfltLinkQueuePckts makes unconfigured link queues behave as almost
// infinite; experiments set smaller capacities to induce drops
const dfltLinkQueuePckts = 1000000

// Network holds the nodes, links, routing state, transport stacks, and
// the observer bus for one experiment
type Network struct {
	EvtMgr *EventManager
	Viz    *VizManager
	Stats  *NetStats

	Nodes []*Node
	Links []*Link
	edges map[intPair]int

	RtTable *RoutingTable
	spf     *spForest

	MaxHops  int
	HashMode EcmpHashMode
	Salt     uint64

	nxtPcktID int64

	Tcp   *TcpStack
	Dctcp *DctcpStack
}

// CreateNetwork is a constructor.  The transport stacks are created
// bound to the network so final-hop dispatch can reach them
func CreateNetwork(evtMgr *EventManager, viz *VizManager) *Network {
	net := new(Network)
	net.EvtMgr = evtMgr
	net.Viz = viz
	net.Stats = CreateNetStats()
	net.Nodes = make([]*Node, 0)
	net.Links = make([]*Link, 0)
	net.edges = make(map[intPair]int)
	net.MaxHops = defaultMaxHops
	net.Tcp = createTcpStack(net)
	net.Dctcp = createDctcpStack(net)
	return net
}

// AddHost creates an endpoint node and returns its id
func (net *Network) AddHost(name string) int {
	return net.addNode(name, HostCode)
}

// AddSwitch creates a forwarding-only node and returns its id
func (net *Network) AddSwitch(name string) int {
	return net.addNode(name, SwitchCode)
}

func (net *Network) addNode(name string, kind DevCode) int {
	node := new(Node)
	node.ID = len(net.Nodes)
	node.Kind = kind
	node.Name = name
	node.Rngstrm = rngstream.New(name)
	if kind == HostCode {
		node.Sched = CreateTaskScheduler(1)
	}
	net.Nodes = append(net.Nodes, node)
	net.Viz.AddName(node.ID, name, DevCodeToStr(kind))
	return node.ID
}

// Connect creates a one-way link with the given propagation latency and
// bandwidth in bits per second.  A nil queue gets the near-infinite
// default.  Returns the link id
func (net *Network) Connect(from, to int, latency SimTime, bndwdthBps int64, queue *DropTailQueue) int {
	if queue == nil {
		queue = CreateDropTailQueue(0, dfltLinkQueuePckts, 0)
	}
	link := new(Link)
	link.ID = len(net.Links)
	link.From = from
	link.To = to
	link.Latency = latency
	link.BndwdthBps = bndwdthBps
	link.Queue = queue
	net.Links = append(net.Links, link)
	net.edges[intPair{i: from, j: to}] = link.ID
	return link.ID
}

// ConnectPair creates the two one-way links of a bidirectional cable
func (net *Network) ConnectPair(a, b int, latency SimTime, bndwdthBps int64, qa, qb *DropTailQueue) {
	net.Connect(a, b, latency, bndwdthBps, qa)
	net.Connect(b, a, latency, bndwdthBps, qb)
}

// LinkBetween returns the link record for the (from, to) edge, or nil
func (net *Network) LinkBetween(from, to int) *Link {
	idx, present := net.edges[intPair{i: from, j: to}]
	if !present {
		return nil
	}
	return net.Links[idx]
}

// BuildRoutes constructs the next-hop table and the shortest-path
// forest from the current topology.  Call once after all Connects
func (net *Network) BuildRoutes() {
	adj := make(map[int][]int)
	for _, node := range net.Nodes {
		adj[node.ID] = []int{}
	}
	for _, link := range net.Links {
		adj[link.From] = append(adj[link.From], link.To)
	}
	hosts := []int{}
	for _, node := range net.Nodes {
		if node.Kind == HostCode {
			hosts = append(hosts, node.ID)
		}
	}
	net.RtTable = buildRoutingTable(adj, hosts, net.Salt)
	net.spf = buildSPForest(adj)
}

// FindRoute returns one shortest node sequence between two hosts,
// inclusive, or nil if unreachable
func (net *Network) FindRoute(src, dst int) []int {
	return net.spf.findRoute(src, dst)
}

// EcmpRoute returns the node sequence the given flow's packets follow
// under per-flow ECMP
func (net *Network) EcmpRoute(src, dst int, flowID int64) []int {
	return net.RtTable.ecmpRoute(src, dst, flowID)
}

// MakePacket builds a packet with the next dense identifier.  A non-nil
// route makes it a preset-route packet
func (net *Network) MakePacket(flowID int64, pcktLen int, kind PcktKind, src, dst int, route []int) *Packet {
	pckt := new(Packet)
	pckt.PcktID = net.nxtPcktID
	net.nxtPcktID += 1
	pckt.FlowID = flowID
	pckt.PcktLen = pcktLen
	pckt.Kind = kind
	pckt.Src = src
	pckt.Dst = dst
	pckt.Route = route
	return pckt
}

// txTime computes the serialization time of pcktLen bytes at bndwdthBps
// bits per second, rounded up to whole nanoseconds
func txTime(pcktLen int, bndwdthBps int64) SimTime {
	if bndwdthBps <= 0 {
		return SimTime(math.MaxInt64 / 4)
	}
	bits := int64(pcktLen) * 8
	return SimTime((bits*1000000000 + bndwdthBps - 1) / bndwdthBps)
}

// Forward is the entry point of the forwarding protocol: choose the next
// hop for pckt at node from, account for it on the link queue, and
// schedule its departure and delivery
func (net *Network) Forward(from int, pckt *Packet) error {
	now := net.EvtMgr.Now()

	// next hop from the preset route when one remains, else by table
	var nxt int
	if presetNxt, onRoute := pckt.presetNext(); onRoute {
		nxt = presetNxt
	} else if pckt.Route != nil {
		// a preset route exhausted short of the destination is a
		// routing failure, same as a missing table entry
		net.dropRouting(now, from, pckt, DropNoRoute)
		return nil
	} else {
		cands := net.RtTable.NextHops(from, pckt.Dst)
		if len(cands) == 0 {
			net.dropRouting(now, from, pckt, DropNoRoute)
			return nil
		}
		key := uint64(pckt.FlowID)
		if net.HashMode == PerPckt {
			key = mix64(key) ^ uint64(pckt.PcktID)
		}
		nxt = net.RtTable.pickECMP(from, pckt.Dst, key, cands)
	}

	linkIdx, present := net.edges[intPair{i: from, j: nxt}]
	if !present {
		net.dropRouting(now, from, pckt, DropNoLink)
		return nil
	}
	link := net.Links[linkIdx]

	res := link.Queue.Enqueue(pckt.PcktLen, pckt.Kind == AckPckt)
	if !res.Accepted {
		link.DroppedPckts += 1
		net.Stats.recordDrop(DropQueueFull)
		net.Viz.Drop(now, link, pckt, DropQueueFull)
		return nil
	}
	link.EnqueuedPckts += 1
	if res.EcnMarked && pckt.ECT {
		pckt.CE = true
		net.Stats.EcnMarkedPckts += 1
	}

	start := maxTime(now, link.BusyUntil)
	tx := txTime(pckt.PcktLen, link.BndwdthBps)
	depart := start + tx
	arrive := depart + link.Latency
	link.BusyUntil = depart
	link.TxBytes += int64(pckt.PcktLen)

	net.Viz.Enqueue(now, link, pckt)
	net.Viz.TxStart(start, link, pckt)

	// the head of the queue leaves when its serialization completes;
	// the dequeue is an accounting deduction
	if err := net.EvtMgr.Schedule(link, nil, net.linkReady, depart); err != nil {
		return err
	}
	return net.EvtMgr.Schedule(net.Nodes[nxt], pckt, net.deliverPckt, arrive)
}

// dropRouting reports a NoRoute/NoLink/TTL drop; the simulation goes on
func (net *Network) dropRouting(now SimTime, at int, pckt *Packet, reason string) {
	net.Stats.recordDrop(reason)
	rec := VizRecord{
		TNs: now.Nanos(), Kind: VizDrop,
		LinkFrom: iptr(at), PcktID: i64ptr(pckt.PcktID),
		PcktBytes: iptr(pckt.PcktLen), FlowID: i64ptr(pckt.FlowID),
		PcktKind: sptr(PcktKindToStr(pckt.Kind)), Reason: sptr(reason),
	}
	net.Viz.push(rec)
	Logger.WithFields(log.Fields{
		"node": at, "pckt": pckt.PcktID, "flow": pckt.FlowID, "reason": reason,
	}).Debug("routing drop")
}

// linkReady executes at a packet's departure time and pops the head of
// the link's queue
func (net *Network) linkReady(evtMgr *EventManager, context any, data any) any {
	link := context.(*Link)
	if _, err := link.Queue.Dequeue(); err != nil {
		return err
	}
	link.DequeuedPckts += 1
	return nil
}

// deliverPckt executes at a packet's arrival time at a node.  At the
// destination it hands the packet up; elsewhere it re-enters forwarding
func (net *Network) deliverPckt(evtMgr *EventManager, context any, data any) any {
	node := context.(*Node)
	pckt := data.(*Packet)
	now := evtMgr.Now()

	if node.ID == pckt.Dst {
		return net.onDelivered(node, pckt)
	}

	net.Viz.NodeRx(now, node, pckt)
	net.Viz.NodeForward(now, node, pckt)

	pckt.HopsTaken += 1
	if pckt.HopsTaken > net.MaxHops {
		net.dropRouting(now, node.ID, pckt, DropTTL)
		return nil
	}
	pckt.advance()
	return net.Forward(node.ID, pckt)
}

// onDelivered dispatches a packet that reached its destination host to
// the transport stack matching its segment tag; untagged packets are
// opaque bulk traffic and only counted
func (net *Network) onDelivered(node *Node, pckt *Packet) error {
	net.Viz.Delivered(net.EvtMgr.Now(), node, pckt)
	net.Stats.DeliveredPckts += 1
	net.Stats.DeliveredBytes += int64(pckt.PcktLen)

	switch seg := pckt.Segment.(type) {
	case *DctcpSegment:
		return net.Dctcp.onSegment(node.ID, pckt, seg)
	case *TcpSegment:
		return net.Tcp.onSegment(node.ID, pckt, seg)
	}
	return nil
}

// QueuedPckts sums (enqueued - dequeued) over every link.  Dropped
// arrivals are never counted as enqueued, so at any instant this equals
// the total queued packet count
func (net *Network) QueuedPckts() int64 {
	var queued int64
	for _, link := range net.Links {
		queued += link.EnqueuedPckts - link.DequeuedPckts
	}
	return queued
}
