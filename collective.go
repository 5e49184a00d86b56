package dcnsim

// collective.go holds the collective-communication scheduler.  A
// collective request (operation, member ranks, per-rank byte count) is
// decomposed into a sequence of steps; each step is a set of concurrent
// transport flows, and the next step starts only after every flow of
// the previous one completes.

import (
	"strings"

	"github.com/apex/log"
)

// CollectiveOp enumerates the supported operations
type CollectiveOp int

const (
	OpAllreduce CollectiveOp = iota
	OpReduceScatter
	OpAllgather
	OpAlltoall
	OpBroadcast
	OpSendRecv
)

// CollectiveOpFromStr parses an operation name.  Underscores and dashes
// are ignored and a trailing "async" suffix selects the asynchronous
// launch.  Unknown operations are a hard error
func CollectiveOpFromStr(raw string) (CollectiveOp, bool, error) {
	compact := strings.ToLower(strings.TrimSpace(raw))
	compact = strings.ReplaceAll(compact, "_", "")
	compact = strings.ReplaceAll(compact, "-", "")
	async := strings.HasSuffix(compact, "async")
	compact = strings.TrimSuffix(compact, "async")

	switch compact {
	case "allreduce":
		return OpAllreduce, async, nil
	case "reducescatter":
		return OpReduceScatter, async, nil
	case "allgather":
		return OpAllgather, async, nil
	case "alltoall":
		return OpAlltoall, async, nil
	case "broadcast":
		return OpBroadcast, async, nil
	case "sendrecv":
		return OpSendRecv, async, nil
	}
	return OpAllreduce, false, configErrorf("unknown collective op %q", raw)
}

// CollectiveOpToStr returns the canonical name of an operation
func CollectiveOpToStr(op CollectiveOp) string {
	switch op {
	case OpAllreduce:
		return "allreduce"
	case OpReduceScatter:
		return "reducescatter"
	case OpAllgather:
		return "allgather"
	case OpAlltoall:
		return "alltoall"
	case OpBroadcast:
		return "broadcast"
	case OpSendRecv:
		return "sendrecv"
	}
	return "unknown"
}

// TotalSteps returns the number of barrier-separated steps the
// operation decomposes into for the given member count
func (op CollectiveOp) TotalSteps(ranks int) int {
	steps := ranks - 1
	if steps < 0 {
		steps = 0
	}
	switch op {
	case OpAllreduce:
		return 2 * steps
	case OpReduceScatter, OpAllgather, OpBroadcast:
		return steps
	case OpAlltoall, OpSendRecv:
		if ranks > 1 {
			return 1
		}
		return 0
	}
	return 0
}

// ChunkBytes returns the per-flow byte count of one step.  The declared
// per-rank volume includes the self-loop share, so ring and alltoall
// chunks are ceil(V / N)
func (op CollectiveOp) ChunkBytes(volume int64, ranks int) int64 {
	switch op {
	case OpAllreduce, OpReduceScatter, OpAllgather, OpAlltoall:
		n := int64(ranks)
		if n <= 1 {
			return volume
		}
		return (volume + n - 1) / n
	}
	return volume
}

// TransportKind selects the protocol collectives run over
type TransportKind int

const (
	TransportTcp TransportKind = iota
	TransportDctcp
)

// TransportKindFromStr parses a protocol name
func TransportKindFromStr(raw string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "tcp":
		return TransportTcp, nil
	case "dctcp":
		return TransportDctcp, nil
	}
	return TransportTcp, configErrorf("unknown protocol %q", raw)
}

// flowSpec describes one flow of one step
type flowSpec struct {
	rank  int
	src   int
	dst   int
	bytes int64
}

// CollectiveHandle identifies one collective invocation and tracks its
// progress through its steps
type CollectiveHandle struct {
	CollID       int64
	CommID       string
	Op           CollectiveOp
	Ranks        []int
	Hosts        []int
	BytesPerRank int64
	Async        bool
	BarrierSeq   int64

	step    int
	pending map[int64]int

	started bool
	done    bool
	StartAt SimTime
	DoneAt  SimTime

	perRankDone map[int]SimTime
	record      *CollectiveRecord
	waiters     []func(at SimTime)
}

// Step returns the index of the step currently in flight
func (ch *CollectiveHandle) Step() int {
	return ch.step
}

// Done reports whether every member flow has completed
func (ch *CollectiveHandle) Done() bool {
	return ch.done
}

// Record returns the statistics record of this invocation
func (ch *CollectiveHandle) Record() *CollectiveRecord {
	return ch.record
}

// CollectiveScheduler converts collective steps into sets of transport
// flows and observes their completions
type CollectiveScheduler struct {
	net       *Network
	transport TransportKind
	cfg       TcpConfig

	nxtFlowID  int64
	nxtCollID  int64
	nxtBarrier int64
}

// CreateCollectiveScheduler is a constructor.  Flow ids drawn by the
// scheduler start at a high base to stay clear of ids used by direct
// traffic injection
func CreateCollectiveScheduler(net *Network, transport TransportKind, cfg TcpConfig) *CollectiveScheduler {
	cs := new(CollectiveScheduler)
	cs.net = net
	cs.transport = transport
	cs.cfg = cfg
	cs.nxtFlowID = 1 << 20
	return cs
}

// NewHandle builds the handle for one collective invocation.  ranks are
// the member rank ids in order; hosts the node id each rank runs on
func (cs *CollectiveScheduler) NewHandle(commID string, op CollectiveOp,
	ranks []int, hosts []int, bytesPerRank int64, async bool) *CollectiveHandle {

	ch := new(CollectiveHandle)
	ch.CollID = cs.nxtCollID
	cs.nxtCollID += 1
	ch.CommID = commID
	ch.Op = op
	ch.Ranks = ranks
	ch.Hosts = hosts
	ch.BytesPerRank = bytesPerRank
	ch.Async = async
	ch.pending = make(map[int64]int)
	ch.perRankDone = make(map[int]SimTime)
	ch.waiters = make([]func(at SimTime), 0)
	return ch
}

// AddWaiter registers a continuation run when the collective completes.
// Registered after completion, it fires immediately
func (cs *CollectiveScheduler) AddWaiter(ch *CollectiveHandle, fn func(at SimTime)) {
	if ch.done {
		fn(cs.net.EvtMgr.Now())
		return
	}
	ch.waiters = append(ch.waiters, fn)
}

// Launch starts step 0 of the collective at the present time
func (cs *CollectiveScheduler) Launch(ch *CollectiveHandle) error {
	if ch.started {
		return collectivef("collective %d (%s) launched twice", ch.CollID, ch.CommID)
	}
	ch.started = true
	ch.StartAt = cs.net.EvtMgr.Now()
	ch.BarrierSeq = cs.nxtBarrier
	cs.nxtBarrier += 1

	ch.record = &CollectiveRecord{
		CollID: ch.CollID, CommID: ch.CommID, Op: ch.Op, Ranks: ch.Ranks,
		Bytes: ch.BytesPerRank, Steps: ch.Op.TotalSteps(len(ch.Ranks)), StartAt: ch.StartAt,
	}
	cs.net.Stats.Collectives = append(cs.net.Stats.Collectives, ch.record)

	return cs.net.EvtMgr.Schedule(ch, nil, cs.startStep, ch.StartAt)
}

// stepFlows lays out the flows of the handle's current step
func (cs *CollectiveScheduler) stepFlows(ch *CollectiveHandle) []flowSpec {
	n := len(ch.Ranks)
	flows := []flowSpec{}
	chunk := ch.Op.ChunkBytes(ch.BytesPerRank, n)

	switch ch.Op {
	case OpAllreduce, OpReduceScatter, OpAllgather:
		// every rank passes a chunk around the logical ring
		for idx := 0; idx < n; idx += 1 {
			flows = append(flows, flowSpec{
				rank: ch.Ranks[idx], src: ch.Hosts[idx], dst: ch.Hosts[(idx+1)%n], bytes: chunk})
		}
	case OpAlltoall:
		// one shot: every rank sends its share to every other rank
		for idx := 0; idx < n; idx += 1 {
			for jdx := 0; jdx < n; jdx += 1 {
				if idx == jdx {
					continue
				}
				flows = append(flows, flowSpec{
					rank: ch.Ranks[idx], src: ch.Hosts[idx], dst: ch.Hosts[jdx], bytes: chunk})
			}
		}
	case OpSendRecv:
		flows = append(flows, flowSpec{
			rank: ch.Ranks[0], src: ch.Hosts[0], dst: ch.Hosts[1], bytes: ch.BytesPerRank})
	case OpBroadcast:
		// relay the full volume one hop along the chain from the root
		idx := ch.step
		flows = append(flows, flowSpec{
			rank: ch.Ranks[idx], src: ch.Hosts[idx], dst: ch.Hosts[idx+1], bytes: ch.BytesPerRank})
	}
	return flows
}

// startStep launches every flow of the current step
func (cs *CollectiveScheduler) startStep(evtMgr *EventManager, context any, data any) any {
	ch := context.(*CollectiveHandle)
	if ch.done {
		return nil
	}
	if ch.Op.TotalSteps(len(ch.Ranks)) == 0 {
		// a single-member collective completes at once with no bytes moved
		return cs.complete(ch)
	}

	for _, fs := range cs.stepFlows(ch) {
		flowID := cs.nxtFlowID
		cs.nxtFlowID += 1
		ch.pending[flowID] = fs.rank
		final := ch.step == ch.Op.TotalSteps(len(ch.Ranks))-1
		rank := fs.rank
		done := func(id int64, at SimTime) {
			if final {
				if prev, present := ch.perRankDone[rank]; !present || at > prev {
					ch.perRankDone[rank] = at
				}
			}
			cs.flowDone(ch, id, at)
		}
		if err := cs.openFlow(flowID, fs.src, fs.dst, fs.bytes, done); err != nil {
			return err
		}
	}
	return nil
}

// openFlow starts one transport connection carrying a step's chunk
func (cs *CollectiveScheduler) openFlow(flowID int64, src, dst int, bytes int64, done FlowDoneFunc) error {
	now := cs.net.EvtMgr.Now()
	if cs.transport == TransportDctcp {
		return cs.net.Dctcp.Open(flowID, src, dst, bytes, cs.cfg, now, done)
	}
	return cs.net.Tcp.Open(flowID, src, dst, bytes, cs.cfg, now, done)
}

// flowDone removes the flow from the pending set; an emptied set closes
// the step, and the final step closes the collective
func (cs *CollectiveScheduler) flowDone(ch *CollectiveHandle, flowID int64, at SimTime) {
	if _, present := ch.pending[flowID]; !present || ch.done {
		return
	}
	delete(ch.pending, flowID)
	if len(ch.pending) > 0 {
		return
	}

	ch.step += 1
	if ch.step >= ch.Op.TotalSteps(len(ch.Ranks)) {
		cs.complete(ch)
		return
	}
	cs.net.EvtMgr.Schedule(ch, nil, cs.startStep, cs.net.EvtMgr.Now())
}

// complete records completion, fills per-rank completion times, and
// fires every waiter
func (cs *CollectiveScheduler) complete(ch *CollectiveHandle) error {
	ch.done = true
	ch.DoneAt = cs.net.EvtMgr.Now()

	perRank := make(map[int]int64)
	for _, rank := range ch.Ranks {
		doneAt, present := ch.perRankDone[rank]
		if !present {
			doneAt = ch.DoneAt
		}
		perRank[rank] = int64(doneAt - ch.StartAt)
	}
	// the pair of a sendrecv observe the same completion
	if ch.Op == OpSendRecv && len(ch.Ranks) > 1 {
		perRank[ch.Ranks[1]] = perRank[ch.Ranks[0]]
	}
	if ch.record != nil {
		ch.record.Done = true
		ch.record.DoneAt = ch.DoneAt
		ch.record.PerRankNs = perRank
	}

	Logger.WithFields(log.Fields{
		"coll": ch.CollID, "comm_id": ch.CommID, "op": CollectiveOpToStr(ch.Op),
		"ranks": len(ch.Ranks), "fct_ns": int64(ch.DoneAt - ch.StartAt),
	}).Info("collective_done")

	waiters := ch.waiters
	ch.waiters = nil
	for _, fn := range waiters {
		fn(ch.DoneAt)
	}
	return nil
}
