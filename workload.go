package dcnsim

// workload.go holds the workload driver: an interpreter that advances
// each rank's program one step at a time.  Every step installs a
// continuation by scheduling an event that advances the program
// counter, so no thread or async runtime is involved.
//
// Within one rank, compute steps overlap freely with in-flight
// asynchronous collectives, but further communication steps are held
// back until those collectives complete.

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

// StepKind enumerates the rank-program step kinds
type StepKind int

const (
	StepCompute StepKind = iota
	StepCollective
	StepCollectiveWait
	StepSendRecv
)

// SendRecvDirection tags which side of a pairwise exchange a rank is
type SendRecvDirection int

const (
	DirSend SendRecvDirection = iota
	DirRecv
)

// RankStep is one step of a rank program
type RankStep struct {
	Kind      StepKind
	ComputeMs float64

	Op        CollectiveOp
	CommBytes int64
	// Hosts lists the participating host node ids in member order for
	// a collective step
	Hosts  []int
	CommID string
	Async  bool

	Peer int
	Dir  SendRecvDirection
}

// RankProg is one rank's program and interpreter state
type RankProg struct {
	RankID int
	// Host is the node id the rank runs on
	Host  int
	Steps []RankStep

	pc           int
	pendingAsync int

	// parked continuations
	parkedComm bool
	waitingAll bool

	done   bool
	DoneAt SimTime
}

// Done reports whether the rank's program has run to completion
func (rp *RankProg) Done() bool {
	return rp.done
}

// commGate gathers the member ranks of one collective invocation before
// launch
type commGate struct {
	key     string
	commID  string
	op      CollectiveOp
	hosts   []int
	bytes   int64
	async   bool
	arrived map[int]bool
	handle  *CollectiveHandle

	// ranks that reached a wait on this comm id before launch
	waitQ []*RankProg
}

// srGate pairs the two sides of a sendrecv exchange
type srGate struct {
	key    string
	bytes  int64
	sender int
	recver int
	// set when both sides have declared a direction
	haveSender bool
	haveRecver bool
	arrived    map[int]bool
	handle     *CollectiveHandle
}

// WorkloadDriver interprets every rank program over one network
type WorkloadDriver struct {
	net *Network
	cs  *CollectiveScheduler

	ranks      map[int]*RankProg
	rankOrder  []int
	hostToRank map[int]int

	gates   map[string][]*commGate
	srGates map[string][]*srGate
	// comm_id -> latest gate, for collective_wait lookup
	named map[string]*commGate
}

// CreateWorkloadDriver is a constructor.  Each entry of progs maps a
// rank id to its program; the driver indexes hosts so collective steps
// can resolve which ranks must enter a gate
func CreateWorkloadDriver(net *Network, cs *CollectiveScheduler, progs []*RankProg) *WorkloadDriver {
	wd := new(WorkloadDriver)
	wd.net = net
	wd.cs = cs
	wd.ranks = make(map[int]*RankProg)
	wd.hostToRank = make(map[int]int)
	wd.gates = make(map[string][]*commGate)
	wd.srGates = make(map[string][]*srGate)
	wd.named = make(map[string]*commGate)

	for _, rp := range progs {
		wd.ranks[rp.RankID] = rp
		wd.rankOrder = append(wd.rankOrder, rp.RankID)
		wd.hostToRank[rp.Host] = rp.RankID
	}
	sort.Ints(wd.rankOrder)
	return wd
}

// Start schedules step 0 of every rank at the present time, in rank
// order for reproducibility
func (wd *WorkloadDriver) Start() error {
	now := wd.net.EvtMgr.Now()
	for _, rankID := range wd.rankOrder {
		if err := wd.net.EvtMgr.Schedule(wd.ranks[rankID], nil, wd.advance, now); err != nil {
			return err
		}
	}
	return nil
}

// AllDone reports whether every rank program has completed
func (wd *WorkloadDriver) AllDone() bool {
	for _, rp := range wd.ranks {
		if !rp.done {
			return false
		}
	}
	return true
}

// Rank returns the program of the given rank id, or nil
func (wd *WorkloadDriver) Rank(rankID int) *RankProg {
	return wd.ranks[rankID]
}

// resume re-enters the interpreter for a rank at the present time
func (wd *WorkloadDriver) resume(rp *RankProg) error {
	return wd.net.EvtMgr.Schedule(rp, nil, wd.advance, wd.net.EvtMgr.Now())
}

// advance executes the rank's current step
func (wd *WorkloadDriver) advance(evtMgr *EventManager, context any, data any) any {
	rp := context.(*RankProg)
	if rp.done {
		return nil
	}
	if rp.pc >= len(rp.Steps) {
		rp.done = true
		rp.DoneAt = evtMgr.Now()
		return nil
	}
	step := &rp.Steps[rp.pc]

	// communication holds for in-flight asyncs; compute does not
	if rp.pendingAsync > 0 && (step.Kind == StepCollective || step.Kind == StepSendRecv) {
		rp.parkedComm = true
		return nil
	}

	switch step.Kind {
	case StepCompute:
		host := wd.net.Nodes[rp.Host]
		host.Sched.Schedule(evtMgr, "compute", FloatMillisToTime(step.ComputeMs), rp, nil, wd.computeDone)
		return nil
	case StepCollective:
		return wd.enterCollective(rp, step)
	case StepCollectiveWait:
		return wd.enterWait(rp, step)
	case StepSendRecv:
		return wd.enterSendRecv(rp, step)
	}
	return invariantf("rank %d: unknown step kind at pc %d", rp.RankID, rp.pc)
}

// computeDone fires when a compute step's service completes
func (wd *WorkloadDriver) computeDone(evtMgr *EventManager, context any, data any) any {
	rp := context.(*RankProg)
	rp.pc += 1
	return wd.advance(evtMgr, rp, nil)
}

// requiredEntrants returns the ranks that must enter a gate over the
// given hosts: those with programs running on one of them
func (wd *WorkloadDriver) requiredEntrants(hosts []int) []int {
	entrants := []int{}
	for _, host := range hosts {
		if rankID, present := wd.hostToRank[host]; present {
			entrants = append(entrants, rankID)
		}
	}
	return entrants
}

// gateKey builds the matching key of an anonymous collective step
func gateKey(op CollectiveOp, hosts []int, bytes int64) string {
	return fmt.Sprintf("%s:%v:%d", CollectiveOpToStr(op), hosts, bytes)
}

// findCommGate joins the rank to a gate for its collective step,
// creating one when no open gate matches
func (wd *WorkloadDriver) findCommGate(rp *RankProg, step *RankStep) (*commGate, error) {
	key := step.CommID
	if key == "" {
		key = gateKey(step.Op, step.Hosts, step.CommBytes)
	}
	for _, gate := range wd.gates[key] {
		if gate.handle != nil && gate.handle.done {
			continue
		}
		if gate.arrived[rp.RankID] {
			continue
		}
		if !slices.Equal(gate.hosts, step.Hosts) || gate.op != step.Op {
			return nil, collectivef(
				"rank %d disagrees on participants of comm %q", rp.RankID, key)
		}
		return gate, nil
	}
	gate := &commGate{
		key: key, commID: step.CommID, op: step.Op, hosts: step.Hosts,
		bytes: step.CommBytes, async: step.Async, arrived: make(map[int]bool),
	}
	wd.gates[key] = append(wd.gates[key], gate)
	if step.CommID != "" {
		wd.named[step.CommID] = gate
	}
	return gate, nil
}

// enterCollective registers the rank at the gate and launches the
// collective once every required rank has entered
func (wd *WorkloadDriver) enterCollective(rp *RankProg, step *RankStep) error {
	gate, err := wd.findCommGate(rp, step)
	if err != nil {
		return err
	}
	gate.arrived[rp.RankID] = true

	if step.Async {
		// the caller keeps going; the pending count holds back its
		// later communication steps
		rp.pendingAsync += 1
		rp.pc += 1
		if err := wd.resume(rp); err != nil {
			return err
		}
	}

	required := wd.requiredEntrants(step.Hosts)
	for _, rankID := range required {
		if !gate.arrived[rankID] {
			return nil
		}
	}
	return wd.launchGate(gate, required)
}

// launchGate converts a filled gate into a collective handle and starts
// step 0.  Member identity is the rank when one runs on the host, the
// host id otherwise
func (wd *WorkloadDriver) launchGate(gate *commGate, required []int) error {
	members := make([]int, len(gate.hosts))
	nodes := make([]int, len(gate.hosts))
	for idx, host := range gate.hosts {
		if rankID, present := wd.hostToRank[host]; present {
			members[idx] = rankID
		} else {
			members[idx] = host
		}
		nodes[idx] = host
	}

	ch := wd.cs.NewHandle(gate.commID, gate.op, members, nodes, gate.bytes, gate.async)
	gate.handle = ch

	for _, rankID := range required {
		waiter := wd.ranks[rankID]
		entered := gate.arrived[rankID]
		if !entered {
			continue
		}
		if gate.async {
			wd.cs.AddWaiter(ch, wd.asyncDoneFunc(waiter))
		} else {
			wd.cs.AddWaiter(ch, wd.blockedDoneFunc(waiter))
		}
	}
	for _, rp := range gate.waitQ {
		wd.cs.AddWaiter(ch, wd.blockedDoneFunc(rp))
	}
	gate.waitQ = nil
	return wd.cs.Launch(ch)
}

// blockedDoneFunc resumes a rank parked on a synchronous collective
func (wd *WorkloadDriver) blockedDoneFunc(rp *RankProg) func(at SimTime) {
	return func(at SimTime) {
		rp.pc += 1
		wd.resume(rp)
	}
}

// asyncDoneFunc drains one pending async completion and unparks the
// rank if it was held at a wait or a queued communication step
func (wd *WorkloadDriver) asyncDoneFunc(rp *RankProg) func(at SimTime) {
	return func(at SimTime) {
		rp.pendingAsync -= 1
		if rp.pendingAsync < 0 {
			rp.pendingAsync = 0
		}
		if rp.waitingAll && rp.pendingAsync == 0 {
			rp.waitingAll = false
			rp.pc += 1
			wd.resume(rp)
			return
		}
		if rp.parkedComm && rp.pendingAsync == 0 {
			rp.parkedComm = false
			wd.resume(rp)
		}
	}
}

// enterWait blocks the rank until the named collective completes, or
// until every pending async completion has drained
func (wd *WorkloadDriver) enterWait(rp *RankProg, step *RankStep) error {
	if step.CommID == "" {
		if rp.pendingAsync == 0 {
			rp.pc += 1
			return wd.resume(rp)
		}
		rp.waitingAll = true
		return nil
	}

	gate, present := wd.named[step.CommID]
	if !present {
		return collectivef("rank %d waits on comm %q that was never started", rp.RankID, step.CommID)
	}
	if gate.handle == nil {
		// entered but not yet launched; the wait resolves at launch
		gate.waitQ = append(gate.waitQ, rp)
		return nil
	}
	wd.cs.AddWaiter(gate.handle, wd.blockedDoneFunc(rp))
	return nil
}

// enterSendRecv pairs the rank with its peer and runs the exchange as a
// single-flow collective; both sides stay blocked until it completes
func (wd *WorkloadDriver) enterSendRecv(rp *RankProg, step *RankStep) error {
	_, present := wd.ranks[step.Peer]
	if !present {
		return collectivef("rank %d sendrecv names unknown peer rank %d", rp.RankID, step.Peer)
	}

	key := step.CommID
	if key == "" {
		lo, hi := rp.RankID, step.Peer
		if hi < lo {
			lo, hi = hi, lo
		}
		key = fmt.Sprintf("sr:%d:%d:%d", lo, hi, step.CommBytes)
	}

	var gate *srGate
	for _, sg := range wd.srGates[key] {
		if sg.handle != nil && sg.handle.done {
			continue
		}
		if sg.arrived[rp.RankID] {
			continue
		}
		gate = sg
		break
	}
	if gate == nil {
		gate = &srGate{key: key, bytes: step.CommBytes, arrived: make(map[int]bool)}
		wd.srGates[key] = append(wd.srGates[key], gate)
	}
	gate.arrived[rp.RankID] = true

	if step.Dir == DirSend {
		if gate.haveSender && gate.sender != rp.RankID {
			return collectivef("both sides of sendrecv %q declare send", key)
		}
		gate.sender = rp.RankID
		gate.haveSender = true
	} else {
		if gate.haveRecver && gate.recver != rp.RankID {
			return collectivef("both sides of sendrecv %q declare recv", key)
		}
		gate.recver = rp.RankID
		gate.haveRecver = true
	}

	if !gate.haveSender || !gate.haveRecver {
		return nil
	}

	sender := wd.ranks[gate.sender]
	recver := wd.ranks[gate.recver]
	ch := wd.cs.NewHandle(step.CommID, OpSendRecv,
		[]int{gate.sender, gate.recver}, []int{sender.Host, recver.Host}, gate.bytes, false)
	gate.handle = ch
	wd.cs.AddWaiter(ch, wd.blockedDoneFunc(sender))
	wd.cs.AddWaiter(ch, wd.blockedDoneFunc(recver))
	return wd.cs.Launch(ch)
}
