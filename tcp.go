package dcnsim

// tcp.go holds the Reno-style TCP state machine simulated per
// connection: slow start, congestion avoidance, fast retransmit and
// recovery, RTT estimation, and retransmission timeouts.  Timers are
// never canceled; each carries a token and checks on firing whether it
// is still the armed one.
//
// A connection either carries a preset route chosen once by the
// per-flow ECMP hash, or no route at all, in which case every packet is
// routed hop by hop (scatter mode).

import "github.com/apex/log"

// TcpConfig carries the tunables of a connection
type TcpConfig struct {
	MSS               int
	AckBytes          int
	InitCwndPckts     int
	InitSsthreshPckts int
	InitRto           SimTime
	MinRto            SimTime
	MaxRto            SimTime
	Handshake         bool
}

// DefaultTcpConfig returns the settings used by throughput studies:
// no handshake, moderate initial window, 200us floor on the RTO
func DefaultTcpConfig() TcpConfig {
	return TcpConfig{
		MSS:               1460,
		AckBytes:          64,
		InitCwndPckts:     10,
		InitSsthreshPckts: 1000,
		InitRto:           MicrosToTime(200),
		MinRto:            MicrosToTime(200),
		MaxRto:            MillisToTime(200),
	}
}

// reason tags attached to every congestion-window observer event
const (
	CwndInit                   = "init"
	CwndAckSlowStart           = "ack_slow_start"
	CwndAckCongAvoid           = "ack_congestion_avoidance"
	CwndFastRecoveryEnter      = "fast_recovery_enter"
	CwndFastRecoveryDupAck     = "fast_recovery_dup_ack"
	CwndFastRecoveryPartialAck = "fast_recovery_partial_ack"
	CwndFastRecoveryExit       = "fast_recovery_exit"
	CwndDupAck3                = "dup_ack_3"
	CwndDupAckMore             = "dup_ack_more"
	CwndRtoTimeout             = "rto_timeout"
	CwndDctcpEcnWindow         = "dctcp_ecn_window"
	CwndPeriodicSample         = "sample"
)

// connState enumerates the connection lifecycle
type connState int

const (
	ConnClosed connState = iota
	ConnSynSent
	ConnEstablished
	ConnFinWait
)

// sentSeg is one retransmit-queue entry
type sentSeg struct {
	seq     int64
	segLen  int
	sentAt  SimTime
	retrans int
}

// CwndSample is one point of a connection's congestion-window series
type CwndSample struct {
	TNs           int64
	CwndBytes     int64
	SsthreshBytes int64
	InflightBytes int64
	Alpha         float64
	Reason        string
}

// TcpConn is the per-connection state block
type TcpConn struct {
	ID         int64
	Src        int
	Dst        int
	TotalBytes int64
	Cfg        TcpConfig

	// nil routes select hop-by-hop (scatter) forwarding
	fwdRoute []int
	revRoute []int

	state connState

	// sender
	nxtSeq    int64
	highAcked int64
	highSent  int64
	cwnd      int64
	ssthresh  int64
	dupAcks   int

	inFastRecovery bool
	recover        int64

	srtt    SimTime
	rttvar  SimTime
	srttSet bool
	rto     SimTime

	rtoArmed bool
	rtoToken int64

	rexmtQ []*sentSeg

	// receiver
	rcvNxt int64
	ooo    map[int64]int

	started bool
	done    bool
	startAt SimTime
	doneAt  SimTime

	cwndLog []CwndSample
}

// InFlight returns the sender's unacknowledged byte count
func (conn *TcpConn) InFlight() int64 {
	return conn.highSent - conn.highAcked
}

// Done reports whether every byte has been cumulatively acknowledged
func (conn *TcpConn) Done() bool {
	return conn.done
}

// Times returns the connection's start and completion times
func (conn *TcpConn) Times() (SimTime, SimTime) {
	return conn.startAt, conn.doneAt
}

// CwndLog returns the recorded congestion-window series
func (conn *TcpConn) CwndLog() []CwndSample {
	return conn.cwndLog
}

// Cwnd returns the current congestion window in bytes
func (conn *TcpConn) Cwnd() int64 {
	return conn.cwnd
}

// Ssthresh returns the current slow-start threshold in bytes
func (conn *TcpConn) Ssthresh() int64 {
	return conn.ssthresh
}

// recvData advances the receive-next sequence, absorbing any buffered
// out-of-order segments it now joins, and returns the cumulative ack
func (conn *TcpConn) recvData(seq int64, segLen int) int64 {
	if seq == conn.rcvNxt {
		conn.rcvNxt += int64(segLen)
		for {
			nxtLen, present := conn.ooo[conn.rcvNxt]
			if !present {
				break
			}
			delete(conn.ooo, conn.rcvNxt)
			conn.rcvNxt += int64(nxtLen)
		}
	} else if seq > conn.rcvNxt {
		conn.ooo[seq] = segLen
	}
	return conn.rcvNxt
}

// FlowDoneFunc observes a flow's completion
type FlowDoneFunc func(connID int64, at SimTime)

// TcpStack holds every TCP connection of a run
type TcpStack struct {
	net    *Network
	conns  map[int64]*TcpConn
	doneCb map[int64]FlowDoneFunc
}

// createTcpStack is a constructor
func createTcpStack(net *Network) *TcpStack {
	tcp := new(TcpStack)
	tcp.net = net
	tcp.conns = make(map[int64]*TcpConn)
	tcp.doneCb = make(map[int64]FlowDoneFunc)
	return tcp
}

// Conn returns the connection with the given id, or nil
func (tcp *TcpStack) Conn(connID int64) *TcpConn {
	return tcp.conns[connID]
}

// newTcpConn builds the state block shared by Open and the DCTCP variant
func newTcpConn(net *Network, connID int64, src, dst int, totalBytes int64, cfg TcpConfig) *TcpConn {
	conn := new(TcpConn)
	conn.ID = connID
	conn.Src = src
	conn.Dst = dst
	conn.TotalBytes = totalBytes
	conn.Cfg = cfg
	conn.cwnd = maxI64(int64(cfg.InitCwndPckts)*int64(cfg.MSS), int64(cfg.MSS))
	conn.ssthresh = maxI64(int64(cfg.InitSsthreshPckts)*int64(cfg.MSS), 2*int64(cfg.MSS))
	conn.rto = cfg.InitRto
	conn.ooo = make(map[int64]int)
	conn.rexmtQ = make([]*sentSeg, 0)
	if net.HashMode == PerFlow {
		conn.fwdRoute = net.EcmpRoute(src, dst, connID)
		if conn.fwdRoute != nil {
			conn.revRoute = reverseRoute(conn.fwdRoute)
		}
	}
	if cfg.Handshake {
		conn.state = ConnSynSent
	} else {
		conn.state = ConnEstablished
	}
	return conn
}

// Open registers a connection that will move totalBytes from src to dst
// and schedules its start.  The done callback fires when the last byte
// is acknowledged
func (tcp *TcpStack) Open(connID int64, src, dst int, totalBytes int64,
	cfg TcpConfig, at SimTime, done FlowDoneFunc) error {

	if _, present := tcp.conns[connID]; present {
		return invariantf("duplicate tcp connection id %d", connID)
	}
	conn := newTcpConn(tcp.net, connID, src, dst, totalBytes, cfg)
	tcp.conns[connID] = conn
	if done != nil {
		tcp.doneCb[connID] = done
	}
	return tcp.net.EvtMgr.Schedule(conn, nil, tcp.connStart, at)
}

// connStart executes at the connection's scheduled start time
func (tcp *TcpStack) connStart(evtMgr *EventManager, context any, data any) any {
	conn := context.(*TcpConn)
	conn.started = true
	conn.startAt = evtMgr.Now()
	tcp.net.Stats.OpenFlow(conn.ID, conn.Src, conn.Dst, conn.TotalBytes, conn.startAt)
	tcp.logCwnd(conn, CwndInit)

	if conn.TotalBytes <= 0 {
		return tcp.complete(conn)
	}
	if conn.state == ConnSynSent {
		if err := tcp.sendCtrl(conn, &TcpSegment{IsSyn: true}, conn.Src); err != nil {
			return err
		}
		tcp.armRto(conn)
		return nil
	}
	return tcp.sendDataIfPossible(conn)
}

// dataRoute returns the preset route for sender-to-receiver packets
func (conn *TcpConn) dataRoute() []int {
	return conn.fwdRoute
}

// ackRoute returns the preset route for receiver-to-sender packets
func (conn *TcpConn) ackRoute() []int {
	return conn.revRoute
}

// sendDataIfPossible sends new segments while window remains and
// application bytes are pending
func (tcp *TcpStack) sendDataIfPossible(conn *TcpConn) error {
	if conn.done || conn.state != ConnEstablished {
		return nil
	}
	now := tcp.net.EvtMgr.Now()
	for {
		pending := conn.TotalBytes - conn.nxtSeq
		if pending <= 0 {
			break
		}
		segLen := int(minI64(int64(conn.Cfg.MSS), pending))
		if conn.cwnd-conn.InFlight() < int64(segLen) {
			break
		}
		seq := conn.nxtSeq
		conn.rexmtQ = append(conn.rexmtQ, &sentSeg{seq: seq, segLen: segLen, sentAt: now})
		conn.nxtSeq += int64(segLen)
		if conn.nxtSeq > conn.highSent {
			conn.highSent = conn.nxtSeq
		}
		if err := tcp.sendSegment(conn, seq, segLen, false); err != nil {
			return err
		}
	}
	tcp.armRto(conn)
	return nil
}

// sendSegment hands one data segment to the network
func (tcp *TcpStack) sendSegment(conn *TcpConn, seq int64, segLen int, retrans bool) error {
	seg := &TcpSegment{Seq: seq, Len: segLen, Retrans: retrans}
	pckt := tcp.net.MakePacket(conn.ID, segLen, DataPckt, conn.Src, conn.Dst, conn.dataRoute())
	pckt.Segment = seg
	tcp.net.Viz.TcpSendData(tcp.net.EvtMgr.Now(), conn.ID, seq, segLen, retrans)
	return tcp.net.Forward(conn.Src, pckt)
}

// sendCtrl hands a zero-payload control segment (SYN, SYN-ACK, ACK,
// FIN) to the network from the given endpoint
func (tcp *TcpStack) sendCtrl(conn *TcpConn, seg *TcpSegment, from int) error {
	route := conn.dataRoute()
	dst := conn.Dst
	if from == conn.Dst {
		route = conn.ackRoute()
		dst = conn.Src
	}
	pckt := tcp.net.MakePacket(conn.ID, conn.Cfg.AckBytes, AckPckt, from, dst, route)
	pckt.Segment = seg
	return tcp.net.Forward(from, pckt)
}

// sendAck emits the receiver's cumulative ACK
func (tcp *TcpStack) sendAck(conn *TcpConn, ack int64) error {
	tcp.net.Viz.TcpSendAck(tcp.net.EvtMgr.Now(), conn.ID, ack, false)
	return tcp.sendCtrl(conn, &TcpSegment{IsAck: true, AckNum: ack}, conn.Dst)
}

// onSegment dispatches a delivered TCP packet by its segment flags and
// the endpoint it arrived at
func (tcp *TcpStack) onSegment(at int, pckt *Packet, seg *TcpSegment) error {
	conn, present := tcp.conns[pckt.FlowID]
	if !present {
		tcp.net.Stats.TransportEdge += 1
		return nil
	}

	switch {
	case seg.IsSyn && !seg.IsAck:
		// SYN at the receiver
		if at != conn.Dst {
			tcp.net.Stats.TransportEdge += 1
			return nil
		}
		return tcp.sendCtrl(conn, &TcpSegment{IsSyn: true, IsAck: true}, conn.Dst)

	case seg.IsSyn && seg.IsAck:
		// SYN-ACK at the sender: handshake done, start data
		if at != conn.Src {
			tcp.net.Stats.TransportEdge += 1
			return nil
		}
		conn.state = ConnEstablished
		tcp.disarmRto(conn)
		if err := tcp.sendCtrl(conn, &TcpSegment{IsAck: true}, conn.Src); err != nil {
			return err
		}
		return tcp.sendDataIfPossible(conn)

	case seg.IsFin:
		// FIN at the receiver: acknowledge one past the final byte
		if at != conn.Dst {
			tcp.net.Stats.TransportEdge += 1
			return nil
		}
		return tcp.sendAck(conn, seg.Seq+1)

	case seg.IsAck && at == conn.Dst:
		// the handshake's closing ACK; nothing further to do
		return nil

	case seg.IsAck:
		tcp.net.Viz.TcpRecvAck(tcp.net.EvtMgr.Now(), conn.ID, seg.AckNum, false)
		if conn.state == ConnFinWait && seg.AckNum > conn.TotalBytes {
			conn.state = ConnClosed
			return nil
		}
		return tcp.processAck(conn, seg.AckNum)

	default:
		// data at the receiver
		if at != conn.Dst {
			tcp.net.Stats.TransportEdge += 1
			return nil
		}
		ack := conn.recvData(seg.Seq, seg.Len)
		return tcp.sendAck(conn, ack)
	}
}

// processAck runs the sender's new-ACK / duplicate-ACK branches
func (tcp *TcpStack) processAck(conn *TcpConn, ack int64) error {
	if conn.done {
		tcp.net.Stats.TransportEdge += 1
		return nil
	}
	mss := int64(conn.Cfg.MSS)

	if ack > conn.highAcked {
		tcp.sampleRtt(conn, ack)
		prevAcked := conn.highAcked
		conn.highAcked = ack
		conn.trimRexmtQ(ack)
		newlyAcked := ack - prevAcked
		conn.dupAcks = 0

		if conn.inFastRecovery {
			if ack >= conn.recover {
				// full recovery: deflate to ssthresh
				conn.cwnd = maxI64(minI64(conn.ssthresh, conn.InFlight()+mss), mss)
				conn.inFastRecovery = false
				tcp.logCwnd(conn, CwndFastRecoveryExit)
			} else {
				// partial ack: deflate by the newly acked data and
				// retransmit the next hole
				conn.cwnd = maxI64(conn.cwnd-newlyAcked+mss, mss)
				if err := tcp.retransmitHead(conn); err != nil {
					return err
				}
				tcp.logCwnd(conn, CwndFastRecoveryPartialAck)
			}
		} else if conn.cwnd < conn.ssthresh {
			conn.cwnd += mss
			tcp.logCwnd(conn, CwndAckSlowStart)
		} else {
			conn.cwnd += maxI64(1, mss*mss/conn.cwnd)
			tcp.logCwnd(conn, CwndAckCongAvoid)
		}

		if conn.highAcked >= conn.TotalBytes {
			return tcp.complete(conn)
		}
		tcp.resetRto(conn)
		return tcp.sendDataIfPossible(conn)
	}

	if ack == conn.highAcked {
		if conn.inFastRecovery {
			// window inflation per duplicate during recovery
			conn.cwnd += mss
			tcp.logCwnd(conn, CwndFastRecoveryDupAck)
			return tcp.sendDataIfPossible(conn)
		}
		conn.dupAcks += 1
		if conn.dupAcks == 3 {
			if conn.highAcked < conn.recover {
				// a stale triple-duplicate inside an old window
				return nil
			}
			conn.ssthresh = maxI64(conn.cwnd/2, 2*mss)
			if err := tcp.retransmitHead(conn); err != nil {
				return err
			}
			conn.cwnd = conn.ssthresh + 3*mss
			conn.inFastRecovery = true
			conn.recover = conn.highSent
			tcp.logCwnd(conn, CwndFastRecoveryEnter)
			return tcp.sendDataIfPossible(conn)
		}
		if conn.dupAcks > 3 {
			conn.cwnd += mss
			tcp.logCwnd(conn, CwndDupAckMore)
			return tcp.sendDataIfPossible(conn)
		}
		return nil
	}

	// ack below the cumulative point: stale, ignore
	tcp.net.Stats.TransportEdge += 1
	return nil
}

// sampleRtt updates the SRTT/RTTVAR estimators from the newest fully
// acknowledged never-retransmitted segment
func (tcp *TcpStack) sampleRtt(conn *TcpConn, ack int64) {
	now := tcp.net.EvtMgr.Now()
	var sample SimTime = -1
	for _, seg := range conn.rexmtQ {
		if seg.seq+int64(seg.segLen) > ack {
			break
		}
		if seg.retrans == 0 {
			sample = now - seg.sentAt
		}
	}
	if sample < 0 {
		return
	}
	if !conn.srttSet {
		conn.srtt = sample
		conn.rttvar = sample / 2
		conn.srttSet = true
	} else {
		diff := conn.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		conn.rttvar = (3*conn.rttvar + diff) / 4
		conn.srtt = (7*conn.srtt + sample) / 8
	}
	conn.rto = minTime(maxTime(conn.Cfg.MinRto, conn.srtt+4*conn.rttvar), conn.Cfg.MaxRto)
}

// trimRexmtQ drops fully acknowledged entries from the retransmit queue
func (conn *TcpConn) trimRexmtQ(ack int64) {
	idx := 0
	for idx < len(conn.rexmtQ) && conn.rexmtQ[idx].seq+int64(conn.rexmtQ[idx].segLen) <= ack {
		idx += 1
	}
	conn.rexmtQ = conn.rexmtQ[idx:]
}

// retransmitHead resends the earliest unacknowledged segment
func (tcp *TcpStack) retransmitHead(conn *TcpConn) error {
	if len(conn.rexmtQ) == 0 {
		return nil
	}
	head := conn.rexmtQ[0]
	head.retrans += 1
	head.sentAt = tcp.net.EvtMgr.Now()
	return tcp.sendSegment(conn, head.seq, head.segLen, true)
}

// complete marks the connection finished and notifies its observer
func (tcp *TcpStack) complete(conn *TcpConn) error {
	conn.done = true
	conn.doneAt = tcp.net.EvtMgr.Now()
	tcp.disarmRto(conn)
	tcp.net.Stats.CloseFlow(conn.ID, conn.doneAt)

	Logger.WithFields(log.Fields{
		"conn": conn.ID, "bytes": conn.TotalBytes, "fct_ns": int64(conn.doneAt - conn.startAt),
	}).Debug("tcp flow complete")

	var err error
	if conn.Cfg.Handshake {
		conn.state = ConnFinWait
		err = tcp.sendCtrl(conn, &TcpSegment{Seq: conn.TotalBytes, IsFin: true}, conn.Src)
	} else {
		conn.state = ConnClosed
	}

	cb, present := tcp.doneCb[conn.ID]
	if present {
		delete(tcp.doneCb, conn.ID)
		cb(conn.ID, conn.doneAt)
	}
	return err
}

// armRto starts the retransmission timer if it is not already running
// and there is anything outstanding to guard
func (tcp *TcpStack) armRto(conn *TcpConn) {
	if conn.rtoArmed || (len(conn.rexmtQ) == 0 && conn.state != ConnSynSent) {
		return
	}
	tcp.resetRto(conn)
}

// resetRto re-anchors the timer at now + RTO.  Prior timer events stay
// queued; the token makes them no-ops when they fire
func (tcp *TcpStack) resetRto(conn *TcpConn) {
	conn.rtoToken += 1
	conn.rtoArmed = true
	tcp.net.EvtMgr.ScheduleIn(conn, conn.rtoToken, tcp.rtoExpire, conn.rto)
}

// disarmRto invalidates any queued timer events
func (tcp *TcpStack) disarmRto(conn *TcpConn) {
	conn.rtoToken += 1
	conn.rtoArmed = false
}

// rtoExpire fires when an armed retransmission timer lapses.  Stale
// events are discarded by the token check
func (tcp *TcpStack) rtoExpire(evtMgr *EventManager, context any, data any) any {
	conn := context.(*TcpConn)
	token := data.(int64)
	if conn.done || !conn.rtoArmed || token != conn.rtoToken {
		return nil
	}
	conn.rtoArmed = false

	if conn.state == ConnSynSent {
		// SYN lost: back off and retry the handshake
		conn.rto = minTime(conn.rto*2, conn.Cfg.MaxRto)
		tcp.net.Viz.TcpRto(evtMgr.Now(), conn.ID, 0)
		if err := tcp.sendCtrl(conn, &TcpSegment{IsSyn: true}, conn.Src); err != nil {
			return err
		}
		tcp.resetRto(conn)
		return nil
	}

	if len(conn.rexmtQ) == 0 {
		// stray timer with nothing outstanding
		tcp.net.Stats.TransportEdge += 1
		return nil
	}

	mss := int64(conn.Cfg.MSS)
	head := conn.rexmtQ[0]
	tcp.net.Viz.TcpRto(evtMgr.Now(), conn.ID, head.seq)

	conn.ssthresh = maxI64(conn.cwnd/2, 2*mss)
	conn.cwnd = mss
	conn.dupAcks = 0
	conn.inFastRecovery = false
	conn.recover = conn.highSent
	conn.rto = minTime(conn.rto*2, conn.Cfg.MaxRto)
	tcp.logCwnd(conn, CwndRtoTimeout)

	if err := tcp.retransmitHead(conn); err != nil {
		return err
	}
	tcp.resetRto(conn)
	return nil
}

// Sample emits a cwnd observer event outside any state transition, for
// tooling that wants periodic points on the window series
func (tcp *TcpStack) Sample(connID int64) {
	conn, present := tcp.conns[connID]
	if !present {
		return
	}
	tcp.logCwnd(conn, CwndPeriodicSample)
}

// logCwnd records one congestion-window observer event with its reason
func (tcp *TcpStack) logCwnd(conn *TcpConn, reason string) {
	now := tcp.net.EvtMgr.Now()
	sample := CwndSample{
		TNs: now.Nanos(), CwndBytes: conn.cwnd, SsthreshBytes: conn.ssthresh,
		InflightBytes: conn.InFlight(), Reason: reason,
	}
	conn.cwndLog = append(conn.cwndLog, sample)
	tcp.net.Viz.Cwnd(now, conn.ID, conn.cwnd, conn.ssthresh, conn.InFlight(), 0.0, reason)
}

// reverseRoute returns the route traversed in the opposite direction
func reverseRoute(route []int) []int {
	rev := make([]int, len(route))
	for idx, nodeID := range route {
		rev[len(route)-1-idx] = nodeID
	}
	return rev
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
