package dcnsim

// dctcp.go holds the DCTCP variant of the transport.  It shares the
// connection state block and mechanics of tcp.go and differs in the
// congestion response: data packets are ECN-capable, the receiver
// echoes CE marks on its ACKs, and once per window the sender updates
// the smoothed mark fraction alpha and cuts cwnd in proportion to it.
// Duplicate ACKs trigger retransmission but never a window cut; loss
// recovery beyond that is the RTO path.

import "github.com/apex/log"

// dctcpG is the gain of the alpha EWMA
const dctcpG = 1.0 / 16.0

// DctcpConn extends the TCP connection state with the ECN sample window
type DctcpConn struct {
	TcpConn

	alpha         float64
	windowEnd     int64
	ackedInWindow int64
	ecnInWindow   int64
}

// Alpha returns the smoothed ECN fraction
func (conn *DctcpConn) Alpha() float64 {
	return conn.alpha
}

// DctcpStack holds every DCTCP connection of a run
type DctcpStack struct {
	net    *Network
	conns  map[int64]*DctcpConn
	doneCb map[int64]FlowDoneFunc
}

// createDctcpStack is a constructor
func createDctcpStack(net *Network) *DctcpStack {
	dctcp := new(DctcpStack)
	dctcp.net = net
	dctcp.conns = make(map[int64]*DctcpConn)
	dctcp.doneCb = make(map[int64]FlowDoneFunc)
	return dctcp
}

// Conn returns the connection with the given id, or nil
func (dctcp *DctcpStack) Conn(connID int64) *DctcpConn {
	return dctcp.conns[connID]
}

// Open registers a DCTCP connection and schedules its start
func (dctcp *DctcpStack) Open(connID int64, src, dst int, totalBytes int64,
	cfg TcpConfig, at SimTime, done FlowDoneFunc) error {

	if _, present := dctcp.conns[connID]; present {
		return invariantf("duplicate dctcp connection id %d", connID)
	}
	conn := new(DctcpConn)
	conn.TcpConn = *newTcpConn(dctcp.net, connID, src, dst, totalBytes, cfg)

	// the sample window closes when the cumulative ack reaches the
	// highest sequence sent at the time the window opened
	conn.windowEnd = 0

	dctcp.conns[connID] = conn
	if done != nil {
		dctcp.doneCb[connID] = done
	}
	return dctcp.net.EvtMgr.Schedule(conn, nil, dctcp.connStart, at)
}

// connStart executes at the connection's scheduled start time
func (dctcp *DctcpStack) connStart(evtMgr *EventManager, context any, data any) any {
	conn := context.(*DctcpConn)
	conn.started = true
	conn.startAt = evtMgr.Now()
	dctcp.net.Stats.OpenFlow(conn.ID, conn.Src, conn.Dst, conn.TotalBytes, conn.startAt)
	dctcp.logCwnd(conn, CwndInit)
	if conn.TotalBytes <= 0 {
		return dctcp.complete(conn)
	}
	return dctcp.sendDataIfPossible(conn)
}

// sendDataIfPossible sends new ECN-capable segments while window remains
func (dctcp *DctcpStack) sendDataIfPossible(conn *DctcpConn) error {
	if conn.done {
		return nil
	}
	now := dctcp.net.EvtMgr.Now()
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
		if err := dctcp.sendSegment(conn, seq, segLen, false); err != nil {
			return err
		}
	}
	dctcp.armRto(conn)
	return nil
}

// sendSegment hands one data segment to the network with ECT set
func (dctcp *DctcpStack) sendSegment(conn *DctcpConn, seq int64, segLen int, retrans bool) error {
	seg := &DctcpSegment{TcpSegment: TcpSegment{Seq: seq, Len: segLen, Retrans: retrans}}
	pckt := dctcp.net.MakePacket(conn.ID, segLen, DataPckt, conn.Src, conn.Dst, conn.dataRoute())
	pckt.Segment = seg
	pckt.ECT = true
	dctcp.net.Viz.TcpSendData(dctcp.net.EvtMgr.Now(), conn.ID, seq, segLen, retrans)
	return dctcp.net.Forward(conn.Src, pckt)
}

// sendAck emits the receiver's cumulative ACK, echoing the CE mark of
// the data packet it acknowledges
func (dctcp *DctcpStack) sendAck(conn *DctcpConn, ack int64, ecnEcho bool) error {
	seg := &DctcpSegment{TcpSegment: TcpSegment{IsAck: true, AckNum: ack}, EcnEcho: ecnEcho}
	pckt := dctcp.net.MakePacket(conn.ID, conn.Cfg.AckBytes, AckPckt, conn.Dst, conn.Src, conn.ackRoute())
	pckt.Segment = seg
	dctcp.net.Viz.TcpSendAck(dctcp.net.EvtMgr.Now(), conn.ID, ack, ecnEcho)
	return dctcp.net.Forward(conn.Dst, pckt)
}

// onSegment dispatches a delivered DCTCP packet
func (dctcp *DctcpStack) onSegment(at int, pckt *Packet, seg *DctcpSegment) error {
	conn, present := dctcp.conns[pckt.FlowID]
	if !present {
		dctcp.net.Stats.TransportEdge += 1
		return nil
	}

	if seg.IsAck {
		if at != conn.Src {
			dctcp.net.Stats.TransportEdge += 1
			return nil
		}
		dctcp.net.Viz.TcpRecvAck(dctcp.net.EvtMgr.Now(), conn.ID, seg.AckNum, seg.EcnEcho)
		return dctcp.processAck(conn, seg.AckNum, seg.EcnEcho)
	}

	// data at the receiver
	if at != conn.Dst {
		dctcp.net.Stats.TransportEdge += 1
		return nil
	}
	ack := conn.recvData(seg.Seq, seg.Len)
	return dctcp.sendAck(conn, ack, pckt.CE)
}

// processAck runs the sender's branches: the ECN sample window on new
// ACKs, then the same growth rules as TCP; duplicates retransmit only
func (dctcp *DctcpStack) processAck(conn *DctcpConn, ack int64, ecnEcho bool) error {
	if conn.done {
		dctcp.net.Stats.TransportEdge += 1
		return nil
	}
	mss := int64(conn.Cfg.MSS)

	if ack > conn.highAcked {
		dctcp.sampleRtt(conn, ack)
		prevAcked := conn.highAcked
		conn.highAcked = ack
		conn.trimRexmtQ(ack)
		newlyAcked := ack - prevAcked
		conn.dupAcks = 0

		conn.ackedInWindow += newlyAcked
		if ecnEcho {
			conn.ecnInWindow += newlyAcked
		}

		if conn.highAcked >= conn.windowEnd {
			frac := float64(conn.ecnInWindow) / float64(maxI64(1, conn.ackedInWindow))
			conn.alpha = (1.0-dctcpG)*conn.alpha + dctcpG*frac
			if frac > 0.0 {
				cut := int64(float64(conn.cwnd) * (1.0 - conn.alpha/2.0))
				conn.cwnd = maxI64(mss, cut)
			}
			dctcp.logCwnd(conn, CwndDctcpEcnWindow)
			conn.ackedInWindow = 0
			conn.ecnInWindow = 0
			conn.windowEnd = conn.highSent
		}

		if conn.cwnd < conn.ssthresh {
			conn.cwnd += mss
			dctcp.logCwnd(conn, CwndAckSlowStart)
		} else {
			conn.cwnd += maxI64(1, mss*mss/conn.cwnd)
			dctcp.logCwnd(conn, CwndAckCongAvoid)
		}

		if conn.highAcked >= conn.TotalBytes {
			return dctcp.complete(conn)
		}
		dctcp.resetRto(conn)
		return dctcp.sendDataIfPossible(conn)
	}

	if ack == conn.highAcked {
		conn.dupAcks += 1
		if conn.dupAcks == 3 {
			// retransmit the hole; the window answer comes from ECN,
			// not loss, so cwnd is left alone
			return dctcp.retransmitHead(conn)
		}
		return nil
	}

	dctcp.net.Stats.TransportEdge += 1
	return nil
}

// sampleRtt mirrors the TCP estimator
func (dctcp *DctcpStack) sampleRtt(conn *DctcpConn, ack int64) {
	now := dctcp.net.EvtMgr.Now()
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

// retransmitHead resends the earliest unacknowledged segment
func (dctcp *DctcpStack) retransmitHead(conn *DctcpConn) error {
	if len(conn.rexmtQ) == 0 {
		return nil
	}
	head := conn.rexmtQ[0]
	head.retrans += 1
	head.sentAt = dctcp.net.EvtMgr.Now()
	return dctcp.sendSegment(conn, head.seq, head.segLen, true)
}

// complete marks the connection finished and notifies its observer
func (dctcp *DctcpStack) complete(conn *DctcpConn) error {
	conn.done = true
	conn.doneAt = dctcp.net.EvtMgr.Now()
	dctcp.disarmRto(conn)
	dctcp.net.Stats.CloseFlow(conn.ID, conn.doneAt)

	Logger.WithFields(log.Fields{
		"conn": conn.ID, "bytes": conn.TotalBytes, "alpha": conn.alpha,
		"fct_ns": int64(conn.doneAt - conn.startAt),
	}).Debug("dctcp flow complete")

	cb, present := dctcp.doneCb[conn.ID]
	if present {
		delete(dctcp.doneCb, conn.ID)
		cb(conn.ID, conn.doneAt)
	}
	return nil
}

// armRto starts the timer if not already running
func (dctcp *DctcpStack) armRto(conn *DctcpConn) {
	if conn.rtoArmed || len(conn.rexmtQ) == 0 {
		return
	}
	dctcp.resetRto(conn)
}

// resetRto re-anchors the timer at now + RTO
func (dctcp *DctcpStack) resetRto(conn *DctcpConn) {
	conn.rtoToken += 1
	conn.rtoArmed = true
	dctcp.net.EvtMgr.ScheduleIn(conn, conn.rtoToken, dctcp.rtoExpire, conn.rto)
}

// disarmRto invalidates any queued timer events
func (dctcp *DctcpStack) disarmRto(conn *DctcpConn) {
	conn.rtoToken += 1
	conn.rtoArmed = false
}

// rtoExpire fires when an armed retransmission timer lapses
func (dctcp *DctcpStack) rtoExpire(evtMgr *EventManager, context any, data any) any {
	conn := context.(*DctcpConn)
	token := data.(int64)
	if conn.done || !conn.rtoArmed || token != conn.rtoToken {
		return nil
	}
	conn.rtoArmed = false
	if len(conn.rexmtQ) == 0 {
		dctcp.net.Stats.TransportEdge += 1
		return nil
	}

	mss := int64(conn.Cfg.MSS)
	head := conn.rexmtQ[0]
	dctcp.net.Viz.TcpRto(evtMgr.Now(), conn.ID, head.seq)

	conn.ssthresh = maxI64(conn.cwnd/2, 2*mss)
	conn.cwnd = mss
	conn.dupAcks = 0
	conn.rto = minTime(conn.rto*2, conn.Cfg.MaxRto)
	dctcp.logCwnd(conn, CwndRtoTimeout)

	if err := dctcp.retransmitHead(conn); err != nil {
		return err
	}
	dctcp.resetRto(conn)
	return nil
}

// Sample emits a cwnd observer event outside any state transition
func (dctcp *DctcpStack) Sample(connID int64) {
	conn, present := dctcp.conns[connID]
	if !present {
		return
	}
	dctcp.logCwnd(conn, CwndPeriodicSample)
}

// logCwnd records one congestion-window observer event with alpha
func (dctcp *DctcpStack) logCwnd(conn *DctcpConn, reason string) {
	now := dctcp.net.EvtMgr.Now()
	sample := CwndSample{
		TNs: now.Nanos(), CwndBytes: conn.cwnd, SsthreshBytes: conn.ssthresh,
		InflightBytes: conn.InFlight(), Alpha: conn.alpha, Reason: reason,
	}
	conn.cwndLog = append(conn.cwndLog, sample)
	dctcp.net.Viz.Cwnd(now, conn.ID, conn.cwnd, conn.ssthresh, conn.InFlight(), conn.alpha, reason)
}
