package dcnsim

// queue.go holds the drop-tail queue attached to every link, with
// optional byte and packet capacities and an optional ECN marking
// threshold.  A priority variant serves pure-ACK packets ahead of bulk
// data, which avoids ACK starvation when bidirectional flows share an
// egress queue.  Entries are accounting records; the serialization of
// the packets themselves is modeled by the link's busy time.

// EnqueueResult reports the outcome of offering a packet to a queue
type EnqueueResult struct {
	Accepted  bool
	EcnMarked bool
}

// queuedPckt is the accounting record for one enqueued packet
type queuedPckt struct {
	bytes int
	ack   bool
}

// DropTailQueue drops arrivals that would push occupancy above either
// capacity.  A capacity of zero means unbounded.  EcnK, when positive,
// is the occupancy (in packets) at or above which ECN-capable arrivals
// are marked CE
type DropTailQueue struct {
	CapBytes int64
	CapPckts int
	EcnK     int

	// Priority selects the two-band variant: ACKs are served first
	Priority bool

	curBytes  int64
	curPckts  int
	peakBytes int64
	peakPckts int

	fifo []queuedPckt
	hi   []queuedPckt
}

// CreateDropTailQueue is a constructor.  capBytes and capPckts of zero
// mean unbounded; ecnK of zero disables marking
func CreateDropTailQueue(capBytes int64, capPckts int, ecnK int) *DropTailQueue {
	dtq := new(DropTailQueue)
	dtq.CapBytes = capBytes
	dtq.CapPckts = capPckts
	dtq.EcnK = ecnK
	dtq.fifo = make([]queuedPckt, 0)
	return dtq
}

// Enqueue offers a packet of pcktLen bytes to the queue.  The marking
// decision uses the occupancy seen on arrival, so a threshold equal to
// the packet capacity behaves as plain drop-tail
func (dtq *DropTailQueue) Enqueue(pcktLen int, ack bool) EnqueueResult {
	if dtq.CapBytes > 0 && dtq.curBytes+int64(pcktLen) > dtq.CapBytes {
		return EnqueueResult{}
	}
	if dtq.CapPckts > 0 && dtq.curPckts+1 > dtq.CapPckts {
		return EnqueueResult{}
	}

	marked := dtq.EcnK > 0 && dtq.curPckts >= dtq.EcnK

	dtq.curBytes += int64(pcktLen)
	dtq.curPckts += 1
	if dtq.curBytes > dtq.peakBytes {
		dtq.peakBytes = dtq.curBytes
	}
	if dtq.curPckts > dtq.peakPckts {
		dtq.peakPckts = dtq.curPckts
	}

	qp := queuedPckt{bytes: pcktLen, ack: ack}
	if dtq.Priority && ack {
		dtq.hi = append(dtq.hi, qp)
	} else {
		dtq.fifo = append(dtq.fifo, qp)
	}
	return EnqueueResult{Accepted: true, EcnMarked: marked}
}

// Dequeue removes the head entry and returns its byte count.  Calling on
// an empty queue is an invariant violation reported to the caller
func (dtq *DropTailQueue) Dequeue() (int, error) {
	var qp queuedPckt
	if len(dtq.hi) > 0 {
		qp, dtq.hi = dtq.hi[0], dtq.hi[1:]
	} else if len(dtq.fifo) > 0 {
		qp, dtq.fifo = dtq.fifo[0], dtq.fifo[1:]
	} else {
		return 0, invariantf("dequeue from empty queue")
	}

	dtq.curBytes -= int64(qp.bytes)
	dtq.curPckts -= 1
	if dtq.curBytes < 0 || dtq.curPckts < 0 {
		return 0, invariantf("negative queue occupancy: %d bytes, %d pckts", dtq.curBytes, dtq.curPckts)
	}
	return qp.bytes, nil
}

// Bytes returns the current byte occupancy
func (dtq *DropTailQueue) Bytes() int64 {
	return dtq.curBytes
}

// Pckts returns the current packet occupancy
func (dtq *DropTailQueue) Pckts() int {
	return dtq.curPckts
}

// PeakBytes returns the highest byte occupancy seen so far
func (dtq *DropTailQueue) PeakBytes() int64 {
	return dtq.peakBytes
}

// PeakPckts returns the highest packet occupancy seen so far
func (dtq *DropTailQueue) PeakPckts() int {
	return dtq.peakPckts
}
