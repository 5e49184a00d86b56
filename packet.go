package dcnsim

// packet.go holds the packet representation carried through the network,
// and the transport segment variants a packet may be tagged with.  The
// network layer never inspects segment contents; dispatch at the final
// hop switches on the segment type.

// PcktKind tags the payload class of a packet, used for trace coloring
// and queue priority
type PcktKind int

const (
	DataPckt PcktKind = iota
	AckPckt
	OtherPckt
)

// PcktKindToStr returns the trace string for a packet kind
func PcktKindToStr(kind PcktKind) string {
	switch kind {
	case DataPckt:
		return "data"
	case AckPckt:
		return "ack"
	default:
		return "other"
	}
}

// TcpSegment carries the transport fields of a TCP packet
type TcpSegment struct {
	Seq     int64
	Len     int
	IsAck   bool
	AckNum  int64
	IsSyn   bool
	IsFin   bool
	Retrans bool
}

// DctcpSegment is a TCP segment extended with the ECN-echo flag the
// receiver reflects back to the sender
type DctcpSegment struct {
	TcpSegment
	EcnEcho bool
}

// Packet is the unit the network forwards.  Identifiers are dense and
// assigned monotonically by the network, so they are globally unique
// within a run
type Packet struct {
	PcktID  int64
	FlowID  int64
	Src     int
	Dst     int
	PcktLen int // bytes
	Kind    PcktKind

	// Route, when non-nil, is a preset node sequence followed verbatim;
	// hop indexes the node the packet currently occupies in it
	Route []int
	hop   int

	HopsTaken int

	// ECN bits: ECT marks the flow as ECN-capable, CE is set by a queue
	// whose occupancy has crossed its marking threshold
	ECT bool
	CE  bool

	// Segment is nil for opaque bulk traffic, *TcpSegment for TCP, and
	// *DctcpSegment for DCTCP
	Segment any
}

// presetNext returns the next hop of the preset route, if one remains
func (pckt *Packet) presetNext() (int, bool) {
	if pckt.Route == nil || pckt.hop+1 >= len(pckt.Route) {
		return -1, false
	}
	return pckt.Route[pckt.hop+1], true
}

// advance moves the packet one position along its preset route
func (pckt *Packet) advance() {
	if pckt.Route != nil && pckt.hop+1 < len(pckt.Route) {
		pckt.hop += 1
	}
}
