package dcnsim

// trace.go holds the viz event stream manager.  It gathers one record
// per observable state transition during a run and serializes the whole
// stream as a JSON (or YAML) array whose first record is a meta
// description of the topology.  By testing the InUse flag the gathering
// can be inhibited while keeping the emission calls in place everywhere
// they are needed.

import (
	"encoding/json"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// viz record kind discriminators
const (
	VizMeta        = "meta"
	VizTxStart     = "tx_start"
	VizEnqueue     = "enqueue"
	VizDrop        = "drop"
	VizNodeRx      = "node_rx"
	VizNodeForward = "node_forward"
	VizDelivered   = "delivered"
	VizTcpSendData = "tcp_send_data"
	VizTcpSendAck  = "tcp_send_ack"
	VizTcpRecvAck  = "tcp_recv_ack"
	VizTcpRto      = "tcp_rto"
	VizDctcpCwnd   = "dctcp_cwnd"
)

// VizNodeInfo describes one node in the meta record
type VizNodeInfo struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind" yaml:"kind"`
}

// VizLinkInfo describes one directional link in the meta record
type VizLinkInfo struct {
	From         int   `json:"from" yaml:"from"`
	To           int   `json:"to" yaml:"to"`
	BandwidthBps int64 `json:"bandwidth_bps" yaml:"bandwidth_bps"`
	LatencyNs    int64 `json:"latency_ns" yaml:"latency_ns"`
	QCapBytes    int64 `json:"q_cap_bytes" yaml:"q_cap_bytes"`
	QCapPckts    int   `json:"q_cap_pkts" yaml:"q_cap_pkts"`
}

// VizMetaInfo is the payload of the leading meta record
type VizMetaInfo struct {
	Nodes []VizNodeInfo `json:"nodes" yaml:"nodes"`
	Links []VizLinkInfo `json:"links" yaml:"links"`
}

// VizRecord is one event in the replayable stream.  Every record carries
// t_ns and kind; the populated field set depends on the kind.  Optional
// fields are pointers so that meaningful zeros survive serialization
type VizRecord struct {
	TNs  int64  `json:"t_ns" yaml:"t_ns"`
	Kind string `json:"kind" yaml:"kind"`

	Meta *VizMetaInfo `json:"meta,omitempty" yaml:"meta,omitempty"`

	// link events
	LinkFrom  *int    `json:"link_from,omitempty" yaml:"link_from,omitempty"`
	LinkTo    *int    `json:"link_to,omitempty" yaml:"link_to,omitempty"`
	PcktID    *int64  `json:"pkt_id,omitempty" yaml:"pkt_id,omitempty"`
	PcktBytes *int    `json:"pkt_bytes,omitempty" yaml:"pkt_bytes,omitempty"`
	FlowID    *int64  `json:"flow_id,omitempty" yaml:"flow_id,omitempty"`
	PcktKind  *string `json:"pkt_kind,omitempty" yaml:"pkt_kind,omitempty"`
	QBytes    *int64  `json:"q_bytes,omitempty" yaml:"q_bytes,omitempty"`
	QCapBytes *int64  `json:"q_cap_bytes,omitempty" yaml:"q_cap_bytes,omitempty"`

	// node events
	Node     *int    `json:"node,omitempty" yaml:"node,omitempty"`
	NodeKind *string `json:"node_kind,omitempty" yaml:"node_kind,omitempty"`
	NodeName *string `json:"node_name,omitempty" yaml:"node_name,omitempty"`

	// tcp events
	ConnID  *int64 `json:"conn_id,omitempty" yaml:"conn_id,omitempty"`
	Seq     *int64 `json:"seq,omitempty" yaml:"seq,omitempty"`
	Len     *int   `json:"len,omitempty" yaml:"len,omitempty"`
	Ack     *int64 `json:"ack,omitempty" yaml:"ack,omitempty"`
	EcnEcho *bool  `json:"ecn_echo,omitempty" yaml:"ecn_echo,omitempty"`
	Retrans *bool  `json:"retrans,omitempty" yaml:"retrans,omitempty"`

	// dctcp_cwnd
	CwndBytes     *int64   `json:"cwnd_bytes,omitempty" yaml:"cwnd_bytes,omitempty"`
	SsthreshBytes *int64   `json:"ssthresh_bytes,omitempty" yaml:"ssthresh_bytes,omitempty"`
	InflightBytes *int64   `json:"inflight_bytes,omitempty" yaml:"inflight_bytes,omitempty"`
	Alpha         *float64 `json:"alpha,omitempty" yaml:"alpha,omitempty"`

	// drop reason or cwnd-change reason
	Reason *string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func iptr(v int) *int          { return &v }
func i64ptr(v int64) *int64    { return &v }
func bptr(v bool) *bool        { return &v }
func f64ptr(v float64) *float64 { return &v }
func sptr(v string) *string    { return &v }

// NameType maps an object id to a (name, type) pair in trace dictionaries
type NameType struct {
	Name string
	Type string
}

// VizManager collects the event stream for one run
type VizManager struct {
	// experiment gathers viz events
	InUse bool

	// name of experiment
	ExpName string

	// text name associated with each object id
	NameByID map[int]NameType

	// the replayable event stream, meta record first
	Events []VizRecord
}

// CreateVizManager is a constructor.  It saves the experiment name and a
// flag indicating whether gathering is active
func CreateVizManager(expName string, active bool) *VizManager {
	vm := new(VizManager)
	vm.InUse = active
	vm.ExpName = expName
	vm.NameByID = make(map[int]NameType)
	vm.Events = make([]VizRecord, 0)
	return vm
}

// Active tells the caller whether the manager is gathering events
func (vm *VizManager) Active() bool {
	return vm.InUse
}

// AddName adds an element to the id -> (name, type) dictionary
func (vm *VizManager) AddName(id int, name string, objDesc string) {
	if vm.InUse {
		vm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// push appends a record to the stream when gathering is active
func (vm *VizManager) push(rec VizRecord) {
	if vm.InUse {
		vm.Events = append(vm.Events, rec)
	}
}

// EmitMeta places the topology description at the head of the stream
func (vm *VizManager) EmitMeta(net *Network) {
	if !vm.InUse {
		return
	}
	meta := VizMetaInfo{Nodes: make([]VizNodeInfo, 0, len(net.Nodes)),
		Links: make([]VizLinkInfo, 0, len(net.Links))}
	for _, node := range net.Nodes {
		meta.Nodes = append(meta.Nodes, VizNodeInfo{
			ID: node.ID, Name: node.Name, Kind: DevCodeToStr(node.Kind)})
	}
	for _, link := range net.Links {
		meta.Links = append(meta.Links, VizLinkInfo{
			From: link.From, To: link.To, BandwidthBps: link.BndwdthBps,
			LatencyNs: link.Latency.Nanos(), QCapBytes: link.Queue.CapBytes,
			QCapPckts: link.Queue.CapPckts})
	}
	vm.Events = append([]VizRecord{{TNs: 0, Kind: VizMeta, Meta: &meta}}, vm.Events...)
}

// linkRecord fills the fields common to all link events
func linkRecord(kind string, t SimTime, link *Link, pckt *Packet) VizRecord {
	return VizRecord{
		TNs: t.Nanos(), Kind: kind,
		LinkFrom: iptr(link.From), LinkTo: iptr(link.To),
		PcktID: i64ptr(pckt.PcktID), PcktBytes: iptr(pckt.PcktLen),
		FlowID: i64ptr(pckt.FlowID), PcktKind: sptr(PcktKindToStr(pckt.Kind)),
	}
}

// TxStart records the start of serialization onto a link
func (vm *VizManager) TxStart(t SimTime, link *Link, pckt *Packet) {
	vm.push(linkRecord(VizTxStart, t, link, pckt))
}

// Enqueue records an accepted arrival on a link queue
func (vm *VizManager) Enqueue(t SimTime, link *Link, pckt *Packet) {
	rec := linkRecord(VizEnqueue, t, link, pckt)
	rec.QBytes = i64ptr(link.Queue.Bytes())
	rec.QCapBytes = i64ptr(link.Queue.CapBytes)
	vm.push(rec)
}

// Drop records a packet dropped at a full link queue.  Routing-failure
// drops have no link and are recorded by the network directly
func (vm *VizManager) Drop(t SimTime, link *Link, pckt *Packet, reason string) {
	rec := linkRecord(VizDrop, t, link, pckt)
	rec.QBytes = i64ptr(link.Queue.Bytes())
	rec.QCapBytes = i64ptr(link.Queue.CapBytes)
	rec.Reason = sptr(reason)
	vm.push(rec)
}

// nodeRecord fills the fields common to all node events
func nodeRecord(kind string, t SimTime, node *Node, pckt *Packet) VizRecord {
	return VizRecord{
		TNs: t.Nanos(), Kind: kind,
		Node: iptr(node.ID), NodeKind: sptr(DevCodeToStr(node.Kind)),
		NodeName: sptr(node.Name), PcktID: i64ptr(pckt.PcktID),
	}
}

// NodeRx records a packet arriving at a transit node
func (vm *VizManager) NodeRx(t SimTime, node *Node, pckt *Packet) {
	vm.push(nodeRecord(VizNodeRx, t, node, pckt))
}

// NodeForward records a transit node's decision to forward
func (vm *VizManager) NodeForward(t SimTime, node *Node, pckt *Packet) {
	vm.push(nodeRecord(VizNodeForward, t, node, pckt))
}

// Delivered records final-hop delivery at the destination host
func (vm *VizManager) Delivered(t SimTime, node *Node, pckt *Packet) {
	vm.push(nodeRecord(VizDelivered, t, node, pckt))
}

// tcpRecord fills the fields common to all tcp events
func tcpRecord(kind string, t SimTime, connID int64) VizRecord {
	return VizRecord{TNs: t.Nanos(), Kind: kind, ConnID: i64ptr(connID)}
}

// TcpSendData records a data segment handed to the network
func (vm *VizManager) TcpSendData(t SimTime, connID, seq int64, segLen int, retrans bool) {
	rec := tcpRecord(VizTcpSendData, t, connID)
	rec.Seq = i64ptr(seq)
	rec.Len = iptr(segLen)
	rec.Retrans = bptr(retrans)
	vm.push(rec)
}

// TcpSendAck records a cumulative ACK leaving the receiver
func (vm *VizManager) TcpSendAck(t SimTime, connID, ack int64, ecnEcho bool) {
	rec := tcpRecord(VizTcpSendAck, t, connID)
	rec.Ack = i64ptr(ack)
	rec.EcnEcho = bptr(ecnEcho)
	vm.push(rec)
}

// TcpRecvAck records an ACK arriving back at the sender
func (vm *VizManager) TcpRecvAck(t SimTime, connID, ack int64, ecnEcho bool) {
	rec := tcpRecord(VizTcpRecvAck, t, connID)
	rec.Ack = i64ptr(ack)
	rec.EcnEcho = bptr(ecnEcho)
	vm.push(rec)
}

// TcpRto records a retransmission timer firing
func (vm *VizManager) TcpRto(t SimTime, connID, seq int64) {
	rec := tcpRecord(VizTcpRto, t, connID)
	rec.Seq = i64ptr(seq)
	vm.push(rec)
}

// Cwnd records a congestion-window state change with its reason tag.
// Both transports emit through this record kind so a replay can plot the
// true window rather than inferring it
func (vm *VizManager) Cwnd(t SimTime, connID, cwnd, ssthresh, inflight int64, alpha float64, reason string) {
	rec := tcpRecord(VizDctcpCwnd, t, connID)
	rec.CwndBytes = i64ptr(cwnd)
	rec.SsthreshBytes = i64ptr(ssthresh)
	rec.InflightBytes = i64ptr(inflight)
	rec.Alpha = f64ptr(alpha)
	rec.Reason = sptr(reason)
	vm.push(rec)
}

// CountKind returns the number of gathered records with the given kind
func (vm *VizManager) CountKind(kind string) int {
	count := 0
	for _, rec := range vm.Events {
		if rec.Kind == kind {
			count += 1
		}
	}
	return count
}

// WriteToFile stores the event stream to the named file.  Serialization
// to json or to yaml is selected based on the extension of the name
func (vm *VizManager) WriteToFile(filename string) error {
	if !vm.InUse {
		return nil
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(vm.Events)
	} else {
		bytes, merr = json.MarshalIndent(vm.Events, "", "\t")
	}
	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	if _, werr := f.Write(bytes); werr != nil {
		f.Close()
		return werr
	}
	return f.Close()
}
