package dcnsim

// bgtraffic.go holds a background cross-traffic generator.  It injects
// opaque bulk packets between a host pair with exponential spacing
// drawn from its own rngstream, so congestion experiments can load a
// bottleneck without standing up a transport.  Generators created in a
// fixed order draw identical streams from run to run.

import (
	"math"

	"github.com/iti/rngstream"
)

// BckgrndTraffic injects bulk packets from Src to Dst at RatePps
type BckgrndTraffic struct {
	net *Network

	FlowID  int64
	Src     int
	Dst     int
	PcktLen int
	RatePps float64

	rngstrm *rngstream.RngStream
	route   []int
	active  bool

	InjectedPckts int64
}

// CreateBckgrndTraffic is a constructor.  name seeds the generator's
// RNG stream; the route is pinned per flow the way ECMP would pin it
func CreateBckgrndTraffic(net *Network, name string, flowID int64, src, dst int,
	pcktLen int, ratePps float64) *BckgrndTraffic {

	bt := new(BckgrndTraffic)
	bt.net = net
	bt.FlowID = flowID
	bt.Src = src
	bt.Dst = dst
	bt.PcktLen = pcktLen
	bt.RatePps = ratePps
	bt.rngstrm = rngstream.New(name)
	bt.route = net.EcmpRoute(src, dst, flowID)
	return bt
}

// Start schedules the first injection at the given time
func (bt *BckgrndTraffic) Start(at SimTime) error {
	bt.active = true
	return bt.net.EvtMgr.Schedule(bt, nil, bt.inject, at)
}

// Stop halts further injections; packets already in flight still land
func (bt *BckgrndTraffic) Stop() {
	bt.active = false
}

// nxtGap draws an exponential inter-arrival gap at the configured rate
func (bt *BckgrndTraffic) nxtGap() SimTime {
	u01 := bt.rngstrm.RandU01()
	if u01 <= 0.0 {
		u01 = math.SmallestNonzeroFloat64
	}
	gap := -math.Log(u01) / bt.RatePps
	return SecondsToTime(gap)
}

// inject forwards one bulk packet and schedules the next arrival
func (bt *BckgrndTraffic) inject(evtMgr *EventManager, context any, data any) any {
	if !bt.active {
		return nil
	}
	pckt := bt.net.MakePacket(bt.FlowID, bt.PcktLen, OtherPckt, bt.Src, bt.Dst, bt.route)
	bt.InjectedPckts += 1
	if err := bt.net.Forward(bt.Src, pckt); err != nil {
		return err
	}
	return evtMgr.ScheduleIn(bt, nil, bt.inject, bt.nxtGap())
}
