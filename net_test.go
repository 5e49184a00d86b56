package dcnsim

import "testing"

// threeHopNet wires h0 <-> s0 <-> s1 <-> h1 at 10 Gbps, 2 us latency,
// queue capacity 1000 packets on every link
func threeHopNet(t *testing.T) (*Network, *VizManager, []int) {
	t.Helper()
	evtMgr := CreateEventManager()
	viz := CreateVizManager("three-hop", true)
	net := CreateNetwork(evtMgr, viz)

	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	s0 := net.AddSwitch("s0")
	s1 := net.AddSwitch("s1")

	bps := int64(10) * gbpsToBps
	lat := MicrosToTime(2)
	q := func() *DropTailQueue { return CreateDropTailQueue(0, 1000, 0) }
	net.ConnectPair(h0, s0, lat, bps, q(), q())
	net.ConnectPair(s0, s1, lat, bps, q(), q())
	net.ConnectPair(s1, h1, lat, bps, q(), q())
	net.BuildRoutes()
	return net, viz, []int{h0, s0, s1, h1}
}

func TestSinglePacketOverThreeHops(t *testing.T) {
	net, viz, route := threeHopNet(t)
	h0, h1 := route[0], route[3]

	pckt := net.MakePacket(1, 1500, DataPckt, h0, h1, route)
	if err := net.Forward(h0, pckt); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if err := net.EvtMgr.RunUntilIdle(); err != nil {
		t.Fatalf("run: %v", err)
	}

	if net.Stats.DeliveredPckts != 1 {
		t.Fatalf("delivered %d, want 1", net.Stats.DeliveredPckts)
	}
	if net.Stats.DroppedPckts != 0 {
		t.Fatalf("dropped %d, want 0", net.Stats.DroppedPckts)
	}
	if got := viz.CountKind(VizTxStart); got != 3 {
		t.Fatalf("tx_start count %d, want 3", got)
	}
	if got := viz.CountKind(VizNodeForward); got != 2 {
		t.Fatalf("node_forward count %d, want 2", got)
	}
	if got := viz.CountKind(VizDelivered); got != 1 {
		t.Fatalf("delivered count %d, want 1", got)
	}

	// per-hop tx time = ceil(8*1500 / 10Gbps) = 1200 ns, so arrival at
	// h1 is 3 * (1200 + 2000) = 9600 ns
	for _, rec := range viz.Events {
		if rec.Kind == VizDelivered {
			if rec.TNs != 9600 {
				t.Fatalf("delivery at %d ns, want 9600", rec.TNs)
			}
		}
	}
}

func TestTxTimeCeil(t *testing.T) {
	cases := []struct {
		bytes int
		bps   int64
		want  SimTime
	}{
		{1500, 10 * gbpsToBps, 1200},
		{1500, 1 * gbpsToBps, 12000},
		{1, 1 * gbpsToBps, 8},
		{1000, 3, 2666666666667},
	}
	for _, c := range cases {
		if got := txTime(c.bytes, c.bps); got != c.want {
			t.Errorf("txTime(%d, %d) = %d, want %d", c.bytes, c.bps, got, c.want)
		}
	}
}

func TestDropTailUnderBurst(t *testing.T) {
	evtMgr := CreateEventManager()
	viz := CreateVizManager("burst", true)
	net := CreateNetwork(evtMgr, viz)

	opts := DefaultDumbbellOpts()
	opts.BottleneckGbps = 1
	opts.QueuePckts = 4
	hosts := BuildDumbbell(net, opts)
	net.BuildRoutes()

	// 20 back-to-back packets injected at t=0
	for idx := 0; idx < 20; idx += 1 {
		pckt := net.MakePacket(1, 1500, DataPckt, hosts[0], hosts[1], nil)
		if err := net.Forward(hosts[0], pckt); err != nil {
			t.Fatalf("forward %d: %v", idx, err)
		}
	}
	if err := evtMgr.RunUntilIdle(); err != nil {
		t.Fatalf("run: %v", err)
	}

	if net.Stats.DroppedPckts < 15 {
		t.Fatalf("drops %d, want at least 15", net.Stats.DroppedPckts)
	}
	if net.Stats.DeliveredPckts > 5 {
		t.Fatalf("delivered %d, want at most 5", net.Stats.DeliveredPckts)
	}
	if net.Stats.DropsByReason[DropQueueFull] != net.Stats.DroppedPckts {
		t.Fatalf("drop reasons %v inconsistent with %d drops",
			net.Stats.DropsByReason, net.Stats.DroppedPckts)
	}

	// conservation: everything enqueued has either departed or the run
	// would not be idle
	if queued := net.QueuedPckts(); queued != 0 {
		t.Fatalf("queued packets after idle: %d", queued)
	}
}

func TestNoRouteDropContinuesSimulation(t *testing.T) {
	evtMgr := CreateEventManager()
	viz := CreateVizManager("noroute", true)
	net := CreateNetwork(evtMgr, viz)

	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	h2 := net.AddHost("h2")
	// h2 is disconnected; h0 <-> h1 are wired
	net.ConnectPair(h0, h1, MicrosToTime(1), gbpsToBps, nil, nil)
	net.BuildRoutes()

	stranded := net.MakePacket(1, 100, DataPckt, h0, h2, nil)
	if err := net.Forward(h0, stranded); err != nil {
		t.Fatalf("forward: %v", err)
	}
	delivered := net.MakePacket(2, 100, DataPckt, h0, h1, nil)
	if err := net.Forward(h0, delivered); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if err := evtMgr.RunUntilIdle(); err != nil {
		t.Fatalf("run: %v", err)
	}

	if net.Stats.DropsByReason[DropNoRoute] != 1 {
		t.Fatalf("no_route drops %v, want 1", net.Stats.DropsByReason)
	}
	if net.Stats.RoutingDrops != 1 {
		t.Fatalf("routing drops %d, want 1", net.Stats.RoutingDrops)
	}
	if net.Stats.DeliveredPckts != 1 {
		t.Fatalf("delivered %d, want 1", net.Stats.DeliveredPckts)
	}
}

func TestNoLinkDropOnPresetRoute(t *testing.T) {
	evtMgr := CreateEventManager()
	net := CreateNetwork(evtMgr, CreateVizManager("nolink", false))

	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	net.BuildRoutes()

	// the preset route names a link that does not exist
	pckt := net.MakePacket(1, 100, DataPckt, h0, h1, []int{h0, h1})
	if err := net.Forward(h0, pckt); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if err := evtMgr.RunUntilIdle(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if net.Stats.DropsByReason[DropNoLink] != 1 {
		t.Fatalf("no_link drops %v, want 1", net.Stats.DropsByReason)
	}
}

func TestLoopGuardDropsWithTTL(t *testing.T) {
	evtMgr := CreateEventManager()
	net := CreateNetwork(evtMgr, CreateVizManager("ttl", false))

	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	a := net.AddSwitch("a")
	b := net.AddSwitch("b")
	lat := MicrosToTime(1)
	net.ConnectPair(h0, a, lat, gbpsToBps, nil, nil)
	net.ConnectPair(a, b, lat, gbpsToBps, nil, nil)
	net.ConnectPair(b, h1, lat, gbpsToBps, nil, nil)
	net.BuildRoutes()
	net.MaxHops = 4

	// a preset route that ping-pongs beyond the hop bound
	route := []int{h0, a, b, a, b, a, b, a, b, h1}
	pckt := net.MakePacket(1, 100, DataPckt, h0, h1, route)
	if err := net.Forward(h0, pckt); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if err := evtMgr.RunUntilIdle(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if net.Stats.DropsByReason[DropTTL] != 1 {
		t.Fatalf("ttl drops %v, want 1", net.Stats.DropsByReason)
	}
	if net.Stats.DeliveredPckts != 0 {
		t.Fatalf("delivered %d, want 0", net.Stats.DeliveredPckts)
	}
}

func TestBusyUntilSerializesBackToBackPackets(t *testing.T) {
	net, viz, route := threeHopNet(t)
	h0, h1 := route[0], route[3]

	for idx := 0; idx < 3; idx += 1 {
		pckt := net.MakePacket(int64(idx + 1), 1500, DataPckt, h0, h1, route)
		if err := net.Forward(h0, pckt); err != nil {
			t.Fatalf("forward: %v", err)
		}
	}
	if err := net.EvtMgr.RunUntilIdle(); err != nil {
		t.Fatalf("run: %v", err)
	}

	// tx starts on the first link must be spaced by the 1200 ns
	// serialization time
	starts := []int64{}
	for _, rec := range viz.Events {
		if rec.Kind == VizTxStart && rec.LinkFrom != nil && *rec.LinkFrom == h0 {
			starts = append(starts, rec.TNs)
		}
	}
	if len(starts) != 3 {
		t.Fatalf("tx_start on first link: %d, want 3", len(starts))
	}
	for idx := 1; idx < len(starts); idx += 1 {
		if starts[idx]-starts[idx-1] != 1200 {
			t.Fatalf("tx spacing %d ns, want 1200", starts[idx]-starts[idx-1])
		}
	}
}

func TestScatterModeSpreadsPacketsOfOneFlow(t *testing.T) {
	evtMgr := CreateEventManager()
	net := CreateNetwork(evtMgr, CreateVizManager("scatter", false))

	h0 := net.AddHost("h0")
	h1 := net.AddHost("h1")
	a := net.AddSwitch("a")
	b := net.AddSwitch("b")
	lat := MicrosToTime(1)
	net.ConnectPair(h0, a, lat, gbpsToBps, nil, nil)
	net.ConnectPair(h0, b, lat, gbpsToBps, nil, nil)
	net.ConnectPair(a, h1, lat, gbpsToBps, nil, nil)
	net.ConnectPair(b, h1, lat, gbpsToBps, nil, nil)
	net.BuildRoutes()
	net.HashMode = PerPckt

	linkA := net.LinkBetween(h0, a)
	linkB := net.LinkBetween(h0, b)
	for idx := 0; idx < 64; idx += 1 {
		pckt := net.MakePacket(5, 1500, DataPckt, h0, h1, nil)
		if err := net.Forward(h0, pckt); err != nil {
			t.Fatalf("forward: %v", err)
		}
	}
	if err := evtMgr.RunUntilIdle(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if linkA.EnqueuedPckts == 0 || linkB.EnqueuedPckts == 0 {
		t.Fatalf("scatter used one path only: %d/%d", linkA.EnqueuedPckts, linkB.EnqueuedPckts)
	}
	if net.Stats.DeliveredPckts != 64 {
		t.Fatalf("delivered %d, want 64", net.Stats.DeliveredPckts)
	}
}
