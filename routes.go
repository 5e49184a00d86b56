package dcnsim

// routes.go provides functions to create and access shortest-hop routes
// through the network.
//
// Two facilities live here.  The RoutingTable stores, for every
// (node, destination-host) pair, the full set of equal-shortest-hop next
// hops, built by BFS from every destination over the reversed topology;
// forwarding consults it hop by hop and breaks ties with a deterministic
// ECMP hash.  Separately, findRoute computes a complete node sequence
// between two hosts by converting the topology into a gonum graph and
// caching Dijkstra shortest-path trees, which is how preset routes for
// traffic injection are produced.

import (
	"math"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// intPair keys maps indexed by an ordered pair of node ids
type intPair struct {
	i, j int
}

// RoutingTable maps (current node, destination host) to the ordered set
// of next hops on equal-shortest-hop paths
type RoutingTable struct {
	nxtHops map[intPair][]int
	salt    uint64
}

// buildRoutingTable runs a BFS rooted at every host over the reversed
// adjacency structure.  A neighbor one hop closer to the destination is
// an ECMP candidate; candidates keep adjacency order so rebuilds of the
// same topology yield identical tables
func buildRoutingTable(adj map[int][]int, hosts []int, salt uint64) *RoutingTable {
	rt := new(RoutingTable)
	rt.nxtHops = make(map[intPair][]int)
	rt.salt = salt

	n := 0
	for nodeID := range adj {
		if nodeID+1 > n {
			n = nodeID + 1
		}
	}

	// reverse adjacency: revAdj[v] holds every u with an edge u -> v
	revAdj := make(map[int][]int)
	for u, nbrs := range adj {
		for _, v := range nbrs {
			revAdj[v] = append(revAdj[v], u)
		}
	}

	dist := make([]int, n)
	for _, dst := range hosts {
		for idx := range dist {
			dist[idx] = math.MaxInt
		}
		dist[dst] = 0
		frontier := []int{dst}
		for len(frontier) > 0 {
			v := frontier[0]
			frontier = frontier[1:]
			for _, pred := range revAdj[v] {
				if dist[pred] == math.MaxInt {
					dist[pred] = dist[v] + 1
					frontier = append(frontier, pred)
				}
			}
		}

		for from := 0; from < n; from += 1 {
			if from == dst || dist[from] == math.MaxInt {
				continue
			}
			cands := []int{}
			for _, nxt := range adj[from] {
				if dist[nxt] == dist[from]-1 {
					cands = append(cands, nxt)
				}
			}
			if len(cands) > 0 {
				rt.nxtHops[intPair{i: from, j: dst}] = cands
			}
		}
	}
	return rt
}

// NextHops returns the ECMP candidate set for (from, dst), or nil when
// the destination is unreachable from that node
func (rt *RoutingTable) NextHops(from, dst int) []int {
	return rt.nxtHops[intPair{i: from, j: dst}]
}

// pickECMP selects one candidate with a deterministic hash of the key.
// Per-flow forwarding keys on the flow id alone; scatter mode folds the
// packet id in as well
func (rt *RoutingTable) pickECMP(from, dst int, key uint64, cands []int) int {
	h := mix64(key ^ uint64(from)*0x9E3779B97F4A7C15 ^ uint64(dst) ^ rt.salt)
	return cands[int(h%uint64(len(cands)))]
}

// mix64 is splitmix64, a stable 64-bit mixer chosen so ECMP selection is
// identical from run to run
func mix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// spForest caches the gonum representation of the topology and the
// Dijkstra shortest-path trees computed over it, one tree per source
type spForest struct {
	connGraph graph.Graph
	gNodes    map[int]simple.Node
	cachedSP  map[int]path.Shortest
}

// buildSPForest converts the adjacency structure into a weighted
// directed graph with every edge at weight 1, so a shortest path
// minimizes hop count
func buildSPForest(adj map[int][]int) *spForest {
	spf := new(spForest)
	spf.gNodes = make(map[int]simple.Node)
	spf.cachedSP = make(map[int]path.Shortest)

	connGraph := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	for nodeID := range adj {
		spf.gNodes[nodeID] = simple.Node(nodeID)
	}
	for nodeID, nbrs := range adj {
		for _, nbrID := range nbrs {
			connGraph.SetWeightedEdge(simple.WeightedEdge{
				F: spf.gNodes[nodeID], T: spf.gNodes[nbrID], W: 1.0})
		}
	}
	spf.connGraph = connGraph
	return spf
}

// findRoute returns one shortest node sequence from src to dst,
// inclusive of both endpoints, or nil when no path exists.  Trees are
// computed on demand and cached per source
func (spf *spForest) findRoute(src, dst int) []int {
	spTree, present := spf.cachedSP[src]
	if !present {
		spTree = path.DijkstraFrom(spf.gNodes[src], spf.connGraph)
		spf.cachedSP[src] = spTree
	}

	nodeSeq, _ := spTree.To(int64(dst))
	if len(nodeSeq) == 0 {
		return nil
	}
	route := make([]int, 0, len(nodeSeq))
	for _, node := range nodeSeq {
		route = append(route, int(node.ID()))
	}
	return route
}

// ecmpRoute walks the routing table from src to dst, applying the
// per-flow ECMP pick at each step, and returns the complete node
// sequence.  Used when a connection wants a preset route that still
// respects the flow's ECMP placement
func (rt *RoutingTable) ecmpRoute(src, dst int, flowID int64) []int {
	route := []int{src}
	here := src
	for here != dst {
		cands := rt.NextHops(here, dst)
		if len(cands) == 0 {
			return nil
		}
		nxt := rt.pickECMP(here, dst, uint64(flowID), cands)
		route = append(route, nxt)
		here = nxt
		if len(route) > len(rt.nxtHops)+2 {
			return nil
		}
	}
	return route
}
