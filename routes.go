package qnet

// routes.go provides functions to create and access shortest path routes through the quantum network

import (
	"fmt"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"math"
)

// The approach is to convert the quantum-capable subgraph of the
// network into the data structures used by a graph package with
// built-in path discovery algorithms.  Weighting each edge by 1, a
// shortest path minimizes the number of hops.  Circuit routes only ever
// traverse quantum links, so classical-only links (the controller's
// out-of-band star among them) are kept out of the graph and resolved
// by the one-hop neighbor fallback in egress.
//
// The Dijkstra algorithm computes a tree of shortest paths from a named
// node, so for the path from src to dst we either compute such a tree
// rooted in src, or look up an already cached one.  Failing that we
// look for a cached tree rooted in dst, which by symmetry holds the
// reversed path.

type rtEndpts struct {
	srcID, dstID int
}

// A routingTable holds the graph representation of the quantum subgraph
// together with the caches of computed trees and routes, and the
// port→neighbor maps used to resolve egress ports over every link
type routingTable struct {
	gNodes    map[int]simple.Node
	qEdges    map[int][]int
	connGraph *simple.WeightedUndirectedGraph
	built     bool

	// key is the node id of a path source, value the computed tree
	cachedSP map[int]path.Shortest

	// completed routes, cached as name sequences
	rtCache map[rtEndpts][]string

	// port→neighbor name per node, over all links
	nbrPorts map[string]map[int]string
}

// createRoutingTable is an initialization constructor
func createRoutingTable() *routingTable {
	rt := new(routingTable)
	rt.gNodes = make(map[int]simple.Node)
	rt.qEdges = make(map[int][]int)
	rt.cachedSP = make(map[int]path.Shortest)
	rt.rtCache = make(map[rtEndpts][]string)
	rt.nbrPorts = make(map[string]map[int]string)
	return rt
}

// addNode announces a node to the routing table before links are connected
func (rt *routingTable) addNode(name string) {
	qn, present := qNodeByName[name]
	if !present {
		panic(fmt.Errorf("routing table offered unknown node %s", name))
	}
	rt.gNodes[qn.id] = simple.Node(qn.id)
	rt.nbrPorts[name] = make(map[int]string)
}

// connect records one link.  Every link contributes to the
// port→neighbor maps; only quantum-capable links contribute to
// adjacency for path computation.
func (rt *routingTable) connect(link *LinkDesc) {
	rt.nbrPorts[link.Node0][link.Port0] = link.Node1
	rt.nbrPorts[link.Node1][link.Port1] = link.Node0

	if !link.Quantum {
		return
	}
	id0 := qNodeByName[link.Node0].id
	id1 := qNodeByName[link.Node1].id
	rt.qEdges[id0] = append(rt.qEdges[id0], id1)
	rt.qEdges[id1] = append(rt.qEdges[id1], id0)
}

// computeRoutes builds the graph representation once all links are
// connected.  Shortest path trees themselves fill the cache on demand.
func (rt *routingTable) computeRoutes() {
	rt.connGraph = simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for nodeID, edgeList := range rt.qEdges {
		for _, nbrID := range edgeList {
			weightedEdge := simple.WeightedEdge{F: rt.gNodes[nodeID], T: rt.gNodes[nbrID], W: 1.0}
			rt.connGraph.SetWeightedEdge(weightedEdge)
		}
	}
	rt.built = true
}

// getSPTree returns the shortest path tree rooted in the input node,
// from the cache when possible
func (rt *routingTable) getSPTree(from int) path.Shortest {
	spTree, present := rt.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(rt.gNodes[from], rt.connGraph)
	rt.cachedSP[from] = spTree
	return spTree
}

// convertNodeSeq extracts node names from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []string {
	rtn := []string{}
	for _, gnode := range nsQ {
		rtn = append(rtn, qNodeByID[int(gnode.ID())].name)
	}
	return rtn
}

// route returns the shortest quantum path as a sequence of node names
// from src to dst inclusive, or an error when dst is unreachable
func (rt *routingTable) route(src, dst string) ([]string, error) {
	if !rt.built {
		panic(fmt.Errorf("route lookup before routes computed"))
	}
	srcID := qNodeByName[src].id
	dstID := qNodeByName[dst].id

	endpoints := rtEndpts{srcID: srcID, dstID: dstID}
	cached, found := rt.rtCache[endpoints]
	if found {
		return cached, nil
	}

	var route []string

	spTree, present := rt.cachedSP[srcID]
	if present {
		nodeSeq, _ := spTree.To(int64(dstID))
		route = convertNodeSeq(nodeSeq)
	} else {
		// a tree rooted in the destination holds the same path reversed
		spTree, present = rt.cachedSP[dstID]
		if present {
			revNodeSeq, _ := spTree.To(int64(srcID))
			revRoute := convertNodeSeq(revNodeSeq)
			lenR := len(revRoute)
			for idx := 0; idx < lenR; idx++ {
				route = append(route, revRoute[lenR-idx-1])
			}
		} else {
			spTree = rt.getSPTree(srcID)
			nodeSeq, _ := spTree.To(int64(dstID))
			route = convertNodeSeq(nodeSeq)
		}
	}

	if len(route) < 2 || route[0] != src || route[len(route)-1] != dst {
		return nil, fmt.Errorf("no route from %s to %s", src, dst)
	}

	rt.rtCache[endpoints] = route
	return route, nil
}

// egress returns the port index on src through which traffic toward dst
// departs.  A direct neighbor over any link wins; otherwise the next
// hop on the shortest quantum path decides.
func (rt *routingTable) egress(src, dst string) (int, error) {
	for port, nbr := range rt.nbrPorts[src] {
		if nbr == dst {
			return port, nil
		}
	}

	route, err := rt.route(src, dst)
	if err != nil {
		return -1, err
	}
	for port, nbr := range rt.nbrPorts[src] {
		if nbr == route[1] {
			return port, nil
		}
	}
	return -1, fmt.Errorf("no port on %s toward %s", src, route[1])
}

// ports returns the full port→neighbor map of a node
func (rt *routingTable) ports(node string) map[int]string {
	return rt.nbrPorts[node]
}
