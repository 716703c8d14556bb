package qnet

// routes_test.go checks shortest path discovery over the quantum
// subgraph and egress port resolution over every link.

import (
	"testing"

	"golang.org/x/exp/slices"
)

// TestLoopRoute checks the minimal two-host network routes through its
// station.
func TestLoopRoute(t *testing.T) {
	topo, prm := LoopTopo()
	buildExperiment(topo, prm, nil)

	rt, err := routeTbl.route("h1", "h2")
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if !slices.Equal(rt, []string{"h1", "hs", "h2"}) {
		t.Errorf("got route %v, want [h1 hs h2]", rt)
	}
}

// TestQrxRoutes pins the reference network's paths.  The quantum
// subgraph is a tree, so each is unique.
func TestQrxRoutes(t *testing.T) {
	topo, prm := QrxTopo()
	buildExperiment(topo, prm, nil)

	short, err := routeTbl.route("ha0", "hb0")
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if !slices.Equal(short, []string{"ha0", "qhsa", "qrx", "qhsb", "hb0"}) {
		t.Errorf("got route %v", short)
	}

	long, err := routeTbl.route("ha0", "hc1")
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if !slices.Equal(long, []string{"ha0", "qhsa", "qrx", "qhsi", "qrp", "qhsc", "hc1"}) {
		t.Errorf("got route %v", long)
	}

	// the reversed lookup reuses the cached tree and must mirror exactly
	rev, err := routeTbl.route("hc1", "ha0")
	if err != nil {
		t.Fatalf("reverse route failed: %v", err)
	}
	for idx := range long {
		if rev[len(rev)-1-idx] != long[idx] {
			t.Fatalf("reverse route %v does not mirror %v", rev, long)
		}
	}
}

// TestRouteShape checks the structural invariant circuit installation
// depends on: host pair routes have odd length, stations at every odd
// position, and swap-capable nodes at every interior even position.
func TestRouteShape(t *testing.T) {
	topo, prm := QrxTopo()
	buildExperiment(topo, prm, nil)

	hosts := []string{"ha0", "hb0", "hc0", "hc1"}
	for i, src := range hosts {
		for _, dst := range hosts[i+1:] {
			rt, err := routeTbl.route(src, dst)
			if err != nil {
				t.Fatalf("no route from %s to %s: %v", src, dst, err)
			}
			if len(rt) < 3 || len(rt)%2 == 0 {
				t.Errorf("route %v has length %d", rt, len(rt))
				continue
			}
			for idx, name := range rt {
				kind := qNodeByName[name].kind
				if idx%2 == 1 && kind != stationKind {
					t.Errorf("route %v holds %s at station position %d", rt, name, idx)
				}
				if idx == 0 || idx == len(rt)-1 {
					if kind != hostKind {
						t.Errorf("route %v ends at non-host %s", rt, name)
					}
					continue
				}
				if idx%2 == 0 && !swapCapable(kind) {
					t.Errorf("route %v holds %s at swap position %d", rt, name, idx)
				}
			}
		}
	}
}

// TestEgressResolvesEverywhere checks every ordered node pair resolves
// an egress port, directly or through the quantum next hop.
func TestEgressResolvesEverywhere(t *testing.T) {
	topo, prm := QrxTopo()
	buildExperiment(topo, prm, nil)

	for src := range qNodeByName {
		for dst := range qNodeByName {
			if src == dst {
				continue
			}
			if _, err := routeTbl.egress(src, dst); err != nil {
				t.Errorf("no egress from %s toward %s: %v", src, dst, err)
			}
		}
	}
}

// TestNoQuantumRouteToController checks the control star stays out of
// the quantum graph.
func TestNoQuantumRouteToController(t *testing.T) {
	topo, prm := QrxTopo()
	buildExperiment(topo, prm, nil)

	if _, err := routeTbl.route("ha0", "ctl"); err == nil {
		t.Errorf("controller reachable over quantum links")
	}
}
