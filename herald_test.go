package qnet

// herald_test.go exercises the heralding engine state machine directly:
// the readiness handshake, the epoch guard against reconfiguration
// races, and the inert engine that absorbs traffic for dead groups.

import (
	"testing"

	"golang.org/x/exp/slices"
)

// TestAntiBit checks the correlation classification of the Bell states.
func TestAntiBit(t *testing.T) {
	for _, bell := range []BellIndex{PhiPlus, PhiMinus} {
		if antiBit(bell) != 0 {
			t.Errorf("%s classified anti-correlated", bellIndexToStr(bell))
		}
	}
	for _, bell := range []BellIndex{PsiPlus, PsiMinus} {
		if antiBit(bell) != 1 {
			t.Errorf("%s classified correlated", bellIndexToStr(bell))
		}
	}
	if antiBit(BellNone) != 0 {
		t.Errorf("missing herald classified anti-correlated")
	}
}

// stationQuantumPorts returns a station's quantum port numbers in
// ascending order.
func stationQuantumPorts(t *testing.T, qn *qNode) []int {
	t.Helper()
	var nums []int
	for num, port := range qn.ports {
		if port.quantum {
			nums = append(nums, num)
		}
	}
	slices.Sort(nums)
	return nums
}

// TestHeraldEpochGuard reconfigures one BSM group id and checks that
// readiness from the torn-down configuration cannot advance the new
// engine, while current readiness drives it to monitoring.
func TestHeraldEpochGuard(t *testing.T) {
	topo, prm := LoopTopo()
	evtMgr := buildExperiment(topo, prm, nil)
	qn := qNodeByName["hs"]

	qports := stationQuantumPorts(t, qn)
	if len(qports) != 2 {
		t.Fatalf("station has %d quantum ports, want 2", len(qports))
	}
	e0 := BsmGrpEntry{EgressPort: qports[0], BsmInfo: uint64(qports[1])}
	e1 := BsmGrpEntry{EgressPort: qports[1], BsmInfo: uint64(qports[0])}
	dev := qn.device

	dev.createBsmGroup(evtMgr, 3, e0, e1)
	if qn.engines[3].epoch != 1 {
		t.Fatalf("first configuration has epoch %d, want 1", qn.engines[3].epoch)
	}
	dev.destroyBsmGroup(evtMgr, 3)
	if _, present := qn.engines[3]; present {
		t.Fatalf("engine survived group destruction")
	}

	dev.createBsmGroup(evtMgr, 3, e0, e1)
	engine := qn.engines[3]
	if engine.epoch != 2 {
		t.Fatalf("second configuration has epoch %d, want 2", engine.epoch)
	}

	// a photon cannot land before the endpoints are ready
	engine.handlePhoton(evtMgr, qports[0])
	if engine.state != heraldAwaitReady || engine.photons[0] || engine.photons[1] {
		t.Errorf("early photon advanced the engine")
	}

	// readiness left over from the first configuration is dropped
	engine.handleReady(evtMgr, qports[0], 1)
	if engine.ready[0] || engine.ready[1] {
		t.Errorf("stale ready accepted by reconfigured engine")
	}

	engine.handleReady(evtMgr, qports[0], 2)
	if !engine.ready[engine.sideForPort(qports[0])] {
		t.Errorf("current ready not recorded")
	}
	if engine.state != heraldAwaitReady {
		t.Errorf("single ready advanced the engine")
	}

	engine.handleReady(evtMgr, qports[1], 2)
	if engine.state != heraldMonitoring {
		t.Errorf("both readies did not open the monitoring window")
	}
}

// TestInertEngineAbsorbs checks lookups for unknown groups land on the
// inert engine, which swallows physical-plane traffic without effect.
func TestInertEngineAbsorbs(t *testing.T) {
	topo, prm := LoopTopo()
	evtMgr := buildExperiment(topo, prm, nil)
	qn := qNodeByName["hs"]

	engine := qn.engineForGroup(99)
	if engine != inertEngine {
		t.Fatalf("unknown group did not map to the inert engine")
	}
	engine.handleReady(evtMgr, 0, 1)
	engine.handlePhoton(evtMgr, 0)
	if engine.state != heraldInert {
		t.Errorf("inert engine changed state")
	}

	expectPanic(t, "engine lookup on a host", func() {
		qNodeByName["h1"].engineForGroup(1)
	})
}
