package qnet

// desc_test.go exercises the description layer: topology assembly and
// validation, parameter defaults, and demand generation.

import (
	"testing"
)

// TestTopoFrameAssembly builds a small topology through the frame and
// checks the transformed description.
func TestTopoFrameAssembly(t *testing.T) {
	tdf := CreateTopoDescFrame("pair")
	tdf.AddController("ctl")
	tdf.AddHeraldStation("hs", 2)
	tdf.AddHost("h1")
	tdf.AddHost("h2")
	tdf.Connect("hs", "h1", 0.0, true)
	tdf.Connect("hs", "h2", 12.5, true)
	tdf.Connect("h1", "h2", 10.0, false)
	tdf.Connect("ctl", "hs", 0.0, false)
	tdf.Connect("ctl", "h1", 0.0, false)
	tdf.Connect("ctl", "h2", 0.0, false)

	topo, err := tdf.Transform()
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if len(topo.Nodes) != 4 {
		t.Errorf("got %d nodes, want 4", len(topo.Nodes))
	}
	if len(topo.Links) != 6 {
		t.Errorf("got %d links, want 6", len(topo.Links))
	}

	for _, nd := range topo.Nodes {
		if nd.Name == "hs" && nd.NumBsmUnits != 2 {
			t.Errorf("station carries %d BSM units, want 2", nd.NumBsmUnits)
		}
		if nd.Name == "h1" && nd.NumQubits != 1 {
			t.Errorf("host carries %d qubit slots, want 1", nd.NumQubits)
		}
	}

	// port indexes are unique per node
	used := make(map[string]map[int]bool)
	for _, link := range topo.Links {
		for _, end := range []struct {
			node string
			port int
		}{{link.Node0, link.Port0}, {link.Node1, link.Port1}} {
			if used[end.node] == nil {
				used[end.node] = make(map[int]bool)
			}
			if used[end.node][end.port] {
				t.Errorf("node %s reuses port %d", end.node, end.port)
			}
			used[end.node][end.port] = true
		}
	}
}

// TestTopoFrameRejectsDuplicateName covers the builder's name collision
// panic.
func TestTopoFrameRejectsDuplicateName(t *testing.T) {
	tdf := CreateTopoDescFrame("dup")
	tdf.AddHost("h1")
	expectPanic(t, "duplicate node name", func() { tdf.AddHost("h1") })
}

// TestTransformFlagsLowQuantumDegree checks that a heralding station
// with a single quantum link is rejected: stations pair two directions.
func TestTransformFlagsLowQuantumDegree(t *testing.T) {
	tdf := CreateTopoDescFrame("bad")
	tdf.AddHeraldStation("hs", 1)
	tdf.AddHost("h1")
	tdf.Connect("hs", "h1", 0.0, true)

	if _, err := tdf.Transform(); err == nil {
		t.Errorf("station with one quantum link passed validation")
	}
}

// TestParamDefaults pins the reference parameter values the presets
// build on.
func TestParamDefaults(t *testing.T) {
	prm := CreateParamDesc("defaults")
	if prm.Controller != "p2p" {
		t.Errorf("default controller %s, want p2p", prm.Controller)
	}
	if prm.FibreSpeedKMS <= 0.0 {
		t.Errorf("fibre speed %f not positive", prm.FibreSpeedKMS)
	}
	if prm.ClassicalLengthKM != 5.0 {
		t.Errorf("default link length %f, want 5", prm.ClassicalLengthKM)
	}
	if prm.GuardSeconds <= 0.0 || prm.RttRetrySeconds <= 0.0 {
		t.Errorf("timer defaults not positive: guard %f, retry %f",
			prm.GuardSeconds, prm.RttRetrySeconds)
	}
	bp := prm.BsmProperties
	if bp.DetEff <= 0.0 || bp.DetEff > 1.0 {
		t.Errorf("detector efficiency %f outside (0,1]", bp.DetEff)
	}
	if bp.Visibility <= 0.0 || bp.Visibility > 1.0 {
		t.Errorf("visibility %f outside (0,1]", bp.Visibility)
	}
	if bp.PDark < 0.0 || bp.PDark >= 1.0 {
		t.Errorf("dark count probability %f outside [0,1)", bp.PDark)
	}
	if prm.Alpha <= 0.0 || prm.Alpha > 1.0 {
		t.Errorf("emission probability %f outside (0,1]", prm.Alpha)
	}
}

// TestGenerateDemandConstant checks constant spacing at a rate whose
// period is exactly representable.
func TestGenerateDemandConstant(t *testing.T) {
	dmd := GenerateDemand("dmd", "h1", "h2", 7, 4.0, "constant", 1.0)
	if len(dmd.Requests) != 3 {
		t.Fatalf("got %d requests, want 3", len(dmd.Requests))
	}
	want := []float64{0.25, 0.5, 0.75}
	for idx, rq := range dmd.Requests {
		if rq.Time != want[idx] {
			t.Errorf("request %d at %f, want %f", idx, rq.Time, want[idx])
		}
		if rq.NumPairs != 7 {
			t.Errorf("request %d asks %d pairs, want 7", idx, rq.NumPairs)
		}
		if rq.Host0 != "h1" || rq.Host1 != "h2" {
			t.Errorf("request %d pairs (%s,%s), want (h1,h2)", idx, rq.Host0, rq.Host1)
		}
	}
}

// TestGenerateDemandExponential checks the sampled arrivals are strictly
// increasing, inside the horizon, and carry the default pair count.
func TestGenerateDemandExponential(t *testing.T) {
	dmd := GenerateDemand("expdmd", "h1", "h2", 0, 200.0, "exponential", 1.0)
	if len(dmd.Requests) == 0 {
		t.Fatalf("no requests generated")
	}
	last := 0.0
	for idx, rq := range dmd.Requests {
		if rq.Time <= last {
			t.Errorf("request %d at %f not after %f", idx, rq.Time, last)
		}
		if rq.Time >= 1.0 {
			t.Errorf("request %d at %f beyond horizon", idx, rq.Time)
		}
		last = rq.Time
		if rq.NumPairs != DefaultNumPairs {
			t.Errorf("request %d asks %d pairs, want default %d", idx, rq.NumPairs, DefaultNumPairs)
		}
	}
}

// TestGenerateDemandRejectsRate covers the nonpositive rate panic.
func TestGenerateDemandRejectsRate(t *testing.T) {
	expectPanic(t, "zero rate", func() { GenerateDemand("bad", "h1", "h2", 1, 0.0, "constant", 1.0) })
}

// TestDemandValidation checks that scheduling rejects requests naming
// unknown or non-host nodes, self pairs, and empty or past requests.
func TestDemandValidation(t *testing.T) {
	topo, prm := LoopTopo()
	evtMgr := buildExperiment(topo, prm, nil)

	unknown := CreateDemandDesc("unknown")
	unknown.AddRequest(0.0, "h1", "nope", 1)
	expectPanic(t, "unknown host", func() { scheduleDemand(evtMgr, unknown) })

	station := CreateDemandDesc("station")
	station.AddRequest(0.0, "h1", "hs", 1)
	expectPanic(t, "non-host peer", func() { scheduleDemand(evtMgr, station) })

	selfPair := CreateDemandDesc("self")
	selfPair.AddRequest(0.0, "h1", "h1", 1)
	expectPanic(t, "self pair", func() { scheduleDemand(evtMgr, selfPair) })

	empty := CreateDemandDesc("empty")
	empty.AddRequest(0.0, "h1", "h2", 0)
	expectPanic(t, "zero pairs", func() { scheduleDemand(evtMgr, empty) })

	past := CreateDemandDesc("past")
	past.AddRequest(-1.0, "h1", "h2", 1)
	expectPanic(t, "negative time", func() { scheduleDemand(evtMgr, past) })
}
