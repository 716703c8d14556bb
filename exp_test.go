package qnet

// exp_test.go holds helpers shared by the protocol tests: assembling an
// experiment from one of the preset networks, running it out, and the
// common postcondition checks.

import (
	"testing"

	"github.com/iti/evt/evtm"
)

// buildExperiment assembles a model without advancing virtual time
func buildExperiment(topo *TopoDesc, prm *ParamDesc, dmd *DemandDesc) *evtm.EventManager {
	evtMgr := evtm.New()
	BuildExperiment(topo, prm, dmd, evtMgr, CreateTraceManager("test", false))
	return evtMgr
}

// runExperiment assembles a model and runs it to the time limit
func runExperiment(topo *TopoDesc, prm *ParamDesc, dmd *DemandDesc, limit float64) *evtm.EventManager {
	evtMgr := buildExperiment(topo, prm, dmd)
	evtMgr.Run(limit)
	return evtMgr
}

// hostOf returns the entangle-and-measure protocol of a named host
func hostOf(t *testing.T, name string) *HostProto {
	t.Helper()
	qn, present := qNodeByName[name]
	if !present {
		t.Fatalf("no node named %s", name)
	}
	if qn.host == nil {
		t.Fatalf("node %s runs no host protocol", name)
	}
	return qn.host
}

// p2pController returns the point-to-point controller of the build
func p2pController(t *testing.T) *Controller {
	t.Helper()
	ctl, ok := qNodeByName["ctl"].ctl.(*Controller)
	if !ok {
		t.Fatalf("controller node does not run the point-to-point variant")
	}
	return ctl
}

// hubCtl returns the hub controller of the build
func hubCtl(t *testing.T) *HubController {
	t.Helper()
	hub, ok := qNodeByName["ctl"].ctl.(*HubController)
	if !ok {
		t.Fatalf("controller node does not run the hub variant")
	}
	return hub
}

// expectPanic fails the test when fn returns without panicking
func expectPanic(t *testing.T, tag string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", tag)
		}
	}()
	fn()
}

// checkQuiescent asserts the controller core retains no request state
func checkQuiescent(t *testing.T, ctl *Controller) {
	t.Helper()
	if len(ctl.pending) != 0 {
		t.Errorf("%d hosts leave unmatched requests pending", len(ctl.pending))
	}
	if len(ctl.reserveQueue) != 0 || len(ctl.releaseQueue) != 0 {
		t.Errorf("queues not drained: %d reservations, %d releases",
			len(ctl.reserveQueue), len(ctl.releaseQueue))
	}
	if len(ctl.installing) != 0 || len(ctl.active) != 0 {
		t.Errorf("circuits not torn down: %d installing, %d active",
			len(ctl.installing), len(ctl.active))
	}
	if len(ctl.reserveMsgs) != 0 || len(ctl.releaseMsgs) != 0 {
		t.Errorf("rule acknowledgments outstanding: %d install sets, %d release sets",
			len(ctl.reserveMsgs), len(ctl.releaseMsgs))
	}
	if len(ctl.handles) != 0 {
		t.Errorf("%d circuits hold unreturned rule handles", len(ctl.handles))
	}
}

// checkCircuitTablesEmpty asserts a node holds no circuit rules or
// groups once every circuit through it has been released
func checkCircuitTablesEmpty(t *testing.T, name string) {
	t.Helper()
	dev := qNodeByName[name].device
	for _, tbl := range []string{tblEgp, tblQnp, tblBsm} {
		if n := len(dev.table(blockQDevice, tbl).entries); n != 0 {
			t.Errorf("node %s table %s holds %d entries after teardown", name, tbl, n)
		}
	}
	if len(dev.bsmGroups) != 0 {
		t.Errorf("node %s holds %d BSM groups after teardown", name, len(dev.bsmGroups))
	}
	if len(dev.swaps) != 0 {
		t.Errorf("node %s holds %d armed swaps after teardown", name, len(dev.swaps))
	}
}

// checkRequestDone asserts both hosts of a completed request hold a
// result with the expected number of outcomes and a zero error rate
func checkRequestDone(t *testing.T, host0, host1 string, requestID uint64, numPairs int) {
	t.Helper()
	res0 := hostOf(t, host0).Results(requestID)
	res1 := hostOf(t, host1).Results(requestID)
	if res0 == nil || res1 == nil {
		t.Fatalf("request %d left no results on (%s,%s)", requestID, host0, host1)
	}
	if len(res0.Outcomes) != numPairs || len(res1.Outcomes) != numPairs {
		t.Fatalf("request %d delivered %d and %d pairs, want %d",
			requestID, len(res0.Outcomes), len(res1.Outcomes), numPairs)
	}
	if res0.StartTime < res0.RequestTime || res0.EndTime < res0.StartTime {
		t.Errorf("request %d times out of order: submitted %f started %f ended %f",
			requestID, res0.RequestTime, res0.StartTime, res0.EndTime)
	}
	if qber := QBER(res0.Outcomes, res1.Outcomes); qber != 0.0 {
		t.Errorf("request %d measured error rate %f, want 0", requestID, qber)
	}
}
