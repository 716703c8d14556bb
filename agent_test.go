package qnet

// agent_test.go exercises rule application at a node agent: rules land
// in the local device with handles echoed back on the acknowledgment,
// and misdelivered or malformed rules are rejected.

import (
	"testing"
)

// TestAgentAppliesTableRules drives an insert and a remove through the
// agent and checks the device state after each.
func TestAgentAppliesTableRules(t *testing.T) {
	topo, prm := LoopTopo()
	evtMgr := buildExperiment(topo, prm, nil)
	qn := qNodeByName["h1"]

	ins := &TableInsertMsg{
		RuleHdr:    RuleHdr{CircuitID: 5, Node: "h1", RuleID: 1, Action: InsertTableEntry},
		Block:      blockQDevice,
		Table:      tblQnp,
		Key:        []uint64{5},
		ActionName: actQnpToCpu,
	}
	qn.agent.applyRule(evtMgr, ins)
	if ins.Handle == 0 {
		t.Fatalf("insertion acknowledged without a handle")
	}
	entry := qn.device.match(blockQDevice, tblQnp, []uint64{5})
	if entry == nil || entry.actionName != actQnpToCpu {
		t.Fatalf("applied rule not present in the device")
	}

	rm := &TableRemoveMsg{
		RuleHdr: RuleHdr{CircuitID: 5, Node: "h1", RuleID: 2, Action: RemoveTableEntry},
		Block:   blockQDevice,
		Table:   tblQnp,
		Handle:  ins.Handle,
	}
	qn.agent.applyRule(evtMgr, rm)
	if qn.device.match(blockQDevice, tblQnp, []uint64{5}) != nil {
		t.Errorf("removed rule still present in the device")
	}

	expectPanic(t, "rule for another node", func() {
		qn.agent.applyRule(evtMgr, &TableInsertMsg{
			RuleHdr:    RuleHdr{Node: "h2", RuleID: 3, Action: InsertTableEntry},
			Block:      blockQDevice,
			Table:      tblQnp,
			Key:        []uint64{6},
			ActionName: actQnpToCpu,
		})
	})
	expectPanic(t, "removal of an unknown handle", func() {
		qn.agent.applyRule(evtMgr, &TableRemoveMsg{
			RuleHdr: RuleHdr{Node: "h1", RuleID: 4, Action: RemoveTableEntry},
			Block:   blockQDevice,
			Table:   tblQnp,
			Handle:  999,
		})
	})
}

// TestAgentConfiguresBsmGroups drives BSM group rules through a
// station's agent and checks the heralding engine lifecycle.
func TestAgentConfiguresBsmGroups(t *testing.T) {
	topo, prm := LoopTopo()
	evtMgr := buildExperiment(topo, prm, nil)
	qn := qNodeByName["hs"]
	qports := stationQuantumPorts(t, qn)

	create := &BsmGrpCreateMsg{
		RuleHdr:  RuleHdr{CircuitID: 5, Node: "hs", RuleID: 1, Action: CreateBsmGrp},
		BsmGrpID: 0,
		Entry0:   BsmGrpEntry{EgressPort: qports[0], BsmInfo: uint64(qports[1])},
		Entry1:   BsmGrpEntry{EgressPort: qports[1], BsmInfo: uint64(qports[0])},
	}
	qn.agent.applyRule(evtMgr, create)
	if qn.engines[0] == nil {
		t.Fatalf("group creation started no heralding engine")
	}

	destroy := &BsmGrpDestroyMsg{
		RuleHdr:  RuleHdr{CircuitID: 5, Node: "hs", RuleID: 2, Action: DestroyBsmGrp},
		BsmGrpID: 0,
	}
	qn.agent.applyRule(evtMgr, destroy)
	if _, present := qn.engines[0]; present {
		t.Errorf("engine survived group destruction")
	}

	expectPanic(t, "destroying an unknown group", func() {
		qn.agent.applyRule(evtMgr, &BsmGrpDestroyMsg{
			RuleHdr:  RuleHdr{Node: "hs", RuleID: 3, Action: DestroyBsmGrp},
			BsmGrpID: 7,
		})
	})
}
