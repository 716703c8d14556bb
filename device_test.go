package qnet

// device_test.go exercises the rule execution back end in isolation:
// table entry lifecycle, the static forwarding entries loaded at build
// time, and the bell composition applied at a swap point.

import (
	"testing"
)

// TestTableEntryLifecycle checks entry insertion, exact-match lookup,
// and removal by handle, with handles monotone per table.
func TestTableEntryLifecycle(t *testing.T) {
	dev := createP4Device(&qNode{name: "bench"})

	ha := dev.insertEntry(blockQDevice, tblEgp, []uint64{0x10}, actEgpToQnp, []uint64{7, 4})
	hb := dev.insertEntry(blockQDevice, tblEgp, []uint64{0x11}, actEgpTrack, nil)
	if ha != 1 || hb != 2 {
		t.Fatalf("handles (%d, %d), want (1, 2)", ha, hb)
	}

	entry := dev.match(blockQDevice, tblEgp, []uint64{0x10})
	if entry == nil || entry.actionName != actEgpToQnp || entry.actionData[0] != 7 {
		t.Errorf("installed entry not matched back")
	}
	if dev.match(blockQDevice, tblEgp, []uint64{0x12}) != nil {
		t.Errorf("lookup miss returned an entry")
	}

	if err := dev.removeEntry(blockQDevice, tblEgp, ha); err != nil {
		t.Fatalf("removal failed: %v", err)
	}
	if dev.match(blockQDevice, tblEgp, []uint64{0x10}) != nil {
		t.Errorf("removed entry still matches")
	}
	if err := dev.removeEntry(blockQDevice, tblEgp, ha); err == nil {
		t.Errorf("second removal of one handle succeeded")
	}

	if hc := dev.insertEntry(blockQDevice, tblEgp, []uint64{0x12}, actEgpTrack, nil); hc != 3 {
		t.Errorf("handle %d after a removal, want 3", hc)
	}

	expectPanic(t, "table absent from block", func() { dev.table(blockIngress, tblQnp) })
}

// TestStaticForwarding checks the entries loaded at build time: every
// node forwards toward every address, self-addressed traffic diverts to
// the control port, and quantum egress ports address the link peer.
func TestStaticForwarding(t *testing.T) {
	topo, prm := LoopTopo()
	buildExperiment(topo, prm, nil)
	qn := qNodeByName["h1"]
	peer := qNodeByName["h2"]

	entry := qn.device.match(blockIngress, tblEthernet, []uint64{peer.addr})
	if entry == nil || entry.actionName != actForward {
		t.Fatalf("no forwarding entry for a reachable node")
	}
	if entry.actionData[0] != uint64(qn.portToward("h2").num) {
		t.Errorf("traffic for %s leaves port %d, want the direct link",
			peer.name, entry.actionData[0])
	}

	self := qn.device.match(blockIngress, tblEthernet, []uint64{qn.addr})
	if self == nil || self.actionData[0] != uint64(ctlPort) {
		t.Errorf("self-addressed traffic not diverted to the control port")
	}

	qport := qn.portToward("hs")
	eg := qn.device.match(blockEgress, tblEthernet, []uint64{uint64(qport.num)})
	if eg == nil || eg.actionName != actEthernetAddr || eg.actionData[0] != qNodeByName["hs"].addr {
		t.Errorf("quantum egress on port %d does not address the station", qport.num)
	}
}

// TestSwapCorrection checks the bell index a circuit packet picks up
// crossing a swap point: the far link's bell composed with the swap
// measurement, whose high bit carries the parity of the held bits.
func TestSwapCorrection(t *testing.T) {
	sw := createSwapState(9, 2, 3)
	if sw.side(5) != nil {
		t.Errorf("unbound port mapped to a swap side")
	}
	if sw.other(2).port != 3 || sw.other(3).port != 2 {
		t.Errorf("swap sides not opposite")
	}

	left, right := sw.side(2), sw.side(3)
	left.bellSeen, left.bell, left.held, left.hidden = true, PsiMinus, true, 1
	right.bellSeen, right.bell, right.held, right.hidden = true, PhiMinus, true, 0
	if !left.ready() || !right.ready() {
		t.Fatalf("sides with bell and qubit not ready")
	}

	sw.bswap = BellIndex((left.hidden^right.hidden)<<1 | 1)
	if got := sw.correctionFor(2); got != PsiPlus {
		t.Errorf("correction %s toward the head end, want psi+", bellIndexToStr(got))
	}
	if got := sw.correctionFor(3); got != PhiPlus {
		t.Errorf("correction %s toward the tail end, want phi+", bellIndexToStr(got))
	}

	sw.done = true
	sw.corrected = 2
	sw.heldPkts = append(sw.heldPkts, heldPkt{arrivalPort: 2, otherPort: 3, pkt: &Packet{}})
	sw.resetRound()
	if sw.done || sw.bswap != 0 || sw.corrected != 0 || len(sw.heldPkts) != 0 {
		t.Errorf("round state survived reset")
	}
	if left.bellSeen || left.held || right.bellSeen || right.held {
		t.Errorf("side flags survived reset")
	}
}
