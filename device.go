package qnet

// device.go implements the per-node rule execution back end: named
// tables of exact-match entries organized into pipeline blocks, BSM
// group records, and the packet pipeline that executes the installed
// rules.  The action set is closed, modeling a fixed-function device
// rather than a general programmable one.

import (
	"fmt"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
)

// pipeline block names
const (
	blockIngress string = "XIngress"
	blockEgress  string = "XEgress"
	blockQDevice string = "XQDevice"
)

// table names
const (
	tblEthernet string = "ethernet_tbl"
	tblEgp      string = "egp_tbl"
	tblQnp      string = "qnp_tbl"
	tblBsm      string = "bsm_tbl"
)

// action names
const (
	actForward      string = "forward"
	actEthernetAddr string = "ethernet_address"
	actBsmToEgp     string = "bsm_to_egp"
	actEgpToQnp     string = "egp_to_qnp"
	actEgpTrack     string = "egp_track"
	actQnpToCpu     string = "qnp_to_cpu"
	actQnpForward   string = "qnp_forward"
)

// A tableEntry is one installed exact-match rule
type tableEntry struct {
	handle     int
	key        []uint64
	actionName string
	actionData []uint64
}

// A matchTable holds the entries of one named table, indexed by the
// handle returned at insertion.  Handles are monotone per table.
type matchTable struct {
	entries   map[int]*tableEntry
	nxtHandle int
}

// lookup returns the entry whose key exactly matches, or nil
func (mt *matchTable) lookup(key []uint64) *tableEntry {
	for _, entry := range mt.entries {
		if slices.Equal(entry.key, key) {
			return entry
		}
	}
	return nil
}

// A bsmGroup pairs two egress ports on behalf of one BSM unit (at a
// heralding station) or one swap point (at a router or repeater)
type bsmGroup struct {
	id      uint64
	entries [2]BsmGrpEntry
}

// A swapSide tracks one half of an entanglement swap: the link-level
// bell index announced by the adjacent heralding station, and the
// locally held qubit's hidden measurement bit
type swapSide struct {
	port     int
	bellSeen bool
	bell     BellIndex
	held     bool
	hidden   int
}

// ready reports whether this side has both the announcement and the qubit
func (ss *swapSide) ready() bool {
	return ss.bellSeen && ss.held
}

// A swapState gates circuit notification packets through a swap-capable
// node.  Packets for a pair whose swap has not yet been measured are
// held; once measured they pass with the bell correction applied.  A
// round closes after both directions' packets have passed.
type swapState struct {
	cid       uint64
	sides     [2]*swapSide
	done      bool
	bswap     BellIndex
	corrected int
	heldPkts  []heldPkt
}

type heldPkt struct {
	arrivalPort int
	otherPort   int
	pkt         *Packet
}

func createSwapState(cid uint64, port0, port1 int) *swapState {
	sw := new(swapState)
	sw.cid = cid
	sw.sides[0] = &swapSide{port: port0}
	sw.sides[1] = &swapSide{port: port1}
	return sw
}

// side returns the swap side bound to a port, or nil
func (sw *swapState) side(portNum int) *swapSide {
	for _, ss := range sw.sides {
		if ss.port == portNum {
			return ss
		}
	}
	return nil
}

// other returns the swap side opposite the named port
func (sw *swapState) other(portNum int) *swapSide {
	for _, ss := range sw.sides {
		if ss.port != portNum {
			return ss
		}
	}
	return nil
}

// correctionFor gives the bell index adjustment applied to a packet
// that arrived on the named port, composing the far link's bell index
// with the swap measurement
func (sw *swapState) correctionFor(arrivalPort int) BellIndex {
	return sw.other(arrivalPort).bell ^ sw.bswap
}

// resetRound clears the per-pair state, leaving the swap ready for the
// circuit's next entangled pair
func (sw *swapState) resetRound() {
	for _, ss := range sw.sides {
		ss.bellSeen = false
		ss.held = false
	}
	sw.done = false
	sw.bswap = 0
	sw.corrected = 0
	sw.heldPkts = nil
}

// A p4Device is the rule execution back end of one node
type p4Device struct {
	qn        *qNode
	tables    map[string]map[string]*matchTable
	bsmGroups map[uint64]*bsmGroup
	swaps     map[uint64]*swapState
}

// createP4Device is an initialization constructor.  Every node carries
// the full table complement; which tables see entries depends on the
// node's role in installed circuits.
func createP4Device(qn *qNode) *p4Device {
	dev := new(p4Device)
	dev.qn = qn
	dev.tables = make(map[string]map[string]*matchTable)
	dev.tables[blockIngress] = map[string]*matchTable{
		tblEthernet: {entries: make(map[int]*tableEntry)},
	}
	dev.tables[blockEgress] = map[string]*matchTable{
		tblEthernet: {entries: make(map[int]*tableEntry)},
	}
	dev.tables[blockQDevice] = map[string]*matchTable{
		tblEgp: {entries: make(map[int]*tableEntry)},
		tblQnp: {entries: make(map[int]*tableEntry)},
		tblBsm: {entries: make(map[int]*tableEntry)},
	}
	dev.bsmGroups = make(map[uint64]*bsmGroup)
	dev.swaps = make(map[uint64]*swapState)
	return dev
}

// table returns the named table, panicking on an unknown name
func (dev *p4Device) table(block, name string) *matchTable {
	blk, present := dev.tables[block]
	if !present {
		panic(fmt.Errorf("node %s has no pipeline block %s", dev.qn.name, block))
	}
	mt, present := blk[name]
	if !present {
		panic(fmt.Errorf("node %s block %s has no table %s", dev.qn.name, block, name))
	}
	return mt
}

// match looks a key up in the named table
func (dev *p4Device) match(block, name string, key []uint64) *tableEntry {
	return dev.table(block, name).lookup(key)
}

// insertEntry installs an exact-match rule and returns its handle
func (dev *p4Device) insertEntry(block, name string, key []uint64,
	actionName string, actionData []uint64) int {

	mt := dev.table(block, name)
	mt.nxtHandle += 1
	entry := &tableEntry{handle: mt.nxtHandle, key: key,
		actionName: actionName, actionData: actionData}
	mt.entries[entry.handle] = entry
	return entry.handle
}

// removeEntry withdraws the rule a handle names
func (dev *p4Device) removeEntry(block, name string, handle int) error {
	mt := dev.table(block, name)
	_, present := mt.entries[handle]
	if !present {
		return fmt.Errorf("node %s table %s.%s has no entry with handle %d",
			dev.qn.name, block, name, handle)
	}
	delete(mt.entries, handle)
	return nil
}

// createBsmGroup records a BSM group.  At a heralding station this
// starts (or restarts) the heralding engine of the named unit; at a
// swap-capable node it arms the swap gate for the circuit.
func (dev *p4Device) createBsmGroup(evtMgr *evtm.EventManager, id uint64, e0, e1 BsmGrpEntry) {
	grp := &bsmGroup{id: id, entries: [2]BsmGrpEntry{e0, e1}}
	dev.bsmGroups[id] = grp

	switch {
	case dev.qn.kind == stationKind:
		dev.qn.engineEpochs[id] += 1
		engine := createHeraldEngine(dev.qn, grp, dev.qn.engineEpochs[id])
		dev.qn.engines[id] = engine
		engine.announce(evtMgr)
	case swapCapable(dev.qn.kind):
		dev.swaps[id] = createSwapState(id, e0.EgressPort, e1.EgressPort)
	}
}

// destroyBsmGroup withdraws a BSM group, stopping the machinery it drove
func (dev *p4Device) destroyBsmGroup(evtMgr *evtm.EventManager, id uint64) {
	_, present := dev.bsmGroups[id]
	if !present {
		panic(fmt.Errorf("node %s asked to destroy unknown BSM group %d", dev.qn.name, id))
	}
	delete(dev.bsmGroups, id)

	switch {
	case dev.qn.kind == stationKind:
		dev.qn.engines[id].stop()
		delete(dev.qn.engines, id)
	case swapCapable(dev.qn.kind):
		delete(dev.swaps, id)
	}
}

// pipeline is the packet processing path.  Packets carrying quantum
// protocol headers consult the qdevice tables first; on a miss, or for
// plain classical traffic, forwarding falls to the ingress ethernet
// table, whose self-address entry diverts to the control port.  The
// fall-through drains stale circuit packets to the CPU of the node
// they name without special casing.
func (dev *p4Device) pipeline(evtMgr *evtm.EventManager, portNum int, pkt *Packet) {
	if pkt.Egp != nil {
		// endpoint form: label alone
		entry := dev.match(blockQDevice, tblEgp, []uint64{pkt.Egp.LinkLabel})
		if entry != nil && entry.actionName == actEgpToQnp {
			pkt.Qnp = &QnpHdr{CircuitID: entry.actionData[0], Bell: pkt.Egp.Bell}
			pkt.Egp = nil
			pkt.Eth.DstAddr = entry.actionData[2]
			dev.forwardClassical(evtMgr, pkt)
			return
		}

		// swap form: arrival port qualifies the label
		entry = dev.match(blockQDevice, tblEgp, []uint64{uint64(portNum), pkt.Egp.LinkLabel})
		if entry != nil && entry.actionName == actEgpTrack {
			dev.swapBellSeen(evtMgr, entry.actionData[0], portNum, pkt.Egp.Bell)
			return
		}

		dev.forwardClassical(evtMgr, pkt)
		return
	}

	if pkt.Qnp != nil {
		entry := dev.match(blockQDevice, tblQnp, []uint64{pkt.Qnp.CircuitID})
		if entry != nil && entry.actionName == actQnpToCpu {
			dev.qn.deliverCPU(evtMgr, pkt)
			return
		}

		entry = dev.match(blockQDevice, tblQnp, []uint64{uint64(portNum), pkt.Qnp.CircuitID})
		if entry != nil && entry.actionName == actQnpForward {
			dev.swapForward(evtMgr, portNum, int(entry.actionData[0]), pkt)
			return
		}

		dev.forwardClassical(evtMgr, pkt)
		return
	}

	dev.forwardClassical(evtMgr, pkt)
}

// forwardClassical resolves the ingress ethernet table on the packet's
// destination address
func (dev *p4Device) forwardClassical(evtMgr *evtm.EventManager, pkt *Packet) {
	entry := dev.match(blockIngress, tblEthernet, []uint64{pkt.Eth.DstAddr})
	if entry == nil || entry.actionName != actForward {
		traceMgr.logDrop(evtMgr, dev.qn.id, fmt.Sprintf("no forwarding entry for address %#x", pkt.Eth.DstAddr))
		return
	}
	outPort := int(entry.actionData[0])
	if outPort == ctlPort {
		dev.qn.deliverCPU(evtMgr, pkt)
		return
	}
	dev.transmit(evtMgr, outPort, pkt)
}

// transmit runs the egress stage and puts the packet on the wire.
// Only packets carrying quantum protocol headers are subject to egress
// address stamping; classical transit traffic keeps the destination it
// was given at origin.
func (dev *p4Device) transmit(evtMgr *evtm.EventManager, portNum int, pkt *Packet) {
	if pkt.Qnp != nil {
		entry := dev.match(blockEgress, tblEthernet, []uint64{uint64(portNum), pkt.Qnp.CircuitID})
		if entry != nil && entry.actionName == actEthernetAddr {
			pkt.Eth.DstAddr = entry.actionData[0]
		}
	} else if pkt.Egp != nil {
		entry := dev.match(blockEgress, tblEthernet, []uint64{uint64(portNum)})
		if entry != nil && entry.actionName == actEthernetAddr {
			pkt.Eth.DstAddr = entry.actionData[0]
		}
	}
	sendDirect(evtMgr, dev.qn, portNum, pkt)
}

// heraldingBsmOutcome is the notification hook the heralding engine
// posts every measurement outcome to.  A success matches the armed
// bsm_tbl entry and emits the link's EGP announcement out both group
// entries; failures miss the table and end here.
func (dev *p4Device) heraldingBsmOutcome(evtMgr *evtm.EventManager, grpID uint64, success bool, bell BellIndex) {
	flag := uint64(0)
	if success {
		flag = 1
	}
	entry := dev.match(blockQDevice, tblBsm, []uint64{grpID, flag})
	if entry == nil || entry.actionName != actBsmToEgp {
		return
	}
	grp, present := dev.bsmGroups[grpID]
	if !present {
		panic(fmt.Errorf("node %s has bsm_tbl state for unknown group %d", dev.qn.name, grpID))
	}

	label := entry.actionData[0]
	for _, ge := range grp.entries {
		pkt := &Packet{Egp: &EgpHdr{LinkLabel: label, Bell: bell}}
		dev.transmit(evtMgr, ge.EgressPort, pkt)
	}
}

// swapBellSeen records a link-level heralding announcement on one side
// of a swap
func (dev *p4Device) swapBellSeen(evtMgr *evtm.EventManager, cid uint64, portNum int, bell BellIndex) {
	sw, present := dev.swaps[cid]
	if !present {
		traceMgr.logDrop(evtMgr, dev.qn.id, fmt.Sprintf("announcement for unknown circuit %d", cid))
		return
	}
	ss := sw.side(portNum)
	if ss == nil {
		panic(fmt.Errorf("node %s circuit %d announcement on unpaired port %d", dev.qn.name, cid, portNum))
	}
	ss.bellSeen = true
	ss.bell = bell
	dev.maybeSwap(evtMgr, sw)
}

// qubitHeld records that the link layer on a port holds a freshly
// entangled qubit with the given hidden measurement bit
func (dev *p4Device) qubitHeld(evtMgr *evtm.EventManager, portNum int, hidden int) {
	for _, sw := range dev.swaps {
		ss := sw.side(portNum)
		if ss == nil {
			continue
		}
		ss.held = true
		ss.hidden = hidden
		dev.maybeSwap(evtMgr, sw)
		return
	}

	// the group was torn down while the outcome was in flight; release
	// the orphaned slot so the count stays honest
	traceMgr.logDrop(evtMgr, dev.qn.id, fmt.Sprintf("held qubit on port %d serves no swap", portNum))
	dev.qn.slots.freeSlot(evtMgr)
}

// maybeSwap performs the Bell-state measurement once both sides hold
// their qubit and have seen their link announcement.  The measurement
// consumes both qubits, and any gated notification packets resume off
// fresh zero-delay events.
func (dev *p4Device) maybeSwap(evtMgr *evtm.EventManager, sw *swapState) {
	if sw.done || !sw.sides[0].ready() || !sw.sides[1].ready() {
		return
	}

	parity := sw.sides[0].hidden ^ sw.sides[1].hidden
	phase := dev.qn.rngstr.RandInt(0, 1)
	sw.bswap = BellIndex(parity<<1 | phase)
	sw.done = true
	traceMgr.logHerald(evtMgr, dev.qn.id, "swap", sw.cid)

	// both halves are measured away
	dev.qn.slots.freeSlot(evtMgr)
	dev.qn.slots.freeSlot(evtMgr)

	for _, hp := range sw.heldPkts {
		hp.pkt.Qnp.Bell ^= sw.correctionFor(hp.arrivalPort)
		sw.corrected += 1
		evtMgr.Schedule(dev, hp, resumeQnpForward, vrtime.SecondsToTime(0.0))
	}
	sw.heldPkts = nil
	if sw.corrected == 2 {
		sw.resetRound()
	}
}

// resumeQnpForward picks a gated notification packet back up after the
// swap that held it completes
func resumeQnpForward(evtMgr *evtm.EventManager, context any, data any) any {
	dev := context.(*p4Device)
	hp := data.(heldPkt)
	dev.forwardQnp(evtMgr, hp.otherPort, hp.pkt)
	return nil
}

// swapForward passes a circuit notification packet across the swap
// point, holding it while the swap of its pair is still unmeasured
func (dev *p4Device) swapForward(evtMgr *evtm.EventManager, arrivalPort, otherPort int, pkt *Packet) {
	sw, present := dev.swaps[pkt.Qnp.CircuitID]
	if !present {
		traceMgr.logDrop(evtMgr, dev.qn.id, fmt.Sprintf("notification for unknown circuit %d", pkt.Qnp.CircuitID))
		return
	}
	if !sw.done {
		sw.heldPkts = append(sw.heldPkts, heldPkt{arrivalPort: arrivalPort, otherPort: otherPort, pkt: pkt})
		return
	}

	pkt.Qnp.Bell ^= sw.correctionFor(arrivalPort)
	sw.corrected += 1
	done := sw.corrected == 2
	dev.forwardQnp(evtMgr, otherPort, pkt)
	if done {
		sw.resetRound()
	}
}

// forwardQnp sends a notification packet out the named port, restamping
// its destination from the circuit's egress entry
func (dev *p4Device) forwardQnp(evtMgr *evtm.EventManager, otherPort int, pkt *Packet) {
	dev.transmit(evtMgr, otherPort, pkt)
}
