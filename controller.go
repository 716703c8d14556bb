package qnet

// controller.go implements the centralized circuit reservation
// protocol.  Hosts direct reservation and release requests at the
// controller node; when both endpoints of a pair have asked for the
// same thing the request is queued, and an admission scan decides when
// to install or tear down the quantum circuit by issuing rule batches
// to the node agents along the route.  The variant here admits one
// circuit at a time; hub.go extends it with multi-circuit admission
// around a shared heralding station.

import (
	"fmt"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// TableHandle names one installed table entry so it can be removed when
// the circuit that needed it is released
type TableHandle struct {
	Node   string
	Block  string
	Table  string
	Handle int
}

// BsmGrpHandle names one created BSM group
type BsmGrpHandle struct {
	Node     string
	BsmGrpID uint64
}

// RouteHandles accumulates the handles acknowledged back during a
// circuit's installation.  Both lists drain completely during release.
type RouteHandles struct {
	Tables  []TableHandle
	BsmGrps []BsmGrpHandle
}

// A reservation is a matched pair of RSRV requests waiting for
// admission.  The pair is kept in sorted order; msg is the request that
// completed the match and fixes the head end of the route.
type reservation struct {
	requestID uint64
	pair      [2]string
	msg       *RequestMsg
}

// A circuit is one admitted reservation, installing or active
type circuit struct {
	cid  uint64
	pair [2]string
}

// admission is the part of the controller that differs between the
// point-to-point and hub variants
type admission interface {
	reserveRelease(evtMgr *evtm.EventManager)
	assignBsmGrpID(node string) uint64
	releaseBsmGrpID(node string, id uint64)
}

// A Controller holds the reservation state machine.  All mutation
// happens on the event thread; admission scans triggered by rule
// acknowledgments run off fresh zero-delay events so that a scan never
// runs in the middle of processing the message that triggered it.
type Controller struct {
	qn    *qNode
	admit admission // outermost variant, set by the create functions

	// request matching: first arrival of a (source, id) waits here for
	// the mirrored request from the named remote
	pending map[string]map[uint64]*RequestMsg

	// matched reservations and releases awaiting the admission scan
	reserveQueue []*reservation
	releaseQueue []*RequestMsg

	// admitted circuits by id
	installing map[uint64]*circuit
	active     map[uint64]*circuit

	// outstanding rule ids per circuit, one set for the install walk
	// and one for the release walk
	reserveMsgs map[uint64]map[uint64]bool
	releaseMsgs map[uint64]map[uint64]bool

	// handles acknowledged during installation, popped during release
	handles map[uint64]*RouteHandles

	nxtRuleID uint64
}

// newControllerCore initializes the state shared by both variants
func newControllerCore(qn *qNode) *Controller {
	ctl := new(Controller)
	ctl.qn = qn
	ctl.pending = make(map[string]map[uint64]*RequestMsg)
	ctl.installing = make(map[uint64]*circuit)
	ctl.active = make(map[uint64]*circuit)
	ctl.reserveMsgs = make(map[uint64]map[uint64]bool)
	ctl.releaseMsgs = make(map[uint64]map[uint64]bool)
	ctl.handles = make(map[uint64]*RouteHandles)
	return ctl
}

// createController is the constructor for the point-to-point variant
func createController(qn *qNode) *Controller {
	ctl := newControllerCore(qn)
	ctl.admit = ctl
	return ctl
}

// sortPair orders two host names into the canonical circuit pair
func sortPair(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// boolBit converts a flag to its rule-data representation
func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// handleRequest consumes one host request arriving on the control plane
func (ctl *Controller) handleRequest(evtMgr *evtm.EventManager, rm *RequestMsg) {
	switch rm.Op {
	case OpRsrv, OpFree:
		ctl.requestMsg(evtMgr, rm)
	case OpPing:
		// liveness echo from a node agent
		traceMgr.logArrive(evtMgr, ctl.qn.id, fmt.Sprintf("ping echo from %s", rm.Source))
	default:
		panic(fmt.Errorf("controller %s cannot consume %s", ctl.qn.name, rm.String()))
	}
}

// requestMsg records the request and, when the mirrored request from
// the remote side has already arrived, moves the matched pair onto the
// reserve or release queue.  Matching is commutative: whichever side
// arrives second completes the match.
func (ctl *Controller) requestMsg(evtMgr *evtm.EventManager, rm *RequestMsg) {
	srcPending, present := ctl.pending[rm.Source]
	if !present {
		srcPending = make(map[uint64]*RequestMsg)
		ctl.pending[rm.Source] = srcPending
	}
	if _, dup := srcPending[rm.RequestID]; dup {
		panic(fmt.Errorf("host %s reissued request %d", rm.Source, rm.RequestID))
	}
	srcPending[rm.RequestID] = rm

	remotePending := ctl.pending[rm.Remote]
	match := remotePending[rm.RequestID]
	if match != nil && match.Remote == rm.Source {
		if match.Op != rm.Op {
			panic(fmt.Errorf("hosts %s and %s disagree on request %d: %s vs %s",
				rm.Source, rm.Remote, rm.RequestID, rm.String(), match.String()))
		}

		if rm.Op == OpRsrv {
			pair := sortPair(rm.Source, rm.Remote)
			if ctl.findReservation(rm.RequestID, pair) >= 0 {
				panic(fmt.Errorf("request %d from pair (%s,%s) already queued",
					rm.RequestID, pair[0], pair[1]))
			}
			ctl.reserveQueue = append(ctl.reserveQueue,
				&reservation{requestID: rm.RequestID, pair: pair, msg: rm})
		} else {
			ctl.releaseQueue = append(ctl.releaseQueue, rm)
		}

		delete(srcPending, rm.RequestID)
		if len(srcPending) == 0 {
			delete(ctl.pending, rm.Source)
		}
		delete(remotePending, rm.RequestID)
		if len(remotePending) == 0 {
			delete(ctl.pending, rm.Remote)
		}
	}

	ctl.admit.reserveRelease(evtMgr)
}

// findReservation locates a queued reservation by id and pair
func (ctl *Controller) findReservation(requestID uint64, pair [2]string) int {
	for idx, rsv := range ctl.reserveQueue {
		if rsv.requestID == requestID && rsv.pair == pair {
			return idx
		}
	}
	return -1
}

// removeReservation drops the queue entry at an index
func (ctl *Controller) removeReservation(idx int) {
	ctl.reserveQueue = append(ctl.reserveQueue[:idx], ctl.reserveQueue[idx+1:]...)
}

// handleRuleAck consumes one acknowledged rule from a node agent.
// When a circuit's last outstanding install rule is acknowledged the
// circuit becomes active; when its last release rule is acknowledged
// the circuit is freed.  Both transitions notify the host pair.
func (ctl *Controller) handleRuleAck(evtMgr *evtm.EventManager, ack RuleMsg) {
	hdr := ack.hdr()

	switch hdr.Action {
	case InsertTableEntry, CreateBsmGrp:
		set := ctl.reserveMsgs[hdr.CircuitID]
		if !set[hdr.RuleID] {
			panic(fmt.Errorf("unexpected install ack, rule %d circuit %d", hdr.RuleID, hdr.CircuitID))
		}

		rh := ctl.handles[hdr.CircuitID]
		switch msg := ack.(type) {
		case *TableInsertMsg:
			if msg.Handle == 0 {
				panic(fmt.Errorf("insert ack for rule %d carries no handle", hdr.RuleID))
			}
			rh.Tables = append(rh.Tables,
				TableHandle{Node: hdr.Node, Block: msg.Block, Table: msg.Table, Handle: msg.Handle})
		case *BsmGrpCreateMsg:
			rh.BsmGrps = append(rh.BsmGrps, BsmGrpHandle{Node: hdr.Node, BsmGrpID: msg.BsmGrpID})
		default:
			panic(fmt.Errorf("install ack of unrecognized kind %T", ack))
		}

		delete(set, hdr.RuleID)
		if len(set) > 0 {
			return
		}
		delete(ctl.reserveMsgs, hdr.CircuitID)

		crc := ctl.installing[hdr.CircuitID]
		ctl.notify(evtMgr,
			&RequestMsg{Op: OpRsrv, Source: crc.pair[0], Remote: crc.pair[1], RequestID: crc.cid})
		ctl.active[crc.cid] = crc
		delete(ctl.installing, crc.cid)
		ctl.scheduleReserveRelease(evtMgr)

	case RemoveTableEntry, DestroyBsmGrp:
		set := ctl.releaseMsgs[hdr.CircuitID]
		if !set[hdr.RuleID] {
			panic(fmt.Errorf("unexpected release ack, rule %d circuit %d", hdr.RuleID, hdr.CircuitID))
		}

		// a BSM id goes back to the pool only once the node confirms the
		// group is gone, so a fresh circuit cannot reuse the id while the
		// teardown is still in flight
		if msg, isDestroy := ack.(*BsmGrpDestroyMsg); isDestroy {
			ctl.admit.releaseBsmGrpID(hdr.Node, msg.BsmGrpID)
		}

		delete(set, hdr.RuleID)
		if len(set) > 0 {
			return
		}
		delete(ctl.releaseMsgs, hdr.CircuitID)

		crc := ctl.active[hdr.CircuitID]
		rh := ctl.handles[crc.cid]
		if len(rh.Tables) > 0 || len(rh.BsmGrps) > 0 {
			panic(fmt.Errorf("circuit %d freed with %d table and %d group handles unreturned",
				crc.cid, len(rh.Tables), len(rh.BsmGrps)))
		}
		ctl.notify(evtMgr,
			&RequestMsg{Op: OpFree, Source: crc.pair[0], Remote: crc.pair[1], RequestID: crc.cid})
		delete(ctl.active, crc.cid)
		delete(ctl.handles, crc.cid)
		ctl.scheduleReserveRelease(evtMgr)

	default:
		panic(fmt.Errorf("acknowledgment for unrecognized action %d", hdr.Action))
	}
}

// notify echoes a request back to both hosts of a pair, each seeing
// itself as the source
func (ctl *Controller) notify(evtMgr *evtm.EventManager, rm *RequestMsg) {
	toSource := *rm
	sendCtl(evtMgr, ctl.qn, toSource.Source, &toSource)

	toRemote := *rm
	toRemote.Source, toRemote.Remote = rm.Remote, rm.Source
	sendCtl(evtMgr, ctl.qn, toRemote.Source, &toRemote)
}

// scheduleReserveRelease defers an admission scan to a fresh event
func (ctl *Controller) scheduleReserveRelease(evtMgr *evtm.EventManager) {
	evtMgr.Schedule(ctl, nil, reserveReleaseEvent, vrtime.SecondsToTime(0.0))
}

func reserveReleaseEvent(evtMgr *evtm.EventManager, context any, data any) any {
	ctl := context.(*Controller)
	ctl.admit.reserveRelease(evtMgr)
	return nil
}

// reserveRelease is the point-to-point admission scan: work off the
// queued releases, then admit the most recent reservation when no
// circuit occupies the network
func (ctl *Controller) reserveRelease(evtMgr *evtm.EventManager) {
	queue := ctl.releaseQueue
	retained := []*RequestMsg{}
	ctl.releaseQueue = nil

	for idx := len(queue) - 1; idx >= 0; idx-- {
		rm := queue[idx]
		pair := sortPair(rm.Source, rm.Remote)

		// a release for a circuit still installing waits for the
		// handles to land
		if _, present := ctl.installing[rm.RequestID]; present {
			retained = append(retained, rm)
			continue
		}

		if crc, present := ctl.active[rm.RequestID]; present {
			if crc.pair != pair {
				panic(fmt.Errorf("release of circuit %d names pair (%s,%s), circuit joins (%s,%s)",
					rm.RequestID, pair[0], pair[1], crc.pair[0], crc.pair[1]))
			}
			ctl.release(evtMgr, rm)
			continue
		}

		if qIdx := ctl.findReservation(rm.RequestID, pair); qIdx >= 0 {
			// reserved but never admitted; cancel and answer directly
			ctl.removeReservation(qIdx)
			ctl.notify(evtMgr, rm)
			continue
		}

		fmt.Printf("no match for release of (%s,%s) request %d\n", pair[0], pair[1], rm.RequestID)
	}

	// retained releases keep their original queue order
	for idx := len(retained) - 1; idx >= 0; idx-- {
		ctl.releaseQueue = append(ctl.releaseQueue, retained[idx])
	}

	for len(ctl.reserveQueue) > 0 && len(ctl.active) == 0 && len(ctl.installing) == 0 {
		last := len(ctl.reserveQueue) - 1
		rsv := ctl.reserveQueue[last]
		ctl.reserveQueue = ctl.reserveQueue[:last]
		ctl.reserve(evtMgr, rsv)
	}
}

// assignBsmGrpID hands out BSM group identifiers for heralding
// stations.  One circuit at a time means unit 0 always serves.
func (ctl *Controller) assignBsmGrpID(node string) uint64 {
	return 0
}

// releaseBsmGrpID takes a group identifier back.  Swap points use the
// circuit id for their groups; only heralding station units draw from
// the fixed identifier space.
func (ctl *Controller) releaseBsmGrpID(node string, id uint64) {
	if qNodeByName[node].kind == stationKind && id != 0 {
		panic(fmt.Errorf("station %s returns unexpected BSM group id %d", node, id))
	}
}

// reserve moves a reservation into installing and starts the install walk
func (ctl *Controller) reserve(evtMgr *evtm.EventManager, rsv *reservation) {
	if _, present := ctl.installing[rsv.requestID]; present {
		panic(fmt.Errorf("circuit %d admitted while installing", rsv.requestID))
	}
	if _, present := ctl.active[rsv.requestID]; present {
		panic(fmt.Errorf("circuit %d admitted while active", rsv.requestID))
	}
	ctl.installing[rsv.requestID] = &circuit{cid: rsv.requestID, pair: rsv.pair}
	ctl.installPath(evtMgr, rsv.requestID, rsv.msg.Source, rsv.msg.Remote)
}

// release starts the uninstall walk for an active circuit
func (ctl *Controller) release(evtMgr *evtm.EventManager, rm *RequestMsg) {
	if _, present := ctl.installing[rm.RequestID]; present {
		panic(fmt.Errorf("circuit %d released while installing", rm.RequestID))
	}
	if _, present := ctl.active[rm.RequestID]; !present {
		panic(fmt.Errorf("circuit %d released while not active", rm.RequestID))
	}
	ctl.uninstallPath(evtMgr, rm.RequestID)
}

// newRuleHdr assigns the next rule id and fills the common header
func (ctl *Controller) newRuleHdr(cid uint64, node string, action RuleAction) RuleHdr {
	ctl.nxtRuleID += 1
	return RuleHdr{CircuitID: cid, Node: node, RuleID: ctl.nxtRuleID, Action: action}
}

// expectInstallAck registers an issued install rule as outstanding
func (ctl *Controller) expectInstallAck(cid, ruleID uint64) {
	set, present := ctl.reserveMsgs[cid]
	if !present {
		set = make(map[uint64]bool)
		ctl.reserveMsgs[cid] = set
	}
	set[ruleID] = true
}

// expectReleaseAck registers an issued release rule as outstanding
func (ctl *Controller) expectReleaseAck(cid, ruleID uint64) {
	set, present := ctl.releaseMsgs[cid]
	if !present {
		set = make(map[uint64]bool)
		ctl.releaseMsgs[cid] = set
	}
	set[ruleID] = true
}

// installPath walks the route between the matched pair, issuing each
// node its rule batch.  Circuit routes alternate endpoint or swap
// nodes at even positions with heralding stations at odd positions;
// link labels start at the base and advance by the stride across each
// swap node.
func (ctl *Controller) installPath(evtMgr *evtm.EventManager, cid uint64, src, dst string) {
	route, err := routeTbl.route(src, dst)
	if err != nil {
		panic(err)
	}
	if len(route) < 3 || len(route)%2 == 0 {
		panic(fmt.Errorf("route from %s to %s has length %d, cannot carry a circuit",
			src, dst, len(route)))
	}
	ctl.handles[cid] = &RouteHandles{}

	label := labelBase
	for nI, nodeName := range route {
		switch kind := qNodeByName[nodeName].kind; {
		case kind == hostKind:
			if nI != 0 && nI != len(route)-1 {
				panic(fmt.Errorf("host %s in the interior of route %v", nodeName, route))
			}
			ctl.installHostRules(evtMgr, cid, route, nI, label)

		case kind == stationKind:
			if nI%2 != 1 {
				panic(fmt.Errorf("station %s at even position of route %v", nodeName, route))
			}
			ctl.installStationRules(evtMgr, cid, route, nI, label)

		case swapCapable(kind):
			if nI%2 != 0 {
				panic(fmt.Errorf("swap node %s at odd position of route %v", nodeName, route))
			}
			lblL := label
			label += labelStride
			lblR := label
			ctl.installRouterRules(evtMgr, cid, route, nI, lblL, lblR)

		default:
			panic(fmt.Errorf("node %s cannot sit on a circuit", nodeName))
		}
	}
}

// installHostRules issues a host's batch: lift link-level announcements
// of its label into the circuit's network layer addressed across the
// route, and deliver arriving circuit notifications to the local
// protocol stack
func (ctl *Controller) installHostRules(evtMgr *evtm.EventManager, cid uint64,
	route []string, nI int, label uint64) {

	node := route[nI]
	headEnd := nI == 0
	var remote string
	if headEnd {
		remote = route[nI+2]
	} else {
		remote = route[nI-2]
	}

	egp := &TableInsertMsg{
		RuleHdr:    ctl.newRuleHdr(cid, node, InsertTableEntry),
		Block:      blockQDevice,
		Table:      tblEgp,
		Key:        []uint64{label},
		ActionName: actEgpToQnp,
		ActionData: []uint64{cid, boolBit(headEnd), qNodeByName[remote].addr},
	}
	ctl.expectInstallAck(cid, egp.RuleID)

	qnp := &TableInsertMsg{
		RuleHdr:    ctl.newRuleHdr(cid, node, InsertTableEntry),
		Block:      blockQDevice,
		Table:      tblQnp,
		Key:        []uint64{cid},
		ActionName: actQnpToCpu,
		ActionData: []uint64{boolBit(headEnd)},
	}
	ctl.expectInstallAck(cid, qnp.RuleID)

	sendCtl(evtMgr, ctl.qn, node, []any{egp, qnp})
}

// installStationRules issues a heralding station's batch: cross-connect
// the two adjacent egress ports as a BSM group on an assigned unit, and
// stamp successful outcomes with the segment's label
func (ctl *Controller) installStationRules(evtMgr *evtm.EventManager, cid uint64,
	route []string, nI int, label uint64) {

	node := route[nI]
	portL, err := routeTbl.egress(node, route[nI-1])
	if err != nil {
		panic(err)
	}
	portR, err := routeTbl.egress(node, route[nI+1])
	if err != nil {
		panic(err)
	}
	grpID := ctl.admit.assignBsmGrpID(node)

	create := &BsmGrpCreateMsg{
		RuleHdr:  ctl.newRuleHdr(cid, node, CreateBsmGrp),
		BsmGrpID: grpID,
		Entry0:   BsmGrpEntry{EgressPort: portL, BsmInfo: uint64(portR)},
		Entry1:   BsmGrpEntry{EgressPort: portR, BsmInfo: uint64(portL)},
	}
	ctl.expectInstallAck(cid, create.RuleID)

	bsm := &TableInsertMsg{
		RuleHdr:    ctl.newRuleHdr(cid, node, InsertTableEntry),
		Block:      blockQDevice,
		Table:      tblBsm,
		Key:        []uint64{grpID, 1},
		ActionName: actBsmToEgp,
		ActionData: []uint64{label},
	}
	ctl.expectInstallAck(cid, bsm.RuleID)

	sendCtl(evtMgr, ctl.qn, node, []any{create, bsm})
}

// installRouterRules issues a swap node's batch: a BSM group arming the
// swap between the two flanking segments, per-direction tracking of
// link-level announcements, circuit notification forwarding, and the
// egress addressing that walks notifications along the route
func (ctl *Controller) installRouterRules(evtMgr *evtm.EventManager, cid uint64,
	route []string, nI int, lblL, lblR uint64) {

	node := route[nI]
	portL, err := routeTbl.egress(node, route[nI-2])
	if err != nil {
		panic(err)
	}
	portR, err := routeTbl.egress(node, route[nI+2])
	if err != nil {
		panic(err)
	}

	batch := []any{}
	create := &BsmGrpCreateMsg{
		RuleHdr:  ctl.newRuleHdr(cid, node, CreateBsmGrp),
		BsmGrpID: cid,
		Entry0:   BsmGrpEntry{EgressPort: portL, BsmInfo: uint64(portR)},
		Entry1:   BsmGrpEntry{EgressPort: portR, BsmInfo: uint64(portL)},
	}
	batch = append(batch, create)
	ctl.expectInstallAck(cid, create.RuleID)

	dirs := [2]struct {
		port, otherPort int
		lbl, otherLbl   uint64
		remote          string
	}{
		{portL, portR, lblL, lblR, route[nI-2]},
		{portR, portL, lblR, lblL, route[nI+2]},
	}
	for _, dir := range dirs {
		egp := &TableInsertMsg{
			RuleHdr:    ctl.newRuleHdr(cid, node, InsertTableEntry),
			Block:      blockQDevice,
			Table:      tblEgp,
			Key:        []uint64{uint64(dir.port), dir.lbl},
			ActionName: actEgpTrack,
			ActionData: []uint64{cid, uint64(dir.otherPort), dir.otherLbl},
		}
		batch = append(batch, egp)
		ctl.expectInstallAck(cid, egp.RuleID)

		qnp := &TableInsertMsg{
			RuleHdr:    ctl.newRuleHdr(cid, node, InsertTableEntry),
			Block:      blockQDevice,
			Table:      tblQnp,
			Key:        []uint64{uint64(dir.port), cid},
			ActionName: actQnpForward,
			ActionData: []uint64{uint64(dir.otherPort)},
		}
		batch = append(batch, qnp)
		ctl.expectInstallAck(cid, qnp.RuleID)

		egress := &TableInsertMsg{
			RuleHdr:    ctl.newRuleHdr(cid, node, InsertTableEntry),
			Block:      blockEgress,
			Table:      tblEthernet,
			Key:        []uint64{uint64(dir.port), cid},
			ActionName: actEthernetAddr,
			ActionData: []uint64{qNodeByName[dir.remote].addr},
		}
		batch = append(batch, egress)
		ctl.expectInstallAck(cid, egress.RuleID)
	}

	sendCtl(evtMgr, ctl.qn, node, batch)
}

// uninstallPath undoes an installation in reverse: table entries come
// out before the BSM groups that fed them, each list popped most
// recent first
func (ctl *Controller) uninstallPath(evtMgr *evtm.EventManager, cid uint64) {
	if len(ctl.releaseMsgs[cid]) > 0 {
		panic(fmt.Errorf("circuit %d released twice", cid))
	}
	rh := ctl.handles[cid]

	for len(rh.Tables) > 0 {
		last := len(rh.Tables) - 1
		th := rh.Tables[last]
		rh.Tables = rh.Tables[:last]

		remove := &TableRemoveMsg{
			RuleHdr: ctl.newRuleHdr(cid, th.Node, RemoveTableEntry),
			Block:   th.Block,
			Table:   th.Table,
			Handle:  th.Handle,
		}
		ctl.expectReleaseAck(cid, remove.RuleID)
		sendCtl(evtMgr, ctl.qn, th.Node, remove)
	}

	for len(rh.BsmGrps) > 0 {
		last := len(rh.BsmGrps) - 1
		bh := rh.BsmGrps[last]
		rh.BsmGrps = rh.BsmGrps[:last]

		destroy := &BsmGrpDestroyMsg{
			RuleHdr:  ctl.newRuleHdr(cid, bh.Node, DestroyBsmGrp),
			BsmGrpID: bh.BsmGrpID,
		}
		ctl.expectReleaseAck(cid, destroy.RuleID)
		sendCtl(evtMgr, ctl.qn, bh.Node, destroy)
	}
}
