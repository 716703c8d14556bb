package qnet

// host.go implements the entangle-and-measure protocol run by host
// nodes.  A host accepts entanglement requests, arranges the circuit
// with its peer and the controller, measures each delivered pair, and
// releases the circuit once the requested number of pairs is in hand.
//
// Pairing differs by controller variant.  Under the hub controller the
// originating host forwards the request to its peer and both sides
// reserve immediately, leaving all serialization to the controller.
// Under the point-to-point controller hosts run one request at a time
// and shake hands first, so a busy peer refuses and the requester backs
// off rather than parking a half-matched reservation at the controller.

import (
	"fmt"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

type hostState int

const (
	hostIdle hostState = iota
	hostHandshake
	hostReserving
	hostEntangling
	hostReleasing
)

// PairOutcome is one measured entangled pair: the delivered bell index
// and this host's measurement bit
type PairOutcome struct {
	Bell BellIndex
	Bit  int
}

// EntangleResults accumulates what a host records about one request.
// Times are in simulation seconds; Outcomes is filled when the request
// completes.
type EntangleResults struct {
	RequestTime float64
	StartTime   float64
	EndTime     float64
	Outcomes    []PairOutcome
}

// a hostTask is one queued request; shaken marks a request whose
// handshake already concluded, so dequeueing it goes straight to the
// reservation
type hostTask struct {
	req    *EntangleRequest
	shaken bool
}

// A HostProto is the per-host protocol instance
type HostProto struct {
	qn      *qNode
	ctlName string
	hub     bool

	state   hostState
	queue   []*hostTask
	current *EntangleRequest

	// handshake bookkeeping, point-to-point only
	attempts      map[uint64]int
	handshakeSent float64

	// requests reserved with the controller and awaiting its notice,
	// hub only
	reserved map[uint64]*EntangleRequest

	outcomes []PairOutcome
	results  map[uint64]*EntangleResults
}

// createHostProto is a constructor
func createHostProto(qn *qNode, ctlName string, hub bool) *HostProto {
	hp := new(HostProto)
	hp.qn = qn
	hp.ctlName = ctlName
	hp.hub = hub
	hp.state = hostIdle
	hp.attempts = make(map[uint64]int)
	hp.reserved = make(map[uint64]*EntangleRequest)
	hp.results = make(map[uint64]*EntangleResults)
	return hp
}

// Results returns what the host has recorded about a request, nil if
// the request is unknown.  Outcomes is nil until the request completes.
func (hp *HostProto) Results(requestID uint64) *EntangleResults {
	return hp.results[requestID]
}

// submit accepts a locally originated request
func (hp *HostProto) submit(evtMgr *evtm.EventManager, req *EntangleRequest) {
	if req.Host0 != hp.qn.name {
		panic(fmt.Errorf("request %d for host %s submitted at host %s",
			req.RequestID, req.Host0, hp.qn.name))
	}
	hp.recordRequest(evtMgr, req)

	if hp.hub {
		fwd := *req
		sendCtl(evtMgr, hp.qn, req.Host1, &fwd)
		hp.reserve(evtMgr, req)
		return
	}

	hp.queue = append(hp.queue, &hostTask{req: req})
	hp.scheduleStartNext(evtMgr)
}

// recordRequest opens the results record for a request
func (hp *HostProto) recordRequest(evtMgr *evtm.EventManager, req *EntangleRequest) {
	if _, present := hp.results[req.RequestID]; present {
		panic(fmt.Errorf("host %s saw request %d twice", hp.qn.name, req.RequestID))
	}
	hp.results[req.RequestID] = &EntangleResults{RequestTime: evtMgr.CurrentSeconds()}
}

// handlePeerRequest accepts a request forwarded by the originating
// host under the hub controller.  The endpoint roles swap so that each
// side reserves with itself as the source.
func (hp *HostProto) handlePeerRequest(evtMgr *evtm.EventManager, req *EntangleRequest) {
	if !hp.hub {
		panic(fmt.Errorf("host %s received a forwarded request outside hub pairing", hp.qn.name))
	}
	req.Host0, req.Host1 = req.Host1, req.Host0
	if req.Host0 != hp.qn.name {
		panic(fmt.Errorf("request %d forwarded to host %s but pairs %s and %s",
			req.RequestID, hp.qn.name, req.Host1, req.Host0))
	}
	hp.recordRequest(evtMgr, req)
	hp.reserve(evtMgr, req)
}

// reserve registers a request with the controller
func (hp *HostProto) reserve(evtMgr *evtm.EventManager, req *EntangleRequest) {
	if hp.hub {
		hp.reserved[req.RequestID] = req
	}
	hp.ctlmsg(evtMgr, OpRsrv, req)
}

// ctlmsg sends one request message to the controller
func (hp *HostProto) ctlmsg(evtMgr *evtm.EventManager, op QcpOp, req *EntangleRequest) {
	if req.Host0 != hp.qn.name {
		panic(fmt.Errorf("host %s speaking for request %d owned by %s",
			hp.qn.name, req.RequestID, req.Host0))
	}
	sendCtl(evtMgr, hp.qn, hp.ctlName,
		&RequestMsg{Op: op, Source: req.Host0, Remote: req.Host1, RequestID: req.RequestID})
}

// scheduleStartNext defers dequeueing to a fresh event
func (hp *HostProto) scheduleStartNext(evtMgr *evtm.EventManager) {
	evtMgr.Schedule(hp, nil, startNextTask, vrtime.SecondsToTime(0.0))
}

func startNextTask(evtMgr *evtm.EventManager, context any, data any) any {
	hp := context.(*HostProto)
	if hp.state != hostIdle || len(hp.queue) == 0 {
		return nil
	}
	task := hp.queue[0]
	hp.queue = hp.queue[1:]
	hp.current = task.req

	if task.shaken {
		hp.state = hostReserving
		hp.ctlmsg(evtMgr, OpRsrv, task.req)
		return nil
	}
	hp.shakeHands(evtMgr)
	return nil
}

// shakeHands offers the current request to the peer host
func (hp *HostProto) shakeHands(evtMgr *evtm.EventManager) {
	hp.state = hostHandshake
	hp.attempts[hp.current.RequestID] += 1
	hp.handshakeSent = evtMgr.CurrentSeconds()
	offer := *hp.current
	sendCtl(evtMgr, hp.qn, hp.current.Host1, &HandshakeMsg{Request: &offer})
}

// handleHandshake consumes a handshake message.  An offer names this
// host as the second endpoint; an answer echoes a request this host
// offered.
func (hp *HostProto) handleHandshake(evtMgr *evtm.EventManager, msg *HandshakeMsg) {
	if hp.hub {
		panic(fmt.Errorf("host %s received a handshake under hub pairing", hp.qn.name))
	}

	if msg.Request.Host1 == hp.qn.name {
		hp.handleOffer(evtMgr, msg)
		return
	}
	if msg.Request.Host0 != hp.qn.name {
		panic(fmt.Errorf("host %s received a handshake pairing %s and %s",
			hp.qn.name, msg.Request.Host0, msg.Request.Host1))
	}
	hp.handleAnswer(evtMgr, msg)
}

// handleOffer answers a peer's offer: accept and enqueue when idle,
// refuse otherwise
func (hp *HostProto) handleOffer(evtMgr *evtm.EventManager, msg *HandshakeMsg) {
	answer := &HandshakeMsg{Request: msg.Request}
	if hp.state == hostIdle {
		answer.RemoteReady = true
		accepted := *msg.Request
		accepted.Host0, accepted.Host1 = accepted.Host1, accepted.Host0
		hp.recordRequest(evtMgr, &accepted)
		hp.queue = append(hp.queue, &hostTask{req: &accepted, shaken: true})
		hp.scheduleStartNext(evtMgr)
	}
	sendCtl(evtMgr, hp.qn, msg.Request.Host0, answer)
}

// handleAnswer settles this host's outstanding offer.  Acceptance moves
// on to the reservation; refusal re-enqueues the request after a
// backoff that grows with the attempt count, jittered off the measured
// offer round trip.
func (hp *HostProto) handleAnswer(evtMgr *evtm.EventManager, msg *HandshakeMsg) {
	if hp.state != hostHandshake || hp.current == nil ||
		hp.current.RequestID != msg.Request.RequestID {
		traceMgr.logDrop(evtMgr, hp.qn.id,
			fmt.Sprintf("handshake answer outside offer, request %d", msg.Request.RequestID))
		return
	}

	if msg.RemoteReady {
		hp.state = hostReserving
		hp.ctlmsg(evtMgr, OpRsrv, hp.current)
		return
	}

	shift := hp.attempts[hp.current.RequestID] - 1
	if shift > 3 {
		shift = 3
	}
	rtt := evtMgr.CurrentSeconds() - hp.handshakeSent
	backoff := float64(uint64(1)<<uint(shift)) * (1.0 + hp.qn.rngstr.RandU01()) * rtt

	req := hp.current
	hp.current = nil
	hp.state = hostIdle
	evtMgr.Schedule(hp, req, resubmitTask, vrtime.SecondsToTime(backoff))
	hp.scheduleStartNext(evtMgr)
}

// resubmitTask returns a refused request to the work queue
func resubmitTask(evtMgr *evtm.EventManager, context any, data any) any {
	hp := context.(*HostProto)
	req := data.(*EntangleRequest)
	hp.queue = append(hp.queue, &hostTask{req: req})
	hp.scheduleStartNext(evtMgr)
	return nil
}

// handleCtlNotify consumes the controller's reserve and free notices
func (hp *HostProto) handleCtlNotify(evtMgr *evtm.EventManager, rm *RequestMsg) {
	if rm.Source != hp.qn.name {
		panic(fmt.Errorf("host %s notified about request %d sourced at %s",
			hp.qn.name, rm.RequestID, rm.Source))
	}

	switch rm.Op {
	case OpRsrv:
		hp.startEntangling(evtMgr, rm)
	case OpFree:
		hp.finishRequest(evtMgr, rm)
	default:
		panic(fmt.Errorf("host %s cannot consume %s", hp.qn.name, rm.String()))
	}
}

// startEntangling begins measuring pairs for the circuit the
// controller just installed
func (hp *HostProto) startEntangling(evtMgr *evtm.EventManager, rm *RequestMsg) {
	if hp.hub {
		req := hp.reserved[rm.RequestID]
		if req == nil {
			panic(fmt.Errorf("host %s notified about unreserved request %d", hp.qn.name, rm.RequestID))
		}
		if hp.state != hostIdle {
			panic(fmt.Errorf("host %s granted circuit %d while busy", hp.qn.name, rm.RequestID))
		}
		delete(hp.reserved, rm.RequestID)
		hp.current = req
	} else {
		if hp.state != hostReserving || hp.current == nil ||
			hp.current.RequestID != rm.RequestID {
			panic(fmt.Errorf("host %s granted circuit %d it was not reserving", hp.qn.name, rm.RequestID))
		}
	}
	if hp.current.Host1 != rm.Remote {
		panic(fmt.Errorf("circuit %d pairs host %s with %s, request named %s",
			rm.RequestID, hp.qn.name, rm.Remote, hp.current.Host1))
	}

	hp.state = hostEntangling
	hp.outcomes = nil
	hp.results[rm.RequestID].StartTime = evtMgr.CurrentSeconds()
}

// finishRequest closes out a released circuit
func (hp *HostProto) finishRequest(evtMgr *evtm.EventManager, rm *RequestMsg) {
	if hp.state != hostReleasing || hp.current == nil ||
		hp.current.RequestID != rm.RequestID {
		panic(fmt.Errorf("host %s freed circuit %d it was not releasing", hp.qn.name, rm.RequestID))
	}
	delete(hp.attempts, rm.RequestID)
	hp.current = nil
	hp.state = hostIdle
	if !hp.hub {
		hp.scheduleStartNext(evtMgr)
	}
}

// hostLink returns the host's single quantum-port link layer
func (hp *HostProto) hostLink() *linkLayer {
	for _, ll := range hp.qn.linkLayers {
		return ll
	}
	panic(fmt.Errorf("host %s has no quantum link", hp.qn.name))
}

// handleDelivery consumes one entanglement notification that reached
// the host's CPU.  Notifications for the current circuit measure the
// held qubit; anything else drains defensively, discarding whatever
// qubit the link layer holds.
func (hp *HostProto) handleDelivery(evtMgr *evtm.EventManager, pkt *Packet) {
	var requestID uint64
	var bell BellIndex
	switch {
	case pkt.Qnp != nil:
		requestID = pkt.Qnp.CircuitID
		bell = pkt.Qnp.Bell
	case pkt.Egp != nil:
		requestID = pkt.Egp.LinkLabel
		bell = pkt.Egp.Bell
	default:
		traceMgr.logDrop(evtMgr, hp.qn.id, "delivery without quantum headers")
		return
	}

	if hp.state != hostEntangling || hp.current == nil || requestID != hp.current.RequestID {
		traceMgr.logDrop(evtMgr, hp.qn.id, fmt.Sprintf("stale delivery for circuit %d", requestID))
		ll := hp.hostLink()
		if ll.holding() {
			ll.consumeHeld(evtMgr)
		}
		return
	}

	hidden, _ := hp.hostLink().consumeHeld(evtMgr)
	hp.outcomes = append(hp.outcomes, PairOutcome{Bell: bell, Bit: hidden})
	traceMgr.logArrive(evtMgr, hp.qn.id,
		fmt.Sprintf("pair %d of %d, circuit %d", len(hp.outcomes), hp.current.NumPairs, requestID))

	if len(hp.outcomes) < hp.current.NumPairs {
		return
	}

	res := hp.results[requestID]
	res.EndTime = evtMgr.CurrentSeconds()
	res.Outcomes = hp.outcomes
	hp.outcomes = nil
	hp.state = hostReleasing
	hp.ctlmsg(evtMgr, OpFree, hp.current)
}

// QBER compares the outcome lists of a request's two hosts and returns
// the fraction of mismatched measurement bits.  Psi pairs anticorrelate
// so one side flips before comparing.
func QBER(a, b []PairOutcome) float64 {
	if len(a) != len(b) {
		panic(fmt.Errorf("outcome lists differ in length, %d vs %d", len(a), len(b)))
	}
	if len(a) == 0 {
		return 0.0
	}
	errors := 0
	for idx := range a {
		if a[idx].Bell != b[idx].Bell {
			panic(fmt.Errorf("pair %d heralded as %s on one side, %s on the other",
				idx, bellIndexToStr(a[idx].Bell), bellIndexToStr(b[idx].Bell)))
		}
		bit := a[idx].Bit
		if a[idx].Bell == PsiPlus || a[idx].Bell == PsiMinus {
			bit ^= 1
		}
		if bit != b[idx].Bit {
			errors += 1
		}
	}
	return float64(errors) / float64(len(a))
}
