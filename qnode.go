package qnet

// qnode.go implements the endpoint side of the physical plane: one
// link layer per quantum port facing a heralding station.  The layer
// mirrors the station's heralding engine, claims qubit slots, paces
// photon emission against a measured round trip, and hands successful
// entanglements upward, to the host protocol at hosts and to the swap
// machinery at routers and repeaters.

import (
	"fmt"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

type linkState int

const (
	linkIdle linkState = iota
	linkRtt
	linkSlotWait
	linkAwaitParams
	linkAttempting
	linkHolding
)

// guardStamp stales guard timers across emission attempts and group
// reconfigurations
type guardStamp struct {
	generation int
	attempt    int
}

// pingStamp stales round-trip retry timers
type pingStamp struct {
	generation int
	seq        int
}

// A linkLayer runs the endpoint state machine for one quantum port
type linkLayer struct {
	qn   *qNode
	port *qPort

	state      linkState
	generation int // bumped on every group announcement

	bsmID uint64
	entry int // which entry of the BSM group this endpoint holds
	epoch int // configuration count echoed back in readiness

	rttKnown bool
	rtt      float64
	pingSeq  int
	pingSent float64

	alpha   float64
	attempt int

	held       bool
	heldHidden int
	heldBell   BellIndex
}

// createLinkLayer is a constructor
func createLinkLayer(qn *qNode, port *qPort) *linkLayer {
	ll := new(linkLayer)
	ll.qn = qn
	ll.port = port
	ll.state = linkIdle
	return ll
}

// reset abandons any round in progress, releasing a slot the layer
// holds.  A queued claim is left to drain through its grant stamp.
func (ll *linkLayer) reset(evtMgr *evtm.EventManager) {
	switch ll.state {
	case linkAwaitParams, linkAttempting, linkHolding:
		ll.qn.slots.freeSlot(evtMgr)
	}
	ll.held = false
	ll.state = linkIdle
}

// handleNewBsmGroup reopens the layer for the announced group.  The
// round trip to the station is estimated fresh for each announcement.
func (ll *linkLayer) handleNewBsmGroup(evtMgr *evtm.EventManager, msg *NewBsmGroupMsg) {
	ll.reset(evtMgr)
	ll.generation += 1
	ll.bsmID = msg.BsmID
	ll.entry = msg.Entry
	ll.epoch = msg.Epoch
	ll.rttKnown = false
	ll.sendPing(evtMgr)
}

// sendPing launches one round-trip probe and arms its retry timer
func (ll *linkLayer) sendPing(evtMgr *evtm.EventManager) {
	ll.state = linkRtt
	ll.pingSeq += 1
	ll.pingSent = evtMgr.CurrentSeconds()
	sendDirect(evtMgr, ll.qn, ll.port.num, &RttPingMsg{Node: ll.qn.name, Seq: ll.pingSeq})
	evtMgr.Schedule(ll, pingStamp{generation: ll.generation, seq: ll.pingSeq},
		pingRetry, vrtime.SecondsToTime(expParams.RttRetrySeconds))
}

// pingRetry re-probes when a pong failed to arrive in time
func pingRetry(evtMgr *evtm.EventManager, context any, data any) any {
	ll := context.(*linkLayer)
	st := data.(pingStamp)
	if st.generation != ll.generation || ll.state != linkRtt || st.seq != ll.pingSeq {
		return nil
	}
	ll.sendPing(evtMgr)
	return nil
}

// handleRttPong completes the estimate and moves on to claiming a qubit
func (ll *linkLayer) handleRttPong(evtMgr *evtm.EventManager, msg *RttPongMsg) {
	if ll.state != linkRtt || msg.Seq != ll.pingSeq {
		traceMgr.logDrop(evtMgr, ll.qn.id, fmt.Sprintf("stale pong seq %d on port %d", msg.Seq, ll.port.num))
		return
	}
	ll.rtt = evtMgr.CurrentSeconds() - ll.pingSent
	ll.rttKnown = true
	ll.claimSlot(evtMgr)
}

// claimSlot queues for a communication qubit
func (ll *linkLayer) claimSlot(evtMgr *evtm.EventManager) {
	ll.state = linkSlotWait
	ll.qn.slots.waitSlot(evtMgr, ll, ll.generation, slotGranted)
}

// slotGranted reports readiness to the station once a qubit slot is in
// hand.  A grant that outlived its group announcement gives the slot
// straight back.
func slotGranted(evtMgr *evtm.EventManager, context any, data any) any {
	ll := context.(*linkLayer)
	if data.(int) != ll.generation {
		ll.qn.slots.freeSlot(evtMgr)
		return nil
	}
	ll.state = linkAwaitParams
	sendDirect(evtMgr, ll.qn, ll.port.num,
		&QNodeReadyMsg{Node: ll.qn.name, BsmID: ll.bsmID, Epoch: ll.epoch})
	return nil
}

// handleEntParams starts the emission attempts
func (ll *linkLayer) handleEntParams(evtMgr *evtm.EventManager, msg *EntParamsMsg) {
	if ll.state != linkAwaitParams || msg.BsmID != ll.bsmID {
		traceMgr.logDrop(evtMgr, ll.qn.id, fmt.Sprintf("unexpected parameters for group %d", msg.BsmID))
		return
	}
	ll.alpha = msg.Alpha
	ll.attempt = 0
	ll.emit(evtMgr)
}

// emit launches one photon toward the station and arms the guard
// timer that bounds the wait for its heralding outcome
func (ll *linkLayer) emit(evtMgr *evtm.EventManager) {
	ll.state = linkAttempting
	ll.attempt += 1
	sendPhoton(evtMgr, ll.qn, ll.port.num, &PhotonMsg{BsmID: ll.bsmID})
	evtMgr.Schedule(ll, guardStamp{generation: ll.generation, attempt: ll.attempt},
		guardExpire, vrtime.SecondsToTime(ll.rtt+expParams.GuardSeconds))
}

// guardExpire discards the attempt whose outcome never arrived and
// emits afresh.  Stale timers from settled attempts no-op.
func guardExpire(evtMgr *evtm.EventManager, context any, data any) any {
	ll := context.(*linkLayer)
	st := data.(guardStamp)
	if st.generation != ll.generation || ll.state != linkAttempting || st.attempt != ll.attempt {
		return nil
	}
	traceMgr.logHerald(evtMgr, ll.qn.id, "guard", ll.bsmID)
	ll.emit(evtMgr)
	return nil
}

// handleOutcome settles the current attempt.  Failures discard and
// re-emit; a success binds the held qubit's hidden measurement bit
// from the shared seed and this endpoint's side of the group.
func (ll *linkLayer) handleOutcome(evtMgr *evtm.EventManager, msg *BsmOutcomeMsg) {
	if ll.state != linkAttempting || msg.BsmID != ll.bsmID {
		traceMgr.logDrop(evtMgr, ll.qn.id, fmt.Sprintf("outcome outside attempt for group %d", msg.BsmID))
		return
	}
	if !msg.Success {
		ll.emit(evtMgr)
		return
	}

	hidden := msg.Seed
	if ll.entry != 0 {
		hidden ^= antiBit(msg.Bell)
	}
	ll.held = true
	ll.heldHidden = hidden
	ll.heldBell = msg.Bell
	ll.state = linkHolding

	if swapCapable(ll.qn.kind) {
		evtMgr.Schedule(ll, nil, deliverHeldUpward, vrtime.SecondsToTime(0.0))
	}
}

// deliverHeldUpward hands a swap-capable node's fresh qubit to the rule
// executor and queues for the next round's slot.  The swap itself frees
// the delivered qubit.
func deliverHeldUpward(evtMgr *evtm.EventManager, context any, data any) any {
	ll := context.(*linkLayer)
	if !ll.held {
		return nil
	}
	ll.qn.device.qubitHeld(evtMgr, ll.port.num, ll.heldHidden)
	ll.held = false
	ll.claimSlot(evtMgr)
	return nil
}

// consumeHeld releases the held qubit to the host protocol, returning
// its hidden measurement bit and link-level bell index.  The freed slot
// is immediately re-claimed for the circuit's next pair.
func (ll *linkLayer) consumeHeld(evtMgr *evtm.EventManager) (int, BellIndex) {
	if !ll.held {
		panic(fmt.Errorf("node %s port %d consumed a qubit it does not hold", ll.qn.name, ll.port.num))
	}
	hidden, bell := ll.heldHidden, ll.heldBell
	ll.held = false
	ll.qn.slots.freeSlot(evtMgr)
	ll.claimSlot(evtMgr)
	return hidden, bell
}

// holding reports whether a successful entanglement is in hand
func (ll *linkLayer) holding() bool {
	return ll.held
}
