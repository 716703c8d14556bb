package qnet

// transition.go holds the code that moves messages between nodes.  Both
// planes ride the same links: classical packets hop through each node's
// rule-execution pipeline, physical-plane messages pass directly
// between the link machinery on either end.

import (
	"fmt"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// sendDirect transmits a payload out the numbered port of a node.  The
// arrival at the peer node is scheduled after the link's propagation
// delay.  Panics on an unconnected port: topology construction wires
// every port, so a miss is a routing-table or install-walk bug.
func sendDirect(evtMgr *evtm.EventManager, from *qNode, portNum int, payload any) {
	port, present := from.ports[portNum]
	if !present {
		panic(fmt.Errorf("node %s transmits on unknown port %d", from.name, portNum))
	}
	if port.peer == nil {
		panic(fmt.Errorf("node %s port %d is not connected", from.name, portNum))
	}

	traceMgr.logXmit(evtMgr, from.id, port.peer.node.id, payloadTag(payload))
	evtMgr.Schedule(port.peer, payload, enterPort, vrtime.SecondsToTime(port.delay))
}

// sendPhoton transmits a photon out a quantum port.  Photons share the
// fibre with classical traffic and so see the same propagation delay,
// but may only traverse quantum-capable links.
func sendPhoton(evtMgr *evtm.EventManager, from *qNode, portNum int, photon *PhotonMsg) {
	port, present := from.ports[portNum]
	if !present {
		panic(fmt.Errorf("node %s emits photon on unknown port %d", from.name, portNum))
	}
	if !port.quantum {
		panic(fmt.Errorf("node %s port %d is not quantum capable", from.name, portNum))
	}
	sendDirect(evtMgr, from, portNum, photon)
}

// enterPort is the event handler for the arrival of a transmission at
// the far end of a link
func enterPort(evtMgr *evtm.EventManager, context any, data any) any {
	port := context.(*qPort)
	traceMgr.logArrive(evtMgr, port.node.id, payloadTag(data))
	port.node.recvMsg(evtMgr, port.num, data)
	return nil
}

// sendCtl wraps a control-plane body in a packet addressed to the named
// node and pushes it into the sender's own pipeline, which forwards it
// using the statically installed classical forwarding entries.  A
// locally addressed body loops through the pipeline back to the
// sender's own control port.
func sendCtl(evtMgr *evtm.EventManager, from *qNode, dst string, body any) {
	dstNode, present := qNodeByName[dst]
	if !present {
		panic(fmt.Errorf("node %s sends control traffic to unknown node %s", from.name, dst))
	}
	pkt := &Packet{Eth: EthHdr{DstAddr: dstNode.addr}, Payload: body}
	from.device.pipeline(evtMgr, ctlPort, pkt)
}

// payloadTag names a payload type for the trace
func payloadTag(payload any) string {
	switch msg := payload.(type) {
	case *Packet:
		switch {
		case msg.Payload != nil:
			return "ctl"
		case msg.Qnp != nil:
			return "qnp"
		case msg.Egp != nil:
			return "egp"
		}
		return "pkt"
	case *NewBsmGroupMsg:
		return "new-bsm-grp"
	case *QNodeReadyMsg:
		return "qnode-ready"
	case *EntParamsMsg:
		return "ent-params"
	case *PhotonMsg:
		return "photon"
	case *BsmOutcomeMsg:
		return "bsm-outcome"
	case *RttPingMsg:
		return "rtt-ping"
	case *RttPongMsg:
		return "rtt-pong"
	}
	return "unknown"
}
