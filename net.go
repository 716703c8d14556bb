package qnet

// net.go holds the run-time representation of the quantum network:
// nodes, the ports that join them, and the dispatch of arriving
// messages to the protocol machinery attached to each node

import (
	"fmt"
	"github.com/iti/evt/evtm"
	"github.com/iti/rngstream"
)

// nodeKind is the base type for an enumerated type of network nodes
type nodeKind int

const (
	hostKind nodeKind = iota
	routerKind
	repeaterKind
	stationKind
	ctrlKind
	unknownKind
)

// nodeKindFromStr returns the nodeKind corresponding to a string name for it
func nodeKindFromStr(kind string) nodeKind {
	switch kind {
	case "Host", "host":
		return hostKind
	case "Router", "router":
		return routerKind
	case "Repeater", "repeater":
		return repeaterKind
	case "HeraldStation", "heraldstation":
		return stationKind
	case "Controller", "controller":
		return ctrlKind
	default:
		return unknownKind
	}
}

// nodeKindToStr returns a string corresponding to an input nodeKind
func nodeKindToStr(kind nodeKind) string {
	switch kind {
	case hostKind:
		return "host"
	case routerKind:
		return "router"
	case repeaterKind:
		return "repeater"
	case stationKind:
		return "heraldstation"
	case ctrlKind:
		return "controller"
	}
	return "unknown"
}

// swapCapable reports whether a node kind holds qubits on two sides and
// performs entanglement swaps.  Routers and repeaters differ in name
// only.
func swapCapable(kind nodeKind) bool {
	return kind == routerKind || kind == repeaterKind
}

// A qPort is one endpoint of a link.  Every link carries classical
// traffic; quantum links additionally carry photons.  delay is the
// propagation time across the link, in seconds.
type qPort struct {
	num     int     // port index, unique on the holding node
	node    *qNode  // node holding this port
	peer    *qPort  // port on the other end of the link
	quantum bool    // whether the link carries photons
	delay   float64 // propagation delay in seconds
}

// ctlProto is implemented by the controller variants attached to the
// controller node
type ctlProto interface {
	handleRequest(evtMgr *evtm.EventManager, rm *RequestMsg)
	handleRuleAck(evtMgr *evtm.EventManager, ack RuleMsg)
}

// A qNode is the run-time representation of one network node.  All node
// kinds share identity, addressing, ports, and a rule-execution device;
// the protocol machinery attached depends on the kind.
type qNode struct {
	name string
	id   int
	kind nodeKind
	addr uint64 // classical address, ethAddrBase plus topology index

	ports  map[int]*qPort
	rngstr *rngstream.RngStream

	device *p4Device
	agent  *Agent

	// hosts, routers, and repeaters hold qubit slots and run a link
	// layer per quantum port
	slots      *qubitScheduler
	linkLayers map[int]*linkLayer

	// heralding stations run one engine per BSM unit, keyed by the BSM
	// group id the controller assigned to the unit.  engineEpochs counts
	// configurations per group id across engine lifetimes.
	engines      map[uint64]*heraldEngine
	engineEpochs map[uint64]int
	numBsmUnits  int

	// hosts run the entangle-and-measure protocol
	host *HostProto

	// the controller node runs one of the controller variants
	ctl ctlProto
}

// createQNode builds the run-time representation of a node from its
// description.  Ports are attached afterwards, as links are walked.
func createQNode(nd *NodeDesc) *qNode {
	qn := new(qNode)
	qn.name = nd.Name
	qn.id = nxtID()
	qn.kind = nodeKindFromStr(nd.Kind)
	if qn.kind == unknownKind {
		panic(fmt.Errorf("node %s has unrecognized kind %s", nd.Name, nd.Kind))
	}
	qn.ports = make(map[int]*qPort)
	qn.rngstr = rngstream.New(nd.Name)
	qn.device = createP4Device(qn)
	qn.agent = createAgent(qn)

	if qn.kind == hostKind || swapCapable(qn.kind) {
		qn.slots = createQubitScheduler(qn.name, nd.NumQubits)
		qn.linkLayers = make(map[int]*linkLayer)
	}
	if qn.kind == stationKind {
		qn.engines = make(map[uint64]*heraldEngine)
		qn.engineEpochs = make(map[uint64]int)
		qn.numBsmUnits = nd.NumBsmUnits
	}
	return qn
}

// addPort attaches a port to the node, panicking if the index is taken
func (qn *qNode) addPort(num int, quantum bool, delay float64) *qPort {
	_, present := qn.ports[num]
	if present {
		panic(fmt.Errorf("port %d on node %s doubly used", num, qn.name))
	}
	port := &qPort{num: num, node: qn, quantum: quantum, delay: delay}
	qn.ports[num] = port
	return port
}

// portToward returns the port connecting this node to the named
// neighbor, or nil if the nodes are not adjacent
func (qn *qNode) portToward(neighbor string) *qPort {
	for _, port := range qn.ports {
		if port.peer.node.name == neighbor {
			return port
		}
	}
	return nil
}

// recvMsg is the single entry point for messages arriving at a node.
// Data-plane packets enter the rule-execution pipeline; physical-plane
// messages go to the link machinery bound to the arrival port.
func (qn *qNode) recvMsg(evtMgr *evtm.EventManager, portNum int, payload any) {
	switch msg := payload.(type) {
	case *Packet:
		qn.device.pipeline(evtMgr, portNum, msg)

	// endpoint side of the physical plane
	case *NewBsmGroupMsg:
		qn.linkLayer(portNum).handleNewBsmGroup(evtMgr, msg)
	case *EntParamsMsg:
		qn.linkLayer(portNum).handleEntParams(evtMgr, msg)
	case *BsmOutcomeMsg:
		qn.linkLayer(portNum).handleOutcome(evtMgr, msg)
	case *RttPongMsg:
		qn.linkLayer(portNum).handleRttPong(evtMgr, msg)

	// station side of the physical plane
	case *QNodeReadyMsg:
		qn.engineForGroup(msg.BsmID).handleReady(evtMgr, portNum, msg.Epoch)
	case *PhotonMsg:
		qn.engineForGroup(msg.BsmID).handlePhoton(evtMgr, portNum)
	case *RttPingMsg:
		// answered at the station without engine involvement
		sendDirect(evtMgr, qn, portNum, &RttPongMsg{Seq: msg.Seq})

	default:
		panic(fmt.Errorf("node %s port %d received unrecognized payload %T", qn.name, portNum, payload))
	}
}

// linkLayer returns the link layer bound to a port, panicking when the
// node kind has none or the port faces no heralding station
func (qn *qNode) linkLayer(portNum int) *linkLayer {
	if qn.linkLayers == nil {
		panic(fmt.Errorf("node %s has no link layer", qn.name))
	}
	ll, present := qn.linkLayers[portNum]
	if !present {
		panic(fmt.Errorf("node %s has no link layer on port %d", qn.name, portNum))
	}
	return ll
}

// engineForGroup returns the station's heralding engine serving a BSM
// group.  Messages for groups torn down mid-flight land here; they are
// handed to an inert engine record rather than panicking, since the
// physical plane may legitimately race a reconfiguration.
func (qn *qNode) engineForGroup(bsmGrpID uint64) *heraldEngine {
	if qn.engines == nil {
		panic(fmt.Errorf("node %s is not a heralding station", qn.name))
	}
	engine, present := qn.engines[bsmGrpID]
	if !present {
		return inertEngine
	}
	return engine
}

// deliverCPU hands a packet that reached the node's control port to the
// local protocol stack
func (qn *qNode) deliverCPU(evtMgr *evtm.EventManager, pkt *Packet) {
	// entanglement deliveries carry headers and no control body
	if pkt.Payload == nil {
		if qn.host == nil {
			traceMgr.logDrop(evtMgr, qn.id, "no host protocol for entanglement delivery")
			return
		}
		qn.host.handleDelivery(evtMgr, pkt)
		return
	}

	switch body := pkt.Payload.(type) {
	case []any:
		// a control batch: rule messages and request notifications
		// bundled into one packet, demultiplexed by kind
		for _, item := range body {
			qn.deliverCtlItem(evtMgr, item)
		}
	default:
		qn.deliverCtlItem(evtMgr, pkt.Payload)
	}
}

// deliverCtlItem dispatches one control-plane body to the node's agent,
// controller, or host protocol
func (qn *qNode) deliverCtlItem(evtMgr *evtm.EventManager, item any) {
	switch msg := item.(type) {
	case *RequestMsg:
		if qn.ctl != nil {
			qn.ctl.handleRequest(evtMgr, msg)
			return
		}
		if qn.host != nil {
			qn.host.handleCtlNotify(evtMgr, msg)
			return
		}
		// agents answer control-plane pings on any node
		if msg.Op == OpPing {
			qn.agent.handlePing(evtMgr, msg)
			return
		}
		panic(fmt.Errorf("node %s cannot consume %s", qn.name, msg.String()))

	case RuleMsg:
		if qn.ctl != nil {
			qn.ctl.handleRuleAck(evtMgr, msg)
			return
		}
		qn.agent.applyRule(evtMgr, msg)

	case *HandshakeMsg:
		if qn.host == nil {
			panic(fmt.Errorf("handshake delivered to non-host node %s", qn.name))
		}
		qn.host.handleHandshake(evtMgr, msg)

	case *EntangleRequest:
		if qn.host == nil {
			panic(fmt.Errorf("entangle request delivered to non-host node %s", qn.name))
		}
		qn.host.handlePeerRequest(evtMgr, msg)

	default:
		panic(fmt.Errorf("node %s control port received unrecognized body %T", qn.name, item))
	}
}
