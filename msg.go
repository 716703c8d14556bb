package qnet

// msg.go holds the message types exchanged on the control plane, the
// per-link physical plane, and the classical data plane

import (
	"fmt"
)

// ctlPort is the well-known port number on which every node's local
// protocol stack (agent, controller, host protocols) receives control
// traffic.  A static forwarding entry maps a node's own address to it.
const ctlPort = 0x200

// labelBase and labelStride govern the link labels assigned while
// walking a route during circuit installation.  The first segment gets
// labelBase, and the label advances by labelStride at every
// router/repeater hop.
const labelBase uint64 = 0x10
const labelStride uint64 = 0x10

// ethAddrBase is the base of the flat classical address space.  A
// node's address is ethAddrBase plus its topology index.
const ethAddrBase uint64 = 0xA0B0A0B00000

// QcpOp enumerates the quantum control protocol operations carried by
// RequestMsg between hosts and the controller
type QcpOp int

const (
	OpPing QcpOp = 0x00
	OpRsrv QcpOp = 0x01
	OpFree QcpOp = 0x02
	OpRule QcpOp = 0x03
)

// qcpOpToStr returns a string name for a QcpOp code
func qcpOpToStr(op QcpOp) string {
	switch op {
	case OpPing:
		return "ping"
	case OpRsrv:
		return "rsrv"
	case OpFree:
		return "free"
	case OpRule:
		return "rule"
	}
	return "unknown"
}

// RuleAction enumerates the rule operations a controller may ask an
// agent to apply to its local forwarding state
type RuleAction int

const (
	InsertTableEntry RuleAction = iota
	RemoveTableEntry
	CreateBsmGrp
	DestroyBsmGrp
)

// ruleActionToStr returns a string name for a RuleAction code
func ruleActionToStr(action RuleAction) string {
	switch action {
	case InsertTableEntry:
		return "insert"
	case RemoveTableEntry:
		return "remove"
	case CreateBsmGrp:
		return "create-bsm-grp"
	case DestroyBsmGrp:
		return "destroy-bsm-grp"
	}
	return "unknown"
}

// BellIndex encodes the four Bell states.  The low bit is the phase
// bit, the high bit distinguishes the anti-correlated psi states from
// the correlated phi states.
type BellIndex int

const (
	PhiPlus  BellIndex = 0b00
	PhiMinus BellIndex = 0b01
	PsiPlus  BellIndex = 0b10
	PsiMinus BellIndex = 0b11

	// BellNone marks an outcome with no heralded state
	BellNone BellIndex = -1
)

// bellIndexToStr returns a string name for a BellIndex
func bellIndexToStr(bell BellIndex) string {
	switch bell {
	case PhiPlus:
		return "phi+"
	case PhiMinus:
		return "phi-"
	case PsiPlus:
		return "psi+"
	case PsiMinus:
		return "psi-"
	}
	return "none"
}

// antiBit reports whether a Bell state is anti-correlated in the
// measurement basis (the psi states)
func antiBit(bell BellIndex) int {
	if bell == PsiPlus || bell == PsiMinus {
		return 1
	}
	return 0
}

// RequestMsg carries a host's reservation or release intent to the
// controller, and the controller's echo back to both hosts once the
// circuit is fully installed or fully freed.
type RequestMsg struct {
	Op        QcpOp
	Source    string
	Remote    string
	RequestID uint64
}

func (rm *RequestMsg) String() string {
	return fmt.Sprintf("%s(%s->%s, req %d)", qcpOpToStr(rm.Op), rm.Source, rm.Remote, rm.RequestID)
}

// RuleHdr is common to every rule message.  The controller fills all
// fields; the agent echoes the message back unchanged as the
// acknowledgment (inserting the assigned handle where one exists).
type RuleHdr struct {
	CircuitID uint64
	Node      string
	RuleID    uint64
	Action    RuleAction
}

func (rh *RuleHdr) hdr() *RuleHdr {
	return rh
}

// RuleMsg is the closed union of rule messages the controller issues to
// node agents.  The hdr method is unexported so the union cannot grow
// outside this package; receivers dispatch with a type switch.
type RuleMsg interface {
	hdr() *RuleHdr
}

// TableInsertMsg installs one table entry.  Handle is zero on issue and
// carries the assigned entry handle on the acknowledgment.
type TableInsertMsg struct {
	RuleHdr
	Block      string
	Table      string
	Key        []uint64
	ActionName string
	ActionData []uint64
	Handle     int
}

// TableRemoveMsg removes a previously installed table entry by handle.
type TableRemoveMsg struct {
	RuleHdr
	Block  string
	Table  string
	Handle int
}

// BsmGrpEntry names one egress direction of a BSM group.  BsmInfo holds
// the paired egress port so each clone knows its opposite side.
type BsmGrpEntry struct {
	EgressPort int
	BsmInfo    uint64
}

// BsmGrpCreateMsg cross-connects two egress directions as a BSM group.
type BsmGrpCreateMsg struct {
	RuleHdr
	BsmGrpID uint64
	Entry0   BsmGrpEntry
	Entry1   BsmGrpEntry
}

// BsmGrpDestroyMsg tears down a BSM group by id.
type BsmGrpDestroyMsg struct {
	RuleHdr
	BsmGrpID uint64
}

// physical-plane messages, exchanged only between directly linked
// nodes (never routed)

// NewBsmGroupMsg announces to a link endpoint that a BSM unit at the
// adjacent heralding station now serves it.  Entry tells the endpoint
// which side of the group it is on (0 faces the head end of the route).
// Epoch counts configurations of the unit, so state left over from an
// earlier configuration of the same group id cannot pass for current.
type NewBsmGroupMsg struct {
	Station string
	BsmID   uint64
	Entry   int
	Epoch   int
}

// QNodeReadyMsg signals that the endpoint has a free qubit committed to
// the announced BSM group.  Epoch echoes the announcement the readiness
// answers.
type QNodeReadyMsg struct {
	Node  string
	BsmID uint64
	Epoch int
}

// EntParamsMsg carries the entanglement generation parameters for the
// next attempt round.
type EntParamsMsg struct {
	BsmID uint64
	Alpha float64
}

// PhotonMsg models the arrival of an emitted photon at the adjacent
// heralding station's BSM unit.
type PhotonMsg struct {
	BsmID uint64
}

// BsmOutcomeMsg reports one detector outcome.  Identical copies go to
// both link endpoints.  Seed carries the shared randomness from which
// each side derives its half of the pair; an endpoint on group entry 1
// flips the seed by the state's anti-correlation bit.
type BsmOutcomeMsg struct {
	BsmID   uint64
	Success bool
	Bell    BellIndex
	Seed    int
}

// RttPingMsg and RttPongMsg implement the endpoint's one-time
// round-trip estimate against the adjacent heralding station.
type RttPingMsg struct {
	Node string
	Seq  int
}

type RttPongMsg struct {
	Seq int
}

// host application messages

// EntangleRequest asks for NumPairs entangled pairs between Host0 and
// Host1.  Submitted records the simulation time the request entered the
// system.
type EntangleRequest struct {
	RequestID uint64
	Host0     string
	Host1     string
	NumPairs  int
	Submitted float64
}

// HandshakeMsg wraps a request between peer hosts in the point-to-point
// variant.  RemoteReady reports whether the remote side accepted.
type HandshakeMsg struct {
	Request     *EntangleRequest
	RemoteReady bool
}

// data-plane packet headers

// EthHdr addresses a classical packet to a node.
type EthHdr struct {
	DstAddr uint64
}

// EgpHdr tags an entanglement generation event with the link label of
// the segment it occurred on.
type EgpHdr struct {
	LinkLabel uint64
	Bell      BellIndex
}

// QnpHdr tags a network-level entanglement delivery with its circuit.
// Bell accumulates the composed Bell index as the packet crosses
// swapping nodes.
type QnpHdr struct {
	CircuitID uint64
	Bell      BellIndex
}

// Packet is the classical data-plane unit.  Egp and Qnp are optional
// layers; Payload carries control-plane bodies (RequestMsg, RuleMsg
// batches, HandshakeMsg, EntangleRequest) for packets terminating at a
// node's control port.
type Packet struct {
	Eth     EthHdr
	Egp     *EgpHdr
	Qnp     *QnpHdr
	Payload any
}
